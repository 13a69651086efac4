package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gymcloud/accessd/internal/access/store"
	"github.com/gymcloud/accessd/internal/access/types"
	dbpkg "github.com/gymcloud/accessd/internal/db"
)

type CommandStore struct {
	db     *sql.DB
	writer *dbpkg.Worker
}

func NewCommandStore(db *sql.DB, writer *dbpkg.Worker) *CommandStore {
	return &CommandStore{db: db, writer: writer}
}

const commandColumns = `
  command_id, tenant_id, device_id, command_type, payload_json, status,
  created_at_ms, claimed_at_ms, acked_at_ms, expires_at_ms, result_json`

func scanCommand(r rowScanner) (types.DeviceCommand, error) {
	var (
		c         types.DeviceCommand
		payload   sql.NullString
		result    sql.NullString
		createdMs int64
		claimedMs sql.NullInt64
		ackedMs   sql.NullInt64
		expiresMs int64
	)
	if err := r.Scan(
		&c.ID, &c.TenantID, &c.DeviceID, &c.Type, &payload, &c.Status,
		&createdMs, &claimedMs, &ackedMs, &expiresMs, &result,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.DeviceCommand{}, types.ErrNotFound
		}
		return types.DeviceCommand{}, err
	}
	if payload.Valid && payload.String != "" {
		if err := json.Unmarshal([]byte(payload.String), &c.Payload); err != nil {
			return types.DeviceCommand{}, fmt.Errorf("decode payload of %s: %w", c.ID, err)
		}
	}
	if result.Valid && result.String != "" {
		var res types.CommandResult
		if err := json.Unmarshal([]byte(result.String), &res); err != nil {
			return types.DeviceCommand{}, fmt.Errorf("decode result of %s: %w", c.ID, err)
		}
		c.Result = &res
	}
	c.CreatedAt = fromMs(createdMs)
	c.ClaimedAt = fromNullMs(claimedMs)
	c.AckedAt = fromNullMs(ackedMs)
	c.ExpiresAt = fromMs(expiresMs)
	return c, nil
}

func (s *CommandStore) InsertCommand(ctx context.Context, c types.DeviceCommand) error {
	var payload any
	if len(c.Payload) > 0 {
		b, err := json.Marshal(c.Payload)
		if err != nil {
			return fmt.Errorf("InsertCommand encode payload: %w", err)
		}
		payload = string(b)
	}

	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
INSERT INTO device_commands(`+commandColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, NULL, NULL, ?, NULL);
`, c.ID, c.TenantID, c.DeviceID, c.Type, payload, c.Status, toMs(c.CreatedAt), toMs(c.ExpiresAt))
		if isUniqueViolation(err) {
			return types.ErrConflict
		}
		if err != nil {
			return fmt.Errorf("InsertCommand: %w", err)
		}
		return nil
	})
}

func (s *CommandStore) GetCommand(ctx context.Context, id string) (types.DeviceCommand, error) {
	c, err := scanCommand(s.db.QueryRowContext(ctx, `
SELECT`+commandColumns+`
FROM device_commands
WHERE command_id = ?;
`, id))
	if err != nil && !errors.Is(err, types.ErrNotFound) {
		return types.DeviceCommand{}, fmt.Errorf("GetCommand: %w", err)
	}
	return c, err
}

func (s *CommandStore) ListCommands(ctx context.Context, deviceID string, limit int) ([]types.DeviceCommand, error) {
	if limit <= 0 {
		limit = store.DefaultCommandListLimit
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT`+commandColumns+`
FROM device_commands
WHERE device_id = ?
ORDER BY created_at_ms DESC, rowid DESC
LIMIT ?;
`, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("ListCommands: %w", err)
	}
	defer rows.Close()

	out := make([]types.DeviceCommand, 0)
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, fmt.Errorf("ListCommands scan: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ClaimNext picks the oldest live pending command and flips it in the same
// statement; the status guard on the outer UPDATE keeps the claim atomic.
func (s *CommandStore) ClaimNext(ctx context.Context, deviceID string, now time.Time) (types.DeviceCommand, bool, error) {
	nowMs := toMs(now)
	var (
		out types.DeviceCommand
		ok  bool
	)
	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		c, err := scanCommand(tx.QueryRowContext(ctx, `
UPDATE device_commands
SET status = 'claimed', claimed_at_ms = ?
WHERE command_id = (
  SELECT command_id FROM device_commands
  WHERE device_id = ? AND status = 'pending' AND expires_at_ms > ?
  ORDER BY created_at_ms, rowid
  LIMIT 1
) AND status = 'pending'
RETURNING`+commandColumns+`;
`, nowMs, deviceID, nowMs))
		if errors.Is(err, types.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("ClaimNext: %w", err)
		}
		out, ok = c, true
		return nil
	})
	return out, ok, err
}

func (s *CommandStore) AckCommand(ctx context.Context, id, deviceID string, res types.CommandResult, now time.Time) (types.DeviceCommand, error) {
	b, err := json.Marshal(res)
	if err != nil {
		return types.DeviceCommand{}, fmt.Errorf("AckCommand encode result: %w", err)
	}
	nowMs := toMs(now)

	var out types.DeviceCommand
	err = s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		c, err := scanCommand(tx.QueryRowContext(ctx, `
UPDATE device_commands
SET status = 'acked', acked_at_ms = ?, result_json = ?
WHERE command_id = ? AND device_id = ? AND status = 'claimed' AND expires_at_ms > ?
RETURNING`+commandColumns+`;
`, nowMs, string(b), id, deviceID, nowMs))
		if err == nil {
			out = c
			return nil
		}
		if !errors.Is(err, types.ErrNotFound) {
			return fmt.Errorf("AckCommand: %w", err)
		}

		cur, err := scanCommand(tx.QueryRowContext(ctx, `
SELECT`+commandColumns+`
FROM device_commands WHERE command_id = ?;
`, id))
		if err != nil {
			return err
		}
		if err := store.AckRejection(cur, deviceID, res, now); err != nil {
			return err
		}
		out = cur
		return nil
	})
	return out, err
}

func (s *CommandStore) CancelCommand(ctx context.Context, id string, now time.Time) (types.DeviceCommand, error) {
	var (
		out      types.DeviceCommand
		rejected error
	)
	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		c, err := scanCommand(tx.QueryRowContext(ctx, `
UPDATE device_commands SET status = 'cancelled'
WHERE command_id = ? AND status = 'pending' AND expires_at_ms > ?
RETURNING`+commandColumns+`;
`, id, toMs(now)))
		if err == nil {
			out = c
			return nil
		}
		if !errors.Is(err, types.ErrNotFound) {
			return fmt.Errorf("CancelCommand: %w", err)
		}

		// An overdue command the sweeper has not reached yet is expired
		// here so the caller sees its real state.
		if _, err := tx.ExecContext(ctx, `
UPDATE device_commands SET status = 'expired'
WHERE command_id = ? AND status = 'pending' AND expires_at_ms <= ?;
`, id, toMs(now)); err != nil {
			return fmt.Errorf("CancelCommand expire: %w", err)
		}
		cur, err := scanCommand(tx.QueryRowContext(ctx, `
SELECT`+commandColumns+`
FROM device_commands WHERE command_id = ?;
`, id))
		if err != nil {
			return err
		}
		rejected = store.CancelRejection(cur)
		return nil
	})
	if err != nil {
		return types.DeviceCommand{}, err
	}
	if rejected != nil {
		return types.DeviceCommand{}, rejected
	}
	return out, nil
}

// ExpireDue uses idx_device_commands_expiry for the range scan.
func (s *CommandStore) ExpireDue(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
UPDATE device_commands SET status = 'expired'
WHERE status IN ('pending', 'claimed') AND expires_at_ms <= ?;
`, toMs(now))
		if err != nil {
			return fmt.Errorf("ExpireDue: %w", err)
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return n, err
}
