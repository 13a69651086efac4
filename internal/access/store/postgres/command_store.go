package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gymcloud/accessd/internal/access/store"
	"github.com/gymcloud/accessd/internal/access/types"
)

type CommandStore struct {
	pool *pgxpool.Pool
}

const commandColumns = `
  command_id, tenant_id, device_id, command_type, payload, status,
  created_at, claimed_at, acked_at, expires_at, result`

func scanCommand(row pgx.Row) (types.DeviceCommand, error) {
	var (
		c       types.DeviceCommand
		ctype   string
		status  string
		payload []byte
		result  []byte
	)
	if err := row.Scan(
		&c.ID, &c.TenantID, &c.DeviceID, &ctype, &payload, &status,
		&c.CreatedAt, &c.ClaimedAt, &c.AckedAt, &c.ExpiresAt, &result,
	); err != nil {
		return types.DeviceCommand{}, notFound(err)
	}
	c.Type = types.CommandType(ctype)
	c.Status = types.CommandStatus(status)
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &c.Payload); err != nil {
			return types.DeviceCommand{}, fmt.Errorf("decode payload of %s: %w", c.ID, err)
		}
	}
	if len(result) > 0 {
		var res types.CommandResult
		if err := json.Unmarshal(result, &res); err != nil {
			return types.DeviceCommand{}, fmt.Errorf("decode result of %s: %w", c.ID, err)
		}
		c.Result = &res
	}
	c.CreatedAt = c.CreatedAt.UTC()
	c.ExpiresAt = c.ExpiresAt.UTC()
	c.ClaimedAt = utc(c.ClaimedAt)
	c.AckedAt = utc(c.AckedAt)
	return c, nil
}

func (s *CommandStore) InsertCommand(ctx context.Context, c types.DeviceCommand) error {
	var payload []byte
	if len(c.Payload) > 0 {
		b, err := json.Marshal(c.Payload)
		if err != nil {
			return fmt.Errorf("InsertCommand encode payload: %w", err)
		}
		payload = b
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO device_commands(command_id, tenant_id, device_id, command_type, payload, status, created_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		c.ID, c.TenantID, c.DeviceID, string(c.Type), payload, string(c.Status), c.CreatedAt, c.ExpiresAt)
	if isUniqueViolation(err) {
		return types.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("InsertCommand: %w", err)
	}
	return nil
}

func (s *CommandStore) GetCommand(ctx context.Context, id string) (types.DeviceCommand, error) {
	c, err := scanCommand(s.pool.QueryRow(ctx, `SELECT`+commandColumns+` FROM device_commands WHERE command_id = $1`, id))
	return c, wrap("GetCommand", err)
}

func (s *CommandStore) ListCommands(ctx context.Context, deviceID string, limit int) ([]types.DeviceCommand, error) {
	if limit <= 0 {
		limit = store.DefaultCommandListLimit
	}
	rows, err := s.pool.Query(ctx, `
SELECT`+commandColumns+`
FROM device_commands
WHERE device_id = $1
ORDER BY created_at DESC, seq DESC
LIMIT $2`, deviceID, limit)
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

// ClaimNext uses SKIP LOCKED so concurrent pollers on different replicas
// never block on, or double-claim, the same row.
func (s *CommandStore) ClaimNext(ctx context.Context, deviceID string, now time.Time) (types.DeviceCommand, bool, error) {
	c, err := scanCommand(s.pool.QueryRow(ctx, `
UPDATE device_commands
SET status = 'claimed', claimed_at = $1
WHERE command_id = (
  SELECT command_id FROM device_commands
  WHERE device_id = $2 AND status = 'pending' AND expires_at > $1
  ORDER BY created_at, seq
  LIMIT 1
  FOR UPDATE SKIP LOCKED
) AND status = 'pending'
RETURNING`+commandColumns, now, deviceID))
	if errors.Is(err, types.ErrNotFound) {
		return types.DeviceCommand{}, false, nil
	}
	if err != nil {
		return types.DeviceCommand{}, false, fmt.Errorf("ClaimNext: %w", err)
	}
	return c, true, nil
}

func (s *CommandStore) AckCommand(ctx context.Context, id, deviceID string, res types.CommandResult, now time.Time) (types.DeviceCommand, error) {
	b, err := json.Marshal(res)
	if err != nil {
		return types.DeviceCommand{}, fmt.Errorf("AckCommand encode result: %w", err)
	}
	c, err := scanCommand(s.pool.QueryRow(ctx, `
UPDATE device_commands
SET status = 'acked', acked_at = $1, result = $2
WHERE command_id = $3 AND device_id = $4 AND status = 'claimed' AND expires_at > $1
RETURNING`+commandColumns, now, b, id, deviceID))
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, types.ErrNotFound) {
		return types.DeviceCommand{}, fmt.Errorf("AckCommand: %w", err)
	}

	cur, err := s.GetCommand(ctx, id)
	if err != nil {
		return types.DeviceCommand{}, err
	}
	if err := store.AckRejection(cur, deviceID, res, now); err != nil {
		return types.DeviceCommand{}, err
	}
	return cur, nil
}

func (s *CommandStore) CancelCommand(ctx context.Context, id string, now time.Time) (types.DeviceCommand, error) {
	c, err := scanCommand(s.pool.QueryRow(ctx, `
UPDATE device_commands SET status = 'cancelled'
WHERE command_id = $1 AND status = 'pending' AND expires_at > $2
RETURNING`+commandColumns, id, now))
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, types.ErrNotFound) {
		return types.DeviceCommand{}, fmt.Errorf("CancelCommand: %w", err)
	}
	if _, err := s.pool.Exec(ctx, `
UPDATE device_commands SET status = 'expired'
WHERE command_id = $1 AND status = 'pending' AND expires_at <= $2`, id, now); err != nil {
		return types.DeviceCommand{}, fmt.Errorf("CancelCommand expire: %w", err)
	}
	cur, err := s.GetCommand(ctx, id)
	if err != nil {
		return types.DeviceCommand{}, err
	}
	return types.DeviceCommand{}, store.CancelRejection(cur)
}

func (s *CommandStore) ExpireDue(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
UPDATE device_commands SET status = 'expired'
WHERE status IN ('pending', 'claimed') AND expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("ExpireDue: %w", err)
	}
	return tag.RowsAffected(), nil
}
