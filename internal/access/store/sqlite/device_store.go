package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gymcloud/accessd/internal/access/types"
	dbpkg "github.com/gymcloud/accessd/internal/db"
)

type DeviceStore struct {
	db     *sql.DB
	writer *dbpkg.Worker
}

func NewDeviceStore(db *sql.DB, writer *dbpkg.Worker) *DeviceStore {
	return &DeviceStore{db: db, writer: writer}
}

const deviceColumns = `
  device_id, tenant_id, device_public_id, name, enabled, branch_id, config_json,
  pairing_code_hash, pairing_expires_at_ms, auth_token_hash, last_seen_at_ms,
  created_at_ms, updated_at_ms`

func scanDevice(r rowScanner) (types.Device, error) {
	var (
		d          types.Device
		enabled    int
		cfgJSON    string
		codeHash   sql.NullString
		pairExpMs  sql.NullInt64
		tokenHash  sql.NullString
		lastSeenMs sql.NullInt64
		createdMs  int64
		updatedMs  int64
	)
	if err := r.Scan(
		&d.ID, &d.TenantID, &d.PublicID, &d.Name, &enabled, &d.BranchID, &cfgJSON,
		&codeHash, &pairExpMs, &tokenHash, &lastSeenMs, &createdMs, &updatedMs,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Device{}, types.ErrNotFound
		}
		return types.Device{}, err
	}
	if err := json.Unmarshal([]byte(cfgJSON), &d.Config); err != nil {
		return types.Device{}, fmt.Errorf("decode config of %s: %w", d.ID, err)
	}
	d.Enabled = enabled == 1
	d.PairingCodeHash = codeHash.String
	d.PairingExpiresAt = fromNullMs(pairExpMs)
	d.AuthTokenHash = tokenHash.String
	d.LastSeenAt = fromNullMs(lastSeenMs)
	d.CreatedAt = fromMs(createdMs)
	d.UpdatedAt = fromMs(updatedMs)
	return d, nil
}

func (s *DeviceStore) CreateDevice(ctx context.Context, d types.Device) error {
	cfg, err := json.Marshal(d.Config)
	if err != nil {
		return fmt.Errorf("CreateDevice encode config: %w", err)
	}
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
INSERT INTO devices(`+deviceColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`,
			d.ID, d.TenantID, d.PublicID, d.Name, boolInt(d.Enabled), d.BranchID, string(cfg),
			nullString(d.PairingCodeHash), optMs(d.PairingExpiresAt), nullString(d.AuthTokenHash),
			optMs(d.LastSeenAt), toMs(d.CreatedAt), toMs(d.UpdatedAt),
		)
		if isUniqueViolation(err) {
			return types.ErrConflict
		}
		if err != nil {
			return fmt.Errorf("CreateDevice insert: %w", err)
		}
		return nil
	})
}

func (s *DeviceStore) GetDevice(ctx context.Context, tenantID, id string) (types.Device, error) {
	d, err := scanDevice(s.db.QueryRowContext(ctx, `
SELECT`+deviceColumns+`
FROM devices
WHERE device_id = ? AND (? = '' OR tenant_id = ?);
`, id, tenantID, tenantID))
	if err != nil && !errors.Is(err, types.ErrNotFound) {
		return types.Device{}, fmt.Errorf("GetDevice: %w", err)
	}
	return d, err
}

func (s *DeviceStore) GetDeviceByTokenHash(ctx context.Context, tokenHash string) (types.Device, error) {
	if tokenHash == "" {
		return types.Device{}, types.ErrNotFound
	}
	d, err := scanDevice(s.db.QueryRowContext(ctx, `
SELECT`+deviceColumns+`
FROM devices
WHERE auth_token_hash = ?;
`, tokenHash))
	if err != nil && !errors.Is(err, types.ErrNotFound) {
		return types.Device{}, fmt.Errorf("GetDeviceByTokenHash: %w", err)
	}
	return d, err
}

func (s *DeviceStore) ListDevices(ctx context.Context, tenantID string) ([]types.Device, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT`+deviceColumns+`
FROM devices
WHERE tenant_id = ?
ORDER BY name, device_id;
`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("ListDevices: %w", err)
	}
	defer rows.Close()

	out := make([]types.Device, 0)
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("ListDevices scan: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *DeviceStore) DeleteDevice(ctx context.Context, tenantID, id string) error {
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM devices WHERE device_id = ? AND tenant_id = ?;`, id, tenantID)
		if err != nil {
			return fmt.Errorf("DeleteDevice: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return types.ErrNotFound
		}
		return nil
	})
}

func (s *DeviceStore) UpdateConfig(ctx context.Context, tenantID, id string, cfg types.DeviceConfig, now time.Time) (types.Device, error) {
	b, err := json.Marshal(cfg)
	if err != nil {
		return types.Device{}, fmt.Errorf("UpdateConfig encode: %w", err)
	}
	return s.update(ctx, "UpdateConfig", `
UPDATE devices SET config_json = ?, updated_at_ms = ?
WHERE device_id = ? AND tenant_id = ?
RETURNING`+deviceColumns+`;
`, string(b), toMs(now), id, tenantID)
}

func (s *DeviceStore) SetEnabled(ctx context.Context, tenantID, id string, enabled bool, now time.Time) (types.Device, error) {
	return s.update(ctx, "SetEnabled", `
UPDATE devices SET enabled = ?, updated_at_ms = ?
WHERE device_id = ? AND tenant_id = ?
RETURNING`+deviceColumns+`;
`, boolInt(enabled), toMs(now), id, tenantID)
}

func (s *DeviceStore) SetPairing(ctx context.Context, tenantID, id, codeHash string, expiresAt, now time.Time) (types.Device, error) {
	return s.update(ctx, "SetPairing", `
UPDATE devices
SET pairing_code_hash = ?, pairing_expires_at_ms = ?, auth_token_hash = NULL, updated_at_ms = ?
WHERE device_id = ? AND tenant_id = ?
RETURNING`+deviceColumns+`;
`, codeHash, toMs(expiresAt), toMs(now), id, tenantID)
}

func (s *DeviceStore) ClearToken(ctx context.Context, tenantID, id string, now time.Time) (types.Device, error) {
	return s.update(ctx, "ClearToken", `
UPDATE devices SET auth_token_hash = NULL, updated_at_ms = ?
WHERE device_id = ? AND tenant_id = ?
RETURNING`+deviceColumns+`;
`, toMs(now), id, tenantID)
}

// CompletePairing is a single conditional UPDATE: only a live, matching code
// swaps for the token. When it misses, an expired code is cleared in the
// same transaction so it can never be retried.
func (s *DeviceStore) CompletePairing(ctx context.Context, publicID, codeHash, tokenHash string, now time.Time) (types.Device, error) {
	nowMs := toMs(now)
	var (
		out    types.Device
		missed bool
	)
	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		d, err := scanDevice(tx.QueryRowContext(ctx, `
UPDATE devices
SET auth_token_hash = ?, pairing_code_hash = NULL, pairing_expires_at_ms = NULL, updated_at_ms = ?
WHERE device_public_id = ?
  AND pairing_code_hash = ?
  AND pairing_expires_at_ms > ?
RETURNING`+deviceColumns+`;
`, tokenHash, nowMs, publicID, codeHash, nowMs))
		if err == nil {
			out = d
			return nil
		}
		if !errors.Is(err, types.ErrNotFound) {
			return fmt.Errorf("CompletePairing: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
UPDATE devices
SET pairing_code_hash = NULL, pairing_expires_at_ms = NULL, updated_at_ms = ?
WHERE device_public_id = ?
  AND pairing_code_hash IS NOT NULL
  AND pairing_expires_at_ms <= ?;
`, nowMs, publicID, nowMs); err != nil {
			return fmt.Errorf("CompletePairing clear expired: %w", err)
		}
		// The cleanup has to commit, so the miss is reported after the tx.
		missed = true
		return nil
	})
	if err != nil {
		return types.Device{}, err
	}
	if missed {
		return types.Device{}, types.ErrInvalidOrExpiredCode
	}
	return out, nil
}

func (s *DeviceStore) MarkSeen(ctx context.Context, id string, t time.Time) error {
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE devices SET last_seen_at_ms = ? WHERE device_id = ?;`, toMs(t), id)
		if err != nil {
			return fmt.Errorf("MarkSeen: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return types.ErrNotFound
		}
		return nil
	})
}

func (s *DeviceStore) update(ctx context.Context, op, query string, args ...any) (types.Device, error) {
	var out types.Device
	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		d, err := scanDevice(tx.QueryRowContext(ctx, query, args...))
		if err != nil {
			if errors.Is(err, types.ErrNotFound) {
				return err
			}
			return fmt.Errorf("%s: %w", op, err)
		}
		out = d
		return nil
	})
	return out, err
}
