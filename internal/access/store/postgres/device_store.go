package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gymcloud/accessd/internal/access/types"
)

type DeviceStore struct {
	pool *pgxpool.Pool
}

const deviceColumns = `
  device_id, tenant_id, device_public_id, name, enabled, branch_id, config,
  pairing_code_hash, pairing_expires_at, auth_token_hash, last_seen_at,
  created_at, updated_at`

func scanDevice(row pgx.Row) (types.Device, error) {
	var (
		d         types.Device
		cfg       []byte
		codeHash  *string
		tokenHash *string
	)
	if err := row.Scan(
		&d.ID, &d.TenantID, &d.PublicID, &d.Name, &d.Enabled, &d.BranchID, &cfg,
		&codeHash, &d.PairingExpiresAt, &tokenHash, &d.LastSeenAt,
		&d.CreatedAt, &d.UpdatedAt,
	); err != nil {
		return types.Device{}, notFound(err)
	}
	if err := json.Unmarshal(cfg, &d.Config); err != nil {
		return types.Device{}, fmt.Errorf("decode config of %s: %w", d.ID, err)
	}
	if codeHash != nil {
		d.PairingCodeHash = *codeHash
	}
	if tokenHash != nil {
		d.AuthTokenHash = *tokenHash
	}
	d.PairingExpiresAt = utc(d.PairingExpiresAt)
	d.LastSeenAt = utc(d.LastSeenAt)
	d.CreatedAt = d.CreatedAt.UTC()
	d.UpdatedAt = d.UpdatedAt.UTC()
	return d, nil
}

func (s *DeviceStore) CreateDevice(ctx context.Context, d types.Device) error {
	cfg, err := json.Marshal(d.Config)
	if err != nil {
		return fmt.Errorf("CreateDevice encode config: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO devices(`+deviceColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		d.ID, d.TenantID, d.PublicID, d.Name, d.Enabled, d.BranchID, cfg,
		nullIfEmpty(d.PairingCodeHash), d.PairingExpiresAt, nullIfEmpty(d.AuthTokenHash), d.LastSeenAt,
		d.CreatedAt, d.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return types.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("CreateDevice: %w", err)
	}
	return nil
}

func (s *DeviceStore) GetDevice(ctx context.Context, tenantID, id string) (types.Device, error) {
	d, err := scanDevice(s.pool.QueryRow(ctx, `
SELECT`+deviceColumns+`
FROM devices
WHERE device_id = $1 AND ($2::TEXT = '' OR tenant_id = $2)`, id, tenantID))
	return d, wrap("GetDevice", err)
}

func (s *DeviceStore) GetDeviceByTokenHash(ctx context.Context, tokenHash string) (types.Device, error) {
	if tokenHash == "" {
		return types.Device{}, types.ErrNotFound
	}
	d, err := scanDevice(s.pool.QueryRow(ctx, `
SELECT`+deviceColumns+`
FROM devices
WHERE auth_token_hash = $1`, tokenHash))
	return d, wrap("GetDeviceByTokenHash", err)
}

func (s *DeviceStore) ListDevices(ctx context.Context, tenantID string) ([]types.Device, error) {
	rows, err := s.pool.Query(ctx, `
SELECT`+deviceColumns+`
FROM devices
WHERE tenant_id = $1
ORDER BY name, device_id`, tenantID)
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
	tag, err := s.pool.Exec(ctx, `DELETE FROM devices WHERE device_id = $1 AND tenant_id = $2`, id, tenantID)
	if err != nil {
		return fmt.Errorf("DeleteDevice: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return types.ErrNotFound
	}
	return nil
}

func (s *DeviceStore) UpdateConfig(ctx context.Context, tenantID, id string, cfg types.DeviceConfig, now time.Time) (types.Device, error) {
	b, err := json.Marshal(cfg)
	if err != nil {
		return types.Device{}, fmt.Errorf("UpdateConfig encode: %w", err)
	}
	d, err := scanDevice(s.pool.QueryRow(ctx, `
UPDATE devices SET config = $1, updated_at = $2
WHERE device_id = $3 AND tenant_id = $4
RETURNING`+deviceColumns, b, now, id, tenantID))
	return d, wrap("UpdateConfig", err)
}

func (s *DeviceStore) SetEnabled(ctx context.Context, tenantID, id string, enabled bool, now time.Time) (types.Device, error) {
	d, err := scanDevice(s.pool.QueryRow(ctx, `
UPDATE devices SET enabled = $1, updated_at = $2
WHERE device_id = $3 AND tenant_id = $4
RETURNING`+deviceColumns, enabled, now, id, tenantID))
	return d, wrap("SetEnabled", err)
}

func (s *DeviceStore) SetPairing(ctx context.Context, tenantID, id, codeHash string, expiresAt, now time.Time) (types.Device, error) {
	d, err := scanDevice(s.pool.QueryRow(ctx, `
UPDATE devices
SET pairing_code_hash = $1, pairing_expires_at = $2, auth_token_hash = NULL, updated_at = $3
WHERE device_id = $4 AND tenant_id = $5
RETURNING`+deviceColumns, codeHash, expiresAt, now, id, tenantID))
	return d, wrap("SetPairing", err)
}

func (s *DeviceStore) ClearToken(ctx context.Context, tenantID, id string, now time.Time) (types.Device, error) {
	d, err := scanDevice(s.pool.QueryRow(ctx, `
UPDATE devices SET auth_token_hash = NULL, updated_at = $1
WHERE device_id = $2 AND tenant_id = $3
RETURNING`+deviceColumns, now, id, tenantID))
	return d, wrap("ClearToken", err)
}

func (s *DeviceStore) CompletePairing(ctx context.Context, publicID, codeHash, tokenHash string, now time.Time) (types.Device, error) {
	d, err := scanDevice(s.pool.QueryRow(ctx, `
UPDATE devices
SET auth_token_hash = $1, pairing_code_hash = NULL, pairing_expires_at = NULL, updated_at = $2
WHERE device_public_id = $3
  AND pairing_code_hash = $4
  AND pairing_expires_at > $2
RETURNING`+deviceColumns, tokenHash, now, publicID, codeHash))
	if err == nil {
		return d, nil
	}
	if !errors.Is(err, types.ErrNotFound) {
		return types.Device{}, fmt.Errorf("CompletePairing: %w", err)
	}

	if _, err := s.pool.Exec(ctx, `
UPDATE devices
SET pairing_code_hash = NULL, pairing_expires_at = NULL, updated_at = $1
WHERE device_public_id = $2
  AND pairing_code_hash IS NOT NULL
  AND pairing_expires_at <= $1`, now, publicID); err != nil {
		return types.Device{}, fmt.Errorf("CompletePairing clear expired: %w", err)
	}
	return types.Device{}, types.ErrInvalidOrExpiredCode
}

func (s *DeviceStore) MarkSeen(ctx context.Context, id string, t time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE devices SET last_seen_at = $1 WHERE device_id = $2`, t, id)
	if err != nil {
		return fmt.Errorf("MarkSeen: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return types.ErrNotFound
	}
	return nil
}

// wrap prefixes unexpected errors with op and lets sentinels through.
func wrap(op string, err error) error {
	if err == nil || errors.Is(err, types.ErrNotFound) {
		return err
	}
	return fmt.Errorf("%s: %w", op, err)
}
