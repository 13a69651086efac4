package store

import (
	"context"
	"time"

	"github.com/gymcloud/accessd/internal/access/types"
)

// DeviceStore persists device identity, config and pairing state.
//
// Lookups scoped by tenant return types.ErrNotFound for devices owned by a
// different tenant.
type DeviceStore interface {
	CreateDevice(ctx context.Context, d types.Device) error
	GetDevice(ctx context.Context, tenantID, id string) (types.Device, error)
	GetDeviceByTokenHash(ctx context.Context, tokenHash string) (types.Device, error)
	ListDevices(ctx context.Context, tenantID string) ([]types.Device, error)
	DeleteDevice(ctx context.Context, tenantID, id string) error

	UpdateConfig(ctx context.Context, tenantID, id string, cfg types.DeviceConfig, now time.Time) (types.Device, error)
	SetEnabled(ctx context.Context, tenantID, id string, enabled bool, now time.Time) (types.Device, error)

	// SetPairing installs a fresh code and clears any token, moving the
	// device into the pairing phase.
	SetPairing(ctx context.Context, tenantID, id, codeHash string, expiresAt, now time.Time) (types.Device, error)

	// CompletePairing swaps a live code for a token in one conditional
	// update. A mismatched code leaves the row untouched; an expired code is
	// cleared. Both report types.ErrInvalidOrExpiredCode.
	CompletePairing(ctx context.Context, publicID, codeHash, tokenHash string, now time.Time) (types.Device, error)

	ClearToken(ctx context.Context, tenantID, id string, now time.Time) (types.Device, error)
	MarkSeen(ctx context.Context, id string, t time.Time) error
}
