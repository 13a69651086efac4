package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/gymcloud/accessd/internal/access/store"
	"github.com/gymcloud/accessd/internal/access/types"
	"github.com/gymcloud/accessd/internal/metrics"
	"github.com/gymcloud/accessd/internal/observability/logger"
	"github.com/gymcloud/accessd/internal/security/token"
)

const (
	DefaultPairingTTL    = 10 * time.Minute
	DefaultTokenCacheTTL = 15 * time.Second
)

type RegistryConfig struct {
	// PairingTTL is capped at types.MaxPairingTTL.
	PairingTTL time.Duration
	// APIBaseURL is copied into pairing payloads for agents.
	APIBaseURL string
	// TokenCacheTTL bounds how long an authenticated device is served from
	// memory. Local mutations invalidate immediately; other replicas see
	// changes after at most this long.
	TokenCacheTTL time.Duration
	Now           Clock
	Metrics       *metrics.Metrics
}

// DeviceRegistry owns device identity, config and the pairing handshake.
type DeviceRegistry struct {
	store      store.DeviceStore
	tokens     *cache.Cache
	cacheMu    sync.Mutex
	epoch      uint64 // bumped by every device mutation
	pairingTTL time.Duration
	baseURL    string
	now        Clock
	metrics    *metrics.Metrics
	log        *zap.Logger
}

func NewDeviceRegistry(st store.DeviceStore, cfg RegistryConfig) *DeviceRegistry {
	ttl := cfg.PairingTTL
	if ttl <= 0 || ttl > types.MaxPairingTTL {
		ttl = DefaultPairingTTL
	}
	cacheTTL := cfg.TokenCacheTTL
	if cacheTTL <= 0 {
		cacheTTL = DefaultTokenCacheTTL
	}
	return &DeviceRegistry{
		store:      st,
		tokens:     cache.New(cacheTTL, 2*cacheTTL),
		pairingTTL: ttl,
		baseURL:    strings.TrimRight(cfg.APIBaseURL, "/"),
		now:        orSystem(cfg.Now),
		metrics:    cfg.Metrics,
		log:        logger.Named("registry"),
	}
}

// NewDevice is the operator input for CreateDevice.
type NewDevice struct {
	Name     string             `json:"name"`
	BranchID string             `json:"branch_id"`
	Enabled  *bool              `json:"enabled,omitempty"`
	Config   types.DeviceConfig `json:"config"`
}

// CreateDevice validates the config, mints a public id and issues the first
// pairing code. The plain code is only ever returned here and by
// RotatePairing.
func (r *DeviceRegistry) CreateDevice(ctx context.Context, tenantID string, in NewDevice) (types.Device, types.PairingTicket, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return types.Device{}, types.PairingTicket{}, &types.ValidationError{Field: "name", Reason: "is required"}
	}
	if strings.TrimSpace(tenantID) == "" {
		return types.Device{}, types.PairingTicket{}, &types.ValidationError{Field: "tenant_id", Reason: "is required"}
	}
	cfg, err := in.Config.Normalize()
	if err != nil {
		return types.Device{}, types.PairingTicket{}, err
	}
	publicID, err := token.NewPublicID()
	if err != nil {
		return types.Device{}, types.PairingTicket{}, err
	}
	code, err := token.NewPairingCode()
	if err != nil {
		return types.Device{}, types.PairingTicket{}, err
	}

	now := r.now()
	exp := now.Add(r.pairingTTL)
	enabled := true
	if in.Enabled != nil {
		enabled = *in.Enabled
	}
	d := types.Device{
		ID:               newID(),
		TenantID:         tenantID,
		PublicID:         publicID,
		Name:             name,
		Enabled:          enabled,
		BranchID:         strings.TrimSpace(in.BranchID),
		Config:           cfg,
		PairingCodeHash:  token.Hash(code),
		PairingExpiresAt: &exp,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := r.store.CreateDevice(ctx, d); err != nil {
		return types.Device{}, types.PairingTicket{}, err
	}

	r.log.Info("device created", logger.TenantID(tenantID), logger.DeviceID(d.ID))
	return d, types.PairingTicket{Code: code, ExpiresAt: exp}, nil
}

// RotatePairing issues a fresh code. The previous code stops working
// immediately, and so does any token: a paired device that is re-paired
// must complete the handshake again.
func (r *DeviceRegistry) RotatePairing(ctx context.Context, tenantID, deviceID string) (types.PairingTicket, error) {
	prev, err := r.store.GetDevice(ctx, tenantID, deviceID)
	if err != nil {
		return types.PairingTicket{}, err
	}
	code, err := token.NewPairingCode()
	if err != nil {
		return types.PairingTicket{}, err
	}
	now := r.now()
	exp := now.Add(r.pairingTTL)
	if _, err := r.store.SetPairing(ctx, tenantID, deviceID, token.Hash(code), exp, now); err != nil {
		return types.PairingTicket{}, err
	}
	r.forget(prev.AuthTokenHash)

	r.log.Info("pairing rotated", logger.TenantID(tenantID), logger.DeviceID(deviceID))
	return types.PairingTicket{Code: code, ExpiresAt: exp}, nil
}

// Payload is the out-of-band blob pasted into an agent's config.
func (r *DeviceRegistry) Payload(d types.Device, t types.PairingTicket) types.PairingPayload {
	return types.PairingPayload{
		TenantID:       d.TenantID,
		APIBaseURL:     r.baseURL,
		DevicePublicID: d.PublicID,
		PairingCode:    t.Code,
		ExpiresAt:      t.ExpiresAt,
	}
}

// PairResult is what a successful handshake hands back to the agent.
type PairResult struct {
	Device types.Device
	Token  string
}

// CompletePairing exchanges a live code for a bearer token. Unknown public
// ids, wrong codes and expired codes all report ErrInvalidOrExpiredCode.
func (r *DeviceRegistry) CompletePairing(ctx context.Context, publicID, code string) (PairResult, error) {
	publicID = strings.TrimSpace(publicID)
	code = strings.ToUpper(strings.TrimSpace(code))
	if publicID == "" || code == "" {
		r.metrics.Pairing("invalid")
		return PairResult{}, types.ErrInvalidOrExpiredCode
	}

	tok, err := token.NewDeviceToken()
	if err != nil {
		return PairResult{}, err
	}
	d, err := r.store.CompletePairing(ctx, publicID, token.Hash(code), token.Hash(tok), r.now())
	if err != nil {
		if errors.Is(err, types.ErrInvalidOrExpiredCode) {
			r.metrics.Pairing("invalid")
			r.log.Warn("pairing rejected", zap.String("device_public_id", publicID))
		}
		return PairResult{}, err
	}

	r.metrics.Pairing("ok")
	r.log.Info("device paired", logger.TenantID(d.TenantID), logger.DeviceID(d.ID))
	return PairResult{Device: d, Token: tok}, nil
}

// RevokeToken clears the token. The device has to pair again.
func (r *DeviceRegistry) RevokeToken(ctx context.Context, tenantID, deviceID string) (types.Device, error) {
	prev, err := r.store.GetDevice(ctx, tenantID, deviceID)
	if err != nil {
		return types.Device{}, err
	}
	d, err := r.store.ClearToken(ctx, tenantID, deviceID, r.now())
	if err != nil {
		return types.Device{}, err
	}
	r.forget(prev.AuthTokenHash)
	r.log.Info("device token revoked", logger.TenantID(tenantID), logger.DeviceID(deviceID))
	return d, nil
}

// UpdateConfig replaces the whole config document. Pairing state is left
// alone.
func (r *DeviceRegistry) UpdateConfig(ctx context.Context, tenantID, deviceID string, cfg types.DeviceConfig) (types.Device, error) {
	norm, err := cfg.Normalize()
	if err != nil {
		return types.Device{}, err
	}
	d, err := r.store.UpdateConfig(ctx, tenantID, deviceID, norm, r.now())
	if err != nil {
		return types.Device{}, err
	}
	r.forget(d.AuthTokenHash)
	return d, nil
}

func (r *DeviceRegistry) SetEnabled(ctx context.Context, tenantID, deviceID string, enabled bool) (types.Device, error) {
	d, err := r.store.SetEnabled(ctx, tenantID, deviceID, enabled, r.now())
	if err != nil {
		return types.Device{}, err
	}
	r.forget(d.AuthTokenHash)
	return d, nil
}

func (r *DeviceRegistry) Get(ctx context.Context, tenantID, deviceID string) (types.Device, error) {
	return r.store.GetDevice(ctx, tenantID, deviceID)
}

func (r *DeviceRegistry) List(ctx context.Context, tenantID string) ([]types.Device, error) {
	return r.store.ListDevices(ctx, tenantID)
}

func (r *DeviceRegistry) Delete(ctx context.Context, tenantID, deviceID string) error {
	prev, err := r.store.GetDevice(ctx, tenantID, deviceID)
	if err != nil {
		return err
	}
	if err := r.store.DeleteDevice(ctx, tenantID, deviceID); err != nil {
		return err
	}
	r.forget(prev.AuthTokenHash)
	r.log.Info("device deleted", logger.TenantID(tenantID), logger.DeviceID(deviceID))
	return nil
}

// Authenticate maps a bearer token to its device. Unknown, revoked and
// empty tokens are all ErrUnauthenticated.
func (r *DeviceRegistry) Authenticate(ctx context.Context, rawToken string) (types.Device, error) {
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return types.Device{}, types.ErrUnauthenticated
	}
	h := token.Hash(rawToken)
	if v, ok := r.tokens.Get(h); ok {
		return v.(types.Device), nil
	}
	r.cacheMu.Lock()
	seen := r.epoch
	r.cacheMu.Unlock()

	d, err := r.store.GetDeviceByTokenHash(ctx, h)
	if errors.Is(err, types.ErrNotFound) {
		return types.Device{}, types.ErrUnauthenticated
	}
	if err != nil {
		return types.Device{}, fmt.Errorf("authenticate device: %w", err)
	}
	// A mutation that landed after the read may already have run its
	// forget, so the row is only cached if none did.
	r.cacheMu.Lock()
	if r.epoch == seen {
		r.tokens.SetDefault(h, d)
	}
	r.cacheMu.Unlock()
	return d, nil
}

// NoteSeen stamps last_seen_at. Failures are logged and otherwise ignored.
func (r *DeviceRegistry) NoteSeen(ctx context.Context, deviceID string) {
	if err := r.store.MarkSeen(ctx, deviceID, r.now()); err != nil {
		r.log.Warn("mark seen failed", logger.DeviceID(deviceID), logger.Err(err))
	}
}

func (r *DeviceRegistry) forget(tokenHash string) {
	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()
	r.epoch++
	if tokenHash != "" {
		r.tokens.Delete(tokenHash)
	}
}
