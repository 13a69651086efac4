package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/gymcloud/accessd/internal/access/types"
)

// DeviceStore is an in-memory DeviceStore for tests and dev.
type DeviceStore struct {
	mu      sync.RWMutex
	devices map[string]types.Device
}

func NewDeviceStore() *DeviceStore {
	return &DeviceStore{devices: make(map[string]types.Device)}
}

func (s *DeviceStore) CreateDevice(_ context.Context, d types.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.devices[d.ID]; ok {
		return types.ErrConflict
	}
	for _, other := range s.devices {
		if other.PublicID == d.PublicID {
			return types.ErrConflict
		}
	}
	s.devices[d.ID] = cloneDevice(d)
	return nil
}

func (s *DeviceStore) GetDevice(_ context.Context, tenantID, id string) (types.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.devices[id]
	if !ok || (tenantID != "" && d.TenantID != tenantID) {
		return types.Device{}, types.ErrNotFound
	}
	return cloneDevice(d), nil
}

func (s *DeviceStore) GetDeviceByTokenHash(_ context.Context, tokenHash string) (types.Device, error) {
	if tokenHash == "" {
		return types.Device{}, types.ErrNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, d := range s.devices {
		if d.AuthTokenHash == tokenHash {
			return cloneDevice(d), nil
		}
	}
	return types.Device{}, types.ErrNotFound
}

func (s *DeviceStore) ListDevices(_ context.Context, tenantID string) ([]types.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Device, 0)
	for _, d := range s.devices {
		if d.TenantID == tenantID {
			out = append(out, cloneDevice(d))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *DeviceStore) DeleteDevice(_ context.Context, tenantID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[id]
	if !ok || d.TenantID != tenantID {
		return types.ErrNotFound
	}
	delete(s.devices, id)
	return nil
}

func (s *DeviceStore) UpdateConfig(_ context.Context, tenantID, id string, cfg types.DeviceConfig, now time.Time) (types.Device, error) {
	return s.mutate(tenantID, id, func(d *types.Device) error {
		d.Config = cfg
		d.UpdatedAt = now
		return nil
	})
}

func (s *DeviceStore) SetEnabled(_ context.Context, tenantID, id string, enabled bool, now time.Time) (types.Device, error) {
	return s.mutate(tenantID, id, func(d *types.Device) error {
		d.Enabled = enabled
		d.UpdatedAt = now
		return nil
	})
}

func (s *DeviceStore) SetPairing(_ context.Context, tenantID, id, codeHash string, expiresAt, now time.Time) (types.Device, error) {
	return s.mutate(tenantID, id, func(d *types.Device) error {
		exp := expiresAt
		d.PairingCodeHash = codeHash
		d.PairingExpiresAt = &exp
		d.AuthTokenHash = ""
		d.UpdatedAt = now
		return nil
	})
}

func (s *DeviceStore) CompletePairing(_ context.Context, publicID, codeHash, tokenHash string, now time.Time) (types.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		d  types.Device
		ok bool
	)
	for _, cand := range s.devices {
		if cand.PublicID == publicID {
			d, ok = cand, true
			break
		}
	}
	if !ok || d.PairingCodeHash == "" || d.PairingExpiresAt == nil {
		return types.Device{}, types.ErrInvalidOrExpiredCode
	}
	if !now.Before(*d.PairingExpiresAt) {
		d.PairingCodeHash = ""
		d.PairingExpiresAt = nil
		d.UpdatedAt = now
		s.devices[d.ID] = d
		return types.Device{}, types.ErrInvalidOrExpiredCode
	}
	if d.PairingCodeHash != codeHash {
		return types.Device{}, types.ErrInvalidOrExpiredCode
	}

	d.PairingCodeHash = ""
	d.PairingExpiresAt = nil
	d.AuthTokenHash = tokenHash
	d.UpdatedAt = now
	s.devices[d.ID] = d
	return cloneDevice(d), nil
}

func (s *DeviceStore) ClearToken(_ context.Context, tenantID, id string, now time.Time) (types.Device, error) {
	return s.mutate(tenantID, id, func(d *types.Device) error {
		d.AuthTokenHash = ""
		d.UpdatedAt = now
		return nil
	})
}

func (s *DeviceStore) MarkSeen(_ context.Context, id string, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[id]
	if !ok {
		return types.ErrNotFound
	}
	seen := t
	d.LastSeenAt = &seen
	s.devices[id] = d
	return nil
}

func (s *DeviceStore) mutate(tenantID, id string, fn func(*types.Device) error) (types.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[id]
	if !ok || d.TenantID != tenantID {
		return types.Device{}, types.ErrNotFound
	}
	if err := fn(&d); err != nil {
		return types.Device{}, err
	}
	s.devices[id] = d
	return cloneDevice(d), nil
}

// cloneDevice copies the slices and pointers so callers cannot mutate the
// stored row.
func cloneDevice(d types.Device) types.Device {
	out := d
	if d.PairingExpiresAt != nil {
		t := *d.PairingExpiresAt
		out.PairingExpiresAt = &t
	}
	if d.LastSeenAt != nil {
		t := *d.LastSeenAt
		out.LastSeenAt = &t
	}
	out.Config.AllowedHours = append([]types.HoursRule(nil), d.Config.AllowedHours...)
	out.Config.AllowedEventTypes = append([]types.EventType(nil), d.Config.AllowedEventTypes...)
	return out
}
