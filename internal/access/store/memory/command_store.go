package memory

import (
	"context"
	"sync"
	"time"

	"github.com/gymcloud/accessd/internal/access/store"
	"github.com/gymcloud/accessd/internal/access/types"
)

// CommandStore keeps commands in insertion order, which doubles as the
// claim order.
type CommandStore struct {
	mu    sync.Mutex
	order []string
	byID  map[string]*types.DeviceCommand
}

func NewCommandStore() *CommandStore {
	return &CommandStore{byID: make(map[string]*types.DeviceCommand)}
}

func (s *CommandStore) InsertCommand(_ context.Context, c types.DeviceCommand) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[c.ID]; ok {
		return types.ErrConflict
	}
	cp := c
	s.byID[c.ID] = &cp
	s.order = append(s.order, c.ID)
	return nil
}

func (s *CommandStore) GetCommand(_ context.Context, id string) (types.DeviceCommand, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byID[id]
	if !ok {
		return types.DeviceCommand{}, types.ErrNotFound
	}
	return *c, nil
}

func (s *CommandStore) ListCommands(_ context.Context, deviceID string, limit int) ([]types.DeviceCommand, error) {
	if limit <= 0 {
		limit = store.DefaultCommandListLimit
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.DeviceCommand, 0)
	for i := len(s.order) - 1; i >= 0 && len(out) < limit; i-- {
		c := s.byID[s.order[i]]
		if c.DeviceID == deviceID {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (s *CommandStore) ClaimNext(_ context.Context, deviceID string, now time.Time) (types.DeviceCommand, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.order {
		c := s.byID[id]
		if c.DeviceID != deviceID || c.Status != types.CommandPending || !now.Before(c.ExpiresAt) {
			continue
		}
		claimed := now
		c.Status = types.CommandClaimed
		c.ClaimedAt = &claimed
		return *c, true, nil
	}
	return types.DeviceCommand{}, false, nil
}

func (s *CommandStore) AckCommand(_ context.Context, id, deviceID string, res types.CommandResult, now time.Time) (types.DeviceCommand, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byID[id]
	if !ok {
		return types.DeviceCommand{}, types.ErrNotFound
	}
	if c.DeviceID == deviceID && c.Status == types.CommandClaimed && now.Before(c.ExpiresAt) {
		acked := now
		r := res
		c.Status = types.CommandAcked
		c.AckedAt = &acked
		c.Result = &r
		return *c, nil
	}
	if err := store.AckRejection(*c, deviceID, res, now); err != nil {
		return types.DeviceCommand{}, err
	}
	return *c, nil
}

func (s *CommandStore) CancelCommand(_ context.Context, id string, now time.Time) (types.DeviceCommand, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byID[id]
	if !ok {
		return types.DeviceCommand{}, types.ErrNotFound
	}
	if c.Status == types.CommandPending && !now.Before(c.ExpiresAt) {
		c.Status = types.CommandExpired
	}
	if c.Status != types.CommandPending {
		return types.DeviceCommand{}, store.CancelRejection(*c)
	}
	c.Status = types.CommandCancelled
	return *c, nil
}

func (s *CommandStore) ExpireDue(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, c := range s.byID {
		if (c.Status == types.CommandPending || c.Status == types.CommandClaimed) && !now.Before(c.ExpiresAt) {
			c.Status = types.CommandExpired
			n++
		}
	}
	return n, nil
}
