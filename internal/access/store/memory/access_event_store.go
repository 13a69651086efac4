package memory

import (
	"context"
	"sync"

	"github.com/gymcloud/accessd/internal/access/types"
)

// AccessEventStore is an in-memory append-only log of access decisions.
// It is intended for use in tests and dev environments.
type AccessEventStore struct {
	mu     sync.Mutex
	events []types.AccessEvent
}

func NewAccessEventStore() *AccessEventStore {
	return &AccessEventStore{}
}

func (s *AccessEventStore) AppendEvent(_ context.Context, ev types.AccessEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *AccessEventStore) ListEvents(_ context.Context, f types.EventFilter) (types.EventPage, error) {
	f = f.Normalize()
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []types.AccessEvent
	for i := len(s.events) - 1; i >= 0; i-- {
		ev := s.events[i]
		if ev.TenantID != f.TenantID {
			continue
		}
		if f.DeviceID != "" && ev.DeviceID != f.DeviceID {
			continue
		}
		matched = append(matched, ev)
	}

	page := types.EventPage{Page: f.Page, PageSize: f.PageSize, Total: len(matched), Events: []types.AccessEvent{}}
	start := f.Offset()
	if start >= len(matched) {
		return page, nil
	}
	end := start + f.PageSize
	if end > len(matched) {
		end = len(matched)
	}
	page.Events = append(page.Events, matched[start:end]...)
	return page, nil
}

// Events returns a copy of all recorded events in append order. Test-only
// helper.
func (s *AccessEventStore) Events() []types.AccessEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.AccessEvent, len(s.events))
	copy(out, s.events)
	return out
}
