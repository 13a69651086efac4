package service

import (
	"sync"
	"time"

	"github.com/gymcloud/accessd/internal/access/types"
)

// Guard holds the per-device rate and anti-passback windows. It is a cache
// over the audit log and starts empty after a restart.
//
// Callers serialise events per device; the mutex only protects the map.
type Guard struct {
	mu      sync.Mutex
	devices map[string]*deviceWindow
}

type deviceWindow struct {
	// hits is ordered oldest first.
	hits      []time.Time
	lastAllow map[int64]time.Time
}

func NewGuard() *Guard {
	return &Guard{devices: make(map[string]*deviceWindow)}
}

// Admit applies the rate limit, then anti-passback. A passing rate check
// counts as a hit even if passback then vetoes. On success the subject's
// allow is recorded for future passback checks.
func (g *Guard) Admit(deviceID string, cfg types.DeviceConfig, subject *int64, now time.Time) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	w := g.devices[deviceID]
	if w == nil {
		w = &deviceWindow{lastAllow: make(map[int64]time.Time)}
		g.devices[deviceID] = w
	}

	if limit := int(cfg.MaxEventsPerMinute); limit > 0 {
		w.pruneHits(now.Add(-cfg.RateWindow()))
		if len(w.hits)+1 > limit {
			return types.ReasonRateLimited, false
		}
		w.hits = append(w.hits, now)
	} else {
		w.hits = nil
	}

	if cooldown := cfg.AntiPassback(); cooldown > 0 {
		w.prunePassback(now, cooldown)
		if subject != nil {
			if last, ok := w.lastAllow[*subject]; ok && now.Sub(last) < cooldown {
				return types.ReasonAntiPassback, false
			}
			w.lastAllow[*subject] = now
		}
	} else if len(w.lastAllow) > 0 {
		w.lastAllow = make(map[int64]time.Time)
	}

	return "", true
}

// Forget drops a device's windows, e.g. after deletion.
func (g *Guard) Forget(deviceID string) {
	g.mu.Lock()
	delete(g.devices, deviceID)
	g.mu.Unlock()
}

// pruneHits drops hits at or before cutoff, keeping the trailing window
// (cutoff, now].
func (w *deviceWindow) pruneHits(cutoff time.Time) {
	i := 0
	for i < len(w.hits) && !w.hits[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.hits = append(w.hits[:0], w.hits[i:]...)
	}
}

func (w *deviceWindow) prunePassback(now time.Time, cooldown time.Duration) {
	for id, t := range w.lastAllow {
		if now.Sub(t) >= cooldown {
			delete(w.lastAllow, id)
		}
	}
}
