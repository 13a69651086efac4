package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gymcloud/accessd/internal/observability/logger"
)

// DefaultSweepInterval is how often the sweeper runs when not configured.
const DefaultSweepInterval = 5 * time.Second

// Sweeper periodically expires overdue commands and enrollment sessions.
// It runs as a background goroutine and is stopped via its context or the
// Stop method.
type Sweeper struct {
	queue    *CommandQueue
	enroll   *EnrollmentCoordinator
	interval time.Duration
	now      Clock
	log      *zap.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewSweeper creates a sweeper but does not start it. enroll may be nil.
func NewSweeper(q *CommandQueue, enroll *EnrollmentCoordinator, interval time.Duration, now Clock) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{
		queue:    q,
		enroll:   enroll,
		interval: interval,
		now:      orSystem(now),
		log:      logger.Named("sweeper"),
		done:     make(chan struct{}),
	}
}

// Start runs one sweep immediately, then repeats on the interval until ctx
// is cancelled or Stop is called. Calling Start twice is a no-op.
func (s *Sweeper) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		ctx, s.cancel = context.WithCancel(ctx)
		go s.loop(ctx)
		s.log.Info("sweeper started", zap.Duration("interval", s.interval))
	})
}

// Stop signals the loop to exit and waits for it. It is safe to call more
// than once, and before Start.
func (s *Sweeper) Stop() {
	s.startOnce.Do(func() { close(s.done) })
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
	})
	<-s.done
}

// Done is closed once the loop has exited.
func (s *Sweeper) Done() <-chan struct{} { return s.done }

func (s *Sweeper) loop(ctx context.Context) {
	defer close(s.done)
	defer s.log.Info("sweeper stopped")

	s.SweepOnce(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs a single pass. Errors are logged; the next tick retries.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	n, err := s.queue.ExpireDue(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.log.Error("command expiry failed", logger.Err(err))
		}
	} else if n > 0 {
		s.log.Info("commands expired", logger.Count(int(n)))
	}

	if s.enroll != nil {
		if m := s.enroll.ExpireDue(s.now()); m > 0 {
			s.log.Info("enrollments expired", logger.Count(m))
		}
	}
}
