package db

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gymcloud/accessd/internal/observability/logger"
)

// ErrClosed is returned by Do once the Worker has been closed.
var ErrClosed = errors.New("db worker closed")

// TxFn runs inside a transaction owned by the Worker. Returning an error
// rolls the transaction back.
type TxFn func(ctx context.Context, tx *sql.Tx) error

type writeJob struct {
	ctx context.Context
	fn  TxFn
	res chan error
}

const (
	writeQueueSize = 256
	slowWrite      = 250 * time.Millisecond
)

// Worker funnels every write through one goroutine so SQLite sees a single
// writer. Reads may use the *sql.DB directly.
type Worker struct {
	db        *sql.DB
	queue     chan writeJob
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	log       *zap.Logger
}

func NewWorker(db *sql.DB) *Worker {
	w := &Worker{
		db:    db,
		queue: make(chan writeJob, writeQueueSize),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
		log:   logger.Named("db.worker"),
	}
	go w.run()
	return w
}

// Close stops accepting writes, fails whatever is still queued with
// ErrClosed and waits for the running transaction. Safe to call twice.
func (w *Worker) Close() {
	w.closeOnce.Do(func() { close(w.quit) })
	<-w.done
}

// Do queues fn and waits for its result. If ctx ends first, Do returns
// ctx.Err(); a job that already started still commits or rolls back.
func (w *Worker) Do(ctx context.Context, fn TxFn) error {
	j := writeJob{ctx: ctx, fn: fn, res: make(chan error, 1)}

	select {
	case <-w.quit:
		return ErrClosed
	default:
	}

	select {
	case w.queue <- j:
	default:
		w.log.Warn("write queue full, waiting", zap.Int("depth", len(w.queue)))
		select {
		case w.queue <- j:
		case <-w.quit:
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	select {
	case err := <-j.res:
		return err
	case <-w.done:
		// The loop may have answered just before exiting.
		select {
		case err := <-j.res:
			return err
		default:
			return ErrClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) run() {
	defer close(w.done)

	for {
		select {
		case j := <-w.queue:
			j.res <- w.exec(j)
		case <-w.quit:
			for {
				select {
				case j := <-w.queue:
					j.res <- ErrClosed
				default:
					return
				}
			}
		}
	}
}

func (w *Worker) exec(j writeJob) error {
	// Nobody is waiting for an abandoned job.
	if err := j.ctx.Err(); err != nil {
		return err
	}

	started := time.Now()
	tx, err := w.db.BeginTx(j.ctx, nil)
	if err != nil {
		return err
	}
	if err := j.fn(j.ctx, tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	err = tx.Commit()

	if took := time.Since(started); took > slowWrite {
		w.log.Warn("slow write transaction", zap.Duration("took", took), zap.Int("queued", len(w.queue)))
	}
	return err
}
