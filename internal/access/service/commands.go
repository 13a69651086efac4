package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/gymcloud/accessd/internal/access/store"
	"github.com/gymcloud/accessd/internal/access/types"
	"github.com/gymcloud/accessd/internal/metrics"
	"github.com/gymcloud/accessd/internal/observability/logger"
)

type QueueConfig struct {
	// DefaultTTL applies when Enqueue is called with ttl <= 0.
	DefaultTTL time.Duration
	Now        Clock
	Metrics    *metrics.Metrics
}

// CommandQueue is the poll-based dispatch queue. Every transition is
// delegated to a conditional update in the store.
type CommandQueue struct {
	store      store.CommandStore
	defaultTTL time.Duration
	now        Clock
	metrics    *metrics.Metrics
	log        *zap.Logger
}

func NewCommandQueue(st store.CommandStore, cfg QueueConfig) *CommandQueue {
	ttl := cfg.DefaultTTL
	if ttl <= 0 {
		ttl = types.DefaultCommandTTL
	}
	return &CommandQueue{
		store:      st,
		defaultTTL: ttl,
		now:        orSystem(cfg.Now),
		metrics:    cfg.Metrics,
		log:        logger.Named("commands"),
	}
}

func (q *CommandQueue) Enqueue(ctx context.Context, tenantID, deviceID string, ct types.CommandType, payload map[string]any, ttl time.Duration) (types.DeviceCommand, error) {
	switch {
	case ttl <= 0:
		ttl = q.defaultTTL
	case ttl > types.MaxCommandTTL:
		ttl = types.MaxCommandTTL
	}
	now := q.now()
	c := types.DeviceCommand{
		ID:        newID(),
		TenantID:  tenantID,
		DeviceID:  deviceID,
		Type:      ct,
		Payload:   payload,
		Status:    types.CommandPending,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	if err := q.store.InsertCommand(ctx, c); err != nil {
		return types.DeviceCommand{}, err
	}
	q.metrics.CommandTransition(string(ct), string(types.CommandPending))
	q.log.Debug("command enqueued",
		logger.DeviceID(deviceID), logger.CommandID(c.ID), zap.String("command_type", string(ct)))
	return c, nil
}

// Claim hands the oldest live pending command to the device. ok is false
// when there is nothing to do.
func (q *CommandQueue) Claim(ctx context.Context, deviceID string) (types.DeviceCommand, bool, error) {
	c, ok, err := q.store.ClaimNext(ctx, deviceID, q.now())
	if err != nil || !ok {
		return c, ok, err
	}
	q.metrics.CommandTransition(string(c.Type), string(types.CommandClaimed))
	return c, true, nil
}

func (q *CommandQueue) Ack(ctx context.Context, deviceID, commandID string, res types.CommandResult) (types.DeviceCommand, error) {
	c, err := q.store.AckCommand(ctx, commandID, deviceID, res, q.now())
	if err != nil {
		if errors.Is(err, types.ErrInvalidState) {
			q.log.Info("ack rejected", logger.DeviceID(deviceID), logger.CommandID(commandID), logger.Err(err))
		}
		return types.DeviceCommand{}, err
	}
	q.metrics.CommandTransition(string(c.Type), string(types.CommandAcked))
	return c, nil
}

// Cancel is only valid from pending. A command the device already claimed
// is ErrInvalidState.
func (q *CommandQueue) Cancel(ctx context.Context, tenantID, commandID string) (types.DeviceCommand, error) {
	if _, err := q.Get(ctx, tenantID, commandID); err != nil {
		return types.DeviceCommand{}, err
	}
	c, err := q.store.CancelCommand(ctx, commandID, q.now())
	if err != nil {
		return types.DeviceCommand{}, err
	}
	q.metrics.CommandTransition(string(c.Type), string(types.CommandCancelled))
	return c, nil
}

// Get scopes the lookup to tenantID; "" skips the check.
func (q *CommandQueue) Get(ctx context.Context, tenantID, commandID string) (types.DeviceCommand, error) {
	c, err := q.store.GetCommand(ctx, commandID)
	if err != nil {
		return types.DeviceCommand{}, err
	}
	if tenantID != "" && c.TenantID != tenantID {
		return types.DeviceCommand{}, types.ErrNotFound
	}
	return c, nil
}

func (q *CommandQueue) List(ctx context.Context, deviceID string, limit int) ([]types.DeviceCommand, error) {
	return q.store.ListCommands(ctx, deviceID, limit)
}

// ExpireDue moves overdue pending and claimed commands to expired.
func (q *CommandQueue) ExpireDue(ctx context.Context) (int64, error) {
	n, err := q.store.ExpireDue(ctx, q.now())
	if err != nil {
		return 0, err
	}
	q.metrics.CommandsExpired(n)
	return n, nil
}
