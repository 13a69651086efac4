package store

import (
	"context"
	"time"

	"github.com/gymcloud/accessd/internal/access/types"
)

// CommandStore persists the dispatch queue. Every status change is a
// conditional update keyed on the current status, so concurrent pollers and
// operators cannot both win a transition.
type CommandStore interface {
	InsertCommand(ctx context.Context, c types.DeviceCommand) error
	GetCommand(ctx context.Context, id string) (types.DeviceCommand, error)
	ListCommands(ctx context.Context, deviceID string, limit int) ([]types.DeviceCommand, error)

	// ClaimNext moves the oldest unexpired pending command of the device to
	// claimed. ok is false when nothing is claimable.
	ClaimNext(ctx context.Context, deviceID string, now time.Time) (cmd types.DeviceCommand, ok bool, err error)

	// AckCommand moves claimed -> acked for the claiming device. Re-acking
	// with the same result returns the stored command.
	AckCommand(ctx context.Context, id, deviceID string, res types.CommandResult, now time.Time) (types.DeviceCommand, error)

	// CancelCommand moves pending -> cancelled.
	CancelCommand(ctx context.Context, id string, now time.Time) (types.DeviceCommand, error)

	// ExpireDue moves pending and claimed commands past expires_at to
	// expired and reports how many moved.
	ExpireDue(ctx context.Context, now time.Time) (int64, error)
}

// DefaultCommandListLimit caps ListCommands when the caller passes 0.
const DefaultCommandListLimit = 100
