package store

import (
	"fmt"
	"time"

	"github.com/gymcloud/accessd/internal/access/types"
)

// AckRejection explains why an ack from deviceID did not apply to c, the
// command as currently stored. A nil result means the ack is an idempotent
// repeat and c can be returned as is.
func AckRejection(c types.DeviceCommand, deviceID string, res types.CommandResult, now time.Time) error {
	if c.DeviceID != deviceID {
		return fmt.Errorf("%w: command %s was not issued to this device", types.ErrInvalidState, c.ID)
	}
	switch c.Status {
	case types.CommandAcked:
		if c.Result != nil && *c.Result == res {
			return nil
		}
		return fmt.Errorf("%w: command %s already acked with a different result", types.ErrInvalidState, c.ID)
	case types.CommandPending:
		return fmt.Errorf("%w: command %s was never claimed", types.ErrInvalidState, c.ID)
	case types.CommandClaimed:
		if !now.Before(c.ExpiresAt) {
			return fmt.Errorf("%w: command %s expired before ack", types.ErrInvalidState, c.ID)
		}
		return fmt.Errorf("%w: command %s changed concurrently", types.ErrInvalidState, c.ID)
	default:
		return fmt.Errorf("%w: command %s is %s", types.ErrInvalidState, c.ID, c.Status)
	}
}

// CancelRejection explains why a cancel did not apply to c.
func CancelRejection(c types.DeviceCommand) error {
	return fmt.Errorf("%w: command %s is %s, only pending commands can be cancelled", types.ErrInvalidState, c.ID, c.Status)
}
