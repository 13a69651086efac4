// Package service holds the access-control core: device registry,
// credentials, the policy evaluator and its guard, enrollment, the command
// queue and the event pipeline that ties them together.
package service

import (
	"time"

	"github.com/google/uuid"
)

// Clock returns the current time. Tests inject a fixed or stepping clock.
type Clock func() time.Time

func systemClock() time.Time { return time.Now().UTC() }

func orSystem(c Clock) Clock {
	if c == nil {
		return systemClock
	}
	return c
}

func newID() string { return uuid.NewString() }
