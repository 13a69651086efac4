package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gymcloud/accessd/internal/access/types"
	"github.com/gymcloud/accessd/internal/observability/logger"
)

// terminalRetention is how long a finished session stays readable through
// Get before the sweeper drops it.
const terminalRetention = 10 * time.Minute

// EnrollmentCoordinator keeps at most one session per device in memory.
//
// Consumption happens in two steps: begin marks the session as binding so
// a concurrent cancel loses cleanly, then finish records the outcome.
type EnrollmentCoordinator struct {
	mu       sync.Mutex
	sessions map[string]*enrollment
	creds    *CredentialService
	now      Clock
	log      *zap.Logger
}

type enrollment struct {
	types.EnrollmentSession
	binding bool
	endedAt time.Time
}

func NewEnrollmentCoordinator(creds *CredentialService, now Clock) *EnrollmentCoordinator {
	return &EnrollmentCoordinator{
		sessions: make(map[string]*enrollment),
		creds:    creds,
		now:      orSystem(now),
		log:      logger.Named("enrollment"),
	}
}

// Start opens a session. A session still pending on the device is
// ErrConflict; finished or expired ones are replaced.
func (c *EnrollmentCoordinator) Start(tenantID, deviceID string, usuarioID int64, ct types.CredentialType, ttl time.Duration) (types.EnrollmentSession, error) {
	if usuarioID <= 0 {
		return types.EnrollmentSession{}, &types.ValidationError{Field: "usuario_id", Reason: "must be positive"}
	}
	if !ct.Valid() {
		return types.EnrollmentSession{}, &types.ValidationError{Field: "credential_type", Reason: "must be fob or card"}
	}
	switch {
	case ttl <= 0:
		ttl = types.DefaultEnrollTTL
	case ttl > types.MaxEnrollTTL:
		ttl = types.MaxEnrollTTL
	}

	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	if cur, ok := c.sessions[deviceID]; ok && (cur.binding || cur.Active(now)) {
		return types.EnrollmentSession{}, fmt.Errorf("%w: enrollment already pending on device %s", types.ErrConflict, deviceID)
	}
	e := &enrollment{EnrollmentSession: types.EnrollmentSession{
		DeviceID:       deviceID,
		TenantID:       tenantID,
		UsuarioID:      usuarioID,
		CredentialType: ct,
		StartedAt:      now,
		TTL:            ttl,
		Status:         types.EnrollPending,
	}}
	c.sessions[deviceID] = e
	return e.EnrollmentSession, nil
}

// AttachCommand remembers the enroll_start command issued for the session.
func (c *EnrollmentCoordinator) AttachCommand(deviceID, commandID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.sessions[deviceID]; ok && e.Status == types.EnrollPending {
		e.StartCommandID = commandID
	}
}

// Cancel moves pending to cancelled. With no session it is a no-op and
// reports false. A session that already finished is returned unchanged so
// the caller can see who won; one being bound right now is ErrInvalidState.
func (c *EnrollmentCoordinator) Cancel(deviceID string) (types.EnrollmentSession, bool, error) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.sessions[deviceID]
	if !ok {
		return types.EnrollmentSession{}, false, nil
	}
	if e.binding {
		return e.EnrollmentSession, false, fmt.Errorf("%w: enrollment on device %s is being consumed", types.ErrInvalidState, deviceID)
	}
	c.expireLocked(e, now)
	if e.Status != types.EnrollPending {
		return e.EnrollmentSession, false, nil
	}
	e.Status = types.EnrollCancelled
	e.endedAt = now
	return e.EnrollmentSession, true, nil
}

// Get returns the device's current or most recently finished session.
func (c *EnrollmentCoordinator) Get(deviceID string) (types.EnrollmentSession, bool) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.sessions[deviceID]
	if !ok {
		return types.EnrollmentSession{}, false
	}
	c.expireLocked(e, now)
	return e.EnrollmentSession, true
}

// TryEnroll consumes the session when ev matches it. handled is false when
// there is no live matching session and normal evaluation should run.
func (c *EnrollmentCoordinator) TryEnroll(ctx context.Context, d types.Device, ev Event, now time.Time) (types.Decision, bool, error) {
	if c == nil || ev.Type.Informational() {
		return types.Decision{}, false, nil
	}

	c.mu.Lock()
	e, ok := c.sessions[d.ID]
	if !ok || e.binding || !e.Active(now) || !ev.Type.Matches(e.CredentialType) {
		if ok {
			c.expireLocked(e, now)
		}
		c.mu.Unlock()
		return types.Decision{}, false, nil
	}
	e.binding = true
	sess := e.EnrollmentSession
	c.mu.Unlock()

	cred, err := c.creds.Bind(ctx, d.TenantID, NewCredential{
		UsuarioID: sess.UsuarioID,
		Type:      sess.CredentialType,
		Value:     ev.Value,
		Label:     "enrolled at " + d.Name,
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	e.binding = false
	subject := sess.UsuarioID

	switch {
	case err == nil:
		e.Status = types.EnrollConsumed
		e.CredentialID = cred.ID
		e.endedAt = now
		c.log.Info("enrollment consumed",
			logger.DeviceID(d.ID), logger.UsuarioID(subject), zap.String("credential_id", cred.ID))
		return types.Decision{
			Outcome:          types.OutcomeEnroll,
			Reason:           types.ReasonEnrolled,
			SubjectUsuarioID: &subject,
			Credential:       &cred,
		}, true, nil

	case errors.Is(err, types.ErrConflict):
		// The swipe belongs to someone else. The session stays pending so
		// the operator can hand over another fob.
		c.log.Warn("enrollment conflict", logger.DeviceID(d.ID), logger.UsuarioID(subject))
		return types.Deny(types.ReasonEnrollConflict, &subject), true, nil

	case errors.Is(err, types.ErrValidation):
		return types.Deny(types.ReasonCredentialUnknown, nil), true, nil

	default:
		return types.Decision{}, false, err
	}
}

// ExpireDue marks overdue pending sessions expired and drops sessions that
// finished more than terminalRetention ago. It returns how many expired.
func (c *EnrollmentCoordinator) ExpireDue(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for id, e := range c.sessions {
		if c.expireLocked(e, now) {
			n++
		}
		if e.Status != types.EnrollPending && !e.binding && now.Sub(e.endedAt) > terminalRetention {
			delete(c.sessions, id)
		}
	}
	return n
}

// Forget drops any session of a deleted device.
func (c *EnrollmentCoordinator) Forget(deviceID string) {
	c.mu.Lock()
	delete(c.sessions, deviceID)
	c.mu.Unlock()
}

func (c *EnrollmentCoordinator) expireLocked(e *enrollment, now time.Time) bool {
	if e.binding || e.Status != types.EnrollPending || now.Before(e.ExpiresAt()) {
		return false
	}
	e.Status = types.EnrollExpired
	e.endedAt = e.ExpiresAt()
	return true
}
