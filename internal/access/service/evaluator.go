package service

import (
	"context"
	"errors"
	"time"

	"github.com/gymcloud/accessd/internal/access/types"
)

// Event is one access attempt as reported by an agent.
type Event struct {
	Type  types.EventType
	Value string
	PIN   string
}

// Evaluator runs the ordered policy checks. The first failing check decides
// the deny reason.
type Evaluator struct {
	creds  *CredentialService
	guard  *Guard
	enroll *EnrollmentCoordinator
}

func NewEvaluator(creds *CredentialService, guard *Guard, enroll *EnrollmentCoordinator) *Evaluator {
	return &Evaluator{creds: creds, guard: guard, enroll: enroll}
}

// Evaluate decides one event for d at now. Callers hold the device's event
// lock: the guard windows and the enrollment session are read then written.
//
// Denials are returned as a Decision. The error is reserved for storage
// failures.
func (e *Evaluator) Evaluate(ctx context.Context, d types.Device, ev Event, now time.Time) (types.Decision, error) {
	cfg := d.Config

	if !d.Enabled {
		return types.Deny(types.ReasonDeviceDisabled, nil), nil
	}

	if dec, handled, err := e.enroll.TryEnroll(ctx, d, ev, now); err != nil || handled {
		return dec, err
	}

	if !cfg.AllowsEventType(ev.Type) {
		return types.Deny(types.ReasonEventTypeNotAllowed, nil), nil
	}

	if !cfg.WithinHours(now) {
		return types.Deny(types.ReasonOutsideAllowedHours, nil), nil
	}

	switch ev.Type {
	case types.EventManualUnlock:
		if !cfg.AllowManualUnlock {
			return types.Deny(types.ReasonManualUnlockNotAllowed, nil), nil
		}
		return types.Allow(types.ReasonManualUnlock, nil, false), nil
	case types.EventRemoteUnlock:
		if !cfg.AllowRemoteUnlock {
			return types.Deny(types.ReasonRemoteUnlockNotAllowed, nil), nil
		}
		return types.Allow(types.ReasonRemoteUnlock, nil, false), nil
	}

	subject, reason, err := e.resolveSubject(ctx, d, ev)
	if err != nil {
		return types.Decision{}, err
	}
	if reason != "" {
		return types.Deny(reason, subject), nil
	}

	if reason, ok := e.guard.Admit(d.ID, cfg, subject, now); !ok {
		return types.Deny(reason, subject), nil
	}

	return types.Allow(types.ReasonGranted, subject, true), nil
}

// resolveSubject maps the raw value to a user. A non-empty reason is a
// deny; subject may still be set when the user is known but the PIN failed.
func (e *Evaluator) resolveSubject(ctx context.Context, d types.Device, ev Event) (*int64, string, error) {
	switch ev.Type {
	case types.EventDNI, types.EventDNIPin:
		m, err := e.creds.ResolveDNI(ctx, d.TenantID, ev.Value)
		if errors.Is(err, types.ErrNotFound) {
			return nil, types.ReasonCredentialUnknown, nil
		}
		if err != nil {
			return nil, "", err
		}
		subject := m.UsuarioID
		if d.Config.DNIRequiresPIN || ev.Type == types.EventDNIPin {
			if !e.creds.VerifyPIN(m, ev.PIN) {
				return &subject, types.ReasonInvalidPIN, nil
			}
		}
		return &subject, "", nil

	default:
		for _, ct := range ev.Type.CredentialTypes() {
			c, err := e.creds.Resolve(ctx, d.TenantID, ct, ev.Value)
			if errors.Is(err, types.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, "", err
			}
			subject := c.UsuarioID
			return &subject, "", nil
		}
		return nil, types.ReasonCredentialUnknown, nil
	}
}
