package types

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound             = errors.New("not found")
	ErrConflict             = errors.New("conflict")
	ErrInvalidOrExpiredCode = errors.New("pairing code invalid or expired")
	ErrInvalidState         = errors.New("invalid state transition")
	ErrValidation           = errors.New("validation failed")
	ErrUnauthenticated      = errors.New("device not authenticated")

	// ErrPolicyDenied is returned only by operator flows (remote unlock) where a
	// denial has to surface as an error. Device events report denials as a
	// normal Decision instead.
	ErrPolicyDenied = errors.New("denied by device policy")
)

// ValidationError names the offending field of a rejected input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// PolicyDeniedError carries the deny reason for a PolicyDenied outcome.
type PolicyDeniedError struct {
	Reason string
}

func (e *PolicyDeniedError) Error() string { return "denied: " + e.Reason }

func (e *PolicyDeniedError) Unwrap() error { return ErrPolicyDenied }

func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }

func IsInvalidState(err error) bool { return errors.Is(err, ErrInvalidState) }
