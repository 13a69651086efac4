package types

import (
	"fmt"
	"strings"
	"time"
)

type EventType string

const (
	EventCredential   EventType = "credential"
	EventFob          EventType = "fob"
	EventCard         EventType = "card"
	EventDNI          EventType = "dni"
	EventDNIPin       EventType = "dni_pin"
	EventManualUnlock EventType = "manual_unlock"
	EventRemoteUnlock EventType = "remote_unlock"
)

func (t EventType) Valid() bool {
	switch t {
	case EventCredential, EventFob, EventCard, EventDNI, EventDNIPin, EventManualUnlock, EventRemoteUnlock:
		return true
	}
	return false
}

// Informational events report something the agent already did; they never
// drive a relay pulse.
func (t EventType) Informational() bool {
	return t == EventManualUnlock || t == EventRemoteUnlock
}

// CredentialTypes lists the credential kinds an event resolves against.
// The generic "credential" event tries fob first, then card.
func (t EventType) CredentialTypes() []CredentialType {
	switch t {
	case EventFob:
		return []CredentialType{CredentialFob}
	case EventCard:
		return []CredentialType{CredentialCard}
	case EventCredential:
		return []CredentialType{CredentialFob, CredentialCard}
	}
	return nil
}

// Matches reports whether an event of this type can complete an enrollment
// for ct.
func (t EventType) Matches(ct CredentialType) bool {
	return EventType(ct) == t || t == EventCredential
}

type Outcome string

const (
	OutcomeAllow  Outcome = "allow"
	OutcomeDeny   Outcome = "deny"
	OutcomeEnroll Outcome = "enroll"
)

// Decision reasons written to the audit log.
const (
	ReasonGranted                = "granted"
	ReasonManualUnlock           = "manual_unlock"
	ReasonRemoteUnlock           = "remote_unlock"
	ReasonEnrolled               = "enrolled"
	ReasonEnrollConflict         = "enroll_conflict"
	ReasonDeviceDisabled         = "device_disabled"
	ReasonEventTypeNotAllowed    = "event_type_not_allowed"
	ReasonOutsideAllowedHours    = "outside_allowed_hours"
	ReasonCredentialUnknown      = "credential_unknown"
	ReasonInvalidPIN             = "invalid_pin"
	ReasonRateLimited            = "rate_limited"
	ReasonAntiPassback           = "anti_passback"
	ReasonManualUnlockNotAllowed = "manual_unlock_not_allowed"
	ReasonRemoteUnlockNotAllowed = "remote_unlock_not_allowed"
)

// Decision is the evaluator's verdict for one event.
type Decision struct {
	Outcome          Outcome
	Reason           string
	Unlock           bool
	SubjectUsuarioID *int64
	// Credential is set when the event completed an enrollment.
	Credential *Credential
}

func (d Decision) Allowed() bool { return d.Outcome == OutcomeAllow }

func Allow(reason string, subject *int64, unlock bool) Decision {
	return Decision{Outcome: OutcomeAllow, Reason: reason, SubjectUsuarioID: subject, Unlock: unlock}
}

func Deny(reason string, subject *int64) Decision {
	return Decision{Outcome: OutcomeDeny, Reason: reason, SubjectUsuarioID: subject}
}

// AccessEvent is an append-only audit fact. It is never mutated.
type AccessEvent struct {
	ID               string     `json:"id"`
	TenantID         string     `json:"tenant_id"`
	DeviceID         string     `json:"device_id"`
	BranchID         string     `json:"sucursal_id"`
	EventType        EventType  `json:"event_type"`
	InputMasked      string     `json:"input_value_masked"`
	SubjectUsuarioID *int64     `json:"subject_usuario_id,omitempty"`
	Decision         Outcome    `json:"decision"`
	Reason           string     `json:"reason"`
	Unlock           bool       `json:"unlock"`
	ClientTime       *time.Time `json:"client_time,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

const (
	maskKeep = 2
	maskFill = "****"
)

// MaskValue keeps a fixed prefix and suffix of a raw credential for audit.
// The fill has a fixed width so the log does not leak the value length.
func MaskValue(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	r := []rune(raw)
	if len(r) <= 2*maskKeep {
		return maskFill
	}
	return string(r[:maskKeep]) + maskFill + string(r[len(r)-maskKeep:])
}

// EventFilter selects a page of the audit log, newest first.
type EventFilter struct {
	TenantID string
	DeviceID string
	Page     int
	PageSize int
}

const (
	DefaultPageSize = 50
	MaxPageSize     = 500
	MaxPage         = 1_000_000 // keeps Offset inside int range
)

// Normalize applies paging defaults; pages are 1-based. Pages past MaxPage
// are clamped, callers that want to reject them use Validate first.
func (f EventFilter) Normalize() EventFilter {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Page > MaxPage {
		f.Page = MaxPage
	}
	if f.PageSize <= 0 {
		f.PageSize = DefaultPageSize
	}
	if f.PageSize > MaxPageSize {
		f.PageSize = MaxPageSize
	}
	return f
}

func (f EventFilter) Validate() error {
	if strings.TrimSpace(f.TenantID) == "" {
		return &ValidationError{Field: "tenant_id", Reason: "is required"}
	}
	if f.Page > MaxPage {
		return &ValidationError{Field: "page", Reason: fmt.Sprintf("must be at most %d", MaxPage)}
	}
	return nil
}

func (f EventFilter) Offset() int { return (f.Page - 1) * f.PageSize }

// EventPage is one page of audit events.
type EventPage struct {
	Events   []AccessEvent `json:"events"`
	Page     int           `json:"page"`
	PageSize int           `json:"page_size"`
	Total    int           `json:"total"`
}
