package types

import (
	"encoding/json"
	"time"
)

type EnrollmentStatus string

const (
	EnrollPending   EnrollmentStatus = "pending"
	EnrollConsumed  EnrollmentStatus = "consumed"
	EnrollCancelled EnrollmentStatus = "cancelled"
	EnrollExpired   EnrollmentStatus = "expired"
)

const (
	DefaultEnrollTTL = 60 * time.Second
	MaxEnrollTTL     = 10 * time.Minute
)

// EnrollmentSession binds the next matching swipe on a device to a user.
// It lives beside the device, never inside its config.
type EnrollmentSession struct {
	DeviceID       string           `json:"device_id"`
	TenantID       string           `json:"tenant_id"`
	UsuarioID      int64            `json:"usuario_id"`
	CredentialType CredentialType   `json:"credential_type"`
	StartedAt      time.Time        `json:"started_at"`
	TTL            time.Duration    `json:"-"`
	Status         EnrollmentStatus `json:"status"`
	CredentialID   string           `json:"credential_id,omitempty"`
	// StartCommandID is the enroll_start command that told the agent to
	// listen; cancelling a session also cancels it while still pending.
	StartCommandID string           `json:"start_command_id,omitempty"`
}

func (s EnrollmentSession) ExpiresAt() time.Time { return s.StartedAt.Add(s.TTL) }

// Active reports a pending session that has not yet expired at now.
func (s EnrollmentSession) Active(now time.Time) bool {
	return s.Status == EnrollPending && now.Before(s.ExpiresAt())
}

// MarshalJSON reports the TTL in seconds plus the derived expiry.
func (s EnrollmentSession) MarshalJSON() ([]byte, error) {
	type alias EnrollmentSession
	return json.Marshal(struct {
		alias
		TTLSeconds int64     `json:"ttl_seconds"`
		ExpiresAt  time.Time `json:"expires_at"`
	}{alias(s), int64(s.TTL / time.Second), s.ExpiresAt()})
}
