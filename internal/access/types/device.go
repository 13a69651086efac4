package types

import "time"

// MaxPairingTTL bounds how long a pairing code stays valid.
const MaxPairingTTL = 10 * time.Minute

// DevicePhase is derived from the pairing/token columns.
type DevicePhase string

const (
	PhasePairing  DevicePhase = "pairing"
	PhasePaired   DevicePhase = "paired"
	PhaseUnpaired DevicePhase = "unpaired"
)

// Device is an edge controller guarding one access point.
//
// PairingCodeHash and AuthTokenHash are mutually exclusive: a device is
// either pairing (live code, no token) or paired (token, no code).
type Device struct {
	ID               string       `json:"id"`
	TenantID         string       `json:"tenant_id"`
	PublicID         string       `json:"device_public_id"`
	Name             string       `json:"name"`
	Enabled          bool         `json:"enabled"`
	BranchID         string       `json:"branch_id"`
	Config           DeviceConfig `json:"config"`
	PairingCodeHash  string       `json:"-"`
	PairingExpiresAt *time.Time   `json:"pairing_expires_at,omitempty"`
	AuthTokenHash    string       `json:"-"`
	LastSeenAt       *time.Time   `json:"last_seen_at,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// Phase reports the lifecycle phase at now. An expired code counts as
// unpaired.
func (d Device) Phase(now time.Time) DevicePhase {
	switch {
	case d.AuthTokenHash != "":
		return PhasePaired
	case d.PairingCodeHash != "" && d.PairingExpiresAt != nil && now.Before(*d.PairingExpiresAt):
		return PhasePairing
	default:
		return PhaseUnpaired
	}
}

// PairingTicket is the one-time secret handed to an operator after create or
// rotate. The code itself is never stored.
type PairingTicket struct {
	Code      string    `json:"pairing_code"`
	ExpiresAt time.Time `json:"expires_at"`
}

// PairingPayload is what gets pasted into an agent's config out of band.
type PairingPayload struct {
	TenantID       string    `json:"tenant_id"`
	APIBaseURL     string    `json:"api_base_url"`
	DevicePublicID string    `json:"device_public_id"`
	PairingCode    string    `json:"pairing_code"`
	ExpiresAt      time.Time `json:"expires_at"`
}
