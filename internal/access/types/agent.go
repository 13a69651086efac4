package types

import (
	"strings"
	"time"
)

// Wire shapes exchanged with device agents. The same structs back the JSON
// API, the protobuf Struct encoding and the gRPC service.

type PairRequest struct {
	DevicePublicID string `json:"device_public_id"`
	PairingCode    string `json:"pairing_code"`
}

type PairResponse struct {
	OK          bool         `json:"ok"`
	DeviceID    string       `json:"device_id"`
	TenantID    string       `json:"tenant_id"`
	DeviceToken string       `json:"device_token"`
	Config      DeviceConfig `json:"config"`
	ServerTime  string       `json:"server_time"`
}

type EventRequest struct {
	// DeviceToken is accepted in the body for agents that cannot set an
	// Authorization header.
	DeviceToken string    `json:"device_token,omitempty"`
	EventType   EventType `json:"event_type"`
	RawValue    string    `json:"raw_value"`
	PIN         string    `json:"pin,omitempty"`
	ClientTime  string    `json:"client_time,omitempty"`
}

type EventResponse struct {
	OK               bool    `json:"ok"`
	EventID          string  `json:"event_id"`
	Decision         Outcome `json:"decision"`
	Reason           string  `json:"reason"`
	Unlock           bool    `json:"unlock"`
	UnlockProfileRef string  `json:"unlock_profile_ref,omitempty"`
	UnlockMS         int     `json:"unlock_ms,omitempty"`
	SubjectUsuarioID *int64  `json:"subject_usuario_id,omitempty"`
	CommandID        string  `json:"command_id,omitempty"`
	ServerTime       string  `json:"server_time"`
}

type PollResponse struct {
	OK         bool           `json:"ok"`
	Command    *DeviceCommand `json:"command,omitempty"`
	ServerTime string         `json:"server_time"`
}

type AckRequest struct {
	DeviceToken string        `json:"device_token,omitempty"`
	Result      CommandResult `json:"result"`
}

type AckResponse struct {
	OK         bool          `json:"ok"`
	Command    DeviceCommand `json:"command"`
	ServerTime string        `json:"server_time"`
}

type HeartbeatRequest struct {
	DeviceToken     string `json:"device_token,omitempty"`
	FirmwareVersion string `json:"firmware_version,omitempty"`
	UptimeSeconds   uint64 `json:"uptime_s,omitempty"`
	ConfigVersion   int    `json:"config_version,omitempty"`
	IP              string `json:"ip,omitempty"`
}

type HeartbeatResponse struct {
	OK         bool               `json:"ok"`
	DeviceID   string             `json:"device_id"`
	Enabled    bool               `json:"enabled"`
	Config     DeviceConfig       `json:"config"`
	Enrollment *EnrollmentSession `json:"enrollment,omitempty"`
	ServerTime string             `json:"server_time"`
}

// ParseClientTime accepts RFC3339 with or without fractional seconds.
// Empty or unparseable input yields nil: a device clock is advisory only.
func ParseClientTime(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// ServerTime formats now the way every agent response carries it.
func ServerTime(now time.Time) string {
	return now.UTC().Format(time.RFC3339Nano)
}
