package types

import "time"

type CommandType string

const (
	CommandUnlock       CommandType = "unlock"
	CommandEnrollStart  CommandType = "enroll_start"
	CommandEnrollCancel CommandType = "enroll_cancel"
)

type CommandStatus string

const (
	CommandPending   CommandStatus = "pending"
	CommandClaimed   CommandStatus = "claimed"
	CommandAcked     CommandStatus = "acked"
	CommandExpired   CommandStatus = "expired"
	CommandCancelled CommandStatus = "cancelled"
)

// Terminal statuses accept no further transitions.
func (s CommandStatus) Terminal() bool {
	return s == CommandAcked || s == CommandExpired || s == CommandCancelled
}

const (
	DefaultCommandTTL = 60 * time.Second
	MaxCommandTTL     = 24 * time.Hour
)

// CommandResult is what the device reports on ack.
type CommandResult struct {
	Success bool   `json:"success"`
	Detail  string `json:"detail,omitempty"`
}

// DeviceCommand is an instruction a device polls for.
//
//	pending --claim--> claimed --ack--> acked
//	pending --cancel--> cancelled
//	pending|claimed --timeout--> expired
type DeviceCommand struct {
	ID        string         `json:"id"`
	TenantID  string         `json:"tenant_id"`
	DeviceID  string         `json:"device_id"`
	Type      CommandType    `json:"command_type"`
	Payload   map[string]any `json:"payload,omitempty"`
	Status    CommandStatus  `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
	ClaimedAt *time.Time     `json:"claimed_at,omitempty"`
	AckedAt   *time.Time     `json:"acked_at,omitempty"`
	ExpiresAt time.Time      `json:"expires_at"`
	Result    *CommandResult `json:"result,omitempty"`
}
