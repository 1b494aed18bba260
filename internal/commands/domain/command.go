package commands

import (
	"encoding/json"
	"errors"
	"time"
)

const (
	StatusPending = "pending"
	StatusTaken   = "taken"
	StatusDone    = "done"
	StatusFailed  = "failed"
	StatusExpired = "expired"
)

var (
	// ErrNotFound indicates no command matches the lookup.
	ErrNotFound = errors.New("commands: command not found")
	// ErrDuplicateReqID indicates a request id collision on insert.
	ErrDuplicateReqID = errors.New("commands: duplicate req_id")
	// ErrExhausted indicates request id generation gave up after retries.
	ErrExhausted = errors.New("commands: req_id space exhausted")
	// ErrValidation indicates a malformed enqueue or acknowledge request.
	ErrValidation = errors.New("commands: validation failed")
)

// Command is one actuation request queued for a device.
//
// Lifecycle: pending -> taken -> done|failed, or pending -> expired when
// the TTL lapses before any claim. A taken command never expires; a crashed
// agent leaves it taken until the operator re-issues.
type Command struct {
	ID         string
	DeviceID   string
	ReqID      string
	Name       string
	Payload    json.RawMessage
	Status     string
	Result     string
	CreatedAt  time.Time
	ExpiresAt  time.Time
	TakenAt    time.Time
	FinishedAt time.Time
}

// Terminal reports whether the status admits no further transition.
func Terminal(status string) bool {
	switch status {
	case StatusDone, StatusFailed, StatusExpired:
		return true
	}
	return false
}

// ValidAckStatus reports whether an agent may report this status.
func ValidAckStatus(status string) bool {
	return status == StatusDone || status == StatusFailed
}
