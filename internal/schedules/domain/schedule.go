package schedules

import (
	"encoding/json"
	"errors"
	"time"
)

const (
	StatusPending  = "pending"
	StatusDone     = "done"
	StatusFailed   = "failed"
	StatusCanceled = "canceled"
)

// FetchGrace is how far into the past a pending schedule is still handed
// to a device, tolerating clock drift between server and agent.
const FetchGrace = 120 * time.Second

// MaxFetchBatch bounds one fetch response.
const MaxFetchBatch = 100

var (
	// ErrNotFound indicates no schedule matches the lookup.
	ErrNotFound = errors.New("schedules: schedule not found")
	// ErrValidation indicates a malformed schedule request.
	ErrValidation = errors.New("schedules: validation failed")
)

// Schedule is a timed action a device executes locally at run_at.
type Schedule struct {
	ID        string
	DeviceID  string
	Action    string
	Payload   json.RawMessage
	RunAt     time.Time
	Status    string
	Error     string
	CreatedAt time.Time
	DoneAt    time.Time
}

// Terminal reports whether the status admits no further transition.
func Terminal(status string) bool {
	switch status {
	case StatusDone, StatusFailed, StatusCanceled:
		return true
	}
	return false
}
