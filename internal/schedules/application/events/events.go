package events

import (
	"encoding/json"
	"time"
)

// ScheduleCreated is emitted when an operator queues a timed action.
type ScheduleCreated struct {
	EventID    string          `json:"event_id"`
	ScheduleID string          `json:"schedule_id"`
	DeviceID   string          `json:"device_id"`
	Serial     string          `json:"serial"`
	Action     string          `json:"action"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	RunAt      time.Time       `json:"run_at"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// ScheduleResolved is emitted when a device reports a schedule outcome.
type ScheduleResolved struct {
	EventID    string    `json:"event_id"`
	ScheduleID string    `json:"schedule_id"`
	DeviceID   string    `json:"device_id"`
	Serial     string    `json:"serial"`
	Action     string    `json:"action"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}
