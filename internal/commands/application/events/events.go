package events

import (
	"encoding/json"
	"time"
)

// CommandEnqueued is emitted when an operator queues a command.
type CommandEnqueued struct {
	EventID    string          `json:"event_id"`
	CommandID  string          `json:"command_id"`
	DeviceID   string          `json:"device_id"`
	Serial     string          `json:"serial"`
	ReqID      string          `json:"req_id"`
	Name       string          `json:"name"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	ExpiresAt  time.Time       `json:"expires_at"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// CommandCompleted is emitted when an agent reports done or failed.
type CommandCompleted struct {
	EventID    string    `json:"event_id"`
	CommandID  string    `json:"command_id"`
	DeviceID   string    `json:"device_id"`
	Serial     string    `json:"serial"`
	ReqID      string    `json:"req_id"`
	Name       string    `json:"name"`
	Status     string    `json:"status"`
	Result     string    `json:"result,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// CommandExpired is emitted once per command moved to expired by a sweep.
type CommandExpired struct {
	EventID    string    `json:"event_id"`
	DeviceID   string    `json:"device_id"`
	Count      int       `json:"count"`
	OccurredAt time.Time `json:"occurred_at"`
}
