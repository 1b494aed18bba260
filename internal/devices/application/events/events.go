package events

import "time"

// DeviceOnline is emitted when a device transitions offline -> online.
type DeviceOnline struct {
	EventID    string    `json:"event_id"`
	DeviceID   string    `json:"device_id"`
	Serial     string    `json:"serial"`
	OccurredAt time.Time `json:"occurred_at"`
}

// DeviceAddressChanged is emitted when the observed address changes.
type DeviceAddressChanged struct {
	EventID    string    `json:"event_id"`
	DeviceID   string    `json:"device_id"`
	Serial     string    `json:"serial"`
	OldAddr    string    `json:"old_addr"`
	NewAddr    string    `json:"new_addr"`
	OccurredAt time.Time `json:"occurred_at"`
}

// CapabilityStateChanged is emitted when an agent pushes a state delta,
// either with a heartbeat or attached to a command acknowledgement.
type CapabilityStateChanged struct {
	EventID    string                    `json:"event_id"`
	DeviceID   string                    `json:"device_id"`
	Serial     string                    `json:"serial"`
	State      map[string]map[string]any `json:"state"`
	OccurredAt time.Time                 `json:"occurred_at"`
}
