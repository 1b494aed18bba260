package devices

import (
	"encoding/json"
	"errors"
	"time"
)

// DefaultOnlineWindow is how recently a device must have reported a
// heartbeat to count as online.
const DefaultOnlineWindow = 60 * time.Second

var (
	// ErrNotFound indicates the serial is not registered.
	ErrNotFound = errors.New("devices: device not found")
	// ErrUnauthorized indicates a token mismatch for a known serial.
	ErrUnauthorized = errors.New("devices: token mismatch")
	// ErrUnsupportedCommand indicates no enabled capability accepts the
	// requested command.
	ErrUnsupportedCommand = errors.New("devices: unsupported command")
)

// Device represents one field unit identified by serial number.
type Device struct {
	ID           string
	Serial       string
	Token        string
	DisplayName  string
	ObservedAddr string
	LastSeenAt   time.Time
	CreatedAt    time.Time
}

// Online reports whether the device has heartbeated within the window.
func (d Device) Online(now time.Time, window time.Duration) bool {
	if d.LastSeenAt.IsZero() {
		return false
	}
	if window <= 0 {
		window = DefaultOnlineWindow
	}
	return !d.LastSeenAt.Before(now.Add(-window))
}

// Name returns the display name, falling back to the serial.
func (d Device) Name() string {
	if d.DisplayName != "" {
		return d.DisplayName
	}
	return d.Serial
}

// Capability is a named actuator/sensor function exposed by a device.
// Kind and Config stay opaque to the control plane; CachedState is the
// last state map merged from heartbeat and acknowledge payloads.
type Capability struct {
	DeviceID    string
	Slug        string
	Kind        string
	Name        string
	Config      json.RawMessage
	Order       int
	Enabled     bool
	CachedState map[string]any
}

// CapabilityDecl is what an agent declares in a heartbeat.
type CapabilityDecl struct {
	Slug    string          `json:"slug"`
	Kind    string          `json:"kind"`
	Name    string          `json:"name"`
	Config  json.RawMessage `json:"config,omitempty"`
	Order   int             `json:"order"`
	Enabled *bool           `json:"enabled,omitempty"`
}
