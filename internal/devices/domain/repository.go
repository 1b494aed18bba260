package devices

import (
	"context"
	"time"
)

// Store persists devices and their capability state cache.
type Store interface {
	GetBySerial(ctx context.Context, serial string) (*Device, error)
	List(ctx context.Context) ([]Device, error)
	// TouchHeartbeat records a heartbeat, returning the previous last-seen
	// time and observed address so callers can detect transitions.
	TouchHeartbeat(ctx context.Context, deviceID, observedAddr string, at time.Time) (prevSeen time.Time, prevAddr string, err error)
	UpsertCapabilities(ctx context.Context, deviceID string, decls []CapabilityDecl) (int, error)
	ListCapabilities(ctx context.Context, deviceID string) ([]Capability, error)
	// MergeCapabilityState shallow-merges the per-slug state maps into the
	// cached state. Unknown slugs are skipped, never created.
	MergeCapabilityState(ctx context.Context, deviceID string, state map[string]map[string]any) error
}
