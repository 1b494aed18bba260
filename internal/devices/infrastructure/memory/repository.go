package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	devices "homepi-cloud/internal/devices/domain"
)

// DeviceRepository is an in-memory devices.Store for tests and demos.
type DeviceRepository struct {
	mu   sync.Mutex
	devs map[string]*devices.Device       // keyed by device id
	caps map[string][]*devices.Capability // keyed by device id
}

// NewDeviceRepository constructs an empty repository.
func NewDeviceRepository() *DeviceRepository {
	return &DeviceRepository{
		devs: make(map[string]*devices.Device),
		caps: make(map[string][]*devices.Capability),
	}
}

// Add registers a device.
func (r *DeviceRepository) Add(dev devices.Device) {
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := dev
	r.devs[dev.ID] = &clone
}

// GetBySerial fetches a device by serial number.
func (r *DeviceRepository) GetBySerial(_ context.Context, serial string) (*devices.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, dev := range r.devs {
		if dev.Serial == serial {
			clone := *dev
			return &clone, nil
		}
	}
	return nil, devices.ErrNotFound
}

// List returns all devices ordered by creation time.
func (r *DeviceRepository) List(_ context.Context) ([]devices.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	result := make([]devices.Device, 0, len(r.devs))
	for _, dev := range r.devs {
		result = append(result, *dev)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

// TouchHeartbeat updates the heartbeat, returning previous values.
func (r *DeviceRepository) TouchHeartbeat(_ context.Context, deviceID, observedAddr string, at time.Time) (time.Time, string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	dev, ok := r.devs[deviceID]
	if !ok {
		return time.Time{}, "", devices.ErrNotFound
	}
	prevSeen := dev.LastSeenAt
	prevAddr := dev.ObservedAddr
	dev.LastSeenAt = at
	dev.ObservedAddr = observedAddr
	return prevSeen, prevAddr, nil
}

// UpsertCapabilities syncs declared capabilities by slug.
func (r *DeviceRepository) UpsertCapabilities(_ context.Context, deviceID string, decls []devices.CapabilityDecl) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.devs[deviceID]; !ok {
		return 0, devices.ErrNotFound
	}
	existing := make(map[string]*devices.Capability)
	for _, cap := range r.caps[deviceID] {
		existing[cap.Slug] = cap
	}
	changed := 0
	for _, decl := range decls {
		if decl.Slug == "" {
			continue
		}
		kind := decl.Kind
		if kind == "" {
			kind = "light"
		}
		name := decl.Name
		if name == "" {
			name = kind
		}
		enabled := true
		if decl.Enabled != nil {
			enabled = *decl.Enabled
		}
		if cap, ok := existing[decl.Slug]; ok {
			cap.Kind = kind
			cap.Name = name
			cap.Config = decl.Config
			cap.Order = decl.Order
			cap.Enabled = enabled
		} else {
			r.caps[deviceID] = append(r.caps[deviceID], &devices.Capability{
				DeviceID:    deviceID,
				Slug:        decl.Slug,
				Kind:        kind,
				Name:        name,
				Config:      decl.Config,
				Order:       decl.Order,
				Enabled:     enabled,
				CachedState: map[string]any{},
			})
		}
		changed++
	}
	return changed, nil
}

// ListCapabilities returns capabilities for a device.
func (r *DeviceRepository) ListCapabilities(_ context.Context, deviceID string) ([]devices.Capability, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	caps := r.caps[deviceID]
	result := make([]devices.Capability, 0, len(caps))
	for _, cap := range caps {
		clone := *cap
		clone.CachedState = cloneState(cap.CachedState)
		result = append(result, clone)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Order != result[j].Order {
			return result[i].Order < result[j].Order
		}
		return result[i].Slug < result[j].Slug
	})
	return result, nil
}

// MergeCapabilityState shallow-merges per-slug state maps.
func (r *DeviceRepository) MergeCapabilityState(_ context.Context, deviceID string, state map[string]map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cap := range r.caps[deviceID] {
		delta, ok := state[cap.Slug]
		if !ok {
			continue
		}
		if cap.CachedState == nil {
			cap.CachedState = map[string]any{}
		}
		for key, value := range delta {
			cap.CachedState[key] = value
		}
	}
	return nil
}

func cloneState(state map[string]any) map[string]any {
	if state == nil {
		return nil
	}
	clone := make(map[string]any, len(state))
	for key, value := range state {
		clone[key] = value
	}
	return clone
}
