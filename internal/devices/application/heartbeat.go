package application

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"homepi-cloud/internal/devices/application/events"
	devices "homepi-cloud/internal/devices/domain"
	"homepi-cloud/internal/observability/metrics"
)

// EventBus is the minimal publish interface consumed by this service.
type EventBus interface {
	Publish(ctx context.Context, event any) error
}

// Clock provides time.
type Clock interface {
	Now() time.Time
}

// HeartbeatResult is returned to the device.
type HeartbeatResult struct {
	ObservedAddr string
	CapsSynced   int
}

// HeartbeatService authenticates heartbeats and maintains the capability
// state cache.
type HeartbeatService struct {
	store        devices.Store
	bus          EventBus
	clock        Clock
	onlineWindow time.Duration
}

// HeartbeatOption customizes the service.
type HeartbeatOption func(*HeartbeatService)

// WithClock assigns a clock.
func WithClock(clock Clock) HeartbeatOption {
	return func(s *HeartbeatService) { s.clock = clock }
}

// WithOnlineWindow overrides the online window.
func WithOnlineWindow(window time.Duration) HeartbeatOption {
	return func(s *HeartbeatService) {
		if window > 0 {
			s.onlineWindow = window
		}
	}
}

// NewHeartbeatService constructs the service.
func NewHeartbeatService(store devices.Store, bus EventBus, opts ...HeartbeatOption) (*HeartbeatService, error) {
	if store == nil {
		return nil, errors.New("devices: nil store")
	}
	service := &HeartbeatService{
		store:        store,
		bus:          bus,
		clock:        systemClock{},
		onlineWindow: devices.DefaultOnlineWindow,
	}
	for _, opt := range opts {
		opt(service)
	}
	return service, nil
}

// Lookup resolves a serial without checking a token. Operator paths use
// this; device paths go through Authenticate.
func (s *HeartbeatService) Lookup(ctx context.Context, serial string) (*devices.Device, error) {
	return s.store.GetBySerial(ctx, serial)
}

// ListDevices returns every registered device.
func (s *HeartbeatService) ListDevices(ctx context.Context) ([]devices.Device, error) {
	return s.store.List(ctx)
}

// Capabilities returns a device's declared capabilities with cached state.
func (s *HeartbeatService) Capabilities(ctx context.Context, deviceID string) ([]devices.Capability, error) {
	return s.store.ListCapabilities(ctx, deviceID)
}

// OnlineWindow reports the liveness window used for the online flag.
func (s *HeartbeatService) OnlineWindow() time.Duration {
	return s.onlineWindow
}

// Authenticate resolves a serial+token pair to a device.
func (s *HeartbeatService) Authenticate(ctx context.Context, serial, token string) (*devices.Device, error) {
	if s == nil {
		return nil, errors.New("devices: nil service")
	}
	dev, err := s.store.GetBySerial(ctx, serial)
	if err != nil {
		return nil, err
	}
	if dev.Token != token {
		return nil, devices.ErrUnauthorized
	}
	return dev, nil
}

// Heartbeat records liveness, optionally syncing declared capabilities and
// merging a pushed state delta. Caps and state are both optional.
func (s *HeartbeatService) Heartbeat(ctx context.Context, serial, token, observedAddr string, caps []devices.CapabilityDecl, state map[string]map[string]any) (*HeartbeatResult, error) {
	dev, err := s.Authenticate(ctx, serial, token)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now().UTC()

	prevSeen, prevAddr, err := s.store.TouchHeartbeat(ctx, dev.ID, observedAddr, now)
	if err != nil {
		return nil, err
	}
	metrics.IncHeartbeat()

	result := &HeartbeatResult{ObservedAddr: observedAddr}
	if len(caps) > 0 {
		synced, err := s.store.UpsertCapabilities(ctx, dev.ID, caps)
		if err != nil {
			return nil, err
		}
		result.CapsSynced = synced
	}
	if len(state) > 0 {
		if err := s.store.MergeCapabilityState(ctx, dev.ID, state); err != nil {
			return nil, err
		}
	}

	wasOnline := !prevSeen.IsZero() && !prevSeen.Before(now.Add(-s.onlineWindow))
	if !wasOnline {
		s.publish(ctx, events.DeviceOnline{
			EventID:    uuid.NewString(),
			DeviceID:   dev.ID,
			Serial:     dev.Serial,
			OccurredAt: now,
		})
	}
	if prevAddr != "" && prevAddr != observedAddr {
		s.publish(ctx, events.DeviceAddressChanged{
			EventID:    uuid.NewString(),
			DeviceID:   dev.ID,
			Serial:     dev.Serial,
			OldAddr:    prevAddr,
			NewAddr:    observedAddr,
			OccurredAt: now,
		})
	}
	if len(state) > 0 {
		s.publish(ctx, events.CapabilityStateChanged{
			EventID:    uuid.NewString(),
			DeviceID:   dev.ID,
			Serial:     dev.Serial,
			State:      state,
			OccurredAt: now,
		})
	}
	return result, nil
}

// MergeState merges a state delta outside the heartbeat cycle (ack path).
func (s *HeartbeatService) MergeState(ctx context.Context, dev *devices.Device, state map[string]map[string]any) error {
	if s == nil || dev == nil || len(state) == 0 {
		return nil
	}
	if err := s.store.MergeCapabilityState(ctx, dev.ID, state); err != nil {
		return err
	}
	s.publish(ctx, events.CapabilityStateChanged{
		EventID:    uuid.NewString(),
		DeviceID:   dev.ID,
		Serial:     dev.Serial,
		State:      state,
		OccurredAt: s.clock.Now().UTC(),
	})
	return nil
}

func (s *HeartbeatService) publish(ctx context.Context, event any) {
	if s.bus == nil {
		return
	}
	// Notification fan-out is best effort and must never fail the protocol.
	_ = s.bus.Publish(ctx, event)
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }
