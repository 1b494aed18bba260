package application

import (
	"context"
	"errors"
	"testing"
	"time"

	"homepi-cloud/internal/devices/application/events"
	devices "homepi-cloud/internal/devices/domain"
	"homepi-cloud/internal/devices/infrastructure/memory"
)

type captureBus struct {
	published []any
}

func (b *captureBus) Publish(_ context.Context, event any) error {
	b.published = append(b.published, event)
	return nil
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func boolPtr(v bool) *bool { return &v }

func newTestService(t *testing.T, now time.Time) (*HeartbeatService, *memory.DeviceRepository, *captureBus) {
	t.Helper()
	repo := memory.NewDeviceRepository()
	repo.Add(devices.Device{
		ID:        "dev-1",
		Serial:    "PI-0001",
		Token:     "secret-token",
		CreatedAt: now.Add(-time.Hour),
	})
	bus := &captureBus{}
	service, err := NewHeartbeatService(repo, bus, WithClock(fixedClock{now: now}))
	if err != nil {
		t.Fatalf("NewHeartbeatService: %v", err)
	}
	return service, repo, bus
}

func TestHeartbeatUnknownSerial(t *testing.T) {
	service, _, _ := newTestService(t, time.Now())
	_, err := service.Heartbeat(context.Background(), "PI-9999", "secret-token", "10.0.0.1", nil, nil)
	if !errors.Is(err, devices.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestHeartbeatBadToken(t *testing.T) {
	service, _, _ := newTestService(t, time.Now())
	_, err := service.Heartbeat(context.Background(), "PI-0001", "wrong", "10.0.0.1", nil, nil)
	if !errors.Is(err, devices.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestHeartbeatEmitsOnlineOnFirstBeat(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	service, _, bus := newTestService(t, now)

	if _, err := service.Heartbeat(context.Background(), "PI-0001", "secret-token", "10.0.0.1", nil, nil); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if len(bus.published) != 1 {
		t.Fatalf("expected 1 event, got %d", len(bus.published))
	}
	online, ok := bus.published[0].(events.DeviceOnline)
	if !ok {
		t.Fatalf("expected DeviceOnline, got %T", bus.published[0])
	}
	if online.Serial != "PI-0001" {
		t.Fatalf("unexpected serial %q", online.Serial)
	}
}

func TestHeartbeatNoOnlineEventWhileOnline(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	service, _, bus := newTestService(t, now)

	if _, err := service.Heartbeat(context.Background(), "PI-0001", "secret-token", "10.0.0.1", nil, nil); err != nil {
		t.Fatalf("first heartbeat: %v", err)
	}
	bus.published = nil

	service.clock = fixedClock{now: now.Add(30 * time.Second)}
	if _, err := service.Heartbeat(context.Background(), "PI-0001", "secret-token", "10.0.0.1", nil, nil); err != nil {
		t.Fatalf("second heartbeat: %v", err)
	}
	for _, event := range bus.published {
		if _, ok := event.(events.DeviceOnline); ok {
			t.Fatalf("unexpected DeviceOnline within online window")
		}
	}
}

func TestHeartbeatEmitsOnlineAfterGap(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	service, _, bus := newTestService(t, now)

	if _, err := service.Heartbeat(context.Background(), "PI-0001", "secret-token", "10.0.0.1", nil, nil); err != nil {
		t.Fatalf("first heartbeat: %v", err)
	}
	bus.published = nil

	service.clock = fixedClock{now: now.Add(5 * time.Minute)}
	if _, err := service.Heartbeat(context.Background(), "PI-0001", "secret-token", "10.0.0.1", nil, nil); err != nil {
		t.Fatalf("second heartbeat: %v", err)
	}
	found := false
	for _, event := range bus.published {
		if _, ok := event.(events.DeviceOnline); ok {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected DeviceOnline after offline gap")
	}
}

func TestHeartbeatEmitsAddressChanged(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	service, _, bus := newTestService(t, now)

	if _, err := service.Heartbeat(context.Background(), "PI-0001", "secret-token", "10.0.0.1", nil, nil); err != nil {
		t.Fatalf("first heartbeat: %v", err)
	}
	bus.published = nil

	service.clock = fixedClock{now: now.Add(10 * time.Second)}
	if _, err := service.Heartbeat(context.Background(), "PI-0001", "secret-token", "10.0.0.2", nil, nil); err != nil {
		t.Fatalf("second heartbeat: %v", err)
	}
	var changed *events.DeviceAddressChanged
	for _, event := range bus.published {
		if e, ok := event.(events.DeviceAddressChanged); ok {
			changed = &e
		}
	}
	if changed == nil {
		t.Fatalf("expected DeviceAddressChanged")
	}
	if changed.OldAddr != "10.0.0.1" || changed.NewAddr != "10.0.0.2" {
		t.Fatalf("unexpected addrs: %q -> %q", changed.OldAddr, changed.NewAddr)
	}
}

func TestHeartbeatSyncsCapsAndMergesState(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	service, repo, _ := newTestService(t, now)

	decls := []devices.CapabilityDecl{
		{Slug: "light-1", Kind: "light", Name: "Porch Light", Order: 1},
		{Slug: "cam-1", Kind: "camera", Name: "Door Cam", Order: 2, Enabled: boolPtr(false)},
	}
	state := map[string]map[string]any{
		"light-1": {"is_on": true, "auto": false},
	}
	result, err := service.Heartbeat(context.Background(), "PI-0001", "secret-token", "10.0.0.1", decls, state)
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if result.CapsSynced != 2 {
		t.Fatalf("expected 2 caps synced, got %d", result.CapsSynced)
	}

	caps, err := repo.ListCapabilities(context.Background(), "dev-1")
	if err != nil {
		t.Fatalf("list capabilities: %v", err)
	}
	if len(caps) != 2 {
		t.Fatalf("expected 2 capabilities, got %d", len(caps))
	}
	if caps[0].Slug != "light-1" || caps[0].CachedState["is_on"] != true {
		t.Fatalf("unexpected capability state: %+v", caps[0])
	}
	if caps[1].Enabled {
		t.Fatalf("expected cam-1 disabled")
	}
}

func TestHeartbeatStateMergeIsShallow(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	service, repo, _ := newTestService(t, now)

	decls := []devices.CapabilityDecl{{Slug: "light-1", Kind: "light"}}
	first := map[string]map[string]any{"light-1": {"is_on": true, "brightness": 80}}
	if _, err := service.Heartbeat(context.Background(), "PI-0001", "secret-token", "10.0.0.1", decls, first); err != nil {
		t.Fatalf("first heartbeat: %v", err)
	}
	second := map[string]map[string]any{"light-1": {"is_on": false}}
	if _, err := service.Heartbeat(context.Background(), "PI-0001", "secret-token", "10.0.0.1", nil, second); err != nil {
		t.Fatalf("second heartbeat: %v", err)
	}

	caps, err := repo.ListCapabilities(context.Background(), "dev-1")
	if err != nil {
		t.Fatalf("list capabilities: %v", err)
	}
	state := caps[0].CachedState
	if state["is_on"] != false {
		t.Fatalf("expected is_on overwritten, got %v", state["is_on"])
	}
	if state["brightness"] != 80 {
		t.Fatalf("expected brightness preserved, got %v", state["brightness"])
	}
}

func TestValidateCommand(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	service, _, _ := newTestService(t, now)

	decls := []devices.CapabilityDecl{
		{Slug: "light-1", Kind: "light"},
		{Slug: "cam-1", Kind: "camera", Enabled: boolPtr(false)},
	}
	if _, err := service.Heartbeat(context.Background(), "PI-0001", "secret-token", "10.0.0.1", decls, nil); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	cases := []struct {
		name    string
		command string
		wantErr bool
	}{
		{"light command allowed", "light_on", false},
		{"auto light allowed", "auto_light_on", false},
		{"universal allowed", "rescan_caps", false},
		{"disabled capability rejected", "camera_snapshot", true},
		{"unknown rejected", "garage_open", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := service.ValidateCommand(context.Background(), "dev-1", tc.command)
			if tc.wantErr && !errors.Is(err, devices.ErrUnsupportedCommand) {
				t.Fatalf("expected ErrUnsupportedCommand, got %v", err)
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}
