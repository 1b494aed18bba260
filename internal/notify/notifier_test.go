package notify

import (
	"context"
	"testing"
	"time"

	devicesevents "homepi-cloud/internal/devices/application/events"
	"homepi-cloud/internal/eventing"
)

type captureChannel struct {
	sent []string
}

func (c *captureChannel) Send(_ context.Context, content string) error {
	c.sent = append(c.sent, content)
	return nil
}

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func TestNotifySends(t *testing.T) {
	channel := &captureChannel{}
	notifier, err := NewChannelNotifier(channel)
	if err != nil {
		t.Fatalf("NewChannelNotifier: %v", err)
	}
	notifier.Notify(context.Background(), Event{Type: "device.online", Serial: "PI-0001", Text: "hello"})
	if len(channel.sent) != 1 || channel.sent[0] != "hello" {
		t.Fatalf("expected one send, got %v", channel.sent)
	}
}

func TestCooldownSuppressesRepeat(t *testing.T) {
	channel := &captureChannel{}
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	notifier, err := NewChannelNotifier(channel, WithClock(clock), WithCooldown(time.Minute))
	if err != nil {
		t.Fatalf("NewChannelNotifier: %v", err)
	}
	event := Event{Type: "device.online", Serial: "PI-0001", Text: "hello"}

	notifier.Notify(context.Background(), event)
	notifier.Notify(context.Background(), event)
	if len(channel.sent) != 1 {
		t.Fatalf("expected cooldown suppression, got %d sends", len(channel.sent))
	}

	clock.now = clock.now.Add(2 * time.Minute)
	notifier.Notify(context.Background(), event)
	if len(channel.sent) != 2 {
		t.Fatalf("expected send after cooldown, got %d", len(channel.sent))
	}
}

func TestDedupeWindowAllowsDifferentContent(t *testing.T) {
	channel := &captureChannel{}
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	notifier, err := NewChannelNotifier(channel, WithClock(clock), WithDedupeWindow(time.Minute))
	if err != nil {
		t.Fatalf("NewChannelNotifier: %v", err)
	}

	notifier.Notify(context.Background(), Event{Type: "device.addr_changed", Serial: "PI-0001", Text: "a"})
	notifier.Notify(context.Background(), Event{Type: "device.addr_changed", Serial: "PI-0001", Text: "a"})
	notifier.Notify(context.Background(), Event{Type: "device.addr_changed", Serial: "PI-0001", Text: "b"})
	if len(channel.sent) != 2 {
		t.Fatalf("expected identical repeat suppressed, got %v", channel.sent)
	}
}

func TestBindForwardsBusEvents(t *testing.T) {
	channel := &captureChannel{}
	notifier, err := NewChannelNotifier(channel)
	if err != nil {
		t.Fatalf("NewChannelNotifier: %v", err)
	}
	bus := eventing.NewInMemoryBus()
	Bind(bus, notifier)

	err = bus.Publish(context.Background(), devicesevents.DeviceOnline{
		EventID: "e1", DeviceID: "dev-1", Serial: "PI-0001", OccurredAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(channel.sent) != 1 {
		t.Fatalf("expected notification from bus event, got %v", channel.sent)
	}
}
