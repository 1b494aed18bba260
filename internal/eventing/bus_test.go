package eventing

import (
	"context"
	"errors"
	"testing"
)

type pingEvent struct {
	Value int
}

func TestPublishDispatchesByType(t *testing.T) {
	bus := NewInMemoryBus()
	got := 0
	On(bus, func(_ context.Context, event pingEvent) error {
		got = event.Value
		return nil
	})

	if err := bus.Publish(context.Background(), pingEvent{Value: 7}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got != 7 {
		t.Fatalf("expected handler to see 7, got %d", got)
	}
}

func TestPublishPointerReachesValueSubscriber(t *testing.T) {
	bus := NewInMemoryBus()
	seen := false
	On(bus, func(_ context.Context, event pingEvent) error {
		seen = true
		return nil
	})

	if err := bus.Publish(context.Background(), &pingEvent{Value: 1}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if !seen {
		t.Fatalf("expected pointer publish to reach value subscriber")
	}
}

func TestPublishNilEvent(t *testing.T) {
	bus := NewInMemoryBus()
	if err := bus.Publish(context.Background(), nil); !errors.Is(err, ErrNilEvent) {
		t.Fatalf("expected ErrNilEvent, got %v", err)
	}
}

func TestPublishCollectsFirstError(t *testing.T) {
	bus := NewInMemoryBus()
	want := errors.New("boom")
	On(bus, func(context.Context, pingEvent) error { return want })
	calls := 0
	On(bus, func(context.Context, pingEvent) error {
		calls++
		return nil
	})

	err := bus.Publish(context.Background(), pingEvent{})
	if !errors.Is(err, want) {
		t.Fatalf("expected first error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected later handlers to still run")
	}
}
