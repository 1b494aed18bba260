package application

import (
	"context"
	"errors"
	"testing"
	"time"

	devapp "homepi-cloud/internal/devices/application"
	devices "homepi-cloud/internal/devices/domain"
	devmem "homepi-cloud/internal/devices/infrastructure/memory"
	schedules "homepi-cloud/internal/schedules/domain"
	schedmem "homepi-cloud/internal/schedules/infrastructure/memory"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func newTestService(t *testing.T, now time.Time) (*Service, *devices.Device) {
	t.Helper()
	devRepo := devmem.NewDeviceRepository()
	dev := devices.Device{ID: "dev-1", Serial: "PI-0001", Token: "secret-token"}
	devRepo.Add(dev)
	directory, err := devapp.NewHeartbeatService(devRepo, nil)
	if err != nil {
		t.Fatalf("NewHeartbeatService: %v", err)
	}
	service, err := NewService(schedmem.NewScheduleRepository(), directory, nil, WithClock(fixedClock{now: now}))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return service, &dev
}

func TestCreateAndFetchUpcoming(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	service, dev := newTestService(t, now)
	ctx := context.Background()

	sched, err := service.Create(ctx, CreateRequest{
		Serial: "PI-0001",
		Action: "light_on",
		RunAt:  now.Add(10 * time.Minute),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if sched.Status != schedules.StatusPending {
		t.Fatalf("expected pending, got %s", sched.Status)
	}

	items, err := service.FetchUpcoming(ctx, dev)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(items) != 1 || items[0].ID != sched.ID {
		t.Fatalf("expected 1 upcoming schedule, got %+v", items)
	}
}

func TestCreateRejectsPastRunAt(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	service, _ := newTestService(t, now)

	_, err := service.Create(context.Background(), CreateRequest{
		Serial: "PI-0001",
		Action: "light_on",
		RunAt:  now.Add(-5 * time.Minute),
	})
	if !errors.Is(err, schedules.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestFetchHonorsGraceWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	service, dev := newTestService(t, now)
	ctx := context.Background()

	recent, err := service.Create(ctx, CreateRequest{
		Serial: "PI-0001", Action: "light_on", RunAt: now.Add(-time.Minute),
	})
	if err != nil {
		t.Fatalf("create recent: %v", err)
	}
	if _, err := service.Create(ctx, CreateRequest{
		Serial: "PI-0001", Action: "light_off", RunAt: now.Add(-90 * time.Second),
	}); err != nil {
		t.Fatalf("create old: %v", err)
	}

	// Move past the older schedule's grace window.
	service.clock = fixedClock{now: now.Add(time.Minute)}
	items, err := service.FetchUpcoming(ctx, dev)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(items) != 1 || items[0].ID != recent.ID {
		t.Fatalf("expected only the schedule inside the grace window, got %+v", items)
	}
}

func TestAcknowledgeIdempotent(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	service, dev := newTestService(t, now)
	ctx := context.Background()

	sched, err := service.Create(ctx, CreateRequest{
		Serial: "PI-0001", Action: "light_on", RunAt: now.Add(time.Minute),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	first, err := service.Acknowledge(ctx, dev, sched.ID, true, "")
	if err != nil {
		t.Fatalf("first ack: %v", err)
	}
	if !first.Updated || first.Schedule.Status != schedules.StatusDone {
		t.Fatalf("expected done, got %+v", first)
	}

	second, err := service.Acknowledge(ctx, dev, sched.ID, false, "late failure")
	if err != nil {
		t.Fatalf("second ack: %v", err)
	}
	if second.Updated {
		t.Fatalf("expected replay absorbed")
	}
	if second.Schedule.Status != schedules.StatusDone {
		t.Fatalf("expected first outcome preserved, got %s", second.Schedule.Status)
	}
}

func TestAcknowledgeFailureTruncatesError(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	service, dev := newTestService(t, now)
	ctx := context.Background()

	sched, err := service.Create(ctx, CreateRequest{
		Serial: "PI-0001", Action: "light_on", RunAt: now.Add(time.Minute),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	long := make([]byte, 600)
	for i := range long {
		long[i] = 'x'
	}
	outcome, err := service.Acknowledge(ctx, dev, sched.ID, false, string(long))
	if err != nil {
		t.Fatalf("ack: %v", err)
	}
	if outcome.Schedule.Status != schedules.StatusFailed {
		t.Fatalf("expected failed, got %s", outcome.Schedule.Status)
	}
	if len(outcome.Schedule.Error) != 500 {
		t.Fatalf("expected error truncated to 500, got %d", len(outcome.Schedule.Error))
	}
}

func TestAcknowledgeUnknownSchedule(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	service, dev := newTestService(t, now)

	_, err := service.Acknowledge(context.Background(), dev, "missing", true, "")
	if !errors.Is(err, schedules.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCancelRemovesFromFetch(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	service, dev := newTestService(t, now)
	ctx := context.Background()

	sched, err := service.Create(ctx, CreateRequest{
		Serial: "PI-0001", Action: "light_on", RunAt: now.Add(time.Minute),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	canceled, err := service.Cancel(ctx, sched.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if canceled.Status != schedules.StatusCanceled {
		t.Fatalf("expected canceled, got %s", canceled.Status)
	}

	items, err := service.FetchUpcoming(ctx, dev)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("expected no upcoming schedules, got %+v", items)
	}
}
