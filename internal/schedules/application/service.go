package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	devices "homepi-cloud/internal/devices/domain"
	"homepi-cloud/internal/observability/metrics"
	schedulesevents "homepi-cloud/internal/schedules/application/events"
	schedules "homepi-cloud/internal/schedules/domain"
)

const maxErrorLength = 500

// DeviceDirectory resolves serials for operator requests.
type DeviceDirectory interface {
	Lookup(ctx context.Context, serial string) (*devices.Device, error)
}

// EventBus is the minimal publish interface consumed by the service.
type EventBus interface {
	Publish(ctx context.Context, event any) error
}

// Clock provides time.
type Clock interface {
	Now() time.Time
}

// CreateRequest is an operator request for a timed action.
type CreateRequest struct {
	Serial  string          `json:"serial"`
	Action  string          `json:"action"`
	Payload json.RawMessage `json:"payload,omitempty"`
	RunAt   time.Time       `json:"run_at"`
}

// Service owns the schedule lifecycle: create, device fetch, acknowledge
// and operator cancel.
type Service struct {
	store   schedules.Store
	devices DeviceDirectory
	bus     EventBus
	clock   Clock
}

// ServiceOption customizes the service.
type ServiceOption func(*Service)

// WithClock assigns a clock.
func WithClock(clock Clock) ServiceOption {
	return func(s *Service) { s.clock = clock }
}

// NewService constructs the schedule service.
func NewService(store schedules.Store, directory DeviceDirectory, bus EventBus, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("schedules: nil store")
	}
	if directory == nil {
		return nil, errors.New("schedules: nil device directory")
	}
	s := &Service{
		store:   store,
		devices: directory,
		bus:     bus,
		clock:   systemClock{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Create queues a timed action for a device.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*schedules.Schedule, error) {
	if req.Serial == "" {
		return nil, fmt.Errorf("%w: serial required", schedules.ErrValidation)
	}
	if req.Action == "" {
		return nil, fmt.Errorf("%w: action required", schedules.ErrValidation)
	}
	if req.RunAt.IsZero() {
		return nil, fmt.Errorf("%w: run_at required", schedules.ErrValidation)
	}
	if len(req.Payload) > 0 && !json.Valid(req.Payload) {
		return nil, fmt.Errorf("%w: payload is not valid JSON", schedules.ErrValidation)
	}
	dev, err := s.devices.Lookup(ctx, req.Serial)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now().UTC()
	if req.RunAt.Before(now.Add(-schedules.FetchGrace)) {
		return nil, fmt.Errorf("%w: run_at is in the past", schedules.ErrValidation)
	}

	sched := &schedules.Schedule{
		ID:        uuid.NewString(),
		DeviceID:  dev.ID,
		Action:    req.Action,
		Payload:   req.Payload,
		RunAt:     req.RunAt.UTC(),
		Status:    schedules.StatusPending,
		CreatedAt: now,
	}
	if err := s.store.Create(ctx, sched); err != nil {
		return nil, err
	}
	s.publish(ctx, schedulesevents.ScheduleCreated{
		EventID:    uuid.NewString(),
		ScheduleID: sched.ID,
		DeviceID:   dev.ID,
		Serial:     dev.Serial,
		Action:     sched.Action,
		Payload:    sched.Payload,
		RunAt:      sched.RunAt,
		OccurredAt: now,
	})
	return sched, nil
}

// FetchUpcoming returns a device's pending schedules, tolerating run_at
// values up to the grace window in the past so a drifted agent clock
// still sees its work.
func (s *Service) FetchUpcoming(ctx context.Context, dev *devices.Device) ([]schedules.Schedule, error) {
	if dev == nil {
		return nil, errors.New("schedules: nil device")
	}
	since := s.clock.Now().UTC().Add(-schedules.FetchGrace)
	items, err := s.store.ListUpcoming(ctx, dev.ID, since, schedules.MaxFetchBatch)
	if err != nil {
		metrics.IncScheduleFetch(metrics.ResultError)
		return nil, err
	}
	metrics.IncScheduleFetch(metrics.ResultSuccess)
	return items, nil
}

// Acknowledge records a device-reported schedule outcome. Replays land on
// a resolved schedule and are absorbed.
func (s *Service) Acknowledge(ctx context.Context, dev *devices.Device, scheduleID string, ok bool, errMsg string) (*schedules.AckOutcome, error) {
	if dev == nil {
		return nil, errors.New("schedules: nil device")
	}
	if scheduleID == "" {
		return nil, fmt.Errorf("%w: schedule_id required", schedules.ErrValidation)
	}
	status := schedules.StatusDone
	if !ok {
		status = schedules.StatusFailed
	}
	if ok {
		errMsg = ""
	} else if len(errMsg) > maxErrorLength {
		errMsg = errMsg[:maxErrorLength]
	}
	now := s.clock.Now().UTC()
	outcome, err := s.store.Resolve(ctx, dev.ID, scheduleID, status, errMsg, now)
	if err != nil {
		return nil, err
	}
	if outcome.Updated {
		metrics.IncScheduleAck(status)
		s.publish(ctx, schedulesevents.ScheduleResolved{
			EventID:    uuid.NewString(),
			ScheduleID: scheduleID,
			DeviceID:   dev.ID,
			Serial:     dev.Serial,
			Action:     outcome.Schedule.Action,
			Status:     status,
			Error:      errMsg,
			OccurredAt: now,
		})
	}
	return outcome, nil
}

// Cancel revokes a pending schedule.
func (s *Service) Cancel(ctx context.Context, scheduleID string) (*schedules.Schedule, error) {
	if scheduleID == "" {
		return nil, fmt.Errorf("%w: schedule_id required", schedules.ErrValidation)
	}
	return s.store.Cancel(ctx, scheduleID, s.clock.Now().UTC())
}

// History lists a device's schedules newest first.
func (s *Service) History(ctx context.Context, serial string, limit int) ([]schedules.Schedule, error) {
	dev, err := s.devices.Lookup(ctx, serial)
	if err != nil {
		return nil, err
	}
	return s.store.ListByDevice(ctx, dev.ID, limit)
}

func (s *Service) publish(ctx context.Context, event any) {
	if s.bus == nil {
		return
	}
	_ = s.bus.Publish(ctx, event)
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }
