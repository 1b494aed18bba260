package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	schedules "homepi-cloud/internal/schedules/domain"
)

// ScheduleRepository is an in-memory schedules.Store for tests and demos.
type ScheduleRepository struct {
	mu     sync.Mutex
	scheds []*schedules.Schedule
}

// NewScheduleRepository constructs an empty repository.
func NewScheduleRepository() *ScheduleRepository {
	return &ScheduleRepository{}
}

// Create inserts a pending schedule.
func (r *ScheduleRepository) Create(_ context.Context, sched *schedules.Schedule) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := *sched
	r.scheds = append(r.scheds, &clone)
	return nil
}

// GetByID fetches a schedule.
func (r *ScheduleRepository) GetByID(_ context.Context, id string) (*schedules.Schedule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sched := range r.scheds {
		if sched.ID == id {
			clone := *sched
			return &clone, nil
		}
	}
	return nil, schedules.ErrNotFound
}

// ListUpcoming returns pending schedules inside the drift grace window.
func (r *ScheduleRepository) ListUpcoming(_ context.Context, deviceID string, since time.Time, limit int) ([]schedules.Schedule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if limit <= 0 || limit > schedules.MaxFetchBatch {
		limit = schedules.MaxFetchBatch
	}
	var result []schedules.Schedule
	for _, sched := range r.scheds {
		if sched.DeviceID != deviceID || sched.Status != schedules.StatusPending {
			continue
		}
		if sched.RunAt.Before(since) {
			continue
		}
		result = append(result, *sched)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].RunAt.Before(result[j].RunAt) })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// ListByDevice lists schedules newest first.
func (r *ScheduleRepository) ListByDevice(_ context.Context, deviceID string, limit int) ([]schedules.Schedule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if limit <= 0 {
		limit = schedules.MaxFetchBatch
	}
	var result []schedules.Schedule
	for _, sched := range r.scheds {
		if sched.DeviceID == deviceID {
			result = append(result, *sched)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].RunAt.After(result[j].RunAt) })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// Resolve records a device-reported outcome, idempotently.
func (r *ScheduleRepository) Resolve(_ context.Context, deviceID, id, status, errMsg string, at time.Time) (*schedules.AckOutcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sched := range r.scheds {
		if sched.ID != id || sched.DeviceID != deviceID {
			continue
		}
		if sched.Status != schedules.StatusPending {
			clone := *sched
			return &schedules.AckOutcome{Schedule: &clone, Updated: false}, nil
		}
		sched.Status = status
		sched.Error = errMsg
		sched.DoneAt = at
		clone := *sched
		return &schedules.AckOutcome{Schedule: &clone, Updated: true}, nil
	}
	return nil, schedules.ErrNotFound
}

// Cancel moves a pending schedule to canceled.
func (r *ScheduleRepository) Cancel(_ context.Context, id string, at time.Time) (*schedules.Schedule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sched := range r.scheds {
		if sched.ID != id || sched.Status != schedules.StatusPending {
			continue
		}
		sched.Status = schedules.StatusCanceled
		sched.DoneAt = at
		clone := *sched
		return &clone, nil
	}
	return nil, schedules.ErrNotFound
}
