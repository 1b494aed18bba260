package schedules

import (
	"context"
	"time"
)

// AckOutcome describes what Resolve did.
type AckOutcome struct {
	Schedule *Schedule
	// Updated is false when the schedule was already resolved and the
	// acknowledge was absorbed.
	Updated bool
}

// Store persists device schedules.
type Store interface {
	Create(ctx context.Context, sched *Schedule) error
	GetByID(ctx context.Context, id string) (*Schedule, error)
	// ListUpcoming returns pending schedules with run_at >= since,
	// ordered by run_at, at most limit rows.
	ListUpcoming(ctx context.Context, deviceID string, since time.Time, limit int) ([]Schedule, error)
	ListByDevice(ctx context.Context, deviceID string, limit int) ([]Schedule, error)
	// Resolve records a device-reported outcome. Already-resolved
	// schedules are returned unchanged with Updated=false.
	Resolve(ctx context.Context, deviceID, id, status, errMsg string, at time.Time) (*AckOutcome, error)
	// Cancel moves a pending schedule to canceled.
	Cancel(ctx context.Context, id string, at time.Time) (*Schedule, error)
}
