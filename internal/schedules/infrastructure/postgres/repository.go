package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	schedules "homepi-cloud/internal/schedules/domain"
)

// ScheduleRepository is the Postgres schedules.Store.
type ScheduleRepository struct {
	db *sql.DB
}

// NewScheduleRepository constructs a repository.
func NewScheduleRepository(db *sql.DB) (*ScheduleRepository, error) {
	if db == nil {
		return nil, errors.New("schedule repo: nil db")
	}
	return &ScheduleRepository{db: db}, nil
}

// Create inserts a pending schedule.
func (r *ScheduleRepository) Create(ctx context.Context, sched *schedules.Schedule) error {
	if sched == nil {
		return errors.New("schedule repo: nil schedule")
	}
	payload := sched.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	if !json.Valid(payload) {
		return errors.New("schedule repo: invalid payload")
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO schedules (
	id, device_id, action, payload, run_at, status, created_at
) VALUES (
	$1, $2, $3, $4, $5, $6, $7
)`, sched.ID, sched.DeviceID, sched.Action, payload, sched.RunAt, sched.Status, sched.CreatedAt)
	return err
}

// GetByID fetches a schedule.
func (r *ScheduleRepository) GetByID(ctx context.Context, id string) (*schedules.Schedule, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id, device_id, action, payload, run_at, status, error, created_at, done_at
FROM schedules
WHERE id = $1
LIMIT 1`, id)
	return scanSchedule(row)
}

// ListUpcoming returns pending schedules inside the drift grace window.
func (r *ScheduleRepository) ListUpcoming(ctx context.Context, deviceID string, since time.Time, limit int) ([]schedules.Schedule, error) {
	if limit <= 0 || limit > schedules.MaxFetchBatch {
		limit = schedules.MaxFetchBatch
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT id, device_id, action, payload, run_at, status, error, created_at, done_at
FROM schedules
WHERE device_id = $1 AND status = $2 AND run_at >= $3
ORDER BY run_at
LIMIT $4`, deviceID, schedules.StatusPending, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collect(rows)
}

// ListByDevice lists schedules newest first.
func (r *ScheduleRepository) ListByDevice(ctx context.Context, deviceID string, limit int) ([]schedules.Schedule, error) {
	if limit <= 0 {
		limit = schedules.MaxFetchBatch
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT id, device_id, action, payload, run_at, status, error, created_at, done_at
FROM schedules
WHERE device_id = $1
ORDER BY run_at DESC
LIMIT $2`, deviceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collect(rows)
}

// Resolve records a device-reported outcome, idempotently.
func (r *ScheduleRepository) Resolve(ctx context.Context, deviceID, id, status, errMsg string, at time.Time) (*schedules.AckOutcome, error) {
	row := r.db.QueryRowContext(ctx, `
UPDATE schedules
SET status = $1, error = $2, done_at = $3
WHERE id = $4 AND device_id = $5 AND status = $6
RETURNING id, device_id, action, payload, run_at, status, error, created_at, done_at`,
		status, errMsg, at, id, deviceID, schedules.StatusPending)

	sched, err := scanSchedule(row)
	if err == nil {
		return &schedules.AckOutcome{Schedule: sched, Updated: true}, nil
	}
	if !errors.Is(err, schedules.ErrNotFound) {
		return nil, err
	}
	existing, err := r.getForDevice(ctx, deviceID, id)
	if err != nil {
		return nil, err
	}
	return &schedules.AckOutcome{Schedule: existing, Updated: false}, nil
}

// Cancel moves a pending schedule to canceled.
func (r *ScheduleRepository) Cancel(ctx context.Context, id string, at time.Time) (*schedules.Schedule, error) {
	row := r.db.QueryRowContext(ctx, `
UPDATE schedules
SET status = $1, done_at = $2
WHERE id = $3 AND status = $4
RETURNING id, device_id, action, payload, run_at, status, error, created_at, done_at`,
		schedules.StatusCanceled, at, id, schedules.StatusPending)
	return scanSchedule(row)
}

func (r *ScheduleRepository) getForDevice(ctx context.Context, deviceID, id string) (*schedules.Schedule, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id, device_id, action, payload, run_at, status, error, created_at, done_at
FROM schedules
WHERE id = $1 AND device_id = $2
LIMIT 1`, id, deviceID)
	return scanSchedule(row)
}

func collect(rows *sql.Rows) ([]schedules.Schedule, error) {
	var result []schedules.Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *sched)
	}
	return result, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSchedule(row rowScanner) (*schedules.Schedule, error) {
	var (
		sched   schedules.Schedule
		payload []byte
		errMsg  sql.NullString
		doneAt  sql.NullTime
	)
	err := row.Scan(&sched.ID, &sched.DeviceID, &sched.Action, &payload, &sched.RunAt,
		&sched.Status, &errMsg, &sched.CreatedAt, &doneAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, schedules.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	sched.Payload = payload
	if errMsg.Valid {
		sched.Error = errMsg.String
	}
	if doneAt.Valid {
		sched.DoneAt = doneAt.Time
	}
	return &sched, nil
}
