package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	commands "homepi-cloud/internal/commands/domain"
)

const pgUniqueViolation = "23505"

// CommandRepository is the Postgres commands.Store.
type CommandRepository struct {
	db *sql.DB
}

// NewCommandRepository constructs a repository.
func NewCommandRepository(db *sql.DB) (*CommandRepository, error) {
	if db == nil {
		return nil, errors.New("command repo: nil db")
	}
	return &CommandRepository{db: db}, nil
}

// Create inserts a pending command.
func (r *CommandRepository) Create(ctx context.Context, cmd *commands.Command) error {
	if cmd == nil {
		return errors.New("command repo: nil command")
	}
	payload := cmd.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	if !json.Valid(payload) {
		return errors.New("command repo: invalid payload")
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO commands (
	id, device_id, req_id, name, payload, status, created_at, expires_at
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8
)`, cmd.ID, cmd.DeviceID, cmd.ReqID, cmd.Name, payload, cmd.Status, cmd.CreatedAt, cmd.ExpiresAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return commands.ErrDuplicateReqID
		}
		return err
	}
	return nil
}

// ExpirePending sweeps lapsed pending commands into expired.
func (r *CommandRepository) ExpirePending(ctx context.Context, deviceID string, now time.Time) (int, error) {
	query := `
UPDATE commands
SET status = $1, finished_at = $2
WHERE status = $3 AND expires_at <= $2`
	args := []any{commands.StatusExpired, now, commands.StatusPending}
	if deviceID != "" {
		query += ` AND device_id = $4`
		args = append(args, deviceID)
	}
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	count, _ := result.RowsAffected()
	return int(count), nil
}

// ClaimOldest takes the oldest live pending command for a device. The
// SKIP LOCKED subselect keeps concurrent claims from racing on one row.
func (r *CommandRepository) ClaimOldest(ctx context.Context, deviceID string, now time.Time) (*commands.Command, error) {
	row := r.db.QueryRowContext(ctx, `
UPDATE commands
SET status = $1, taken_at = $2
WHERE id = (
	SELECT id FROM commands
	WHERE device_id = $3 AND status = $4 AND expires_at > $2
	ORDER BY created_at
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)
RETURNING id, device_id, req_id, name, payload, status, result, created_at, expires_at, taken_at, finished_at`,
		commands.StatusTaken, now, deviceID, commands.StatusPending)

	cmd, err := scanCommand(row)
	if errors.Is(err, commands.ErrNotFound) {
		return nil, nil
	}
	return cmd, err
}

// Finalize records an agent-reported terminal status. Terminal commands
// are left untouched so retried acknowledgements stay idempotent.
func (r *CommandRepository) Finalize(ctx context.Context, deviceID, reqID, status, result string, at time.Time) (*commands.AckOutcome, error) {
	row := r.db.QueryRowContext(ctx, `
UPDATE commands
SET status = $1, result = $2, finished_at = $3
WHERE device_id = $4 AND req_id = $5 AND status NOT IN ($6, $7, $8)
RETURNING id, device_id, req_id, name, payload, status, result, created_at, expires_at, taken_at, finished_at`,
		status, result, at, deviceID, reqID,
		commands.StatusDone, commands.StatusFailed, commands.StatusExpired)

	cmd, err := scanCommand(row)
	if err == nil {
		return &commands.AckOutcome{Command: cmd, Updated: true}, nil
	}
	if !errors.Is(err, commands.ErrNotFound) {
		return nil, err
	}
	existing, err := r.GetByReqID(ctx, deviceID, reqID)
	if err != nil {
		return nil, err
	}
	return &commands.AckOutcome{Command: existing, Updated: false}, nil
}

// GetByReqID fetches a command by its device-scoped request id.
func (r *CommandRepository) GetByReqID(ctx context.Context, deviceID, reqID string) (*commands.Command, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id, device_id, req_id, name, payload, status, result, created_at, expires_at, taken_at, finished_at
FROM commands
WHERE device_id = $1 AND req_id = $2
LIMIT 1`, deviceID, reqID)
	return scanCommand(row)
}

// ListByDevice lists commands newest first.
func (r *CommandRepository) ListByDevice(ctx context.Context, deviceID string, limit int) ([]commands.Command, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT id, device_id, req_id, name, payload, status, result, created_at, expires_at, taken_at, finished_at
FROM commands
WHERE device_id = $1
ORDER BY created_at DESC
LIMIT $2`, deviceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []commands.Command
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *cmd)
	}
	return result, rows.Err()
}

// HasLivePending reports whether an unexpired pending command exists.
func (r *CommandRepository) HasLivePending(ctx context.Context, deviceID string, now time.Time) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
SELECT EXISTS (
	SELECT 1 FROM commands
	WHERE device_id = $1 AND status = $2 AND expires_at > $3
)`, deviceID, commands.StatusPending, now).Scan(&exists)
	return exists, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCommand(row rowScanner) (*commands.Command, error) {
	var (
		cmd        commands.Command
		payload    []byte
		result     sql.NullString
		takenAt    sql.NullTime
		finishedAt sql.NullTime
	)
	err := row.Scan(&cmd.ID, &cmd.DeviceID, &cmd.ReqID, &cmd.Name, &payload, &cmd.Status,
		&result, &cmd.CreatedAt, &cmd.ExpiresAt, &takenAt, &finishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, commands.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	cmd.Payload = payload
	if result.Valid {
		cmd.Result = result.String
	}
	if takenAt.Valid {
		cmd.TakenAt = takenAt.Time
	}
	if finishedAt.Valid {
		cmd.FinishedAt = finishedAt.Time
	}
	return &cmd, nil
}
