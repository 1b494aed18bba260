package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	commands "homepi-cloud/internal/commands/domain"
)

// CommandRepository is an in-memory commands.Store for tests and demos.
type CommandRepository struct {
	mu   sync.Mutex
	cmds []*commands.Command
}

// NewCommandRepository constructs an empty repository.
func NewCommandRepository() *CommandRepository {
	return &CommandRepository{}
}

// Create inserts a pending command.
func (r *CommandRepository) Create(_ context.Context, cmd *commands.Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.cmds {
		if existing.DeviceID == cmd.DeviceID && existing.ReqID == cmd.ReqID {
			return commands.ErrDuplicateReqID
		}
	}
	clone := *cmd
	r.cmds = append(r.cmds, &clone)
	return nil
}

// ExpirePending sweeps lapsed pending commands into expired.
func (r *CommandRepository) ExpirePending(_ context.Context, deviceID string, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, cmd := range r.cmds {
		if deviceID != "" && cmd.DeviceID != deviceID {
			continue
		}
		if cmd.Status == commands.StatusPending && !cmd.ExpiresAt.After(now) {
			cmd.Status = commands.StatusExpired
			cmd.FinishedAt = now
			count++
		}
	}
	return count, nil
}

// ClaimOldest takes the oldest live pending command for a device.
func (r *CommandRepository) ClaimOldest(_ context.Context, deviceID string, now time.Time) (*commands.Command, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var oldest *commands.Command
	for _, cmd := range r.cmds {
		if cmd.DeviceID != deviceID || cmd.Status != commands.StatusPending {
			continue
		}
		if !cmd.ExpiresAt.After(now) {
			continue
		}
		if oldest == nil || cmd.CreatedAt.Before(oldest.CreatedAt) {
			oldest = cmd
		}
	}
	if oldest == nil {
		return nil, nil
	}
	oldest.Status = commands.StatusTaken
	oldest.TakenAt = now
	clone := *oldest
	return &clone, nil
}

// Finalize records an agent-reported terminal status, idempotently.
func (r *CommandRepository) Finalize(_ context.Context, deviceID, reqID, status, result string, at time.Time) (*commands.AckOutcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cmd := range r.cmds {
		if cmd.DeviceID != deviceID || cmd.ReqID != reqID {
			continue
		}
		if commands.Terminal(cmd.Status) {
			clone := *cmd
			return &commands.AckOutcome{Command: &clone, Updated: false}, nil
		}
		cmd.Status = status
		cmd.Result = result
		cmd.FinishedAt = at
		clone := *cmd
		return &commands.AckOutcome{Command: &clone, Updated: true}, nil
	}
	return nil, commands.ErrNotFound
}

// GetByReqID fetches a command by its device-scoped request id.
func (r *CommandRepository) GetByReqID(_ context.Context, deviceID, reqID string) (*commands.Command, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cmd := range r.cmds {
		if cmd.DeviceID == deviceID && cmd.ReqID == reqID {
			clone := *cmd
			return &clone, nil
		}
	}
	return nil, commands.ErrNotFound
}

// ListByDevice lists commands newest first.
func (r *CommandRepository) ListByDevice(_ context.Context, deviceID string, limit int) ([]commands.Command, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	var result []commands.Command
	for _, cmd := range r.cmds {
		if cmd.DeviceID == deviceID {
			result = append(result, *cmd)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// HasLivePending reports whether an unexpired pending command exists.
func (r *CommandRepository) HasLivePending(_ context.Context, deviceID string, now time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cmd := range r.cmds {
		if cmd.DeviceID == deviceID && cmd.Status == commands.StatusPending && cmd.ExpiresAt.After(now) {
			return true, nil
		}
	}
	return false, nil
}
