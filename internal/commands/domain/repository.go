package commands

import (
	"context"
	"time"
)

// AckOutcome describes what Finalize did.
type AckOutcome struct {
	Command *Command
	// Updated is false when the command was already terminal and the
	// acknowledge was absorbed without changing anything.
	Updated bool
}

// Store persists queued commands.
type Store interface {
	// Create inserts a pending command. Returns ErrDuplicateReqID when the
	// (device, req_id) pair already exists.
	Create(ctx context.Context, cmd *Command) error
	// ExpirePending moves lapsed pending commands for one device to
	// expired, returning how many moved. A zero deviceID sweeps all
	// devices.
	ExpirePending(ctx context.Context, deviceID string, now time.Time) (int, error)
	// ClaimOldest atomically takes the oldest live pending command for the
	// device. Returns nil, nil when the queue is empty. Concurrent callers
	// never receive the same command.
	ClaimOldest(ctx context.Context, deviceID string, now time.Time) (*Command, error)
	// Finalize records an agent-reported terminal status. Already-terminal
	// commands are returned unchanged with Updated=false.
	Finalize(ctx context.Context, deviceID, reqID, status, result string, at time.Time) (*AckOutcome, error)
	GetByReqID(ctx context.Context, deviceID, reqID string) (*Command, error)
	ListByDevice(ctx context.Context, deviceID string, limit int) ([]Command, error)
	// HasLivePending reports whether any unexpired pending command exists.
	HasLivePending(ctx context.Context, deviceID string, now time.Time) (bool, error)
}
