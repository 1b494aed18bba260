package application

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	commandsevents "homepi-cloud/internal/commands/application/events"
	commands "homepi-cloud/internal/commands/domain"
	devices "homepi-cloud/internal/devices/domain"
	"homepi-cloud/internal/observability/metrics"
)

const (
	defaultCommandTTL   = 30 * time.Second
	defaultPollInterval = 200 * time.Millisecond
	defaultClaimWait    = 20 * time.Second
	maxClaimWait        = 30 * time.Second
	reqIDAttempts       = 6
	defaultHistoryLimit = 100
)

// DeviceDirectory is the slice of the devices context the queue needs.
type DeviceDirectory interface {
	Lookup(ctx context.Context, serial string) (*devices.Device, error)
	ValidateCommand(ctx context.Context, deviceID, name string) error
	MergeState(ctx context.Context, dev *devices.Device, state map[string]map[string]any) error
}

// EventBus is the minimal publish interface consumed by the queue.
type EventBus interface {
	Publish(ctx context.Context, event any) error
}

// Clock provides time.
type Clock interface {
	Now() time.Time
}

// EnqueueRequest is an operator request to queue a command.
type EnqueueRequest struct {
	Serial  string          `json:"serial"`
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload,omitempty"`
	TTL     time.Duration   `json:"-"`
}

// Queue owns the command lifecycle: enqueue, long-poll claim, acknowledge
// and expiry sweeps.
type Queue struct {
	store        commands.Store
	devices      DeviceDirectory
	bus          EventBus
	clock        Clock
	defaultTTL   time.Duration
	pollInterval time.Duration
	defaultWait  time.Duration
	maxWait      time.Duration
}

// QueueOption customizes the queue.
type QueueOption func(*Queue)

// WithClock assigns a clock.
func WithClock(clock Clock) QueueOption {
	return func(q *Queue) { q.clock = clock }
}

// WithDefaultTTL overrides the command TTL applied when a request carries
// none.
func WithDefaultTTL(ttl time.Duration) QueueOption {
	return func(q *Queue) {
		if ttl > 0 {
			q.defaultTTL = ttl
		}
	}
}

// WithPollInterval overrides the claim re-check interval.
func WithPollInterval(interval time.Duration) QueueOption {
	return func(q *Queue) {
		if interval > 0 {
			q.pollInterval = interval
		}
	}
}

// NewQueue constructs the command queue.
func NewQueue(store commands.Store, directory DeviceDirectory, bus EventBus, opts ...QueueOption) (*Queue, error) {
	if store == nil {
		return nil, errors.New("commands: nil store")
	}
	if directory == nil {
		return nil, errors.New("commands: nil device directory")
	}
	q := &Queue{
		store:        store,
		devices:      directory,
		bus:          bus,
		clock:        systemClock{},
		defaultTTL:   defaultCommandTTL,
		pollInterval: defaultPollInterval,
		defaultWait:  defaultClaimWait,
		maxWait:      maxClaimWait,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q, nil
}

// Enqueue queues a pending command for a device. The request id is drawn
// from a 64-bit hex space and retried a few times on collision before the
// queue reports exhaustion.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (*commands.Command, error) {
	if req.Serial == "" {
		return nil, fmt.Errorf("%w: serial required", commands.ErrValidation)
	}
	if req.Name == "" {
		return nil, fmt.Errorf("%w: name required", commands.ErrValidation)
	}
	if len(req.Payload) > 0 && !json.Valid(req.Payload) {
		return nil, fmt.Errorf("%w: payload is not valid JSON", commands.ErrValidation)
	}
	dev, err := q.devices.Lookup(ctx, req.Serial)
	if err != nil {
		return nil, err
	}
	if err := q.devices.ValidateCommand(ctx, dev.ID, req.Name); err != nil {
		return nil, err
	}

	ttl := req.TTL
	if ttl <= 0 {
		ttl = q.defaultTTL
	}
	now := q.clock.Now().UTC()

	var cmd *commands.Command
	for attempt := 0; attempt < reqIDAttempts; attempt++ {
		reqID, err := newReqID()
		if err != nil {
			return nil, err
		}
		candidate := &commands.Command{
			ID:        uuid.NewString(),
			DeviceID:  dev.ID,
			ReqID:     reqID,
			Name:      req.Name,
			Payload:   req.Payload,
			Status:    commands.StatusPending,
			CreatedAt: now,
			ExpiresAt: now.Add(ttl),
		}
		err = q.store.Create(ctx, candidate)
		if err == nil {
			cmd = candidate
			break
		}
		if !errors.Is(err, commands.ErrDuplicateReqID) {
			return nil, err
		}
	}
	if cmd == nil {
		return nil, commands.ErrExhausted
	}
	metrics.IncCommandEnqueued()

	q.publish(ctx, commandsevents.CommandEnqueued{
		EventID:    uuid.NewString(),
		CommandID:  cmd.ID,
		DeviceID:   dev.ID,
		Serial:     dev.Serial,
		ReqID:      cmd.ReqID,
		Name:       cmd.Name,
		Payload:    cmd.Payload,
		ExpiresAt:  cmd.ExpiresAt,
		OccurredAt: now,
	})
	return cmd, nil
}

// Claim long-polls for the oldest live pending command. Each pass first
// sweeps lapsed pending commands to expired, then attempts an atomic
// take. Returns nil, nil when the wait lapses with an empty queue.
func (q *Queue) Claim(ctx context.Context, dev *devices.Device, maxWait time.Duration) (*commands.Command, error) {
	if dev == nil {
		return nil, errors.New("commands: nil device")
	}
	if maxWait <= 0 {
		maxWait = q.defaultWait
	}
	if maxWait > q.maxWait {
		maxWait = q.maxWait
	}
	start := q.clock.Now()
	deadline := start.Add(maxWait)

	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()

	for {
		now := q.clock.Now().UTC()
		expired, err := q.store.ExpirePending(ctx, dev.ID, now)
		if err != nil {
			return nil, err
		}
		if expired > 0 {
			metrics.AddCommandExpirations(expired)
			q.publish(ctx, commandsevents.CommandExpired{
				EventID:    uuid.NewString(),
				DeviceID:   dev.ID,
				Count:      expired,
				OccurredAt: now,
			})
		}

		cmd, err := q.store.ClaimOldest(ctx, dev.ID, now)
		if err != nil {
			return nil, err
		}
		if cmd != nil {
			metrics.ObserveClaim(true, q.clock.Now().Sub(start))
			return cmd, nil
		}
		if !q.clock.Now().Before(deadline) {
			metrics.ObserveClaim(false, q.clock.Now().Sub(start))
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Acknowledge records a terminal status for a claimed command. Replays of
// an ack land on an already-terminal command and are absorbed without a
// second transition; the first writer wins.
func (q *Queue) Acknowledge(ctx context.Context, dev *devices.Device, reqID, status, result string, state map[string]map[string]any) (*commands.AckOutcome, error) {
	if dev == nil {
		return nil, errors.New("commands: nil device")
	}
	if reqID == "" {
		return nil, fmt.Errorf("%w: req_id required", commands.ErrValidation)
	}
	if !commands.ValidAckStatus(status) {
		return nil, fmt.Errorf("%w: status must be done or failed", commands.ErrValidation)
	}
	now := q.clock.Now().UTC()
	outcome, err := q.store.Finalize(ctx, dev.ID, reqID, status, result, now)
	if err != nil {
		return nil, err
	}
	if outcome.Updated {
		metrics.IncCommandResult(status)
		q.publish(ctx, commandsevents.CommandCompleted{
			EventID:    uuid.NewString(),
			CommandID:  outcome.Command.ID,
			DeviceID:   dev.ID,
			Serial:     dev.Serial,
			ReqID:      reqID,
			Name:       outcome.Command.Name,
			Status:     status,
			Result:     result,
			OccurredAt: now,
		})
	}
	if len(state) > 0 {
		if err := q.devices.MergeState(ctx, dev, state); err != nil {
			return nil, err
		}
	}
	return outcome, nil
}

// ExpireStale sweeps lapsed pending commands across all devices. The
// background reaper calls this so queues stay clean for devices that
// never poll.
func (q *Queue) ExpireStale(ctx context.Context) (int, error) {
	count, err := q.store.ExpirePending(ctx, "", q.clock.Now().UTC())
	if err != nil {
		return count, err
	}
	metrics.AddCommandExpirations(count)
	return count, nil
}

// History lists a device's commands newest first.
func (q *Queue) History(ctx context.Context, serial string, limit int) ([]commands.Command, error) {
	dev, err := q.devices.Lookup(ctx, serial)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	return q.store.ListByDevice(ctx, dev.ID, limit)
}

// HasLivePending reports whether a device has an unexpired pending command.
func (q *Queue) HasLivePending(ctx context.Context, deviceID string) (bool, error) {
	return q.store.HasLivePending(ctx, deviceID, q.clock.Now().UTC())
}

func (q *Queue) publish(ctx context.Context, event any) {
	if q.bus == nil {
		return
	}
	_ = q.bus.Publish(ctx, event)
}

func newReqID() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("commands: generate req_id: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }
