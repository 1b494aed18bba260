package scheduler

import (
	"container/heap"
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"
)

const defaultIdleWait = 30 * time.Second

// Job is a timed action held locally until due.
type Job struct {
	ID      string
	Action  string
	Payload json.RawMessage
	RunAt   time.Time
}

// FetchFunc pulls the upcoming jobs from the control plane.
type FetchFunc func(ctx context.Context) ([]Job, error)

// ExecuteFunc runs one due job.
type ExecuteFunc func(ctx context.Context, job Job) error

// ReportFunc acknowledges a job outcome upstream.
type ReportFunc func(ctx context.Context, jobID string, ok bool, errMsg string) error

// LocalScheduler holds fetched jobs in a time-ordered heap and executes
// each one when due, independent of the polling cadence. Refresh merges
// idempotently: a job id already known is never enqueued twice.
type LocalScheduler struct {
	mu    sync.Mutex
	jobs  jobHeap
	known map[string]struct{}

	fetch   FetchFunc
	execute ExecuteFunc
	report  ReportFunc
	logger  *log.Logger

	idleWait time.Duration
	wake     chan struct{}
	stop     chan struct{}
	done     chan struct{}
	started  bool
}

// Option customizes the scheduler.
type Option func(*LocalScheduler)

// WithIdleWait bounds the sleep when the heap is empty.
func WithIdleWait(wait time.Duration) Option {
	return func(s *LocalScheduler) {
		if wait > 0 {
			s.idleWait = wait
		}
	}
}

// New constructs a scheduler.
func New(fetch FetchFunc, execute ExecuteFunc, report ReportFunc, logger *log.Logger, opts ...Option) (*LocalScheduler, error) {
	if fetch == nil {
		return nil, errors.New("scheduler: nil fetch")
	}
	if execute == nil {
		return nil, errors.New("scheduler: nil execute")
	}
	if logger == nil {
		logger = log.Default()
	}
	s := &LocalScheduler{
		known:    make(map[string]struct{}),
		fetch:    fetch,
		execute:  execute,
		report:   report,
		logger:   logger,
		idleWait: defaultIdleWait,
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Refresh fetches upcoming jobs and merges the unknown ones into the
// heap, waking the run loop when anything new landed.
func (s *LocalScheduler) Refresh(ctx context.Context) error {
	jobs, err := s.fetch(ctx)
	if err != nil {
		return err
	}
	inserted := 0
	s.mu.Lock()
	for _, job := range jobs {
		if job.ID == "" {
			continue
		}
		if _, ok := s.known[job.ID]; ok {
			continue
		}
		s.known[job.ID] = struct{}{}
		heap.Push(&s.jobs, job)
		inserted++
	}
	s.mu.Unlock()

	if inserted > 0 {
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}
	return nil
}

// Pending reports how many jobs wait in the heap.
func (s *LocalScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs.Len()
}

// Start launches the run loop. Calling it twice is a no-op, and a
// stopped scheduler may be started again.
func (s *LocalScheduler) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	stop, done := s.stop, s.done
	s.mu.Unlock()
	go s.run(stop, done)
}

// Stop signals the loop and waits for it to exit. Extra calls are no-ops.
func (s *LocalScheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	stop, done := s.stop, s.done
	s.mu.Unlock()
	close(stop)
	<-done
}

func (s *LocalScheduler) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		default:
		}

		job, wait := s.next(time.Now().UTC())
		if job != nil {
			s.runJob(*job)
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-stop:
			timer.Stop()
			return
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// next pops a due job, or returns how long to sleep before the earliest
// one comes due.
func (s *LocalScheduler) next(now time.Time) (*Job, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.jobs.Len() == 0 {
		return nil, s.idleWait
	}
	top := s.jobs[0]
	if top.RunAt.After(now) {
		return nil, top.RunAt.Sub(now)
	}
	job := heap.Pop(&s.jobs).(Job)
	return &job, 0
}

func (s *LocalScheduler) runJob(job Job) {
	ctx := context.Background()
	err := s.execute(ctx, job)
	if err != nil {
		s.logger.Printf("scheduler: job %s (%s) failed: %v", job.ID, job.Action, err)
	}
	if s.report == nil {
		return
	}
	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}
	if ackErr := s.report(ctx, job.ID, err == nil, errMsg); ackErr != nil {
		// Best effort: the control plane tolerates a replayed ack later.
		s.logger.Printf("scheduler: ack for job %s failed: %v", job.ID, ackErr)
	}
}

type jobHeap []Job

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if h[i].RunAt.Equal(h[j].RunAt) {
		return h[i].ID < h[j].ID
	}
	return h[i].RunAt.Before(h[j].RunAt)
}

func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *jobHeap) Push(x any) { *h = append(*h, x.(Job)) }

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	job := old[n-1]
	*h = old[:n-1]
	return job
}
