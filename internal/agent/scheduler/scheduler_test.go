package scheduler

import (
	"context"
	"log"
	"os"
	"sync"
	"testing"
	"time"
)

type recorder struct {
	mu    sync.Mutex
	order []string
	times map[string]time.Time
	acks  map[string]bool
}

func newRecorder() *recorder {
	return &recorder{times: make(map[string]time.Time), acks: make(map[string]bool)}
}

func (r *recorder) execute(_ context.Context, job Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order = append(r.order, job.ID)
	r.times[job.ID] = time.Now().UTC()
	return nil
}

func (r *recorder) report(_ context.Context, jobID string, ok bool, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.acks[jobID] = ok
	return nil
}

func (r *recorder) executed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

func staticFetch(jobs ...Job) FetchFunc {
	return func(context.Context) ([]Job, error) {
		return jobs, nil
	}
}

func testLogger() *log.Logger {
	return log.New(os.Stderr, "", 0)
}

func TestRunsJobsInOrder(t *testing.T) {
	now := time.Now().UTC()
	rec := newRecorder()
	sched, err := New(staticFetch(
		Job{ID: "job-3", Action: "light_off", RunAt: now.Add(90 * time.Millisecond)},
		Job{ID: "job-1", Action: "light_on", RunAt: now.Add(10 * time.Millisecond)},
		Job{ID: "job-2", Action: "light_toggle", RunAt: now.Add(50 * time.Millisecond)},
	), rec.execute, rec.report, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := sched.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	sched.Start()
	defer sched.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for len(rec.executed()) < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("jobs not executed: %v", rec.executed())
		}
		time.Sleep(5 * time.Millisecond)
	}
	got := rec.executed()
	want := []string{"job-1", "job-2", "job-3"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, got)
		}
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	for _, id := range want {
		if !rec.acks[id] {
			t.Fatalf("expected ok ack for %s", id)
		}
	}
}

func TestNeverRunsEarly(t *testing.T) {
	now := time.Now().UTC()
	runAt := now.Add(80 * time.Millisecond)
	rec := newRecorder()
	sched, err := New(staticFetch(
		Job{ID: "job-1", Action: "light_on", RunAt: runAt},
	), rec.execute, rec.report, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := sched.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	sched.Start()
	defer sched.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for len(rec.executed()) < 1 {
		if time.Now().After(deadline) {
			t.Fatalf("job never executed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	rec.mu.Lock()
	executedAt := rec.times["job-1"]
	rec.mu.Unlock()
	if executedAt.Before(runAt) {
		t.Fatalf("job ran %v before its run_at", runAt.Sub(executedAt))
	}
}

func TestRefreshDedup(t *testing.T) {
	now := time.Now().UTC()
	rec := newRecorder()
	sched, err := New(staticFetch(
		Job{ID: "job-1", Action: "light_on", RunAt: now.Add(time.Hour)},
		Job{ID: "job-2", Action: "light_off", RunAt: now.Add(2 * time.Hour)},
	), rec.execute, rec.report, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := sched.Refresh(context.Background()); err != nil {
			t.Fatalf("Refresh %d: %v", i, err)
		}
	}
	if got := sched.Pending(); got != 2 {
		t.Fatalf("expected 2 pending jobs after repeated refresh, got %d", got)
	}
}

func TestWakeOnInsert(t *testing.T) {
	rec := newRecorder()
	jobs := make(chan Job, 1)
	fetch := func(context.Context) ([]Job, error) {
		select {
		case job := <-jobs:
			return []Job{job}, nil
		default:
			return nil, nil
		}
	}
	sched, err := New(fetch, rec.execute, rec.report, testLogger(), WithIdleWait(time.Hour))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := sched.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	sched.Start()
	defer sched.Stop()

	// The loop is now idle-sleeping for an hour; a refresh with a
	// near-term job must wake it.
	time.Sleep(20 * time.Millisecond)
	jobs <- Job{ID: "job-1", Action: "light_on", RunAt: time.Now().UTC().Add(30 * time.Millisecond)}
	if err := sched.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(rec.executed()) < 1 {
		if time.Now().After(deadline) {
			t.Fatalf("inserted job never ran")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStopTwiceAndRestart(t *testing.T) {
	rec := newRecorder()
	jobs := make(chan Job, 1)
	fetch := func(context.Context) ([]Job, error) {
		select {
		case job := <-jobs:
			return []Job{job}, nil
		default:
			return nil, nil
		}
	}
	sched, err := New(fetch, rec.execute, rec.report, testLogger(), WithIdleWait(10*time.Millisecond))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sched.Start()
	sched.Start()
	sched.Stop()
	sched.Stop()
	sched.Stop()

	// A stopped scheduler must come back up and still run jobs.
	sched.Start()
	defer sched.Stop()
	jobs <- Job{ID: "job-1", Action: "light_on", RunAt: time.Now().UTC().Add(-time.Second)}
	if err := sched.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(rec.executed()) < 1 {
		if time.Now().After(deadline) {
			t.Fatalf("job never ran after restart")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestFailedJobAckedNotOK(t *testing.T) {
	rec := newRecorder()
	execute := func(_ context.Context, job Job) error {
		rec.mu.Lock()
		rec.order = append(rec.order, job.ID)
		rec.mu.Unlock()
		return context.DeadlineExceeded
	}
	sched, err := New(staticFetch(
		Job{ID: "job-1", Action: "light_on", RunAt: time.Now().UTC().Add(-time.Second)},
	), execute, rec.report, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := sched.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	sched.Start()
	defer sched.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for len(rec.executed()) < 1 {
		if time.Now().After(deadline) {
			t.Fatalf("job never executed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(10 * time.Millisecond)
	rec.mu.Lock()
	ok, reported := rec.acks["job-1"]
	rec.mu.Unlock()
	if !reported {
		t.Fatalf("failure never acked")
	}
	if ok {
		t.Fatalf("expected ok=false ack")
	}
}
