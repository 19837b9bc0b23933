package job_test

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/logr/funcr"

	"aftermeet/src/infrastructure/job"
)

func TestDispatcherRunOnceOutcomes(t *testing.T) {
	tests := []struct {
		name        string
		handler     job.Handler
		maxAttempts int
		wantState   job.State
		wantReason  string
	}{
		{
			name:        "success completes",
			handler:     func(ctx context.Context, exec *job.Execution) error { return nil },
			maxAttempts: 3,
			wantState:   job.StateCompleted,
		},
		{
			name: "transient error is rescheduled",
			handler: func(ctx context.Context, exec *job.Execution) error {
				return errors.New("connection reset")
			},
			maxAttempts: 3,
			wantState:   job.StateDelayed,
			wantReason:  "connection reset",
		},
		{
			name: "permanent error fails at once",
			handler: func(ctx context.Context, exec *job.Execution) error {
				return job.Permanent(errors.New("invalid meeting url"))
			},
			maxAttempts: 3,
			wantState:   job.StateFailed,
			wantReason:  "invalid meeting url",
		},
		{
			name: "panic is contained",
			handler: func(ctx context.Context, exec *job.Execution) error {
				panic("boom")
			},
			maxAttempts: 1,
			wantState:   job.StateFailed,
			wantReason:  "handler panic: boom",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			store := job.NewMemoryStore()
			d := job.NewDispatcher(store, logr.Discard())
			d.Handle(job.QueueCleanup, "cleanup-resources", tt.handler)

			j, _ := store.Enqueue(ctx, job.QueueCleanup, "cleanup-resources", testPayload, job.Options{MaxAttempts: tt.maxAttempts})

			processed, err := d.RunOnce(ctx, job.QueueCleanup)
			if err != nil || !processed {
				t.Fatalf("RunOnce() = %v, %v", processed, err)
			}

			got, _ := store.Get(ctx, j.ID)
			if got.State != tt.wantState {
				t.Errorf("state = %s, want %s", got.State, tt.wantState)
			}
			if got.FailureReason != tt.wantReason {
				t.Errorf("FailureReason = %q, want %q", got.FailureReason, tt.wantReason)
			}
		})
	}
}

func TestDispatcherUnknownKindFailsPermanently(t *testing.T) {
	ctx := context.Background()
	store := job.NewMemoryStore()
	d := job.NewDispatcher(store, logr.Discard())

	j, _ := store.Enqueue(ctx, job.QueueCleanup, "vacuum", testPayload, job.Options{MaxAttempts: 5})
	d.RunOnce(ctx, job.QueueCleanup)

	got, _ := store.Get(ctx, j.ID)
	if got.State != job.StateFailed || !got.Permanent {
		t.Errorf("state = %s permanent = %v, want permanent failure", got.State, got.Permanent)
	}
}

func TestDispatcherRunOnceEmptyQueue(t *testing.T) {
	d := job.NewDispatcher(job.NewMemoryStore(), logr.Discard())
	processed, err := d.RunOnce(context.Background(), job.QueueBotLifecycle)
	if err != nil || processed {
		t.Errorf("RunOnce() = %v, %v, want false, nil", processed, err)
	}
}

func TestExecutionProgressIsMonotonic(t *testing.T) {
	ctx := context.Background()
	store := job.NewMemoryStore()
	d := job.NewDispatcher(store, logr.Discard())

	var observed []int
	d.Handle(job.QueueCleanup, "cleanup-resources", func(ctx context.Context, exec *job.Execution) error {
		for _, p := range []int{10, 50, 30, 80} {
			exec.ReportProgress(ctx, p)
			cur, _ := store.Get(ctx, exec.Job.ID)
			observed = append(observed, cur.Progress)
		}
		return nil
	})

	store.Enqueue(ctx, job.QueueCleanup, "cleanup-resources", testPayload, job.Options{})
	d.RunOnce(ctx, job.QueueCleanup)

	want := []int{10, 50, 50, 80}
	for i := range want {
		if observed[i] != want[i] {
			t.Fatalf("progress sequence = %v, want %v", observed, want)
		}
	}
}

func TestExecutionFinalAttempt(t *testing.T) {
	exec := &job.Execution{Job: &job.Job{AttemptsMade: 2, MaxAttempts: 3}}
	if !exec.FinalAttempt() {
		t.Error("FinalAttempt() = false on the last attempt")
	}
	exec = &job.Execution{Job: &job.Job{AttemptsMade: 0, MaxAttempts: 3}}
	if exec.FinalAttempt() {
		t.Error("FinalAttempt() = true on the first of three attempts")
	}
}

func TestDispatcherRunDrainsAndStops(t *testing.T) {
	store := job.NewMemoryStore()
	d := job.NewDispatcher(store, logr.Discard(),
		job.WithPollInterval(10*time.Millisecond),
		job.WithConcurrency(job.QueueSocialPublishing, 4),
	)

	var handled atomic.Int32
	d.Handle(job.QueueSocialPublishing, "post-content", func(ctx context.Context, exec *job.Execution) error {
		handled.Add(1)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	for i := 0; i < 20; i++ {
		store.Enqueue(context.Background(), job.QueueSocialPublishing, "post-content", testPayload, job.Options{})
	}
	d.Notify(job.QueueSocialPublishing)

	deadline := time.Now().Add(5 * time.Second)
	for handled.Load() < 20 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}

	if got := handled.Load(); got != 20 {
		t.Errorf("handled %d jobs, want 20", got)
	}
	sum, _ := store.Summarize(context.Background(), job.QueueSocialPublishing)
	if sum.Counts[job.StateCompleted] != 20 {
		t.Errorf("completed = %d, want 20", sum.Counts[job.StateCompleted])
	}
}

// progressFailingStore loses every progress write.
type progressFailingStore struct {
	*job.MemoryStore
}

func (progressFailingStore) ReportProgress(ctx context.Context, id string, percent int) error {
	return errors.New("database is locked")
}

func TestDispatcherLogsProgressFailures(t *testing.T) {
	ctx := context.Background()
	store := progressFailingStore{job.NewMemoryStore()}

	var logged atomic.Int32
	logger := funcr.New(func(prefix, args string) {
		if strings.Contains(args, "failed to record progress") && strings.Contains(args, "database is locked") {
			logged.Add(1)
		}
	}, funcr.Options{Verbosity: 1})

	d := job.NewDispatcher(store, logger)
	d.Handle(job.QueueCleanup, "cleanup-resources", func(ctx context.Context, exec *job.Execution) error {
		exec.ReportProgress(ctx, 50)
		return nil
	})
	j, err := store.Enqueue(ctx, job.QueueCleanup, "cleanup-resources", []byte(`{}`), job.Options{})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	if _, err := d.RunOnce(ctx, job.QueueCleanup); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if got, _ := store.Get(ctx, j.ID); got.State != job.StateCompleted {
		t.Errorf("state = %s, want completed despite lost progress", got.State)
	}
	if logged.Load() != 1 {
		t.Errorf("progress failure logged %d times, want 1", logged.Load())
	}
}
