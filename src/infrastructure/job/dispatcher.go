package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"aftermeet/src/infrastructure/metrics"
)

// Handler executes one job kind. A nil return completes the job; an error
// fails it, permanently when wrapped with Permanent.
type Handler func(ctx context.Context, exec *Execution) error

// permanentError marks a failure that retrying cannot fix
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the dispatcher fails the job without spending the
// remaining attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err requests terminal failure.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// Execution is the handler's view of a claimed job
type Execution struct {
	Job *Job

	mu       sync.Mutex
	progress int
	report   func(ctx context.Context, percent int) error
	logger   logr.Logger
}

// Decode unmarshals the payload into v.
func (e *Execution) Decode(v any) error {
	if err := json.Unmarshal(e.Job.Payload, v); err != nil {
		return Permanent(fmt.Errorf("failed to unmarshal %s payload: %w", e.Job.Kind, err))
	}
	return nil
}

// FinalAttempt reports whether a failure now would exhaust the attempt budget.
func (e *Execution) FinalAttempt() bool {
	return e.Job.AttemptsMade+1 >= e.Job.MaxAttempts
}

// ReportProgress records percent. Values lower than the last report are
// ignored so observers see a non-decreasing sequence.
func (e *Execution) ReportProgress(ctx context.Context, percent int) {
	percent = clampPercent(percent)

	e.mu.Lock()
	if percent <= e.progress {
		e.mu.Unlock()
		return
	}
	e.progress = percent
	e.mu.Unlock()

	if e.report == nil {
		return
	}
	// Progress is advisory; the job outcome does not depend on it.
	if err := e.report(ctx, percent); err != nil {
		e.logger.V(1).Info("failed to record progress", "job_id", e.Job.ID, "percent", percent, "error", err.Error())
	}
}

type handlerKey struct {
	queue QueueName
	kind  string
}

const (
	DefaultPollInterval = time.Second
	DefaultConcurrency  = 1
)

// Dispatcher claims ready jobs and runs their handlers
type Dispatcher struct {
	store        Store
	logger       logr.Logger
	pollInterval time.Duration
	concurrency  map[QueueName]int

	mu       sync.RWMutex
	handlers map[handlerKey]Handler
	wake     map[QueueName]chan struct{}
}

type DispatcherOption func(d *Dispatcher)

func WithPollInterval(interval time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if interval > 0 {
			d.pollInterval = interval
		}
	}
}

// WithConcurrency sets how many jobs of queue may run at once.
func WithConcurrency(queue QueueName, n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.concurrency[queue] = n
		}
	}
}

func NewDispatcher(store Store, logger logr.Logger, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		store:        store,
		logger:       logger.WithName("dispatcher"),
		pollInterval: DefaultPollInterval,
		concurrency:  make(map[QueueName]int),
		handlers:     make(map[handlerKey]Handler),
		wake:         make(map[QueueName]chan struct{}),
	}
	for _, q := range Queues {
		d.wake[q] = make(chan struct{}, 1)
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Handle registers h for (queue, kind), replacing any earlier registration.
func (d *Dispatcher) Handle(queue QueueName, kind string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[handlerKey{queue, kind}] = h
}

func (d *Dispatcher) handler(queue QueueName, kind string) (Handler, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.handlers[handlerKey{queue, kind}]
	return h, ok
}

// Notify wakes idle workers of queue. It never blocks.
func (d *Dispatcher) Notify(queue QueueName) {
	ch, ok := d.wake[queue]
	if !ok {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Run starts the worker pools for every queue and blocks until ctx is done.
// Jobs already running finish before Run returns.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, q := range Queues {
		n := d.concurrency[q]
		if n <= 0 {
			n = DefaultConcurrency
		}
		d.logger.Info("starting workers", "queue", q, "concurrency", n)
		for i := 0; i < n; i++ {
			queue := q
			g.Go(func() error {
				d.work(ctx, queue)
				return nil
			})
		}
	}
	return g.Wait()
}

func (d *Dispatcher) work(ctx context.Context, queue QueueName) {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		// Drain the queue before going idle.
		for ctx.Err() == nil {
			processed, err := d.RunOnce(ctx, queue)
			if err != nil {
				d.logger.Error(err, "dispatch cycle failed", "queue", queue)
				break
			}
			if !processed {
				break
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-d.wake[queue]:
		}
	}
}

// RunOnce claims at most one job from queue and executes it. It reports
// whether a job was processed. Handler failures are recorded on the job and
// are not returned; only store errors are.
func (d *Dispatcher) RunOnce(ctx context.Context, queue QueueName) (bool, error) {
	j, err := d.store.ClaimNext(ctx, queue)
	if err != nil {
		return false, err
	}
	if j == nil {
		return false, nil
	}

	// Finalization must survive shutdown cancellation of ctx.
	finishCtx := context.WithoutCancel(ctx)
	l := d.logger.WithValues("job_id", j.ID, "queue", j.Queue, "kind", j.Kind, "attempt", j.AttemptsMade+1)

	start := time.Now()
	runErr := d.execute(ctx, j)
	metrics.JobDuration.WithLabelValues(string(j.Queue), j.Kind).Observe(time.Since(start).Seconds())

	if runErr == nil {
		if err := d.store.Complete(finishCtx, j.ID); err != nil {
			return true, fmt.Errorf("failed to complete job %s: %w", j.ID, err)
		}
		metrics.JobsProcessed.WithLabelValues(string(j.Queue), j.Kind, "completed").Inc()
		l.Info("job completed")
		return true, nil
	}

	updated, err := d.store.Fail(finishCtx, j.ID, runErr.Error(), IsPermanent(runErr))
	if err != nil {
		return true, fmt.Errorf("failed to record failure of job %s: %w", j.ID, err)
	}
	if updated.State == StateFailed {
		metrics.JobsProcessed.WithLabelValues(string(j.Queue), j.Kind, "failed").Inc()
		l.Error(runErr, "job failed", "permanent", updated.Permanent, "attempts_made", updated.AttemptsMade)
	} else {
		metrics.JobsProcessed.WithLabelValues(string(j.Queue), j.Kind, "retried").Inc()
		l.Info("job will be retried", "error", runErr.Error(), "run_at", updated.RunAt)
	}
	return true, nil
}

// execute runs the handler, converting panics into errors so one bad job
// cannot take the worker down.
func (d *Dispatcher) execute(ctx context.Context, j *Job) (err error) {
	h, ok := d.handler(j.Queue, j.Kind)
	if !ok {
		return Permanent(fmt.Errorf("no handler registered for %s/%s", j.Queue, j.Kind))
	}

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error(fmt.Errorf("%v", r), "handler panicked", "job_id", j.ID, "stack", string(debug.Stack()))
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	exec := &Execution{
		Job: j,
		report: func(ctx context.Context, percent int) error {
			return d.store.ReportProgress(ctx, j.ID, percent)
		},
		logger: d.logger,
	}
	return h(ctx, exec)
}
