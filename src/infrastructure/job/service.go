package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/go-logr/logr"

	"aftermeet/src/infrastructure/metrics"
)

// TopicPrefix prefixes the per-queue wakeup topic, e.g. "jobs.cleanup".
const TopicPrefix = "jobs."

// Topic returns the wakeup topic for queue.
func Topic(queue QueueName) string {
	return TopicPrefix + string(queue)
}

// JobMessage is published after an enqueue so idle workers claim the job
// without waiting for their next poll. The store stays the source of truth;
// a lost message only delays the job until the next poll.
type JobMessage struct {
	JobID string    `json:"job_id"`
	Queue QueueName `json:"queue"`
	Kind  string    `json:"kind"`
	RunAt time.Time `json:"run_at"`
}

type JobService struct {
	store     Store
	registry  *Registry
	publisher message.Publisher
	logger    logr.Logger
}

// NewJobService wires the store and kind registry. publisher may be nil, in
// which case workers rely on polling alone.
func NewJobService(store Store, registry *Registry, publisher message.Publisher, logger logr.Logger) *JobService {
	return &JobService{
		store:     store,
		registry:  registry,
		publisher: publisher,
		logger:    logger.WithName("job-service"),
	}
}

func (s *JobService) Store() Store {
	return s.store
}

func (s *JobService) Registry() *Registry {
	return s.registry
}

// Enqueue validates the payload for (queue, kind), applies the kind's
// default options and stores the job. On ErrDuplicateJob the already open
// job is returned alongside the error.
func (s *JobService) Enqueue(ctx context.Context, queue QueueName, kind string, payload any, opts Options) (*Job, error) {
	raw, key, err := s.registry.Prepare(queue, kind, payload)
	if err != nil {
		return nil, err
	}

	spec, _ := s.registry.Lookup(queue, kind)
	opts = withDefaults(opts, spec.Defaults)
	if opts.DedupeKey == "" {
		opts.DedupeKey = key
	}

	j, err := s.store.Enqueue(ctx, queue, kind, raw, opts)
	if errors.Is(err, ErrDuplicateJob) {
		metrics.JobsEnqueued.WithLabelValues(string(queue), kind, "duplicate").Inc()
		return j, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue %s/%s: %w", queue, kind, err)
	}
	metrics.JobsEnqueued.WithLabelValues(string(queue), kind, "accepted").Inc()

	s.logger.V(1).Info("job enqueued", "job_id", j.ID, "queue", queue, "kind", kind, "run_at", j.RunAt)
	s.notify(j)
	return j, nil
}

func withDefaults(opts, defaults Options) Options {
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = defaults.MaxAttempts
	}
	if opts.Backoff.Strategy == "" {
		opts.Backoff = defaults.Backoff
	}
	if opts.Delay == 0 && opts.RunAt.IsZero() {
		opts.Delay = defaults.Delay
	}
	return opts
}

func (s *JobService) notify(j *Job) {
	if s.publisher == nil {
		return
	}

	msgPayload, err := json.Marshal(JobMessage{JobID: j.ID, Queue: j.Queue, Kind: j.Kind, RunAt: j.RunAt})
	if err != nil {
		s.logger.Error(err, "failed to marshal job message", "job_id", j.ID)
		return
	}

	msg := message.NewMessage(watermill.NewUUID(), msgPayload)
	if err := s.publisher.Publish(Topic(j.Queue), msg); err != nil {
		s.logger.Error(err, "failed to publish job message", "job_id", j.ID, "queue", j.Queue)
	}
}

// Cancel removes pending jobs matching sel before they start.
func (s *JobService) Cancel(ctx context.Context, queue QueueName, sel Selector) (bool, error) {
	removed, err := s.store.Cancel(ctx, queue, sel)
	if err != nil {
		return false, fmt.Errorf("failed to cancel jobs on %s: %w", queue, err)
	}
	if removed {
		s.logger.Info("pending jobs cancelled", "queue", queue, "kind", sel.Kind, "dedupe_key", sel.DedupeKey, "job_id", sel.ID)
	}
	return removed, nil
}

func (s *JobService) Get(ctx context.Context, id string) (*Job, error) {
	return s.store.Get(ctx, id)
}

func (s *JobService) List(ctx context.Context, queue QueueName, states ...State) ([]Job, error) {
	return s.store.List(ctx, queue, states...)
}

func (s *JobService) Summary(ctx context.Context, queue QueueName) (Summary, error) {
	return s.store.Summarize(ctx, queue)
}

// Summaries returns one summary per known queue.
func (s *JobService) Summaries(ctx context.Context) ([]Summary, error) {
	out := make([]Summary, 0, len(Queues))
	for _, q := range Queues {
		sum, err := s.store.Summarize(ctx, q)
		if err != nil {
			return nil, fmt.Errorf("failed to summarize %s: %w", q, err)
		}
		out = append(out, sum)
	}
	return out, nil
}

func (s *JobService) Pause(ctx context.Context, queue QueueName) error {
	if err := s.store.Pause(ctx, queue); err != nil {
		return err
	}
	s.logger.Info("queue paused", "queue", queue)
	return nil
}

func (s *JobService) Resume(ctx context.Context, queue QueueName) error {
	if err := s.store.Resume(ctx, queue); err != nil {
		return err
	}
	s.logger.Info("queue resumed", "queue", queue)
	s.wake(queue)
	return nil
}

func (s *JobService) wake(queue QueueName) {
	s.notify(&Job{Queue: queue, RunAt: time.Now().UTC()})
}

// RetryFailed resubmits retryable failed jobs on queue with a fresh attempt
// budget. Permanently failed jobs and lineages at the resubmission cap are
// skipped.
func (s *JobService) RetryFailed(ctx context.Context, queue QueueName, maxResubmissions, limit int) ([]Job, error) {
	jobs, err := s.store.ResubmitFailed(ctx, queue, maxResubmissions, limit)
	if err != nil {
		return jobs, fmt.Errorf("failed to resubmit failed jobs on %s: %w", queue, err)
	}
	for i := range jobs {
		s.notify(&jobs[i])
	}
	if len(jobs) > 0 {
		s.logger.Info("failed jobs resubmitted", "queue", queue, "count", len(jobs))
	}
	return jobs, nil
}

// Clean prunes terminal jobs on queue that finished before olderThan.
func (s *JobService) Clean(ctx context.Context, queue QueueName, olderThan time.Time) (int, error) {
	n, err := s.store.Prune(ctx, queue, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to prune %s: %w", queue, err)
	}
	metrics.JobsPruned.WithLabelValues(string(queue)).Add(float64(n))
	return n, nil
}

// RequeueStalled fails active jobs on queue claimed before the cutoff, so
// work held by a crashed worker is retried or finalized.
func (s *JobService) RequeueStalled(ctx context.Context, queue QueueName, before time.Time) (int, error) {
	n, err := s.store.RequeueStalled(ctx, queue, before)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue stalled jobs on %s: %w", queue, err)
	}
	if n > 0 {
		s.logger.Info("stalled jobs requeued", "queue", queue, "count", n)
		s.wake(queue)
	}
	return n, nil
}
