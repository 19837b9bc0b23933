package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"
)

// QueueName identifies a partition of jobs sharing a handler family
type QueueName string

const (
	QueueBotLifecycle      QueueName = "bot-lifecycle"
	QueueContentGeneration QueueName = "content-generation"
	QueueSocialPublishing  QueueName = "social-publishing"
	QueueCleanup           QueueName = "cleanup"
)

// Queues lists every queue known to the store, in dispatch order.
var Queues = []QueueName{
	QueueBotLifecycle,
	QueueContentGeneration,
	QueueSocialPublishing,
	QueueCleanup,
}

// Valid reports whether q is one of the known queues.
func (q QueueName) Valid() bool {
	for _, known := range Queues {
		if q == known {
			return true
		}
	}
	return false
}

// State defines the lifecycle state of a job
type State string

const (
	StateWaiting   State = "waiting"
	StateDelayed   State = "delayed"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// States lists every state in lifecycle order.
var States = []State{StateWaiting, StateDelayed, StateActive, StateCompleted, StateFailed}

// ParseStates converts state names, rejecting names that are not a State.
func ParseStates(names []string) ([]State, error) {
	states := make([]State, 0, len(names))
	for _, name := range names {
		st := State(name)
		if !slices.Contains(States, st) {
			return nil, fmt.Errorf("%w: %q", ErrUnknownState, name)
		}
		states = append(states, st)
	}
	return states, nil
}

// Terminal reports whether no further transitions occur from s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Pending reports whether a job in state s has not started yet.
func (s State) Pending() bool {
	return s == StateWaiting || s == StateDelayed
}

// Job represents a unit of deferred, retryable work
type Job struct {
	ID            string          `json:"id"`
	Queue         QueueName       `json:"queue"`
	Kind          string          `json:"kind"`
	Payload       json.RawMessage `json:"payload"`
	DedupeKey     string          `json:"dedupe_key,omitempty"`
	State         State           `json:"state"`
	AttemptsMade  int             `json:"attempts_made"`
	MaxAttempts   int             `json:"max_attempts"`
	Backoff       BackoffPolicy   `json:"backoff"`
	RunAt         time.Time       `json:"run_at"`
	Progress      int             `json:"progress"`
	Permanent     bool            `json:"permanent,omitempty"`
	Resubmissions int             `json:"resubmissions,omitempty"`
	// ResubmittedAt is set once a failed job has been cloned. Only the newest
	// failed job of a lineage can be cloned again.
	ResubmittedAt *time.Time `json:"resubmitted_at,omitempty"`
	FailureReason string          `json:"failure_reason,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	ProcessedAt   *time.Time      `json:"processed_at,omitempty"`
	FinishedAt    *time.Time      `json:"finished_at,omitempty"`
}

// Options control how a job is scheduled when enqueued
type Options struct {
	// Delay postpones the first run relative to now. Ignored when RunAt is set.
	Delay time.Duration
	// RunAt is the earliest execution time. A time in the past is eligible immediately.
	RunAt       time.Time
	MaxAttempts int
	Backoff     BackoffPolicy
	// DedupeKey names the logical resource the job acts on. At most one
	// non-terminal job may exist per (queue, DedupeKey).
	DedupeKey string
}

const DefaultMaxAttempts = 3

// Selector matches pending jobs for Cancel. Empty fields match everything;
// at least one field must be set.
type Selector struct {
	ID        string
	Kind      string
	DedupeKey string
}

func (s Selector) empty() bool {
	return s.ID == "" && s.Kind == "" && s.DedupeKey == ""
}

func (s Selector) matches(j *Job) bool {
	if s.ID != "" && j.ID != s.ID {
		return false
	}
	if s.Kind != "" && j.Kind != s.Kind {
		return false
	}
	if s.DedupeKey != "" && j.DedupeKey != s.DedupeKey {
		return false
	}
	return true
}

// Summary holds job counts per state for one queue
type Summary struct {
	Queue  QueueName     `json:"queue"`
	Paused bool          `json:"paused"`
	Counts map[State]int `json:"counts"`
}

func newSummary(q QueueName) Summary {
	counts := make(map[State]int, len(States))
	for _, s := range States {
		counts[s] = 0
	}
	return Summary{Queue: q, Counts: counts}
}

var (
	ErrJobNotFound   = errors.New("job not found")
	ErrDuplicateJob  = errors.New("an active job already exists for this resource")
	ErrInvalidState  = errors.New("job is not in a state that allows this transition")
	ErrEmptySelector = errors.New("cancel selector must match on at least one field")
	ErrUnknownState  = errors.New("unknown job state")
)

// InvalidQueueError is returned when a queue name is not recognized
type InvalidQueueError struct {
	Queue QueueName
}

func (e *InvalidQueueError) Error() string {
	return fmt.Sprintf("invalid queue: %q", string(e.Queue))
}

// InvalidPayloadError is returned when a payload does not match its kind's schema
type InvalidPayloadError struct {
	Kind   string
	Reason string
}

func (e *InvalidPayloadError) Error() string {
	return fmt.Sprintf("invalid payload for %s: %s", e.Kind, e.Reason)
}

func checkQueue(q QueueName) error {
	if !q.Valid() {
		return &InvalidQueueError{Queue: q}
	}
	return nil
}

// Store is the durable queue contract. Every mutation of job state goes
// through one of these atomic operations.
type Store interface {
	Enqueue(ctx context.Context, queue QueueName, kind string, payload json.RawMessage, opts Options) (*Job, error)
	// ClaimNext returns nil without error when no job is eligible.
	ClaimNext(ctx context.Context, queue QueueName) (*Job, error)
	ReportProgress(ctx context.Context, id string, percent int) error
	Complete(ctx context.Context, id string) error
	// Fail reschedules the job with backoff, or marks it failed once the
	// attempt budget is spent or permanent is set.
	Fail(ctx context.Context, id string, reason string, permanent bool) (*Job, error)
	Cancel(ctx context.Context, queue QueueName, sel Selector) (bool, error)
	Prune(ctx context.Context, queue QueueName, olderThan time.Time) (int, error)
	Get(ctx context.Context, id string) (*Job, error)
	List(ctx context.Context, queue QueueName, states ...State) ([]Job, error)
	Summarize(ctx context.Context, queue QueueName) (Summary, error)
	Pause(ctx context.Context, queue QueueName) error
	Resume(ctx context.Context, queue QueueName) error
	IsPaused(ctx context.Context, queue QueueName) (bool, error)
	RequeueStalled(ctx context.Context, queue QueueName, before time.Time) (int, error)
	// ResubmitFailed clones up to limit retryable failed jobs into fresh
	// waiting jobs. A cloned job keeps its failed state and is stamped with
	// ResubmittedAt so it is never cloned twice; a lineage therefore yields
	// at most maxResubmissions clones.
	ResubmitFailed(ctx context.Context, queue QueueName, maxResubmissions, limit int) ([]Job, error)
}

// initialState resolves the entry state and run time for a new job.
func initialState(now time.Time, opts Options) (State, time.Time) {
	runAt := opts.RunAt
	if runAt.IsZero() {
		runAt = now.Add(opts.Delay)
	}
	if runAt.After(now) {
		return StateDelayed, runAt
	}
	return StateWaiting, runAt
}

func normalizeOptions(opts Options) Options {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Backoff.Strategy == "" {
		opts.Backoff = DefaultBackoff
	}
	return opts
}

// failTransition applies the retry rule to j in place.
func failTransition(j *Job, now time.Time, reason string, permanent bool) {
	if !permanent && j.AttemptsMade+1 < j.MaxAttempts {
		delay := j.Backoff.Delay(j.AttemptsMade)
		j.AttemptsMade++
		j.State = StateDelayed
		j.RunAt = now.Add(delay)
		j.FailureReason = reason
		j.Progress = 0
		return
	}
	if j.AttemptsMade < j.MaxAttempts {
		j.AttemptsMade++
	}
	j.State = StateFailed
	j.Permanent = permanent
	j.FailureReason = reason
	j.FinishedAt = &now
}

func clampPercent(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
