package job

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store guarded by a single mutex. It suits
// single-process deployments and tests; state is lost on restart.
type MemoryStore struct {
	mu     sync.Mutex
	jobs   map[string]*Job
	paused map[QueueName]bool
	now    func() time.Time
}

type MemoryOption func(s *MemoryStore)

// WithClock overrides the time source.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		s.now = now
	}
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		jobs:   make(map[string]*Job),
		paused: make(map[QueueName]bool),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) Enqueue(ctx context.Context, queue QueueName, kind string, payload json.RawMessage, opts Options) (*Job, error) {
	if err := checkQueue(queue); err != nil {
		return nil, err
	}
	opts = normalizeOptions(opts)

	s.mu.Lock()
	defer s.mu.Unlock()

	if opts.DedupeKey != "" {
		if existing := s.findActiveLocked(queue, opts.DedupeKey); existing != nil {
			cp := *existing
			return &cp, ErrDuplicateJob
		}
	}

	now := s.now().UTC()
	state, runAt := initialState(now, opts)
	j := &Job{
		ID:          uuid.NewString(),
		Queue:       queue,
		Kind:        kind,
		Payload:     append(json.RawMessage(nil), payload...),
		DedupeKey:   opts.DedupeKey,
		State:       state,
		MaxAttempts: opts.MaxAttempts,
		Backoff:     opts.Backoff,
		RunAt:       runAt.UTC(),
		CreatedAt:   now,
	}
	s.jobs[j.ID] = j

	cp := *j
	return &cp, nil
}

func (s *MemoryStore) findActiveLocked(queue QueueName, key string) *Job {
	for _, j := range s.jobs {
		if j.Queue == queue && j.DedupeKey == key && !j.State.Terminal() {
			return j
		}
	}
	return nil
}

func (s *MemoryStore) ClaimNext(ctx context.Context, queue QueueName) (*Job, error) {
	if err := checkQueue(queue); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.paused[queue] {
		return nil, nil
	}

	now := s.now().UTC()
	var next *Job
	for _, j := range s.jobs {
		if j.Queue != queue || !j.State.Pending() || j.RunAt.After(now) {
			continue
		}
		if next == nil || claimsBefore(j, next) {
			next = j
		}
	}
	if next == nil {
		return nil, nil
	}

	next.State = StateActive
	next.ProcessedAt = &now
	next.Progress = 0

	cp := *next
	return &cp, nil
}

// claimsBefore orders by runAt, then arrival.
func claimsBefore(a, b *Job) bool {
	if !a.RunAt.Equal(b.RunAt) {
		return a.RunAt.Before(b.RunAt)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func (s *MemoryStore) ReportProgress(ctx context.Context, id string, percent int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	j.Progress = clampPercent(percent)
	return nil
}

func (s *MemoryStore) Complete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if j.State != StateActive {
		return ErrInvalidState
	}

	now := s.now().UTC()
	j.State = StateCompleted
	j.Progress = 100
	j.FinishedAt = &now
	return nil
}

func (s *MemoryStore) Fail(ctx context.Context, id string, reason string, permanent bool) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	if j.State != StateActive {
		return nil, ErrInvalidState
	}

	failTransition(j, s.now().UTC(), reason, permanent)
	cp := *j
	return &cp, nil
}

func (s *MemoryStore) Cancel(ctx context.Context, queue QueueName, sel Selector) (bool, error) {
	if err := checkQueue(queue); err != nil {
		return false, err
	}
	if sel.empty() {
		return false, ErrEmptySelector
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := false
	for id, j := range s.jobs {
		if j.Queue == queue && j.State.Pending() && sel.matches(j) {
			delete(s.jobs, id)
			removed = true
		}
	}
	return removed, nil
}

func (s *MemoryStore) Prune(ctx context.Context, queue QueueName, olderThan time.Time) (int, error) {
	if err := checkQueue(queue); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, j := range s.jobs {
		if j.Queue == queue && j.State.Terminal() && j.FinishedAt != nil && j.FinishedAt.Before(olderThan) {
			delete(s.jobs, id)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}

func (s *MemoryStore) List(ctx context.Context, queue QueueName, states ...State) ([]Job, error) {
	if err := checkQueue(queue); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Job
	for _, j := range s.jobs {
		if j.Queue == queue && stateIn(j.State, states) {
			out = append(out, *j)
		}
	}
	sort.Slice(out, func(a, b int) bool {
		return claimsBefore(&out[a], &out[b])
	})
	return out, nil
}

func stateIn(s State, states []State) bool {
	if len(states) == 0 {
		return true
	}
	for _, want := range states {
		if s == want {
			return true
		}
	}
	return false
}

func (s *MemoryStore) Summarize(ctx context.Context, queue QueueName) (Summary, error) {
	if err := checkQueue(queue); err != nil {
		return Summary{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sum := newSummary(queue)
	sum.Paused = s.paused[queue]
	for _, j := range s.jobs {
		if j.Queue == queue {
			sum.Counts[j.State]++
		}
	}
	return sum, nil
}

func (s *MemoryStore) Pause(ctx context.Context, queue QueueName) error {
	return s.setPaused(queue, true)
}

func (s *MemoryStore) Resume(ctx context.Context, queue QueueName) error {
	return s.setPaused(queue, false)
}

func (s *MemoryStore) setPaused(queue QueueName, paused bool) error {
	if err := checkQueue(queue); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused[queue] = paused
	return nil
}

func (s *MemoryStore) IsPaused(ctx context.Context, queue QueueName) (bool, error) {
	if err := checkQueue(queue); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused[queue], nil
}

func (s *MemoryStore) RequeueStalled(ctx context.Context, queue QueueName, before time.Time) (int, error) {
	if err := checkQueue(queue); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	n := 0
	for _, j := range s.jobs {
		if j.Queue == queue && j.State == StateActive && j.ProcessedAt != nil && j.ProcessedAt.Before(before) {
			failTransition(j, now, "stalled: worker did not report completion", false)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) ResubmitFailed(ctx context.Context, queue QueueName, maxResubmissions, limit int) ([]Job, error) {
	if err := checkQueue(queue); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []*Job
	for _, j := range s.jobs {
		if j.Queue == queue && j.State == StateFailed && !j.Permanent && j.ResubmittedAt == nil && j.Resubmissions < maxResubmissions {
			candidates = append(candidates, j)
		}
	}
	sort.Slice(candidates, func(a, b int) bool {
		return candidates[a].CreatedAt.Before(candidates[b].CreatedAt)
	})

	now := s.now().UTC()
	var out []Job
	for _, failed := range candidates {
		if limit > 0 && len(out) >= limit {
			break
		}
		if failed.DedupeKey != "" && s.findActiveLocked(queue, failed.DedupeKey) != nil {
			continue
		}
		clone := resubmission(failed, uuid.NewString(), now)
		stamped := now
		failed.ResubmittedAt = &stamped
		s.jobs[clone.ID] = clone
		out = append(out, *clone)
	}
	return out, nil
}

// resubmission builds a fresh waiting job carrying f's work and a new attempt budget.
func resubmission(f *Job, id string, now time.Time) *Job {
	return &Job{
		ID:            id,
		Queue:         f.Queue,
		Kind:          f.Kind,
		Payload:       append(json.RawMessage(nil), f.Payload...),
		DedupeKey:     f.DedupeKey,
		State:         StateWaiting,
		MaxAttempts:   f.MaxAttempts,
		Backoff:       f.Backoff,
		RunAt:         now,
		Resubmissions: f.Resubmissions + 1,
		CreatedAt:     now,
	}
}
