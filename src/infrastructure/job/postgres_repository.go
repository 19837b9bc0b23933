package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// jobRecord is the persisted form of Job
type jobRecord struct {
	ID               string         `gorm:"primaryKey;size:36"`
	QueueName        string         `gorm:"not null;size:64;index:idx_jobs_claim,priority:1"`
	Kind             string         `gorm:"not null;size:64"`
	Payload          datatypes.JSON `gorm:"not null"`
	DedupeKey        string         `gorm:"not null;default:'';size:255"`
	State            string         `gorm:"not null;size:16;index:idx_jobs_claim,priority:2"`
	AttemptsMade     int            `gorm:"not null;default:0"`
	MaxAttempts      int            `gorm:"not null"`
	BackoffStrategy  string         `gorm:"not null;size:16"`
	BackoffBaseDelay int64          `gorm:"not null"`
	RunAt            time.Time      `gorm:"not null;index:idx_jobs_claim,priority:3"`
	Progress         int            `gorm:"not null;default:0"`
	Permanent        bool           `gorm:"not null;default:false"`
	Resubmissions    int            `gorm:"not null;default:0"`
	ResubmittedAt    *time.Time
	FailureReason    string         `gorm:"type:text"`
	CreatedAt        time.Time      `gorm:"not null"`
	ProcessedAt      *time.Time
	FinishedAt       *time.Time `gorm:"index"`
}

func (jobRecord) TableName() string { return "jobs" }

// queueRecord stores per-queue administrative flags
type queueRecord struct {
	Name   string `gorm:"primaryKey;size:64"`
	Paused bool   `gorm:"not null;default:false"`
}

func (queueRecord) TableName() string { return "job_queues" }

func (r *jobRecord) toJob() *Job {
	return &Job{
		ID:            r.ID,
		Queue:         QueueName(r.QueueName),
		Kind:          r.Kind,
		Payload:       json.RawMessage(r.Payload),
		DedupeKey:     r.DedupeKey,
		State:         State(r.State),
		AttemptsMade:  r.AttemptsMade,
		MaxAttempts:   r.MaxAttempts,
		Backoff:       BackoffPolicy{Strategy: BackoffStrategy(r.BackoffStrategy), BaseDelay: time.Duration(r.BackoffBaseDelay)},
		RunAt:         r.RunAt,
		Progress:      r.Progress,
		Permanent:     r.Permanent,
		Resubmissions: r.Resubmissions,
		ResubmittedAt: r.ResubmittedAt,
		FailureReason: r.FailureReason,
		CreatedAt:     r.CreatedAt,
		ProcessedAt:   r.ProcessedAt,
		FinishedAt:    r.FinishedAt,
	}
}

func recordFromJob(j *Job) *jobRecord {
	return &jobRecord{
		ID:               j.ID,
		QueueName:        string(j.Queue),
		Kind:             j.Kind,
		Payload:          datatypes.JSON(j.Payload),
		DedupeKey:        j.DedupeKey,
		State:            string(j.State),
		AttemptsMade:     j.AttemptsMade,
		MaxAttempts:      j.MaxAttempts,
		BackoffStrategy:  string(j.Backoff.Strategy),
		BackoffBaseDelay: int64(j.Backoff.BaseDelay),
		RunAt:            j.RunAt,
		Progress:         j.Progress,
		Permanent:        j.Permanent,
		Resubmissions:    j.Resubmissions,
		ResubmittedAt:    j.ResubmittedAt,
		FailureReason:    j.FailureReason,
		CreatedAt:        j.CreatedAt,
		ProcessedAt:      j.ProcessedAt,
		FinishedAt:       j.FinishedAt,
	}
}

var pendingStates = []string{string(StateWaiting), string(StateDelayed)}
var openStates = []string{string(StateWaiting), string(StateDelayed), string(StateActive)}
var terminalStates = []string{string(StateCompleted), string(StateFailed)}

// claimRetries bounds how often ClaimNext re-selects after losing a race.
const claimRetries = 5

// GormStore persists jobs through gorm. On Postgres, claims use
// FOR UPDATE SKIP LOCKED; on every dialect the state flip is a
// compare-and-set so two workers never claim the same row.
type GormStore struct {
	db  *gorm.DB
	now func() time.Time
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db, now: time.Now}
}

// Migrate creates the job tables and the partial unique index that backs
// the one-open-job-per-resource rule.
func (s *GormStore) Migrate(ctx context.Context) error {
	db := s.db.WithContext(ctx)
	if err := db.AutoMigrate(&jobRecord{}, &queueRecord{}); err != nil {
		return fmt.Errorf("failed to migrate job tables: %w", err)
	}
	err := db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_open_dedupe ON jobs (queue_name, dedupe_key)
		WHERE dedupe_key <> '' AND state IN ('waiting', 'delayed', 'active')`).Error
	if err != nil {
		return fmt.Errorf("failed to create dedupe index: %w", err)
	}
	return nil
}

func (s *GormStore) Enqueue(ctx context.Context, queue QueueName, kind string, payload json.RawMessage, opts Options) (*Job, error) {
	if err := checkQueue(queue); err != nil {
		return nil, err
	}
	opts = normalizeOptions(opts)

	now := s.now().UTC()
	state, runAt := initialState(now, opts)
	j := &Job{
		ID:          uuid.NewString(),
		Queue:       queue,
		Kind:        kind,
		Payload:     payload,
		DedupeKey:   opts.DedupeKey,
		State:       state,
		MaxAttempts: opts.MaxAttempts,
		Backoff:     opts.Backoff,
		RunAt:       runAt.UTC(),
		CreatedAt:   now,
	}

	var existing *jobRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if opts.DedupeKey != "" {
			found, err := findOpen(tx, queue, opts.DedupeKey)
			if err != nil {
				return err
			}
			if found != nil {
				existing = found
				return ErrDuplicateJob
			}
		}
		return tx.Create(recordFromJob(j)).Error
	})
	if errors.Is(err, ErrDuplicateJob) {
		return existing.toJob(), ErrDuplicateJob
	}
	if err != nil {
		// A concurrent enqueue may have won the unique index.
		if opts.DedupeKey != "" {
			if found, findErr := findOpen(s.db.WithContext(ctx), queue, opts.DedupeKey); findErr == nil && found != nil {
				return found.toJob(), ErrDuplicateJob
			}
		}
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	return j, nil
}

func findOpen(db *gorm.DB, queue QueueName, key string) (*jobRecord, error) {
	var rec jobRecord
	result := db.Where("queue_name = ? AND dedupe_key = ? AND state IN ?", string(queue), key, openStates).
		Limit(1).Find(&rec)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return &rec, nil
}

func (s *GormStore) ClaimNext(ctx context.Context, queue QueueName) (*Job, error) {
	if err := checkQueue(queue); err != nil {
		return nil, err
	}
	paused, err := s.IsPaused(ctx, queue)
	if err != nil {
		return nil, err
	}
	if paused {
		return nil, nil
	}

	for i := 0; i < claimRetries; i++ {
		j, lost, err := s.tryClaim(ctx, queue)
		if err != nil || !lost {
			return j, err
		}
	}
	return nil, nil
}

// tryClaim selects the next eligible row and flips it to active. lost is
// true when another worker flipped the row first.
func (s *GormStore) tryClaim(ctx context.Context, queue QueueName) (j *Job, lost bool, err error) {
	now := s.now().UTC()
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Where("queue_name = ? AND state IN ? AND run_at <= ?", string(queue), pendingStates, now).
			Order("run_at ASC").Order("created_at ASC").Limit(1)
		if tx.Dialector.Name() == "postgres" {
			q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}

		var rec jobRecord
		result := q.Find(&rec)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nil
		}

		update := tx.Model(&jobRecord{}).
			Where("id = ? AND state IN ?", rec.ID, pendingStates).
			Updates(map[string]interface{}{
				"state":        string(StateActive),
				"processed_at": now,
				"progress":     0,
			})
		if update.Error != nil {
			return update.Error
		}
		if update.RowsAffected == 0 {
			lost = true
			return nil
		}

		rec.State = string(StateActive)
		rec.ProcessedAt = &now
		rec.Progress = 0
		j = rec.toJob()
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to claim job: %w", err)
	}
	return j, lost, nil
}

func (s *GormStore) ReportProgress(ctx context.Context, id string, percent int) error {
	result := s.db.WithContext(ctx).Model(&jobRecord{}).Where("id = ?", id).
		Update("progress", clampPercent(percent))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (s *GormStore) Complete(ctx context.Context, id string) error {
	now := s.now().UTC()
	result := s.db.WithContext(ctx).Model(&jobRecord{}).
		Where("id = ? AND state = ?", id, string(StateActive)).
		Updates(map[string]interface{}{
			"state":       string(StateCompleted),
			"progress":    100,
			"finished_at": now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return s.missingOrInvalid(ctx, id)
	}
	return nil
}

func (s *GormStore) missingOrInvalid(ctx context.Context, id string) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return ErrInvalidState
}

func (s *GormStore) Fail(ctx context.Context, id string, reason string, permanent bool) (*Job, error) {
	var out *Job
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec jobRecord
		q := tx.Where("id = ?", id)
		if tx.Dialector.Name() == "postgres" {
			q = q.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		if err := q.First(&rec).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrJobNotFound
			}
			return err
		}
		if rec.State != string(StateActive) {
			return ErrInvalidState
		}

		j := rec.toJob()
		failTransition(j, s.now().UTC(), reason, permanent)
		if err := saveTransition(tx, j, string(StateActive)); err != nil {
			return err
		}
		out = j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func saveTransition(tx *gorm.DB, j *Job, fromState string) error {
	result := tx.Model(&jobRecord{}).
		Where("id = ? AND state = ?", j.ID, fromState).
		Updates(map[string]interface{}{
			"state":          string(j.State),
			"attempts_made":  j.AttemptsMade,
			"run_at":         j.RunAt,
			"progress":       j.Progress,
			"permanent":      j.Permanent,
			"failure_reason": j.FailureReason,
			"finished_at":    j.FinishedAt,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrInvalidState
	}
	return nil
}

func (s *GormStore) Cancel(ctx context.Context, queue QueueName, sel Selector) (bool, error) {
	if err := checkQueue(queue); err != nil {
		return false, err
	}
	if sel.empty() {
		return false, ErrEmptySelector
	}

	q := s.db.WithContext(ctx).Where("queue_name = ? AND state IN ?", string(queue), pendingStates)
	if sel.ID != "" {
		q = q.Where("id = ?", sel.ID)
	}
	if sel.Kind != "" {
		q = q.Where("kind = ?", sel.Kind)
	}
	if sel.DedupeKey != "" {
		q = q.Where("dedupe_key = ?", sel.DedupeKey)
	}

	result := q.Delete(&jobRecord{})
	if result.Error != nil {
		return false, fmt.Errorf("failed to cancel jobs: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (s *GormStore) Prune(ctx context.Context, queue QueueName, olderThan time.Time) (int, error) {
	if err := checkQueue(queue); err != nil {
		return 0, err
	}
	result := s.db.WithContext(ctx).
		Where("queue_name = ? AND state IN ? AND finished_at < ?", string(queue), terminalStates, olderThan.UTC()).
		Delete(&jobRecord{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to prune jobs: %w", result.Error)
	}
	return int(result.RowsAffected), nil
}

func (s *GormStore) Get(ctx context.Context, id string) (*Job, error) {
	var rec jobRecord
	if err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	return rec.toJob(), nil
}

func (s *GormStore) List(ctx context.Context, queue QueueName, states ...State) ([]Job, error) {
	if err := checkQueue(queue); err != nil {
		return nil, err
	}

	q := s.db.WithContext(ctx).Where("queue_name = ?", string(queue))
	if len(states) > 0 {
		names := make([]string, len(states))
		for i, st := range states {
			names[i] = string(st)
		}
		q = q.Where("state IN ?", names)
	}

	var recs []jobRecord
	if err := q.Order("run_at ASC").Order("created_at ASC").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	out := make([]Job, 0, len(recs))
	for i := range recs {
		out = append(out, *recs[i].toJob())
	}
	return out, nil
}

func (s *GormStore) Summarize(ctx context.Context, queue QueueName) (Summary, error) {
	if err := checkQueue(queue); err != nil {
		return Summary{}, err
	}

	var rows []struct {
		State string
		Count int
	}
	err := s.db.WithContext(ctx).Model(&jobRecord{}).
		Select("state, count(*) as count").
		Where("queue_name = ?", string(queue)).
		Group("state").
		Scan(&rows).Error
	if err != nil {
		return Summary{}, fmt.Errorf("failed to summarize queue: %w", err)
	}

	sum := newSummary(queue)
	for _, r := range rows {
		sum.Counts[State(r.State)] = r.Count
	}
	if sum.Paused, err = s.IsPaused(ctx, queue); err != nil {
		return Summary{}, err
	}
	return sum, nil
}

func (s *GormStore) Pause(ctx context.Context, queue QueueName) error {
	return s.setPaused(ctx, queue, true)
}

func (s *GormStore) Resume(ctx context.Context, queue QueueName) error {
	return s.setPaused(ctx, queue, false)
}

func (s *GormStore) setPaused(ctx context.Context, queue QueueName, paused bool) error {
	if err := checkQueue(queue); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"paused"}),
	}).Create(&queueRecord{Name: string(queue), Paused: paused}).Error
}

func (s *GormStore) IsPaused(ctx context.Context, queue QueueName) (bool, error) {
	if err := checkQueue(queue); err != nil {
		return false, err
	}
	var rec queueRecord
	result := s.db.WithContext(ctx).Where("name = ?", string(queue)).Limit(1).Find(&rec)
	if result.Error != nil {
		return false, result.Error
	}
	return rec.Paused, nil
}

func (s *GormStore) RequeueStalled(ctx context.Context, queue QueueName, before time.Time) (int, error) {
	if err := checkQueue(queue); err != nil {
		return 0, err
	}

	var recs []jobRecord
	err := s.db.WithContext(ctx).
		Where("queue_name = ? AND state = ? AND processed_at < ?", string(queue), string(StateActive), before.UTC()).
		Find(&recs).Error
	if err != nil {
		return 0, fmt.Errorf("failed to find stalled jobs: %w", err)
	}

	n := 0
	for i := range recs {
		_, err := s.Fail(ctx, recs[i].ID, "stalled: worker did not report completion", false)
		if errors.Is(err, ErrInvalidState) || errors.Is(err, ErrJobNotFound) {
			continue
		}
		if err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (s *GormStore) ResubmitFailed(ctx context.Context, queue QueueName, maxResubmissions, limit int) ([]Job, error) {
	if err := checkQueue(queue); err != nil {
		return nil, err
	}

	q := s.db.WithContext(ctx).
		Where("queue_name = ? AND state = ? AND permanent = ? AND resubmitted_at IS NULL AND resubmissions < ?",
			string(queue), string(StateFailed), false, maxResubmissions).
		Order("created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var recs []jobRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to find failed jobs: %w", err)
	}

	var out []Job
	for i := range recs {
		now := s.now().UTC()
		clone := resubmission(recs[i].toJob(), uuid.NewString(), now)

		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if clone.DedupeKey != "" {
				found, err := findOpen(tx, queue, clone.DedupeKey)
				if err != nil {
					return err
				}
				if found != nil {
					return ErrDuplicateJob
				}
			}
			// Stamping the source doubles as the claim against a concurrent sweep.
			stamp := tx.Model(&jobRecord{}).
				Where("id = ? AND resubmitted_at IS NULL", recs[i].ID).
				Update("resubmitted_at", now)
			if stamp.Error != nil {
				return stamp.Error
			}
			if stamp.RowsAffected == 0 {
				return ErrDuplicateJob
			}
			return tx.Create(recordFromJob(clone)).Error
		})
		if errors.Is(err, ErrDuplicateJob) {
			continue
		}
		if err != nil {
			return out, fmt.Errorf("failed to resubmit job %s: %w", recs[i].ID, err)
		}
		out = append(out, *clone)
	}
	return out, nil
}
