package job

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newSQLiteStore(t *testing.T) (*GormStore, *time.Time) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "jobs.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get *sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	s := NewGormStore(db)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return s, &now
}

func TestGormStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	s, now := newSQLiteStore(t)

	policy := BackoffPolicy{Strategy: BackoffExponential, BaseDelay: time.Minute}
	j, err := s.Enqueue(ctx, QueueSocialPublishing, "post-content", []byte(`{"post_id":1}`),
		Options{MaxAttempts: 2, Backoff: policy, DedupeKey: "post:1"})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	if _, err := s.Enqueue(ctx, QueueSocialPublishing, "post-content", []byte(`{"post_id":1}`),
		Options{DedupeKey: "post:1"}); !errors.Is(err, ErrDuplicateJob) {
		t.Fatalf("duplicate Enqueue() error = %v, want ErrDuplicateJob", err)
	}

	claimed, err := s.ClaimNext(ctx, QueueSocialPublishing)
	if err != nil || claimed == nil || claimed.ID != j.ID {
		t.Fatalf("ClaimNext() = %v, %v", claimed, err)
	}
	if again, _ := s.ClaimNext(ctx, QueueSocialPublishing); again != nil {
		t.Fatalf("active job claimed twice")
	}

	updated, err := s.Fail(ctx, j.ID, "timeout", false)
	if err != nil {
		t.Fatalf("Fail() error = %v", err)
	}
	if updated.State != StateDelayed || updated.AttemptsMade != 1 || !updated.RunAt.Equal(now.Add(time.Minute)) {
		t.Errorf("after first failure = %+v", updated)
	}

	*now = now.Add(2 * time.Minute)
	if claimed, _ = s.ClaimNext(ctx, QueueSocialPublishing); claimed == nil {
		t.Fatal("delayed job not claimed once due")
	}
	final, err := s.Fail(ctx, j.ID, "timeout", false)
	if err != nil {
		t.Fatalf("Fail() error = %v", err)
	}
	if final.State != StateFailed || final.AttemptsMade != 2 {
		t.Errorf("final = state %s attempts %d", final.State, final.AttemptsMade)
	}

	*now = now.Add(2 * time.Hour)
	n, err := s.Prune(ctx, QueueSocialPublishing, now.Add(-time.Hour))
	if err != nil || n != 1 {
		t.Errorf("Prune() = %d, %v, want 1", n, err)
	}
	if n, _ = s.Prune(ctx, QueueSocialPublishing, now.Add(-time.Hour)); n != 0 {
		t.Errorf("second Prune() = %d, want 0", n)
	}
}

func TestGormStoreCancelPauseSummary(t *testing.T) {
	ctx := context.Background()
	s, _ := newSQLiteStore(t)

	s.Enqueue(ctx, QueueBotLifecycle, "create-bot", []byte(`{"meeting_id":1}`), Options{DedupeKey: "meeting:1"})
	s.Enqueue(ctx, QueueBotLifecycle, "create-bot", []byte(`{"meeting_id":2}`), Options{DedupeKey: "meeting:2", Delay: time.Hour})

	if err := s.Pause(ctx, QueueBotLifecycle); err != nil {
		t.Fatalf("Pause() error = %v", err)
	}
	if got, _ := s.ClaimNext(ctx, QueueBotLifecycle); got != nil {
		t.Fatal("claimed from a paused queue")
	}
	sum, err := s.Summarize(ctx, QueueBotLifecycle)
	if err != nil {
		t.Fatalf("Summarize() error = %v", err)
	}
	if !sum.Paused || sum.Counts[StateWaiting] != 1 || sum.Counts[StateDelayed] != 1 {
		t.Errorf("Summarize() = %+v", sum)
	}

	removed, err := s.Cancel(ctx, QueueBotLifecycle, Selector{DedupeKey: "meeting:2"})
	if err != nil || !removed {
		t.Errorf("Cancel() = %v, %v, want true", removed, err)
	}
	removed, _ = s.Cancel(ctx, QueueBotLifecycle, Selector{DedupeKey: "meeting:2"})
	if removed {
		t.Error("Cancel() removed something twice")
	}

	if err := s.Resume(ctx, QueueBotLifecycle); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if got, _ := s.ClaimNext(ctx, QueueBotLifecycle); got == nil || got.DedupeKey != "meeting:1" {
		t.Errorf("ClaimNext() after resume = %v", got)
	}
}

func TestGormStoreConcurrentClaimsAreDistinct(t *testing.T) {
	ctx := context.Background()
	s, _ := newSQLiteStore(t)

	const n = 8
	for i := 0; i < n; i++ {
		payload := []byte(fmt.Sprintf(`{"meeting_id":%d}`, i+1))
		if _, err := s.Enqueue(ctx, QueueBotLifecycle, "create-bot", payload, Options{DedupeKey: fmt.Sprintf("meeting:%d", i+1)}); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed = make(map[string]int)
		errs    []error
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			j, err := s.ClaimNext(ctx, QueueBotLifecycle)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			if j != nil {
				claimed[j.ID]++
			}
		}()
	}
	wg.Wait()

	if len(errs) > 0 {
		t.Fatalf("ClaimNext() errors = %v", errs)
	}
	if len(claimed) != n {
		t.Errorf("claimed %d distinct jobs, want %d", len(claimed), n)
	}
	for id, count := range claimed {
		if count != 1 {
			t.Errorf("job %s claimed %d times", id, count)
		}
	}
	if j, _ := s.ClaimNext(ctx, QueueBotLifecycle); j != nil {
		t.Errorf("ClaimNext() on a drained queue = %s", j.ID)
	}
}

func TestGormStoreConcurrentEnqueueKeepsOneOpenJob(t *testing.T) {
	ctx := context.Background()
	s, _ := newSQLiteStore(t)

	const n = 6
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		ids  = make(map[string]bool)
		news int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			j, err := s.Enqueue(ctx, QueueContentGeneration, "generate-content", []byte(`{"meeting_id":4}`), Options{DedupeKey: "meeting:4"})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				news++
				ids[j.ID] = true
			case errors.Is(err, ErrDuplicateJob):
				ids[j.ID] = true
			default:
				t.Errorf("Enqueue() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if news != 1 || len(ids) != 1 {
		t.Errorf("new jobs = %d, distinct ids = %d, want 1 and 1", news, len(ids))
	}

	// The partial unique index backs the check when two writers race past it.
	var existing jobRecord
	if err := s.db.Where("dedupe_key = ?", "meeting:4").First(&existing).Error; err != nil {
		t.Fatalf("load job: %v", err)
	}
	dup := existing
	dup.ID = "duplicate-open-row"
	if err := s.db.Create(&dup).Error; err == nil {
		t.Error("second open row with the same dedupe key was accepted")
	}
}

func TestGormStoreCancelIgnoresActiveJobs(t *testing.T) {
	ctx := context.Background()
	s, _ := newSQLiteStore(t)

	j, err := s.Enqueue(ctx, QueueBotLifecycle, "create-bot", []byte(`{"meeting_id":1}`), Options{DedupeKey: "meeting:1"})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if claimed, _ := s.ClaimNext(ctx, QueueBotLifecycle); claimed == nil {
		t.Fatal("ClaimNext() = nil")
	}

	removed, err := s.Cancel(ctx, QueueBotLifecycle, Selector{DedupeKey: "meeting:1"})
	if err != nil || removed {
		t.Errorf("Cancel() on active job = %v, %v, want false", removed, err)
	}
	got, err := s.Get(ctx, j.ID)
	if err != nil || got.State != StateActive {
		t.Errorf("job after Cancel() = %v, %v", got, err)
	}
}

func TestGormStoreRequeueStalled(t *testing.T) {
	ctx := context.Background()
	s, now := newSQLiteStore(t)

	stalled, _ := s.Enqueue(ctx, QueueContentGeneration, "generate-content", []byte(`{"meeting_id":1}`), Options{MaxAttempts: 3, DedupeKey: "meeting:1"})
	last, _ := s.Enqueue(ctx, QueueContentGeneration, "generate-content", []byte(`{"meeting_id":2}`), Options{MaxAttempts: 1, DedupeKey: "meeting:2"})
	s.ClaimNext(ctx, QueueContentGeneration)
	s.ClaimNext(ctx, QueueContentGeneration)

	*now = now.Add(time.Hour)
	fresh, _ := s.Enqueue(ctx, QueueContentGeneration, "generate-content", []byte(`{"meeting_id":3}`), Options{DedupeKey: "meeting:3"})
	s.ClaimNext(ctx, QueueContentGeneration)

	n, err := s.RequeueStalled(ctx, QueueContentGeneration, now.Add(-30*time.Minute))
	if err != nil || n != 2 {
		t.Fatalf("RequeueStalled() = %d, %v, want 2", n, err)
	}

	if got, _ := s.Get(ctx, stalled.ID); got.State != StateDelayed || got.AttemptsMade != 1 {
		t.Errorf("stalled job = state %s attempts %d, want delayed after 1", got.State, got.AttemptsMade)
	}
	if got, _ := s.Get(ctx, last.ID); got.State != StateFailed {
		t.Errorf("stalled job on its last attempt = %s, want failed", got.State)
	}
	if got, _ := s.Get(ctx, fresh.ID); got.State != StateActive {
		t.Errorf("recent job = %s, want still active", got.State)
	}
}
