package scheduler

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/go-logr/logr"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"aftermeet/src/core/contentgen"
	"aftermeet/src/fsutil"
	"aftermeet/src/infrastructure/job"
	"aftermeet/src/jobctrl"
	"aftermeet/src/storage/postgres/meetingctrl"
	"aftermeet/src/storage/postgres/socialpostctrl"
)

type countingGenerator struct {
	calls int
}

func (g *countingGenerator) GenerateInsights(ctx context.Context, transcript, title string) (*contentgen.Insights, error) {
	g.calls++
	return &contentgen.Insights{Summary: title}, nil
}

func (g *countingGenerator) GeneratePost(ctx context.Context, insights *contentgen.Insights, platform, title string) (string, error) {
	return platform + ": " + insights.Summary, nil
}

func TestContentSweepStopsAfterPermanentFailure(t *testing.T) {
	ctx := context.Background()

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "aftermeet.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	meetings, err := meetingctrl.NewMeetingService(db)
	if err != nil {
		t.Fatalf("NewMeetingService() error = %v", err)
	}
	posts, err := socialpostctrl.NewSocialPostService(db)
	if err != nil {
		t.Fatalf("NewSocialPostService() error = %v", err)
	}
	if err := meetings.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	if err := posts.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	transcripts := fsutil.NewTranscriptStore(fsutil.NewLocalFileStore(), t.TempDir())
	m := &meetingctrl.Meeting{
		UserID:     1,
		Title:      "Quick sync",
		MeetingURL: "https://meet.google.com/abc",
		StartTime:  testNow.Add(-2 * time.Hour),
		EndTime:    testNow.Add(-time.Hour),
		Status:     meetingctrl.StatusCompleted,
	}
	if err := meetings.Create(ctx, m); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	ref, err := transcripts.Save(ctx, m.ID, "Bye.")
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := meetings.AttachTranscript(ctx, m.ID, ref); err != nil {
		t.Fatalf("AttachTranscript() error = %v", err)
	}

	f := newFixture(t)
	generator := &countingGenerator{}
	dispatcher := job.NewDispatcher(f.store, logr.Discard())
	dispatcher.Handle(job.QueueContentGeneration, jobctrl.TaskTypeGenerateContent,
		jobctrl.NewContentTask(meetings, posts, transcripts, generator).HandleGenerateContent)

	r := NewReconciler(f.pipeline, meetings, f.posts, DefaultConfig(), WithClock(func() time.Time { return testNow }))
	for i := 0; i < 4; i++ {
		if err := r.RunSweep(ctx, SweepContentAndPosts); err != nil {
			t.Fatalf("sweep %d: RunSweep() error = %v", i, err)
		}
		if _, err := dispatcher.RunOnce(ctx, job.QueueContentGeneration); err != nil {
			t.Fatalf("sweep %d: RunOnce() error = %v", i, err)
		}
	}

	jobs := f.jobs(t, job.QueueContentGeneration)
	if len(jobs) != 1 {
		t.Fatalf("got %d generate-content jobs, want 1", len(jobs))
	}
	if jobs[0].State != job.StateFailed || !jobs[0].Permanent {
		t.Errorf("job state = %s permanent = %v", jobs[0].State, jobs[0].Permanent)
	}
	if generator.calls != 0 {
		t.Errorf("generator called %d times", generator.calls)
	}

	stored, err := meetings.GetByID(ctx, m.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if !strings.Contains(stored.ContentError, jobctrl.ErrTranscriptTooShort.Error()) {
		t.Errorf("ContentError = %q", stored.ContentError)
	}
}
