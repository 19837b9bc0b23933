package jobctrl

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"aftermeet/src/core/contentgen"
	"aftermeet/src/infrastructure/job"
	"aftermeet/src/storage/postgres/meetingctrl"
)

func completedMeeting(h *harness, transcript string) {
	m := upcomingMeeting(h, 1, -2*time.Hour)
	m.Status = meetingctrl.StatusCompleted
	m.BotID = "bot-1"
	m.TranscriptURL = "transcripts/meetings/1/transcript.txt"
	h.meetings.put(m)
	h.transcripts.put(m.TranscriptURL, transcript)
}

func TestGenerateContentShortTranscriptFailsPermanently(t *testing.T) {
	h := newHarness(t)
	completedMeeting(h, strings.Repeat("x", 50))

	j, err := h.pipeline.ScheduleContent(context.Background(), 1, []string{"linkedin"})
	if err != nil {
		t.Fatalf("ScheduleContent() error = %v", err)
	}
	got := h.runOnce(t, job.QueueContentGeneration, j.ID)

	if got.State != job.StateFailed || !got.Permanent {
		t.Fatalf("state = %s permanent = %v, want failed permanently", got.State, got.Permanent)
	}
	if got.AttemptsMade != 1 {
		t.Errorf("attempts = %d, want 1", got.AttemptsMade)
	}
	if !strings.Contains(got.FailureReason, ErrTranscriptTooShort.Error()) {
		t.Errorf("reason = %q", got.FailureReason)
	}
	if h.generator.calls != 0 {
		t.Errorf("generator called %d times", h.generator.calls)
	}
	if m := h.meetings.get(1); !strings.Contains(m.ContentError, ErrTranscriptTooShort.Error()) {
		t.Errorf("ContentError = %q, want the terminal reason recorded", m.ContentError)
	}
}

func TestGenerateContentExhaustedRecordsError(t *testing.T) {
	h := newHarness(t)
	completedMeeting(h, strings.Repeat("We talked about the roadmap. ", 10))
	h.generator.insightsErr = errors.New("ollama: 503")

	j, err := h.pipeline.ScheduleContent(context.Background(), 1, []string{"linkedin"})
	if err != nil {
		t.Fatalf("ScheduleContent() error = %v", err)
	}

	first := h.runOnce(t, job.QueueContentGeneration, j.ID)
	if first.State != job.StateDelayed {
		t.Fatalf("state = %s, want delayed", first.State)
	}
	if m := h.meetings.get(1); m.ContentError != "" {
		t.Errorf("ContentError = %q before the last attempt", m.ContentError)
	}

	h.clock.Advance(first.RunAt.Sub(h.clock.Now()) + time.Second)
	if got := h.runUntilTerminal(t, job.QueueContentGeneration, j.ID); got.State != job.StateFailed {
		t.Fatalf("state = %s, want failed", got.State)
	}
	if m := h.meetings.get(1); m.ContentError == "" {
		t.Error("ContentError not recorded after the last attempt")
	}
}

func TestGenerateContentRequestedPlatformsMustSucceed(t *testing.T) {
	h := newHarness(t)
	completedMeeting(h, strings.Repeat("We talked about the roadmap. ", 10))
	h.posts.CreateDraft(context.Background(), 1, 7, "linkedin", "earlier draft")
	h.generator.postErr = map[string]error{"facebook": errors.New("ollama: 503")}

	j, err := h.pipeline.ScheduleContent(context.Background(), 1, []string{"facebook"})
	if err != nil {
		t.Fatalf("ScheduleContent() error = %v", err)
	}
	got := h.runOnce(t, job.QueueContentGeneration, j.ID)
	if got.State != job.StateDelayed {
		t.Fatalf("state = %s, want delayed while no facebook draft exists", got.State)
	}
	if m := h.meetings.get(1); m.ContentGeneratedAt != nil {
		t.Error("meeting marked as generated without a facebook draft")
	}

	h.generator.postErr = nil
	h.clock.Advance(got.RunAt.Sub(h.clock.Now()) + time.Second)
	if got = h.runOnce(t, job.QueueContentGeneration, j.ID); got.State != job.StateCompleted {
		t.Fatalf("retry state = %s (%s), want completed", got.State, got.FailureReason)
	}
	posts, _ := h.posts.GetByMeetingID(context.Background(), 1)
	if len(posts) != 2 {
		t.Errorf("got %d posts, want linkedin and facebook", len(posts))
	}
}

func TestGenerateContent(t *testing.T) {
	longTranscript := strings.Repeat("We talked about the roadmap. ", 10)

	tests := []struct {
		name          string
		insightsErr   error
		postErr       map[string]error
		wantState     job.State
		wantPlatforms []string
		wantMarked    bool
	}{
		{
			name:          "all platforms",
			wantState:     job.StateCompleted,
			wantPlatforms: []string{"facebook", "linkedin"},
			wantMarked:    true,
		},
		{
			name:          "partial success",
			postErr:       map[string]error{"facebook": contentgen.ErrMalformedOutput},
			wantState:     job.StateCompleted,
			wantPlatforms: []string{"linkedin"},
			wantMarked:    true,
		},
		{
			name:      "every platform fails",
			postErr:   map[string]error{"facebook": contentgen.ErrMalformedOutput, "linkedin": errors.New("timeout")},
			wantState: job.StateDelayed,
		},
		{
			name:        "malformed insights",
			insightsErr: contentgen.ErrMalformedOutput,
			wantState:   job.StateDelayed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			completedMeeting(h, longTranscript)
			h.generator.insightsErr = tt.insightsErr
			h.generator.postErr = tt.postErr

			j, err := h.pipeline.ScheduleContent(context.Background(), 1, []string{"linkedin", "facebook"})
			if err != nil {
				t.Fatalf("ScheduleContent() error = %v", err)
			}
			got := h.runOnce(t, job.QueueContentGeneration, j.ID)
			if got.State != tt.wantState {
				t.Fatalf("state = %s (%s), want %s", got.State, got.FailureReason, tt.wantState)
			}

			posts, _ := h.posts.GetByMeetingID(context.Background(), 1)
			var platforms []string
			for _, p := range posts {
				platforms = append(platforms, p.Platform)
				if p.Status != "draft" {
					t.Errorf("post %d status = %s, want draft", p.ID, p.Status)
				}
			}
			slices.Sort(platforms)
			if !slices.Equal(platforms, tt.wantPlatforms) {
				t.Errorf("drafted platforms = %v, want %v", platforms, tt.wantPlatforms)
			}
			if marked := h.meetings.get(1).ContentGeneratedAt != nil; marked != tt.wantMarked {
				t.Errorf("content generated marked = %v, want %v", marked, tt.wantMarked)
			}
			if n, _ := h.dispatcher.RunOnce(context.Background(), job.QueueSocialPublishing); n {
				t.Error("content generation enqueued a publish job")
			}
		})
	}
}

func TestGenerateContentRetryOnlyRedoesMissingPlatforms(t *testing.T) {
	h := newHarness(t)
	completedMeeting(h, strings.Repeat("We talked about the roadmap. ", 10))
	h.posts.CreateDraft(context.Background(), 1, 7, "linkedin", "earlier draft")

	j, err := h.pipeline.ScheduleContent(context.Background(), 1, []string{"linkedin", "facebook"})
	if err != nil {
		t.Fatalf("ScheduleContent() error = %v", err)
	}
	if got := h.runOnce(t, job.QueueContentGeneration, j.ID); got.State != job.StateCompleted {
		t.Fatalf("state = %s (%s)", got.State, got.FailureReason)
	}

	posts, _ := h.posts.GetByMeetingID(context.Background(), 1)
	if len(posts) != 2 {
		t.Fatalf("got %d posts, want 2", len(posts))
	}
	for _, p := range posts {
		if p.Platform == "linkedin" && p.Content != "earlier draft" {
			t.Errorf("linkedin draft was regenerated: %q", p.Content)
		}
	}
}
