package jobctrl

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"aftermeet/src/core/contentgen"
	"aftermeet/src/infrastructure/job"
	"aftermeet/src/infrastructure/log"
	"aftermeet/src/storage/postgres/meetingctrl"
)

// MinTranscriptLength is the shortest transcript worth generating posts from.
const MinTranscriptLength = 100

var ErrTranscriptTooShort = errors.New("transcript too short")

type ContentTask struct {
	meetings    MeetingRepository
	posts       SocialPostRepository
	transcripts TranscriptStorage
	generator   ContentGenerator
	now         clock
}

func NewContentTask(meetings MeetingRepository, posts SocialPostRepository, transcripts TranscriptStorage, generator ContentGenerator) *ContentTask {
	return &ContentTask{
		meetings:    meetings,
		posts:       posts,
		transcripts: transcripts,
		generator:   generator,
		now:         systemClock,
	}
}

// HandleGenerateContent drafts one post per requested platform. Platforms
// that already have a post for the meeting are skipped, so a retry only
// redoes what failed. The job succeeds once at least one requested platform
// has a draft. No publish job is enqueued here; drafts wait for approval.
func (task *ContentTask) HandleGenerateContent(ctx context.Context, exec *job.Execution) error {
	var payload GenerateContentPayload
	if err := exec.Decode(&payload); err != nil {
		return err
	}
	err := task.generate(ctx, exec, payload)
	return settle(ctx, task.meetings, exec, payload.MeetingID, meetingctrl.StageContent, err)
}

func (task *ContentTask) generate(ctx context.Context, exec *job.Execution, payload GenerateContentPayload) error {
	m, err := task.meetings.GetByID(ctx, payload.MeetingID)
	if errors.Is(err, meetingctrl.ErrMeetingNotFound) {
		return job.Permanent(fmt.Errorf("meeting %d: %w", payload.MeetingID, err))
	}
	if err != nil {
		return fmt.Errorf("failed to get meeting %d: %w", payload.MeetingID, err)
	}
	if m.TranscriptURL == "" {
		return job.Permanent(fmt.Errorf("meeting %d has no transcript", m.ID))
	}

	transcript, err := task.transcripts.Load(ctx, m.TranscriptURL)
	if err != nil {
		return fmt.Errorf("failed to load transcript of meeting %d: %w", m.ID, err)
	}
	transcript = strings.TrimSpace(transcript)
	if len(transcript) < MinTranscriptLength {
		return job.Permanent(fmt.Errorf("meeting %d: %w (%d characters)", m.ID, ErrTranscriptTooShort, len(transcript)))
	}
	exec.ReportProgress(ctx, 10)

	existing, err := task.posts.GetByMeetingID(ctx, m.ID)
	if err != nil {
		return fmt.Errorf("failed to get posts of meeting %d: %w", m.ID, err)
	}
	drafted := make(map[string]bool, len(existing))
	for _, p := range existing {
		drafted[p.Platform] = true
	}

	var pending []string
	for _, platform := range payload.Platforms {
		if !drafted[platform] {
			pending = append(pending, platform)
		}
	}

	l := log.WithValues("meeting_id", m.ID, "job_id", exec.Job.ID)
	var failures []error
	if len(pending) > 0 {
		insights, err := task.generator.GenerateInsights(ctx, transcript, m.Title)
		if err != nil {
			return fmt.Errorf("failed to generate insights for meeting %d: %w", m.ID, err)
		}
		exec.ReportProgress(ctx, 40)

		for i, platform := range pending {
			if err := task.draft(ctx, m, insights, platform); err != nil {
				l.Error(err, "failed to draft post", "platform", platform)
				failures = append(failures, err)
			} else {
				drafted[platform] = true
			}
			exec.ReportProgress(ctx, 40+60*(i+1)/len(pending))
		}
	}

	var requested int
	for _, platform := range payload.Platforms {
		if drafted[platform] {
			requested++
		}
	}
	if requested == 0 {
		return fmt.Errorf("no post drafted for meeting %d: %w", m.ID, errors.Join(failures...))
	}

	if m.ContentGeneratedAt == nil {
		if err := task.meetings.MarkContentGenerated(ctx, m.ID, task.now()); err != nil {
			return fmt.Errorf("failed to mark content generated for meeting %d: %w", m.ID, err)
		}
	}
	if len(failures) > 0 {
		l.Info("content partially generated", "drafted", requested, "failed", len(failures))
	} else {
		l.Info("content generated", "drafted", requested)
	}
	return nil
}

func (task *ContentTask) draft(ctx context.Context, m *meetingctrl.Meeting, insights *contentgen.Insights, platform string) error {
	text, err := task.generator.GeneratePost(ctx, insights, platform, m.Title)
	if err != nil {
		return fmt.Errorf("failed to generate %s post: %w", platform, err)
	}
	if _, err := task.posts.CreateDraft(ctx, m.ID, m.UserID, platform, text); err != nil {
		return fmt.Errorf("failed to save %s draft: %w", platform, err)
	}
	return nil
}
