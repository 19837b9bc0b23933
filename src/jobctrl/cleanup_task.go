package jobctrl

import (
	"context"
	"fmt"
	"slices"

	"aftermeet/src/infrastructure/job"
	"aftermeet/src/infrastructure/log"
)

type CleanupTask struct {
	meetings    MeetingRepository
	posts       SocialPostRepository
	transcripts TranscriptStorage
}

func NewCleanupTask(meetings MeetingRepository, posts SocialPostRepository, transcripts TranscriptStorage) *CleanupTask {
	return &CleanupTask{
		meetings:    meetings,
		posts:       posts,
		transcripts: transcripts,
	}
}

// HandleCleanupResources purges records older than the cutoff in each
// requested category. Every category purge is idempotent, so a retry after a
// partial run only finishes the rest.
func (task *CleanupTask) HandleCleanupResources(ctx context.Context, exec *job.Execution) error {
	var payload CleanupPayload
	if err := exec.Decode(&payload); err != nil {
		return err
	}

	for _, c := range payload.Categories {
		if !slices.Contains(Categories, c) {
			return job.Permanent(fmt.Errorf("unknown cleanup category %q", c))
		}
	}

	for i, c := range payload.Categories {
		n, err := task.purge(ctx, c, payload)
		if err != nil {
			return fmt.Errorf("failed to clean up %s: %w", c, err)
		}
		log.Info("resources purged", "category", c, "count", n, "cutoff", payload.Cutoff)
		exec.ReportProgress(ctx, 100*(i+1)/len(payload.Categories))
	}
	return nil
}

func (task *CleanupTask) purge(ctx context.Context, category string, payload CleanupPayload) (int64, error) {
	switch category {
	case CategoryMeetings:
		return task.meetings.PurgeOlderThan(ctx, payload.Cutoff)
	case CategorySocialPosts:
		return task.posts.PurgeOlderThan(ctx, payload.Cutoff)
	case CategoryTranscripts:
		return task.purgeTranscripts(ctx, payload)
	}
	return 0, nil
}

// purgeTranscripts deletes transcript objects of meetings that ended before
// the cutoff, then drops the references.
func (task *CleanupTask) purgeTranscripts(ctx context.Context, payload CleanupPayload) (int64, error) {
	meetings, err := task.meetings.ListWithTranscriptBefore(ctx, payload.Cutoff)
	if err != nil {
		return 0, err
	}
	if len(meetings) == 0 {
		return 0, nil
	}

	refs := make([]string, 0, len(meetings))
	for _, m := range meetings {
		refs = append(refs, m.TranscriptURL)
	}
	if err := task.transcripts.Delete(ctx, refs); err != nil {
		return 0, err
	}

	var n int64
	for _, m := range meetings {
		if err := task.meetings.ClearTranscript(ctx, m.ID); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
