package jobctrl

import (
	"context"
	"time"

	"aftermeet/src/infrastructure/job"
)

// Tasks bundles the handler families a worker runs.
type Tasks struct {
	Bot     *BotTask
	Content *ContentTask
	Publish *PublishTask
	Cleanup *CleanupTask
}

// RegisterHandlers binds every job kind to its handler on d.
func RegisterHandlers(d *job.Dispatcher, tasks Tasks) {
	d.Handle(job.QueueBotLifecycle, TaskTypeCreateBot, tasks.Bot.HandleCreateBot)
	d.Handle(job.QueueBotLifecycle, TaskTypeStopBot, tasks.Bot.HandleStopBot)
	d.Handle(job.QueueBotLifecycle, TaskTypeFetchTranscript, tasks.Bot.HandleFetchTranscript)
	d.Handle(job.QueueContentGeneration, TaskTypeGenerateContent, tasks.Content.HandleGenerateContent)
	d.Handle(job.QueueSocialPublishing, TaskTypePostContent, tasks.Publish.HandlePostContent)
	d.Handle(job.QueueCleanup, TaskTypeCleanupResources, tasks.Cleanup.HandleCleanupResources)
}

// PipelineService is the scheduling surface callers use instead of raw
// queue names and payloads. Duplicate requests return the open job together
// with job.ErrDuplicateJob.
type PipelineService struct {
	jobs *job.JobService
}

func NewPipelineService(jobs *job.JobService) *PipelineService {
	return &PipelineService{jobs: jobs}
}

func (s *PipelineService) Jobs() *job.JobService {
	return s.jobs
}

// ScheduleBot creates the bot for a meeting at runAt, or right away when
// runAt has passed.
func (s *PipelineService) ScheduleBot(ctx context.Context, meetingID int64, runAt time.Time) (*job.Job, error) {
	return s.jobs.Enqueue(ctx, job.QueueBotLifecycle, TaskTypeCreateBot,
		MeetingPayload{MeetingID: meetingID}, job.Options{RunAt: runAt})
}

// CancelBot drops a bot creation that has not started yet.
func (s *PipelineService) CancelBot(ctx context.Context, meetingID int64) (bool, error) {
	return s.cancel(ctx, job.QueueBotLifecycle, TaskTypeCreateBot, MeetingPayload{MeetingID: meetingID})
}

func (s *PipelineService) StopBot(ctx context.Context, meetingID int64, botID string) (*job.Job, error) {
	return s.jobs.Enqueue(ctx, job.QueueBotLifecycle, TaskTypeStopBot,
		StopBotPayload{MeetingID: meetingID, BotID: botID}, job.Options{})
}

func (s *PipelineService) FetchTranscript(ctx context.Context, meetingID int64, delay time.Duration) (*job.Job, error) {
	return s.jobs.Enqueue(ctx, job.QueueBotLifecycle, TaskTypeFetchTranscript,
		MeetingPayload{MeetingID: meetingID}, job.Options{Delay: delay})
}

func (s *PipelineService) ScheduleContent(ctx context.Context, meetingID int64, platforms []string) (*job.Job, error) {
	return s.jobs.Enqueue(ctx, job.QueueContentGeneration, TaskTypeGenerateContent,
		GenerateContentPayload{MeetingID: meetingID, Platforms: platforms}, job.Options{})
}

// SchedulePost publishes a post at runAt.
func (s *PipelineService) SchedulePost(ctx context.Context, postID int64, runAt time.Time) (*job.Job, error) {
	return s.jobs.Enqueue(ctx, job.QueueSocialPublishing, TaskTypePostContent,
		PostContentPayload{PostID: postID}, job.Options{RunAt: runAt})
}

func (s *PipelineService) CancelPost(ctx context.Context, postID int64) (bool, error) {
	return s.cancel(ctx, job.QueueSocialPublishing, TaskTypePostContent, PostContentPayload{PostID: postID})
}

// cancel removes the pending job of kind that locks the same resource as payload.
func (s *PipelineService) cancel(ctx context.Context, queue job.QueueName, kind string, payload any) (bool, error) {
	_, key, err := s.jobs.Registry().Prepare(queue, kind, payload)
	if err != nil {
		return false, err
	}
	return s.jobs.Cancel(ctx, queue, job.Selector{Kind: kind, DedupeKey: key})
}

func (s *PipelineService) ScheduleCleanup(ctx context.Context, categories []string, cutoff time.Time) (*job.Job, error) {
	return s.jobs.Enqueue(ctx, job.QueueCleanup, TaskTypeCleanupResources,
		CleanupPayload{Categories: categories, Cutoff: cutoff.UTC()}, job.Options{})
}
