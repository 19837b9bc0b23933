package jobctrl

import (
	"fmt"
	"time"

	"aftermeet/src/infrastructure/job"
)

const (
	TaskTypeCreateBot        = "create-bot"
	TaskTypeStopBot          = "stop-bot"
	TaskTypeFetchTranscript  = "fetch-transcript"
	TaskTypeGenerateContent  = "generate-content"
	TaskTypePostContent      = "post-content"
	TaskTypeCleanupResources = "cleanup-resources"
)

const (
	CategoryMeetings    = "meetings"
	CategorySocialPosts = "social-posts"
	CategoryTranscripts = "transcripts"
)

// Categories lists every resource category cleanup-resources understands.
var Categories = []string{CategoryMeetings, CategorySocialPosts, CategoryTranscripts}

type MeetingPayload struct {
	MeetingID int64 `json:"meeting_id" validate:"required,gt=0"`
}

type StopBotPayload struct {
	MeetingID int64 `json:"meeting_id" validate:"required,gt=0"`
	// BotID overrides the bot stored on the meeting, for bots whose meeting is gone.
	BotID string `json:"bot_id,omitempty"`
}

type GenerateContentPayload struct {
	MeetingID int64    `json:"meeting_id" validate:"required,gt=0"`
	Platforms []string `json:"platforms" validate:"required,min=1,unique,dive,oneof=linkedin facebook"`
}

type PostContentPayload struct {
	PostID int64 `json:"post_id" validate:"required,gt=0"`
}

type CleanupPayload struct {
	Categories []string  `json:"categories" validate:"required,min=1,unique,dive,oneof=meetings social-posts transcripts"`
	Cutoff     time.Time `json:"cutoff" validate:"required"`
}

// RegisterKinds declares every job kind with its payload schema, dedupe key
// and retry defaults.
func RegisterKinds(registry *job.Registry) {
	registry.Register(job.KindSpec{
		Queue:      job.QueueBotLifecycle,
		Name:       TaskTypeCreateBot,
		NewPayload: func() any { return &MeetingPayload{} },
		DedupeKey: func(p any) string {
			return fmt.Sprintf("create-bot:meeting:%d", p.(*MeetingPayload).MeetingID)
		},
		Defaults: job.Options{
			MaxAttempts: 3,
			Backoff:     job.BackoffPolicy{Strategy: job.BackoffExponential, BaseDelay: 30 * time.Second},
		},
	})
	registry.Register(job.KindSpec{
		Queue:      job.QueueBotLifecycle,
		Name:       TaskTypeStopBot,
		NewPayload: func() any { return &StopBotPayload{} },
		DedupeKey: func(p any) string {
			return fmt.Sprintf("stop-bot:meeting:%d", p.(*StopBotPayload).MeetingID)
		},
		Defaults: job.Options{
			MaxAttempts: 3,
			Backoff:     job.BackoffPolicy{Strategy: job.BackoffExponential, BaseDelay: 10 * time.Second},
		},
	})
	registry.Register(job.KindSpec{
		Queue:      job.QueueBotLifecycle,
		Name:       TaskTypeFetchTranscript,
		NewPayload: func() any { return &MeetingPayload{} },
		DedupeKey: func(p any) string {
			return fmt.Sprintf("fetch-transcript:meeting:%d", p.(*MeetingPayload).MeetingID)
		},
		// transcripts take a while after the call ends, so poll on a fixed interval
		Defaults: job.Options{
			MaxAttempts: 10,
			Backoff:     job.BackoffPolicy{Strategy: job.BackoffFixed, BaseDelay: 2 * time.Minute},
		},
	})
	registry.Register(job.KindSpec{
		Queue:      job.QueueContentGeneration,
		Name:       TaskTypeGenerateContent,
		NewPayload: func() any { return &GenerateContentPayload{} },
		DedupeKey: func(p any) string {
			return fmt.Sprintf("meeting:%d", p.(*GenerateContentPayload).MeetingID)
		},
		Defaults: job.Options{
			MaxAttempts: 3,
			Backoff:     job.BackoffPolicy{Strategy: job.BackoffExponential, BaseDelay: time.Minute},
		},
	})
	registry.Register(job.KindSpec{
		Queue:      job.QueueSocialPublishing,
		Name:       TaskTypePostContent,
		NewPayload: func() any { return &PostContentPayload{} },
		DedupeKey: func(p any) string {
			return fmt.Sprintf("post:%d", p.(*PostContentPayload).PostID)
		},
		Defaults: job.Options{
			MaxAttempts: 3,
			Backoff:     job.BackoffPolicy{Strategy: job.BackoffExponential, BaseDelay: time.Minute},
		},
	})
	registry.Register(job.KindSpec{
		Queue:      job.QueueCleanup,
		Name:       TaskTypeCleanupResources,
		NewPayload: func() any { return &CleanupPayload{} },
		DedupeKey: func(p any) string {
			return "cleanup:" + p.(*CleanupPayload).Cutoff.UTC().Format(time.DateOnly)
		},
		Defaults: job.Options{
			MaxAttempts: 2,
			Backoff:     job.BackoffPolicy{Strategy: job.BackoffFixed, BaseDelay: 10 * time.Minute},
		},
	})
}
