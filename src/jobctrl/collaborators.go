package jobctrl

import (
	"context"
	"time"

	"aftermeet/src/core/contentgen"
	"aftermeet/src/infrastructure/integrations/recall"
	"aftermeet/src/infrastructure/integrations/social"
	"aftermeet/src/storage/postgres/accountctrl"
	"aftermeet/src/storage/postgres/meetingctrl"
	"aftermeet/src/storage/postgres/socialpostctrl"
)

// MeetingRepository is the slice of meeting storage the handlers write.
type MeetingRepository interface {
	GetByID(ctx context.Context, id int64) (*meetingctrl.Meeting, error)
	AssignBot(ctx context.Context, id int64, botID string) error
	ClearBot(ctx context.Context, id int64) error
	AttachTranscript(ctx context.Context, id int64, transcriptURL string) error
	MarkContentGenerated(ctx context.Context, id int64, at time.Time) error
	RecordError(ctx context.Context, id int64, stage meetingctrl.Stage, message string) error
	ListWithTranscriptBefore(ctx context.Context, cutoff time.Time) ([]meetingctrl.Meeting, error)
	ClearTranscript(ctx context.Context, id int64) error
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

type SocialPostRepository interface {
	GetByID(ctx context.Context, id int64) (*socialpostctrl.SocialPost, error)
	GetByMeetingID(ctx context.Context, meetingID int64) ([]socialpostctrl.SocialPost, error)
	CreateDraft(ctx context.Context, meetingID, userID int64, platform, content string) (*socialpostctrl.SocialPost, error)
	MarkPosted(ctx context.Context, id int64, platformPostID string, postedAt time.Time) error
	MarkFailed(ctx context.Context, id int64, errorMessage string) error
	RecordError(ctx context.Context, id int64, errorMessage string) error
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

type AccountRepository interface {
	Get(ctx context.Context, userID int64, platform string) (*accountctrl.SocialAccount, error)
}

// RecordingService sends bots to meetings and returns their transcripts.
type RecordingService interface {
	CreateBot(ctx context.Context, req recall.CreateBotRequest) (*recall.Bot, error)
	DeleteBot(ctx context.Context, botID string) error
	GetStatus(ctx context.Context, botID string) (recall.Status, error)
	GetTranscript(ctx context.Context, botID string) (string, error)
}

type TranscriptStorage interface {
	Save(ctx context.Context, meetingID int64, text string) (string, error)
	Load(ctx context.Context, ref string) (string, error)
	Delete(ctx context.Context, refs []string) error
}

type ContentGenerator interface {
	GenerateInsights(ctx context.Context, transcript, title string) (*contentgen.Insights, error)
	GeneratePost(ctx context.Context, insights *contentgen.Insights, platform, title string) (string, error)
}

type Publisher interface {
	Publish(ctx context.Context, platform string, creds social.Credentials, content, idempotencyKey string) (string, error)
}

type clock func() time.Time

func systemClock() time.Time { return time.Now().UTC() }
