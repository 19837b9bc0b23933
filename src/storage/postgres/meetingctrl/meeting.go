package meetingctrl

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Status string

const (
	StatusScheduled  Status = "scheduled"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

// Stage names the pipeline step a terminal error is recorded against.
// The value is the column holding the error.
type Stage string

const (
	StageBot        Stage = "bot_error"
	StageTranscript Stage = "transcript_error"
	StageContent    Stage = "content_error"
)

var ErrMeetingNotFound = errors.New("meeting not found")

type Meeting struct {
	ID                 int64      `gorm:"primaryKey" json:"id"`
	UserID             int64      `gorm:"not null;index" json:"user_id"`
	CalendarEventID    string     `gorm:"size:255;index" json:"calendar_event_id,omitempty"`
	Title              string     `gorm:"not null" json:"title"`
	MeetingURL         string     `gorm:"not null;column:meeting_url" json:"meeting_url"`
	StartTime          time.Time  `gorm:"not null;index" json:"start_time"`
	EndTime            time.Time  `gorm:"not null" json:"end_time"`
	RecallEnabled      bool       `gorm:"not null;default:false" json:"recall_enabled"`
	BotID              string     `gorm:"size:128" json:"bot_id,omitempty"`
	Status             Status     `gorm:"not null;size:16;index" json:"status"`
	TranscriptURL      string     `gorm:"column:transcript_url" json:"transcript_url,omitempty"` // bucket name + object name
	ContentGeneratedAt *time.Time `json:"content_generated_at,omitempty"`
	BotError           string     `gorm:"type:text;not null;default:''" json:"bot_error,omitempty"`
	TranscriptError    string     `gorm:"type:text;not null;default:''" json:"transcript_error,omitempty"`
	ContentError       string     `gorm:"type:text;not null;default:''" json:"content_error,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

type MeetingService struct {
	db        *gorm.DB
	snowflake *snowflake.Node
}

func NewMeetingService(db *gorm.DB) (*MeetingService, error) {
	node, err := snowflake.NewNode(10) // Node number 10 for meetings
	if err != nil {
		return nil, fmt.Errorf("failed to create snowflake node: %v", err)
	}

	return &MeetingService{
		db:        db,
		snowflake: node,
	}, nil
}

func (s *MeetingService) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&Meeting{})
}

func (s *MeetingService) Create(ctx context.Context, m *Meeting) error {
	if m.ID == 0 {
		m.ID = s.snowflake.Generate().Int64()
	}
	if m.Status == "" {
		m.Status = StatusScheduled
	}

	if err := s.db.WithContext(ctx).Create(m).Error; err != nil {
		return fmt.Errorf("failed to create meeting: %v", err)
	}
	return nil
}

func (s *MeetingService) GetByID(ctx context.Context, id int64) (*Meeting, error) {
	var m Meeting
	result := s.db.WithContext(ctx).First(&m, id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrMeetingNotFound
		}
		return nil, fmt.Errorf("failed to get meeting: %v", result.Error)
	}
	return &m, nil
}

// UpsertFromCalendar creates the meeting for a calendar event or refreshes
// its schedule. Bot, status and transcript fields are left alone.
func (s *MeetingService) UpsertFromCalendar(ctx context.Context, m *Meeting) (*Meeting, error) {
	var existing Meeting
	result := s.db.WithContext(ctx).
		Where("user_id = ? AND calendar_event_id = ?", m.UserID, m.CalendarEventID).
		Limit(1).Find(&existing)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to look up calendar meeting: %v", result.Error)
	}
	if result.RowsAffected == 0 {
		if err := s.Create(ctx, m); err != nil {
			return nil, err
		}
		return m, nil
	}

	err := s.db.WithContext(ctx).Model(&existing).Updates(map[string]interface{}{
		"title":       m.Title,
		"meeting_url": m.MeetingURL,
		"start_time":  m.StartTime,
		"end_time":    m.EndTime,
	}).Error
	if err != nil {
		return nil, fmt.Errorf("failed to update calendar meeting: %v", err)
	}
	return &existing, nil
}

func (s *MeetingService) update(ctx context.Context, id int64, fields map[string]interface{}) error {
	result := s.db.WithContext(ctx).Model(&Meeting{}).Where("id = ?", id).Updates(fields)
	if result.Error != nil {
		return fmt.Errorf("failed to update meeting: %v", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrMeetingNotFound
	}
	return nil
}

// AssignBot stores the bot id and moves the meeting in progress.
func (s *MeetingService) AssignBot(ctx context.Context, id int64, botID string) error {
	return s.update(ctx, id, map[string]interface{}{
		"bot_id":    botID,
		"status":    StatusInProgress,
		"bot_error": "",
	})
}

func (s *MeetingService) ClearBot(ctx context.Context, id int64) error {
	return s.update(ctx, id, map[string]interface{}{"bot_id": ""})
}

// RecordError notes why stage ended for good. Meetings with an error for a
// stage are no longer listed for it; the next success of the stage clears it.
func (s *MeetingService) RecordError(ctx context.Context, id int64, stage Stage, message string) error {
	switch stage {
	case StageBot, StageTranscript, StageContent:
	default:
		return fmt.Errorf("unknown meeting stage %q", stage)
	}
	return s.update(ctx, id, map[string]interface{}{string(stage): message})
}

// AttachTranscript records the transcript location and completes the meeting.
func (s *MeetingService) AttachTranscript(ctx context.Context, id int64, transcriptURL string) error {
	return s.update(ctx, id, map[string]interface{}{
		"transcript_url":   transcriptURL,
		"status":           StatusCompleted,
		"transcript_error": "",
	})
}

func (s *MeetingService) MarkContentGenerated(ctx context.Context, id int64, at time.Time) error {
	return s.update(ctx, id, map[string]interface{}{
		"content_generated_at": at,
		"content_error":        "",
	})
}

// ListUpcomingWithoutBot returns recording-enabled scheduled meetings that
// start in [from, to] and have no bot yet. Meetings whose bot could not be
// created are left out.
func (s *MeetingService) ListUpcomingWithoutBot(ctx context.Context, from, to time.Time) ([]Meeting, error) {
	var meetings []Meeting
	result := s.db.WithContext(ctx).
		Where("recall_enabled = ? AND (bot_id = '' OR bot_id IS NULL) AND status = ?", true, StatusScheduled).
		Where("COALESCE(bot_error, '') = ''").
		Where("start_time >= ? AND start_time <= ?", from, to).
		Order("start_time ASC").
		Find(&meetings)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list upcoming meetings: %v", result.Error)
	}
	return meetings, nil
}

// ListAwaitingTranscript returns in-progress meetings with a bot that ended
// before endedBefore and whose transcript has not failed for good.
func (s *MeetingService) ListAwaitingTranscript(ctx context.Context, endedBefore time.Time) ([]Meeting, error) {
	var meetings []Meeting
	result := s.db.WithContext(ctx).
		Where("status = ? AND bot_id <> '' AND end_time <= ?", StatusInProgress, endedBefore).
		Where("COALESCE(transcript_error, '') = ''").
		Order("end_time ASC").
		Find(&meetings)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list meetings awaiting transcript: %v", result.Error)
	}
	return meetings, nil
}

// ListReadyForContent returns completed meetings with a transcript, no
// generated content and no terminal content error.
func (s *MeetingService) ListReadyForContent(ctx context.Context) ([]Meeting, error) {
	var meetings []Meeting
	result := s.db.WithContext(ctx).
		Where("status = ? AND transcript_url <> '' AND content_generated_at IS NULL", StatusCompleted).
		Where("COALESCE(content_error, '') = ''").
		Order("end_time ASC").
		Find(&meetings)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list meetings ready for content: %v", result.Error)
	}
	return meetings, nil
}

// ListWithTranscriptBefore returns meetings that ended before cutoff and
// still reference a transcript object.
func (s *MeetingService) ListWithTranscriptBefore(ctx context.Context, cutoff time.Time) ([]Meeting, error) {
	var meetings []Meeting
	result := s.db.WithContext(ctx).
		Where("transcript_url <> '' AND end_time < ?", cutoff).
		Find(&meetings)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list meetings with transcripts: %v", result.Error)
	}
	return meetings, nil
}

func (s *MeetingService) ClearTranscript(ctx context.Context, id int64) error {
	return s.update(ctx, id, map[string]interface{}{"transcript_url": ""})
}

// PurgeOlderThan deletes cancelled meetings, and meetings without a
// transcript whose end time predates cutoff.
func (s *MeetingService) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("end_time < ? AND (status = ? OR transcript_url = '')", cutoff, StatusCancelled).
		Delete(&Meeting{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to purge meetings: %v", result.Error)
	}
	return result.RowsAffected, nil
}
