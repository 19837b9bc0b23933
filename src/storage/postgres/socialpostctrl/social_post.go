package socialpostctrl

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
	StatusDraft  Status = "draft"
	StatusPosted Status = "posted"
	StatusFailed Status = "failed"
)

var ErrPostNotFound = errors.New("social post not found")

type SocialPost struct {
	ID             int64      `gorm:"primaryKey" json:"id"`
	MeetingID      int64      `gorm:"not null;index" json:"meeting_id"`
	UserID         int64      `gorm:"not null;index" json:"user_id"`
	Platform       string     `gorm:"not null;size:32" json:"platform"`
	Content        string     `gorm:"not null;type:text" json:"content"`
	Status         Status     `gorm:"not null;size:16;index" json:"status"`
	ApprovedAt     *time.Time `json:"approved_at,omitempty"`
	ScheduledTime  *time.Time `gorm:"index" json:"scheduled_time,omitempty"`
	PostedAt       *time.Time `json:"posted_at,omitempty"`
	PlatformPostID string     `gorm:"size:255" json:"platform_post_id,omitempty"`
	ErrorMessage   string     `gorm:"type:text" json:"error_message,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

type SocialPostService struct {
	db        *gorm.DB
	snowflake *snowflake.Node
}

func NewSocialPostService(db *gorm.DB) (*SocialPostService, error) {
	node, err := snowflake.NewNode(11) // Node number 11 for social posts
	if err != nil {
		return nil, fmt.Errorf("failed to create snowflake node: %v", err)
	}

	return &SocialPostService{
		db:        db,
		snowflake: node,
	}, nil
}

func (s *SocialPostService) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&SocialPost{})
}

// CreateDraft stores generated content as an unapproved draft.
func (s *SocialPostService) CreateDraft(ctx context.Context, meetingID, userID int64, platform, content string) (*SocialPost, error) {
	post := &SocialPost{
		ID:        s.snowflake.Generate().Int64(),
		MeetingID: meetingID,
		UserID:    userID,
		Platform:  platform,
		Content:   content,
		Status:    StatusDraft,
	}

	if err := s.db.WithContext(ctx).Create(post).Error; err != nil {
		return nil, fmt.Errorf("failed to create social post: %v", err)
	}
	return post, nil
}

func (s *SocialPostService) GetByID(ctx context.Context, id int64) (*SocialPost, error) {
	var post SocialPost
	result := s.db.WithContext(ctx).First(&post, id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrPostNotFound
		}
		return nil, fmt.Errorf("failed to get social post: %v", result.Error)
	}
	return &post, nil
}

func (s *SocialPostService) GetByMeetingID(ctx context.Context, meetingID int64) ([]SocialPost, error) {
	var posts []SocialPost
	result := s.db.WithContext(ctx).Where("meeting_id = ?", meetingID).Find(&posts)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to get social posts: %v", result.Error)
	}
	return posts, nil
}

func (s *SocialPostService) update(ctx context.Context, id int64, fields map[string]interface{}) error {
	result := s.db.WithContext(ctx).Model(&SocialPost{}).Where("id = ?", id).Updates(fields)
	if result.Error != nil {
		return fmt.Errorf("failed to update social post: %v", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrPostNotFound
	}
	return nil
}

// Approve marks a draft ready for publishing at scheduledTime.
func (s *SocialPostService) Approve(ctx context.Context, id int64, approvedAt, scheduledTime time.Time) error {
	return s.update(ctx, id, map[string]interface{}{
		"approved_at":    approvedAt,
		"scheduled_time": scheduledTime,
	})
}

func (s *SocialPostService) MarkPosted(ctx context.Context, id int64, platformPostID string, postedAt time.Time) error {
	return s.update(ctx, id, map[string]interface{}{
		"status":           StatusPosted,
		"platform_post_id": platformPostID,
		"posted_at":        postedAt,
		"error_message":    "",
	})
}

func (s *SocialPostService) MarkFailed(ctx context.Context, id int64, errorMessage string) error {
	return s.update(ctx, id, map[string]interface{}{
		"status":        StatusFailed,
		"error_message": errorMessage,
	})
}

// RecordError keeps the post a draft while noting the latest publish error.
func (s *SocialPostService) RecordError(ctx context.Context, id int64, errorMessage string) error {
	return s.update(ctx, id, map[string]interface{}{"error_message": errorMessage})
}

// ListDueApproved returns approved drafts whose scheduled time has arrived.
func (s *SocialPostService) ListDueApproved(ctx context.Context, now time.Time) ([]SocialPost, error) {
	var posts []SocialPost
	result := s.db.WithContext(ctx).
		Where("status = ? AND approved_at IS NOT NULL AND scheduled_time <= ?", StatusDraft, now).
		Order("scheduled_time ASC").
		Find(&posts)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list due posts: %v", result.Error)
	}
	return posts, nil
}

// PurgeOlderThan deletes failed posts and never-approved drafts created before cutoff.
func (s *SocialPostService) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("created_at < ? AND (status = ? OR (status = ? AND approved_at IS NULL))", cutoff, StatusFailed, StatusDraft).
		Delete(&SocialPost{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to purge social posts: %v", result.Error)
	}
	return result.RowsAffected, nil
}
