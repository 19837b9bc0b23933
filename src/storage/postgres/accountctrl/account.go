package accountctrl

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrAccountNotLinked = errors.New("social account not linked")

// SocialAccount holds the credentials a user linked for one platform.
// Token acquisition and encryption happen outside this service.
type SocialAccount struct {
	ID          int64     `gorm:"primaryKey" json:"id"`
	UserID      int64     `gorm:"not null;uniqueIndex:idx_account_user_platform" json:"user_id"`
	Platform    string    `gorm:"not null;size:32;uniqueIndex:idx_account_user_platform" json:"platform"`
	AccessToken string    `gorm:"not null;type:text" json:"-"`
	ExternalID  string    `gorm:"size:255" json:"external_id"` // profile or page id on the platform
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type AccountService struct {
	db        *gorm.DB
	snowflake *snowflake.Node
}

func NewAccountService(db *gorm.DB) (*AccountService, error) {
	node, err := snowflake.NewNode(12) // Node number 12 for social accounts
	if err != nil {
		return nil, fmt.Errorf("failed to create snowflake node: %v", err)
	}

	return &AccountService{
		db:        db,
		snowflake: node,
	}, nil
}

func (s *AccountService) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&SocialAccount{})
}

// Link stores or replaces the account for (userID, platform).
func (s *AccountService) Link(ctx context.Context, userID int64, platform, accessToken, externalID string) (*SocialAccount, error) {
	account := &SocialAccount{
		ID:          s.snowflake.Generate().Int64(),
		UserID:      userID,
		Platform:    platform,
		AccessToken: accessToken,
		ExternalID:  externalID,
	}

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "platform"}},
		DoUpdates: clause.AssignmentColumns([]string{"access_token", "external_id", "updated_at"}),
	}).Create(account).Error
	if err != nil {
		return nil, fmt.Errorf("failed to link account: %v", err)
	}
	return account, nil
}

func (s *AccountService) Get(ctx context.Context, userID int64, platform string) (*SocialAccount, error) {
	var account SocialAccount
	result := s.db.WithContext(ctx).
		Where("user_id = ? AND platform = ?", userID, platform).
		Limit(1).Find(&account)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to get account: %v", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, ErrAccountNotLinked
	}
	return &account, nil
}

func (s *AccountService) ListByPlatform(ctx context.Context, platform string) ([]SocialAccount, error) {
	var accounts []SocialAccount
	if err := s.db.WithContext(ctx).Where("platform = ?", platform).Find(&accounts).Error; err != nil {
		return nil, fmt.Errorf("failed to list accounts: %v", err)
	}
	return accounts, nil
}

func (s *AccountService) Unlink(ctx context.Context, userID int64, platform string) error {
	result := s.db.WithContext(ctx).
		Where("user_id = ? AND platform = ?", userID, platform).
		Delete(&SocialAccount{})
	if result.Error != nil {
		return fmt.Errorf("failed to unlink account: %v", result.Error)
	}
	return nil
}
