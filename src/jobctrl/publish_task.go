package jobctrl

import (
	"context"
	"errors"
	"fmt"

	"aftermeet/src/infrastructure/integrations/apierror"
	"aftermeet/src/infrastructure/integrations/social"
	"aftermeet/src/infrastructure/job"
	"aftermeet/src/infrastructure/log"
	"aftermeet/src/storage/postgres/accountctrl"
	"aftermeet/src/storage/postgres/socialpostctrl"
)

type PublishTask struct {
	posts     SocialPostRepository
	accounts  AccountRepository
	publisher Publisher
	now       clock
}

func NewPublishTask(posts SocialPostRepository, accounts AccountRepository, publisher Publisher) *PublishTask {
	return &PublishTask{
		posts:     posts,
		accounts:  accounts,
		publisher: publisher,
		now:       systemClock,
	}
}

// IdempotencyKey is sent with every publish attempt of a post so platforms
// that support it drop duplicates after an ambiguous timeout.
func IdempotencyKey(postID int64) string {
	return fmt.Sprintf("post-%d", postID)
}

// HandlePostContent publishes a draft. Transient errors keep the post a
// draft with the error noted until the job's last attempt, which marks it
// failed. A post already posted is left alone.
func (task *PublishTask) HandlePostContent(ctx context.Context, exec *job.Execution) error {
	var payload PostContentPayload
	if err := exec.Decode(&payload); err != nil {
		return err
	}

	post, err := task.posts.GetByID(ctx, payload.PostID)
	if errors.Is(err, socialpostctrl.ErrPostNotFound) {
		return job.Permanent(fmt.Errorf("post %d: %w", payload.PostID, err))
	}
	if err != nil {
		return fmt.Errorf("failed to get post %d: %w", payload.PostID, err)
	}

	l := log.WithValues("post_id", post.ID, "platform", post.Platform, "job_id", exec.Job.ID)
	switch post.Status {
	case socialpostctrl.StatusPosted:
		l.Info("post already published", "platform_post_id", post.PlatformPostID)
		return nil
	case socialpostctrl.StatusFailed:
		return job.Permanent(fmt.Errorf("post %d already failed: %s", post.ID, post.ErrorMessage))
	}

	account, err := task.accounts.Get(ctx, post.UserID, post.Platform)
	if errors.Is(err, accountctrl.ErrAccountNotLinked) {
		reason := fmt.Sprintf("%s account not linked", post.Platform)
		if merr := task.posts.MarkFailed(ctx, post.ID, reason); merr != nil {
			return fmt.Errorf("failed to mark post %d failed: %w", post.ID, merr)
		}
		return job.Permanent(fmt.Errorf("post %d: %w", post.ID, err))
	}
	if err != nil {
		return fmt.Errorf("failed to get %s account of user %d: %w", post.Platform, post.UserID, err)
	}
	exec.ReportProgress(ctx, 30)

	creds := social.Credentials{AccessToken: account.AccessToken, ExternalID: account.ExternalID}
	platformPostID, err := task.publisher.Publish(ctx, post.Platform, creds, post.Content, IdempotencyKey(post.ID))
	if err != nil {
		return task.publishFailed(ctx, exec, post, err)
	}
	exec.ReportProgress(ctx, 80)

	if err := task.posts.MarkPosted(ctx, post.ID, platformPostID, task.now()); err != nil {
		// The platform has the post; retrying reuses the idempotency key.
		return fmt.Errorf("failed to mark post %d posted as %s: %w", post.ID, platformPostID, err)
	}

	exec.ReportProgress(ctx, 100)
	l.Info("post published", "platform_post_id", platformPostID)
	return nil
}

func (task *PublishTask) publishFailed(ctx context.Context, exec *job.Execution, post *socialpostctrl.SocialPost, err error) error {
	retryable := apierror.IsRetryable(err) && !errors.Is(err, social.ErrUnsupportedPlatform)
	err = fmt.Errorf("failed to publish post %d to %s: %w", post.ID, post.Platform, err)

	if retryable && !exec.FinalAttempt() {
		if rerr := task.posts.RecordError(ctx, post.ID, err.Error()); rerr != nil {
			log.Error(rerr, "failed to record publish error", "post_id", post.ID)
		}
		return err
	}

	if merr := task.posts.MarkFailed(ctx, post.ID, err.Error()); merr != nil {
		return fmt.Errorf("failed to mark post %d failed: %w", post.ID, merr)
	}
	if !retryable {
		return job.Permanent(err)
	}
	return err
}
