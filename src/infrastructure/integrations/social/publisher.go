package social

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"slices"
	"time"

	"aftermeet/src/infrastructure/log"
)

const (
	PlatformLinkedIn = "linkedin"
	PlatformFacebook = "facebook"

	// IdempotencyHeader carries a key that stays the same across retries of
	// one publish, so a platform that honours it never posts twice.
	IdempotencyHeader = "Idempotency-Key"
)

var ErrUnsupportedPlatform = errors.New("unsupported social platform")

// Credentials identify the linked account a post is published as.
type Credentials struct {
	AccessToken string
	ExternalID  string
}

// PlatformClient publishes to a single social network.
type PlatformClient interface {
	Publish(ctx context.Context, creds Credentials, content, idempotencyKey string) (string, error)
	Delete(ctx context.Context, creds Credentials, postID string) error
}

// Publisher routes calls to the client registered for a platform.
type Publisher struct {
	clients map[string]PlatformClient
}

func NewPublisher() *Publisher {
	return &Publisher{clients: make(map[string]PlatformClient)}
}

// Register adds or replaces the client for platform.
func (p *Publisher) Register(platform string, c PlatformClient) *Publisher {
	p.clients[platform] = c
	return p
}

// Platforms lists the registered platform names in sorted order.
func (p *Publisher) Platforms() []string {
	return slices.Sorted(maps.Keys(p.clients))
}

func (p *Publisher) client(platform string) (PlatformClient, error) {
	c, ok := p.clients[platform]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedPlatform, platform)
	}
	return c, nil
}

// Publish posts content and returns the platform's post id.
func (p *Publisher) Publish(ctx context.Context, platform string, creds Credentials, content, idempotencyKey string) (string, error) {
	c, err := p.client(platform)
	if err != nil {
		return "", err
	}
	return c.Publish(ctx, creds, content, idempotencyKey)
}

func (p *Publisher) Delete(ctx context.Context, platform string, creds Credentials, postID string) error {
	c, err := p.client(platform)
	if err != nil {
		return err
	}
	return c.Delete(ctx, creds, postID)
}

func defaultHTTPClient(c *http.Client) *http.Client {
	if c != nil {
		return c
	}
	return &http.Client{Timeout: 30 * time.Second}
}

// acceptedPostID reads the post id from a successful publish response. The
// post exists once the platform accepted it, so an unreadable body yields
// an empty id instead of an error.
func acceptedPostID(platform string, body io.Reader) string {
	var out struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(body).Decode(&out); err != nil || out.ID == "" {
		log.Info("publish accepted without a post id", "platform", platform, "error", err)
		return ""
	}
	return out.ID
}
