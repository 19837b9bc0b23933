package social

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"aftermeet/src/infrastructure/integrations/apierror"
)

const DefaultLinkedInURL = "https://api.linkedin.com/v2"

type linkedInShare struct {
	Author          string         `json:"author"`
	LifecycleState  string         `json:"lifecycleState"`
	SpecificContent map[string]any `json:"specificContent"`
	Visibility      map[string]any `json:"visibility"`
}

// LinkedInClient publishes UGC posts on behalf of a member.
type LinkedInClient struct {
	httpClient *http.Client
	baseURL    string
}

func NewLinkedInClient(baseURL string, c *http.Client) *LinkedInClient {
	if baseURL == "" {
		baseURL = DefaultLinkedInURL
	}
	return &LinkedInClient{
		httpClient: defaultHTTPClient(c),
		baseURL:    strings.TrimRight(baseURL, "/"),
	}
}

func (c *LinkedInClient) Publish(ctx context.Context, creds Credentials, content, idempotencyKey string) (string, error) {
	share := linkedInShare{
		Author:         "urn:li:person:" + creds.ExternalID,
		LifecycleState: "PUBLISHED",
		SpecificContent: map[string]any{
			"com.linkedin.ugc.ShareContent": map[string]any{
				"shareCommentary":    map[string]string{"text": content},
				"shareMediaCategory": "NONE",
			},
		},
		Visibility: map[string]any{"com.linkedin.ugc.MemberNetworkVisibility": "PUBLIC"},
	}

	jsonData, err := json.Marshal(share)
	if err != nil {
		return "", fmt.Errorf("error marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/ugcPosts", bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+creds.AccessToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Restli-Protocol-Version", "2.0.0")
	if idempotencyKey != "" {
		req.Header.Set(IdempotencyHeader, idempotencyKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("error making request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return "", apierror.FromResponse(PlatformLinkedIn, resp)
	}

	if id := resp.Header.Get("X-Restli-Id"); id != "" {
		return id, nil
	}
	return acceptedPostID(PlatformLinkedIn, resp.Body), nil
}

func (c *LinkedInClient) Delete(ctx context.Context, creds Credentials, postID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/ugcPosts/"+url.PathEscape(postID), nil)
	if err != nil {
		return fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+creds.AccessToken)
	req.Header.Set("X-Restli-Protocol-Version", "2.0.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("error making request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent, http.StatusNotFound:
		return nil
	default:
		return apierror.FromResponse(PlatformLinkedIn, resp)
	}
}
