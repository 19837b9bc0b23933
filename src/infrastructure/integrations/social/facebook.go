package social

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"aftermeet/src/infrastructure/integrations/apierror"
)

const DefaultFacebookURL = "https://graph.facebook.com/v19.0"

// FacebookClient publishes to a page feed through the Graph API.
// Credentials.ExternalID is the page id and AccessToken a page token.
type FacebookClient struct {
	httpClient *http.Client
	baseURL    string
}

func NewFacebookClient(baseURL string, c *http.Client) *FacebookClient {
	if baseURL == "" {
		baseURL = DefaultFacebookURL
	}
	return &FacebookClient{
		httpClient: defaultHTTPClient(c),
		baseURL:    strings.TrimRight(baseURL, "/"),
	}
}

func (c *FacebookClient) Publish(ctx context.Context, creds Credentials, content, idempotencyKey string) (string, error) {
	form := url.Values{}
	form.Set("message", content)
	form.Set("access_token", creds.AccessToken)

	endpoint := fmt.Sprintf("%s/%s/feed", c.baseURL, url.PathEscape(creds.ExternalID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if idempotencyKey != "" {
		req.Header.Set(IdempotencyHeader, idempotencyKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("error making request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", apierror.FromResponse(PlatformFacebook, resp)
	}

	return acceptedPostID(PlatformFacebook, resp.Body), nil
}

func (c *FacebookClient) Delete(ctx context.Context, creds Credentials, postID string) error {
	endpoint := fmt.Sprintf("%s/%s?access_token=%s", c.baseURL, url.PathEscape(postID), url.QueryEscape(creds.AccessToken))
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return fmt.Errorf("error creating request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("error making request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound {
		return apierror.FromResponse(PlatformFacebook, resp)
	}
	return nil
}
