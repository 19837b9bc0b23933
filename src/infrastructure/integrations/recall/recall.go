package recall

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"aftermeet/src/infrastructure/integrations/apierror"
	"aftermeet/src/infrastructure/log"
)

const (
	DefaultURL  = "https://us-east-1.recall.ai/api/v1"
	serviceName = "recall"
)

var (
	// ErrNotFound is returned when the bot does not exist on the recording service.
	ErrNotFound = errors.New("recall: bot not found")
	// ErrNotReady is returned while a transcript is still being produced.
	ErrNotReady = errors.New("recall: transcript not ready")
)

// Status is the latest status code reported for a bot.
type Status string

const (
	StatusReady      Status = "ready"
	StatusJoining    Status = "joining_call"
	StatusInWaiting  Status = "in_waiting_room"
	StatusRecording  Status = "in_call_recording"
	StatusCallEnded  Status = "call_ended"
	StatusDone       Status = "done"
	StatusFatal      Status = "fatal"
	StatusUnassigned Status = ""
)

// Finished reports whether the bot has left the call for good.
func (s Status) Finished() bool {
	return s == StatusDone || s == StatusFatal
}

// CreateBotRequest represents the request structure for bot creation
type CreateBotRequest struct {
	MeetingURL string     `json:"meeting_url"`
	BotName    string     `json:"bot_name,omitempty"`
	JoinAt     *time.Time `json:"join_at,omitempty"`
}

type StatusChange struct {
	Code      Status    `json:"code"`
	CreatedAt time.Time `json:"created_at"`
}

// Bot represents the bot resource returned by the recording service
type Bot struct {
	ID            string         `json:"id"`
	MeetingURL    any            `json:"meeting_url,omitempty"`
	StatusChanges []StatusChange `json:"status_changes"`
}

// Status returns the most recent status change, or StatusUnassigned.
func (b *Bot) Status() Status {
	if len(b.StatusChanges) == 0 {
		return StatusUnassigned
	}
	return b.StatusChanges[len(b.StatusChanges)-1].Code
}

type Word struct {
	Text string `json:"text"`
}

// Segment is one speaker turn of a transcript
type Segment struct {
	Speaker string `json:"speaker"`
	Words   []Word `json:"words"`
}

// Transcript is the ordered list of speaker turns.
type Transcript []Segment

// Text renders the transcript as "Speaker: words" lines.
func (t Transcript) Text() string {
	var b strings.Builder
	for _, seg := range t {
		words := make([]string, 0, len(seg.Words))
		for _, w := range seg.Words {
			words = append(words, w.Text)
		}
		line := strings.Join(words, " ")
		if line == "" {
			continue
		}
		if seg.Speaker != "" {
			b.WriteString(seg.Speaker)
			b.WriteString(": ")
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String())
}

// Client represents a recording service API client
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// NewClient creates a new recording service client
func NewClient(baseURL, apiKey string, c *http.Client) *Client {
	if baseURL == "" {
		baseURL = DefaultURL
	}
	if c == nil {
		c = &http.Client{Timeout: 30 * time.Second}
	}

	return &Client{
		httpClient: c,
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
	}
}

// ValidateMeetingURL rejects urls the recording service can never join.
func ValidateMeetingURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid meeting url: %w", err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("invalid meeting url %q: unsupported scheme", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid meeting url %q: missing host", raw)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("error marshaling request: %w", err)
		}
		reader = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Error(err, "failed to make request to recording service", "method", method, "path", path)
		return fmt.Errorf("error making request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return apierror.FromResponse(serviceName, resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("error decoding response: %w", err)
	}
	return nil
}

// CreateBot asks the recording service to send a bot to the meeting.
func (c *Client) CreateBot(ctx context.Context, req CreateBotRequest) (*Bot, error) {
	var bot Bot
	if err := c.do(ctx, http.MethodPost, "/bot", req, &bot); err != nil {
		return nil, err
	}
	if bot.ID == "" {
		return nil, fmt.Errorf("recall: create bot returned no id")
	}
	return &bot, nil
}

// DeleteBot removes a scheduled bot, or makes a joined bot leave the call.
func (c *Client) DeleteBot(ctx context.Context, botID string) error {
	err := c.do(ctx, http.MethodDelete, "/bot/"+url.PathEscape(botID), nil, nil)
	var apiErr *apierror.Error
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusMethodNotAllowed {
		// already dispatched bots cannot be deleted, only removed from the call
		return c.do(ctx, http.MethodPost, "/bot/"+url.PathEscape(botID)+"/leave_call", nil, nil)
	}
	return err
}

func (c *Client) GetStatus(ctx context.Context, botID string) (Status, error) {
	var bot Bot
	if err := c.do(ctx, http.MethodGet, "/bot/"+url.PathEscape(botID), nil, &bot); err != nil {
		return StatusUnassigned, err
	}
	return bot.Status(), nil
}

// GetTranscript returns the transcript text. ErrNotReady is returned while
// the service has not produced any words yet.
func (c *Client) GetTranscript(ctx context.Context, botID string) (string, error) {
	var transcript Transcript
	if err := c.do(ctx, http.MethodGet, "/bot/"+url.PathEscape(botID)+"/transcript", nil, &transcript); err != nil {
		return "", err
	}
	text := transcript.Text()
	if text == "" {
		return "", ErrNotReady
	}
	return text, nil
}
