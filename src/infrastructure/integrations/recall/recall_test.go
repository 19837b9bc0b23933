package recall

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"aftermeet/src/infrastructure/integrations/apierror"
)

func newTestServer(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, "secret", srv.Client())
}

func TestCreateBot(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/bot" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Token secret" {
			t.Errorf("Authorization = %q", got)
		}
		var req CreateBotRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.MeetingURL != "https://meet.example.com/abc" {
			t.Errorf("meeting_url = %q", req.MeetingURL)
		}
		w.Write([]byte(`{"id":"bot-1","status_changes":[{"code":"ready"}]}`))
	})

	bot, err := c.CreateBot(context.Background(), CreateBotRequest{MeetingURL: "https://meet.example.com/abc"})
	if err != nil {
		t.Fatalf("CreateBot() error = %v", err)
	}
	if bot.ID != "bot-1" || bot.Status() != StatusReady {
		t.Errorf("CreateBot() = %+v", bot)
	}
}

func TestClientErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		call      func(c *Client) error
		wantErr   error
		retryable bool
	}{
		{
			name:   "delete missing bot",
			status: http.StatusNotFound,
			call:   func(c *Client) error { return c.DeleteBot(context.Background(), "gone") },
			wantErr: ErrNotFound,
		},
		{
			name:   "transcript empty",
			status: http.StatusOK,
			body:   `[]`,
			call: func(c *Client) error {
				_, err := c.GetTranscript(context.Background(), "bot-1")
				return err
			},
			wantErr: ErrNotReady,
		},
		{
			name:   "server error",
			status: http.StatusServiceUnavailable,
			call: func(c *Client) error {
				_, err := c.GetStatus(context.Background(), "bot-1")
				return err
			},
			retryable: true,
		},
		{
			name:   "rejected url",
			status: http.StatusBadRequest,
			body:   `{"meeting_url":["invalid"]}`,
			call: func(c *Client) error {
				_, err := c.CreateBot(context.Background(), CreateBotRequest{MeetingURL: "https://x"})
				return err
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})
			err := tt.call(c)
			if err == nil {
				t.Fatal("expected an error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
			if tt.wantErr == nil && apierror.IsRetryable(err) != tt.retryable {
				t.Errorf("IsRetryable(%v) = %v, want %v", err, !tt.retryable, tt.retryable)
			}
		})
	}
}

func TestGetTranscriptText(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/bot/bot-1/transcript" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Write([]byte(`[
			{"speaker":"Ana","words":[{"text":"Hello"},{"text":"team."}]},
			{"speaker":"Ben","words":[{"text":"Hi!"}]}
		]`))
	})

	text, err := c.GetTranscript(context.Background(), "bot-1")
	if err != nil {
		t.Fatalf("GetTranscript() error = %v", err)
	}
	if text != "Ana: Hello team.\nBen: Hi!" {
		t.Errorf("GetTranscript() = %q", text)
	}
}

func TestValidateMeetingURL(t *testing.T) {
	tests := []struct {
		url     string
		wantErr bool
	}{
		{url: "https://zoom.us/j/123", wantErr: false},
		{url: "zoom.us/j/123", wantErr: true},
		{url: "ftp://meet.example.com", wantErr: true},
		{url: "https://", wantErr: true},
		{url: "://bad", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			if err := ValidateMeetingURL(tt.url); (err != nil) != tt.wantErr {
				t.Errorf("ValidateMeetingURL(%q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
			}
		})
	}
}
