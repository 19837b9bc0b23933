package calendar

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"aftermeet/src/infrastructure/integrations/apierror"
)

const (
	DefaultGoogleURL = "https://www.googleapis.com/calendar/v3"
	serviceName      = "google-calendar"
)

// Event is a timed calendar entry.
type Event struct {
	ID         string
	Title      string
	MeetingURL string
	Start      time.Time
	End        time.Time
}

type eventTime struct {
	DateTime time.Time `json:"dateTime"`
	Date     string    `json:"date"`
}

type googleEvent struct {
	ID             string    `json:"id"`
	Status         string    `json:"status"`
	Summary        string    `json:"summary"`
	Location       string    `json:"location"`
	HangoutLink    string    `json:"hangoutLink"`
	Start          eventTime `json:"start"`
	End            eventTime `json:"end"`
	ConferenceData struct {
		EntryPoints []struct {
			EntryPointType string `json:"entryPointType"`
			URI            string `json:"uri"`
		} `json:"entryPoints"`
	} `json:"conferenceData"`
}

type eventList struct {
	Items         []googleEvent `json:"items"`
	NextPageToken string        `json:"nextPageToken"`
}

// GoogleClient lists events from a user's primary Google calendar.
type GoogleClient struct {
	httpClient *http.Client
	baseURL    string
	config     *oauth2.Config
}

// NewGoogleClient creates a calendar client. When config is nil, tokens are
// used as-is and never refreshed.
func NewGoogleClient(baseURL string, config *oauth2.Config, c *http.Client) *GoogleClient {
	if baseURL == "" {
		baseURL = DefaultGoogleURL
	}
	if c == nil {
		c = &http.Client{Timeout: 30 * time.Second}
	}
	return &GoogleClient{
		httpClient: c,
		baseURL:    strings.TrimRight(baseURL, "/"),
		config:     config,
	}
}

func (c *GoogleClient) client(ctx context.Context, token *oauth2.Token) *http.Client {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	var ts oauth2.TokenSource
	if c.config != nil {
		ts = c.config.TokenSource(ctx, token)
	} else {
		ts = oauth2.StaticTokenSource(token)
	}
	return oauth2.NewClient(ctx, ts)
}

// ListUpcomingEvents returns timed events starting in [from, to], ordered
// by start time. Cancelled and all-day events are skipped.
func (c *GoogleClient) ListUpcomingEvents(ctx context.Context, token *oauth2.Token, from, to time.Time) ([]Event, error) {
	httpClient := c.client(ctx, token)

	var events []Event
	pageToken := ""
	for {
		q := url.Values{}
		q.Set("timeMin", from.UTC().Format(time.RFC3339))
		q.Set("timeMax", to.UTC().Format(time.RFC3339))
		q.Set("singleEvents", "true")
		q.Set("orderBy", "startTime")
		if pageToken != "" {
			q.Set("pageToken", pageToken)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/calendars/primary/events?"+q.Encode(), nil)
		if err != nil {
			return nil, fmt.Errorf("error creating request: %w", err)
		}

		page, err := c.fetch(httpClient, req)
		if err != nil {
			return nil, err
		}
		for _, item := range page.Items {
			if ev, ok := toEvent(item); ok {
				events = append(events, ev)
			}
		}

		if page.NextPageToken == "" {
			return events, nil
		}
		pageToken = page.NextPageToken
	}
}

func (c *GoogleClient) fetch(httpClient *http.Client, req *http.Request) (*eventList, error) {
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error making request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apierror.FromResponse(serviceName, resp)
	}

	var page eventList
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("error decoding response: %w", err)
	}
	return &page, nil
}

func toEvent(item googleEvent) (Event, bool) {
	if item.Status == "cancelled" || item.Start.DateTime.IsZero() {
		return Event{}, false
	}
	return Event{
		ID:         item.ID,
		Title:      item.Summary,
		MeetingURL: meetingURL(item),
		Start:      item.Start.DateTime,
		End:        item.End.DateTime,
	}, true
}

// meetingURL prefers the conference video entry point, then the Meet link,
// then a location that looks like a url.
func meetingURL(item googleEvent) string {
	for _, ep := range item.ConferenceData.EntryPoints {
		if ep.EntryPointType == "video" && ep.URI != "" {
			return ep.URI
		}
	}
	if item.HangoutLink != "" {
		return item.HangoutLink
	}
	if strings.HasPrefix(item.Location, "https://") {
		return item.Location
	}
	return ""
}
