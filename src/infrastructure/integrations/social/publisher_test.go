package social

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"slices"
	"testing"

	"aftermeet/src/infrastructure/integrations/apierror"
)

func TestPublisherRoutesByPlatform(t *testing.T) {
	var linkedInKey, facebookKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/li/ugcPosts":
			linkedInKey = r.Header.Get(IdempotencyHeader)
			if r.Header.Get("Authorization") != "Bearer li-token" {
				t.Errorf("linkedin Authorization = %q", r.Header.Get("Authorization"))
			}
			w.Header().Set("X-Restli-Id", "urn:li:share:1")
			w.WriteHeader(http.StatusCreated)
		case "/fb/page-7/feed":
			facebookKey = r.Header.Get(IdempotencyHeader)
			if err := r.ParseForm(); err != nil {
				t.Fatalf("ParseForm() error = %v", err)
			}
			if r.PostForm.Get("message") != "hello" || r.PostForm.Get("access_token") != "fb-token" {
				t.Errorf("facebook form = %v", r.PostForm)
			}
			w.Write([]byte(`{"id":"7_99"}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	p := NewPublisher().
		Register(PlatformLinkedIn, NewLinkedInClient(srv.URL+"/li", srv.Client())).
		Register(PlatformFacebook, NewFacebookClient(srv.URL+"/fb", srv.Client()))
	ctx := context.Background()

	id, err := p.Publish(ctx, PlatformLinkedIn, Credentials{AccessToken: "li-token", ExternalID: "abc"}, "hello", "post-1")
	if err != nil || id != "urn:li:share:1" {
		t.Errorf("linkedin Publish() = %q, %v", id, err)
	}
	id, err = p.Publish(ctx, PlatformFacebook, Credentials{AccessToken: "fb-token", ExternalID: "page-7"}, "hello", "post-2")
	if err != nil || id != "7_99" {
		t.Errorf("facebook Publish() = %q, %v", id, err)
	}
	if linkedInKey != "post-1" || facebookKey != "post-2" {
		t.Errorf("idempotency keys = %q, %q", linkedInKey, facebookKey)
	}

	if _, err := p.Publish(ctx, "myspace", Credentials{}, "hello", ""); !errors.Is(err, ErrUnsupportedPlatform) {
		t.Errorf("Publish() to unknown platform error = %v", err)
	}
}

func TestPublishAcceptedWithoutIDIsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/li/ugcPosts":
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte(`not json`))
		case "/fb/page-7/feed":
			w.Write([]byte(`{}`))
		}
	}))
	defer srv.Close()

	p := NewPublisher().
		Register(PlatformLinkedIn, NewLinkedInClient(srv.URL+"/li", srv.Client())).
		Register(PlatformFacebook, NewFacebookClient(srv.URL+"/fb", srv.Client()))
	if got := p.Platforms(); !slices.Equal(got, []string{PlatformFacebook, PlatformLinkedIn}) {
		t.Errorf("Platforms() = %v", got)
	}

	ctx := context.Background()
	for _, platform := range []string{PlatformLinkedIn, PlatformFacebook} {
		id, err := p.Publish(ctx, platform, Credentials{AccessToken: "tok", ExternalID: "page-7"}, "hello", "post-3")
		if err != nil || id != "" {
			t.Errorf("%s Publish() = %q, %v, want accepted with an empty id", platform, id, err)
		}
	}
}

func TestPublishErrorsCarryStatus(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		retryable bool
	}{
		{name: "rate limited", status: http.StatusTooManyRequests, retryable: true},
		{name: "unavailable", status: http.StatusBadGateway, retryable: true},
		{name: "token revoked", status: http.StatusUnauthorized, retryable: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			_, err := NewFacebookClient(srv.URL, srv.Client()).Publish(context.Background(), Credentials{ExternalID: "p"}, "x", "post-1")
			var apiErr *apierror.Error
			if !errors.As(err, &apiErr) || apiErr.StatusCode != tt.status {
				t.Fatalf("Publish() error = %v", err)
			}
			if apiErr.Retryable() != tt.retryable {
				t.Errorf("Retryable() = %v, want %v", apiErr.Retryable(), tt.retryable)
			}
		})
	}
}

func TestDeleteTreatsMissingAsDone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Errorf("method = %s", r.Method)
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewLinkedInClient(srv.URL, srv.Client())
	if err := c.Delete(context.Background(), Credentials{AccessToken: "t"}, "urn:li:share:1"); err != nil {
		t.Errorf("Delete() error = %v", err)
	}
}
