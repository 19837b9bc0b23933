package apierror

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Error is a non-2xx answer from an upstream API.
type Error struct {
	Service    string
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: unexpected status %d", e.Service, e.StatusCode)
	}
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Service, e.StatusCode, e.Message)
}

// StatusClass returns the hundreds digit of the status code, e.g. 4 for 404.
func (e *Error) StatusClass() int {
	return e.StatusCode / 100
}

// Retryable reports whether calling again may succeed: server errors and
// rate limiting.
func (e *Error) Retryable() bool {
	return e.StatusClass() == 5 || e.StatusCode == http.StatusTooManyRequests
}

// FromResponse builds an Error from resp, reading at most 4KiB of the body
// as the message. The caller still closes the body.
func FromResponse(service string, resp *http.Response) *Error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	return &Error{
		Service:    service,
		StatusCode: resp.StatusCode,
		Message:    strings.TrimSpace(string(body)),
	}
}

// IsRetryable reports whether err may succeed on a later attempt. Errors
// that are not an *Error (network failures, timeouts) count as retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	return true
}
