package crawler

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorKind classifies fetch failures.
type ErrorKind string

// Fetch failure kinds.
const (
	KindNetwork  ErrorKind = "network"
	KindTimeout  ErrorKind = "timeout"
	KindStatus   ErrorKind = "status"
	KindRedirect ErrorKind = "redirect"
	KindProxy    ErrorKind = "proxy"
	KindCanceled ErrorKind = "canceled"
	KindRobots   ErrorKind = "robots"
)

var (
	// ErrTooManyRedirects is returned once a redirect chain exceeds the hop budget.
	ErrTooManyRedirects = errors.New("too many redirects")
	// ErrMissingLocation is returned for a redirect response without a Location header.
	ErrMissingLocation = errors.New("redirect without location header")
	// ErrDisallowed is returned when robots.txt forbids the page and robots are respected.
	ErrDisallowed = errors.New("disallowed by robots.txt")
)

// FetchError is the typed failure of a single fetch attempt.
type FetchError struct {
	Kind       ErrorKind
	StatusCode int
	URL        string
	Cause      error
}

// Error implements the error interface.
func (e *FetchError) Error() string {
	switch {
	case e.StatusCode > 0 && e.Cause != nil:
		return fmt.Sprintf("%s error (status %d) for %s: %v", e.Kind, e.StatusCode, e.URL, e.Cause)
	case e.StatusCode > 0:
		return fmt.Sprintf("%s error (status %d) for %s", e.Kind, e.StatusCode, e.URL)
	case e.Cause != nil:
		return fmt.Sprintf("%s error for %s: %v", e.Kind, e.URL, e.Cause)
	default:
		return fmt.Sprintf("%s error for %s", e.Kind, e.URL)
	}
}

// Unwrap supports errors.Is and errors.As.
func (e *FetchError) Unwrap() error {
	return e.Cause
}

// NewStatusError reports a non-2xx, non-redirect response.
func NewStatusError(url string, statusCode int) *FetchError {
	return &FetchError{Kind: KindStatus, StatusCode: statusCode, URL: url}
}

// NewRedirectError reports a redirect resolution failure.
func NewRedirectError(url string, statusCode int, cause error) *FetchError {
	return &FetchError{Kind: KindRedirect, StatusCode: statusCode, URL: url, Cause: cause}
}

// ClassifyTransportError wraps a transport-level failure with the right kind.
func ClassifyTransportError(url string, err error) *FetchError {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe
	}
	kind := KindNetwork
	var netErr net.Error
	switch {
	case errors.Is(err, context.Canceled):
		kind = KindCanceled
	case errors.Is(err, context.DeadlineExceeded):
		kind = KindTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		kind = KindTimeout
	}
	return &FetchError{Kind: kind, URL: url, Cause: err}
}

// Retryable reports whether another attempt may succeed. Transport, timeout,
// status, redirect and proxy failures are recoverable; cancellation and
// robots.txt refusals are not.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrDisallowed) {
		return false
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind != KindCanceled && fe.Kind != KindRobots
	}
	return true
}
