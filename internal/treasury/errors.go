package treasury

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failed fetch so callers can pick a fallback
// strategy without string-matching error text.
type ErrorKind string

const (
	// KindNotFound marks a 404 from the API.
	KindNotFound ErrorKind = "not_found"
	// KindRateLimited marks a 429 that survived all retries.
	KindRateLimited ErrorKind = "rate_limited"
	// KindUnreachable marks timeouts, connection failures and persistent 5xx.
	KindUnreachable ErrorKind = "unreachable"
	// KindMalformedResponse marks schema violations and unexpected 4xx.
	KindMalformedResponse ErrorKind = "malformed_response"
)

// FetchError describes a failed Treasury API fetch.
type FetchError struct {
	Kind       ErrorKind
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("treasury fetch %s: %s (status %d): %v", e.Kind, e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("treasury fetch %s: %s: %v", e.Kind, e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

func newFetchError(kind ErrorKind, url string, status int, err error) *FetchError {
	return &FetchError{Kind: kind, URL: url, StatusCode: status, Err: err}
}

func hasKind(err error, kind ErrorKind) bool {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind == kind
	}
	return false
}

// IsNotFound reports whether err is a fetch error for a missing dataset.
func IsNotFound(err error) bool {
	return hasKind(err, KindNotFound)
}

// IsRateLimited reports whether err is a fetch error caused by throttling.
func IsRateLimited(err error) bool {
	return hasKind(err, KindRateLimited)
}

// IsUnreachable reports whether err is a fetch error caused by network
// failures, timeouts or persistent server errors.
func IsUnreachable(err error) bool {
	return hasKind(err, KindUnreachable)
}

// IsMalformedResponse reports whether err is a fetch error caused by a
// response the client refused to decode.
func IsMalformedResponse(err error) bool {
	return hasKind(err, KindMalformedResponse)
}
