package crawler

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNetwork marks transient transport failures (timeouts, resets, DNS).
	ErrNetwork = errors.New("network error")
	// ErrExhaustedRetries is returned once the retry budget is spent.
	ErrExhaustedRetries = errors.New("retry attempts exhausted")
	// ErrParse marks a page whose structure could not be read.
	ErrParse = errors.New("parse error")
	// ErrExtractionFailed is returned when every text extraction step failed.
	ErrExtractionFailed = errors.New("text extraction failed")
	// ErrConflict marks a uniqueness race that the update retry could not resolve.
	ErrConflict = errors.New("unique constraint conflict")
	// ErrNotFound is returned by lookups on a missing key.
	ErrNotFound = errors.New("entity not found")
)

// NetworkError wraps a transport-level failure.
type NetworkError struct {
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error for %s: %v", e.URL, e.Err)
}

// Unwrap exposes the cause.
func (e *NetworkError) Unwrap() error { return e.Err }

// Is matches ErrNetwork.
func (e *NetworkError) Is(target error) bool { return target == ErrNetwork }

// HTTPError is a response with a status that will not be retried.
type HTTPError struct {
	StatusCode int
	URL        string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d %s for %s", e.StatusCode, http.StatusText(e.StatusCode), e.URL)
}

// Retryable reports whether the status signals a transient server condition.
func (e *HTTPError) Retryable() bool {
	switch e.StatusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	}
	return e.StatusCode >= 500
}

// ExhaustedError carries the last failure after the retry budget is spent.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry attempts exhausted after %d attempts: %v", e.Attempts, e.Last)
}

// Unwrap exposes the last attempt's error.
func (e *ExhaustedError) Unwrap() error { return e.Last }

// Is matches ErrExhaustedRetries.
func (e *ExhaustedError) Is(target error) bool { return target == ErrExhaustedRetries }

// ParseError describes missing or malformed page structure.
type ParseError struct {
	What string
	URL  string
}

func (e *ParseError) Error() string {
	if e.URL == "" {
		return "parse error: " + e.What
	}
	return fmt.Sprintf("parse error at %s: %s", e.URL, e.What)
}

// Is matches ErrParse.
func (e *ParseError) Is(target error) bool { return target == ErrParse }

// ConflictError is returned when an insert collided and the update retry failed.
type ConflictError struct {
	ExternalID string
	Err        error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %q: %v", e.ExternalID, e.Err)
}

// Unwrap exposes the cause of the failed retry.
func (e *ConflictError) Unwrap() error { return e.Err }

// Is matches ErrConflict.
func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// FatalError aborts the run after running chunks finish.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return "fatal: " + e.Err.Error() }

// Unwrap exposes the cause.
func (e *FatalError) Unwrap() error { return e.Err }

// IsFatal reports whether err carries a FatalError.
func IsFatal(err error) bool {
	var fatal *FatalError
	return errors.As(err, &fatal)
}
