package backend

import (
	"errors"
	"fmt"
	"net/http"
)

// Backend client errors. Callers map them to client-facing statuses.
var (
	// ErrUnavailable is returned when retries are exhausted or the backend
	// answered with something other than a JSON object.
	ErrUnavailable = errors.New("backend unavailable")

	// ErrTimeout is returned when the final attempt exceeded the per-attempt timeout.
	ErrTimeout = errors.New("backend timeout")

	// ErrCanceled is returned when the caller's context ended before an answer.
	ErrCanceled = errors.New("backend request canceled")

	// ErrMintFailed is returned when no service credential could be minted.
	ErrMintFailed = errors.New("service credential minting failed")

	// ErrAuthorizationExpired is returned when less than a second of the
	// caller's authorization remains before an attempt could be made.
	ErrAuthorizationExpired = errors.New("authorization expired before backend attempt")
)

// RejectedError is returned for a non-retryable 4xx answer.
type RejectedError struct {
	Status int
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("backend rejected request: %d %s", e.Status, http.StatusText(e.Status))
}

// FetchError carries the terminal error together with every attempt made.
type FetchError struct {
	Err      error
	Attempts []Attempt
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("%v after %d attempt(s)", e.Err, len(e.Attempts))
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// AttemptsOf returns the attempts recorded in err, if any.
func AttemptsOf(err error) []Attempt {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Attempts
	}
	return nil
}
