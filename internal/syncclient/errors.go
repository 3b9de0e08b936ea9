package syncclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// FetchError reports a failed exchange with the remote annotation service.
// StatusCode is zero when no response was received.
type FetchError struct {
	Op         string
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e == nil {
		return ""
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("syncclient: %s %s: status %d", e.Op, e.URL, e.StatusCode)
	}
	return fmt.Sprintf("syncclient: %s %s: %v", e.Op, e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Temporary reports whether repeating the request may succeed: transport
// failures, 429 and 5xx responses.
func (e *FetchError) Temporary() bool {
	if e == nil {
		return false
	}
	if e.StatusCode == 0 {
		return e.Err != nil && !errors.Is(e.Err, context.Canceled) && !errors.Is(e.Err, context.DeadlineExceeded)
	}
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// IsTemporary is the default retry predicate.
func IsTemporary(err error) bool {
	var fetchErr *FetchError
	if errors.As(err, &fetchErr) {
		return fetchErr.Temporary()
	}
	return false
}
