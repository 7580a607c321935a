package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
)

var (
	ErrPaused      = errors.New("transfer paused")
	ErrCanceled    = errors.New("transfer canceled")
	ErrTaskBusy    = errors.New("task is busy")
	ErrNotRunning  = errors.New("task is not running")
	ErrTaskChanged = errors.New("task descriptor does not match persisted task")
)

// NetworkError represents network failures and HTTP errors including 5xx
// responses, connection timeouts and servers that ignore Range requests.
type NetworkError struct {
	Operation  string // The operation that failed (e.g., "fetch_range")
	StatusCode int    // HTTP status code, if applicable (0 for non-HTTP errors)
	Message    string // Error message from the server or network layer
	Transient  bool   // Whether a retry may succeed
	Err        error  // Underlying error, if any
}

func (e *NetworkError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("network error during %s (HTTP %d): %s", e.Operation, e.StatusCode, e.Message)
	}

	return fmt.Sprintf("network error during %s: %s", e.Operation, e.Message)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// AuthenticationError represents authentication and authorization failures
// including 401 Unauthorized and 403 Forbidden responses.
type AuthenticationError struct {
	Operation string // The operation that required authentication
	Err       error  // Underlying error, if any
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed during %s", e.Operation)
}

func (e *AuthenticationError) Unwrap() error {
	return e.Err
}

// ImpairedError is returned by Run when some chunks exhausted their retries.
// The remaining chunks completed; running the task again retries only the
// failed ones.
type ImpairedError struct {
	TaskID string
	Failed []int
	Err    error // last error seen on a failed chunk
}

func (e *ImpairedError) Error() string {
	return fmt.Sprintf("task %s impaired: %d chunk(s) failed %v: %v", e.TaskID, len(e.Failed), e.Failed, e.Err)
}

func (e *ImpairedError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}

	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return netErr.Transient
	}

	var authErr *AuthenticationError
	if errors.As(err, &authErr) {
		return false
	}

	var opErr net.Error
	if errors.As(err, &opErr) {
		return true
	}

	return errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, context.DeadlineExceeded)
}
