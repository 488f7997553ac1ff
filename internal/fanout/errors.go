package fanout

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNotFound signals that the requested run does not exist.
	ErrNotFound = errors.New("run not found")
	// ErrEmptyRun is returned when a run is started without work items.
	ErrEmptyRun = errors.New("at least one item required")
	// ErrInvalidItem is returned for blank work items.
	ErrInvalidItem = errors.New("invalid work item")
	// ErrRunTerminal is returned when mutating a run that already finished.
	ErrRunTerminal = errors.New("run already finished")
	// ErrNondeterministic signals a history that the decision logic could not
	// have produced.
	ErrNondeterministic = errors.New("history does not match run input")
)

// StatusError reports a response outside the 2xx range.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// IsSuccessStatus reports whether code is a 2xx status.
func IsSuccessStatus(code int) bool {
	return code >= 200 && code < 300
}

// ErrQueueClosed is returned by a Queue after shutdown.
var ErrQueueClosed = errors.New("queue closed")
