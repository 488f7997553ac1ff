package fanout

import (
	"context"
	"io"
	"net/http"
	"time"
)

// EventLog persists the append-only history of each run.
type EventLog interface {
	// Append assigns sequence numbers and stores events atomically.
	Append(ctx context.Context, runID string, events ...Event) error
	// Load returns the history of a run ordered by sequence, or ErrNotFound.
	Load(ctx context.Context, runID string) ([]Event, error)
	// OpenRuns lists runs whose history has no terminal event.
	OpenRuns(ctx context.Context) ([]string, error)
}

// RunStore is the key-value status surface read by clients.
type RunStore interface {
	PutRun(ctx context.Context, run Run) error
	GetRun(ctx context.Context, runID string) (Run, error)
	ListRuns(ctx context.Context, limit int) ([]Run, error)
}

// Activity performs one unit of external work. Implementations never return
// an error; every failure is reported as a Failure result.
type Activity interface {
	Execute(ctx context.Context, item WorkItem) ActivityResult
}

// Queue provides enqueue/dequeue semantics for dispatched tasks.
type Queue interface {
	Enqueue(ctx context.Context, task Task) error
	Dequeue(ctx context.Context) (Task, error)
}

// Fetcher performs one outbound request for a work item.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	RunID   string
	URL     string
	Headers http.Header
}

// FetchResponse is returned by a Fetcher on a 2xx response.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// BlobStore archives raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes run notifications to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes content digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewID() (string, error)
}
