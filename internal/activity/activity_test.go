package activity

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/title-fanout/internal/extract"
	"github.com/JakeFAU/title-fanout/internal/fanout"
)

type scriptedFetcher struct {
	mu       sync.Mutex
	calls    int
	requests []fanout.FetchRequest
	fn       func(ctx context.Context, call int, req fanout.FetchRequest) (fanout.FetchResponse, error)
}

func (f *scriptedFetcher) Fetch(ctx context.Context, req fanout.FetchRequest) (fanout.FetchResponse, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	return f.fn(ctx, call, req)
}

func page(body string) func(context.Context, int, fanout.FetchRequest) (fanout.FetchResponse, error) {
	return func(_ context.Context, _ int, req fanout.FetchRequest) (fanout.FetchResponse, error) {
		return fanout.FetchResponse{URL: req.URL, StatusCode: 200, Body: []byte(body)}, nil
	}
}

type recordingBlobStore struct {
	mu      sync.Mutex
	objects map[string]string
	err     error
}

func (b *recordingBlobStore) PutObject(_ context.Context, path, _ string, data io.Reader) (string, error) {
	if b.err != nil {
		return "", b.err
	}
	raw, err := io.ReadAll(data)
	if err != nil {
		return "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.objects == nil {
		b.objects = map[string]string{}
	}
	b.objects[path] = string(raw)
	return "memory://" + path, nil
}

type fixedHasher struct{ digest string }

func (h fixedHasher) Hash([]byte) (string, error) { return h.digest, nil }

type deniedLimiter struct{}

func (deniedLimiter) Wait(context.Context, string) error { return errors.New("rate limit wait: denied") }

func newActivity(f fanout.Fetcher, cfg Config) *FetchTitle {
	return New(f, extract.New(extract.DefaultSuffix), nil, nil, nil, cfg, zap.NewNop())
}

func TestExecute_ExtractsTitle(t *testing.T) {
	t.Parallel()

	fetcher := &scriptedFetcher{fn: page("<html><title>Foo | Microsoft Learn</title></html>")}
	a := newActivity(fetcher, Config{UserAgent: "fanout-test"})

	got := a.Execute(context.Background(), "https://learn.example/foo")
	require.Equal(t, fanout.Success("Foo"), got)
	require.Equal(t, "fanout-test", fetcher.requests[0].Headers.Get("User-Agent"))
}

func TestExecute_EmptyContentIsNoTitle(t *testing.T) {
	t.Parallel()

	a := newActivity(&scriptedFetcher{fn: page("")}, Config{})
	require.Equal(t, fanout.Success(extract.NoTitle), a.Execute(context.Background(), "https://learn.example/empty"))
}

func TestExecute_NonSuccessStatusFails(t *testing.T) {
	t.Parallel()

	fetcher := &scriptedFetcher{fn: func(_ context.Context, _ int, req fanout.FetchRequest) (fanout.FetchResponse, error) {
		return fanout.FetchResponse{}, &fanout.StatusError{URL: req.URL, StatusCode: 404}
	}}
	a := newActivity(fetcher, Config{MaxRetries: 3, BackoffInitial: time.Millisecond})

	got := a.Execute(context.Background(), "https://learn.example/missing")
	require.False(t, got.IsSuccess())
	require.Contains(t, got.Text, "404")
	require.Equal(t, 1, fetcher.calls, "status errors are not retried")
	require.Contains(t, got.Display("https://learn.example/missing"), "https://learn.example/missing")
}

func TestExecute_StatusCheckedWithoutFetcherError(t *testing.T) {
	t.Parallel()

	fetcher := &scriptedFetcher{fn: func(_ context.Context, _ int, req fanout.FetchRequest) (fanout.FetchResponse, error) {
		return fanout.FetchResponse{URL: req.URL, StatusCode: 503, Body: []byte("<title>Down | Microsoft Learn</title>")}, nil
	}}
	got := newActivity(fetcher, Config{}).Execute(context.Background(), "https://learn.example/down")
	require.False(t, got.IsSuccess())
	require.Contains(t, got.Text, "503")
}

func TestExecute_PanicIsIsolated(t *testing.T) {
	t.Parallel()

	fetcher := &scriptedFetcher{fn: func(context.Context, int, fanout.FetchRequest) (fanout.FetchResponse, error) {
		panic("transport exploded")
	}}
	got := newActivity(fetcher, Config{}).Execute(context.Background(), "https://learn.example/boom")
	require.False(t, got.IsSuccess())
	require.Contains(t, got.Text, "transport exploded")
}

func TestExecute_RetriesTransientErrors(t *testing.T) {
	t.Parallel()

	fetcher := &scriptedFetcher{fn: func(_ context.Context, call int, req fanout.FetchRequest) (fanout.FetchResponse, error) {
		if call <= 2 {
			return fanout.FetchResponse{}, errors.New("connection reset by peer")
		}
		return fanout.FetchResponse{URL: req.URL, StatusCode: 200, Body: []byte("<title>Bar | Microsoft Learn</title>")}, nil
	}}
	a := newActivity(fetcher, Config{MaxRetries: 2, BackoffInitial: time.Millisecond, BackoffMax: 2 * time.Millisecond})

	require.Equal(t, fanout.Success("Bar"), a.Execute(context.Background(), "https://learn.example/bar"))
	require.Equal(t, 3, fetcher.calls)
}

func TestExecute_RetriesExhausted(t *testing.T) {
	t.Parallel()

	fetcher := &scriptedFetcher{fn: func(context.Context, int, fanout.FetchRequest) (fanout.FetchResponse, error) {
		return fanout.FetchResponse{}, errors.New("connection reset by peer")
	}}
	a := newActivity(fetcher, Config{MaxRetries: 1, BackoffInitial: time.Millisecond})

	got := a.Execute(context.Background(), "https://learn.example/flaky")
	require.False(t, got.IsSuccess())
	require.NotEmpty(t, strings.TrimSpace(got.Text))
	require.Equal(t, 2, fetcher.calls)
}

func TestExecute_TimeoutBecomesFailure(t *testing.T) {
	t.Parallel()

	fetcher := &scriptedFetcher{fn: func(ctx context.Context, _ int, _ fanout.FetchRequest) (fanout.FetchResponse, error) {
		<-ctx.Done()
		return fanout.FetchResponse{}, ctx.Err()
	}}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	got := newActivity(fetcher, Config{MaxRetries: 3}).Execute(ctx, "https://learn.example/slow")
	require.False(t, got.IsSuccess())
	require.Contains(t, got.Text, "deadline exceeded")
	require.Equal(t, 1, fetcher.calls)
}

func TestExecute_RateLimitErrorFails(t *testing.T) {
	t.Parallel()

	fetcher := &scriptedFetcher{fn: page("<title>Foo | Microsoft Learn</title>")}
	a := New(fetcher, extract.New(extract.DefaultSuffix), deniedLimiter{}, nil, nil, Config{}, nil)

	got := a.Execute(context.Background(), "https://learn.example/foo")
	require.False(t, got.IsSuccess())
	require.Zero(t, fetcher.calls)
}

func TestExecute_TruncatesBody(t *testing.T) {
	t.Parallel()

	body := "<title>Head | Microsoft Learn</title>" + strings.Repeat("x", 1024)
	blobs := &recordingBlobStore{}
	a := New(&scriptedFetcher{fn: page(body)}, extract.New(extract.DefaultSuffix), nil, blobs, fixedHasher{"abc"},
		Config{MaxBodyBytes: 64}, zap.NewNop())

	got := a.Execute(fanout.WithRunID(context.Background(), "run-1"), "https://learn.example/big")
	require.Equal(t, fanout.Success("Head"), got)
	require.Len(t, blobs.objects["run-1/abc.html"], 64)
}

func TestExecute_ArchivesSnapshot(t *testing.T) {
	t.Parallel()

	blobs := &recordingBlobStore{}
	a := New(&scriptedFetcher{fn: page("<title>Foo | Microsoft Learn</title>")}, extract.New(extract.DefaultSuffix),
		nil, blobs, fixedHasher{"deadbeef"}, Config{SnapshotPrefix: "/snapshots/"}, zap.NewNop())

	got := a.Execute(fanout.WithRunID(context.Background(), "run-7"), "https://learn.example/foo")
	require.True(t, got.IsSuccess())
	require.Contains(t, blobs.objects, "snapshots/run-7/deadbeef.html")
}

func TestExecute_SnapshotFailureIsNotFatal(t *testing.T) {
	t.Parallel()

	blobs := &recordingBlobStore{err: errors.New("bucket unavailable")}
	a := New(&scriptedFetcher{fn: page("<title>Foo | Microsoft Learn</title>")}, extract.New(extract.DefaultSuffix),
		nil, blobs, fixedHasher{"deadbeef"}, Config{}, zap.NewNop())

	require.Equal(t, fanout.Success("Foo"), a.Execute(context.Background(), "https://learn.example/foo"))
}

func TestExecute_NoFetcher(t *testing.T) {
	t.Parallel()

	got := New(nil, extract.New(""), nil, nil, nil, Config{}, nil).Execute(context.Background(), "https://x.example")
	require.False(t, got.IsSuccess())
}
