// Package activity implements the fetch-title unit of work executed once per
// work item on the worker pool.
package activity

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/title-fanout/internal/fanout"
	"github.com/JakeFAU/title-fanout/internal/metrics"
)

const tracerName = "github.com/JakeFAU/title-fanout/internal/activity"

// Limiter throttles requests per host.
type Limiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Extractor turns page content into display text.
type Extractor interface {
	Title(content string) string
}

// Config controls FetchTitle behavior.
type Config struct {
	UserAgent      string
	MaxBodyBytes   int64
	MaxRetries     int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	// SnapshotPrefix is prepended to archived page paths.
	SnapshotPrefix string
	ContentType    string
}

// FetchTitle fetches one URL and extracts its title. Every failure on any path,
// panics included, is returned as a Failure result.
type FetchTitle struct {
	fetcher   fanout.Fetcher
	extractor Extractor
	limiter   Limiter
	blobStore fanout.BlobStore
	hasher    fanout.Hasher
	retry     *RetryPolicy
	cfg       Config
	logger    *zap.Logger
	tracer    trace.Tracer
}

// New constructs a FetchTitle. limiter, blobStore and hasher are optional;
// snapshots are taken only when both blobStore and hasher are set.
func New(
	fetcher fanout.Fetcher,
	extractor Extractor,
	limiter Limiter,
	blobStore fanout.BlobStore,
	hasher fanout.Hasher,
	cfg Config,
	logger *zap.Logger,
) *FetchTitle {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ContentType == "" {
		cfg.ContentType = "text/html; charset=utf-8"
	}
	return &FetchTitle{
		fetcher:   fetcher,
		extractor: extractor,
		limiter:   limiter,
		blobStore: blobStore,
		hasher:    hasher,
		retry:     NewRetryPolicy(cfg.MaxRetries, cfg.BackoffInitial, cfg.BackoffMax),
		cfg:       cfg,
		logger:    logger,
		tracer:    otel.Tracer(tracerName),
	}
}

// Execute implements fanout.Activity.
func (a *FetchTitle) Execute(ctx context.Context, item fanout.WorkItem) (result fanout.ActivityResult) {
	start := time.Now()
	fetched := 0
	runID := fanout.RunIDFromContext(ctx)
	ctx, span := a.tracer.Start(ctx, "activity.FetchTitle",
		trace.WithAttributes(attribute.String("fanout.item", string(item)), attribute.String("fanout.run_id", runID)))
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("activity panicked",
				zap.String("run_id", runID),
				zap.String("item", string(item)),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			result = fanout.Failure(fmt.Sprintf("activity panicked: %v", r))
		}
		if !result.IsSuccess() {
			span.SetStatus(codes.Error, result.Text)
		}
		span.End()
		metrics.ObserveActivity(string(item), string(result.Outcome), fetched, time.Since(start))
	}()

	body, err := a.fetchBody(ctx, runID, item)
	if err != nil {
		a.logger.Warn("fetch failed",
			zap.String("run_id", runID), zap.String("item", string(item)), zap.Error(err))
		return fanout.Failure(err.Error())
	}
	fetched = len(body)
	a.snapshot(ctx, runID, body)

	title := a.extractor.Title(string(body))
	a.logger.Debug("title extracted",
		zap.String("run_id", runID), zap.String("item", string(item)), zap.String("title", title))
	return fanout.Success(title)
}

func (a *FetchTitle) fetchBody(ctx context.Context, runID string, item fanout.WorkItem) ([]byte, error) {
	if a.fetcher == nil {
		return nil, errors.New("no fetcher configured")
	}
	if a.limiter != nil {
		if err := a.limiter.Wait(ctx, string(item)); err != nil {
			return nil, err
		}
	}
	req := fanout.FetchRequest{RunID: runID, URL: string(item)}
	if a.cfg.UserAgent != "" {
		req.Headers = map[string][]string{"User-Agent": {a.cfg.UserAgent}}
	}
	resp, err := a.fetchWithRetry(ctx, req)
	if err != nil {
		return nil, err
	}
	if !fanout.IsSuccessStatus(resp.StatusCode) {
		return nil, &fanout.StatusError{URL: req.URL, StatusCode: resp.StatusCode}
	}
	body := resp.Body
	if a.cfg.MaxBodyBytes > 0 && int64(len(body)) > a.cfg.MaxBodyBytes {
		body = body[:a.cfg.MaxBodyBytes]
	}
	return body, nil
}

func (a *FetchTitle) fetchWithRetry(ctx context.Context, req fanout.FetchRequest) (fanout.FetchResponse, error) {
	for attempt := 0; ; attempt++ {
		resp, err := a.fetcher.Fetch(ctx, req)
		if err == nil {
			return resp, nil
		}
		if !a.retry.ShouldRetry(err, attempt+1) {
			return fanout.FetchResponse{}, err
		}
		wait := a.retry.Backoff(attempt)
		a.logger.Debug("retrying fetch",
			zap.String("url", req.URL), zap.Int("attempt", attempt+1), zap.Duration("backoff", wait), zap.Error(err))
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fanout.FetchResponse{}, fmt.Errorf("%w (after %v)", ctx.Err(), err)
		case <-timer.C:
		}
	}
}

func (a *FetchTitle) snapshot(ctx context.Context, runID string, body []byte) {
	if a.blobStore == nil || a.hasher == nil {
		return
	}
	hash, err := a.hasher.Hash(body)
	if err != nil {
		a.logger.Warn("hash snapshot failed", zap.String("run_id", runID), zap.Error(err))
		return
	}
	path := a.snapshotPath(runID, hash)
	uri, err := a.blobStore.PutObject(ctx, path, a.cfg.ContentType, bytes.NewReader(body))
	if err != nil {
		a.logger.Warn("archive snapshot failed", zap.String("run_id", runID), zap.String("path", path), zap.Error(err))
		return
	}
	a.logger.Debug("snapshot archived", zap.String("run_id", runID), zap.String("uri", uri))
}

func (a *FetchTitle) snapshotPath(runID, hash string) string {
	if runID == "" {
		runID = "adhoc"
	}
	prefix := strings.Trim(a.cfg.SnapshotPrefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s.html", runID, hash)
	}
	return fmt.Sprintf("%s/%s/%s.html", prefix, runID, hash)
}
