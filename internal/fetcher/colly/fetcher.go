// Package collyfetcher implements fanout.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/title-fanout/internal/fanout"
)

const defaultTimeout = 15 * time.Second

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	MaxBodyBytes  int
}

// Fetcher performs one GET per call on a clone of a shared collector.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

type outcome struct {
	response fanout.FetchResponse
	err      error
}

// New builds a Fetcher. Transport and timeout live on the shared backend, so
// they are set once here rather than per clone.
func New(cfg Config) *Fetcher {
	return NewWithTransport(cfg, newHTTPTransport())
}

// NewWithTransport builds a Fetcher on a caller-supplied transport.
func NewWithTransport(cfg Config, transport http.RoundTripper) *Fetcher {
	c := colly.NewCollector(colly.Async(false))
	c.AllowURLRevisit = true
	c.ParseHTTPErrorResponse = true
	c.IgnoreRobotsTxt = !cfg.RespectRobots
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	if cfg.MaxBodyBytes > 0 {
		c.MaxBodySize = cfg.MaxBodyBytes
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	c.WithTransport(transport)
	c.SetRequestTimeout(timeout)

	return &Fetcher{cfg: cfg, baseCollector: c}
}

// Fetch executes a single HTTP GET. A response outside the 2xx range is
// returned as a *fanout.StatusError.
func (f *Fetcher) Fetch(ctx context.Context, request fanout.FetchRequest) (fanout.FetchResponse, error) {
	start := time.Now()
	done := make(chan outcome, 1)

	go func() {
		var (
			result   fanout.FetchResponse
			fetchErr error
		)
		collector := f.baseCollector.Clone()
		f.configureCollectorHooks(collector, request, start, &result, &fetchErr)
		if err := collector.Visit(request.URL); err != nil {
			done <- outcome{err: fmt.Errorf("colly visit failed: %w", err)}
			return
		}
		if fetchErr != nil {
			done <- outcome{err: fmt.Errorf("colly response failed: %w", fetchErr)}
			return
		}
		done <- outcome{response: result}
	}()

	select {
	case <-ctx.Done():
		return fanout.FetchResponse{}, fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case out := <-done:
		if out.err != nil {
			return fanout.FetchResponse{}, out.err
		}
		if !fanout.IsSuccessStatus(out.response.StatusCode) {
			return fanout.FetchResponse{}, &fanout.StatusError{URL: out.response.URL, StatusCode: out.response.StatusCode}
		}
		return out.response, nil
	}
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	request fanout.FetchRequest,
	start time.Time,
	result *fanout.FetchResponse,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		copyHeaders(request.Headers, r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		headers := http.Header{}
		if r.Headers != nil {
			headers = r.Headers.Clone()
		}
		*result = fanout.FetchResponse{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    headers,
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func copyHeaders(headers http.Header, r *colly.Request) {
	for key, values := range headers {
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
