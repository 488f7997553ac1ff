package headless

import (
	"net/http"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
)

func TestNewChromedpDefaults(t *testing.T) {
	t.Parallel()

	if _, err := NewChromedp(Config{MaxParallel: -1}); err == nil {
		t.Fatal("expected error for negative max parallel")
	}
	fetcher, err := NewChromedp(Config{MaxParallel: 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer fetcher.Close()
	if cap(fetcher.tabs) != 2 {
		t.Fatalf("expected 2 tab slots, got %d", cap(fetcher.tabs))
	}
	if fetcher.cfg.NavigationTimeout != defaultNavTimeout || fetcher.cfg.TitleWait != defaultTitleWait {
		t.Fatalf("unexpected defaults: %+v", fetcher.cfg)
	}

	unbounded, err := NewChromedp(Config{NavigationTimeout: time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer unbounded.Close()
	if unbounded.tabs != nil || unbounded.cfg.NavigationTimeout != time.Second {
		t.Fatalf("unexpected config: %+v", unbounded.cfg)
	}
}

func TestNetworkHeaders(t *testing.T) {
	t.Parallel()

	got := networkHeaders(http.Header{"X-Test": {"a", "b"}, "X-One": {"1"}, "X-Empty": {}})
	if v, ok := got["X-Test"].([]string); !ok || len(v) != 2 {
		t.Fatalf("expected two entries, got %#v", got["X-Test"])
	}
	if v, ok := got["X-One"].(string); !ok || v != "1" {
		t.Fatalf("expected single value string, got %#v", got["X-One"])
	}
	if _, ok := got["X-Empty"]; ok {
		t.Fatal("empty header should be skipped")
	}
}

func TestDocumentIgnoresSubresources(t *testing.T) {
	t.Parallel()

	doc := &document{}
	doc.observe(&network.EventResponseReceived{
		Type:     network.ResourceTypeImage,
		Response: &network.Response{Status: 404, URL: "https://example.com/logo.png"},
	})
	doc.observe("not a network event")
	status, headers, url := doc.result("https://req", "")
	if status != http.StatusOK || url != "https://req" || headers == nil {
		t.Fatalf("subresource should not be captured: status=%d url=%s", status, url)
	}
}

func TestDocumentCapturesMainFrame(t *testing.T) {
	t.Parallel()

	doc := &document{}
	doc.observe(&network.EventResponseReceived{
		Type: network.ResourceTypeDocument,
		Response: &network.Response{
			Status:  404,
			URL:     "https://example.com/rendered",
			Headers: network.Headers{"X-Request-ID": "abc", "Set-Cookie": []any{"a=1", "b=2"}},
		},
	})
	status, headers, url := doc.result("https://req", "https://location")
	if status != 404 || url != "https://example.com/rendered" {
		t.Fatalf("unexpected result: status=%d url=%s", status, url)
	}
	if headers.Get("X-Request-ID") != "abc" || len(headers.Values("Set-Cookie")) != 2 {
		t.Fatalf("unexpected headers: %v", headers)
	}

	empty := &document{}
	if _, _, url := empty.result("https://req", "https://location"); url != "https://location" {
		t.Fatalf("expected browser location fallback, got %s", url)
	}
}
