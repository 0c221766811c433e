package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/lysyi3m/rss-relay/app/feed"
)

const (
	maxFeedSize      = 20 << 20
	maxErrorBodySize = 16 << 10
)

type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Duration   time.Duration
}

// Fetcher issues a single conditional GET per call. Non-2xx statuses are
// returned, not reported as errors; only transport failures are.
type Fetcher struct {
	client    HTTPClient
	userAgent string
}

func NewFetcher(client HTTPClient, userAgent string) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &Fetcher{
		client:    client,
		userAgent: userAgent,
	}
}

func (f *Fetcher) Fetch(ctx context.Context, feedConfig *feed.Config, state FeedState) (*Response, error) {
	if timeout := feedConfig.Settings.TimeoutDuration(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedConfig.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}
	for name, value := range feedConfig.Headers {
		req.Header.Set(name, value)
	}
	if feedConfig.Settings.UseConditional() {
		if state.ETag != "" {
			req.Header.Set("If-None-Match", state.ETag)
		}
		if state.LastModified != "" {
			req.Header.Set("If-Modified-Since", state.LastModified)
		}
	}

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", feedConfig.URL, err)
	}
	defer resp.Body.Close()

	limit := int64(maxFeedSize)
	if !isSuccess(resp.StatusCode) {
		limit = maxErrorBodySize
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
		Duration:   time.Since(start),
	}, nil
}

func isSuccess(status int) bool {
	return status >= 200 && status < 300
}
