package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lysyi3m/rss-relay/app/feed"
)

const maxErrorMessageLength = 512

var ErrInvalidConfig = errors.New("invalid feed config")

type StateStore interface {
	Get(ctx context.Context, feedName string) (FeedState, error)
	Save(ctx context.Context, feedName, feedURL string, state FeedState) error
	Reset(ctx context.Context, feedName string) error
}

type FeedFetcher interface {
	Fetch(ctx context.Context, feedConfig *feed.Config, state FeedState) (*Response, error)
}

type Parser interface {
	Run(data []byte) (*feed.Metadata, []feed.Item, error)
}

// FailingHook is called once when a feed reaches its configured number of
// consecutive failures.
type FailingHook func(ctx context.Context, feedConfig *feed.Config, state FeedState)

type Option func(*Runner)

func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

func WithBackoffPolicy(policy BackoffPolicy) Option {
	return func(r *Runner) { r.policy = policy }
}

func WithFailingHook(hook FailingHook) Option {
	return func(r *Runner) { r.onFailing = hook }
}

// Runner drives fetch attempts and owns the backoff decisions. Nothing is
// retried within a call; a failed feed is retried on a later run once its
// backoff has elapsed.
type Runner struct {
	store     StateStore
	fetcher   FeedFetcher
	parser    Parser
	policy    BackoffPolicy
	now       func() time.Time
	onFailing FailingHook
	metrics   Metrics
}

func NewRunner(store StateStore, fetcher FeedFetcher, parser Parser, opts ...Option) *Runner {
	r := &Runner{
		store:   store,
		fetcher: fetcher,
		parser:  parser,
		policy:  DefaultBackoffPolicy(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Metrics returns the aggregate counters accumulated by this runner.
func (r *Runner) Metrics() map[string]int64 {
	return r.metrics.Snapshot()
}

// RunForFeed performs at most one fetch for the feed. Business failures are
// reported through the Result; the error is reserved for a nil or unnamed
// config and for state that cannot be loaded.
func (r *Runner) RunForFeed(ctx context.Context, feedConfig *feed.Config) (*Result, error) {
	if feedConfig == nil || feedConfig.Name == "" || feedConfig.URL == "" {
		return nil, ErrInvalidConfig
	}

	state, err := r.store.Get(ctx, feedConfig.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to load state for feed %s: %w", feedConfig.Name, err)
	}

	now := r.now()
	if state.IsInBackoff(now) {
		slog.Info("Feed in backoff, skipping",
			"feed", feedConfig.Name,
			"remaining", state.BackoffRemaining(now).Round(time.Second),
			"error_count", state.ErrorCount)
		return &Result{
			FeedName:       feedConfig.Name,
			State:          state,
			Classification: ClassificationError,
			Err:            &Error{Kind: KindBackoff, Err: ErrBackoff},
		}, nil
	}

	r.metrics.fetchTotal.Add(1)

	resp, err := r.fetcher.Fetch(ctx, feedConfig, state)
	if err != nil {
		r.metrics.fetchErrors.Add(1)
		fetchErr := &Error{Kind: KindNetwork, Err: err}

		if ctx.Err() != nil {
			slog.Warn("Fetch aborted", "feed", feedConfig.Name, "error", err)
			return &Result{
				FeedName:       feedConfig.Name,
				State:          state,
				Classification: ClassificationError,
				Err:            fetchErr,
				Metrics:        ResultMetrics{Error: fetchErr.Error()},
			}, nil
		}

		return r.fail(ctx, feedConfig, state, fetchErr, ResultMetrics{}), nil
	}

	metrics := ResultMetrics{
		StatusCode: resp.StatusCode,
		Duration:   resp.Duration,
		BodySize:   len(resp.Body),
	}

	switch {
	case resp.StatusCode == http.StatusNotModified:
		return r.handleNotModified(ctx, feedConfig, state, resp, metrics), nil
	case isSuccess(resp.StatusCode):
		return r.handleSuccess(ctx, feedConfig, state, resp, metrics), nil
	default:
		r.metrics.fetchErrors.Add(1)
		fetchErr := &Error{Kind: KindHTTP, StatusCode: resp.StatusCode}
		if snippet := strings.TrimSpace(string(resp.Body)); snippet != "" {
			fetchErr.Err = errors.New(truncate(snippet, maxErrorMessageLength))
		}
		if honorsRetryAfter(resp.StatusCode) {
			if d, ok := ParseRetryAfter(resp.Header.Get("Retry-After"), r.now()); ok {
				fetchErr.RetryAfter = d
			}
		}
		return r.fail(ctx, feedConfig, state, fetchErr, metrics), nil
	}
}

func (r *Runner) handleNotModified(ctx context.Context, feedConfig *feed.Config, state FeedState, resp *Response, metrics ResultMetrics) *Result {
	r.metrics.fetch304.Add(1)

	next := state.WithSuccessfulFetch(resp.Header.Get("ETag"), resp.Header.Get("Last-Modified"), resp.StatusCode, r.now())
	r.save(ctx, feedConfig, next)

	slog.Debug("Feed not modified", "feed", feedConfig.Name, "duration", resp.Duration)

	return &Result{
		FeedName:       feedConfig.Name,
		State:          next,
		Classification: ClassificationNotModified,
		Items:          []feed.Item{},
		Metrics:        metrics,
	}
}

func (r *Runner) handleSuccess(ctx context.Context, feedConfig *feed.Config, state FeedState, resp *Response, metrics ResultMetrics) *Result {
	r.metrics.fetch200.Add(1)

	metadata, parsed, err := r.parse(resp.Body)
	if err != nil {
		r.metrics.parseErrors.Add(1)
		parseErr := &Error{Kind: KindParse, StatusCode: resp.StatusCode, Err: err}
		metrics.ParseError = err.Error()
		return r.fail(ctx, feedConfig, state, parseErr, metrics)
	}

	items := make([]feed.Item, 0, len(parsed))
	for _, item := range parsed {
		if item.IsValid() {
			items = append(items, item)
		}
	}
	metrics.ItemsTotal = len(parsed)
	metrics.ItemsValid = len(items)

	if limit := feedConfig.Settings.MaxItems; limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	r.metrics.itemsParsed.Add(int64(len(items)))

	next := state.WithSuccessfulFetch(resp.Header.Get("ETag"), resp.Header.Get("Last-Modified"), resp.StatusCode, r.now())
	r.save(ctx, feedConfig, next)

	slog.Debug("Feed fetched",
		"feed", feedConfig.Name,
		"status", resp.StatusCode,
		"items", len(items),
		"dropped", metrics.ItemsTotal-metrics.ItemsValid,
		"duration", resp.Duration)

	return &Result{
		FeedName:       feedConfig.Name,
		State:          next,
		Classification: ClassificationSuccess,
		Items:          items,
		Metadata:       metadata,
		Metrics:        metrics,
	}
}

func (r *Runner) fail(ctx context.Context, feedConfig *feed.Config, state FeedState, fetchErr *Error, metrics ResultMetrics) *Result {
	next := state.WithFailedFetch(fetchErr.StatusCode, fetchErr.RetryAfter, truncate(fetchErr.Error(), maxErrorMessageLength), r.policy, r.now())
	r.save(ctx, feedConfig, next)

	metrics.Error = fetchErr.Error()

	slog.Warn("Feed fetch failed",
		"feed", feedConfig.Name,
		"kind", fetchErr.Kind,
		"status", fetchErr.StatusCode,
		"error_count", next.ErrorCount,
		"backoff", next.BackoffRemaining(r.now()).Round(time.Second),
		"error", fetchErr)

	if retries := feedConfig.Settings.Retries; retries > 0 && next.ErrorCount == retries {
		slog.Error("Feed is failing", "feed", feedConfig.Name, "error_count", next.ErrorCount, "error", fetchErr)
		if r.onFailing != nil {
			r.onFailing(ctx, feedConfig, next)
		}
	}

	return &Result{
		FeedName:       feedConfig.Name,
		State:          next,
		Classification: ClassificationError,
		Err:            fetchErr,
		Metrics:        metrics,
	}
}

// save persists state even if ctx was cancelled after the response arrived.
func (r *Runner) save(ctx context.Context, feedConfig *feed.Config, state FeedState) {
	if err := r.store.Save(context.WithoutCancel(ctx), feedConfig.Name, feedConfig.URL, state); err != nil {
		slog.Error("Failed to save feed state", "feed", feedConfig.Name, "error", err)
	}
}

func (r *Runner) parse(data []byte) (metadata *feed.Metadata, items []feed.Item, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("parser panic: %v", p)
		}
	}()
	return r.parser.Run(data)
}

// RunForAllFeeds processes enabled feeds one at a time in the given order.
// A cancelled ctx stops the batch between feeds; unprocessed feeds are
// absent from the returned map.
func (r *Runner) RunForAllFeeds(ctx context.Context, feeds []*feed.Config) map[string]*Result {
	results := make(map[string]*Result, len(feeds))

	for _, feedConfig := range feeds {
		if ctx.Err() != nil {
			slog.Info("Fetch run cancelled", "processed", len(results), "total", len(feeds))
			break
		}
		if feedConfig == nil || !feedConfig.Settings.Enabled {
			continue
		}
		results[feedConfig.Name] = r.safeRun(ctx, feedConfig)
	}

	return results
}

// RunConcurrently is RunForAllFeeds with up to workers feeds in flight.
func (r *Runner) RunConcurrently(ctx context.Context, feeds []*feed.Config, workers int) map[string]*Result {
	if workers <= 1 {
		return r.RunForAllFeeds(ctx, feeds)
	}

	var (
		mu      sync.Mutex
		results = make(map[string]*Result, len(feeds))
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for _, feedConfig := range feeds {
		if gctx.Err() != nil {
			break
		}
		if feedConfig == nil || !feedConfig.Settings.Enabled {
			continue
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			result := r.safeRun(gctx, feedConfig)
			mu.Lock()
			results[feedConfig.Name] = result
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return results
}

func (r *Runner) safeRun(ctx context.Context, feedConfig *feed.Config) (result *Result) {
	defer func() {
		if p := recover(); p != nil {
			slog.Error("Feed run panicked", "feed", feedConfig.Name, "panic", p, "stack", string(debug.Stack()))
			result = internalResult(feedConfig.Name, fmt.Errorf("panic: %v", p))
		}
	}()

	result, err := r.RunForFeed(ctx, feedConfig)
	if err != nil {
		slog.Error("Feed run failed", "feed", feedConfig.Name, "error", err)
		return internalResult(feedConfig.Name, err)
	}
	return result
}

func internalResult(feedName string, err error) *Result {
	return &Result{
		FeedName:       feedName,
		Classification: ClassificationError,
		Err:            &Error{Kind: KindInternal, Err: err},
		Metrics:        ResultMetrics{Error: err.Error()},
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
