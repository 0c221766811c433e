package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/lysyi3m/rss-relay/app/feed"
)

type memoryStore struct {
	mu     sync.Mutex
	states map[string]FeedState
	saves  int
	getErr error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{states: make(map[string]FeedState)}
}

func (s *memoryStore) Get(ctx context.Context, feedName string) (FeedState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return FeedState{}, s.getErr
	}
	return s.states[feedName], nil
}

func (s *memoryStore) Save(ctx context.Context, feedName, feedURL string, state FeedState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	s.states[feedName] = state
	return nil
}

func (s *memoryStore) Reset(ctx context.Context, feedName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, feedName)
	return nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type stubFetcher struct {
	calls atomic.Int32
	fn    func(ctx context.Context, feedConfig *feed.Config, state FeedState) (*Response, error)
}

func (f *stubFetcher) Fetch(ctx context.Context, feedConfig *feed.Config, state FeedState) (*Response, error) {
	f.calls.Add(1)
	return f.fn(ctx, feedConfig, state)
}

type stubParser struct {
	items []feed.Item
	err   error
	panic bool
}

func (p *stubParser) Run(data []byte) (*feed.Metadata, []feed.Item, error) {
	if p.panic {
		panic("malformed")
	}
	if p.err != nil {
		return nil, nil, p.err
	}
	return &feed.Metadata{Title: "stub"}, p.items, nil
}

func respond(status int, header http.Header) func(context.Context, *feed.Config, FeedState) (*Response, error) {
	return func(context.Context, *feed.Config, FeedState) (*Response, error) {
		if header == nil {
			header = http.Header{}
		}
		return &Response{StatusCode: status, Header: header, Body: []byte("body")}, nil
	}
}

func testConfig(name, url string) *feed.Config {
	return &feed.Config{
		Name:     name,
		URL:      url,
		Settings: feed.ConfigSettings{Enabled: true, Timeout: 5},
	}
}

const scenarioFeed = `<?xml version="1.0"?>
<rss version="2.0">
  <channel>
    <title>Scenario</title>
    <item><title>One</title><link>https://example.com/1</link></item>
    <item><title>Two</title><link>https://example.com/2</link></item>
    <item><title>Three</title><link>https://example.com/3</link></item>
    <item><title>No link</title></item>
  </channel>
</rss>`

func TestRunnerEndToEndScenario(t *testing.T) {
	const etag = `"rev-1"`

	var (
		calls       atomic.Int32
		unavailable atomic.Bool
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if unavailable.Load() {
			w.Header().Set("Retry-After", "120")
			http.Error(w, "maintenance", http.StatusServiceUnavailable)
			return
		}
		if r.Header.Get("If-None-Match") == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", etag)
		w.Write([]byte(scenarioFeed))
	}))
	defer server.Close()

	clock := &fakeClock{now: testNow}
	store := newMemoryStore()
	runner := NewRunner(store, NewFetcher(server.Client(), ""), feed.NewParser(), WithClock(clock.Now))
	config := testConfig("scenario", server.URL)
	ctx := context.Background()

	// Attempt 1: fresh content.
	result, err := runner.RunForFeed(ctx, config)
	if err != nil {
		t.Fatal(err)
	}
	if result.Classification != ClassificationSuccess {
		t.Fatalf("Attempt 1: expected success, got %s (%v)", result.Classification, result.Err)
	}
	if len(result.Items) != 3 {
		t.Errorf("Attempt 1: expected 3 items, got %d", len(result.Items))
	}
	if result.State.ErrorCount != 0 || result.State.ETag != etag {
		t.Errorf("Attempt 1: unexpected state %+v", result.State)
	}

	// Attempt 2: validator round-trips and yields 304.
	result, _ = runner.RunForFeed(ctx, config)
	if result.Classification != ClassificationNotModified {
		t.Fatalf("Attempt 2: expected not_modified, got %s", result.Classification)
	}
	if len(result.Items) != 0 {
		t.Errorf("Attempt 2: expected 0 items, got %d", len(result.Items))
	}
	if result.State.ETag != etag {
		t.Errorf("Attempt 2: expected etag to be kept, got %q", result.State.ETag)
	}

	// Attempt 3: maintenance with Retry-After.
	unavailable.Store(true)
	result, _ = runner.RunForFeed(ctx, config)
	if result.Classification != ClassificationError || result.Reason() != string(KindHTTP) {
		t.Fatalf("Attempt 3: expected http error, got %s / %s", result.Classification, result.Reason())
	}
	if result.State.ErrorCount != 1 {
		t.Errorf("Attempt 3: expected error count 1, got %d", result.State.ErrorCount)
	}
	if result.State.LastStatus != http.StatusServiceUnavailable {
		t.Errorf("Attempt 3: expected last status 503, got %d", result.State.LastStatus)
	}
	wantUntil := testNow.Add(120 * time.Second)
	if result.State.BackoffUntil == nil || !result.State.BackoffUntil.Equal(wantUntil) {
		t.Errorf("Attempt 3: expected backoff until %v, got %v", wantUntil, result.State.BackoffUntil)
	}

	// Attempt 4: ten seconds later, still inside the backoff window.
	clock.Advance(10 * time.Second)
	before := calls.Load()
	result, _ = runner.RunForFeed(ctx, config)
	if !result.Skipped() || result.Reason() != "backoff" {
		t.Fatalf("Attempt 4: expected backoff skip, got %s / %s", result.Classification, result.Reason())
	}
	if !errors.Is(result.Err, ErrBackoff) {
		t.Errorf("Attempt 4: expected ErrBackoff, got %v", result.Err)
	}
	if calls.Load() != before {
		t.Errorf("Attempt 4: expected no HTTP call, server saw %d", calls.Load()-before)
	}

	want := map[string]int64{
		MetricFetchTotal:  3,
		MetricFetch200:    1,
		MetricFetch304:    1,
		MetricFetchErrors: 1,
		MetricParseErrors: 0,
		MetricItemsParsed: 3,
	}
	if diff := cmp.Diff(want, runner.Metrics()); diff != "" {
		t.Errorf("Metrics mismatch (-want +got):\n%s", diff)
	}
}

func TestRunnerBackoffShortCircuit(t *testing.T) {
	until := testNow.Add(time.Hour)
	store := newMemoryStore()
	store.states["feed"] = FeedState{ErrorCount: 2, LastStatus: 500, BackoffUntil: &until}

	fetcher := &stubFetcher{fn: respond(http.StatusOK, nil)}
	runner := NewRunner(store, fetcher, &stubParser{}, WithClock(func() time.Time { return testNow }))

	result, err := runner.RunForFeed(context.Background(), testConfig("feed", "https://example.com"))
	if err != nil {
		t.Fatal(err)
	}

	if fetcher.calls.Load() != 0 {
		t.Errorf("Expected zero fetches, got %d", fetcher.calls.Load())
	}
	if result.Classification != ClassificationError || result.Reason() != "backoff" {
		t.Errorf("Expected backoff error, got %s / %s", result.Classification, result.Reason())
	}
	if store.saves != 0 {
		t.Errorf("Expected state to be untouched, got %d saves", store.saves)
	}
	if runner.Metrics()[MetricFetchTotal] != 0 {
		t.Errorf("Expected backoff skip not to count as a fetch")
	}
}

func TestRunnerDropsInvalidItems(t *testing.T) {
	items := []feed.Item{
		{Title: "a", Link: "https://example.com/a"},
		{Title: "", Link: "https://example.com/b"},
		{Title: "c", Link: "https://example.com/c"},
		{Title: "d", Link: ""},
		{Title: "e", Link: "https://example.com/e"},
	}

	runner := NewRunner(newMemoryStore(), &stubFetcher{fn: respond(http.StatusOK, nil)}, &stubParser{items: items})

	result, _ := runner.RunForFeed(context.Background(), testConfig("feed", "https://example.com"))
	if result.Classification != ClassificationSuccess {
		t.Fatalf("Expected success, got %s", result.Classification)
	}
	if len(result.Items) != 3 {
		t.Errorf("Expected 3 items, got %d", len(result.Items))
	}
	if result.Metrics.ItemsTotal != 5 || result.Metrics.ItemsValid != 3 {
		t.Errorf("Expected 5 total and 3 valid, got %+v", result.Metrics)
	}
}

func TestRunnerCapsMaxItems(t *testing.T) {
	var items []feed.Item
	for i := range 10 {
		items = append(items, feed.Item{Title: fmt.Sprint(i), Link: fmt.Sprintf("https://example.com/%d", i)})
	}

	config := testConfig("feed", "https://example.com")
	config.Settings.MaxItems = 4
	runner := NewRunner(newMemoryStore(), &stubFetcher{fn: respond(http.StatusOK, nil)}, &stubParser{items: items})

	result, _ := runner.RunForFeed(context.Background(), config)
	if len(result.Items) != 4 {
		t.Errorf("Expected 4 items, got %d", len(result.Items))
	}
	if result.Items[0].Title != "0" {
		t.Errorf("Expected feed order to be kept, got first %q", result.Items[0].Title)
	}
	if runner.Metrics()[MetricItemsParsed] != 4 {
		t.Errorf("Expected items_parsed 4, got %d", runner.Metrics()[MetricItemsParsed])
	}
}

func TestRunnerParseFailure(t *testing.T) {
	tests := []struct {
		name   string
		parser *stubParser
	}{
		{"parser error", &stubParser{err: errors.New("unexpected EOF")}},
		{"parser panic", &stubParser{panic: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemoryStore()
			runner := NewRunner(store, &stubFetcher{fn: respond(http.StatusOK, nil)}, tt.parser, WithClock(func() time.Time { return testNow }))

			result, err := runner.RunForFeed(context.Background(), testConfig("feed", "https://example.com"))
			if err != nil {
				t.Fatal(err)
			}
			if result.Classification != ClassificationError || result.Reason() != string(KindParse) {
				t.Fatalf("Expected parse error, got %s / %s", result.Classification, result.Reason())
			}
			if result.State.LastStatus != http.StatusOK {
				t.Errorf("Expected last status 200, got %d", result.State.LastStatus)
			}
			if result.State.ErrorCount != 1 || result.State.BackoffUntil == nil {
				t.Errorf("Expected failure with backoff, got %+v", result.State)
			}
			if result.Metrics.ParseError == "" {
				t.Error("Expected parse error in metrics")
			}

			metrics := runner.Metrics()
			if metrics[MetricFetch200] != 1 || metrics[MetricParseErrors] != 1 || metrics[MetricFetchErrors] != 0 {
				t.Errorf("Unexpected metrics %v", metrics)
			}
		})
	}
}

func TestRunnerHTTPErrors(t *testing.T) {
	policy := BackoffPolicy{Base: time.Minute, Max: time.Hour}

	tests := []struct {
		name      string
		status    int
		header    http.Header
		wantDelay time.Duration
	}{
		{"404 uses exponential", http.StatusNotFound, nil, time.Minute},
		{"429 honours seconds", http.StatusTooManyRequests, http.Header{"Retry-After": {"300"}}, 5 * time.Minute},
		{"503 honours date", http.StatusServiceUnavailable, http.Header{"Retry-After": {testNow.Add(90 * time.Second).Format(http.TimeFormat)}}, 90 * time.Second},
		{"500 ignores retry after", http.StatusInternalServerError, http.Header{"Retry-After": {"300"}}, time.Minute},
		{"503 with bad retry after", http.StatusServiceUnavailable, http.Header{"Retry-After": {"later"}}, time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := NewRunner(newMemoryStore(), &stubFetcher{fn: respond(tt.status, tt.header)}, &stubParser{},
				WithClock(func() time.Time { return testNow }),
				WithBackoffPolicy(policy))

			result, _ := runner.RunForFeed(context.Background(), testConfig("feed", "https://example.com"))

			var fetchErr *Error
			if !errors.As(result.Err, &fetchErr) || fetchErr.Kind != KindHTTP {
				t.Fatalf("Expected http error, got %v", result.Err)
			}
			if result.State.LastStatus != tt.status {
				t.Errorf("Expected last status %d, got %d", tt.status, result.State.LastStatus)
			}
			if got := result.State.BackoffUntil.Sub(testNow); got != tt.wantDelay {
				t.Errorf("Expected delay %v, got %v", tt.wantDelay, got)
			}
		})
	}
}

func TestRunnerNetworkError(t *testing.T) {
	fetcher := &stubFetcher{fn: func(context.Context, *feed.Config, FeedState) (*Response, error) {
		return nil, errors.New("connection refused")
	}}
	runner := NewRunner(newMemoryStore(), fetcher, &stubParser{}, WithClock(func() time.Time { return testNow }))

	result, _ := runner.RunForFeed(context.Background(), testConfig("feed", "https://example.com"))
	if result.Reason() != string(KindNetwork) {
		t.Fatalf("Expected network error, got %s", result.Reason())
	}
	if result.State.LastStatus != 0 || result.State.ErrorCount != 1 {
		t.Errorf("Expected status 0 with one error, got %+v", result.State)
	}
	if result.Metrics.Error == "" || result.State.LastError == "" {
		t.Error("Expected error message to be recorded")
	}
}

func TestRunnerCancelledFetchKeepsState(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	fetcher := &stubFetcher{fn: func(context.Context, *feed.Config, FeedState) (*Response, error) {
		cancel()
		return nil, context.Canceled
	}}
	store := newMemoryStore()
	runner := NewRunner(store, fetcher, &stubParser{})

	result, _ := runner.RunForFeed(ctx, testConfig("feed", "https://example.com"))
	if result.Reason() != string(KindNetwork) {
		t.Errorf("Expected network error, got %s", result.Reason())
	}
	if store.saves != 0 {
		t.Errorf("Expected aborted fetch not to persist state, got %d saves", store.saves)
	}
}

func TestRunnerSuccessResetsErrors(t *testing.T) {
	expired := testNow.Add(-time.Minute)
	store := newMemoryStore()
	store.states["feed"] = FeedState{ErrorCount: 5, LastStatus: 500, LastError: "boom", BackoffUntil: &expired}

	for _, status := range []int{http.StatusOK, http.StatusNotModified} {
		runner := NewRunner(store, &stubFetcher{fn: respond(status, nil)}, &stubParser{}, WithClock(func() time.Time { return testNow }))

		result, _ := runner.RunForFeed(context.Background(), testConfig("feed", "https://example.com"))
		if result.State.ErrorCount != 0 || result.State.BackoffUntil != nil || result.State.LastError != "" {
			t.Errorf("Status %d: expected reset state, got %+v", status, result.State)
		}
		store.states["feed"] = FeedState{ErrorCount: 5, BackoffUntil: &expired}
	}
}

func TestRunnerFailingHook(t *testing.T) {
	clock := &fakeClock{now: testNow}
	var alerts []int
	hook := func(ctx context.Context, feedConfig *feed.Config, state FeedState) {
		alerts = append(alerts, state.ErrorCount)
	}

	config := testConfig("feed", "https://example.com")
	config.Settings.Retries = 3
	runner := NewRunner(newMemoryStore(), &stubFetcher{fn: respond(http.StatusBadGateway, nil)}, &stubParser{},
		WithClock(clock.Now), WithFailingHook(hook))

	for range 5 {
		runner.RunForFeed(context.Background(), config)
		clock.Advance(24 * time.Hour)
	}

	if diff := cmp.Diff([]int{3}, alerts); diff != "" {
		t.Errorf("Alerts mismatch (-want +got):\n%s", diff)
	}
}

func TestRunnerInvalidConfig(t *testing.T) {
	runner := NewRunner(newMemoryStore(), &stubFetcher{fn: respond(http.StatusOK, nil)}, &stubParser{})

	for _, config := range []*feed.Config{nil, {URL: "https://example.com"}, {Name: "x"}} {
		if _, err := runner.RunForFeed(context.Background(), config); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("Expected ErrInvalidConfig for %+v, got %v", config, err)
		}
	}
}

func TestRunForAllFeeds(t *testing.T) {
	var order []string
	var mu sync.Mutex
	fetcher := &stubFetcher{fn: func(ctx context.Context, feedConfig *feed.Config, state FeedState) (*Response, error) {
		mu.Lock()
		order = append(order, feedConfig.Name)
		mu.Unlock()
		switch feedConfig.Name {
		case "panics":
			panic("transport bug")
		case "broken":
			return nil, errors.New("dns failure")
		}
		return &Response{StatusCode: http.StatusNotModified, Header: http.Header{}}, nil
	}}

	disabled := testConfig("disabled", "https://example.com/d")
	disabled.Settings.Enabled = false

	feeds := []*feed.Config{
		testConfig("b", "https://example.com/b"),
		disabled,
		testConfig("panics", "https://example.com/p"),
		testConfig("broken", "https://example.com/x"),
		testConfig("a", "https://example.com/a"),
	}

	store := newMemoryStore()
	runner := NewRunner(store, fetcher, &stubParser{})
	results := runner.RunForAllFeeds(context.Background(), feeds)

	if diff := cmp.Diff([]string{"b", "panics", "broken", "a"}, order); diff != "" {
		t.Errorf("Order mismatch (-want +got):\n%s", diff)
	}
	if _, ok := results["disabled"]; ok {
		t.Error("Expected disabled feed to be skipped")
	}
	if _, ok := store.states["disabled"]; ok {
		t.Error("Expected disabled feed state to be untouched")
	}
	if results["panics"].Reason() != string(KindInternal) {
		t.Errorf("Expected internal error for panicking feed, got %s", results["panics"].Reason())
	}
	if results["broken"].Reason() != string(KindNetwork) {
		t.Errorf("Expected network error, got %s", results["broken"].Reason())
	}
	if results["a"].Classification != ClassificationNotModified {
		t.Errorf("Expected feed after failures to be processed, got %s", results["a"].Classification)
	}
}

func TestRunForAllFeedsStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	fetcher := &stubFetcher{fn: func(context.Context, *feed.Config, FeedState) (*Response, error) {
		cancel()
		return &Response{StatusCode: http.StatusNotModified, Header: http.Header{}}, nil
	}}

	runner := NewRunner(newMemoryStore(), fetcher, &stubParser{})
	results := runner.RunForAllFeeds(ctx, []*feed.Config{
		testConfig("first", "https://example.com/1"),
		testConfig("second", "https://example.com/2"),
	})

	if len(results) != 1 || results["first"] == nil {
		t.Errorf("Expected only the first feed to run, got %v", results)
	}
}

func TestRunForAllFeedsStateLoadFailure(t *testing.T) {
	store := newMemoryStore()
	store.getErr = errors.New("database is locked")

	runner := NewRunner(store, &stubFetcher{fn: respond(http.StatusOK, nil)}, &stubParser{})
	results := runner.RunForAllFeeds(context.Background(), []*feed.Config{testConfig("feed", "https://example.com")})

	if results["feed"].Reason() != string(KindInternal) {
		t.Errorf("Expected internal error, got %s", results["feed"].Reason())
	}
}

func TestRunConcurrently(t *testing.T) {
	var inFlight, peak atomic.Int32
	fetcher := &stubFetcher{fn: func(context.Context, *feed.Config, FeedState) (*Response, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inFlight.Add(-1)
		return &Response{StatusCode: http.StatusOK, Header: http.Header{}}, nil
	}}

	var feeds []*feed.Config
	for i := range 12 {
		feeds = append(feeds, testConfig(fmt.Sprintf("feed-%02d", i), fmt.Sprintf("https://example.com/%d", i)))
	}

	parser := &stubParser{items: []feed.Item{{Title: "x", Link: "https://example.com/x"}}}
	runner := NewRunner(newMemoryStore(), fetcher, parser)
	results := runner.RunConcurrently(context.Background(), feeds, 3)

	if len(results) != len(feeds) {
		t.Fatalf("Expected %d results, got %d", len(feeds), len(results))
	}
	if peak.Load() > 3 {
		t.Errorf("Expected at most 3 concurrent fetches, got %d", peak.Load())
	}

	metrics := runner.Metrics()
	if metrics[MetricFetchTotal] != 12 || metrics[MetricItemsParsed] != 12 {
		t.Errorf("Unexpected metrics %v", metrics)
	}
}
