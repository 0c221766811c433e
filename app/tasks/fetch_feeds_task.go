package tasks

import (
	"context"
	"log/slog"
	"time"

	"github.com/lysyi3m/rss-relay/app/feed"
	"github.com/lysyi3m/rss-relay/app/fetch"
)

// FetchSummary aggregates one FetchFeedsTask run.
type FetchSummary struct {
	Feeds       int
	Succeeded   int
	NotModified int
	Failed      int
	Skipped     int
	Items       IngestStats
}

// FetchFeedsTask fetches every due feed and ingests the items of the
// successful ones.
type FetchFeedsTask struct {
	Task
	feeds    []*feed.Config
	runner   FeedRunner
	states   StateReader
	ingester *Ingester
	workers  int
	force    bool
	now      func() time.Time

	Summary FetchSummary
}

type FetchFeedsOption func(*FetchFeedsTask)

// WithForce fetches every enabled feed regardless of its refresh interval.
// Backoff is still honoured by the runner.
func WithForce() FetchFeedsOption {
	return func(t *FetchFeedsTask) { t.force = true }
}

func WithFetchClock(now func() time.Time) FetchFeedsOption {
	return func(t *FetchFeedsTask) { t.now = now }
}

func NewFetchFeedsTask(feeds []*feed.Config, runner FeedRunner, states StateReader, ingester *Ingester, workers int, opts ...FetchFeedsOption) *FetchFeedsTask {
	t := &FetchFeedsTask{
		Task:     NewTask(TaskTypeFetchFeeds),
		feeds:    feeds,
		runner:   runner,
		states:   states,
		ingester: ingester,
		workers:  workers,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *FetchFeedsTask) Execute(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	due := t.dueFeeds(ctx)
	if len(due) == 0 {
		slog.Debug("No feeds due for refresh")
		return nil
	}

	byName := make(map[string]*feed.Config, len(due))
	for _, feedConfig := range due {
		byName[feedConfig.Name] = feedConfig
	}

	results := t.runner.RunConcurrently(ctx, due, t.workers)

	summary := FetchSummary{Feeds: len(results)}
	for name, result := range results {
		switch {
		case result.Skipped():
			summary.Skipped++
		case result.Classification == fetch.ClassificationNotModified:
			summary.NotModified++
		case result.Classification == fetch.ClassificationSuccess:
			summary.Succeeded++
			if t.ingester != nil && len(result.Items) > 0 {
				summary.Items.add(t.ingester.Ingest(ctx, byName[name], result.Items))
			}
		default:
			summary.Failed++
		}
	}
	t.Summary = summary

	slog.Info("Task completed",
		"type", t.GetType(),
		"duration", t.GetDuration(),
		"feeds", summary.Feeds,
		"succeeded", summary.Succeeded,
		"not_modified", summary.NotModified,
		"failed", summary.Failed,
		"skipped", summary.Skipped,
		"new", summary.Items.New,
		"duplicates", summary.Items.Duplicates,
		"filtered", summary.Items.Filtered)

	return nil
}

// dueFeeds keeps enabled feeds that were never fetched or whose refresh
// interval has elapsed. A feed whose state cannot be read is kept so the
// runner reports the failure.
func (t *FetchFeedsTask) dueFeeds(ctx context.Context) []*feed.Config {
	now := t.now()
	due := make([]*feed.Config, 0, len(t.feeds))

	for _, feedConfig := range t.feeds {
		if feedConfig == nil || !feedConfig.Settings.Enabled {
			continue
		}
		if t.force {
			due = append(due, feedConfig)
			continue
		}

		state, err := t.states.Get(ctx, feedConfig.Name)
		if err != nil {
			slog.Warn("Failed to read feed state", "feed", feedConfig.Name, "error", err)
			due = append(due, feedConfig)
			continue
		}

		next := state.FetchedAt.Add(feedConfig.Settings.RefreshDuration())
		if state.NeverFetched() || !now.Before(next) {
			due = append(due, feedConfig)
			continue
		}
		slog.Debug("Feed not due for refresh yet", "feed", feedConfig.Name, "next_fetch_at", next)
	}

	return due
}
