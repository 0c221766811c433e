package tasks

import (
	"context"
	"time"

	"github.com/lysyi3m/rss-relay/app/database"
	"github.com/lysyi3m/rss-relay/app/dedup"
	"github.com/lysyi3m/rss-relay/app/feed"
	"github.com/lysyi3m/rss-relay/app/fetch"
)

// TaskSchedulerInterface is what the serve command drives.
//
//	scheduler := NewScheduler(interval, workers, planners...)
//	scheduler.Start()
//	defer scheduler.Stop()
type TaskSchedulerInterface interface {
	Start()
	Stop()
	EnqueueTask(task TaskInterface) error
}

// FeedRunner is the part of fetch.Runner used by FetchFeedsTask.
type FeedRunner interface {
	RunConcurrently(ctx context.Context, feeds []*feed.Config, workers int) map[string]*fetch.Result
}

type StateReader interface {
	Get(ctx context.Context, feedName string) (fetch.FeedState, error)
}

type ItemStore interface {
	CheckDuplicate(ctx context.Context, contentHash string) (bool, string, error)
	InsertItem(ctx context.Context, item database.NewItem) (string, error)
}

type SimilarityFinder interface {
	FindSimilar(ctx context.Context, q dedup.Query) (*dedup.Match, error)
}

type Extractor interface {
	Extract(ctx context.Context, link string, timeout time.Duration) (string, error)
}

type PendingItemStore interface {
	GetPendingItems(ctx context.Context, limit int) ([]database.Item, error)
	MarkPublished(ctx context.Context, id string, at time.Time) error
	MarkPublishFailed(ctx context.Context, id, errMsg string, maxAttempts int) error
}

type ItemPublisher interface {
	Publish(ctx context.Context, item database.Item) error
}
