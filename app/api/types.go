package api

import (
	"context"
	"time"

	"github.com/lysyi3m/rss-relay/app/database"
	"github.com/lysyi3m/rss-relay/app/dedup"
	"github.com/lysyi3m/rss-relay/app/feed"
	"github.com/lysyi3m/rss-relay/app/fetch"
)

type GeneratorInterface interface {
	Run(feedConfig *feed.Config, items []database.Item) (string, error)
}

var _ GeneratorInterface = (*RSSGenerator)(nil)

type StateStore interface {
	Get(ctx context.Context, feedName string) (fetch.FeedState, error)
	Reset(ctx context.Context, feedName string) error
}

type ItemStore interface {
	GetVisibleItems(ctx context.Context, feedName string, limit int) ([]database.Item, error)
	GetItemStats(ctx context.Context, feedName string) (database.ItemStats, error)
}

type MetricsProvider interface {
	Metrics() map[string]int64
}

type SimilarityFinder interface {
	FindSimilar(ctx context.Context, q dedup.Query) (*dedup.Match, error)
}

type Handler struct {
	configCache *feed.ConfigCache
	states      StateStore
	items       ItemStore
	metrics     MetricsProvider
	finder      SimilarityFinder
	generator   GeneratorInterface
	dedupWindow time.Duration
	maxDistance int
}

// similarRequest is the body of POST /api/similar. Either Text or
// Fingerprint must be set; Window is a Go duration string.
type similarRequest struct {
	Text        string `json:"text"`
	Fingerprint string `json:"fingerprint"`
	Window      string `json:"window"`
	MaxDistance *int   `json:"max_distance"`
	ExcludeID   string `json:"exclude_id"`
}
