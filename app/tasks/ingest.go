package tasks

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/lysyi3m/rss-relay/app/database"
	"github.com/lysyi3m/rss-relay/app/dedup"
	"github.com/lysyi3m/rss-relay/app/feed"
)

// IngestStats counts what happened to the items of one fetch result.
type IngestStats struct {
	Total      int
	Existing   int
	Filtered   int
	Duplicates int
	New        int
	Errors     int
}

func (s *IngestStats) add(o IngestStats) {
	s.Total += o.Total
	s.Existing += o.Existing
	s.Filtered += o.Filtered
	s.Duplicates += o.Duplicates
	s.New += o.New
	s.Errors += o.Errors
}

type IngesterOption func(*Ingester)

// WithExtractor enables article extraction for feeds with extract_content set.
func WithExtractor(extractor Extractor) IngesterOption {
	return func(i *Ingester) { i.extractor = extractor }
}

func WithDedupWindow(window time.Duration, maxDistance int) IngesterOption {
	return func(i *Ingester) {
		i.window = window
		i.maxDistance = maxDistance
	}
}

func WithIngestClock(now func() time.Time) IngesterOption {
	return func(i *Ingester) { i.now = now }
}

// Ingester stores freshly fetched items. Exact repeats are dropped by
// content hash, filtered items are kept for the record, and near-duplicates
// of recent items are stored pointing at the item they repeat.
type Ingester struct {
	store       ItemStore
	finder      SimilarityFinder
	filterer    *feed.Filterer
	extractor   Extractor
	window      time.Duration
	maxDistance int
	now         func() time.Time
}

func NewIngester(store ItemStore, finder SimilarityFinder, filterer *feed.Filterer, opts ...IngesterOption) *Ingester {
	i := &Ingester{
		store:       store,
		finder:      finder,
		filterer:    filterer,
		window:      dedup.DefaultWindow,
		maxDistance: dedup.DefaultMaxDistance,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Ingest handles the items of one successful fetch. Failures are logged per
// item so one bad row does not lose the rest of the batch.
func (i *Ingester) Ingest(ctx context.Context, feedConfig *feed.Config, items []feed.Item) IngestStats {
	stats := IngestStats{Total: len(items)}

	fresh := make([]feed.Item, 0, len(items))
	// feeds list newest first; store oldest first so publication follows
	// the feed's own order
	for idx := len(items) - 1; idx >= 0; idx-- {
		item := items[idx]
		if item.ContentHash == "" {
			item.ContentHash = feed.ContentHash(item)
		}
		exists, _, err := i.store.CheckDuplicate(ctx, item.ContentHash)
		if err != nil {
			slog.Error("Failed to check for duplicates", "feed", feedConfig.Name, "guid", item.GUID, "error", err)
			stats.Errors++
			continue
		}
		if exists {
			stats.Existing++
			continue
		}
		fresh = append(fresh, item)
	}

	for _, item := range i.filterer.Run(fresh, feedConfig) {
		if ctx.Err() != nil {
			break
		}

		outcome, err := i.ingestItem(ctx, feedConfig, item)
		if err != nil {
			slog.Error("Failed to store item", "feed", feedConfig.Name, "guid", item.GUID, "error", err)
			stats.Errors++
			continue
		}
		switch outcome {
		case database.ItemStatusFiltered:
			stats.Filtered++
		case database.ItemStatusDuplicate:
			stats.Duplicates++
		case "":
			stats.Existing++
		default:
			stats.New++
		}
	}

	return stats
}

// ingestItem returns the stored status, or "" when the guid was already
// stored for the feed.
func (i *Ingester) ingestItem(ctx context.Context, feedConfig *feed.Config, item feed.Item) (database.ItemStatus, error) {
	newItem := database.NewItem{
		FeedName:  feedConfig.Name,
		Item:      item,
		CreatedAt: i.now(),
	}

	switch {
	case item.IsFiltered:
		newItem.Status = database.ItemStatusFiltered
	default:
		if feedConfig.Settings.ExtractContent && i.extractor != nil {
			i.enrich(ctx, feedConfig, &newItem.Item)
		}

		fingerprint := dedup.Calculate(fingerprintText(newItem.Item))
		match, err := i.finder.FindSimilar(ctx, dedup.Query{
			Fingerprint: fingerprint,
			Window:      i.window,
			MaxDistance: i.maxDistance,
		})
		if err != nil {
			return "", err
		}

		if match != nil {
			slog.Debug("Near-duplicate item",
				"feed", feedConfig.Name,
				"title", item.Title,
				"duplicate_of", match.Candidate.ID,
				"duplicate_feed", match.Candidate.FeedName,
				"distance", match.Distance)
			newItem.Status = database.ItemStatusDuplicate
			newItem.DuplicateOf = match.Candidate.ID
			newItem.DuplicateDistance = match.Distance
			break
		}

		newItem.Fingerprint = fingerprint
		newItem.Status = database.ItemStatusStored
		if feedConfig.Settings.Publish {
			newItem.Status = database.ItemStatusPending
		}
	}

	id, err := i.store.InsertItem(ctx, newItem)
	if err != nil {
		return "", err
	}
	if id == "" {
		return "", nil
	}
	return newItem.Status, nil
}

func (i *Ingester) enrich(ctx context.Context, feedConfig *feed.Config, item *feed.Item) {
	text, err := i.extractor.Extract(ctx, item.Link, feedConfig.Settings.TimeoutDuration())
	if err != nil {
		slog.Debug("Content extraction failed", "feed", feedConfig.Name, "link", item.Link, "error", err)
		return
	}
	if strings.TrimSpace(text) != "" {
		item.Content = text
	}
}

func fingerprintText(item feed.Item) string {
	body := item.Content
	if body == "" {
		body = item.Summary
	}
	return item.Title + "\n" + body
}
