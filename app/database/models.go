package database

import (
	"time"

	"github.com/lysyi3m/rss-relay/app/dedup"
	"github.com/lysyi3m/rss-relay/app/feed"
	"github.com/lysyi3m/rss-relay/app/fetch"
)

type FeedStateRecord struct {
	FeedName  string
	FeedURL   string
	State     fetch.FeedState
	UpdatedAt time.Time
}

type ItemStatus string

const (
	ItemStatusStored    ItemStatus = "stored"  // kept, feed does not publish
	ItemStatusPending   ItemStatus = "pending" // waiting for Telegram
	ItemStatusPublished ItemStatus = "published"
	ItemStatusFailed    ItemStatus = "failed" // gave up publishing
	ItemStatusFiltered  ItemStatus = "filtered"
	ItemStatusDuplicate ItemStatus = "duplicate"
)

// NewItem is what the ingest stage hands to InsertItem.
type NewItem struct {
	FeedName          string
	Item              feed.Item
	Fingerprint       dedup.Fingerprint
	Status            ItemStatus
	DuplicateOf       string
	DuplicateDistance int
	CreatedAt         time.Time
}

type Item struct {
	ID                string
	FeedName          string
	GUID              string
	Link              string
	Title             string
	Summary           string
	Content           string
	PublishedAt       *time.Time
	Authors           []string
	Categories        []string
	Enclosures        []feed.Enclosure
	ContentHash       string
	Fingerprint       dedup.Fingerprint
	Status            ItemStatus
	FilterReason      string
	DuplicateOf       string
	DuplicateDistance int
	RelayedAt         *time.Time
	RelayError        string
	RelayAttempts     int
	CreatedAt         time.Time
}

type ItemStats struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	Published  int `json:"published"`
	Failed     int `json:"failed"`
	Filtered   int `json:"filtered"`
	Duplicates int `json:"duplicates"`
}
