package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lysyi3m/rss-relay/app/dedup"
)

const itemColumns = `
	id, feed_name, guid, link, title, summary, content, published_at,
	authors, categories, enclosures, content_hash, COALESCE(fingerprint, ''),
	status, filter_reason, COALESCE(duplicate_of, ''), COALESCE(duplicate_distance, 0),
	relayed_at, relay_error, relay_attempts, created_at`

// ItemRepository handles database operations for relayed items
type ItemRepository struct {
	db *DB
}

func NewItemRepository(db *DB) *ItemRepository {
	return &ItemRepository{db: db}
}

// CheckDuplicate looks up an item with the same content hash in any feed.
func (r *ItemRepository) CheckDuplicate(ctx context.Context, contentHash string) (bool, string, error) {
	var id string
	err := r.db.QueryRowContext(ctx, `SELECT id FROM items WHERE content_hash = ? LIMIT 1`, contentHash).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, "", nil
	}
	if err != nil {
		return false, "", fmt.Errorf("failed to check duplicate: %w", err)
	}
	return true, id, nil
}

// InsertItem stores a new item and returns its id. An item whose guid is
// already stored for the feed is left alone and "" is returned.
func (r *ItemRepository) InsertItem(ctx context.Context, n NewItem) (string, error) {
	authors, err := marshalJSON(n.Item.Authors)
	if err != nil {
		return "", err
	}
	categories, err := marshalJSON(n.Item.Categories)
	if err != nil {
		return "", err
	}
	enclosures, err := marshalJSON(n.Item.Enclosures)
	if err != nil {
		return "", err
	}

	createdAt := n.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	var publishedAt *time.Time
	if !n.Item.PublishedAt.IsZero() {
		publishedAt = &n.Item.PublishedAt
	}

	var fingerprint, duplicateOf sql.NullString
	if n.Fingerprint != "" {
		fingerprint = sql.NullString{String: string(n.Fingerprint), Valid: true}
	}
	var duplicateDistance sql.NullInt64
	if n.DuplicateOf != "" {
		duplicateOf = sql.NullString{String: n.DuplicateOf, Valid: true}
		duplicateDistance = sql.NullInt64{Int64: int64(n.DuplicateDistance), Valid: true}
	}

	var id string
	err = r.db.QueryRowContext(ctx, `
		INSERT INTO items (
			id, feed_name, guid, link, title, summary, content, published_at,
			authors, categories, enclosures, content_hash, fingerprint,
			status, filter_reason, duplicate_of, duplicate_distance, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (feed_name, guid) DO NOTHING
		RETURNING id
	`, uuid.NewString(), n.FeedName, n.Item.GUID, n.Item.Link, n.Item.Title,
		n.Item.Summary, n.Item.Content, formatNullTime(publishedAt),
		authors, categories, enclosures, n.Item.ContentHash, fingerprint,
		string(n.Status), n.Item.FilterReason, duplicateOf, duplicateDistance,
		formatTime(createdAt)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to insert item: %w", err)
	}

	return id, nil
}

// RecentCandidates returns fingerprinted items created at or after since,
// newest first.
func (r *ItemRepository) RecentCandidates(ctx context.Context, since time.Time) ([]dedup.Candidate, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, feed_name, title, link, fingerprint, created_at
		FROM items
		WHERE fingerprint IS NOT NULL
		  AND fingerprint != ?
		  AND created_at >= ?
		ORDER BY created_at DESC
	`, string(dedup.ZeroFingerprint), formatTime(since))
	if err != nil {
		return nil, fmt.Errorf("failed to get candidates: %w", err)
	}
	defer rows.Close()

	var candidates []dedup.Candidate
	for rows.Next() {
		var (
			c         dedup.Candidate
			createdAt string
		)
		if err := rows.Scan(&c.ID, &c.FeedName, &c.Title, &c.Link, &c.Fingerprint, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan candidate row: %w", err)
		}
		if c.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		candidates = append(candidates, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating candidate rows: %w", err)
	}

	return candidates, nil
}

// GetItem returns nil when the item does not exist.
func (r *ItemRepository) GetItem(ctx context.Context, id string) (*Item, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+itemColumns+` FROM items WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get item: %w", err)
	}
	items, err := scanItems(rows)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	return &items[0], nil
}

// GetPendingItems returns items waiting for publication, oldest first.
func (r *ItemRepository) GetPendingItems(ctx context.Context, limit int) ([]Item, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+itemColumns+`
		FROM items
		WHERE status = ?
		ORDER BY created_at ASC
		LIMIT ?
	`, string(ItemStatusPending), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get pending items: %w", err)
	}
	return scanItems(rows)
}

// GetVisibleItems returns the feed's items that were neither filtered nor
// near-duplicates, newest first.
func (r *ItemRepository) GetVisibleItems(ctx context.Context, feedName string, limit int) ([]Item, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+itemColumns+`
		FROM items
		WHERE feed_name = ?
		  AND status NOT IN (?, ?)
		ORDER BY COALESCE(published_at, created_at) DESC
		LIMIT ?
	`, feedName, string(ItemStatusFiltered), string(ItemStatusDuplicate), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get visible items: %w", err)
	}
	return scanItems(rows)
}

func (r *ItemRepository) MarkPublished(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE items
		SET status = ?, relayed_at = ?, relay_error = '', relay_attempts = relay_attempts + 1
		WHERE id = ?
	`, string(ItemStatusPublished), formatTime(at), id)
	if err != nil {
		return fmt.Errorf("failed to mark item published: %w", err)
	}
	return nil
}

// MarkPublishFailed records a failed attempt; after maxAttempts the item is
// no longer offered for publication.
func (r *ItemRepository) MarkPublishFailed(ctx context.Context, id, errMsg string, maxAttempts int) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE items
		SET relay_attempts = relay_attempts + 1,
		    relay_error = ?,
		    status = CASE WHEN relay_attempts + 1 >= ? THEN ? ELSE status END
		WHERE id = ?
	`, errMsg, maxAttempts, string(ItemStatusFailed), id)
	if err != nil {
		return fmt.Errorf("failed to mark item publish failure: %w", err)
	}
	return nil
}

// GetItemStats counts items by status; an empty feedName covers all feeds.
func (r *ItemRepository) GetItemStats(ctx context.Context, feedName string) (ItemStats, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT status, COUNT(*)
		FROM items
		WHERE ? = '' OR feed_name = ?
		GROUP BY status
	`, feedName, feedName)
	if err != nil {
		return ItemStats{}, fmt.Errorf("failed to get item stats: %w", err)
	}
	defer rows.Close()

	var stats ItemStats
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return ItemStats{}, fmt.Errorf("failed to scan item stats row: %w", err)
		}
		stats.Total += count
		switch ItemStatus(status) {
		case ItemStatusPending:
			stats.Pending = count
		case ItemStatusPublished:
			stats.Published = count
		case ItemStatusFailed:
			stats.Failed = count
		case ItemStatusFiltered:
			stats.Filtered = count
		case ItemStatusDuplicate:
			stats.Duplicates = count
		}
	}

	if err := rows.Err(); err != nil {
		return ItemStats{}, fmt.Errorf("error iterating item stats rows: %w", err)
	}

	return stats, nil
}

func scanItems(rows *sql.Rows) ([]Item, error) {
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var (
			item                            Item
			publishedAt, relayedAt          sql.NullString
			authors, categories, enclosures string
			status, createdAt               string
		)
		err := rows.Scan(
			&item.ID, &item.FeedName, &item.GUID, &item.Link, &item.Title,
			&item.Summary, &item.Content, &publishedAt,
			&authors, &categories, &enclosures, &item.ContentHash, &item.Fingerprint,
			&status, &item.FilterReason, &item.DuplicateOf, &item.DuplicateDistance,
			&relayedAt, &item.RelayError, &item.RelayAttempts, &createdAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan item row: %w", err)
		}

		item.Status = ItemStatus(status)
		if item.PublishedAt, err = parseNullTime(publishedAt); err != nil {
			return nil, err
		}
		if item.RelayedAt, err = parseNullTime(relayedAt); err != nil {
			return nil, err
		}
		if item.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		if err := unmarshalJSON(authors, &item.Authors); err != nil {
			return nil, err
		}
		if err := unmarshalJSON(categories, &item.Categories); err != nil {
			return nil, err
		}
		if err := unmarshalJSON(enclosures, &item.Enclosures); err != nil {
			return nil, err
		}

		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating item rows: %w", err)
	}

	return items, nil
}

func marshalJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode column: %w", err)
	}
	if string(data) == "null" {
		return "[]", nil
	}
	return string(data), nil
}

func unmarshalJSON(s string, v any) error {
	if s == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(s), v); err != nil {
		return fmt.Errorf("failed to decode column: %w", err)
	}
	return nil
}
