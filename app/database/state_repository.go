package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lysyi3m/rss-relay/app/fetch"
)

// StateRepository persists fetch.FeedState rows keyed by feed name.
type StateRepository struct {
	db *DB
}

func NewStateRepository(db *DB) *StateRepository {
	return &StateRepository{db: db}
}

// Get returns the stored state, or the zero state for a feed that has never
// been fetched.
func (r *StateRepository) Get(ctx context.Context, feedName string) (fetch.FeedState, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT etag, last_modified, last_status, error_count, last_error, backoff_until, fetched_at
		FROM feed_states
		WHERE feed_name = ?
	`, feedName)

	var (
		state        fetch.FeedState
		backoffUntil sql.NullString
		fetchedAt    string
	)
	err := row.Scan(&state.ETag, &state.LastModified, &state.LastStatus, &state.ErrorCount, &state.LastError, &backoffUntil, &fetchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return fetch.FeedState{}, nil
	}
	if err != nil {
		return fetch.FeedState{}, fmt.Errorf("failed to get feed state: %w", err)
	}

	if state.BackoffUntil, err = parseNullTime(backoffUntil); err != nil {
		return fetch.FeedState{}, err
	}
	if state.FetchedAt, err = parseTime(fetchedAt); err != nil {
		return fetch.FeedState{}, err
	}

	return state, nil
}

// Save upserts the state; every mutable column takes the new value.
func (r *StateRepository) Save(ctx context.Context, feedName, feedURL string, state fetch.FeedState) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO feed_states (
			feed_name, feed_url, etag, last_modified, last_status,
			error_count, last_error, backoff_until, fetched_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (feed_name) DO UPDATE SET
			feed_url = excluded.feed_url,
			etag = excluded.etag,
			last_modified = excluded.last_modified,
			last_status = excluded.last_status,
			error_count = excluded.error_count,
			last_error = excluded.last_error,
			backoff_until = excluded.backoff_until,
			fetched_at = excluded.fetched_at,
			updated_at = excluded.updated_at
	`, feedName, feedURL, state.ETag, state.LastModified, state.LastStatus,
		state.ErrorCount, state.LastError, formatNullTime(state.BackoffUntil),
		formatTime(state.FetchedAt), formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to save feed state: %w", err)
	}

	return nil
}

// Reset deletes the feed's state so the next run starts from scratch.
func (r *StateRepository) Reset(ctx context.Context, feedName string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM feed_states WHERE feed_name = ?`, feedName); err != nil {
		return fmt.Errorf("failed to reset feed state: %w", err)
	}
	return nil
}

// List returns every stored state ordered by feed name.
func (r *StateRepository) List(ctx context.Context) ([]FeedStateRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT feed_name, feed_url, etag, last_modified, last_status, error_count,
		       last_error, backoff_until, fetched_at, updated_at
		FROM feed_states
		ORDER BY feed_name
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list feed states: %w", err)
	}
	defer rows.Close()

	var records []FeedStateRecord
	for rows.Next() {
		var (
			rec                  FeedStateRecord
			backoffUntil         sql.NullString
			fetchedAt, updatedAt string
		)
		err := rows.Scan(&rec.FeedName, &rec.FeedURL, &rec.State.ETag, &rec.State.LastModified,
			&rec.State.LastStatus, &rec.State.ErrorCount, &rec.State.LastError,
			&backoffUntil, &fetchedAt, &updatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan feed state row: %w", err)
		}
		if rec.State.BackoffUntil, err = parseNullTime(backoffUntil); err != nil {
			return nil, err
		}
		if rec.State.FetchedAt, err = parseTime(fetchedAt); err != nil {
			return nil, err
		}
		if rec.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating feed state rows: %w", err)
	}

	return records, nil
}
