package fetch

import (
	"time"
)

// FeedState is the per-feed fetch memory. Values are replaced wholesale via
// WithSuccessfulFetch and WithFailedFetch so ErrorCount and BackoffUntil
// stay consistent with LastStatus.
type FeedState struct {
	ETag         string     `json:"etag,omitempty"`
	LastModified string     `json:"last_modified,omitempty"`
	LastStatus   int        `json:"last_status"`
	ErrorCount   int        `json:"error_count"`
	LastError    string     `json:"last_error,omitempty"`
	BackoffUntil *time.Time `json:"backoff_until,omitempty"`
	FetchedAt    time.Time  `json:"fetched_at"`
}

// IsInBackoff reports whether a fetch must not be attempted at now.
func (s FeedState) IsInBackoff(now time.Time) bool {
	return s.BackoffUntil != nil && now.Before(*s.BackoffUntil)
}

func (s FeedState) BackoffRemaining(now time.Time) time.Duration {
	if s.BackoffUntil == nil {
		return 0
	}
	return max(0, s.BackoffUntil.Sub(now))
}

// NeverFetched reports whether the state is the zero value handed out for
// feeds without a stored row.
func (s FeedState) NeverFetched() bool {
	return s.FetchedAt.IsZero()
}

// WithSuccessfulFetch returns the state after a 2xx or 304 response. Empty
// validators keep the previous ones, which is what a 304 without headers
// means.
func (s FeedState) WithSuccessfulFetch(etag, lastModified string, status int, now time.Time) FeedState {
	next := FeedState{
		ETag:         s.ETag,
		LastModified: s.LastModified,
		LastStatus:   status,
		FetchedAt:    now,
	}
	if etag != "" {
		next.ETag = etag
	}
	if lastModified != "" {
		next.LastModified = lastModified
	}
	return next
}

// WithFailedFetch returns the state after a failed attempt. A positive
// retryAfter replaces the exponential delay.
func (s FeedState) WithFailedFetch(status int, retryAfter time.Duration, errMsg string, policy BackoffPolicy, now time.Time) FeedState {
	errorCount := s.ErrorCount + 1

	delay := policy.Delay(errorCount)
	if retryAfter > 0 {
		delay = clampRetryAfter(retryAfter)
	}
	until := now.Add(delay)

	return FeedState{
		ETag:         s.ETag,
		LastModified: s.LastModified,
		LastStatus:   status,
		ErrorCount:   errorCount,
		LastError:    errMsg,
		BackoffUntil: &until,
		FetchedAt:    now,
	}
}
