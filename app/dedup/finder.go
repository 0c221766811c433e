package dedup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"
)

const (
	DefaultWindow      = 48 * time.Hour
	DefaultMaxDistance = 3
)

var ErrInvalidWindow = errors.New("window must be positive")

// Candidate is a stored item that may be matched against.
type Candidate struct {
	ID          string
	FeedName    string
	Title       string
	Link        string
	Fingerprint Fingerprint
	CreatedAt   time.Time
}

// CandidateSource returns items created at or after since that carry a
// fingerprint. Order is not relied upon.
type CandidateSource interface {
	RecentCandidates(ctx context.Context, since time.Time) ([]Candidate, error)
}

type Query struct {
	Fingerprint Fingerprint
	Window      time.Duration
	MaxDistance int
	// ExcludeID skips the item the fingerprint belongs to.
	ExcludeID string
}

type Match struct {
	Candidate
	Distance   int
	Similarity Similarity
}

type Finder struct {
	source CandidateSource
	now    func() time.Time
}

type FinderOption func(*Finder)

func WithFinderClock(now func() time.Time) FinderOption {
	return func(f *Finder) { f.now = now }
}

func NewFinder(source CandidateSource, opts ...FinderOption) *Finder {
	f := &Finder{
		source: source,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// FindSimilar returns the closest candidate created within the window whose
// distance does not exceed MaxDistance, or nil. Among equally close
// candidates the most recently created one wins.
func (f *Finder) FindSimilar(ctx context.Context, q Query) (*Match, error) {
	if q.Window <= 0 {
		return nil, ErrInvalidWindow
	}
	if q.MaxDistance < 0 || q.Fingerprint.IsZero() {
		return nil, nil
	}
	if !q.Fingerprint.Valid() {
		return nil, fmt.Errorf("invalid query fingerprint: %w", ErrInvalidFingerprint)
	}

	now := f.now()
	since := now.Add(-q.Window)

	candidates, err := f.source.RecentCandidates(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("failed to load candidates: %w", err)
	}

	candidates = slices.Clone(candidates)
	slices.SortStableFunc(candidates, func(a, b Candidate) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})

	var best *Match
	for _, c := range candidates {
		if c.ID == q.ExcludeID && q.ExcludeID != "" {
			continue
		}
		if c.CreatedAt.Before(since) || c.CreatedAt.After(now) {
			continue
		}
		if c.Fingerprint == "" || c.Fingerprint.IsZero() {
			continue
		}

		distance, err := HammingDistance(q.Fingerprint, c.Fingerprint)
		if err != nil {
			slog.Debug("Skipping candidate with unusable fingerprint", "id", c.ID, "error", err)
			continue
		}
		if distance > q.MaxDistance {
			continue
		}
		if best == nil || distance < best.Distance {
			best = &Match{Candidate: c, Distance: distance}
		}
	}

	if best != nil {
		best.Similarity = Classify(best.Distance)
	}
	return best, nil
}
