package fetch

import (
	"errors"
	"fmt"
	"time"

	"github.com/lysyi3m/rss-relay/app/feed"
)

type Classification string

const (
	ClassificationSuccess     Classification = "success"
	ClassificationNotModified Classification = "not_modified"
	ClassificationError       Classification = "error"
)

type ErrorKind string

const (
	// KindBackoff marks a feed that was deliberately not attempted.
	KindBackoff  ErrorKind = "backoff"
	KindNetwork  ErrorKind = "network"
	KindHTTP     ErrorKind = "http"
	KindParse    ErrorKind = "parse"
	KindInternal ErrorKind = "internal"
)

var ErrBackoff = errors.New("feed is in backoff")

// Error is the failure variant of a Result.
type Error struct {
	Kind       ErrorKind
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindHTTP:
		if e.Err != nil {
			return fmt.Sprintf("unexpected status %d: %v", e.StatusCode, e.Err)
		}
		return fmt.Sprintf("unexpected status %d", e.StatusCode)
	case KindBackoff:
		return ErrBackoff.Error()
	default:
		if e.Err == nil {
			return string(e.Kind) + " error"
		}
		return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
	}
}

func (e *Error) Unwrap() error {
	if e.Kind == KindBackoff && e.Err == nil {
		return ErrBackoff
	}
	return e.Err
}

// ResultMetrics describes a single attempt.
type ResultMetrics struct {
	StatusCode int           `json:"status_code"`
	Duration   time.Duration `json:"duration"`
	BodySize   int           `json:"body_size"`
	ItemsTotal int           `json:"items_total"`
	ItemsValid int           `json:"items_valid"`
	ParseError string        `json:"parse_error,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// Result is the outcome of one RunForFeed call.
type Result struct {
	FeedName       string
	State          FeedState
	Classification Classification
	Err            *Error
	Items          []feed.Item
	Metadata       *feed.Metadata
	Metrics        ResultMetrics
}

// Reason is the error kind for failed results and empty otherwise.
func (r *Result) Reason() string {
	if r.Err == nil {
		return ""
	}
	return string(r.Err.Kind)
}

func (r *Result) Skipped() bool {
	return r.Err != nil && r.Err.Kind == KindBackoff
}
