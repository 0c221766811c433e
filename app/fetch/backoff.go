package fetch

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultBackoffBase = time.Minute
	DefaultBackoffMax  = 6 * time.Hour
)

// BackoffPolicy computes how long a failing feed is left alone.
type BackoffPolicy struct {
	Base time.Duration
	Max  time.Duration
}

func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{Base: DefaultBackoffBase, Max: DefaultBackoffMax}
}

// Delay returns min(Max, Base*2^(errorCount-1)). errorCount below 1 is
// treated as the first failure.
func (p BackoffPolicy) Delay(errorCount int) time.Duration {
	base := p.Base
	if base <= 0 {
		base = DefaultBackoffBase
	}
	limit := p.Max
	if limit <= 0 {
		limit = DefaultBackoffMax
	}
	if base >= limit {
		return limit
	}

	delay := base
	for i := 1; i < errorCount; i++ {
		if delay >= limit/2 {
			return limit
		}
		delay *= 2
	}
	return min(delay, limit)
}

// ParseRetryAfter reads a Retry-After header given either as delay seconds
// or as an HTTP date. The result is never shorter than one second.
func ParseRetryAfter(value string, now time.Time) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}

	if seconds, err := strconv.ParseInt(value, 10, 64); err == nil {
		if seconds < 0 {
			return 0, false
		}
		return clampRetryAfter(time.Duration(seconds) * time.Second), true
	}

	target, err := http.ParseTime(value)
	if err != nil {
		return 0, false
	}
	return clampRetryAfter(target.Sub(now)), true
}

func clampRetryAfter(d time.Duration) time.Duration {
	return max(d, time.Second)
}

// honorsRetryAfter reports whether the status carries a meaningful
// Retry-After for scheduling purposes.
func honorsRetryAfter(status int) bool {
	return status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable
}
