package fetch

import (
	"math"
	"testing"
	"time"
)

func TestBackoffPolicyDelay(t *testing.T) {
	policy := BackoffPolicy{Base: time.Minute, Max: time.Hour}

	tests := []struct {
		errorCount int
		expected   time.Duration
	}{
		{0, time.Minute},
		{1, time.Minute},
		{2, 2 * time.Minute},
		{3, 4 * time.Minute},
		{6, 32 * time.Minute},
		{7, time.Hour},
		{100, time.Hour},
		{math.MaxInt32, time.Hour},
	}

	for _, tt := range tests {
		if got := policy.Delay(tt.errorCount); got != tt.expected {
			t.Errorf("Delay(%d): expected %v, got %v", tt.errorCount, tt.expected, got)
		}
	}
}

func TestBackoffPolicyDefaults(t *testing.T) {
	var policy BackoffPolicy

	if got := policy.Delay(1); got != DefaultBackoffBase {
		t.Errorf("Expected default base %v, got %v", DefaultBackoffBase, got)
	}
	if got := policy.Delay(1000); got != DefaultBackoffMax {
		t.Errorf("Expected default max %v, got %v", DefaultBackoffMax, got)
	}

	capped := BackoffPolicy{Base: 2 * time.Hour, Max: time.Hour}
	if got := capped.Delay(1); got != time.Hour {
		t.Errorf("Expected base above max to be capped, got %v", got)
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		value    string
		expected time.Duration
		ok       bool
	}{
		{"seconds", "120", 120 * time.Second, true},
		{"seconds with spaces", " 30 ", 30 * time.Second, true},
		{"zero seconds clamped", "0", time.Second, true},
		{"negative seconds", "-5", 0, false},
		{"http date", "Mon, 10 Mar 2025 12:05:00 GMT", 5 * time.Minute, true},
		{"http date in the past", "Mon, 10 Mar 2025 11:00:00 GMT", time.Second, true},
		{"empty", "", 0, false},
		{"garbage", "soon", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseRetryAfter(tt.value, now)
			if ok != tt.ok {
				t.Fatalf("Expected ok=%v, got %v", tt.ok, ok)
			}
			if got != tt.expected {
				t.Errorf("Expected %v, got %v", tt.expected, got)
			}
		})
	}
}
