package cfg

import "time"

type Cfg struct {
	// Storage
	DBPath   string
	FeedsDir string

	// HTTP API
	Port         string
	BaseUrl      string
	APIAccessKey string

	// Scheduling
	WorkerCount       int
	FetchConcurrency  int
	SchedulerInterval time.Duration

	// Fetching
	UserAgent   string
	BackoffBase time.Duration
	BackoffMax  time.Duration

	// Near-duplicate detection
	DedupWindow      time.Duration
	DedupMaxDistance int

	// Telegram
	TelegramToken       string
	TelegramChatID      string
	TelegramAdminChatID string
	TelegramRate        float64
	TelegramBaseURL     string
	PublishBatch        int
	PublishAttempts     int

	// Application metadata
	Timezone string
	Debug    bool
	Version  string
}

// TelegramEnabled reports whether items should be published at all.
func (c *Cfg) TelegramEnabled() bool {
	return c.TelegramToken != "" && c.TelegramChatID != ""
}
