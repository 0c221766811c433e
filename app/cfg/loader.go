package cfg

import (
	"cmp"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jessevdk/go-flags"
)

// Version is set at build time via -ldflags
var Version = "dev"

func GetVersion() string {
	return cmp.Or(Version, "unknown")
}

type rawCfg struct {
	// Storage
	DBPath   string `long:"db-path" env:"DB_PATH" default:"./data/rss-relay.db" description:"SQLite database file"`
	FeedsDir string `long:"feeds-dir" env:"FEEDS_DIR" default:"./feeds" description:"Directory containing feed configuration files"`

	// HTTP API
	Port         string `long:"port" env:"PORT" default:"8080" description:"HTTP server port"`
	BaseUrl      string `long:"base-url" env:"BASE_URL" description:"Public base URL for the service (e.g., https://relay.example.com)"`
	APIAccessKey string `long:"api-key" env:"API_ACCESS_KEY" description:"API access key for authentication (optional)"`

	// Scheduling
	WorkerCount       int           `long:"worker-count" env:"WORKER_COUNT" default:"2" description:"Number of background task workers"`
	FetchConcurrency  int           `long:"fetch-concurrency" env:"FETCH_CONCURRENCY" default:"1" description:"Feeds fetched in parallel within one run"`
	SchedulerInterval time.Duration `long:"scheduler-interval" env:"SCHEDULER_INTERVAL" default:"1m" description:"How often due feeds and pending items are checked"`

	// Fetching
	UserAgent   string        `long:"user-agent" env:"USER_AGENT" default:"RSS Relay/1.0" description:"User agent string for HTTP requests"`
	BackoffBase time.Duration `long:"backoff-base" env:"BACKOFF_BASE" default:"1m" description:"Delay after the first consecutive failure"`
	BackoffMax  time.Duration `long:"backoff-max" env:"BACKOFF_MAX" default:"6h" description:"Upper bound for the failure backoff"`

	// Near-duplicate detection
	DedupWindow      time.Duration `long:"dedup-window" env:"DEDUP_WINDOW" default:"48h" description:"How far back near-duplicates are searched"`
	DedupMaxDistance int           `long:"dedup-max-distance" env:"DEDUP_MAX_DISTANCE" default:"3" description:"Largest Hamming distance treated as a duplicate"`

	// Telegram
	TelegramToken       string  `long:"telegram-token" env:"TELEGRAM_TOKEN" description:"Bot token; publication is disabled without it"`
	TelegramChatID      string  `long:"telegram-chat-id" env:"TELEGRAM_CHAT_ID" description:"Channel or chat that receives items"`
	TelegramAdminChatID string  `long:"telegram-admin-chat-id" env:"TELEGRAM_ADMIN_CHAT_ID" description:"Chat that receives failing-feed alerts (optional)"`
	TelegramRate        float64 `long:"telegram-rate" env:"TELEGRAM_RATE" default:"1" description:"Messages per second sent to Telegram"`
	TelegramBaseURL     string  `long:"telegram-base-url" env:"TELEGRAM_BASE_URL" default:"https://api.telegram.org" description:"Bot API endpoint"`
	PublishBatch        int     `long:"publish-batch" env:"PUBLISH_BATCH" default:"20" description:"Items published per scheduler tick"`
	PublishAttempts     int     `long:"publish-attempts" env:"PUBLISH_ATTEMPTS" default:"5" description:"Attempts before an item is given up on"`

	// Application metadata
	Timezone string `long:"timezone" env:"TZ" default:"UTC" description:"Timezone for timestamps (e.g., UTC, America/New_York)"`
	Debug    bool   `long:"debug" env:"DEBUG" description:"Enable debug logging"`
}

// Load parses args and the environment. It returns nil and no error when
// help was requested; the remaining positional arguments are returned too.
func Load(args []string) (*Cfg, []string, error) {
	var raw rawCfg

	parser := flags.NewParser(&raw, flags.Default)

	rest, err := parser.ParseArgs(args)
	if err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	cfg := &Cfg{
		DBPath:              raw.DBPath,
		FeedsDir:            raw.FeedsDir,
		Port:                raw.Port,
		BaseUrl:             raw.BaseUrl,
		APIAccessKey:        raw.APIAccessKey,
		WorkerCount:         raw.WorkerCount,
		FetchConcurrency:    raw.FetchConcurrency,
		SchedulerInterval:   raw.SchedulerInterval,
		UserAgent:           raw.UserAgent,
		BackoffBase:         raw.BackoffBase,
		BackoffMax:          raw.BackoffMax,
		DedupWindow:         raw.DedupWindow,
		DedupMaxDistance:    raw.DedupMaxDistance,
		TelegramToken:       raw.TelegramToken,
		TelegramChatID:      raw.TelegramChatID,
		TelegramAdminChatID: raw.TelegramAdminChatID,
		TelegramRate:        raw.TelegramRate,
		TelegramBaseURL:     raw.TelegramBaseURL,
		PublishBatch:        raw.PublishBatch,
		PublishAttempts:     raw.PublishAttempts,
		Timezone:            raw.Timezone,
		Debug:               raw.Debug,
		Version:             GetVersion(),
	}

	if err := validate(cfg); err != nil {
		return nil, nil, err
	}

	if err := applyTimezone(cfg.Timezone); err != nil {
		slog.Warn("Invalid timezone, using system default", "timezone", cfg.Timezone, "error", err)
	}

	return cfg, rest, nil
}

func validate(cfg *Cfg) error {
	switch {
	case cfg.DBPath == "":
		return fmt.Errorf("db-path must not be empty")
	case cfg.WorkerCount < 1:
		return fmt.Errorf("worker-count must be at least 1, got %d", cfg.WorkerCount)
	case cfg.FetchConcurrency < 1:
		return fmt.Errorf("fetch-concurrency must be at least 1, got %d", cfg.FetchConcurrency)
	case cfg.SchedulerInterval <= 0:
		return fmt.Errorf("scheduler-interval must be positive, got %s", cfg.SchedulerInterval)
	case cfg.BackoffBase <= 0:
		return fmt.Errorf("backoff-base must be positive, got %s", cfg.BackoffBase)
	case cfg.BackoffMax < cfg.BackoffBase:
		return fmt.Errorf("backoff-max %s is below backoff-base %s", cfg.BackoffMax, cfg.BackoffBase)
	case cfg.DedupWindow <= 0:
		return fmt.Errorf("dedup-window must be positive, got %s", cfg.DedupWindow)
	case cfg.DedupMaxDistance < 0 || cfg.DedupMaxDistance > 64:
		return fmt.Errorf("dedup-max-distance must be between 0 and 64, got %d", cfg.DedupMaxDistance)
	case cfg.TelegramRate <= 0:
		return fmt.Errorf("telegram-rate must be positive, got %v", cfg.TelegramRate)
	}
	return nil
}

func applyTimezone(timezone string) error {
	if timezone == "" {
		return nil
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return err
	}
	time.Local = loc
	return nil
}
