package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/lysyi3m/rss-relay/app/cfg"
	"github.com/lysyi3m/rss-relay/app/database"
	"github.com/lysyi3m/rss-relay/app/dedup"
	"github.com/lysyi3m/rss-relay/app/feed"
	"github.com/lysyi3m/rss-relay/app/fetch"
	"github.com/lysyi3m/rss-relay/app/tasks"
	"github.com/lysyi3m/rss-relay/app/telegram"
)

// app holds the wired components shared by all commands.
type app struct {
	cfg         *cfg.Cfg
	db          *database.DB
	states      *database.StateRepository
	items       *database.ItemRepository
	configCache *feed.ConfigCache
	runner      *fetch.Runner
	finder      *dedup.Finder
	ingester    *tasks.Ingester
	publisher   *telegram.Publisher
}

func newApp(c *cfg.Cfg) (*app, error) {
	db, err := database.NewConnection(c.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	version, dirty, err := database.RunMigrations(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	slog.Debug("Database ready", "path", c.DBPath, "schema_version", version, "dirty", dirty)

	configCache := feed.NewConfigCache(c.FeedsDir)
	if err := configCache.Run(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load feed configurations: %w", err)
	}
	slog.Info("Loaded feed configurations", "dir", c.FeedsDir, "count", configCache.GetConfigCount())

	a := &app{
		cfg:         c,
		db:          db,
		states:      database.NewStateRepository(db),
		items:       database.NewItemRepository(db),
		configCache: configCache,
	}

	if c.TelegramEnabled() {
		client := telegram.NewClient(c.TelegramToken, nil, c.TelegramBaseURL, c.TelegramRate)
		a.publisher = telegram.NewPublisher(client, c.TelegramChatID, c.TelegramAdminChatID)
	}

	httpClient := &http.Client{}

	a.runner = fetch.NewRunner(a.states, fetch.NewFetcher(httpClient, c.UserAgent), feed.NewParser(),
		fetch.WithBackoffPolicy(fetch.BackoffPolicy{Base: c.BackoffBase, Max: c.BackoffMax}),
		fetch.WithFailingHook(a.notifyFailing))

	a.finder = dedup.NewFinder(a.items)
	a.ingester = tasks.NewIngester(a.items, a.finder, feed.NewFilterer(),
		tasks.WithExtractor(feed.NewContentExtractor(httpClient, c.UserAgent)),
		tasks.WithDedupWindow(c.DedupWindow, c.DedupMaxDistance))

	return a, nil
}

func (a *app) Close() {
	if err := a.db.Close(); err != nil {
		slog.Warn("Failed to close database", "error", err)
	}
}

// fetchTask covers the feeds enabled at the time it is planned, so edits
// picked up by the config watcher apply from the next tick.
func (a *app) fetchTask() *tasks.FetchFeedsTask {
	return tasks.NewFetchFeedsTask(a.configCache.GetEnabledConfigs(), a.runner, a.states, a.ingester,
		a.cfg.FetchConcurrency)
}

func (a *app) notifyFailing(ctx context.Context, feedConfig *feed.Config, state fetch.FeedState) {
	if a.publisher == nil {
		return
	}
	if err := a.publisher.NotifyFailing(ctx, feedConfig, state); err != nil {
		slog.Warn("Failed to send failing feed alert", "feed", feedConfig.Name, "error", err)
	}
}
