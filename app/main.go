package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lysyi3m/rss-relay/app/api"
	"github.com/lysyi3m/rss-relay/app/cfg"
	"github.com/lysyi3m/rss-relay/app/tasks"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "rss-relay",
		Short:         "Fetch feeds politely, drop near-duplicates and relay new items to Telegram",
		Version:       cfg.GetVersion(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		flagsCommand("serve", "Run the scheduler and the HTTP API", runServe),
		flagsCommand("fetch [feed...]", "Fetch feeds once, ignoring refresh intervals", runFetch),
		flagsCommand("reset <feed>", "Forget a feed's fetch state and backoff", runReset),
		flagsCommand("similar <text>", "Look up recent items similar to text", runSimilar),
	)

	return root
}

// flagsCommand hands argument parsing to go-flags so every command accepts
// the same flags and environment variables.
func flagsCommand(use, short string, run func(ctx context.Context, c *cfg.Cfg, args []string) error) *cobra.Command {
	return &cobra.Command{
		Use:                use,
		Short:              short,
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, rest, err := cfg.Load(args)
			if err != nil {
				return err
			}
			if c == nil {
				return nil
			}

			setupLogging(c.Debug)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := run(ctx, c, rest); err != nil {
				slog.Error("Command failed", "command", cmd.Name(), "error", err)
				return err
			}
			return nil
		},
	}
}

func setupLogging(debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})))
}

func runServe(ctx context.Context, c *cfg.Cfg, _ []string) error {
	slog.Info("Starting RSS Relay", "version", c.Version)

	a, err := newApp(c)
	if err != nil {
		return err
	}
	defer a.Close()

	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()
	go func() {
		if err := a.configCache.Watch(watchCtx); err != nil {
			slog.Warn("Feed config hot reload disabled", "error", err)
		}
	}()

	planners := []tasks.Planner{
		func() []tasks.TaskInterface {
			return []tasks.TaskInterface{a.fetchTask()}
		},
	}
	if a.publisher != nil {
		planners = append(planners, func() []tasks.TaskInterface {
			return []tasks.TaskInterface{
				tasks.NewPublishItemsTask(a.items, a.publisher, c.PublishBatch, c.PublishAttempts),
			}
		})
	} else {
		slog.Warn("Telegram publication disabled, items stay pending until a token and chat id are set")
	}

	slog.Info("Starting background scheduler", "workers", c.WorkerCount, "interval", c.SchedulerInterval)
	scheduler := tasks.NewScheduler(c.SchedulerInterval, c.WorkerCount, planners...)
	scheduler.Start()
	defer scheduler.Stop()

	handler := api.NewHandler(a.configCache, a.states, a.items, a.runner, a.finder,
		api.NewRSSGenerator(c.BaseUrl, c.Version),
		api.WithDedupDefaults(c.DedupWindow, c.DedupMaxDistance))

	httpServer := &http.Server{
		Addr:         ":" + c.Port,
		Handler:      api.NewServer(handler, c.APIAccessKey, c.Version),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("Starting HTTP server", "port", c.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("Shutdown signal received")
	case err := <-serverErr:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("RSS Relay shutdown complete")
	return nil
}
