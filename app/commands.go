package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/lysyi3m/rss-relay/app/cfg"
	"github.com/lysyi3m/rss-relay/app/dedup"
	"github.com/lysyi3m/rss-relay/app/feed"
	"github.com/lysyi3m/rss-relay/app/tasks"
)

// runFetch fetches the named feeds, or every enabled feed, once and prints
// the resulting fetch state.
func runFetch(ctx context.Context, c *cfg.Cfg, args []string) error {
	a, err := newApp(c)
	if err != nil {
		return err
	}
	defer a.Close()

	feeds := a.configCache.GetEnabledConfigs()
	if len(args) > 0 {
		feeds = make([]*feed.Config, 0, len(args))
		for _, name := range args {
			feedConfig, err := a.configCache.GetConfig(name)
			if err != nil {
				return err
			}
			feeds = append(feeds, feedConfig)
		}
	}
	task := tasks.NewFetchFeedsTask(feeds, a.runner, a.states, a.ingester, c.FetchConcurrency, tasks.WithForce())

	task.Start()
	if err := task.Execute(ctx); err != nil {
		return err
	}

	s := task.Summary
	fmt.Printf("Fetched %s feeds in %s: %s ok, %s not modified, %s failed, %s in backoff\n",
		humanize.Comma(int64(s.Feeds)),
		task.GetDuration().Round(time.Millisecond),
		humanize.Comma(int64(s.Succeeded)),
		humanize.Comma(int64(s.NotModified)),
		humanize.Comma(int64(s.Failed)),
		humanize.Comma(int64(s.Skipped)))
	fmt.Printf("Items: %s new, %s near-duplicates, %s filtered, %s already stored\n\n",
		humanize.Comma(int64(s.Items.New)),
		humanize.Comma(int64(s.Items.Duplicates)),
		humanize.Comma(int64(s.Items.Filtered)),
		humanize.Comma(int64(s.Items.Existing)))

	records, err := a.states.List(ctx)
	if err != nil {
		return err
	}

	now := time.Now()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "FEED\tSTATUS\tERRORS\tFETCHED\tBACKOFF\tLAST ERROR")
	for _, r := range records {
		backoff := "-"
		if r.State.IsInBackoff(now) {
			backoff = humanize.Time(*r.State.BackoffUntil)
		}
		fetched := "never"
		if !r.State.NeverFetched() {
			fetched = humanize.Time(r.State.FetchedAt)
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%s\t%s\t%s\n",
			r.FeedName, r.State.LastStatus, r.State.ErrorCount, fetched, backoff, oneLine(r.State.LastError, 60))
	}
	return w.Flush()
}

func runReset(ctx context.Context, c *cfg.Cfg, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("reset takes exactly one feed name, got %d arguments", len(args))
	}

	a, err := newApp(c)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.states.Reset(ctx, args[0]); err != nil {
		return err
	}

	fmt.Printf("Reset fetch state of %s\n", args[0])
	return nil
}

func runSimilar(ctx context.Context, c *cfg.Cfg, args []string) error {
	text := strings.TrimSpace(strings.Join(args, " "))
	if text == "" {
		return fmt.Errorf("similar needs some text to fingerprint")
	}

	a, err := newApp(c)
	if err != nil {
		return err
	}
	defer a.Close()

	fingerprint := dedup.Calculate(text)
	fmt.Printf("Fingerprint: %s\n", fingerprint)

	match, err := a.finder.FindSimilar(ctx, dedup.Query{
		Fingerprint: fingerprint,
		Window:      c.DedupWindow,
		MaxDistance: c.DedupMaxDistance,
	})
	if err != nil {
		return err
	}
	if match == nil {
		fmt.Printf("No item within distance %d in the last %s\n", c.DedupMaxDistance, c.DedupWindow)
		return nil
	}

	fmt.Printf("Match: %s (%s)\n", match.Title, match.Similarity)
	fmt.Printf("  feed:     %s\n", match.FeedName)
	fmt.Printf("  link:     %s\n", match.Link)
	fmt.Printf("  id:       %s\n", match.ID)
	fmt.Printf("  distance: %d\n", match.Distance)
	fmt.Printf("  stored:   %s\n", humanize.Time(match.CreatedAt))
	return nil
}

func oneLine(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len([]rune(s)) > n {
		return string([]rune(s)[:n]) + "…"
	}
	return s
}
