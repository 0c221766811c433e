package tasks

import (
	"context"
	"log/slog"
	"time"
)

const (
	DefaultPublishBatch       = 20
	DefaultMaxPublishAttempts = 5
)

// PublishItemsTask sends pending items to the channel, oldest first.
type PublishItemsTask struct {
	Task
	items       PendingItemStore
	publisher   ItemPublisher
	batchSize   int
	maxAttempts int
	now         func() time.Time

	Published int
	Failed    int
}

func NewPublishItemsTask(items PendingItemStore, publisher ItemPublisher, batchSize, maxAttempts int) *PublishItemsTask {
	if batchSize <= 0 {
		batchSize = DefaultPublishBatch
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxPublishAttempts
	}
	return &PublishItemsTask{
		Task:        NewTask(TaskTypePublishItems),
		items:       items,
		publisher:   publisher,
		batchSize:   batchSize,
		maxAttempts: maxAttempts,
		now:         time.Now,
	}
}

func (t *PublishItemsTask) Execute(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	pending, err := t.items.GetPendingItems(ctx, t.batchSize)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		slog.Debug("No items waiting for publication")
		return nil
	}

	for _, item := range pending {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if err := t.publisher.Publish(ctx, item); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Warn("Failed to publish item", "item_id", item.ID, "feed", item.FeedName, "attempt", item.RelayAttempts+1, "error", err)
			t.Failed++
			if err := t.items.MarkPublishFailed(ctx, item.ID, err.Error(), t.maxAttempts); err != nil {
				slog.Error("Failed to record publish failure", "item_id", item.ID, "error", err)
			}
			continue
		}

		t.Published++
		if err := t.items.MarkPublished(ctx, item.ID, t.now()); err != nil {
			slog.Error("Failed to mark item published", "item_id", item.ID, "error", err)
		}
	}

	slog.Info("Task completed",
		"type", t.GetType(),
		"duration", t.GetDuration(),
		"published", t.Published,
		"failed", t.Failed)

	return nil
}
