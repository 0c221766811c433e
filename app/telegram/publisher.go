package telegram

import (
	"context"
	"fmt"
	"html"

	"github.com/lysyi3m/rss-relay/app/database"
	"github.com/lysyi3m/rss-relay/app/feed"
	"github.com/lysyi3m/rss-relay/app/fetch"
)

// Publisher relays items to a channel and operational alerts to an admin chat.
type Publisher struct {
	client      *Client
	chatID      string
	adminChatID string
}

func NewPublisher(client *Client, chatID, adminChatID string) *Publisher {
	return &Publisher{
		client:      client,
		chatID:      chatID,
		adminChatID: adminChatID,
	}
}

func (p *Publisher) Publish(ctx context.Context, item database.Item) error {
	msg := &Message{
		ChatID:    p.chatID,
		Text:      FormatItem(item),
		ParseMode: "HTML",
	}
	if err := p.client.SendMessage(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish item %s: %w", item.ID, err)
	}
	return nil
}

// Notify sends text to the admin chat. It is a no-op without one.
func (p *Publisher) Notify(ctx context.Context, text string) error {
	if p.adminChatID == "" {
		return nil
	}
	msg := &Message{
		ChatID:    p.adminChatID,
		Text:      text,
		ParseMode: "HTML",
	}
	msg.LinkPreviewOptions.IsDisabled = true
	return p.client.SendMessage(ctx, msg)
}

// NotifyFailing reports a feed that hit its failure threshold.
func (p *Publisher) NotifyFailing(ctx context.Context, feedConfig *feed.Config, state fetch.FeedState) error {
	text := fmt.Sprintf("❌ Feed <b>%s</b> failed %d times in a row (last status %d):\n<pre><code>%s</code></pre>\nReset with <code>rss-relay reset %s</code>",
		html.EscapeString(feedConfig.Name),
		state.ErrorCount,
		state.LastStatus,
		html.EscapeString(state.LastError),
		html.EscapeString(feedConfig.Name))
	return p.Notify(ctx, text)
}
