package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lysyi3m/rss-relay/app/database"
	"github.com/lysyi3m/rss-relay/app/feed"
	"github.com/lysyi3m/rss-relay/app/fetch"
)

type botServer struct {
	*httptest.Server
	mu       sync.Mutex
	messages []Message
	paths    []string
	replies  []func(w http.ResponseWriter)
}

func newBotServer(t *testing.T, replies ...func(w http.ResponseWriter)) *botServer {
	t.Helper()
	bs := &botServer{replies: replies}
	bs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var msg Message
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			t.Errorf("Failed to decode request: %v", err)
		}

		bs.mu.Lock()
		bs.messages = append(bs.messages, msg)
		bs.paths = append(bs.paths, r.URL.Path)
		var reply func(w http.ResponseWriter)
		if len(bs.replies) > 0 {
			reply, bs.replies = bs.replies[0], bs.replies[1:]
		}
		bs.mu.Unlock()

		if reply != nil {
			reply(w)
			return
		}
		w.Write([]byte(`{"ok":true,"result":{}}`))
	}))
	t.Cleanup(bs.Close)
	return bs
}

func rateLimited(retryAfter int) func(w http.ResponseWriter) {
	return func(w http.ResponseWriter) {
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]any{
			"ok":          false,
			"error_code":  429,
			"description": "Too Many Requests: retry later",
			"parameters":  map[string]int{"retry_after": retryAfter},
		})
	}
}

func newTestClient(bs *botServer) (*Client, *[]time.Duration) {
	client := NewClient("123:secret", bs.Client(), bs.URL, 0)
	var waits []time.Duration
	client.sleep = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}
	return client, &waits
}

func TestSendMessage(t *testing.T) {
	bs := newBotServer(t)
	client, _ := newTestClient(bs)

	err := client.SendMessage(context.Background(), &Message{ChatID: "@channel", Text: "hello", ParseMode: "HTML"})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	if len(bs.messages) != 1 {
		t.Fatalf("Expected 1 message, got %d", len(bs.messages))
	}
	if bs.paths[0] != "/bot123:secret/sendMessage" {
		t.Errorf("Unexpected path %s", bs.paths[0])
	}
	if bs.messages[0].Text != "hello" || bs.messages[0].ChatID != "@channel" {
		t.Errorf("Unexpected message %+v", bs.messages[0])
	}
}

func TestSendMessageHonoursRetryAfter(t *testing.T) {
	bs := newBotServer(t, rateLimited(7))
	client, waits := newTestClient(bs)

	if err := client.SendMessage(context.Background(), &Message{ChatID: "1", Text: "x"}); err != nil {
		t.Fatalf("Expected retry to succeed, got %v", err)
	}
	if len(bs.messages) != 2 {
		t.Errorf("Expected 2 attempts, got %d", len(bs.messages))
	}
	if len(*waits) != 1 || (*waits)[0] != 7*time.Second {
		t.Errorf("Expected one 7s wait, got %v", *waits)
	}
}

func TestSendMessageGivesUp(t *testing.T) {
	bs := newBotServer(t, rateLimited(1), rateLimited(1), rateLimited(1), rateLimited(1))
	client, _ := newTestClient(bs)

	err := client.SendMessage(context.Background(), &Message{ChatID: "1", Text: "x"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("Expected 429 API error, got %v", err)
	}
	if len(bs.messages) != sendRetryLimit {
		t.Errorf("Expected %d attempts, got %d", sendRetryLimit, len(bs.messages))
	}
}

func TestSendMessageDoesNotRetryOtherErrors(t *testing.T) {
	bs := newBotServer(t, func(w http.ResponseWriter) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`))
	})
	client, _ := newTestClient(bs)

	err := client.SendMessage(context.Background(), &Message{ChatID: "1", Text: "x"})
	if err == nil || !strings.Contains(err.Error(), "chat not found") {
		t.Errorf("Expected chat not found error, got %v", err)
	}
	if len(bs.messages) != 1 {
		t.Errorf("Expected a single attempt, got %d", len(bs.messages))
	}
}

func TestSendMessageScrubsToken(t *testing.T) {
	client := NewClient("123:secret", nil, "http://127.0.0.1:1", 0)

	err := client.SendMessage(context.Background(), &Message{ChatID: "1", Text: "x"})
	if err == nil {
		t.Fatal("Expected connection error")
	}
	if strings.Contains(err.Error(), "secret") {
		t.Errorf("Expected token to be scrubbed, got %v", err)
	}
}

func TestPublisher(t *testing.T) {
	bs := newBotServer(t)
	client, _ := newTestClient(bs)
	publisher := NewPublisher(client, "@channel", "42")

	item := database.Item{ID: "1", FeedName: "go-blog", Title: "Go 1.24", Link: "https://go.dev/blog/go1.24"}
	if err := publisher.Publish(context.Background(), item); err != nil {
		t.Fatal(err)
	}

	state := fetch.FeedState{ErrorCount: 5, LastStatus: 500, LastError: "unexpected status 500: <oops>"}
	if err := publisher.NotifyFailing(context.Background(), &feed.Config{Name: "go-blog"}, state); err != nil {
		t.Fatal(err)
	}

	if len(bs.messages) != 2 {
		t.Fatalf("Expected 2 messages, got %d", len(bs.messages))
	}
	if bs.messages[0].ChatID != "@channel" || bs.messages[0].ParseMode != "HTML" {
		t.Errorf("Unexpected item message %+v", bs.messages[0])
	}
	alert := bs.messages[1]
	if alert.ChatID != "42" || !alert.LinkPreviewOptions.IsDisabled {
		t.Errorf("Unexpected alert message %+v", alert)
	}
	if !strings.Contains(alert.Text, "&lt;oops&gt;") {
		t.Errorf("Expected escaped error in alert, got %q", alert.Text)
	}

	silent := NewPublisher(client, "@channel", "")
	if err := silent.Notify(context.Background(), "ignored"); err != nil {
		t.Errorf("Expected notify without admin chat to be a no-op, got %v", err)
	}
	if len(bs.messages) != 2 {
		t.Errorf("Expected no message without admin chat, got %d", len(bs.messages))
	}
}
