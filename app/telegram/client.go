package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	DefaultBaseURL   = "https://api.telegram.org"
	sendRetryLimit   = 3
	maxResponseBytes = 1 << 20
)

// APIError is an unsuccessful Bot API reply.
type APIError struct {
	StatusCode  int
	ErrorCode   int
	Description string
	RetryAfter  time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram: %d %s", e.ErrorCode, e.Description)
}

type apiResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
	Parameters  struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

type Message struct {
	ChatID             string `json:"chat_id"`
	Text               string `json:"text"`
	ParseMode          string `json:"parse_mode,omitempty"`
	LinkPreviewOptions struct {
		IsDisabled bool `json:"is_disabled"`
	} `json:"link_preview_options"`
}

type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	limiter    *rate.Limiter
	sleep      func(ctx context.Context, d time.Duration) error
}

// NewClient paces requests to perSecond messages with a burst of one.
func NewClient(token string, httpClient *http.Client, baseURL string, perSecond float64) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		limiter:    rate.NewLimiter(limit, 1),
		sleep:      sleepContext,
	}
}

// SendMessage delivers msg, waiting out 429 replies up to a few times.
func (c *Client) SendMessage(ctx context.Context, msg *Message) error {
	var err error
	for attempt := range sendRetryLimit {
		if err = c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("telegram rate limiter: %w", err)
		}

		err = c.call(ctx, "sendMessage", msg)
		if err == nil {
			return nil
		}

		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusTooManyRequests || attempt == sendRetryLimit-1 {
			return err
		}

		wait := max(apiErr.RetryAfter, time.Second)
		slog.Warn("Telegram rate limited, waiting", "chat_id", msg.ChatID, "wait", wait)
		if err := c.sleep(ctx, wait); err != nil {
			return err
		}
	}
	return err
}

func (c *Client) call(ctx context.Context, method string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/bot"+c.token+"/"+method, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// The URL embeds the bot token.
		return fmt.Errorf("telegram %s request failed: %w", method, scrubToken(err, c.token))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", method, err)
	}

	var reply apiResponse
	if err := json.Unmarshal(data, &reply); err != nil {
		return &APIError{StatusCode: resp.StatusCode, ErrorCode: resp.StatusCode, Description: http.StatusText(resp.StatusCode)}
	}
	if !reply.OK || resp.StatusCode != http.StatusOK {
		return &APIError{
			StatusCode:  resp.StatusCode,
			ErrorCode:   reply.ErrorCode,
			Description: reply.Description,
			RetryAfter:  time.Duration(reply.Parameters.RetryAfter) * time.Second,
		}
	}

	return nil
}

func scrubToken(err error, token string) error {
	if token == "" {
		return err
	}
	return errors.New(strings.ReplaceAll(err.Error(), token, "[REDACTED]"))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
