package feed

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-shiori/go-readability"
)

const maxArticleSize = 5 << 20

// ContentExtractor downloads an item's article page and reduces it to the
// readable body, used to enrich thin feed entries before fingerprinting.
type ContentExtractor struct {
	httpClient *http.Client
	userAgent  string
}

func NewContentExtractor(httpClient *http.Client, userAgent string) *ContentExtractor {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &ContentExtractor{
		httpClient: httpClient,
		userAgent:  userAgent,
	}
}

// Extract fetches link and returns its readable text content.
func (e *ContentExtractor) Extract(ctx context.Context, link string, timeout time.Duration) (string, error) {
	if link == "" {
		return "", fmt.Errorf("item has no link")
	}

	pageURL, err := url.Parse(link)
	if err != nil {
		return "", fmt.Errorf("invalid link %q: %w", link, err)
	}

	data, err := e.fetchArticle(ctx, link, timeout)
	if err != nil {
		return "", fmt.Errorf("failed to fetch article content: %w", err)
	}

	return e.run(data, pageURL)
}

func (e *ContentExtractor) Run(data []byte) (string, error) {
	return e.run(data, nil)
}

func (e *ContentExtractor) run(data []byte, pageURL *url.URL) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("HTML data is empty")
	}

	article, err := readability.FromReader(bytes.NewReader(data), pageURL)
	if err != nil {
		return "", fmt.Errorf("failed to extract content: %w", err)
	}

	text := strings.TrimSpace(article.TextContent)
	if text == "" {
		return "", fmt.Errorf("no content extracted from HTML data")
	}

	slog.Debug("Content extracted successfully",
		"title", article.Title,
		"content_length", len(text))

	return text, nil
}

func (e *ContentExtractor) fetchArticle(ctx context.Context, link string, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if e.userAgent != "" {
		req.Header.Set("User-Agent", e.userAgent)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch URL: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP error: %d %s", resp.StatusCode, resp.Status)
	}

	contentType := resp.Header.Get("Content-Type")
	if !strings.Contains(strings.ToLower(contentType), "text/html") {
		return nil, fmt.Errorf("content type is not HTML: %s", contentType)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxArticleSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	return data, nil
}
