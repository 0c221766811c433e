package api

import (
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lysyi3m/rss-relay/app/dedup"
	"github.com/lysyi3m/rss-relay/app/feed"
)

type HandlerOption func(*Handler)

// WithDedupDefaults sets the window and distance used by /api/similar when
// the request leaves them out.
func WithDedupDefaults(window time.Duration, maxDistance int) HandlerOption {
	return func(h *Handler) {
		h.dedupWindow = window
		h.maxDistance = maxDistance
	}
}

func NewHandler(configCache *feed.ConfigCache, states StateStore, items ItemStore,
	metrics MetricsProvider, finder SimilarityFinder, generator GeneratorInterface, opts ...HandlerOption) *Handler {
	h := &Handler{
		configCache: configCache,
		states:      states,
		items:       items,
		metrics:     metrics,
		finder:      finder,
		generator:   generator,
		dedupWindow: dedup.DefaultWindow,
		maxDistance: dedup.DefaultMaxDistance,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) GetFeed(c *gin.Context) {
	name := c.Param("name")

	feedConfig, err := h.configCache.GetConfig(name)
	if err != nil {
		c.Status(http.StatusNotFound)
		return
	}

	items, err := h.items.GetVisibleItems(c.Request.Context(), name, feedConfig.Settings.MaxItems)
	if err != nil {
		slog.Error("Database error", "operation", "get_items", "feed", name, "error", err)
		c.Status(http.StatusInternalServerError)
		return
	}

	rss, err := h.generator.Run(feedConfig, items)
	if err != nil {
		slog.Error("RSS generation error", "feed", name, "error", err)
		c.Status(http.StatusInternalServerError)
		return
	}

	c.Header("Content-Type", "application/xml; charset=utf-8")
	c.Header("X-Feed-Items", strconv.Itoa(len(items)))
	c.Header("X-Feed-Name", name)

	c.String(http.StatusOK, rss)
}

func (h *Handler) GetHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"timestamp":             time.Now().In(time.Local).Format(time.RFC3339),
		"loaded_configurations": h.configCache.GetConfigCount(),
		"enabled_feeds":         len(h.configCache.GetEnabledConfigs()),
	})
}

func (h *Handler) GetMetrics(c *gin.Context) {
	response := gin.H{
		"fetch": h.metrics.Metrics(),
	}

	stats, err := h.items.GetItemStats(c.Request.Context(), "")
	if err != nil {
		slog.Error("Database error", "operation", "get_item_stats", "error", err)
	} else {
		response["items"] = stats
	}

	c.JSON(http.StatusOK, response)
}

func (h *Handler) APIListFeeds(c *gin.Context) {
	configs := h.configCache.GetConfigs()

	names := make([]string, 0, len(configs))
	for name := range configs {
		names = append(names, name)
	}
	slices.Sort(names)

	ctx := c.Request.Context()
	now := time.Now()
	feeds := make([]gin.H, 0, len(names))

	for _, name := range names {
		feedConfig := configs[name]
		feedInfo := gin.H{
			"name":             feedConfig.Name,
			"url":              feedConfig.URL,
			"enabled":          feedConfig.Settings.Enabled,
			"publish":          feedConfig.Settings.Publish,
			"refresh_interval": feedConfig.Settings.RefreshDuration().String(),
			"filters":          len(feedConfig.Filters),
		}

		if state, err := h.states.Get(ctx, name); err == nil {
			feedInfo["last_status"] = state.LastStatus
			feedInfo["error_count"] = state.ErrorCount
			feedInfo["in_backoff"] = state.IsInBackoff(now)
			if !state.NeverFetched() {
				feedInfo["fetched_at"] = state.FetchedAt
			}
		}

		if stats, err := h.items.GetItemStats(ctx, name); err == nil {
			feedInfo["item_count"] = stats.Total
		}

		feeds = append(feeds, feedInfo)
	}

	c.JSON(http.StatusOK, gin.H{
		"feeds": feeds,
		"total": len(feeds),
	})
}

func (h *Handler) APIGetFeedDetails(c *gin.Context) {
	name := c.Param("name")

	feedConfig, err := h.configCache.GetConfig(name)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Feed configuration not found"})
		return
	}

	ctx := c.Request.Context()

	state, err := h.states.Get(ctx, name)
	if err != nil {
		slog.Error("Database error", "operation", "get_state", "feed", name, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}

	stats, err := h.items.GetItemStats(ctx, name)
	if err != nil {
		slog.Error("Database error", "operation", "get_item_stats", "feed", name, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}

	now := time.Now()
	c.JSON(http.StatusOK, gin.H{
		"name":              name,
		"url":               feedConfig.URL,
		"enabled":           feedConfig.Settings.Enabled,
		"publish":           feedConfig.Settings.Publish,
		"extract_content":   feedConfig.Settings.ExtractContent,
		"conditional":       feedConfig.Settings.UseConditional(),
		"max_items":         feedConfig.Settings.MaxItems,
		"retries":           feedConfig.Settings.Retries,
		"refresh_interval":  feedConfig.Settings.RefreshDuration().String(),
		"timeout":           feedConfig.Settings.TimeoutDuration().String(),
		"filters":           feedConfig.Filters,
		"state":             state,
		"in_backoff":        state.IsInBackoff(now),
		"backoff_remaining": state.BackoffRemaining(now).String(),
		"items":             stats,
	})
}

// APIResetFeed forgets everything known about fetching the feed, so the
// next run is an unconditional fetch with no backoff.
func (h *Handler) APIResetFeed(c *gin.Context) {
	name := c.Param("name")

	if _, err := h.configCache.GetConfig(name); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Feed configuration not found"})
		return
	}

	if err := h.states.Reset(c.Request.Context(), name); err != nil {
		slog.Error("Database error", "operation", "reset_state", "feed", name, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to reset feed state",
			"details": err.Error(),
		})
		return
	}

	slog.Info("Feed state reset", "feed", name)
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "Feed state reset",
		"feed":    name,
	})
}

func (h *Handler) APIFindSimilar(c *gin.Context) {
	var req similarRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}

	query := dedup.Query{
		Window:      h.dedupWindow,
		MaxDistance: h.maxDistance,
		ExcludeID:   req.ExcludeID,
	}

	switch {
	case req.Fingerprint != "":
		query.Fingerprint = dedup.Fingerprint(req.Fingerprint)
		if !query.Fingerprint.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Fingerprint must be 64 binary digits"})
			return
		}
	case req.Text != "":
		query.Fingerprint = dedup.Calculate(req.Text)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "Either text or fingerprint is required"})
		return
	}

	if req.Window != "" {
		window, err := time.ParseDuration(req.Window)
		if err != nil || window <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Window must be a positive duration"})
			return
		}
		query.Window = window
	}
	if req.MaxDistance != nil {
		query.MaxDistance = *req.MaxDistance
	}

	match, err := h.finder.FindSimilar(c.Request.Context(), query)
	if err != nil {
		if errors.Is(err, dedup.ErrInvalidWindow) || errors.Is(err, dedup.ErrInvalidFingerprint) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		slog.Error("Similarity lookup failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Similarity lookup failed"})
		return
	}

	response := gin.H{
		"fingerprint": query.Fingerprint,
		"match":       nil,
	}
	if match != nil {
		response["match"] = gin.H{
			"id":          match.ID,
			"feed":        match.FeedName,
			"title":       match.Title,
			"link":        match.Link,
			"fingerprint": match.Fingerprint,
			"created_at":  match.CreatedAt,
			"distance":    match.Distance,
			"similarity":  match.Similarity,
		}
	}

	c.JSON(http.StatusOK, response)
}
