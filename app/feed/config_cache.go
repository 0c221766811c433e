package feed

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

const (
	DefaultRefreshInterval = 3600
	DefaultMaxItems        = 100
	DefaultTimeout         = 30
	DefaultRetries         = 5
)

// ConfigCache holds every feed definition found in the feeds directory,
// one YAML file per feed.
type ConfigCache struct {
	feedsDir string
	cache    map[string]*Config
	mu       sync.RWMutex
}

func NewConfigCache(feedsDir string) *ConfigCache {
	return &ConfigCache{
		feedsDir: feedsDir,
		cache:    make(map[string]*Config),
	}
}

func (cc *ConfigCache) Run() error {
	if _, err := os.Stat(cc.feedsDir); os.IsNotExist(err) {
		return nil
	}

	files, err := filepath.Glob(filepath.Join(cc.feedsDir, "*.yml"))
	if err != nil {
		return fmt.Errorf("failed to find YML files: %w", err)
	}

	for _, file := range files {
		feedName := feedNameFromPath(file)

		config, err := cc.LoadConfig(feedName)
		if err != nil {
			return fmt.Errorf("error loading %s: %w", file, err)
		}

		slog.Debug("Configuration loaded", "feed", feedName, "enabled", config.Settings.Enabled, "refresh_interval", config.Settings.RefreshInterval)
	}

	return nil
}

func (cc *ConfigCache) LoadConfig(feedName string) (*Config, error) {
	configFile := cc.getConfigFilePath(feedName)
	feedConfig, err := parseConfig(configFile)
	if err != nil {
		return nil, err
	}

	feedConfig.Name = feedName

	if err := validateConfig(feedConfig); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", configFile, err)
	}

	cc.mu.Lock()
	defer cc.mu.Unlock()
	cc.cache[feedConfig.Name] = feedConfig

	return feedConfig, nil
}

func (cc *ConfigCache) RemoveConfig(feedName string) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	delete(cc.cache, feedName)
}

func (cc *ConfigCache) GetConfig(feedName string) (*Config, error) {
	cc.mu.RLock()
	defer cc.mu.RUnlock()

	feedConfig, ok := cc.cache[feedName]
	if !ok {
		return nil, fmt.Errorf("feed config with name '%s' not found", feedName)
	}
	return feedConfig, nil
}

func (cc *ConfigCache) GetConfigs() map[string]*Config {
	cc.mu.RLock()
	defer cc.mu.RUnlock()

	return maps.Clone(cc.cache)
}

// GetEnabledConfigs returns enabled feeds ordered by name, which is the
// order a fetch run processes them in.
func (cc *ConfigCache) GetEnabledConfigs() []*Config {
	cc.mu.RLock()
	defer cc.mu.RUnlock()

	enabled := make([]*Config, 0, len(cc.cache))
	for _, v := range cc.cache {
		if v.Settings.Enabled {
			enabled = append(enabled, v)
		}
	}
	slices.SortFunc(enabled, func(a, b *Config) int {
		return strings.Compare(a.Name, b.Name)
	})
	return enabled
}

func (cc *ConfigCache) GetConfigCount() int {
	cc.mu.RLock()
	defer cc.mu.RUnlock()
	return len(cc.cache)
}

// Watch reloads feed definitions as files change until ctx is done.
// A file that fails to parse keeps its previous definition.
func (cc *ConfigCache) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(cc.feedsDir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", cc.feedsDir, err)
	}

	slog.Info("Watching feed configurations", "dir", cc.feedsDir)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			cc.handleEvent(event)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("Feed config watcher error", "error", err)
		}
	}
}

func (cc *ConfigCache) handleEvent(event fsnotify.Event) {
	if filepath.Ext(event.Name) != ".yml" {
		return
	}
	feedName := feedNameFromPath(event.Name)

	switch {
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		cc.RemoveConfig(feedName)
		slog.Info("Feed configuration removed", "feed", feedName)
	case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
		config, err := cc.LoadConfig(feedName)
		if err != nil {
			slog.Warn("Failed to reload feed configuration", "feed", feedName, "error", err)
			return
		}
		slog.Info("Feed configuration reloaded", "feed", feedName, "enabled", config.Settings.Enabled)
	}
}

func parseConfig(configFile string) (*Config, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var feedConfig Config
	if err := yaml.Unmarshal(data, &feedConfig); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if feedConfig.Settings.RefreshInterval == 0 {
		feedConfig.Settings.RefreshInterval = DefaultRefreshInterval
	}
	if feedConfig.Settings.MaxItems == 0 {
		feedConfig.Settings.MaxItems = DefaultMaxItems
	}
	if feedConfig.Settings.Timeout == 0 {
		feedConfig.Settings.Timeout = DefaultTimeout
	}
	if feedConfig.Settings.Retries == 0 {
		feedConfig.Settings.Retries = DefaultRetries
	}

	return &feedConfig, nil
}

func validateConfig(feedConfig *Config) error {
	if feedConfig == nil {
		return fmt.Errorf("feedConfig is nil")
	}

	if feedConfig.Name == "" {
		return fmt.Errorf("feed name is required")
	}
	if feedConfig.URL == "" {
		return fmt.Errorf("feed URL is required")
	}
	u, err := url.Parse(feedConfig.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("feed URL must be an absolute http(s) URL: %s", feedConfig.URL)
	}

	nonNegativeFields := map[string]int{
		"refresh interval": feedConfig.Settings.RefreshInterval,
		"max items":        feedConfig.Settings.MaxItems,
		"timeout":          feedConfig.Settings.Timeout,
		"retries":          feedConfig.Settings.Retries,
	}

	for fieldName, fieldValue := range nonNegativeFields {
		if fieldValue < 0 {
			return fmt.Errorf("%s must be non-negative", fieldName)
		}
	}

	for header := range feedConfig.Headers {
		if strings.TrimSpace(header) == "" {
			return fmt.Errorf("header name must not be empty")
		}
	}

	for i, filter := range feedConfig.Filters {
		if !filterFields[filter.Field] {
			return fmt.Errorf("invalid filter field at index %d: %s", i, filter.Field)
		}
		if len(filter.Includes) == 0 && len(filter.Excludes) == 0 {
			return fmt.Errorf("filter at index %d must have at least one include or exclude rule", i)
		}
	}

	return nil
}

func (cc *ConfigCache) getConfigFilePath(feedName string) string {
	return filepath.Join(cc.feedsDir, feedName+".yml")
}

func feedNameFromPath(path string) string {
	return strings.TrimSuffix(filepath.Base(path), ".yml")
}
