package feed

import (
	"time"
)

// Feed processing types

type Metadata struct {
	Title           string
	Link            string
	Description     string
	ImageURL        string
	Language        string
	FeedPublishedAt *time.Time
	FeedUpdatedAt   *time.Time
}

type Enclosure struct {
	URL    string `json:"url"`
	Length int64  `json:"length,omitempty"`
	Type   string `json:"type,omitempty"`
}

type Item struct {
	GUID        string
	Title       string
	Link        string
	Summary     string
	Content     string
	PublishedAt time.Time
	UpdatedAt   *time.Time
	Authors     []string // "email (name)" or "name"
	Categories  []string
	Enclosures  []Enclosure

	ContentHash  string
	IsFiltered   bool
	FilterReason string
}

// IsValid reports whether the item carries the fields needed downstream.
func (i Item) IsValid() bool {
	return i.Title != "" && i.Link != ""
}

// Configuration types

type Config struct {
	Name     string            // Derived from filename (without .yml extension)
	URL      string            `yaml:"url"`
	Settings ConfigSettings    `yaml:"settings"`
	Headers  map[string]string `yaml:"headers"`
	Filters  []ConfigFilter    `yaml:"filters"`
}

type ConfigSettings struct {
	Enabled         bool  `yaml:"enabled"`
	RefreshInterval int   `yaml:"refresh_interval"` // seconds
	MaxItems        int   `yaml:"max_items"`
	Timeout         int   `yaml:"timeout"` // seconds
	Retries         int   `yaml:"retries"` // consecutive failures before alerting
	Conditional     *bool `yaml:"conditional"`
	ExtractContent  bool  `yaml:"extract_content"`
	Publish         bool  `yaml:"publish"`
}

// UseConditional reports whether cache validators should be sent. Defaults to true.
func (s ConfigSettings) UseConditional() bool {
	return s.Conditional == nil || *s.Conditional
}

func (s ConfigSettings) TimeoutDuration() time.Duration {
	return time.Duration(s.Timeout) * time.Second
}

func (s ConfigSettings) RefreshDuration() time.Duration {
	return time.Duration(s.RefreshInterval) * time.Second
}

type ConfigFilter struct {
	Field    string   `yaml:"field"`
	Includes []string `yaml:"includes"`
	Excludes []string `yaml:"excludes"`
}
