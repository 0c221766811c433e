package feed

import (
	"bytes"
	"cmp"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/mmcdole/gofeed"
)

type Parser struct {
	gofeedParser *gofeed.Parser
}

func NewParser() *Parser {
	return &Parser{
		gofeedParser: gofeed.NewParser(),
	}
}

// Run parses an RSS, Atom or JSON feed body. Items are returned as found;
// validity filtering is left to the caller.
func (p *Parser) Run(data []byte) (*Metadata, []Item, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil, fmt.Errorf("failed to parse feed: empty body")
	}

	parsed, err := p.gofeedParser.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse feed: %w", err)
	}

	metadata := &Metadata{
		Title:           parsed.Title,
		Link:            parsed.Link,
		Description:     parsed.Description,
		Language:        parsed.Language,
		FeedPublishedAt: parsed.PublishedParsed,
		FeedUpdatedAt:   parsed.UpdatedParsed,
	}
	if parsed.Image != nil {
		metadata.ImageURL = parsed.Image.URL
	}

	items := make([]Item, 0, len(parsed.Items))
	for _, entry := range parsed.Items {
		if entry == nil {
			continue
		}
		item := p.normalizeItem(entry)
		item.ContentHash = ContentHash(item)
		items = append(items, item)
	}

	return metadata, items, nil
}

func (p *Parser) normalizeItem(entry *gofeed.Item) Item {
	link := normalizeURL(strings.TrimSpace(entry.Link))
	item := Item{
		GUID:       strings.TrimSpace(cmp.Or(entry.GUID, link)),
		Title:      strings.TrimSpace(entry.Title),
		Link:       link,
		Summary:    entry.Description,
		Content:    entry.Content,
		Authors:    p.extractAuthors(entry),
		Categories: entry.Categories,
	}

	switch {
	case entry.PublishedParsed != nil:
		item.PublishedAt = *entry.PublishedParsed
	case entry.UpdatedParsed != nil:
		item.PublishedAt = *entry.UpdatedParsed
	}
	item.UpdatedAt = entry.UpdatedParsed

	for _, enclosure := range entry.Enclosures {
		if enclosure == nil || enclosure.URL == "" {
			continue
		}
		e := Enclosure{URL: enclosure.URL, Type: enclosure.Type}
		if enclosure.Length != "" {
			if length, err := strconv.ParseInt(enclosure.Length, 10, 64); err == nil {
				e.Length = length
			}
		}
		item.Enclosures = append(item.Enclosures, e)
	}

	return item
}

var trackingParams = map[string]bool{
	"fbclid":  true,
	"gclid":   true,
	"mc_cid":  true,
	"mc_eid":  true,
	"yclid":   true,
	"_hsenc":  true,
	"_hsmi":   true,
	"igshid":  true,
	"ref_src": true,
}

// normalizeURL strips utm_* and other click tracking parameters so the same
// article linked from different campaigns hashes identically.
func normalizeURL(raw string) string {
	if raw == "" {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return raw
	}
	if u.RawQuery == "" {
		return raw
	}

	query := u.Query()
	for key := range query {
		if strings.HasPrefix(strings.ToLower(key), "utm_") || trackingParams[strings.ToLower(key)] {
			query.Del(key)
		}
	}
	u.RawQuery = query.Encode()
	return u.String()
}

// ContentHash is the exact-duplicate key of an item.
func ContentHash(item Item) string {
	content := fmt.Sprintf("%s|%s",
		strings.ToLower(strings.TrimSpace(item.Title)),
		strings.TrimSpace(item.Link))

	hash := sha256.Sum256([]byte(content))
	return hex.EncodeToString(hash[:])
}

func (p *Parser) extractAuthors(entry *gofeed.Item) []string {
	var authors []string

	if len(entry.Authors) > 0 {
		for _, author := range entry.Authors {
			if author == nil {
				continue
			}
			if s := formatAuthor(author.Name, author.Email); s != "" {
				authors = append(authors, s)
			}
		}
	} else if entry.Author != nil {
		if s := formatAuthor(entry.Author.Name, entry.Author.Email); s != "" {
			authors = append(authors, s)
		}
	}

	return authors
}

func formatAuthor(name, email string) string {
	name = strings.TrimSpace(name)
	email = strings.TrimSpace(email)

	switch {
	case name != "" && email != "":
		return fmt.Sprintf("%s (%s)", email, name)
	case name != "":
		return name
	default:
		return email
	}
}
