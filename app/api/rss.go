package api

import (
	"bytes"
	"cmp"
	"encoding/xml"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/lysyi3m/rss-relay/app/database"
	"github.com/lysyi3m/rss-relay/app/feed"
)

// RSSGenerator renders the relayed items of a feed as RSS 2.0.
type RSSGenerator struct {
	baseURL string
	version string
}

func NewRSSGenerator(baseURL, version string) *RSSGenerator {
	return &RSSGenerator{
		baseURL: strings.TrimRight(baseURL, "/"),
		version: version,
	}
}

func (g *RSSGenerator) Run(feedConfig *feed.Config, items []database.Item) (string, error) {
	if feedConfig == nil {
		return "", fmt.Errorf("missing feed config")
	}

	var buf bytes.Buffer

	buf.WriteString(`<?xml version="1.0" encoding="UTF-8"?>`)
	buf.WriteString("\n")
	buf.WriteString(`<rss version="2.0" xmlns:content="http://purl.org/rss/1.0/modules/content/" xmlns:atom="http://www.w3.org/2005/Atom">`)
	buf.WriteString("\n  <channel>\n")

	g.writeElement(&buf, "title", feedConfig.Name, 4)
	g.writeElement(&buf, "link", feedConfig.URL, 4)
	g.writeElement(&buf, "description", fmt.Sprintf("Relayed feed from %s", feedConfig.URL), 4)

	if g.baseURL != "" {
		selfLink := fmt.Sprintf("%s/feeds/%s", g.baseURL, feedConfig.Name)
		buf.WriteString(fmt.Sprintf("    <atom:link href=\"%s\" rel=\"self\" type=\"application/rss+xml\" />\n",
			html.EscapeString(selfLink)))
	}

	lastBuildDate := time.Now().In(time.Local)
	if len(items) > 0 {
		lastBuildDate = itemDate(items[0])
	}
	g.writeElement(&buf, "lastBuildDate", lastBuildDate.Format(time.RFC1123Z), 4)
	g.writeElement(&buf, "generator", fmt.Sprintf("RSS-Relay/%s", g.version), 4)

	for _, item := range items {
		g.writeItem(&buf, item)
	}

	buf.WriteString("  </channel>\n</rss>")

	return buf.String(), nil
}

func (g *RSSGenerator) writeItem(buf *bytes.Buffer, item database.Item) {
	buf.WriteString("    <item>\n")

	if item.GUID != "" {
		buf.WriteString(fmt.Sprintf("      <guid isPermaLink=\"%t\">", isURL(item.GUID)))
		xml.EscapeText(buf, []byte(item.GUID))
		buf.WriteString("</guid>\n")
	}

	g.writeElement(buf, "title", item.Title, 6)
	g.writeElement(buf, "link", item.Link, 6)
	g.writeElement(buf, "description", cmp.Or(item.Summary, "No description available"), 6)

	if item.Content != "" && item.Content != item.Summary {
		buf.WriteString("      <content:encoded><![CDATA[")
		// a literal terminator inside the payload would end the section early
		buf.WriteString(strings.ReplaceAll(item.Content, "]]>", "]]]]><![CDATA[>"))
		buf.WriteString("]]></content:encoded>\n")
	}

	g.writeElement(buf, "pubDate", itemDate(item).Format(time.RFC1123Z), 6)

	if len(item.Authors) > 0 {
		g.writeElement(buf, "author", item.Authors[0], 6)
	}

	for _, category := range item.Categories {
		g.writeElement(buf, "category", category, 6)
	}

	// RSS 2.0 allows one enclosure per item and requires url, length and type
	for _, enclosure := range item.Enclosures {
		if enclosure.URL == "" || enclosure.Type == "" {
			continue
		}
		buf.WriteString(fmt.Sprintf("      <enclosure url=\"%s\" length=\"%d\" type=\"%s\" />\n",
			html.EscapeString(enclosure.URL),
			enclosure.Length,
			html.EscapeString(enclosure.Type)))
		break
	}

	buf.WriteString("    </item>\n")
}

func (g *RSSGenerator) writeElement(buf *bytes.Buffer, tag, content string, indent int) {
	if content == "" {
		return
	}

	buf.WriteString(strings.Repeat(" ", indent))
	buf.WriteString("<")
	buf.WriteString(tag)
	buf.WriteString(">")
	xml.EscapeText(buf, []byte(content))
	buf.WriteString("</")
	buf.WriteString(tag)
	buf.WriteString(">\n")
}

func itemDate(item database.Item) time.Time {
	if item.PublishedAt != nil && !item.PublishedAt.IsZero() {
		return *item.PublishedAt
	}
	return item.CreatedAt
}

func isURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}
