package telegram

import (
	"fmt"
	"html"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/lysyi3m/rss-relay/app/database"
)

const maxSummaryRunes = 300

var nonAlphaNumRe = regexp.MustCompile(`[^a-zA-Z0-9]+`)

// FormatItem renders an item as a Telegram HTML message.
func FormatItem(item database.Item) string {
	var b strings.Builder

	title := item.Title
	if title == "" {
		title = item.Link
	}
	fmt.Fprintf(&b, "<b>%s</b>", html.EscapeString(title))

	if summary := plainText(item.Summary); summary != "" {
		b.WriteString("\n\n")
		b.WriteString(html.EscapeString(truncateRunes(summary, maxSummaryRunes)))
	}

	fmt.Fprintf(&b, "\n\n<a href=\"%s\">%s</a>", html.EscapeString(item.Link), html.EscapeString(linkLabel(item.Link)))

	if tag := nonAlphaNumRe.ReplaceAllString(item.FeedName, ""); tag != "" {
		b.WriteString(" #" + tag)
	}

	return b.String()
}

func plainText(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if strings.ContainsAny(s, "<&") {
		if doc, err := goquery.NewDocumentFromReader(strings.NewReader(s)); err == nil {
			s = doc.Text()
		}
	}
	return strings.Join(strings.Fields(s), " ")
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return strings.TrimSpace(string(r[:n])) + "…"
}

func linkLabel(link string) string {
	u, err := url.Parse(link)
	if err != nil || u.Hostname() == "" {
		return link
	}
	return strings.TrimPrefix(u.Hostname(), "www.")
}
