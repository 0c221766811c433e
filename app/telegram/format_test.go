package telegram

import (
	"strings"
	"testing"

	"github.com/lysyi3m/rss-relay/app/database"
)

func TestFormatItem(t *testing.T) {
	item := database.Item{
		FeedName: "hacker-news",
		Title:    "Tom & Jerry <3",
		Link:     "https://www.example.com/post?id=1&x=2",
		Summary:  "<p>First paragraph.</p>\n<p>Second   paragraph &amp; more.</p>",
	}

	got := FormatItem(item)
	want := "<b>Tom &amp; Jerry &lt;3</b>\n\n" +
		"First paragraph. Second paragraph &amp; more.\n\n" +
		"<a href=\"https://www.example.com/post?id=1&amp;x=2\">example.com</a> #hackernews"

	if got != want {
		t.Errorf("Unexpected message:\nwant %q\ngot  %q", want, got)
	}
}

func TestFormatItemTruncatesSummary(t *testing.T) {
	item := database.Item{
		Title:   "Long",
		Link:    "https://example.com/long",
		Summary: strings.Repeat("word ", 200),
	}

	got := FormatItem(item)
	if !strings.Contains(got, "…") {
		t.Error("Expected long summary to be truncated")
	}
	if n := len([]rune(got)); n > maxSummaryRunes+100 {
		t.Errorf("Expected short message, got %d runes", n)
	}
}

func TestFormatItemWithoutTitle(t *testing.T) {
	got := FormatItem(database.Item{Link: "https://example.com/x"})
	if !strings.HasPrefix(got, "<b>https://example.com/x</b>") {
		t.Errorf("Expected link to stand in for title, got %q", got)
	}
}
