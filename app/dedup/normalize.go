package dedup

import (
	"log/slog"
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Normalize strips markup, applies NFKC and case folding, and collapses
// everything that is not a letter or digit into single spaces.
func Normalize(text string) string {
	return strings.Join(Tokenize(text), " ")
}

// Tokenize returns the normalized words of text.
func Tokenize(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	if strings.ContainsAny(text, "<&") {
		text = htmlToText(text)
	}

	// A Caser keeps state, so each call gets its own.
	folded := cases.Fold().String(norm.NFKC.String(text))

	return strings.FieldsFunc(folded, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

func htmlToText(s string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		slog.Debug("Failed to parse HTML for normalization", "error", err)
		return s
	}
	doc.Find("script, style, noscript").Remove()
	// Block elements would otherwise glue adjacent words together.
	doc.Find("p, div, br, li, h1, h2, h3, h4, h5, h6, td, blockquote").Each(func(_ int, sel *goquery.Selection) {
		sel.AppendHtml(" ")
	})
	return doc.Text()
}
