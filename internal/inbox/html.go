package inbox

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var (
	blankRuns  = regexp.MustCompile(`[ \t\x{00a0}]+`)
	blankLines = regexp.MustCompile(`\n\s*\n+`)
)

// blockElements end a line when rendered as text
const blockElements = "p, div, tr, li, h1, h2, h3, h4, h5, h6, table, blockquote"

// TextFromHTML renders an HTML body as plain text, keeping one line per
// block element so that label patterns ("사유: ...") stay on their own line.
// Table cells are separated by a space.
func TextFromHTML(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		// Fall back to crude tag stripping
		return normalizeText(htmlTag.ReplaceAllString(html, " "))
	}

	doc.Find("script, style, head").Remove()
	doc.Find("br").ReplaceWithHtml("\n")
	doc.Find("td, th").Each(func(i int, s *goquery.Selection) {
		s.AppendHtml(" ")
	})
	doc.Find(blockElements).Each(func(i int, s *goquery.Selection) {
		s.AppendHtml("\n")
	})

	return normalizeText(doc.Text())
}

var htmlTag = regexp.MustCompile(`<[^>]+>`)

// LooksLikeHTML reports whether a body should go through TextFromHTML
func LooksLikeHTML(body string) bool {
	lower := strings.ToLower(body)
	return strings.Contains(lower, "<html") ||
		strings.Contains(lower, "<body") ||
		strings.Contains(lower, "<div") ||
		strings.Contains(lower, "<p>") ||
		strings.Contains(lower, "<p ") ||
		strings.Contains(lower, "<br") ||
		strings.Contains(lower, "<table")
}

// PlainBody returns body as text, converting HTML when needed
func PlainBody(body string) string {
	if LooksLikeHTML(body) {
		return TextFromHTML(body)
	}
	return normalizeText(body)
}

func normalizeText(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = blankRuns.ReplaceAllString(s, " ")

	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	s = strings.Join(lines, "\n")
	s = blankLines.ReplaceAllString(s, "\n")
	return strings.TrimSpace(s)
}
