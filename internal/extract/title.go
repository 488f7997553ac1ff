// Package extract pulls the page title out of fetched HTML.
package extract

import (
	"regexp"
	"strings"
)

// NoTitle is returned when the content carries no matching title.
const NoTitle = "No title found"

// DefaultSuffix is the site marker expected after the title separator.
const DefaultSuffix = "Microsoft Learn"

// Extractor matches a title terminated by a configured site suffix.
type Extractor struct {
	pattern *regexp.Regexp
}

var defaultExtractor = New(DefaultSuffix)

// New builds an Extractor for titles of the form "<text> | <suffix>". An empty
// suffix matches a bare <title>text</title>.
func New(suffix string) *Extractor {
	suffix = strings.TrimSpace(suffix)
	expr := `(?i)<title[^>]*>([^<]+?)\s*</title>`
	if suffix != "" {
		expr = `(?i)<title[^>]*>([^<]+?)\s*\|\s*` + regexp.QuoteMeta(suffix) + `</title>`
	}
	return &Extractor{pattern: regexp.MustCompile(expr)}
}

// Title returns the trimmed text of the first matching title, or NoTitle. A
// title made only of whitespace trims to "".
func (e *Extractor) Title(content string) string {
	m := e.pattern.FindStringSubmatch(content)
	if len(m) < 2 {
		return NoTitle
	}
	return strings.TrimSpace(m[1])
}

// Title extracts with the default suffix.
func Title(content string) string {
	return defaultExtractor.Title(content)
}
