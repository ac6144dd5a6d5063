// Package preview extracts http(s) links from message bodies for link
// preview generation.
package preview

import (
	"regexp"
	"strings"
)

var urlPattern = regexp.MustCompile(`(?i)\bhttps?://[^\s<>"']+`)

// Links returns the http(s) URLs found in a message body, in order of
// appearance. Trailing punctuation that commonly ends a sentence is trimmed
// since it is almost never part of the link.
func Links(body string) []string {
	matches := urlPattern.FindAllString(body, -1)
	if len(matches) == 0 {
		return nil
	}
	links := make([]string, 0, len(matches))
	for _, m := range matches {
		m = strings.TrimRight(m, ".,;:!?)")
		if m != "" {
			links = append(links, m)
		}
	}
	return links
}
