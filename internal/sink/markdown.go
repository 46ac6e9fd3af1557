package sink

import (
	"regexp"
	"strings"
)

// Toast surfaces render plain text only, so markdown publishers would
// otherwise see literal asterisks and brackets in their notifications.
// The patterns run in order: fences and images drop out entirely, links
// keep their text, then emphasis and structural markers are unwrapped.
var markdownPatterns = []struct {
	re   *regexp.Regexp
	repl string
}{
	{regexp.MustCompile("(?s)```.*?```"), ""},
	{regexp.MustCompile(`!\[([^\]]*)\]\([^)]*\)`), ""},
	{regexp.MustCompile(`\[([^\]]+)\]\([^)]*\)`), "$1"},
	{regexp.MustCompile("`([^`]*)`"), "$1"},
	{regexp.MustCompile(`(\*\*|__)(.*?)(\*\*|__)`), "$2"},
	{regexp.MustCompile(`(\*|_)([^*_]+)(\*|_)`), "$2"},
	{regexp.MustCompile(`~~(.*?)~~`), "$1"},
	{regexp.MustCompile(`(?m)^#{1,6}\s+`), ""},
	{regexp.MustCompile(`(?m)^>\s?`), ""},
	{regexp.MustCompile(`(?m)^([-*+]|\d+\.)\s+`), ""},
}

// StripMarkdown reduces markdown to the plain text a toast can show.
// Best effort: unmatched syntax passes through untouched.
func StripMarkdown(text string) string {
	for _, p := range markdownPatterns {
		text = p.re.ReplaceAllString(text, p.repl)
	}

	return strings.TrimSpace(text)
}
