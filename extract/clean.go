package extract

import (
	"regexp"
	"strings"
)

var (
	inlineSpaceRe = regexp.MustCompile(`[ \t\f\v\r\x{00a0}]+`)
	blankLinesRe  = regexp.MustCompile(`\n{3,}`)
)

// CleanText normalises extracted text for storage and diffing. Runs of
// spaces collapse to one, zero-width characters disappear, each line is
// trimmed and more than one consecutive blank line collapses to a single
// blank line. Line structure is preserved.
func CleanText(text string) string {
	text = strings.Map(func(r rune) rune {
		switch r {
		case '\u200b', '\u200c', '\u200d', '\ufeff', '\u00ad':
			return -1
		}
		return r
	}, text)

	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(inlineSpaceRe.ReplaceAllString(l, " "))
	}
	text = strings.Join(lines, "\n")
	text = blankLinesRe.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

// Lines splits cleaned text into its non-empty lines.
func Lines(text string) []string {
	var out []string
	for _, l := range strings.Split(text, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return out
}
