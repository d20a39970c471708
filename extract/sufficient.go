package extract

import (
	"bytes"
)

var spaShells = [][]byte{
	[]byte(`<div id="root"></div>`),
	[]byte(`<div id="app"></div>`),
	[]byte(`<div id="__next"></div>`),
	[]byte(`<noscript>you need to enable javascript`),
	[]byte(`<noscript>enable javascript`),
}

// IsSufficient reports whether a plain HTTP response carries enough visible
// text to be used as-is. Empty SPA shells and script-only pages return false
// so the caller can retry with a headless browser.
func IsSufficient(rawHTML []byte) bool {
	if len(rawHTML) < 256 {
		return false
	}
	text, markup := textMarkupRatio(rawHTML)
	total := text + markup
	if total == 0 {
		return false
	}
	if float64(text)/float64(total) < 0.10 || text < 200 {
		return false
	}
	lower := bytes.ToLower(rawHTML)
	for _, shell := range spaShells {
		if bytes.Contains(lower, shell) {
			return false
		}
	}
	return true
}

// textMarkupRatio counts non-whitespace text bytes versus markup bytes.
// Script and style bodies count as markup.
func textMarkupRatio(rawHTML []byte) (text, markup int) {
	s := bytes.ToLower(rawHTML)
	inTag := false
	for i := 0; i < len(s); {
		ch := s[i]
		if ch == '<' {
			for _, raw := range []string{"script", "style"} {
				if bytes.HasPrefix(s[i+1:], []byte(raw)) {
					end := bytes.Index(s[i:], []byte("</"+raw))
					if end < 0 {
						return text, markup + len(s) - i
					}
					markup += end
					i += end
					break
				}
			}
			inTag = true
			markup++
			i++
			continue
		}
		switch {
		case ch == '>':
			inTag = false
			markup++
		case inTag:
			markup++
		case ch != ' ' && ch != '\t' && ch != '\n' && ch != '\r':
			text++
		}
		i++
	}
	return text, markup
}
