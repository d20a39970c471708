package extract

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	readability "github.com/go-shiori/go-readability"
	"golang.org/x/net/html"
)

// extractReadability runs go-readability over the page and re-collects the
// article text with block boundaries kept as line breaks.
func extractReadability(rawHTML []byte, opts Options) (*Result, error) {
	pageURL := &url.URL{Scheme: "https", Host: "localhost"}
	if opts.PageURL != "" {
		u, err := url.Parse(opts.PageURL)
		if err != nil {
			return nil, fmt.Errorf("extract: page url: %w", err)
		}
		pageURL = u
	}

	article, err := readability.FromReader(bytes.NewReader(rawHTML), pageURL)
	if err != nil {
		return nil, fmt.Errorf("extract: readability: %w", err)
	}

	text := article.TextContent
	if article.Content != "" {
		if doc, err := html.Parse(strings.NewReader(article.Content)); err == nil {
			if t := collectText(doc); t != "" {
				text = t
			}
		}
	}
	text = CleanText(text)
	if text == "" {
		return nil, ErrEmpty
	}
	return &Result{
		Text:  text,
		Title: SanitizeText(article.Title),
		Mode:  ModeReadability,
		Hash:  hashText(text),
	}, nil
}
