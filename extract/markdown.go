package extract

import (
	"fmt"
	"strings"
	"sync"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
)

var (
	mdOnce sync.Once
	mdConv *converter.Converter

	policyOnce sync.Once
	policy     *bluemonday.Policy
)

func markdownConverter() *converter.Converter {
	mdOnce.Do(func() {
		mdConv = converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		)
	})
	return mdConv
}

// contentPolicy keeps structural and formatting markup and drops scripts,
// event handlers, forms and unsafe URLs before Markdown conversion.
func contentPolicy() *bluemonday.Policy {
	policyOnce.Do(func() {
		p := bluemonday.UGCPolicy()
		p.AllowElements("figure", "figcaption", "main", "article", "section")
		p.AllowURLSchemes("http", "https", "mailto")
		p.AllowRelativeURLs(true)
		p.RequireParseableURLs(true)
		policy = p
	})
	return policy
}

// SanitizeText strips every tag from s, leaving plain text. Used for titles
// and other short fields copied out of fetched pages.
func SanitizeText(s string) string {
	return strings.TrimSpace(bluemonday.StrictPolicy().Sanitize(s))
}

// toMarkdown renders the region nodes, sanitises them and converts the
// result to Markdown. pageURL makes relative links absolute.
func toMarkdown(nodes []*html.Node, pageURL string) (string, error) {
	var sb strings.Builder
	for _, n := range nodes {
		sb.WriteString(renderNode(n))
		sb.WriteByte('\n')
	}
	clean := contentPolicy().Sanitize(sb.String())

	var opts []converter.ConvertOptionFunc
	if pageURL != "" {
		opts = append(opts, converter.WithDomain(pageURL))
	}
	md, err := markdownConverter().ConvertString(clean, opts...)
	if err != nil {
		return "", fmt.Errorf("extract: markdown: %w", err)
	}
	if strings.TrimSpace(md) == "" {
		// Region held only markup the policy removed; fall back to its text.
		return joinText(nodes), nil
	}
	return md, nil
}
