// Package extract turns a raw page snapshot into the normalised text that
// pagewatch stores in the derived content store and diffs between snapshots.
//
// Modes:
//   - markdown:    main region sanitised and converted to Markdown (default)
//   - density:     main region picked by text-to-markup density, plain text
//   - css:         regions matching CSS selectors, plain text
//   - readability: article extraction via go-readability
//   - auto:        css when selectors are given, density otherwise
//
// Extraction is a pure function of the raw bytes: the same input always
// yields the same text.
package extract

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Extraction modes.
const (
	ModeMarkdown    = "markdown"
	ModeDensity     = "density"
	ModeCSS         = "css"
	ModeReadability = "readability"
	ModeAuto        = "auto"
)

// ErrEmpty is returned when the page holds no usable text.
var ErrEmpty = errors.New("extract: no text content")

// Result is the output of content extraction.
type Result struct {
	Text  string // normalised text, one block per line
	Title string // page <title> if present
	Mode  string // mode that produced Text
	Hash  string // SHA-256 of Text
}

// Options controls extraction behaviour.
type Options struct {
	Mode       string   // see Mode* constants; default markdown
	Selectors  []string // CSS selectors for css/auto/markdown modes
	MinTextLen int      // minimum region text length (default: 50)
	PageURL    string   // used to resolve relative links in markdown/readability
}

func (o *Options) defaults() {
	if o.Mode == "" {
		o.Mode = ModeMarkdown
	}
	if o.MinTextLen <= 0 {
		o.MinTextLen = 50
	}
}

// Extract runs the extraction pipeline on raw HTML.
func Extract(rawHTML []byte, opts Options) (*Result, error) {
	opts.defaults()
	if len(bytes.TrimSpace(rawHTML)) == 0 {
		return nil, ErrEmpty
	}

	if opts.Mode == ModeReadability {
		return extractReadability(rawHTML, opts)
	}

	doc, err := html.Parse(bytes.NewReader(rawHTML))
	if err != nil {
		return nil, fmt.Errorf("extract: parse HTML: %w", err)
	}
	title := findTitle(doc)
	if opts.Mode != ModeCSS {
		pruneBoilerplate(doc)
	}

	var text string
	switch opts.Mode {
	case ModeCSS:
		nodes := selectAll(doc, opts.Selectors, opts.MinTextLen)
		if len(nodes) == 0 {
			return nil, fmt.Errorf("extract: no content matched selectors %v", opts.Selectors)
		}
		text = joinText(nodes)
	case ModeDensity:
		text = joinText(mainRegion(doc, nil, opts.MinTextLen))
	case ModeAuto:
		text = joinText(mainRegion(doc, opts.Selectors, opts.MinTextLen))
	case ModeMarkdown:
		text, err = toMarkdown(mainRegion(doc, opts.Selectors, opts.MinTextLen), opts.PageURL)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("extract: unknown mode %q", opts.Mode)
	}

	text = CleanText(text)
	if text == "" {
		return nil, ErrEmpty
	}
	return &Result{Text: text, Title: title, Mode: opts.Mode, Hash: hashText(text)}, nil
}

// mainRegion returns the nodes holding the page's main content: selector
// matches first, then semantic landmarks, then the densest subtree, then body.
func mainRegion(doc *html.Node, selectors []string, minLen int) []*html.Node {
	if len(selectors) > 0 {
		if nodes := selectAll(doc, selectors, minLen); len(nodes) > 0 {
			return nodes
		}
	}
	if nodes := landmarks(doc, minLen); len(nodes) > 0 {
		return nodes
	}
	body := findFirst(doc, atom.Body)
	if body == nil {
		body = doc
	}
	if best := densestNode(body, minLen); best != nil {
		return []*html.Node{best}
	}
	return []*html.Node{body}
}

func joinText(nodes []*html.Node) string {
	parts := make([]string, 0, len(nodes))
	for _, n := range nodes {
		if t := collectText(n); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, "\n\n")
}

// findTitle extracts the page <title> text.
func findTitle(doc *html.Node) string {
	t := findFirst(doc, atom.Title)
	if t == nil || t.FirstChild == nil {
		return ""
	}
	return strings.TrimSpace(t.FirstChild.Data)
}

func findFirst(root *html.Node, tag atom.Atom) *html.Node {
	if root.Type == html.ElementNode && root.DataAtom == tag {
		return root
	}
	for c := root.FirstChild; c != nil; c = c.NextSibling {
		if n := findFirst(c, tag); n != nil {
			return n
		}
	}
	return nil
}

func hashText(text string) string {
	h := sha256.Sum256([]byte(text))
	return fmt.Sprintf("%x", h)
}

func renderNode(n *html.Node) string {
	var buf bytes.Buffer
	html.Render(&buf, n)
	return buf.String()
}

// collectText extracts visible text from a subtree. Block-level elements
// start a new line so that line-based diffs stay meaningful.
func collectText(n *html.Node) string {
	var sb strings.Builder
	var f func(*html.Node)
	f = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			text := strings.TrimSpace(n.Data)
			if text == "" {
				return
			}
			if sb.Len() > 0 {
				last := sb.String()[sb.Len()-1]
				if last != '\n' {
					sb.WriteByte(' ')
				}
			}
			sb.WriteString(text)
			return
		case html.ElementNode:
			switch n.DataAtom {
			case atom.Script, atom.Style, atom.Noscript, atom.Template:
				return
			}
			if isBlock(n.DataAtom) && sb.Len() > 0 {
				sb.WriteByte('\n')
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			f(c)
		}
	}
	f(n)
	return strings.TrimSpace(sb.String())
}

func isBlock(a atom.Atom) bool {
	switch a {
	case atom.P, atom.Div, atom.Section, atom.Article, atom.Main,
		atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6,
		atom.Li, atom.Tr, atom.Br, atom.Blockquote, atom.Pre,
		atom.Dt, atom.Dd, atom.Figcaption, atom.Table, atom.Ul, atom.Ol:
		return true
	}
	return false
}

// isContentTag returns true for tags likely to contain main content.
func isContentTag(a atom.Atom) bool {
	switch a {
	case atom.Main, atom.Article, atom.Section, atom.Div, atom.P,
		atom.Blockquote, atom.Pre, atom.Ul, atom.Ol, atom.Table,
		atom.Dl, atom.Figure, atom.Details:
		return true
	}
	return false
}

// isBoilerplate checks if a node is likely boilerplate (nav, footer, cookie banner...).
func isBoilerplate(n *html.Node) bool {
	if n.Type != html.ElementNode {
		return false
	}
	switch n.DataAtom {
	case atom.Nav, atom.Footer, atom.Header, atom.Aside:
		return true
	}
	for _, attr := range n.Attr {
		switch attr.Key {
		case "class", "id":
			lower := strings.ToLower(attr.Val)
			for _, pattern := range boilerplatePatterns {
				if strings.Contains(lower, pattern) {
					return true
				}
			}
		case "role":
			switch attr.Val {
			case "navigation", "banner", "contentinfo", "complementary":
				return true
			}
		}
	}
	return false
}

var boilerplatePatterns = []string{
	"sidebar", "footer", "navbar", "menu", "breadcrumb",
	"cookie", "consent", "advert", "social", "share",
	"related", "widget", "popup", "modal", "newsletter",
}
