package extract

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// selectAll returns every node matching one of the selectors whose visible
// text reaches minLen. Nested matches are kept once, outermost first.
//
// Supported selector subset:
//   - tag: "article", "main"
//   - .class: ".content"
//   - #id: "#main-content"
//   - tag.class, tag#id
//   - tag[attr], tag[attr=val]
//   - space-separated descendant chains
func selectAll(doc *html.Node, selectors []string, minLen int) []*html.Node {
	var out []*html.Node
	seen := make(map[*html.Node]bool)
	for _, sel := range selectors {
		for _, n := range querySelectorAll(doc, sel) {
			if seen[n] || hasAncestorIn(n, seen) {
				continue
			}
			if len(collectText(n)) < minLen {
				continue
			}
			seen[n] = true
			out = append(out, n)
		}
	}
	return out
}

func hasAncestorIn(n *html.Node, set map[*html.Node]bool) bool {
	for p := n.Parent; p != nil; p = p.Parent {
		if set[p] {
			return true
		}
	}
	return false
}

// querySelectorAll returns all nodes matching a simple CSS selector.
func querySelectorAll(doc *html.Node, selector string) []*html.Node {
	parts := strings.Fields(selector)
	if len(parts) == 0 {
		return nil
	}

	matches := matchSimple(doc, parts[0], false)
	for i := 1; i < len(parts); i++ {
		var next []*html.Node
		dedup := make(map[*html.Node]bool)
		for _, parent := range matches {
			for _, m := range matchSimple(parent, parts[i], true) {
				if !dedup[m] {
					dedup[m] = true
					next = append(next, m)
				}
			}
		}
		matches = next
	}
	return matches
}

// matchSimple finds all nodes under root matching one selector part.
// descendantsOnly excludes root itself.
func matchSimple(root *html.Node, sel string, descendantsOnly bool) []*html.Node {
	m := parseSimpleSelector(sel)
	var results []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if (n != root || !descendantsOnly) && matchesSelector(n, m) {
			results = append(results, n)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return results
}

type simpleSelector struct {
	tag     string
	id      string
	class   string
	attrKey string
	attrVal string
}

// parseSimpleSelector parses "tag.class", "#id", "tag[attr=val]", etc.
func parseSimpleSelector(sel string) simpleSelector {
	var s simpleSelector

	if idx := strings.IndexByte(sel, '['); idx >= 0 {
		attrPart := strings.TrimRight(sel[idx+1:], "]")
		sel = sel[:idx]
		if eq := strings.IndexByte(attrPart, '='); eq >= 0 {
			s.attrKey = attrPart[:eq]
			s.attrVal = strings.Trim(attrPart[eq+1:], `"'`)
		} else {
			s.attrKey = attrPart
		}
	}
	if idx := strings.IndexByte(sel, '#'); idx >= 0 {
		s.id = sel[idx+1:]
		sel = sel[:idx]
	}
	if idx := strings.IndexByte(sel, '.'); idx >= 0 {
		s.class = sel[idx+1:]
		sel = sel[:idx]
	}
	s.tag = strings.ToLower(sel)
	return s
}

func matchesSelector(n *html.Node, s simpleSelector) bool {
	if n.Type != html.ElementNode {
		return false
	}
	if s.tag != "" && n.Data != s.tag {
		return false
	}
	if s.id != "" && getAttr(n, "id") != s.id {
		return false
	}
	if s.class != "" {
		found := false
		for _, c := range strings.Fields(getAttr(n, "class")) {
			if c == s.class {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if s.attrKey != "" {
		if !hasAttr(n, s.attrKey) {
			return false
		}
		if s.attrVal != "" && getAttr(n, s.attrKey) != s.attrVal {
			return false
		}
	}
	return true
}

func getAttr(n *html.Node, key string) string {
	for _, attr := range n.Attr {
		if attr.Key == key {
			return attr.Val
		}
	}
	return ""
}

func hasAttr(n *html.Node, key string) bool {
	for _, attr := range n.Attr {
		if attr.Key == key {
			return true
		}
	}
	return false
}

// landmarks returns the first non-empty set of <main> or <article>
// elements that carry at least minLen characters of text.
func landmarks(doc *html.Node, minLen int) []*html.Node {
	for _, tag := range []atom.Atom{atom.Main, atom.Article} {
		var keep []*html.Node
		for _, n := range findAllByTag(doc, tag) {
			if isBoilerplate(n) || len(collectText(n)) < minLen {
				continue
			}
			keep = append(keep, n)
		}
		if len(keep) > 0 {
			return keep
		}
	}
	return nil
}

func findAllByTag(root *html.Node, tag atom.Atom) []*html.Node {
	var results []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.DataAtom == tag {
			results = append(results, n)
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return results
}
