package extract

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// pruneBoilerplate detaches navigation, footers, cookie banners and similar
// chrome from the document body. Headers inside <article> or <main> stay:
// they usually carry the headline.
func pruneBoilerplate(doc *html.Node) {
	var doomed []*html.Node
	var walk func(n *html.Node, inContent bool)
	walk = func(n *html.Node, inContent bool) {
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Body, atom.Html, atom.Head:
			case atom.Main, atom.Article:
				inContent = true
			default:
				if isBoilerplate(n) && !(inContent && n.DataAtom == atom.Header) {
					doomed = append(doomed, n)
					return
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c, inContent)
		}
	}
	walk(doc, false)
	for _, n := range doomed {
		if n.Parent != nil {
			n.Parent.RemoveChild(n)
		}
	}
}

type nodeScore struct {
	node     *html.Node
	textLen  int
	density  float64
	linkDens float64 // fraction of text inside <a>
}

// densestNode walks the subtree and returns the content node with the best
// combination of text density, text length and low link density.
func densestNode(root *html.Node, minLen int) *html.Node {
	var candidates []nodeScore

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type != html.ElementNode {
			return
		}
		defer func() {
			for c := n.FirstChild; c != nil; c = c.NextSibling {
				walk(c)
			}
		}()
		if !isContentTag(n.DataAtom) && n.DataAtom != atom.Body {
			return
		}
		textLen := len(collectText(n))
		if textLen < minLen {
			return
		}
		markupLen := len(renderNode(n))
		if markupLen == 0 {
			markupLen = 1
		}
		candidates = append(candidates, nodeScore{
			node:     n,
			textLen:  textLen,
			density:  float64(textLen) / float64(markupLen),
			linkDens: float64(len(collectLinkText(n))) / float64(textLen),
		})
	}
	walk(root)

	var best *nodeScore
	var bestScore float64
	for i := range candidates {
		c := &candidates[i]
		if c.linkDens > 0.5 {
			continue
		}
		score := c.density * logScale(c.textLen) * (1 - c.linkDens)
		if score > bestScore {
			bestScore = score
			best = c
		}
	}
	if best == nil {
		return nil
	}
	return best.node
}

// logScale grows by one for every doubling of n above 100.
func logScale(n int) float64 {
	if n <= 0 {
		return 0
	}
	scale := 1.0
	for v := n; v > 100; v /= 2 {
		scale++
	}
	return scale
}

// collectLinkText extracts text only from <a> elements.
func collectLinkText(n *html.Node) string {
	var sb strings.Builder
	var f func(*html.Node, bool)
	f = func(n *html.Node, inLink bool) {
		if n.Type == html.ElementNode && n.DataAtom == atom.A {
			inLink = true
		}
		if n.Type == html.TextNode && inLink {
			sb.WriteString(strings.TrimSpace(n.Data))
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			f(c, inLink)
		}
	}
	f(n, false)
	return sb.String()
}
