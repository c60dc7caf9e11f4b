package dom

import (
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html"
)

// HTMLNode adapts a parsed x/net/html element to Node.
type HTMLNode struct {
	n *html.Node
}

var _ Node = HTMLNode{}

// NewHTMLNode wraps n, which must be an element node.
func NewHTMLNode(n *html.Node) HTMLNode {
	return HTMLNode{n: n}
}

// Raw returns the wrapped node.
func (h HTMLNode) Raw() *html.Node { return h.n }

func (h HTMLNode) Tag() string { return h.n.Data }

func (h HTMLNode) Attr(name string) (string, bool) {
	for _, a := range h.n.Attr {
		if a.Namespace == "" && strings.EqualFold(a.Key, name) {
			return a.Val, true
		}
	}
	return "", false
}

func (h HTMLNode) Parent() Node {
	p := h.n.Parent
	if p == nil || p.Type != html.ElementNode {
		return nil
	}
	return HTMLNode{p}
}

func (h HTMLNode) Children() []Node {
	var out []Node
	for c := h.n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode {
			out = append(out, HTMLNode{c})
		}
	}
	return out
}

func (h HTMLNode) Text() string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(h.n)
	return sb.String()
}

func (h HTMLNode) Is(other Node) bool {
	o, ok := other.(HTMLNode)
	return ok && o.n == h.n
}

// Document is a parsed HTML document.
type Document struct {
	root *html.Node
}

// ParseHTML parses an HTML document or fragment.
func ParseHTML(r io.Reader) (*Document, error) {
	root, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parsing html: %w", err)
	}
	return &Document{root: root}, nil
}

// Body returns the body element. The HTML parser always creates one.
func (d *Document) Body() (HTMLNode, bool) {
	var body *html.Node
	d.walk(func(n *html.Node) bool {
		if n.Type == html.ElementNode && n.Data == "body" {
			body = n
			return false
		}
		return true
	})
	if body == nil {
		return HTMLNode{}, false
	}
	return HTMLNode{body}, true
}

// ByID returns the first element with the given id.
func (d *Document) ByID(id string) (HTMLNode, bool) {
	return d.first(func(h HTMLNode) bool {
		v, ok := h.Attr("id")
		return ok && strings.TrimSpace(v) == id
	})
}

// ByBID returns the first element whose bid or data-bid attribute is bid.
func (d *Document) ByBID(bid string) (HTMLNode, bool) {
	return d.first(func(h HTMLNode) bool {
		if v, ok := h.Attr("bid"); ok && v == bid {
			return true
		}
		v, ok := h.Attr("data-bid")
		return ok && v == bid
	})
}

// Elements returns every element in document order.
func (d *Document) Elements() []HTMLNode {
	var out []HTMLNode
	d.walk(func(n *html.Node) bool {
		if n.Type == html.ElementNode {
			out = append(out, HTMLNode{n})
		}
		return true
	})
	return out
}

func (d *Document) first(match func(HTMLNode) bool) (HTMLNode, bool) {
	var found *html.Node
	d.walk(func(n *html.Node) bool {
		if n.Type == html.ElementNode && match(HTMLNode{n}) {
			found = n
			return false
		}
		return true
	})
	if found == nil {
		return HTMLNode{}, false
	}
	return HTMLNode{found}, true
}

// walk visits nodes depth first until fn returns false.
func (d *Document) walk(fn func(*html.Node) bool) {
	var visit func(*html.Node) bool
	visit = func(n *html.Node) bool {
		if !fn(n) {
			return false
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if !visit(c) {
				return false
			}
		}
		return true
	}
	visit(d.root)
}
