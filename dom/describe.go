// Package dom turns DOM elements into target descriptors: a serializable
// summary of an element plus a selector that finds it again.
package dom

import (
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/event-capture/eventcapture/task"
)

const (
	// MaxSnippetLen bounds TargetDescriptor.TextSnippet, in runes.
	MaxSnippetLen = 120
	// MaxSelectorDepth bounds the number of tag[n] steps in a selector.
	MaxSelectorDepth = 8
	// TruncationMarker prefixes selectors that hit MaxSelectorDepth.
	TruncationMarker = "…>"

	selectorSep = " > "
)

// Node is the read-only view of a DOM element Describe needs.
// Implementations must return nil from Parent at the document root.
type Node interface {
	Tag() string
	Attr(name string) (string, bool)
	Parent() Node
	Children() []Node
	Text() string
	Is(other Node) bool
}

// Valuer is implemented by nodes that know the live value of a form control,
// which may differ from its value attribute.
type Valuer interface {
	Value() (string, bool)
}

// Boxer is implemented by nodes that know their layout box.
type Boxer interface {
	Bounds() (task.Bounds, bool)
}

// Describe summarizes n. It never panics on missing attributes; absent
// attributes yield empty fields.
func Describe(n Node) task.TargetDescriptor {
	if n == nil {
		return task.TargetDescriptor{Classes: []string{}}
	}

	d := task.TargetDescriptor{
		Tag:      strings.ToLower(n.Tag()),
		ID:       attr(n, "id"),
		Classes:  strings.Fields(attr(n, "class")),
		Name:     attr(n, "name"),
		Type:     attr(n, "type"),
		Href:     attr(n, "href"),
		Selector: Selector(n),
	}
	if d.Classes == nil {
		d.Classes = []string{}
	}
	if bid := attr(n, "bid"); bid != "" {
		d.BID = bid
	} else {
		d.BID = attr(n, "data-bid")
	}
	if v, ok := value(n); ok {
		d.Value = v
	}
	d.TextSnippet = Snippet(n.Text())
	if b, ok := n.(Boxer); ok {
		if box, ok := b.Bounds(); ok {
			d.Bounds = &box
		}
	}

	return d
}

// Normalize applies the descriptor bounds to a descriptor built elsewhere,
// such as in the page itself.
func Normalize(d task.TargetDescriptor) task.TargetDescriptor {
	d.Tag = strings.ToLower(d.Tag)
	d.TextSnippet = Snippet(d.TextSnippet)
	if d.Classes == nil {
		d.Classes = []string{}
	}
	return d
}

// Snippet collapses whitespace in s and truncates it to MaxSnippetLen runes.
func Snippet(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= MaxSnippetLen {
		return s
	}
	r := []rune(s)
	return string(r[:MaxSnippetLen])
}

// Selector returns a path that finds n again in the same document: #id when
// n has one, otherwise tag[n] steps up to the nearest id-bearing ancestor
// or body.
func Selector(n Node) string {
	if id := attr(n, "id"); id != "" {
		return "#" + id
	}

	var (
		steps  []string
		anchor string
		cur    = n
	)
	for cur != nil {
		tag := strings.ToLower(cur.Tag())
		if tag == "body" || tag == "html" {
			if len(steps) == 0 {
				steps = append(steps, tag)
			}
			break
		}
		if id := attr(cur, "id"); id != "" {
			anchor = "#" + id
			break
		}
		steps = append(steps, tag+"["+strconv.Itoa(sameTagIndex(cur))+"]")
		cur = cur.Parent()
	}

	truncated := false
	if len(steps) > MaxSelectorDepth {
		steps = steps[:MaxSelectorDepth]
		truncated = true
		anchor = ""
	}

	// steps were collected leaf first
	for i, j := 0, len(steps)-1; i < j; i, j = i+1, j-1 {
		steps[i], steps[j] = steps[j], steps[i]
	}
	sel := strings.Join(steps, selectorSep)
	switch {
	case truncated:
		return TruncationMarker + " " + sel
	case anchor != "":
		return anchor + selectorSep + sel
	}
	return sel
}

func sameTagIndex(n Node) int {
	p := n.Parent()
	if p == nil {
		return 1
	}
	tag := strings.ToLower(n.Tag())
	idx := 0
	for _, c := range p.Children() {
		if strings.ToLower(c.Tag()) != tag {
			continue
		}
		idx++
		if c.Is(n) {
			return idx
		}
	}
	return 1
}

func attr(n Node, name string) string {
	v, _ := n.Attr(name)
	return strings.TrimSpace(v)
}

func value(n Node) (string, bool) {
	if v, ok := n.(Valuer); ok {
		if s, ok := v.Value(); ok {
			return s, true
		}
	}
	switch strings.ToLower(n.Tag()) {
	case "input", "option", "button":
		return n.Attr("value")
	case "textarea":
		return n.Text(), true
	case "select":
		var first string
		for i, c := range n.Children() {
			v, ok := c.Attr("value")
			if !ok {
				v = strings.TrimSpace(c.Text())
			}
			if i == 0 {
				first = v
			}
			if _, sel := c.Attr("selected"); sel {
				return v, true
			}
		}
		return first, len(n.Children()) > 0
	}
	return "", false
}
