package dom

import "strings"

// Resolve finds the element that Selector would describe as sel. Selectors
// cut at MaxSelectorDepth may match several elements; the first one in
// document order wins.
func (d *Document) Resolve(sel string) (HTMLNode, bool) {
	sel = strings.TrimSpace(sel)
	if sel == "" {
		return HTMLNode{}, false
	}
	if strings.HasPrefix(sel, "#") && !strings.Contains(sel, selectorSep) {
		return d.ByID(sel[1:])
	}
	for _, e := range d.Elements() {
		if Selector(e) == sel {
			return e, true
		}
	}
	return HTMLNode{}, false
}
