package dom

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/event-capture/eventcapture/task"
)

const page = `<!doctype html>
<html><body>
  <div id="main">
    <form>
      <input id="q" name="query" type="text" value="abc">
      <input name="other" type="checkbox" class=" a  b ">
      <select name="color">
        <option value="r">Red</option>
        <option value="g" selected>Green</option>
      </select>
      <textarea name="notes">  some
         notes </textarea>
    </form>
  </div>
  <div>
    <p>first</p>
    <p>second <a href="/next" data-bid="42">next   page</a></p>
  </div>
  <button bid="7">Go</button>
</body></html>`

func parse(t *testing.T, src string) *Document {
	t.Helper()

	doc, err := ParseHTML(strings.NewReader(src))
	require.NoError(t, err)
	return doc
}

func find(t *testing.T, doc *Document, match func(HTMLNode) bool) HTMLNode {
	t.Helper()

	for _, e := range doc.Elements() {
		if match(e) {
			return e
		}
	}
	t.Fatal("element not found")
	return HTMLNode{}
}

func byTagText(tag, text string) func(HTMLNode) bool {
	return func(h HTMLNode) bool {
		return h.Tag() == tag && strings.Contains(h.Text(), text)
	}
}

func TestDescribe(t *testing.T) {
	t.Parallel()

	doc := parse(t, page)

	testCases := []struct {
		name  string
		match func(HTMLNode) bool
		check func(t *testing.T, d task.TargetDescriptor)
	}{
		{
			name: "input_with_id",
			match: func(h HTMLNode) bool {
				v, _ := h.Attr("id")
				return v == "q"
			},
			check: func(t *testing.T, d task.TargetDescriptor) {
				t.Helper()
				assert.Equal(t, "#q", d.Selector)
				assert.Equal(t, "input", d.Tag)
				assert.Equal(t, "query", d.Name)
				assert.Equal(t, "text", d.Type)
				assert.Equal(t, "abc", d.Value)
				assert.Empty(t, d.Classes)
				assert.NotNil(t, d.Classes)
			},
		},
		{
			name: "anchored_to_id_ancestor",
			match: func(h HTMLNode) bool {
				v, _ := h.Attr("name")
				return v == "other"
			},
			check: func(t *testing.T, d task.TargetDescriptor) {
				t.Helper()
				assert.Equal(t, "#main > form[1] > input[2]", d.Selector)
				assert.Equal(t, []string{"a", "b"}, d.Classes)
				assert.Empty(t, d.Value)
			},
		},
		{
			name:  "select_value",
			match: func(h HTMLNode) bool { return h.Tag() == "select" },
			check: func(t *testing.T, d task.TargetDescriptor) {
				t.Helper()
				assert.Equal(t, "g", d.Value)
				assert.Equal(t, "#main > form[1] > select[1]", d.Selector)
			},
		},
		{
			name:  "textarea_value",
			match: func(h HTMLNode) bool { return h.Tag() == "textarea" },
			check: func(t *testing.T, d task.TargetDescriptor) {
				t.Helper()
				assert.Contains(t, d.Value, "notes")
				assert.Equal(t, "some notes", d.TextSnippet)
			},
		},
		{
			name:  "link_up_to_body",
			match: byTagText("a", "next"),
			check: func(t *testing.T, d task.TargetDescriptor) {
				t.Helper()
				assert.Equal(t, "div[2] > p[2] > a[1]", d.Selector)
				assert.Equal(t, "/next", d.Href)
				assert.Equal(t, "next page", d.TextSnippet)
				assert.Equal(t, "42", d.BID)
			},
		},
		{
			name:  "bid_attribute",
			match: byTagText("button", "Go"),
			check: func(t *testing.T, d task.TargetDescriptor) {
				t.Helper()
				assert.Equal(t, "button[1]", d.Selector)
				assert.Equal(t, "7", d.BID)
			},
		},
		{
			name:  "body",
			match: func(h HTMLNode) bool { return h.Tag() == "body" },
			check: func(t *testing.T, d task.TargetDescriptor) {
				t.Helper()
				assert.Equal(t, "body", d.Selector)
				assert.LessOrEqual(t, len([]rune(d.TextSnippet)), MaxSnippetLen)
			},
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			n := find(t, doc, tc.match)
			d := Describe(n)
			tc.check(t, d)

			// The selector is idempotent and finds the element again.
			assert.Equal(t, d, Describe(n))
			back, ok := doc.Resolve(d.Selector)
			require.True(t, ok)
			assert.True(t, back.Is(n))
		})
	}
}

func TestSelectorTruncation(t *testing.T) {
	t.Parallel()

	src := "<body>" + strings.Repeat("<div>", 12) + "<span>deep</span>" + strings.Repeat("</div>", 12) + "</body>"
	doc := parse(t, src)
	span := find(t, doc, byTagText("span", "deep"))

	sel := Selector(span)
	assert.True(t, strings.HasPrefix(sel, TruncationMarker+" "), sel)
	assert.Equal(t, MaxSelectorDepth, strings.Count(sel, "[1]"))
	assert.True(t, strings.HasSuffix(sel, "div[1] > span[1]"), sel)
	assert.Equal(t, sel, Selector(span))
}

func TestSnippet(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "a b c", Snippet("  a \n\t b   c "))
	long := strings.Repeat("é", MaxSnippetLen+10)
	assert.Equal(t, MaxSnippetLen, len([]rune(Snippet(long))))
	assert.Equal(t, "", Snippet("   "))
}

func TestDescribeNil(t *testing.T) {
	t.Parallel()

	d := Describe(nil)
	assert.Empty(t, d.Selector)
	assert.NotNil(t, d.Classes)
}

func TestNormalize(t *testing.T) {
	t.Parallel()

	d := Normalize(task.TargetDescriptor{Tag: "BUTTON", TextSnippet: " click\n me "})
	assert.Equal(t, "button", d.Tag)
	assert.Equal(t, "click me", d.TextSnippet)
	assert.NotNil(t, d.Classes)
}
