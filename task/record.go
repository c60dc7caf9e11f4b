// Package task holds the data model of a recorded task: the event records
// captured from a page, the task log they are appended to and the session
// state that ties a running recording to a tab.
package task

// Synthetic event types produced by the session controller rather than by
// a DOM listener.
const (
	EventNavigation  = "navigation"
	EventNewTab      = "newTab"
	EventHTMLCapture = "htmlCapture"
)

// Bounds is an element's bounding box in CSS pixels.
type Bounds struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// TargetDescriptor is a serializable summary of the element an event was
// dispatched on.
type TargetDescriptor struct {
	Tag         string   `json:"tag"`
	ID          string   `json:"id,omitempty"`
	Classes     []string `json:"classes"`
	Name        string   `json:"name,omitempty"`
	Type        string   `json:"type,omitempty"`
	Value       string   `json:"value,omitempty"`
	Href        string   `json:"href,omitempty"`
	TextSnippet string   `json:"textSnippet,omitempty"`
	Selector    string   `json:"selector"`
	Bounds      *Bounds  `json:"bounds,omitempty"`
	BID         string   `json:"bid,omitempty"`
}

// EventRecord is one user interaction, or one synthetic record, as it is
// stored in a task log and sent to the ingestion service.
type EventRecord struct {
	Type          string           `json:"type"`
	Timestamp     int64            `json:"timestamp"`
	Target        TargetDescriptor `json:"target"`
	URL           string           `json:"url,omitempty"`
	Value         *string          `json:"value,omitempty"`
	Key           string           `json:"key,omitempty"`
	ScrollX       *int             `json:"scrollX,omitempty"`
	ScrollY       *int             `json:"scrollY,omitempty"`
	ToURL         string           `json:"toUrl,omitempty"`
	VideoOffsetMs *int64           `json:"videoOffsetMs,omitempty"`
	HTML          string           `json:"html,omitempty"`
}

// String returns a pointer to s. Handy for optional record fields.
func String(s string) *string { return &s }

// Int returns a pointer to i.
func Int(i int) *int { return &i }

// Int64 returns a pointer to i.
func Int64(i int64) *int64 { return &i }
