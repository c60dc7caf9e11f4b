// Package verify checks that a recorded task log is usable as training
// data: records are ordered and stamped against the video, and every key
// action can be found again in the HTML observation captured before it.
package verify

import (
	"fmt"
	"strings"

	"github.com/event-capture/eventcapture/dom"
	"github.com/event-capture/eventcapture/task"
)

// Minimum share of paired actions whose target must be found in the
// observation, and maximum share of actions allowed to have no earlier
// observation.
const (
	MinFoundRatio      = 0.5
	MaxMisalignedRatio = 0.1
)

// Check is the outcome of one verification.
type Check struct {
	Name    string `json:"name"`
	Passed  bool   `json:"passed"`
	Message string `json:"message"`
}

// Pair is a key action together with the closest observation captured
// before it.
type Pair struct {
	Step          int              `json:"step"`
	Action        task.EventRecord `json:"action"`
	ObservedAt    int64            `json:"observedAt"`
	Aligned       bool             `json:"aligned"`
	BIDFound      *bool            `json:"bidFound,omitempty"`
	SelectorFound bool             `json:"selectorFound"`
}

// Report is the result of verifying one task log.
type Report struct {
	TaskID       string  `json:"taskId"`
	RawEvents    int     `json:"rawEvents"`
	Observations int     `json:"observations"`
	KeyActions   int     `json:"keyActions"`
	ValidPairs   int     `json:"validPairs"`
	Pairs        []Pair  `json:"pairs"`
	Checks       []Check `json:"checks"`
}

// Passed reports whether every check passed.
func (r *Report) Passed() bool {
	for _, c := range r.Checks {
		if !c.Passed {
			return false
		}
	}
	return true
}

func (r *Report) add(name string, passed bool, format string, args ...any) {
	r.Checks = append(r.Checks, Check{Name: name, Passed: passed, Message: fmt.Sprintf(format, args...)})
}

// Task verifies a finished task log.
func Task(l *task.Log) (*Report, error) {
	if l.Recording() {
		return nil, fmt.Errorf("task %q is still recording", l.ID)
	}

	var observations, events []task.EventRecord
	for _, e := range l.Events {
		if e.Type == task.EventHTMLCapture {
			observations = append(observations, e)
			continue
		}
		events = append(events, e)
	}

	r := &Report{
		TaskID:       l.ID,
		RawEvents:    len(events),
		Observations: len(observations),
	}

	r.add("Events Present", len(l.Events) > 0, "%d records", len(l.Events))
	checkOrder(r, l.Events)
	checkVideoOffsets(r, l)

	actions := KeyActions(events)
	r.KeyActions = len(actions)
	if len(observations) == 0 {
		r.add("Observations Present", true, "no html captures in this task, pairing skipped")
		return r, nil
	}

	pairs, err := PairActions(actions, observations)
	if err != nil {
		return nil, err
	}
	r.Pairs = pairs
	checkPairs(r)

	return r, nil
}

func checkOrder(r *Report, evs []task.EventRecord) {
	for i := 1; i < len(evs); i++ {
		if evs[i].Timestamp < evs[i-1].Timestamp {
			r.add("Timestamps Ordered", false, "record %d (%s) is %dms before its predecessor",
				i, evs[i].Type, evs[i-1].Timestamp-evs[i].Timestamp)
			return
		}
	}
	r.add("Timestamps Ordered", true, "timestamps never go backwards")
}

func checkVideoOffsets(r *Report, l *task.Log) {
	if l.VideoStartedAtMs == nil {
		r.add("Video Offsets", true, "task has no video")
		return
	}
	bad := 0
	for _, e := range l.Events {
		want := e.Timestamp - *l.VideoStartedAtMs
		if want < 0 {
			want = 0
		}
		if e.VideoOffsetMs == nil || *e.VideoOffsetMs != want {
			bad++
		}
	}
	r.add("Video Offsets", bad == 0, "%d/%d records have a wrong video offset", bad, len(l.Events))
}

func checkPairs(r *Report) {
	var (
		misaligned int
		tracked    int
		bidFound   int
		selFound   int
	)
	for _, p := range r.Pairs {
		if !p.Aligned {
			misaligned++
		}
		if p.BIDFound != nil {
			tracked++
			if *p.BIDFound {
				bidFound++
			}
		}
		if p.SelectorFound {
			selFound++
		}
		if p.SelectorFound || (p.BIDFound != nil && *p.BIDFound) {
			r.ValidPairs++
		}
	}

	n := len(r.Pairs)
	r.add("Observations Present", r.Observations > 0, "%d observations for %d key actions", r.Observations, r.KeyActions)
	r.add("Temporal Alignment", float64(misaligned) <= float64(n)*MaxMisalignedRatio,
		"%d/%d actions have no earlier observation", misaligned, n)

	if tracked == 0 {
		r.add("BID-HTML Presence", true, "no bids recorded")
	} else {
		ratio := float64(bidFound) / float64(tracked)
		r.add("BID-HTML Presence", ratio >= MinFoundRatio, "%d/%d (%.0f%%) bids found in html", bidFound, tracked, ratio*100)
	}

	if n == 0 {
		r.add("Selector Resolution", true, "no key actions")
		return
	}
	ratio := float64(selFound) / float64(n)
	r.add("Selector Resolution", ratio >= MinFoundRatio, "%d/%d (%.0f%%) selectors resolve in html", selFound, n, ratio*100)
}

func elementKey(e task.EventRecord) string {
	if e.Target.BID != "" {
		return "bid:" + e.Target.BID
	}
	return "sel:" + e.Target.Selector
}

// KeyActions reduces events to one action per element interaction: the
// last non-empty input of a text field, the last click of a select, and
// the last click, submit or pointerdown of anything else. Synthetic
// navigation records are kept as they are.
func KeyActions(events []task.EventRecord) []task.EventRecord {
	var (
		order  []string
		groups = map[string][]task.EventRecord{}
		out    []task.EventRecord
	)
	flush := func() {
		for _, k := range order {
			if a, ok := keyAction(groups[k]); ok {
				out = append(out, a)
			}
		}
		order = order[:0]
		groups = map[string][]task.EventRecord{}
	}

	for _, e := range events {
		if e.Type == task.EventNavigation || e.Type == task.EventNewTab {
			flush()
			out = append(out, e)
			continue
		}
		k := elementKey(e)
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], e)
	}
	flush()

	return out
}

func keyAction(evs []task.EventRecord) (task.EventRecord, bool) {
	if len(evs) == 0 {
		return task.EventRecord{}, false
	}
	switch strings.ToLower(evs[0].Target.Tag) {
	case "input", "textarea":
		for i := len(evs) - 1; i >= 0; i-- {
			e := evs[i]
			if (e.Type == "input" || e.Type == "change") && e.Value != nil && *e.Value != "" {
				return e, true
			}
		}
		return task.EventRecord{}, false
	case "select":
		return lastOf(evs, "click", "change")
	}
	return lastOf(evs, "click", "submit", "pointerdown")
}

func lastOf(evs []task.EventRecord, types ...string) (task.EventRecord, bool) {
	for i := len(evs) - 1; i >= 0; i-- {
		for _, t := range types {
			if evs[i].Type == t {
				return evs[i], true
			}
		}
	}
	return task.EventRecord{}, false
}

// PairActions pairs every action with the latest observation captured
// before it, or with the first observation when none was. Both slices
// must be ordered by timestamp.
func PairActions(actions, observations []task.EventRecord) ([]Pair, error) {
	if len(observations) == 0 {
		return nil, nil
	}

	docs := make([]*dom.Document, len(observations))
	doc := func(i int) (*dom.Document, error) {
		if docs[i] == nil {
			d, err := dom.ParseHTML(strings.NewReader(observations[i].HTML))
			if err != nil {
				return nil, fmt.Errorf("observation at %d: %w", observations[i].Timestamp, err)
			}
			docs[i] = d
		}
		return docs[i], nil
	}

	pairs := make([]Pair, 0, len(actions))
	j := 0
	for i, a := range actions {
		for j+1 < len(observations) && observations[j+1].Timestamp < a.Timestamp {
			j++
		}
		obs := observations[j]
		p := Pair{
			Step:       i + 1,
			Action:     a,
			ObservedAt: obs.Timestamp,
			Aligned:    obs.Timestamp <= a.Timestamp,
		}

		if a.Type != task.EventNavigation && a.Type != task.EventNewTab {
			d, err := doc(j)
			if err != nil {
				return nil, err
			}
			if a.Target.BID != "" {
				_, found := d.ByBID(a.Target.BID)
				p.BIDFound = &found
			}
			_, p.SelectorFound = d.Resolve(a.Target.Selector)
		} else {
			p.SelectorFound = true
		}
		pairs = append(pairs, p)
	}

	return pairs, nil
}

// StripHTML returns a copy of l without html captures' content, for
// exports where the documents would dominate the size.
func StripHTML(l *task.Log) *task.Log {
	cp := l.Snapshot()
	for i := range cp.Events {
		cp.Events[i].HTML = ""
	}
	return cp
}
