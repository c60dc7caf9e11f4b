// Package recorder turns raw sensor events from one document into event
// records. Each document gets its own Recorder; a Manager routes sensor
// messages to them and retires them on navigation and stop.
package recorder

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/event-capture/eventcapture/bus"
	"github.com/event-capture/eventcapture/dom"
	"github.com/event-capture/eventcapture/eventconfig"
	"github.com/event-capture/eventcapture/log"
	"github.com/event-capture/eventcapture/task"
)

// Default coalescing windows.
const (
	DefaultInputWindow  = 250 * time.Millisecond
	DefaultScrollWindow = 150 * time.Millisecond
)

// Options tune a Recorder.
type Options struct {
	// InputWindow is the quiet period after which a debounced input emits.
	InputWindow time.Duration
	// ScrollWindow is the quiet period after which a debounced scroll emits.
	ScrollWindow time.Duration
	// HTMLCapture keeps htmlCapture observations sent by the sensor.
	HTMLCapture bool
}

// DefaultOptions returns the default recorder options.
func DefaultOptions() Options {
	return Options{
		InputWindow:  DefaultInputWindow,
		ScrollWindow: DefaultScrollWindow,
	}
}

func (o Options) withDefaults() Options {
	if o.InputWindow <= 0 {
		o.InputWindow = DefaultInputWindow
	}
	if o.ScrollWindow <= 0 {
		o.ScrollWindow = DefaultScrollWindow
	}
	return o
}

// State is the lifecycle state of a Recorder.
type State int

// Recorder states. StateStopped is terminal.
const (
	StateLoading State = iota
	StateArmed
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateArmed:
		return "armed"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

type pending struct {
	ev    bus.SensorEvent
	seq   int
	last  uint64 // fires counter at the latest event of the window
	timer *time.Timer
}

// Recorder coalesces and emits the events of one document.
type Recorder struct {
	tabID  string
	gen    int64
	opts   Options
	pub    bus.Publisher
	logger *log.Logger
	now    func() int64

	mu         sync.Mutex
	state      State
	taskID     string
	config     eventconfig.Config
	lastTS int64
	fires  uint64
	inputs map[string]*pending
	scroll *pending
}

// New creates a Recorder in the loading state.
func New(
	tabID string, gen int64, cfg eventconfig.Config,
	pub bus.Publisher, logger *log.Logger, opts Options,
) *Recorder {
	return &Recorder{
		tabID:  tabID,
		gen:    gen,
		opts:   opts.withDefaults(),
		pub:    pub,
		logger: logger,
		now:    task.Now,
		config: cfg,
		inputs: make(map[string]*pending),
	}
}

// State returns the current state.
func (r *Recorder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// TaskID returns the task the recorder is armed for.
func (r *Recorder) TaskID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.taskID
}

// Arm starts recording for taskID. Arming an already armed recorder for
// the same task is a no-op.
func (r *Recorder) Arm(taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.state {
	case StateLoading:
		r.state = StateArmed
		r.taskID = taskID
		r.logger.Debugf("Recorder:Arm", "tab:%s gen:%d task:%s", r.tabID, r.gen, taskID)
		return nil
	case StateArmed:
		if r.taskID == taskID {
			return nil
		}
		return fmt.Errorf("recorder for tab %s already armed for task %s", r.tabID, r.taskID)
	}
	return fmt.Errorf("arming %s recorder for tab %s", r.state, r.tabID)
}

// Reconfigure swaps the listener set. Events already waiting in a
// coalescing window are kept.
func (r *Recorder) Reconfigure(cfg eventconfig.Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.config = cfg
}

// Handle processes one raw event. Events for names the config doesn't
// enable, and events that arrive while not armed, are dropped.
func (r *Recorder) Handle(ev bus.SensorEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateArmed {
		r.logger.Debugf("Recorder:Handle", "tab:%s gen:%d dropping %q while %s", r.tabID, r.gen, ev.Name, r.state)
		return
	}

	class, ok := r.config.ClassOf(ev.Name)
	if ev.Name == task.EventHTMLCapture {
		class, ok = eventconfig.Immediate, r.opts.HTMLCapture
	}
	if !ok {
		return
	}

	switch class {
	case eventconfig.DebouncedInput:
		key := ev.Target.Selector
		p := r.inputs[key]
		if p == nil {
			p = &pending{}
			r.inputs[key] = p
		} else {
			p.timer.Stop()
		}
		r.fires++
		p.ev = ev
		p.last = r.fires
		p.seq++
		seq := p.seq
		p.timer = time.AfterFunc(r.opts.InputWindow, func() { r.fireInput(key, p, seq) })
	case eventconfig.DebouncedScroll:
		p := r.scroll
		if p == nil {
			p = &pending{}
			r.scroll = p
		} else {
			p.timer.Stop()
		}
		r.fires++
		p.ev = ev
		p.last = r.fires
		p.seq++
		seq := p.seq
		p.timer = time.AfterFunc(r.opts.ScrollWindow, func() { r.fireScroll(p, seq) })
	default:
		ts := ev.Timestamp
		if ts == 0 {
			ts = r.now()
		}
		r.emitLocked(r.record(ev, ts))
	}
}

// Stop flushes every pending coalescing window, in the order the windows
// last saw an event, and moves the recorder to the terminal state. It
// returns the number of records flushed.
func (r *Recorder) Stop() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateArmed {
		r.state = StateStopped
		return 0
	}
	r.state = StateStopping

	open := make([]*pending, 0, len(r.inputs)+1)
	for _, p := range r.inputs {
		open = append(open, p)
	}
	if r.scroll != nil {
		open = append(open, r.scroll)
	}
	sort.Slice(open, func(i, j int) bool { return open[i].last < open[j].last })

	now := r.now()
	recs := make([]task.EventRecord, 0, len(open))
	for _, p := range open {
		p.timer.Stop()
		recs = append(recs, r.record(p.ev, now))
	}
	r.inputs = make(map[string]*pending)
	r.scroll = nil

	if len(recs) > 0 {
		r.emitLocked(recs...)
	}
	r.state = StateStopped
	r.logger.Debugf("Recorder:Stop", "tab:%s gen:%d task:%s flushed:%d", r.tabID, r.gen, r.taskID, len(recs))

	return len(recs)
}

func (r *Recorder) fireInput(key string, p *pending, seq int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateArmed || r.inputs[key] != p || p.seq != seq {
		return
	}
	delete(r.inputs, key)
	r.emitLocked(r.record(p.ev, r.now()))
}

func (r *Recorder) fireScroll(p *pending, seq int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateArmed || r.scroll != p || p.seq != seq {
		return
	}
	r.scroll = nil
	r.emitLocked(r.record(p.ev, r.now()))
}

func (r *Recorder) record(ev bus.SensorEvent, ts int64) task.EventRecord {
	return task.EventRecord{
		Type:      ev.Name,
		Timestamp: ts,
		Target:    dom.Normalize(ev.Target),
		URL:       ev.URL,
		Value:     ev.Value,
		Key:       ev.Key,
		ScrollX:   ev.ScrollX,
		ScrollY:   ev.ScrollY,
		HTML:      ev.HTML,
	}
}

// emitLocked publishes recs in order, clamping timestamps so that they
// never go backwards within this document.
func (r *Recorder) emitLocked(recs ...task.EventRecord) {
	for i := range recs {
		if recs[i].Timestamp < r.lastTS {
			recs[i].Timestamp = r.lastTS
		}
		r.lastTS = recs[i].Timestamp
	}
	r.pub.Publish(bus.Records{
		TabID:      r.tabID,
		Generation: r.gen,
		TaskID:     r.taskID,
		Records:    recs,
	})
}
