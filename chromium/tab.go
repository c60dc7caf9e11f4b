package chromium

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/chromedp/cdproto"
	cdppage "github.com/chromedp/cdproto/page"
	cdpruntime "github.com/chromedp/cdproto/runtime"

	"github.com/event-capture/eventcapture/bus"
	"github.com/event-capture/eventcapture/cdp"
	"github.com/event-capture/eventcapture/eventconfig"
	"github.com/event-capture/eventcapture/js"
	"github.com/event-capture/eventcapture/log"
)

// BindingName is the runtime binding the sensor reports through.
const BindingName = "__eventCaptureEmit"

// ErrSensorUnbound is returned when the sensor was evaluated in a document
// that doesn't have the binding yet.
var ErrSensorUnbound = errors.New("sensor binding missing")

// sensorMessage is what the sensor passes to the binding.
type sensorMessage struct {
	Kind     string            `json:"kind"`
	TaskID   string            `json:"taskId"`
	URL      string            `json:"url"`
	Reloaded bool              `json:"reloaded"`
	Events   []bus.SensorEvent `json:"events"`
}

// sensorOptions is the argument of js.RecorderScript.
type sensorOptions struct {
	Binding     string   `json:"binding"`
	TaskID      string   `json:"taskId"`
	Listeners   []string `json:"listeners"`
	Wildcard    bool     `json:"wildcard"`
	HTMLCapture bool     `json:"htmlCapture"`
}

// Tab drives one page target. It numbers the documents loaded in the tab,
// translates sensor binding calls into bus messages stamped with the
// document generation, and injects, reconfigures and stops the sensor.
type Tab struct {
	id        string
	sessionID string
	ctx       context.Context
	cancel    context.CancelFunc
	client    *cdp.Client
	bus       bus.Publisher
	logger    *log.Logger

	mu          sync.Mutex
	generation  int64
	url         string
	sensorTask  string
	stopWaiters map[string][]chan struct{}
}

func newTab(
	ctx context.Context, client *cdp.Client, pub bus.Publisher, logger *log.Logger,
	targetID, sessionID, url string,
) *Tab {
	ctx, cancel := context.WithCancel(cdp.WithSessionID(ctx, sessionID))
	return &Tab{
		id:          targetID,
		sessionID:   sessionID,
		ctx:         ctx,
		cancel:      cancel,
		client:      client,
		bus:         pub,
		logger:      logger,
		generation:  1,
		url:         url,
		stopWaiters: make(map[string][]chan struct{}),
	}
}

// ID returns the target ID of the tab.
func (t *Tab) ID() string { return t.id }

// SessionID returns the CDP session the tab is attached with.
func (t *Tab) SessionID() string { return t.sessionID }

// URL returns the URL of the current top document.
func (t *Tab) URL() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.url
}

// Generation returns the number of the current top document.
func (t *Tab) Generation() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.generation
}

func (t *Tab) attach() error {
	evts, _ := t.client.Subscribe(t.ctx,
		cdproto.EventRuntimeBindingCalled,
		cdproto.EventPageFrameNavigated,
	)
	go t.loop(evts)

	if err := t.client.Page.Enable(t.ctx); err != nil {
		return fmt.Errorf("attaching to tab %s: %w", t.id, err)
	}
	if err := t.client.Runtime.Enable(t.ctx); err != nil {
		return fmt.Errorf("attaching to tab %s: %w", t.id, err)
	}
	if err := t.client.Runtime.AddBinding(t.ctx, BindingName); err != nil {
		return fmt.Errorf("attaching to tab %s: %w", t.id, err)
	}
	return nil
}

func (t *Tab) detach() {
	t.cancel()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.releaseWaitersLocked("")
}

func (t *Tab) loop(evts <-chan *cdp.Event) {
	for evt := range evts {
		switch ev := evt.Data.(type) {
		case *cdpruntime.EventBindingCalled:
			if ev.Name == BindingName {
				t.onBinding(ev.Payload)
			}
		case *cdppage.EventFrameNavigated:
			if ev.Frame != nil && ev.Frame.ParentID == "" {
				t.onNavigated(ev.Frame.URL)
			}
		}
	}
	t.logger.Debugf("Tab:loop", "tid:%s done", t.id)
}

func (t *Tab) onNavigated(url string) {
	t.mu.Lock()
	t.generation++
	gen := t.generation
	t.url = url
	// the sensor went away with the previous document
	t.sensorTask = ""
	t.releaseWaitersLocked("")
	t.mu.Unlock()

	t.logger.Debugf("Tab:onNavigated", "tid:%s gen:%d url:%q", t.id, gen, url)
	t.bus.Publish(bus.Navigated{TabID: t.id, Generation: gen, URL: url})
}

func (t *Tab) onBinding(payload string) {
	var msg sensorMessage
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		t.logger.Warnf("Tab:onBinding", "tid:%s decoding sensor message: %v", t.id, err)
		return
	}

	t.mu.Lock()
	gen := t.generation
	if msg.Kind == "stopped" {
		t.releaseWaitersLocked(msg.TaskID)
	}
	t.mu.Unlock()

	switch msg.Kind {
	case "ready":
		t.bus.Publish(bus.SensorReady{
			TabID:      t.id,
			Generation: gen,
			TaskID:     msg.TaskID,
			URL:        msg.URL,
			Reloaded:   msg.Reloaded,
		})
	case "events":
		if len(msg.Events) == 0 {
			return
		}
		t.bus.Publish(bus.SensorEvents{
			TabID:      t.id,
			Generation: gen,
			TaskID:     msg.TaskID,
			Events:     msg.Events,
		})
	case "stopped":
	default:
		t.logger.Debugf("Tab:onBinding", "tid:%s unknown sensor message %q", t.id, msg.Kind)
	}
}

// releaseWaitersLocked wakes StopSensor calls waiting on taskID, or every
// one of them when taskID is empty.
func (t *Tab) releaseWaitersLocked(taskID string) {
	for k, chs := range t.stopWaiters {
		if taskID != "" && k != taskID {
			continue
		}
		for _, ch := range chs {
			close(ch)
		}
		delete(t.stopWaiters, k)
	}
}

// Inject evaluates the sensor in the current document for taskID. The
// sensor acknowledges through the binding; Inject doesn't wait for it.
func (t *Tab) Inject(ctx context.Context, taskID string, cfg eventconfig.Config, htmlCapture bool) error {
	opts, err := json.Marshal(sensorOptions{
		Binding:     BindingName,
		TaskID:      taskID,
		Listeners:   cfg.Names(),
		Wildcard:    cfg.Wildcard,
		HTMLCapture: htmlCapture,
	})
	if err != nil {
		return fmt.Errorf("encoding sensor options: %w", err)
	}

	raw, err := t.client.Runtime.Evaluate(t.sessionCtx(ctx), "("+js.RecorderScript+")("+string(opts)+")")
	if err != nil {
		return fmt.Errorf("injecting sensor into tab %s: %w", t.id, err)
	}

	var res struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return fmt.Errorf("injecting sensor into tab %s: decoding result: %w", t.id, err)
	}
	t.logger.Debugf("Tab:Inject", "tid:%s task:%s status:%s", t.id, taskID, res.Status)
	if res.Status == "unbound" {
		if err := t.client.Runtime.AddBinding(t.sessionCtx(ctx), BindingName); err != nil {
			t.logger.Warnf("Tab:Inject", "tid:%s %v", t.id, err)
		}
		return fmt.Errorf("injecting sensor into tab %s: %w", t.id, ErrSensorUnbound)
	}

	t.mu.Lock()
	t.sensorTask = taskID
	t.mu.Unlock()

	return nil
}

// Reconfigure swaps the listeners of a running sensor.
func (t *Tab) Reconfigure(ctx context.Context, cfg eventconfig.Config) error {
	t.mu.Lock()
	active := t.sensorTask != ""
	t.mu.Unlock()
	if !active {
		return nil
	}

	names, err := json.Marshal(cfg.Names())
	if err != nil {
		return fmt.Errorf("encoding listeners: %w", err)
	}
	expr := fmt.Sprintf(
		`(() => { const r = window[%q]; return !!(r && r.reconfigure(%s, %t)); })()`,
		js.SentinelName, names, cfg.Wildcard)
	if _, err := t.client.Runtime.Evaluate(t.sessionCtx(ctx), expr); err != nil {
		return fmt.Errorf("reconfiguring sensor in tab %s: %w", t.id, err)
	}
	return nil
}

// StopSensor stops the sensor recording taskID and waits until the events
// it still held have been published, or ctx is done.
func (t *Tab) StopSensor(ctx context.Context, taskID string) error {
	t.mu.Lock()
	if t.sensorTask != taskID {
		t.mu.Unlock()
		return nil
	}
	t.sensorTask = ""
	done := make(chan struct{})
	t.stopWaiters[taskID] = append(t.stopWaiters[taskID], done)
	t.mu.Unlock()

	expr := fmt.Sprintf(
		`(() => { const r = window[%q]; return !!(r && r.taskId === %q && r.stop()); })()`,
		js.SentinelName, taskID)
	raw, err := t.client.Runtime.Evaluate(t.sessionCtx(ctx), expr)
	var stopped bool
	if err == nil {
		err = json.Unmarshal(raw, &stopped)
	}
	if err != nil || !stopped {
		t.mu.Lock()
		t.releaseWaitersLocked(taskID)
		t.mu.Unlock()
		if err != nil {
			return fmt.Errorf("stopping sensor in tab %s: %w", t.id, err)
		}
		return nil
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stopping sensor in tab %s: %w", t.id, ctx.Err())
	}
}

// Navigate loads url in the tab.
func (t *Tab) Navigate(ctx context.Context, url string) error {
	_, err := t.client.Page.Navigate(t.sessionCtx(ctx), url)
	return err
}

func (t *Tab) sessionCtx(ctx context.Context) context.Context {
	return cdp.WithSessionID(ctx, t.sessionID)
}
