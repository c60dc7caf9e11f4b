// Package session runs recording sessions: it starts and stops the screen
// recorder and the in-page sensors, appends the records the recorders emit
// to the task log, follows the recording across navigations and new tabs,
// and delivers finished task logs to the ingestion service.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/gobwas/glob"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/event-capture/eventcapture/bus"
	"github.com/event-capture/eventcapture/ingest"
	"github.com/event-capture/eventcapture/log"
	"github.com/event-capture/eventcapture/otel"
	"github.com/event-capture/eventcapture/storage"
	"github.com/event-capture/eventcapture/task"
)

var (
	// ErrRestrictedURL is returned when the tab shows a page sensors can't
	// be injected into. Nothing is written in that case.
	ErrRestrictedURL = errors.New("recording is not allowed on this page")
	// ErrMediaDenied is returned when the screen recorder refused to start.
	ErrMediaDenied = errors.New("screen recording denied")
	// ErrScreenTimeout is returned when the screen recorder didn't start in time.
	ErrScreenTimeout = errors.New("screen recorder didn't start in time")
	// ErrRecorderUnreachable is returned when the sensor never acknowledged.
	ErrRecorderUnreachable = errors.New("page recorder unreachable")
	// ErrAppendConflict is returned for records of a task that isn't recording.
	ErrAppendConflict = errors.New("task is not recording")
	// ErrIngestion wraps failures to deliver a task log.
	ErrIngestion = errors.New("ingestion failed")
	// ErrAlreadyRecording is returned by StartSession during a session.
	ErrAlreadyRecording = errors.New("a session is already recording")
	// ErrNotRecording is returned by StopSession and CancelSession when idle.
	ErrNotRecording = errors.New("no session is recording")
)

// DefaultRestrictedURLs are the pages the browser doesn't let sensors into.
var DefaultRestrictedURLs = []string{ //nolint:gochecknoglobals
	"chrome://*",
	"chrome-extension://*",
	"chrome-search://*",
	"devtools://*",
	"edge://*",
	"view-source:*",
	"https://chrome.google.com/webstore*",
	"https://chromewebstore.google.com/*",
}

// Browser is what the controller needs from the browser driver.
type Browser interface {
	TabURL(tabID string) (string, error)
	Inject(ctx context.Context, tabID, taskID string) error
	StopSensors(ctx context.Context, taskID string) error
}

// ScreenRecorder records the recording tab.
type ScreenRecorder interface {
	Start(ctx context.Context, tabID string) (startedAtMs int64, err error)
	Follow(ctx context.Context, tabID string) error
	Stop(ctx context.Context) error
}

// Store persists task logs and the session state.
type Store interface {
	LoadState(ctx context.Context) (task.SessionState, error)
	SaveState(ctx context.Context, st task.SessionState) error
	PutTask(ctx context.Context, l *task.Log) error
	UpdateTask(ctx context.Context, l *task.Log) error
	AppendEvents(ctx context.Context, id string, from int, recs []task.EventRecord) error
	GetTask(ctx context.Context, id string) (*task.Log, error)
}

// Ingester delivers payloads and videos to the ingestion service.
type Ingester interface {
	Submit(ctx context.Context, payload []byte) (*ingest.Result, error)
	UploadVideo(ctx context.Context, folderIso string, video io.Reader) error
}

// VideoStore opens archived videos.
type VideoStore interface {
	Open(path string) (*os.File, error)
}

// Options tune the controller's handshakes.
type Options struct {
	// ScreenStartTimeout bounds the wait for the screen recorder to start.
	ScreenStartTimeout time.Duration
	// ReadyTimeout bounds the wait for a sensor to acknowledge injection.
	ReadyTimeout time.Duration
	// FlushTimeout bounds the wait for recorders to flush on stop.
	FlushTimeout time.Duration
	// BlobTimeout bounds the wait for the video artifact on stop.
	BlobTimeout time.Duration
	// RestrictedURLs are glob patterns of pages recording can't start on.
	RestrictedURLs []string
}

// DefaultOptions returns the default handshake timeouts.
func DefaultOptions() Options {
	return Options{
		ScreenStartTimeout: 2 * time.Second,
		ReadyTimeout:       2 * time.Second,
		FlushTimeout:       500 * time.Millisecond,
		BlobTimeout:        5 * time.Second,
		RestrictedURLs:     DefaultRestrictedURLs,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.ScreenStartTimeout <= 0 {
		o.ScreenStartTimeout = d.ScreenStartTimeout
	}
	if o.ReadyTimeout <= 0 {
		o.ReadyTimeout = d.ReadyTimeout
	}
	if o.FlushTimeout <= 0 {
		o.FlushTimeout = d.FlushTimeout
	}
	if o.BlobTimeout <= 0 {
		o.BlobTimeout = d.BlobTimeout
	}
	if o.RestrictedURLs == nil {
		o.RestrictedURLs = d.RestrictedURLs
	}
	return o
}

type phase int

const (
	phaseIdle phase = iota
	phaseStarting
	phaseRecording
	phaseStopping
)

// Dependencies are the collaborators of a Controller. Screen, Ingester and
// Videos are optional.
type Dependencies struct {
	Bus      *bus.Bus
	Browser  Browser
	Screen   ScreenRecorder
	Store    Store
	Ingester Ingester
	Videos   VideoStore
	Logger   *log.Logger
}

// Controller owns the session state. Appends happen on a single goroutine
// fed by the bus; public methods never hold the lock while waiting on a
// collaborator.
type Controller struct {
	bus      *bus.Bus
	browser  Browser
	screen   ScreenRecorder
	store    Store
	ingester Ingester
	videos   VideoStore
	logger   *log.Logger
	opts     Options

	restricted []glob.Glob
	now        func() int64
	newID      func() string

	ctx context.Context

	mu       sync.Mutex
	phase    phase
	state    task.SessionState
	current  *task.Log
	lastTask string

	readyWaiters map[string][]chan struct{}
	flushWaiters map[string]chan struct{}
	blobCh       chan string
}

// New creates a controller. Call Start before using it.
func New(deps Dependencies, opts Options) (*Controller, error) {
	opts = opts.withDefaults()
	c := &Controller{
		bus:          deps.Bus,
		browser:      deps.Browser,
		screen:       deps.Screen,
		store:        deps.Store,
		ingester:     deps.Ingester,
		videos:       deps.Videos,
		logger:       deps.Logger,
		opts:         opts,
		now:          task.Now,
		newID:        uuid.NewString,
		ctx:          context.Background(),
		readyWaiters: make(map[string][]chan struct{}),
		flushWaiters: make(map[string]chan struct{}),
	}
	for _, p := range opts.RestrictedURLs {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compiling restricted URL pattern %q: %w", p, err)
		}
		c.restricted = append(c.restricted, g)
	}
	return c, nil
}

// Start restores the persisted session state and handles bus messages until
// ctx is done. A session left recording by a previous process can't be
// resumed and is cancelled.
func (c *Controller) Start(ctx context.Context) error {
	st, err := c.store.LoadState(ctx)
	if err != nil {
		return fmt.Errorf("loading session state: %w", err)
	}
	if st.IsRecording {
		c.logger.Warnf("Controller:Start", "cancelling interrupted task %s", st.CurrentTaskID)
		if l, err := c.store.GetTask(ctx, st.CurrentTaskID); err == nil && l.Recording() {
			l.CancelReason = "interrupted"
			if err := l.Finish(task.StatusCancelled, c.now()); err == nil {
				if err := c.store.UpdateTask(ctx, l); err != nil {
					return fmt.Errorf("cancelling interrupted task: %w", err)
				}
			}
		}
		st = st.End("")
		if err := c.store.SaveState(ctx, st); err != nil {
			return fmt.Errorf("saving session state: %w", err)
		}
	}

	c.mu.Lock()
	c.ctx = ctx
	c.state = st
	c.mu.Unlock()

	sub := c.bus.Subscribe(ctx,
		bus.KindRecords,
		bus.KindRecorderReady,
		bus.KindFlushAck,
		bus.KindNavigationCommitted,
		bus.KindTabCreated,
		bus.KindScreenBlobReady,
	)
	go func() {
		for msg := range sub.C() {
			c.handle(msg)
		}
		c.logger.Debugf("Controller:Start", "loop done: %v", ctx.Err())
	}()

	return nil
}

func (c *Controller) handle(msg bus.Message) {
	switch msg := msg.(type) {
	case bus.Records:
		err := c.AppendEvents(c.ctx, msg.TaskID, msg.Records)
		if errors.Is(err, storage.ErrQuotaExceeded) {
			go c.cancelAfterQuota(msg.TaskID)
		}
	case bus.RecorderReady:
		c.onRecorderReady(msg)
	case bus.FlushAck:
		c.onFlushAck(msg)
	case bus.NavigationCommitted:
		c.onNavigationCommitted(msg)
	case bus.TabCreated:
		c.onTabCreated(msg)
	case bus.ScreenBlobReady:
		c.onBlobReady(msg)
	}
}

// State returns the current session state.
func (c *Controller) State() task.SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Restricted reports whether recording can't start on url.
func (c *Controller) Restricted(url string) bool {
	for _, g := range c.restricted {
		if g.Match(url) {
			return true
		}
	}
	return false
}

// StartSession starts recording tabID and returns the new task ID.
func (c *Controller) StartSession(ctx context.Context, tabID, title string) (string, error) {
	c.mu.Lock()
	if c.phase != phaseIdle {
		c.mu.Unlock()
		return "", ErrAlreadyRecording
	}
	c.phase = phaseStarting
	c.mu.Unlock()

	taskID, err := c.startSession(ctx, tabID, title)
	if err != nil {
		c.mu.Lock()
		if c.phase == phaseStarting {
			c.phase = phaseIdle
		}
		c.mu.Unlock()
		return "", err
	}
	return taskID, nil
}

func (c *Controller) startSession(ctx context.Context, tabID, title string) (string, error) {
	url, err := c.browser.TabURL(tabID)
	if err != nil {
		return "", fmt.Errorf("starting session: %w", err)
	}
	if c.Restricted(url) {
		return "", fmt.Errorf("%q: %w", url, ErrRestrictedURL)
	}

	start := c.now()
	l := task.NewLog(c.newID(), title, url, start)
	if err := c.store.PutTask(ctx, l); err != nil {
		return "", fmt.Errorf("storing task: %w", err)
	}

	c.mu.Lock()
	c.current = l
	c.state = c.state.Begin(l.ID, tabID, start)
	st := c.state
	c.mu.Unlock()
	if err := c.store.SaveState(ctx, st); err != nil {
		return "", c.rollback(ctx, l, fmt.Errorf("saving session state: %w", err))
	}

	span := otel.TraceSession(c.ctx, l.ID, trace.WithAttributes(
		attribute.String("task.id", l.ID),
		attribute.String("task.start_url", url),
	))
	c.logger.Infof("Controller:StartSession", "task:%s tab:%s url:%q", l.ID, tabID, url)

	if c.screen != nil {
		startedAt, err := c.startScreen(ctx, tabID)
		if err != nil {
			span.RecordError(err)
			return "", c.rollback(ctx, l, err)
		}
		c.mu.Lock()
		l.VideoStartedAtMs = task.Int64(startedAt)
		c.state.VideoStartedAtMs = task.Int64(startedAt)
		st = c.state
		c.mu.Unlock()
		if err := c.store.UpdateTask(ctx, l); err != nil {
			return "", c.rollback(ctx, l, fmt.Errorf("storing task: %w", err))
		}
		if err := c.store.SaveState(ctx, st); err != nil {
			return "", c.rollback(ctx, l, fmt.Errorf("saving session state: %w", err))
		}
	}

	c.mu.Lock()
	c.phase = phaseRecording
	c.mu.Unlock()

	if err := c.injectWithAck(ctx, tabID, l.ID); err != nil {
		span.RecordError(err)
		if _, cerr := c.finish(ctx, task.StatusCancelled, "recorder unreachable"); cerr != nil {
			c.logger.Errorf("Controller:StartSession", "cancelling task %s: %v", l.ID, cerr)
		}
		return "", err
	}

	return l.ID, nil
}

type screenStart struct {
	startedAt int64
	err       error
}

// startScreen starts the screen recorder, giving up after the start
// timeout even if the recorder ignores its context. A recorder that starts
// after we gave up is stopped again.
func (c *Controller) startScreen(ctx context.Context, tabID string) (int64, error) {
	sctx, cancel := context.WithTimeout(ctx, c.opts.ScreenStartTimeout)
	defer cancel()

	res := make(chan screenStart, 1)
	go func() {
		ts, err := c.screen.Start(sctx, tabID)
		res <- screenStart{ts, err}
	}()

	timer := time.NewTimer(c.opts.ScreenStartTimeout)
	defer timer.Stop()

	select {
	case r := <-res:
		if r.err == nil {
			return r.startedAt, nil
		}
		if errors.Is(r.err, context.DeadlineExceeded) {
			return 0, fmt.Errorf("%w: %w", ErrScreenTimeout, r.err)
		}
		return 0, fmt.Errorf("%w: %w", ErrMediaDenied, r.err)
	case <-timer.C:
	}

	go func() {
		if r := <-res; r.err == nil {
			if err := c.screen.Stop(context.Background()); err != nil {
				c.logger.Warnf("Controller:startScreen", "stopping late screen recording: %v", err)
			}
		}
	}()
	return 0, ErrScreenTimeout
}

// rollback cancels a task whose start failed and resets the session state.
func (c *Controller) rollback(ctx context.Context, l *task.Log, cause error) error {
	c.logger.Warnf("Controller:rollback", "task:%s %v", l.ID, cause)

	c.mu.Lock()
	l.CancelReason = cause.Error()
	ferr := l.Finish(task.StatusCancelled, c.now())
	c.current = nil
	c.phase = phaseIdle
	c.state = c.state.End("")
	st := c.state
	c.mu.Unlock()

	if c.screen != nil && l.VideoStartedAtMs != nil {
		if err := c.screen.Stop(ctx); err != nil {
			c.logger.Warnf("Controller:rollback", "stopping screen recording: %v", err)
		}
	}
	if ferr == nil {
		if err := c.store.UpdateTask(ctx, l); err != nil {
			c.logger.Errorf("Controller:rollback", "storing task %s: %v", l.ID, err)
		}
	}
	if err := c.store.SaveState(ctx, st); err != nil {
		c.logger.Errorf("Controller:rollback", "saving session state: %v", err)
	}
	otel.EndSession(l.ID)

	return cause
}

func readyKey(tabID, taskID string) string { return tabID + "/" + taskID }

// injectWithAck injects the sensor into tabID and waits for its recorder to
// be armed, injecting once more if the first attempt isn't acknowledged.
func (c *Controller) injectWithAck(ctx context.Context, tabID, taskID string) error {
	var err error
	for attempt := 1; attempt <= 2; attempt++ {
		if err = c.injectOnce(ctx, tabID, taskID); err == nil {
			return nil
		}
		c.logger.Debugf("Controller:injectWithAck", "tab:%s task:%s attempt:%d %v", tabID, taskID, attempt, err)
	}
	return fmt.Errorf("%w: %w", ErrRecorderUnreachable, err)
}

func (c *Controller) injectOnce(ctx context.Context, tabID, taskID string) error {
	ready := make(chan struct{})
	key := readyKey(tabID, taskID)
	c.mu.Lock()
	c.readyWaiters[key] = append(c.readyWaiters[key], ready)
	c.mu.Unlock()
	defer c.dropReadyWaiter(key, ready)

	if err := c.browser.Inject(ctx, tabID, taskID); err != nil {
		return fmt.Errorf("injecting sensor in tab %s: %w", tabID, err)
	}

	timer := time.NewTimer(c.opts.ReadyTimeout)
	defer timer.Stop()
	select {
	case <-ready:
		return nil
	case <-timer.C:
		return errors.New("no acknowledgement")
	case <-ctx.Done():
		return fmt.Errorf("waiting for sensor in tab %s: %w", tabID, ctx.Err())
	}
}

func (c *Controller) dropReadyWaiter(key string, ready chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ws := c.readyWaiters[key]
	for i, w := range ws {
		if w == ready {
			ws = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	if len(ws) == 0 {
		delete(c.readyWaiters, key)
		return
	}
	c.readyWaiters[key] = ws
}

func (c *Controller) onRecorderReady(msg bus.RecorderReady) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := readyKey(msg.TabID, msg.TaskID)
	for _, w := range c.readyWaiters[key] {
		close(w)
	}
	delete(c.readyWaiters, key)
}

// AppendEvents appends records to the log of the recording task. Records
// are clamped to the task start and stamped with their offset into the
// video.
func (c *Controller) AppendEvents(ctx context.Context, taskID string, recs []task.EventRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.appendLocked(ctx, taskID, recs)
}

func (c *Controller) appendLocked(ctx context.Context, taskID string, recs []task.EventRecord) error {
	l := c.current
	if l == nil || l.ID != taskID || (c.phase != phaseRecording && c.phase != phaseStopping) {
		c.logger.Warnf("Controller:AppendEvents", "dropping %d records of task %s", len(recs), taskID)
		return fmt.Errorf("task %s: %w", taskID, ErrAppendConflict)
	}
	if len(recs) == 0 {
		return nil
	}

	stamped := make([]task.EventRecord, len(recs))
	for i, r := range recs {
		if r.Timestamp < l.StartTime {
			r.Timestamp = l.StartTime
		}
		if l.VideoStartedAtMs != nil {
			off := r.Timestamp - *l.VideoStartedAtMs
			if off < 0 {
				off = 0
			}
			r.VideoOffsetMs = task.Int64(off)
		}
		stamped[i] = r
	}

	from := len(l.Events)
	if err := l.Append(stamped...); err != nil {
		return fmt.Errorf("task %s: %w", taskID, ErrAppendConflict)
	}
	if err := c.store.AppendEvents(ctx, l.ID, from, stamped); err != nil {
		l.Events = l.Events[:from]
		c.logger.Errorf("Controller:AppendEvents", "task:%s %v", l.ID, err)
		return fmt.Errorf("storing records: %w", err)
	}
	return nil
}

func (c *Controller) cancelAfterQuota(taskID string) {
	c.mu.Lock()
	same := c.current != nil && c.current.ID == taskID && c.phase == phaseRecording
	c.mu.Unlock()
	if !same {
		return
	}
	if _, err := c.CancelSession(c.ctx, "storage quota exceeded"); err != nil {
		c.logger.Errorf("Controller:cancelAfterQuota", "task:%s %v", taskID, err)
	}
}

func (c *Controller) onNavigationCommitted(msg bus.NavigationCommitted) {
	c.mu.Lock()
	if c.phase != phaseRecording || msg.TabID != c.state.RecordingTabID {
		c.mu.Unlock()
		return
	}
	l := c.current
	rec := task.EventRecord{
		Type:      task.EventNavigation,
		Timestamp: msg.Timestamp,
		Target:    documentTarget(),
		ToURL:     msg.URL,
	}
	err := c.appendLocked(c.ctx, l.ID, []task.EventRecord{rec})
	if err == nil {
		l.EndURL = msg.URL
		err = c.store.UpdateTask(c.ctx, l)
	}
	c.mu.Unlock()

	if errors.Is(err, storage.ErrQuotaExceeded) {
		go c.cancelAfterQuota(l.ID)
		return
	}
	if err != nil {
		c.logger.Errorf("Controller:onNavigationCommitted", "task:%s %v", l.ID, err)
	}
	otel.AddEventToSession(c.logger, l.ID, "navigation", trace.WithAttributes(attribute.String("url", msg.URL)))

	go c.reinject(msg.TabID, l.ID)
}

func (c *Controller) onTabCreated(msg bus.TabCreated) {
	c.mu.Lock()
	if c.phase != phaseRecording || msg.TabID == c.state.RecordingTabID {
		c.mu.Unlock()
		return
	}
	l := c.current
	c.state.RecordingTabID = msg.TabID
	st := c.state
	rec := task.EventRecord{
		Type:      task.EventNewTab,
		Timestamp: c.now(),
		Target:    documentTarget(),
		ToURL:     msg.URL,
	}
	err := c.appendLocked(c.ctx, l.ID, []task.EventRecord{rec})
	if err == nil {
		err = c.store.SaveState(c.ctx, st)
	}
	c.mu.Unlock()

	if errors.Is(err, storage.ErrQuotaExceeded) {
		go c.cancelAfterQuota(l.ID)
		return
	}
	if err != nil {
		c.logger.Errorf("Controller:onTabCreated", "task:%s %v", l.ID, err)
	}
	c.logger.Debugf("Controller:onTabCreated", "task:%s recording tab is now %s", l.ID, msg.TabID)
	otel.AddEventToSession(c.logger, l.ID, "newTab", trace.WithAttributes(attribute.String("tab.id", msg.TabID)))

	go func() {
		if c.screen != nil {
			if err := c.screen.Follow(c.ctx, msg.TabID); err != nil {
				c.logger.Warnf("Controller:onTabCreated", "screen recorder can't follow tab %s: %v", msg.TabID, err)
			}
		}
		c.reinject(msg.TabID, l.ID)
	}()
}

// reinject brings the sensor into a new document of the recording. The
// document may already be replaced again, so failures are only logged.
func (c *Controller) reinject(tabID, taskID string) {
	c.mu.Lock()
	active := c.phase == phaseRecording && c.current != nil && c.current.ID == taskID
	c.mu.Unlock()
	if !active {
		return
	}
	if err := c.injectWithAck(c.ctx, tabID, taskID); err != nil {
		c.logger.Warnf("Controller:reinject", "tab:%s task:%s %v", tabID, taskID, err)
	}
}

func documentTarget() task.TargetDescriptor {
	return task.TargetDescriptor{Tag: "document", Classes: []string{}, Selector: "document"}
}

func (c *Controller) onFlushAck(msg bus.FlushAck) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if w, ok := c.flushWaiters[msg.TaskID]; ok {
		close(w)
		delete(c.flushWaiters, msg.TaskID)
	}
}

func (c *Controller) onBlobReady(msg bus.ScreenBlobReady) {
	c.mu.Lock()
	if c.phase == phaseStopping && c.blobCh != nil {
		select {
		case c.blobCh <- msg.Ref:
		default:
		}
		c.mu.Unlock()
		return
	}
	last := c.lastTask
	c.mu.Unlock()

	if last == "" {
		c.logger.Warnf("Controller:onBlobReady", "no task for video %s", msg.Ref)
		return
	}
	// the artifact showed up after the session was finalized
	l, err := c.store.GetTask(c.ctx, last)
	if err != nil {
		c.logger.Errorf("Controller:onBlobReady", "%v", err)
		return
	}
	if l.VideoArtifactRef != "" {
		return
	}
	l.VideoArtifactRef = msg.Ref
	if err := c.store.UpdateTask(c.ctx, l); err != nil {
		c.logger.Errorf("Controller:onBlobReady", "task:%s %v", last, err)
	}
}

// StopSession finishes the recording as completed and returns the final log.
func (c *Controller) StopSession(ctx context.Context) (*task.Log, error) {
	return c.finish(ctx, task.StatusCompleted, "")
}

// CancelSession finishes the recording as cancelled.
func (c *Controller) CancelSession(ctx context.Context, reason string) (*task.Log, error) {
	return c.finish(ctx, task.StatusCancelled, reason)
}

func (c *Controller) finish(ctx context.Context, status task.Status, reason string) (*task.Log, error) {
	c.mu.Lock()
	if c.phase != phaseRecording || c.current == nil {
		c.mu.Unlock()
		return nil, ErrNotRecording
	}
	c.phase = phaseStopping
	taskID := c.current.ID
	flushed := make(chan struct{})
	c.flushWaiters[taskID] = flushed
	c.blobCh = make(chan string, 1)
	blobCh := c.blobCh
	videoStarted := c.current.VideoStartedAtMs != nil
	c.mu.Unlock()

	_, span := otel.TraceSessionCall(ctx, taskID, "stop", trace.WithAttributes(attribute.String("task.status", string(status))))
	defer span.End()

	// Sensors hand over what they still hold before recorders flush.
	sctx, cancel := context.WithTimeout(ctx, c.opts.FlushTimeout)
	if err := c.browser.StopSensors(sctx, taskID); err != nil {
		c.logger.Warnf("Controller:finish", "task:%s stopping sensors: %v", taskID, err)
	}
	cancel()

	c.bus.Publish(bus.StopRecorder{TaskID: taskID})
	timer := time.NewTimer(c.opts.FlushTimeout)
	select {
	case <-flushed:
	case <-timer.C:
		c.logger.Warnf("Controller:finish", "task:%s recorders didn't flush in %s", taskID, c.opts.FlushTimeout)
	}
	timer.Stop()

	var artifact string
	if c.screen != nil && videoStarted {
		if err := c.screen.Stop(ctx); err != nil {
			c.logger.Warnf("Controller:finish", "task:%s stopping screen recorder: %v", taskID, err)
		} else {
			timer := time.NewTimer(c.opts.BlobTimeout)
			select {
			case artifact = <-blobCh:
			case <-timer.C:
				c.logger.Warnf("Controller:finish", "task:%s video not ready in %s", taskID, c.opts.BlobTimeout)
			}
			timer.Stop()
		}
	}

	c.mu.Lock()
	l := c.current
	delete(c.flushWaiters, taskID)
	c.blobCh = nil
	if artifact != "" {
		l.VideoArtifactRef = artifact
	}
	l.CancelReason = reason
	if err := l.Finish(status, c.now()); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	lastCompleted := ""
	if status == task.StatusCompleted {
		lastCompleted = taskID
	}
	c.state = c.state.End(lastCompleted)
	st := c.state
	c.current = nil
	c.lastTask = taskID
	c.phase = phaseIdle
	snap := l.Snapshot()
	c.mu.Unlock()

	var errs []error
	if err := c.store.UpdateTask(ctx, l); err != nil {
		errs = append(errs, fmt.Errorf("storing task: %w", err))
	}
	if err := c.store.SaveState(ctx, st); err != nil {
		errs = append(errs, fmt.Errorf("saving session state: %w", err))
	}

	c.logger.Infof("Controller:finish", "task:%s %s with %d events", taskID, status, len(snap.Events))
	if status == task.StatusCancelled {
		span.SetStatus(codes.Error, reason)
	}
	otel.EndSession(taskID)

	return snap, errors.Join(errs...)
}

// Snapshot returns a copy of the log of taskID, which may still be recording.
func (c *Controller) Snapshot(ctx context.Context, taskID string) (*task.Log, error) {
	c.mu.Lock()
	if c.current != nil && c.current.ID == taskID {
		snap := c.current.Snapshot()
		c.mu.Unlock()
		return snap, nil
	}
	c.mu.Unlock()

	l, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("loading task %s: %w", taskID, err)
	}
	return l, nil
}

// Submit delivers the finished task log of taskID to the ingestion service
// and uploads its video. Submitting again after a failure sends the same
// payload.
func (c *Controller) Submit(ctx context.Context, taskID string) (*ingest.Result, error) {
	if c.ingester == nil {
		return nil, fmt.Errorf("%w: %w", ErrIngestion, ingest.ErrNotConfigured)
	}

	ctx, span := otel.Trace(ctx, "submit", trace.WithAttributes(attribute.String("task.id", taskID)))
	defer span.End()

	l, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("loading task %s: %w", taskID, err)
	}
	p, err := ingest.NewPayload(l)
	if err != nil {
		return nil, err
	}
	buf, err := p.Encode()
	if err != nil {
		return nil, err
	}

	res, err := c.ingester.Submit(ctx, buf)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		l.LastSubmitError = err.Error()
		if uerr := c.store.UpdateTask(ctx, l); uerr != nil {
			c.logger.Errorf("Controller:Submit", "task:%s %v", taskID, uerr)
		}
		return nil, fmt.Errorf("%w: %w", ErrIngestion, err)
	}

	sub := &task.Submission{
		DocumentID:  res.DocumentID,
		FolderIso:   res.FolderIso,
		SubmittedAt: c.now(),
	}
	if res.FolderIso != "" && l.VideoArtifactRef != "" && c.videos != nil {
		sub.VideoUploaded = c.uploadVideo(ctx, res.FolderIso, l.VideoArtifactRef)
	}
	l.Submission = sub
	l.LastSubmitError = ""
	if err := c.store.UpdateTask(ctx, l); err != nil {
		return res, fmt.Errorf("storing submission: %w", err)
	}
	c.logger.Infof("Controller:Submit", "task:%s document:%s folder:%s video:%t",
		taskID, res.DocumentID, res.FolderIso, sub.VideoUploaded)

	return res, nil
}

func (c *Controller) uploadVideo(ctx context.Context, folderIso, ref string) bool {
	f, err := c.videos.Open(ref)
	if err != nil {
		c.logger.Warnf("Controller:uploadVideo", "%v", err)
		return false
	}
	defer f.Close() //nolint:errcheck

	if err := c.ingester.UploadVideo(ctx, folderIso, f); err != nil {
		c.logger.Warnf("Controller:uploadVideo", "folder:%s %v", folderIso, err)
		return false
	}
	return true
}
