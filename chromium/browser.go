package chromium

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto"
	cdpt "github.com/chromedp/cdproto/target"

	"github.com/event-capture/eventcapture/bus"
	"github.com/event-capture/eventcapture/cdp"
	"github.com/event-capture/eventcapture/eventconfig"
	"github.com/event-capture/eventcapture/log"
)

// ErrUnknownTab is returned for tab IDs the browser doesn't track.
var ErrUnknownTab = errors.New("unknown tab")

// Options configure a Browser.
type Options struct {
	// Process is the launched browser to manage, nil when connecting to a
	// browser someone else started.
	Process *BrowserProcess
	// Config is the event configuration sensors are injected with until a
	// ConfigReloaded message replaces it.
	Config eventconfig.Config
	// HTMLCapture makes sensors ship the document HTML along with events.
	HTMLCapture bool
}

// Browser tracks the page targets of a browser, attaches a Tab driver to
// each and routes sensor operations to them.
type Browser struct {
	ctx      context.Context
	cancelFn context.CancelFunc

	client *cdp.Client
	proc   *BrowserProcess
	bus    *bus.Bus
	logger *log.Logger

	htmlCapture bool

	mu      sync.RWMutex
	tabs    map[string]*Tab
	config  eventconfig.Config
	tabWait chan struct{}
}

// Connect connects to the browser at wsURL and starts tracking its tabs.
func Connect(ctx context.Context, wsURL string, b *bus.Bus, logger *log.Logger, opts Options) (*Browser, error) {
	ctx, cancel := context.WithCancel(ctx)
	br := &Browser{
		ctx:         ctx,
		cancelFn:    cancel,
		client:      cdp.NewClient(ctx, logger),
		proc:        opts.Process,
		bus:         b,
		logger:      logger,
		htmlCapture: opts.HTMLCapture,
		tabs:        make(map[string]*Tab),
		config:      opts.Config,
		tabWait:     make(chan struct{}),
	}
	if err := br.connect(wsURL); err != nil {
		cancel()
		return nil, err
	}
	return br, nil
}

func (b *Browser) connect(wsURL string) error {
	b.logger.Debugf("Browser:connect", "wsURL:%q", wsURL)
	if err := b.client.Connect(wsURL); err != nil {
		return fmt.Errorf("connecting to browser DevTools URL: %w", err)
	}

	if version, _, err := b.client.Browser.Version(b.ctx); err == nil {
		b.logger.Infof("Browser:connect", "connected to browser version %s", version)
	}

	return b.initEvents()
}

func (b *Browser) initEvents() error {
	evts, _ := b.client.Subscribe(b.ctx,
		cdproto.EventTargetTargetCreated,
		cdproto.EventTargetTargetDestroyed,
	)
	cfgs := b.bus.Subscribe(b.ctx, bus.KindConfigReloaded)

	go func() {
		defer func() {
			b.logger.Debugf("Browser:initEvents:defer", "ctx err: %v", b.ctx.Err())
			if b.proc != nil {
				b.proc.didLoseConnection()
			}
		}()
		for {
			select {
			case evt, ok := <-evts:
				if !ok {
					return
				}
				switch ev := evt.Data.(type) {
				case *cdpt.EventTargetCreated:
					b.onTargetCreated(ev.TargetInfo)
				case *cdpt.EventTargetDestroyed:
					b.onTargetDestroyed(string(ev.TargetID))
				}
			case msg, ok := <-cfgs.C():
				if !ok {
					return
				}
				if m, ok := msg.(bus.ConfigReloaded); ok {
					b.reconfigure(m.Config)
				}
			case <-b.client.Done():
				b.logger.Debugf("Browser:initEvents", "lost browser connection: %v", b.client.Err())
				return
			}
		}
	}()

	// Existing targets are reported as created too.
	if err := b.client.Target.SetDiscoverTargets(b.ctx, true); err != nil {
		return fmt.Errorf("discovering targets: %w", err)
	}
	return nil
}

func (b *Browser) onTargetCreated(info *cdpt.Info) {
	if info == nil {
		return
	}
	// We're not interested in the top-level browser target, other targets or DevTools targets.
	isDevTools := strings.HasPrefix(info.URL, "devtools://devtools")
	if info.Type != "page" || isDevTools {
		b.logger.Debugf("Browser:onTargetCreated:return", "tid:%v type:%s url:%q", info.TargetID, info.Type, info.URL)
		return
	}

	tid := string(info.TargetID)
	b.mu.RLock()
	_, known := b.tabs[tid]
	b.mu.RUnlock()
	if known {
		return
	}

	sid, err := b.client.Target.AttachToTarget(b.ctx, tid)
	if err != nil {
		b.logger.Errorf("Browser:onTargetCreated", "tid:%v %v", tid, err)
		return
	}
	tab := newTab(b.ctx, b.client, b.bus, b.logger, tid, sid, info.URL)
	if err := tab.attach(); err != nil {
		b.logger.Errorf("Browser:onTargetCreated", "sid:%v tid:%v %v", sid, tid, err)
		tab.detach()
		return
	}

	b.mu.Lock()
	b.tabs[tid] = tab
	close(b.tabWait)
	b.tabWait = make(chan struct{})
	b.mu.Unlock()

	b.logger.Debugf("Browser:onTargetCreated", "sid:%v tid:%v opener:%v url:%q", sid, tid, info.OpenerID, info.URL)
	b.bus.Publish(bus.TabCreated{TabID: tid, OpenerID: string(info.OpenerID), URL: info.URL})
}

func (b *Browser) onTargetDestroyed(tid string) {
	b.mu.Lock()
	tab, ok := b.tabs[tid]
	delete(b.tabs, tid)
	b.mu.Unlock()
	if ok {
		b.logger.Debugf("Browser:onTargetDestroyed", "tid:%v", tid)
		tab.detach()
	}
}

func (b *Browser) reconfigure(cfg eventconfig.Config) {
	b.mu.Lock()
	b.config = cfg
	tabs := b.tabList()
	b.mu.Unlock()

	for _, t := range tabs {
		if err := t.Reconfigure(b.ctx, cfg); err != nil {
			b.logger.Warnf("Browser:reconfigure", "%v", err)
		}
	}
}

// tabList must be called with mu held.
func (b *Browser) tabList() []*Tab {
	tabs := make([]*Tab, 0, len(b.tabs))
	for _, t := range b.tabs {
		tabs = append(tabs, t)
	}
	return tabs
}

// Tab returns the driver of tab id.
func (b *Browser) Tab(id string) (*Tab, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	t, ok := b.tabs[id]
	if !ok {
		return nil, fmt.Errorf("tab %q: %w", id, ErrUnknownTab)
	}
	return t, nil
}

// FirstTab waits until at least one tab is tracked and returns one.
func (b *Browser) FirstTab(ctx context.Context) (*Tab, error) {
	for {
		b.mu.RLock()
		for _, t := range b.tabs {
			b.mu.RUnlock()
			return t, nil
		}
		wait := b.tabWait
		b.mu.RUnlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for a tab: %w", ctx.Err())
		}
	}
}

// Client returns the CDP client of the browser.
func (b *Browser) Client() *cdp.Client { return b.client }

// TabURL returns the URL of the top document in tab id.
func (b *Browser) TabURL(id string) (string, error) {
	t, err := b.Tab(id)
	if err != nil {
		return "", err
	}
	return t.URL(), nil
}

// Inject evaluates the sensor for taskID in tab id.
func (b *Browser) Inject(ctx context.Context, id, taskID string) error {
	t, err := b.Tab(id)
	if err != nil {
		return err
	}
	b.mu.RLock()
	cfg := b.config
	b.mu.RUnlock()
	return t.Inject(ctx, taskID, cfg, b.htmlCapture)
}

// StopSensors stops the sensors recording taskID in every tab and waits for
// their last events to be published.
func (b *Browser) StopSensors(ctx context.Context, taskID string) error {
	b.mu.RLock()
	tabs := b.tabList()
	b.mu.RUnlock()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, t := range tabs {
		wg.Add(1)
		go func(t *Tab) {
			defer wg.Done()
			if err := t.StopSensor(ctx, taskID); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(t)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Close shuts down the browser, and the browser process if we launched it.
func (b *Browser) Close() {
	b.logger.Debugf("Browser:Close", "")

	if b.proc != nil {
		b.proc.GracefulClose()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := b.client.Browser.Close(ctx); err != nil && !errors.Is(err, cdp.ErrConnectionClosed) {
			b.logger.Debugf("Browser:Close", "closing the browser: %v", err)
		}
		cancel()
	}

	b.client.Disconnect()
	b.cancelFn()
	if b.proc != nil {
		b.proc.Terminate()
	}
}
