package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/event-capture/eventcapture/bus"
	"github.com/event-capture/eventcapture/chromium"
	"github.com/event-capture/eventcapture/eventconfig"
	"github.com/event-capture/eventcapture/recorder"
	"github.com/event-capture/eventcapture/screencast"
	"github.com/event-capture/eventcapture/session"
	"github.com/event-capture/eventcapture/storage"
	"github.com/event-capture/eventcapture/task"
)

type recordFlags struct {
	url         string
	title       string
	wsURL       string
	headless    bool
	noSubmit    bool
	noVideo     bool
	htmlCapture bool
	duration    time.Duration
}

func newRecordCmd(a *app) *cobra.Command {
	var f recordFlags

	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record a task in the browser",
		Long: `Record opens a browser (or connects to a running one with --ws), starts a
session in its first tab and records until Enter is pressed or the process
is interrupted. The finished task is stored locally and, when an ingestion
URL is configured, submitted.`,
		Args: cobra.NoArgs,
	}
	cmd.RunE = a.runE(func(cmd *cobra.Command, _ []string) error {
		return a.record(cmd.Context(), f)
	})

	fl := cmd.Flags()
	fl.StringVar(&f.url, "url", "", "page to open before recording starts")
	fl.StringVarP(&f.title, "title", "t", "", "task description (default: the saved draft)")
	fl.StringVar(&f.wsURL, "ws", "", "DevTools websocket URL of a running browser")
	fl.BoolVar(&f.headless, "headless", false, "launch the browser headless")
	fl.BoolVar(&f.noSubmit, "no-submit", false, "keep the task local only")
	fl.BoolVar(&f.noVideo, "no-video", false, "don't record the screen")
	fl.BoolVar(&f.htmlCapture, "html-capture", false, "capture the document HTML along with events")
	fl.DurationVar(&f.duration, "duration", 0, "stop recording after this long")

	return cmd
}

// tabScreen adapts the screencast recorder, which works on CDP sessions, to
// the tab IDs the session controller knows.
type tabScreen struct {
	browser *chromium.Browser
	rec     *screencast.Recorder
}

func (s tabScreen) Start(ctx context.Context, tabID string) (int64, error) {
	t, err := s.browser.Tab(tabID)
	if err != nil {
		return 0, fmt.Errorf("screen recording: %w", err)
	}
	started, err := s.rec.Start(ctx, t.SessionID())
	if err != nil {
		return 0, fmt.Errorf("screen recording tab %s: %w", tabID, err)
	}
	return started, nil
}

func (s tabScreen) Follow(ctx context.Context, tabID string) error {
	t, err := s.browser.Tab(tabID)
	if err != nil {
		return fmt.Errorf("screen recording: %w", err)
	}
	if err := s.rec.Follow(ctx, t.SessionID()); err != nil {
		return fmt.Errorf("screen recording tab %s: %w", tabID, err)
	}
	return nil
}

func (s tabScreen) Stop(ctx context.Context) error {
	if err := s.rec.Stop(ctx); err != nil {
		return fmt.Errorf("stopping screen recording: %w", err)
	}
	return nil
}

//nolint:funlen,cyclop
func (a *app) record(parent context.Context, f recordFlags) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	s := a.settings
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}

	title := f.title
	if title == "" {
		if draft, ok, err := store.GetValue(ctx, storage.KeyTaskTitleDraft); err == nil && ok {
			title = draft
		}
	} else if err := store.PutValue(ctx, storage.KeyTaskTitleDraft, title); err != nil {
		a.logger.Warnf("record", "saving the title draft: %v", err)
	}

	tp := a.traceProvider(ctx)
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		if err := tp.Shutdown(sctx); err != nil {
			a.logger.Warnf("record", "shutting down tracing: %v", err)
		}
	}()

	b := bus.New(a.logger)

	cfgStore := eventconfig.NewStore(store, a.logger)
	cfg, err := cfgStore.Load(ctx)
	if err != nil {
		return fmt.Errorf("loading event config: %w", err)
	}
	unsubscribe := cfgStore.Subscribe(func(c eventconfig.Config) {
		b.Publish(bus.ConfigReloaded{Config: c})
	})
	defer unsubscribe()
	if s.EventConfigFile != "" {
		if err := cfgStore.WatchFile(ctx, s.EventConfigFile); err != nil {
			return fmt.Errorf("watching %s: %w", s.EventConfigFile, err)
		}
		if cfg, err = cfgStore.Load(ctx); err != nil {
			return fmt.Errorf("loading event config: %w", err)
		}
	}

	htmlCapture := f.htmlCapture || s.Recorder.HTMLCapture
	recorder.NewManager(b, cfg, a.logger, recorder.Options{
		InputWindow:  s.Recorder.InputWindow,
		ScrollWindow: s.Recorder.ScrollWindow,
		HTMLCapture:  htmlCapture,
	}).Start(ctx)

	br, err := a.connectBrowser(ctx, b, f, chromium.Options{Config: cfg, HTMLCapture: htmlCapture})
	if err != nil {
		return err
	}
	defer br.Close()

	wctx, wcancel := context.WithTimeout(ctx, 10*time.Second)
	tab, err := br.FirstTab(wctx)
	wcancel()
	if err != nil {
		return fmt.Errorf("waiting for a page: %w", err)
	}
	if f.url != "" {
		if err := openPage(ctx, tab, f.url); err != nil {
			return err
		}
	}

	deps := session.Dependencies{
		Bus:     b,
		Browser: br,
		Store:   store,
		Videos:  a.videos(),
		Logger:  a.logger,
	}
	if ing := a.ingester(); ing != nil {
		deps.Ingester = ing
	}
	if !f.noVideo && !s.Screen.Disabled {
		deps.Screen = tabScreen{
			browser: br,
			rec: screencast.New(ctx, br.Client(), b, a.videos(), a.logger, screencast.Options{
				FrameRate:  s.Screen.FrameRate,
				Quality:    s.Screen.Quality,
				MaxWidth:   s.Screen.MaxWidth,
				MaxHeight:  s.Screen.MaxHeight,
				FFmpegPath: s.Screen.FFmpegPath,
			}),
		}
	}
	ctrl, err := session.New(deps, session.Options{})
	if err != nil {
		return fmt.Errorf("creating session controller: %w", err)
	}
	if err := ctrl.Start(ctx); err != nil {
		return fmt.Errorf("starting session controller: %w", err)
	}

	taskID, err := ctrl.StartSession(ctx, tab.ID(), title)
	if err != nil {
		return fmt.Errorf("starting the recording: %w", err)
	}
	if err := store.DeleteValue(ctx, storage.KeyTaskTitleDraft); err != nil {
		a.logger.Warnf("record", "clearing the title draft: %v", err)
	}
	fmt.Fprintf(a.stdout, "%s task %s in %s\n", success("● Recording"), taskID, tab.URL())
	fmt.Fprintln(a.stdout, faint("  press Enter or Ctrl-C to stop"))

	a.waitForStop(ctx, f.duration)

	l, err := ctrl.StopSession(context.Background())
	if err != nil {
		return fmt.Errorf("stopping the recording: %w", err)
	}
	printSummary(a.stdout, l)

	if f.noSubmit || deps.Ingester == nil {
		return nil
	}
	return a.submit(ctx, ctrl, l.ID)
}

func (a *app) connectBrowser(ctx context.Context, b *bus.Bus, f recordFlags, opts chromium.Options) (*chromium.Browser, error) {
	if f.wsURL != "" {
		br, err := chromium.Connect(ctx, f.wsURL, b, a.logger, opts)
		if err != nil {
			return nil, fmt.Errorf("connecting to %s: %w", f.wsURL, err)
		}
		return br, nil
	}

	s := a.settings
	proc, err := chromium.Launch(ctx, chromium.LaunchOptions{
		ExecutablePath: s.Browser.ExecutablePath,
		Headless:       f.headless || s.Browser.Headless,
		Args:           s.Browser.Args,
		Timeout:        s.Browser.Timeout,
	}, a.logger)
	if err != nil {
		return nil, fmt.Errorf("launching browser: %w", err)
	}
	opts.Process = proc
	br, err := chromium.Connect(ctx, proc.WsURL(), b, a.logger, opts)
	if err != nil {
		proc.Terminate()
		return nil, fmt.Errorf("connecting to browser: %w", err)
	}
	return br, nil
}

// openPage navigates tab to url and waits for the new document to show up.
func openPage(ctx context.Context, tab *chromium.Tab, url string) error {
	gen := tab.Generation()
	if err := tab.Navigate(ctx, url); err != nil {
		return fmt.Errorf("opening %s: %w", url, err)
	}
	deadline := time.Now().Add(10 * time.Second)
	for tab.Generation() == gen && time.Now().Before(deadline) {
		select {
		case <-time.After(50 * time.Millisecond):
		case <-ctx.Done():
			return fmt.Errorf("opening %s: %w", url, ctx.Err())
		}
	}
	return nil
}

// waitForStop returns on Enter, on the first interrupt, after d if it is
// set, or when ctx is done. A second interrupt kills the browsers and exits.
func (a *app) waitForStop(ctx context.Context, d time.Duration) {
	sigC := make(chan os.Signal, 2)
	signal.Notify(sigC, os.Interrupt, syscall.SIGTERM)

	enter := make(chan struct{})
	if in, ok := a.stdin.(*os.File); !ok || term.IsTerminal(int(in.Fd())) {
		go func() {
			if _, err := bufio.NewReader(a.stdin).ReadString('\n'); err == nil || errors.Is(err, io.EOF) {
				close(enter)
			}
		}()
	}

	var timeout <-chan time.Time
	if d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-enter:
	case <-timeout:
	case <-ctx.Done():
	case sig := <-sigC:
		a.logger.Debugf("record", "got %s, stopping", sig)
		go func() {
			sig := <-sigC
			a.logger.Errorf("record", "got %s while stopping, killing the browser", sig)
			chromium.ForceProcessShutdown()
			os.Exit(1) //nolint:revive
		}()
		return
	}
	signal.Stop(sigC)
}

func printSummary(w io.Writer, l *task.Log) {
	status := success(string(l.Status))
	if l.Status != task.StatusCompleted {
		status = warning(string(l.Status))
	}
	fmt.Fprintf(w, "%s task %s: %d events in %s\n",
		status, l.ID, len(l.Events), time.Duration(l.Duration())*time.Millisecond)
	if l.VideoArtifactRef != "" {
		fmt.Fprintf(w, "  video: %s\n", l.VideoArtifactRef)
	}
	fmt.Fprintf(w, "  %s → %s, started %s\n", l.StartURL, l.EndURL, humanize.Time(time.UnixMilli(l.StartTime)))
}
