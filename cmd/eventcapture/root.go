package main

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/event-capture/eventcapture/env"
	"github.com/event-capture/eventcapture/eventconfig"
	"github.com/event-capture/eventcapture/ingest"
	"github.com/event-capture/eventcapture/log"
	"github.com/event-capture/eventcapture/otel"
	"github.com/event-capture/eventcapture/storage"
)

// Version is set at build time via -ldflags.
var Version = "dev" //nolint:gochecknoglobals

//nolint:gochecknoglobals
var (
	success = color.New(color.FgGreen).SprintfFunc()
	failure = color.New(color.FgRed).SprintfFunc()
	warning = color.New(color.FgYellow).SprintfFunc()
	faint   = color.New(color.Faint).SprintfFunc()
)

// app holds what every command shares: the settings and the lazily opened
// stores.
type app struct {
	lookup env.LookupFunc
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	settingsPath string
	dataDir      string
	logLevel     string
	logFilter    string
	noColor      bool

	settings Settings
	logger   *log.Logger
	store    *storage.Store
}

func newRootCmd(lookup env.LookupFunc, stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	a := &app{lookup: lookup, stdin: stdin, stdout: stdout, stderr: stderr}

	root := &cobra.Command{
		Use:   "eventcapture",
		Short: "Record web tasks as event logs and screen videos",
		Long: `eventcapture drives a Chromium browser, records the user's interaction with
the open page as a task log synchronized with a screen recording, and
delivers finished task logs to the ingestion service.

Examples:
  # Record a task starting at a page
  eventcapture record --url https://example.com --title "Find the pricing page"

  # Record in a browser that is already running with remote debugging
  eventcapture record --ws ws://127.0.0.1:9222/devtools/browser/<id>

  # List recorded tasks and retry a failed submission
  eventcapture history list
  eventcapture submit <task-id>`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init()
		},
	}
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)

	pf := root.PersistentFlags()
	pf.StringVar(&a.settingsPath, "settings", "", "settings file (default: $"+SettingsEnv+" or the user config dir)")
	pf.StringVar(&a.dataDir, "data-dir", "", "directory of the task store and video archives")
	pf.StringVar(&a.logLevel, "log-level", "", "log level: panic, fatal, error, warn, info, debug, trace")
	pf.StringVar(&a.logFilter, "log-filter", "", "regular expression matched against log categories")
	pf.BoolVar(&a.noColor, "no-color", false, "disable colored output")

	root.AddCommand(
		newRecordCmd(a),
		newHistoryCmd(a),
		newSubmitCmd(a),
		newConfigCmd(a),
		newVerifyCmd(a),
	)

	return root
}

func (a *app) init() error {
	if a.noColor {
		color.NoColor = true
	}

	path, required := a.settingsPath, true
	if path == "" {
		if p, ok := a.lookup(SettingsEnv); ok && p != "" {
			path = p
		} else {
			path, required = defaultSettingsPath(), false
		}
	}
	s, err := loadSettings(path, required, a.lookup)
	if err != nil {
		return err
	}
	if a.dataDir != "" {
		s.DataDir = a.dataDir
	}
	if a.logLevel != "" {
		s.Log.Level = a.logLevel
	}
	if a.logFilter != "" {
		s.Log.CategoryFilter = a.logFilter
	}
	a.settings = s

	l := logrus.New()
	l.SetOutput(a.stderr)
	a.logger = log.New(l, false, nil)
	if err := a.logger.SetLevel(s.Log.Level); err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	if err := a.logger.SetCategoryFilter(s.Log.CategoryFilter); err != nil {
		return fmt.Errorf("log category filter: %w", err)
	}

	return nil
}

func (a *app) openStore(ctx context.Context) (*storage.Store, error) {
	if a.store != nil {
		return a.store, nil
	}
	s, err := storage.Open(ctx, a.settings.dbPath(), storage.Options{MaxBytes: a.settings.MaxStorageBytes})
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	a.store = s
	return s, nil
}

func (a *app) configStore(ctx context.Context) (*eventconfig.Store, error) {
	s, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	return eventconfig.NewStore(s, a.logger), nil
}

func (a *app) videos() *storage.LocalFilePersister {
	return &storage.LocalFilePersister{Dir: a.settings.DataDir}
}

// ingester returns the ingestion client, nil when no URL is configured.
func (a *app) ingester() *ingest.Client {
	if a.settings.Ingest.URL == "" {
		return nil
	}
	c := ingest.NewClient(a.settings.Ingest.URL, a.settings.Ingest.APIKey, http.DefaultClient, a.logger)
	if a.settings.Ingest.Timeout > 0 {
		c = c.WithTimeout(a.settings.Ingest.Timeout)
	}
	return c
}

func (a *app) traceProvider(ctx context.Context) otel.TraceProvider {
	t := a.settings.Traces
	if t.Endpoint == "" {
		return otel.NewNoopTraceProvider()
	}
	tp, err := otel.NewTraceProvider(ctx, t.Protocol, t.Endpoint, t.Insecure)
	if err != nil {
		a.logger.Warnf("app:traceProvider", "tracing disabled: %v", err)
		return otel.NewNoopTraceProvider()
	}
	return tp
}

// runE wraps a command so that the stores it opened are closed when it
// returns, error or not.
func (a *app) runE(fn func(cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		defer a.close()
		return fn(cmd, args)
	}
}

func (a *app) close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Errorf("app:close", "closing the task store: %v", err)
		}
		a.store = nil
	}
}
