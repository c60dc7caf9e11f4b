// Package chromium launches a Chromium browser, drives its tabs over CDP
// and runs the in-page sensor in them.
package chromium

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/event-capture/eventcapture/log"
)

// LaunchOptions configure the browser process.
type LaunchOptions struct {
	// ExecutablePath of the browser. Well known locations are searched when
	// empty.
	ExecutablePath string
	Headless       bool
	// Args are extra command line flags, without the leading dashes.
	Args []string
	Env  []string
	// Timeout bounds the wait for the DevTools endpoint.
	Timeout time.Duration
}

// BrowserProcess is a locally running browser.
type BrowserProcess struct {
	ctx    context.Context
	cancel context.CancelFunc

	// The process of the browser, if running locally.
	process *os.Process

	// Channels for managing termination.
	lostConnection             chan struct{}
	processIsGracefullyClosing chan struct{}
	processDone                chan struct{}

	// Browser's WebSocket URL to speak CDP
	wsURL string

	// The directory where user data for the browser is stored.
	userDataDir string

	logger *log.Logger
}

// Launch starts the browser and waits for its DevTools endpoint.
func Launch(ctx context.Context, opts LaunchOptions, logger *log.Logger) (*BrowserProcess, error) {
	path := opts.ExecutablePath
	if path == "" {
		var err error
		if path, err = executablePath(); err != nil {
			return nil, err
		}
	}

	dataDir, err := os.MkdirTemp("", "eventcapture-browser-data-*")
	if err != nil {
		return nil, fmt.Errorf("creating user data directory: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	cmd, err := execute(ctx, path, launchArgs(opts, dataDir), opts.Env, dataDir, logger)
	if err != nil {
		cancel()
		_ = os.RemoveAll(dataDir)
		return nil, err
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	tctx, tcancel := context.WithTimeout(ctx, timeout)
	defer tcancel()

	wsURL, err := parseDevToolsURL(tctx, cmd)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("getting DevTools URL: %w", err)
	}

	p := &BrowserProcess{
		ctx:                        ctx,
		cancel:                     cancel,
		process:                    cmd.Process,
		lostConnection:             make(chan struct{}),
		processIsGracefullyClosing: make(chan struct{}),
		processDone:                cmd.done,
		wsURL:                      wsURL,
		userDataDir:                dataDir,
		logger:                     logger,
	}
	register(logger, p.Pid())

	go func() {
		// If we lose connection to the browser and we're not in-progress with clean
		// browser-initiated termination then cancel the context to clean up.
		select {
		case <-p.lostConnection:
		case <-ctx.Done():
		}

		select {
		case <-p.processIsGracefullyClosing:
		default:
			p.cancel()
		}
	}()

	return p, nil
}

func (p *BrowserProcess) didLoseConnection() {
	select {
	case <-p.lostConnection:
	default:
		close(p.lostConnection)
	}
}

// GracefulClose triggers a graceful closing of the browser process.
func (p *BrowserProcess) GracefulClose() {
	p.logger.Debugf("BrowserProcess:GracefulClose", "")
	select {
	case <-p.processIsGracefullyClosing:
	default:
		close(p.processIsGracefullyClosing)
	}
}

// Terminate triggers the termination of the browser process and waits for
// it to exit.
func (p *BrowserProcess) Terminate() {
	p.logger.Debugf("BrowserProcess:Terminate", "pid:%d", p.Pid())
	p.cancel()
	select {
	case <-p.processDone:
	case <-time.After(5 * time.Second):
		p.logger.Warnf("BrowserProcess:Terminate", "pid:%d didn't exit in time", p.Pid())
	}
}

// WsURL returns the Websocket URL that the browser is listening on for CDP clients.
func (p *BrowserProcess) WsURL() string {
	return p.wsURL
}

// Pid returns the browser process ID.
func (p *BrowserProcess) Pid() int {
	return p.process.Pid
}

// Done is closed once the process has exited and its data directory is
// removed.
func (p *BrowserProcess) Done() <-chan struct{} {
	return p.processDone
}

type command struct {
	*exec.Cmd
	done   chan struct{}
	stderr io.Reader
}

func execute(
	ctx context.Context, path string, args, env []string, dataDir string,
	logger *log.Logger,
) (command, error) {
	cmd := exec.CommandContext(ctx, path, args...)
	killAfterParent(cmd)

	// Set up environment variable for process
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return command{}, fmt.Errorf("%w", err)
	}

	// We must start the cmd before calling cmd.Wait, as otherwise the two
	// can run into a data race.
	err = cmd.Start()
	if os.IsNotExist(err) {
		return command{}, fmt.Errorf("file does not exist: %s", path)
	}
	if err != nil {
		return command{}, fmt.Errorf("%w", err)
	}
	if ctx.Err() != nil {
		return command{}, fmt.Errorf("%w", ctx.Err())
	}

	done := make(chan struct{})
	go func() {
		defer func() {
			if err := os.RemoveAll(dataDir); err != nil {
				logger.Errorf("browser", "cleaning up the user data directory: %v", err)
			}
			close(done)
		}()

		if err := cmd.Wait(); err != nil && ctx.Err() == nil {
			logger.Errorf("browser",
				"process with PID %d unexpectedly ended: %v",
				cmd.Process.Pid, err)
		}
	}()

	return command{Cmd: cmd, done: done, stderr: stderr}, nil
}

// fatalStderr matches the message of a Chromium log line at ERROR level.
var fatalStderr = regexp.MustCompile(`^\[[^\]]*:ERROR:[^\]]*\]\s*(.*)$`)

// parseDevToolsURL reads the browser's stderr until it announces the
// DevTools WebSocket address.
func parseDevToolsURL(ctx context.Context, cmd command) (string, error) {
	type result struct {
		devToolsURL string
		err         error
	}
	parser := make(chan *result, 1)
	go func() {
		const urlPrefix = "DevTools listening on "

		var (
			scanner = bufio.NewScanner(cmd.stderr)
			lastErr string
		)
		for scanner.Scan() {
			if err := ctx.Err(); err != nil {
				parser <- &result{"", err}
				return
			}
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			if strings.HasPrefix(line, urlPrefix) {
				parser <- &result{strings.TrimPrefix(line, urlPrefix), nil}
				return
			}
			if m := fatalStderr.FindStringSubmatch(line); m != nil {
				lastErr = m[1]
			}
		}
		if err := scanner.Err(); err != nil {
			if lastErr != "" {
				err = errors.New(lastErr)
			}
			parser <- &result{"", err}
		}
	}()

	select {
	case r := <-parser:
		return r.devToolsURL, r.err
	case <-cmd.done:
		return "", errors.New("browser process ended unexpectedly")
	case <-ctx.Done():
		return "", fmt.Errorf("waiting for the DevTools endpoint: %w", ctx.Err())
	}
}

func launchArgs(opts LaunchOptions, dataDir string) []string {
	args := []string{
		"--remote-debugging-port=0",
		"--user-data-dir=" + dataDir,
		"--no-first-run",
		"--no-default-browser-check",
		"--disable-background-timer-throttling",
		"--disable-backgrounding-occluded-windows",
		"--disable-renderer-backgrounding",
		"--disable-popup-blocking",
	}
	if opts.Headless {
		args = append(args, "--headless=new", "--hide-scrollbars", "--mute-audio")
	}
	for _, a := range opts.Args {
		args = append(args, "--"+strings.TrimLeft(a, "-"))
	}
	return append(args, "about:blank")
}

func executablePath() (string, error) {
	for _, name := range []string{
		"chromium", "chromium-browser", "google-chrome", "google-chrome-stable",
		"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
	} {
		if p, err := exec.LookPath(name); err == nil {
			return p, nil
		}
	}
	return "", errors.New("couldn't find a Chromium based browser, set its executable path")
}
