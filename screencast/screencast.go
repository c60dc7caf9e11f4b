// Package screencast records the tab under recording into a WebM video. It
// answers the session controller's START and STOP requests directly and
// announces STARTED, STOPPED and BLOB_READY on the bus.
package screencast

import (
	"context"
	"encoding/base64"
	"io"
	"strings"
	"sync"

	"github.com/chromedp/cdproto"
	cdppage "github.com/chromedp/cdproto/page"
	"github.com/oxtoacart/bpool"
	"github.com/pkg/errors"

	"github.com/event-capture/eventcapture/bus"
	"github.com/event-capture/eventcapture/cdp"
	"github.com/event-capture/eventcapture/cdp/domains"
	"github.com/event-capture/eventcapture/log"
	"github.com/event-capture/eventcapture/storage"
	"github.com/event-capture/eventcapture/task"
)

var (
	// ErrUnavailable is returned when a recording can't be started, because
	// ffmpeg is missing or the browser refuses the screencast.
	ErrUnavailable = errors.New("screen capture unavailable")
	// ErrAlreadyRecording is returned by Start while a recording is active.
	ErrAlreadyRecording = errors.New("screen recording already active")
)

// Options configure the recorder.
type Options struct {
	// FrameRate of the produced video.
	FrameRate int64
	// Quality of the JPEG frames the browser sends, 0 to 100.
	Quality int64
	// MaxWidth and MaxHeight bound the frame size, 0 for no bound.
	MaxWidth  int64
	MaxHeight int64
	// FFmpegPath is the ffmpeg executable, looked up in PATH when empty.
	FFmpegPath string
}

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return Options{FrameRate: 25, Quality: 80}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.FrameRate <= 0 {
		o.FrameRate = d.FrameRate
	}
	if o.Quality <= 0 {
		o.Quality = d.Quality
	}
	return o
}

type recording struct {
	startedAt int64
	path      string
	sessionID string
	capture   *videocapture
	enc       encoder
	persisted chan error

	stopFrames func()
	framesDone chan struct{}
}

// Recorder records at most one screencast at a time.
type Recorder struct {
	ctx       context.Context
	client    *cdp.Client
	bus       bus.Publisher
	persister storage.FilePersister
	logger    *log.Logger
	opts      Options
	pool      *bpool.BufferPool
	now       func() int64

	newEncoder func(ctx context.Context, frameRate int64) (encoder, error)

	mu     sync.Mutex
	active *recording
}

// New returns a recorder that streams the frames of tabs attached over client
// and persists finished videos through persister.
func New(
	ctx context.Context, client *cdp.Client, pub bus.Publisher,
	persister storage.FilePersister, logger *log.Logger, opts Options,
) *Recorder {
	opts = opts.withDefaults()
	r := &Recorder{
		ctx:       ctx,
		client:    client,
		bus:       pub,
		persister: persister,
		logger:    logger,
		opts:      opts,
		pool:      bpool.NewBufferPool(8),
		now:       task.Now,
	}
	r.newEncoder = func(ctx context.Context, frameRate int64) (encoder, error) {
		return newFFmpegEncoder(ctx, opts.FFmpegPath, frameRate, logger)
	}
	return r
}

// Recording reports whether a recording is active.
func (r *Recorder) Recording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active != nil
}

// Start begins recording the tab attached as sessionID and returns the epoch
// millisecond timestamp the video starts at.
func (r *Recorder) Start(ctx context.Context, sessionID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active != nil {
		return 0, ErrAlreadyRecording
	}

	enc, err := r.newEncoder(r.ctx, r.opts.FrameRate)
	if err != nil {
		return 0, errors.Wrapf(ErrUnavailable, "%v", err)
	}

	startedAt := r.now()
	rec := &recording{
		startedAt: startedAt,
		path:      storage.ArchivePath(storage.FolderISO(startedAt), storage.VideoFileName),
		capture:   newVideoCapture(enc, r.opts.FrameRate, r.pool, r.logger),
		enc:       enc,
		persisted: make(chan error, 1),
	}
	go func() {
		rec.persisted <- r.persister.Persist(r.ctx, rec.path, enc.Output())
	}()

	if err := r.follow(ctx, rec, sessionID); err != nil {
		_ = rec.capture.close()
		return 0, errors.Wrapf(ErrUnavailable, "%v", err)
	}

	r.active = rec
	r.logger.Debugf("Screencast:Start", "sid:%s startedAt:%d path:%s", sessionID, startedAt, rec.path)
	r.bus.Publish(bus.ScreenStarted{StartedAtMs: startedAt})

	return startedAt, nil
}

// Follow moves an active recording to the tab attached as sessionID.
func (r *Recorder) Follow(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := r.active
	if rec == nil || rec.sessionID == sessionID {
		return nil
	}
	r.unfollow(ctx, rec)
	r.logger.Debugf("Screencast:Follow", "sid:%s", sessionID)

	return r.follow(ctx, rec, sessionID)
}

func (r *Recorder) follow(ctx context.Context, rec *recording, sessionID string) error {
	sctx := cdp.WithSessionID(r.ctx, sessionID)
	evts, cancel := r.client.Subscribe(sctx, cdproto.EventPageScreencastFrame)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for evt := range evts {
			if ev, ok := evt.Data.(*cdppage.EventScreencastFrame); ok {
				r.onFrame(sctx, rec, ev)
			}
		}
	}()

	err := r.client.Page.StartScreencast(cdp.WithSessionID(ctx, sessionID), domains.ScreencastOptions{
		Quality:       r.opts.Quality,
		MaxWidth:      r.opts.MaxWidth,
		MaxHeight:     r.opts.MaxHeight,
		EveryNthFrame: 1,
	})
	if err != nil {
		cancel()
		<-done
		return errors.Wrap(err, "starting screencast")
	}

	rec.sessionID = sessionID
	rec.stopFrames = cancel
	rec.framesDone = done
	return nil
}

// unfollow stops the screencast of the current tab. The tab may already be
// gone, so failures are only logged.
func (r *Recorder) unfollow(ctx context.Context, rec *recording) {
	if rec.stopFrames == nil {
		return
	}
	if err := r.client.Page.StopScreencast(cdp.WithSessionID(ctx, rec.sessionID)); err != nil {
		r.logger.Debugf("Screencast:unfollow", "sid:%s %v", rec.sessionID, err)
	}
	rec.stopFrames()
	<-rec.framesDone
	rec.stopFrames = nil
}

func (r *Recorder) onFrame(ctx context.Context, rec *recording, ev *cdppage.EventScreencastFrame) {
	// the browser sends the next frame once this one is acked
	defer func() {
		if err := r.client.Page.ScreencastFrameAck(ctx, ev.SessionID); err != nil {
			r.logger.Debugf("Screencast:onFrame", "acking frame %d: %v", ev.SessionID, err)
		}
	}()

	buf := r.pool.Get()
	if _, err := io.Copy(buf, base64.NewDecoder(base64.StdEncoding, strings.NewReader(ev.Data))); err != nil {
		r.pool.Put(buf)
		r.logger.Warnf("Screencast:onFrame", "decoding frame: %v", err)
		return
	}

	ts := r.now()
	if ev.Metadata != nil && ev.Metadata.Timestamp != nil {
		ts = ev.Metadata.Timestamp.Time().UnixMilli()
	}
	if err := rec.capture.handleFrame(VideoFrame{Content: buf, Timestamp: ts}); err != nil {
		r.logger.Warnf("Screencast:onFrame", "%v", err)
	}
}

// Stop ends the active recording; without one it does nothing. The video is
// finished in the background and announced with ScreenBlobReady.
func (r *Recorder) Stop(ctx context.Context) error {
	r.mu.Lock()
	rec := r.active
	r.active = nil
	if rec != nil {
		r.unfollow(ctx, rec)
	}
	r.mu.Unlock()

	if rec == nil {
		return nil
	}

	err := rec.capture.close()
	r.bus.Publish(bus.ScreenStopped{})
	go r.finish(rec)

	if err != nil {
		return errors.Wrap(err, "closing video stream")
	}
	return nil
}

func (r *Recorder) finish(rec *recording) {
	encErr := rec.enc.Wait()
	persistErr := <-rec.persisted
	if persistErr != nil {
		r.logger.Errorf("Screencast:finish", "persisting %s: %v", rec.path, persistErr)
		return
	}
	if encErr != nil {
		r.logger.Warnf("Screencast:finish", "encoder: %v", encErr)
	}
	r.logger.Debugf("Screencast:finish", "video ready at %s", rec.path)
	r.bus.Publish(bus.ScreenBlobReady{Ref: rec.path})
}
