package screencast

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"

	"github.com/oxtoacart/bpool"
	"github.com/pkg/errors"

	"github.com/event-capture/eventcapture/log"
)

// VideoFrame is a decoded screencast frame. Timestamp is in milliseconds.
type VideoFrame struct {
	Content   *bytes.Buffer
	Timestamp int64
}

// encoder turns a stream of images into a video.
type encoder interface {
	// Input receives the images, closing it ends the video.
	Input() io.WriteCloser
	// Output yields the encoded video.
	Output() io.Reader
	// Wait blocks until the encoder exited.
	Wait() error
}

type ffmpegEncoder struct {
	cmd *exec.Cmd
	in  io.WriteCloser
	out io.ReadCloser
}

// newFFmpegEncoder starts ffmpeg reading JPEG images from stdin and writing
// a WebM video to stdout.
func newFFmpegEncoder(ctx context.Context, path string, frameRate int64, logger *log.Logger) (encoder, error) {
	if path == "" {
		path = "ffmpeg"
	}
	if _, err := exec.LookPath(path); err != nil {
		return nil, errors.Wrap(err, "looking up ffmpeg")
	}

	// heavily inspired by puppeteer's screen recorder
	// https://github.com/puppeteer/puppeteer/blob/main/packages/puppeteer-core/src/node/ScreenRecorder.ts
	cmd := exec.CommandContext(ctx, path, //nolint:gosec
		"-loglevel", "error",
		// create video from sequence of images
		"-f", "image2pipe",
		"-c:v", "mjpeg",
		"-framerate", strconv.FormatInt(frameRate, 10),
		// read from stdin
		"-i", "pipe:0",
		"-f", "webm",
		// optimize for speed
		"-deadline", "realtime", "-cpu-used", "8",
		"pipe:1",
	)
	cmd.Stderr = &logWriter{logger: logger}

	in, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.Wrap(err, "creating ffmpeg stdin pipe")
	}
	out, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "creating ffmpeg stdout pipe")
	}
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrap(err, "starting ffmpeg")
	}

	return &ffmpegEncoder{cmd: cmd, in: in, out: out}, nil
}

func (e *ffmpegEncoder) Input() io.WriteCloser { return e.in }
func (e *ffmpegEncoder) Output() io.Reader     { return e.out }
func (e *ffmpegEncoder) Wait() error {
	if err := e.cmd.Wait(); err != nil {
		return fmt.Errorf("ffmpeg: %w", err)
	}
	return nil
}

type logWriter struct {
	logger *log.Logger
}

func (w *logWriter) Write(p []byte) (int, error) {
	w.logger.Debugf("ffmpeg", "%s", bytes.TrimSpace(p))
	return len(p), nil
}

type videocapture struct {
	logger    *log.Logger
	frameRate int64
	pool      *bpool.BufferPool
	enc       encoder

	mu        sync.Mutex
	closed    bool
	lastFrame VideoFrame
}

func newVideoCapture(enc encoder, frameRate int64, pool *bpool.BufferPool, logger *log.Logger) *videocapture {
	return &videocapture{
		logger:    logger,
		frameRate: frameRate,
		pool:      pool,
		enc:       enc,
	}
}

// handleFrame sends the frame to the video stream. The capture owns the
// frame buffer from here on.
func (v *videocapture) handleFrame(frame VideoFrame) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		v.pool.Put(frame.Content)
		return nil
	}

	// time between frames (in milliseconds)
	step := 1000 / v.frameRate

	// normalize frame timestamp to a multiple of the step
	timestamp := frame.Timestamp
	if timestamp%step != 0 {
		timestamp = ((timestamp + step) / step) * step
	}

	in := v.enc.Input()
	// repeat last frame to fill video until the current frame
	if v.lastFrame.Timestamp > 0 {
		for ts := v.lastFrame.Timestamp + step; ts < timestamp; ts += step {
			if _, err := in.Write(v.lastFrame.Content.Bytes()); err != nil {
				return fmt.Errorf("writing frame: %w", err)
			}
		}
	}

	if _, err := in.Write(frame.Content.Bytes()); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}

	if v.lastFrame.Content != nil {
		v.pool.Put(v.lastFrame.Content)
	}
	v.lastFrame = VideoFrame{Timestamp: timestamp, Content: frame.Content}

	return nil
}

// close ends the video stream. Frames handled afterwards are dropped.
func (v *videocapture) close() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return nil
	}
	v.closed = true
	if v.lastFrame.Content != nil {
		v.pool.Put(v.lastFrame.Content)
		v.lastFrame = VideoFrame{}
	}
	if err := v.enc.Input().Close(); err != nil {
		return fmt.Errorf("closing encoder input: %w", err)
	}
	return nil
}
