package screencast

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oxtoacart/bpool"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/event-capture/eventcapture/bus"
	"github.com/event-capture/eventcapture/cdp"
	"github.com/event-capture/eventcapture/log"
	"github.com/event-capture/eventcapture/storage"
)

type bufferEncoder struct {
	bytes.Buffer
}

func (e *bufferEncoder) Input() io.WriteCloser { return e }
func (e *bufferEncoder) Output() io.Reader     { return &e.Buffer }
func (e *bufferEncoder) Wait() error           { return nil }
func (e *bufferEncoder) Close() error          { return nil }

func frame(pool *bpool.BufferPool, content string, ts int64) VideoFrame {
	buf := pool.Get()
	buf.WriteString(content)
	return VideoFrame{Content: buf, Timestamp: ts}
}

func TestVideoCaptureRepeatsFrames(t *testing.T) {
	t.Parallel()

	pool := bpool.NewBufferPool(4)
	enc := &bufferEncoder{}
	vc := newVideoCapture(enc, 10, pool, log.NewNullLogger())

	require.NoError(t, vc.handleFrame(frame(pool, "a", 100)))
	// 400 is three steps later: a is repeated for 200 and 300
	require.NoError(t, vc.handleFrame(frame(pool, "b", 400)))
	// 450 is rounded up to the next step
	require.NoError(t, vc.handleFrame(frame(pool, "c", 450)))
	require.NoError(t, vc.close())
	require.NoError(t, vc.handleFrame(frame(pool, "d", 900)))

	assert.Equal(t, "aaabc", enc.String())
}

// pipeEncoder passes the frames through unchanged.
type pipeEncoder struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func newPipeEncoder() *pipeEncoder {
	r, w := io.Pipe()
	return &pipeEncoder{r: r, w: w}
}

func (e *pipeEncoder) Input() io.WriteCloser { return e.w }
func (e *pipeEncoder) Output() io.Reader     { return e.r }
func (e *pipeEncoder) Wait() error           { return nil }

type cdpMsg struct {
	ID        int64           `json:"id,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     json.RawMessage `json:"error,omitempty"`
}

// fakeScreencast sends one frame whenever a screencast is started and counts
// the frame acks. With refuse set, it rejects the screencast.
type fakeScreencast struct {
	refuse bool

	mu      sync.Mutex
	acks    int
	methods []string
}

func (f *fakeScreencast) ackCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.acks
}

func (f *fakeScreencast) serve(t *testing.T) *cdp.Client {
	t.Helper()

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close() //nolint:errcheck
		for {
			var msg cdpMsg
			if err := ws.ReadJSON(&msg); err != nil {
				return
			}
			f.mu.Lock()
			f.methods = append(f.methods, msg.SessionID+":"+msg.Method)
			if msg.Method == "Page.screencastFrameAck" {
				f.acks++
			}
			f.mu.Unlock()

			if f.refuse && msg.Method == "Page.startScreencast" {
				_ = ws.WriteJSON(cdpMsg{ID: msg.ID, SessionID: msg.SessionID, Error: json.RawMessage(`{"code":-32000,"message":"Not allowed"}`)})
				continue
			}
			_ = ws.WriteJSON(cdpMsg{ID: msg.ID, SessionID: msg.SessionID, Result: json.RawMessage(`{}`)})
			if msg.Method == "Page.startScreencast" {
				data := base64.StdEncoding.EncodeToString([]byte("frame-" + msg.SessionID))
				_ = ws.WriteJSON(cdpMsg{
					SessionID: msg.SessionID,
					Method:    "Page.screencastFrame",
					Params: json.RawMessage(`{"data":"` + data + `","metadata":{"offsetTop":0,"pageScaleFactor":1,` +
						`"deviceWidth":800,"deviceHeight":600,"scrollOffsetX":0,"scrollOffsetY":0},"sessionId":1}`),
				})
			}
		}
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	c := cdp.NewClient(ctx, log.NewNullLogger())
	require.NoError(t, c.Connect("ws"+strings.TrimPrefix(srv.URL, "http")))
	t.Cleanup(c.Disconnect)

	return c
}

func newTestRecorder(t *testing.T, client *cdp.Client, b *bus.Bus, dir string) *Recorder {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	r := New(ctx, client, b, &storage.LocalFilePersister{Dir: dir}, log.NewNullLogger(), Options{})
	r.now = func() int64 { return 1763432401939 }
	r.newEncoder = func(context.Context, int64) (encoder, error) {
		return newPipeEncoder(), nil
	}
	return r
}

func nextMsg(t *testing.T, s *bus.Subscription) bus.Message {
	t.Helper()

	select {
	case msg, ok := <-s.C():
		require.True(t, ok, "subscription closed")
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
	return nil
}

func TestRecorderStartStop(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	fs := &fakeScreencast{}
	b := bus.New(log.NewNullLogger())
	sub := b.Subscribe(ctx, bus.KindScreenStarted, bus.KindScreenStopped, bus.KindScreenBlobReady)
	dir := t.TempDir()
	r := newTestRecorder(t, fs.serve(t), b, dir)

	startedAt, err := r.Start(ctx, "S1")
	require.NoError(t, err)
	assert.EqualValues(t, 1763432401939, startedAt)
	assert.True(t, r.Recording())
	assert.Equal(t, bus.ScreenStarted{StartedAtMs: startedAt}, nextMsg(t, sub))

	_, err = r.Start(ctx, "S1")
	assert.ErrorIs(t, err, ErrAlreadyRecording)

	require.Eventually(t, func() bool { return fs.ackCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	// a new tab takes over the recording
	require.NoError(t, r.Follow(ctx, "S2"))
	require.Eventually(t, func() bool { return fs.ackCount() == 2 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, r.Stop(ctx))
	assert.False(t, r.Recording())
	assert.Equal(t, bus.ScreenStopped{}, nextMsg(t, sub))

	want := storage.ArchivePath("2025-11-18T02-20-01-939Z", storage.VideoFileName)
	assert.Equal(t, bus.ScreenBlobReady{Ref: want}, nextMsg(t, sub))

	got, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(want)))
	require.NoError(t, err)
	assert.Equal(t, "frame-S1frame-S2", string(got))

	fs.mu.Lock()
	defer fs.mu.Unlock()
	assert.Subset(t, fs.methods, []string{
		"S1:Page.startScreencast",
		"S1:Page.stopScreencast",
		"S2:Page.startScreencast",
		"S2:Page.stopScreencast",
	})
}

func TestRecorderStopWithoutStart(t *testing.T) {
	t.Parallel()

	b := bus.New(log.NewNullLogger())
	r := newTestRecorder(t, (&fakeScreencast{}).serve(t), b, t.TempDir())

	require.NoError(t, r.Stop(context.Background()))
	assert.False(t, r.Recording())
}

func TestRecorderUnavailable(t *testing.T) {
	t.Parallel()

	t.Run("encoder", func(t *testing.T) {
		t.Parallel()

		b := bus.New(log.NewNullLogger())
		r := newTestRecorder(t, (&fakeScreencast{}).serve(t), b, t.TempDir())
		r.newEncoder = func(context.Context, int64) (encoder, error) {
			return nil, errors.New(`exec: "ffmpeg": executable file not found in $PATH`)
		}

		_, err := r.Start(context.Background(), "S1")
		assert.ErrorIs(t, err, ErrUnavailable)
		assert.False(t, r.Recording())
	})

	t.Run("browser", func(t *testing.T) {
		t.Parallel()

		b := bus.New(log.NewNullLogger())
		r := newTestRecorder(t, (&fakeScreencast{refuse: true}).serve(t), b, t.TempDir())

		_, err := r.Start(context.Background(), "S1")
		assert.ErrorIs(t, err, ErrUnavailable)
		assert.Contains(t, err.Error(), "Not allowed")
		assert.False(t, r.Recording())
	})
}
