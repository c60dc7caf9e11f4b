package cdp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/chromedp/cdproto"
	cdpruntime "github.com/chromedp/cdproto/runtime"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/event-capture/eventcapture/log"
)

type wireMsg struct {
	ID        int64           `json:"id,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     json.RawMessage `json:"error,omitempty"`
}

// fakeBrowser answers every command with handle and returns the WebSocket
// URL to connect to.
func fakeBrowser(t *testing.T, handle func(ws *websocket.Conn, msg wireMsg)) string {
	t.Helper()

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close() //nolint:errcheck
		for {
			var msg wireMsg
			if err := ws.ReadJSON(&msg); err != nil {
				return
			}
			handle(ws, msg)
		}
	}))
	t.Cleanup(srv.Close)

	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func newTestClient(t *testing.T, wsURL string) *Client {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	c := NewClient(ctx, log.NewNullLogger())
	require.NoError(t, c.Connect(wsURL))
	t.Cleanup(c.Disconnect)
	return c
}

func TestClientExecute(t *testing.T) {
	t.Parallel()

	wsURL := fakeBrowser(t, func(ws *websocket.Conn, msg wireMsg) {
		switch msg.Method {
		case "Browser.getVersion":
			_ = ws.WriteJSON(wireMsg{ID: msg.ID, Result: json.RawMessage(`{
				"protocolVersion":"1.3",
				"product":"HeadlessChrome/96.0.4664.45",
				"revision":"@abc",
				"userAgent":"Mozilla/5.0",
				"jsVersion":"9.6"}`)})
		default:
			_ = ws.WriteJSON(wireMsg{ID: msg.ID, Error: json.RawMessage(`{"code":-32601,"message":"'` + msg.Method + `' wasn't found"}`)})
		}
	})
	c := newTestClient(t, wsURL)

	ctx := context.Background()
	version, ua, err := c.Browser.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, "96.0.4664.45", version)
	assert.Equal(t, "Mozilla/5.0", ua)

	err = c.Runtime.Enable(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wasn't found")
}

func TestClientSubscribeBySession(t *testing.T) {
	t.Parallel()

	bindingCalled := func(sid, payload string) wireMsg {
		params, _ := json.Marshal(map[string]interface{}{
			"name":               "__eventCaptureEmit",
			"payload":            payload,
			"executionContextId": 1,
		})
		return wireMsg{SessionID: sid, Method: string(cdproto.EventRuntimeBindingCalled), Params: params}
	}
	wsURL := fakeBrowser(t, func(ws *websocket.Conn, msg wireMsg) {
		_ = ws.WriteJSON(bindingCalled("other", "ignored"))
		_ = ws.WriteJSON(bindingCalled(msg.SessionID, "first"))
		_ = ws.WriteJSON(bindingCalled(msg.SessionID, "second"))
		_ = ws.WriteJSON(wireMsg{ID: msg.ID, SessionID: msg.SessionID, Result: json.RawMessage(`{}`)})
	})
	c := newTestClient(t, wsURL)

	ctx := WithSessionID(context.Background(), "S1")
	evts, cancel := c.Subscribe(ctx, cdproto.EventRuntimeBindingCalled)
	defer cancel()

	require.NoError(t, c.Runtime.Enable(ctx))

	for _, want := range []string{"first", "second"} {
		select {
		case evt := <-evts:
			ev, ok := evt.Data.(*cdpruntime.EventBindingCalled)
			require.True(t, ok)
			assert.Equal(t, want, ev.Payload)
			assert.EqualValues(t, "S1", evt.SessionID)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %q", want)
		}
	}

	cancel()
	select {
	case _, ok := <-evts:
		assert.False(t, ok, "the channel is closed on unsubscribe")
	case <-time.After(time.Second):
		t.Fatal("subscription wasn't closed")
	}
}

func TestClientConnectionLoss(t *testing.T) {
	t.Parallel()

	wsURL := fakeBrowser(t, func(ws *websocket.Conn, msg wireMsg) {
		_ = ws.Close()
	})
	c := newTestClient(t, wsURL)

	err := c.Runtime.Enable(context.Background())
	require.Error(t, err)

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("client didn't notice the connection loss")
	}
	assert.ErrorIs(t, c.Runtime.Enable(context.Background()), ErrConnectionClosed)
}

func TestSessionIDContext(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	assert.Empty(t, GetSessionID(ctx))
	assert.Equal(t, "S1", GetSessionID(WithSessionID(ctx, "S1")))
}
