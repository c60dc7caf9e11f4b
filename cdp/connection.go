package cdp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/gorilla/websocket"
	"github.com/mailru/easyjson"
	"github.com/mailru/easyjson/jwriter"

	"github.com/event-capture/eventcapture/log"
)

// wsIOError wraps errors returned by the underlying WebSocket.
type wsIOError struct {
	err error
}

func (e wsIOError) Error() string { return e.err.Error() }
func (e wsIOError) Unwrap() error { return e.err }

type connection struct {
	ws     *websocket.Conn
	wsURL  string
	logger *log.Logger

	closeOnce sync.Once
}

func newConnection(ctx context.Context, wsURL string, logger *log.Logger) (*connection, error) {
	wd := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		// screencast frames and captured HTML can be large
		ReadBufferSize:  1 << 20,
		WriteBufferSize: 1 << 20,
		Proxy:           http.ProxyFromEnvironment,
	}
	ws, _, err := wd.DialContext(ctx, wsURL, http.Header{})
	if err != nil {
		return nil, fmt.Errorf("connecting to %q: %w", wsURL, err)
	}

	return &connection{
		ws:     ws,
		wsURL:  wsURL,
		logger: logger,
	}, nil
}

// readMessage blocks until the next message arrives. Only the client's
// receive loop calls it.
func (c *connection) readMessage() (*cdproto.Message, error) {
	_, buf, err := c.ws.ReadMessage()
	if err != nil {
		return nil, wsIOError{err}
	}

	var msg cdproto.Message
	if err := easyjson.Unmarshal(buf, &msg); err != nil {
		return nil, fmt.Errorf("decoding CDP message: %w", err)
	}

	return &msg, nil
}

// writeMessage sends msg. Only the client's send loop calls it.
func (c *connection) writeMessage(msg *cdproto.Message) error {
	var encoder jwriter.Writer
	msg.MarshalEasyJSON(&encoder)
	if err := encoder.Error; err != nil {
		return fmt.Errorf("encoding CDP message: %w", err)
	}
	buf, err := encoder.BuildBytes()
	if err != nil {
		return fmt.Errorf("encoding CDP message: %w", err)
	}

	if err := c.ws.WriteMessage(websocket.TextMessage, buf); err != nil {
		return wsIOError{err}
	}

	return nil
}

// Close closes the WebSocket connection. It is safe to call more than once.
func (c *connection) Close() {
	c.closeOnce.Do(func() {
		c.logger.Debugf("connection:Close", "wsURL:%q", c.wsURL)
		deadline := time.Now().Add(time.Second)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, deadline)
		_ = c.ws.Close()
	})
}

// isClosedErr reports whether err is the result of closing the connection.
func isClosedErr(err error) bool {
	return errors.Is(err, net.ErrClosed) ||
		websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
