// Package cdp is a small Chrome DevTools Protocol client: one WebSocket
// connection, flat sessions, typed commands through cdproto and event
// subscriptions per session.
package cdp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/mailru/easyjson"

	"github.com/event-capture/eventcapture/cdp/domains"
	"github.com/event-capture/eventcapture/log"
)

// ErrConnectionClosed is returned for commands issued after the connection to
// the browser went away.
var ErrConnectionClosed = errors.New("CDP connection closed")

var _ cdp.Executor = &Client{}

// Client manages CDP communication with the browser.
type Client struct {
	ctx    context.Context
	logger *log.Logger

	Browser domains.Browser
	Page    domains.Page
	Runtime domains.Runtime
	Target  domains.Target

	conn      *connection
	msgID     int64
	sendCh    chan *cdproto.Message
	msgSubsMu sync.Mutex
	msgSubs   map[int64]chan *cdproto.Message

	done     chan struct{}
	doneOnce sync.Once
	doneErr  error

	watcher *eventWatcher
	wsURL   string
}

// NewClient returns a new Client that is unusable until a CDP connection is
// established with Connect().
func NewClient(ctx context.Context, logger *log.Logger) *Client {
	c := &Client{
		ctx:     ctx,
		logger:  logger,
		sendCh:  make(chan *cdproto.Message, 32), // Buffered to avoid blocking in Execute
		msgSubs: make(map[int64]chan *cdproto.Message),
		done:    make(chan struct{}),
		watcher: newEventWatcher(ctx),
	}

	c.Browser = domains.NewBrowser(c)
	c.Page = domains.NewPage(c)
	c.Runtime = domains.NewRuntime(c)
	c.Target = domains.NewTarget(c)

	return c
}

// Connect to the browser that exposes a CDP API at wsURL.
func (c *Client) Connect(wsURL string) (err error) {
	if c.wsURL != "" {
		return fmt.Errorf("CDP connection already established to %q", c.wsURL)
	}

	if c.conn, err = newConnection(c.ctx, wsURL, c.logger); err != nil {
		return
	}
	c.logger.Infof("cdp", "established CDP connection to %q", wsURL)
	c.wsURL = wsURL

	go c.recvLoop()
	go c.sendLoop()

	return nil
}

// Disconnect from the browser's CDP API.
func (c *Client) Disconnect() {
	if c.conn != nil {
		c.conn.Close()
	}
	c.shutdown(nil)
}

// Done is closed once the connection to the browser is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the reason the connection ended, if it ended abnormally.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.doneErr
	default:
		return nil
	}
}

// Execute implements cdp.Executor and performs a synchronous send and
// receive.
func (c *Client) Execute(ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
	id := atomic.AddInt64(&c.msgID, 1)
	c.logger.Tracef("Client:Execute", "wsURL:%q id:%d method:%q", c.wsURL, id, method)

	var buf []byte
	if params != nil {
		var err error
		buf, err = easyjson.Marshal(params)
		if err != nil {
			return fmt.Errorf("encoding %s params: %w", method, err)
		}
	}
	msg := &cdproto.Message{
		ID:     id,
		Method: cdproto.MethodType(method),
		Params: buf,
	}

	// We use different sessions to send messages to "targets"
	// (browser, page, frame etc.) in CDP.
	//
	// If we don't specify a session (a session ID in the JSON message),
	// it will be a message for the browser target.
	if sid := GetSessionID(ctx); sid != "" {
		msg.SessionID = target.SessionID(sid)
	}

	// Setup the channel used to block for the response to the message.
	recvCh := make(chan *cdproto.Message, 1)
	c.msgSubsMu.Lock()
	c.msgSubs[id] = recvCh
	c.msgSubsMu.Unlock()
	defer func() {
		c.msgSubsMu.Lock()
		delete(c.msgSubs, id)
		c.msgSubsMu.Unlock()
	}()

	return c.send(ctx, msg, recvCh, res)
}

// Subscribe returns a channel that will be notified when the provided CDP
// events are received for the session set in ctx (every session if none is
// set), and a cancellation function that will unsubscribe and close the
// channel. The subscription also ends when ctx is done.
func (c *Client) Subscribe(ctx context.Context, events ...cdproto.MethodType) (<-chan *Event, func()) {
	return c.watcher.subscribe(ctx, GetSessionID(ctx), events...)
}

func (c *Client) send(ctx context.Context, msg *cdproto.Message, recvCh chan *cdproto.Message, res easyjson.Unmarshaler) error {
	select {
	case c.sendCh <- msg:
	case <-c.done:
		return c.closedErr()
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return c.ctx.Err()
	}

	select {
	case msg := <-recvCh:
		switch {
		case msg == nil:
			return errors.New("msg is nil")
		case msg.Error != nil:
			return msg.Error
		case res != nil:
			return easyjson.Unmarshal(msg.Result, res)
		}
	case <-c.done:
		return c.closedErr()
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return c.ctx.Err()
	}

	return nil
}

func (c *Client) closedErr() error {
	if err := c.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}
	return ErrConnectionClosed
}

func (c *Client) shutdown(err error) {
	c.doneOnce.Do(func() {
		c.doneErr = err
		close(c.done)
	})
}

func (c *Client) recvLoop() {
	for {
		msg, err := c.conn.readMessage()
		var wsErr wsIOError
		switch {
		case errors.As(err, &wsErr):
			if isClosedErr(err) {
				c.logger.Debugf("Client:recvLoop", "wsURL:%q closed", c.wsURL)
				c.shutdown(nil)
			} else {
				c.logger.Errorf("Client:recvLoop", "wsURL:%q ioErr:%v", c.wsURL, err)
				c.shutdown(err)
			}
			return
		case err != nil:
			c.logger.Warnf("Client:recvLoop", "wsURL:%q %v", c.wsURL, err)
			continue
		}

		switch {
		case msg.Method != "":
			evt, err := cdproto.UnmarshalMessage(msg)
			if err != nil {
				c.logger.Tracef("Client:recvLoop", "skipping %s: %v", msg.Method, err)
				continue
			}
			c.watcher.notify(&Event{
				Name:      msg.Method,
				Data:      evt,
				SessionID: msg.SessionID,
			})
		case msg.ID > 0:
			c.msgSubsMu.Lock()
			ch, ok := c.msgSubs[msg.ID]
			delete(c.msgSubs, msg.ID)
			c.msgSubsMu.Unlock()
			if !ok {
				c.logger.Debugf("Client:recvLoop", "no one is waiting for reply %d", msg.ID)
				continue
			}
			// buffered, and only ever written once
			ch <- msg
		default:
			c.logger.Errorf("Client:recvLoop", "ignoring malformed incoming CDP message (missing id or method): %#v", msg)
		}
	}
}

func (c *Client) sendLoop() {
	for {
		select {
		case msg := <-c.sendCh:
			if err := c.conn.writeMessage(msg); err != nil {
				c.logger.Errorf("Client:sendLoop", "wsURL:%q id:%d err:%v", c.wsURL, msg.ID, err)
				var wsErr wsIOError
				if errors.As(err, &wsErr) {
					c.shutdown(err)
					c.conn.Close()
					return
				}
				c.failPending(msg.ID, err)
			}
		case <-c.done:
			c.logger.Debugf("Client:sendLoop", "wsURL:%q done", c.wsURL)
			return
		case <-c.ctx.Done():
			c.logger.Debugf("Client:sendLoop", "returning, ctx.Err: %q", c.ctx.Err())
			c.conn.Close()
			c.shutdown(c.ctx.Err())
			return
		}
	}
}

// failPending answers the command with the given id with err.
func (c *Client) failPending(id int64, err error) {
	c.msgSubsMu.Lock()
	ch, ok := c.msgSubs[id]
	delete(c.msgSubs, id)
	c.msgSubsMu.Unlock()
	if ok {
		ch <- &cdproto.Message{ID: id, Error: &cdproto.Error{Message: err.Error()}}
	}
}
