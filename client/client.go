// Package client implements a socklet client. Once a Client is
// returned via a call to Dial or New, it can be used to emit events
// to the server, which routes them to the handler registered for
// the event name.
//
// Messages received from the server are sent to a Handler. Each
// received message is sent to the Handler in a separate goroutine.
// Messages that are not valid envelopes are delivered as an Envelope
// with an empty Type and the raw payload as Data.
package client

import (
	"context"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mna/socklet/message"
)

// ErrWriteLockTimeout is returned when a message cannot be sent because
// the exclusive write lock could not be acquired before the timeout.
var ErrWriteLockTimeout = errors.New("socklet/client: timed out waiting for write lock")

// ErrWriteLimitExceeded is returned when a message is larger than the
// write limit.
var ErrWriteLimitExceeded = errors.New("socklet/client: write limit exceeded")

// Client is a socklet client based on a websocket connection. It is
// used to send and receive messages to and from a socklet server.
type Client struct {
	conn *websocket.Conn

	// options
	handler                 Handler
	readTimeout             time.Duration
	writeTimeout            time.Duration
	acquireWriteLockTimeout time.Duration
	writeLimit              int64
	binary                  bool
	logFn                   func(string, ...interface{})

	// signals close of client
	stop chan struct{}

	wmu chan struct{} // exclusive write lock
	mu  sync.Mutex    // lock access to err field
	err error
}

// New creates a socklet client using the provided websocket
// connection. Received messages are sent to the handler set by
// the SetHandler option.
func New(conn *websocket.Conn, opts ...Option) *Client {
	// wmu is the write lock, used as mutex so it can be select'ed upon.
	// start with an available slot (initialize with a sent value).
	wmu := make(chan struct{}, 1)
	wmu <- struct{}{}

	c := &Client{
		conn: conn,
		stop: make(chan struct{}),
		wmu:  wmu,
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.handleMessages()
	return c
}

func (c *Client) handleMessages() {
	defer close(c.stop)

	for {
		if to := c.readTimeout; to > 0 {
			c.conn.SetReadDeadline(time.Now().Add(to))
		}
		_, b, err := c.conn.ReadMessage()
		if err != nil {
			c.setErr(err)
			return
		}
		if c.handler == nil {
			continue
		}

		m, err := message.Unmarshal(b)
		if err != nil {
			c.logf("received invalid message: %v", err)
			m = &message.Envelope{Data: string(b)}
		}
		go c.handler.Handle(context.Background(), m)
	}
}

func (c *Client) logf(f string, args ...interface{}) {
	if c.logFn != nil {
		c.logFn(f, args...)
	} else {
		log.Printf(f, args...)
	}
}

func (c *Client) setErr(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
}

func (c *Client) getErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Dial is a helper function to create a Client connected to urlStr using
// the provided *websocket.Dialer and request headers. If the connection
// succeeds, it returns the initialized client, otherwise it returns an
// error. For a better control over the connection, directly use the
// *websocket.Dialer and create the client once the connection is
// established, using New.
//
// If the server requires authentication, set the Authorization header
// on reqHeader.
func Dial(d *websocket.Dialer, urlStr string, reqHeader http.Header, opts ...Option) (*Client, error) {
	conn, _, err := d.Dial(urlStr, reqHeader)
	if err != nil {
		return nil, err
	}
	return New(conn, opts...), nil
}

// Close closes the connection. No more messages will be received.
func (c *Client) Close() error {
	err := c.getErr()

	// closing the websocket connection causes the ReadMessage
	// call in handleMessages to fail, closing c.stop.
	err2 := c.conn.Close()
	<-c.stop

	if err == nil {
		// if c.err is nil, store the close error
		err = err2
		if err2 != nil {
			c.setErr(err2)
		} else {
			c.setErr(errors.New("closed connection"))
		}
	}
	return err
}

// CloseNotify returns a channel that is closed when the client is
// closed.
func (c *Client) CloseNotify() <-chan struct{} {
	return c.stop
}

// UnderlyingConn returns the underlying websocket connection used by the
// client. Care should be taken when using the websocket connection
// directly, as it may interfere with the normal behaviour of the client.
func (c *Client) UnderlyingConn() *websocket.Conn {
	return c.conn
}

// Emit sends a dispatch message for the event with the data to the
// server. It returns an error if the message could not be sent.
func (c *Client) Emit(event, data string) error {
	return c.Send(message.NewDispatch(event, data))
}

// Send sends the message to the server.
func (c *Client) Send(m *message.Envelope) error {
	if err := c.getErr(); err != nil {
		return err
	}

	b, err := message.Marshal(m)
	if err != nil {
		return err
	}
	return c.doWrite(b)
}

// doWrite calls writeMsg and marks the connection as failed if the
// write fails.
func (c *Client) doWrite(b []byte) error {
	if err := c.writeMsg(b); err != nil {
		c.setErr(err)
		return err
	}
	return nil
}

func (c *Client) writeMsg(b []byte) error {
	if l := c.writeLimit; l > 0 && int64(len(b)) > l {
		return ErrWriteLimitExceeded
	}

	var wait <-chan time.Time
	if to := c.acquireWriteLockTimeout; to > 0 {
		wait = time.After(to)
	}
	select {
	case <-wait:
		return ErrWriteLockTimeout
	case <-c.wmu:
	}
	defer func() { c.wmu <- struct{}{} }()

	if to := c.writeTimeout; to > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(to))
	}
	mt := websocket.TextMessage
	if c.binary {
		mt = websocket.BinaryMessage
	}
	return c.conn.WriteMessage(mt, b)
}

// Handler defines the method required to handle a message received
// from the server.
type Handler interface {
	Handle(context.Context, *message.Envelope)
}

// HandlerFunc is a function that implements the Handler interface.
type HandlerFunc func(context.Context, *message.Envelope)

// Handle implements Handler for a HandlerFunc. It calls fn
// with the parameters.
func (fn HandlerFunc) Handle(ctx context.Context, m *message.Envelope) {
	fn(ctx, m)
}

// Option sets an option on the Client.
type Option func(*Client)

// SetHandler sets the handler that is called with each message
// received from the server. Each invocation runs in its own
// goroutine, so proper synchronization must be used when accessing
// shared data.
func SetHandler(h Handler) Option {
	return func(c *Client) {
		c.handler = h
	}
}

// SetReadTimeout sets the read timeout of the connection. The client
// fails if no message is received from the server within that time.
func SetReadTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.readTimeout = timeout
	}
}

// SetWriteTimeout sets the write timeout of the connection.
func SetWriteTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.writeTimeout = timeout
	}
}

// SetAcquireWriteLockTimeout sets the timeout to acquire the exclusive
// write lock. If a lock cannot be acquired before the timeout, the connection
// is marked as failed and should be closed.
func SetAcquireWriteLockTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.acquireWriteLockTimeout = timeout
	}
}

// SetReadLimit sets the limit in bytes of messages read from the connection.
// If a message exceeds the limit, the connection is marked as failed and
// should be closed.
func SetReadLimit(limit int64) Option {
	return func(c *Client) {
		c.conn.SetReadLimit(limit)
	}
}

// SetWriteLimit sets the limit in bytes of messages sent on the connection.
// If a message exceeds the limit, the connection is marked as failed and
// should be closed.
func SetWriteLimit(limit int64) Option {
	return func(c *Client) {
		c.writeLimit = limit
	}
}

// SetBinary sets whether messages are sent in binary frames instead of
// text frames. The server decodes both the same way.
func SetBinary(binary bool) Option {
	return func(c *Client) {
		c.binary = binary
	}
}

// SetLogFunc sets the logging function of the client. If it is not set,
// log.Printf is used.
func SetLogFunc(fn func(string, ...interface{})) Option {
	return func(c *Client) {
		c.logFn = fn
	}
}
