package socklet

import (
	"errors"
	"expvar"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/mna/socklet/broker"
	"github.com/mna/socklet/frame"
	"github.com/mna/socklet/handshake"
	"github.com/mna/socklet/internal/wswriter"
	"github.com/pborman/uuid"
	"golang.org/x/time/rate"
)

// DefaultReadBufferSize is the size of the per-connection read buffer
// used when Server.ReadBufferSize is 0.
const DefaultReadBufferSize = 4096

// DefaultReadLimit is the maximum payload size of incoming frames when
// Server.ReadLimit is 0. It fits an envelope with the largest data
// accepted by the message package.
const DefaultReadLimit = 68 << 10

// DefaultBroadcastChannel is the pub-sub channel used to relay broadcasts
// when Server.BroadcastChannel is empty.
const DefaultBroadcastChannel = "socklet:broadcast"

// DiscardLog is a no-op logging function that can be used as Server.LogFunc
// to disable logging.
var DiscardLog = func(_ string, _ ...interface{}) {}

// ErrUnauthorized is the close error of connections rejected by the
// Server's Authenticator.
var ErrUnauthorized = errors.New("socklet: unauthorized")

// ErrServerClosed is returned by Serve after a call to Close.
var ErrServerClosed = errors.New("socklet: server closed")

// Server is a socklet server. It accepts TCP connections, upgrades
// them to the websocket protocol and dispatches the messages received
// on each connection to the event handlers registered in Events.
//
// The fields should not be updated once a server has started
// serving connections.
type Server struct {
	// Addr is the TCP address to listen on for ListenAndServe.
	Addr string

	// Network is the network to listen on for ListenAndServe. The
	// default is "tcp4".
	Network string

	// MaxHeaderBytes is the maximum size, in bytes, of the upgrade
	// request. The default of 0 means handshake.DefaultMaxHeaderBytes.
	MaxHeaderBytes int

	// ReadBufferSize is the size of the buffer used to read from
	// a connection. The default of 0 means DefaultReadBufferSize.
	ReadBufferSize int

	// ReadLimit defines the maximum size, in bytes, of the payload
	// of incoming frames. If a client sends a frame that exceeds this
	// limit, the connection is closed. The default of 0 means
	// DefaultReadLimit, a negative value means no limit.
	ReadLimit int64

	// WriteLimit defines the maximum size, in bytes, of outgoing
	// frames. If a frame exceeds this limit, the connection is
	// closed. The default of 0 means no limit.
	WriteLimit int64

	// WriteTimeout is the timeout to write an outgoing frame. It is
	// set on the connection with SetWriteDeadline before writing
	// each frame. The default of 0 means no timeout.
	WriteTimeout time.Duration

	// AcquireWriteLockTimeout is the time to wait for the exclusive
	// write lock for a connection. If the lock cannot be acquired
	// before the timeout, the connection is dropped. The default of
	// 0 means no timeout.
	AcquireWriteLockTimeout time.Duration

	// MessageRate is the number of messages per second allowed on
	// a connection. Messages received over that rate are dropped.
	// The default of 0 means no limit.
	MessageRate rate.Limit

	// MessageBurst is the number of messages that can be received at
	// once when MessageRate is set. Values < 1 mean 1.
	MessageBurst int

	// Auth is the optional authenticator of upgrade requests. If set,
	// requests that fail authentication get a 401 Unauthorized response
	// and are never registered.
	Auth Authenticator

	// ConnState specifies an optional callback function that is called
	// when a connection changes state. If non-nil, it is called for
	// Accepting, Connected and Closed states. Connected is called once
	// the handshake is complete and the connection is registered.
	//
	// The possible state transitions are:
	//
	//     Accepting -> Closed (if the handshake or authentication failed)
	//     Accepting -> Connected
	//     Connected -> Closed
	ConnState func(*Conn, ConnState)

	// Handler is the handler that is called when a message is
	// received. The ProcessMsg function is called if the default
	// nil value is set. If a custom handler is set, it is assumed
	// that it will call ProcessMsg at some point, or otherwise
	// manually process the messages.
	Handler Handler

	// Events is the router of dispatch messages to event handlers.
	// If nil, all dispatch messages are reported as unknown events.
	Events *Router

	// PubSub is the optional broker used to relay broadcasts to all
	// server instances. If set, Broadcast publishes to the broker and
	// Serve delivers the events it receives to the local connections.
	PubSub broker.PubSubBroker

	// BroadcastChannel is the pub-sub channel used to relay broadcasts.
	// The default is DefaultBroadcastChannel.
	BroadcastChannel string

	// LogFunc is the function called to log events. By default,
	// it logs using log.Printf. Logging can be disabled by setting
	// LogFunc to DiscardLog.
	LogFunc func(string, ...interface{})

	// Vars can be set to an *expvar.Map to collect metrics about the
	// server.
	Vars *expvar.Map

	conns Registry

	mu     sync.Mutex
	ls     map[net.Listener]struct{}
	closed bool
	psc    broker.PubSubConn
}

// ListenAndServe listens on Addr and serves the connections. It
// blocks until the listener is closed by a call to Close.
func (srv *Server) ListenAndServe() error {
	network := srv.Network
	if network == "" {
		network = "tcp4"
	}
	l, err := net.Listen(network, srv.Addr)
	if err != nil {
		return err
	}
	return srv.Serve(l)
}

// Serve accepts connections on l and serves each of them in its
// own goroutine. Temporary accept errors are logged and retried
// with a backoff. It returns ErrServerClosed once Close is called.
func (srv *Server) Serve(l net.Listener) error {
	defer l.Close()

	if !srv.trackListener(l, true) {
		return ErrServerClosed
	}
	defer srv.trackListener(l, false)

	if srv.PubSub != nil {
		if err := srv.startRelay(); err != nil {
			return err
		}
	}

	var delay time.Duration
	for {
		nc, err := l.Accept()
		if err != nil {
			if srv.isClosed() {
				return ErrServerClosed
			}
			if ne, ok := err.(net.Error); ok && ne.Temporary() {
				if delay == 0 {
					delay = 5 * time.Millisecond
				} else {
					delay *= 2
				}
				if max := time.Second; delay > max {
					delay = max
				}
				srv.logf("Serve: accept error: %v; retrying in %v", err, delay)
				time.Sleep(delay)
				continue
			}
			return err
		}
		delay = 0
		go srv.ServeConn(nc)
	}
}

// Close closes the listeners of the server. Connections already
// established are not affected, they stay open until the client
// disconnects.
func (srv *Server) Close() error {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	srv.closed = true
	var err error
	for l := range srv.ls {
		if e := l.Close(); e != nil && err == nil {
			err = e
		}
		delete(srv.ls, l)
	}
	if srv.psc != nil {
		srv.psc.Close()
		srv.psc = nil
	}
	return err
}

func (srv *Server) trackListener(l net.Listener, add bool) bool {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	if add {
		if srv.closed {
			return false
		}
		if srv.ls == nil {
			srv.ls = make(map[net.Listener]struct{})
		}
		srv.ls[l] = struct{}{}
	} else {
		delete(srv.ls, l)
	}
	return true
}

func (srv *Server) isClosed() bool {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return srv.closed
}

// ServeConn serves the network connection nc as a socklet connection.
// It reads the upgrade request, authenticates it and completes the
// handshake, then processes incoming frames until the connection
// fails or the client closes it. It blocks until the connection is
// closed, and the network connection is always closed when it returns.
func (srv *Server) ServeConn(nc net.Conn) {
	if srv.Vars != nil {
		srv.Vars.Add("TotalConns", 1)
	}

	c := newConn(nc, srv)

	// start lifecycle - Accepting, and ensure Closed is called on exit
	if cs := srv.ConnState; cs != nil {
		defer func() {
			cs(c, Closed)
		}()
		cs(c, Accepting)
	}
	defer func() {
		// removal closes the connection, otherwise it was never registered
		if !srv.conns.Remove(c.UUID) {
			c.Close(nil)
		}
	}()

	maxHdr := srv.MaxHeaderBytes
	if maxHdr <= 0 {
		maxHdr = handshake.DefaultMaxHeaderBytes
	}
	req, err := handshake.Read(nc, maxHdr)
	if err != nil {
		srv.addVar("HandshakeFailures", 1)
		c.Close(fmt.Errorf("failed to read upgrade request: %w", err))
		return
	}
	c.req = req

	if a := srv.Auth; a != nil && !a.Authenticate(req) {
		srv.addVar("AuthFailures", 1)
		handshake.WriteUnauthorized(nc)
		c.Close(ErrUnauthorized)
		return
	}

	if err := handshake.WriteResponse(nc, req.Key); err != nil {
		srv.addVar("HandshakeFailures", 1)
		c.Close(err)
		return
	}

	if err := srv.conns.Add(c); err != nil {
		c.Close(err)
		return
	}
	if srv.Vars != nil {
		srv.Vars.Add("ActiveConns", 1)
		defer srv.Vars.Add("ActiveConns", -1)
	}

	// switch to connected state
	if cs := srv.ConnState; cs != nil {
		cs(c, Connected)
	}

	// the read loop runs on this goroutine, so that messages are processed
	// in the order they are received.
	err = c.receive(req.Rest)
	c.Close(err)
}

// Conns returns the currently connected connections, in the order
// they were registered.
func (srv *Server) Conns() []*Conn {
	return srv.conns.Conns()
}

// Len returns the number of currently connected connections.
func (srv *Server) Len() int {
	return srv.conns.Len()
}

// Lookup returns the connected connection identified by id, or nil.
func (srv *Server) Lookup(id uuid.UUID) *Conn {
	return srv.conns.Get(id)
}

// Broadcast sends payload as a frame of type op to all connections.
// If PubSub is set, the frame is published on the broadcast channel and
// is sent to the connections of all servers that relay that channel,
// this one included. Otherwise it is sent to the local connections and
// the number of successful sends is returned.
func (srv *Server) Broadcast(op frame.Opcode, payload []byte) (int, error) {
	if srv.PubSub != nil {
		bp := &broker.BroadcastPayload{
			MsgUUID: uuid.NewRandom(),
			Binary:  op == frame.Binary,
			Data:    payload,
		}
		return 0, srv.PubSub.Publish(srv.broadcastChannel(), bp)
	}
	return srv.broadcastLocal(op, payload), nil
}

func (srv *Server) broadcastLocal(op frame.Opcode, payload []byte) int {
	var n int
	for _, c := range srv.conns.Conns() {
		if err := c.Send(op, payload); err == nil {
			n++
		}
	}
	return n
}

func (srv *Server) broadcastChannel() string {
	if ch := srv.BroadcastChannel; ch != "" {
		return ch
	}
	return DefaultBroadcastChannel
}

func (srv *Server) startRelay() error {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	if srv.psc != nil {
		// already relaying for another listener
		return nil
	}

	psc, err := srv.PubSub.NewPubSubConn()
	if err != nil {
		return fmt.Errorf("failed to create pubsub connection: %w", err)
	}
	if err := psc.Subscribe(srv.broadcastChannel(), false); err != nil {
		psc.Close()
		return fmt.Errorf("failed to subscribe to broadcast channel: %w", err)
	}
	srv.psc = psc
	go srv.relay(psc)
	return nil
}

// relay is the loop that receives broadcasts from the pub-sub broker,
// started in its own goroutine.
func (srv *Server) relay(psc broker.PubSubConn) {
	for ev := range psc.Events() {
		op := frame.Text
		if ev.Payload.Binary {
			op = frame.Binary
		}
		srv.broadcastLocal(op, ev.Payload.Data)
	}
	if err := psc.EventsErr(); err != nil && !srv.isClosed() {
		srv.logf("relay: pub-sub connection failed: %v", err)
	}
}

func (srv *Server) writeFailed(c *Conn, err error) {
	switch err {
	case wswriter.ErrWriteLockTimeout:
		srv.addVar("WriteLockTimeouts", 1)
	case wswriter.ErrWriteLimitExceeded:
		srv.addVar("WriteLimitExceeded", 1)
	default:
		// client may be gone
	}
	c.Close(err)
}

func (srv *Server) readBufferSize() int {
	if n := srv.ReadBufferSize; n > 0 {
		return n
	}
	return DefaultReadBufferSize
}

func (srv *Server) readLimit() int64 {
	switch n := srv.ReadLimit; {
	case n < 0:
		return 0
	case n == 0:
		return DefaultReadLimit
	default:
		return n
	}
}

func (srv *Server) addVar(key string, delta int64) {
	if srv.Vars != nil {
		srv.Vars.Add(key, delta)
	}
}

func (srv *Server) logf(f string, args ...interface{}) {
	logf(srv.LogFunc, f, args...)
}

func logf(fn func(string, ...interface{}), f string, args ...interface{}) {
	if fn != nil {
		fn(f, args...)
	} else {
		log.Printf(f, args...)
	}
}
