package socklet

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/mna/socklet/frame"
	"github.com/mna/socklet/handshake"
	"github.com/mna/socklet/internal/wswriter"
	"github.com/pborman/uuid"
	"golang.org/x/time/rate"
)

// ConnState represents the possible states of a connection.
type ConnState int

// The list of possible connection states.
const (
	Unknown ConnState = iota
	Accepting
	Connected
	Closed
)

var connStateNames = [...]string{
	Unknown:   "unknown",
	Accepting: "accepting",
	Connected: "connected",
	Closed:    "closed",
}

func (cs ConnState) String() string {
	if cs >= 0 && int(cs) < len(connStateNames) {
		return connStateNames[cs]
	}
	return connStateNames[Unknown]
}

// Conn is a socklet connection. Each connection is identified by
// a UUID and has an underlying network connection. It is safe to
// call methods on a Conn concurrently, but the fields should be
// treated as read-only.
type Conn struct {
	// UUID is the unique identifier of the connection.
	UUID uuid.UUID

	// CloseErr is the error, if any, that caused the connection
	// to close. Must only be accessed after the close notification
	// has been received (i.e. after a <-conn.CloseNotify()).
	CloseErr error

	nc      net.Conn
	srv     *Server
	req     *handshake.Request
	limiter *rate.Limiter

	wmu chan struct{} // exclusive write lock

	// extra data associated with the connection
	xmu   sync.Mutex
	extra []byte

	// ensure the kill channel can only be closed once
	closeOnce sync.Once
	kill      chan struct{}
}

func newConn(nc net.Conn, srv *Server) *Conn {
	// wmu is the write lock, used as mutex so it can be select'ed upon.
	// start with an available slot (initialize with a sent value).
	wmu := make(chan struct{}, 1)
	wmu <- struct{}{}

	c := &Conn{
		UUID: uuid.NewRandom(),
		nc:   nc,
		srv:  srv,
		wmu:  wmu,
		kill: make(chan struct{}),
	}
	if srv.MessageRate > 0 {
		burst := srv.MessageBurst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(srv.MessageRate, burst)
	}
	return c
}

// UnderlyingConn returns the underlying network connection. Care
// should be taken when using the connection directly, as it may
// interfere with the normal socklet connection behaviour.
func (c *Conn) UnderlyingConn() net.Conn {
	return c.nc
}

// Request returns the upgrade request received during the handshake.
// It is nil until the handshake request has been read.
func (c *Conn) Request() *handshake.Request {
	return c.req
}

// CloseNotify returns a signal channel that is closed when the
// Conn is closed.
func (c *Conn) CloseNotify() <-chan struct{} {
	return c.kill
}

// LocalAddr returns the local network address.
func (c *Conn) LocalAddr() net.Addr {
	return c.nc.LocalAddr()
}

// RemoteAddr returns the remote network address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.nc.RemoteAddr()
}

// SetExtra associates arbitrary data with the connection, replacing
// any previous value. The bytes are copied.
func (c *Conn) SetExtra(b []byte) {
	var cp []byte
	if b != nil {
		cp = make([]byte, len(b))
		copy(cp, b)
	}
	c.xmu.Lock()
	c.extra = cp
	c.xmu.Unlock()
}

// Extra returns a copy of the data associated with the connection
// by SetExtra, or nil if there is none.
func (c *Conn) Extra() []byte {
	c.xmu.Lock()
	defer c.xmu.Unlock()
	if c.extra == nil {
		return nil
	}
	cp := make([]byte, len(c.extra))
	copy(cp, c.extra)
	return cp
}

// Close closes the connection, setting err as CloseErr to identify
// the reason of the close. It closes the underlying network connection
// without sending a websocket close frame. As with all Conn methods,
// it is safe to call concurrently, but only the first call closes the
// network connection and sets the CloseErr field to err.
func (c *Conn) Close(err error) {
	c.closeOnce.Do(func() {
		c.CloseErr = err
		c.nc.Close()
		close(c.kill)
	})
}

// Writer returns an io.WriteCloser that can be used to send a
// frame of type op on the connection. Only one writer can be active
// at any moment for a given connection, so the returned writer
// will acquire a lock on the first call to Write, and will
// release it only when Close is called. The frame is sent when
// Close is called. The timeout controls the time to wait to acquire
// the lock on the first call to Write. If the lock cannot be acquired
// within that time, an error is returned and no write is performed.
//
// It is possible to enter a deadlock state if Writer is called
// with no timeout, an initial Write is executed, and Writer is
// called again from the same goroutine, without a timeout.
// To avoid this, make sure each goroutine closes the Writer
// before asking for another one, and ideally always use a timeout.
//
// The returned writer itself is not safe for concurrent use, but
// as all Conn methods, Writer can be called concurrently.
func (c *Conn) Writer(op frame.Opcode, timeout time.Duration) io.WriteCloser {
	return wswriter.Exclusive(
		c.nc,
		op,
		c.wmu,
		timeout,
		c.srv.WriteTimeout,
	)
}

// Send sends payload to the client as a single frame of type op.
// If the write fails, the connection is closed and the write error
// is stored as CloseErr on the connection (unless an earlier error
// already caused the connection to close).
func (c *Conn) Send(op frame.Opcode, payload []byte) error {
	w := wswriter.Exclusive(c.nc, op, c.wmu, c.srv.AcquireWriteLockTimeout, c.srv.WriteTimeout)

	lw := io.Writer(w)
	if l := c.srv.WriteLimit; l > 0 {
		lw = wswriter.Limit(w, l)
	}

	var err error
	if _, err = lw.Write(payload); err != nil {
		w.Discard()
	} else {
		err = w.Close()
	}
	if err != nil {
		c.srv.writeFailed(c, err)
	}
	return err
}

// SendText sends s to the client as a text frame.
func (c *Conn) SendText(s string) error {
	return c.Send(frame.Text, []byte(s))
}

// receive is the read loop, it runs until the connection fails or the
// client closes it. The pending bytes are data already received after
// the handshake request.
func (c *Conn) receive(pending []byte) error {
	buf := make([]byte, c.srv.readBufferSize())
	data := append([]byte(nil), pending...)
	limit := c.srv.readLimit()

	var rerr error
	for {
		// process all complete frames received so far
		for len(data) > 0 {
			f, n, err := frame.DecodeLimit(data, limit)
			if err != nil {
				if frame.IsIncomplete(err) {
					break
				}
				if err != frame.ErrConnectionClosed {
					c.srv.addVar("FramesInvalid", 1)
				}
				return err
			}
			data = append(data[:0], data[n:]...)
			c.process(f)
		}

		// frames received along with a read error are processed first
		if rerr != nil {
			return rerr
		}
		var n int
		n, rerr = c.nc.Read(buf)
		data = append(data, buf[:n]...)
	}
}
