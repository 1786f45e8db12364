// Package socklettest provides test helpers for socklet servers and
// clients.
package socklettest

import (
	"bufio"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// DebugLog is a logging function that logs to the test's log when
// the tests run in verbose mode. It counts the number of calls.
type DebugLog struct {
	T *testing.T

	mu sync.Mutex
	n  int
}

// Printf logs the formatted message if testing.Verbose is true.
func (l *DebugLog) Printf(f string, args ...interface{}) {
	l.mu.Lock()
	l.n++
	l.mu.Unlock()

	if testing.Verbose() {
		l.T.Logf(f, args...)
	}
}

// Calls returns the number of calls to Printf.
func (l *DebugLog) Calls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.n
}

// Listen returns a TCP listener on a free port of the loopback
// interface.
func Listen(t *testing.T) net.Listener {
	l, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err, "Listen")
	return l
}

// Dial makes a websocket connection to the socklet server listening
// on addr, using the gorilla/websocket client.
func Dial(t *testing.T, addr string, h http.Header) *websocket.Conn {
	d := &websocket.Dialer{HandshakeTimeout: time.Second}
	conn, _, err := d.Dial("ws://"+addr+"/", h)
	require.NoError(t, err, "Dial")
	return conn
}

// RawConn is a TCP connection to a socklet server that sends the
// upgrade request and frames as raw bytes.
type RawConn struct {
	net.Conn
	R *bufio.Reader
}

// UpgradeRequest is a valid upgrade request.
const UpgradeRequest = "GET /chat HTTP/1.1\r\n" +
	"Host: localhost\r\n" +
	"Upgrade: websocket\r\n" +
	"Connection: Upgrade\r\n" +
	"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n" +
	"Sec-WebSocket-Version: 13\r\n\r\n"

// DialRaw connects to addr and writes the request bytes as-is. If the
// request is a valid upgrade request, the connection can then be used
// to send frames.
func DialRaw(t *testing.T, addr string, req []byte) *RawConn {
	conn, err := net.DialTimeout("tcp4", addr, time.Second)
	require.NoError(t, err, "DialTimeout")
	_, err = conn.Write(req)
	require.NoError(t, err, "write request")
	return &RawConn{Conn: conn, R: bufio.NewReader(conn)}
}

// ReadResponse reads the handshake response.
func (c *RawConn) ReadResponse(t *testing.T) *http.Response {
	c.SetReadDeadline(time.Now().Add(time.Second))
	defer c.SetReadDeadline(time.Time{})

	res, err := http.ReadResponse(c.R, nil)
	require.NoError(t, err, "ReadResponse")
	return res
}

// ReadFrame reads a frame sent by the server.
func (c *RawConn) ReadFrame(t *testing.T) ws.Frame {
	c.SetReadDeadline(time.Now().Add(time.Second))
	defer c.SetReadDeadline(time.Time{})

	f, err := ws.ReadFrame(c.R)
	require.NoError(t, err, "ReadFrame")
	return f
}

// WaitClosed waits for the server to close the connection, failing
// the test if it is still open after timeout.
func (c *RawConn) WaitClosed(t *testing.T, timeout time.Duration) {
	c.SetReadDeadline(time.Now().Add(timeout))
	defer c.SetReadDeadline(time.Time{})

	buf := make([]byte, 512)
	for {
		if _, err := c.R.Read(buf); err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				require.FailNow(t, "connection still open")
			}
			return
		}
	}
}
