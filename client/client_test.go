package client

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mna/socklet"
	"github.com/mna/socklet/internal/socklettest"
	"github.com/mna/socklet/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startServer starts a socklet server with an echo event that replies
// with a dispatch message and a raw event that replies with the data.
func startServer(t *testing.T) (*socklet.Server, string) {
	srv := &socklet.Server{
		LogFunc: socklet.DiscardLog,
		Events:  &socklet.Router{LogFunc: socklet.DiscardLog},
	}
	srv.Events.RegisterFunc("echo", func(ctx context.Context, c *socklet.Conn, data string) {
		b, err := message.Marshal(message.NewDispatch("echo", data))
		if assert.NoError(t, err, "Marshal") {
			c.SendText(string(b))
		}
	})
	srv.Events.RegisterFunc("raw", func(ctx context.Context, c *socklet.Conn, data string) {
		c.SendText(data)
	})

	l := socklettest.Listen(t)
	go srv.Serve(l)
	t.Cleanup(func() { srv.Close() })
	return srv, "ws://" + l.Addr().String() + "/"
}

func TestClientClose(t *testing.T) {
	_, url := startServer(t)

	h := HandlerFunc(func(ctx context.Context, m *message.Envelope) {})
	cli, err := Dial(&websocket.Dialer{}, url, nil, SetHandler(h))
	require.NoError(t, err, "Dial")

	require.NoError(t, cli.Emit("a", "b"), "Emit")

	require.NoError(t, cli.Close(), "Close")
	if err := cli.Close(); assert.Error(t, err, "Close") {
		assert.Contains(t, err.Error(), "closed connection", "2nd Close")

		if err := cli.Emit("c", "d"); assert.Error(t, err, "Emit after Close") {
			assert.Contains(t, err.Error(), "closed connection", "Emit after Close")
		}

		if err := cli.Close(); assert.Error(t, err, "3rd Close") {
			assert.Contains(t, err.Error(), "closed connection", "3rd Close")
		}
	}
}

func TestClientHandler(t *testing.T) {
	_, url := startServer(t)

	var (
		mu   sync.Mutex
		wg   sync.WaitGroup
		recv []*message.Envelope
	)
	h := HandlerFunc(func(ctx context.Context, m *message.Envelope) {
		defer wg.Done()
		mu.Lock()
		recv = append(recv, m)
		mu.Unlock()
	})

	cli, err := Dial(&websocket.Dialer{}, url, nil,
		SetHandler(h), SetAcquireWriteLockTimeout(time.Second),
		SetReadTimeout(time.Second), SetWriteTimeout(time.Second),
		SetWriteLimit(512), SetLogFunc(socklet.DiscardLog))
	require.NoError(t, err, "Dial")
	defer cli.Close()

	wg.Add(1)
	require.NoError(t, cli.Emit("echo", "hello"), "Emit echo")
	wg.Wait()
	wg.Add(1)
	require.NoError(t, cli.Emit("raw", "not an envelope"), "Emit raw")
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if assert.Len(t, recv, 2, "received messages") {
		assert.Equal(t, message.NewDispatch("echo", "hello"), recv[0], "echo")
		assert.Equal(t, &message.Envelope{Data: "not an envelope"}, recv[1], "raw")
	}
}

func TestClientBinary(t *testing.T) {
	_, url := startServer(t)

	recv := make(chan *message.Envelope, 1)
	h := HandlerFunc(func(ctx context.Context, m *message.Envelope) {
		recv <- m
	})
	cli, err := Dial(&websocket.Dialer{}, url, nil, SetHandler(h), SetBinary(true))
	require.NoError(t, err, "Dial")
	defer cli.Close()

	require.NoError(t, cli.Emit("echo", "bin"), "Emit")
	select {
	case m := <-recv:
		assert.Equal(t, message.NewDispatch("echo", "bin"), m)
	case <-time.After(time.Second):
		require.FailNow(t, "no echo received")
	}
}

func TestClientWriteErrors(t *testing.T) {
	_, url := startServer(t)

	cli, err := Dial(&websocket.Dialer{}, url, nil, SetWriteLimit(64))
	require.NoError(t, err, "Dial")

	err = cli.Emit("e", `a"b`)
	assert.True(t, errors.Is(err, message.ErrUnencodable), "unencodable data")
	require.NoError(t, cli.Emit("e", "ok"), "client still usable")

	err = cli.Emit("e", strings.Repeat("x", 64))
	assert.Equal(t, ErrWriteLimitExceeded, err, "write limit")

	// the client is now failed
	assert.Equal(t, ErrWriteLimitExceeded, cli.Emit("e", "ok"), "Emit after failure")
	assert.Equal(t, ErrWriteLimitExceeded, cli.Close(), "Close returns the failure")
}

func TestClientReadLimit(t *testing.T) {
	_, url := startServer(t)

	cli, err := Dial(&websocket.Dialer{}, url, nil, SetReadLimit(16))
	require.NoError(t, err, "Dial")

	require.NoError(t, cli.Emit("raw", strings.Repeat("y", 32)), "Emit")
	select {
	case <-cli.CloseNotify():
	case <-time.After(time.Second):
		require.FailNow(t, "client not closed")
	}

	err = cli.Close()
	if assert.Error(t, err, "Close") {
		assert.Equal(t, websocket.ErrReadLimit, err, "read limit error")
	}
}

func TestClientServerGone(t *testing.T) {
	srv, url := startServer(t)

	cli, err := Dial(&websocket.Dialer{}, url, nil)
	require.NoError(t, err, "Dial")

	deadline := time.Now().Add(time.Second)
	for srv.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	for _, c := range srv.Conns() {
		c.Close(nil)
	}

	select {
	case <-cli.CloseNotify():
	case <-time.After(time.Second):
		require.FailNow(t, "client not closed")
	}
	assert.Error(t, cli.Close(), "Close returns the read error")
}

func TestClientConcurrent(t *testing.T) {
	_, url := startServer(t)

	cli, err := Dial(&websocket.Dialer{}, url, nil)
	require.NoError(t, err, "Dial")

	n := 4
	wg := sync.WaitGroup{}
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()

			// don't even check errors, because client may be closed by other goro
			cli.Emit("a", "1")
			cli.Emit("b", "2")

			cli.Close()
		}()
	}
	wg.Wait()
	<-cli.CloseNotify()
}
