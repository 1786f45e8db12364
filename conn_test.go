package socklet

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/mna/socklet/frame"
	"github.com/mna/socklet/internal/wswriter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// readFrames reads n frames sent on the server side of the pipe.
func readFrames(t *testing.T, cli net.Conn, n int) <-chan []ws.Frame {
	ch := make(chan []ws.Frame, 1)
	go func() {
		br := bufio.NewReader(cli)
		var frames []ws.Frame
		for i := 0; i < n; i++ {
			f, err := ws.ReadFrame(br)
			if !assert.NoError(t, err, "ReadFrame %d", i) {
				break
			}
			frames = append(frames, f)
		}
		ch <- frames
	}()
	return ch
}

func TestConnDelegatedMethods(t *testing.T) {
	t.Parallel()

	nc, cli := net.Pipe()
	defer cli.Close()

	c := newConn(nc, &Server{})
	defer c.Close(nil)

	assert.Equal(t, nc.LocalAddr(), c.LocalAddr(), "LocalAddr")
	assert.Equal(t, nc.RemoteAddr(), c.RemoteAddr(), "RemoteAddr")
	assert.Equal(t, nc, c.UnderlyingConn(), "UnderlyingConn")
	assert.Nil(t, c.Request(), "Request before handshake")
	assert.Len(t, c.UUID, 16, "UUID")
}

func TestConnClose(t *testing.T) {
	t.Parallel()

	nc, cli := net.Pipe()
	defer cli.Close()
	conn := newConn(nc, &Server{})

	kill := conn.CloseNotify()
	select {
	case <-kill:
		assert.Fail(t, "close channel should block until call to Close")
	default:
	}

	conn.Close(errors.New("a"))
	select {
	case <-kill:
	default:
		assert.Fail(t, "close channel should be unblocked after call to Close")
	}

	conn.Close(errors.New("b"))
	select {
	case <-kill:
	default:
		assert.Fail(t, "close channel should still be unblocked after subsequent call to Close")
	}

	assert.Equal(t, errors.New("a"), conn.CloseErr, "got expected close error")

	// the network connection is closed
	_, err := nc.Write([]byte("x"))
	assert.Error(t, err, "write after Close")
}

func TestConnExtra(t *testing.T) {
	t.Parallel()

	nc, cli := net.Pipe()
	defer cli.Close()
	c := newConn(nc, &Server{})
	defer c.Close(nil)

	assert.Nil(t, c.Extra(), "no extra")

	b := []byte("session=1")
	c.SetExtra(b)
	b[0] = 'X'
	assert.Equal(t, []byte("session=1"), c.Extra(), "extra is copied")

	got := c.Extra()
	got[0] = 'Y'
	assert.Equal(t, []byte("session=1"), c.Extra(), "returned extra is a copy")

	c.SetExtra(nil)
	assert.Nil(t, c.Extra(), "extra cleared")
}

func TestConnSend(t *testing.T) {
	t.Parallel()

	nc, cli := net.Pipe()
	defer cli.Close()
	c := newConn(nc, &Server{WriteTimeout: time.Second})
	defer c.Close(nil)

	ch := readFrames(t, cli, 3)
	require.NoError(t, c.SendText("hello"), "SendText")
	require.NoError(t, c.Send(frame.Binary, []byte{1, 2}), "Send binary")
	require.NoError(t, c.SendText(""), "SendText empty")

	frames := <-ch
	if assert.Len(t, frames, 3) {
		assert.Equal(t, ws.OpText, frames[0].Header.OpCode)
		assert.True(t, frames[0].Header.Fin)
		assert.False(t, frames[0].Header.Masked)
		assert.Equal(t, "hello", string(frames[0].Payload))

		assert.Equal(t, ws.OpBinary, frames[1].Header.OpCode)
		assert.Equal(t, []byte{1, 2}, frames[1].Payload)

		assert.Equal(t, int64(0), frames[2].Header.Length)
	}
}

func TestConnSendWriteLimit(t *testing.T) {
	t.Parallel()

	nc, cli := net.Pipe()
	defer cli.Close()
	c := newConn(nc, &Server{WriteLimit: 3, LogFunc: DiscardLog})

	err := c.SendText("abcd")
	assert.Equal(t, wswriter.ErrWriteLimitExceeded, err, "SendText")

	select {
	case <-c.CloseNotify():
	case <-time.After(time.Second):
		require.FailNow(t, "connection not closed")
	}
	assert.Equal(t, wswriter.ErrWriteLimitExceeded, c.CloseErr, "CloseErr")
}

func TestExclusiveWriter(t *testing.T) {
	nc, cli := net.Pipe()
	defer cli.Close()
	jc := newConn(nc, &Server{})
	defer jc.Close(nil)

	ch := readFrames(t, cli, 2)

	w := jc.Writer(frame.Text, 100*time.Millisecond)
	_, err := fmt.Fprint(w, "a") // acquires the lock
	assert.NoError(t, err, "write a")

	wg := sync.WaitGroup{}
	wg.Add(2)

	syncReady, syncE := make(chan struct{}, 2), make(chan struct{})
	go func() { // start c-d writer
		defer wg.Done()

		w := jc.Writer(frame.Text, 100*time.Millisecond)
		syncReady <- struct{}{} // ready to go

		// acquire lock, will be done after write b
		_, err := fmt.Fprint(w, "c")
		assert.NoError(t, err, "write c")

		// sync with E
		syncE <- struct{}{}
		time.Sleep(20 * time.Millisecond)
		_, err = fmt.Fprint(w, "d")
		assert.NoError(t, err, "write d")

		// release lock
		require.NoError(t, w.Close(), "close cd")
	}()

	go func() { // start e writer
		defer wg.Done()

		w := jc.Writer(frame.Text, 10*time.Millisecond)
		syncReady <- struct{}{}

		// acquire lock should fail
		<-syncE
		_, err := fmt.Fprint(w, "e")
		if assert.Error(t, err, "write e") {
			assert.Equal(t, wswriter.ErrWriteLockTimeout, err, "write e exceeded")
		}
		require.NoError(t, w.Close(), "close e")
	}()

	<-syncReady
	<-syncReady

	_, err = fmt.Fprint(w, "b")
	assert.NoError(t, err, "write b")
	require.NoError(t, w.Close(), "close ab") // release lock

	wg.Wait()
	frames := <-ch
	if assert.Len(t, frames, 2) {
		assert.Equal(t, "ab", string(frames[0].Payload), "first frame")
		assert.Equal(t, "cd", string(frames[1].Payload), "second frame")
	}
}

func TestConnStateString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "accepting", Accepting.String())
	assert.Equal(t, "connected", Connected.String())
	assert.Equal(t, "closed", Closed.String())
	assert.Equal(t, "unknown", ConnState(42).String())
}
