package wswriter

import (
	"bytes"
	"fmt"
	"io/ioutil"
	"testing"
	"testing/quick"
	"time"

	"github.com/mna/socklet/frame"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimitedWriter(t *testing.T) {
	t.Parallel()

	// use int8/uint8 to keep size reasonable
	checker := func(limit, n uint8) bool {
		// create a limited writer with the specified limit
		w := Limit(ioutil.Discard, int64(limit))
		// create the payload for each write
		p := make([]byte, n)

		var cnt, tot int
		var err error
		for {
			cnt, err = w.Write(p)
			tot += cnt
			if err != nil {
				break
			}
		}

		// property 1: the total number of bytes written cannot be > limit.
		if tot > int(limit) {
			return false
		}
		// property 2: by writing repeatedly, it necessarily terminates with
		// an ErrWriteLimitExceeded
		return err == ErrWriteLimitExceeded
	}
	assert.NoError(t, quick.Check(checker, nil))
}

type bufConn struct {
	bytes.Buffer
	deadlines []time.Time
}

func (c *bufConn) SetWriteDeadline(t time.Time) error {
	c.deadlines = append(c.deadlines, t)
	return nil
}

func newLock() chan struct{} {
	lock := make(chan struct{}, 1)
	lock <- struct{}{}
	return lock
}

func TestWriterSendsSingleFrame(t *testing.T) {
	t.Parallel()

	var conn bufConn
	w := Exclusive(&conn, frame.Text, newLock(), 0, time.Second)
	fmt.Fprint(w, "hello, ")
	fmt.Fprint(w, "world")
	assert.Equal(t, 0, conn.Len(), "nothing sent before Close")
	require.NoError(t, w.Close(), "Close")

	assert.Equal(t, frame.Encode(frame.Text, []byte("hello, world")), conn.Bytes())
	if assert.Len(t, conn.deadlines, 2, "deadlines") {
		assert.False(t, conn.deadlines[0].IsZero(), "deadline set")
		assert.True(t, conn.deadlines[1].IsZero(), "deadline reset")
	}
}

func TestWriterLockTimeout(t *testing.T) {
	t.Parallel()

	var conn bufConn
	lock := newLock()

	w1 := Exclusive(&conn, frame.Text, lock, 0, 0)
	_, err := w1.Write([]byte("a"))
	require.NoError(t, err, "w1 acquires the lock")

	w2 := Exclusive(&conn, frame.Text, lock, 10*time.Millisecond, 0)
	_, err = w2.Write([]byte("b"))
	assert.Equal(t, ErrWriteLockTimeout, err, "w2 times out")
	assert.NoError(t, w2.Close(), "Close without lock is a no-op")

	require.NoError(t, w1.Close(), "w1 releases the lock")
	w3 := Exclusive(&conn, frame.Binary, lock, 10*time.Millisecond, 0)
	_, err = w3.Write([]byte("c"))
	assert.NoError(t, err, "w3 acquires the lock")
	require.NoError(t, w3.Close())

	want := append(frame.Encode(frame.Text, []byte("a")), frame.Encode(frame.Binary, []byte("c"))...)
	assert.Equal(t, want, conn.Bytes())
}

func TestWriterDiscard(t *testing.T) {
	t.Parallel()

	var conn bufConn
	lock := newLock()

	w := Exclusive(&conn, frame.Text, lock, 0, 0)
	lw := Limit(w, 3)
	_, err := lw.Write([]byte("abcd"))
	assert.Equal(t, ErrWriteLimitExceeded, err, "limit exceeded")
	w.Discard()
	assert.Equal(t, 0, conn.Len(), "nothing sent")

	w = Exclusive(&conn, frame.Text, lock, 10*time.Millisecond, 0)
	_, err = w.Write([]byte("ok"))
	require.NoError(t, err, "lock released by Discard")
	require.NoError(t, w.Close())
	assert.Equal(t, frame.Encode(frame.Text, []byte("ok")), conn.Bytes())
}
