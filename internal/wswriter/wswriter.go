// Package wswriter implements an exclusive frame writer for a socklet
// connection. It allows a single writer on the connection at any given
// time, so that frames from concurrent senders are never interleaved.
package wswriter

import (
	"bytes"
	"errors"
	"io"
	"time"

	"github.com/mna/socklet/frame"
)

// ErrWriteLockTimeout is returned when a call to Write fails
// because the write lock of the connection cannot be acquired before
// the timeout.
var ErrWriteLockTimeout = errors.New("socklet: timed out waiting for write lock")

// ErrWriteLimitExceeded is returned when a write would exceed the
// limit of a writer returned by Limit.
var ErrWriteLimitExceeded = errors.New("socklet: write limit exceeded")

// Conn is the connection written to by a Writer. A net.Conn satisfies
// this interface.
type Conn interface {
	io.Writer
	SetWriteDeadline(time.Time) error
}

// Writer implements an io.WriteCloser that acquires the connection's write
// lock prior to writing. Bytes written are sent as a single unfragmented
// frame when the Writer is closed.
type Writer struct {
	buf          bytes.Buffer
	init         bool
	op           frame.Opcode
	writeLock    chan struct{}
	lockTimeout  time.Duration
	writeTimeout time.Duration
	conn         Conn
}

// Exclusive creates an exclusive frame writer. It uses the lock channel
// to acquire and release the lock, and fails with an ErrWriteLockTimeout
// if it can't acquire one before acquireTimeout. The writeTimeout is
// used to set the write deadline on the connection when the frame is
// sent, and conn is the connection to write to. The frame is sent with
// opcode op.
func Exclusive(conn Conn, op frame.Opcode, lock chan struct{}, acquireTimeout, writeTimeout time.Duration) *Writer {
	return &Writer{
		op:           op,
		writeLock:    lock,
		lockTimeout:  acquireTimeout,
		writeTimeout: writeTimeout,
		conn:         conn,
	}
}

// Write buffers p as part of the frame's payload. The first call tries
// to acquire the exclusive writer lock, returning ErrWriteLockTimeout if
// it fails doing so before the timeout.
func (w *Writer) Write(p []byte) (int, error) {
	if !w.init {
		var wait <-chan time.Time
		if to := w.lockTimeout; to > 0 {
			wait = time.After(to)
		}

		// try to acquire the write lock before the timeout
		select {
		case <-wait:
			return 0, ErrWriteLockTimeout

		case <-w.writeLock:
			w.init = true
		}
	}

	return w.buf.Write(p)
}

// Close sends the frame on the connection and releases the exclusive
// write lock.
func (w *Writer) Close() error {
	if !w.init {
		// no write, Close is a no-op
		return nil
	}

	if to := w.writeTimeout; to > 0 {
		w.conn.SetWriteDeadline(time.Now().Add(to))
	}
	_, err := w.conn.Write(frame.Encode(w.op, w.buf.Bytes()))
	if w.writeTimeout > 0 {
		w.conn.SetWriteDeadline(time.Time{})
	}

	// release the write lock
	w.init = false
	w.buf.Reset()
	w.writeLock <- struct{}{}
	return err
}

// Discard releases the exclusive write lock without sending the
// buffered bytes.
func (w *Writer) Discard() {
	if !w.init {
		return
	}
	w.init = false
	w.buf.Reset()
	w.writeLock <- struct{}{}
}

// Limit returns a writer that fails with ErrWriteLimitExceeded once
// more than n bytes are written to it. The bytes that fit in the limit
// are written to w.
func Limit(w io.Writer, n int64) io.Writer {
	return &limitedWriter{w: w, n: n}
}

type limitedWriter struct {
	w io.Writer
	n int64
}

func (w *limitedWriter) Write(p []byte) (int, error) {
	if int64(len(p)) <= w.n {
		n, err := w.w.Write(p)
		w.n -= int64(n)
		return n, err
	}

	n, err := w.w.Write(p[:w.n])
	w.n -= int64(n)
	if err == nil {
		err = ErrWriteLimitExceeded
	}
	return n, err
}
