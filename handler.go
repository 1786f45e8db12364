package socklet

import (
	"context"
	"expvar"
	"fmt"
	"runtime"
	"time"

	"github.com/mna/socklet/frame"
	"github.com/mna/socklet/message"
)

// SlowProcessMsgThreshold defines the threshold at which calls to
// ProcessMsg are marked as slow in the expvar metrics, if Server.Vars
// is set. Set to 0 to disable SlowProcessMsg metrics.
var SlowProcessMsgThreshold = 100 * time.Millisecond

// Handler defines the method required for a server to handle a message
// received on a connection.
type Handler interface {
	Handle(context.Context, *Conn, *message.Envelope)
}

// HandlerFunc is a function signature that implements the Handler
// interface.
type HandlerFunc func(context.Context, *Conn, *message.Envelope)

// Handle implements Handler for the HandlerFunc by calling the
// function itself.
func (h HandlerFunc) Handle(ctx context.Context, c *Conn, m *message.Envelope) {
	h(ctx, c, m)
}

// Chain returns a Handler that calls the provided handlers
// in order, one after the other.
func Chain(hs ...Handler) Handler {
	return HandlerFunc(func(ctx context.Context, c *Conn, m *message.Envelope) {
		for _, h := range hs {
			h.Handle(ctx, c, m)
		}
	})
}

// PanicRecover returns a Handler that recovers from panics that
// may happen in h. The connection is closed on a panic, with the
// panic value as close error. The panic and its stack trace are
// logged with the Server's LogFunc, and the RecoveredPanics counter
// is incremented if the Server's Vars is set.
func PanicRecover(h Handler) Handler {
	return HandlerFunc(func(ctx context.Context, c *Conn, m *message.Envelope) {
		defer func() {
			if e := recover(); e != nil {
				c.srv.addVar("RecoveredPanics", 1)

				var err error
				switch e := e.(type) {
				case error:
					err = e
				default:
					err = fmt.Errorf("%v", e)
				}
				c.Close(err)

				buf := make([]byte, 4096)
				n := runtime.Stack(buf, false)
				c.srv.logf("%v: recovered from panic: %v", c.UUID, e)
				c.srv.logf("%s", buf[:n])
			}
		}()
		h.Handle(ctx, c, m)
	})
}

func saveMsgMetrics(vars *expvar.Map) func() {
	vars.Add("Msgs", 1)

	if SlowProcessMsgThreshold > 0 {
		start := time.Now()
		return func() {
			if time.Since(start) >= SlowProcessMsgThreshold {
				vars.Add("SlowProcessMsg", 1)
			}
		}
	}
	return nil
}

// ProcessMsg implements the standard message processing. Dispatch
// messages are routed to the event handler registered for their event
// in the Server's Events router. Other message types are logged and
// ignored.
//
// When a custom Handler is set on the Server, it should at some
// point call ProcessMsg so the expected behaviour happens.
func ProcessMsg(ctx context.Context, c *Conn, m *message.Envelope) {
	srv := c.srv
	if srv.Vars != nil {
		if fn := saveMsgMetrics(srv.Vars); fn != nil {
			defer fn()
		}
	}

	if !m.IsDispatch() {
		srv.addVar("MsgsIgnored", 1)
		srv.logf("%v: ignoring message of type %q", c.UUID, m.Type)
		return
	}

	if srv.Events == nil {
		srv.logf("%v: no handler for event %q", c.UUID, m.Event)
		srv.addVar("EventsUnknown", 1)
		return
	}
	logFn := srv.Events.LogFunc
	if logFn == nil {
		logFn = srv.LogFunc
	}
	if !srv.Events.emit(ctx, m.Event, c, m.Data, logFn) {
		srv.addVar("EventsUnknown", 1)
		return
	}
	srv.addVar("MsgsDispatched", 1)
}

// process handles a frame received on the connection.
func (c *Conn) process(f frame.Frame) {
	srv := c.srv
	if c.limiter != nil && !c.limiter.Allow() {
		srv.addVar("RateLimited", 1)
		srv.logf("%v: message rate exceeded, dropping message", c.UUID)
		return
	}

	m, err := message.Unmarshal(f.Payload)
	if err != nil {
		srv.addVar("MsgsInvalid", 1)
		srv.logf("%v: dropping invalid message: %v", c.UUID, err)
		return
	}

	if h := srv.Handler; h != nil {
		h.Handle(context.Background(), c, m)
	} else {
		ProcessMsg(context.Background(), c, m)
	}
}
