package socklet

import (
	"context"
	"errors"
	"expvar"
	"testing"

	"github.com/mna/socklet/internal/socklettest"
	"github.com/mna/socklet/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChain(t *testing.T) {
	t.Parallel()

	var b []byte

	genHandler := func(char byte) HandlerFunc {
		return HandlerFunc(func(ctx context.Context, c *Conn, m *message.Envelope) {
			b = append(b, char)
		})
	}
	ch := Chain(genHandler('a'), genHandler('b'), genHandler('c'))
	ch.Handle(context.Background(), &Conn{}, message.NewDispatch("e", ""))

	assert.Equal(t, "abc", string(b))
}

func TestPanicRecover(t *testing.T) {
	t.Parallel()

	defer func() {
		require.Nil(t, recover(), "panic escaped the PanicRecover handler")
	}()

	panicer := HandlerFunc(func(ctx context.Context, c *Conn, m *message.Envelope) {
		panic("a")
	})
	ph := PanicRecover(panicer)

	dbgl := &socklettest.DebugLog{T: t}
	vars := new(expvar.Map).Init()
	srv := &Server{LogFunc: dbgl.Printf, Vars: vars}
	conn := newPipeConn(t, srv)
	ph.Handle(context.Background(), conn, message.NewDispatch("e", ""))

	err := conn.CloseErr
	if assert.NotNil(t, err, "connection has been closed") {
		assert.Equal(t, errors.New("a"), err, "error is as expected")
	}
	// with the stack, PanicRecover calls the log twice
	assert.Equal(t, 2, dbgl.Calls(), "log calls")
	assert.Equal(t, "1", vars.Get("RecoveredPanics").String(), "RecoveredPanics")
}

func TestProcessMsg(t *testing.T) {
	t.Parallel()

	vars := new(expvar.Map).Init()
	events := &Router{LogFunc: DiscardLog}
	srv := &Server{LogFunc: DiscardLog, Vars: vars, Events: events}
	conn := newPipeConn(t, srv)
	defer conn.Close(nil)

	var got []string
	events.RegisterFunc("e", func(ctx context.Context, c *Conn, data string) {
		assert.Equal(t, conn, c, "connection")
		got = append(got, data)
	})

	ctx := context.Background()
	ProcessMsg(ctx, conn, message.NewDispatch("e", "1"))
	ProcessMsg(ctx, conn, &message.Envelope{Type: "other", Event: "e", Data: "2"})
	ProcessMsg(ctx, conn, message.NewDispatch("unknown", "3"))
	ProcessMsg(ctx, conn, message.NewDispatch("e", "4"))

	assert.Equal(t, []string{"1", "4"}, got, "dispatched data")
	assert.Equal(t, "4", vars.Get("Msgs").String(), "Msgs")
	assert.Equal(t, "2", vars.Get("MsgsDispatched").String(), "MsgsDispatched")
	assert.Equal(t, "1", vars.Get("MsgsIgnored").String(), "MsgsIgnored")
	assert.Equal(t, "1", vars.Get("EventsUnknown").String(), "EventsUnknown")
}

func TestProcessMsgNoRouter(t *testing.T) {
	t.Parallel()

	dbgl := &socklettest.DebugLog{T: t}
	vars := new(expvar.Map).Init()
	srv := &Server{LogFunc: dbgl.Printf, Vars: vars}
	conn := newPipeConn(t, srv)
	defer conn.Close(nil)

	ProcessMsg(context.Background(), conn, message.NewDispatch("e", ""))
	assert.Equal(t, "1", vars.Get("EventsUnknown").String(), "EventsUnknown")
	assert.Equal(t, 1, dbgl.Calls(), "log calls")
}

func TestProcessMsgRouterLogsWithServer(t *testing.T) {
	t.Parallel()

	dbgl := &socklettest.DebugLog{T: t}
	vars := new(expvar.Map).Init()
	srv := &Server{LogFunc: dbgl.Printf, Vars: vars, Events: &Router{}}
	conn := newPipeConn(t, srv)
	defer conn.Close(nil)

	ProcessMsg(context.Background(), conn, message.NewDispatch("unknown", ""))
	assert.Equal(t, "1", vars.Get("EventsUnknown").String(), "EventsUnknown")
	assert.Equal(t, 1, dbgl.Calls(), "server log calls")

	// the router's own logger has precedence
	rlog := &socklettest.DebugLog{T: t}
	srv.Events.LogFunc = rlog.Printf
	ProcessMsg(context.Background(), conn, message.NewDispatch("unknown", ""))
	assert.Equal(t, 1, dbgl.Calls(), "server log calls")
	assert.Equal(t, 1, rlog.Calls(), "router log calls")
}
