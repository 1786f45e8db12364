// Package srvhandler implements server handlers used by the socklet-server
// command and various tests.
package srvhandler

import (
	"context"

	"github.com/mna/socklet"
	"github.com/mna/socklet/frame"
	"github.com/mna/socklet/message"
)

// LogConn returns a function compatible with the Server.ConnState field
// type that logs connections and disconnections to the provided logger
// function. It is not a socklet.Handler.
func LogConn(logFn func(string, ...interface{})) func(*socklet.Conn, socklet.ConnState) {
	return func(c *socklet.Conn, state socklet.ConnState) {
		switch state {
		case socklet.Connected:
			var uri string
			if req := c.Request(); req != nil {
				uri = req.URI
			}
			logFn("%v: connected from %v to %q", c.UUID, c.RemoteAddr(), uri)
		case socklet.Closed:
			logFn("%v: closing from %v with error %v", c.UUID, c.RemoteAddr(), c.CloseErr)
		}
	}
}

// LogMsg returns a socklet.Handler that logs messages received on the
// connection to the provided logger function.
func LogMsg(logFn func(string, ...interface{})) socklet.Handler {
	return socklet.HandlerFunc(func(ctx context.Context, c *socklet.Conn, m *message.Envelope) {
		logFn("%v: received message %v", c.UUID, m)
	})
}

// Echo returns an event handler that sends the data back to the client
// in a dispatch message of the same event. Data that cannot be encoded
// in a message is sent back as-is.
func Echo(event string) socklet.EventHandler {
	return socklet.EventHandlerFunc(func(ctx context.Context, c *socklet.Conn, data string) {
		b, err := message.Marshal(message.NewDispatch(event, data))
		if err != nil {
			c.SendText(data)
			return
		}
		c.Send(frame.Text, b)
	})
}

// Broadcast returns an event handler that broadcasts the data to all
// connections of srv in a dispatch message of the same event.
func Broadcast(srv *socklet.Server, event string) socklet.EventHandler {
	return socklet.EventHandlerFunc(func(ctx context.Context, c *socklet.Conn, data string) {
		b, err := message.Marshal(message.NewDispatch(event, data))
		if err != nil {
			return
		}
		if _, err := srv.Broadcast(frame.Text, b); err != nil {
			c.Close(err)
		}
	})
}

// Annotate is an event handler that stores the data as the extra data
// of the connection and sends it back to the client.
func Annotate(ctx context.Context, c *socklet.Conn, data string) {
	c.SetExtra([]byte(data))
	c.Send(frame.Text, c.Extra())
}
