// Package socklet implements a minimal websocket server framework
// that dispatches JSON event messages to registered handlers.
//
// Server
//
// The Server struct defines a socklet server. It listens for TCP
// connections, performs the websocket opening handshake itself and
// reads frames from each connection on its own goroutine. In its
// simplest form, the following initializes a ready-to-use server:
//
//     var events socklet.Router
//     events.RegisterFunc("echo", func(ctx context.Context, c *socklet.Conn, data string) {
//       c.SendText(data)
//     })
//     server := &socklet.Server{
//       Addr:   ":9000",
//       Events: &events,
//     }
//     server.ListenAndServe()
//
// Additional fields allow for more advanced configuration, such as
// authentication of the upgrade request, read and write limits, per
// connection message rate limiting and custom message handling via
// the Handler. See the Server documentation for all details.
//
// Messages
//
// Text and binary frames carry a JSON envelope decoded by the message
// package. Only envelopes of type "socklet:dispatch" are routed, using
// their event name, to the EventHandler registered in the Server's
// Router. Invalid messages are dropped, the connection stays open.
// Protocol errors and close frames end the connection.
//
// Broadcast
//
// Server.Broadcast sends a frame to all connected clients. When the
// PubSub field is set, typically to a redisbroker.Broker, broadcasts
// are published on a redis channel and every server subscribed to that
// channel delivers them to its own clients.
package socklet
