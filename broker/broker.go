// Package broker defines the interfaces required to relay broadcasts
// between socklet servers. The redisbroker subpackage implements them
// using redis pub-sub.
package broker

import (
	"github.com/pborman/uuid"
)

// PubSubBroker defines the methods required by a broker that relays
// broadcasts over pub-sub channels.
type PubSubBroker interface {
	// Publish publishes the broadcast payload to the channel.
	Publish(channel string, bp *BroadcastPayload) error

	// NewPubSubConn returns a new connection dedicated to receiving
	// the broadcasts of subscribed channels.
	NewPubSubConn() (PubSubConn, error)
}

// PubSubConn defines the methods required by a pub-sub connection.
type PubSubConn interface {
	// Subscribe subscribes the connection to the channel, which is
	// treated as a pattern if pattern is true.
	Subscribe(channel string, pattern bool) error

	// Unsubscribe unsubscribes the connection from the channel, which
	// is treated as a pattern if pattern is true.
	Unsubscribe(channel string, pattern bool) error

	// Events returns the stream of broadcasts received on the
	// subscribed channels. The channel is closed when the connection
	// fails or is closed.
	Events() <-chan *Event

	// EventsErr returns the error that caused the events channel to
	// close. It should only be called once the channel is closed.
	EventsErr() error

	// Close closes the connection.
	Close() error
}

// BroadcastPayload is the payload published on a broadcast channel.
type BroadcastPayload struct {
	MsgUUID uuid.UUID `json:"msg_uuid"`
	Binary  bool      `json:"binary,omitempty"`
	Data    []byte    `json:"data"`
}

// Event is a broadcast received on a pub-sub connection.
type Event struct {
	Channel string
	Pattern string
	Payload BroadcastPayload
}
