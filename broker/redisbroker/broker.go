// Package redisbroker implements a socklet broker using redis
// as backend. Broadcasts are relayed using redis' built-in pub-sub
// support, so that a broadcast made on one server reaches the
// connections of all servers subscribed to the same channel.
//
// A redis cluster is supported by setting the Pool to a
// redisc.Cluster and Dial to its Dial method. Publishes are
// then sent to a random node of the cluster, which propagates
// them to the other nodes.
package redisbroker

import (
	"expvar"
	"fmt"
	"log"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/mna/redisc"
	"github.com/mna/socklet/broker"
	"github.com/sugawarayuuta/sonnet"
)

// static check that *Broker implements the broker interface
var _ broker.PubSubBroker = (*Broker)(nil)

// DiscardLog is a no-op logging function that can be used as Broker.LogFunc
// to disable logging.
var DiscardLog = func(_ string, _ ...interface{}) {}

// Pool defines the methods required for a redis pool that provides
// a method to get a connection and to release the pool's resources.
type Pool interface {
	// Get returns a redis connection.
	Get() redis.Conn

	// Close releases the resources used by the pool.
	Close() error
}

// Broker is a broker that relays socklet broadcasts over redis
// pub-sub.
type Broker struct {
	// prevent unkeyed literals
	_ struct{}

	// Pool is the redis pool or redisc cluster to use to get
	// short-lived connections.
	Pool Pool

	// Dial is the function to call to get a non-pooled, long-lived
	// redis connection. Typically, it can be set to redis.Pool.Dial
	// or redisc.Cluster.Dial.
	Dial func() (redis.Conn, error)

	// LogFunc is the logging function to use. If nil, log.Printf
	// is used. It can be set to DiscardLog to disable logging.
	LogFunc func(string, ...interface{})

	// Vars can be set to an *expvar.Map to collect metrics about the
	// broker. It should be set before starting to use the broker.
	Vars *expvar.Map
}

// Publish publishes a broadcast to a channel. The payload is encoded
// as JSON.
func (b *Broker) Publish(channel string, bp *broker.BroadcastPayload) error {
	p, err := sonnet.Marshal(bp)
	if err != nil {
		return fmt.Errorf("redisbroker: failed to encode broadcast: %w", err)
	}

	rc := anyNode(b.Pool.Get())
	defer rc.Close()

	n, err := redis.Int(rc.Do("PUBLISH", channel, p))
	if err != nil {
		b.addVar("FailedPublishes", 1)
		return err
	}
	b.addVar("Publishes", 1)
	if n == 0 {
		// not even this server relays the channel
		logf(b.LogFunc, "Publish: no subscriber on %s", channel)
	}
	return nil
}

// NewPubSubConn dials a dedicated redis connection that receives the
// broadcasts of the channels it subscribes to.
func (b *Broker) NewPubSubConn() (broker.PubSubConn, error) {
	rc, err := b.Dial()
	if err != nil {
		return nil, err
	}
	return newSubscription(rc, b.LogFunc, b.Vars), nil
}

func (b *Broker) addVar(key string, delta int64) {
	if b.Vars != nil {
		b.Vars.Add(key, delta)
	}
}

const (
	retryAttempts = 4
	retryDelay    = 100 * time.Millisecond
)

// anyNode binds a redisc cluster connection to a random node and makes
// it follow redirections. A publish reaches all nodes of a cluster, so
// binding to the hash slot of the channel would load a single node.
// Other connections are returned unchanged.
func anyNode(rc redis.Conn) redis.Conn {
	bc, ok := rc.(interface{ Bind(...string) error })
	if !ok || bc.Bind() != nil {
		return rc
	}
	if retry, err := redisc.RetryConn(rc, retryAttempts, retryDelay); err == nil {
		return retry
	}
	return rc
}

func logf(fn func(string, ...interface{}), f string, args ...interface{}) {
	if fn != nil {
		fn(f, args...)
	} else {
		log.Printf(f, args...)
	}
}
