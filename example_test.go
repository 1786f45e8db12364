package socklet_test

import (
	"context"
	"log"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/mna/socklet"
	"github.com/mna/socklet/broker/redisbroker"
	"github.com/mna/socklet/frame"
	"github.com/mna/socklet/message"
)

// This example shows how to set up a socklet server with an echo
// event and serve connections.
func Example() {
	var events socklet.Router
	events.RegisterFunc("echo", func(ctx context.Context, c *socklet.Conn, data string) {
		b, err := message.Marshal(message.NewDispatch("echo", data))
		if err != nil {
			log.Printf("%v: %v", c.UUID, err)
			return
		}
		c.Send(frame.Text, b)
	})

	server := &socklet.Server{
		Addr:         ":9000",
		Events:       &events,
		WriteTimeout: 10 * time.Second,
	}

	// start the server, connect to ws://localhost:9000/ to make socklet
	// connections.
	if err := server.ListenAndServe(); err != nil {
		log.Fatalf("ListenAndServe failed: %v", err)
	}
}

// This example shows how to relay broadcasts between servers using redis.
func ExampleServer_Broadcast() {
	const redisAddr = ":6379"

	// create a redis pool
	pool := &redis.Pool{
		MaxIdle:     10,
		MaxActive:   100,
		IdleTimeout: 30 * time.Second,
		Dial: func() (redis.Conn, error) {
			return redis.Dial("tcp", redisAddr)
		},
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			_, err := c.Do("PING")
			return err
		},
	}

	server := &socklet.Server{
		Addr:   ":9000",
		PubSub: &redisbroker.Broker{Pool: pool, Dial: pool.Dial},
	}

	var events socklet.Router
	events.RegisterFunc("shout", func(ctx context.Context, c *socklet.Conn, data string) {
		b, err := message.Marshal(message.NewDispatch("shout", data))
		if err != nil {
			return
		}
		// published on redis, delivered by every subscribed server
		if _, err := server.Broadcast(frame.Text, b); err != nil {
			log.Printf("Broadcast failed: %v", err)
		}
	})
	server.Events = &events

	if err := server.ListenAndServe(); err != nil {
		log.Fatalf("ListenAndServe failed: %v", err)
	}
}
