package redisbroker

import (
	"expvar"
	"sync"

	"github.com/gomodule/redigo/redis"
	"github.com/mna/socklet/broker"
	"github.com/pborman/uuid"
	"github.com/sugawarayuuta/sonnet"
)

// recentSize is the number of broadcast UUIDs remembered by a relay
// subscription to drop duplicates.
const recentSize = 64

var _ broker.PubSubConn = (*subscription)(nil)

// subscription is a long-lived redis connection in subscribe mode that
// receives the broadcasts published by the servers of the relay.
type subscription struct {
	conn  redis.PubSubConn
	logFn func(string, ...interface{})
	vars  *expvar.Map

	// cmdmu serializes the (p)subscribe and (p)unsubscribe commands.
	cmdmu sync.Mutex

	start sync.Once
	evch  chan *broker.Event

	// a broadcast matching both a channel and a pattern is received
	// twice, recent is a ring of the last UUIDs delivered.
	recent [recentSize]uuid.Array
	next   int

	errmu sync.Mutex
	err   error
}

func newSubscription(rc redis.Conn, logFn func(string, ...interface{}), vars *expvar.Map) *subscription {
	return &subscription{
		conn:  redis.PubSubConn{Conn: rc},
		logFn: logFn,
		vars:  vars,
	}
}

// Subscribe subscribes to the channel, or to the channels matching it
// if pattern is true.
func (s *subscription) Subscribe(channel string, pattern bool) error {
	s.cmdmu.Lock()
	defer s.cmdmu.Unlock()

	if pattern {
		return s.conn.PSubscribe(channel)
	}
	return s.conn.Subscribe(channel)
}

// Unsubscribe cancels a subscription made with Subscribe.
func (s *subscription) Unsubscribe(channel string, pattern bool) error {
	s.cmdmu.Lock()
	defer s.cmdmu.Unlock()

	if pattern {
		return s.conn.PUnsubscribe(channel)
	}
	return s.conn.Unsubscribe(channel)
}

// Events returns the broadcasts received on the subscribed channels,
// in the order they are received. The first call starts receiving.
func (s *subscription) Events() <-chan *broker.Event {
	s.start.Do(func() {
		s.evch = make(chan *broker.Event)
		go s.receive()
	})
	return s.evch
}

// EventsErr returns the error that stopped the events stream.
func (s *subscription) EventsErr() error {
	s.errmu.Lock()
	defer s.errmu.Unlock()
	return s.err
}

// Close closes the redis connection, which ends the events stream.
func (s *subscription) Close() error {
	return s.conn.Close()
}

func (s *subscription) receive() {
	defer close(s.evch)

	for {
		switch v := s.conn.Receive().(type) {
		case redis.Message:
			if ev := s.decode(v); ev != nil {
				s.evch <- ev
			}

		case redis.Subscription:
			logf(s.logFn, "relay: %s %s (%d active)", v.Kind, v.Channel, v.Count)

		case error:
			// closed or broken, in both cases nothing more can be received
			s.errmu.Lock()
			s.err = v
			s.errmu.Unlock()
			return
		}
	}
}

// decode returns the event for the redis message m, or nil if its
// payload is invalid or was already delivered.
func (s *subscription) decode(m redis.Message) *broker.Event {
	ev := &broker.Event{Channel: m.Channel, Pattern: m.Pattern}
	if err := sonnet.Unmarshal(m.Data, &ev.Payload); err != nil {
		s.addVar("FailedEventUnmarshals", 1)
		logf(s.logFn, "relay: invalid broadcast payload on %s: %v", m.Channel, err)
		return nil
	}

	if id := ev.Payload.MsgUUID; id != nil {
		key := id.Array()
		for _, seen := range s.recent {
			if seen == key {
				s.addVar("DuplicateEvents", 1)
				return nil
			}
		}
		s.recent[s.next] = key
		s.next = (s.next + 1) % recentSize
	}
	s.addVar("Events", 1)
	return ev
}

func (s *subscription) addVar(key string, delta int64) {
	if s.vars != nil {
		s.vars.Add(key, delta)
	}
}
