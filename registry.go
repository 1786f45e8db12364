package socklet

import (
	"container/list"
	"errors"
	"sync"

	"github.com/pborman/uuid"
)

// ErrDuplicateConn is returned by Registry.Add when a connection with
// the same UUID is already registered.
var ErrDuplicateConn = errors.New("socklet: duplicate connection")

// Registry is the collection of connected connections. It keeps the
// connections in the order they were added. The zero value is an
// empty registry ready to use, and it is safe for concurrent use.
type Registry struct {
	mu    sync.Mutex
	order *list.List
	byID  map[uuid.Array]*list.Element
}

func (r *Registry) init() {
	if r.order == nil {
		r.order = list.New()
		r.byID = make(map[uuid.Array]*list.Element)
	}
}

// Add adds c at the end of the registry. It returns ErrDuplicateConn
// if a connection with the same UUID is already registered.
func (r *Registry) Add(c *Conn) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.init()
	key := c.UUID.Array()
	if _, ok := r.byID[key]; ok {
		return ErrDuplicateConn
	}
	r.byID[key] = r.order.PushBack(c)
	return nil
}

// Remove removes the connection identified by id from the registry
// and closes it. The order of the remaining connections is unchanged.
// It returns false if no such connection is registered, in which case
// nothing is closed.
func (r *Registry) Remove(id uuid.UUID) bool {
	r.mu.Lock()
	r.init()
	key := id.Array()
	e, ok := r.byID[key]
	if ok {
		delete(r.byID, key)
		r.order.Remove(e)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	// close outside the lock, it does network I/O
	e.Value.(*Conn).Close(nil)
	return true
}

// Get returns the connection identified by id, or nil if it is not
// registered.
func (r *Registry) Get(id uuid.UUID) *Conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.byID[id.Array()]; ok {
		return e.Value.(*Conn)
	}
	return nil
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

// Conns returns a snapshot of the registered connections, in the order
// they were added.
func (r *Registry) Conns() []*Conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.order == nil {
		return nil
	}
	conns := make([]*Conn, 0, r.order.Len())
	for e := r.order.Front(); e != nil; e = e.Next() {
		conns = append(conns, e.Value.(*Conn))
	}
	return conns
}
