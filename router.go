package socklet

import (
	"context"
	"sync"
)

// EventHandler defines the method required to handle a dispatched event.
type EventHandler interface {
	HandleEvent(ctx context.Context, c *Conn, data string)
}

// EventHandlerFunc is a function signature that implements the
// EventHandler interface.
type EventHandlerFunc func(context.Context, *Conn, string)

// HandleEvent implements EventHandler for the EventHandlerFunc by
// calling the function itself.
func (fn EventHandlerFunc) HandleEvent(ctx context.Context, c *Conn, data string) {
	fn(ctx, c, data)
}

// Router maps event names to event handlers. Names are case-sensitive.
// The zero value is an empty router ready to use. Handlers can be
// registered while the server is running.
type Router struct {
	// LogFunc is the function called to log events for which no
	// handler is registered. If nil, messages dispatched by ProcessMsg
	// are logged with the Server's LogFunc, and direct calls to Emit
	// log using log.Printf.
	LogFunc func(string, ...interface{})

	mu       sync.RWMutex
	handlers map[string]EventHandler
}

// Register registers h as the handler of the event name. It replaces
// the handler already registered for that name, if any.
func (r *Router) Register(name string, h EventHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.handlers == nil {
		r.handlers = make(map[string]EventHandler)
	}
	r.handlers[name] = h
}

// RegisterFunc registers fn as the handler of the event name.
func (r *Router) RegisterFunc(name string, fn func(context.Context, *Conn, string)) {
	r.Register(name, EventHandlerFunc(fn))
}

// Handler returns the handler registered for the event name, or nil.
func (r *Router) Handler(name string) EventHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[name]
}

// Emit calls the handler registered for the event name with c and data,
// on the calling goroutine. It returns false if no handler is
// registered for that name.
func (r *Router) Emit(ctx context.Context, name string, c *Conn, data string) bool {
	return r.emit(ctx, name, c, data, r.LogFunc)
}

func (r *Router) emit(ctx context.Context, name string, c *Conn, data string, logFn func(string, ...interface{})) bool {
	h := r.Handler(name)
	if h == nil {
		var id interface{} = "-"
		if c != nil {
			id = c.UUID
		}
		logf(logFn, "%v: no handler for event %q", id, name)
		return false
	}
	h.HandleEvent(ctx, c, data)
	return true
}
