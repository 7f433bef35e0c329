package protocol

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/openboard/collab/internal/connection"
	"github.com/openboard/collab/internal/pubsub"
)

// Handler processes one decoded message of a registered kind.
type Handler func(msg Message) error

// HandlerError is the payload of a "handler_error" event.
type HandlerError struct {
	Kind string
	Err  error
}

// MessageSource is anything emitting decoded transport payloads on a
// "message" event, typically a *connection.Manager.
type MessageSource interface {
	On(name string, handler pubsub.Handler) pubsub.Token
}

// Stats contains router counters.
type Stats struct {
	Received      int64
	Dispatched    int64
	Unknown       int64
	Malformed     int64
	HandlerErrors int64
}

// Router dispatches envelopes by kind and re-emits normalized events on the
// registry for application consumers.
type Router struct {
	bus    *pubsub.Registry
	logger *slog.Logger

	mu       sync.Mutex
	handlers map[string]Handler
	attached bool

	statsMu sync.Mutex
	stats   Stats
}

// NewRouter creates a router with default handlers for every canonical kind.
func NewRouter(bus *pubsub.Registry, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		bus:      bus,
		logger:   logger,
		handlers: make(map[string]Handler),
	}
	r.registerDefaults()
	return r
}

// Attach subscribes the router to the source's "message" event. The
// subscription lasts for the router's entire lifetime; repeated calls are
// no-ops.
func (r *Router) Attach(src MessageSource) {
	r.mu.Lock()
	if r.attached {
		r.mu.Unlock()
		return
	}
	r.attached = true
	r.mu.Unlock()

	src.On(connection.EventMessage, func(payload any) {
		r.Handle(payload)
	})
}

// RegisterHandler sets the handler for a message kind. The last registration
// wins; fan-out to multiple consumers happens through the registry events.
func (r *Router) RegisterHandler(kind string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = h
}

// UnregisterHandler removes the handler for a message kind.
func (r *Router) UnregisterHandler(kind string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, kind)
}

// Handle decodes and dispatches one raw payload. It returns true when a
// handler ran, false for malformed envelopes and unknown kinds. Handler
// failures are reported via "handler_error" and never propagate.
func (r *Router) Handle(raw any) bool {
	r.count(func(s *Stats) { s.Received++ })

	msg, err := DecodeValue(raw)
	if err != nil {
		r.logger.Warn("ignoring malformed envelope", "error", err)
		r.count(func(s *Stats) { s.Malformed++ })
		return false
	}

	r.mu.Lock()
	h, ok := r.handlers[msg.Kind()]
	r.mu.Unlock()

	if !ok {
		// Forward-compatible: a newer server build may send kinds this
		// client does not know yet.
		r.logger.Debug("unknown message kind", "kind", msg.Kind())
		r.count(func(s *Stats) { s.Unknown++ })
		r.bus.Emit(EventUnknownMessage, raw)
		return false
	}

	if err := r.invoke(msg, h); err != nil {
		r.logger.Error("message handler failed",
			"kind", msg.Kind(),
			"error", err,
		)
		r.count(func(s *Stats) { s.HandlerErrors++ })
		r.bus.Emit(EventHandlerError, HandlerError{Kind: msg.Kind(), Err: err})
	}

	r.count(func(s *Stats) { s.Dispatched++ })
	return true
}

// invoke runs a handler inside the failure boundary.
func (r *Router) invoke(msg Message, h Handler) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return h(msg)
}

// Stats returns a copy of the current counters.
func (r *Router) Stats() Stats {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	return r.stats
}

func (r *Router) count(update func(*Stats)) {
	r.statsMu.Lock()
	update(&r.stats)
	r.statsMu.Unlock()
}

// registerDefaults wires the canonical kinds to normalized registry events
// so consumers never touch wire-format names.
func (r *Router) registerDefaults() {
	reemit := func(event string) Handler {
		return func(msg Message) error {
			r.bus.Emit(event, msg)
			return nil
		}
	}

	r.handlers[KindStateSync] = reemit(EventStateSync)
	r.handlers[KindElementUpdate] = reemit(EventElementUpdated)
	r.handlers[KindElementUpdated] = reemit(EventElementUpdated)
	r.handlers[KindConnectionUpdate] = reemit(EventConnectionUpdated)
	r.handlers[KindConnectionUpdated] = reemit(EventConnectionUpdated)
	r.handlers[KindClientUpdate] = reemit(EventClientUpdate)
	r.handlers[KindCursorUpdate] = reemit(EventCursorUpdate)
	r.handlers[KindSelectionUpdate] = reemit(EventSelectionUpdate)
	r.handlers[KindChatMessage] = reemit(EventChatMessage)
	r.handlers[KindError] = reemit(EventServerError)
	r.handlers[KindPing] = reemit(EventPing)
	r.handlers[KindPong] = reemit(EventPong)
}
