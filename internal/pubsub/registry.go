package pubsub

import (
	"log/slog"
	"sync"
)

// Handler receives an event payload.
type Handler func(payload any)

// Token identifies a single registration so it can be removed later.
type Token struct {
	name string
	id   uint64
}

// Name returns the event name this token was registered under.
func (t Token) Name() string { return t.name }

// registration is one subscriber entry for an event name.
type registration struct {
	id   uint64
	fn   Handler
	once bool
}

// Registry dispatches named events to subscribers.
type Registry struct {
	logger *slog.Logger

	mu     sync.Mutex
	nextID uint64
	subs   map[string][]*registration
}

// New creates an empty registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger: logger,
		subs:   make(map[string][]*registration),
	}
}

// On registers a persistent handler for an event name.
func (r *Registry) On(name string, fn Handler) Token {
	return r.add(name, fn, false)
}

// Once registers a handler that is removed after its first invocation.
func (r *Registry) Once(name string, fn Handler) Token {
	return r.add(name, fn, true)
}

func (r *Registry) add(name string, fn Handler, once bool) Token {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	r.subs[name] = append(r.subs[name], &registration{
		id:   r.nextID,
		fn:   fn,
		once: once,
	})
	return Token{name: name, id: r.nextID}
}

// Off removes all handlers registered for an event name.
func (r *Registry) Off(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subs, name)
}

// OffToken removes the single handler identified by the token.
func (r *Registry) OffToken(t Token) {
	r.mu.Lock()
	defer r.mu.Unlock()

	regs := r.subs[t.name]
	for i, reg := range regs {
		if reg.id == t.id {
			r.subs[t.name] = append(regs[:i:i], regs[i+1:]...)
			break
		}
	}
	if len(r.subs[t.name]) == 0 {
		delete(r.subs, t.name)
	}
}

// HandlerCount returns the number of handlers registered for an event name.
func (r *Registry) HandlerCount(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs[name])
}

// Emit invokes all handlers for the event synchronously: persistent handlers
// first, then once-handlers, each group in registration order. It returns
// whether any handler existed. A panicking handler is recovered and logged;
// remaining handlers still run.
func (r *Registry) Emit(name string, payload any) bool {
	r.mu.Lock()
	regs := r.subs[name]
	if len(regs) == 0 {
		r.mu.Unlock()
		return false
	}

	persistent := make([]Handler, 0, len(regs))
	var onceHandlers []Handler
	for _, reg := range regs {
		if reg.once {
			onceHandlers = append(onceHandlers, reg.fn)
		} else {
			persistent = append(persistent, reg.fn)
		}
	}

	// Once-handlers are consumed by this emission, even if they panic.
	if onceHandlers != nil {
		kept := regs[:0:0]
		for _, reg := range regs {
			if !reg.once {
				kept = append(kept, reg)
			}
		}
		if len(kept) == 0 {
			delete(r.subs, name)
		} else {
			r.subs[name] = kept
		}
	}
	r.mu.Unlock()

	for _, fn := range persistent {
		r.invoke(name, fn, payload)
	}
	for _, fn := range onceHandlers {
		r.invoke(name, fn, payload)
	}
	return true
}

func (r *Registry) invoke(name string, fn Handler, payload any) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("event handler panicked",
				"event", name,
				"panic", rec,
			)
		}
	}()
	fn(payload)
}
