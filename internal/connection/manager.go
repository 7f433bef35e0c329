package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openboard/collab/internal/pubsub"
)

// Manager owns the transport link: connection lifecycle, outbound queueing,
// and the reconnection policy. It holds a pubsub registry and exposes the
// subset of its operations consumers need.
type Manager struct {
	cfg    ManagerConfig
	bus    *pubsub.Registry
	logger *slog.Logger

	// Connection state
	mu             sync.Mutex
	client         Client
	connected      bool
	connecting     bool
	closedByUs     bool
	everConnected  bool
	attempts       int
	reconnectTimer *time.Timer

	// Outbound queue; own mutex so sends never serialize against the
	// connection state. flushing routes new sends to the back of the queue
	// while a flush drains it.
	queueMu  sync.Mutex
	queue    [][]byte
	flushing bool
}

// NewManager creates a Connection Manager. A nil bus gets a private registry;
// passing a shared one lets other components subscribe through the manager.
func NewManager(cfg ManagerConfig, bus *pubsub.Registry, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if bus == nil {
		bus = pubsub.New(logger)
	}
	return &Manager{
		cfg:    cfg,
		bus:    bus,
		logger: logger,
	}
}

// On registers a persistent handler for a lifecycle event.
func (m *Manager) On(name string, h pubsub.Handler) pubsub.Token {
	return m.bus.On(name, h)
}

// Once registers a one-shot handler for a lifecycle event.
func (m *Manager) Once(name string, h pubsub.Handler) pubsub.Token {
	return m.bus.Once(name, h)
}

// Off removes all handlers for a lifecycle event.
func (m *Manager) Off(name string) {
	m.bus.Off(name)
}

// OffToken removes one handler registration.
func (m *Manager) OffToken(t pubsub.Token) {
	m.bus.OffToken(t)
}

// Connect opens the transport. It is idempotent: if the link is already open
// or opening it returns nil immediately. Only this first dial's outcome is
// returned to the caller; every later fault is reported through events. On
// success the attempt counter resets and the outbound queue flushes FIFO.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.connected || m.connecting {
		m.mu.Unlock()
		return nil
	}
	m.connecting = true
	m.closedByUs = false
	m.attempts = 0
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	m.mu.Unlock()

	c := NewClient(m.cfg.clientConfig(), m.logger)
	if err := c.Connect(ctx); err != nil {
		m.mu.Lock()
		m.connecting = false
		m.mu.Unlock()
		return fmt.Errorf("connect %s: %w", m.cfg.URL, err)
	}

	if !m.adopt(c) {
		// Disconnect landed while the dial was in flight.
		c.Close(websocket.CloseNormalClosure, "closed during dial")
		m.logger.Info("dial completed after disconnect, discarding connection")
		return nil
	}
	m.logger.Info("connected", "url", m.cfg.URL)
	m.bus.Emit(EventOpen, nil)
	m.flushQueue()
	return nil
}

// Send transmits a payload immediately when the link is open, otherwise
// appends it to the outbound queue. A payload is never dropped silently.
func (m *Manager) Send(v any) (SendStatus, error) {
	data, err := encodePayload(v)
	if err != nil {
		return StatusQueued, fmt.Errorf("encode payload: %w", err)
	}

	m.mu.Lock()
	c := m.client
	open := m.connected
	m.mu.Unlock()

	// Direct send only when nothing is queued ahead and no flush is
	// draining, to keep submission order across a reconnect. The check and
	// the enqueue are one critical section so a new payload cannot slip
	// past one still being flushed.
	m.queueMu.Lock()
	if !open || c == nil || len(m.queue) > 0 || m.flushing {
		m.enqueueLocked(data)
		m.queueMu.Unlock()
		return StatusQueued, nil
	}
	m.queueMu.Unlock()

	if err := c.Send(data); err != nil {
		m.logger.Warn("transport send failed, queueing payload", "error", err)
		m.queueMu.Lock()
		m.enqueueLocked(data)
		m.queueMu.Unlock()
		return StatusQueued, nil
	}
	return StatusSent, nil
}

// Disconnect cancels any pending reconnect, closes the transport with the
// given code/reason, and leaves the manager in a terminal closed state. No
// automatic reconnection happens afterwards; a new Connect call starts over.
func (m *Manager) Disconnect(code int, reason string) {
	m.mu.Lock()
	m.closedByUs = true
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	c := m.client
	m.client = nil
	m.connected = false
	m.connecting = false
	m.mu.Unlock()

	if c == nil {
		return
	}
	c.Close(code, reason)
	m.logger.Info("disconnected", "code", code, "reason", reason)
	m.bus.Emit(EventClose, CloseEvent{Code: code, Reason: reason, Clean: true})
}

// IsConnected reports whether the link is open.
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// IsConnecting reports whether a dial is in flight.
func (m *Manager) IsConnecting() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connecting
}

// QueueLen returns the number of queued outbound payloads.
func (m *Manager) QueueLen() int {
	return m.queueLen()
}

// adopt installs a freshly-opened client and starts its pump. It reports
// false, installing nothing, when Disconnect raced the dial.
func (m *Manager) adopt(c Client) bool {
	m.mu.Lock()
	if m.closedByUs {
		m.connecting = false
		m.mu.Unlock()
		return false
	}
	m.client = c
	m.connected = true
	m.connecting = false
	m.everConnected = true
	m.mu.Unlock()

	go m.pump(c)
	return true
}

// pump forwards inbound frames as "message" events, preserving transport
// delivery order, until the client dies or is closed locally.
func (m *Manager) pump(c Client) {
	for {
		select {
		case <-c.Done():
			return
		case err := <-c.Errors():
			m.handleFailure(c, err)
			return
		case msg := <-c.Messages():
			m.bus.Emit(EventMessage, decodePayload(msg.Data))
		}
	}
}

// handleFailure reacts to a dead connection: emits error/close events and
// kicks off the reconnection policy for unclean closes.
func (m *Manager) handleFailure(c Client, err error) {
	m.mu.Lock()
	if m.client != c || m.closedByUs {
		m.mu.Unlock()
		return
	}
	m.client = nil
	m.connected = false
	ever := m.everConnected
	m.mu.Unlock()

	code, reason, clean := deriveClose(err)

	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		// A close frame is lifecycle, not an error.
		m.bus.Emit(EventError, err)
	}

	m.logger.Warn("connection lost",
		"code", code,
		"reason", reason,
		"clean", clean,
	)
	m.bus.Emit(EventClose, CloseEvent{Code: code, Reason: reason, Clean: clean})

	if !clean && ever {
		m.scheduleReconnect()
	}
}

// scheduleReconnect arms the backoff timer for the next attempt, or emits
// the terminal reconnect_failed event when attempts are exhausted.
func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	if m.closedByUs {
		m.mu.Unlock()
		return
	}
	next := m.attempts + 1
	if next > m.cfg.MaxReconnectAttempts {
		m.mu.Unlock()
		m.logger.Error("reconnect attempts exhausted",
			"attempts", m.cfg.MaxReconnectAttempts,
		)
		m.bus.Emit(EventReconnectFailed, m.cfg.MaxReconnectAttempts)
		return
	}
	m.attempts = next
	delay := reconnectDelay(m.cfg.ReconnectBaseDelay, m.cfg.ReconnectMaxDelay, next)
	m.mu.Unlock()

	m.logger.Info("scheduling reconnect", "attempt", next, "delay", delay)
	m.bus.Emit(EventReconnecting, ReconnectingEvent{Attempt: next, Delay: delay})

	m.mu.Lock()
	if m.closedByUs {
		m.mu.Unlock()
		return
	}
	m.reconnectTimer = time.AfterFunc(delay, m.attemptReconnect)
	m.mu.Unlock()
}

// attemptReconnect dials once from the backoff timer.
func (m *Manager) attemptReconnect() {
	m.mu.Lock()
	if m.closedByUs || m.connected {
		m.mu.Unlock()
		return
	}
	m.connecting = true
	m.reconnectTimer = nil
	attempt := m.attempts
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.clientConfig().HandshakeTimeout)
	defer cancel()

	c := NewClient(m.cfg.clientConfig(), m.logger)
	if err := c.Connect(ctx); err != nil {
		m.logger.Warn("reconnect attempt failed",
			"attempt", attempt,
			"error", err,
		)
		m.mu.Lock()
		m.connecting = false
		m.mu.Unlock()
		m.bus.Emit(EventError, err)
		m.scheduleReconnect()
		return
	}

	m.mu.Lock()
	if m.closedByUs {
		// Disconnect landed while the dial was in flight: the backoff timer
		// had already fired, so stopping it was a no-op. Discard the fresh
		// connection instead of resurrecting the link.
		m.connecting = false
		m.mu.Unlock()
		c.Close(websocket.CloseNormalClosure, "closed during dial")
		m.logger.Info("reconnect dial completed after disconnect, discarding connection")
		return
	}
	m.client = c
	m.connected = true
	m.connecting = false
	m.everConnected = true
	attempts := m.attempts
	m.attempts = 0
	m.mu.Unlock()

	go m.pump(c)

	m.logger.Info("reconnected", "attempts", attempts)
	m.bus.Emit(EventOpen, nil)
	m.flushQueue()
	m.bus.Emit(EventReconnected, ReconnectedEvent{Attempts: attempts})
}

// flushQueue drains the outbound queue FIFO onto the open link. While the
// flag is up, Send appends behind the drain instead of writing directly, so
// a queued payload can never be overtaken. On a send failure the payload
// goes back to the front; the next open retries.
func (m *Manager) flushQueue() {
	m.queueMu.Lock()
	if m.flushing {
		m.queueMu.Unlock()
		return
	}
	m.flushing = true
	m.queueMu.Unlock()

	for {
		m.queueMu.Lock()
		if len(m.queue) == 0 {
			m.flushing = false
			m.queueMu.Unlock()
			return
		}
		data := m.queue[0]
		m.queue = m.queue[1:]
		m.queueMu.Unlock()

		m.mu.Lock()
		c := m.client
		open := m.connected
		m.mu.Unlock()

		var err error
		if !open || c == nil {
			err = ErrNotConnected
		} else {
			err = c.Send(data)
		}
		if err != nil {
			m.logger.Warn("queue flush interrupted", "error", err)
			m.queueMu.Lock()
			m.queue = append([][]byte{data}, m.queue...)
			m.flushing = false
			m.queueMu.Unlock()
			return
		}
	}
}

// enqueueLocked appends a payload; the caller holds queueMu.
func (m *Manager) enqueueLocked(data []byte) {
	m.queue = append(m.queue, data)
	if m.cfg.QueueWarnSize > 0 && len(m.queue) > m.cfg.QueueWarnSize {
		m.logger.Warn("outbound queue growing while disconnected", "queued", len(m.queue))
	}
}

func (m *Manager) queueLen() int {
	m.queueMu.Lock()
	defer m.queueMu.Unlock()
	return len(m.queue)
}

// reconnectDelay computes min(base * 2^(attempt-1), max) for 1-indexed
// attempts.
func reconnectDelay(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 32 {
		return max
	}
	d := base << (attempt - 1)
	if d <= 0 || d > max {
		return max
	}
	return d
}

// deriveClose maps a read error to close code/reason/clean semantics. Only a
// normal closure (1000) counts as clean; anything else triggers the
// reconnection policy.
func deriveClose(err error) (code int, reason string, clean bool) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text, ce.Code == websocket.CloseNormalClosure
	}
	if err != nil {
		reason = err.Error()
	}
	return websocket.CloseAbnormalClosure, reason, false
}

// encodePayload serializes an outbound payload once, at submission time, so
// queued content and order are frozen.
func encodePayload(v any) ([]byte, error) {
	switch data := v.(type) {
	case []byte:
		return data, nil
	case json.RawMessage:
		return data, nil
	default:
		return json.Marshal(v)
	}
}

// decodePayload parses an inbound frame as JSON; anything unparsable passes
// through as the raw string.
func decodePayload(data []byte) any {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return string(data)
	}
	return v
}
