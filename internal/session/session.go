package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/openboard/collab/internal/config"
	"github.com/openboard/collab/internal/connection"
	"github.com/openboard/collab/internal/presence"
	"github.com/openboard/collab/internal/protocol"
	"github.com/openboard/collab/internal/pubsub"
)

// Session is one client's collaboration context: identity, transport,
// routing, and presence, behind a small host-facing API.
type Session struct {
	cfg    config.Config
	logger *slog.Logger

	bus     *pubsub.Registry
	mgr     *connection.Manager
	router  *protocol.Router
	tracker *presence.Tracker

	clientID string
	username string

	mu        sync.Mutex
	peerCount int
	started   bool
	cancel    context.CancelFunc
	group     *errgroup.Group
}

// New assembles a session from config. A nil view factory runs headless.
// When config carries no client ID, a fresh UUID identifies this client.
func New(cfg config.Config, views presence.ViewFactory, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}

	clientID := cfg.Session.ClientID
	if clientID == "" {
		clientID = uuid.NewString()
	}

	bus := pubsub.New(logger)

	mgr := connection.NewManager(connection.ManagerConfig{
		URL:                  cfg.Server.URL,
		ReconnectBaseDelay:   cfg.Reconnect.BaseDelay,
		ReconnectMaxDelay:    cfg.Reconnect.MaxDelay,
		MaxReconnectAttempts: cfg.Reconnect.MaxAttempts,
		HandshakeTimeout:     cfg.Server.HandshakeTimeout,
		WriteTimeout:         cfg.Server.WriteTimeout,
		PingInterval:         cfg.Server.PingInterval,
		PongTimeout:          cfg.Server.PongTimeout,
	}, bus, logger.With("component", "connection"))

	router := protocol.NewRouter(bus, logger.With("component", "router"))
	router.Attach(mgr)

	tracker := presence.NewTracker(presence.Config{
		CursorTimeout:    cfg.Presence.CursorTimeout,
		ThrottleInterval: cfg.Presence.ThrottleInterval,
	}, views, logger.With("component", "presence"))
	tracker.Attach(bus)

	s := &Session{
		cfg:      cfg,
		logger:   logger,
		bus:      bus,
		mgr:      mgr,
		router:   router,
		tracker:  tracker,
		clientID: clientID,
		username: cfg.Session.Username,
	}

	tracker.Initialize(clientID, func(pos *protocol.Point) {
		upd := protocol.NewCursorUpdate(pos, clientID)
		upd.Username = s.username
		s.mgr.Send(upd)
	})

	// Application-level keepalive: answer the server's ping.
	bus.On(protocol.EventPing, func(payload any) {
		msg, ok := payload.(protocol.Ping)
		if !ok || msg.ClientID == clientID {
			return
		}
		s.mgr.Send(protocol.NewPong(clientID))
	})

	bus.On(protocol.EventClientUpdate, func(payload any) {
		msg, ok := payload.(protocol.ClientUpdate)
		if !ok {
			return
		}
		s.mu.Lock()
		s.peerCount = msg.ClientCount
		s.mu.Unlock()
	})

	return s
}

// Start connects to the collaboration server and runs the keepalive loop.
// Only this first dial's outcome is returned; later faults surface as
// events on the registry.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	if err := s.mgr.Connect(ctx); err != nil {
		s.mu.Lock()
		s.started = false
		s.mu.Unlock()
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	group, groupCtx := errgroup.WithContext(runCtx)
	group.Go(func() error {
		return s.keepalive(groupCtx)
	})

	s.mu.Lock()
	s.cancel = cancel
	s.group = group
	s.mu.Unlock()

	s.logger.Info("session started",
		"client_id", s.clientID,
		"url", s.cfg.Server.URL,
	)
	return nil
}

// Stop tears the session down: keepalive cancelled, transport closed with a
// normal closure, presence destroyed.
func (s *Session) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	group := s.group
	s.cancel = nil
	s.group = nil
	s.started = false
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if group != nil {
		group.Wait()
	}

	s.mgr.Disconnect(websocket.CloseNormalClosure, "session closed")
	s.tracker.Destroy()
	s.logger.Info("session stopped", "client_id", s.clientID)
}

func (s *Session) keepalive(ctx context.Context) error {
	interval := s.cfg.Server.PingInterval
	if interval <= 0 {
		interval = config.DefaultPingInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if s.mgr.IsConnected() {
				s.mgr.Send(protocol.NewPing(s.clientID))
			}
		}
	}
}

// ClientID returns this session's client identity.
func (s *Session) ClientID() string { return s.clientID }

// Peers returns the last server-reported connected client count.
func (s *Session) Peers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerCount
}

// On subscribes a handler to session events: connection lifecycle
// (connection package event names) and the router's normalized kinds
// (protocol package event names).
func (s *Session) On(name string, h pubsub.Handler) pubsub.Token {
	return s.bus.On(name, h)
}

// Off removes all handlers for an event.
func (s *Session) Off(name string) { s.bus.Off(name) }

// Presence returns a snapshot of every tracked remote participant.
func (s *Session) Presence() []presence.RemoteCursor {
	return s.tracker.Snapshot()
}

// MoveCursor feeds one local pointer sample through the throttle.
func (s *Session) MoveCursor(p protocol.Point) {
	s.tracker.ObservePosition(p)
}

// LeaveCursor hides the local cursor immediately, bypassing the throttle.
func (s *Session) LeaveCursor() {
	s.tracker.ObserveLeave()
}

// DropPeer removes a departed participant's cursor.
func (s *Session) DropPeer(clientID string) {
	s.tracker.RemoveCursor(clientID)
}

// SendElementUpdate broadcasts a mutation of one diagram element.
func (s *Session) SendElementUpdate(elementID string, updates map[string]any) (connection.SendStatus, error) {
	return s.mgr.Send(protocol.NewElementUpdate(elementID, updates, s.clientID))
}

// SendConnectionUpdate broadcasts a mutation of one diagram connection.
func (s *Session) SendConnectionUpdate(connectionID string, updates map[string]any) (connection.SendStatus, error) {
	return s.mgr.Send(protocol.NewConnectionUpdate(connectionID, updates, s.clientID))
}

// SendSelection broadcasts the local element selection.
func (s *Session) SendSelection(selected []string) (connection.SendStatus, error) {
	return s.mgr.Send(protocol.NewSelectionUpdate(selected, s.clientID))
}

// SendChat broadcasts a chat line under the session username.
func (s *Session) SendChat(text string) (connection.SendStatus, error) {
	return s.mgr.Send(protocol.NewChatMessage(s.username, text, s.clientID))
}

// Router exposes the dispatch layer for hosts that register custom kinds.
func (s *Session) Router() *protocol.Router { return s.router }

// Connection exposes the transport manager.
func (s *Session) Connection() *connection.Manager { return s.mgr }
