package protocol

import (
	"encoding/json"
	"time"
)

// Message kinds (the "type" discriminator on the wire).
const (
	KindStateSync         = "state_sync"
	KindElementUpdate     = "element_update"
	KindElementUpdated    = "element_updated"
	KindConnectionUpdate  = "connection_update"
	KindConnectionUpdated = "connection_updated"
	KindClientUpdate      = "client_update"
	KindCursorUpdate      = "cursor_update"
	KindSelectionUpdate   = "selection_update"
	KindChatMessage       = "chat_message"
	KindError             = "error"
	KindPing              = "ping"
	KindPong              = "pong"
)

// Normalized event names re-emitted by the Router's default handlers.
const (
	EventStateSync         = "stateSync"
	EventElementUpdated    = "elementUpdated"
	EventConnectionUpdated = "connectionUpdated"
	EventClientUpdate      = "clientUpdate"
	EventCursorUpdate      = "cursorUpdate"
	EventSelectionUpdate   = "selectionUpdate"
	EventChatMessage       = "chatMessage"
	EventServerError       = "serverError"
	EventPing              = "ping"
	EventPong              = "pong"

	EventUnknownMessage = "unknown_message"
	EventHandlerError   = "handler_error"
)

// Point is a cursor position on the drawing surface.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Header is the common envelope portion shared by every message kind.
type Header struct {
	Type      string    `json:"type"`
	ClientID  string    `json:"client_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Kind returns the type discriminator.
func (h Header) Kind() string { return h.Type }

// Sender returns the originating client ID, if any.
func (h Header) Sender() string { return h.ClientID }

// Message is one decoded envelope variant.
type Message interface {
	Kind() string
	Sender() string
}

// StateSync carries a full-state payload, opaque to this subsystem.
type StateSync struct {
	Header
	State json.RawMessage `json:"state"`
}

// ElementUpdate mutates one diagram element. Outbound kind is
// "element_update"; inbound broadcasts arrive as "element_updated".
type ElementUpdate struct {
	Header
	ElementID string         `json:"element_id"`
	Updates   map[string]any `json:"updates"`
}

// ConnectionUpdate mutates one diagram connection (edge).
type ConnectionUpdate struct {
	Header
	ConnectionID string         `json:"connection_id"`
	Updates      map[string]any `json:"updates"`
}

// ClientUpdate reports the number of connected clients.
type ClientUpdate struct {
	Header
	ClientCount int `json:"client_count"`
}

// CursorUpdate reports a participant's pointer position. A nil position
// means the cursor is hidden (pointer left the tracked surface).
type CursorUpdate struct {
	Header
	Position *Point `json:"position"`
	Username string `json:"username,omitempty"`
}

// SelectionUpdate reports the set of elements a participant has selected.
type SelectionUpdate struct {
	Header
	SelectedElements []string `json:"selected_elements"`
}

// ChatMessage is a broadcast chat line.
type ChatMessage struct {
	Header
	Username string `json:"username"`
	Text     string `json:"message"`
}

// ErrorMessage is a server-reported protocol error.
type ErrorMessage struct {
	Header
	Message         string          `json:"message"`
	OriginalMessage json.RawMessage `json:"original_message,omitempty"`
}

// Ping is an application-level keepalive probe.
type Ping struct {
	Header
}

// Pong answers a Ping.
type Pong struct {
	Header
}

// Unknown carries an envelope whose kind this build does not recognize.
// Raw holds the full decoded object.
type Unknown struct {
	Header
	Raw map[string]any
}

func newHeader(kind, clientID string) Header {
	return Header{
		Type:      kind,
		ClientID:  clientID,
		Timestamp: time.Now().UTC(),
	}
}

// NewElementUpdate builds an outbound element_update envelope.
func NewElementUpdate(elementID string, updates map[string]any, clientID string) ElementUpdate {
	return ElementUpdate{
		Header:    newHeader(KindElementUpdate, clientID),
		ElementID: elementID,
		Updates:   updates,
	}
}

// NewConnectionUpdate builds an outbound connection_update envelope.
func NewConnectionUpdate(connectionID string, updates map[string]any, clientID string) ConnectionUpdate {
	return ConnectionUpdate{
		Header:       newHeader(KindConnectionUpdate, clientID),
		ConnectionID: connectionID,
		Updates:      updates,
	}
}

// NewCursorUpdate builds an outbound cursor_update envelope. A nil position
// means "hidden".
func NewCursorUpdate(pos *Point, clientID string) CursorUpdate {
	return CursorUpdate{
		Header:   newHeader(KindCursorUpdate, clientID),
		Position: pos,
	}
}

// NewSelectionUpdate builds an outbound selection_update envelope.
func NewSelectionUpdate(selected []string, clientID string) SelectionUpdate {
	return SelectionUpdate{
		Header:           newHeader(KindSelectionUpdate, clientID),
		SelectedElements: selected,
	}
}

// NewChatMessage builds an outbound chat_message envelope.
func NewChatMessage(username, text, clientID string) ChatMessage {
	return ChatMessage{
		Header:   newHeader(KindChatMessage, clientID),
		Username: username,
		Text:     text,
	}
}

// NewPing builds a keepalive ping.
func NewPing(clientID string) Ping {
	return Ping{Header: newHeader(KindPing, clientID)}
}

// NewPong builds a keepalive pong.
func NewPong(clientID string) Pong {
	return Pong{Header: newHeader(KindPong, clientID)}
}

// NewEnvelope builds a generic envelope for a kind without a dedicated
// constructor. The common fields are stamped over a copy of data.
func NewEnvelope(kind string, data map[string]any, clientID string) map[string]any {
	env := make(map[string]any, len(data)+3)
	for k, v := range data {
		env[k] = v
	}
	env["type"] = kind
	if clientID != "" {
		env["client_id"] = clientID
	}
	env["timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)
	return env
}
