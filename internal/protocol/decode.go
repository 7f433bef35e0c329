package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Decode errors.
var (
	ErrNotObject = errors.New("envelope is not a JSON object")
	ErrNoType    = errors.New("envelope has no type field")
)

// envelopeProbe extracts the discriminator without a full parse.
type envelopeProbe struct {
	Type string `json:"type"`
}

// Decode parses raw envelope bytes into the typed variant for its kind.
// Unrecognized kinds decode into Unknown rather than failing.
func Decode(data []byte) (Message, error) {
	var probe envelopeProbe
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("parse envelope: %w", err)
	}
	if probe.Type == "" {
		return nil, ErrNoType
	}
	return decodeKind(probe.Type, data)
}

// DecodeValue decodes an already-parsed payload, as delivered by the
// Connection Manager's "message" event. Only JSON objects are envelopes;
// anything else (the raw-string fallback included) is rejected.
func DecodeValue(v any) (Message, error) {
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, ErrNotObject
	}
	kind, _ := obj["type"].(string)
	if kind == "" {
		return nil, ErrNoType
	}

	data, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("re-encode envelope: %w", err)
	}
	msg, err := decodeKind(kind, data)
	if err != nil {
		return nil, err
	}
	if u, isUnknown := msg.(Unknown); isUnknown {
		u.Raw = obj
		return u, nil
	}
	return msg, nil
}

func decodeKind(kind string, data []byte) (Message, error) {
	unmarshal := func(dst Message) (Message, error) {
		if err := json.Unmarshal(data, dst); err != nil {
			return nil, fmt.Errorf("parse %s: %w", kind, err)
		}
		return deref(dst), nil
	}

	switch kind {
	case KindStateSync:
		return unmarshal(&StateSync{})
	case KindElementUpdate, KindElementUpdated:
		return unmarshal(&ElementUpdate{})
	case KindConnectionUpdate, KindConnectionUpdated:
		return unmarshal(&ConnectionUpdate{})
	case KindClientUpdate:
		return unmarshal(&ClientUpdate{})
	case KindCursorUpdate:
		return unmarshal(&CursorUpdate{})
	case KindSelectionUpdate:
		return unmarshal(&SelectionUpdate{})
	case KindChatMessage:
		return unmarshal(&ChatMessage{})
	case KindError:
		return unmarshal(&ErrorMessage{})
	case KindPing:
		return unmarshal(&Ping{})
	case KindPong:
		return unmarshal(&Pong{})
	default:
		var u Unknown
		if err := json.Unmarshal(data, &u.Header); err != nil {
			return nil, fmt.Errorf("parse %s: %w", kind, err)
		}
		var raw map[string]any
		if err := json.Unmarshal(data, &raw); err == nil {
			u.Raw = raw
		}
		return u, nil
	}
}

// deref returns the value form of a decoded pointer variant so callers can
// type-switch on concrete structs.
func deref(m Message) Message {
	switch v := m.(type) {
	case *StateSync:
		return *v
	case *ElementUpdate:
		return *v
	case *ConnectionUpdate:
		return *v
	case *ClientUpdate:
		return *v
	case *CursorUpdate:
		return *v
	case *SelectionUpdate:
		return *v
	case *ChatMessage:
		return *v
	case *ErrorMessage:
		return *v
	case *Ping:
		return *v
	case *Pong:
		return *v
	case *Unknown:
		return *v
	default:
		return m
	}
}
