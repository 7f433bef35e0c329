package presence

import (
	"time"

	"github.com/openboard/collab/internal/protocol"
)

// CursorView is the visual handle for one remote cursor. The tracker owns
// exactly one per record and releases it when the record is removed. The
// host supplies the implementation (DOM node, canvas sprite, log line...).
type CursorView interface {
	// MoveTo repositions the cursor indicator.
	MoveTo(p protocol.Point)

	// SetLabel updates the display name next to the cursor.
	SetLabel(username string)

	// SetFading toggles the idle de-emphasis state.
	SetFading(fading bool)

	// SetHidden toggles visibility without discarding the handle.
	SetHidden(hidden bool)

	// Release destroys the handle. No calls follow a Release.
	Release()
}

// ViewFactory creates cursor views on first sight of a participant.
type ViewFactory interface {
	CreateCursor(clientID, username, color string) CursorView
}

// ViewFactoryFunc is a function adapter for ViewFactory.
type ViewFactoryFunc func(clientID, username, color string) CursorView

func (f ViewFactoryFunc) CreateCursor(clientID, username, color string) CursorView {
	return f(clientID, username, color)
}

// RemoteCursor is an observable copy of one remote participant's state.
type RemoteCursor struct {
	ClientID   string
	Username   string
	Color      string
	Position   *protocol.Point
	Selection  []string
	LastUpdate time.Time
	Fading     bool
	Hidden     bool
}

// Config holds presence tracker settings.
type Config struct {
	CursorTimeout    time.Duration // Idle time before a remote cursor fades
	ThrottleInterval time.Duration // Local emission rate limit
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		CursorTimeout:    5 * time.Second,
		ThrottleInterval: 100 * time.Millisecond,
	}
}
