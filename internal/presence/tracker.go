package presence

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/openboard/collab/internal/protocol"
	"github.com/openboard/collab/internal/pubsub"
)

// record is the per-remote-participant state. The tracker is its only
// owner; timers and the view handle are cancelled/released here and nowhere
// else.
type record struct {
	clientID   string
	username   string
	color      string
	position   *protocol.Point
	selection  []string
	lastUpdate time.Time
	fading     bool
	hidden     bool
	view       CursorView
	decay      *time.Timer
}

// Tracker maintains remote presence records and throttles local emission.
type Tracker struct {
	cfg    Config
	views  ViewFactory
	logger *slog.Logger

	mu      sync.Mutex
	records map[string]*record

	// Local emission state
	localID   string
	emit      func(*protocol.Point)
	pending   *protocol.Point
	throttle  *time.Timer
	destroyed bool
}

// NewTracker creates a presence tracker. A nil factory runs headless (no
// views are created), which the tests and the demo CLI use.
func NewTracker(cfg Config, views ViewFactory, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CursorTimeout <= 0 {
		cfg.CursorTimeout = DefaultConfig().CursorTimeout
	}
	if cfg.ThrottleInterval <= 0 {
		cfg.ThrottleInterval = DefaultConfig().ThrottleInterval
	}
	return &Tracker{
		cfg:     cfg,
		views:   views,
		logger:  logger,
		records: make(map[string]*record),
	}
}

// Initialize binds the local client identity and the emission callback.
// Must be called once before local tracking begins.
func (t *Tracker) Initialize(localID string, emit func(*protocol.Point)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.localID = localID
	t.emit = emit
}

// Attach subscribes the tracker to the router's normalized presence events.
func (t *Tracker) Attach(bus *pubsub.Registry) {
	bus.On(protocol.EventCursorUpdate, func(payload any) {
		msg, ok := payload.(protocol.CursorUpdate)
		if !ok {
			return
		}
		t.UpdateRemote(msg.ClientID, msg.Position, msg.Username)
	})
	bus.On(protocol.EventSelectionUpdate, func(payload any) {
		msg, ok := payload.(protocol.SelectionUpdate)
		if !ok {
			return
		}
		t.UpdateRemoteSelection(msg.ClientID, msg.SelectedElements)
	})
}

// ObservePosition feeds one raw local pointer sample. Samples inside a
// throttle interval are remembered, not transmitted; when the interval
// elapses the most recent one is emitted (trailing edge).
func (t *Tracker) ObservePosition(p protocol.Point) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.destroyed || t.emit == nil {
		return
	}
	pos := p
	t.pending = &pos
	if t.throttle == nil {
		t.throttle = time.AfterFunc(t.cfg.ThrottleInterval, t.throttleFire)
	}
}

// ObserveLeave reports that the pointer left the tracked surface. The
// hidden marker bypasses the throttle and clears any pending sample.
func (t *Tracker) ObserveLeave() {
	t.mu.Lock()
	if t.throttle != nil {
		t.throttle.Stop()
		t.throttle = nil
	}
	t.pending = nil
	emit := t.emit
	destroyed := t.destroyed
	t.mu.Unlock()

	if !destroyed && emit != nil {
		emit(nil)
	}
}

func (t *Tracker) throttleFire() {
	t.mu.Lock()
	t.throttle = nil
	pos := t.pending
	t.pending = nil
	emit := t.emit
	destroyed := t.destroyed
	t.mu.Unlock()

	if destroyed || emit == nil || pos == nil {
		return
	}
	emit(pos)
}

// UpdateRemote applies one remote cursor update. Self-echo is ignored. A
// nil position hides the record without removing it; a real position
// creates or refreshes the record and re-arms its decay timer. View
// callbacks run outside the lock so a view may call back into the tracker.
func (t *Tracker) UpdateRemote(clientID string, pos *protocol.Point, username string) {
	t.mu.Lock()

	if t.destroyed || clientID == "" || clientID == t.localID {
		t.mu.Unlock()
		return
	}

	rec, ok := t.records[clientID]
	if ok && rec.decay != nil {
		rec.decay.Stop()
		rec.decay = nil
	}

	if pos == nil {
		var view CursorView
		if ok {
			rec.hidden = true
			rec.position = nil
			view = rec.view
		}
		t.mu.Unlock()
		if view != nil {
			view.SetHidden(true)
		}
		return
	}

	if !ok {
		rec = &record{
			clientID: clientID,
			color:    colorFor(clientID),
		}
		t.records[clientID] = rec
		t.logger.Debug("remote participant appeared",
			"client_id", clientID,
			"username", username,
		)
	}

	relabel := username != "" && username != rec.username
	if relabel {
		rec.username = username
	}
	needView := rec.view == nil && t.views != nil

	p := *pos
	rec.position = &p
	unhide := rec.hidden
	rec.hidden = false
	unfade := rec.fading
	rec.fading = false
	rec.lastUpdate = time.Now()
	rec.decay = time.AfterFunc(t.cfg.CursorTimeout, func() {
		t.fade(clientID)
	})
	view := rec.view
	name := rec.username
	color := rec.color
	t.mu.Unlock()

	if needView {
		created := t.views.CreateCursor(clientID, name, color)
		t.mu.Lock()
		cur, still := t.records[clientID]
		if still && cur == rec && rec.view == nil && !t.destroyed {
			rec.view = created
		} else {
			still = false
		}
		t.mu.Unlock()
		if !still {
			created.Release()
			return
		}
		created.MoveTo(p)
		return
	}

	if view == nil {
		return
	}
	if relabel {
		view.SetLabel(name)
	}
	if unhide {
		view.SetHidden(false)
	}
	if unfade {
		view.SetFading(false)
	}
	view.MoveTo(p)
}

// UpdateRemoteSelection applies one remote selection update. It follows the
// cursor design: refresh on sight, decay into fading on silence.
func (t *Tracker) UpdateRemoteSelection(clientID string, selected []string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.destroyed || clientID == "" || clientID == t.localID {
		return
	}

	rec, ok := t.records[clientID]
	if !ok {
		rec = &record{
			clientID: clientID,
			color:    colorFor(clientID),
		}
		t.records[clientID] = rec
	}
	if rec.decay != nil {
		rec.decay.Stop()
	}
	rec.selection = append([]string(nil), selected...)
	rec.lastUpdate = time.Now()
	rec.decay = time.AfterFunc(t.cfg.CursorTimeout, func() {
		t.fade(clientID)
	})
}

// fade marks a record visually de-emphasized after cursorTimeout of
// silence. The record stays; only explicit removal deletes it.
func (t *Tracker) fade(clientID string) {
	t.mu.Lock()
	rec, ok := t.records[clientID]
	if !ok || t.destroyed {
		t.mu.Unlock()
		return
	}
	rec.fading = true
	view := rec.view
	t.mu.Unlock()

	if view != nil {
		view.SetFading(true)
	}
}

// RemoveCursor deletes a participant's record: decay timer cancelled first,
// then the record dropped, then the view released.
func (t *Tracker) RemoveCursor(clientID string) {
	t.mu.Lock()
	view := t.removeLocked(clientID)
	t.mu.Unlock()

	if view != nil {
		view.Release()
	}
}

// RemoveAllCursors deletes every record. Used on session end.
func (t *Tracker) RemoveAllCursors() {
	t.mu.Lock()
	views := make([]CursorView, 0, len(t.records))
	for id := range t.records {
		if v := t.removeLocked(id); v != nil {
			views = append(views, v)
		}
	}
	t.mu.Unlock()

	for _, v := range views {
		v.Release()
	}
}

// removeLocked drops a record under t.mu and returns its view, if any, for
// the caller to release after unlocking.
func (t *Tracker) removeLocked(clientID string) CursorView {
	rec, ok := t.records[clientID]
	if !ok {
		return nil
	}
	if rec.decay != nil {
		rec.decay.Stop()
		rec.decay = nil
	}
	view := rec.view
	rec.view = nil
	delete(t.records, clientID)
	return view
}

// Destroy tears the tracker down: local throttle cancelled, emission
// detached, every record removed. The tracker is unusable afterwards.
func (t *Tracker) Destroy() {
	t.mu.Lock()
	t.destroyed = true
	if t.throttle != nil {
		t.throttle.Stop()
		t.throttle = nil
	}
	t.pending = nil
	t.emit = nil
	views := make([]CursorView, 0, len(t.records))
	for id := range t.records {
		if v := t.removeLocked(id); v != nil {
			views = append(views, v)
		}
	}
	t.mu.Unlock()

	for _, v := range views {
		v.Release()
	}
}

// Count returns the number of tracked remote participants.
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}

// Snapshot returns an observable copy of every record, ordered by client
// ID.
func (t *Tracker) Snapshot() []RemoteCursor {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]RemoteCursor, 0, len(t.records))
	for _, rec := range t.records {
		var pos *protocol.Point
		if rec.position != nil {
			p := *rec.position
			pos = &p
		}
		out = append(out, RemoteCursor{
			ClientID:   rec.clientID,
			Username:   rec.username,
			Color:      rec.color,
			Position:   pos,
			Selection:  append([]string(nil), rec.selection...),
			LastUpdate: rec.lastUpdate,
			Fading:     rec.fading,
			Hidden:     rec.hidden,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}
