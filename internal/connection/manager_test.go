package connection

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// recordingServer collects every text frame it receives and hands out the
// live server-side connections so tests can kill them.
type recordingServer struct {
	frames chan []byte
	conns  chan *websocket.Conn
}

func newRecordingServer(t *testing.T) (*recordingServer, string, func()) {
	t.Helper()
	rs := &recordingServer{
		frames: make(chan []byte, 64),
		conns:  make(chan *websocket.Conn, 8),
	}
	server := mockWSServer(t, func(conn *websocket.Conn) {
		rs.conns <- conn
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			rs.frames <- msg
		}
	})
	return rs, wsURL(server), server.Close
}

func testManagerConfig(url string) ManagerConfig {
	cfg := DefaultManagerConfig()
	cfg.URL = url
	cfg.ReconnectBaseDelay = 20 * time.Millisecond
	cfg.ReconnectMaxDelay = 200 * time.Millisecond
	cfg.MaxReconnectAttempts = 3
	return cfg
}

func waitFrame(t *testing.T, rs *recordingServer) []byte {
	t.Helper()
	select {
	case f := <-rs.frames:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

func TestReconnectDelay(t *testing.T) {
	base := 1 * time.Second
	max := 30 * time.Second

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second}, // capped: 32s > max
		{10, 30 * time.Second},
		{64, 30 * time.Second}, // shift overflow guard
	}
	for _, tt := range tests {
		if got := reconnectDelay(base, max, tt.attempt); got != tt.want {
			t.Errorf("reconnectDelay(attempt=%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestDeriveClose(t *testing.T) {
	code, _, clean := deriveClose(&websocket.CloseError{Code: 1000, Text: "bye"})
	if code != 1000 || !clean {
		t.Errorf("normal closure: code=%d clean=%v, want 1000 true", code, clean)
	}

	code, _, clean = deriveClose(&websocket.CloseError{Code: 1011, Text: "server error"})
	if code != 1011 || clean {
		t.Errorf("server error closure: code=%d clean=%v, want 1011 false", code, clean)
	}

	code, reason, clean := deriveClose(ErrStaleConnection)
	if code != websocket.CloseAbnormalClosure || clean {
		t.Errorf("abrupt death: code=%d clean=%v, want 1006 false", code, clean)
	}
	if reason == "" {
		t.Error("abrupt death: empty reason")
	}
}

func TestManager_QueueWhileDisconnectedFlushesInOrder(t *testing.T) {
	rs, url, stop := newRecordingServer(t)
	defer stop()

	m := NewManager(testManagerConfig(url), nil, slog.Default())

	for i := 0; i < 3; i++ {
		status, err := m.Send(map[string]any{"seq": i})
		if err != nil {
			t.Fatalf("Send %d failed: %v", i, err)
		}
		if status != StatusQueued {
			t.Errorf("Send %d status = %v, want queued", i, status)
		}
	}
	if m.QueueLen() != 3 {
		t.Fatalf("QueueLen = %d, want 3", m.QueueLen())
	}

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer m.Disconnect(websocket.CloseNormalClosure, "")

	for i := 0; i < 3; i++ {
		var payload struct {
			Seq int `json:"seq"`
		}
		if err := json.Unmarshal(waitFrame(t, rs), &payload); err != nil {
			t.Fatalf("bad frame: %v", err)
		}
		if payload.Seq != i {
			t.Errorf("frame %d carries seq=%d, want %d", i, payload.Seq, i)
		}
	}
	if m.QueueLen() != 0 {
		t.Errorf("QueueLen after flush = %d, want 0", m.QueueLen())
	}
}

func TestManager_SendImmediateWhenOpen(t *testing.T) {
	rs, url, stop := newRecordingServer(t)
	defer stop()

	m := NewManager(testManagerConfig(url), nil, slog.Default())
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer m.Disconnect(websocket.CloseNormalClosure, "")

	status, err := m.Send(map[string]any{
		"type":     "cursor_update",
		"position": map[string]any{"x": 1, "y": 2},
	})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if status != StatusSent {
		t.Errorf("status = %v, want sent", status)
	}

	var frame struct {
		Type     string `json:"type"`
		Position struct {
			X float64 `json:"x"`
			Y float64 `json:"y"`
		} `json:"position"`
	}
	if err := json.Unmarshal(waitFrame(t, rs), &frame); err != nil {
		t.Fatalf("bad frame: %v", err)
	}
	if frame.Type != "cursor_update" || frame.Position.X != 1 || frame.Position.Y != 2 {
		t.Errorf("frame = %+v, want cursor_update at {1 2}", frame)
	}

	// Exactly one frame.
	select {
	case extra := <-rs.frames:
		t.Errorf("unexpected extra frame: %s", extra)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestManager_ConnectIdempotent(t *testing.T) {
	_, url, stop := newRecordingServer(t)
	defer stop()

	m := NewManager(testManagerConfig(url), nil, slog.Default())
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("first Connect failed: %v", err)
	}
	defer m.Disconnect(websocket.CloseNormalClosure, "")

	if err := m.Connect(context.Background()); err != nil {
		t.Errorf("second Connect failed: %v", err)
	}
	if !m.IsConnected() {
		t.Error("not connected after idempotent Connect")
	}
}

func TestManager_FirstConnectFailureReturnsError(t *testing.T) {
	_, url, stop := newRecordingServer(t)
	stop() // server gone before the dial

	m := NewManager(testManagerConfig(url), nil, slog.Default())
	if err := m.Connect(context.Background()); err == nil {
		t.Error("Connect succeeded against a dead server")
	}
	if m.IsConnected() || m.IsConnecting() {
		t.Error("manager stuck in connected/connecting state after failed dial")
	}
}

func TestManager_InboundPayloadDecoding(t *testing.T) {
	connCh := make(chan *websocket.Conn, 1)
	server := mockWSServer(t, func(conn *websocket.Conn) {
		connCh <- conn
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer server.Close()

	m := NewManager(testManagerConfig(wsURL(server)), nil, slog.Default())

	msgCh := make(chan any, 8)
	m.On(EventMessage, func(p any) { msgCh <- p })

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer m.Disconnect(websocket.CloseNormalClosure, "")

	sconn := <-connCh
	sconn.WriteMessage(websocket.TextMessage, []byte(`{"type":"client_update","client_count":4}`))
	sconn.WriteMessage(websocket.TextMessage, []byte(`not json at all`))

	select {
	case p := <-msgCh:
		obj, ok := p.(map[string]any)
		if !ok {
			t.Fatalf("first payload is %T, want map", p)
		}
		if obj["client_count"] != float64(4) {
			t.Errorf("client_count = %v, want 4", obj["client_count"])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for decoded payload")
	}

	select {
	case p := <-msgCh:
		s, ok := p.(string)
		if !ok || s != "not json at all" {
			t.Errorf("fallback payload = %#v, want raw string", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for raw-string fallback")
	}
}

func TestManager_UncleanCloseReconnects(t *testing.T) {
	rs, url, stop := newRecordingServer(t)
	defer stop()

	cfg := testManagerConfig(url)
	m := NewManager(cfg, nil, slog.Default())

	closeCh := make(chan CloseEvent, 4)
	reconnectingCh := make(chan ReconnectingEvent, 4)
	reconnectedCh := make(chan ReconnectedEvent, 4)
	m.On(EventClose, func(p any) { closeCh <- p.(CloseEvent) })
	m.On(EventReconnecting, func(p any) { reconnectingCh <- p.(ReconnectingEvent) })
	m.On(EventReconnected, func(p any) { reconnectedCh <- p.(ReconnectedEvent) })

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer m.Disconnect(websocket.CloseNormalClosure, "")

	// Queue survives the outage and flushes after recovery.
	first := <-rs.conns
	first.Close() // no close frame: unclean

	select {
	case evt := <-closeCh:
		if evt.Clean {
			t.Error("abrupt server close reported clean")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no close event after abrupt server close")
	}

	select {
	case evt := <-reconnectingCh:
		if evt.Attempt != 1 {
			t.Errorf("attempt = %d, want 1", evt.Attempt)
		}
		if evt.Delay != cfg.ReconnectBaseDelay {
			t.Errorf("delay = %v, want %v", evt.Delay, cfg.ReconnectBaseDelay)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no reconnecting event")
	}

	if _, err := m.Send(map[string]any{"seq": 99}); err != nil {
		t.Fatalf("Send during outage failed: %v", err)
	}

	select {
	case evt := <-reconnectedCh:
		if evt.Attempts != 1 {
			t.Errorf("reconnected attempts = %d, want 1", evt.Attempts)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no reconnected event")
	}

	var payload struct {
		Seq int `json:"seq"`
	}
	if err := json.Unmarshal(waitFrame(t, rs), &payload); err != nil {
		t.Fatalf("bad frame: %v", err)
	}
	if payload.Seq != 99 {
		t.Errorf("flushed seq = %d, want 99", payload.Seq)
	}
}

func TestManager_ReconnectFailedAfterMaxAttempts(t *testing.T) {
	rs, url, stop := newRecordingServer(t)

	cfg := testManagerConfig(url)
	cfg.ReconnectBaseDelay = 10 * time.Millisecond
	cfg.MaxReconnectAttempts = 2
	m := NewManager(cfg, nil, slog.Default())

	var mu sync.Mutex
	var attempts []int
	failedCh := make(chan struct{}, 1)
	m.On(EventReconnecting, func(p any) {
		mu.Lock()
		attempts = append(attempts, p.(ReconnectingEvent).Attempt)
		mu.Unlock()
	})
	m.On(EventReconnectFailed, func(any) { failedCh <- struct{}{} })

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	// Take the whole server down so every retry fails. httptest's Close
	// leaves hijacked connections open, so sever the live one explicitly.
	conn := <-rs.conns
	stop()
	conn.Close()

	select {
	case <-failedCh:
	case <-time.After(5 * time.Second):
		t.Fatal("no reconnect_failed event")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(attempts) != 2 {
		t.Fatalf("reconnecting events = %v, want attempts [1 2]", attempts)
	}
	if attempts[0] != 1 || attempts[1] != 2 {
		t.Errorf("attempts = %v, want [1 2]", attempts)
	}
}

func TestManager_DisconnectCancelsReconnect(t *testing.T) {
	rs, url, stop := newRecordingServer(t)
	defer stop()

	cfg := testManagerConfig(url)
	cfg.ReconnectBaseDelay = 100 * time.Millisecond
	m := NewManager(cfg, nil, slog.Default())

	reconnectingCh := make(chan ReconnectingEvent, 4)
	m.On(EventReconnecting, func(p any) { reconnectingCh <- p.(ReconnectingEvent) })

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	first := <-rs.conns
	first.Close()

	select {
	case <-reconnectingCh:
	case <-time.After(2 * time.Second):
		t.Fatal("no reconnecting event")
	}

	// Disconnect while the backoff timer is pending: no ghost reconnect.
	m.Disconnect(websocket.CloseNormalClosure, "shutting down")

	select {
	case conn := <-rs.conns:
		conn.Close()
		t.Error("ghost reconnect after explicit Disconnect")
	case <-time.After(300 * time.Millisecond):
	}
	if m.IsConnected() {
		t.Error("still connected after Disconnect")
	}
}

func TestManager_DisconnectDuringReconnectDial(t *testing.T) {
	// The second handshake stalls long enough for Disconnect to land while
	// the reconnect dial is in flight. The completed dial must be discarded,
	// not adopted.
	var mu sync.Mutex
	dials := 0
	conns := make(chan *websocket.Conn, 4)
	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		dials++
		n := dials
		mu.Unlock()
		if n > 1 {
			time.Sleep(300 * time.Millisecond)
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- conn
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	cfg := testManagerConfig(wsURL(server))
	cfg.ReconnectBaseDelay = 10 * time.Millisecond
	m := NewManager(cfg, nil, slog.Default())

	reconnectingCh := make(chan ReconnectingEvent, 4)
	reconnectedCh := make(chan ReconnectedEvent, 4)
	m.On(EventReconnecting, func(p any) { reconnectingCh <- p.(ReconnectingEvent) })
	m.On(EventReconnected, func(p any) { reconnectedCh <- p.(ReconnectedEvent) })

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	first := <-conns
	first.Close()

	select {
	case <-reconnectingCh:
	case <-time.After(2 * time.Second):
		t.Fatal("no reconnecting event")
	}

	// Backoff timer has fired; the dial is now stuck in the stalled
	// handshake. Disconnect before it completes.
	time.Sleep(100 * time.Millisecond)
	m.Disconnect(websocket.CloseNormalClosure, "shutting down")

	select {
	case evt := <-reconnectedCh:
		t.Errorf("ghost reconnect after explicit Disconnect: %+v", evt)
	case <-time.After(500 * time.Millisecond):
	}
	if m.IsConnected() {
		t.Error("manager is connected after explicit Disconnect")
	}
}

func TestManager_SendDuringFlushKeepsOrder(t *testing.T) {
	rs, url, stop := newRecordingServer(t)
	defer stop()

	m := NewManager(testManagerConfig(url), nil, slog.Default())

	for i := 0; i < 20; i++ {
		if _, err := m.Send(map[string]any{"seq": i}); err != nil {
			t.Fatalf("Send %d failed: %v", i, err)
		}
	}
	// These race the connect and its queue flush; they must land behind
	// every queued payload, never between or before them.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 20; i < 40; i++ {
			if _, err := m.Send(map[string]any{"seq": i}); err != nil {
				t.Errorf("Send %d failed: %v", i, err)
				return
			}
		}
	}()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer m.Disconnect(websocket.CloseNormalClosure, "")
	<-done

	for i := 0; i < 40; i++ {
		var payload struct {
			Seq int `json:"seq"`
		}
		if err := json.Unmarshal(waitFrame(t, rs), &payload); err != nil {
			t.Fatalf("bad frame: %v", err)
		}
		if payload.Seq != i {
			t.Fatalf("frame %d carries seq=%d, want %d", i, payload.Seq, i)
		}
	}
}

func TestManager_ExplicitDisconnectIsClean(t *testing.T) {
	_, url, stop := newRecordingServer(t)
	defer stop()

	m := NewManager(testManagerConfig(url), nil, slog.Default())

	closeCh := make(chan CloseEvent, 4)
	reconnectingCh := make(chan ReconnectingEvent, 4)
	m.On(EventClose, func(p any) { closeCh <- p.(CloseEvent) })
	m.On(EventReconnecting, func(p any) { reconnectingCh <- p.(ReconnectingEvent) })

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	m.Disconnect(websocket.CloseNormalClosure, "bye")

	select {
	case evt := <-closeCh:
		if !evt.Clean || evt.Code != websocket.CloseNormalClosure {
			t.Errorf("close event = %+v, want clean 1000", evt)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no close event from Disconnect")
	}

	select {
	case <-reconnectingCh:
		t.Error("reconnect attempted after explicit disconnect")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestManager_CleanServerCloseNoReconnect(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn) {
		conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "room closed"),
			time.Now().Add(time.Second),
		)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer server.Close()

	m := NewManager(testManagerConfig(wsURL(server)), nil, slog.Default())

	closeCh := make(chan CloseEvent, 4)
	reconnectingCh := make(chan ReconnectingEvent, 4)
	m.On(EventClose, func(p any) { closeCh <- p.(CloseEvent) })
	m.On(EventReconnecting, func(p any) { reconnectingCh <- p.(ReconnectingEvent) })

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	select {
	case evt := <-closeCh:
		if !evt.Clean || evt.Code != websocket.CloseNormalClosure {
			t.Errorf("close event = %+v, want clean 1000", evt)
		}
		if evt.Reason != "room closed" {
			t.Errorf("reason = %q, want %q", evt.Reason, "room closed")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no close event for server-initiated close")
	}

	select {
	case <-reconnectingCh:
		t.Error("reconnect attempted after clean server close")
	case <-time.After(150 * time.Millisecond):
	}
}
