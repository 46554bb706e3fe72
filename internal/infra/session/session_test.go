package session

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mudforge/driver/internal/domain"
)

type memStore struct {
	mu     sync.Mutex
	hash   map[string]string
	levels map[string]domain.PermissionLevel
}

func newMemStore() *memStore { return &memStore{hash: make(map[string]string)} }

func (m *memStore) LoadCredential(name string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hash[name]
	return h, ok, nil
}

func (m *memStore) SaveCredential(name string, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hash[name] = hash
	return nil
}

func (m *memStore) LoadLevel(name string) (domain.PermissionLevel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.levels == nil {
		return domain.PermissionPlayer, nil
	}
	return m.levels[name], nil
}

type recordingDispatcher struct {
	mu    sync.Mutex
	lines []string
}

func (d *recordingDispatcher) Dispatch(player string, line string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lines = append(d.lines, player+": "+line)
	return nil
}

func (d *recordingDispatcher) seen() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.lines))
	copy(out, d.lines)
	return out
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.HeartbeatInterval = 50 * time.Millisecond
	cfg.MaxMissedPongs = 3
	cfg.WriteWait = 50 * time.Millisecond
	return cfg
}

func newTestServer(t *testing.T, mgr *Manager) (*httptest.Server, string) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(mgr.HandleUpgrade))
	t.Cleanup(srv.Close)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	return srv, wsURL
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendFrame(t *testing.T, conn *websocket.Conn, f frame) {
	t.Helper()
	encoded, err := json.Marshal(f)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, encoded); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var f frame
	if err := json.Unmarshal(msg, &f); err != nil {
		t.Fatalf("unmarshal frame %q: %v", msg, err)
	}
	return f
}

// readUntil reads frames until one of the given types arrives, skipping
// others (e.g. the initial "accepted" state frame), or fails the test once
// the deadline passes.
func readUntil(t *testing.T, conn *websocket.Conn, wantType string) frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		f := readFrame(t, conn)
		if f.Type == wantType {
			return f
		}
	}
}

func TestLoginBindsSessionAndDispatchesCommands(t *testing.T) {
	store := newMemStore()
	dispatcher := &recordingDispatcher{}
	mgr := NewManager(testConfig(), store, dispatcher)
	_, url := newTestServer(t, mgr)

	conn := dial(t, url)
	sendFrame(t, conn, frame{Type: frameLogin, User: "alice", Pass: "secret"})

	got := readUntil(t, conn, frameState)
	if got.State != "authenticated" {
		t.Errorf("expected authenticated state, got %q", got.State)
	}

	sendFrame(t, conn, frame{Type: frameInput, Text: "look"})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(dispatcher.seen()) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	lines := dispatcher.seen()
	if len(lines) != 1 || lines[0] != "alice: look" {
		t.Errorf("expected dispatcher to see one line from alice, got %v", lines)
	}

	deadline = time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if mgr.Count() == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if mgr.Count() != 1 {
		t.Errorf("expected manager to track 1 session, got %d", mgr.Count())
	}
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	store := newMemStore()
	dispatcher := &recordingDispatcher{}
	mgr := NewManager(testConfig(), store, dispatcher)
	_, url := newTestServer(t, mgr)

	first := dial(t, url)
	sendFrame(t, first, frame{Type: frameLogin, User: "bob", Pass: "hunter2"})
	readUntil(t, first, frameState)
	first.Close()

	second := dial(t, url)
	sendFrame(t, second, frame{Type: frameLogin, User: "bob", Pass: "wrongpass"})
	got := readUntil(t, second, frameError)
	if !strings.Contains(got.Text, "invalid") {
		t.Errorf("expected an invalid-credentials error, got %q", got.Text)
	}
}

func TestPingIsAnsweredWithPong(t *testing.T) {
	store := newMemStore()
	dispatcher := &recordingDispatcher{}
	mgr := NewManager(testConfig(), store, dispatcher)
	_, url := newTestServer(t, mgr)

	conn := dial(t, url)
	sendFrame(t, conn, frame{Type: framePing})
	got := readUntil(t, conn, framePong)
	if got.Type != framePong {
		t.Errorf("expected a pong frame, got %q", got.Type)
	}
}

func TestSendToPlayerRoutesThroughManager(t *testing.T) {
	store := newMemStore()
	dispatcher := &recordingDispatcher{}
	mgr := NewManager(testConfig(), store, dispatcher)
	_, url := newTestServer(t, mgr)

	conn := dial(t, url)
	sendFrame(t, conn, frame{Type: frameLogin, User: "carol", Pass: "secret"})
	readUntil(t, conn, frameState)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if mgr.Count() == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := mgr.SendToPlayer("carol", "a message"); err != nil {
		t.Fatalf("SendToPlayer: %v", err)
	}
	got := readUntil(t, conn, frameOutput)
	if got.Text != "a message" {
		t.Errorf("expected pushed message, got %q", got.Text)
	}

	if err := mgr.SendToPlayer("nobody", "x"); err == nil {
		t.Error("expected an error sending to an unknown player")
	}
}

func TestSnoopForwardsInputToObserver(t *testing.T) {
	store := newMemStore()
	store.levels = map[string]domain.PermissionLevel{"eve": domain.PermissionBuilder}
	dispatcher := &recordingDispatcher{}
	mgr := NewManager(testConfig(), store, dispatcher)
	_, url := newTestServer(t, mgr)

	targetConn := dial(t, url)
	sendFrame(t, targetConn, frame{Type: frameLogin, User: "dave", Pass: "secret"})
	readUntil(t, targetConn, frameState)

	observerConn := dial(t, url)
	sendFrame(t, observerConn, frame{Type: frameLogin, User: "eve", Pass: "secret"})
	readUntil(t, observerConn, frameState)

	mgr.mu.RLock()
	var target, observer *Session
	for _, s := range mgr.sessions {
		if s.PlayerName() == "dave" {
			target = s
		}
		if s.PlayerName() == "eve" {
			observer = s
		}
	}
	mgr.mu.RUnlock()
	if target == nil || observer == nil {
		t.Fatal("expected both sessions to be bound")
	}

	if err := mgr.Snoop(observer, target); err != nil {
		t.Fatalf("Snoop: %v", err)
	}
	if err := mgr.Snoop(observer, target); err == nil {
		t.Error("expected a second snoop on the same target to fail")
	}

	sendFrame(t, targetConn, frame{Type: frameInput, Text: "south"})

	got := readUntil(t, observerConn, frameOutput)
	if !strings.Contains(got.Text, "south") {
		t.Errorf("expected observer to see snooped input, got %q", got.Text)
	}

	mgr.Unsnoop(observer)
	if observer.observing != nil {
		t.Error("expected Unsnoop to clear the observer's target")
	}
}

func TestSnoopRejectsSelf(t *testing.T) {
	s := &Session{ID: "only"}
	mgr := &Manager{}
	if err := mgr.Snoop(s, s); err == nil {
		t.Error("expected snooping yourself to fail")
	}
}

func TestSnoopRejectsInsufficientLevel(t *testing.T) {
	mgr := &Manager{}
	observer := &Session{ID: "observer", level: domain.PermissionPlayer}
	target := &Session{ID: "target", level: domain.PermissionPlayer}
	if err := mgr.Snoop(observer, target); err == nil {
		t.Error("expected snoop to fail when observer's level does not exceed target's")
	}

	observer.level = domain.PermissionBuilder
	if err := mgr.Snoop(observer, target); err != nil {
		t.Errorf("expected snoop to succeed once observer outranks target: %v", err)
	}
}

func TestShutdownClosesAllSessions(t *testing.T) {
	store := newMemStore()
	dispatcher := &recordingDispatcher{}
	mgr := NewManager(testConfig(), store, dispatcher)
	_, url := newTestServer(t, mgr)

	conn := dial(t, url)
	sendFrame(t, conn, frame{Type: frameLogin, User: "frank", Pass: "secret"})
	readUntil(t, conn, frameState)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if mgr.Count() == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mgr.Shutdown("server is shutting down")

	conn.SetReadDeadline(time.Now().Add(time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}
