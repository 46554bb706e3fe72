// Package session implements the Connection/Session layer: WebSocket
// transport carrying the JSON frame protocol spec.md §6 defines, the
// accepted→authenticating→bound→disconnecting|linkdead→closed state
// machine spec.md §4.6 describes, ping/pong liveness, and the
// observer/snoop relationship.
//
// The register/unregister-channel event loop, readPump/writePump goroutine
// pair, and ping-ticker liveness check are grounded on the
// `1kaius1-MUD-Engine` example's websocket server; its raw-text
// username/password prompt is replaced by a `login` frame checked against a
// bcrypt hash.
package session

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/mudforge/driver/internal/domain"
	"github.com/mudforge/driver/internal/security"
)

// State is one point in the session state machine spec.md §4.6 defines.
type State int

const (
	StateAccepted State = iota
	StateAuthenticating
	StateBound
	StateDisconnecting
	StateLinkdead
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAccepted:
		return "accepted"
	case StateAuthenticating:
		return "authenticating"
	case StateBound:
		return "authenticated"
	case StateDisconnecting:
		return "disconnecting"
	case StateLinkdead:
		return "linkdead"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// frame is the wire envelope spec.md §6 mandates: one JSON object per text
// frame, `type` selecting the kind. Fields not relevant to a given kind are
// simply left zero.
type frame struct {
	Type  string `json:"type"`
	Text  string `json:"text,omitempty"`
	User  string `json:"user,omitempty"`
	Pass  string `json:"pass,omitempty"`
	State string `json:"state,omitempty"`
}

const (
	frameInput  = "input"
	framePing   = "ping"
	framePong   = "pong"
	frameLogin  = "login"
	frameOutput = "output"
	frameState  = "state"
	frameError  = "error"
)

// PlayerStore is the persistence boundary the session layer needs: loading
// a player's credential hash and recording it on first login, and loading
// the permission level snoop's observer/target comparison is checked
// against (spec.md §4.6). Backed in production by the daemon's credential
// records, kept through the efun Bridge's data efuns apart from player save
// data; an interface here so session tests don't need a real mudlib tree.
type PlayerStore interface {
	LoadCredential(name string) (hash string, ok bool, err error)
	SaveCredential(name string, hash string) error
	LoadLevel(name string) (domain.PermissionLevel, error)
}

// ConnectionBinder is the login flow's one legitimate path into binding a
// session to a player identity (spec.md §4.5's bindPlayerToConnection
// efun). Manager defaults to binding directly; production wiring replaces
// it with the efun Bridge via SetBinder, so the operation goes through the
// same capability-gated surface as every other cross-layer call.
type ConnectionBinder interface {
	BindPlayerToConnection(sessionID, name string) error
}

// CommandDispatcher routes one input line into the mudlib once a Session is
// bound — the Bridge's command-dispatch efun in production. For
// subsystem-tagged passthrough kinds, line carries the full frame payload as
// received, so they can reach game code without the session layer
// interpreting them (spec.md §6).
type CommandDispatcher interface {
	Dispatch(player string, line string) error
}

// Config controls liveness and back-pressure behavior. Field names mirror
// spec.md §6's minimum configuration keys (wsHeartbeatIntervalMs,
// wsMaxMissedPongs).
type Config struct {
	HeartbeatInterval time.Duration // wsHeartbeatIntervalMs
	MaxMissedPongs    int           // wsMaxMissedPongs
	WriteWait         time.Duration
	SendBufferSize    int
	LinkdeathGraceMs  int64
}

// DefaultConfig returns production session defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 25 * time.Second,
		MaxMissedPongs:    2,
		WriteWait:         10 * time.Second,
		SendBufferSize:    256,
		LinkdeathGraceMs:  120_000,
	}
}

func (c Config) readDeadlineWindow() time.Duration {
	return c.HeartbeatInterval * time.Duration(c.MaxMissedPongs+1)
}

// Session is one connected client, whether or not it has authenticated yet.
type Session struct {
	ID      string
	conn    *websocket.Conn
	send    chan []byte
	cfg     Config
	manager *Manager

	mu         sync.Mutex
	state      State
	playerName string
	level      domain.PermissionLevel
	observedBy *Session // the one Session snooping this one, if any
	observing  *Session // the Session this one is snooping, if any
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// PlayerName returns the bound player's name, or "" if not yet bound.
func (s *Session) PlayerName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playerName
}

// Send queues an `output` frame to be written to the client. If the send
// buffer is full (a slow or stalled client), the message is dropped and
// logged rather than blocking the caller — the back-pressure policy
// spec.md §5 requires, so one slow client cannot stall the single logical
// thread. Overflow also marks the session disconnecting, per spec.md §5's
// "overflow transitions the session to disconnecting" rule. A copy of the
// frame is queued to the session's observer, if any, right after it.
func (s *Session) Send(text string) {
	s.sendFrame(frame{Type: frameOutput, Text: text})
	if observer := s.observedByOrNil(); observer != nil {
		observer.sendFrame(frame{Type: frameOutput, Text: text})
	}
}

func (s *Session) sendFrame(f frame) {
	encoded, err := json.Marshal(f)
	if err != nil {
		return
	}
	select {
	case s.send <- encoded:
	default:
		log.Printf("[session] %s: send buffer full, marking disconnecting", s.ID)
		s.mu.Lock()
		if s.state != StateClosed {
			s.state = StateDisconnecting
		}
		s.mu.Unlock()
	}
}

func (s *Session) sendState(state string) {
	s.sendFrame(frame{Type: frameState, State: state})
}

func (s *Session) sendError(text string) {
	s.sendFrame(frame{Type: frameError, Text: text})
}

// ─── Manager ─────────────────────────────────────────────────────────────

// Manager owns every live Session, the upgrade handler, and the
// observer/snoop relationships between sessions.
type Manager struct {
	cfg        Config
	upgrader   websocket.Upgrader
	store      PlayerStore
	dispatcher CommandDispatcher
	binder     ConnectionBinder

	mu       sync.RWMutex
	sessions map[string]*Session
	byPlayer map[string]*Session
}

// NewManager returns a Manager ready to accept connections. CheckOrigin is
// permissive by default, matching the teacher example — production
// deployments behind a reverse proxy are expected to restrict this at the
// proxy layer, not in the driver.
func NewManager(cfg Config, store PlayerStore, dispatcher CommandDispatcher) *Manager {
	m := &Manager{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		store:      store,
		dispatcher: dispatcher,
		sessions:   make(map[string]*Session),
		byPlayer:   make(map[string]*Session),
	}
	m.binder = directBinder{m}
	return m
}

// SetBinder replaces the default direct binder with one that routes through
// the efun Bridge (spec.md §4.5) — the daemon calls this once the Bridge
// exists, after both it and the session Manager have been constructed.
func (m *Manager) SetBinder(b ConnectionBinder) { m.binder = b }

// directBinder is the Manager's own default ConnectionBinder: binding with
// no intermediary, used until SetBinder installs the Bridge's implementation
// and by tests that construct a Manager without a Bridge.
type directBinder struct{ m *Manager }

func (d directBinder) BindPlayerToConnection(sessionID, name string) error {
	return d.m.BindBySessionID(sessionID, name)
}

// BindBySessionID implements efun.ConnectionBridge: it binds the session
// identified by sessionID to a player name, the mechanism
// bindPlayerToConnection ultimately drives regardless of which layer calls
// it from.
func (m *Manager) BindBySessionID(sessionID, name string) error {
	m.mu.RLock()
	s, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return domain.ErrNotFound
	}
	m.bind(s, name)
	return nil
}

// PlayerLevel returns a connected player's permission level, as loaded at
// login, and false if no session is bound to name.
func (m *Manager) PlayerLevel(name string) (domain.PermissionLevel, bool) {
	m.mu.RLock()
	s, ok := m.byPlayer[name]
	m.mu.RUnlock()
	if !ok {
		return 0, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.level, true
}

// SnoopByName implements efun.ConnectionBridge: it resolves both names to
// live sessions and delegates to Snoop for the actual permission check and
// wiring.
func (m *Manager) SnoopByName(observerName, targetName string) error {
	m.mu.RLock()
	observer, ok1 := m.byPlayer[observerName]
	target, ok2 := m.byPlayer[targetName]
	m.mu.RUnlock()
	if !ok1 || !ok2 {
		return domain.ErrNotFound
	}
	return m.Snoop(observer, target)
}

// UnsnoopByName implements efun.ConnectionBridge.
func (m *Manager) UnsnoopByName(observerName string) error {
	m.mu.RLock()
	observer, ok := m.byPlayer[observerName]
	m.mu.RUnlock()
	if !ok {
		return domain.ErrNotFound
	}
	m.Unsnoop(observer)
	return nil
}

// HandleUpgrade is the http.HandlerFunc mounted at the WebSocket endpoint.
func (m *Manager) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[session] websocket upgrade failed: %v", err)
		return
	}

	s := &Session{
		ID:      uuid.NewString(),
		conn:    conn,
		send:    make(chan []byte, m.cfg.SendBufferSize),
		cfg:     m.cfg,
		manager: m,
		state:   StateAccepted,
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	s.sendState(s.State().String())
	s.setState(StateAuthenticating)
	go s.writePump()
	go s.readPump()
}

// SendToPlayer implements efun.ConnectionBridge.
func (m *Manager) SendToPlayer(name string, text string) error {
	m.mu.RLock()
	s, ok := m.byPlayer[name]
	m.mu.RUnlock()
	if !ok {
		return domain.ErrNotFound
	}
	s.Send(text)
	return nil
}

// Disconnect implements efun.ConnectionBridge.
func (m *Manager) Disconnect(name string) error {
	m.mu.RLock()
	s, ok := m.byPlayer[name]
	m.mu.RUnlock()
	if !ok {
		return domain.ErrNotFound
	}
	s.close(StateDisconnecting)
	return nil
}

// PlayerNames implements efun.ConnectionBridge.
func (m *Manager) PlayerNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.byPlayer))
	for name := range m.byPlayer {
		names = append(names, name)
	}
	return names
}

// Count returns the number of live sessions, for metrics/admin listing.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Shutdown notifies and closes every session, in the order the daemon's
// shutdown sequence calls for (spec.md §4.7): stop accepting new
// connections is the caller's responsibility (the HTTP server is already
// stopped by the time this runs), this only drains what's left.
func (m *Manager) Shutdown(message string) {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		if message != "" {
			s.Send(message)
		}
		s.close(StateDisconnecting)
	}
}

// ─── Observer / snoop ────────────────────────────────────────────────────

// Snoop makes observer see every line sent to target. Only one observer per
// target is allowed, and snooping is not transitive — a session being
// snooped cannot itself be the target of a further snoop chain through this
// call (spec.md §4.6's no-transitive-snoop invariant). Requires observer's
// permission level to be strictly greater than target's — the gate spec.md
// §4.6 mandates and that was entirely absent before.
func (m *Manager) Snoop(observer, target *Session) error {
	if observer == target {
		return domain.ErrSnoopSelf
	}

	observer.mu.Lock()
	observerLevel := observer.level
	observer.mu.Unlock()

	target.mu.Lock()
	defer target.mu.Unlock()
	if observerLevel <= target.level {
		return fmt.Errorf("%w: observer level %s does not exceed target level %s", domain.ErrPermissionDenied, observerLevel, target.level)
	}
	if target.observedBy != nil {
		return domain.ErrAlreadySnooped
	}
	target.observedBy = observer

	observer.mu.Lock()
	observer.observing = target
	observer.mu.Unlock()
	return nil
}

// Unsnoop ends an observer/target relationship, if one exists.
func (m *Manager) Unsnoop(observer *Session) {
	observer.mu.Lock()
	target := observer.observing
	observer.observing = nil
	observer.mu.Unlock()

	if target == nil {
		return
	}
	target.mu.Lock()
	if target.observedBy == observer {
		target.observedBy = nil
	}
	target.mu.Unlock()
}

// ─── Internals ───────────────────────────────────────────────────────────

func (m *Manager) bind(s *Session, playerName string) {
	s.mu.Lock()
	s.playerName = playerName
	s.state = StateBound
	s.mu.Unlock()

	m.mu.Lock()
	m.byPlayer[playerName] = s
	m.mu.Unlock()
}

func (m *Manager) forget(s *Session) {
	m.mu.Lock()
	delete(m.sessions, s.ID)
	if s.PlayerName() != "" && m.byPlayer[s.PlayerName()] == s {
		delete(m.byPlayer, s.PlayerName())
	}
	m.mu.Unlock()

	// A snooped session's observer is notified and unsubscribed on
	// disconnect (spec.md §8 S4): it should not keep pointing at a closed
	// target.
	s.mu.Lock()
	observer := s.observedBy
	s.observedBy = nil
	s.mu.Unlock()
	if observer != nil {
		observer.Send("*** the snooped session has disconnected ***")
		m.Unsnoop(observer)
	}
}

func (s *Session) close(final State) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = final
	s.mu.Unlock()

	s.conn.Close()
}

func (s *Session) readPump() {
	defer func() {
		s.manager.forget(s)
		s.setState(StateClosed)
		s.conn.Close()
	}()

	s.conn.SetReadDeadline(time.Now().Add(s.cfg.readDeadlineWindow()))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(s.cfg.readDeadlineWindow()))
		return nil
	})

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[session] %s: websocket error: %v", s.ID, err)
			}
			return
		}
		s.handleFrame(message)
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case message, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleFrame decodes one JSON frame and dispatches it according to the
// session's current state and the frame's declared type (spec.md §6's
// client-to-core kinds: input, ping/pong, login; any other kind is opaque
// passthrough forwarded verbatim to game code).
func (s *Session) handleFrame(raw []byte) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		s.sendError("malformed frame")
		return
	}

	switch f.Type {
	case framePong:
		// gorilla's pong handler already reset the read deadline for
		// control-frame pongs; an application-level pong frame means the
		// same thing and needs no further action.
		return
	case framePing:
		s.sendFrame(frame{Type: framePong})
		return
	case frameLogin:
		if s.State() != StateAuthenticating {
			s.sendError("already authenticated")
			return
		}
		s.handleLogin(f.User, f.Pass)
		return
	case frameInput:
		s.handleInput(f.Text)
		return
	default:
		// Subsystem-tagged passthrough: forwarded to game code unexamined.
		if s.State() == StateBound {
			s.manager.dispatcher.Dispatch(s.PlayerName(), string(raw))
		}
	}
}

func (s *Session) handleInput(text string) {
	switch s.State() {
	case StateBound:
		if observer := s.observedByOrNil(); observer != nil {
			observer.sendFrame(frame{Type: frameOutput, Text: "> " + text})
		}
		if err := s.manager.dispatcher.Dispatch(s.PlayerName(), text); err != nil {
			s.sendError(err.Error())
		}
	default:
		s.sendError("connection is not accepting input right now")
	}
}

func (s *Session) observedByOrNil() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.observedBy
}

// handleLogin implements the `login` frame's credential check (spec.md
// §6): first login for a name creates its bcrypt hash, subsequent logins
// are checked against it.
func (s *Session) handleLogin(name, password string) {
	if name == "" || password == "" {
		s.sendError("login requires user and pass")
		return
	}

	hash, found, err := s.manager.store.LoadCredential(name)
	if err != nil {
		s.sendError("login failed")
		return
	}
	if !found {
		hash, err = security.HashPassword(password)
		if err != nil {
			s.sendError("login failed")
			return
		}
		if err := s.manager.store.SaveCredential(name, hash); err != nil {
			s.sendError("login failed")
			return
		}
	} else if !security.CheckPassword(hash, password) {
		s.sendError("invalid name or password")
		return
	}

	if err := s.manager.binder.BindPlayerToConnection(s.ID, name); err != nil {
		s.sendError("login failed")
		return
	}

	level, err := s.manager.store.LoadLevel(name)
	if err != nil {
		level = domain.PermissionPlayer
	}
	s.mu.Lock()
	s.level = level
	s.mu.Unlock()

	s.sendState(StateBound.String())
}
