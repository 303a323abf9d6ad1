package server

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Session represents an active client connection
type Session struct {
	ID         uint64
	Conn       *SafeConn // Connection with automatic write synchronization
	RemoteAddr string
	ConnType   string // "tcp", "tls" or "websocket"

	mu       sync.RWMutex // Protects username and token
	username string       // Bound on Login; a cache, the token is authoritative
	token    string

	lastActivity atomic.Int64 // unix millis of the last inbound line
	limiter      *rate.Limiter
}

// Username returns the bound username, or "" before login
func (s *Session) Username() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.username
}

// Token returns the bound token, or "" before login
func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// Touch records inbound activity
func (s *Session) Touch(now time.Time) {
	s.lastActivity.Store(now.UnixMilli())
}

// LastActivity returns the time of the last inbound line
func (s *Session) LastActivity() time.Time {
	return time.UnixMilli(s.lastActivity.Load())
}

// Allow reports whether the session may run another command now
func (s *Session) Allow() bool {
	if s.limiter == nil {
		return true
	}
	return s.limiter.Allow()
}

// SessionManager is the registry of live connections. It indexes sessions
// by ID and, once logged in, by username and token.
type SessionManager struct {
	sessions   map[uint64]*Session
	byUsername map[string]*Session
	byToken    map[string]*Session
	nextID     uint64
	mu         sync.RWMutex
	metrics    *Metrics

	writeTimeout time.Duration
	commandLimit rate.Limit
	commandBurst int
}

// NewSessionManager creates a new session manager. A commandsPerSecond of
// zero disables per-session rate limiting.
func NewSessionManager(writeTimeout time.Duration, commandsPerSecond float64, burst int) *SessionManager {
	limit := rate.Inf
	if commandsPerSecond > 0 {
		limit = rate.Limit(commandsPerSecond)
	}
	if burst <= 0 {
		burst = 1
	}
	return &SessionManager{
		sessions:     make(map[uint64]*Session),
		byUsername:   make(map[string]*Session),
		byToken:      make(map[string]*Session),
		nextID:       1,
		writeTimeout: writeTimeout,
		commandLimit: limit,
		commandBurst: burst,
	}
}

// SetMetrics attaches metrics to the session manager
func (sm *SessionManager) SetMetrics(metrics *Metrics) {
	sm.metrics = metrics
}

// CreateSession registers a new connection
func (sm *SessionManager) CreateSession(connType string, conn net.Conn) *Session {
	// Allocate session ID atomically (no lock needed)
	sessionID := atomic.AddUint64(&sm.nextID, 1) - 1

	sess := &Session{
		ID:         sessionID,
		Conn:       NewSafeConn(conn, sm.writeTimeout),
		RemoteAddr: conn.RemoteAddr().String(),
		ConnType:   connType,
	}
	if sm.commandLimit != rate.Inf {
		sess.limiter = rate.NewLimiter(sm.commandLimit, sm.commandBurst)
	}
	sess.Touch(time.Now())

	sm.mu.Lock()
	sm.sessions[sessionID] = sess
	sessionCount := len(sm.sessions)
	sm.mu.Unlock()

	if sm.metrics != nil {
		sm.metrics.RecordActiveSessions(sessionCount)
		sm.metrics.RecordSessionCreated()
	}
	return sess
}

// GetSession returns a session by ID
func (sm *SessionManager) GetSession(sessionID uint64) (*Session, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	sess, ok := sm.sessions[sessionID]
	return sess, ok
}

// GetAllSessions returns all active sessions
func (sm *SessionManager) GetAllSessions() []*Session {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	sessions := make([]*Session, 0, len(sm.sessions))
	for _, sess := range sm.sessions {
		sessions = append(sessions, sess)
	}
	return sessions
}

// RemoveSession unregisters a session and closes its connection.
// It reports whether the session was still registered.
func (sm *SessionManager) RemoveSession(sessionID uint64) bool {
	sm.mu.Lock()
	sess, ok := sm.sessions[sessionID]
	if !ok {
		sm.mu.Unlock()
		return false
	}
	delete(sm.sessions, sessionID)
	sm.unbindLocked(sess)
	sessionCount := len(sm.sessions)
	sm.mu.Unlock()

	if sm.metrics != nil {
		sm.metrics.RecordActiveSessions(sessionCount)
		sm.metrics.RecordSessionDisconnected()
	}

	sess.Conn.Close()
	return true
}

// Bind associates a logged-in user with the session. A previous session of
// the same user loses its binding; that session is returned (or nil).
func (sm *SessionManager) Bind(sess *Session, username, token string) *Session {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if _, ok := sm.sessions[sess.ID]; !ok {
		return nil
	}
	sm.unbindLocked(sess)

	var displaced *Session
	if prev, ok := sm.byUsername[username]; ok && prev != sess {
		sm.unbindLocked(prev)
		displaced = prev
	}

	sess.mu.Lock()
	sess.username = username
	sess.token = token
	sess.mu.Unlock()

	sm.byUsername[username] = sess
	sm.byToken[token] = sess
	return displaced
}

// Unbind clears the session's login binding
func (sm *SessionManager) Unbind(sess *Session) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.unbindLocked(sess)
}

// UnbindToken clears the binding of whichever session holds token
func (sm *SessionManager) UnbindToken(token string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sess, ok := sm.byToken[token]; ok {
		sm.unbindLocked(sess)
	}
}

// UnbindUser clears the binding of the user's session, if any
func (sm *SessionManager) UnbindUser(username string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sess, ok := sm.byUsername[username]; ok {
		sm.unbindLocked(sess)
	}
}

// UnbindTokens clears the bindings of the sessions holding any of tokens.
// A session bound by a later login keeps its binding.
func (sm *SessionManager) UnbindTokens(tokens []string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	for _, token := range tokens {
		if sess, ok := sm.byToken[token]; ok {
			sm.unbindLocked(sess)
		}
	}
}

// unbindLocked must be called with sm.mu held
func (sm *SessionManager) unbindLocked(sess *Session) {
	sess.mu.Lock()
	username, token := sess.username, sess.token
	sess.username, sess.token = "", ""
	sess.mu.Unlock()

	if username != "" && sm.byUsername[username] == sess {
		delete(sm.byUsername, username)
	}
	if token != "" && sm.byToken[token] == sess {
		delete(sm.byToken, token)
	}
}

// FindByUsername returns the session the user most recently logged in on
func (sm *SessionManager) FindByUsername(username string) (*Session, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	sess, ok := sm.byUsername[username]
	return sess, ok
}

// IsOnline reports whether the user has a live, logged-in session
func (sm *SessionManager) IsOnline(username string) bool {
	sess, ok := sm.FindByUsername(username)
	return ok && !sess.Conn.Closed()
}

// Send writes a line to the user's session. A failed write tears that session down.
func (sm *SessionManager) Send(username, line string) bool {
	sess, ok := sm.FindByUsername(username)
	if !ok {
		return false
	}
	if err := sess.Conn.WriteLine(line); err != nil {
		debugLog.Printf("Session %d: write to %s failed: %v", sess.ID, username, err)
		sm.RemoveSession(sess.ID)
		return false
	}
	return true
}

// CleanupDead probes every session and removes those whose connection is gone.
// It returns the number of sessions removed.
func (sm *SessionManager) CleanupDead(probeTimeout time.Duration) int {
	removed := 0
	for _, sess := range sm.GetAllSessions() {
		if err := sess.Conn.Probe(probeTimeout); err != nil {
			debugLog.Printf("Session %d: probe failed: %v", sess.ID, err)
			if sm.RemoveSession(sess.ID) {
				removed++
			}
		}
	}
	return removed
}

// CountSessions returns the number of open connections
func (sm *SessionManager) CountSessions() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

// CountOnlineUsers returns the number of logged-in users
func (sm *SessionManager) CountOnlineUsers() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.byUsername)
}

// CloseAll closes all sessions
func (sm *SessionManager) CloseAll() {
	sm.mu.Lock()
	sessions := sm.sessions
	sm.sessions = make(map[uint64]*Session)
	sm.byUsername = make(map[string]*Session)
	sm.byToken = make(map[string]*Session)
	sm.mu.Unlock()

	for _, sess := range sessions {
		sess.Conn.Close()
	}
	if sm.metrics != nil {
		sm.metrics.RecordActiveSessions(0)
	}
}
