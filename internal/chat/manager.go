package chat

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/streamchat/internal/backend"
	"github.com/ashureev/streamchat/internal/domain"
)

// ManagerConfig holds the settings applied to every session a Manager creates.
type ManagerConfig struct {
	SystemPrompt  string
	MaxInputBytes int
	IdleTimeout   time.Duration
	Sink          TurnSink
	Logger        *slog.Logger
}

// Manager owns the live sessions of the process, keyed by user and session ID.
type Manager struct {
	backend backend.Backend
	cfg     ManagerConfig
	logger  *slog.Logger

	mu       sync.RWMutex
	sessions map[string]map[string]*Session
	closed   bool

	hookMu   sync.RWMutex
	onCreate []func(*Session)
	onClose  []func(userID, sessionID string)
}

// NewManager returns a manager whose sessions stream from b.
func NewManager(b backend.Backend, cfg ManagerConfig) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		backend:  b,
		cfg:      cfg,
		logger:   cfg.Logger,
		sessions: make(map[string]map[string]*Session),
	}
}

// BackendName names the backend sessions stream from.
func (m *Manager) BackendName() string {
	return m.backend.Name()
}

// MaxInputBytes is the per-message limit applied by sessions. Zero means
// unlimited.
func (m *Manager) MaxInputBytes() int {
	return m.cfg.MaxInputBytes
}

// Closed reports whether CloseAll has run.
func (m *Manager) Closed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

// OnCreate registers fn to run after a session is created.
func (m *Manager) OnCreate(fn func(*Session)) {
	m.hookMu.Lock()
	defer m.hookMu.Unlock()
	m.onCreate = append(m.onCreate, fn)
}

// OnClose registers fn to run after a session is closed.
func (m *Manager) OnClose(fn func(userID, sessionID string)) {
	m.hookMu.Lock()
	defer m.hookMu.Unlock()
	m.onClose = append(m.onClose, fn)
}

// GetOrCreate returns the session for userID and sessionID, creating it if
// needed. created reports whether a new session was made.
func (m *Manager) GetOrCreate(userID, sessionID string) (s *Session, created bool, err error) {
	if userID == "" || sessionID == "" {
		return nil, false, errors.New("user and session IDs are required")
	}
	if s, ok := m.Get(userID, sessionID); ok {
		return s, false, nil
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, false, domain.ErrSessionClosed
	}
	if existing, ok := m.sessions[userID][sessionID]; ok {
		m.mu.Unlock()
		return existing, false, nil
	}
	s = NewSession(m.backend, SessionConfig{
		ID:            sessionID,
		UserID:        userID,
		SystemPrompt:  m.cfg.SystemPrompt,
		MaxInputBytes: m.cfg.MaxInputBytes,
		IdleTimeout:   m.cfg.IdleTimeout,
		Sink:          m.cfg.Sink,
		Logger:        m.logger,
	})
	if _, ok := m.sessions[userID]; !ok {
		m.sessions[userID] = make(map[string]*Session)
	}
	m.sessions[userID][sessionID] = s
	m.mu.Unlock()

	m.logger.Info("chat session created", "user_id", userID, "session_id", sessionID)

	m.hookMu.RLock()
	hooks := append(([]func(*Session))(nil), m.onCreate...)
	m.hookMu.RUnlock()
	for _, fn := range hooks {
		fn(s)
	}
	return s, true, nil
}

// Get returns an existing session.
func (m *Manager) Get(userID, sessionID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[userID][sessionID]
	return s, ok
}

// CloseSession closes and forgets one session. It reports whether the
// session existed.
func (m *Manager) CloseSession(userID, sessionID string) bool {
	m.mu.Lock()
	s, ok := m.sessions[userID][sessionID]
	if ok {
		m.removeLocked(userID, sessionID)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	m.closeSession(s)
	return true
}

// CloseAll closes every session and rejects new ones.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	m.closed = true
	var all []*Session
	for _, byID := range m.sessions {
		for _, s := range byID {
			all = append(all, s)
		}
	}
	m.sessions = make(map[string]map[string]*Session)
	m.mu.Unlock()

	for _, s := range all {
		m.closeSession(s)
	}
	if len(all) > 0 {
		m.logger.Info("closed all chat sessions", "count", len(all))
	}
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, byID := range m.sessions {
		n += len(byID)
	}
	return n
}

// Sessions returns the live sessions of userID.
func (m *Manager) Sessions(userID string) []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions[userID]))
	for _, s := range m.sessions[userID] {
		out = append(out, s)
	}
	return out
}

func (m *Manager) snapshot() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Session
	for _, byID := range m.sessions {
		for _, s := range byID {
			out = append(out, s)
		}
	}
	return out
}

func (m *Manager) removeLocked(userID, sessionID string) {
	byID := m.sessions[userID]
	delete(byID, sessionID)
	if len(byID) == 0 {
		delete(m.sessions, userID)
	}
}

func (m *Manager) closeSession(s *Session) {
	s.Close()

	m.hookMu.RLock()
	hooks := append(([]func(string, string))(nil), m.onClose...)
	m.hookMu.RUnlock()
	for _, fn := range hooks {
		fn(s.UserID(), s.ID())
	}
}
