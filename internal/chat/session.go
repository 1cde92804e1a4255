package chat

import (
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/streamchat/internal/backend"
	"github.com/ashureev/streamchat/internal/domain"
)

// TurnSink receives accepted user turns and finished assistant turns.
// RecordTurn is called while the session is locked and must not block.
type TurnSink interface {
	RecordTurn(rec domain.TurnRecord)
}

// MultiSink fans records out to several sinks in order.
type MultiSink []TurnSink

// RecordTurn implements TurnSink.
func (m MultiSink) RecordTurn(rec domain.TurnRecord) {
	for _, s := range m {
		if s != nil {
			s.RecordTurn(rec)
		}
	}
}

// SessionConfig configures a Session.
type SessionConfig struct {
	ID            string
	UserID        string
	SystemPrompt  string
	MaxInputBytes int
	IdleTimeout   time.Duration
	Sink          TurnSink
	Logger        *slog.Logger
}

// Session is one conversation: a transcript, its coordinator and the three
// actions the presentation layer may call.
type Session struct {
	id       string
	userID   string
	maxInput int
	sink     TurnSink
	logger   *slog.Logger

	transcript *Transcript
	coord      *Coordinator

	createdAt  time.Time
	lastActive atomic.Int64
	closeOnce  sync.Once
	done       chan struct{}
}

// NewSession returns an idle session that streams replies from b.
func NewSession(b backend.Backend, cfg SessionConfig) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{
		id:         cfg.ID,
		userID:     cfg.UserID,
		maxInput:   cfg.MaxInputBytes,
		sink:       cfg.Sink,
		logger:     logger.With("user_id", cfg.UserID, "session_id", cfg.ID),
		transcript: NewTranscript(cfg.ID),
		createdAt:  time.Now(),
		done:       make(chan struct{}),
	}
	s.coord = NewCoordinator(s.transcript, b, CoordinatorConfig{
		SessionID:   cfg.ID,
		IdleTimeout: cfg.IdleTimeout,
		OnFinish:    s.finished,
		Logger:      logger.With("user_id", cfg.UserID),
	})
	if prompt := strings.TrimSpace(cfg.SystemPrompt); prompt != "" {
		if _, err := s.transcript.Append(domain.NewTurn(domain.RoleSystem, prompt, domain.TurnComplete)); err != nil {
			s.logger.Error("failed to add system prompt", "error", err)
		}
	}
	s.touch()
	return s
}

// ID returns the session ID.
func (s *Session) ID() string { return s.id }

// UserID returns the owning user.
func (s *Session) UserID() string { return s.userID }

// CreatedAt returns when the session was created.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// LastActive returns the time of the last accepted action.
func (s *Session) LastActive() time.Time {
	return time.Unix(0, s.lastActive.Load())
}

// Record returns the persistable description of the session.
func (s *Session) Record() domain.ChatSession {
	return domain.ChatSession{
		UserID:       s.userID,
		SessionID:    s.id,
		CreatedAt:    s.createdAt,
		LastActiveAt: s.LastActive(),
	}
}

// Snapshot returns the current transcript.
func (s *Session) Snapshot() domain.Transcript {
	return s.transcript.Snapshot()
}

// Subscribe registers an observer for transcript updates.
func (s *Session) Subscribe(obs Observer) func() {
	return s.transcript.Subscribe(obs)
}

// State returns the coordinator state.
func (s *Session) State() State {
	return s.coord.State()
}

// Busy reports whether a reply is in flight.
func (s *Session) Busy() bool {
	return s.coord.Busy()
}

// Close cancels any in-flight reply and waits for it to stop. Further
// submissions fail with domain.ErrSessionClosed.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.coord.Close()
		close(s.done)
		s.logger.Info("chat session closed", "turns", s.transcript.Len())
	})
}

// Done is closed once the session has been closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) finished(out Outcome) {
	turn, ok := s.transcript.Snapshot().Find(out.TurnID)
	if !ok {
		return
	}
	s.record(domain.TurnRecord{RequestID: out.RequestID, Turn: turn, Chunks: out.Chunks, Err: out.Err})
}

func (s *Session) record(rec domain.TurnRecord) {
	if s.sink == nil {
		return
	}
	rec.UserID = s.userID
	rec.SessionID = s.id
	s.sink.RecordTurn(rec)
}

func (s *Session) touch() {
	s.lastActive.Store(time.Now().UnixNano())
}
