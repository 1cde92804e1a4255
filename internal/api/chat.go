package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/ashureev/streamchat/internal/chat"
	"github.com/ashureev/streamchat/internal/domain"
	"github.com/ashureev/streamchat/internal/identity"
	"github.com/ashureev/streamchat/internal/store"
)

const (
	// defaultMaxRequestBodySize is the default maximum allowed request body size (64KiB).
	defaultMaxRequestBodySize = 64 << 10
	defaultArchiveLimit       = 200
	maxArchiveLimit           = 1000
)

// ArchiveReader reads archived turns.
type ArchiveReader interface {
	ListTurns(ctx context.Context, userID, sessionID string, limit int) ([]store.ArchivedTurn, error)
}

// ChatConfig tunes the chat handler.
type ChatConfig struct {
	MaxRequestBodySize int64
	SSEKeepalive       time.Duration
	SSERetry           time.Duration
	Title              string
	Subtitle           string
}

// ChatHandler exposes chat sessions over HTTP and SSE.
type ChatHandler struct {
	mgr     *chat.Manager
	archive ArchiveReader
	limiter *RateLimiter
	cfg     ChatConfig
}

// NewChatHandler creates a chat handler. archive and limiter may be nil.
func NewChatHandler(mgr *chat.Manager, archive ArchiveReader, limiter *RateLimiter, cfg ChatConfig) *ChatHandler {
	if cfg.MaxRequestBodySize <= 0 {
		cfg.MaxRequestBodySize = defaultMaxRequestBodySize
	}
	if cfg.SSEKeepalive <= 0 {
		cfg.SSEKeepalive = 10 * time.Second
	}
	if cfg.SSERetry <= 0 {
		cfg.SSERetry = 3 * time.Second
	}
	return &ChatHandler{mgr: mgr, archive: archive, limiter: limiter, cfg: cfg}
}

// RegisterRoutes registers chat routes (requires identity middleware).
func (h *ChatHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/chat", func(r chi.Router) {
		r.Get("/", h.GetSession)
		r.Delete("/", h.CloseSession)
		r.Get("/config", h.GetConfig)
		r.Post("/messages", h.Submit)
		r.Post("/cancel", h.Cancel)
		r.Post("/retry", h.Retry)
		r.Get("/events", h.Events)
		r.Get("/archive", h.Archive)
	})
}

// SessionView is the JSON shape of a session.
type SessionView struct {
	SessionID  string            `json:"session_id"`
	State      string            `json:"state"`
	Busy       bool              `json:"busy"`
	Transcript domain.Transcript `json:"transcript"`
}

func viewOf(s *chat.Session) SessionView {
	return SessionView{
		SessionID:  s.ID(),
		State:      s.State().String(),
		Busy:       s.Busy(),
		Transcript: s.Snapshot(),
	}
}

// SubmitRequest is the body of POST /api/chat/messages.
type SubmitRequest struct {
	Content string `json:"content"`
}

// GetSession returns the transcript of the caller's session.
func (h *ChatHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	JSON(w, http.StatusOK, viewOf(s))
}

// GetConfig returns the settings the page needs.
func (h *ChatHandler) GetConfig(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]interface{}{
		"title":           h.cfg.Title,
		"subtitle":        h.cfg.Subtitle,
		"backend":         h.mgr.BackendName(),
		"max_input_bytes": h.mgr.MaxInputBytes(),
		"archive_enabled": h.archive != nil,
	})
}

// Submit handles POST /api/chat/messages.
func (h *ChatHandler) Submit(w http.ResponseWriter, r *http.Request) {
	if !h.allow(w, r) {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxRequestBodySize)

	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	s, ok := h.session(w, r)
	if !ok {
		return
	}
	turn, err := s.Submit(req.Content)
	if err != nil {
		writeChatError(w, r, err)
		return
	}
	slog.Info("Chat message accepted",
		"user_id", s.UserID(),
		"session_id", s.ID(),
		"turn_id", turn.ID,
		"message_length", len(req.Content),
		"request_id", chiMiddleware.GetReqID(r.Context()),
	)
	JSON(w, http.StatusAccepted, map[string]interface{}{"turn": turn})
}

// Cancel handles POST /api/chat/cancel.
func (h *ChatHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	JSON(w, http.StatusOK, map[string]bool{"cancelled": s.CancelActive()})
}

// Retry handles POST /api/chat/retry.
func (h *ChatHandler) Retry(w http.ResponseWriter, r *http.Request) {
	if !h.allow(w, r) {
		return
	}
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	turn, err := s.RetryLast()
	if err != nil {
		writeChatError(w, r, err)
		return
	}
	JSON(w, http.StatusAccepted, map[string]interface{}{"turn": turn})
}

// CloseSession handles DELETE /api/chat.
func (h *ChatHandler) CloseSession(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	closed := h.mgr.CloseSession(userID, identity.SessionIDFromContext(r.Context()))
	JSON(w, http.StatusOK, map[string]bool{"closed": closed})
}

// Archive handles GET /api/chat/archive.
func (h *ChatHandler) Archive(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if h.archive == nil {
		Error(w, http.StatusNotFound, "archive disabled")
		return
	}
	limit := defaultArchiveLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			Error(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = min(n, maxArchiveLimit)
	}
	sessionID := identity.SessionIDFromContext(r.Context())
	turns, err := h.archive.ListTurns(r.Context(), userID, sessionID, limit)
	if err != nil {
		slog.Error("failed to list archived turns", "user_id", userID, "session_id", sessionID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to read archive")
		return
	}
	if turns == nil {
		turns = []store.ArchivedTurn{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{"session_id": sessionID, "turns": turns})
}

// Events streams transcript snapshots as SSE. Each event carries the
// transcript version as its id. Slow readers skip intermediate versions.
func (h *ChatHandler) Events(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	if _, err := fmt.Fprintf(w, "retry: %d\n\n", h.cfg.SSERetry.Milliseconds()); err != nil {
		slog.Warn("failed to write SSE retry header", "error", err, "user_id", s.UserID())
		return
	}

	// Latest wins: a pending snapshot is replaced by a newer one.
	updates := make(chan domain.Transcript, 1)
	unsubscribe := s.Subscribe(func(u chat.Update) {
		select {
		case updates <- u.Transcript:
			return
		default:
		}
		select {
		case <-updates:
		default:
		}
		select {
		case updates <- u.Transcript:
		default:
		}
	})
	defer unsubscribe()

	var sent uint64
	send := func(tr domain.Transcript) bool {
		if sent != 0 && tr.Version <= sent {
			return true
		}
		data, err := json.Marshal(SessionView{
			SessionID:  s.ID(),
			State:      s.State().String(),
			Busy:       s.Busy(),
			Transcript: tr,
		})
		if err != nil {
			slog.Error("failed to marshal transcript", "error", err)
			return false
		}
		if err := writeSSEWithID(w, tr.Version, "transcript", string(data)); err != nil {
			slog.Warn("failed to write SSE transcript event", "error", err, "user_id", s.UserID())
			return false
		}
		flusher.Flush()
		sent = tr.Version
		return true
	}
	if !send(s.Snapshot()) {
		return
	}

	slog.Info("Chat stream connected", "user_id", s.UserID(), "session_id", s.ID())
	defer slog.Info("Chat stream disconnected", "user_id", s.UserID(), "session_id", s.ID())

	keepalive := time.NewTicker(h.cfg.SSEKeepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.Done():
			if err := writeSSE(w, "closed", `{"status":"closed"}`); err == nil {
				flusher.Flush()
			}
			return
		case tr := <-updates:
			if !send(tr) {
				return
			}
		case <-keepalive.C:
			if err := writeSSE(w, "ping", `{"status":"alive"}`); err != nil {
				slog.Warn("failed to write SSE keepalive ping", "error", err, "user_id", s.UserID())
				return
			}
			flusher.Flush()
		}
	}
}

func (h *ChatHandler) session(w http.ResponseWriter, r *http.Request) (*chat.Session, bool) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return nil, false
	}
	s, _, err := h.mgr.GetOrCreate(userID, identity.SessionIDFromContext(r.Context()))
	if err != nil {
		writeChatError(w, r, err)
		return nil, false
	}
	return s, true
}

// allow applies the per-user rate limit to actions that start a request.
func (h *ChatHandler) allow(w http.ResponseWriter, r *http.Request) bool {
	if h.limiter == nil {
		return true
	}
	userID := identity.UserIDFromContext(r.Context())
	if h.limiter.Allow(userID) {
		return true
	}
	Error(w, http.StatusTooManyRequests, "rate limit exceeded")
	return false
}

// writeChatError maps chat errors to HTTP statuses. Integration defects are
// logged and reported generically.
func writeChatError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrEmptyInput), errors.Is(err, domain.ErrInputTooLong):
		Error(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrBusy):
		Error(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrNothingToRetry):
		Error(w, http.StatusConflict, "nothing to retry")
	case errors.Is(err, domain.ErrSessionClosed):
		Error(w, http.StatusServiceUnavailable, "session closed")
	default:
		slog.Error("chat request failed",
			"error", err,
			"user_id", identity.UserIDFromContext(r.Context()),
			"session_id", identity.SessionIDFromContext(r.Context()),
			"request_id", chiMiddleware.GetReqID(r.Context()),
		)
		Error(w, http.StatusInternalServerError, "internal error")
	}
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

func writeSSEWithID(w io.Writer, id uint64, event, data string) error {
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", id, event, data)
	return err
}
