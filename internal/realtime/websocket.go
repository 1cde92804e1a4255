package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/coder/websocket"

	"github.com/ashureev/streamchat/internal/chat"
	"github.com/ashureev/streamchat/internal/domain"
	"github.com/ashureev/streamchat/internal/identity"
)

const (
	writeTimeout   = 10 * time.Second
	maxMessageSize = 64 << 10
)

// Limiter throttles actions that start a backend request.
type Limiter interface {
	Allow(key string) bool
}

// Handler serves one chat session per WebSocket at /ws/chat.
type Handler struct {
	mgr            *chat.Manager
	conns          *Connections
	limiter        Limiter
	allowedOrigins []string
	isDev          bool
}

// NewHandler creates a WebSocket handler. limiter may be nil.
func NewHandler(mgr *chat.Manager, conns *Connections, limiter Limiter, allowedOrigins []string, isDev bool) *Handler {
	return &Handler{
		mgr:            mgr,
		conns:          conns,
		limiter:        limiter,
		allowedOrigins: allowedOrigins,
		isDev:          isDev,
	}
}

// clientMessage is a message from the browser.
type clientMessage struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
}

// serverMessage is a message to the browser.
type serverMessage struct {
	Type       string             `json:"type"`
	State      string             `json:"state,omitempty"`
	Busy       bool               `json:"busy,omitempty"`
	Transcript *domain.Transcript `json:"transcript,omitempty"`
	Turn       *domain.Turn       `json:"turn,omitempty"`
	Cancelled  *bool              `json:"cancelled,omitempty"`
	Action     string             `json:"action,omitempty"`
	Error      string             `json:"error,omitempty"`
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	if userID == "" {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	slog.Info("WebSocket connection request", "user_id", userID, "session_id", sessionID, "ip", identity.IPFromRequest(r))

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	s, _, err := h.mgr.GetOrCreate(userID, sessionID)
	if err != nil {
		http.Error(w, `{"error":"session unavailable"}`, http.StatusServiceUnavailable)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "user_id", userID)
		return
	}
	ws.SetReadLimit(maxMessageSize)
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "user_id", userID)
		}
	}()

	h.conns.Register(userID, sessionID, ws)
	defer h.conns.Unregister(userID, sessionID, ws)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Latest wins: a pending snapshot is replaced by a newer one.
	updates := make(chan domain.Transcript, 1)
	unsubscribe := s.Subscribe(func(u chat.Update) {
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

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer cancel()
		h.outputLoop(ctx, ws, s, updates)
	}()

	h.inputLoop(ctx, ws, s)
	cancel()
	<-done
	slog.Info("Chat socket ended", "user_id", userID, "session_id", sessionID)
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || slices.Contains(h.allowedOrigins, "*") || slices.Contains(h.allowedOrigins, origin) {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigins)
	return false
}

func (h *Handler) inputLoop(ctx context.Context, ws *websocket.Conn, s *chat.Session) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || ctx.Err() != nil {
				slog.Debug("WebSocket closed", "user_id", s.UserID())
			} else {
				slog.Warn("WebSocket read error", "error", err, "user_id", s.UserID())
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.send(ctx, ws, serverMessage{Type: "error", Error: "invalid message"})
			continue
		}

		switch msg.Type {
		case "submit":
			if !h.allow(s.UserID()) {
				h.send(ctx, ws, serverMessage{Type: "error", Action: msg.Type, Error: "rate limit exceeded"})
				continue
			}
			h.reply(ctx, ws, msg.Type, s.Submit, msg.Content)
		case "retry":
			if !h.allow(s.UserID()) {
				h.send(ctx, ws, serverMessage{Type: "error", Action: msg.Type, Error: "rate limit exceeded"})
				continue
			}
			h.reply(ctx, ws, msg.Type, func(string) (domain.Turn, error) { return s.RetryLast() }, "")
		case "cancel":
			cancelled := s.CancelActive()
			h.send(ctx, ws, serverMessage{Type: "cancelled", Cancelled: &cancelled})
		case "ping":
			h.send(ctx, ws, serverMessage{Type: "pong"})
		default:
			h.send(ctx, ws, serverMessage{Type: "error", Action: msg.Type, Error: "unknown message type"})
		}
	}
}

func (h *Handler) reply(ctx context.Context, ws *websocket.Conn, action string, fn func(string) (domain.Turn, error), content string) {
	turn, err := fn(content)
	if err != nil {
		h.send(ctx, ws, serverMessage{Type: "error", Action: action, Error: publicError(err)})
		return
	}
	h.send(ctx, ws, serverMessage{Type: "accepted", Action: action, Turn: &turn})
}

func (h *Handler) outputLoop(ctx context.Context, ws *websocket.Conn, s *chat.Session, updates <-chan domain.Transcript) {
	var sent uint64
	push := func(tr domain.Transcript) bool {
		if sent != 0 && tr.Version <= sent {
			return true
		}
		sent = tr.Version
		return h.send(ctx, ws, serverMessage{
			Type:       "transcript",
			State:      s.State().String(),
			Busy:       s.Busy(),
			Transcript: &tr,
		})
	}

	if !push(s.Snapshot()) {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.Done():
			h.send(ctx, ws, serverMessage{Type: "closed"})
			return
		case tr := <-updates:
			if !push(tr) {
				return
			}
		}
	}
}

func (h *Handler) allow(userID string) bool {
	return h.limiter == nil || h.limiter.Allow(userID)
}

func (h *Handler) send(ctx context.Context, ws *websocket.Conn, msg serverMessage) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("Failed to marshal socket message", "error", err, "type", msg.Type)
		return false
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := ws.Write(writeCtx, websocket.MessageText, data); err != nil {
		if ctx.Err() == nil {
			slog.Debug("WebSocket write error", "error", err)
		}
		return false
	}
	return true
}

// publicError is the text shown to the client for a rejected action.
func publicError(err error) string {
	switch {
	case errors.Is(err, domain.ErrEmptyInput), errors.Is(err, domain.ErrInputTooLong), errors.Is(err, domain.ErrBusy):
		return err.Error()
	case errors.Is(err, domain.ErrNothingToRetry):
		return "nothing to retry"
	case errors.Is(err, domain.ErrSessionClosed):
		return "session closed"
	default:
		slog.Error("chat action failed", "error", err)
		return "internal error"
	}
}
