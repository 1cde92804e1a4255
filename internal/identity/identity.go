// Package identity resolves who is chatting: an anonymous per-device user
// carried in a cookie, and a per-tab chat session carried in a header.
package identity

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/streamchat/internal/domain"
)

const (
	AnonCookieName        = "chat_anon_id"
	SessionHeaderName     = "X-Chat-Session-ID"
	SessionQueryParam     = "session_id"
	DefaultSessionIDValue = "default"

	anonPrefix       = "anon_"
	anonCookieMaxAge = 30 * 24 * time.Hour
	// A returning user's last_seen_at is rewritten at most this often.
	lastSeenGranularity = time.Minute
)

var (
	anonIDPattern    = regexp.MustCompile(`^anon_[a-f0-9]{32}$`)
	sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)
)

// UserStore is the subset of the repository the middleware needs.
type UserStore interface {
	GetUser(ctx context.Context, userID string) (*domain.User, error)
	UpsertUser(ctx context.Context, user *domain.User) error
	UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error
}

// Principal identifies the chat a request addresses.
type Principal struct {
	UserID    string
	Username  string
	SessionID string
}

type principalKey struct{}

// WithPrincipal returns ctx carrying p.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// FromContext returns the principal set by Middleware.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// UserIDFromContext returns the anonymous user ID, or "" outside Middleware.
func UserIDFromContext(ctx context.Context) string {
	p, _ := FromContext(ctx)
	return p.UserID
}

// SessionIDFromContext returns the chat session ID. It falls back to
// DefaultSessionIDValue so a client without tab IDs still gets one chat.
func SessionIDFromContext(ctx context.Context) string {
	if p, ok := FromContext(ctx); ok && p.SessionID != "" {
		return p.SessionID
	}
	return DefaultSessionIDValue
}

// Middleware resolves the Principal for every request. New devices get a
// fresh anonymous ID cookie and a users row.
func Middleware(repo UserStore, isDev bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := anonIDFromRequest(r)
			setAnonCookie(w, userID, isDev)

			if err := touchUser(r.Context(), repo, userID, time.Now()); err != nil {
				slog.Error("failed to record anonymous user", "user_id", userID, "error", err)
				http.Error(w, `{"error":"failed to initialize anonymous user"}`, http.StatusInternalServerError)
				return
			}

			p := Principal{
				UserID:    userID,
				Username:  deriveUsername(userID),
				SessionID: sessionIDFromRequest(r),
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

// anonIDFromRequest returns the cookie's ID when well formed, else a new one.
func anonIDFromRequest(r *http.Request) string {
	if c, err := r.Cookie(AnonCookieName); err == nil && isValidAnonID(c.Value) {
		return c.Value
	}
	return newAnonID()
}

func newAnonID() string {
	id := uuid.New()
	return anonPrefix + strings.ReplaceAll(id.String(), "-", "")
}

func isValidAnonID(id string) bool {
	return anonIDPattern.MatchString(id)
}

func sessionIDFromRequest(r *http.Request) string {
	sid := r.Header.Get(SessionHeaderName)
	if sid == "" {
		// EventSource and WebSocket clients cannot set headers.
		sid = r.URL.Query().Get(SessionQueryParam)
	}
	return sanitizeSessionID(sid)
}

func sanitizeSessionID(id string) string {
	id = strings.TrimSpace(id)
	if !sessionIDPattern.MatchString(id) {
		return DefaultSessionIDValue
	}
	return id
}

func deriveUsername(userID string) string {
	if len(userID) > len(anonPrefix)+8 {
		return "guest-" + userID[len(userID)-8:]
	}
	return "guest"
}

// touchUser creates the user on first sight and otherwise refreshes
// last_seen_at once per lastSeenGranularity.
func touchUser(ctx context.Context, repo UserStore, userID string, now time.Time) error {
	user, err := repo.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if user == nil {
		return repo.UpsertUser(ctx, &domain.User{
			UserID:     userID,
			Username:   deriveUsername(userID),
			LastSeenAt: now,
			CreatedAt:  now,
			UpdatedAt:  now,
		})
	}
	if now.Sub(user.LastSeenAt) < lastSeenGranularity {
		return nil
	}
	return repo.UpdateLastSeen(ctx, userID, now)
}

func setAnonCookie(w http.ResponseWriter, id string, isDev bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     AnonCookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(anonCookieMaxAge.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   !isDev,
	})
}

// IPFromRequest returns the remote IP without the port.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
