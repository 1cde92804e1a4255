// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/streamchat/internal/domain"
)

// ArchivedTurn is a turn as written to the archive, with its owners.
type ArchivedTurn struct {
	UserID    string      `json:"user_id"`
	SessionID string      `json:"session_id"`
	RequestID string      `json:"request_id,omitempty"`
	Chunks    int         `json:"chunks"`
	Turn      domain.Turn `json:"turn"`
}

// Repository defines the interface for persisting users, chat sessions and
// the turn archive. The archive is write-behind audit history; live
// transcripts never read from it.
type Repository interface {
	// GetUser retrieves a user by their user ID. It returns nil, nil when
	// the user does not exist.
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// UpsertUser creates or updates a user record.
	UpsertUser(ctx context.Context, user *domain.User) error

	// UpdateLastSeen updates the last_seen_at timestamp for a user.
	UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error

	// UpsertChatSession creates or refreshes a chat session record.
	UpsertChatSession(ctx context.Context, session *domain.ChatSession) error

	// DeleteChatSession removes a chat session record. Archived turns stay.
	DeleteChatSession(ctx context.Context, userID, sessionID string) error

	// SaveTurn writes or overwrites an archived turn.
	SaveTurn(ctx context.Context, rec ArchivedTurn) error

	// ListTurns returns up to limit archived turns of a session, oldest first.
	ListTurns(ctx context.Context, userID, sessionID string, limit int) ([]ArchivedTurn, error)

	// CleanupArchive removes archived turns older than retention.
	CleanupArchive(ctx context.Context, retention time.Duration) (int64, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
