// Package domain contains core domain types for the chat service.
package domain

import (
	"time"
)

// User represents an anonymous device identity that owns chat sessions.
type User struct {
	UserID     string    `json:"user_id"`
	Username   string    `json:"username"`
	LastSeenAt time.Time `json:"last_seen_at"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ChatSession is the persisted record of one chat session (one browser tab).
type ChatSession struct {
	UserID       string    `json:"user_id"`
	SessionID    string    `json:"session_id"`
	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`
}

// IdleFor reports how long the session has been inactive as of now.
func (s ChatSession) IdleFor(now time.Time) time.Duration {
	idle := now.Sub(s.LastActiveAt)
	if idle < 0 {
		return 0
	}
	return idle
}
