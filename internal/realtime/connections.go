// Package realtime serves chat sessions over WebSocket.
package realtime

import (
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// Connections tracks the WebSocket attached to each chat session. A session
// has at most one socket; a newer one replaces the old.
type Connections struct {
	mu     sync.RWMutex
	active map[string]map[string]*websocket.Conn
}

// NewConnections creates an empty registry.
func NewConnections() *Connections {
	return &Connections{
		active: make(map[string]map[string]*websocket.Conn),
	}
}

// Get returns the active connection for a user and session.
func (c *Connections) Get(userID, sessionID string) *websocket.Conn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if sessions, ok := c.active[userID]; ok {
		return sessions[sessionID]
	}
	return nil
}

// Register adds a connection for a user/session and closes any previous one.
// The close handshake runs in the background: it waits for the old peer and
// must not hold up the registry or the new socket.
func (c *Connections) Register(userID, sessionID string, conn *websocket.Conn) {
	c.mu.Lock()
	if _, exists := c.active[userID]; !exists {
		c.active[userID] = make(map[string]*websocket.Conn)
	}
	replaced := c.active[userID][sessionID]
	c.active[userID][sessionID] = conn
	c.mu.Unlock()

	slog.Info("Chat socket registered", "user_id", userID, "session_id", sessionID, "replaced", replaced != nil && replaced != conn)
	if replaced != nil && replaced != conn {
		go func() {
			_ = replaced.Close(websocket.StatusNormalClosure, "session replaced")
		}()
	}
}

// Unregister removes conn if it is still the session's connection.
func (c *Connections) Unregister(userID, sessionID string, conn *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if sessions, ok := c.active[userID]; ok {
		if current, exists := sessions[sessionID]; exists && current == conn {
			delete(sessions, sessionID)
			if len(sessions) == 0 {
				delete(c.active, userID)
			}
			slog.Info("Chat socket unregistered", "user_id", userID, "session_id", sessionID)
		}
	}
}

// Close terminates the socket of one session, if any.
func (c *Connections) Close(userID, sessionID string) {
	c.mu.Lock()
	conn := c.active[userID][sessionID]
	if conn != nil {
		delete(c.active[userID], sessionID)
		if len(c.active[userID]) == 0 {
			delete(c.active, userID)
		}
	}
	c.mu.Unlock()

	if conn == nil {
		return
	}
	_ = conn.Close(websocket.StatusNormalClosure, "session closed")
	slog.Info("Chat socket closed", "user_id", userID, "session_id", sessionID)
}

// Count returns the number of attached sockets.
func (c *Connections) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, sessions := range c.active {
		n += len(sessions)
	}
	return n
}
