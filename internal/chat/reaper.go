package chat

import (
	"context"
	"time"
)

const defaultReapInterval = time.Minute

// ReaperConfig configures StartReaper.
type ReaperConfig struct {
	// TTL is how long a session may stay idle before it is closed.
	TTL      time.Duration
	Interval time.Duration
	// AfterSweep runs at the end of every sweep, e.g. to prune storage.
	AfterSweep func(ctx context.Context)
}

// StartReaper runs a background goroutine that periodically closes sessions
// idle for longer than cfg.TTL. Sessions with a reply in flight are skipped.
func (m *Manager) StartReaper(ctx context.Context, cfg ReaperConfig) {
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultReapInterval
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		m.logger.Info("session reaper started", "interval", interval, "ttl", cfg.TTL)

		for {
			select {
			case <-ticker.C:
				m.reapIdle(time.Now(), cfg.TTL)
				if cfg.AfterSweep != nil {
					cfg.AfterSweep(ctx)
				}
			case <-ctx.Done():
				m.logger.Info("session reaper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// reapIdle closes expired sessions and returns how many were closed.
func (m *Manager) reapIdle(now time.Time, ttl time.Duration) int {
	if ttl <= 0 {
		return 0
	}
	var expired []*Session
	for _, s := range m.snapshot() {
		rec := s.Record()
		if s.Busy() || rec.IdleFor(now) < ttl {
			continue
		}
		expired = append(expired, s)
	}
	if len(expired) == 0 {
		return 0
	}

	m.logger.Info("session reaper found idle sessions", "count", len(expired))
	closed := 0
	for _, s := range expired {
		// Re-check under the manager lock: the session may have been
		// replaced or closed since the scan.
		m.mu.Lock()
		current, ok := m.sessions[s.UserID()][s.ID()]
		if ok && current == s {
			m.removeLocked(s.UserID(), s.ID())
		}
		m.mu.Unlock()
		if !ok || current != s {
			continue
		}
		m.logger.Info("session reaper closing idle session",
			"user_id", s.UserID(),
			"session_id", s.ID(),
			"idle", now.Sub(s.LastActive()))
		m.closeSession(s)
		closed++
	}
	return closed
}
