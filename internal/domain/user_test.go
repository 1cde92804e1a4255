package domain

import (
	"testing"
	"time"
)

func TestChatSessionIdleFor(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name       string
		lastActive time.Time
		want       time.Duration
	}{
		{name: "idle", lastActive: now.Add(-time.Minute), want: time.Minute},
		{name: "just active", lastActive: now, want: 0},
		{name: "clock skew", lastActive: now.Add(time.Second), want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := func() ChatSession { return ChatSession{LastActiveAt: tt.lastActive} }
			// Called on a non-addressable value, as the reaper does with Record().
			if got := rec().IdleFor(now); got != tt.want {
				t.Errorf("IdleFor = %v, want %v", got, tt.want)
			}
		})
	}
}
