package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/streamchat/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "db", "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestUserRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	got, err := s.GetUser(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, got)

	now := time.Now().Truncate(time.Second)
	require.NoError(t, s.UpsertUser(ctx, &domain.User{
		UserID:     "u1",
		Username:   "guest-u1",
		LastSeenAt: now,
		CreatedAt:  now,
		UpdatedAt:  now,
	}))

	later := now.Add(time.Minute)
	require.NoError(t, s.UpdateLastSeen(ctx, "u1", later))

	got, err = s.GetUser(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "guest-u1", got.Username)
	assert.True(t, got.LastSeenAt.Equal(later))
	assert.True(t, got.CreatedAt.Equal(now))
}

func TestChatSessionUpsertAndDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	sess := &domain.ChatSession{UserID: "u1", SessionID: "tab-1", CreatedAt: now, LastActiveAt: now}
	require.NoError(t, s.UpsertChatSession(ctx, sess))
	sess.LastActiveAt = now.Add(time.Minute)
	require.NoError(t, s.UpsertChatSession(ctx, sess))

	var count int
	require.NoError(t, s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chat_sessions`).Scan(&count))
	assert.Equal(t, 1, count)

	require.NoError(t, s.DeleteChatSession(ctx, "u1", "tab-1"))
	require.NoError(t, s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chat_sessions`).Scan(&count))
	assert.Equal(t, 0, count)
}

func TestSaveAndListTurns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	user := domain.NewTurn(domain.RoleUser, "Hello", domain.TurnComplete)
	assistant := domain.NewTurn(domain.RoleAssistant, "Hi", domain.TurnComplete)
	assistant.CreatedAt = user.CreatedAt.Add(time.Millisecond)
	assistant.FinishReason = "stop"
	assistant.Usage = &domain.Usage{PromptTokens: 3, CompletionTokens: 1}
	assistant.Tools = []domain.ToolInvocation{{ID: "c1", Name: "lookup", Args: json.RawMessage(`{"q":"x"}`)}}

	require.NoError(t, s.SaveTurn(ctx, ArchivedTurn{UserID: "u1", SessionID: "tab-1", Turn: user}))
	require.NoError(t, s.SaveTurn(ctx, ArchivedTurn{UserID: "u1", SessionID: "tab-1", RequestID: "r1", Chunks: 2, Turn: assistant}))
	require.NoError(t, s.SaveTurn(ctx, ArchivedTurn{UserID: "u1", SessionID: "tab-2", Turn: domain.NewTurn(domain.RoleUser, "other", domain.TurnComplete)}))

	turns, err := s.ListTurns(ctx, "u1", "tab-1", 0)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, "Hello", turns[0].Turn.Content)
	assert.Nil(t, turns[0].Turn.Usage)

	got := turns[1]
	assert.Equal(t, "r1", got.RequestID)
	assert.Equal(t, 2, got.Chunks)
	assert.Equal(t, domain.RoleAssistant, got.Turn.Role)
	assert.Equal(t, "stop", got.Turn.FinishReason)
	assert.Equal(t, &domain.Usage{PromptTokens: 3, CompletionTokens: 1}, got.Turn.Usage)
	require.Len(t, got.Turn.Tools, 1)
	assert.Equal(t, "lookup", got.Turn.Tools[0].Name)
	assert.JSONEq(t, `{"q":"x"}`, string(got.Turn.Tools[0].Args))

	limited, err := s.ListTurns(ctx, "u1", "tab-1", 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "Hello", limited[0].Turn.Content)
}

func TestSaveTurnOverwrites(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	turn := domain.NewTurn(domain.RoleAssistant, "partial", domain.TurnFailed)
	turn.FailureKind = domain.FailureCancelled
	turn.Reason = "Response cancelled"
	require.NoError(t, s.SaveTurn(ctx, ArchivedTurn{UserID: "u1", SessionID: "s", Turn: turn}))

	turn.Content = "partial and more"
	require.NoError(t, s.SaveTurn(ctx, ArchivedTurn{UserID: "u1", SessionID: "s", Turn: turn}))

	turns, err := s.ListTurns(ctx, "u1", "s", 0)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, "partial and more", turns[0].Turn.Content)
	assert.Equal(t, domain.FailureCancelled, turns[0].Turn.FailureKind)
	assert.Equal(t, "Response cancelled", turns[0].Turn.Reason)
}

func TestCleanupArchive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveTurn(ctx, ArchivedTurn{UserID: "u1", SessionID: "s", Turn: domain.NewTurn(domain.RoleUser, "old", domain.TurnComplete)}))
	require.NoError(t, s.SaveTurn(ctx, ArchivedTurn{UserID: "u1", SessionID: "s", Turn: domain.NewTurn(domain.RoleUser, "new", domain.TurnComplete)}))
	_, err := s.db.ExecContext(ctx, `UPDATE turns SET archived_at = ? WHERE content = 'old'`, time.Now().Add(-48*time.Hour).Unix())
	require.NoError(t, err)

	n, err := s.CleanupArchive(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	turns, err := s.ListTurns(ctx, "u1", "s", 0)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, "new", turns[0].Turn.Content)
}

func TestArchiverDrainsOnClose(t *testing.T) {
	s := newTestStore(t)
	a := NewArchiver(s, 8, nil)

	for i := 0; i < 5; i++ {
		a.RecordTurn(domain.TurnRecord{
			UserID:    "u1",
			SessionID: "s",
			Turn:      domain.NewTurn(domain.RoleUser, "msg", domain.TurnComplete),
		})
	}
	a.Close()
	a.Close()

	turns, err := s.ListTurns(context.Background(), "u1", "s", 0)
	require.NoError(t, err)
	assert.Len(t, turns, 5)
	assert.Zero(t, a.Dropped())

	// Records after Close are ignored.
	a.RecordTurn(domain.TurnRecord{UserID: "u1", SessionID: "s", Turn: domain.NewTurn(domain.RoleUser, "late", domain.TurnComplete)})
	turns, err = s.ListTurns(context.Background(), "u1", "s", 0)
	require.NoError(t, err)
	assert.Len(t, turns, 5)
}
