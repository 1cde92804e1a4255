package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/streamchat/internal/domain"
	"github.com/ashureev/streamchat/internal/shared"
	_ "modernc.org/sqlite"
)

const (
	writeAttempts  = 3
	writeBaseDelay = 100 * time.Millisecond
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		last_seen_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS chat_sessions (
		user_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		last_active_at INTEGER NOT NULL,
		PRIMARY KEY (user_id, session_id)
	);

	CREATE TABLE IF NOT EXISTS turns (
		turn_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		request_id TEXT,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		status TEXT NOT NULL,
		failure_kind TEXT,
		reason TEXT,
		finish_reason TEXT,
		prompt_tokens INTEGER,
		completion_tokens INTEGER,
		tools_json TEXT,
		chunks INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		archived_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(user_id, session_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_turns_archived ON turns(archived_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetUser retrieves a user by their user ID.
func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	query := `
		SELECT user_id, username, last_seen_at, created_at, updated_at
		FROM users WHERE user_id = ?`

	row := s.db.QueryRowContext(ctx, query, userID)

	var user domain.User
	var lastSeen, createdAt, updatedAt int64

	err := row.Scan(&user.UserID, &user.Username, &lastSeen, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}

	user.LastSeenAt = time.Unix(lastSeen, 0)
	user.CreatedAt = time.Unix(createdAt, 0)
	user.UpdatedAt = time.Unix(updatedAt, 0)

	return &user, nil
}

// UpsertUser creates or updates a user record.
func (s *SQLiteStore) UpsertUser(ctx context.Context, user *domain.User) error {
	query := `
	INSERT INTO users (user_id, username, last_seen_at, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		username = excluded.username,
		last_seen_at = excluded.last_seen_at,
		updated_at = excluded.updated_at`

	return shared.RetryOnConflict(ctx, "upsert_user", writeAttempts, writeBaseDelay, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, query,
			user.UserID, user.Username,
			user.LastSeenAt.Unix(), user.CreatedAt.Unix(), user.UpdatedAt.Unix(),
		)
		if err != nil {
			return fmt.Errorf("upsert user: %w", err)
		}
		return nil
	})
}

// UpdateLastSeen updates the last_seen_at timestamp for a user.
func (s *SQLiteStore) UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error {
	query := `UPDATE users SET last_seen_at = ?, updated_at = ? WHERE user_id = ?`
	result, err := s.db.ExecContext(ctx, query, lastSeen.Unix(), time.Now().Unix(), userID)
	if err != nil {
		return fmt.Errorf("update last_seen: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("UpdateLastSeen affected 0 rows", "user_id", userID)
	}

	return nil
}

// UpsertChatSession creates or refreshes a chat session record.
func (s *SQLiteStore) UpsertChatSession(ctx context.Context, session *domain.ChatSession) error {
	query := `
	INSERT INTO chat_sessions (user_id, session_id, created_at, last_active_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(user_id, session_id) DO UPDATE SET
		last_active_at = excluded.last_active_at`

	return shared.RetryOnConflict(ctx, "upsert_chat_session", writeAttempts, writeBaseDelay, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, query,
			session.UserID, session.SessionID,
			session.CreatedAt.Unix(), session.LastActiveAt.Unix(),
		)
		if err != nil {
			return fmt.Errorf("upsert chat session: %w", err)
		}
		return nil
	})
}

// DeleteChatSession removes a chat session record.
func (s *SQLiteStore) DeleteChatSession(ctx context.Context, userID, sessionID string) error {
	query := `DELETE FROM chat_sessions WHERE user_id = ? AND session_id = ?`
	err := shared.RetryOnConflict(ctx, "delete_chat_session", writeAttempts, writeBaseDelay, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, query, userID, sessionID)
		return err
	})
	if err != nil {
		return fmt.Errorf("delete chat session %s/%s: %w", userID, sessionID, err)
	}
	return nil
}

// SaveTurn writes an archived turn. A turn saved twice keeps the later copy.
func (s *SQLiteStore) SaveTurn(ctx context.Context, rec ArchivedTurn) error {
	query := `
	INSERT INTO turns (
		turn_id, user_id, session_id, request_id, role, content, status,
		failure_kind, reason, finish_reason, prompt_tokens, completion_tokens,
		tools_json, chunks, created_at, archived_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(turn_id) DO UPDATE SET
		request_id = excluded.request_id,
		content = excluded.content,
		status = excluded.status,
		failure_kind = excluded.failure_kind,
		reason = excluded.reason,
		finish_reason = excluded.finish_reason,
		prompt_tokens = excluded.prompt_tokens,
		completion_tokens = excluded.completion_tokens,
		tools_json = excluded.tools_json,
		chunks = excluded.chunks,
		archived_at = excluded.archived_at`

	t := rec.Turn
	var promptTokens, completionTokens interface{}
	if t.Usage != nil {
		promptTokens = t.Usage.PromptTokens
		completionTokens = t.Usage.CompletionTokens
	}
	var toolsJSON interface{}
	if len(t.Tools) > 0 {
		b, err := json.Marshal(t.Tools)
		if err != nil {
			return fmt.Errorf("marshal tools: %w", err)
		}
		toolsJSON = string(b)
	}

	return shared.RetryOnConflict(ctx, "save_turn", writeAttempts, writeBaseDelay, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, query,
			t.ID, rec.UserID, rec.SessionID, nullString(rec.RequestID),
			string(t.Role), t.Content, string(t.Status),
			nullString(string(t.FailureKind)), nullString(t.Reason), nullString(t.FinishReason),
			promptTokens, completionTokens, toolsJSON, rec.Chunks,
			t.CreatedAt.UnixNano(), time.Now().Unix(),
		)
		if err != nil {
			return fmt.Errorf("save turn %s: %w", t.ID, err)
		}
		return nil
	})
}

// ListTurns returns up to limit archived turns of a session, oldest first.
// A limit of zero or less returns every turn.
func (s *SQLiteStore) ListTurns(ctx context.Context, userID, sessionID string, limit int) ([]ArchivedTurn, error) {
	if limit <= 0 {
		limit = -1
	}
	query := `
		SELECT turn_id, request_id, role, content, status, failure_kind, reason,
		       finish_reason, prompt_tokens, completion_tokens, tools_json, chunks, created_at
		FROM turns WHERE user_id = ? AND session_id = ?
		ORDER BY created_at, rowid
		LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, userID, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close turn rows", "error", closeErr)
		}
	}()

	var out []ArchivedTurn
	for rows.Next() {
		var (
			t                              domain.Turn
			requestID, failureKind, reason sql.NullString
			finishReason, toolsJSON        sql.NullString
			promptTokens, completionTokens sql.NullInt64
			role, status                   string
			chunks                         int
			createdAt                      int64
		)
		if err := rows.Scan(
			&t.ID, &requestID, &role, &t.Content, &status, &failureKind, &reason,
			&finishReason, &promptTokens, &completionTokens, &toolsJSON, &chunks, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan turn row: %w", err)
		}
		t.Role = domain.Role(role)
		t.Status = domain.TurnStatus(status)
		t.FailureKind = domain.FailureKind(failureKind.String)
		t.Reason = reason.String
		t.FinishReason = finishReason.String
		t.CreatedAt = time.Unix(0, createdAt).UTC()
		if promptTokens.Valid || completionTokens.Valid {
			t.Usage = &domain.Usage{
				PromptTokens:     int(promptTokens.Int64),
				CompletionTokens: int(completionTokens.Int64),
			}
		}
		if toolsJSON.Valid {
			if err := json.Unmarshal([]byte(toolsJSON.String), &t.Tools); err != nil {
				return nil, fmt.Errorf("decode tools for turn %s: %w", t.ID, err)
			}
		}
		out = append(out, ArchivedTurn{
			UserID:    userID,
			SessionID: sessionID,
			RequestID: requestID.String,
			Chunks:    chunks,
			Turn:      t,
		})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turns: %w", err)
	}

	return out, nil
}

// CleanupArchive removes archived turns older than retention.
func (s *SQLiteStore) CleanupArchive(ctx context.Context, retention time.Duration) (int64, error) {
	threshold := time.Now().Add(-retention).Unix()
	var deleted int64
	err := shared.RetryOnConflict(ctx, "cleanup_archive", writeAttempts, writeBaseDelay, func(ctx context.Context) error {
		result, err := s.db.ExecContext(ctx, `DELETE FROM turns WHERE archived_at < ?`, threshold)
		if err != nil {
			return err
		}
		deleted, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("cleanup archive: %w", err)
	}
	return deleted, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

func nullString(v string) interface{} {
	if v == "" {
		return nil
	}
	return v
}
