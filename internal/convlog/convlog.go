// Package convlog writes chat conversations as NDJSON files, one file per
// user session plus an optional combined file.
package convlog

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/streamchat/internal/domain"
)

const (
	defaultQueueSize = 1000

	// ChannelChat tags events produced by the chat core.
	ChannelChat = "chat"

	EventUserMessage      = "chat_user_message"
	EventAssistantMessage = "chat_assistant_message"
)

// Config controls conversation logging.
type Config struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// Event is one NDJSON line.
type Event struct {
	Timestamp  string         `json:"ts"`
	UserID     string         `json:"user_id"`
	SessionID  string         `json:"session_id"`
	Channel    string         `json:"channel"`
	Direction  string         `json:"direction"`
	EventType  string         `json:"event_type"`
	ContentRaw string         `json:"content_raw"`
	Content    string         `json:"content"`
	Meta       map[string]any `json:"meta,omitempty"`
}

// Logger accepts conversation events.
type Logger interface {
	Log(ev Event)
	Close() error
}

// New returns a Logger for cfg. A disabled config yields a no-op logger.
func New(cfg Config, logger *slog.Logger) (Logger, error) {
	if !cfg.Enabled {
		return Nop{}, nil
	}
	return NewWriter(cfg, logger)
}

// Nop discards every event.
type Nop struct{}

// Log implements Logger.
func (Nop) Log(Event) {}

// Close implements Logger.
func (Nop) Close() error { return nil }

// Writer appends events to files from a single background goroutine.
type Writer struct {
	cfg     Config
	logger  *slog.Logger
	queue   chan Event
	done    chan struct{}
	dropped atomic.Int64

	mu     sync.RWMutex
	closed bool
	global *os.File
}

// NewWriter creates the log directories and starts the writer goroutine.
func NewWriter(cfg Config, logger *slog.Logger) (*Writer, error) {
	if cfg.Dir == "" {
		return nil, errors.New("conversation log dir is required")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create conversation log dir: %w", err)
	}

	w := &Writer{
		cfg:    cfg,
		logger: logger,
		queue:  make(chan Event, cfg.QueueSize),
		done:   make(chan struct{}),
	}
	if cfg.GlobalEnabled && cfg.GlobalPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.GlobalPath), 0o755); err != nil {
			return nil, fmt.Errorf("create global conversation log dir: %w", err)
		}
		f, err := os.OpenFile(cfg.GlobalPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open global conversation log: %w", err)
		}
		w.global = f
	}
	go w.run()
	return w, nil
}

// Log queues ev. It never blocks; events are dropped when the queue is full.
func (w *Writer) Log(ev Event) {
	if ev.Timestamp == "" {
		ev.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if ev.Content == "" && ev.ContentRaw != "" {
		ev.Content = cleanForReadability(ev.ContentRaw)
	}

	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return
	}
	select {
	case w.queue <- ev:
	default:
		w.dropped.Add(1)
		w.logger.Warn("conversation log queue full, dropping event",
			"user_id", ev.UserID,
			"session_id", ev.SessionID,
			"event_type", ev.EventType)
	}
}

// RecordTurn logs a user turn or a finished assistant turn.
func (w *Writer) RecordTurn(rec domain.TurnRecord) {
	w.Log(EventFromTurn(rec))
}

// Dropped returns how many events were discarded.
func (w *Writer) Dropped() int64 {
	return w.dropped.Load()
}

// Close flushes queued events and closes the global file.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.queue)
	w.mu.Unlock()

	<-w.done
	if w.global != nil {
		return w.global.Close()
	}
	return nil
}

func (w *Writer) run() {
	defer close(w.done)
	for ev := range w.queue {
		line, err := json.Marshal(ev)
		if err != nil {
			w.logger.Warn("failed to marshal conversation event", "error", err)
			continue
		}
		line = append(line, '\n')

		if err := w.appendSession(ev, line); err != nil {
			w.logger.Warn("failed to write conversation log",
				"user_id", ev.UserID,
				"session_id", ev.SessionID,
				"error", err)
		}
		if w.global != nil {
			if _, err := w.global.Write(line); err != nil {
				w.logger.Warn("failed to write global conversation log", "error", err)
			}
		}
	}
}

func (w *Writer) appendSession(ev Event, line []byte) error {
	dir := filepath.Join(w.cfg.Dir, safeName(ev.UserID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(dir, safeName(ev.SessionID)+".ndjson"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// EventFromTurn converts a turn record to a log event.
func EventFromTurn(rec domain.TurnRecord) Event {
	t := rec.Turn
	ev := Event{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		UserID:     rec.UserID,
		SessionID:  rec.SessionID,
		Channel:    ChannelChat,
		ContentRaw: t.Content,
		Content:    cleanForReadability(t.Content),
		Meta: map[string]any{
			"request_id": rec.RequestID,
			"turn_id":    t.ID,
		},
	}
	if t.Role == domain.RoleUser {
		ev.Direction = "outbound"
		ev.EventType = EventUserMessage
		return ev
	}

	ev.Direction = "inbound"
	ev.EventType = EventAssistantMessage
	ev.Meta["stream_chunks"] = rec.Chunks
	ev.Meta["partial"] = t.Status != domain.TurnComplete
	ev.Meta["status"] = string(t.Status)
	if rec.Err != nil {
		ev.Meta["stream_error"] = rec.Err.Error()
	}
	if t.FailureKind != "" {
		ev.Meta["failure_kind"] = string(t.FailureKind)
	}
	if t.FinishReason != "" {
		ev.Meta["finish_reason"] = t.FinishReason
	}
	if t.Usage != nil {
		ev.Meta["prompt_tokens"] = t.Usage.PromptTokens
		ev.Meta["completion_tokens"] = t.Usage.CompletionTokens
	}
	if len(t.Tools) > 0 {
		names := make([]string, 0, len(t.Tools))
		for _, inv := range t.Tools {
			names = append(names, inv.Name)
		}
		ev.Meta["tools"] = names
	}
	return ev
}

var (
	ansiPattern   = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]|\x1b\][^\x07]*(\x07|\x1b\\)`)
	unsafePattern = regexp.MustCompile(`[^A-Za-z0-9._-]`)
)

// cleanForReadability strips terminal escapes and control characters and
// normalizes line endings.
func cleanForReadability(s string) string {
	s = ansiPattern.ReplaceAllString(s, "")
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, s)
	return strings.TrimSpace(s)
}

// safeName turns an identifier into a single path element.
func safeName(id string) string {
	if id == "" {
		return "unknown"
	}
	name := unsafePattern.ReplaceAllString(id, "_")
	if name == "." || name == ".." {
		return "_"
	}
	return name
}
