package convlog

import (
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/streamchat/internal/domain"
)

func TestWriterWritesPerSessionNDJSON(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	logger, err := NewWriter(Config{
		Enabled:   true,
		Dir:       dir,
		QueueSize: 16,
	}, slog.Default())
	if err != nil {
		t.Fatalf("NewWriter failed: %v", err)
	}
	defer func() { _ = logger.Close() }()

	logger.Log(Event{
		UserID:     "user-1",
		SessionID:  "sess-1",
		Channel:    ChannelChat,
		Direction:  "outbound",
		EventType:  EventUserMessage,
		ContentRaw: "\x1b[1mhello\x1b[0m",
	})

	path := filepath.Join(dir, "user-1", "sess-1.ndjson")
	line := waitForLogLine(t, path)
	var got Event
	if err := json.Unmarshal([]byte(line), &got); err != nil {
		t.Fatalf("failed to unmarshal log line: %v", err)
	}
	if got.ContentRaw != "\x1b[1mhello\x1b[0m" {
		t.Fatalf("unexpected ContentRaw: %q", got.ContentRaw)
	}
	if got.Content != "hello" {
		t.Fatalf("expected cleaned content, got %q", got.Content)
	}
	if got.Timestamp == "" {
		t.Fatal("expected timestamp to be populated")
	}
}

func TestWriterRecordTurnAndGlobalFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	global := filepath.Join(dir, "all", "all.ndjson")
	w, err := NewWriter(Config{Enabled: true, Dir: dir, GlobalEnabled: true, GlobalPath: global}, nil)
	if err != nil {
		t.Fatalf("NewWriter failed: %v", err)
	}

	turn := domain.NewTurn(domain.RoleAssistant, "Hel", domain.TurnFailed)
	turn.FailureKind = domain.FailureCancelled
	w.RecordTurn(domain.TurnRecord{
		UserID:    "user-1",
		SessionID: "../escape",
		RequestID: "req-1",
		Turn:      turn,
		Chunks:    2,
		Err:       errors.New("cancelled"),
	})
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	line := waitForLogLine(t, filepath.Join(dir, "user-1", ".._escape.ndjson"))
	var got Event
	if err := json.Unmarshal([]byte(line), &got); err != nil {
		t.Fatalf("failed to unmarshal log line: %v", err)
	}
	if got.EventType != EventAssistantMessage || got.Direction != "inbound" {
		t.Fatalf("unexpected event: %+v", got)
	}
	if got.Meta["partial"] != true || got.Meta["failure_kind"] != "cancelled" || got.Meta["stream_error"] != "cancelled" {
		t.Fatalf("unexpected meta: %+v", got.Meta)
	}
	if got.Meta["stream_chunks"] != float64(2) {
		t.Fatalf("stream_chunks = %v", got.Meta["stream_chunks"])
	}

	if line := waitForLogLine(t, global); !strings.Contains(line, `"request_id":"req-1"`) {
		t.Fatalf("global log missing event: %s", line)
	}
}

func TestNewDisabledIsNop(t *testing.T) {
	t.Parallel()

	l, err := New(Config{Enabled: false}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, ok := l.(Nop); !ok {
		t.Fatalf("expected Nop, got %T", l)
	}
	l.Log(Event{UserID: "u"})
	if err := l.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
}

func TestLogAfterCloseIsIgnored(t *testing.T) {
	t.Parallel()

	w, err := NewWriter(Config{Enabled: true, Dir: t.TempDir()}, nil)
	if err != nil {
		t.Fatalf("NewWriter failed: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	w.Log(Event{UserID: "u", SessionID: "s"})
	if err := w.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
}

func TestCleanForReadabilityStripsANSI(t *testing.T) {
	t.Parallel()

	raw := "\x1b[31merror\x1b[0m plain\r\n"
	clean := cleanForReadability(raw)
	if strings.Contains(clean, "\x1b[31m") {
		t.Fatalf("expected ANSI sequence to be stripped: %q", clean)
	}
	if clean != "error plain" {
		t.Fatalf("unexpected clean text: %q", clean)
	}
}

func TestSafeName(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"":          "unknown",
		"..":        "_",
		"abc-123_x": "abc-123_x",
		"a/b":       "a_b",
		"tab 1":     "tab_1",
	}
	for in, want := range tests {
		if got := safeName(in); got != want {
			t.Errorf("safeName(%q) = %q, want %q", in, got, want)
		}
	}
}

func waitForLogLine(t *testing.T, path string) string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		data, err := os.ReadFile(path)
		if err == nil && len(data) > 0 {
			lines := strings.Split(strings.TrimSpace(string(data)), "\n")
			if len(lines) > 0 {
				return lines[len(lines)-1]
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for log file %s", path)
	return ""
}
