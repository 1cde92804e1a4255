// Package backend implements the language-model clients that stream replies
// into a chat session.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ashureev/streamchat/internal/domain"
	"github.com/ashureev/streamchat/internal/stream"
)

// Backend kinds accepted by New.
const (
	KindEcho       = "echo"
	KindDataStream = "datastream"
	KindOpenAI     = "openai"
)

const (
	readChunkSize   = 4096
	maxErrorBodyLen = 4096
)

// Request is one streamed completion request.
type Request struct {
	SessionID string
	RequestID string
	Messages  []domain.Message
}

// Backend streams a reply as raw body chunks. The chunks are framed in the
// backend's Format and are decoded by the chat session.
//
// The returned sequence yields at most one error, after which it stops.
// Cancelling ctx stops the stream without yielding an error.
type Backend interface {
	Name() string
	Format() stream.Format
	Stream(ctx context.Context, req Request) iter.Seq2[[]byte, error]
}

// Options configures New.
type Options struct {
	Kind       string
	URL        string
	APIKey     string
	BaseURL    string
	Model      string
	EchoDelay  time.Duration
	HTTPClient *http.Client
}

// New builds the backend selected by opts.Kind.
func New(opts Options, logger *slog.Logger) (Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client := opts.HTTPClient
	if client == nil {
		// No overall timeout: replies stream for as long as the model writes.
		// The chat session enforces its own idle timeout.
		client = &http.Client{}
	}

	switch opts.Kind {
	case KindEcho, "":
		return NewEcho(opts.EchoDelay), nil
	case KindDataStream:
		if opts.URL == "" {
			return nil, errors.New("datastream backend requires a URL")
		}
		return NewDataStream(opts.URL, client, logger), nil
	case KindOpenAI:
		if opts.APIKey == "" {
			return nil, errors.New("openai backend requires an API key")
		}
		return NewOpenAI(opts.BaseURL, opts.APIKey, opts.Model, client, logger), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", opts.Kind)
	}
}

// postJSON sends body to url and streams the response into yield.
func postJSON(ctx context.Context, client *http.Client, url string, header http.Header, body any, yield func([]byte, error) bool) {
	payload, err := json.Marshal(body)
	if err != nil {
		yield(nil, fmt.Errorf("encode request: %w", err))
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		yield(nil, fmt.Errorf("build request: %w", err))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}
	streamResponse(ctx, client, req, yield)
}

func streamResponse(ctx context.Context, client *http.Client, req *http.Request, yield func([]byte, error) bool) {
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		yield(nil, fmt.Errorf("%w: %w", domain.ErrTransport, err))
		return
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyLen))
		yield(nil, &domain.BackendError{Status: resp.StatusCode, Message: errorMessage(raw, resp.Status)})
		return
	}

	buf := make([]byte, readChunkSize)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if !yield(chunk, nil) {
				return
			}
		}
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			yield(nil, fmt.Errorf("%w: read response: %w", domain.ErrTransport, err))
			return
		}
	}
}

// errorMessage extracts a human-readable message from an error body.
// OpenAI nests it under error.message, FastAPI uses detail.
func errorMessage(raw []byte, fallback string) string {
	var body struct {
		Error  json.RawMessage `json:"error"`
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(raw, &body); err == nil {
		for _, field := range []json.RawMessage{body.Error, body.Detail} {
			if msg := messageField(field); msg != "" {
				return msg
			}
		}
	}
	if text := strings.TrimSpace(string(raw)); text != "" && !strings.HasPrefix(text, "{") {
		return text
	}
	return fallback
}

func messageField(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.Message
	}
	return ""
}
