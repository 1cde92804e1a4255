package backend

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/streamchat/internal/domain"
	"github.com/ashureev/streamchat/internal/stream"
)

func collect(seq iter.Seq2[[]byte, error]) (string, error) {
	var b strings.Builder
	for chunk, err := range seq {
		if err != nil {
			return b.String(), err
		}
		b.Write(chunk)
	}
	return b.String(), nil
}

func decodeText(t *testing.T, format stream.Format, body string) string {
	t.Helper()
	dec, err := stream.New(format)
	require.NoError(t, err)
	evs, err := dec.Decode([]byte(body))
	require.NoError(t, err)
	tail, err := dec.Close()
	require.NoError(t, err)
	var b strings.Builder
	for _, ev := range append(evs, tail...) {
		if ev.Kind == stream.EventDelta {
			b.WriteString(ev.Text)
		}
	}
	return b.String()
}

var history = []domain.Message{
	{Role: domain.RoleSystem, Content: "be brief"},
	{Role: domain.RoleUser, Content: "Hello"},
}

func TestDataStreamClient(t *testing.T) {
	var got struct {
		Messages []domain.Message `json:"messages"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/chat", r.URL.Path)
		assert.Equal(t, "data", r.URL.Query().Get("protocol"))
		assert.Equal(t, "req-1", r.Header.Get("X-Request-Id"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("x-vercel-ai-data-stream", "v1")
		flusher := w.(http.Flusher)
		for _, line := range []string{`0:"Hi"`, `0:" there"`, `0:"!"`, `e:{"finishReason":"stop","usage":{"promptTokens":3,"completionTokens":3},"isContinued":false}`} {
			_, _ = w.Write([]byte(line + "\n"))
			flusher.Flush()
		}
	}))
	defer srv.Close()

	c := NewDataStream(srv.URL+"/api/chat", srv.Client(), nil)
	assert.Equal(t, stream.FormatDataStream, c.Format())

	body, err := collect(c.Stream(context.Background(), Request{RequestID: "req-1", Messages: history}))
	require.NoError(t, err)
	assert.Equal(t, history, got.Messages)
	assert.Equal(t, "Hi there!", decodeText(t, c.Format(), body))
}

func TestOpenAIClient(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"Hi\"}}]}\n\n"))
		_, _ = w.Write([]byte("data: {\"choices\":[{\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n"))
		_, _ = w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer srv.Close()

	c := NewOpenAI(srv.URL+"/v1/", "sk-test", "", srv.Client(), nil)
	body, err := collect(c.Stream(context.Background(), Request{Messages: history}))
	require.NoError(t, err)

	assert.Equal(t, DefaultOpenAIModel, got["model"])
	assert.Equal(t, true, got["stream"])
	assert.Len(t, got["messages"], 2)
	assert.Equal(t, "Hi", decodeText(t, c.Format(), body))
}

func TestBackendErrorStatus(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		message string
	}{
		{name: "openai error object", status: 429, body: `{"error":{"message":"Rate limit reached"}}`, message: "Rate limit reached"},
		{name: "fastapi detail", status: 500, body: `{"detail":"model unavailable"}`, message: "model unavailable"},
		{name: "plain text", status: 502, body: "upstream down", message: "upstream down"},
		{name: "empty body", status: 503, body: "", message: "503 Service Unavailable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := collect(NewDataStream(srv.URL, srv.Client(), nil).Stream(context.Background(), Request{}))
			require.ErrorIs(t, err, domain.ErrBackend)

			var be *domain.BackendError
			require.True(t, errors.As(err, &be))
			assert.Equal(t, tt.status, be.Status)
			assert.Equal(t, tt.message, be.Message)
		})
	}
}

func TestTransportErrorOnUnreachableBackend(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := collect(NewDataStream(url, &http.Client{Timeout: time.Second}, nil).Stream(context.Background(), Request{}))
	require.ErrorIs(t, err, domain.ErrTransport)
	assert.False(t, errors.Is(err, domain.ErrBackend))
}

func TestStreamStopsSilentlyOnCancel(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`0:"partial"` + "\n"))
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var chunks int
	for chunk, err := range NewDataStream(srv.URL, srv.Client(), nil).Stream(ctx, Request{}) {
		require.NoError(t, err)
		require.NotEmpty(t, chunk)
		chunks++
		cancel()
	}
	assert.Equal(t, 1, chunks)
}

func TestEcho(t *testing.T) {
	e := NewEcho(0)
	body, err := collect(e.Stream(context.Background(), Request{Messages: history}))
	require.NoError(t, err)
	assert.Equal(t, "Hello", decodeText(t, e.Format(), body))

	body, err = collect(e.Stream(context.Background(), Request{Messages: []domain.Message{
		{Role: domain.RoleUser, Content: "first"},
		{Role: domain.RoleAssistant, Content: "first"},
		{Role: domain.RoleUser, Content: "say \"quoted\" ünïcode"},
	}}))
	require.NoError(t, err)
	assert.Equal(t, "say \"quoted\" ünïcode", decodeText(t, e.Format(), body))
}

func TestEchoHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	body, err := collect(NewEcho(time.Hour).Stream(ctx, Request{Messages: history}))
	require.NoError(t, err)
	assert.Empty(t, body)
}

func TestNew(t *testing.T) {
	b, err := New(Options{}, nil)
	require.NoError(t, err)
	assert.Equal(t, KindEcho, b.Name())

	_, err = New(Options{Kind: KindDataStream}, nil)
	assert.Error(t, err)

	_, err = New(Options{Kind: KindOpenAI}, nil)
	assert.Error(t, err)

	b, err = New(Options{Kind: KindOpenAI, APIKey: "k"}, nil)
	require.NoError(t, err)
	assert.Equal(t, stream.FormatOpenAISSE, b.Format())

	_, err = New(Options{Kind: "carrier-pigeon"}, nil)
	assert.Error(t, err)
}
