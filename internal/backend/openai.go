package backend

import (
	"context"
	"iter"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ashureev/streamchat/internal/domain"
	"github.com/ashureev/streamchat/internal/stream"
)

// Defaults for the OpenAI-compatible backend.
const (
	DefaultOpenAIBaseURL = "https://api.openai.com/v1"
	DefaultOpenAIModel   = "gpt-4o"
)

// OpenAIClient streams from an OpenAI-compatible chat completions endpoint.
type OpenAIClient struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
	logger  *slog.Logger
}

// NewOpenAI returns a client. Empty baseURL and model fall back to the defaults.
func NewOpenAI(baseURL, apiKey, model string, client *http.Client, logger *slog.Logger) *OpenAIClient {
	if baseURL == "" {
		baseURL = DefaultOpenAIBaseURL
	}
	if model == "" {
		model = DefaultOpenAIModel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		client:  client,
		logger:  logger,
	}
}

// Name implements Backend.
func (c *OpenAIClient) Name() string { return KindOpenAI }

// Format implements Backend.
func (c *OpenAIClient) Format() stream.Format { return stream.FormatOpenAISSE }

type openAIRequest struct {
	Model         string           `json:"model"`
	Messages      []domain.Message `json:"messages"`
	Stream        bool             `json:"stream"`
	StreamOptions struct {
		IncludeUsage bool `json:"include_usage"`
	} `json:"stream_options"`
}

// Stream implements Backend.
func (c *OpenAIClient) Stream(ctx context.Context, req Request) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		body := openAIRequest{Model: c.model, Messages: req.Messages, Stream: true}
		body.StreamOptions.IncludeUsage = true

		c.logger.Debug("openai request",
			"session_id", req.SessionID,
			"request_id", req.RequestID,
			"model", c.model,
			"messages", len(req.Messages))

		header := http.Header{}
		header.Set("Authorization", "Bearer "+c.apiKey)
		header.Set("Accept", "text/event-stream")
		postJSON(ctx, c.client, c.baseURL+"/chat/completions", header, body, yield)
	}
}
