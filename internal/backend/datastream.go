package backend

import (
	"context"
	"iter"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/ashureev/streamchat/internal/domain"
	"github.com/ashureev/streamchat/internal/stream"
)

// DataStreamClient talks to a chat endpoint that answers with the AI SDK
// data stream protocol, such as the FastAPI /api/chat route.
type DataStreamClient struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

// NewDataStream returns a client for endpoint. The protocol=data query
// parameter is added when missing.
func NewDataStream(endpoint string, client *http.Client, logger *slog.Logger) *DataStreamClient {
	if logger == nil {
		logger = slog.Default()
	}
	if u, err := url.Parse(endpoint); err == nil {
		q := u.Query()
		if q.Get("protocol") == "" {
			q.Set("protocol", "data")
			u.RawQuery = q.Encode()
		}
		endpoint = u.String()
	}
	return &DataStreamClient{url: endpoint, client: client, logger: logger}
}

// Name implements Backend.
func (c *DataStreamClient) Name() string { return KindDataStream }

// Format implements Backend.
func (c *DataStreamClient) Format() stream.Format { return stream.FormatDataStream }

type dataStreamRequest struct {
	Messages []domain.Message `json:"messages"`
}

// Stream implements Backend.
func (c *DataStreamClient) Stream(ctx context.Context, req Request) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		c.logger.Debug("datastream request",
			"session_id", req.SessionID,
			"request_id", req.RequestID,
			"messages", len(req.Messages))

		header := http.Header{}
		header.Set("Accept", "text/plain")
		if req.RequestID != "" {
			header.Set("X-Request-Id", req.RequestID)
		}
		postJSON(ctx, c.client, c.url, header, dataStreamRequest{Messages: req.Messages}, yield)
	}
}
