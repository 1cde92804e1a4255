package health

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
)

type fakeDB struct {
	down atomic.Bool
}

func (f *fakeDB) Ping(context.Context) error {
	if f.down.Load() {
		return errors.New("database is closed")
	}
	return nil
}

func startServer(t *testing.T, cfg Config) (*Server, healthpb.HealthClient) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := NewServer(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ctx, lis) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = conn.Close()
		cancel()
		srv.Stop()
		assert.NoError(t, <-errCh)
	})
	return srv, healthpb.NewHealthClient(conn)
}

func status(t *testing.T, client healthpb.HealthClient, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	require.NoError(t, err)
	return resp.GetStatus()
}

func TestHealthServing(t *testing.T) {
	_, client := startServer(t, Config{DB: &fakeDB{}, Accepting: func() bool { return true }, Interval: time.Hour})

	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, status(t, client, ""))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, status(t, client, ChatService))
}

func TestHealthFollowsDatabaseAndSessions(t *testing.T) {
	db := &fakeDB{}
	var accepting atomic.Bool
	accepting.Store(true)
	srv, client := startServer(t, Config{DB: db, Accepting: accepting.Load, Interval: time.Hour})

	accepting.Store(false)
	srv.Check(context.Background())
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, status(t, client, ""))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, status(t, client, ChatService))

	db.down.Store(true)
	accepting.Store(true)
	srv.Check(context.Background())
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, status(t, client, ""))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, status(t, client, ChatService))
}

func TestHealthUnknownService(t *testing.T) {
	_, client := startServer(t, Config{Interval: time.Hour})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: "nope"})
	require.Error(t, err)
}
