// Streaming chat server.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/ashureev/streamchat/internal/api"
	"github.com/ashureev/streamchat/internal/backend"
	"github.com/ashureev/streamchat/internal/chat"
	"github.com/ashureev/streamchat/internal/config"
	"github.com/ashureev/streamchat/internal/convlog"
	"github.com/ashureev/streamchat/internal/health"
	"github.com/ashureev/streamchat/internal/identity"
	"github.com/ashureev/streamchat/internal/middleware"
	"github.com/ashureev/streamchat/internal/realtime"
	"github.com/ashureev/streamchat/internal/store"
	"github.com/ashureev/streamchat/web"
)

const (
	archiveQueueSize = 1000
	storeOpTimeout   = 5 * time.Second
	shutdownTimeout  = 10 * time.Second
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(".env.local", ".env"); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Server stopped successfully")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	slog.Info("Starting server",
		"port", cfg.Port,
		"grpc_health_port", cfg.GRPCHealthPort,
		"backend", cfg.Backend.Kind,
		"dev", cfg.IsDevelopment())

	// Storage.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()
	if err := repo.Ping(context.Background()); err != nil {
		return err
	}
	slog.Info("Database connected", "path", cfg.DBPath)

	archiver := store.NewArchiver(repo, archiveQueueSize, logger)
	defer archiver.Close()

	conv, err := convlog.New(convlog.Config{
		Enabled:       cfg.ConversationLog.Enabled,
		Dir:           cfg.ConversationLog.Dir,
		GlobalEnabled: cfg.ConversationLog.GlobalEnabled,
		GlobalPath:    cfg.ConversationLog.GlobalPath,
		QueueSize:     cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := conv.Close(); closeErr != nil {
			slog.Error("Failed to close conversation log", "error", closeErr)
		}
	}()

	sinks := chat.MultiSink{archiver}
	if w, ok := conv.(*convlog.Writer); ok {
		sinks = append(sinks, w)
	}

	// Chat core.
	b, err := backend.New(backend.Options{
		Kind:      cfg.Backend.Kind,
		URL:       cfg.Backend.URL,
		APIKey:    cfg.Backend.OpenAIAPIKey,
		BaseURL:   cfg.Backend.OpenAIBaseURL,
		Model:     cfg.Backend.OpenAIModel,
		EchoDelay: cfg.Backend.EchoDelay,
	}, logger)
	if err != nil {
		return err
	}
	slog.Info("Backend initialized", "backend", b.Name())

	mgr := chat.NewManager(b, chat.ManagerConfig{
		SystemPrompt:  cfg.Chat.SystemPrompt,
		MaxInputBytes: cfg.Chat.MaxInputBytes,
		IdleTimeout:   cfg.Chat.IdleTimeout,
		Sink:          sinks,
		Logger:        logger,
	})
	defer mgr.CloseAll()

	conns := realtime.NewConnections()
	mgr.OnCreate(func(s *chat.Session) {
		rec := s.Record()
		ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
		defer cancel()
		if err := repo.UpsertChatSession(ctx, &rec); err != nil {
			slog.Warn("Failed to record chat session", "error", err, "user_id", rec.UserID, "session_id", rec.SessionID)
		}
	})
	mgr.OnClose(conns.Close)
	mgr.OnClose(func(userID, sessionID string) {
		ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
		defer cancel()
		if err := repo.DeleteChatSession(ctx, userID, sessionID); err != nil {
			slog.Warn("Failed to delete chat session", "error", err, "user_id", userID, "session_id", sessionID)
		}
	})

	limiter := api.NewRateLimiter(cfg.RateLimit.PerMinute, cfg.RateLimit.Burst)
	defer limiter.Close()

	// Handlers.
	healthHandler := api.NewHealthHandler(repo, mgr.Count)
	chatHandler := api.NewChatHandler(mgr, repo, limiter, api.ChatConfig{
		MaxRequestBodySize: cfg.MaxRequestBodyBytes,
		SSEKeepalive:       cfg.SSE.Keepalive,
		SSERetry:           cfg.SSE.Retry,
		Title:              cfg.Chat.Title,
		Subtitle:           cfg.Chat.Subtitle,
	})
	wsHandler := realtime.NewHandler(mgr, conns, limiter, cfg.AllowedOrigins, cfg.IsDevelopment())

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(cfg.AllowedOrigins))
	r.Use(identity.Middleware(repo, cfg.IsDevelopment()))

	healthHandler.RegisterHealth(r)
	chatHandler.RegisterRoutes(r)
	r.Get("/ws/chat", wsHandler.ServeHTTP)

	// Serve embedded frontend (SPA catch-all).
	r.Handle("/*", web.SPAHandler())

	// SSE streams stay open for the whole session, so no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	healthSrv := health.NewServer(health.Config{
		DB:        repo,
		Accepting: func() bool { return !mgr.Closed() },
		Logger:    logger,
	})
	lis, err := net.Listen("tcp", ":"+cfg.GRPCHealthPort)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mgr.StartReaper(ctx, chat.ReaperConfig{
		TTL:      cfg.SessionTTL,
		Interval: cfg.SessionReapInterval,
		AfterSweep: func(ctx context.Context) {
			n, err := repo.CleanupArchive(ctx, cfg.ArchiveRetention)
			if err != nil {
				slog.Warn("Failed to prune turn archive", "error", err)
				return
			}
			if n > 0 {
				slog.Info("Pruned turn archive", "deleted", n)
			}
		},
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return healthSrv.Serve(gctx, lis)
	})
	g.Go(func() error {
		// Wait for a shutdown signal or a failed listener.
		<-gctx.Done()
		slog.Info("Shutting down gracefully...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		healthSrv.Stop()
		mgr.CloseAll()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server forced to shutdown", "error", err)
			return err
		}
		return nil
	})

	err = g.Wait()
	if n := archiver.Dropped(); n > 0 {
		slog.Warn("Turn archive dropped records", "count", n)
	}
	return err
}
