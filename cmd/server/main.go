package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"broadcast-orchestrator/internal/platform/config"
	"broadcast-orchestrator/internal/platform/database"
	"broadcast-orchestrator/internal/platform/logger"
	"broadcast-orchestrator/internal/platform/metrics"
	"broadcast-orchestrator/internal/session"
	"broadcast-orchestrator/internal/signature"
	"broadcast-orchestrator/internal/store/pgstore"
	"broadcast-orchestrator/internal/store/redisstore"
	"broadcast-orchestrator/internal/webhook"

	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = config.Load()
	cfg := config.FromEnv()
	log := logger.New(cfg.LogLevel, cfg.LogFormat)

	if err := run(cfg, log); err != nil {
		log.Error("server error", "error", err)
		os.Exit(1)
	}
	log.Info("server stopped")
}

func run(cfg config.Server, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, dedup, closer, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closer.Close()

	met := metrics.New()
	svc := session.NewService(store, log, session.WithMetrics(met))
	verifier := signature.NewVerifier(signature.Config{
		LiveKitAPIKey:    cfg.LiveKitAPIKey,
		LiveKitAPISecret: cfg.LiveKitAPISecret,
		MuxSigningSecret: cfg.MuxSigningSecret,
		Tolerance:        cfg.WebhookTolerance,
	})
	if cfg.LiveKitAPISecret == "" || cfg.MuxSigningSecret == "" {
		log.Warn("webhook signing secrets incomplete, unsigned providers will be rejected")
	}

	router := newRouter(routerDeps{
		log:      log,
		metrics:  met,
		svc:      svc,
		sessions: session.NewHandler(svc, log),
		webhooks: webhook.NewHandler(svc, verifier, dedup, log, met, cfg.WebhookMaxBodyBytes),
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	log.Info("server starting",
		"port", cfg.Port,
		"store_backend", cfg.StoreBackend,
		"log_level", cfg.LogLevel,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown signal received, draining connections")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// openStore builds the session store and webhook deduper for cfg.StoreBackend.
func openStore(ctx context.Context, cfg config.Server) (session.Store, webhook.Deduper, io.Closer, error) {
	noop := closerFunc(func() error { return nil })

	switch cfg.StoreBackend {
	case "", "memory":
		return session.NewInMemoryStore(), webhook.NewMemoryDeduper(cfg.WebhookDedupTTL), noop, nil

	case "redis":
		client, err := redisstore.Connect(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, nil, err
		}
		return redisstore.New(client, cfg.RedisKeyPrefix),
			webhook.NewRedisDeduper(client, cfg.RedisKeyPrefix, cfg.WebhookDedupTTL),
			client, nil

	case "postgres":
		if err := database.Migrate(cfg.DatabaseURL, "up"); err != nil {
			return nil, nil, nil, err
		}
		db, err := database.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, nil, err
		}
		return pgstore.New(db), webhook.NewMemoryDeduper(cfg.WebhookDedupTTL), db, nil

	default:
		return nil, nil, nil, fmt.Errorf("unknown STORE_BACKEND %q", cfg.StoreBackend)
	}
}
