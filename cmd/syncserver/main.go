package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Guizzs26/go-localsync/internal/broker"
	"github.com/Guizzs26/go-localsync/internal/config"
	"github.com/Guizzs26/go-localsync/internal/db"
	"github.com/Guizzs26/go-localsync/internal/processor"
	"github.com/Guizzs26/go-localsync/internal/server"
	"github.com/Guizzs26/go-localsync/internal/tablespec"
	"github.com/Guizzs26/go-localsync/pkg/infra"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// firebirdScheme selects the Firebird upstream; anything else is handed to pgx
const firebirdScheme = "firebird://"

type upstream interface {
	processor.Applier
	server.Reader
}

func main() {
	cfg := config.Load()
	logger := infra.SetupLogger(cfg)
	slog.SetDefault(logger)

	// Graceful Shutdown Context
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("🔥 Sync server initializing...", "listen", cfg.ListenAddr)

	repo, closeRepo, err := openUpstream(ctx, cfg.UpstreamDatabaseURL, logger)
	if err != nil {
		logger.Error("CRITICAL: upstream connection failed", "error", err)
		os.Exit(1)
	}
	defer closeRepo()

	registry := tablespec.DefaultRegistry()
	tokens := server.NewTokenIssuer(cfg.TokenTTL)
	handler := processor.NewSyncHandler(repo, registry, logger)

	go startObservabilityServer(cfg.MetricsPort, logger)
	go consumeUploads(ctx, cfg, handler, tokens, logger)

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      server.New(tokens, handler, repo, registry, logger).Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("✅ Sync API online", "addr", cfg.ListenAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Sync API failed", "error", err)
		os.Exit(1)
	}
	logger.Info("🛑 Sync server stopped")
}

func openUpstream(ctx context.Context, url string, logger *slog.Logger) (upstream, func(), error) {
	if dsn, ok := strings.CutPrefix(url, firebirdScheme); ok {
		repo, err := db.NewFirebirdRepository(dsn, logger)
		if err != nil {
			return nil, nil, err
		}
		return repo, func() { repo.Close() }, nil
	}

	repo, err := db.NewPostgresRepository(ctx, url, logger)
	if err != nil {
		return nil, nil, err
	}
	return repo, repo.Close, nil
}

// consumeUploads applies batches published by AMQP clients, reconnecting with
// backoff until ctx is done
func consumeUploads(ctx context.Context, cfg *config.Config, handler *processor.SyncHandler, tokens *server.TokenIssuer, logger *slog.Logger) {
	if cfg.RabbitMQURL == "" {
		logger.Info("RABBITMQ_URL empty, AMQP uploads disabled")
		return
	}

	connBackoff := infra.NewBackoff(1*time.Second, 60*time.Second, 2.0)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		consumer, err := broker.NewRabbitMQConsumer(cfg.RabbitMQURL, cfg.UploadExchange, cfg.UploadQueue, handler, tokens, logger)
		if err != nil {
			wait := connBackoff.Next()
			logger.Error("RabbitMQ connection failed, retrying...",
				"wait_duration", wait,
				"error", err,
			)

			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
				continue
			}
		}

		connBackoff.Reset()
		logger.Info("✅ Connected to Broker. Listening for uploads...")

		if err := consumer.Listen(ctx); err != nil {
			logger.Error("⚠️ Consumer connection lost", "error", err)
		}
		consumer.Close()
	}
}

func startObservabilityServer(port string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	logger.Info("📊 Observability server online", "url", "http://localhost:"+port+"/metrics")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("Observability server failed", "error", err)
	}
}
