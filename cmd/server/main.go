package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/example/parking-valet/internal/bus"
	"github.com/example/parking-valet/internal/config"
	httpapi "github.com/example/parking-valet/internal/http"
	"github.com/example/parking-valet/internal/logging"
	"github.com/example/parking-valet/internal/observability"
	"github.com/example/parking-valet/internal/storage"
)

func main() {
	cfg, cfgErr := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if cfgErr != nil {
		logger.Fatal().Err(cfgErr).Msg("invalid configuration")
	}
	if len(cfg.KafkaBrokers) == 0 {
		logger.Fatal().Msg("KAFKA_BROKERS is required to publish check-ins")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, kind, err := storage.Open(ctx, storage.Config{
		PGDSN:         cfg.Store.PGDSN,
		RedisAddr:     cfg.Store.RedisAddr,
		RedisPassword: cfg.Store.RedisPassword,
		Migrate:       cfg.Store.RunMigrations,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("status store unavailable")
	}
	defer func() { _ = store.Close() }()
	if kind == "memory" {
		logger.Warn().Msg("no PG_DSN or REDIS_ADDR set, reads will not see the orchestrator's writes")
	}

	pub := bus.NewKafkaPublisher(cfg.KafkaBrokers)
	defer func() { _ = pub.Close() }()

	health := observability.NewHealth(10000)
	health.AddReadinessCheck("status-store", observability.PingCheck(store.Check, time.Second))

	api := httpapi.NewServer(httpapi.Options{
		Store:        store,
		Publisher:    pub,
		Health:       health,
		Logger:       logger,
		PollInterval: cfg.StreamPollInterval,
	})
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("http shutdown")
		}
	}()

	logger.Info().Str("addr", cfg.HTTPAddr).Str("store", kind).Msg("parking-valet api listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("http server failed")
	}
}
