package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/example/parking-valet/internal/auction"
	"github.com/example/parking-valet/internal/bus"
	"github.com/example/parking-valet/internal/config"
	"github.com/example/parking-valet/internal/logging"
	"github.com/example/parking-valet/internal/observability"
	"github.com/example/parking-valet/internal/saga"
	"github.com/example/parking-valet/internal/scheduler"
	"github.com/example/parking-valet/internal/spots"
	"github.com/example/parking-valet/internal/storage"
	"github.com/example/parking-valet/internal/topics"
)

func main() {
	cfg, cfgErr := config.LoadOrchestratorConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if cfgErr != nil {
		logger.Fatal().Err(cfgErr).Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	health := observability.NewHealth(10000)

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
	health.AddReadinessCheck("status-store", observability.PingCheck(store.Check, time.Second))
	logger.Info().Str("backend", kind).Msg("status store ready")

	sched := scheduler.New(cfg.SchedulerQueueSize, cfg.SchedulerMaxInFlight, logger)
	router := topics.NewRouter(topics.NewPahoTransport(topics.PahoConfig{
		BrokerURL: cfg.MQTT.BrokerURL,
		ClientID:  cfg.MQTT.ClientID,
		Username:  cfg.MQTT.Username,
		Password:  cfg.MQTT.Password,
		QoS:       byte(cfg.MQTT.QoS),
	}, logger), sched, logger)

	coord := auction.NewCoordinator(router, auction.Config{
		BidWindow:       cfg.BidWindow,
		AckTimeout:      cfg.AckTimeout,
		EarlyClose:      cfg.AuctionEarlyClose,
		ExpectedBidders: cfg.AuctionExpectedBidders,
		MinBattery:      cfg.AuctionMinBattery,
	}, logger)
	if err := coord.Register(router); err != nil {
		logger.Fatal().Err(err).Msg("register auction handlers")
	}

	pub := bus.NewKafkaPublisher(cfg.KafkaBrokers)
	defer func() { _ = pub.Close() }()

	orch := saga.New(store, pub, coord, logger)
	if err := orch.RegisterTelemetry(router); err != nil {
		logger.Fatal().Err(err).Msg("register telemetry handler")
	}
	events := bus.NewMux(logger)
	orch.Register(events)
	if cfg.SpotsEnabled {
		spots.New(spots.DefaultInventory(), cfg.SpotReservationTTL, pub, logger).Register(events)
		logger.Info().Dur("ttl", cfg.SpotReservationTTL).Msg("spot service enabled")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sched.Run(gctx) })

	if err := router.Connect(ctx); err != nil {
		logger.Fatal().Err(err).Str("broker", cfg.MQTT.BrokerURL).Msg("wildcard transport unreachable")
	}
	defer router.Close()
	health.AddReadinessCheck("mqtt", observability.ConnectedCheck(router.IsConnected))

	sub := bus.NewKafkaSubscriber(bus.SubscriberConfig{Brokers: cfg.KafkaBrokers, GroupID: cfg.KafkaGroup}, sched, logger)
	g.Go(func() error { return sub.Run(gctx, events) })

	ops := mux.NewRouter()
	ops.Handle("/metrics", promhttp.Handler())
	ops.HandleFunc("/healthz", health.ReadyEndpoint)
	ops.HandleFunc("/live", health.LiveEndpoint)
	ops.HandleFunc("/ready", health.ReadyEndpoint)
	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: ops, ReadHeaderTimeout: 5 * time.Second}
	g.Go(func() error {
		logger.Info().Str("addr", cfg.MetricsAddr).Msg("metrics/health listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	logger.Info().Strs("topics", events.Topics()).Msg("orchestrator running")
	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("orchestrator stopped with error")
		return
	}
	logger.Info().Msg("orchestrator stopped")
}
