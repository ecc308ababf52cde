package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/example/parking-valet/internal/config"
	"github.com/example/parking-valet/internal/logging"
	"github.com/example/parking-valet/internal/scheduler"
	"github.com/example/parking-valet/internal/simulator"
	"github.com/example/parking-valet/internal/topics"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "robotsim: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadSimulatorConfig()
	if err != nil {
		return err
	}

	flagSet := pflag.NewFlagSet("robotsim", pflag.ContinueOnError)
	flagSet.IntVar(&cfg.Robots, "robots", cfg.Robots, "number of simulated robots")
	flagSet.StringVar(&cfg.RobotPrefix, "prefix", cfg.RobotPrefix, "robot id prefix")
	flagSet.StringVar(&cfg.MQTT.BrokerURL, "broker", cfg.MQTT.BrokerURL, "MQTT broker URL")
	flagSet.DurationVar(&cfg.BidDelay, "bid-delay", cfg.BidDelay, "delay before a robot answers a job call")
	flagSet.BoolVar(&cfg.SkipAck, "skip-ack", cfg.SkipAck, "never acknowledge assignments")
	flagSet.IntVar(&cfg.ProgressSteps, "progress-steps", cfg.ProgressSteps, "status reports sent after an acknowledgment")
	flagSet.DurationVar(&cfg.ProgressInterval, "progress-interval", cfg.ProgressInterval, "time between status reports")
	flagSet.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if cfg.Robots < 1 {
		return fmt.Errorf("--robots must be at least 1, got %d", cfg.Robots)
	}

	logger := logging.NewLogger(cfg.LogLevel)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sched := scheduler.New(256, 32, logger)
	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		_ = sched.Run(ctx)
	}()

	// Every robot owns a client so each one receives its copy of jobs/call/+.
	routers := make([]*topics.Router, 0, cfg.Robots)
	defer func() {
		for _, r := range routers {
			r.Close()
		}
	}()
	for i := 1; i <= cfg.Robots; i++ {
		robotID := fmt.Sprintf("%s-%d", cfg.RobotPrefix, i)
		rlog := logger.With().Str("robotId", robotID).Logger()
		router := topics.NewRouter(topics.NewPahoTransport(topics.PahoConfig{
			BrokerURL: cfg.MQTT.BrokerURL,
			ClientID:  cfg.MQTT.ClientID + "-" + robotID,
			Username:  cfg.MQTT.Username,
			Password:  cfg.MQTT.Password,
			QoS:       byte(cfg.MQTT.QoS),
		}, rlog), sched, rlog)
		routers = append(routers, router)

		robot := simulator.NewRobot(simulator.Config{
			RobotID:          robotID,
			Battery:          50 + rand.Intn(51),
			ETASeconds:       5 + rand.Intn(16),
			Location:         fmt.Sprintf("dock-%d", i),
			BidDelay:         cfg.BidDelay,
			SkipAck:          cfg.SkipAck,
			ProgressSteps:    cfg.ProgressSteps,
			ProgressInterval: cfg.ProgressInterval,
		}, router, rlog)
		if err := robot.Start(); err != nil {
			return fmt.Errorf("start %s: %w", robotID, err)
		}
		if err := router.Connect(ctx); err != nil {
			return fmt.Errorf("connect %s: %w", robotID, err)
		}
	}

	logger.Info().Int("robots", cfg.Robots).Str("broker", cfg.MQTT.BrokerURL).Msg("robot simulator running")
	<-ctx.Done()
	<-schedDone
	logger.Info().Msg("robot simulator stopped")
	return nil
}
