package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// MQTTConfig holds the wildcard transport connection settings shared by the
// orchestrator and the robot simulator.
type MQTTConfig struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string
	QoS       int
}

// StoreConfig selects the status store backend. Postgres wins over Redis; with
// neither set the process keeps flows in memory.
type StoreConfig struct {
	PGDSN         string
	RedisAddr     string
	RedisPassword string
	RunMigrations bool
}

// OrchestratorConfig captures all tunable parameters for the saga process.
type OrchestratorConfig struct {
	KafkaBrokers []string
	KafkaGroup   string

	MQTT MQTTConfig

	BidWindow              time.Duration
	AckTimeout             time.Duration
	AuctionEarlyClose      bool
	AuctionExpectedBidders int
	AuctionMinBattery      int

	SchedulerQueueSize   int
	SchedulerMaxInFlight int

	Store StoreConfig

	SpotsEnabled       bool
	SpotReservationTTL time.Duration

	MetricsAddr     string
	ShutdownTimeout time.Duration
	LogLevel        string
}

func defaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		KafkaBrokers:         []string{"localhost:9092"},
		KafkaGroup:           "parking-orchestrator",
		MQTT:                 MQTTConfig{BrokerURL: "tcp://localhost:1883", ClientID: "parking-orchestrator", QoS: 1},
		BidWindow:            3 * time.Second,
		AckTimeout:           2 * time.Second,
		SchedulerQueueSize:   1024,
		SchedulerMaxInFlight: 64,
		SpotsEnabled:         true,
		SpotReservationTTL:   15 * time.Minute,
		MetricsAddr:          ":2112",
		ShutdownTimeout:      15 * time.Second,
		LogLevel:             "info",
	}
}

func LoadOrchestratorConfig() (OrchestratorConfig, error) {
	cfg := defaultOrchestratorConfig()
	var errs []error

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")

	loadMQTT(&cfg.MQTT, &errs)

	setDurationFromEnv(&cfg.BidWindow, "BID_WINDOW", &errs)
	setDurationFromEnv(&cfg.AckTimeout, "ACK_TIMEOUT", &errs)
	setBoolFromEnv(&cfg.AuctionEarlyClose, "AUCTION_EARLY_CLOSE", &errs)
	setIntFromEnv(&cfg.AuctionExpectedBidders, "AUCTION_EXPECTED_BIDDERS", &errs)
	setIntFromEnv(&cfg.AuctionMinBattery, "AUCTION_MIN_BATTERY", &errs)

	setIntFromEnv(&cfg.SchedulerQueueSize, "SCHEDULER_QUEUE_SIZE", &errs)
	setIntFromEnv(&cfg.SchedulerMaxInFlight, "SCHEDULER_MAX_IN_FLIGHT", &errs)

	loadStore(&cfg.Store)

	setBoolFromEnv(&cfg.SpotsEnabled, "SPOTS_ENABLED", &errs)
	setDurationFromEnv(&cfg.SpotReservationTTL, "SPOT_RESERVATION_TTL", &errs)

	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	setDurationFromEnv(&cfg.ShutdownTimeout, "SHUTDOWN_TIMEOUT", &errs)
	loadLogLevel(&cfg.LogLevel)

	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS must list at least one broker"))
	}
	if cfg.BidWindow <= 0 {
		errs = append(errs, fmt.Errorf("BID_WINDOW must be > 0"))
	}
	if cfg.AckTimeout <= 0 {
		errs = append(errs, fmt.Errorf("ACK_TIMEOUT must be > 0"))
	}
	if cfg.AuctionExpectedBidders < 0 {
		errs = append(errs, fmt.Errorf("AUCTION_EXPECTED_BIDDERS must be >= 0"))
	}
	if cfg.AuctionMinBattery < 0 || cfg.AuctionMinBattery > 100 {
		errs = append(errs, fmt.Errorf("AUCTION_MIN_BATTERY must be within 0-100"))
	}
	if cfg.SchedulerQueueSize <= 0 || cfg.SchedulerMaxInFlight <= 0 {
		errs = append(errs, fmt.Errorf("SCHEDULER_QUEUE_SIZE and SCHEDULER_MAX_IN_FLIGHT must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

// ServerConfig captures all tunable parameters for the HTTP API process.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	KafkaBrokers []string

	Store StoreConfig

	// StreamPollInterval is how often the websocket stream re-reads a flow.
	StreamPollInterval time.Duration

	LogLevel string
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:           ":8080",
		ReadTimeout:        5 * time.Second,
		WriteTimeout:       10 * time.Second,
		IdleTimeout:        120 * time.Second,
		ShutdownTimeout:    15 * time.Second,
		StreamPollInterval: 500 * time.Millisecond,
		LogLevel:           "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}

	loadStore(&cfg.Store)

	setDurationFromEnv(&cfg.StreamPollInterval, "STREAM_POLL_INTERVAL", &errs)
	loadLogLevel(&cfg.LogLevel)

	if cfg.StreamPollInterval <= 0 {
		errs = append(errs, fmt.Errorf("STREAM_POLL_INTERVAL must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

// SimulatorConfig configures a fleet of simulated robots.
type SimulatorConfig struct {
	MQTT MQTTConfig

	Robots           int
	RobotPrefix      string
	BidDelay         time.Duration
	SkipAck          bool
	ProgressSteps    int
	ProgressInterval time.Duration

	LogLevel string
}

func defaultSimulatorConfig() SimulatorConfig {
	return SimulatorConfig{
		MQTT:             MQTTConfig{BrokerURL: "tcp://localhost:1883", ClientID: "robotsim", QoS: 1},
		Robots:           3,
		RobotPrefix:      "RB",
		BidDelay:         200 * time.Millisecond,
		ProgressSteps:    5,
		ProgressInterval: time.Second,
		LogLevel:         "info",
	}
}

func LoadSimulatorConfig() (SimulatorConfig, error) {
	cfg := defaultSimulatorConfig()
	var errs []error

	loadMQTT(&cfg.MQTT, &errs)
	setIntFromEnv(&cfg.Robots, "SIM_ROBOTS", &errs)
	setStringFromEnv(&cfg.RobotPrefix, "SIM_ROBOT_PREFIX")
	setDurationFromEnv(&cfg.BidDelay, "SIM_BID_DELAY", &errs)
	setBoolFromEnv(&cfg.SkipAck, "SIM_SKIP_ACK", &errs)
	setIntFromEnv(&cfg.ProgressSteps, "SIM_PROGRESS_STEPS", &errs)
	setDurationFromEnv(&cfg.ProgressInterval, "SIM_PROGRESS_INTERVAL", &errs)
	loadLogLevel(&cfg.LogLevel)

	if cfg.Robots <= 0 {
		errs = append(errs, fmt.Errorf("SIM_ROBOTS must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

func loadMQTT(m *MQTTConfig, errs *[]error) {
	setStringFromEnv(&m.BrokerURL, "MQTT_BROKER_URL")
	setStringFromEnv(&m.ClientID, "MQTT_CLIENT_ID")
	m.Username = os.Getenv("MQTT_USERNAME")
	m.Password = os.Getenv("MQTT_PASSWORD")
	setIntFromEnv(&m.QoS, "MQTT_QOS", errs)
	if m.QoS < 0 || m.QoS > 2 {
		*errs = append(*errs, fmt.Errorf("MQTT_QOS must be 0, 1 or 2"))
	}
}

func loadStore(s *StoreConfig) {
	s.PGDSN = os.Getenv("PG_DSN")
	s.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	s.RedisPassword = os.Getenv("REDIS_PASSWORD")
	s.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")
}

func loadLogLevel(target *string) {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		*target = strings.ToLower(v)
	}
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setBoolFromEnv(target *bool, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = b
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
