package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "parking_valet"

var (
	StageTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "stage_transitions_total", Help: "Flow stage writes by stage"},
		[]string{"stage"},
	)
	ReservationFailures = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "reservation_failures_total", Help: "spot.reserved events without a spot"})
	DuplicateEvents     = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "duplicate_events_total", Help: "Redelivered events absorbed by idempotence guards"},
		[]string{"topic"},
	)

	AuctionOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "auction_outcomes_total", Help: "Terminal auction outcomes"},
		[]string{"outcome"},
	)
	AuctionDuration = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "auction_duration_seconds", Help: "Time from call-for-bids to terminal outcome", Buckets: prometheus.DefBuckets})
	BidsReceived    = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "auction_bids_total", Help: "Bids received by result"},
		[]string{"result"}, // accepted|ignored|invalid
	)

	RouterMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "router_messages_total", Help: "Inbound wildcard-transport messages by result"},
		[]string{"result"}, // dispatched|unhandled|malformed|dropped
	)
	RobotBattery = promauto.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: namespace, Name: "robot_battery_percent", Help: "Last battery level reported by a robot"},
		[]string{"robot"},
	)
	RobotProgress = promauto.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: namespace, Name: "robot_operation_progress_percent", Help: "Last operation progress reported by a robot"},
		[]string{"robot"},
	)

	BusConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "bus_messages_consumed_total", Help: "Bus messages consumed by topic"},
		[]string{"topic"},
	)
	BusHandlerErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "bus_handler_errors_total", Help: "Bus handler failures by topic"},
		[]string{"topic"},
	)
	BusPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "bus_messages_published_total", Help: "Bus messages published by topic"},
		[]string{"topic"},
	)

	SpotReservations = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "spot_reservations_total", Help: "Spot reservation attempts by result"},
		[]string{"result"}, // reserved|replayed|exhausted
	)

	CheckinsSubmitted = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "checkins_submitted_total", Help: "Check-ins accepted by the intake endpoint"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
