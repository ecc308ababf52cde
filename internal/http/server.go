package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/example/parking-valet/internal/bus"
	"github.com/example/parking-valet/internal/models"
)

// FlowReader is the read side of the status store.
type FlowReader interface {
	Get(ctx context.Context, requestID string) (models.RequestFlow, error)
}

// HealthHandler serves liveness and readiness probes.
type HealthHandler interface {
	LiveEndpoint(http.ResponseWriter, *http.Request)
	ReadyEndpoint(http.ResponseWriter, *http.Request)
}

type Options struct {
	Store     FlowReader
	Publisher bus.Publisher
	Health    HealthHandler
	Logger    zerolog.Logger
	// PollInterval is how often a status stream re-reads its flow.
	PollInterval time.Duration
}

type Server struct {
	store  FlowReader
	pub    bus.Publisher
	health HealthHandler
	logger zerolog.Logger
	poll   time.Duration
	now    func() time.Time
	mux    *mux.Router
}

func NewServer(opts Options) *Server {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	s := &Server{
		store:  opts.Store,
		pub:    opts.Publisher,
		health: opts.Health,
		logger: opts.Logger.With().Str("component", "http").Logger(),
		poll:   opts.PollInterval,
		now:    time.Now,
		mux:    mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/checkins", s.handleSubmitCheckin).Methods(http.MethodPost)
	api.HandleFunc("/checkins/{requestId}", s.handleGetCheckin).Methods(http.MethodGet)
	api.HandleFunc("/checkins/{requestId}/spots", s.handleGetSpots).Methods(http.MethodGet)
	api.HandleFunc("/checkins/{requestId}/spot", s.handleGetSpot).Methods(http.MethodGet)
	api.HandleFunc("/checkins/{requestId}/operation", s.handleConfirmOperation).Methods(http.MethodPost)

	s.mux.HandleFunc("/ws/{requestId}", s.handleStream)
	s.mux.Handle("/metrics", promhttp.Handler())
	if s.health != nil {
		s.mux.HandleFunc("/healthz", s.health.ReadyEndpoint).Methods(http.MethodGet)
		s.mux.HandleFunc("/live", s.health.LiveEndpoint).Methods(http.MethodGet)
		s.mux.HandleFunc("/ready", s.health.ReadyEndpoint).Methods(http.MethodGet)
	} else {
		s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		}).Methods(http.MethodGet)
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

// apiResponse is the envelope every JSON endpoint answers with.
type apiResponse struct {
	Success bool     `json:"success"`
	Message string   `json:"message"`
	Data    any      `json:"data,omitempty"`
	Errors  []string `json:"errors,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, apiResponse{Success: false, Message: msg})
}
