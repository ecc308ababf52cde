// Package spots is the spot-management service the saga talks to over the bus.
// It answers consult requests with the unreserved spots and reserves one spot
// per check-in for a limited time.
package spots

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"

	"github.com/example/parking-valet/internal/bus"
	"github.com/example/parking-valet/internal/models"
	"github.com/example/parking-valet/internal/observability"
)

const DefaultReservationTTL = 15 * time.Minute

func DefaultInventory() []models.Spot {
	return []models.Spot{
		{SpotID: "S-12", Level: "2", Position: "A3", Available: true},
		{SpotID: "S-15", Level: "2", Position: "B1", Available: true},
	}
}

type Service struct {
	inventory []models.Spot
	ttl       time.Duration
	mu        sync.Mutex
	// holders maps spotId to the requestId holding it; held maps requestId to its spot.
	holders *cache.Cache
	held    *cache.Cache
	pub     bus.Publisher
	log     zerolog.Logger
	now     func() time.Time
}

func New(inventory []models.Spot, ttl time.Duration, pub bus.Publisher, logger zerolog.Logger) *Service {
	if ttl <= 0 {
		ttl = DefaultReservationTTL
	}
	if len(inventory) == 0 {
		inventory = DefaultInventory()
	}
	return &Service{
		inventory: append([]models.Spot(nil), inventory...),
		ttl:       ttl,
		holders:   cache.New(ttl, 2*ttl),
		held:      cache.New(ttl, 2*ttl),
		pub:       pub,
		log:       logger.With().Str("component", "spots").Logger(),
		now:       time.Now,
	}
}

func (s *Service) Register(mux *bus.Mux) {
	mux.Handle(bus.TopicSpotConsultRequested, s.HandleConsultRequested)
	mux.Handle(bus.TopicSpotReserveRequested, s.HandleReserveRequested)
}

// Available returns the inventory spots without a live reservation.
func (s *Service) Available() []models.Spot {
	out := make([]models.Spot, 0, len(s.inventory))
	for _, sp := range s.inventory {
		if _, taken := s.holders.Get(sp.SpotID); taken {
			continue
		}
		out = append(out, sp)
	}
	return out
}

// Reserve hands requestID a spot. A request that already holds a live reservation
// gets the same spot back. ok is false when every spot is taken.
func (s *Service) Reserve(requestID string) (spot models.Spot, replayed bool, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, found := s.held.Get(requestID); found {
		return v.(models.Spot), true, true
	}
	for _, sp := range s.inventory {
		if err := s.holders.Add(sp.SpotID, requestID, s.ttl); err != nil {
			continue
		}
		until := s.now().Add(s.ttl).UTC()
		sp.Available = false
		sp.ReservedUntil = &until
		s.held.Set(requestID, sp, s.ttl)
		return sp, false, true
	}
	return models.Spot{}, false, false
}

// Release drops requestID's reservation, if any.
func (s *Service) Release(requestID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, found := s.held.Get(requestID)
	if !found {
		return
	}
	s.held.Delete(requestID)
	s.holders.Delete(v.(models.Spot).SpotID)
}

func (s *Service) HandleConsultRequested(ctx context.Context, msg bus.Message) error {
	var ev models.SpotConsultRequested
	if err := msg.Decode(&ev); err != nil {
		s.log.Warn().Err(err).Msg("dropping undecodable consult request")
		return nil
	}
	if err := ev.Validate(); err != nil {
		s.log.Warn().Err(err).Msg("dropping invalid consult request")
		return nil
	}
	available := s.Available()
	s.log.Info().Str("requestId", ev.RequestID).Int("available", len(available)).Msg("spots consulted")
	return s.pub.Publish(ctx, bus.TopicSpotConsultCompleted, ev.RequestID, models.SpotConsultCompleted{
		RequestID:       ev.RequestID,
		VehicleCategory: ev.VehicleCategory,
		Spots:           available,
	})
}

func (s *Service) HandleReserveRequested(ctx context.Context, msg bus.Message) error {
	var ev models.SpotReserveRequested
	if err := msg.Decode(&ev); err != nil {
		s.log.Warn().Err(err).Msg("dropping undecodable reserve request")
		return nil
	}
	if err := ev.Validate(); err != nil {
		s.log.Warn().Err(err).Msg("dropping invalid reserve request")
		return nil
	}

	out := models.SpotReserved{RequestID: ev.RequestID}
	spot, replayed, ok := s.Reserve(ev.RequestID)
	switch {
	case !ok:
		observability.SpotReservations.WithLabelValues("exhausted").Inc()
		s.log.Warn().Str("requestId", ev.RequestID).Msg("no spot available")
	case replayed:
		observability.SpotReservations.WithLabelValues("replayed").Inc()
		out.Spot = &spot
	default:
		observability.SpotReservations.WithLabelValues("reserved").Inc()
		s.log.Info().Str("requestId", ev.RequestID).Str("spotId", spot.SpotID).Time("reservedUntil", *spot.ReservedUntil).Msg("spot reserved")
		out.Spot = &spot
	}
	if err := s.pub.Publish(ctx, bus.TopicSpotReserved, ev.RequestID, out); err != nil {
		return fmt.Errorf("publish spot.reserved: %w", err)
	}
	return nil
}
