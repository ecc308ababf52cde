// Package saga advances each check-in through its stages. Every handler consumes
// one bus event, writes the flow's new stage to the status store and only then
// publishes the follow-up event.
package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/EagleChen/mapmutex"
	"github.com/rs/zerolog"

	"github.com/example/parking-valet/internal/auction"
	"github.com/example/parking-valet/internal/bus"
	"github.com/example/parking-valet/internal/models"
	"github.com/example/parking-valet/internal/observability"
	"github.com/example/parking-valet/internal/storage"
	"github.com/example/parking-valet/internal/topics"
)

// ErrFlowBusy is returned when another event for the same flow is still being handled.
// The event stays uncommitted and is delivered again.
var ErrFlowBusy = errors.New("flow busy")

const StatusPattern = "robots/+/status"

// Flow lock retry budget: about 30 tries with backoff from 100µs capped at 2ms,
// so a busy flow gives up within tens of milliseconds and the event is redelivered.
const (
	lockMaxRetry    = 30
	lockMaxDelayNs  = 2e6
	lockBaseDelayNs = 1e5
	lockFactor      = 1.5
	lockJitter      = 0.2
)

func newFlowLocks() *mapmutex.Mutex {
	return mapmutex.NewCustomizedMapMutex(lockMaxRetry, lockMaxDelayNs, lockBaseDelayNs, lockFactor, lockJitter)
}

// Auctioneer runs the robot auction and drives the assigned robot.
type Auctioneer interface {
	Run(ctx context.Context, requestID string, job auction.JobInfo) (auction.Outcome, error)
	StartOperation(ctx context.Context, requestID, robotID string) error
}

type Orchestrator struct {
	store    storage.StatusStore
	pub      bus.Publisher
	auctions Auctioneer
	locks    *mapmutex.Mutex
	log      zerolog.Logger
	now      func() time.Time
}

func New(store storage.StatusStore, pub bus.Publisher, auctions Auctioneer, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		store:    store,
		pub:      pub,
		auctions: auctions,
		locks:    newFlowLocks(),
		log:      logger.With().Str("component", "saga").Logger(),
		now:      time.Now,
	}
}

// Register binds every saga handler on mux.
func (o *Orchestrator) Register(mux *bus.Mux) {
	mux.Handle(bus.TopicCheckinSubmitted, o.HandleCheckinSubmitted)
	mux.Handle(bus.TopicSpotConsultCompleted, o.HandleSpotConsultCompleted)
	mux.Handle(bus.TopicSpotReserved, o.HandleSpotReserved)
	mux.Handle(bus.TopicRobotAssignRequested, o.HandleRobotAssignRequested)
	mux.Handle(bus.TopicOperationConfirmRequested, o.HandleOperationConfirmRequested)
}

// RegisterTelemetry subscribes to robot status reports on the wildcard transport.
func (o *Orchestrator) RegisterTelemetry(s auction.Subscriber) error {
	return s.Subscribe(StatusPattern, o.HandleRobotStatus)
}

type validator interface{ Validate() error }

// decode reports false when the event must be dropped.
func (o *Orchestrator) decode(msg bus.Message, v validator) bool {
	if err := msg.Decode(v); err != nil {
		o.log.Warn().Err(err).Str("topic", msg.Topic).Str("key", msg.Key).Msg("dropping undecodable event")
		return false
	}
	if err := v.Validate(); err != nil {
		o.log.Warn().Err(err).Str("topic", msg.Topic).Str("key", msg.Key).Msg("dropping invalid event")
		return false
	}
	return true
}

func (o *Orchestrator) lock(requestID string) (func(), error) {
	if !o.locks.TryLock(requestID) {
		return nil, fmt.Errorf("%w: %s", ErrFlowBusy, requestID)
	}
	return func() { o.locks.Unlock(requestID) }, nil
}

// current returns the stored flow, or a zero flow when none exists yet.
func (o *Orchestrator) current(ctx context.Context, requestID string) (models.RequestFlow, error) {
	flow, err := o.store.Get(ctx, requestID)
	if errors.Is(err, storage.ErrNotFound) {
		return models.RequestFlow{RequestID: requestID}, nil
	}
	return flow, err
}

func (o *Orchestrator) advance(ctx context.Context, requestID string, stage models.Stage, fields models.FlowFields) (models.RequestFlow, error) {
	flow, err := o.store.Upsert(ctx, requestID, stage, fields)
	if err != nil {
		return flow, err
	}
	observability.StageTransitions.WithLabelValues(string(stage)).Inc()
	o.log.Info().Str("requestId", requestID).Str("stage", string(stage)).Msg("stage written")
	return flow, nil
}

func (o *Orchestrator) duplicate(topic, requestID string, stage models.Stage) {
	observability.DuplicateEvents.WithLabelValues(topic).Inc()
	o.log.Info().Str("topic", topic).Str("requestId", requestID).Str("stage", string(stage)).Msg("dropping redelivered event")
}

func (o *Orchestrator) HandleCheckinSubmitted(ctx context.Context, msg bus.Message) error {
	var ev models.CheckinSubmitted
	if !o.decode(msg, &ev) {
		return nil
	}
	unlock, err := o.lock(ev.RequestID)
	if err != nil {
		return err
	}
	defer unlock()

	flow, err := o.current(ctx, ev.RequestID)
	if err != nil {
		return err
	}
	if flow.Stage.After(models.StageSubmitted) {
		o.duplicate(msg.Topic, ev.RequestID, flow.Stage)
		return nil
	}

	fields := models.FlowFields{
		VehicleCategory: ev.VehicleCategory,
		LicensePlate:    ev.LicensePlate,
		Intake: &models.Intake{
			Phone:          ev.Phone,
			Document:       ev.Document,
			SecurityChecks: ev.SecurityChecks,
			TermsAccepted:  ev.TermsAccepted,
			SubmittedAt:    ev.SubmittedAt,
		},
	}
	if _, err := o.advance(ctx, ev.RequestID, models.StageSubmitted, fields); err != nil {
		return err
	}
	return o.pub.Publish(ctx, bus.TopicSpotConsultRequested, ev.RequestID, models.SpotConsultRequested{
		RequestID:       ev.RequestID,
		VehicleCategory: ev.VehicleCategory,
	})
}

func (o *Orchestrator) HandleSpotConsultCompleted(ctx context.Context, msg bus.Message) error {
	var ev models.SpotConsultCompleted
	if !o.decode(msg, &ev) {
		return nil
	}
	unlock, err := o.lock(ev.RequestID)
	if err != nil {
		return err
	}
	defer unlock()

	flow, err := o.current(ctx, ev.RequestID)
	if err != nil {
		return err
	}
	if flow.Stage.After(models.StageSpotsConsulted) {
		o.duplicate(msg.Topic, ev.RequestID, flow.Stage)
		return nil
	}

	spots := ev.Spots
	if spots == nil {
		spots = []models.Spot{}
	}
	if _, err := o.advance(ctx, ev.RequestID, models.StageSpotsConsulted, models.FlowFields{CandidateSpots: spots}); err != nil {
		return err
	}
	category := ev.VehicleCategory
	if category == "" {
		category = flow.VehicleCategory
	}
	return o.pub.Publish(ctx, bus.TopicSpotReserveRequested, ev.RequestID, models.SpotReserveRequested{
		RequestID:       ev.RequestID,
		VehicleCategory: category,
	})
}

// HandleSpotReserved never replaces a reservation. A redelivery for a flow that
// already holds a spot re-publishes the assignment request with the stored spot
// while the flow still waits at SPOT_RESERVED and is dropped after that.
func (o *Orchestrator) HandleSpotReserved(ctx context.Context, msg bus.Message) error {
	var ev models.SpotReserved
	if !o.decode(msg, &ev) {
		return nil
	}
	unlock, err := o.lock(ev.RequestID)
	if err != nil {
		return err
	}
	defer unlock()

	flow, err := o.current(ctx, ev.RequestID)
	if err != nil {
		return err
	}
	if flow.ReservedSpot != nil {
		if flow.Stage != models.StageSpotReserved {
			o.duplicate(msg.Topic, ev.RequestID, flow.Stage)
			return nil
		}
		observability.DuplicateEvents.WithLabelValues(msg.Topic).Inc()
		o.log.Info().Str("requestId", ev.RequestID).Str("spotId", flow.ReservedSpot.SpotID).
			Msg("spot already reserved, re-publishing assignment request")
		return o.publishAssignRequest(ctx, ev.RequestID, *flow.ReservedSpot)
	}
	if flow.Stage.After(models.StageSpotReserved) {
		o.duplicate(msg.Topic, ev.RequestID, flow.Stage)
		return nil
	}

	if ev.Spot == nil {
		// TODO: close out failed reservations with a terminal event once downstream consumers agree on one.
		if _, err := o.advance(ctx, ev.RequestID, models.StageSpotReserved, models.FlowFields{}); err != nil {
			return err
		}
		observability.ReservationFailures.Inc()
		o.log.Warn().Str("requestId", ev.RequestID).Msg("reservation returned no spot, flow halted at SPOT_RESERVED")
		return nil
	}

	if _, err := o.advance(ctx, ev.RequestID, models.StageSpotReserved, models.FlowFields{ReservedSpot: ev.Spot}); err != nil {
		return err
	}
	return o.publishAssignRequest(ctx, ev.RequestID, *ev.Spot)
}

func (o *Orchestrator) publishAssignRequest(ctx context.Context, requestID string, spot models.Spot) error {
	return o.pub.Publish(ctx, bus.TopicRobotAssignRequested, requestID, models.RobotAssignRequested{
		RequestID: requestID,
		Spot:      spot,
	})
}

// HandleRobotAssignRequested runs the auction and maps its outcome to exactly one
// of robot.assigned.v1 or robot.none.v1.
func (o *Orchestrator) HandleRobotAssignRequested(ctx context.Context, msg bus.Message) error {
	var ev models.RobotAssignRequested
	if !o.decode(msg, &ev) {
		return nil
	}
	unlock, err := o.lock(ev.RequestID)
	if err != nil {
		return err
	}
	defer unlock()

	flow, err := o.current(ctx, ev.RequestID)
	if err != nil {
		return err
	}
	switch flow.Stage {
	case models.StageRobotAssigned:
		o.duplicate(msg.Topic, ev.RequestID, flow.Stage)
		return o.publishAssigned(ctx, flow, ev.Spot)
	case models.StageRobotNone:
		o.duplicate(msg.Topic, ev.RequestID, flow.Stage)
		return o.publishNone(ctx, ev.RequestID, flow.NoneReason)
	case models.StageOperationConfirmed:
		o.duplicate(msg.Topic, ev.RequestID, flow.Stage)
		return nil
	}

	if _, err := o.advance(ctx, ev.RequestID, models.StageRobotAssignRequested, models.FlowFields{}); err != nil {
		return err
	}
	spot := ev.Spot
	out, err := o.auctions.Run(ctx, ev.RequestID, auction.JobInfo{RequestID: ev.RequestID, Spot: &spot})
	if errors.Is(err, auction.ErrAuctionInProgress) {
		o.duplicate(msg.Topic, ev.RequestID, models.StageRobotAssignRequested)
		return nil
	}
	if err != nil {
		return fmt.Errorf("auction %s: %w", ev.RequestID, err)
	}

	if out.Confirmed() {
		flow, err := o.advance(ctx, ev.RequestID, models.StageRobotAssigned, models.FlowFields{AssignedRobotID: out.RobotID})
		if err != nil {
			return err
		}
		return o.publishAssigned(ctx, flow, ev.Spot)
	}
	if _, err := o.advance(ctx, ev.RequestID, models.StageRobotNone, models.FlowFields{NoneReason: out.Reason()}); err != nil {
		return err
	}
	return o.publishNone(ctx, ev.RequestID, out.Reason())
}

func (o *Orchestrator) publishAssigned(ctx context.Context, flow models.RequestFlow, spot models.Spot) error {
	if flow.ReservedSpot != nil {
		spot = *flow.ReservedSpot
	}
	return o.pub.Publish(ctx, bus.TopicRobotAssigned, flow.RequestID, models.RobotAssigned{
		RequestID: flow.RequestID,
		RobotID:   flow.AssignedRobotID,
		Spot:      spot,
	})
}

func (o *Orchestrator) publishNone(ctx context.Context, requestID, reason string) error {
	return o.pub.Publish(ctx, bus.TopicRobotNone, requestID, models.RobotNone{RequestID: requestID, Reason: reason})
}

// HandleOperationConfirmRequested starts the assigned robot once the customer
// confirms the hand-over.
func (o *Orchestrator) HandleOperationConfirmRequested(ctx context.Context, msg bus.Message) error {
	var ev models.OperationConfirmRequested
	if !o.decode(msg, &ev) {
		return nil
	}
	unlock, err := o.lock(ev.RequestID)
	if err != nil {
		return err
	}
	defer unlock()

	flow, err := o.current(ctx, ev.RequestID)
	if err != nil {
		return err
	}
	switch flow.Stage {
	case models.StageRobotAssigned:
	case models.StageOperationConfirmed:
		o.duplicate(msg.Topic, ev.RequestID, flow.Stage)
		return o.publishConfirmed(ctx, flow)
	default:
		o.log.Warn().Str("requestId", ev.RequestID).Str("stage", string(flow.Stage)).
			Msg("operation confirmation before robot assignment, dropping")
		return nil
	}

	if err := o.auctions.StartOperation(ctx, ev.RequestID, flow.AssignedRobotID); err != nil {
		return fmt.Errorf("start operation %s: %w", ev.RequestID, err)
	}
	at := o.now().UTC()
	flow, err = o.advance(ctx, ev.RequestID, models.StageOperationConfirmed, models.FlowFields{OperationConfirmedAt: &at})
	if err != nil {
		return err
	}
	return o.publishConfirmed(ctx, flow)
}

func (o *Orchestrator) publishConfirmed(ctx context.Context, flow models.RequestFlow) error {
	ev := models.OperationConfirmed{RequestID: flow.RequestID, RobotID: flow.AssignedRobotID}
	if flow.OperationConfirmedAt != nil {
		ev.ConfirmedAt = *flow.OperationConfirmedAt
	}
	return o.pub.Publish(ctx, bus.TopicOperationConfirmed, flow.RequestID, ev)
}

// HandleRobotStatus exports robot telemetry. It never changes flow state.
func (o *Orchestrator) HandleRobotStatus(_ context.Context, msg topics.Message) {
	robotID := msg.Segment(1)
	var st models.RobotStatus
	if err := msg.Decode(&st); err != nil {
		o.log.Warn().Err(err).Str("topic", msg.Topic).Msg("bad robot status")
		return
	}
	observability.RobotBattery.WithLabelValues(robotID).Set(float64(st.Battery))
	observability.RobotProgress.WithLabelValues(robotID).Set(float64(st.Progress))
	o.log.Debug().Str("robotId", robotID).Str("requestId", st.RequestID).
		Int("progress", st.Progress).Int("battery", st.Battery).Msg("robot status")
}
