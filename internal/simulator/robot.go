// Package simulator runs fake parking robots that speak the auction protocol
// over the wildcard transport. It is used by cmd/robotsim and by end-to-end tests.
package simulator

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/parking-valet/internal/auction"
	"github.com/example/parking-valet/internal/models"
	"github.com/example/parking-valet/internal/scheduler"
	"github.com/example/parking-valet/internal/topics"
)

const CallPattern = "jobs/call/+"

// PubSub is the part of topics.Router a robot needs.
type PubSub interface {
	Publish(topic string, v any) error
	Subscribe(pattern string, h topics.Handler) error
}

type Config struct {
	RobotID    string
	Battery    int
	ETASeconds int
	Location   string
	BidDelay   time.Duration
	// SkipBid and SkipAck make the robot ignore calls or assignments.
	SkipBid bool
	SkipAck bool
	// ProgressSteps telemetry reports are sent ProgressInterval apart once the robot acked.
	ProgressSteps    int
	ProgressInterval time.Duration
}

type Robot struct {
	cfg Config
	ps  PubSub
	log zerolog.Logger
	now func() time.Time
}

type bid struct {
	Battery  int    `json:"battery"`
	ETA      int    `json:"eta"`
	Location string `json:"location,omitempty"`
}

type ack struct {
	RobotID   string    `json:"robotId"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

func NewRobot(cfg Config, ps PubSub, logger zerolog.Logger) *Robot {
	return &Robot{
		cfg: cfg,
		ps:  ps,
		log: logger.With().Str("component", "robot").Str("robotId", cfg.RobotID).Logger(),
		now: time.Now,
	}
}

func (r *Robot) ID() string { return r.cfg.RobotID }

// Start subscribes to job calls, to assignments addressed to this robot and to start commands.
func (r *Robot) Start() error {
	if err := r.ps.Subscribe(CallPattern, r.HandleCall); err != nil {
		return err
	}
	if err := r.ps.Subscribe(topics.Join("jobs", "assign", "+", r.cfg.RobotID), r.HandleAssign); err != nil {
		return err
	}
	return r.ps.Subscribe(topics.Join("jobs", "start", "+", r.cfg.RobotID), r.HandleStart)
}

func (r *Robot) HandleCall(ctx context.Context, msg topics.Message) {
	var job auction.JobInfo
	if err := msg.Decode(&job); err != nil || job.RequestID == "" {
		r.log.Warn().Str("topic", msg.Topic).Msg("call without requestId")
		return
	}
	if r.cfg.SkipBid {
		return
	}
	if !sleep(ctx, r.cfg.BidDelay) {
		return
	}
	b := bid{Battery: r.cfg.Battery, ETA: r.cfg.ETASeconds, Location: r.cfg.Location}
	if err := r.ps.Publish(auction.BidTopic(job.RequestID, r.cfg.RobotID), b); err != nil {
		r.log.Error().Err(err).Str("requestId", job.RequestID).Msg("bid publish failed")
		return
	}
	r.log.Info().Str("requestId", job.RequestID).Int("battery", b.Battery).Int("eta", b.ETA).Msg("bid sent")
}

func (r *Robot) HandleAssign(ctx context.Context, msg topics.Message) {
	requestID, robotID := msg.Segment(2), msg.Segment(3)
	if robotID != r.cfg.RobotID {
		return
	}
	r.log.Info().Str("requestId", requestID).Msg("assignment received")
	if r.cfg.SkipAck {
		return
	}
	a := ack{RobotID: r.cfg.RobotID, Status: "ACKNOWLEDGED", Timestamp: r.now().UTC()}
	if err := r.ps.Publish(auction.AcceptTopic(requestID, r.cfg.RobotID), a); err != nil {
		r.log.Error().Err(err).Str("requestId", requestID).Msg("ack publish failed")
		return
	}
	r.reportProgress(ctx, requestID)
}

func (r *Robot) HandleStart(_ context.Context, msg topics.Message) {
	r.log.Info().Str("requestId", msg.Segment(2)).Msg("start command received")
}

func (r *Robot) reportProgress(ctx context.Context, requestID string) {
	steps := r.cfg.ProgressSteps
	topic := topics.Join("robots", r.cfg.RobotID, "status")
	for i := 1; i <= steps; i++ {
		if !sleep(ctx, r.cfg.ProgressInterval) {
			return
		}
		st := models.RobotStatus{
			RobotID:   r.cfg.RobotID,
			RequestID: requestID,
			Progress:  i * 100 / steps,
			Battery:   r.cfg.Battery,
			Timestamp: r.now().UTC(),
		}
		if err := r.ps.Publish(topic, st); err != nil {
			r.log.Error().Err(err).Msg("status publish failed")
			return
		}
	}
}

// sleep reports false when ctx ended first. The robot's scheduler slot is
// free while it waits.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	return scheduler.Sleep(ctx, d)
}
