// Package auction picks a robot for a request with a timed call-for-bids, assign
// and acknowledge round over the wildcard transport.
package auction

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/parking-valet/internal/models"
	"github.com/example/parking-valet/internal/observability"
	"github.com/example/parking-valet/internal/scheduler"
	"github.com/example/parking-valet/internal/topics"
)

const (
	BidPattern    = "jobs/bid/+/+"
	AcceptPattern = "jobs/accept/+/+"
)

func CallTopic(requestID string) string { return topics.Join("jobs", "call", requestID) }
func BidTopic(requestID, robotID string) string {
	return topics.Join("jobs", "bid", requestID, robotID)
}
func AssignTopic(requestID, robotID string) string {
	return topics.Join("jobs", "assign", requestID, robotID)
}
func AcceptTopic(requestID, robotID string) string {
	return topics.Join("jobs", "accept", requestID, robotID)
}
func StartTopic(requestID, robotID string) string {
	return topics.Join("jobs", "start", requestID, robotID)
}

// Publisher is the outbound side of the topic router.
type Publisher interface {
	Publish(topic string, v any) error
}

// Subscriber is the inbound side of the topic router.
type Subscriber interface {
	Subscribe(pattern string, h topics.Handler) error
}

type Config struct {
	BidWindow  time.Duration
	AckTimeout time.Duration
	// EarlyClose ends the bid window once ExpectedBidders bids arrived and the
	// ack wait once the assignee acked. Off by default: both windows run in full.
	EarlyClose      bool
	ExpectedBidders int
	// MinBattery makes bids below this charge ineligible. Zero accepts every bid.
	MinBattery int
}

type Coordinator struct {
	pub Publisher
	cfg Config
	log zerolog.Logger
	now func() time.Time

	mu       sync.Mutex
	auctions map[string]*record
}

func NewCoordinator(pub Publisher, cfg Config, logger zerolog.Logger) *Coordinator {
	if cfg.BidWindow <= 0 {
		cfg.BidWindow = 3 * time.Second
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 2 * time.Second
	}
	return &Coordinator{
		pub:      pub,
		cfg:      cfg,
		log:      logger.With().Str("component", "auction").Logger(),
		now:      time.Now,
		auctions: make(map[string]*record),
	}
}

// Register binds the bid and acknowledgment handlers.
func (c *Coordinator) Register(s Subscriber) error {
	if err := s.Subscribe(BidPattern, c.HandleBid); err != nil {
		return err
	}
	return s.Subscribe(AcceptPattern, c.HandleAck)
}

// Run executes the whole protocol and yields exactly one terminal outcome. An
// error is returned only when the transport or ctx fails.
func (c *Coordinator) Run(ctx context.Context, requestID string, job JobInfo) (Outcome, error) {
	start := c.now()
	out := Outcome{RequestID: requestID}
	finish := func(s State) (Outcome, error) {
		out.State = s
		out.Duration = c.now().Sub(start)
		c.setState(requestID, s)
		observability.AuctionOutcomes.WithLabelValues(string(s)).Inc()
		observability.AuctionDuration.Observe(out.Duration.Seconds())
		c.log.Info().Str("requestId", requestID).Str("outcome", string(s)).Str("robotId", out.RobotID).
			Int("bids", out.Bids).Dur("duration", out.Duration).Msg("auction finished")
		return out, nil
	}

	if err := c.CallForBids(ctx, requestID, job); err != nil {
		return out, err
	}
	defer c.discard(requestID)

	bids, err := c.CollectBids(ctx, requestID, c.cfg.BidWindow)
	if err != nil {
		return out, err
	}
	out.Bids = len(bids)
	if len(bids) == 0 {
		return finish(StateNoBids)
	}

	winner, ok := ChooseWinner(Eligible(bids, c.cfg.MinBattery))
	if !ok {
		return finish(StateNoWinner)
	}
	out.RobotID = winner.RobotID

	if err := c.Assign(ctx, requestID, winner.RobotID, job); err != nil {
		return out, err
	}
	state, err := c.AwaitAck(ctx, requestID, c.cfg.AckTimeout)
	if err != nil {
		return out, err
	}
	return finish(state)
}

// CallForBids opens the auction and broadcasts the job. The record is opened
// before publishing so that fast bidders are not lost.
func (c *Coordinator) CallForBids(ctx context.Context, requestID string, job JobInfo) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	if _, ok := c.auctions[requestID]; ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAuctionInProgress, requestID)
	}
	c.auctions[requestID] = &record{
		state:   StateOpen,
		bidFull: make(chan struct{}),
		ackSeen: make(chan struct{}),
	}
	c.mu.Unlock()

	if err := c.pub.Publish(CallTopic(requestID), job); err != nil {
		c.discard(requestID)
		return err
	}
	c.log.Info().Str("requestId", requestID).Msg("call for bids sent")
	return nil
}

// HandleBid records a bid from jobs/bid/{requestId}/{robotId}. The robot id comes
// from the topic, not the payload.
func (c *Coordinator) HandleBid(_ context.Context, msg topics.Message) {
	requestID, robotID := msg.Segment(2), msg.Segment(3)
	var p bidPayload
	if err := msg.Decode(&p); err != nil || requestID == "" || robotID == "" ||
		p.Battery == nil || p.ETA == nil || *p.Battery < 0 || *p.Battery > 100 || *p.ETA < 0 {
		observability.BidsReceived.WithLabelValues("invalid").Inc()
		c.log.Warn().Str("topic", msg.Topic).RawJSON("payload", msg.Payload).Msg("invalid bid dropped")
		return
	}
	bid := models.Bid{
		RobotID:    robotID,
		Battery:    *p.Battery,
		ETASeconds: *p.ETA,
		Location:   p.Location,
		ReceivedAt: c.now(),
	}

	c.mu.Lock()
	rec, ok := c.auctions[requestID]
	if !ok || rec.state != StateOpen {
		c.mu.Unlock()
		observability.BidsReceived.WithLabelValues("ignored").Inc()
		c.log.Debug().Str("requestId", requestID).Str("robotId", robotID).Msg("bid for closed auction ignored")
		return
	}
	rec.bids = append(rec.bids, bid)
	if c.cfg.ExpectedBidders > 0 && len(rec.bids) == c.cfg.ExpectedBidders {
		close(rec.bidFull)
	}
	c.mu.Unlock()

	observability.BidsReceived.WithLabelValues("accepted").Inc()
	c.log.Info().Str("requestId", requestID).Str("robotId", robotID).Int("battery", bid.Battery).
		Int("eta", bid.ETASeconds).Msg("bid received")
}

// CollectBids waits for window, closes the auction to further bids and returns them.
func (c *Coordinator) CollectBids(ctx context.Context, requestID string, window time.Duration) ([]models.Bid, error) {
	rec, err := c.record(requestID)
	if err != nil {
		return nil, err
	}
	var early <-chan struct{}
	if c.cfg.EarlyClose && c.cfg.ExpectedBidders > 0 {
		early = rec.bidFull
	}
	if err := wait(ctx, window, early); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	rec.state = StateSelecting
	return append([]models.Bid(nil), rec.bids...), nil
}

// Eligible returns the bids with at least minBattery charge.
func Eligible(bids []models.Bid, minBattery int) []models.Bid {
	out := make([]models.Bid, 0, len(bids))
	for _, b := range bids {
		if b.Battery >= minBattery {
			out = append(out, b)
		}
	}
	return out
}

// ChooseWinner orders bids by battery descending, then ETA ascending. Arrival time
// and robot id break remaining ties so the result is reproducible.
func ChooseWinner(bids []models.Bid) (models.Bid, bool) {
	if len(bids) == 0 {
		return models.Bid{}, false
	}
	sorted := append([]models.Bid(nil), bids...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.Battery != b.Battery {
			return a.Battery > b.Battery
		}
		if a.ETASeconds != b.ETASeconds {
			return a.ETASeconds < b.ETASeconds
		}
		if !a.ReceivedAt.Equal(b.ReceivedAt) {
			return a.ReceivedAt.Before(b.ReceivedAt)
		}
		return a.RobotID < b.RobotID
	})
	return sorted[0], true
}

// Assign sends the job to robotID and starts waiting for its acknowledgment.
func (c *Coordinator) Assign(ctx context.Context, requestID, robotID string, job JobInfo) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	rec, ok := c.auctions[requestID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("no auction for %s", requestID)
	}
	rec.assignee = robotID
	rec.state = StateAwaitingAck
	c.mu.Unlock()

	if err := c.pub.Publish(AssignTopic(requestID, robotID), job); err != nil {
		return err
	}
	c.log.Info().Str("requestId", requestID).Str("robotId", robotID).Msg("robot assigned, awaiting ack")
	return nil
}

// HandleAck records an acknowledgment from jobs/accept/{requestId}/{robotId}.
func (c *Coordinator) HandleAck(_ context.Context, msg topics.Message) {
	requestID, robotID := msg.Segment(2), msg.Segment(3)
	var p ackPayload
	if err := msg.Decode(&p); err != nil {
		c.log.Debug().Err(err).Str("requestId", requestID).Str("robotId", robotID).Msg("ack payload not understood")
	}

	c.mu.Lock()
	rec, ok := c.auctions[requestID]
	if !ok || rec.state != StateAwaitingAck || rec.assignee != robotID || rec.acked != "" {
		c.mu.Unlock()
		c.log.Debug().Str("requestId", requestID).Str("robotId", robotID).Msg("ack ignored")
		return
	}
	rec.acked = robotID
	close(rec.ackSeen)
	c.mu.Unlock()

	c.log.Info().Str("requestId", requestID).Str("robotId", robotID).Str("status", p.Status).Msg("ack received")
}

// AwaitAck waits for timeout and reports CONFIRMED when the assignee acked, TIMED_OUT otherwise.
func (c *Coordinator) AwaitAck(ctx context.Context, requestID string, timeout time.Duration) (State, error) {
	rec, err := c.record(requestID)
	if err != nil {
		return "", err
	}
	var early <-chan struct{}
	if c.cfg.EarlyClose {
		early = rec.ackSeen
	}
	if err := wait(ctx, timeout, early); err != nil {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if rec.acked != "" && rec.acked == rec.assignee {
		rec.state = StateConfirmed
	} else {
		rec.state = StateTimedOut
	}
	return rec.state, nil
}

// StartOperation tells the assigned robot to begin the physical operation.
func (c *Coordinator) StartOperation(_ context.Context, requestID, robotID string) error {
	cmd := startCommand{RequestID: requestID, RobotID: robotID, Command: "START_OPERATION", Timestamp: c.now()}
	if err := c.pub.Publish(StartTopic(requestID, robotID), cmd); err != nil {
		return err
	}
	c.log.Info().Str("requestId", requestID).Str("robotId", robotID).Msg("start command sent")
	return nil
}

// State returns the current state of the auction for requestID, if one is live.
func (c *Coordinator) State(requestID string) (State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.auctions[requestID]
	if !ok {
		return "", false
	}
	return rec.state, true
}

func (c *Coordinator) record(requestID string) (*record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.auctions[requestID]
	if !ok {
		return nil, fmt.Errorf("no auction for %s", requestID)
	}
	return rec, nil
}

func (c *Coordinator) setState(requestID string, s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rec, ok := c.auctions[requestID]; ok {
		rec.state = s
	}
}

func (c *Coordinator) discard(requestID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.auctions, requestID)
}

// wait sleeps for d unless ctx ends first; a non-nil early channel can cut it short.
// The caller's scheduler slot is released meanwhile so that the bids and acks
// it waits for can be handled.
func wait(ctx context.Context, d time.Duration, early <-chan struct{}) error {
	resume := scheduler.Suspend(ctx)
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-early:
	case <-ctx.Done():
		_ = resume()
		return ctx.Err()
	}
	return resume()
}
