package auction

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/parking-valet/internal/models"
	"github.com/example/parking-valet/internal/scheduler"
	"github.com/example/parking-valet/internal/topics"
)

// robotPublisher plays the robots: it answers calls with bids and assignments with acks.
type robotPublisher struct {
	mu        sync.Mutex
	c         *Coordinator
	bids      map[string]string // robotId -> bid payload
	ackFrom   map[string]string // assignee -> robot that acks
	published []string
	failOn    string
}

func (p *robotPublisher) Publish(topic string, v any) error {
	p.mu.Lock()
	p.published = append(p.published, topic)
	fail := p.failOn != "" && strings.HasPrefix(topic, p.failOn)
	p.mu.Unlock()
	if fail {
		return fmt.Errorf("broker down")
	}

	segs := strings.Split(topic, "/")
	switch segs[1] {
	case "call":
		for robot, payload := range p.bids {
			go p.c.HandleBid(context.Background(), topics.Message{Topic: BidTopic(segs[2], robot), Payload: []byte(payload)})
		}
	case "assign":
		if acker, ok := p.ackFrom[segs[3]]; ok {
			go p.c.HandleAck(context.Background(), topics.Message{Topic: AcceptTopic(segs[2], acker), Payload: []byte(`{"status":"ACKNOWLEDGED"}`)})
		}
	}
	return nil
}

func (p *robotPublisher) topics() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.published...)
}

func newTestCoordinator(p *robotPublisher, cfg Config) *Coordinator {
	if cfg.BidWindow == 0 {
		cfg.BidWindow = 50 * time.Millisecond
	}
	if cfg.AckTimeout == 0 {
		cfg.AckTimeout = 50 * time.Millisecond
	}
	c := NewCoordinator(p, cfg, zerolog.Nop())
	p.c = c
	return c
}

func TestChooseWinner(t *testing.T) {
	bids := []models.Bid{
		{RobotID: "A", Battery: 80, ETASeconds: 10},
		{RobotID: "B", Battery: 95, ETASeconds: 30},
		{RobotID: "C", Battery: 95, ETASeconds: 5},
	}
	w, ok := ChooseWinner(bids)
	require.True(t, ok)
	assert.Equal(t, "C", w.RobotID)
	assert.Equal(t, "A", bids[0].RobotID, "input must not be reordered")
}

func TestChooseWinnerEmpty(t *testing.T) {
	_, ok := ChooseWinner(nil)
	assert.False(t, ok)
}

func TestChooseWinnerFullTieIsDeterministic(t *testing.T) {
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	bids := []models.Bid{
		{RobotID: "R-9", Battery: 90, ETASeconds: 8, ReceivedAt: at},
		{RobotID: "R-2", Battery: 90, ETASeconds: 8, ReceivedAt: at},
	}
	w, _ := ChooseWinner(bids)
	assert.Equal(t, "R-2", w.RobotID)
}

func TestRunConfirmed(t *testing.T) {
	p := &robotPublisher{
		bids:    map[string]string{"R-1": `{"battery":90,"eta":8,"location":"A-1"}`},
		ackFrom: map[string]string{"R-1": "R-1"},
	}
	c := newTestCoordinator(p, Config{})

	out, err := c.Run(context.Background(), "X", JobInfo{RequestID: "X"})
	require.NoError(t, err)
	assert.Equal(t, StateConfirmed, out.State)
	assert.Equal(t, "R-1", out.RobotID)
	assert.Equal(t, 1, out.Bids)
	assert.True(t, out.Confirmed())
	assert.Equal(t, []string{"jobs/call/X", "jobs/assign/X/R-1"}, p.topics())

	_, live := c.State("X")
	assert.False(t, live, "auction record must be discarded")
}

func TestRunPicksBestOfSeveral(t *testing.T) {
	p := &robotPublisher{
		bids: map[string]string{
			"A": `{"battery":80,"eta":10}`,
			"B": `{"battery":95,"eta":30}`,
			"C": `{"battery":95,"eta":5}`,
		},
		ackFrom: map[string]string{"C": "C"},
	}
	c := newTestCoordinator(p, Config{})
	out, err := c.Run(context.Background(), "X", JobInfo{RequestID: "X"})
	require.NoError(t, err)
	assert.Equal(t, StateConfirmed, out.State)
	assert.Equal(t, "C", out.RobotID)
	assert.Equal(t, 3, out.Bids)
}

func TestRunNoBids(t *testing.T) {
	p := &robotPublisher{}
	c := newTestCoordinator(p, Config{})
	out, err := c.Run(context.Background(), "X", JobInfo{RequestID: "X"})
	require.NoError(t, err)
	assert.Equal(t, StateNoBids, out.State)
	assert.Equal(t, "no robots", out.Reason())
	assert.Equal(t, []string{"jobs/call/X"}, p.topics())
}

func TestRunNoEligibleBid(t *testing.T) {
	p := &robotPublisher{
		bids:    map[string]string{"R-1": `{"battery":15,"eta":3}`, "R-2": `{"battery":10,"eta":1}`},
		ackFrom: map[string]string{"R-1": "R-1"},
	}
	c := newTestCoordinator(p, Config{MinBattery: 20})
	out, err := c.Run(context.Background(), "X", JobInfo{RequestID: "X"})
	require.NoError(t, err)
	assert.Equal(t, StateNoWinner, out.State)
	assert.Equal(t, 2, out.Bids)
	assert.Equal(t, "no eligible robot", out.Reason())
	assert.Equal(t, []string{"jobs/call/X"}, p.topics())
}

func TestRunSkipsIneligibleBest(t *testing.T) {
	p := &robotPublisher{
		bids:    map[string]string{"LOW": `{"battery":15,"eta":1}`, "OK": `{"battery":40,"eta":30}`},
		ackFrom: map[string]string{"OK": "OK"},
	}
	c := newTestCoordinator(p, Config{MinBattery: 40})
	out, err := c.Run(context.Background(), "X", JobInfo{RequestID: "X"})
	require.NoError(t, err)
	assert.Equal(t, StateConfirmed, out.State)
	assert.Equal(t, "OK", out.RobotID)
}

func TestEligible(t *testing.T) {
	bids := []models.Bid{{RobotID: "A", Battery: 19}, {RobotID: "B", Battery: 20}, {RobotID: "C", Battery: 100}}
	assert.Len(t, Eligible(bids, 0), 3)
	got := Eligible(bids, 20)
	require.Len(t, got, 2)
	assert.Equal(t, "B", got[0].RobotID)
	assert.Empty(t, Eligible(bids, 101))
}

func TestAckWithUnreadablePayloadStillCounts(t *testing.T) {
	p := &robotPublisher{}
	c := newTestCoordinator(p, Config{})
	ctx := context.Background()
	require.NoError(t, c.CallForBids(ctx, "X", JobInfo{RequestID: "X"}))
	require.NoError(t, c.Assign(ctx, "X", "R-1", JobInfo{RequestID: "X"}))

	c.HandleAck(ctx, topics.Message{Topic: AcceptTopic("X", "R-1"), Payload: []byte(`{"status":5}`)})
	state, err := c.AwaitAck(ctx, "X", 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, StateConfirmed, state)
}

func TestRunAckTimeout(t *testing.T) {
	p := &robotPublisher{bids: map[string]string{"R-1": `{"battery":90,"eta":8}`}}
	c := newTestCoordinator(p, Config{})
	out, err := c.Run(context.Background(), "X", JobInfo{RequestID: "X"})
	require.NoError(t, err)
	assert.Equal(t, StateTimedOut, out.State)
	assert.Equal(t, "robot did not acknowledge", out.Reason())
}

func TestRunAckFromWrongRobotTimesOut(t *testing.T) {
	p := &robotPublisher{
		bids:    map[string]string{"R-1": `{"battery":90,"eta":8}`},
		ackFrom: map[string]string{"R-1": "R-2"},
	}
	c := newTestCoordinator(p, Config{})
	out, err := c.Run(context.Background(), "X", JobInfo{RequestID: "X"})
	require.NoError(t, err)
	assert.Equal(t, StateTimedOut, out.State)
}

func TestRunPublishFailureIsError(t *testing.T) {
	p := &robotPublisher{failOn: "jobs/call"}
	c := newTestCoordinator(p, Config{})
	_, err := c.Run(context.Background(), "X", JobInfo{RequestID: "X"})
	assert.Error(t, err)
	_, live := c.State("X")
	assert.False(t, live)
}

func TestRunCancelled(t *testing.T) {
	p := &robotPublisher{}
	c := newTestCoordinator(p, Config{BidWindow: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := c.Run(ctx, "X", JobInfo{RequestID: "X"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCallForBidsTwiceIsRejected(t *testing.T) {
	c := newTestCoordinator(&robotPublisher{}, Config{})
	require.NoError(t, c.CallForBids(context.Background(), "X", JobInfo{RequestID: "X"}))
	err := c.CallForBids(context.Background(), "X", JobInfo{RequestID: "X"})
	assert.ErrorIs(t, err, ErrAuctionInProgress)
}

func TestBidsOutsideOpenAuctionAreIgnored(t *testing.T) {
	c := newTestCoordinator(&robotPublisher{}, Config{})
	bid := func(req, robot, payload string) {
		c.HandleBid(context.Background(), topics.Message{Topic: BidTopic(req, robot), Payload: []byte(payload)})
	}

	bid("unknown", "R-1", `{"battery":90,"eta":1}`)
	require.NoError(t, c.CallForBids(context.Background(), "X", JobInfo{RequestID: "X"}))
	bid("X", "R-1", `{"battery":90,"eta":1}`)
	bid("X", "R-2", `{"battery":101,"eta":1}`) // out of range
	bid("X", "R-3", `{"eta":1}`)               // missing battery
	bid("X", "R-4", `{"battery":50,"eta":-1}`) // negative eta

	bids, err := c.CollectBids(context.Background(), "X", time.Millisecond)
	require.NoError(t, err)
	require.Len(t, bids, 1)
	assert.Equal(t, "R-1", bids[0].RobotID)

	bid("X", "R-5", `{"battery":99,"eta":1}`) // after the window closed
	st, _ := c.State("X")
	assert.Equal(t, StateSelecting, st)
	bids, _ = c.CollectBids(context.Background(), "X", time.Millisecond)
	assert.Len(t, bids, 1)
}

func TestConcurrentBidsAreAllRecorded(t *testing.T) {
	c := newTestCoordinator(&robotPublisher{}, Config{})
	require.NoError(t, c.CallForBids(context.Background(), "X", JobInfo{RequestID: "X"}))
	require.NoError(t, c.CallForBids(context.Background(), "Y", JobInfo{RequestID: "Y"}))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := "X"
			if i%2 == 1 {
				req = "Y"
			}
			payload, _ := json.Marshal(map[string]int{"battery": i, "eta": i})
			c.HandleBid(context.Background(), topics.Message{Topic: BidTopic(req, fmt.Sprintf("R-%d", i)), Payload: payload})
		}(i)
	}
	wg.Wait()

	x, err := c.CollectBids(context.Background(), "X", time.Millisecond)
	require.NoError(t, err)
	y, err := c.CollectBids(context.Background(), "Y", time.Millisecond)
	require.NoError(t, err)
	assert.Len(t, x, 25)
	assert.Len(t, y, 25)
}

func TestEarlyCloseEndsWindows(t *testing.T) {
	p := &robotPublisher{
		bids:    map[string]string{"R-1": `{"battery":90,"eta":8}`},
		ackFrom: map[string]string{"R-1": "R-1"},
	}
	c := newTestCoordinator(p, Config{BidWindow: time.Hour, AckTimeout: time.Hour, EarlyClose: true, ExpectedBidders: 1})

	done := make(chan Outcome, 1)
	go func() {
		out, _ := c.Run(context.Background(), "X", JobInfo{RequestID: "X"})
		done <- out
	}()
	select {
	case out := <-done:
		assert.Equal(t, StateConfirmed, out.State)
	case <-time.After(2 * time.Second):
		t.Fatal("early close did not end the windows")
	}
}

func TestStartOperationPublishesCommand(t *testing.T) {
	p := &robotPublisher{}
	c := newTestCoordinator(p, Config{})
	require.NoError(t, c.StartOperation(context.Background(), "X", "R-1"))
	assert.Equal(t, []string{"jobs/start/X/R-1"}, p.topics())
}

func TestConcurrentAuctionsFillingSchedulerStillConfirm(t *testing.T) {
	const slots = 2
	sched := scheduler.New(64, slots, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Run(ctx)

	broker := topics.NewLoopbackBroker()
	coordRouter := topics.NewRouter(topics.NewLoopback(broker), sched, zerolog.Nop())
	robotRouter := topics.NewRouter(topics.NewLoopback(broker), sched, zerolog.Nop())
	defer coordRouter.Close()
	defer robotRouter.Close()

	c := NewCoordinator(coordRouter, Config{BidWindow: 100 * time.Millisecond, AckTimeout: 100 * time.Millisecond}, zerolog.Nop())
	require.NoError(t, c.Register(coordRouter))
	require.NoError(t, robotRouter.Subscribe("jobs/call/+", func(_ context.Context, m topics.Message) {
		_ = robotRouter.Publish(BidTopic(m.Segment(2), "RB-1"), map[string]any{"battery": 90, "eta": 8})
	}))
	require.NoError(t, robotRouter.Subscribe("jobs/assign/+/RB-1", func(_ context.Context, m topics.Message) {
		_ = robotRouter.Publish(AcceptTopic(m.Segment(2), "RB-1"), map[string]string{"status": "ACKNOWLEDGED"})
	}))
	require.NoError(t, coordRouter.Connect(ctx))
	require.NoError(t, robotRouter.Connect(ctx))

	type result struct {
		id  string
		out Outcome
		err error
	}
	results := make(chan result, slots)
	for i := 0; i < slots; i++ {
		id := fmt.Sprintf("REQ%d", i)
		require.NoError(t, sched.Submit(ctx, func(taskCtx context.Context) {
			out, err := c.Run(taskCtx, id, JobInfo{RequestID: id})
			results <- result{id, out, err}
		}))
	}

	got := map[string]State{}
	for i := 0; i < slots; i++ {
		select {
		case r := <-results:
			require.NoError(t, r.err)
			got[r.id] = r.out.State
		case <-time.After(3 * time.Second):
			t.Fatal("auction did not finish")
		}
	}
	assert.Equal(t, map[string]State{"REQ0": StateConfirmed, "REQ1": StateConfirmed}, got)
}
