package auction

import (
	"errors"
	"time"

	"github.com/example/parking-valet/internal/models"
)

type State string

const (
	StateOpen        State = "OPEN"
	StateSelecting   State = "SELECTING"
	StateAwaitingAck State = "AWAITING_ACK"
	StateConfirmed   State = "CONFIRMED"
	StateTimedOut    State = "TIMED_OUT"
	StateNoBids      State = "NO_BIDS"
	StateNoWinner    State = "NO_WINNER"
)

func (s State) Terminal() bool {
	switch s {
	case StateConfirmed, StateTimedOut, StateNoBids, StateNoWinner:
		return true
	}
	return false
}

// ErrAuctionInProgress is returned when an auction is opened for a request that already has one.
var ErrAuctionInProgress = errors.New("auction already in progress")

// JobInfo is broadcast with the call for bids and sent to the assigned robot.
type JobInfo struct {
	RequestID string       `json:"requestId"`
	Spot      *models.Spot `json:"spot,omitempty"`
}

// Outcome is the single terminal result of one auction run.
type Outcome struct {
	RequestID string
	State     State
	RobotID   string
	Bids      int
	Duration  time.Duration
}

func (o Outcome) Confirmed() bool { return o.State == StateConfirmed }

// Reason is the robot.none.v1 reason text for an unsuccessful outcome.
func (o Outcome) Reason() string {
	switch o.State {
	case StateNoBids:
		return "no robots"
	case StateNoWinner:
		return "no eligible robot"
	case StateTimedOut:
		return "robot did not acknowledge"
	default:
		return ""
	}
}

type bidPayload struct {
	Battery  *int   `json:"battery"`
	ETA      *int   `json:"eta"`
	Location string `json:"location"`
}

type ackPayload struct {
	Status string `json:"status"`
}

type startCommand struct {
	RequestID string    `json:"requestId"`
	RobotID   string    `json:"robotId"`
	Command   string    `json:"command"`
	Timestamp time.Time `json:"timestamp"`
}

// record is the mutable per-request auction. Guarded by Coordinator.mu.
type record struct {
	state    State
	bids     []models.Bid
	assignee string
	acked    string
	bidFull  chan struct{} // closed when ExpectedBidders bids are in
	ackSeen  chan struct{} // closed when the assignee acks
}
