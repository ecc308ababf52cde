package models

import (
	"errors"
	"time"
)

// ErrValidation marks an inbound event or request that cannot be processed as sent.
var ErrValidation = errors.New("validation error")

type Stage string

const (
	StageSubmitted            Stage = "SUBMITTED"
	StageSpotsConsulted       Stage = "SPOTS_CONSULTED"
	StageSpotReserved         Stage = "SPOT_RESERVED"
	StageRobotAssignRequested Stage = "ROBOT_ASSIGN_REQUESTED"
	StageRobotAssigned        Stage = "ROBOT_ASSIGNED"
	StageRobotNone            Stage = "ROBOT_NONE"
	StageOperationConfirmed   Stage = "OPERATION_CONFIRMED"
)

// Terminal reports whether no further saga event is expected for the stage.
func (s Stage) Terminal() bool {
	return s == StageRobotNone || s == StageOperationConfirmed
}

var stageRank = map[Stage]int{
	StageSubmitted:            1,
	StageSpotsConsulted:       2,
	StageSpotReserved:         3,
	StageRobotAssignRequested: 4,
	StageRobotAssigned:        5,
	StageRobotNone:            5,
	StageOperationConfirmed:   6,
}

// After reports whether s is a later saga step than other. Unknown stages rank first.
func (s Stage) After(other Stage) bool {
	return stageRank[s] > stageRank[other]
}

type Spot struct {
	SpotID        string     `json:"spotId"`
	Level         string     `json:"level,omitempty"`
	Position      string     `json:"position,omitempty"`
	Available     bool       `json:"available"`
	ReservedUntil *time.Time `json:"reservedUntil"`
}

// ReservedAt reports whether the spot carries a reservation that has not expired at now.
func (s Spot) ReservedAt(now time.Time) bool {
	return s.ReservedUntil != nil && s.ReservedUntil.After(now)
}

type SecurityChecks struct {
	Doors     bool `json:"doors"`
	Windows   bool `json:"windows"`
	Handbrake bool `json:"handbrake"`
	Seatbelt  bool `json:"seatbelt"`
	Mirrors   bool `json:"mirrors"`
}

func (c SecurityChecks) AllPassed() bool {
	return c.Doors && c.Windows && c.Handbrake && c.Seatbelt && c.Mirrors
}

// Intake holds the kiosk fields that travel with a check-in but are not used by the saga itself.
type Intake struct {
	Phone          string         `json:"phone,omitempty"`
	Document       string         `json:"document,omitempty"`
	SecurityChecks SecurityChecks `json:"securityChecks"`
	TermsAccepted  bool           `json:"termsAccepted"`
	SubmittedAt    time.Time      `json:"submittedAt"`
}

type Bid struct {
	RobotID    string    `json:"robotId"`
	Battery    int       `json:"battery"`
	ETASeconds int       `json:"eta"`
	Location   string    `json:"location,omitempty"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// RobotStatus is the telemetry a robot reports on robots/{robotId}/status while operating.
type RobotStatus struct {
	RobotID   string    `json:"robotId"`
	RequestID string    `json:"requestId,omitempty"`
	Progress  int       `json:"progress"`
	Battery   int       `json:"battery"`
	Timestamp time.Time `json:"timestamp"`
}
