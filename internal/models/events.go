package models

import (
	"fmt"
	"strings"
	"time"
)

// Bus event payloads. Every event carries the requestId it belongs to.

type CheckinSubmitted struct {
	RequestID       string         `json:"requestId"`
	VehicleCategory string         `json:"vehicleCategory"`
	LicensePlate    string         `json:"licensePlate"`
	Phone           string         `json:"phone,omitempty"`
	Document        string         `json:"document,omitempty"`
	SecurityChecks  SecurityChecks `json:"securityChecks"`
	TermsAccepted   bool           `json:"termsAccepted"`
	SubmittedAt     time.Time      `json:"submittedAt"`
}

func (e CheckinSubmitted) Validate() error {
	if err := requireID(e.RequestID); err != nil {
		return err
	}
	if strings.TrimSpace(e.VehicleCategory) == "" {
		return fmt.Errorf("%w: vehicleCategory is required", ErrValidation)
	}
	return nil
}

type SpotConsultRequested struct {
	RequestID       string `json:"requestId"`
	VehicleCategory string `json:"vehicleCategory"`
}

func (e SpotConsultRequested) Validate() error { return requireID(e.RequestID) }

type SpotConsultCompleted struct {
	RequestID       string `json:"requestId"`
	VehicleCategory string `json:"vehicleCategory"`
	Spots           []Spot `json:"spots"`
}

func (e SpotConsultCompleted) Validate() error { return requireID(e.RequestID) }

type SpotReserveRequested struct {
	RequestID       string `json:"requestId"`
	VehicleCategory string `json:"vehicleCategory"`
}

func (e SpotReserveRequested) Validate() error { return requireID(e.RequestID) }

// SpotReserved carries a nil Spot when the reservation failed upstream.
type SpotReserved struct {
	RequestID string `json:"requestId"`
	Spot      *Spot  `json:"spot"`
}

func (e SpotReserved) Validate() error { return requireID(e.RequestID) }

type RobotAssignRequested struct {
	RequestID string `json:"requestId"`
	Spot      Spot   `json:"spot"`
}

func (e RobotAssignRequested) Validate() error { return requireID(e.RequestID) }

type RobotAssigned struct {
	RequestID string `json:"requestId"`
	RobotID   string `json:"robotId"`
	Spot      Spot   `json:"spot"`
}

type RobotNone struct {
	RequestID string `json:"requestId"`
	Reason    string `json:"reason"`
}

type OperationConfirmRequested struct {
	RequestID string `json:"requestId"`
}

func (e OperationConfirmRequested) Validate() error { return requireID(e.RequestID) }

type OperationConfirmed struct {
	RequestID   string    `json:"requestId"`
	RobotID     string    `json:"robotId"`
	ConfirmedAt time.Time `json:"confirmedAt"`
}

func requireID(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: requestId is required", ErrValidation)
	}
	return nil
}
