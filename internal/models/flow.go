package models

import "time"

// RequestFlow is the read model of one check-in as kept by the status store.
type RequestFlow struct {
	RequestID string    `json:"requestId"`
	Stage     Stage     `json:"stage"`
	UpdatedAt time.Time `json:"updatedAt"`
	FlowFields
}

// FlowFields is the document merged into a flow on every stage write.
// Zero values mean "not set" and never clear an existing value.
type FlowFields struct {
	VehicleCategory      string     `json:"vehicleCategory,omitempty"`
	LicensePlate         string     `json:"licensePlate,omitempty"`
	Intake               *Intake    `json:"intake,omitempty"`
	CandidateSpots       []Spot     `json:"candidateSpots,omitempty"`
	ReservedSpot         *Spot      `json:"reservedSpot,omitempty"`
	AssignedRobotID      string     `json:"assignedRobotId,omitempty"`
	NoneReason           string     `json:"noneReason,omitempty"`
	OperationConfirmedAt *time.Time `json:"operationConfirmedAt,omitempty"`
}

// Merge copies the fields set in in. VehicleCategory, LicensePlate and ReservedSpot
// are write-once: a value already present is kept.
func (f *FlowFields) Merge(in FlowFields) {
	if f.VehicleCategory == "" {
		f.VehicleCategory = in.VehicleCategory
	}
	if f.LicensePlate == "" {
		f.LicensePlate = in.LicensePlate
	}
	if in.Intake != nil {
		intake := *in.Intake
		f.Intake = &intake
	}
	if in.CandidateSpots != nil {
		f.CandidateSpots = append([]Spot(nil), in.CandidateSpots...)
	}
	if f.ReservedSpot == nil && in.ReservedSpot != nil {
		spot := *in.ReservedSpot
		f.ReservedSpot = &spot
	}
	if in.AssignedRobotID != "" {
		f.AssignedRobotID = in.AssignedRobotID
	}
	if in.NoneReason != "" {
		f.NoneReason = in.NoneReason
	}
	if in.OperationConfirmedAt != nil {
		t := *in.OperationConfirmedAt
		f.OperationConfirmedAt = &t
	}
}
