package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/example/parking-valet/internal/bus"
	"github.com/example/parking-valet/internal/models"
	"github.com/example/parking-valet/internal/observability"
	"github.com/example/parking-valet/internal/storage"
)

type checkinRequest struct {
	VehicleCategory string                `json:"vehicleCategory"`
	Document        string                `json:"document"`
	Phone           string                `json:"phone"`
	LicensePlate    string                `json:"licensePlate"`
	SecurityChecks  models.SecurityChecks `json:"securityChecks"`
	TermsAccepted   bool                  `json:"termsAccepted"`
}

func (c *checkinRequest) normalize() {
	c.VehicleCategory = strings.TrimSpace(c.VehicleCategory)
	c.Document = strings.TrimSpace(c.Document)
	c.Phone = strings.TrimSpace(c.Phone)
	c.LicensePlate = strings.TrimSpace(c.LicensePlate)
}

// validate returns one message per rejected field.
func (c checkinRequest) validate() []string {
	var problems []string
	if len(c.VehicleCategory) < 3 {
		problems = append(problems, "vehicleCategory must have at least 3 characters")
	}
	if n := len(c.Document); n < 10 || n > 15 {
		problems = append(problems, "document must have between 10 and 15 characters")
	}
	if n := len(c.Phone); n < 10 || n > 15 {
		problems = append(problems, "phone must have between 10 and 15 characters")
	}
	if n := len(c.LicensePlate); n < 6 || n > 8 {
		problems = append(problems, "licensePlate must have between 6 and 8 characters")
	}
	if !c.SecurityChecks.AllPassed() {
		problems = append(problems, "all security checks must be confirmed")
	}
	if !c.TermsAccepted {
		problems = append(problems, "terms must be accepted")
	}
	return problems
}

func (s *Server) handleSubmitCheckin(w http.ResponseWriter, r *http.Request) {
	var req checkinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.normalize()
	if problems := req.validate(); len(problems) > 0 {
		writeJSON(w, http.StatusUnprocessableEntity, apiResponse{Success: false, Message: "check-in rejected", Errors: problems})
		return
	}

	requestID := uuid.NewString()
	ev := models.CheckinSubmitted{
		RequestID:       requestID,
		VehicleCategory: req.VehicleCategory,
		LicensePlate:    req.LicensePlate,
		Phone:           req.Phone,
		Document:        req.Document,
		SecurityChecks:  req.SecurityChecks,
		TermsAccepted:   req.TermsAccepted,
		SubmittedAt:     s.now().UTC(),
	}
	if err := s.pub.Publish(r.Context(), bus.TopicCheckinSubmitted, requestID, ev); err != nil {
		s.logger.Error().Err(err).Str("requestId", requestID).Msg("publish check-in failed")
		writeError(w, http.StatusServiceUnavailable, "check-in could not be queued")
		return
	}
	observability.CheckinsSubmitted.Inc()
	s.logger.Info().Str("requestId", requestID).Str("vehicleCategory", req.VehicleCategory).Msg("check-in submitted")
	writeJSON(w, http.StatusAccepted, apiResponse{
		Success: true,
		Message: "check-in submitted",
		Data:    map[string]string{"requestId": requestID},
	})
}

// loadFlow writes the error response itself and reports false when the flow is unavailable.
func (s *Server) loadFlow(w http.ResponseWriter, r *http.Request) (models.RequestFlow, bool) {
	id := mux.Vars(r)["requestId"]
	flow, err := s.store.Get(r.Context(), id)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, fmt.Sprintf("check-in %s not found", id))
		return flow, false
	case err != nil:
		s.logger.Error().Err(err).Str("requestId", id).Msg("read flow failed")
		writeError(w, http.StatusInternalServerError, "status unavailable")
		return flow, false
	}
	return flow, true
}

func (s *Server) handleGetCheckin(w http.ResponseWriter, r *http.Request) {
	flow, ok := s.loadFlow(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, flow)
}

type spotsResponse struct {
	TotalAvailable int           `json:"totalAvailable"`
	Spots          []models.Spot `json:"spots"`
}

func (s *Server) handleGetSpots(w http.ResponseWriter, r *http.Request) {
	flow, ok := s.loadFlow(w, r)
	if !ok {
		return
	}
	spots := flow.CandidateSpots
	if spots == nil {
		spots = []models.Spot{}
	}
	writeJSON(w, http.StatusOK, spotsResponse{TotalAvailable: len(spots), Spots: spots})
}

type spotSelectionResponse struct {
	Success      bool         `json:"success"`
	Message      string       `json:"message"`
	AssignedSpot *models.Spot `json:"assignedSpot"`
}

func (s *Server) handleGetSpot(w http.ResponseWriter, r *http.Request) {
	flow, ok := s.loadFlow(w, r)
	if !ok {
		return
	}
	if flow.ReservedSpot == nil {
		writeJSON(w, http.StatusOK, spotSelectionResponse{Message: "spot selection in progress"})
		return
	}
	writeJSON(w, http.StatusOK, spotSelectionResponse{Success: true, Message: "spot reserved", AssignedSpot: flow.ReservedSpot})
}

func (s *Server) handleConfirmOperation(w http.ResponseWriter, r *http.Request) {
	flow, ok := s.loadFlow(w, r)
	if !ok {
		return
	}
	if flow.Stage != models.StageRobotAssigned {
		writeError(w, http.StatusConflict, fmt.Sprintf("check-in is at %s, a robot must be assigned first", flow.Stage))
		return
	}
	ev := models.OperationConfirmRequested{RequestID: flow.RequestID}
	if err := s.pub.Publish(r.Context(), bus.TopicOperationConfirmRequested, flow.RequestID, ev); err != nil {
		s.logger.Error().Err(err).Str("requestId", flow.RequestID).Msg("publish operation confirmation failed")
		writeError(w, http.StatusServiceUnavailable, "confirmation could not be queued")
		return
	}
	writeJSON(w, http.StatusAccepted, apiResponse{
		Success: true,
		Message: "operation confirmation requested",
		Data:    map[string]string{"requestId": flow.RequestID, "robotId": flow.AssignedRobotID},
	})
}
