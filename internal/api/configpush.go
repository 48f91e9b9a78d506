package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/hashwatch/hashwatch-core/internal/device"
)

// configPushRequest is the body of POST /api/v1/config.
//
// Targets lists device IPs; empty means every online device. The primary
// and fallback stratum endpoints travel as one unit per device.
type configPushRequest struct {
	Primary  device.Stratum `json:"primary"`
	Fallback device.Stratum `json:"fallback"`
	Targets  []string       `json:"targets,omitempty"`
}

// handleApplyConfig pushes a stratum settings pair to a fleet of devices
// and returns the per-device outcomes.
//
// POST /api/v1/config
func (s *Server) handleApplyConfig(w http.ResponseWriter, r *http.Request) {
	var req configPushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	settings := device.Settings{
		Primary:  req.Primary,
		Fallback: req.Fallback,
	}

	result, err := s.dispatcher.Apply(r.Context(), settings, req.Targets)
	if err != nil {
		switch {
		case errors.Is(err, device.ErrInvalidStratum):
			writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
		case errors.Is(err, device.ErrInvalidIP):
			writeBadRequest(w, "targets contain an invalid IPv4 address")
		default:
			s.logger.Error("applying config batch", "error", err)
			writeInternalError(w, "config push failed")
		}
		return
	}

	s.publishBatchCompleted(result)
	writeJSON(w, http.StatusOK, result)
}
