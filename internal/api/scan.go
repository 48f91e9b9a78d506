package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/hashwatch/hashwatch-core/internal/device"
	"github.com/hashwatch/hashwatch-core/internal/scan"
)

// scanRequest is the body of POST /api/v1/scan. An empty body or empty
// subnet sweeps the configured default.
type scanRequest struct {
	Subnet string `json:"subnet"`
}

// handleScan sweeps a /24 subnet and returns the reconciliation report.
// The sweep runs synchronously; with a 2s probe timeout and concurrency
// 50 a full /24 completes in seconds, well inside the write timeout.
//
// POST /api/v1/scan
func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	prefix := req.Subnet
	if prefix == "" {
		prefix = s.defaultSubnet
	}

	report, err := s.scanner.Scan(r.Context(), prefix)
	if err != nil {
		switch {
		case errors.Is(err, device.ErrInvalidSubnetPrefix):
			writeBadRequest(w, "invalid subnet prefix; expected the form 192.168.1.")
		case errors.Is(err, scan.ErrScanInProgress):
			writeConflict(w, "a sweep is already in progress")
		default:
			s.logger.Error("running scan", "subnet", prefix, "error", err)
			writeInternalError(w, "scan failed")
		}
		return
	}

	s.publishScanCompleted(report)
	writeJSON(w, http.StatusOK, report)
}
