package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hashwatch/hashwatch-core/internal/device"
	"github.com/hashwatch/hashwatch-core/internal/scan"
)

// addDeviceRequest is the body of POST /api/v1/devices.
type addDeviceRequest struct {
	IP string `json:"ip"`
}

// handleListDevices returns devices in the registry, ordered by IP.
// Optional query filters: ?online=true|false, ?source=discovered|manual.
//
// GET /api/v1/devices
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.registry.List(r.Context())
	if err != nil {
		s.logger.Error("listing devices", "error", err)
		writeInternalError(w, "failed to list devices")
		return
	}

	if v := r.URL.Query().Get("online"); v != "" {
		online, parseErr := strconv.ParseBool(v)
		if parseErr != nil {
			writeBadRequest(w, "online filter must be true or false")
			return
		}
		devices = filterDevices(devices, func(d device.Device) bool { return d.Online == online })
	}

	if v := r.URL.Query().Get("source"); v != "" {
		source := device.Source(v)
		if source != device.SourceDiscovered && source != device.SourceManual {
			writeBadRequest(w, "source filter must be discovered or manual")
			return
		}
		devices = filterDevices(devices, func(d device.Device) bool { return d.Source == source })
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"devices": devices,
		"count":   len(devices),
	})
}

func filterDevices(devices []device.Device, keep func(device.Device) bool) []device.Device {
	out := devices[:0]
	for _, d := range devices {
		if keep(d) {
			out = append(out, d)
		}
	}
	return out
}

// handleGetDevice returns a single device by IP.
//
// GET /api/v1/devices/{ip}
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	ip := chi.URLParam(r, "ip")
	if err := device.ValidateIP(ip); err != nil {
		writeBadRequest(w, "invalid IPv4 address")
		return
	}

	dev, err := s.registry.Get(r.Context(), ip)
	if err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			writeNotFound(w, "device not found")
			return
		}
		s.logger.Error("getting device", "ip", ip, "error", err)
		writeInternalError(w, "failed to get device")
		return
	}
	if dev == nil {
		writeNotFound(w, "device not found")
		return
	}

	writeJSON(w, http.StatusOK, dev)
}

// handleAddDevice registers a device by IP without waiting for a scan to
// find it, then probes it once so the caller learns immediately whether
// the address answers. The record survives either way; an unreachable IP
// just stays offline with unknown type.
//
// POST /api/v1/devices
func (s *Server) handleAddDevice(w http.ResponseWriter, r *http.Request) {
	var req addDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	if err := device.ValidateIP(req.IP); err != nil {
		writeBadRequest(w, "invalid IPv4 address")
		return
	}

	dev, err := s.registry.AddManual(r.Context(), req.IP)
	if err != nil {
		s.logger.Error("adding manual device", "ip", req.IP, "error", err)
		writeInternalError(w, "failed to add device")
		return
	}

	// Best-effort probe; the 201 stands regardless of the outcome.
	if change, probeErr := s.scanner.ProbeIP(r.Context(), req.IP); probeErr == nil && change != device.ChangeNone {
		if probed, getErr := s.registry.Get(r.Context(), req.IP); getErr == nil && probed != nil {
			dev = probed
		}
	}

	writeJSON(w, http.StatusCreated, dev)
}

// handleRefreshDevices re-probes every known device without discovering
// new addresses.
//
// POST /api/v1/devices/refresh
func (s *Server) handleRefreshDevices(w http.ResponseWriter, r *http.Request) {
	report, err := s.scanner.Refresh(r.Context())
	if err != nil {
		if errors.Is(err, scan.ErrScanInProgress) {
			writeConflict(w, "a sweep is already in progress")
			return
		}
		s.logger.Error("refreshing devices", "error", err)
		writeInternalError(w, "refresh failed")
		return
	}

	s.publishScanCompleted(report)
	writeJSON(w, http.StatusOK, report)
}

// handleDeviceStats returns fleet-level counts.
//
// GET /api/v1/devices/stats
func (s *Server) handleDeviceStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.GetStats())
}
