package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/BrandonDHaskell/Tapledger/server/internal/ledger/chain"
	"github.com/BrandonDHaskell/Tapledger/server/internal/ledger/service"
	"github.com/BrandonDHaskell/Tapledger/server/internal/ledger/store"
	"github.com/BrandonDHaskell/Tapledger/server/internal/ledger/types"
)

// ── Device-facing ───────────────────────────────────────────────────────────

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req types.HeartbeatRequest
	if err := decodeJSON(r, maxRequestBody, &req); err != nil {
		badRequest(w, "invalid json")
		return
	}
	resp, err := s.heartbeats.Record(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDeviceOffline(w http.ResponseWriter, r *http.Request) {
	rec, err := s.registry.MarkOffline(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, deviceView(rec))
}

// handleQueueUpload stages a device's offline buffer.  Taps inherit the
// device id from the path; a tap naming another device is refused.
func (s *Server) handleQueueUpload(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "id")

	var req types.QueueUploadRequest
	if err := decodeJSON(r, maxQueueBody, &req); err != nil {
		badRequest(w, "invalid json")
		return
	}

	taps := make([]chain.RawTap, 0, len(req.Taps))
	for _, tr := range req.Taps {
		if tr.DeviceID != "" && strings.TrimSpace(tr.DeviceID) != deviceID {
			s.writeServiceError(w, r, &service.ValidationError{
				Field: "device_id", Reason: "tap belongs to " + tr.DeviceID,
			})
			return
		}
		tap, err := tapFromRequest(tr)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		tap.DeviceID = deviceID
		taps = append(taps, tap)
	}

	res, err := s.reconciler.Stage(r.Context(), service.Batch{
		DeviceID: deviceID,
		Taps:     taps,
		Checksum: req.Checksum,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	resp := types.QueueUploadResponse{
		OK:       true,
		DeviceID: deviceID,
		Queued:   res.Queued,
		Skipped:  res.Skipped,
	}
	if rec, err := s.registry.Get(r.Context(), deviceID); err == nil {
		resp.SyncStarted = rec.State == store.StateOnline && res.Queued > 0
	}
	writeJSON(w, http.StatusAccepted, resp)
}

// ── Operator-facing ─────────────────────────────────────────────────────────

func (s *Server) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	var req types.RegisterDeviceRequest
	if err := decodeJSON(r, maxRequestBody, &req); err != nil {
		badRequest(w, "invalid json")
		return
	}
	rec, err := s.registry.Register(r.Context(), req.DeviceID, req.Name, req.Location)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, deviceView(rec))
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	recs, err := s.registry.List(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	out := make([]types.DeviceView, 0, len(recs))
	for _, rec := range recs {
		out = append(out, deviceView(rec))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	rec, err := s.registry.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, deviceView(rec))
}

func (s *Server) handleMaintenance(w http.ResponseWriter, r *http.Request) {
	var req types.MaintenanceRequest
	if err := decodeJSON(r, maxRequestBody, &req); err != nil {
		badRequest(w, "invalid json")
		return
	}

	var (
		rec store.DeviceRecord
		err error
	)
	if req.Enabled {
		rec, err = s.registry.SetMaintenance(r.Context(), chi.URLParam(r, "id"))
	} else {
		rec, err = s.registry.EndMaintenance(r.Context(), chi.URLParam(r, "id"))
	}
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, deviceView(rec))
}

func (s *Server) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	rec, err := s.registry.Deactivate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, deviceView(rec))
}

// handleSync reconciles a device's offline queue now.  accept_gap=true
// admits a batch that does not continue the device's committed sequence.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "id")

	var opts service.SyncOptions
	if v := r.URL.Query().Get("accept_gap"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			badRequest(w, "accept_gap must be a boolean")
			return
		}
		opts.AcceptLeadingGap = b
	}

	res, err := s.reconciler.SyncDevice(r.Context(), deviceID, opts)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, types.SyncResponse{
		OK:        true,
		DeviceID:  deviceID,
		Committed: res.Committed,
		FirstSeq:  res.FirstSeq,
		LastSeq:   res.LastSeq,
	})
}

func (s *Server) handleEnroll(w http.ResponseWriter, r *http.Request) {
	var req types.EmployeeRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, maxRequestBody, &req); err != nil {
			badRequest(w, "invalid json")
			return
		}
	}
	if err := s.roster.Enroll(r.Context(), chi.URLParam(r, "card_id"), req.DisplayName); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUnenroll(w http.ResponseWriter, r *http.Request) {
	if err := s.roster.Remove(r.Context(), chi.URLParam(r, "card_id")); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
