package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/BrandonDHaskell/Tapledger/server/internal/export"
	"github.com/BrandonDHaskell/Tapledger/server/internal/ledger/chain"
	"github.com/BrandonDHaskell/Tapledger/server/internal/ledger/service"
	"github.com/BrandonDHaskell/Tapledger/server/internal/ledger/types"
)

const (
	defaultPageLimit = 100
	maxPageLimit     = 1000
)

// queryUint reads an optional unsigned query parameter.
func queryUint(r *http.Request, key string, def uint64) (uint64, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be a non-negative integer", key)
	}
	return n, nil
}

// queryRange reads from/to, defaulting to the whole ledger.
func (s *Server) queryRange(r *http.Request) (from, to uint64, err error) {
	if from, err = queryUint(r, "from", 1); err != nil {
		return 0, 0, err
	}
	if to, err = queryUint(r, "to", s.seq.Head().Seq); err != nil {
		return 0, 0, err
	}
	if from == 0 {
		from = 1
	}
	return from, to, nil
}

func views(entries []chain.Entry) []types.EntryView {
	out := make([]types.EntryView, 0, len(entries))
	for _, e := range entries {
		out = append(out, export.View(e))
	}
	return out
}

// handleEntries pages forward from ?after (exclusive).
func (s *Server) handleEntries(w http.ResponseWriter, r *http.Request) {
	after, err := queryUint(r, "after", 0)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	limit, err := queryUint(r, "limit", defaultPageLimit)
	if err != nil || limit == 0 {
		badRequest(w, "limit must be a positive integer")
		return
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}

	entries, err := s.seq.After(r.Context(), after, int(limit))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, types.EntriesResponse{
		Entries: views(entries),
		Head:    s.seq.Head().Seq,
	})
}

func (s *Server) handleRange(w http.ResponseWriter, r *http.Request) {
	from, to, err := s.queryRange(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	if to >= from && to-from >= maxPageLimit {
		to = from + maxPageLimit - 1
	}
	entries, err := s.seq.ReadRange(r.Context(), from, to)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, types.EntriesResponse{
		Entries: views(entries),
		Head:    s.seq.Head().Seq,
	})
}

// handleVerify recomputes the chain over [from, to].  A broken chain is
// reported in the body with 200; only read failures are errors.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	from, to, err := s.queryRange(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	res, err := s.verifier.VerifyChain(r.Context(), from, to)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	resp := types.VerifyResponse{
		OK:      res.OK(),
		From:    res.From,
		To:      res.To,
		Checked: res.Checked,
	}
	if m := res.FirstMismatch; m != nil {
		resp.FirstMismatch = m.Seq
		resp.Reason = m.Reason
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleReplay streams entries as NDJSON.  ?speed scales the device-time
// gaps between entries; 0 or absent replays as fast as possible.
func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	from, to, err := s.queryRange(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	speed := service.AsFastAsPossible
	if v := r.URL.Query().Get("speed"); v != "" {
		if speed, err = strconv.ParseFloat(v, 64); err != nil {
			badRequest(w, "speed must be a number")
			return
		}
	}

	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	var (
		started bool
		last    uint64
	)
	for e, err := range s.replayer.Replay(r.Context(), from, to, speed) {
		if err != nil {
			if !started {
				s.writeServiceError(w, r, err)
				return
			}
			s.logger.WarnContext(r.Context(), "replay aborted", "after_seq", last, "error", err)
			return
		}
		if !started {
			w.Header().Set("Content-Type", "application/x-ndjson")
			w.WriteHeader(http.StatusOK)
			started = true
		}
		if err := enc.Encode(export.View(e)); err != nil {
			return
		}
		last = e.Seq
		if flusher != nil {
			flusher.Flush()
		}
	}
	if !started {
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.WriteHeader(http.StatusOK)
	}
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	f, err := export.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	from, to, err := s.queryRange(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}

	w.Header().Set("Content-Type", f.ContentType())
	w.Header().Set("Content-Disposition",
		fmt.Sprintf(`attachment; filename="ledger-%d-%d.%s"`, from, to, f))
	n, err := export.Write(w, f, s.replayer.Replay(r.Context(), from, to, service.AsFastAsPossible))
	if err != nil {
		// Headers are gone; the truncated body is all the client gets.
		s.logger.ErrorContext(r.Context(), "export failed", "written", n, "error", err)
		return
	}
	s.logger.InfoContext(r.Context(), "ledger exported", "format", string(f), "from", from, "to", to, "entries", n)
}

func (s *Server) handleCorrection(w http.ResponseWriter, r *http.Request) {
	var req types.CorrectionRequest
	if err := decodeJSON(r, maxRequestBody, &req); err != nil {
		badRequest(w, "invalid json")
		return
	}

	c := service.Correction{
		Corrects: req.Corrects,
		Kind:     chain.EventKind(strings.ToLower(strings.TrimSpace(req.Kind))),
	}
	if v := strings.TrimSpace(req.DeviceTime); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			s.writeServiceError(w, r, &service.ValidationError{Field: "device_time", Reason: "not an RFC 3339 timestamp"})
			return
		}
		c.DeviceTime = t
	}

	e, err := s.seq.Correct(r.Context(), c)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, export.View(e))
}

// handleHealth serves the cached snapshot, computing one on first use.
// A critical ledger answers 503 so load balancers can act on it.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.health.Snapshot()
	if snap.ComputedAt.IsZero() {
		fresh, err := s.health.Refresh(r.Context())
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		snap = fresh
	}
	status := http.StatusOK
	if snap.Status == service.StatusCritical {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, snap)
}
