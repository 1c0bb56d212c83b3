package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/wadispatch/internal/pool"
	"github.com/foxzi/wadispatch/internal/ratelimit"
)

// NumberView is one sending number with its pacing state
type NumberView struct {
	pool.Number
	EffectiveLimit int              `json:"effective_limit"`
	Remaining      int              `json:"remaining"`
	Healthy        bool             `json:"healthy"`
	Paused         bool             `json:"paused"`
	Rate           *ratelimit.Stats `json:"rate,omitempty"`
}

// PoolResponse is the response for GET /pool
type PoolResponse struct {
	Numbers []NumberView `json:"numbers"`
	Healthy int          `json:"healthy"`
	Total   int          `json:"total"`
}

// handlePool handles GET /api/v1/pool
func (s *Server) handlePool(w http.ResponseWriter, r *http.Request) {
	numbers, err := s.numbers.Snapshot(r.Context())
	if err != nil {
		s.logger.Error("failed to read number pool", "error", err)
		sendError(w, http.StatusInternalServerError, "failed to read number pool")
		return
	}

	now := time.Now()
	resp := PoolResponse{Numbers: make([]NumberView, 0, len(numbers)), Total: len(numbers)}
	for _, n := range numbers {
		v := NumberView{
			Number:         n,
			EffectiveLimit: n.EffectiveLimit(),
			Remaining:      n.Remaining(),
			Healthy:        n.Healthy(),
			Paused:         n.Paused(now),
		}
		if s.limits != nil {
			if st, err := s.limits.GetStats(n.ID); err == nil {
				v.Rate = st
			}
		}
		if v.Healthy {
			resp.Healthy++
		}
		resp.Numbers = append(resp.Numbers, v)
	}

	sendJSON(w, http.StatusOK, resp)
}

// handleQualityDashboard handles GET /api/v1/quality
func (s *Server) handleQualityDashboard(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, s.quality.Dashboard())
}

// handleQualityReport handles GET /api/v1/quality/{number}
func (s *Server) handleQualityReport(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "number")
	report, ok := s.quality.Report(id)
	if !ok {
		sendError(w, http.StatusNotFound, "sending number not found")
		return
	}
	sendJSON(w, http.StatusOK, report)
}
