package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/wadispatch/internal/analytics"
	"github.com/foxzi/wadispatch/internal/ledger"
	"github.com/foxzi/wadispatch/internal/scheduler"
)

// HealthResponse is the response for GET /health
type HealthResponse struct {
	Status  string            `json:"status"`
	Version string            `json:"version"`
	Uptime  string            `json:"uptime"`
	Checks  map[string]string `json:"checks"`
	Run     *ledger.Run       `json:"current_run,omitempty"`
}

// BroadcastResponse is the response for POST /broadcast
type BroadcastResponse struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

// RunsResponse is the response for GET /runs
type RunsResponse struct {
	Current *ledger.Run   `json:"current,omitempty"`
	Runs    []*ledger.Run `json:"runs"`
}

// AttemptsResponse is the response for GET /runs/{id}/attempts
type AttemptsResponse struct {
	RunID    string            `json:"run_id"`
	Attempts []*ledger.Attempt `json:"attempts"`
}

// ScheduleResponse is the response for GET /schedule
type ScheduleResponse struct {
	NextRun  time.Time   `json:"next_run"`
	Timezone string      `json:"timezone"`
	Current  *ledger.Run `json:"current,omitempty"`
	Last     *ledger.Run `json:"last,omitempty"`
}

// ErrorResponse is the error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp := HealthResponse{
		Status:  "ok",
		Version: s.version,
		Uptime:  time.Since(s.startTime).Round(time.Second).String(),
		Checks:  map[string]string{},
	}
	status := http.StatusOK

	if s.ledger != nil {
		if err := s.ledger.Ping(ctx); err != nil {
			resp.Checks["ledger"] = err.Error()
			resp.Status = "unavailable"
			status = http.StatusServiceUnavailable
		} else {
			resp.Checks["ledger"] = "ok"
		}
	}

	if err := s.analytics.Ping(ctx); err != nil {
		resp.Checks["analytics"] = err.Error()
		if resp.Status == "ok" {
			resp.Status = "degraded"
		}
	} else {
		resp.Checks["analytics"] = "ok"
	}

	if s.numbers != nil {
		healthy, err := s.numbers.HasHealthy(ctx)
		switch {
		case err != nil:
			resp.Checks["numbers"] = err.Error()
		case !healthy:
			resp.Checks["numbers"] = "no healthy sending number"
		default:
			resp.Checks["numbers"] = "ok"
		}
		if resp.Checks["numbers"] != "ok" && resp.Status == "ok" {
			resp.Status = "degraded"
		}
	}

	if s.runs != nil {
		resp.Run = s.runs.Current()
	}

	sendJSON(w, status, resp)
}

// handleBroadcast handles POST /api/v1/broadcast
func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	id, err := s.runs.Trigger(r.Context(), scheduler.TriggerManual)
	if errors.Is(err, scheduler.ErrRunInProgress) {
		sendError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		s.logger.Error("failed to start run", "error", err)
		sendError(w, http.StatusInternalServerError, "failed to start run")
		return
	}

	s.logger.Info("manual run triggered via API", "run_id", id, "remote_addr", r.RemoteAddr)
	sendJSON(w, http.StatusAccepted, BroadcastResponse{RunID: id, Status: "started"})
}

// handleBroadcastCancel handles POST /api/v1/broadcast/cancel
func (s *Server) handleBroadcastCancel(w http.ResponseWriter, r *http.Request) {
	current := s.runs.Current()
	if err := s.runs.Cancel(); err != nil {
		if errors.Is(err, scheduler.ErrNoRun) {
			sendError(w, http.StatusConflict, err.Error())
			return
		}
		sendError(w, http.StatusInternalServerError, "failed to cancel run")
		return
	}

	resp := BroadcastResponse{Status: "cancelling"}
	if current != nil {
		resp.RunID = current.ID
	}
	sendJSON(w, http.StatusAccepted, resp)
}

// handleRuns handles GET /api/v1/runs
func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ledger.RunFilter{
		Date:   q.Get("date"),
		State:  ledger.RunState(q.Get("state")),
		Limit:  queryInt(r, "limit", 50),
		Offset: queryInt(r, "offset", 0),
	}

	runs, err := s.ledger.ListRuns(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list runs", "error", err)
		sendError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []*ledger.Run{}
	}

	sendJSON(w, http.StatusOK, RunsResponse{Current: s.runs.Current(), Runs: runs})
}

// handleRun handles GET /api/v1/runs/{id}. The active run is served live.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if cur := s.runs.Current(); cur != nil && cur.ID == id {
		sendJSON(w, http.StatusOK, cur)
		return
	}

	run, err := s.ledger.GetRun(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to get run", "run_id", id, "error", err)
		sendError(w, http.StatusInternalServerError, "failed to get run")
		return
	}
	if run == nil {
		sendError(w, http.StatusNotFound, "run not found")
		return
	}
	sendJSON(w, http.StatusOK, run)
}

// handleRunAttempts handles GET /api/v1/runs/{id}/attempts
func (s *Server) handleRunAttempts(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	filter := ledger.AttemptFilter{
		Outcome: ledger.Outcome(r.URL.Query().Get("outcome")),
		Limit:   queryInt(r, "limit", 100),
		Offset:  queryInt(r, "offset", 0),
	}
	attempts, err := s.ledger.ListAttempts(r.Context(), id, filter)
	if err != nil {
		s.logger.Error("failed to list attempts", "run_id", id, "error", err)
		sendError(w, http.StatusInternalServerError, "failed to list attempts")
		return
	}
	if attempts == nil {
		attempts = []*ledger.Attempt{}
	}
	sendJSON(w, http.StatusOK, AttemptsResponse{RunID: id, Attempts: attempts})
}

// handleDailyMetrics handles GET /api/v1/metrics/{date}. Without the
// analytics store the summary is rebuilt from the day's run reports.
func (s *Server) handleDailyMetrics(w http.ResponseWriter, r *http.Request) {
	date := chi.URLParam(r, "date")
	day, err := time.ParseInLocation(time.DateOnly, date, s.loc)
	if err != nil {
		sendError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
		return
	}

	summary, err := s.analytics.DailySummary(r.Context(), day)
	if err == nil {
		sendJSON(w, http.StatusOK, summary)
		return
	}
	if !errors.Is(err, analytics.ErrDisabled) {
		s.logger.Warn("analytics store unavailable, using run reports", "date", date, "error", err)
	}

	runs, err := s.ledger.ListRuns(r.Context(), ledger.RunFilter{Date: date})
	if err != nil {
		s.logger.Error("failed to list runs", "date", date, "error", err)
		sendError(w, http.StatusInternalServerError, "failed to build daily metrics")
		return
	}
	sendJSON(w, http.StatusOK, analytics.FromRuns(date, runs))
}

// handleSchedule handles GET /api/v1/schedule
func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	if s.nextRun == nil {
		sendError(w, http.StatusServiceUnavailable, "scheduler not configured")
		return
	}
	next, err := s.nextRun()
	if err != nil {
		sendError(w, http.StatusInternalServerError, err.Error())
		return
	}

	sendJSON(w, http.StatusOK, ScheduleResponse{
		NextRun:  next,
		Timezone: s.loc.String(),
		Current:  s.runs.Current(),
		Last:     s.runs.Last(),
	})
}

// sendJSON sends a JSON response
func sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// sendError sends an error response
func sendError(w http.ResponseWriter, status int, message string) {
	sendJSON(w, status, ErrorResponse{Error: message})
}

func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
