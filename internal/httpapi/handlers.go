package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"agentd/internal/scheduler"
	"agentd/pkg/logx"
)

type errorResponse struct {
	Error string `json:"error"`
}

type healthzResponse struct {
	Status        string  `json:"status"`
	UptimeSeconds int64   `json:"uptime_seconds"`
	Plugins       int     `json:"plugins"`
	HealthScore   float64 `json:"health_score"`
	OpenCircuits  int     `json:"open_circuits"`
	Isolated      int     `json:"isolated"`
}

// resultView is ExecutionResult with the error rendered.
type resultView struct {
	scheduler.ExecutionResult
	Error string `json:"error,omitempty"`
}

type batchView struct {
	Mode       scheduler.Mode `json:"mode"`
	StartedAt  time.Time      `json:"started_at"`
	DurationMs float64        `json:"duration_ms"`
	Results    []resultView   `json:"results"`
	Succeeded  int            `json:"succeeded"`
	Failed     int            `json:"failed"`
	Skipped    int            `json:"skipped"`
}

func viewResult(r scheduler.ExecutionResult) resultView {
	return resultView{ExecutionResult: r, Error: r.Error()}
}

func respondJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	respondJSON(w, code, errorResponse{Error: msg})
}

// handleHealthz reports 200 while the health score is at least 0.5.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	sm := s.eng.SystemMetrics(r.Context())
	resp := healthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		Plugins:       sm.TotalPlugins,
		HealthScore:   sm.HealthScore,
		OpenCircuits:  len(sm.OpenCircuits),
		Isolated:      len(sm.Isolated),
	}
	code := http.StatusOK
	if sm.HealthScore < 0.5 {
		resp.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	respondJSON(w, code, resp)
}

func (s *Server) handleSystem(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.eng.SystemMetrics(r.Context()))
}

func (s *Server) handlePlan(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.eng.Plan())
}

func (s *Server) handleListPlugins(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.eng.Descriptors())
}

func (s *Server) handleGetPlugin(w http.ResponseWriter, r *http.Request) {
	d, ok := s.eng.Descriptor(chi.URLParam(r, "name"))
	if !ok {
		writeError(w, http.StatusNotFound, "plugin not found")
		return
	}
	respondJSON(w, http.StatusOK, d)
}

// handleRunPlugin runs one plugin. ?timeout= takes a Go duration.
func (s *Server) handleRunPlugin(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if _, ok := s.eng.Descriptor(name); !ok {
		writeError(w, http.StatusNotFound, "plugin not found")
		return
	}
	var timeout time.Duration
	if v := r.URL.Query().Get("timeout"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "invalid timeout")
			return
		}
		timeout = d
	}
	respondJSON(w, http.StatusOK, viewResult(s.eng.RunOne(r.Context(), name, timeout)))
}

func (s *Server) handleReinstate(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	err := s.eng.Reinstate(r.Context(), name)
	switch {
	case errors.Is(err, scheduler.ErrUnknownPlugin):
		writeError(w, http.StatusNotFound, "plugin not found")
		return
	case errors.Is(err, scheduler.ErrShutDown):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		// Reinstated, but re-initialization failed.
		d, _ := s.eng.Descriptor(name)
		respondJSON(w, http.StatusUnprocessableEntity, struct {
			scheduler.Descriptor
			Error string `json:"error"`
		}{d, err.Error()})
		return
	}
	d, _ := s.eng.Descriptor(name)
	respondJSON(w, http.StatusOK, d)
}

// handleRunAll runs every plugin; ?mode=sequential|parallel.
func (s *Server) handleRunAll(w http.ResponseWriter, r *http.Request) {
	mode, err := scheduler.ParseMode(r.URL.Query().Get("mode"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	b, err := s.eng.RunAll(r.Context(), mode)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	out := batchView{
		Mode:       b.Mode,
		StartedAt:  b.StartedAt,
		DurationMs: b.DurationMs,
		Results:    make([]resultView, 0, len(b.Results)),
		Succeeded:  b.Succeeded,
		Failed:     b.Failed,
		Skipped:    b.Skipped,
	}
	for _, res := range b.Results {
		out.Results = append(out.Results, viewResult(res))
	}
	respondJSON(w, http.StatusOK, out)
}

// handleFailures lists failures; ?plugin= filters, ?limit= caps (default 50).
func (s *Server) handleFailures(w http.ResponseWriter, r *http.Request) {
	if s.failures == nil {
		writeError(w, http.StatusNotImplemented, "failure history unavailable")
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	evs, err := s.failures.Failures(r.Context(), r.URL.Query().Get("plugin"), limit)
	if err != nil {
		s.log.Error("http.failures_query", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "failed to load failures")
		return
	}
	respondJSON(w, http.StatusOK, evs)
}
