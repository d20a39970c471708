package monitor

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/pagewatch/shield"
)

// Handler returns the HTTP API: health, Prometheus metrics, the JSON API
// under /api and the MCP streamable HTTP endpoint under /mcp.
func (s *Service) Handler(version string) http.Handler {
	r := chi.NewRouter()
	for _, mw := range shield.Stack(s.cfg.HTTP.Shield, s.logger) {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", s.metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/progress", s.handleProgress)
		r.Delete("/progress", s.handleResetProgress)
		r.Post("/runs", s.handleRun)
		r.Get("/runs", s.handleListRuns)
		r.Post("/reconcile", s.handleReconcile)
		r.Get("/targets", s.handleListTargets)
		r.Get("/targets/{id}", s.handleGetTarget)
		r.Get("/targets/{id}/snapshots", s.handleListSnapshots)
		r.Post("/targets/{id}/detect", s.handleDetect)
		r.Get("/changes", s.handleListChanges)
		r.Get("/changes/{id}", s.handleGetChange)
		r.Get("/extractions/pending", s.handlePendingExtractions)
	})

	srv := s.NewMCPServer(version)
	r.Handle("/mcp", mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return srv }, nil))
	return r
}

func (s *Service) handleProgress(w http.ResponseWriter, r *http.Request) {
	p, err := s.Progress(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Service) handleResetProgress(w http.ResponseWriter, r *http.Request) {
	if err := s.ResetProgress(r.Context()); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleRun(w http.ResponseWriter, r *http.Request) {
	rep, err := s.RunBatch(r.Context())
	if rep == nil {
		s.fail(w, r, err)
		return
	}
	if err != nil {
		shield.GetLogger(r.Context()).Warn("monitor: run ended with error", "error", err)
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Service) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.ListRuns(r.Context(), queryInt(r, "limit", 20))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Service) handleReconcile(w http.ResponseWriter, r *http.Request) {
	var req reconcileRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			code := http.StatusBadRequest
			if shield.IsTooLarge(err) {
				code = http.StatusRequestEntityTooLarge
			}
			writeError(w, code, err)
			return
		}
	}
	sc, err := req.scope()
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	rep, err := s.Reconcile(r.Context(), sc)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Service) handleListTargets(w http.ResponseWriter, r *http.Request) {
	targets, err := s.ListTargets(r.Context(), r.URL.Query().Get("all") != "true")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, targets)
}

func (s *Service) handleGetTarget(w http.ResponseWriter, r *http.Request) {
	t, err := s.GetTarget(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Service) handleListSnapshots(w http.ResponseWriter, r *http.Request) {
	snaps, err := s.ListSnapshots(r.Context(), chi.URLParam(r, "id"), queryInt(r, "limit", 50))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snaps)
}

func (s *Service) handleDetect(w http.ResponseWriter, r *http.Request) {
	rec, err := s.Detect(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detectResponse{Changed: rec != nil, Record: rec})
}

func (s *Service) handleListChanges(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := ChangeFilter{
		TargetID:   q.Get("target_id"),
		AlertOnly:  q.Get("alert_only") == "true",
		ReviewOnly: q.Get("review_only") == "true",
		Limit:      queryInt(r, "limit", 50),
	}
	for key, dst := range map[string]*time.Time{"since": &f.Since, "until": &f.Until} {
		if v := q.Get(key); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			*dst = t
		}
	}
	recs, err := s.ListChanges(r.Context(), f)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Service) handleGetChange(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	rec, err := s.GetChange(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Service) handlePendingExtractions(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.PendingExtractions(r.Context(), queryInt(r, "limit", 100))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

// fail maps service errors to status codes.
func (s *Service) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, ErrAlreadyRunning):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, ErrIncompleteHistory):
		writeError(w, http.StatusUnprocessableEntity, err)
	default:
		shield.GetLogger(r.Context()).Error("monitor: request failed", "error", err)
		writeError(w, http.StatusInternalServerError, err)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, key string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || v <= 0 {
		return def
	}
	return v
}
