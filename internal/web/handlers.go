package web

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/sweeney/anneal-control/internal/control"
	"github.com/sweeney/anneal-control/internal/history"
	"github.com/sweeney/anneal-control/internal/metrics"
	"github.com/sweeney/anneal-control/internal/status"
)

// defaultRunsLimit bounds /api/runs when no limit is given.
const defaultRunsLimit = 50

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	snap := s.tracker.Snapshot()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := renderHTML(w, snap); err != nil {
		log.Printf("web: render index: %v", err)
	}
}

func (s *Server) handleJSON(w http.ResponseWriter, r *http.Request) {
	snap := s.tracker.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	w.Write(status.FormatJSON(snap))
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// submit forwards in to the active run.
func (s *Server) submit(w http.ResponseWriter, in control.Intent) {
	kind := in.Kind.String()
	switch {
	case s.control == nil:
		metrics.IntentsTotal.WithLabelValues(kind, "unavailable").Inc()
		writeError(w, http.StatusServiceUnavailable, "control not available")
		return
	case !s.tracker.Snapshot().Running():
		metrics.IntentsTotal.WithLabelValues(kind, "no_run").Inc()
		writeError(w, http.StatusConflict, "no active run")
		return
	case !s.control.Submit(in):
		metrics.IntentsTotal.WithLabelValues(kind, "busy").Inc()
		writeError(w, http.StatusServiceUnavailable, "controller busy, retry")
		return
	}
	metrics.IntentsTotal.WithLabelValues(kind, "accepted").Inc()
	log.Printf("web: accepted %s", in)
	writeJSON(w, http.StatusAccepted, map[string]string{"accepted": in.String()})
}

func (s *Server) handleSimple(in control.Intent) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.submit(w, in)
	}
}

// formValue reads key from a JSON object body or from form values.
func formValue(r *http.Request, key string) (string, error) {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var body map[string]any
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<12)).Decode(&body); err != nil {
			return "", errors.New("invalid JSON body")
		}
		switch v := body[key].(type) {
		case string:
			return v, nil
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64), nil
		case nil:
			return "", nil
		default:
			return "", errors.New("invalid " + key)
		}
	}
	return r.FormValue(key), nil
}

func (s *Server) handleAdjust(w http.ResponseWriter, r *http.Request) {
	raw, err := formValue(r, "current")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	target, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || math.IsNaN(target) || math.IsInf(target, 0) || target < 0 {
		writeError(w, http.StatusBadRequest, "current must be a non-negative number")
		return
	}
	s.submit(w, control.Adjust(target))
}

func (s *Server) handleMode(w http.ResponseWriter, r *http.Request) {
	raw, err := formValue(r, "mode")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	m, err := control.ParseMode(strings.TrimSpace(raw))
	if err != nil || m == control.ModeRecovery {
		writeError(w, http.StatusBadRequest, "mode must be manual, ai or ladder")
		return
	}
	s.submit(w, control.SetMode(m))
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		writeError(w, http.StatusServiceUnavailable, "history not available")
		return
	}
	limit := defaultRunsLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	runs, err := s.runs.List(limit)
	if err != nil {
		log.Printf("web: list runs: %v", err)
		writeError(w, http.StatusInternalServerError, "history read failed")
		return
	}
	if runs == nil {
		runs = []history.RunSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		writeError(w, http.StatusServiceUnavailable, "history not available")
		return
	}
	run, err := s.runs.Get(mux.Vars(r)["id"])
	if errors.Is(err, history.ErrNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		log.Printf("web: get run: %v", err)
		writeError(w, http.StatusInternalServerError, "history read failed")
		return
	}
	writeJSON(w, http.StatusOK, run)
}
