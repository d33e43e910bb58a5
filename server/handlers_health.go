package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/onnwee/formcheck/analysis"
	"github.com/onnwee/formcheck/db"
)

// HandleHealthz responds to liveness probe requests by checking database connectivity.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := h.DB.PingContext(r.Context()); err != nil {
		http.Error(w, "unhealthy", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz responds to readiness probe requests with detailed system checks.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"database", func() error { return h.DB.PingContext(r.Context()) }},
		{"circuit_breaker", func() error {
			state, err := db.GetKV(r.Context(), h.DB, analysis.KeyCircuitState)
			if err != nil {
				return err
			}
			if state == "open" {
				return fmt.Errorf("circuit breaker open")
			}
			return nil
		}},
		{"upload_dir", func() error {
			info, err := os.Stat(h.Videos.Dir())
			if err != nil {
				return err
			}
			if !info.IsDir() {
				return errors.New("upload path is not a directory")
			}
			return nil
		}},
	}

	for _, check := range checks {
		if err := check.fn(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// statusSnapshot is the queue and analyzer state reported by /status and /admin/monitor.
type statusSnapshot struct {
	Pending          int        `json:"pending"`
	Running          int        `json:"running"`
	Done             int        `json:"done"`
	Failed           int        `json:"failed"`
	Canceled         int        `json:"canceled"`
	Circuit          string     `json:"circuit_state"`
	CircuitFailures  int        `json:"circuit_failures"`
	CircuitOpenUntil *time.Time `json:"circuit_open_until,omitempty"`
	AvgAnalysisMS    float64    `json:"avg_analysis_ms"`
	LastFinished     *time.Time `json:"last_finished,omitempty"`
	Publishing       bool       `json:"publishing_enabled"`
}

func (h *Handlers) snapshot(ctx context.Context) (*statusSnapshot, error) {
	counts, err := h.Uploads.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	s := &statusSnapshot{
		Pending:    counts["pending"],
		Running:    counts["running"],
		Done:       counts["done"],
		Failed:     counts["failed"],
		Canceled:   counts["canceled"],
		Circuit:    "closed",
		Publishing: h.YouTube != nil,
	}
	kv := func(key string) string {
		v, _ := db.GetKV(ctx, h.DB, key)
		return v
	}
	if v := kv(analysis.KeyCircuitState); v != "" {
		s.Circuit = v
	}
	s.CircuitFailures, _ = strconv.Atoi(kv(analysis.KeyCircuitFailures))
	s.AvgAnalysisMS, _ = strconv.ParseFloat(kv(analysis.KeyAvgAnalysisMS), 64)
	if t, err := time.Parse(time.RFC3339, kv(analysis.KeyCircuitOpenUntil)); err == nil {
		s.CircuitOpenUntil = &t
	}
	if t, err := time.Parse(time.RFC3339, kv(analysis.KeyLastFinished)); err == nil {
		s.LastFinished = &t
	}
	return s, nil
}

// HandleStatus reports queue counts and analyzer health.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	s, err := h.snapshot(r.Context())
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s)
}
