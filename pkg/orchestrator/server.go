package orchestrator

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/selfheald/selfheald/pkg/health"
)

const defaultHistoryLimit = 50

// Handler serves the read-only status endpoints. metrics, when non-nil, is mounted at /metrics.
func (o *Orchestrator) Handler(metrics http.Handler) http.Handler {
	mux := http.NewServeMux()
	if metrics != nil {
		mux.Handle("/metrics", metrics)
	}
	mux.HandleFunc("/health", o.serveHealth)
	mux.HandleFunc("/tier", o.serveTier)
	mux.HandleFunc("/breakers", o.serveBreakers)
	mux.HandleFunc("/recovery/history", o.serveHistory)
	return mux
}

func (o *Orchestrator) serveHealth(w http.ResponseWriter, r *http.Request) {
	report := o.health.Current()
	code := http.StatusOK
	if report.OverallStatus == health.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, report)
}

func (o *Orchestrator) serveTier(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, o.degradation.Snapshot())
}

func (o *Orchestrator) serveBreakers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, o.breakers.Snapshots())
}

func (o *Orchestrator) serveHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			http.Error(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		limit = parsed
	}
	records, err := o.History(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
