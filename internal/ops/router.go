package ops

import (
	"encoding/json"
	"net/http"

	"github.com/measurement-factory/squid-sub000/internal/metrics"
	"github.com/measurement-factory/squid-sub000/internal/store"
)

// StoreReporter is the minimal surface the manager routes need from the
// store controller.
type StoreReporter interface {
	Report() store.Report
	TransientsReport() store.TransientsReport
}

// NewHandler assembles the operational routes: /healthz for liveness,
// /metrics for Prometheus, and /mgr/store plus /mgr/transients for
// coordination introspection.
func NewHandler(reporter StoreReporter, rec *metrics.Recorder) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	mux.Handle("GET /metrics", rec.Handler())

	mux.HandleFunc("GET /mgr/store", func(w http.ResponseWriter, _ *http.Request) {
		if reporter == nil {
			writeError(w, http.StatusServiceUnavailable, "store unavailable")
			return
		}
		writeJSON(w, http.StatusOK, reporter.Report())
	})

	mux.HandleFunc("GET /mgr/transients", func(w http.ResponseWriter, _ *http.Request) {
		if reporter == nil {
			writeError(w, http.StatusServiceUnavailable, "store unavailable")
			return
		}
		writeJSON(w, http.StatusOK, reporter.TransientsReport())
	})

	return mux
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
