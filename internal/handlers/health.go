package handlers

import "net/http"

// Readiness reports whether ingestion has caught up with history.
type Readiness interface {
	IsLive() bool
}

func HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// ReadyHandler answers 200 once live, 503 while backfilling. A nil readiness is always
// ready, for processes that only serve queries.
func ReadyHandler(readiness Readiness) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if readiness != nil && !readiness.IsLive() {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("Backfilling"))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("Ready"))
	}
}
