package middleware

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"

	"chatsearch/internal/metrics"
)

// unmatchedRoute labels requests no route matched, so arbitrary paths cannot grow
// label cardinality.
const unmatchedRoute = "unmatched"

// MetricsMiddleware records request counts, latency, response size and in-flight
// requests, labelled by route template.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		metrics.HTTPRequestsInFlight.Inc()
		defer metrics.HTTPRequestsInFlight.Dec()

		route := routeLabel(r)
		timer := prometheus.NewTimer(metrics.HTTPRequestDuration.WithLabelValues(r.Method, route))
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rw, r)

		timer.ObserveDuration()
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
		metrics.HTTPResponseSize.WithLabelValues(route).Observe(float64(rw.written))
	})
}

func routeLabel(r *http.Request) string {
	route := mux.CurrentRoute(r)
	if route == nil {
		return unmatchedRoute
	}
	tmpl, err := route.GetPathTemplate()
	if err != nil {
		return unmatchedRoute
	}
	return tmpl
}
