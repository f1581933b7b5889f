package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusHandler exposes Metrics in Prometheus' text exposition format.
//
// All internal counters are exported as a single metric with an `event`
// label.
func PrometheusHandler(m *Metrics) http.Handler {
	if m == nil || m.registry == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "metrics not configured", http.StatusInternalServerError)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
