package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRoutes configures the HTTP surface: health check, WebSocket endpoint,
// test console and Prometheus metrics from gatherer.
func SetupRoutes(h *Hub, gatherer prometheus.Gatherer) *http.ServeMux {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", h.HealthHandler)
	mux.HandleFunc("/ws", h.WebSocketHandler())
	mux.HandleFunc("/test", h.TestPageHandler)
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return mux
}
