// Package admin provides the chi-routed HTTP admin surface every cmd/*
// bootstrap exposes: a liveness probe and a bus-client statistics snapshot,
// with the same counters additionally exported as Prometheus metrics.
//
// Grounded on shingo-edge/www/router.go's chi.NewRouter()+middleware.Recoverer
// shape, trimmed to the two read-only endpoints this spec's HTTP-admin
// surface needs (spec.md explicitly places the rest of a web UI out of
// scope), and on metricsx.Register/Handler's counter-plus-promhttp-handler
// pattern for the metrics side.
package admin

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/caoyingjie21/IntelligentOutboundSystem/busclient"
)

// StatisticsSource is the narrow surface admin needs from the Bus Client.
type StatisticsSource interface {
	Statistics() busclient.Statistics
	IsConnected() bool
}

var (
	publishedTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ios_bus_published_total",
		Help: "Total envelopes published by this service's bus client.",
	})
	receivedTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ios_bus_received_total",
		Help: "Total envelopes received by this service's bus client.",
	})
	reconnectTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ios_bus_reconnect_total",
		Help: "Total reconnect attempts issued by this service's bus client.",
	})
	connected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ios_bus_connected",
		Help: "1 if the bus client currently holds a live MQTT session, else 0.",
	})
)

func init() {
	prometheus.MustRegister(publishedTotal, receivedTotal, reconnectTotal, connected)
}

// NewRouter builds the admin HTTP handler for src. serviceName is reported
// on /healthz for quick identification when several services share a log
// stream.
func NewRouter(serviceName string, src StatisticsSource) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		ok := src.IsConnected()
		status := http.StatusOK
		if !ok {
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"service":   serviceName,
			"connected": ok,
		})
	})

	r.Get("/statistics", func(w http.ResponseWriter, req *http.Request) {
		stats := src.Statistics()
		refreshMetrics(stats)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(stats)
	})

	r.Handle("/metrics", promhttp.Handler())

	return r
}

func refreshMetrics(stats busclient.Statistics) {
	publishedTotal.Set(float64(stats.PublishedCount))
	receivedTotal.Set(float64(stats.ReceivedCount))
	reconnectTotal.Set(float64(stats.ReconnectCount))
	if stats.IsConnected {
		connected.Set(1)
	} else {
		connected.Set(0)
	}
}
