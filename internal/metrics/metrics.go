// Registers:
//
//	#tradegate_venue_requests_total
//	#tradegate_venue_request_duration_seconds
//	#tradegate_venue_status
//	#tradegate_realtime_messages_total
//	#tradegate_realtime_connected
//	#go_* and process_* system metrics
//
// Served by the dashboard on /metrics via Handler.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once     sync.Once
	registry *prometheus.Registry

	venueRequests    *prometheus.CounterVec
	venueLatency     *prometheus.HistogramVec
	venueStatus      *prometheus.GaugeVec
	realtimeMessages *prometheus.CounterVec
	realtimeState    prometheus.Gauge
)

// Status values exported by tradegate_venue_status.
var statusValues = map[string]float64{
	"connected":    1,
	"timeout":      0,
	"unauthorized": -1,
	"error":        -2,
}

// Init creates the collectors. Calling it again is a no-op.
func Init() {
	once.Do(func() {
		registry = prometheus.NewRegistry()

		venueRequests = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradegate_venue_requests_total",
				Help: "Venue REST requests by endpoint and outcome",
			},
			[]string{"venue", "endpoint", "outcome"},
		)
		venueLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tradegate_venue_request_duration_seconds",
				Help:    "Venue REST round trip latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"venue", "endpoint"},
		)
		venueStatus = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tradegate_venue_status",
				Help: "Last probe result per venue (1 connected, 0 timeout, -1 unauthorized, -2 error)",
			},
			[]string{"venue"},
		)
		realtimeMessages = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradegate_realtime_messages_total",
				Help: "Realtime frames by direction",
			},
			[]string{"direction"},
		)
		realtimeState = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tradegate_realtime_connected",
			Help: "1 while the realtime connection is open",
		})

		registry.MustRegister(venueRequests, venueLatency, venueStatus, realtimeMessages, realtimeState)
		registry.MustRegister(collectors.NewGoCollector())
		registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

// Handler serves the gateway registry in the Prometheus exposition format.
func Handler() http.Handler {
	Init()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// ObserveRequest records one venue request.
func ObserveRequest(venue, endpoint, outcome string, elapsed time.Duration) {
	if venueRequests == nil {
		return
	}
	venueRequests.WithLabelValues(venue, endpoint, outcome).Inc()
	venueLatency.WithLabelValues(venue, endpoint).Observe(elapsed.Seconds())
}

// SetVenueStatus records the latest probe status for venue.
func SetVenueStatus(venue, status string) {
	if venueStatus == nil {
		return
	}
	v, ok := statusValues[status]
	if !ok {
		v = statusValues["error"]
	}
	venueStatus.WithLabelValues(venue).Set(v)
}

// IncRealtimeMessages counts realtime frames; direction is "in" or "out".
func IncRealtimeMessages(direction string) {
	if realtimeMessages == nil {
		return
	}
	realtimeMessages.WithLabelValues(direction).Inc()
}

// SetRealtimeConnected flips the realtime connection gauge.
func SetRealtimeConnected(connected bool) {
	if realtimeState == nil {
		return
	}
	if connected {
		realtimeState.Set(1)
		return
	}
	realtimeState.Set(0)
}
