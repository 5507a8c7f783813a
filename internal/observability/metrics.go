package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "hazardmap"

// Metrics holds the Prometheus counters and histograms for the API and its adapters.
type Metrics struct {
	HTTPRequests *prometheus.CounterVec   // labels: method, route, status
	HTTPDuration *prometheus.HistogramVec // labels: method, route

	// Geocoding metrics.
	GeocodeRequests    *prometheus.CounterVec   // labels: method={forward,reverse}, outcome={success,error,empty}
	GeocodeCache       *prometheus.CounterVec   // labels: method={forward,reverse}, result={hit,miss}
	GeocodeAPIDuration *prometheus.HistogramVec // labels: method={forward,reverse}

	// Alert metrics.
	AlertRequests *prometheus.CounterVec // labels: outcome={success,error}
	AlertCache    *prometheus.CounterVec // labels: result={hit,miss}

	// Map composition metrics.
	MarkersPlaced  prometheus.Counter
	MarkersSkipped prometheus.Counter
	StaleBuilds    prometheus.Counter
}

// NewMetrics creates and registers all metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(
		m.HTTPRequests,
		m.HTTPDuration,
		m.GeocodeRequests,
		m.GeocodeCache,
		m.GeocodeAPIDuration,
		m.AlertRequests,
		m.AlertCache,
		m.MarkersPlaced,
		m.MarkersSkipped,
		m.StaleBuilds,
	)
	return m
}

// NewMetricsForTesting creates Metrics without registering them, so repeated
// construction from tests does not panic.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		GeocodeRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "geocode_requests_total",
			Help:      "Geocoding API requests by method and outcome.",
		}, []string{"method", "outcome"}),
		GeocodeCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "geocode_cache_total",
			Help:      "Geocoding cache lookups by method and result.",
		}, []string{"method", "result"}),
		GeocodeAPIDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "geocode_api_duration_seconds",
			Help:      "Kakao Local API request duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"method"}),
		AlertRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alert_requests_total",
			Help:      "Disaster message API fetches by outcome.",
		}, []string{"outcome"}),
		AlertCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alert_cache_total",
			Help:      "Alert cache lookups by result.",
		}, []string{"result"}),
		MarkersPlaced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "markers_placed_total",
			Help:      "Markers created by registry rebuilds.",
		}),
		MarkersSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "markers_skipped_total",
			Help:      "Records dropped from a rebuild because geocoding failed.",
		}),
		StaleBuilds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_geocode_results_total",
			Help:      "Geocode results discarded because a newer rebuild started.",
		}),
	}
}
