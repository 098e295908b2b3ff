// Package metrics owns the Prometheus registry and every collector the
// server exports. The scrape endpoint itself lives at the HTTP edge and
// is guarded by the scrape token.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arcp-dev/arcp/pkg/models"
)

// Set bundles the registry with the instruments other packages touch.
type Set struct {
	registry *prometheus.Registry

	HTTPRequests    *prometheus.CounterVec
	HTTPDuration    *prometheus.HistogramVec
	WSConnections   *prometheus.GaugeVec
	WSFramesSent    *prometheus.CounterVec
	WSFramesDropped *prometheus.CounterVec
	AuthFailures    *prometheus.CounterVec
	SearchRequests  *prometheus.CounterVec
	SweeperTicks    prometheus.Counter
	SweeperFailures prometheus.Counter
	AlertsRaised    *prometheus.CounterVec
}

// New builds the full collector set. statsFn feeds the agent gauges and
// fallbackFn the storage-fallback gauge; either may be nil, which skips
// the corresponding gauges.
func New(statsFn func() models.RegistryStats, fallbackFn func() bool) *Set {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	s := &Set{
		registry: reg,
		HTTPRequests: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "arcp_http_requests_total",
			Help: "HTTP requests by method, route, and status code.",
		}, []string{"method", "route", "code"}),
		HTTPDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "arcp_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.3, 0.6, 1, 3, 6},
		}, []string{"method", "route"}),
		WSConnections: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "arcp_ws_connections",
			Help: "Open WebSocket connections per hub.",
		}, []string{"hub"}),
		WSFramesSent: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "arcp_ws_frames_sent_total",
			Help: "Frames written to WebSocket clients per hub.",
		}, []string{"hub"}),
		WSFramesDropped: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "arcp_ws_frames_dropped_total",
			Help: "Frames dropped on slow WebSocket clients per hub.",
		}, []string{"hub"}),
		AuthFailures: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "arcp_auth_failures_total",
			Help: "Authentication failures by reason.",
		}, []string{"reason"}),
		SearchRequests: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "arcp_search_requests_total",
			Help: "Search requests by ranking mode.",
		}, []string{"mode"}),
		SweeperTicks: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "arcp_sweeper_ticks_total",
			Help: "Completed sweeper ticks.",
		}),
		SweeperFailures: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "arcp_sweeper_tick_failures_total",
			Help: "Sweeper ticks that hit a storage or probe error.",
		}),
		AlertsRaised: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "arcp_alerts_raised_total",
			Help: "Alerts emitted by severity.",
		}, []string{"severity"}),
	}

	if statsFn != nil {
		promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
			Name: "arcp_agents_total",
			Help: "Registered agents.",
		}, func() float64 { return float64(statsFn().TotalAgents) })
		promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
			Name: "arcp_agents_alive",
			Help: "Agents currently alive.",
		}, func() float64 { return float64(statsFn().AliveAgents) })
		promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
			Name: "arcp_agents_dead",
			Help: "Agents currently dead.",
		}, func() float64 { return float64(statsFn().DeadAgents) })
	}
	if fallbackFn != nil {
		promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
			Name: "arcp_storage_using_fallback",
			Help: "1 while the in-memory fallback backend is active.",
		}, func() float64 {
			if fallbackFn() {
				return 1
			}
			return 0
		})
	}
	return s
}

// Handler serves the scrape endpoint for this set's registry.
func (s *Set) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}
