package main

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors exposed on /metrics. Each App gets its own
// registry so tests can build several apps side by side.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	upstreamTotal   *prometheus.CounterVec
	upstreamLatency *prometheus.HistogramVec
	analyzedImages  *prometheus.CounterVec
	activeSessions  prometheus.GaugeFunc
}

func newMetrics(activeSessions func() float64) (*Metrics, error) {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "urbanlens_http_requests_total",
			Help: "Total number of HTTP requests handled",
		},
		[]string{"method", "route", "status_code"},
	)
	m.requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "urbanlens_http_request_duration_seconds",
			Help:    "Time taken to handle HTTP requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	// promhttp round tripper instrumentation only allows the code and
	// method labels; the upstream is told apart by a curried label.
	m.upstreamTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "urbanlens_upstream_requests_total",
			Help: "Requests sent to upstream services",
		},
		[]string{"upstream", "code", "method"},
	)
	m.upstreamLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "urbanlens_upstream_request_duration_seconds",
			Help:    "Latency of requests sent to upstream services",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"upstream", "method"},
	)
	m.analyzedImages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "urbanlens_analyzed_images_total",
			Help: "Images sent for analysis, by upload mode and outcome",
		},
		[]string{"mode", "outcome"},
	)
	if activeSessions == nil {
		activeSessions = func() float64 { return 0 }
	}
	m.activeSessions = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "urbanlens_active_workspaces",
			Help: "Session workspaces currently held in memory",
		},
		activeSessions,
	)

	for _, c := range []prometheus.Collector{
		m.requestsTotal, m.requestDuration, m.upstreamTotal, m.upstreamLatency, m.analyzedImages, m.activeSessions,
		collectors.NewGoCollector(),
	} {
		if err := m.registry.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// instrumentClient wraps the transport of an outbound client.
func (m *Metrics) instrumentClient(upstream string, timeout time.Duration) *http.Client {
	labels := prometheus.Labels{"upstream": upstream}
	var transport http.RoundTripper = http.DefaultTransport
	transport = promhttp.InstrumentRoundTripperCounter(m.upstreamTotal.MustCurryWith(labels), transport)
	transport = promhttp.InstrumentRoundTripperDuration(m.upstreamLatency.MustCurryWith(labels), transport)
	return &http.Client{Timeout: timeout, Transport: transport}
}

func (m *Metrics) recordAnalysis(mode string, succeeded, failed int) {
	if m == nil {
		return
	}
	if succeeded > 0 {
		m.analyzedImages.WithLabelValues(mode, "success").Add(float64(succeeded))
	}
	if failed > 0 {
		m.analyzedImages.WithLabelValues(mode, "failure").Add(float64(failed))
	}
}

func (m *Metrics) middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.requestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		m.requestDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}

func (m *Metrics) handler() gin.HandlerFunc {
	h := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{ErrorHandling: promhttp.HTTPErrorOnError})
	return gin.WrapH(h)
}
