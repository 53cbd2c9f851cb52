package api

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the HTTP and locator collectors
type Metrics struct {
	requests    *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	results     prometheus.Histogram
	skipped     prometheus.Counter
	rateLimited prometheus.Counter
	stores      prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storelocator_http_requests_total",
			Help: "HTTP requests by route, method and status",
		}, []string{"route", "method", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "storelocator_http_request_duration_seconds",
			Help:    "HTTP request latency by route",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		results: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "storelocator_nearest_results",
			Help:    "Number of stores returned per nearest query",
			Buckets: []float64{0, 1, 2, 5, 10, 20, 50, 100},
		}),
		skipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "storelocator_skipped_candidates_total",
			Help: "Candidates dropped because of an invalid coordinate",
		}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "storelocator_rate_limited_total",
			Help: "Requests rejected by the rate limiter",
		}),
		stores: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "storelocator_stores",
			Help: "Stores held by the candidate source, -1 when unknown",
		}),
	}
	m.stores.Set(-1)

	reg.MustRegister(m.requests, m.latency, m.results, m.skipped, m.rateLimited, m.stores)
	return m
}

// ObserveSkipped counts candidates dropped by the locator
func (m *Metrics) ObserveSkipped(n int) {
	m.skipped.Add(float64(n))
}

// ObserveStoreCount records the size of the candidate source
func (m *Metrics) ObserveStoreCount(n int64) {
	m.stores.Set(float64(n))
}

func (m *Metrics) middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.requests.WithLabelValues(route, c.Request.Method, strconv.Itoa(c.Writer.Status())).Inc()
		m.latency.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}
