package refdata

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics names as constants for consistency.
const (
	MetricRequestsTotal   = "refdata_requests_total"
	MetricRequestDuration = "refdata_request_duration_seconds"
	MetricCacheTotal      = "refdata_cache_total"
)

// Request results.
const (
	ResultOK        = "ok"
	ResultNotFound  = "not_found"
	ResultError     = "error"
	ResultRejected  = "rejected"
	ResultThrottled = "throttled"
)

// Cache results.
const (
	CacheHit   = "hit"
	CacheMiss  = "miss"
	CacheError = "error"
)

// Metrics contains Prometheus metrics for reference-data lookups.
// All operations are thread-safe.
type Metrics struct {
	requests        *prometheus.CounterVec
	requestDuration prometheus.Histogram
	cache           *prometheus.CounterVec
}

// NewMetrics creates the collectors without registering them.
func NewMetrics() *Metrics {
	return &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricRequestsTotal,
			Help: "Total number of upstream reference-data requests by result",
		}, []string{"result"}),
		requestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    MetricRequestDuration,
			Help:    "Histogram of upstream reference-data request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}),
		cache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricCacheTotal,
			Help: "Total number of reference-data cache lookups by result",
		}, []string{"result"}),
	}
}

// Register registers all metrics with the given registry.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) observeRequest(result string, seconds float64) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(result).Inc()
	m.requestDuration.Observe(seconds)
}

func (m *Metrics) incCache(result string) {
	if m == nil {
		return
	}
	m.cache.WithLabelValues(result).Inc()
}

// Collectors returns all Prometheus collectors for testing.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.requests,
		m.requestDuration,
		m.cache,
	}
}
