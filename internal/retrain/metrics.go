package retrain

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics names as constants for consistency.
const (
	MetricRetrainTotal    = "similarity_retrain_total"
	MetricRetrainDuration = "similarity_retrain_duration_seconds"
	MetricDocuments       = "similarity_documents"
	MetricActiveSlot      = "similarity_active_slot"
	MetricDegraded        = "similarity_degraded"
)

// Metrics contains Prometheus metrics for similarity retraining.
// All operations are thread-safe.
type Metrics struct {
	retrainTotal    *prometheus.CounterVec
	retrainDuration prometheus.Histogram
	documents       prometheus.Gauge
	activeSlot      prometheus.Gauge
	degraded        prometheus.Gauge
}

// NewMetrics creates the collectors without registering them.
func NewMetrics() *Metrics {
	return &Metrics{
		retrainTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricRetrainTotal,
			Help: "Total number of similarity index training cycles by status",
		}, []string{"status"}),
		retrainDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    MetricRetrainDuration,
			Help:    "Histogram of similarity index training duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0, 120.0},
		}),
		documents: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: MetricDocuments,
			Help: "Number of documents in the active similarity index",
		}),
		activeSlot: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: MetricActiveSlot,
			Help: "Slot currently serving similarity queries (0 primary, 1 secondary)",
		}),
		degraded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: MetricDegraded,
			Help: "1 when the most recent training cycle failed and a stale index is serving",
		}),
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

// IncRetrain counts a finished cycle with status.
func (m *Metrics) IncRetrain(status string) {
	m.retrainTotal.WithLabelValues(status).Inc()
}

// ObserveRetrainDuration records a cycle duration sample.
func (m *Metrics) ObserveRetrainDuration(seconds float64) {
	m.retrainDuration.Observe(seconds)
}

// SetDocuments sets the active index document count.
func (m *Metrics) SetDocuments(n int) {
	m.documents.Set(float64(n))
}

// SetActiveSlot records the serving slot.
func (m *Metrics) SetActiveSlot(s Slot) {
	m.activeSlot.Set(float64(s))
}

// SetDegraded records whether a stale index is serving.
func (m *Metrics) SetDegraded(degraded bool) {
	if degraded {
		m.degraded.Set(1)
		return
	}
	m.degraded.Set(0)
}

// Collectors returns all Prometheus collectors for testing.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.retrainTotal,
		m.retrainDuration,
		m.documents,
		m.activeSlot,
		m.degraded,
	}
}
