// Package jobs provides metrics shared by the engine's background jobs.
package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metric names exported for background jobs.
const (
	MetricBackgroundJobsTotal      = "background_jobs_total"
	MetricBackgroundJobsDuration   = "background_jobs_duration_seconds"
	MetricBackgroundJobErrorsTotal = "background_job_errors_total"
)

// Job types. Each is a job_type label value.
const (
	JobTypeSimilarityRetrain = "similarity_retrain"
	JobTypeSettingsSync      = "settings_sync"
)

// Run outcomes for the status label.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
	StatusSkipped = "skipped"
)

// Error type labels returned by ErrorType.
const (
	ErrorTypeTimeout  = "timeout"
	ErrorTypeCanceled = "canceled"
	ErrorTypeInternal = "internal"
)

// ErrorType classifies err for the error_type label.
func ErrorType(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorTypeTimeout
	case errors.Is(err, context.Canceled):
		return ErrorTypeCanceled
	default:
		return ErrorTypeInternal
	}
}

// Metrics counts background job runs. A nil *Metrics records nothing, so
// jobs can hold one unconditionally.
type Metrics struct {
	jobsTotal    *prometheus.CounterVec
	jobsDuration *prometheus.HistogramVec
	jobErrors    *prometheus.CounterVec
}

// NewMetrics creates the collectors without registering them.
func NewMetrics() *Metrics {
	return &Metrics{
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricBackgroundJobsTotal,
			Help: "Background job runs by job type and outcome",
		}, []string{"job_type", "status"}),
		// Retrains are bounded by RETRAIN_TIMEOUT, two minutes by default.
		jobsDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    MetricBackgroundJobsDuration,
			Help:    "Background job run time in seconds by job type",
			Buckets: prometheus.ExponentialBuckets(0.01, 3, 10),
		}, []string{"job_type"}),
		jobErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricBackgroundJobErrorsTotal,
			Help: "Background job failures by job type and error class",
		}, []string{"job_type", "error_type"}),
	}
}

// Register adds every collector to reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Finish records a completed run of jobType that began at started. A non-nil
// err marks the run failed and is classified with ErrorType.
func (m *Metrics) Finish(jobType string, started time.Time, err error) {
	if m == nil {
		return
	}
	status := StatusSuccess
	if err != nil {
		status = StatusFailure
		m.IncJobErrors(jobType, ErrorType(err))
	}
	m.IncJobsTotal(jobType, status)
	m.ObserveJobDuration(jobType, time.Since(started).Seconds())
}

// Skip records a run of jobType that had nothing to do.
func (m *Metrics) Skip(jobType string) {
	if m == nil {
		return
	}
	m.IncJobsTotal(jobType, StatusSkipped)
}

// IncJobsTotal counts one run of jobType finishing with status.
func (m *Metrics) IncJobsTotal(jobType, status string) {
	m.jobsTotal.WithLabelValues(jobType, status).Inc()
}

// ObserveJobDuration records how long a run of jobType took.
func (m *Metrics) ObserveJobDuration(jobType string, seconds float64) {
	m.jobsDuration.WithLabelValues(jobType).Observe(seconds)
}

// IncJobErrors counts an error of errorType during a run of jobType.
func (m *Metrics) IncJobErrors(jobType, errorType string) {
	m.jobErrors.WithLabelValues(jobType, errorType).Inc()
}

// Collectors returns every collector, in registration order.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.jobsTotal,
		m.jobsDuration,
		m.jobErrors,
	}
}
