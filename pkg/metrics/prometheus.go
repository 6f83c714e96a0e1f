package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder implements domain.repository.Metrics using Prometheus.
type Recorder struct {
	forecasts  *prometheus.CounterVec
	cacheOps   *prometheus.CounterVec
	jobsTotal  *prometheus.CounterVec
	errors     *prometheus.CounterVec
	fitLatency *prometheus.HistogramVec
}

// New creates a new Prometheus metrics recorder.
func New() *Recorder {
	return &Recorder{
		forecasts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conflictcast_forecasts_total",
				Help: "Total forecast requests served, by variant and outcome",
			},
			[]string{"variant", "outcome"},
		),
		cacheOps: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conflictcast_cache_events_total",
				Help: "Result cache events (hit, miss, coalesced, invalidate)",
			},
			[]string{"event"},
		),
		jobsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conflictcast_jobs_total",
				Help: "Scheduled job lifecycle events, by kind and status",
			},
			[]string{"kind", "status"},
		),
		errors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conflictcast_errors_total",
				Help: "Total number of errors encountered",
			},
			[]string{"type"},
		),
		fitLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "conflictcast_model_fit_duration_seconds",
				Help:    "Duration of model fit and predict, by variant",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"variant"},
		),
	}
}

// RecordForecast records a served forecast request.
func (r *Recorder) RecordForecast(variant, outcome string) {
	r.forecasts.WithLabelValues(variant, outcome).Inc()
}

// RecordCache records a result cache event.
func (r *Recorder) RecordCache(event string) {
	r.cacheOps.WithLabelValues(event).Inc()
}

// RecordFitLatency records one model computation in seconds.
func (r *Recorder) RecordFitLatency(variant string, seconds float64) {
	r.fitLatency.WithLabelValues(variant).Observe(seconds)
}

// RecordJob records a job lifecycle event.
func (r *Recorder) RecordJob(kind, status string) {
	r.jobsTotal.WithLabelValues(kind, status).Inc()
}

// RecordError records an error occurrence.
func (r *Recorder) RecordError(kind string) {
	r.errors.WithLabelValues(kind).Inc()
}
