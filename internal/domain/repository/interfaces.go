package repository

import (
	"context"

	"ConflictCast/internal/domain/models"
)

// SeriesSource reads observation histories from the external store. The
// core borrows the series read-only per request; transient errors are
// retryable at the calling boundary.
type SeriesSource interface {
	FetchSeries(ctx context.Context, location string) (*models.ObservationSeries, error)
	Health(ctx context.Context) error
	Close() error
}

// ReportSink hands finished results to the external report layer. Submission
// is fire-and-forget from the core's perspective: failures are logged and
// retried at this boundary but never fail a forecast computation.
type ReportSink interface {
	SubmitForecast(ctx context.Context, res *models.ForecastResult) error
	SubmitMetrics(ctx context.Context, metrics []models.ModelMetrics) error
	Close() error
}

// MetricsStore keeps the latest backtest scorecards per location so the
// ensemble can weight members by recent accuracy.
type MetricsStore interface {
	PutMetrics(ctx context.Context, metrics []models.ModelMetrics) error
	LatestMetrics(ctx context.Context, location string) (map[models.ModelVariant]models.ModelMetrics, error)
}

// Metrics records operational counters and latencies.
type Metrics interface {
	RecordForecast(variant string, outcome string)
	RecordCache(event string)
	RecordFitLatency(variant string, seconds float64)
	RecordJob(kind string, status string)
	RecordError(kind string)
}
