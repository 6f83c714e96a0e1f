// Package forecasting contains the model adapters, the ensemble combiner
// and the backtesting evaluator of the forecast engine.
package forecasting

import (
	"errors"
	"fmt"
	"time"

	"ConflictCast/internal/domain/models"
)

var (
	// ErrNotFitted is returned by Predict before a successful Fit.
	ErrNotFitted = errors.New("model has not been fitted")
	// ErrDegenerateSeries is returned when a fit cannot converge, e.g. a
	// singular design matrix on a constant series.
	ErrDegenerateSeries = errors.New("series is degenerate for this model")
)

// Prediction is the output of one fitted model: the point sequence plus
// diagnostics. The engine pairs it with the originating request to build a
// ForecastResult.
type Prediction struct {
	Points   []models.ForecastPoint
	Metadata models.ForecastMetadata
}

// Model is the uniform fit/predict contract every variant implements.
// Fitting is deterministic given the same series: no unseeded randomness,
// so cached results and tests are reproducible.
type Model interface {
	Variant() models.ModelVariant
	Fit(series *models.ObservationSeries) error
	Predict(horizon int) (*Prediction, error)
}

// Config tunes the model adapters. Zero values fall back to defaults.
type Config struct {
	// SeasonalPeriod is the dominant cycle length in steps (52 for weekly
	// data). Short series degrade to smaller candidate periods.
	SeasonalPeriod int
	// IntervalZ is the normal quantile used for prediction intervals.
	IntervalZ float64
	// MaxAROrder bounds the autoregressive order search.
	MaxAROrder int
	// ChangepointZ is the slope-shift threshold in residual-slope stddevs.
	ChangepointZ float64
}

func (c Config) withDefaults() Config {
	if c.SeasonalPeriod <= 0 {
		c.SeasonalPeriod = 52
	}
	if c.IntervalZ <= 0 {
		c.IntervalZ = 1.96
	}
	if c.MaxAROrder <= 0 {
		c.MaxAROrder = 4
	}
	if c.ChangepointZ <= 0 {
		c.ChangepointZ = 2.0
	}
	return c
}

// New builds a model adapter for a single fittable variant. The ensemble is
// not a Model; it combines Predictions in the Combiner.
func New(variant models.ModelVariant, cfg Config) (Model, error) {
	switch variant {
	case models.VariantDecomposition:
		return NewDecomposition(cfg), nil
	case models.VariantAutoregressive:
		return NewAutoregressive(cfg), nil
	}
	return nil, fmt.Errorf("no model adapter for variant %q", variant)
}

// checkLength enforces the absolute minimum series length shared by all
// adapters.
func checkLength(series *models.ObservationSeries) error {
	if series.Len() < models.MinObservations {
		return &models.InsufficientDataError{
			Location: series.Location,
			Got:      series.Len(),
			Min:      models.MinObservations,
		}
	}
	return nil
}

// forecastDates extends the series cadence `horizon` steps past its end.
func forecastDates(series *models.ObservationSeries, horizon int) []time.Time {
	step := series.Step()
	last := series.Points[series.Len()-1].Timestamp
	out := make([]time.Time, horizon)
	for i := 0; i < horizon; i++ {
		last = last.Add(step)
		out[i] = last
	}
	return out
}

// trendFromSlope classifies a per-step slope relative to the series scale.
func trendFromSlope(slope, scale float64) models.TrendDirection {
	eps := 0.005 * scale
	if eps == 0 {
		eps = 1e-9
	}
	switch {
	case slope > eps:
		return models.TrendIncreasing
	case slope < -eps:
		return models.TrendDecreasing
	default:
		return models.TrendStable
	}
}
