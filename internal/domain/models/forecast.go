package models

import (
	"fmt"
	"time"
)

// ModelVariant selects which forecasting strategy serves a request.
type ModelVariant string

const (
	VariantDecomposition  ModelVariant = "decomposition"
	VariantAutoregressive ModelVariant = "autoregressive"
	VariantEnsemble       ModelVariant = "ensemble"
)

// SingleVariants lists the individually fittable variants, i.e. everything
// except the ensemble which combines them.
func SingleVariants() []ModelVariant {
	return []ModelVariant{VariantDecomposition, VariantAutoregressive}
}

// ParseVariant maps a wire string onto a known variant.
func ParseVariant(s string) (ModelVariant, error) {
	switch ModelVariant(s) {
	case VariantDecomposition, VariantAutoregressive, VariantEnsemble:
		return ModelVariant(s), nil
	}
	return "", fmt.Errorf("unknown model variant %q", s)
}

// ForecastRequest is a value object; its fields are the full cache identity.
type ForecastRequest struct {
	Location string       `json:"location"`
	Variant  ModelVariant `json:"variant"`
	Horizon  int          `json:"horizon"`
}

func (r ForecastRequest) Validate() error {
	if r.Location == "" {
		return fmt.Errorf("forecast request: location is required")
	}
	if _, err := ParseVariant(string(r.Variant)); err != nil {
		return fmt.Errorf("forecast request: %w", err)
	}
	if r.Horizon <= 0 {
		return fmt.Errorf("forecast request: horizon must be positive, got %d", r.Horizon)
	}
	return nil
}

// Key renders the request as a cache key. Every field participates so two
// requests collide only when they are identical values.
func (r ForecastRequest) Key() string {
	return fmt.Sprintf("forecast:%s:%s:%d", r.Location, r.Variant, r.Horizon)
}

// ForecastPoint is one predicted step with its prediction interval.
type ForecastPoint struct {
	Date  time.Time `json:"date"`
	Point float64   `json:"point"`
	Lower float64   `json:"lower"`
	Upper float64   `json:"upper"`
}

// Width returns the interval width at this step.
func (p ForecastPoint) Width() float64 { return p.Upper - p.Lower }

// TrendDirection summarizes where the fitted trend is heading.
type TrendDirection string

const (
	TrendIncreasing TrendDirection = "increasing"
	TrendDecreasing TrendDirection = "decreasing"
	TrendStable     TrendDirection = "stable"
)

// ForecastMetadata carries model diagnostics alongside the point sequence.
type ForecastMetadata struct {
	Trend        TrendDirection `json:"trend"`
	Changepoints []time.Time    `json:"changepoints,omitempty"`
}

// ForecastResult is produced atomically by a model fit and immutable after.
type ForecastResult struct {
	Request    ForecastRequest  `json:"request"`
	Points     []ForecastPoint  `json:"points"`
	Metadata   ForecastMetadata `json:"metadata"`
	ComputedAt time.Time        `json:"computed_at"`
}

// ModelMetrics is the backtest scorecard for one variant on one location.
type ModelMetrics struct {
	Variant     ModelVariant `json:"variant"`
	Location    string       `json:"location"`
	MAE         float64      `json:"mae"`
	RMSE        float64      `json:"rmse"`
	MAPE        float64      `json:"mape"`
	Coverage    float64      `json:"coverage"`
	TestSize    int          `json:"test_size"`
	EvaluatedAt time.Time    `json:"evaluated_at"`
}
