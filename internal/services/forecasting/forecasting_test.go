package forecasting

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ConflictCast/internal/domain/models"
)

// bornoCounts is a 20-week series of weekly incident counts with a clear
// upward trend.
var bornoCounts = []int{5, 6, 4, 7, 9, 8, 10, 12, 11, 13, 15, 14, 16, 18, 17, 19, 21, 20, 22, 24}

func weeklySeries(t *testing.T, location string, counts []int) *models.ObservationSeries {
	t.Helper()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	points := make([]models.ObservationPoint, len(counts))
	for i, c := range counts {
		points[i] = models.ObservationPoint{
			Timestamp: start.AddDate(0, 0, 7*i),
			Location:  location,
			Count:     c,
		}
	}
	s, err := models.NewObservationSeries(location, points)
	require.NoError(t, err)
	return s
}

func assertValidPrediction(t *testing.T, pred *Prediction, horizon int) {
	t.Helper()
	require.Len(t, pred.Points, horizon)
	for i, p := range pred.Points {
		assert.LessOrEqual(t, p.Lower, p.Point, "step %d", i)
		assert.LessOrEqual(t, p.Point, p.Upper, "step %d", i)
		assert.GreaterOrEqual(t, p.Point, 0.0, "step %d", i)
		if i > 0 {
			assert.True(t, p.Date.After(pred.Points[i-1].Date), "dates must ascend")
			assert.GreaterOrEqual(t, p.Width(), pred.Points[i-1].Width(), "interval width must not shrink with lead time")
		}
	}
}

func TestDecompositionForecast(t *testing.T) {
	series := weeklySeries(t, "Borno", bornoCounts)

	model := NewDecomposition(Config{})
	require.NoError(t, model.Fit(series))

	pred, err := model.Predict(4)
	require.NoError(t, err)
	assertValidPrediction(t, pred, 4)

	assert.Equal(t, models.TrendIncreasing, pred.Metadata.Trend)
	assert.Greater(t, pred.Points[3].Point, pred.Points[0].Point)
	assert.True(t, pred.Points[3].Width() > pred.Points[0].Width())
}

func TestDecompositionTooShort(t *testing.T) {
	series := weeklySeries(t, "Borno", []int{1, 2, 3, 4, 5})

	model := NewDecomposition(Config{})
	err := model.Fit(series)

	var insufficient *models.InsufficientDataError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, models.MinObservations, insufficient.Min)
	assert.Equal(t, 5, insufficient.Got)

	_, err = model.Predict(4)
	assert.ErrorIs(t, err, ErrNotFitted)
}

func TestDecompositionDeterministic(t *testing.T) {
	series := weeklySeries(t, "Borno", bornoCounts)

	m1 := NewDecomposition(Config{})
	m2 := NewDecomposition(Config{})
	require.NoError(t, m1.Fit(series))
	require.NoError(t, m2.Fit(series))

	p1, err := m1.Predict(6)
	require.NoError(t, err)
	p2, err := m2.Predict(6)
	require.NoError(t, err)

	assert.Equal(t, p1.Points, p2.Points)
	assert.Equal(t, p1.Metadata, p2.Metadata)
}

func TestDecompositionChangepoint(t *testing.T) {
	counts := make([]int, 0, 24)
	for i := 0; i < 12; i++ {
		counts = append(counts, 5)
	}
	for i := 1; i <= 12; i++ {
		counts = append(counts, 5+8*i)
	}
	series := weeklySeries(t, "Yobe", counts)

	model := NewDecomposition(Config{SeasonalPeriod: 4})
	require.NoError(t, model.Fit(series))
	pred, err := model.Predict(2)
	require.NoError(t, err)

	require.NotEmpty(t, pred.Metadata.Changepoints)
	// The slope shift happens at week 12; detection should land near it.
	kink := series.Points[12].Timestamp
	nearest := pred.Metadata.Changepoints[0]
	for _, cp := range pred.Metadata.Changepoints {
		if absDuration(cp.Sub(kink)) < absDuration(nearest.Sub(kink)) {
			nearest = cp
		}
	}
	assert.LessOrEqual(t, absDuration(nearest.Sub(kink)), 4*7*24*time.Hour)
	assert.Equal(t, models.TrendIncreasing, pred.Metadata.Trend)
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

func TestAutoregressiveForecast(t *testing.T) {
	series := weeklySeries(t, "Borno", bornoCounts)

	model := NewAutoregressive(Config{})
	require.NoError(t, model.Fit(series))

	pred, err := model.Predict(4)
	require.NoError(t, err)
	assertValidPrediction(t, pred, 4)
	assert.Equal(t, models.TrendIncreasing, pred.Metadata.Trend)
}

func TestAutoregressiveTooShort(t *testing.T) {
	series := weeklySeries(t, "Borno", []int{3, 1, 4, 1, 5, 9, 2, 6, 5})

	model := NewAutoregressive(Config{})
	err := model.Fit(series)

	var insufficient *models.InsufficientDataError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, 9, insufficient.Got)
}

func TestAutoregressiveConstantSeries(t *testing.T) {
	counts := make([]int, 16)
	for i := range counts {
		counts[i] = 7
	}
	series := weeklySeries(t, "Adamawa", counts)

	model := NewAutoregressive(Config{})
	require.NoError(t, model.Fit(series))

	pred, err := model.Predict(3)
	require.NoError(t, err)
	assertValidPrediction(t, pred, 3)
	for _, p := range pred.Points {
		assert.InDelta(t, 7, p.Point, 1.0)
	}
}

func TestAutoregressiveDeterministic(t *testing.T) {
	series := weeklySeries(t, "Borno", bornoCounts)

	m1 := NewAutoregressive(Config{})
	m2 := NewAutoregressive(Config{})
	require.NoError(t, m1.Fit(series))
	require.NoError(t, m2.Fit(series))

	p1, err := m1.Predict(8)
	require.NoError(t, err)
	p2, err := m2.Predict(8)
	require.NoError(t, err)
	assert.Equal(t, p1.Points, p2.Points)
}

func TestNewUnknownVariant(t *testing.T) {
	_, err := New(models.ModelVariant("prophet"), Config{})
	assert.Error(t, err)

	_, err = New(models.VariantEnsemble, Config{})
	assert.Error(t, err, "the ensemble is not a fittable adapter")
}

func syntheticPrediction(points []float64, width float64, start time.Time) *Prediction {
	pred := &Prediction{Metadata: models.ForecastMetadata{Trend: models.TrendIncreasing}}
	for i, p := range points {
		pred.Points = append(pred.Points, models.ForecastPoint{
			Date:  start.AddDate(0, 0, 7*i),
			Point: p,
			Lower: p - width/2,
			Upper: p + width/2,
		})
	}
	return pred
}

func TestCombinerEqualWeightsWithoutMetrics(t *testing.T) {
	start := time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC)
	preds := map[models.ModelVariant]*Prediction{
		models.VariantDecomposition:  syntheticPrediction([]float64{10, 12}, 4, start),
		models.VariantAutoregressive: syntheticPrediction([]float64{20, 22}, 2, start),
	}

	combined, err := NewCombiner(CombinerConfig{}).Combine(preds, nil)
	require.NoError(t, err)
	require.Len(t, combined.Points, 2)

	assert.InDelta(t, 15, combined.Points[0].Point, 1e-9)
	assert.InDelta(t, 17, combined.Points[1].Point, 1e-9)
}

func TestCombinerInverseErrorWeights(t *testing.T) {
	start := time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC)
	preds := map[models.ModelVariant]*Prediction{
		models.VariantDecomposition:  syntheticPrediction([]float64{10}, 4, start),
		models.VariantAutoregressive: syntheticPrediction([]float64{20}, 4, start),
	}
	metrics := map[models.ModelVariant]models.ModelMetrics{
		models.VariantDecomposition:  {Variant: models.VariantDecomposition, MAE: 1},
		models.VariantAutoregressive: {Variant: models.VariantAutoregressive, MAE: 3},
	}

	combined, err := NewCombiner(CombinerConfig{}).Combine(preds, metrics)
	require.NoError(t, err)

	// Weights 3:1 in favor of the lower-error member.
	assert.InDelta(t, 12.5, combined.Points[0].Point, 1e-9)
}

func TestCombinerBoundsAndWidth(t *testing.T) {
	start := time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC)
	preds := map[models.ModelVariant]*Prediction{
		models.VariantDecomposition:  syntheticPrediction([]float64{5, 8, 11}, 6, start),
		models.VariantAutoregressive: syntheticPrediction([]float64{9, 10, 15}, 2, start),
	}

	combined, err := NewCombiner(CombinerConfig{}).Combine(preds, nil)
	require.NoError(t, err)

	for i, p := range combined.Points {
		lo := minF(preds[models.VariantDecomposition].Points[i].Point, preds[models.VariantAutoregressive].Points[i].Point)
		hi := maxF(preds[models.VariantDecomposition].Points[i].Point, preds[models.VariantAutoregressive].Points[i].Point)
		assert.GreaterOrEqual(t, p.Point, lo, "ensemble point below all members at step %d", i)
		assert.LessOrEqual(t, p.Point, hi, "ensemble point above all members at step %d", i)
		assert.GreaterOrEqual(t, p.Width(), 2.0, "narrower than most confident member at step %d", i)
		assert.LessOrEqual(t, p.Lower, p.Point)
		assert.LessOrEqual(t, p.Point, p.Upper)
	}
}

func TestCombinerNoMembers(t *testing.T) {
	_, err := NewCombiner(CombinerConfig{}).Combine(nil, nil)
	assert.Error(t, err)
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxF(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func TestEvaluatorMetrics(t *testing.T) {
	series := weeklySeries(t, "Borno", bornoCounts)
	eval := NewEvaluator(Config{}, NewCombiner(CombinerConfig{}))

	metrics, err := eval.Evaluate(series, models.VariantDecomposition, 6)
	require.NoError(t, err)

	assert.Equal(t, models.VariantDecomposition, metrics.Variant)
	assert.Equal(t, "Borno", metrics.Location)
	assert.Equal(t, 6, metrics.TestSize)
	assert.Greater(t, metrics.MAE, 0.0)
	assert.GreaterOrEqual(t, metrics.RMSE, metrics.MAE)
	assert.Greater(t, metrics.MAPE, 0.0)
	assert.Greater(t, metrics.Coverage, 0.0)
	assert.LessOrEqual(t, metrics.Coverage, 1.0)
}

func TestEvaluatorDeterministic(t *testing.T) {
	series := weeklySeries(t, "Borno", bornoCounts)
	eval := NewEvaluator(Config{}, NewCombiner(CombinerConfig{}))

	m1, err := eval.Evaluate(series, models.VariantAutoregressive, 5)
	require.NoError(t, err)
	m2, err := eval.Evaluate(series, models.VariantAutoregressive, 5)
	require.NoError(t, err)

	assert.Equal(t, m1.MAE, m2.MAE)
	assert.Equal(t, m1.RMSE, m2.RMSE)
	assert.Equal(t, m1.MAPE, m2.MAPE)
	assert.Equal(t, m1.Coverage, m2.Coverage)
}

func TestEvaluatorInsufficientHistory(t *testing.T) {
	series := weeklySeries(t, "Borno", bornoCounts)
	eval := NewEvaluator(Config{}, NewCombiner(CombinerConfig{}))

	_, err := eval.Evaluate(series, models.VariantDecomposition, 15)
	var insufficient *models.InsufficientDataError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, 15+models.MinObservations+1, insufficient.Min)
}

func TestEvaluatorAllVariantsSharedSplit(t *testing.T) {
	series := weeklySeries(t, "Borno", bornoCounts)
	eval := NewEvaluator(Config{}, NewCombiner(CombinerConfig{}))

	all, err := eval.EvaluateAll(series, 6)
	require.NoError(t, err)

	require.Contains(t, all, models.VariantDecomposition)
	require.Contains(t, all, models.VariantAutoregressive)
	require.Contains(t, all, models.VariantEnsemble)

	single, err := eval.Evaluate(series, models.VariantDecomposition, 6)
	require.NoError(t, err)
	assert.Equal(t, single.MAE, all[models.VariantDecomposition].MAE, "shared split must reproduce single-variant scores")
}

func TestEvaluatorZeroActualsExcludedFromMAPE(t *testing.T) {
	counts := []int{4, 6, 5, 7, 6, 8, 7, 9, 8, 10, 9, 11, 0, 0, 0, 0}
	series := weeklySeries(t, "Gombe", counts)
	eval := NewEvaluator(Config{}, NewCombiner(CombinerConfig{}))

	metrics, err := eval.Evaluate(series, models.VariantDecomposition, 4)
	require.NoError(t, err)

	// The held-out window is all zeros: every MAPE term is undefined, so
	// MAPE is reported as zero while MAE/RMSE still reflect the error.
	assert.Equal(t, 0.0, metrics.MAPE)
	assert.False(t, errors.Is(err, ErrDegenerateSeries))
}
