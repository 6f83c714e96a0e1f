package forecasting

import (
	"math"
	"time"

	"ConflictCast/internal/domain/models"
)

// Evaluator backtests model variants against held-out history. Every
// variant evaluated for one (series, testSize) pair sees the identical
// train/test split so the resulting scorecards are comparable.
type Evaluator struct {
	cfg      Config
	combiner *Combiner
}

func NewEvaluator(cfg Config, combiner *Combiner) *Evaluator {
	return &Evaluator{cfg: cfg.withDefaults(), combiner: combiner}
}

// requiredLength is the evaluation precondition: the training prefix left
// after holding out testSize points must itself be fittable.
func requiredLength(testSize int) int {
	return testSize + models.MinObservations + 1
}

// Evaluate backtests a single variant: fit on the prefix, predict the
// held-out tail, score predictions against actuals.
func (e *Evaluator) Evaluate(series *models.ObservationSeries, variant models.ModelVariant, testSize int) (models.ModelMetrics, error) {
	pred, err := e.holdoutPredict(series, variant, testSize)
	if err != nil {
		return models.ModelMetrics{}, err
	}
	return e.score(series, variant, testSize, pred), nil
}

// EvaluateAll backtests every single variant plus the ensemble on one
// shared split. Member fit failures are tolerated as long as at least one
// member succeeds; the ensemble is combined with equal weights since its
// members' scorecards are exactly what is being computed here.
func (e *Evaluator) EvaluateAll(series *models.ObservationSeries, testSize int) (map[models.ModelVariant]models.ModelMetrics, error) {
	if err := e.checkSplit(series, testSize); err != nil {
		return nil, err
	}

	out := make(map[models.ModelVariant]models.ModelMetrics)
	memberPreds := make(map[models.ModelVariant]*Prediction)
	failures := make(map[models.ModelVariant]error)
	for _, v := range models.SingleVariants() {
		pred, err := e.holdoutPredict(series, v, testSize)
		if err != nil {
			failures[v] = err
			continue
		}
		memberPreds[v] = pred
		out[v] = e.score(series, v, testSize, pred)
	}
	if len(memberPreds) == 0 {
		return nil, &models.ModelFitError{Failures: failures}
	}

	combined, err := e.combiner.Combine(memberPreds, nil)
	if err != nil {
		return out, nil
	}
	out[models.VariantEnsemble] = e.score(series, models.VariantEnsemble, testSize, combined)
	return out, nil
}

func (e *Evaluator) checkSplit(series *models.ObservationSeries, testSize int) error {
	if series.Len() < requiredLength(testSize) {
		return &models.InsufficientDataError{
			Location: series.Location,
			Got:      series.Len(),
			Min:      requiredLength(testSize),
		}
	}
	return nil
}

func (e *Evaluator) holdoutPredict(series *models.ObservationSeries, variant models.ModelVariant, testSize int) (*Prediction, error) {
	if err := e.checkSplit(series, testSize); err != nil {
		return nil, err
	}
	model, err := New(variant, e.cfg)
	if err != nil {
		return nil, err
	}
	train := series.Prefix(series.Len() - testSize)
	if err := model.Fit(train); err != nil {
		return nil, err
	}
	return model.Predict(testSize)
}

// score compares predictions against the held-out actuals. MAPE terms with
// a zero actual are undefined and excluded from the mean; when every actual
// is zero MAPE is reported as zero.
func (e *Evaluator) score(series *models.ObservationSeries, variant models.ModelVariant, testSize int, pred *Prediction) models.ModelMetrics {
	actual := series.Suffix(testSize).Points

	var absSum, sqSum, pctSum float64
	var pctTerms, covered int
	for i, a := range actual {
		p := pred.Points[i]
		diff := p.Point - float64(a.Count)
		absSum += math.Abs(diff)
		sqSum += diff * diff
		if a.Count != 0 {
			pctSum += math.Abs(diff) / float64(a.Count)
			pctTerms++
		}
		if float64(a.Count) >= p.Lower && float64(a.Count) <= p.Upper {
			covered++
		}
	}

	mape := 0.0
	if pctTerms > 0 {
		mape = pctSum / float64(pctTerms)
	}
	return models.ModelMetrics{
		Variant:     variant,
		Location:    series.Location,
		MAE:         absSum / float64(testSize),
		RMSE:        math.Sqrt(sqSum / float64(testSize)),
		MAPE:        mape,
		Coverage:    float64(covered) / float64(testSize),
		TestSize:    testSize,
		EvaluatedAt: time.Now().UTC(),
	}
}
