package forecasting

import (
	"fmt"
	"math"
	"sort"
	"time"

	"ConflictCast/internal/domain/models"
)

// CombinerConfig tunes ensemble weighting. The weighting rule is
// deliberately configurable; the default is inverse MAE with exponent 1,
// falling back to equal weights when no scorecards exist yet.
type CombinerConfig struct {
	WeightExponent float64
}

func (c CombinerConfig) withDefaults() CombinerConfig {
	if c.WeightExponent <= 0 {
		c.WeightExponent = 1
	}
	return c
}

// Combiner merges per-variant predictions for one request into a single
// ensemble prediction.
type Combiner struct {
	cfg CombinerConfig
}

func NewCombiner(cfg CombinerConfig) *Combiner {
	return &Combiner{cfg: cfg.withDefaults()}
}

// Combine builds the ensemble prediction. Per step the point estimate is the
// weighted average of member estimates; the interval covers the weighted
// average of member intervals and is never narrower than the narrowest
// member interval at that step. Member maps only contain variants whose fit
// succeeded; combination over an empty map is the caller's ModelFitError.
func (c *Combiner) Combine(preds map[models.ModelVariant]*Prediction, metrics map[models.ModelVariant]models.ModelMetrics) (*Prediction, error) {
	if len(preds) == 0 {
		return nil, fmt.Errorf("no member predictions to combine")
	}

	variants := make([]models.ModelVariant, 0, len(preds))
	for v := range preds {
		variants = append(variants, v)
	}
	sort.Slice(variants, func(i, j int) bool { return variants[i] < variants[j] })

	horizon := len(preds[variants[0]].Points)
	for _, v := range variants {
		if len(preds[v].Points) != horizon {
			return nil, fmt.Errorf("member %s predicted %d steps, want %d", v, len(preds[v].Points), horizon)
		}
	}

	weights := c.memberWeights(variants, metrics)

	points := make([]models.ForecastPoint, horizon)
	for i := 0; i < horizon; i++ {
		var point, lower, upper float64
		minWidth := math.Inf(1)
		for _, v := range variants {
			p := preds[v].Points[i]
			w := weights[v]
			point += w * p.Point
			lower += w * p.Lower
			upper += w * p.Upper
			if width := p.Width(); width < minWidth {
				minWidth = width
			}
		}
		// Never report tighter than the most confident member implies.
		if upper-lower < minWidth {
			center := (lower + upper) / 2
			lower = center - minWidth/2
			upper = center + minWidth/2
		}
		lower = math.Min(lower, point)
		upper = math.Max(upper, point)
		points[i] = models.ForecastPoint{
			Date:  preds[variants[0]].Points[i].Date,
			Point: point,
			Lower: lower,
			Upper: upper,
		}
	}

	return &Prediction{
		Points: points,
		Metadata: models.ForecastMetadata{
			Trend:        votedTrend(variants, preds, weights),
			Changepoints: mergedChangepoints(variants, preds),
		},
	}, nil
}

// memberWeights returns normalized weights. Inverse-error weighting needs a
// scorecard for every member; with any member unscored it degrades to equal
// weights so a freshly evaluated model cannot drown out the others.
func (c *Combiner) memberWeights(variants []models.ModelVariant, metrics map[models.ModelVariant]models.ModelMetrics) map[models.ModelVariant]float64 {
	weights := make(map[models.ModelVariant]float64, len(variants))
	scored := true
	for _, v := range variants {
		if _, ok := metrics[v]; !ok {
			scored = false
			break
		}
	}

	total := 0.0
	for _, v := range variants {
		w := 1.0
		if scored {
			mae := metrics[v].MAE
			if mae < 1e-9 {
				mae = 1e-9
			}
			w = 1 / math.Pow(mae, c.cfg.WeightExponent)
		}
		weights[v] = w
		total += w
	}
	for v := range weights {
		weights[v] /= total
	}
	return weights
}

func votedTrend(variants []models.ModelVariant, preds map[models.ModelVariant]*Prediction, weights map[models.ModelVariant]float64) models.TrendDirection {
	votes := map[models.TrendDirection]float64{}
	for _, v := range variants {
		votes[preds[v].Metadata.Trend] += weights[v]
	}
	best := models.TrendStable
	bestW := -1.0
	for _, dir := range []models.TrendDirection{models.TrendIncreasing, models.TrendDecreasing, models.TrendStable} {
		if w := votes[dir]; w > bestW {
			best, bestW = dir, w
		}
	}
	return best
}

func mergedChangepoints(variants []models.ModelVariant, preds map[models.ModelVariant]*Prediction) []time.Time {
	seen := map[time.Time]bool{}
	var out []time.Time
	for _, v := range variants {
		for _, t := range preds[v].Metadata.Changepoints {
			if !seen[t] {
				seen[t] = true
				out = append(out, t)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}
