package forecasting

import (
	"math"
	"time"

	"gonum.org/v1/gonum/stat"

	"ConflictCast/internal/domain/models"
)

// Decomposition is the additive trend + seasonal + residual adapter.
// The trend is a centered moving average extrapolated with a linear fit on
// its trailing window; the seasonal component is the per-phase mean of the
// detrended series; prediction intervals widen with lead time from the
// residual variance.
type Decomposition struct {
	cfg    Config
	series *models.ObservationSeries

	period       int
	trend        []float64
	seasonal     []float64
	residSD      float64
	alpha, beta  float64
	changepoints []time.Time
}

func NewDecomposition(cfg Config) *Decomposition {
	return &Decomposition{cfg: cfg.withDefaults()}
}

func (d *Decomposition) Variant() models.ModelVariant { return models.VariantDecomposition }

func (d *Decomposition) Fit(series *models.ObservationSeries) error {
	if err := checkLength(series); err != nil {
		return err
	}
	y := series.Values()
	n := len(y)

	// Degrade the seasonal period until two full cycles fit; below that the
	// series is treated as non-seasonal rather than failing.
	period := 0
	for p := d.cfg.SeasonalPeriod; p >= 4; p /= 2 {
		if n >= 2*p {
			period = p
			break
		}
	}

	window := period
	if window == 0 {
		window = 5
	}
	if window%2 == 0 {
		window++
	}
	if window > n {
		window = n
	}
	trend := movingAverage(y, window)

	var seasonal []float64
	if period > 0 {
		seasonal = phaseMeans(y, trend, period)
	}

	resid := make([]float64, n)
	for i := range y {
		resid[i] = y[i] - trend[i]
		if period > 0 {
			resid[i] -= seasonal[i%period]
		}
	}
	sd := math.Sqrt(stat.Variance(resid, nil))
	if math.IsNaN(sd) || sd < 1e-9 {
		sd = 1e-9
	}

	// Extrapolation line over the trailing trend window, in global index
	// coordinates so Predict can evaluate it past the series end.
	tail := window
	if tail < 8 {
		tail = 8
	}
	if tail > n {
		tail = n
	}
	xs := make([]float64, tail)
	for i := range xs {
		xs[i] = float64(n - tail + i)
	}
	alpha, beta := stat.LinearRegression(xs, trend[n-tail:], nil, false)

	d.series = series
	d.period = period
	d.trend = trend
	d.seasonal = seasonal
	d.residSD = sd
	d.alpha = alpha
	d.beta = beta
	d.changepoints = d.detectChangepoints(trend, series.Times(), window, sd)
	return nil
}

func (d *Decomposition) Predict(horizon int) (*Prediction, error) {
	if d.series == nil {
		return nil, ErrNotFitted
	}
	n := d.series.Len()
	dates := forecastDates(d.series, horizon)
	points := make([]models.ForecastPoint, horizon)

	for h := 1; h <= horizon; h++ {
		idx := n - 1 + h
		raw := d.alpha + d.beta*float64(idx)
		if d.period > 0 {
			raw += d.seasonal[idx%d.period]
		}
		point := math.Max(0, raw)
		half := d.cfg.IntervalZ * d.residSD * math.Sqrt(float64(h))
		points[h-1] = models.ForecastPoint{
			Date:  dates[h-1],
			Point: point,
			Lower: point - half,
			Upper: point + half,
		}
	}

	return &Prediction{
		Points: points,
		Metadata: models.ForecastMetadata{
			Trend:        trendFromSlope(d.beta, stat.Mean(d.series.Values(), nil)),
			Changepoints: d.changepoints,
		},
	}, nil
}

// detectChangepoints flags indices where the smoothed trend's local slope
// shifts beyond a statistical threshold relative to the residual scale.
// Flagged points keep a minimum separation of half a window.
func (d *Decomposition) detectChangepoints(trend []float64, times []time.Time, window int, residSD float64) []time.Time {
	n := len(trend)
	hw := window / 2
	if hw < 2 {
		hw = 2
	}
	if n < 2*hw+1 {
		return nil
	}

	// Under pure noise a local slope of the window-averaged trend has
	// stddev ~ residSD*sqrt(2/window)/hw, and the left/right slope
	// difference doubles the variance again.
	threshold := d.cfg.ChangepointZ * residSD * 2 / (float64(hw) * math.Sqrt(float64(window)))

	var out []time.Time
	lastIdx := -n
	for i := hw; i < n-hw; i++ {
		left := (trend[i] - trend[i-hw]) / float64(hw)
		right := (trend[i+hw] - trend[i]) / float64(hw)
		score := math.Abs(right - left)
		if score <= threshold {
			continue
		}
		if i-lastIdx < hw {
			continue
		}
		out = append(out, times[i])
		lastIdx = i
	}
	return out
}

// movingAverage computes a centered moving average with a shrinking window
// at the edges so the result has the same length as the input.
func movingAverage(y []float64, window int) []float64 {
	n := len(y)
	hw := window / 2
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		lo := i - hw
		if lo < 0 {
			lo = 0
		}
		hi := i + hw + 1
		if hi > n {
			hi = n
		}
		sum := 0.0
		for j := lo; j < hi; j++ {
			sum += y[j]
		}
		out[i] = sum / float64(hi-lo)
	}
	return out
}

// phaseMeans averages the detrended series per phase index and centers the
// resulting seasonal pattern at zero.
func phaseMeans(y, trend []float64, period int) []float64 {
	sums := make([]float64, period)
	counts := make([]int, period)
	for i := range y {
		k := i % period
		sums[k] += y[i] - trend[i]
		counts[k]++
	}
	seasonal := make([]float64, period)
	total := 0.0
	for k := range seasonal {
		if counts[k] > 0 {
			seasonal[k] = sums[k] / float64(counts[k])
		}
		total += seasonal[k]
	}
	center := total / float64(period)
	for k := range seasonal {
		seasonal[k] -= center
	}
	return seasonal
}
