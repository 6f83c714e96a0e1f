package forecasting

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"ConflictCast/internal/domain/models"
)

// Autoregressive is an ARIMA-style adapter: it differences the series at
// most once, fits AR coefficients by least squares, and selects order and
// differencing over a small grid by minimizing AIC. Forecast-error variance
// comes from the psi-weight recursion of the fitted model.
type Autoregressive struct {
	cfg    Config
	series *models.ObservationSeries

	order     int
	diff      int
	phi       []float64
	intercept float64
	sigma2    float64
}

func NewAutoregressive(cfg Config) *Autoregressive {
	return &Autoregressive{cfg: cfg.withDefaults()}
}

func (a *Autoregressive) Variant() models.ModelVariant { return models.VariantAutoregressive }

type arFit struct {
	order     int
	diff      int
	phi       []float64
	intercept float64
	sigma2    float64
	aic       float64
}

func (a *Autoregressive) Fit(series *models.ObservationSeries) error {
	if err := checkLength(series); err != nil {
		return err
	}
	y := series.Values()
	n := len(y)

	maxOrder := a.cfg.MaxAROrder
	// Keep at least three observations per coefficient, dropping to lower
	// orders on short series instead of failing.
	if cap := (n - 2) / 3; cap < maxOrder {
		maxOrder = cap
	}
	if maxOrder < 1 {
		maxOrder = 1
	}

	var best *arFit
	for d := 0; d <= 1; d++ {
		w := difference(y, d)
		for p := 1; p <= maxOrder; p++ {
			fit, err := fitAR(w, p)
			if err != nil {
				continue
			}
			fit.diff = d
			if best == nil || fit.aic < best.aic {
				best = fit
			}
		}
	}
	if best == nil {
		// Constant or otherwise degenerate series: degrade to the mean
		// model with the sample variance as forecast-error variance.
		best = &arFit{
			order:     0,
			diff:      0,
			intercept: stat.Mean(y, nil),
			sigma2:    stat.Variance(y, nil),
		}
	}
	if math.IsNaN(best.sigma2) || best.sigma2 < 1e-12 {
		best.sigma2 = 1e-12
	}

	a.series = series
	a.order = best.order
	a.diff = best.diff
	a.phi = best.phi
	a.intercept = best.intercept
	a.sigma2 = best.sigma2
	return nil
}

func (a *Autoregressive) Predict(horizon int) (*Prediction, error) {
	if a.series == nil {
		return nil, ErrNotFitted
	}
	y := a.series.Values()
	w := difference(y, a.diff)

	// Recursive extrapolation on the (possibly differenced) scale.
	ext := make([]float64, len(w), len(w)+horizon)
	copy(ext, w)
	for h := 0; h < horizon; h++ {
		v := a.intercept
		for j, c := range a.phi {
			v += c * ext[len(ext)-1-j]
		}
		ext = append(ext, v)
	}
	wHat := ext[len(w):]

	// Undo differencing by accumulating onto the last observed level.
	yHat := make([]float64, horizon)
	if a.diff == 1 {
		level := y[len(y)-1]
		for h := range wHat {
			level += wHat[h]
			yHat[h] = level
		}
	} else {
		copy(yHat, wHat)
	}

	variances := a.forecastVariances(horizon)
	dates := forecastDates(a.series, horizon)
	points := make([]models.ForecastPoint, horizon)
	for h := range points {
		point := math.Max(0, yHat[h])
		half := a.cfg.IntervalZ * math.Sqrt(variances[h])
		points[h] = models.ForecastPoint{
			Date:  dates[h],
			Point: point,
			Lower: point - half,
			Upper: point + half,
		}
	}

	slope := 0.0
	if horizon > 1 {
		slope = (yHat[horizon-1] - yHat[0]) / float64(horizon-1)
	} else {
		slope = yHat[0] - y[len(y)-1]
	}

	return &Prediction{
		Points: points,
		Metadata: models.ForecastMetadata{
			Trend: trendFromSlope(slope, stat.Mean(y, nil)),
		},
	}, nil
}

// forecastVariances returns the h-step forecast-error variances via the
// psi-weight recursion, with cumulative weights when the series was
// differenced. The sums of squares make the result non-decreasing in h.
func (a *Autoregressive) forecastVariances(horizon int) []float64 {
	psi := make([]float64, horizon)
	psi[0] = 1
	for j := 1; j < horizon; j++ {
		for k := 1; k <= j && k <= len(a.phi); k++ {
			psi[j] += a.phi[k-1] * psi[j-k]
		}
	}
	if a.diff == 1 {
		for j := 1; j < horizon; j++ {
			psi[j] += psi[j-1]
		}
	}
	out := make([]float64, horizon)
	acc := 0.0
	for h := 0; h < horizon; h++ {
		acc += psi[h] * psi[h]
		out[h] = a.sigma2 * acc
	}
	return out
}

// fitAR solves the order-p least squares problem with an intercept using a
// QR factorization of the lagged design matrix.
func fitAR(w []float64, p int) (*arFit, error) {
	rows := len(w) - p
	if rows < p+2 {
		return nil, ErrDegenerateSeries
	}

	x := mat.NewDense(rows, p+1, nil)
	b := mat.NewDense(rows, 1, nil)
	for i := 0; i < rows; i++ {
		x.Set(i, 0, 1)
		for j := 0; j < p; j++ {
			x.Set(i, j+1, w[p+i-1-j])
		}
		b.Set(i, 0, w[p+i])
	}

	var qr mat.QR
	qr.Factorize(x)
	var coef mat.Dense
	if err := qr.SolveTo(&coef, false, b); err != nil {
		return nil, ErrDegenerateSeries
	}

	phi := make([]float64, p)
	for j := 0; j < p; j++ {
		phi[j] = coef.At(j+1, 0)
		if math.IsNaN(phi[j]) || math.IsInf(phi[j], 0) {
			return nil, ErrDegenerateSeries
		}
	}
	intercept := coef.At(0, 0)

	sse := 0.0
	for i := 0; i < rows; i++ {
		pred := intercept
		for j := 0; j < p; j++ {
			pred += phi[j] * w[p+i-1-j]
		}
		r := w[p+i] - pred
		sse += r * r
	}
	sigma2 := sse / float64(rows)

	return &arFit{
		order:     p,
		phi:       phi,
		intercept: intercept,
		sigma2:    sigma2,
		aic:       float64(rows)*math.Log(sigma2+1e-12) + 2*float64(p+2),
	}, nil
}

// difference applies d rounds of first differencing.
func difference(y []float64, d int) []float64 {
	out := make([]float64, len(y))
	copy(out, y)
	for r := 0; r < d; r++ {
		next := make([]float64, len(out)-1)
		for i := 1; i < len(out); i++ {
			next[i-1] = out[i] - out[i-1]
		}
		out = next
	}
	return out
}
