package usecase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"ConflictCast/internal/domain/models"
	drepo "ConflictCast/internal/domain/repository"
	"ConflictCast/internal/services/forecasting"
	"ConflictCast/pkg/cache"
	"ConflictCast/pkg/logger"
	"ConflictCast/pkg/queue"
)

// JobQueue is the slice of the scheduler the engine needs: registering work
// is an engine operation, running it is not.
type JobQueue interface {
	Enqueue(ctx context.Context, kind string, payload interface{}, sched queue.Schedule) (string, error)
	Revoke(ctx context.Context, id string) error
}

// EngineConfig tunes the orchestration layer. Zero values fall back to
// defaults.
type EngineConfig struct {
	Model          forecasting.Config
	Combiner       forecasting.CombinerConfig
	CacheTTL       time.Duration
	ComputeTimeout time.Duration
	FitTimeout     time.Duration
	FetchRetries   int
}

func (c EngineConfig) withDefaults() EngineConfig {
	if c.CacheTTL <= 0 {
		c.CacheTTL = time.Hour
	}
	if c.ComputeTimeout <= 0 {
		c.ComputeTimeout = 30 * time.Second
	}
	if c.FitTimeout <= 0 {
		c.FitTimeout = 10 * time.Second
	}
	if c.FetchRetries <= 0 {
		c.FetchRetries = 2
	}
	return c
}

// ForecastEngine orchestrates the forecast pipeline: fetch history, fit the
// requested variant, combine members for the ensemble, and serve repeated
// requests from the result cache with single-flight deduplication.
type ForecastEngine struct {
	logger       *logger.Logger
	config       EngineConfig
	source       drepo.SeriesSource
	sink         drepo.ReportSink
	metricsStore drepo.MetricsStore
	metrics      drepo.Metrics
	store        cache.Store
	flight       *cache.FlightGroup
	combiner     *forecasting.Combiner
	evaluator    *forecasting.Evaluator
	jobs         JobQueue
	newModel     func(models.ModelVariant, forecasting.Config) (forecasting.Model, error)
}

// NewForecastEngine creates the engine. sink may be nil when no report layer
// is configured; submission is then skipped.
func NewForecastEngine(
	lgr *logger.Logger,
	config EngineConfig,
	source drepo.SeriesSource,
	sink drepo.ReportSink,
	metricsStore drepo.MetricsStore,
	metrics drepo.Metrics,
	store cache.Store,
	jobs JobQueue,
) *ForecastEngine {
	config = config.withDefaults()
	combiner := forecasting.NewCombiner(config.Combiner)
	return &ForecastEngine{
		logger:       lgr,
		config:       config,
		source:       source,
		sink:         sink,
		metricsStore: metricsStore,
		metrics:      metrics,
		store:        store,
		flight:       cache.NewFlightGroup(),
		combiner:     combiner,
		evaluator:    forecasting.NewEvaluator(config.Model, combiner),
		jobs:         jobs,
		newModel:     forecasting.New,
	}
}

// GetForecast returns the forecast for one request, computing it at most
// once per cache lifetime. Concurrent identical requests share a single
// computation; a computation failure reaches every waiter as the same
// CacheComputationError.
func (e *ForecastEngine) GetForecast(ctx context.Context, req models.ForecastRequest) (*models.ForecastResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	key := req.Key()

	var cached models.ForecastResult
	if err := e.store.Get(ctx, key, &cached); err == nil {
		e.metrics.RecordCache("hit")
		return &cached, nil
	} else if !errors.Is(err, cache.ErrCacheMiss) {
		e.logger.Warn("cache read failed, recomputing",
			logger.String("key", key),
			logger.Error(err))
	}
	e.metrics.RecordCache("miss")

	val, err, shared := e.flight.Do(ctx, key, func() (interface{}, error) {
		return e.computeAndStore(req)
	})
	if shared {
		e.metrics.RecordCache("coalesced")
	}
	if err != nil {
		e.metrics.RecordForecast(string(req.Variant), "error")
		return nil, &models.CacheComputationError{Key: key, Err: err}
	}
	e.metrics.RecordForecast(string(req.Variant), "ok")
	return val.(*models.ForecastResult), nil
}

// computeAndStore runs under the single-flight leader. It deliberately uses
// its own deadline instead of the leader's request context so a caller
// timing out does not abort a computation other waiters still need.
func (e *ForecastEngine) computeAndStore(req models.ForecastRequest) (*models.ForecastResult, error) {
	ctx, cancel := context.WithTimeout(context.Background(), e.config.ComputeTimeout)
	defer cancel()

	series, err := e.fetchSeries(ctx, req.Location)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	pred, err := e.predict(ctx, series, req.Variant, req.Horizon)
	if err != nil {
		return nil, err
	}
	e.metrics.RecordFitLatency(string(req.Variant), time.Since(start).Seconds())

	result := &models.ForecastResult{
		Request:    req,
		Points:     pred.Points,
		Metadata:   pred.Metadata,
		ComputedAt: time.Now().UTC(),
	}

	if err := e.store.Set(ctx, req.Key(), result, e.config.CacheTTL); err != nil {
		e.logger.Warn("cache write failed",
			logger.String("key", req.Key()),
			logger.Error(err))
	}
	if e.sink != nil {
		if err := e.sink.SubmitForecast(ctx, result); err != nil {
			e.metrics.RecordError("report_submit")
			e.logger.Warn("forecast report submission failed",
				logger.String("location", req.Location),
				logger.Error(err))
		}
	}
	return result, nil
}

// predict fits one variant. For the ensemble every single variant is fitted
// as a member; partial member failures are tolerated and the rest are
// combined, weighted by the latest backtest scorecards when all members
// have one.
func (e *ForecastEngine) predict(ctx context.Context, series *models.ObservationSeries, variant models.ModelVariant, horizon int) (*forecasting.Prediction, error) {
	if variant != models.VariantEnsemble {
		model, err := e.newModel(variant, e.config.Model)
		if err != nil {
			return nil, err
		}
		return e.fitAndPredict(ctx, model, series, horizon)
	}

	preds := make(map[models.ModelVariant]*forecasting.Prediction)
	failures := make(map[models.ModelVariant]error)
	for _, v := range models.SingleVariants() {
		model, err := e.newModel(v, e.config.Model)
		if err != nil {
			return nil, err
		}
		pred, err := e.fitAndPredict(ctx, model, series, horizon)
		if err != nil {
			failures[v] = err
			e.logger.Warn("ensemble member fit failed",
				logger.String("variant", string(v)),
				logger.String("location", series.Location),
				logger.Error(err))
			continue
		}
		preds[v] = pred
	}
	if len(preds) == 0 {
		return nil, &models.ModelFitError{Failures: failures}
	}

	scorecards, err := e.metricsStore.LatestMetrics(ctx, series.Location)
	if err != nil {
		e.logger.Debug("no backtest scorecards, using equal weights",
			logger.String("location", series.Location),
			logger.Error(err))
		scorecards = nil
	}
	return e.combiner.Combine(preds, scorecards)
}

// fitAndPredict runs one model's fit and predict under the per-fit budget.
// The fit is pure CPU with no cancellation points, so on timeout the
// goroutine is abandoned to finish on its own and its result is dropped;
// only the one model fails, not the whole computation.
func (e *ForecastEngine) fitAndPredict(ctx context.Context, model forecasting.Model, series *models.ObservationSeries, horizon int) (*forecasting.Prediction, error) {
	ctx, cancel := context.WithTimeout(ctx, e.config.FitTimeout)
	defer cancel()

	type outcome struct {
		pred *forecasting.Prediction
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		if err := model.Fit(series); err != nil {
			done <- outcome{err: err}
			return
		}
		pred, err := model.Predict(horizon)
		done <- outcome{pred: pred, err: err}
	}()

	select {
	case o := <-done:
		return o.pred, o.err
	case <-ctx.Done():
		return nil, fmt.Errorf("fit %s exceeded %s budget: %w",
			model.Variant(), e.config.FitTimeout, ctx.Err())
	}
}

// CompareModels forecasts every variant side by side, reusing the result
// cache per variant. A variant that cannot fit is omitted; when none fit
// the member failures are reported together.
func (e *ForecastEngine) CompareModels(ctx context.Context, location string, horizon int) (map[models.ModelVariant]*models.ForecastResult, error) {
	variants := append(models.SingleVariants(), models.VariantEnsemble)
	out := make(map[models.ModelVariant]*models.ForecastResult, len(variants))
	failures := make(map[models.ModelVariant]error)

	for _, v := range variants {
		res, err := e.GetForecast(ctx, models.ForecastRequest{
			Location: location,
			Variant:  v,
			Horizon:  horizon,
		})
		if err != nil {
			failures[v] = err
			continue
		}
		out[v] = res
	}
	if len(out) == 0 {
		return nil, &models.ModelFitError{Failures: failures}
	}
	return out, nil
}

// EvaluateModels backtests every variant on a shared holdout split, stores
// the scorecards for ensemble weighting and hands them to the report layer.
func (e *ForecastEngine) EvaluateModels(ctx context.Context, location string, testSize int) ([]models.ModelMetrics, error) {
	if testSize <= 0 {
		return nil, fmt.Errorf("test size must be positive, got %d", testSize)
	}

	series, err := e.fetchSeries(ctx, location)
	if err != nil {
		return nil, err
	}

	scored, err := e.evaluator.EvaluateAll(series, testSize)
	if err != nil {
		return nil, err
	}

	out := make([]models.ModelMetrics, 0, len(scored))
	for _, m := range scored {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Variant < out[j].Variant })

	if err := e.metricsStore.PutMetrics(ctx, out); err != nil {
		e.logger.Warn("storing scorecards failed",
			logger.String("location", location),
			logger.Error(err))
	}
	if e.sink != nil {
		if err := e.sink.SubmitMetrics(ctx, out); err != nil {
			e.metrics.RecordError("report_submit")
			e.logger.Warn("scorecard report submission failed",
				logger.String("location", location),
				logger.Error(err))
		}
	}
	return out, nil
}

// InvalidateLocation drops every cached forecast for one location, across
// all variants and horizons. The next request recomputes from fresh data.
func (e *ForecastEngine) InvalidateLocation(ctx context.Context, location string) error {
	pattern := fmt.Sprintf("forecast:%s:*", cache.EscapePattern(location))
	if err := e.store.DeleteByPattern(ctx, pattern); err != nil {
		return fmt.Errorf("invalidate %s: %w", location, err)
	}
	e.metrics.RecordCache("invalidate")
	e.logger.Info("cached forecasts invalidated", logger.String("location", location))
	return nil
}

// EnqueueJob registers a one-shot or periodic background job.
func (e *ForecastEngine) EnqueueJob(ctx context.Context, kind models.JobKind, params models.JobParams, sched queue.Schedule) (string, error) {
	switch kind {
	case models.JobRecomputeForecast, models.JobRunEvaluation, models.JobTriggerReport:
	default:
		return "", fmt.Errorf("unknown job kind %q", kind)
	}
	id, err := e.jobs.Enqueue(ctx, string(kind), params, sched)
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", kind, err)
	}
	e.logger.Info("job enqueued",
		logger.String("id", id),
		logger.String("kind", string(kind)),
		logger.String("location", params.Location))
	return id, nil
}

// RevokeJob removes a not-yet-claimed job.
func (e *ForecastEngine) RevokeJob(ctx context.Context, id string) error {
	return e.jobs.Revoke(ctx, id)
}

// fetchSeries reads the observation history with bounded retries. Source
// hiccups are transient; validation errors from the source are not and fail
// immediately since retrying reproduces them.
func (e *ForecastEngine) fetchSeries(ctx context.Context, location string) (*models.ObservationSeries, error) {
	var lastErr error
	for attempt := 0; attempt <= e.config.FetchRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * 200 * time.Millisecond):
			}
		}
		series, err := e.source.FetchSeries(ctx, location)
		if err == nil {
			return series, nil
		}
		lastErr = err
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			break
		}
		e.logger.Warn("series fetch failed",
			logger.String("location", location),
			logger.Int("attempt", attempt+1),
			logger.Error(err))
	}
	e.metrics.RecordError("fetch_series")
	return nil, fmt.Errorf("fetch series for %s: %w", location, lastErr)
}
