// Package jobs contains the background job handlers run by the scheduler.
// Every handler is idempotent: re-running a claimed job after a crash or a
// retry converges on the same cached state.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"ConflictCast/internal/domain/models"
	drepo "ConflictCast/internal/domain/repository"
	"ConflictCast/pkg/logger"
)

// Defaults applied when a job payload leaves a field unset.
const (
	defaultHorizon  = 4
	defaultTestSize = 5
)

// Engine is the slice of the forecast engine the handlers drive.
type Engine interface {
	GetForecast(ctx context.Context, req models.ForecastRequest) (*models.ForecastResult, error)
	EvaluateModels(ctx context.Context, location string, testSize int) ([]models.ModelMetrics, error)
	InvalidateLocation(ctx context.Context, location string) error
}

func decodeParams(payload json.RawMessage) (models.JobParams, error) {
	var params models.JobParams
	if err := json.Unmarshal(payload, &params); err != nil {
		return params, fmt.Errorf("decode job params: %w", err)
	}
	if params.Location == "" {
		return params, fmt.Errorf("job params: location is required")
	}
	if params.Variant == "" {
		params.Variant = models.VariantEnsemble
	}
	if params.Horizon <= 0 {
		params.Horizon = defaultHorizon
	}
	if params.TestSize <= 0 {
		params.TestSize = defaultTestSize
	}
	return params, nil
}

// wrapJobError classifies a handler failure for the retry policy. Causes
// that declare themselves non-retryable stay terminal; anything else is
// treated as transient.
func wrapJobError(kind models.JobKind, err error) error {
	transient := true
	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		transient = r.Retryable()
	}
	return &models.JobExecutionError{Kind: kind, Err: err, Transient: transient}
}

// RecomputeHandler refreshes the cached forecast for one location: the
// stale entries are dropped and the requested variant is recomputed from
// the latest history.
type RecomputeHandler struct {
	logger *logger.Logger
	engine Engine
}

func NewRecomputeHandler(lgr *logger.Logger, engine Engine) *RecomputeHandler {
	return &RecomputeHandler{logger: lgr, engine: engine}
}

func (h *RecomputeHandler) Name() string { return "forecast-recompute" }
func (h *RecomputeHandler) Kind() string { return string(models.JobRecomputeForecast) }

func (h *RecomputeHandler) Handle(ctx context.Context, payload json.RawMessage) error {
	params, err := decodeParams(payload)
	if err != nil {
		return wrapJobError(models.JobRecomputeForecast, err)
	}
	if err := h.engine.InvalidateLocation(ctx, params.Location); err != nil {
		return wrapJobError(models.JobRecomputeForecast, err)
	}
	res, err := h.engine.GetForecast(ctx, models.ForecastRequest{
		Location: params.Location,
		Variant:  params.Variant,
		Horizon:  params.Horizon,
	})
	if err != nil {
		return wrapJobError(models.JobRecomputeForecast, err)
	}
	h.logger.Info("forecast recomputed",
		logger.String("location", params.Location),
		logger.String("variant", string(params.Variant)),
		logger.Int("points", len(res.Points)))
	return nil
}

// EvaluationHandler backtests every variant for one location and refreshes
// the stored scorecards.
type EvaluationHandler struct {
	logger *logger.Logger
	engine Engine
}

func NewEvaluationHandler(lgr *logger.Logger, engine Engine) *EvaluationHandler {
	return &EvaluationHandler{logger: lgr, engine: engine}
}

func (h *EvaluationHandler) Name() string { return "model-evaluation" }
func (h *EvaluationHandler) Kind() string { return string(models.JobRunEvaluation) }

func (h *EvaluationHandler) Handle(ctx context.Context, payload json.RawMessage) error {
	params, err := decodeParams(payload)
	if err != nil {
		return wrapJobError(models.JobRunEvaluation, err)
	}
	scored, err := h.engine.EvaluateModels(ctx, params.Location, params.TestSize)
	if err != nil {
		return wrapJobError(models.JobRunEvaluation, err)
	}
	h.logger.Info("models evaluated",
		logger.String("location", params.Location),
		logger.Int("test_size", params.TestSize),
		logger.Int("variants", len(scored)))
	return nil
}

// ReportHandler pushes the current forecast for one location to the report
// layer. Cached results are reused; only a cold cache triggers a fit.
type ReportHandler struct {
	logger *logger.Logger
	engine Engine
	sink   drepo.ReportSink
}

func NewReportHandler(lgr *logger.Logger, engine Engine, sink drepo.ReportSink) *ReportHandler {
	return &ReportHandler{logger: lgr, engine: engine, sink: sink}
}

func (h *ReportHandler) Name() string { return "forecast-report" }
func (h *ReportHandler) Kind() string { return string(models.JobTriggerReport) }

func (h *ReportHandler) Handle(ctx context.Context, payload json.RawMessage) error {
	params, err := decodeParams(payload)
	if err != nil {
		return wrapJobError(models.JobTriggerReport, err)
	}
	res, err := h.engine.GetForecast(ctx, models.ForecastRequest{
		Location: params.Location,
		Variant:  params.Variant,
		Horizon:  params.Horizon,
	})
	if err != nil {
		return wrapJobError(models.JobTriggerReport, err)
	}
	if err := h.sink.SubmitForecast(ctx, res); err != nil {
		return wrapJobError(models.JobTriggerReport, err)
	}
	h.logger.Info("forecast report submitted",
		logger.String("location", params.Location),
		logger.String("variant", string(params.Variant)))
	return nil
}
