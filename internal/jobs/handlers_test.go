package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"ConflictCast/internal/domain/models"
	"ConflictCast/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEngine struct {
	forecastErr error
	evaluateErr error
	invalidated []string
	requests    []models.ForecastRequest
	evaluated   []string
}

func (f *fakeEngine) GetForecast(_ context.Context, req models.ForecastRequest) (*models.ForecastResult, error) {
	f.requests = append(f.requests, req)
	if f.forecastErr != nil {
		return nil, f.forecastErr
	}
	return &models.ForecastResult{Request: req}, nil
}

func (f *fakeEngine) EvaluateModels(_ context.Context, location string, testSize int) ([]models.ModelMetrics, error) {
	f.evaluated = append(f.evaluated, location)
	if f.evaluateErr != nil {
		return nil, f.evaluateErr
	}
	return []models.ModelMetrics{{Location: location, TestSize: testSize}}, nil
}

func (f *fakeEngine) InvalidateLocation(_ context.Context, location string) error {
	f.invalidated = append(f.invalidated, location)
	return nil
}

type fakeSink struct {
	forecasts []*models.ForecastResult
	err       error
}

func (f *fakeSink) SubmitForecast(_ context.Context, res *models.ForecastResult) error {
	if f.err != nil {
		return f.err
	}
	f.forecasts = append(f.forecasts, res)
	return nil
}

func (f *fakeSink) SubmitMetrics(context.Context, []models.ModelMetrics) error { return nil }
func (f *fakeSink) Close() error                                               { return nil }

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	lgr, err := logger.New(&logger.Config{Level: "error", Format: "json", Output: "stderr"})
	require.NoError(t, err)
	return lgr
}

func payload(t *testing.T, params models.JobParams) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(params)
	require.NoError(t, err)
	return raw
}

func TestRecomputeInvalidatesThenForecasts(t *testing.T) {
	engine := &fakeEngine{}
	h := NewRecomputeHandler(testLogger(t), engine)

	err := h.Handle(context.Background(), payload(t, models.JobParams{
		Location: "Borno",
		Variant:  models.VariantDecomposition,
		Horizon:  6,
	}))
	require.NoError(t, err)

	assert.Equal(t, []string{"Borno"}, engine.invalidated)
	require.Len(t, engine.requests, 1)
	assert.Equal(t, models.VariantDecomposition, engine.requests[0].Variant)
	assert.Equal(t, 6, engine.requests[0].Horizon)
}

func TestHandlersApplyPayloadDefaults(t *testing.T) {
	engine := &fakeEngine{}
	h := NewRecomputeHandler(testLogger(t), engine)

	err := h.Handle(context.Background(), payload(t, models.JobParams{Location: "Borno"}))
	require.NoError(t, err)

	require.Len(t, engine.requests, 1)
	assert.Equal(t, models.VariantEnsemble, engine.requests[0].Variant)
	assert.Equal(t, defaultHorizon, engine.requests[0].Horizon)
}

func TestHandlersRejectMissingLocation(t *testing.T) {
	h := NewEvaluationHandler(testLogger(t), &fakeEngine{})

	err := h.Handle(context.Background(), payload(t, models.JobParams{}))
	require.Error(t, err)

	var jobErr *models.JobExecutionError
	require.ErrorAs(t, err, &jobErr)
	assert.Equal(t, models.JobRunEvaluation, jobErr.Kind)
}

func TestHandlerErrorsKeepRetryability(t *testing.T) {
	t.Run("insufficient data is terminal", func(t *testing.T) {
		engine := &fakeEngine{forecastErr: &models.InsufficientDataError{Location: "Borno", Got: 3, Min: models.MinObservations}}
		h := NewRecomputeHandler(testLogger(t), engine)

		err := h.Handle(context.Background(), payload(t, models.JobParams{Location: "Borno"}))
		require.Error(t, err)

		var jobErr *models.JobExecutionError
		require.ErrorAs(t, err, &jobErr)
		assert.False(t, jobErr.Retryable())
	})

	t.Run("source hiccup is transient", func(t *testing.T) {
		engine := &fakeEngine{evaluateErr: errors.New("connection refused")}
		h := NewEvaluationHandler(testLogger(t), engine)

		err := h.Handle(context.Background(), payload(t, models.JobParams{Location: "Borno"}))
		require.Error(t, err)

		var jobErr *models.JobExecutionError
		require.ErrorAs(t, err, &jobErr)
		assert.True(t, jobErr.Retryable())
	})
}

func TestEvaluationHandlerRunsBacktest(t *testing.T) {
	engine := &fakeEngine{}
	h := NewEvaluationHandler(testLogger(t), engine)

	err := h.Handle(context.Background(), payload(t, models.JobParams{Location: "Adamawa", TestSize: 8}))
	require.NoError(t, err)
	assert.Equal(t, []string{"Adamawa"}, engine.evaluated)
}

func TestReportHandlerSubmitsForecast(t *testing.T) {
	engine := &fakeEngine{}
	sink := &fakeSink{}
	h := NewReportHandler(testLogger(t), engine, sink)

	err := h.Handle(context.Background(), payload(t, models.JobParams{Location: "Borno"}))
	require.NoError(t, err)
	require.Len(t, sink.forecasts, 1)
	assert.Equal(t, "Borno", sink.forecasts[0].Request.Location)
}

func TestReportHandlerWrapsSinkFailure(t *testing.T) {
	engine := &fakeEngine{}
	sink := &fakeSink{err: errors.New("broker unavailable")}
	h := NewReportHandler(testLogger(t), engine, sink)

	err := h.Handle(context.Background(), payload(t, models.JobParams{Location: "Borno"}))
	require.Error(t, err)

	var jobErr *models.JobExecutionError
	require.ErrorAs(t, err, &jobErr)
	assert.True(t, jobErr.Retryable())
	assert.Equal(t, models.JobTriggerReport, jobErr.Kind)
}
