package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"ConflictCast/internal/domain/models"
	"ConflictCast/pkg/cache"
	xlogger "ConflictCast/pkg/logger"
	"ConflictCast/pkg/queue"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubEngine struct {
	forecastErr error
	lastRequest models.ForecastRequest
	enqueued    []models.JobKind
}

func (s *stubEngine) GetForecast(_ context.Context, req models.ForecastRequest) (*models.ForecastResult, error) {
	s.lastRequest = req
	if s.forecastErr != nil {
		return nil, s.forecastErr
	}
	return &models.ForecastResult{Request: req, ComputedAt: time.Now().UTC()}, nil
}

func (s *stubEngine) CompareModels(_ context.Context, location string, horizon int) (map[models.ModelVariant]*models.ForecastResult, error) {
	return map[models.ModelVariant]*models.ForecastResult{
		models.VariantEnsemble: {Request: models.ForecastRequest{Location: location, Variant: models.VariantEnsemble, Horizon: horizon}},
	}, nil
}

func (s *stubEngine) EvaluateModels(_ context.Context, location string, testSize int) ([]models.ModelMetrics, error) {
	return []models.ModelMetrics{{Location: location, TestSize: testSize}}, nil
}

func (s *stubEngine) InvalidateLocation(context.Context, string) error { return nil }

func (s *stubEngine) EnqueueJob(_ context.Context, kind models.JobKind, _ models.JobParams, _ queue.Schedule) (string, error) {
	s.enqueued = append(s.enqueued, kind)
	return "job-42", nil
}

func (s *stubEngine) RevokeJob(context.Context, string) error { return nil }

type stubJobs struct{}

func (stubJobs) Records(context.Context) ([]queue.Record, error) {
	return []queue.Record{{ID: "a", Kind: "run_evaluation", Status: queue.StatusPending}}, nil
}

func (stubJobs) DeadLetters(context.Context) ([]queue.Record, error) { return nil, nil }

type stubHealth struct{ err error }

func (s stubHealth) Health(context.Context) error { return s.err }

func newTestHandler(t *testing.T, engine *stubEngine, health stubHealth) (*echo.Echo, *ForecastHandler) {
	t.Helper()
	lgr, err := xlogger.New(&xlogger.Config{Level: "error", Format: "json", Output: "stderr"})
	require.NoError(t, err)

	store := cache.NewMemoryCache()
	t.Cleanup(func() { store.Close() })

	h := NewForecastHandler(lgr, engine, stubJobs{}, store, health)
	e := echo.New()
	h.RegisterRoutes(e)
	return e, h
}

func do(e *echo.Echo, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func envelope(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestForecastEndpointAppliesDefaults(t *testing.T) {
	engine := &stubEngine{}
	e, _ := newTestHandler(t, engine, stubHealth{})

	rec := do(e, http.MethodGet, "/api/v1/forecast?location=Borno", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := envelope(t, rec)
	assert.Equal(t, float64(http.StatusOK), body["status"])
	assert.Equal(t, models.VariantEnsemble, engine.lastRequest.Variant)
	assert.Equal(t, 4, engine.lastRequest.Horizon)
}

func TestForecastEndpointValidatesInput(t *testing.T) {
	e, _ := newTestHandler(t, &stubEngine{}, stubHealth{})

	rec := do(e, http.MethodGet, "/api/v1/forecast?variant=ensemble", "")
	body := envelope(t, rec)
	assert.Equal(t, float64(http.StatusBadRequest), body["status"])

	rec = do(e, http.MethodGet, "/api/v1/forecast?location=Borno&variant=prophet", "")
	body = envelope(t, rec)
	assert.Equal(t, float64(http.StatusBadRequest), body["status"])
}

func TestForecastEndpointMapsInsufficientData(t *testing.T) {
	engine := &stubEngine{forecastErr: &models.CacheComputationError{
		Key: "forecast:Borno:ensemble:4",
		Err: &models.InsufficientDataError{Location: "Borno", Got: 3, Min: models.MinObservations},
	}}
	e, _ := newTestHandler(t, engine, stubHealth{})

	rec := do(e, http.MethodGet, "/api/v1/forecast?location=Borno", "")
	body := envelope(t, rec)
	assert.Equal(t, float64(http.StatusUnprocessableEntity), body["status"])
}

func TestEvaluateEndpoint(t *testing.T) {
	e, _ := newTestHandler(t, &stubEngine{}, stubHealth{})

	rec := do(e, http.MethodPost, "/api/v1/evaluate", `{"location":"Borno","test_size":8}`)
	body := envelope(t, rec)
	assert.Equal(t, float64(http.StatusOK), body["status"])
}

func TestEnqueueJobEndpoint(t *testing.T) {
	engine := &stubEngine{}
	e, _ := newTestHandler(t, engine, stubHealth{})

	rec := do(e, http.MethodPost, "/api/v1/jobs", `{"kind":"run_evaluation","location":"Borno","every_seconds":3600}`)
	body := envelope(t, rec)
	require.Equal(t, float64(http.StatusCreated), body["status"])
	assert.Equal(t, []models.JobKind{models.JobRunEvaluation}, engine.enqueued)

	rec = do(e, http.MethodPost, "/api/v1/jobs", `{"kind":"mine_bitcoin","location":"Borno"}`)
	body = envelope(t, rec)
	assert.Equal(t, float64(http.StatusBadRequest), body["status"])
}

func TestHealthzReportsDegraded(t *testing.T) {
	e, _ := newTestHandler(t, &stubEngine{}, stubHealth{})
	rec := do(e, http.MethodGet, "/healthz", "")
	body := envelope(t, rec)
	assert.Equal(t, float64(http.StatusOK), body["status"])

	e2, _ := newTestHandler(t, &stubEngine{}, stubHealth{err: context.DeadlineExceeded})
	rec = do(e2, http.MethodGet, "/healthz", "")
	body = envelope(t, rec)
	assert.Equal(t, float64(http.StatusServiceUnavailable), body["status"])
}

func TestOpsJobsEndpoint(t *testing.T) {
	e, _ := newTestHandler(t, &stubEngine{}, stubHealth{})
	rec := do(e, http.MethodGet, "/ops/jobs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "run_evaluation")
}
