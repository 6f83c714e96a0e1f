// Package api exposes the forecast engine over HTTP: the forecast and
// evaluation operations plus an ops surface for cache and job inspection.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"ConflictCast/internal/domain/models"
	"ConflictCast/pkg/cache"
	xhttp "ConflictCast/pkg/http"
	xlogger "ConflictCast/pkg/logger"
	"ConflictCast/pkg/queue"

	"github.com/labstack/echo/v4"
)

// Engine is the forecast engine surface the handler drives.
type Engine interface {
	GetForecast(ctx context.Context, req models.ForecastRequest) (*models.ForecastResult, error)
	CompareModels(ctx context.Context, location string, horizon int) (map[models.ModelVariant]*models.ForecastResult, error)
	EvaluateModels(ctx context.Context, location string, testSize int) ([]models.ModelMetrics, error)
	InvalidateLocation(ctx context.Context, location string) error
	EnqueueJob(ctx context.Context, kind models.JobKind, params models.JobParams, sched queue.Schedule) (string, error)
	RevokeJob(ctx context.Context, id string) error
}

// JobInspector lists scheduler state for the ops endpoints.
type JobInspector interface {
	Records(ctx context.Context) ([]queue.Record, error)
	DeadLetters(ctx context.Context) ([]queue.Record, error)
}

// HealthChecker reports upstream store health.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// ForecastHandler implements the HTTP routes.
type ForecastHandler struct {
	logger *xlogger.Logger
	engine Engine
	jobs   JobInspector
	store  cache.Store
	health HealthChecker
}

func NewForecastHandler(logger *xlogger.Logger, engine Engine, jobs JobInspector, store cache.Store, health HealthChecker) *ForecastHandler {
	return &ForecastHandler{logger: logger, engine: engine, jobs: jobs, store: store, health: health}
}

func (h *ForecastHandler) RegisterRoutes(e *echo.Echo) {
	g := e.Group("/api/v1")
	g.GET("/forecast", h.Forecast)
	g.GET("/forecast/compare", h.Compare)
	g.POST("/evaluate", h.Evaluate)
	g.DELETE("/cache/:location", h.Invalidate)
	g.POST("/jobs", h.EnqueueJob)
	g.DELETE("/jobs/:id", h.RevokeJob)

	e.GET("/healthz", h.Healthz)
	ops := e.Group("/ops")
	ops.GET("/cache", h.CacheEntries)
	ops.GET("/jobs", h.JobRecords)
	ops.GET("/jobs/dead", h.DeadLetterRecords)
}

// ForecastQuery is the getForecast request.
type ForecastQuery struct {
	Location string `query:"location" validate:"required"`
	Variant  string `query:"variant" default:"ensemble" validate:"oneof=decomposition autoregressive ensemble"`
	Horizon  int    `query:"horizon" default:"4" validate:"gte=1,lte=52"`
}

func (h *ForecastHandler) Forecast(c echo.Context) error {
	req := &ForecastQuery{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}

	res, err := h.engine.GetForecast(c.Request().Context(), models.ForecastRequest{
		Location: req.Location,
		Variant:  models.ModelVariant(req.Variant),
		Horizon:  req.Horizon,
	})
	if err != nil {
		return h.domainErrorResponse(c, "forecast", err)
	}
	return xhttp.SuccessResponse(c, res)
}

// CompareQuery is the compareModels request.
type CompareQuery struct {
	Location string `query:"location" validate:"required"`
	Horizon  int    `query:"horizon" default:"4" validate:"gte=1,lte=52"`
}

func (h *ForecastHandler) Compare(c echo.Context) error {
	req := &CompareQuery{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}

	res, err := h.engine.CompareModels(c.Request().Context(), req.Location, req.Horizon)
	if err != nil {
		return h.domainErrorResponse(c, "compare", err)
	}
	return xhttp.SuccessResponse(c, res)
}

// EvaluateRequest is the evaluateModels request.
type EvaluateRequest struct {
	Location string `json:"location" validate:"required"`
	TestSize int    `json:"test_size" default:"5" validate:"gte=1,lte=52"`
}

func (h *ForecastHandler) Evaluate(c echo.Context) error {
	req := &EvaluateRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}

	scored, err := h.engine.EvaluateModels(c.Request().Context(), req.Location, req.TestSize)
	if err != nil {
		return h.domainErrorResponse(c, "evaluate", err)
	}
	return xhttp.SuccessResponse(c, scored)
}

func (h *ForecastHandler) Invalidate(c echo.Context) error {
	location := c.Param("location")
	if location == "" {
		return xhttp.BadRequestResponse(c, []xhttp.ValidationError{{
			Code: "ERR_REQUIRED", Field: "location", Message: "location is required",
		}})
	}
	if err := h.engine.InvalidateLocation(c.Request().Context(), location); err != nil {
		return h.domainErrorResponse(c, "invalidate", err)
	}
	return xhttp.NoContentResponse(c)
}

// EnqueueJobRequest registers a background job. EverySeconds > 0 makes the
// job periodic; At delays a one-shot.
type EnqueueJobRequest struct {
	Kind         string     `json:"kind" validate:"required,oneof=recompute_forecast run_evaluation trigger_report"`
	Location     string     `json:"location" validate:"required"`
	Variant      string     `json:"variant" default:"ensemble" validate:"oneof=decomposition autoregressive ensemble"`
	Horizon      int        `json:"horizon" default:"4" validate:"gte=1,lte=52"`
	TestSize     int        `json:"test_size" default:"5" validate:"gte=1,lte=52"`
	EverySeconds int        `json:"every_seconds" validate:"gte=0"`
	At           *time.Time `json:"at"`
}

func (h *ForecastHandler) EnqueueJob(c echo.Context) error {
	req := &EnqueueJobRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}

	sched := queue.Schedule{Every: time.Duration(req.EverySeconds) * time.Second}
	if req.At != nil {
		sched.At = *req.At
	}
	id, err := h.engine.EnqueueJob(c.Request().Context(), models.JobKind(req.Kind), models.JobParams{
		Location: req.Location,
		Variant:  models.ModelVariant(req.Variant),
		Horizon:  req.Horizon,
		TestSize: req.TestSize,
	}, sched)
	if err != nil {
		return h.domainErrorResponse(c, "enqueue_job", err)
	}
	return xhttp.CreatedResponse(c, map[string]string{"id": id})
}

func (h *ForecastHandler) RevokeJob(c echo.Context) error {
	if err := h.engine.RevokeJob(c.Request().Context(), c.Param("id")); err != nil {
		return xhttp.AppErrorResponse(c, xhttp.NotFoundError("job not found or already claimed").WithError(err))
	}
	return xhttp.NoContentResponse(c)
}

func (h *ForecastHandler) Healthz(c echo.Context) error {
	if err := h.health.Health(c.Request().Context()); err != nil {
		h.logger.Error("health check failed", xlogger.Error(err))
		return xhttp.DataResponse(c, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
	}
	return xhttp.SuccessResponse(c, map[string]string{"status": "ok"})
}

func (h *ForecastHandler) CacheEntries(c echo.Context) error {
	pattern := c.QueryParam("pattern")
	if pattern == "" {
		pattern = "forecast:*"
	}
	entries, err := h.store.Entries(c.Request().Context(), pattern)
	if err != nil {
		h.logger.Error("cache inspection failed", xlogger.Error(err))
		return xhttp.AppErrorResponse(c, err)
	}
	return xhttp.ListResponse(c, entries, int64(len(entries)))
}

func (h *ForecastHandler) JobRecords(c echo.Context) error {
	records, err := h.jobs.Records(c.Request().Context())
	if err != nil {
		h.logger.Error("job inspection failed", xlogger.Error(err))
		return xhttp.AppErrorResponse(c, err)
	}
	return xhttp.ListResponse(c, records, int64(len(records)))
}

func (h *ForecastHandler) DeadLetterRecords(c echo.Context) error {
	records, err := h.jobs.DeadLetters(c.Request().Context())
	if err != nil {
		h.logger.Error("dead letter inspection failed", xlogger.Error(err))
		return xhttp.AppErrorResponse(c, err)
	}
	return xhttp.ListResponse(c, records, int64(len(records)))
}

// domainErrorResponse maps domain failures onto HTTP statuses. Data and fit
// preconditions are client-visible 422s; everything else is internal.
func (h *ForecastHandler) domainErrorResponse(c echo.Context, op string, err error) error {
	var dataErr *models.InsufficientDataError
	if errors.As(err, &dataErr) {
		return xhttp.AppErrorResponse(c, xhttp.NewAppError(
			"ERR_INSUFFICIENT_DATA", "location", dataErr.Error(), http.StatusUnprocessableEntity,
		).WithParam("got", dataErr.Got).WithParam("min", dataErr.Min))
	}
	var fitErr *models.ModelFitError
	if errors.As(err, &fitErr) {
		return xhttp.AppErrorResponse(c, xhttp.NewAppError(
			"ERR_MODEL_FIT", "", fitErr.Error(), http.StatusUnprocessableEntity,
		))
	}
	h.logger.Error(op+" failed", xlogger.Error(err))
	return xhttp.AppErrorResponse(c, err)
}
