package usecase

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ConflictCast/internal/domain/models"
	"ConflictCast/internal/repository"
	"ConflictCast/internal/services/forecasting"
	"ConflictCast/pkg/cache"
	"ConflictCast/pkg/logger"
	"ConflictCast/pkg/queue"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	mu      sync.Mutex
	fetches atomic.Int32
	series  map[string]*models.ObservationSeries
	err     error
	block   chan struct{}
}

func (f *fakeSource) FetchSeries(_ context.Context, location string) (*models.ObservationSeries, error) {
	f.fetches.Add(1)
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	series, ok := f.series[location]
	if !ok {
		return nil, errors.New("unknown location")
	}
	return series, nil
}

func (f *fakeSource) Health(context.Context) error { return nil }
func (f *fakeSource) Close() error                 { return nil }

type fakeSink struct {
	mu        sync.Mutex
	forecasts int
	metrics   int
}

func (f *fakeSink) SubmitForecast(context.Context, *models.ForecastResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forecasts++
	return nil
}

func (f *fakeSink) SubmitMetrics(context.Context, []models.ModelMetrics) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metrics++
	return nil
}

func (f *fakeSink) Close() error { return nil }

type nopMetrics struct {
	cacheEvents sync.Map
}

func (m *nopMetrics) RecordForecast(string, string)      {}
func (m *nopMetrics) RecordCache(event string)           { m.count(event) }
func (m *nopMetrics) RecordFitLatency(string, float64)   {}
func (m *nopMetrics) RecordJob(string, string)           {}
func (m *nopMetrics) RecordError(string)                 {}
func (m *nopMetrics) count(event string)                 { v, _ := m.cacheEvents.LoadOrStore(event, new(atomic.Int32)); v.(*atomic.Int32).Add(1) }
func (m *nopMetrics) cacheCount(event string) int32 {
	v, ok := m.cacheEvents.Load(event)
	if !ok {
		return 0
	}
	return v.(*atomic.Int32).Load()
}

type fakeJobs struct {
	enqueued []string
	revoked  []string
}

func (f *fakeJobs) Enqueue(_ context.Context, kind string, _ interface{}, _ queue.Schedule) (string, error) {
	f.enqueued = append(f.enqueued, kind)
	return "job-1", nil
}

func (f *fakeJobs) Revoke(_ context.Context, id string) error {
	f.revoked = append(f.revoked, id)
	return nil
}

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
	series, err := models.NewObservationSeries(location, points)
	require.NoError(t, err)
	return series
}

func growingCounts(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = 5 + i + (i%4)*2
	}
	return out
}

type engineFixture struct {
	engine  *ForecastEngine
	source  *fakeSource
	sink    *fakeSink
	metrics *nopMetrics
	store   cache.Store
	jobs    *fakeJobs
}

func newFixture(t *testing.T, source *fakeSource) *engineFixture {
	t.Helper()
	lgr, err := logger.New(&logger.Config{Level: "error", Format: "json", Output: "stderr"})
	require.NoError(t, err)

	store := cache.NewMemoryCache()
	t.Cleanup(func() { store.Close() })

	sink := &fakeSink{}
	metrics := &nopMetrics{}
	jobs := &fakeJobs{}
	engine := NewForecastEngine(
		lgr,
		EngineConfig{CacheTTL: time.Minute},
		source,
		sink,
		repository.NewCachedMetricsStore(store, time.Hour),
		metrics,
		store,
		jobs,
	)
	return &engineFixture{engine: engine, source: source, sink: sink, metrics: metrics, store: store, jobs: jobs}
}

func TestGetForecastComputesAndCaches(t *testing.T) {
	source := &fakeSource{series: map[string]*models.ObservationSeries{
		"Borno": weeklySeries(t, "Borno", growingCounts(30)),
	}}
	fx := newFixture(t, source)

	req := models.ForecastRequest{Location: "Borno", Variant: models.VariantDecomposition, Horizon: 4}
	first, err := fx.engine.GetForecast(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, first.Points, 4)
	assert.False(t, first.ComputedAt.IsZero())

	second, err := fx.engine.GetForecast(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, first.Points, second.Points)

	// Second call served from cache: no extra fetch, one sink submission.
	assert.Equal(t, int32(1), source.fetches.Load())
	assert.Equal(t, 1, fx.sink.forecasts)
	assert.Equal(t, int32(1), fx.metrics.cacheCount("hit"))
}

func TestGetForecastRejectsInvalidRequest(t *testing.T) {
	fx := newFixture(t, &fakeSource{})

	_, err := fx.engine.GetForecast(context.Background(), models.ForecastRequest{Location: "Borno", Variant: models.VariantEnsemble})
	require.Error(t, err)
	assert.Equal(t, int32(0), fx.source.fetches.Load())
}

func TestGetForecastCoalescesConcurrentRequests(t *testing.T) {
	source := &fakeSource{
		series: map[string]*models.ObservationSeries{
			"Borno": weeklySeries(t, "Borno", growingCounts(30)),
		},
		block: make(chan struct{}),
	}
	fx := newFixture(t, source)

	req := models.ForecastRequest{Location: "Borno", Variant: models.VariantAutoregressive, Horizon: 4}
	const callers = 8
	var wg sync.WaitGroup
	results := make([]*models.ForecastResult, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = fx.engine.GetForecast(context.Background(), req)
		}(i)
	}

	// Let every caller miss the cache and pile onto the flight group
	// before the leader's fetch is released.
	time.Sleep(100 * time.Millisecond)
	close(source.block)
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0].Points, results[i].Points)
	}
	assert.Equal(t, int32(1), source.fetches.Load())
}

func TestGetForecastWrapsComputationFailures(t *testing.T) {
	source := &fakeSource{series: map[string]*models.ObservationSeries{
		"Borno": weeklySeries(t, "Borno", growingCounts(5)),
	}}
	fx := newFixture(t, source)

	_, err := fx.engine.GetForecast(context.Background(), models.ForecastRequest{
		Location: "Borno", Variant: models.VariantDecomposition, Horizon: 4,
	})
	require.Error(t, err)

	var compErr *models.CacheComputationError
	require.ErrorAs(t, err, &compErr)
	var dataErr *models.InsufficientDataError
	require.ErrorAs(t, err, &dataErr)
	assert.Equal(t, models.MinObservations, dataErr.Min)
}

func TestInvalidateLocationForcesRecompute(t *testing.T) {
	source := &fakeSource{series: map[string]*models.ObservationSeries{
		"Borno": weeklySeries(t, "Borno", growingCounts(30)),
	}}
	fx := newFixture(t, source)

	req := models.ForecastRequest{Location: "Borno", Variant: models.VariantDecomposition, Horizon: 4}
	_, err := fx.engine.GetForecast(context.Background(), req)
	require.NoError(t, err)

	require.NoError(t, fx.engine.InvalidateLocation(context.Background(), "Borno"))

	_, err = fx.engine.GetForecast(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, int32(2), source.fetches.Load())
}

func TestCompareModelsReturnsAllVariants(t *testing.T) {
	source := &fakeSource{series: map[string]*models.ObservationSeries{
		"Borno": weeklySeries(t, "Borno", growingCounts(40)),
	}}
	fx := newFixture(t, source)

	out, err := fx.engine.CompareModels(context.Background(), "Borno", 4)
	require.NoError(t, err)
	require.Len(t, out, 3)
	for _, v := range []models.ModelVariant{models.VariantDecomposition, models.VariantAutoregressive, models.VariantEnsemble} {
		res, ok := out[v]
		require.True(t, ok, "missing variant %s", v)
		assert.Len(t, res.Points, 4)
	}
}

func TestEvaluateModelsStoresScorecards(t *testing.T) {
	source := &fakeSource{series: map[string]*models.ObservationSeries{
		"Borno": weeklySeries(t, "Borno", growingCounts(40)),
	}}
	fx := newFixture(t, source)

	scored, err := fx.engine.EvaluateModels(context.Background(), "Borno", 5)
	require.NoError(t, err)
	require.Len(t, scored, 3)
	for i := 1; i < len(scored); i++ {
		assert.LessOrEqual(t, string(scored[i-1].Variant), string(scored[i].Variant))
	}
	assert.Equal(t, 1, fx.sink.metrics)

	store := repository.NewCachedMetricsStore(fx.store, time.Hour)
	latest, err := store.LatestMetrics(context.Background(), "Borno")
	require.NoError(t, err)
	assert.Len(t, latest, 3)
}

func TestEvaluateModelsRejectsBadTestSize(t *testing.T) {
	fx := newFixture(t, &fakeSource{})
	_, err := fx.engine.EvaluateModels(context.Background(), "Borno", 0)
	require.Error(t, err)
}

func TestEnqueueJobValidatesKind(t *testing.T) {
	fx := newFixture(t, &fakeSource{})

	id, err := fx.engine.EnqueueJob(context.Background(), models.JobRunEvaluation, models.JobParams{Location: "Borno"}, queue.Schedule{})
	require.NoError(t, err)
	assert.Equal(t, "job-1", id)
	assert.Equal(t, []string{string(models.JobRunEvaluation)}, fx.jobs.enqueued)

	_, err = fx.engine.EnqueueJob(context.Background(), models.JobKind("mystery"), models.JobParams{}, queue.Schedule{})
	require.Error(t, err)
}

// slowModel simulates a fit that overruns its execution budget.
type slowModel struct {
	variant models.ModelVariant
	delay   time.Duration
}

func (m *slowModel) Variant() models.ModelVariant { return m.variant }

func (m *slowModel) Fit(*models.ObservationSeries) error {
	time.Sleep(m.delay)
	return nil
}

func (m *slowModel) Predict(int) (*forecasting.Prediction, error) {
	return nil, forecasting.ErrNotFitted
}

func TestSlowEnsembleMemberFailsOnlyThatModel(t *testing.T) {
	source := &fakeSource{series: map[string]*models.ObservationSeries{
		"Borno": weeklySeries(t, "Borno", growingCounts(30)),
	}}
	fx := newFixture(t, source)
	fx.engine.config.FitTimeout = 50 * time.Millisecond
	fx.engine.newModel = func(v models.ModelVariant, cfg forecasting.Config) (forecasting.Model, error) {
		if v == models.VariantAutoregressive {
			return &slowModel{variant: v, delay: time.Second}, nil
		}
		return forecasting.New(v, cfg)
	}

	res, err := fx.engine.GetForecast(context.Background(), models.ForecastRequest{
		Location: "Borno",
		Variant:  models.VariantEnsemble,
		Horizon:  4,
	})
	require.NoError(t, err)
	require.Len(t, res.Points, 4)
}

func TestSingleVariantOverBudgetFails(t *testing.T) {
	source := &fakeSource{series: map[string]*models.ObservationSeries{
		"Borno": weeklySeries(t, "Borno", growingCounts(30)),
	}}
	fx := newFixture(t, source)
	fx.engine.config.FitTimeout = 50 * time.Millisecond
	fx.engine.newModel = func(v models.ModelVariant, _ forecasting.Config) (forecasting.Model, error) {
		return &slowModel{variant: v, delay: time.Second}, nil
	}

	start := time.Now()
	_, err := fx.engine.GetForecast(context.Background(), models.ForecastRequest{
		Location: "Borno",
		Variant:  models.VariantDecomposition,
		Horizon:  4,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 500*time.Millisecond, "caller must not wait out the runaway fit")
}

func TestAllMembersOverBudgetFailForecast(t *testing.T) {
	source := &fakeSource{series: map[string]*models.ObservationSeries{
		"Borno": weeklySeries(t, "Borno", growingCounts(30)),
	}}
	fx := newFixture(t, source)
	fx.engine.config.FitTimeout = 50 * time.Millisecond
	fx.engine.newModel = func(v models.ModelVariant, _ forecasting.Config) (forecasting.Model, error) {
		return &slowModel{variant: v, delay: time.Second}, nil
	}

	_, err := fx.engine.GetForecast(context.Background(), models.ForecastRequest{
		Location: "Borno",
		Variant:  models.VariantEnsemble,
		Horizon:  4,
	})
	require.Error(t, err)
	var cerr *models.CacheComputationError
	require.ErrorAs(t, err, &cerr)
	var ferr *models.ModelFitError
	assert.ErrorAs(t, err, &ferr)
}

func TestInvalidateLocationEscapesGlobChars(t *testing.T) {
	source := &fakeSource{series: map[string]*models.ObservationSeries{
		"Borno*": weeklySeries(t, "Borno*", growingCounts(30)),
		"BornoX": weeklySeries(t, "BornoX", growingCounts(30)),
	}}
	fx := newFixture(t, source)

	star := models.ForecastRequest{Location: "Borno*", Variant: models.VariantDecomposition, Horizon: 4}
	sibling := models.ForecastRequest{Location: "BornoX", Variant: models.VariantDecomposition, Horizon: 4}
	_, err := fx.engine.GetForecast(context.Background(), star)
	require.NoError(t, err)
	_, err = fx.engine.GetForecast(context.Background(), sibling)
	require.NoError(t, err)
	require.Equal(t, int32(2), fx.source.fetches.Load())

	require.NoError(t, fx.engine.InvalidateLocation(context.Background(), "Borno*"))

	// The sibling only glob-matches the unescaped pattern; it must stay cached.
	_, err = fx.engine.GetForecast(context.Background(), sibling)
	require.NoError(t, err)
	assert.Equal(t, int32(2), fx.source.fetches.Load())

	_, err = fx.engine.GetForecast(context.Background(), star)
	require.NoError(t, err)
	assert.Equal(t, int32(3), fx.source.fetches.Load())
}
