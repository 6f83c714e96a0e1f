package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ConflictCast/internal/domain/models"
	"ConflictCast/pkg/cache"
)

// CachedMetricsStore keeps the latest backtest scorecard per (location,
// variant) in the cache backend. Scorecards only steer ensemble weighting,
// so an expired or missing entry simply degrades to equal weights.
type CachedMetricsStore struct {
	store cache.Store
	ttl   time.Duration
}

func NewCachedMetricsStore(store cache.Store, ttl time.Duration) *CachedMetricsStore {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &CachedMetricsStore{store: store, ttl: ttl}
}

func metricsKey(location string) string {
	return fmt.Sprintf("metrics:%s", location)
}

// PutMetrics merges the given scorecards into each location's entry so a
// partial evaluation does not wipe scores of variants it did not touch.
func (s *CachedMetricsStore) PutMetrics(ctx context.Context, metrics []models.ModelMetrics) error {
	byLocation := make(map[string][]models.ModelMetrics)
	for _, m := range metrics {
		byLocation[m.Location] = append(byLocation[m.Location], m)
	}

	for location, batch := range byLocation {
		existing, err := s.LatestMetrics(ctx, location)
		if err != nil {
			existing = make(map[models.ModelVariant]models.ModelMetrics)
		}
		for _, m := range batch {
			existing[m.Variant] = m
		}
		if err := s.store.Set(ctx, metricsKey(location), existing, s.ttl); err != nil {
			return fmt.Errorf("store metrics for %s: %w", location, err)
		}
	}
	return nil
}

func (s *CachedMetricsStore) LatestMetrics(ctx context.Context, location string) (map[models.ModelVariant]models.ModelMetrics, error) {
	var out map[models.ModelVariant]models.ModelMetrics
	if err := s.store.Get(ctx, metricsKey(location), &out); err != nil {
		if errors.Is(err, cache.ErrCacheMiss) {
			return nil, fmt.Errorf("no scorecards for %s", location)
		}
		return nil, err
	}
	return out, nil
}
