// Package middleware sits between external transports and the forecast
// engine.
package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"ConflictCast/internal/domain/models"
	domrepo "ConflictCast/internal/domain/repository"
	"ConflictCast/pkg/queue"
)

// Scheduler is the engine surface the listener drives: drop stale cache
// entries and hand the recompute to the job queue instead of fitting inline
// on the consumer goroutine.
type Scheduler interface {
	InvalidateLocation(ctx context.Context, location string) error
	EnqueueJob(ctx context.Context, kind models.JobKind, params models.JobParams, sched queue.Schedule) (string, error)
}

// UpdateEvent announces fresh observations for a location upstream.
type UpdateEvent struct {
	Location  string    `json:"location"`
	UpdatedAt time.Time `json:"updated_at"`
}

// UpdatesListener consumes observation-update events and keeps the result
// cache fresh. A burst of updates for one location collapses into a single
// invalidate-and-recompute per debounce window.
type UpdatesListener struct {
	topic    string
	sched    Scheduler
	metrics  domrepo.Metrics
	debounce time.Duration
	horizon  int

	mu       sync.Mutex
	lastSeen map[string]time.Time
}

type ListenerOption func(*UpdatesListener)

// WithDebounce sets the per-location minimum interval between recomputes.
func WithDebounce(d time.Duration) ListenerOption {
	return func(l *UpdatesListener) {
		if d > 0 {
			l.debounce = d
		}
	}
}

// WithRecomputeHorizon sets the horizon of the recomputed warm forecast.
func WithRecomputeHorizon(h int) ListenerOption {
	return func(l *UpdatesListener) {
		if h > 0 {
			l.horizon = h
		}
	}
}

func NewUpdatesListener(topic string, sched Scheduler, metrics domrepo.Metrics, opts ...ListenerOption) *UpdatesListener {
	l := &UpdatesListener{
		topic:    topic,
		sched:    sched,
		metrics:  metrics,
		debounce: 30 * time.Second,
		horizon:  4,
		lastSeen: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Topic implements the consumer handler contract.
func (l *UpdatesListener) Topic() string { return l.topic }

// Handle processes one update event.
func (l *UpdatesListener) Handle(ctx context.Context, data []byte) error {
	var ev UpdateEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		l.metrics.RecordError("updates_decode")
		return fmt.Errorf("decode update event: %w", err)
	}
	if ev.Location == "" {
		l.metrics.RecordError("updates_validate")
		return fmt.Errorf("update event: location is empty")
	}

	if !l.allow(ev.Location, time.Now()) {
		// Already refreshed inside the window; the queued recompute will
		// pick up this update's data too.
		return nil
	}

	if err := l.sched.InvalidateLocation(ctx, ev.Location); err != nil {
		l.metrics.RecordError("updates_invalidate")
		return fmt.Errorf("invalidate %s: %w", ev.Location, err)
	}
	if _, err := l.sched.EnqueueJob(ctx, models.JobRecomputeForecast, models.JobParams{
		Location: ev.Location,
		Variant:  models.VariantEnsemble,
		Horizon:  l.horizon,
	}, queue.Schedule{}); err != nil {
		l.metrics.RecordError("updates_enqueue")
		return fmt.Errorf("enqueue recompute for %s: %w", ev.Location, err)
	}
	return nil
}

func (l *UpdatesListener) allow(location string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	last := l.lastSeen[location]
	if !last.IsZero() && now.Sub(last) < l.debounce {
		return false
	}
	l.lastSeen[location] = now
	return true
}
