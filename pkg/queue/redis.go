package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"ConflictCast/pkg/logger"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisQueue is the durable job queue: a ready list consumed by a worker
// pool, a retry set for backoff, a schedule set spawning periodic job
// instances, a dead-letter list for terminal failures, and a record hash
// for operational inspection. State transitions are written through to the
// record hash so jobs are observable at every step.
type RedisQueue struct {
	logger    *logger.Logger
	config    *Config
	client    *redis.Client
	handlers  map[string]Handler
	observer  func(kind, event string)
	wg        sync.WaitGroup
	mu        sync.RWMutex
	isRunning bool
	stopCh    chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	keyPrefix string
}

// RedisQueueOption configures RedisQueue.
type RedisQueueOption func(*RedisQueue)

// WithKeyPrefix sets a custom key prefix.
func WithKeyPrefix(prefix string) RedisQueueOption {
	return func(r *RedisQueue) {
		r.keyPrefix = prefix
	}
}

// WithObserver installs a callback invoked on job lifecycle events
// (claimed, succeeded, retried, failed, revoked).
func WithObserver(fn func(kind, event string)) RedisQueueOption {
	return func(r *RedisQueue) {
		r.observer = fn
	}
}

// NewRedisQueue creates a queue on an existing Redis client.
func NewRedisQueue(lgr *logger.Logger, config *Config, client *redis.Client, opts ...RedisQueueOption) *RedisQueue {
	if config == nil {
		config = &Config{}
	}
	config.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	rq := &RedisQueue{
		logger:    lgr,
		config:    config,
		client:    client,
		handlers:  make(map[string]Handler),
		observer:  func(string, string) {},
		stopCh:    make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
		keyPrefix: "conflictcast:jobs",
	}
	for _, opt := range opts {
		opt(rq)
	}
	return rq
}

// RegisterHandlers registers multiple handlers.
func (r *RedisQueue) RegisterHandlers(handlers []Handler) {
	for _, h := range handlers {
		r.RegisterHandler(h)
	}
}

// RegisterHandler registers a single handler.
func (r *RedisQueue) RegisterHandler(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[h.Kind()]; exists {
		r.logger.Warn("handler already registered", logger.String("kind", h.Kind()))
		return
	}
	r.handlers[h.Kind()] = h
	r.logger.Info("job handler registered",
		logger.String("handler", h.Name()),
		logger.String("kind", h.Kind()))
}

// Start launches the worker pool and the retry/schedule processors.
func (r *RedisQueue) Start() error {
	r.mu.Lock()
	if r.isRunning {
		r.mu.Unlock()
		return fmt.Errorf("queue already running")
	}
	r.isRunning = true
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.client.Ping(ctx).Err(); err != nil {
		r.mu.Lock()
		r.isRunning = false
		r.mu.Unlock()
		return fmt.Errorf("redis ping: %w", err)
	}

	for i := 0; i < r.config.Workers; i++ {
		r.wg.Add(1)
		go r.worker(i)
	}
	r.wg.Add(2)
	go r.retryProcessor()
	go r.scheduleProcessor()

	r.logger.Info("job queue started",
		logger.Int("workers", r.config.Workers),
		logger.String("addr", r.client.Options().Addr))
	return nil
}

// Stop gracefully stops the queue, waiting for in-flight jobs.
func (r *RedisQueue) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.isRunning {
		r.mu.Unlock()
		return nil
	}
	r.isRunning = false
	r.logger.Info("stopping job queue...")
	r.cancel()
	close(r.stopCh)
	r.mu.Unlock()

	doneCh := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(doneCh)
	}()

	select {
	case <-ctx.Done():
		r.logger.Warn("timeout waiting for queue workers", logger.Error(ctx.Err()))
		return fmt.Errorf("timeout: %w", ctx.Err())
	case <-doneCh:
		r.logger.Info("job queue stopped gracefully")
		return nil
	}
}

// Enqueue registers a one-shot or periodic job and returns its ID. One-shot
// jobs with a past or zero At go on the ready list immediately; future ones
// wait on the delay set. Periodic jobs register a template that spawns a
// fresh instance each interval.
func (r *RedisQueue) Enqueue(ctx context.Context, kind string, payload interface{}, sched Schedule) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	id := uuid.NewString()
	now := time.Now()

	if sched.Periodic() {
		tmpl := periodicTemplate{ID: id, Kind: kind, Payload: raw, Every: sched.Every}
		data, err := json.Marshal(tmpl)
		if err != nil {
			return "", fmt.Errorf("marshal template: %w", err)
		}
		first := now.Add(sched.Every)
		if !sched.At.IsZero() {
			first = sched.At
		}
		if err := r.client.ZAdd(ctx, r.scheduleKey(), redis.Z{
			Score:  float64(first.Unix()),
			Member: data,
		}).Err(); err != nil {
			return "", fmt.Errorf("zadd schedule: %w", err)
		}
		r.logger.Info("periodic job registered",
			logger.String("id", id),
			logger.String("kind", kind),
			logger.Duration("every", sched.Every))
		return id, nil
	}

	rec := Record{
		ID:        id,
		Kind:      kind,
		Payload:   raw,
		Schedule:  sched,
		Status:    StatusPending,
		CreatedAt: now,
	}
	if err := r.putRecord(ctx, rec); err != nil {
		return "", err
	}

	msg := message{ID: id, Kind: kind, Payload: raw, Enqueued: now}
	data, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("marshal message: %w", err)
	}

	if sched.At.After(now) {
		err = r.client.ZAdd(ctx, r.retryKey(), redis.Z{
			Score:  float64(sched.At.Unix()),
			Member: data,
		}).Err()
	} else {
		err = r.client.LPush(ctx, r.readyKey(), data).Err()
	}
	if err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}
	return id, nil
}

// EnsurePeriodic registers a periodic job unless an identical template
// (same kind, payload and interval) is already scheduled. Safe to call on
// every boot.
func (r *RedisQueue) EnsurePeriodic(ctx context.Context, kind string, payload interface{}, every time.Duration) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	members, err := r.client.ZRange(ctx, r.scheduleKey(), 0, -1).Result()
	if err != nil {
		return "", fmt.Errorf("zrange schedule: %w", err)
	}
	for _, member := range members {
		var tmpl periodicTemplate
		if err := json.Unmarshal([]byte(member), &tmpl); err != nil {
			continue
		}
		if tmpl.Kind == kind && tmpl.Every == every && string(tmpl.Payload) == string(raw) {
			return tmpl.ID, nil
		}
	}
	return r.Enqueue(ctx, kind, payload, Schedule{Every: every})
}

// Revoke removes a not-yet-claimed job or periodic template. A message
// already claimed by a worker is unaffected; one still waiting is dropped
// when the worker finds its record gone.
func (r *RedisQueue) Revoke(ctx context.Context, id string) error {
	rec, err := r.record(ctx, id)
	if err == nil && rec.Status == StatusRunning {
		return fmt.Errorf("job %s already claimed by a worker", id)
	}
	if err := r.client.HDel(ctx, r.recordsKey(), id).Err(); err != nil {
		return err
	}
	r.removeByID(ctx, r.retryKey(), id)
	r.removeTemplate(ctx, id)
	return nil
}

// Records lists job instance records plus the periodic templates, rendered
// as pending records.
func (r *RedisQueue) Records(ctx context.Context) ([]Record, error) {
	raw, err := r.client.HGetAll(ctx, r.recordsKey()).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(raw))
	for _, data := range raw {
		var rec Record
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}

	members, err := r.client.ZRangeWithScores(ctx, r.scheduleKey(), 0, -1).Result()
	if err != nil {
		return out, nil
	}
	for _, z := range members {
		var tmpl periodicTemplate
		if err := json.Unmarshal([]byte(z.Member.(string)), &tmpl); err != nil {
			continue
		}
		out = append(out, Record{
			ID:       tmpl.ID,
			Kind:     tmpl.Kind,
			Payload:  tmpl.Payload,
			Schedule: Schedule{Every: tmpl.Every, At: time.Unix(int64(z.Score), 0)},
			Status:   StatusPending,
		})
	}
	return out, nil
}

// DeadLetters returns the messages that exhausted their retries.
func (r *RedisQueue) DeadLetters(ctx context.Context) ([]Record, error) {
	items, err := r.client.LRange(ctx, r.deadLetterKey(), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(items))
	for _, item := range items {
		var msg message
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			continue
		}
		if rec, err := r.record(context.Background(), msg.ID); err == nil {
			out = append(out, *rec)
		}
	}
	return out, nil
}

func (r *RedisQueue) worker(id int) {
	defer r.wg.Done()
	r.logger.Info("queue worker started", logger.Int("worker_id", id))

	for {
		select {
		case <-r.stopCh:
			r.logger.Info("queue worker stopping", logger.Int("worker_id", id))
			return
		case <-r.ctx.Done():
			return
		default:
			r.processNext()
		}
	}
}

func (r *RedisQueue) processNext() {
	ctx, cancel := context.WithTimeout(r.ctx, time.Second)
	defer cancel()

	result, err := r.client.BRPop(ctx, time.Second, r.readyKey()).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return
		}
		r.logger.Error("brpop error", logger.Error(err))
		time.Sleep(time.Second)
		return
	}
	if len(result) < 2 {
		return
	}

	var msg message
	if err := json.Unmarshal([]byte(result[1]), &msg); err != nil {
		r.logger.Error("unmarshal message", logger.Error(err))
		return
	}
	r.processMessage(msg)
}

func (r *RedisQueue) processMessage(msg message) {
	r.mu.RLock()
	handler, exists := r.handlers[msg.Kind]
	r.mu.RUnlock()
	if !exists {
		r.logger.Error("no handler for job kind",
			logger.String("kind", msg.Kind),
			logger.String("id", msg.ID))
		return
	}

	rec, err := r.record(r.ctx, msg.ID)
	if err != nil {
		// Record gone: the job was revoked before a worker claimed it.
		r.logger.Info("dropping revoked job", logger.String("id", msg.ID))
		r.observer(msg.Kind, "revoked")
		return
	}

	rec.Status = StatusRunning
	rec.Attempts = msg.Attempts + 1
	rec.LastRun = time.Now()
	if err := r.putRecord(r.ctx, *rec); err != nil && !errors.Is(err, context.Canceled) {
		r.logger.Error("update job record", logger.Error(err))
	}
	r.observer(msg.Kind, "claimed")

	start := time.Now()
	handleErr := handler.Handle(r.ctx, msg.Payload)
	elapsed := time.Since(start)

	if handleErr == nil {
		rec.Status = StatusSucceeded
		rec.LastError = ""
		if err := r.putRecord(r.ctx, *rec); err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Error("update job record", logger.Error(err))
		}
		r.observer(msg.Kind, "succeeded")
		r.logger.Info("job succeeded",
			logger.String("id", msg.ID),
			logger.String("kind", msg.Kind),
			logger.Int64("elapsed_ms", elapsed.Milliseconds()))
		return
	}

	if errors.Is(handleErr, context.Canceled) {
		// Shutdown mid-job: leave the record running; at-least-once
		// delivery means the job is re-enqueued by its next schedule or
		// by the operator, and idempotency makes the rerun safe.
		r.logger.Warn("job cancelled during shutdown",
			logger.String("id", msg.ID),
			logger.String("kind", msg.Kind))
		return
	}

	r.handleFailure(msg, *rec, handleErr)
}

func (r *RedisQueue) handleFailure(msg message, rec Record, handleErr error) {
	rec.LastError = handleErr.Error()
	r.logger.Error("job failed",
		logger.String("id", msg.ID),
		logger.String("kind", msg.Kind),
		logger.Int("attempt", rec.Attempts),
		logger.Error(handleErr))

	if canRetry(handleErr) && msg.Attempts < r.config.RetryLimit {
		msg.Attempts++
		backoff := r.config.RetryDelay << (msg.Attempts - 1)
		retryAt := time.Now().Add(backoff)

		rec.Status = StatusPending
		if err := r.putRecord(r.ctx, rec); err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Error("update job record", logger.Error(err))
		}

		data, err := json.Marshal(msg)
		if err != nil {
			r.logger.Error("marshal retry", logger.Error(err))
			return
		}
		if err := r.client.ZAdd(context.Background(), r.retryKey(), redis.Z{
			Score:  float64(retryAt.Unix()),
			Member: data,
		}).Err(); err != nil {
			r.logger.Error("zadd retry", logger.Error(err))
			return
		}
		r.observer(msg.Kind, "retried")
		r.logger.Info("job retry scheduled",
			logger.String("id", msg.ID),
			logger.Int("attempt", msg.Attempts),
			logger.String("retry_at", retryAt.Format(time.RFC3339)))
		return
	}

	rec.Status = StatusFailed
	if err := r.putRecord(r.ctx, rec); err != nil && !errors.Is(err, context.Canceled) {
		r.logger.Error("update job record", logger.Error(err))
	}
	data, err := json.Marshal(msg)
	if err != nil {
		r.logger.Error("marshal dlq", logger.Error(err))
		return
	}
	if err := r.client.LPush(context.Background(), r.deadLetterKey(), data).Err(); err != nil {
		r.logger.Error("lpush dlq", logger.Error(err))
	}
	r.observer(msg.Kind, "failed")
}

func (r *RedisQueue) retryProcessor() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.promoteDue(r.retryKey())
		}
	}
}

// promoteDue moves due members of a delay set onto the ready list.
func (r *RedisQueue) promoteDue(key string) {
	now := strconv.FormatInt(time.Now().Unix(), 10)
	members, err := r.client.ZRangeByScore(r.ctx, key, &redis.ZRangeBy{Min: "0", Max: now}).Result()
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			r.logger.Error("fetch due messages", logger.Error(err))
		}
		return
	}

	for _, member := range members {
		select {
		case <-r.ctx.Done():
			return
		default:
		}
		pipe := r.client.TxPipeline()
		pipe.ZRem(r.ctx, key, member)
		pipe.LPush(r.ctx, r.readyKey(), member)
		if _, err := pipe.Exec(r.ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Error("promote due message", logger.Error(err))
		}
	}
}

func (r *RedisQueue) scheduleProcessor() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.spawnDueInstances()
		}
	}
}

// spawnDueInstances materializes fresh job instances from due periodic
// templates and reschedules each template one interval ahead.
func (r *RedisQueue) spawnDueInstances() {
	now := time.Now()
	members, err := r.client.ZRangeByScore(r.ctx, r.scheduleKey(), &redis.ZRangeBy{
		Min: "0",
		Max: strconv.FormatInt(now.Unix(), 10),
	}).Result()
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			r.logger.Error("fetch due schedules", logger.Error(err))
		}
		return
	}

	for _, member := range members {
		var tmpl periodicTemplate
		if err := json.Unmarshal([]byte(member), &tmpl); err != nil {
			r.client.ZRem(r.ctx, r.scheduleKey(), member)
			continue
		}

		pipe := r.client.TxPipeline()
		pipe.ZRem(r.ctx, r.scheduleKey(), member)
		pipe.ZAdd(r.ctx, r.scheduleKey(), redis.Z{
			Score:  float64(now.Add(tmpl.Every).Unix()),
			Member: member,
		})
		if _, err := pipe.Exec(r.ctx); err != nil {
			if !errors.Is(err, context.Canceled) {
				r.logger.Error("reschedule template", logger.Error(err))
			}
			continue
		}

		instanceID := uuid.NewString()
		rec := Record{
			ID:        instanceID,
			Kind:      tmpl.Kind,
			Payload:   tmpl.Payload,
			Schedule:  Schedule{Every: tmpl.Every},
			Status:    StatusPending,
			CreatedAt: now,
		}
		if err := r.putRecord(r.ctx, rec); err != nil {
			continue
		}
		msg := message{ID: instanceID, Kind: tmpl.Kind, Payload: tmpl.Payload, Enqueued: now}
		data, err := json.Marshal(msg)
		if err != nil {
			continue
		}
		if err := r.client.LPush(r.ctx, r.readyKey(), data).Err(); err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Error("spawn periodic instance", logger.Error(err))
		}
	}
}

func (r *RedisQueue) putRecord(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	return r.client.HSet(ctx, r.recordsKey(), rec.ID, data).Err()
}

func (r *RedisQueue) record(ctx context.Context, id string) (*Record, error) {
	data, err := r.client.HGet(ctx, r.recordsKey(), id).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("job record %s not found", id)
		}
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}
	return &rec, nil
}

func (r *RedisQueue) removeByID(ctx context.Context, key, id string) {
	members, err := r.client.ZRange(ctx, key, 0, -1).Result()
	if err != nil {
		return
	}
	for _, member := range members {
		var msg message
		if err := json.Unmarshal([]byte(member), &msg); err != nil {
			continue
		}
		if msg.ID == id {
			r.client.ZRem(ctx, key, member)
		}
	}
}

func (r *RedisQueue) removeTemplate(ctx context.Context, id string) {
	members, err := r.client.ZRange(ctx, r.scheduleKey(), 0, -1).Result()
	if err != nil {
		return
	}
	for _, member := range members {
		var tmpl periodicTemplate
		if err := json.Unmarshal([]byte(member), &tmpl); err != nil {
			continue
		}
		if tmpl.ID == id {
			r.client.ZRem(ctx, r.scheduleKey(), member)
		}
	}
}

func (r *RedisQueue) readyKey() string      { return r.keyPrefix + ":ready" }
func (r *RedisQueue) retryKey() string      { return r.keyPrefix + ":retry" }
func (r *RedisQueue) scheduleKey() string   { return r.keyPrefix + ":schedule" }
func (r *RedisQueue) deadLetterKey() string { return r.keyPrefix + ":dlq" }
func (r *RedisQueue) recordsKey() string    { return r.keyPrefix + ":records" }
