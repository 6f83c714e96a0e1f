package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ConflictCast/pkg/logger"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testHandler struct {
	kind string
	fn   func(ctx context.Context, payload json.RawMessage) error
}

func (h *testHandler) Name() string { return "test-" + h.kind }
func (h *testHandler) Kind() string { return h.kind }
func (h *testHandler) Handle(ctx context.Context, payload json.RawMessage) error {
	return h.fn(ctx, payload)
}

type permanentError struct{ msg string }

func (e *permanentError) Error() string   { return e.msg }
func (e *permanentError) Retryable() bool { return false }

func newTestQueue(t *testing.T) (*RedisQueue, *redis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	lgr, err := logger.New(&logger.Config{Level: "error", Format: "json", Output: "stderr"})
	require.NoError(t, err)

	cfg := &Config{
		Workers:      1,
		RetryLimit:   2,
		RetryDelay:   50 * time.Millisecond,
		PollInterval: 20 * time.Millisecond,
	}
	return NewRedisQueue(lgr, cfg, client), client
}

func stopQueue(t *testing.T, q *RedisQueue) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, q.Stop(ctx))
}

func findRecord(t *testing.T, q *RedisQueue, id string) *Record {
	t.Helper()
	records, err := q.Records(context.Background())
	require.NoError(t, err)
	for i := range records {
		if records[i].ID == id {
			return &records[i]
		}
	}
	return nil
}

func TestQueueRunsJobToSuccess(t *testing.T) {
	q, _ := newTestQueue(t)

	var calls atomic.Int32
	q.RegisterHandler(&testHandler{kind: "noop", fn: func(context.Context, json.RawMessage) error {
		calls.Add(1)
		return nil
	}})

	require.NoError(t, q.Start())
	defer stopQueue(t, q)

	id, err := q.Enqueue(context.Background(), "noop", map[string]string{"location": "Borno"}, Schedule{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		rec := findRecord(t, q, id)
		return rec != nil && rec.Status == StatusSucceeded
	}, 3*time.Second, 20*time.Millisecond)

	assert.Equal(t, int32(1), calls.Load())
	rec := findRecord(t, q, id)
	assert.Equal(t, 1, rec.Attempts)
	assert.Empty(t, rec.LastError)
}

func TestQueueRetriesTransientFailure(t *testing.T) {
	q, _ := newTestQueue(t)

	var calls atomic.Int32
	q.RegisterHandler(&testHandler{kind: "flaky", fn: func(context.Context, json.RawMessage) error {
		if calls.Add(1) == 1 {
			return errors.New("transient upstream hiccup")
		}
		return nil
	}})

	require.NoError(t, q.Start())
	defer stopQueue(t, q)

	id, err := q.Enqueue(context.Background(), "flaky", nil, Schedule{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		rec := findRecord(t, q, id)
		return rec != nil && rec.Status == StatusSucceeded
	}, 5*time.Second, 20*time.Millisecond)

	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, 2, findRecord(t, q, id).Attempts)
}

func TestQueueZeroValueConfigStillRetries(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	lgr, err := logger.New(&logger.Config{Level: "error", Format: "json", Output: "stderr"})
	require.NoError(t, err)

	// RetryLimit left at zero must fall back to a positive default, not
	// disable the retry loop.
	q := NewRedisQueue(lgr, &Config{
		Workers:      1,
		RetryDelay:   30 * time.Millisecond,
		PollInterval: 20 * time.Millisecond,
	}, client)

	var calls atomic.Int32
	q.RegisterHandler(&testHandler{kind: "flaky", fn: func(context.Context, json.RawMessage) error {
		if calls.Add(1) == 1 {
			return errors.New("transient upstream hiccup")
		}
		return nil
	}})

	require.NoError(t, q.Start())
	defer stopQueue(t, q)

	id, err := q.Enqueue(context.Background(), "flaky", nil, Schedule{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		rec := findRecord(t, q, id)
		return rec != nil && rec.Status == StatusSucceeded
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, int32(2), calls.Load())
}

func TestQueueDeadLettersAfterRetryLimit(t *testing.T) {
	q, _ := newTestQueue(t)

	var calls atomic.Int32
	q.RegisterHandler(&testHandler{kind: "doomed", fn: func(context.Context, json.RawMessage) error {
		calls.Add(1)
		return errors.New("always broken")
	}})

	require.NoError(t, q.Start())
	defer stopQueue(t, q)

	id, err := q.Enqueue(context.Background(), "doomed", nil, Schedule{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		rec := findRecord(t, q, id)
		return rec != nil && rec.Status == StatusFailed
	}, 5*time.Second, 20*time.Millisecond)

	// Initial attempt plus RetryLimit retries.
	assert.Equal(t, int32(3), calls.Load())
	assert.Contains(t, findRecord(t, q, id).LastError, "always broken")

	dead, err := q.DeadLetters(context.Background())
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, id, dead[0].ID)
}

func TestQueueSkipsRetryForPermanentErrors(t *testing.T) {
	q, _ := newTestQueue(t)

	var calls atomic.Int32
	q.RegisterHandler(&testHandler{kind: "invalid", fn: func(context.Context, json.RawMessage) error {
		calls.Add(1)
		return &permanentError{msg: "series too short"}
	}})

	require.NoError(t, q.Start())
	defer stopQueue(t, q)

	id, err := q.Enqueue(context.Background(), "invalid", nil, Schedule{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		rec := findRecord(t, q, id)
		return rec != nil && rec.Status == StatusFailed
	}, 3*time.Second, 20*time.Millisecond)

	// A permanent error must not burn retries: one attempt, straight to
	// the dead-letter list.
	assert.Equal(t, int32(1), calls.Load())
	dead, err := q.DeadLetters(context.Background())
	require.NoError(t, err)
	require.Len(t, dead, 1)
}

func TestQueueRunsDelayedJobAfterDueTime(t *testing.T) {
	q, _ := newTestQueue(t)

	var calls atomic.Int32
	q.RegisterHandler(&testHandler{kind: "later", fn: func(context.Context, json.RawMessage) error {
		calls.Add(1)
		return nil
	}})

	require.NoError(t, q.Start())
	defer stopQueue(t, q)

	id, err := q.Enqueue(context.Background(), "later", nil, Schedule{At: time.Now().Add(time.Second)})
	require.NoError(t, err)

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())
	assert.Equal(t, StatusPending, findRecord(t, q, id).Status)

	require.Eventually(t, func() bool {
		rec := findRecord(t, q, id)
		return rec != nil && rec.Status == StatusSucceeded
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestQueueSpawnsPeriodicInstances(t *testing.T) {
	q, _ := newTestQueue(t)

	var calls atomic.Int32
	q.RegisterHandler(&testHandler{kind: "tick", fn: func(context.Context, json.RawMessage) error {
		calls.Add(1)
		return nil
	}})

	require.NoError(t, q.Start())
	defer stopQueue(t, q)

	tmplID, err := q.Enqueue(context.Background(), "tick", nil, Schedule{Every: 100 * time.Millisecond})
	require.NoError(t, err)

	// Each cycle spawns a fresh instance with its own record.
	require.Eventually(t, func() bool {
		return calls.Load() >= 2
	}, 5*time.Second, 20*time.Millisecond)

	records, err := q.Records(context.Background())
	require.NoError(t, err)
	instances := 0
	templateSeen := false
	for _, rec := range records {
		if rec.ID == tmplID {
			templateSeen = true
			continue
		}
		if rec.Kind == "tick" {
			instances++
			assert.NotEqual(t, tmplID, rec.ID)
		}
	}
	assert.True(t, templateSeen)
	assert.GreaterOrEqual(t, instances, 2)
}

func TestQueueRevokeDropsQueuedJob(t *testing.T) {
	q, _ := newTestQueue(t)

	var calls atomic.Int32
	q.RegisterHandler(&testHandler{kind: "revoked", fn: func(context.Context, json.RawMessage) error {
		calls.Add(1)
		return nil
	}})

	// Enqueue and revoke before any worker is running.
	id, err := q.Enqueue(context.Background(), "revoked", nil, Schedule{})
	require.NoError(t, err)
	require.NoError(t, q.Revoke(context.Background(), id))

	require.NoError(t, q.Start())
	defer stopQueue(t, q)

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())
	assert.Nil(t, findRecord(t, q, id))
}

func TestEnsurePeriodicIsIdempotent(t *testing.T) {
	q, _ := newTestQueue(t)

	params := map[string]string{"location": "Borno"}
	first, err := q.EnsurePeriodic(context.Background(), "tick", params, time.Hour)
	require.NoError(t, err)
	second, err := q.EnsurePeriodic(context.Background(), "tick", params, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// A different interval is a different schedule.
	third, err := q.EnsurePeriodic(context.Background(), "tick", params, 2*time.Hour)
	require.NoError(t, err)
	assert.NotEqual(t, first, third)
}

func TestQueueRevokeRemovesPeriodicTemplate(t *testing.T) {
	q, _ := newTestQueue(t)

	id, err := q.Enqueue(context.Background(), "tick", nil, Schedule{Every: time.Hour})
	require.NoError(t, err)
	require.NotNil(t, findRecord(t, q, id))

	require.NoError(t, q.Revoke(context.Background(), id))
	assert.Nil(t, findRecord(t, q, id))
}

func TestQueueObserverSeesLifecycle(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	lgr, err := logger.New(&logger.Config{Level: "error", Format: "json", Output: "stderr"})
	require.NoError(t, err)

	var mu sync.Mutex
	var events []string
	record := func(kind, event string) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, kind+":"+event)
	}

	q := NewRedisQueue(lgr, &Config{
		Workers:      1,
		RetryLimit:   0,
		RetryDelay:   20 * time.Millisecond,
		PollInterval: 20 * time.Millisecond,
	}, client, WithObserver(record), WithKeyPrefix("test:jobs"))

	q.RegisterHandler(&testHandler{kind: "observed", fn: func(context.Context, json.RawMessage) error {
		return nil
	}})

	require.NoError(t, q.Start())
	defer stopQueue(t, q)

	_, err = q.Enqueue(context.Background(), "observed", nil, Schedule{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 2
	}, 3*time.Second, 20*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"observed:claimed", "observed:succeeded"}, events)
}
