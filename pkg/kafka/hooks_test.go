package kafka

import (
	"context"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHookChainThreadsBeforeHooksInOrder(t *testing.T) {
	var order []string
	chain := NewHookChain(
		HookFuncs{Before: func(ctx context.Context, _ string, km kafka.Message, data []byte) (context.Context, kafka.Message, []byte, error) {
			order = append(order, "first")
			return ctx, km, append(data, '1'), nil
		}},
		nil, // nil hooks are dropped
		HookFuncs{Before: func(ctx context.Context, _ string, km kafka.Message, data []byte) (context.Context, kafka.Message, []byte, error) {
			order = append(order, "second")
			return ctx, km, append(data, '2'), nil
		}},
	)

	_, _, data, err := chain.BeforeHandle(context.Background(), "t", kafka.Message{}, []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, order)
	assert.Equal(t, []byte("x12"), data)
}

func TestHookChainBeforeErrorNotifiesEveryHook(t *testing.T) {
	var notified []string
	failing := HookFuncs{
		Before: func(ctx context.Context, _ string, km kafka.Message, data []byte) (context.Context, kafka.Message, []byte, error) {
			return ctx, km, data, &HookError{Code: "ERR_VALIDATION", Err: errors.New("bad event")}
		},
		Err: func(context.Context, string, kafka.Message, []byte, error) {
			notified = append(notified, "failing")
		},
	}
	watching := HookFuncs{Err: func(context.Context, string, kafka.Message, []byte, error) {
		notified = append(notified, "watching")
	}}
	chain := NewHookChain(watching, failing)

	_, _, _, err := chain.BeforeHandle(context.Background(), "t", kafka.Message{}, nil)
	require.Error(t, err)
	var herr *HookError
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, "ERR_VALIDATION", herr.Code)
	assert.ElementsMatch(t, []string{"failing", "watching"}, notified)
}

func TestHookChainAfterRunsInReverseOrder(t *testing.T) {
	var order []string
	chain := NewHookChain(
		HookFuncs{After: func(context.Context, string, kafka.Message, []byte, error) {
			order = append(order, "first")
		}},
		HookFuncs{After: func(context.Context, string, kafka.Message, []byte, error) {
			order = append(order, "second")
		}},
	)

	chain.AfterHandle(context.Background(), "t", kafka.Message{}, nil, nil)
	assert.Equal(t, []string{"second", "first"}, order)
}

func TestHookChainContainsPanics(t *testing.T) {
	panicking := HookFuncs{Before: func(context.Context, string, kafka.Message, []byte) (context.Context, kafka.Message, []byte, error) {
		panic("boom")
	}}
	chain := NewHookChain(panicking)

	_, _, _, err := chain.BeforeHandle(context.Background(), "t", kafka.Message{}, nil)
	require.Error(t, err)
	var herr *HookError
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, "ERR_PANIC", herr.Code)

	// After/OnError panics are swallowed entirely.
	assert.NotPanics(t, func() {
		chain.OnError(context.Background(), "t", kafka.Message{}, nil, err)
		chain.AfterHandle(context.Background(), "t", kafka.Message{}, nil, err)
	})
}

func TestHookFuncsNilFunctionsAreNoops(t *testing.T) {
	var h HookFuncs
	ctx, msg, data, err := h.BeforeHandle(context.Background(), "t", kafka.Message{Partition: 3}, []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, context.Background(), ctx)
	assert.Equal(t, 3, msg.Partition)
	assert.Equal(t, []byte("x"), data)
	assert.NotPanics(t, func() {
		h.AfterHandle(ctx, "t", msg, data, nil)
		h.OnError(ctx, "t", msg, data, errors.New("e"))
	})
}

func TestExtractTraceIDFromHeaders(t *testing.T) {
	msg := kafka.Message{Headers: []kafka.Header{{Key: "trace_id", Value: []byte("abc-123")}}}
	assert.Equal(t, "abc-123", ExtractTraceID(msg))
	assert.Empty(t, ExtractTraceID(kafka.Message{}))
}
