package queue

import (
	"context"
	"encoding/json"
	"errors"
)

// Handler processes jobs of one kind pulled from the queue. Handlers must
// be idempotent: the queue guarantees at-least-once execution and never
// deduplicates runs itself.
type Handler interface {
	// Name returns the human-readable identifier of the handler.
	Name() string

	// Kind returns the job kind this handler consumes.
	Kind() string

	// Handle processes one job instance.
	Handle(ctx context.Context, payload json.RawMessage) error
}

// retryable is implemented by errors that know whether another attempt can
// help. Errors without the method are treated as retryable by default.
type retryable interface {
	Retryable() bool
}

// canRetry classifies a handler error. Permanent failures skip the retry
// loop and go straight to the dead-letter surface.
func canRetry(err error) bool {
	var r retryable
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return true
}
