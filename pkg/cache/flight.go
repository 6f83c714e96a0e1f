package cache

import (
	"context"
	"sync"
)

type flightCall struct {
	done chan struct{}
	val  interface{}
	err  error
}

// FlightGroup deduplicates concurrent computations per key: the first
// caller runs the function, late joiners block on the same in-progress
// marker and observe the identical result or error. A joiner whose context
// expires gives up waiting but never cancels the computation for the
// others.
type FlightGroup struct {
	mu    sync.Mutex
	calls map[string]*flightCall
}

func NewFlightGroup() *FlightGroup {
	return &FlightGroup{calls: make(map[string]*flightCall)}
}

// Do executes fn once per key among concurrent callers. The returned bool
// reports whether this caller joined an existing computation rather than
// starting one.
func (g *FlightGroup) Do(ctx context.Context, key string, fn func() (interface{}, error)) (interface{}, error, bool) {
	g.mu.Lock()
	if c, ok := g.calls[key]; ok {
		g.mu.Unlock()
		select {
		case <-c.done:
			return c.val, c.err, true
		case <-ctx.Done():
			return nil, ctx.Err(), true
		}
	}

	c := &flightCall{done: make(chan struct{})}
	g.calls[key] = c
	g.mu.Unlock()

	c.val, c.err = fn()

	g.mu.Lock()
	delete(g.calls, key)
	g.mu.Unlock()
	close(c.done)

	return c.val, c.err, false
}
