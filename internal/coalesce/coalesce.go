// Package coalesce collapses concurrent calls for the same key into a single
// execution whose result is shared by every caller.
package coalesce

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// Stats holds coalescing counters.
type Stats struct {
	Flights  int64 `json:"flights"`   // executions started
	Joined   int64 `json:"joined"`    // callers that shared another caller's execution
	Panics   int64 `json:"panics"`    // executions that panicked
	Canceled int64 `json:"canceled"`  // callers that stopped waiting
	InFlight int64 `json:"in_flight"` // executions currently running
}

// PanicError is returned to every caller of a flight whose function panicked.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("coalesce: flight panicked: %v", e.Value)
}

// Group deduplicates concurrent calls per key. At most one fn runs per key at
// any instant; the key is released when fn returns, panics or times out.
// The zero value is not usable; call New.
type Group[T any] struct {
	group   singleflight.Group
	timeout time.Duration

	flights  atomic.Int64
	joined   atomic.Int64
	panics   atomic.Int64
	canceled atomic.Int64
	inFlight atomic.Int64
}

// New creates a Group. A positive timeout bounds every execution.
func New[T any](timeout time.Duration) *Group[T] {
	return &Group[T]{timeout: timeout}
}

// Do runs fn for key unless an execution is already running, in which case
// the caller joins it. fn receives a context that keeps the values of the
// first caller's ctx but not its cancellation, so one caller going away does
// not fail the others. If ctx ends first, Do returns ctx.Err() and the
// execution continues for the remaining callers.
//
// shared reports whether the result was delivered to more than one caller.
func (g *Group[T]) Do(ctx context.Context, key string, fn func(context.Context) (T, error)) (v T, shared bool, err error) {
	var executed bool
	ch := g.group.DoChan(key, func() (any, error) {
		executed = true
		return g.run(ctx, fn)
	})

	select {
	case res := <-ch:
		if !executed {
			g.joined.Add(1)
		}
		if res.Err != nil {
			return v, res.Shared, res.Err
		}
		v, _ = res.Val.(T)
		return v, res.Shared, nil
	case <-ctx.Done():
		g.canceled.Add(1)
		return v, false, ctx.Err()
	}
}

func (g *Group[T]) run(ctx context.Context, fn func(context.Context) (T, error)) (val any, err error) {
	g.flights.Add(1)
	g.inFlight.Add(1)
	defer g.inFlight.Add(-1)

	// singleflight re-panics on a fresh goroutine for DoChan callers,
	// which would take the process down.
	defer func() {
		if r := recover(); r != nil {
			g.panics.Add(1)
			val, err = nil, &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()

	fctx := context.WithoutCancel(ctx)
	if g.timeout > 0 {
		var cancel context.CancelFunc
		fctx, cancel = context.WithTimeout(fctx, g.timeout)
		defer cancel()
	}
	return fn(fctx)
}

// Stats returns a snapshot of the counters.
func (g *Group[T]) Stats() Stats {
	return Stats{
		Flights:  g.flights.Load(),
		Joined:   g.joined.Load(),
		Panics:   g.panics.Load(),
		Canceled: g.canceled.Load(),
		InFlight: g.inFlight.Load(),
	}
}
