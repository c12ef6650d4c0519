// Package gate bounds the number of concurrently executing tasks per
// resource kind. Tasks are dispatched strictly in submission order; a freed
// slot immediately picks up the head of the queue. A failing task propagates
// its error to its own caller only.
package gate

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrInvalidLimit = errors.New("max concurrent must be positive")
	ErrGateClosed   = errors.New("gate is closed")
)

// WorkFunc is a unit of work scheduled through a Gate.
type WorkFunc func(ctx context.Context) (any, error)

// Result carries the outcome of an asynchronously scheduled task.
type Result struct {
	Value any
	Err   error
}

type waiter struct {
	ready   chan struct{}
	granted bool
}

// Gate is a FIFO work queue with a fixed concurrency limit. One Gate is
// created per resource kind, each independently configured.
type Gate struct {
	mu    sync.Mutex
	max   int
	queue []*waiter

	active      int
	peakActive  int
	peakQueued  int
	completed   uint64
	failed      uint64
	abandoned   uint64
	closed      bool
}

// New creates a gate allowing at most maxConcurrent tasks in flight.
func New(maxConcurrent int) (*Gate, error) {
	if maxConcurrent <= 0 {
		return nil, ErrInvalidLimit
	}
	return &Gate{max: maxConcurrent}, nil
}

// Do enqueues work and blocks until it has run, returning its result. At
// most maxConcurrent invocations are in flight at any time; queued work
// starts in submission order. Cancelling ctx abandons work that has not yet
// been dispatched without disturbing the rest of the queue.
func (g *Gate) Do(ctx context.Context, work WorkFunc) (any, error) {
	w := &waiter{ready: make(chan struct{})}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil, ErrGateClosed
	}
	g.queue = append(g.queue, w)
	if len(g.queue) > g.peakQueued {
		g.peakQueued = len(g.queue)
	}
	g.dispatchLocked()
	g.mu.Unlock()

	select {
	case <-w.ready:
	case <-ctx.Done():
		g.mu.Lock()
		if !w.granted {
			g.removeLocked(w)
			g.abandoned++
			g.mu.Unlock()
			return nil, ctx.Err()
		}
		// The slot was granted concurrently with cancellation; give it
		// back without running the work.
		g.active--
		g.abandoned++
		g.dispatchLocked()
		g.mu.Unlock()
		return nil, ctx.Err()
	}

	var (
		value any
		err   error
	)
	// The slot is released even if work panics; a panic counts as a
	// failure before propagating.
	defer func() {
		if r := recover(); r != nil {
			g.finish(fmt.Errorf("task panic: %v", r))
			panic(r)
		}
		g.finish(err)
	}()
	value, err = work(ctx)
	return value, err
}

// Run schedules typed work through the gate and blocks for its result.
func Run[T any](g *Gate, ctx context.Context, work func(ctx context.Context) (T, error)) (T, error) {
	v, err := g.Do(ctx, func(ctx context.Context) (any, error) {
		return work(ctx)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	if v == nil {
		var zero T
		return zero, nil
	}
	return v.(T), nil
}

// Go schedules work asynchronously and returns a channel that receives its
// single Result.
func (g *Gate) Go(ctx context.Context, work WorkFunc) <-chan Result {
	ch := make(chan Result, 1)
	go func() {
		v, err := g.Do(ctx, work)
		ch <- Result{Value: v, Err: err}
	}()
	return ch
}

// dispatchLocked grants slots to queue heads while capacity remains. The
// caller must hold g.mu.
func (g *Gate) dispatchLocked() {
	for g.active < g.max && len(g.queue) > 0 {
		w := g.queue[0]
		g.queue = g.queue[1:]
		w.granted = true
		g.active++
		if g.active > g.peakActive {
			g.peakActive = g.active
		}
		close(w.ready)
	}
}

// removeLocked drops a still-queued waiter. The caller must hold g.mu.
func (g *Gate) removeLocked(target *waiter) {
	for i, w := range g.queue {
		if w == target {
			g.queue = append(g.queue[:i], g.queue[i+1:]...)
			return
		}
	}
}

// finish releases a slot and re-attempts dispatch so the freed slot picks up
// the new queue head immediately.
func (g *Gate) finish(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.active--
	if err != nil {
		g.failed++
	} else {
		g.completed++
	}
	g.dispatchLocked()
}

// Close rejects all future submissions. Queued and in-flight work is allowed
// to finish.
func (g *Gate) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
}

// Stats is a point-in-time snapshot of gate activity.
type Stats struct {
	MaxConcurrent int    `json:"max_concurrent"`
	Active        int    `json:"active"`
	Queued        int    `json:"queued"`
	PeakActive    int    `json:"peak_active"`
	PeakQueued    int    `json:"peak_queued"`
	Completed     uint64 `json:"completed"`
	Failed        uint64 `json:"failed"`
	Abandoned     uint64 `json:"abandoned"`
}

// Stats returns current gate counters.
func (g *Gate) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Stats{
		MaxConcurrent: g.max,
		Active:        g.active,
		Queued:        len(g.queue),
		PeakActive:    g.peakActive,
		PeakQueued:    g.peakQueued,
		Completed:     g.completed,
		Failed:        g.failed,
		Abandoned:     g.abandoned,
	}
}
