// Package dedup collapses concurrent and rapid-fire requests for the same key
// into one unit of work whose result is shared by every caller.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rcliao/dossier-cache/internal/metrics"
)

// ErrCanceled is returned to waiters of a pending call dropped by Reset.
var ErrCanceled = errors.New("request canceled")

// Func is the unit of work behind a key. Its context carries the values of
// the caller that created the call but not its cancellation.
type Func[T any] func(ctx context.Context) (T, error)

type call[T any] struct {
	done chan struct{}
	val  T
	err  error

	ctx     context.Context
	fn      Func[T]
	timer   *time.Timer
	started bool
}

// Group tracks in-flight and scheduled calls by key. Immediate and debounced
// calls share one table, so a key never has more than one call at a time.
type Group[T any] struct {
	name string

	mu    sync.Mutex
	calls map[string]*call[T]
}

// NewGroup creates a group; name labels its metrics.
func NewGroup[T any](name string) *Group[T] {
	return &Group[T]{name: name, calls: make(map[string]*call[T])}
}

// Do runs fn for key now, or joins the call already pending or running.
func (g *Group[T]) Do(ctx context.Context, key string, fn Func[T]) (T, error) {
	g.mu.Lock()
	if c, ok := g.calls[key]; ok {
		g.mu.Unlock()
		metrics.DedupShared.WithLabelValues(g.name).Inc()
		return wait(ctx, c)
	}
	c := &call[T]{done: make(chan struct{}), ctx: context.WithoutCancel(ctx), fn: fn, started: true}
	g.calls[key] = c
	g.mu.Unlock()

	go g.run(key, c)
	return wait(ctx, c)
}

// Debounce schedules fn for key after delay. Another Debounce for the same
// key before the call starts replaces fn and restarts the delay; every
// caller receives the result of the single execution.
func (g *Group[T]) Debounce(ctx context.Context, key string, delay time.Duration, fn Func[T]) (T, error) {
	g.mu.Lock()
	if c, ok := g.calls[key]; ok {
		if !c.started {
			c.fn = fn
			c.ctx = context.WithoutCancel(ctx)
			c.timer.Reset(delay)
		}
		g.mu.Unlock()
		metrics.DedupShared.WithLabelValues(g.name).Inc()
		return wait(ctx, c)
	}
	c := &call[T]{done: make(chan struct{}), ctx: context.WithoutCancel(ctx), fn: fn}
	g.calls[key] = c
	c.timer = time.AfterFunc(delay, func() { g.fire(key, c) })
	g.mu.Unlock()

	return wait(ctx, c)
}

// Len returns the number of pending and running calls.
func (g *Group[T]) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

// Reset forgets every call. Pending calls never run and their waiters get
// ErrCanceled; running calls complete but are no longer joinable.
func (g *Group[T]) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for key, c := range g.calls {
		if !c.started {
			c.timer.Stop()
			c.started = true
			c.err = ErrCanceled
			close(c.done)
		}
		delete(g.calls, key)
	}
}

func (g *Group[T]) fire(key string, c *call[T]) {
	g.mu.Lock()
	if g.calls[key] != c || c.started {
		g.mu.Unlock()
		return
	}
	c.started = true
	g.mu.Unlock()
	g.run(key, c)
}

func (g *Group[T]) run(key string, c *call[T]) {
	defer func() {
		if r := recover(); r != nil {
			c.err = fmt.Errorf("dedup %s: panic: %v", key, r)
		}
		g.mu.Lock()
		if g.calls[key] == c {
			delete(g.calls, key)
		}
		g.mu.Unlock()
		close(c.done)
	}()
	c.val, c.err = c.fn(c.ctx)
}

func wait[T any](ctx context.Context, c *call[T]) (T, error) {
	select {
	case <-c.done:
		return c.val, c.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
