// Package workerpool bounds CPU-heavy detector work across all concurrent
// jobs with one shared weighted semaphore.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"healthsignals/internal/metrics"
)

// ErrPanic marks a task that panicked; the pool recovers it.
var ErrPanic = errors.New("task panicked")

// ErrNotLaunched marks a task dropped because its context ended before it
// obtained a slot.
var ErrNotLaunched = errors.New("task not launched")

// Task is one unit of work.
type Task func(ctx context.Context) error

// Pool is safe for concurrent use by many groups.
type Pool struct {
	sem    *semaphore.Weighted
	size   int
	logger zerolog.Logger
}

// New creates a pool with size slots; size <= 0 uses GOMAXPROCS.
func New(size int, logger zerolog.Logger) *Pool {
	if size <= 0 {
		size = runtime.GOMAXPROCS(0)
	}
	return &Pool{
		sem:    semaphore.NewWeighted(int64(size)),
		size:   size,
		logger: logger.With().Str("component", "workerpool").Logger(),
	}
}

// Size returns the number of slots.
func (p *Pool) Size() int { return p.size }

// Outcome is the end state of one task in a group.
type Outcome struct {
	Name     string
	Err      error
	Duration time.Duration
}

// Group collects the tasks of one scope; Wait returns once every task has
// finished or was dropped.
type Group struct {
	pool *Pool
	ctx  context.Context
	wg   sync.WaitGroup

	mu       sync.Mutex
	outcomes []Outcome
}

// Group starts a task group bound to ctx.
func (p *Pool) Group(ctx context.Context) *Group {
	return &Group{pool: p, ctx: ctx}
}

// Go schedules fn. A task whose context is done before it gets a slot is
// not run and reports ErrNotLaunched; a running task is never interrupted.
func (g *Group) Go(name string, fn Task) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.record(g.pool.run(g.ctx, name, fn))
	}()
}

// Wait blocks until all tasks ended and returns their outcomes in
// completion order.
func (g *Group) Wait() []Outcome {
	g.wg.Wait()
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Outcome(nil), g.outcomes...)
}

func (g *Group) record(o Outcome) {
	g.mu.Lock()
	g.outcomes = append(g.outcomes, o)
	g.mu.Unlock()
}

func (p *Pool) run(ctx context.Context, name string, fn Task) (out Outcome) {
	out.Name = name
	waitStart := time.Now()
	if err := p.sem.Acquire(ctx, 1); err != nil {
		out.Err = fmt.Errorf("%w: %v", ErrNotLaunched, err)
		return out
	}
	metrics.Since(metrics.PoolWait, waitStart)
	metrics.PoolActive.Inc()
	defer func() {
		metrics.PoolActive.Dec()
		p.sem.Release(1)
	}()
	if ctx.Err() != nil {
		out.Err = fmt.Errorf("%w: %v", ErrNotLaunched, ctx.Err())
		return out
	}

	start := time.Now()
	defer func() {
		out.Duration = time.Since(start)
		if r := recover(); r != nil {
			p.logger.Error().
				Str("task", name).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("task panicked")
			out.Err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	out.Err = fn(ctx)
	return out
}
