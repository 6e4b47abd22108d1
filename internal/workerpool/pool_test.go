package workerpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestPoolBoundsConcurrency(t *testing.T) {
	pool := New(2, zerolog.Nop())
	var running, peak int32

	g := pool.Group(context.Background())
	for i := 0; i < 10; i++ {
		g.Go("task", func(ctx context.Context) error {
			n := atomic.AddInt32(&running, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&running, -1)
			return nil
		})
	}
	outcomes := g.Wait()

	if len(outcomes) != 10 {
		t.Fatalf("expected 10 outcomes, got %d", len(outcomes))
	}
	if peak > 2 {
		t.Fatalf("pool of 2 ran %d tasks at once", peak)
	}
	for _, o := range outcomes {
		if o.Err != nil {
			t.Fatalf("unexpected error: %v", o.Err)
		}
	}
}

func TestPoolRecoversPanics(t *testing.T) {
	pool := New(2, zerolog.Nop())
	g := pool.Group(context.Background())
	g.Go("boom", func(ctx context.Context) error { panic("kaboom") })
	g.Go("fine", func(ctx context.Context) error { return nil })

	byName := map[string]error{}
	for _, o := range g.Wait() {
		byName[o.Name] = o.Err
	}
	if !errors.Is(byName["boom"], ErrPanic) {
		t.Fatalf("expected ErrPanic, got %v", byName["boom"])
	}
	if byName["fine"] != nil {
		t.Fatalf("sibling task should succeed, got %v", byName["fine"])
	}
}

func TestCancelledGroupStopsLaunching(t *testing.T) {
	pool := New(1, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	release := make(chan struct{})

	g := pool.Group(ctx)
	g.Go("inflight", func(context.Context) error {
		close(started)
		<-release
		return nil
	})
	<-started
	var ran int32
	for i := 0; i < 3; i++ {
		g.Go("queued", func(context.Context) error {
			atomic.AddInt32(&ran, 1)
			return nil
		})
	}
	cancel()
	close(release)

	for _, o := range g.Wait() {
		switch o.Name {
		case "inflight":
			if o.Err != nil {
				t.Fatalf("in-flight task should finish normally, got %v", o.Err)
			}
		case "queued":
			if !errors.Is(o.Err, ErrNotLaunched) {
				t.Fatalf("queued task should not launch, got %v", o.Err)
			}
		}
	}
	if ran != 0 {
		t.Fatalf("%d queued tasks ran after cancellation", ran)
	}
}

func TestPoolSharedAcrossGroups(t *testing.T) {
	pool := New(1, zerolog.Nop())
	var running, peak int32
	task := func(context.Context) error {
		n := atomic.AddInt32(&running, 1)
		if n > atomic.LoadInt32(&peak) {
			atomic.StoreInt32(&peak, n)
		}
		time.Sleep(2 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		return nil
	}

	a, b := pool.Group(context.Background()), pool.Group(context.Background())
	for i := 0; i < 4; i++ {
		a.Go("a", task)
		b.Go("b", task)
	}
	a.Wait()
	b.Wait()
	if peak != 1 {
		t.Fatalf("groups must share the pool's single slot, peak %d", peak)
	}
}
