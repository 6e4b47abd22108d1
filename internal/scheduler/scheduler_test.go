package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestNextTickAligned(t *testing.T) {
	s := New(Options{Interval: 24 * time.Hour, AlignToStart: true}, zerolog.Nop())
	now := time.Date(2024, 6, 10, 15, 30, 0, 0, time.UTC)

	next := s.nextTick(now)
	if !next.Equal(time.Date(2024, 6, 11, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("expected next midnight, got %s", next)
	}
	midnight := time.Date(2024, 6, 11, 0, 0, 0, 0, time.UTC)
	if got := s.nextTick(midnight); !got.Equal(midnight.Add(24 * time.Hour)) {
		t.Fatalf("a tick exactly on the boundary should move one interval on, got %s", got)
	}
	if got := s.tickStart(now); !got.Equal(time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected tick start %s", got)
	}
}

func TestNextTickUnaligned(t *testing.T) {
	s := New(Options{Interval: time.Hour}, zerolog.Nop())
	now := time.Date(2024, 6, 10, 15, 30, 0, 0, time.UTC)
	if got := s.nextTick(now); !got.Equal(now.Add(time.Hour)) {
		t.Fatalf("unexpected next tick %s", got)
	}
	if got := s.tickStart(now); !got.Equal(now) {
		t.Fatalf("unaligned tick start should be the tick itself, got %s", got)
	}
}

func TestRunFiresAndSurvivesErrors(t *testing.T) {
	s := New(Options{Interval: 10 * time.Millisecond, RunOnStart: true}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls int32
	err := s.Run(ctx, func(ctx context.Context, tick time.Time) error {
		if atomic.AddInt32(&calls, 1) >= 3 {
			cancel()
		}
		return errors.New("sweep failed")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if atomic.LoadInt32(&calls) < 3 {
		t.Fatalf("expected at least three ticks, got %d", calls)
	}
}

func TestRunStopsDuringStartupDelay(t *testing.T) {
	s := New(Options{Interval: time.Hour, StartupDelay: time.Hour, RunOnStart: true}, zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := s.Run(ctx, func(context.Context, time.Time) error {
		t.Fatal("tick must not fire before the startup delay elapsed")
		return nil
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestNewRejectsZeroInterval(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for zero interval")
		}
	}()
	New(Options{}, zerolog.Nop())
}
