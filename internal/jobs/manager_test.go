package jobs

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newManager() *Manager {
	return NewManager(NewMemoryStore(), zerolog.Nop())
}

func waitCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestSubmitCompletes(t *testing.T) {
	m := newManager()
	defer m.Shutdown()

	job, err := m.Submit(context.Background(), "u1", KindDetect, func(ctx context.Context) (string, error) {
		return "run-1", nil
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if job.Status != StatusPending || job.ID == "" {
		t.Fatalf("new job should be pending with an id, got %+v", job)
	}

	done, err := m.Wait(waitCtx(t), job.ID)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if done.Status != StatusCompleted || done.RunID != "run-1" {
		t.Fatalf("unexpected final job %+v", done)
	}
	if done.StartedAt.IsZero() || done.FinishedAt.IsZero() {
		t.Fatalf("timestamps should be set: %+v", done)
	}
}

func TestSubmitFailureAndPanic(t *testing.T) {
	m := newManager()
	defer m.Shutdown()

	failed, _ := m.Submit(context.Background(), "u1", KindDetect, func(ctx context.Context) (string, error) {
		return "", errors.New("source unavailable")
	})
	panicked, _ := m.Submit(context.Background(), "u1", KindCorrelate, func(ctx context.Context) (string, error) {
		panic("boom")
	})

	for _, id := range []string{failed.ID, panicked.ID} {
		job, err := m.Wait(waitCtx(t), id)
		if err != nil {
			t.Fatalf("wait: %v", err)
		}
		if job.Status != StatusFailed || job.Error == "" {
			t.Fatalf("expected failed with detail, got %+v", job)
		}
	}
}

func TestCancelMarksFailed(t *testing.T) {
	m := newManager()
	defer m.Shutdown()

	started := make(chan struct{})
	job, _ := m.Submit(context.Background(), "u1", KindDetect, func(ctx context.Context) (string, error) {
		close(started)
		<-ctx.Done()
		return "run-x", nil
	})
	<-started
	if err := m.Cancel(context.Background(), job.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	done, err := m.Wait(waitCtx(t), job.ID)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if done.Status != StatusFailed || !strings.Contains(done.Error, "cancel") {
		t.Fatalf("cancelled job should fail with a cancellation detail, got %+v", done)
	}
}

func TestCancelUnknownJob(t *testing.T) {
	m := newManager()
	defer m.Shutdown()
	if err := m.Cancel(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListAndCleanup(t *testing.T) {
	m := newManager()
	defer m.Shutdown()

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	ok := func(ctx context.Context) (string, error) { return "r", nil }

	a, _ := m.Submit(context.Background(), "u1", KindDetect, ok)
	b, _ := m.Submit(context.Background(), "u2", KindDetect, ok)
	for _, id := range []string{a.ID, b.ID} {
		if _, err := m.Wait(waitCtx(t), id); err != nil {
			t.Fatalf("wait: %v", err)
		}
	}

	list, err := m.List(context.Background(), "u1")
	if err != nil || len(list) != 1 || list[0].ID != a.ID {
		t.Fatalf("expected only u1's job, got %v (%v)", list, err)
	}

	removed, err := m.Cleanup(context.Background(), 24*time.Hour)
	if err != nil || removed != 0 {
		t.Fatalf("fresh jobs must be kept, removed %d (%v)", removed, err)
	}

	now = now.Add(25 * time.Hour)
	removed, err = m.Cleanup(context.Background(), 24*time.Hour)
	if err != nil || removed != 2 {
		t.Fatalf("expected 2 removed, got %d (%v)", removed, err)
	}
	if _, err := m.Get(context.Background(), a.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after cleanup, got %v", err)
	}
}

func TestTransitions(t *testing.T) {
	now := time.Now()
	job := Job{Status: StatusPending}
	if err := transition(&job, StatusRunning, now); err != nil {
		t.Fatalf("pending -> running: %v", err)
	}
	if err := transition(&job, StatusPending, now); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("running -> pending must be rejected, got %v", err)
	}
	if err := transition(&job, StatusCompleted, now); err != nil {
		t.Fatalf("running -> completed: %v", err)
	}
	if err := transition(&job, StatusFailed, now); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("terminal job must not transition, got %v", err)
	}
}

// flakyStore rejects the first write of a running status.
type flakyStore struct {
	*MemoryStore
	failed bool
}

func (s *flakyStore) Save(ctx context.Context, job Job) error {
	if job.Status == StatusRunning && !s.failed {
		s.failed = true
		return errors.New("connection reset")
	}
	return s.MemoryStore.Save(ctx, job)
}

func TestRunningWriteFailureStillFinishesJob(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore()}
	m := NewManager(store, zerolog.Nop())
	defer m.Shutdown()

	ran := make(chan struct{}, 1)
	job, err := m.Submit(context.Background(), "u1", KindDetect, func(ctx context.Context) (string, error) {
		ran <- struct{}{}
		return "run-1", nil
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	done, err := m.Wait(waitCtx(t), job.ID)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if done.Status != StatusFailed || !strings.Contains(done.Error, "connection reset") {
		t.Fatalf("expected a failed record naming the write error, got %+v", done)
	}
	if done.FinishedAt.IsZero() {
		t.Fatalf("finished timestamp should be set: %+v", done)
	}
	select {
	case <-ran:
		t.Fatal("work must not start when the running status was not recorded")
	default:
	}
}
