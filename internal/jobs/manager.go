package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"healthsignals/internal/metrics"
)

// Work is the body of a job. It returns the id of the run it produced.
type Work func(ctx context.Context) (runID string, err error)

type handle struct {
	mu     sync.Mutex // serializes writes to this job's record
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager owns job records it created and is their only writer.
type Manager struct {
	store  Store
	logger zerolog.Logger
	now    func() time.Time
	poll   time.Duration

	base     context.Context
	stop     context.CancelFunc
	wg       sync.WaitGroup
	mu       sync.Mutex
	inflight map[string]*handle
}

// NewManager returns a manager writing to store.
func NewManager(store Store, logger zerolog.Logger) *Manager {
	base, stop := context.WithCancel(context.Background())
	return &Manager{
		store:    store,
		logger:   logger.With().Str("component", "jobs").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
		poll:     200 * time.Millisecond,
		base:     base,
		stop:     stop,
		inflight: make(map[string]*handle),
	}
}

// Submit records a pending job and starts work in the background. The job
// outlives the caller's context; use Cancel to stop it.
func (m *Manager) Submit(ctx context.Context, userID string, kind Kind, work Work) (Job, error) {
	job := Job{
		ID:        uuid.NewString(),
		UserID:    userID,
		Kind:      kind,
		Status:    StatusPending,
		CreatedAt: m.now(),
	}
	if err := m.store.Save(ctx, job); err != nil {
		return Job{}, fmt.Errorf("record job: %w", err)
	}
	metrics.JobsTotal.WithLabelValues(string(StatusPending)).Inc()

	jobCtx, cancel := context.WithCancel(m.base)
	h := &handle{cancel: cancel, done: make(chan struct{})}
	m.mu.Lock()
	m.inflight[job.ID] = h
	m.mu.Unlock()

	m.wg.Add(1)
	go m.execute(jobCtx, job, h, work)
	return job, nil
}

func (m *Manager) execute(ctx context.Context, job Job, h *handle, work Work) {
	defer m.wg.Done()
	defer func() {
		h.cancel()
		close(h.done)
		m.mu.Lock()
		delete(m.inflight, job.ID)
		m.mu.Unlock()
	}()
	log := m.logger.With().Str("job_id", job.ID).Str("user_id", job.UserID).Str("kind", string(job.Kind)).Logger()

	if ctx.Err() != nil {
		m.finish(h, &job, "", fmt.Errorf("cancelled before start: %w", ctx.Err()), log)
		return
	}
	if err := m.update(h, &job, StatusRunning, nil); err != nil {
		log.Error().Err(err).Msg("mark job running failed")
		m.finish(h, &job, "", fmt.Errorf("mark running: %w", err), log)
		return
	}
	log.Info().Msg("job started")

	runID, err := m.safeRun(ctx, work)
	if err == nil && ctx.Err() != nil {
		err = fmt.Errorf("cancelled: %w", ctx.Err())
	}
	m.finish(h, &job, runID, err, log)
}

func (m *Manager) safeRun(ctx context.Context, work Work) (runID string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return work(ctx)
}

func (m *Manager) finish(h *handle, job *Job, runID string, err error, log zerolog.Logger) {
	to := StatusCompleted
	if err != nil {
		to = StatusFailed
	}
	updateErr := m.update(h, job, to, func(j *Job) {
		j.RunID = runID
		if err != nil {
			j.Error = err.Error()
		}
	})
	if updateErr != nil {
		log.Error().Err(updateErr).Msg("record job result failed")
		return
	}
	if err != nil {
		log.Warn().Err(err).Msg("job failed")
		return
	}
	log.Info().Str("run_id", runID).Msg("job completed")
}

// update applies one status transition under the job's writer lock.
func (m *Manager) update(h *handle, job *Job, to Status, mutate func(*Job)) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	next := *job
	if err := transition(&next, to, m.now()); err != nil {
		return err
	}
	if mutate != nil {
		mutate(&next)
	}
	// the store write must not be cut short by the job's own cancellation
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.store.Save(ctx, next); err != nil {
		return err
	}
	*job = next
	metrics.JobsTotal.WithLabelValues(string(to)).Inc()
	return nil
}

// Get returns the current record.
func (m *Manager) Get(ctx context.Context, id string) (Job, error) {
	return m.store.Get(ctx, id)
}

// List returns the jobs of a user, newest first.
func (m *Manager) List(ctx context.Context, userID string) ([]Job, error) {
	return m.store.List(ctx, userID)
}

// Wait blocks until the job reaches a terminal status or ctx ends. Jobs
// owned by another process are polled.
func (m *Manager) Wait(ctx context.Context, id string) (Job, error) {
	m.mu.Lock()
	h, local := m.inflight[id]
	m.mu.Unlock()
	if local {
		select {
		case <-h.done:
		case <-ctx.Done():
			return Job{}, ctx.Err()
		}
		return m.store.Get(ctx, id)
	}

	ticker := time.NewTicker(m.poll)
	defer ticker.Stop()
	for {
		job, err := m.store.Get(ctx, id)
		if err != nil {
			return Job{}, err
		}
		if job.Status.Terminal() {
			return job, nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return Job{}, ctx.Err()
		}
	}
}

// Cancel asks a running job to stop launching work. It is a no-op for jobs
// that already finished.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	m.mu.Lock()
	h, ok := m.inflight[id]
	m.mu.Unlock()
	if ok {
		h.cancel()
		return nil
	}
	if _, err := m.store.Get(ctx, id); err != nil {
		return err
	}
	return nil
}

// Cleanup deletes terminal jobs that finished more than retention ago and
// returns how many were removed.
func (m *Manager) Cleanup(ctx context.Context, retention time.Duration) (int, error) {
	all, err := m.store.List(ctx, "")
	if err != nil {
		return 0, err
	}
	cutoff := m.now().Add(-retention)
	removed := 0
	for _, job := range all {
		if !job.Status.Terminal() || job.FinishedAt.After(cutoff) {
			continue
		}
		if err := m.store.Delete(ctx, job.ID); err != nil && !errors.Is(err, ErrNotFound) {
			return removed, err
		}
		removed++
	}
	if removed > 0 {
		m.logger.Info().Int("removed", removed).Dur("retention", retention).Msg("old jobs cleaned up")
	}
	return removed, nil
}

// Shutdown cancels every running job and waits for them to record their
// final status.
func (m *Manager) Shutdown() {
	m.stop()
	m.wg.Wait()
}
