// Package jobs runs detection work as asynchronous background jobs with
// observable status.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Status is the observable job state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Kind names the work a job performs.
type Kind string

const (
	KindDetect    Kind = "detect"
	KindCorrelate Kind = "correlate"
)

var (
	// ErrNotFound is returned for unknown job ids.
	ErrNotFound = errors.New("job not found")
	// ErrInvalidTransition rejects a status change the state machine forbids.
	ErrInvalidTransition = errors.New("invalid job transition")
)

// Job is the job-status record.
type Job struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	Kind       Kind      `json:"kind"`
	Status     Status    `json:"status"`
	Error      string    `json:"error,omitempty"`
	RunID      string    `json:"run_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// Store persists job records. Implementations need not serialize writers;
// the Manager is the only writer for the ids it owns.
type Store interface {
	Save(ctx context.Context, job Job) error
	Get(ctx context.Context, id string) (Job, error)
	// List returns jobs of userID, or every job when userID is empty.
	List(ctx context.Context, userID string) ([]Job, error)
	Delete(ctx context.Context, id string) error
}

func canTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusRunning || to == StatusFailed
	case StatusRunning:
		return to == StatusCompleted || to == StatusFailed
	}
	return false
}

func transition(job *Job, to Status, now time.Time) error {
	if !canTransition(job.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, job.Status, to)
	}
	job.Status = to
	switch to {
	case StatusRunning:
		job.StartedAt = now
	case StatusCompleted, StatusFailed:
		job.FinishedAt = now
	}
	return nil
}
