package service

import (
	"context"
	"errors"

	"healthsignals/internal/jobs"
)

// ErrNoJobs is returned by the job methods when no manager is configured.
var ErrNoJobs = errors.New("job manager not configured")

// SubmitDetect starts Detect as a background job and returns its pending record.
func (s *Service) SubmitDetect(ctx context.Context, req Request) (jobs.Job, error) {
	return s.submit(ctx, req, jobs.KindDetect, s.Detect)
}

// SubmitCorrelate starts Correlate as a background job.
func (s *Service) SubmitCorrelate(ctx context.Context, req Request) (jobs.Job, error) {
	return s.submit(ctx, req, jobs.KindCorrelate, s.Correlate)
}

func (s *Service) submit(ctx context.Context, req Request, kind jobs.Kind, fn func(context.Context, Request) (*Run, error)) (jobs.Job, error) {
	if s.jobs == nil {
		return jobs.Job{}, ErrNoJobs
	}
	return s.jobs.Submit(ctx, req.UserID, kind, func(ctx context.Context) (string, error) {
		run, err := fn(ctx, req)
		if run == nil {
			return "", err
		}
		return run.ID, err
	})
}

// Job returns the status record of a job.
func (s *Service) Job(ctx context.Context, id string) (jobs.Job, error) {
	if s.jobs == nil {
		return jobs.Job{}, ErrNoJobs
	}
	return s.jobs.Get(ctx, id)
}

// WaitJob blocks until the job is terminal or ctx ends.
func (s *Service) WaitJob(ctx context.Context, id string) (jobs.Job, error) {
	if s.jobs == nil {
		return jobs.Job{}, ErrNoJobs
	}
	return s.jobs.Wait(ctx, id)
}

// CancelJob stops launching new detector tasks for the job; its output is discarded.
func (s *Service) CancelJob(ctx context.Context, id string) error {
	if s.jobs == nil {
		return ErrNoJobs
	}
	return s.jobs.Cancel(ctx, id)
}

// ListJobs returns the jobs of userID, or all jobs when it is empty.
func (s *Service) ListJobs(ctx context.Context, userID string) ([]jobs.Job, error) {
	if s.jobs == nil {
		return nil, ErrNoJobs
	}
	return s.jobs.List(ctx, userID)
}
