package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"healthsignals/internal/alerting"
	"healthsignals/internal/anomaly"
	"healthsignals/internal/config"
	"healthsignals/internal/correlation"
	"healthsignals/internal/explain"
	"healthsignals/internal/fetcher"
	"healthsignals/internal/jobs"
	"healthsignals/internal/result"
	"healthsignals/internal/scheduler"
	"healthsignals/internal/storage"
	"healthsignals/internal/workerpool"
)

// UserLister enumerates users with recent data for the scheduled sweep.
type UserLister interface {
	ListUsers(ctx context.Context, activeSince time.Time) ([]string, error)
}

// Deps are the collaborators of a Service. Only Fetcher is required.
type Deps struct {
	Scheduler *scheduler.Scheduler
	Fetcher   fetcher.SeriesFetcher
	Results   storage.ResultStore
	Users     UserLister
	Notifier  alerting.Notifier
	Explainer explain.Publisher
	Pool      *workerpool.Pool
	Jobs      *jobs.Manager
	// Detectors overrides the registered anomaly detectors.
	Detectors []anomaly.Detector
}

// Service orchestrates fetching, detection, persistence and alerting.
type Service struct {
	scheduler *scheduler.Scheduler
	fetcher   fetcher.SeriesFetcher
	results   storage.ResultStore
	users     UserLister
	notifier  alerting.Notifier
	explainer explain.Publisher
	pool      *workerpool.Pool
	jobs      *jobs.Manager
	logger    zerolog.Logger

	detection   config.DetectionConfig
	correlation correlation.Config
	alerting    config.AlertingConfig
	explain     explain.Config
	activeSince time.Duration
	retention   time.Duration
	locker      storage.AdvisoryLocker
	lockKey     int64

	anomalyDetectors []anomaly.Detector
	families         []correlation.Detector

	now    func() time.Time
	runsMu sync.RWMutex
	runs   map[string]Run
}

// New constructs the detection service.
func New(cfg *config.Config, deps Deps, logger zerolog.Logger) (*Service, error) {
	if deps.Fetcher == nil {
		return nil, fmt.Errorf("series fetcher not configured")
	}

	detectors := deps.Detectors
	if len(detectors) == 0 {
		for _, name := range anomaly.ListDetectors() {
			d, err := anomaly.GetDetector(name)
			if err != nil {
				return nil, err
			}
			detectors = append(detectors, d)
		}
	}

	families := make([]correlation.Detector, 0, len(cfg.Correlation.Families))
	for _, name := range cfg.Correlation.Families {
		d, err := correlation.GetDetector(name)
		if err != nil {
			return nil, err
		}
		families = append(families, d)
	}

	pool := deps.Pool
	if pool == nil {
		pool = workerpool.New(cfg.Workers.PoolSize, logger)
	}

	var locker storage.AdvisoryLocker
	if l, ok := deps.Results.(storage.AdvisoryLocker); ok {
		locker = l
	}

	return &Service{
		scheduler:        deps.Scheduler,
		fetcher:          deps.Fetcher,
		results:          deps.Results,
		users:            deps.Users,
		notifier:         deps.Notifier,
		explainer:        deps.Explainer,
		pool:             pool,
		jobs:             deps.Jobs,
		logger:           logger.With().Str("component", "service").Logger(),
		detection:        cfg.Detection,
		correlation:      cfg.Correlation,
		alerting:         cfg.Alerting,
		explain:          cfg.Explain,
		activeSince:      cfg.Scheduler.ActiveWindow,
		retention:        cfg.Jobs.Retention,
		locker:           locker,
		lockKey:          cfg.Scheduler.AdvisoryLockKey,
		anomalyDetectors: detectors,
		families:         families,
		now:              func() time.Time { return time.Now().UTC() },
		runs:             make(map[string]Run),
	}, nil
}

// Run begins the scheduled detection sweep.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.scheduler.Run(ctx, s.ProcessTick)
}

// ProcessTick 对所有活跃用户执行一轮检测与相关性分析。
func (s *Service) ProcessTick(ctx context.Context, bucket time.Time) error {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Time("bucket", bucket).Msg("skip tick because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	return s.executeTick(ctx, bucket)
}

func (s *Service) executeTick(ctx context.Context, bucket time.Time) error {
	if s.users == nil {
		return fmt.Errorf("user listing not configured")
	}
	users, err := s.users.ListUsers(ctx, bucket.Add(-s.activeSince))
	if err != nil {
		return fmt.Errorf("list users: %w", err)
	}

	req := s.defaultRequest()
	failed := 0
	for _, userID := range users {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		req.UserID = userID
		if _, err := s.Detect(ctx, req); err != nil {
			failed++
			continue
		}
		if _, err := s.Correlate(ctx, req); err != nil {
			failed++
		}
	}

	if removed := s.pruneRuns(s.now()); removed > 0 {
		s.logger.Debug().Int("removed", removed).Msg("expired runs evicted")
	}
	if s.jobs != nil {
		if removed, err := s.jobs.Cleanup(ctx, s.retention); err != nil {
			s.logger.Warn().Err(err).Msg("failed to clean up finished jobs")
		} else if removed > 0 {
			s.logger.Debug().Int("removed", removed).Msg("finished jobs cleaned up")
		}
	}

	s.logger.Info().Time("bucket", bucket).
		Int("users", len(users)).
		Int("failed_runs", failed).
		Msg("sweep finished")
	return nil
}

// defaultRequest returns a request carrying the configured flags.
func (s *Service) defaultRequest() Request {
	return Request{
		Days:               s.detection.Days,
		UseRobust:          s.detection.UseRobust,
		UseAdaptive:        s.detection.UseAdaptive,
		UseEWMABaseline:    s.detection.UseEWMABaseline,
		IncludeExplanation: s.detection.IncludeExplanation,
	}
}

// RunByID returns a copy of a recorded run.
func (s *Service) RunByID(id string) (Run, bool) {
	s.runsMu.RLock()
	defer s.runsMu.RUnlock()
	r, ok := s.runs[id]
	return r, ok
}

// record stores a snapshot so readers never share a run being written.
// Finishing a run also evicts runs that finished beyond the retention.
func (s *Service) record(r *Run) {
	s.runsMu.Lock()
	defer s.runsMu.Unlock()
	s.runs[r.ID] = *r
	if !r.FinishedAt.IsZero() {
		s.pruneRunsLocked(r.FinishedAt)
	}
}

// pruneRuns drops finished runs older than the retention and reports how
// many were removed.
func (s *Service) pruneRuns(now time.Time) int {
	s.runsMu.Lock()
	defer s.runsMu.Unlock()
	return s.pruneRunsLocked(now)
}

func (s *Service) pruneRunsLocked(now time.Time) int {
	if s.retention <= 0 {
		return 0
	}
	cutoff := now.Add(-s.retention)
	removed := 0
	for id, r := range s.runs {
		if !r.FinishedAt.IsZero() && r.FinishedAt.Before(cutoff) {
			delete(s.runs, id)
			removed++
		}
	}
	return removed
}

func (s *Service) notify(ctx context.Context, run *Run, anomalies []result.Anomaly, correlations []result.Correlation) {
	if !s.alerting.Enabled || s.notifier == nil {
		return
	}
	note := alerting.Notification{
		UserID:       run.UserID,
		RunID:        run.ID,
		From:         run.From,
		To:           run.To,
		Anomalies:    anomalies,
		Correlations: correlations,
		Channels:     s.alerting.Channels,
	}
	if note.Empty() {
		return
	}
	if err := s.notifier.Notify(ctx, note); err != nil {
		s.logger.Error().Err(err).Str("run_id", run.ID).Msg("failed to dispatch alert")
	}
}

// alertable keeps anomalies at or above the configured severity.
func (s *Service) alertable(anomalies []result.Anomaly) []result.Anomaly {
	floor := result.Severity(s.alerting.MinSeverity).Rank()
	out := make([]result.Anomaly, 0)
	for _, a := range anomalies {
		if a.Severity.Rank() >= floor {
			out = append(out, a)
		}
	}
	return capItems(out, s.alerting.MaxItems)
}

func (s *Service) alertableCorrelations(rs []result.Correlation) []result.Correlation {
	if !s.alerting.CorrelationAlerts {
		return nil
	}
	out := make([]result.Correlation, 0)
	for _, c := range rs {
		if c.Actionable || !s.alerting.ActionableOnly {
			out = append(out, c)
		}
	}
	return capItems(out, s.alerting.MaxItems)
}

func capItems[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}

// requestExplanations publishes up to MaxPerRun requests; a failed publish
// is logged and never affects the run.
func (s *Service) requestExplanations(ctx context.Context, reqs []explain.Request) {
	if s.explainer == nil {
		return
	}
	reqs = capItems(reqs, s.explain.MaxPerRun)
	for _, req := range reqs {
		if err := s.explainer.Publish(ctx, req); err != nil {
			s.logger.Warn().Err(err).Str("request_id", req.ID).Msg("failed to request explanation")
			if ctx.Err() != nil {
				return
			}
		}
	}
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
