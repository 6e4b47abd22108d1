package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"healthsignals/internal/anomaly"
	"healthsignals/internal/baseline"
	"healthsignals/internal/explain"
	"healthsignals/internal/faults"
	"healthsignals/internal/jobs"
	"healthsignals/internal/metrics"
	"healthsignals/internal/result"
	"healthsignals/internal/timeseries"
)

const userScope = "user"

// Detect runs every anomaly detector over the user's window, merges the
// findings and persists them. The returned error is non-nil only when the
// run failed: the series could not be retrieved or ctx ended. Detector
// errors leave the run partial instead.
func (s *Service) Detect(ctx context.Context, req Request) (*Run, error) {
	if req.UserID == "" {
		return nil, fmt.Errorf("user id is required")
	}
	run := s.startRun(req, jobs.KindDetect)
	run.Strategy = baseline.ResolveStrategy(baseline.Flags{
		UseRobust:   req.UseRobust,
		UseAdaptive: req.UseAdaptive,
		UseEWMA:     req.UseEWMABaseline,
	})
	defer s.finishRun(run)

	set, err := s.fetch(ctx, run)
	if err != nil {
		return run, err
	}

	view := analysable(timeseries.Derive(set))
	cfg := s.detection.Detectors
	cfg.Strategy = run.Strategy
	units := s.anomalyUnits(view, cfg)

	found, outcomes := fanOut(ctx, s.pool, units)
	if err := ctx.Err(); err != nil {
		run.fail(fmt.Errorf("run cancelled: %w", err))
		return run, err
	}
	settle(run, units, outcomes)

	all := make([]result.Anomaly, 0)
	for _, slot := range found {
		all = append(all, slot...)
	}
	run.Anomalies = anomaly.Combine(all, cfg.Ensemble)
	run.Total = len(run.Anomalies)
	run.New = run.Total
	if s.results != nil {
		inserted, err := s.results.SaveAnomalies(ctx, run.UserID, run.Anomalies)
		if err != nil {
			run.Failures = append(run.Failures, Failure{
				Detector: "result_store",
				Scope:    run.UserID,
				Kind:     faults.KindDetectorFailure,
				Message:  fmt.Sprintf("save anomalies: %v", err),
			})
		} else {
			run.New = inserted
		}
	}
	run.settleStatus()

	for _, a := range run.Anomalies {
		metrics.AnomaliesFound.WithLabelValues(string(a.Severity)).Inc()
	}

	s.notify(ctx, run, s.alertable(run.Anomalies), nil)
	if req.IncludeExplanation {
		reqs := make([]explain.Request, 0, len(run.Anomalies))
		for _, a := range run.Anomalies {
			reqs = append(reqs, explain.ForAnomaly(run.UserID, run.ID, a, s.now()))
		}
		s.requestExplanations(ctx, reqs)
	}
	return run, nil
}

// anomalyUnits builds one unit per (metric detector, metric) and one per
// user-scope detector. Detectors estimate their own baselines so each day
// is judged against the rest of its series.
func (s *Service) anomalyUnits(view timeseries.Set, cfg anomaly.Config) []unit[result.Anomaly] {
	names := view.Metrics()

	units := make([]unit[result.Anomaly], 0, len(names)*len(s.anomalyDetectors))
	add := func(d anomaly.Detector, scope string, in anomaly.Input) {
		units = append(units, unit[result.Anomaly]{
			task: task{detector: d.Name(), scope: scope, slot: len(units)},
			fn: func(ctx context.Context) ([]result.Anomaly, error) {
				return d.Detect(ctx, in, cfg)
			},
		})
	}
	for _, d := range s.anomalyDetectors {
		switch d.Scope() {
		case anomaly.ScopeMetric:
			for _, metric := range names {
				add(d, metric, anomaly.Input{Series: view[metric]})
			}
		case anomaly.ScopeUser:
			add(d, userScope, anomaly.Input{Set: view})
		}
	}
	return units
}

// analysable drops the rolling-window helper series, which smooth the very
// deviations a detector should see.
func analysable(set timeseries.Set) timeseries.Set {
	out := make(timeseries.Set, len(set))
	for name, series := range set {
		if strings.HasSuffix(name, "_7d_avg") || strings.HasSuffix(name, "_deviation") {
			continue
		}
		out[name] = series
	}
	return out
}

func (s *Service) startRun(req Request, kind jobs.Kind) *Run {
	from, to := req.Window(s.now(), s.detection.Days)
	run := &Run{
		ID:        uuid.NewString(),
		UserID:    req.UserID,
		Kind:      kind,
		Status:    RunPending,
		From:      from,
		To:        to,
		StartedAt: s.now(),
	}
	s.record(run)
	return run
}

func (s *Service) fetch(ctx context.Context, run *Run) (timeseries.Set, error) {
	run.Status = RunRunning
	s.record(run)

	set, err := s.fetcher.FetchSeries(ctx, run.UserID, run.From, run.To)
	if err == nil && len(set) == 0 {
		err = fmt.Errorf("no observations between %s and %s", run.From.Format(time.DateOnly), run.To.Format(time.DateOnly))
	}
	if err != nil {
		err = faults.SourceUnavailable(run.UserID, err)
		run.fail(err)
		return nil, err
	}
	return set, nil
}

func (s *Service) finishRun(run *Run) {
	run.FinishedAt = s.now()
	s.record(run)

	elapsed := run.FinishedAt.Sub(run.StartedAt)
	metrics.RunsTotal.WithLabelValues(string(run.Kind), string(run.Status)).Inc()
	metrics.RunDuration.WithLabelValues(string(run.Kind)).Observe(elapsed.Seconds())

	level := zerolog.InfoLevel
	switch run.Status {
	case RunFailed:
		level = zerolog.ErrorLevel
	case RunPartial:
		level = zerolog.WarnLevel
	}
	s.logger.WithLevel(level).
		Str("run_id", run.ID).
		Str("user_id", run.UserID).
		Str("kind", string(run.Kind)).
		Str("status", string(run.Status)).
		Int("total", run.Total).
		Int("new", run.New).
		Int("declined", run.Declined).
		Strs("failures", run.FailureMessages()).
		Str("error", run.Error).
		Dur("elapsed", elapsed).
		Msg("run finished")
}
