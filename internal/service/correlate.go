package service

import (
	"context"
	"fmt"

	"healthsignals/internal/correlation"
	"healthsignals/internal/explain"
	"healthsignals/internal/faults"
	"healthsignals/internal/jobs"
	"healthsignals/internal/metrics"
	"healthsignals/internal/result"
	"healthsignals/internal/timeseries"
)

// Correlate tests every influencer/outcome pair of the user's window with
// each configured family, merges the verdicts per pair and replaces the
// stored correlations of the period with the shortlist.
func (s *Service) Correlate(ctx context.Context, req Request) (*Run, error) {
	if req.UserID == "" {
		return nil, fmt.Errorf("user id is required")
	}
	run := s.startRun(req, jobs.KindCorrelate)
	defer s.finishRun(run)

	set, err := s.fetch(ctx, run)
	if err != nil {
		return run, err
	}

	view := timeseries.Derive(set)
	pairs := distinctPairs(view.MeaningfulPairs())
	units := s.correlationUnits(view, pairs)

	found, outcomes := fanOut(ctx, s.pool, units)
	if err := ctx.Err(); err != nil {
		run.fail(fmt.Errorf("run cancelled: %w", err))
		return run, err
	}
	settle(run, units, outcomes)

	merged := make([]result.Correlation, 0, len(pairs))
	width := len(s.families)
	for i := range pairs {
		verdicts := make([]result.Correlation, 0, width)
		for _, slot := range found[i*width : (i+1)*width] {
			verdicts = append(verdicts, slot...)
		}
		if c, ok := correlation.Aggregate(verdicts, s.correlation); ok {
			merged = append(merged, c)
		}
	}
	run.Correlations = correlation.Shortlist(merged, s.correlation)
	run.Total = len(run.Correlations)
	run.New = run.Total
	if s.results != nil {
		if err := s.results.ReplaceCorrelations(ctx, run.UserID, run.From, run.To, run.Correlations); err != nil {
			run.New = 0
			run.Failures = append(run.Failures, Failure{
				Detector: "result_store",
				Scope:    run.UserID,
				Kind:     faults.KindDetectorFailure,
				Message:  fmt.Sprintf("replace correlations: %v", err),
			})
		}
	}
	run.settleStatus()

	for _, c := range run.Correlations {
		metrics.CorrelationsFound.WithLabelValues(string(c.Type)).Inc()
	}

	s.notify(ctx, run, nil, s.alertableCorrelations(run.Correlations))
	if req.IncludeExplanation {
		reqs := make([]explain.Request, 0, len(run.Correlations))
		for _, c := range run.Correlations {
			reqs = append(reqs, explain.ForCorrelation(run.UserID, run.ID, c, s.now()))
		}
		s.requestExplanations(ctx, reqs)
	}
	return run, nil
}

// correlationUnits lays units out pair-major so pair i owns slots
// [i*len(families), (i+1)*len(families)).
func (s *Service) correlationUnits(view timeseries.Set, pairs []timeseries.Pair) []unit[result.Correlation] {
	cfg := s.correlation
	units := make([]unit[result.Correlation], 0, len(pairs)*len(s.families))
	for _, pair := range pairs {
		a, b := view[pair.A], view[pair.B]
		scope := result.PairKey(pair.A, pair.B)
		for _, d := range s.families {
			units = append(units, unit[result.Correlation]{
				task: task{detector: d.Name(), scope: scope, slot: len(units)},
				fn: func(ctx context.Context) ([]result.Correlation, error) {
					return d.Detect(ctx, a, b, cfg)
				},
			})
		}
	}
	return units
}

// distinctPairs keeps the first ordering of each unordered pair.
func distinctPairs(pairs []timeseries.Pair) []timeseries.Pair {
	seen := make(map[string]struct{}, len(pairs))
	out := make([]timeseries.Pair, 0, len(pairs))
	for _, p := range pairs {
		key := result.PairKey(p.A, p.B)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, p)
	}
	return out
}
