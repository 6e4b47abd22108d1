package correlation

import (
	"context"
	"math"

	"healthsignals/internal/result"
	"healthsignals/internal/stats"
	"healthsignals/internal/timeseries"
)

// PearsonSpearman measures same-day linear and monotonic association on
// date-matched pairs and emits both statistics.
type PearsonSpearman struct{}

func (PearsonSpearman) Name() string { return string(result.CorrelationPearson) }

func (PearsonSpearman) Detect(ctx context.Context, a, b timeseries.Series, cfg Config) ([]result.Correlation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	xs, ys := timeseries.Align(a, b, 0)
	if len(xs) < cfg.MinSamples {
		return nil, nil
	}

	r, p, err := stats.Pearson(xs, ys)
	if err != nil {
		return decline(err)
	}
	rho, ps, err := stats.Spearman(xs, ys)
	if err != nil {
		return decline(err)
	}
	return []result.Correlation{
		tested(a.Metric, b.Metric, result.CorrelationPearson, r, p, len(xs), cfg.Alpha),
		tested(a.Metric, b.Metric, result.CorrelationSpearman, rho, ps, len(xs), cfg.Alpha),
	}, nil
}

func tested(a, b string, t result.CorrelationType, r, p float64, n int, alpha float64) result.Correlation {
	return result.Correlation{
		MetricA:     a,
		MetricB:     b,
		Type:        t,
		Strength:    result.Round(r, 4),
		PValue:      result.P(result.Round(p, 6)),
		SampleSize:  n,
		Confidence:  result.Round((1-p)*math.Abs(r), 4),
		Significant: p < alpha,
		Direction:   result.DirectionNone,
		Label:       result.LabelFor(r),
	}
}
