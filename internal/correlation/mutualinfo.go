package correlation

import (
	"context"

	"healthsignals/internal/result"
	"healthsignals/internal/stats"
	"healthsignals/internal/timeseries"
)

// MutualInformation captures non-linear dependence on date-matched pairs.
// Strength is the information coefficient in [0,1]; there is no p-value.
type MutualInformation struct{}

func (MutualInformation) Name() string { return string(result.CorrelationMutualInformation) }

func (MutualInformation) Detect(ctx context.Context, a, b timeseries.Series, cfg Config) ([]result.Correlation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	xs, ys := timeseries.Align(a, b, 0)
	if len(xs) < cfg.MIMinSamples {
		return nil, nil
	}

	var mi float64
	var err error
	details := map[string]any{"estimator": cfg.MIEstimator}
	switch cfg.MIEstimator {
	case EstimatorHistogram:
		bins := cfg.MIBins
		if bins <= 0 {
			bins = stats.HistogramBins(len(xs))
		}
		details["bins"] = bins
		mi, err = stats.MutualInfoHistogram(xs, ys, bins)
	default:
		details["estimator"] = EstimatorKSG
		details["neighbors"] = cfg.MINeighbors
		mi, err = stats.MutualInfoKSG(xs, ys, cfg.MINeighbors)
	}
	if err != nil {
		return decline(err)
	}
	details["mi_nats"] = result.Round(mi, 4)

	strength := stats.InformationCoefficient(mi)
	return []result.Correlation{{
		MetricA:     a.Metric,
		MetricB:     b.Metric,
		Type:        result.CorrelationMutualInformation,
		Strength:    result.Round(strength, 4),
		PValue:      result.Unsupported(),
		SampleSize:  len(xs),
		Confidence:  result.Round(strength, 4),
		Significant: strength >= cfg.MIThreshold,
		Direction:   result.DirectionNone,
		Label:       result.LabelFor(strength),
		Details:     details,
	}}, nil
}
