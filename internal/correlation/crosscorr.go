package correlation

import (
	"context"
	"math"

	"healthsignals/internal/result"
	"healthsignals/internal/stats"
	"healthsignals/internal/timeseries"
)

// near ties in |r| are resolved toward in-phase, then shorter lags
const tieEpsilon = 1e-9

// CrossCorrelation scans lags -MaxLag..+MaxLag and reports the lag with the
// largest absolute Pearson correlation. A positive lag means B trails A.
//
// The scan is not corrected for multiple comparisons, so its results carry
// no p-value and are marked lower trust.
type CrossCorrelation struct{}

func (CrossCorrelation) Name() string { return string(result.CorrelationCross) }

func (CrossCorrelation) Detect(ctx context.Context, a, b timeseries.Series, cfg Config) ([]result.Correlation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	found := false
	var bestR float64
	var bestLag, bestN, scanned int
	for _, lag := range lagOrder(cfg.MaxLag) {
		xs, ys := timeseries.Align(a, b, lag)
		if len(xs) < cfg.MinSamples {
			continue
		}
		r, _, err := stats.Pearson(xs, ys)
		if err != nil {
			continue
		}
		scanned++
		abs, bestAbs := math.Abs(r), math.Abs(bestR)
		if !found || abs > bestAbs+tieEpsilon || (abs >= bestAbs-tieEpsilon && r > 0 && bestR < 0) {
			found, bestR, bestLag, bestN = true, r, lag, len(xs)
		}
	}
	if !found {
		return nil, nil
	}

	return []result.Correlation{{
		MetricA:     a.Metric,
		MetricB:     b.Metric,
		Type:        result.CorrelationCross,
		Strength:    result.Round(bestR, 4),
		LagDays:     bestLag,
		PValue:      result.Unsupported(),
		SampleSize:  bestN,
		Confidence:  result.Round(math.Abs(bestR), 4),
		Significant: math.Abs(bestR) >= cfg.CrossThreshold,
		Direction:   result.DirectionNone,
		Label:       result.LabelFor(bestR),
		Details: map[string]any{
			"lags_scanned": scanned,
			"lower_trust":  true,
		},
	}}, nil
}

// lagOrder lists 0, 1, -1, 2, -2, ... up to max.
func lagOrder(max int) []int {
	lags := make([]int, 0, 2*max+1)
	lags = append(lags, 0)
	for l := 1; l <= max; l++ {
		lags = append(lags, l, -l)
	}
	return lags
}
