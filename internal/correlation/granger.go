package correlation

import (
	"context"
	"math"

	"healthsignals/internal/result"
	"healthsignals/internal/stats"
	"healthsignals/internal/timeseries"
)

// Granger tests whether the lagged history of one metric improves prediction
// of the other beyond its own history. Each direction is a separate result
// with MetricA as the candidate cause.
type Granger struct{}

func (Granger) Name() string { return string(result.CorrelationGranger) }

type grangerFit struct {
	lag    int
	p      float64
	f      float64
	n      int
	tested int
}

func (Granger) Detect(ctx context.Context, a, b timeseries.Series, cfg Config) ([]result.Correlation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	xs, ys := timeseries.Align(a, b, 0)
	if len(xs) < cfg.GrangerMinSamples {
		return nil, nil
	}
	// a flat series has no regression to improve
	if _, _, err := stats.Pearson(xs, ys); err != nil {
		return decline(err)
	}

	first, last, _ := timeseries.Set{a.Metric: a, b.Metric: b}.Span()
	ga, gb := timeseries.Grid(first, last, a), timeseries.Grid(first, last, b)
	differenced := persistent(a, cfg.DifferenceAbove) || persistent(b, cfg.DifferenceAbove)
	if differenced {
		ga, gb = stats.Diff(ga), stats.Diff(gb)
	}

	out := make([]result.Correlation, 0, 2)
	for _, dir := range []struct {
		cause, effect string
		x, y          []float64
	}{
		{a.Metric, b.Metric, ga, gb},
		{b.Metric, a.Metric, gb, ga},
	} {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		fit, ok := bestGrangerLag(dir.x, dir.y, cfg)
		if !ok {
			continue
		}
		significant := fit.p < cfg.Alpha
		direction := result.DirectionNone
		if significant {
			direction = result.DirectionACausesB
		}
		confidence := math.Min(0.99, 1-fit.p)
		out = append(out, result.Correlation{
			MetricA:     dir.cause,
			MetricB:     dir.effect,
			Type:        result.CorrelationGranger,
			Strength:    result.Round(confidence, 4),
			LagDays:     fit.lag,
			PValue:      result.P(result.Round(fit.p, 6)),
			SampleSize:  fit.n,
			Confidence:  result.Round(confidence, 4),
			Significant: significant,
			Direction:   direction,
			FStat:       result.Round(fit.f, 4),
			Label:       result.LabelFor(confidence),
			Details: map[string]any{
				"differenced": differenced,
				"lags_tested": fit.tested,
			},
		})
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

// bestGrangerLag runs the nested F-test for every lag order and keeps the
// lowest p-value, Bonferroni-adjusted for the number of orders tested.
func bestGrangerLag(x, y []float64, cfg Config) (grangerFit, bool) {
	best := grangerFit{p: math.Inf(1)}
	for p := 1; p <= cfg.GrangerMaxLag; p++ {
		restricted, unrestricted, target := lagRows(x, y, p)
		if len(target) < cfg.GrangerMinSamples || len(target) <= 2*p+2 {
			continue
		}
		rssR, err := stats.RSS(restricted, target)
		if err != nil {
			continue
		}
		rssU, err := stats.RSS(unrestricted, target)
		if err != nil {
			continue
		}
		f, pv, err := stats.NestedFTest(rssR, rssU, p, len(target)-(2*p+1))
		if err != nil {
			continue
		}
		best.tested++
		if pv < best.p {
			best.lag, best.p, best.f, best.n = p, pv, f, len(target)
		}
	}
	if best.tested == 0 {
		return grangerFit{}, false
	}
	best.p = math.Min(1, best.p*float64(best.tested))
	return best, true
}

// lagRows builds regressors for y[t] from y[t-1..t-p] (restricted) and
// additionally x[t-1..t-p] (unrestricted), keeping only fully observed rows.
func lagRows(x, y []float64, p int) (restricted, unrestricted [][]float64, target []float64) {
	for t := p; t < len(y); t++ {
		if math.IsNaN(y[t]) {
			continue
		}
		r := make([]float64, 0, p)
		u := make([]float64, 0, 2*p)
		ok := true
		for k := 1; k <= p; k++ {
			if math.IsNaN(y[t-k]) || math.IsNaN(x[t-k]) {
				ok = false
				break
			}
			r = append(r, y[t-k])
		}
		if !ok {
			continue
		}
		u = append(u, r...)
		for k := 1; k <= p; k++ {
			u = append(u, x[t-k])
		}
		restricted = append(restricted, r)
		unrestricted = append(unrestricted, u)
		target = append(target, y[t])
	}
	return restricted, unrestricted, target
}

// persistent reports whether consecutive days are correlated above limit.
func persistent(s timeseries.Series, limit float64) bool {
	xs, ys := timeseries.Align(s, s, 1)
	if len(xs) < 3 {
		return false
	}
	r, _, err := stats.Pearson(xs, ys)
	return err == nil && r > limit
}
