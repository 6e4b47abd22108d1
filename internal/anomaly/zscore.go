package anomaly

import (
	"context"
	"math"

	"healthsignals/internal/baseline"
	"healthsignals/internal/result"
)

// Bounds is an absolute acceptable range for a metric.
type Bounds struct {
	Min float64 `mapstructure:"min"`
	Max float64 `mapstructure:"max"`
}

// ZScoreConfig tunes the z-score detector.
type ZScoreConfig struct {
	DefaultThreshold float64            `mapstructure:"default_threshold"`
	Thresholds       map[string]float64 `mapstructure:"thresholds"`
	// Saturation is k in score = z/(z+k).
	Saturation     float64           `mapstructure:"saturation"`
	SpreadFloorAbs float64           `mapstructure:"spread_floor_abs"`
	SpreadFloorRel float64           `mapstructure:"spread_floor_rel"`
	BoundsScore    float64           `mapstructure:"bounds_score"`
	Bounds         map[string]Bounds `mapstructure:"bounds"`
}

// DefaultZScoreConfig returns per-metric thresholds and medical bounds.
func DefaultZScoreConfig() ZScoreConfig {
	return ZScoreConfig{
		DefaultThreshold: 2.5,
		Thresholds: map[string]float64{
			"total_calories": 3.0,
			"weight_kg":      2.0,
		},
		Saturation:     3,
		SpreadFloorAbs: 1e-6,
		SpreadFloorRel: 0.01,
		BoundsScore:    0.7,
		Bounds: map[string]Bounds{
			"blood_glucose_fasting": {Min: 70, Max: 140},
			"resting_hr":            {Min: 40, Max: 100},
			"bp_systolic":           {Min: 90, Max: 140},
			"bp_diastolic":          {Min: 60, Max: 90},
			"spo2":                  {Min: 94, Max: 100},
		},
	}
}

// ThresholdFor returns the z threshold for metric.
func (c ZScoreConfig) ThresholdFor(metric string) float64 {
	if t, ok := c.Thresholds[metric]; ok && t > 0 {
		return t
	}
	if c.DefaultThreshold > 0 {
		return c.DefaultThreshold
	}
	return 2.5
}

func (c ZScoreConfig) outOfBounds(metric string, v float64) bool {
	b, ok := c.Bounds[metric]
	if !ok {
		return false
	}
	return v < b.Min || v > b.Max
}

// Saturate maps a non-negative z onto [0,1) as z/(z+k).
func Saturate(z, k float64) float64 {
	if k <= 0 {
		k = 3
	}
	if z <= 0 || math.IsNaN(z) {
		return 0
	}
	if math.IsInf(z, 1) {
		return 1
	}
	return z / (z + k)
}

// ZScore flags days whose distance from the baseline center, in units of
// the baseline spread, exceeds the metric threshold. Unless a fixed baseline
// is supplied, every day is judged against the others only, so a spike
// cannot inflate its own reference.
type ZScore struct{}

func (ZScore) Name() string              { return string(result.DetectorZScore) }
func (ZScore) Type() result.DetectorType { return result.DetectorZScore }
func (ZScore) Scope() Scope              { return ScopeMetric }

func (ZScore) Detect(ctx context.Context, in Input, cfg Config) ([]result.Anomaly, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fixed, err := baselineFor(in, cfg)
	if err != nil {
		return nil, err
	}

	zc := cfg.ZScore
	metric := in.Series.Metric
	threshold := zc.ThresholdFor(metric)

	out := make([]result.Anomaly, 0)
	for _, p := range in.Series.Points {
		if math.IsNaN(p.Value) || math.IsInf(p.Value, 0) {
			continue
		}
		base := fixed
		if in.Baseline == nil {
			base, err = baseline.EstimateExcluding(in.Series, p.Date, cfg.Strategy, cfg.Baseline)
			if err != nil {
				continue
			}
		}
		spread := zc.spreadFloor(base)
		z := math.Abs(p.Value-base.Center) / spread
		bounds := zc.outOfBounds(metric, p.Value)
		if z < threshold && !bounds {
			continue
		}

		score := Saturate(z, zc.Saturation)
		if bounds {
			score = math.Max(score, zc.BoundsScore)
		}
		table, id := sourceRef(in.Series, p)
		out = append(out, result.NewAnomaly(result.AnomalyInput{
			OccurredOn:    p.Date,
			SourceTable:   table,
			SourceID:      id,
			MetricName:    metric,
			MetricValue:   p.Value,
			BaselineValue: base.Center,
			DetectorType:  result.DetectorZScore,
			Score:         score,
			Details: map[string]any{
				result.KeyZScore:           result.Round(z, 3),
				result.KeyThreshold:        threshold,
				result.KeySpread:           result.Round(spread, 3),
				result.KeyBoundsViolation:  bounds,
				result.KeyBaselineStrategy: string(base.Strategy),
			},
		}))
	}
	return out, nil
}

// spreadFloor keeps near-constant baselines from turning noise into huge z.
func (c ZScoreConfig) spreadFloor(b baseline.Baseline) float64 {
	spread := math.Max(b.Spread, math.Max(c.SpreadFloorAbs, c.SpreadFloorRel*math.Abs(b.Center)))
	if !(spread > 0) {
		spread = 1e-9
	}
	return spread
}
