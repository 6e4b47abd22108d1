package anomaly

import (
	"context"
	"math"
	"sort"

	"healthsignals/internal/faults"
	"healthsignals/internal/result"
	"healthsignals/internal/stats"
	"healthsignals/internal/timeseries"
)

// MultivariateMetric is the metric name of cross-metric forest anomalies.
const MultivariateMetric = "multivariate_anomaly"

// ForestConfig tunes both isolation forest detectors.
type ForestConfig struct {
	Trees         int     `mapstructure:"trees"`
	SampleSize    int     `mapstructure:"sample_size"`
	Contamination float64 `mapstructure:"contamination"`
	MinScore      float64 `mapstructure:"min_score"`
	Seed          int64   `mapstructure:"seed"`
	MinSamples    int     `mapstructure:"min_samples"`
	// Window is the trailing window in days for the rolling features.
	Window     int      `mapstructure:"window"`
	MinMetrics int      `mapstructure:"min_metrics"`
	Features   []string `mapstructure:"features"`
}

// DefaultForestConfig returns forest defaults.
func DefaultForestConfig() ForestConfig {
	return ForestConfig{
		Trees:         100,
		SampleSize:    64,
		Contamination: 0.05,
		MinScore:      0.6,
		Seed:          42,
		MinSamples:    10,
		Window:        7,
		MinMetrics:    3,
		Features: []string{
			"sleep_hours", "sleep_quality", "total_calories", "total_protein_g", "total_sugar_g",
			"exercise_minutes", "resting_hr", "hrv", "bp_systolic", "blood_glucose_fasting",
		},
	}
}

func (c ForestConfig) withDefaults() ForestConfig {
	d := DefaultForestConfig()
	if c.Trees <= 0 {
		c.Trees = d.Trees
	}
	if c.SampleSize <= 0 {
		c.SampleSize = d.SampleSize
	}
	if c.Contamination <= 0 || c.Contamination >= 0.5 {
		c.Contamination = d.Contamination
	}
	if c.MinSamples <= 0 {
		c.MinSamples = d.MinSamples
	}
	if c.Window <= 1 {
		c.Window = d.Window
	}
	if c.MinMetrics <= 0 {
		c.MinMetrics = d.MinMetrics
	}
	if len(c.Features) == 0 {
		c.Features = d.Features
	}
	return c
}

// flagged returns row indices whose score is in the top contamination share
// and at least MinScore.
func (c ForestConfig) flagged(scores []float64) []int {
	sorted := append([]float64(nil), scores...)
	sort.Sort(sort.Reverse(sort.Float64Slice(sorted)))
	k := int(math.Ceil(c.Contamination * float64(len(scores))))
	if k < 1 {
		k = 1
	}
	cut := math.Max(sorted[k-1], c.MinScore)
	out := make([]int, 0, k)
	for i, s := range scores {
		if s >= cut {
			out = append(out, i)
		}
	}
	return out
}

// featureNames are the per-day features of the single-metric forest.
var featureNames = []string{"value", "deviation_from_trailing_mean", "trailing_std"}

// IsolationForest scores each day of one metric by how easily a random
// partitioning isolates its (value, deviation, trailing spread) vector.
type IsolationForest struct{}

func (IsolationForest) Name() string              { return string(result.DetectorIsolationForest) }
func (IsolationForest) Type() result.DetectorType { return result.DetectorIsolationForest }
func (IsolationForest) Scope() Scope              { return ScopeMetric }

func (IsolationForest) Detect(ctx context.Context, in Input, cfg Config) ([]result.Anomaly, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fc := cfg.Forest.withDefaults()
	s := in.Series
	if s.Len() < fc.MinSamples {
		return nil, faults.InsufficientData(s.Metric, s.Len(), fc.MinSamples)
	}

	first, last := s.Points[0].Date, s.Points[s.Len()-1].Date
	grid := timeseries.Grid(first, last, s)
	rows := make([][]float64, s.Len())
	for i, p := range s.Points {
		idx := int(p.Date.Sub(first).Hours() / 24)
		row := []float64{p.Value, math.NaN(), math.NaN()}
		if mean, std, ok := timeseries.Trailing(grid, idx, fc.Window); ok {
			row[1] = p.Value - mean
			row[2] = std
		}
		rows[i] = row
	}

	scaled, _, _ := robustScale(rows)
	f := growForest(scaled, fc.Trees, fc.SampleSize, fc.Seed)
	scores := make([]float64, len(scaled))
	paths := make([]float64, len(scaled))
	for i, x := range scaled {
		scores[i], paths[i] = f.score(x)
	}

	center := baselineCenter(in, cfg)
	out := make([]result.Anomaly, 0)
	for _, i := range fc.flagged(scores) {
		p := s.Points[i]
		table, id := sourceRef(s, p)
		out = append(out, result.NewAnomaly(result.AnomalyInput{
			OccurredOn:    p.Date,
			SourceTable:   table,
			SourceID:      id,
			MetricName:    s.Metric,
			MetricValue:   p.Value,
			BaselineValue: center,
			DetectorType:  result.DetectorIsolationForest,
			Score:         scores[i],
			Details: map[string]any{
				result.KeyMeanPathLength: result.Round(paths[i], 3),
				result.KeyIsolationScore: result.Round(scores[i], 3),
				result.KeyFeatures:       featureNames,
			},
		}))
	}
	return out, nil
}

func baselineCenter(in Input, cfg Config) float64 {
	if b, err := baselineFor(in, cfg); err == nil {
		return b.Center
	}
	if in.Series.Len() == 0 {
		return 0
	}
	return stats.Median(in.Series.Values())
}

// Contribution describes how far one metric sat from its median on a
// multivariate anomaly day.
type Contribution struct {
	Metric    string  `json:"name"`
	Value     float64 `json:"value"`
	Baseline  float64 `json:"baseline"`
	Deviation float64 `json:"deviation"`
}

// MultivariateForest looks for unusual combinations across metrics that may
// each look normal on their own.
type MultivariateForest struct{}

func (MultivariateForest) Name() string              { return "isolation_forest_multivariate" }
func (MultivariateForest) Type() result.DetectorType { return result.DetectorIsolationForest }
func (MultivariateForest) Scope() Scope              { return ScopeUser }

func (MultivariateForest) Detect(ctx context.Context, in Input, cfg Config) ([]result.Anomaly, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fc := cfg.Forest.withDefaults()

	metrics := make([]string, 0, len(fc.Features))
	for _, name := range fc.Features {
		if s, ok := in.Set[name]; ok && s.Len() >= fc.MinSamples {
			metrics = append(metrics, name)
		}
	}
	if len(metrics) < fc.MinMetrics {
		return nil, faults.InsufficientData("multivariate", len(metrics), fc.MinMetrics)
	}

	// a day qualifies when at least half of the selected metrics were observed
	lookups := make([]map[string]timeseries.Point, len(metrics))
	counts := make(map[string]int)
	dates := make(map[string]timeseries.Point)
	for m, name := range metrics {
		lookups[m] = make(map[string]timeseries.Point)
		for _, p := range in.Set[name].Points {
			key := p.Date.Format("2006-01-02")
			lookups[m][key] = p
			counts[key]++
			dates[key] = p
		}
	}
	keys := make([]string, 0, len(counts))
	for key, n := range counts {
		if 2*n >= len(metrics) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	if len(keys) < fc.MinSamples {
		return nil, faults.InsufficientData("multivariate", len(keys), fc.MinSamples)
	}

	rows := make([][]float64, len(keys))
	for i, key := range keys {
		row := make([]float64, len(metrics))
		for m := range metrics {
			if p, ok := lookups[m][key]; ok {
				row[m] = p.Value
			} else {
				row[m] = math.NaN()
			}
		}
		rows[i] = row
	}

	scaled, medians, _ := robustScale(rows)
	f := growForest(scaled, fc.Trees, fc.SampleSize, fc.Seed)
	scores := make([]float64, len(scaled))
	paths := make([]float64, len(scaled))
	for i, x := range scaled {
		scores[i], paths[i] = f.score(x)
	}

	out := make([]result.Anomaly, 0)
	for _, i := range fc.flagged(scores) {
		contributions := make([]Contribution, 0, len(metrics))
		for m, name := range metrics {
			if math.IsNaN(rows[i][m]) {
				continue
			}
			contributions = append(contributions, Contribution{
				Metric:    name,
				Value:     rows[i][m],
				Baseline:  medians[m],
				Deviation: result.Round(math.Abs(scaled[i][m]), 3),
			})
		}
		sort.SliceStable(contributions, func(a, b int) bool {
			return contributions[a].Deviation > contributions[b].Deviation
		})
		if len(contributions) == 0 {
			continue
		}
		primary := contributions[0]
		primaryIdx := indexOf(metrics, primary.Metric)
		table, id := sourceRef(in.Set[primary.Metric], lookups[primaryIdx][keys[i]])
		if len(contributions) > 5 {
			contributions = contributions[:5]
		}

		out = append(out, result.NewAnomaly(result.AnomalyInput{
			OccurredOn:    dates[keys[i]].Date,
			SourceTable:   table,
			SourceID:      id,
			MetricName:    MultivariateMetric,
			MetricValue:   primary.Value,
			BaselineValue: primary.Baseline,
			DetectorType:  result.DetectorIsolationForest,
			Score:         scores[i],
			Details: map[string]any{
				result.KeyMeanPathLength: result.Round(paths[i], 3),
				result.KeyIsolationScore: result.Round(scores[i], 3),
				result.KeyFeatures:       metrics,
				result.KeyPrimaryMetric:  primary.Metric,
				result.KeyContributions:  contributions,
			},
		}))
	}
	return out, nil
}

func indexOf(items []string, v string) int {
	for i, item := range items {
		if item == v {
			return i
		}
	}
	return -1
}
