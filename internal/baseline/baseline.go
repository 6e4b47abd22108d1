// Package baseline estimates a personal reference center and spread for a
// metric series.
package baseline

import (
	"fmt"
	"math"
	"time"

	"healthsignals/internal/faults"
	"healthsignals/internal/stats"
	"healthsignals/internal/timeseries"
)

// Strategy selects how center and spread are computed.
type Strategy string

const (
	// StrategyStandard is mean/stddev, used only when no flag is set.
	StrategyStandard Strategy = "standard"
	StrategyRobust   Strategy = "robust"
	StrategyAdaptive Strategy = "adaptive"
	StrategyEWMA     Strategy = "ewma"
)

// DefaultMinSamples is the observation floor below which no baseline exists.
const DefaultMinSamples = 7

// Config tunes the estimators.
type Config struct {
	MinSamples int `mapstructure:"min_samples"`
	// HalfLifeDays is the EWMA half-life measured in calendar days.
	HalfLifeDays float64 `mapstructure:"ewma_half_life_days"`
	// ReferenceCV is the coefficient of variation at which the adaptive
	// factor is 1.
	ReferenceCV float64 `mapstructure:"reference_cv"`
	MinFactor   float64 `mapstructure:"min_factor"`
	MaxFactor   float64 `mapstructure:"max_factor"`
}

// DefaultConfig returns the estimator defaults.
func DefaultConfig() Config {
	return Config{
		MinSamples:   DefaultMinSamples,
		HalfLifeDays: 7,
		ReferenceCV:  0.15,
		MinFactor:    0.75,
		MaxFactor:    1.5,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MinSamples <= 0 {
		c.MinSamples = d.MinSamples
	}
	if c.HalfLifeDays <= 0 {
		c.HalfLifeDays = d.HalfLifeDays
	}
	if c.ReferenceCV <= 0 {
		c.ReferenceCV = d.ReferenceCV
	}
	if c.MinFactor <= 0 {
		c.MinFactor = d.MinFactor
	}
	if c.MaxFactor < c.MinFactor {
		c.MaxFactor = math.Max(d.MaxFactor, c.MinFactor)
	}
	return c
}

// Flags are the caller-facing strategy switches.
type Flags struct {
	UseRobust   bool
	UseAdaptive bool
	UseEWMA     bool
}

// ResolveStrategy applies the precedence ewma > adaptive > robust. With no
// flag set the plain mean/stddev strategy is used.
func ResolveStrategy(f Flags) Strategy {
	switch {
	case f.UseEWMA:
		return StrategyEWMA
	case f.UseAdaptive:
		return StrategyAdaptive
	case f.UseRobust:
		return StrategyRobust
	default:
		return StrategyStandard
	}
}

// Baseline is the reference distribution of one metric.
type Baseline struct {
	Strategy Strategy
	Center   float64
	Spread   float64
	Samples  int
	// Factor is the adaptive widening applied to the robust spread; 1 otherwise.
	Factor float64
}

// Estimate computes the baseline of s. It fails with an InsufficientData
// fault when fewer than MinSamples finite observations exist.
func Estimate(s timeseries.Series, strategy Strategy, cfg Config) (Baseline, error) {
	cfg = cfg.withDefaults()
	points := finitePoints(s.Points)
	if len(points) < cfg.MinSamples {
		return Baseline{}, faults.InsufficientData(s.Metric, len(points), cfg.MinSamples)
	}
	return estimate(s.Metric, points, strategy, cfg)
}

// EstimateExcluding computes the baseline of s without the observation on
// day, the reference that observation is judged against. The held-out day
// still counts towards MinSamples.
func EstimateExcluding(s timeseries.Series, day time.Time, strategy Strategy, cfg Config) (Baseline, error) {
	cfg = cfg.withDefaults()
	points := finitePoints(s.Points)
	if len(points) < cfg.MinSamples {
		return Baseline{}, faults.InsufficientData(s.Metric, len(points), cfg.MinSamples)
	}
	day = timeseries.Day(day)
	rest := make([]timeseries.Point, 0, len(points))
	for _, p := range points {
		if timeseries.Day(p.Date).Equal(day) {
			continue
		}
		rest = append(rest, p)
	}
	if len(rest) == 0 {
		return Baseline{}, faults.InsufficientData(s.Metric, 0, 1)
	}
	return estimate(s.Metric, rest, strategy, cfg)
}

func finitePoints(in []timeseries.Point) []timeseries.Point {
	points := make([]timeseries.Point, 0, len(in))
	for _, p := range in {
		if math.IsNaN(p.Value) || math.IsInf(p.Value, 0) {
			continue
		}
		points = append(points, p)
	}
	return points
}

func estimate(metric string, points []timeseries.Point, strategy Strategy, cfg Config) (Baseline, error) {
	values := make([]float64, len(points))
	for i, p := range points {
		values[i] = p.Value
	}

	b := Baseline{Strategy: strategy, Samples: len(values), Factor: 1}
	switch strategy {
	case StrategyStandard, "":
		b.Strategy = StrategyStandard
		b.Center, b.Spread = stats.MeanStd(values)
	case StrategyRobust:
		b.Center, b.Spread = robust(values)
	case StrategyAdaptive:
		b.Center, b.Spread = robust(values)
		b.Factor = adaptiveFactor(values, cfg)
		b.Spread *= b.Factor
	case StrategyEWMA:
		b.Center, b.Spread = ewma(points, cfg.HalfLifeDays)
	default:
		return Baseline{}, fmt.Errorf("unknown baseline strategy %q", strategy)
	}

	if math.IsNaN(b.Center) || math.IsNaN(b.Spread) {
		return Baseline{}, faults.Degenerate(metric, "baseline undefined")
	}
	return b, nil
}

func robust(values []float64) (float64, float64) {
	_, _, iqr := stats.IQR(values)
	return stats.Median(values), iqr / stats.IQRToSigma
}

// adaptiveFactor widens the spread for noisy metrics and narrows it for
// stable ones, scaled by the coefficient of variation.
func adaptiveFactor(values []float64, cfg Config) float64 {
	mean, std := stats.MeanStd(values)
	if mean == 0 {
		return cfg.MaxFactor
	}
	cv := std / math.Abs(mean)
	factor := math.Sqrt(cv / cfg.ReferenceCV)
	return math.Max(cfg.MinFactor, math.Min(cfg.MaxFactor, factor))
}

// ewma weights each observation by 0.5^(age/halfLife), age in days before
// the latest observation, so gaps decay like elapsed time.
func ewma(points []timeseries.Point, halfLifeDays float64) (float64, float64) {
	latest := points[len(points)-1].Date
	values := make([]float64, len(points))
	weights := make([]float64, len(points))
	for i, p := range points {
		age := latest.Sub(p.Date).Hours() / 24
		values[i] = p.Value
		weights[i] = math.Pow(0.5, age/halfLifeDays)
	}
	return stats.WeightedMeanStd(values, weights)
}

