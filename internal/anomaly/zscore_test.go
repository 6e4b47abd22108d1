package anomaly

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"healthsignals/internal/baseline"
	"healthsignals/internal/faults"
	"healthsignals/internal/result"
	"healthsignals/internal/timeseries"
)

var start = time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)

func spikeSeries() timeseries.Series {
	values := make([]float64, 31)
	for i := range values {
		values[i] = 10
	}
	values[30] = 100
	return timeseries.Daily("sleep_quality", start, values)
}

func TestZScoreFlagsSingleSpikeAsHigh(t *testing.T) {
	strategies := []baseline.Strategy{
		baseline.StrategyStandard,
		baseline.StrategyRobust,
		baseline.StrategyAdaptive,
		baseline.StrategyEWMA,
	}
	for _, strategy := range strategies {
		cfg := DefaultConfig()
		cfg.Strategy = strategy

		got, err := ZScore{}.Detect(context.Background(), Input{Series: spikeSeries()}, cfg)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", strategy, err)
		}
		if len(got) != 1 {
			t.Fatalf("%s: expected exactly one anomaly, got %d", strategy, len(got))
		}
		a := got[0]
		if !a.OccurredOn.Equal(start.AddDate(0, 0, 30)) {
			t.Fatalf("%s: wrong day flagged: %s", strategy, a.OccurredOn)
		}
		if a.Severity != result.SeverityHigh {
			t.Fatalf("%s: expected high severity, got %s (score %v)", strategy, a.Severity, a.Score)
		}
		if a.DetectorType != result.DetectorZScore || math.Abs(a.BaselineValue-10) > 1e-9 || a.MetricValue != 100 {
			t.Fatalf("%s: unexpected anomaly %+v", strategy, a)
		}
		if _, ok := a.Details[result.KeyZScore]; !ok {
			t.Fatalf("%s: details should carry the z value", strategy)
		}
		if a.SourceTable != timeseries.TableSleep || a.SourceID == "" {
			t.Fatalf("%s: source reference missing: %q %q", strategy, a.SourceTable, a.SourceID)
		}
	}
}

func TestZScoreSpikeDoesNotInflateItsOwnBaseline(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Strategy = baseline.StrategyStandard

	got, err := ZScore{}.Detect(context.Background(), Input{Series: spikeSeries()}, cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected exactly one anomaly, got %d", len(got))
	}
	// Mean and stddev over all 31 days would cap z near 5.4 and score at 0.64.
	if z := got[0].Details[result.KeyZScore].(float64); z < 100 {
		t.Fatalf("expected the spike scored against the quiet days only, z=%v", z)
	}
	if got[0].Score < 0.8 {
		t.Fatalf("expected a high score, got %v", got[0].Score)
	}
}

func TestZScoreBoundsViolation(t *testing.T) {
	values := make([]float64, 20)
	for i := range values {
		if i%2 == 0 {
			values[i] = 60
		} else {
			values[i] = 100
		}
	}
	values = append(values, 101)
	cfg := DefaultConfig()
	cfg.Strategy = baseline.StrategyRobust

	got, err := ZScore{}.Detect(context.Background(), Input{Series: timeseries.Daily("resting_hr", start, values)}, cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected only the out-of-range day, got %d", len(got))
	}
	if got[0].Details[result.KeyBoundsViolation] != true {
		t.Fatalf("bounds_violation should be set: %#v", got[0].Details)
	}
	if got[0].Score != 0.7 || got[0].Severity != result.SeverityMedium {
		t.Fatalf("bounds violation should lift the score to 0.7, got %v/%s", got[0].Score, got[0].Severity)
	}
}

func TestZScoreSkipsBadPoints(t *testing.T) {
	s := spikeSeries()
	s.Points = append(s.Points, timeseries.Point{Date: start.AddDate(0, 0, 40), Value: math.NaN()})
	cfg := DefaultConfig()
	got, err := ZScore{}.Detect(context.Background(), Input{Series: s}, cfg)
	if err != nil {
		t.Fatalf("a NaN point must not fail detection: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected one anomaly, got %d", len(got))
	}
}

func TestZScoreInsufficientData(t *testing.T) {
	s := timeseries.Daily("hrv", start, []float64{1, 2, 3})
	_, err := ZScore{}.Detect(context.Background(), Input{Series: s}, DefaultConfig())
	if !errors.Is(err, faults.ErrInsufficientData) {
		t.Fatalf("expected InsufficientData, got %v", err)
	}
}

func TestZScoreUsesSuppliedBaseline(t *testing.T) {
	s := timeseries.Daily("hrv", start, []float64{50, 51, 49, 50, 52, 48, 50})
	b := baseline.Baseline{Strategy: baseline.StrategyRobust, Center: 0, Spread: 1}
	got, err := ZScore{}.Detect(context.Background(), Input{Series: s, Baseline: &b}, DefaultConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 7 {
		t.Fatalf("every day is far from the supplied baseline, got %d", len(got))
	}
}

func TestSaturate(t *testing.T) {
	if Saturate(0, 3) != 0 || Saturate(3, 3) != 0.5 || Saturate(math.Inf(1), 3) != 1 {
		t.Fatal("unexpected saturation values")
	}
	prev := 0.0
	for z := 0.5; z < 100; z += 0.5 {
		s := Saturate(z, 3)
		if s <= prev || s >= 1 {
			t.Fatalf("saturation must be increasing and below 1, z=%v s=%v", z, s)
		}
		prev = s
	}
}

func TestRegistry(t *testing.T) {
	names := ListDetectors()
	want := []string{"isolation_forest", "isolation_forest_multivariate", "zscore"}
	if len(names) != len(want) {
		t.Fatalf("want %v, got %v", want, names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("want %v, got %v", want, names)
		}
	}
	if _, err := GetDetector("nope"); err == nil {
		t.Fatal("unknown detector should error")
	}
}
