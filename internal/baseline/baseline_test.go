package baseline

import (
	"errors"
	"math"
	"testing"
	"time"

	"healthsignals/internal/faults"
	"healthsignals/internal/timeseries"
)

var start = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

func TestResolveStrategyPrecedence(t *testing.T) {
	cases := []struct {
		flags Flags
		want  Strategy
	}{
		{Flags{}, StrategyStandard},
		{Flags{UseRobust: true}, StrategyRobust},
		{Flags{UseAdaptive: true}, StrategyAdaptive},
		{Flags{UseEWMA: true}, StrategyEWMA},
		{Flags{UseRobust: true, UseAdaptive: true}, StrategyAdaptive},
		{Flags{UseRobust: true, UseEWMA: true}, StrategyEWMA},
		{Flags{UseAdaptive: true, UseEWMA: true}, StrategyEWMA},
		{Flags{UseRobust: true, UseAdaptive: true, UseEWMA: true}, StrategyEWMA},
	}
	for _, tc := range cases {
		if got := ResolveStrategy(tc.flags); got != tc.want {
			t.Fatalf("ResolveStrategy(%+v) = %s, want %s", tc.flags, got, tc.want)
		}
	}
}

func TestEstimateInsufficientData(t *testing.T) {
	for _, strategy := range []Strategy{StrategyStandard, StrategyRobust, StrategyAdaptive, StrategyEWMA} {
		for n := 0; n < DefaultMinSamples; n++ {
			values := make([]float64, n)
			for i := range values {
				values[i] = float64(i)
			}
			_, err := Estimate(timeseries.Daily("hrv", start, values), strategy, DefaultConfig())
			if !errors.Is(err, faults.ErrInsufficientData) {
				t.Fatalf("%s with %d samples: expected InsufficientData, got %v", strategy, n, err)
			}
		}
	}
}

func TestEstimateIgnoresGapsInCount(t *testing.T) {
	values := []float64{1, math.NaN(), 2, math.NaN(), 3, 4, 5, 6}
	if _, err := Estimate(timeseries.Daily("hrv", start, values), StrategyRobust, DefaultConfig()); !errors.Is(err, faults.ErrInsufficientData) {
		t.Fatalf("6 observed days must not produce a baseline, got %v", err)
	}
}

func TestRobustResistsOutlier(t *testing.T) {
	values := []float64{10, 11, 9, 10, 12, 8, 10, 11, 9, 500}
	b, err := Estimate(timeseries.Daily("resting_hr", start, values), StrategyRobust, DefaultConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.Center != 10 {
		t.Fatalf("median should be 10, got %v", b.Center)
	}
	if b.Spread > 2 {
		t.Fatalf("robust spread should ignore the outlier, got %v", b.Spread)
	}

	std, err := Estimate(timeseries.Daily("resting_hr", start, values), StrategyStandard, DefaultConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if std.Spread < 100 {
		t.Fatalf("standard spread should be inflated by the outlier, got %v", std.Spread)
	}
}

func TestAdaptiveWidensNoisyAndNarrowsStable(t *testing.T) {
	stable := []float64{100, 101, 99, 100, 102, 98, 100, 101, 99, 100}
	noisy := []float64{100, 160, 40, 100, 190, 20, 100, 150, 50, 100}

	cfg := DefaultConfig()
	s, err := Estimate(timeseries.Daily("stable", start, stable), StrategyAdaptive, cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	n, err := Estimate(timeseries.Daily("noisy", start, noisy), StrategyAdaptive, cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Factor >= 1 || s.Factor != cfg.MinFactor {
		t.Fatalf("stable series should be narrowed to the min factor, got %v", s.Factor)
	}
	if n.Factor <= 1 {
		t.Fatalf("noisy series should be widened, got %v", n.Factor)
	}
	r, _ := Estimate(timeseries.Daily("noisy", start, noisy), StrategyRobust, cfg)
	if math.Abs(n.Spread-r.Spread*n.Factor) > 1e-9 {
		t.Fatalf("adaptive spread should be robust spread times factor")
	}
}

func TestEWMATracksTrend(t *testing.T) {
	values := make([]float64, 30)
	for i := range values {
		values[i] = 90 - 0.2*float64(i)
	}
	s := timeseries.Daily("weight_kg", start, values)

	e, err := Estimate(s, StrategyEWMA, DefaultConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m, err := Estimate(s, StrategyStandard, DefaultConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	latest := values[len(values)-1]
	if math.Abs(e.Center-latest) >= math.Abs(m.Center-latest) {
		t.Fatalf("ewma center %v should be closer to the latest value %v than the mean %v", e.Center, latest, m.Center)
	}
}

func TestEstimateUnknownStrategy(t *testing.T) {
	values := []float64{1, 2, 3, 4, 5, 6, 7}
	if _, err := Estimate(timeseries.Daily("x", start, values), Strategy("bogus"), DefaultConfig()); err == nil {
		t.Fatal("expected error for unknown strategy")
	}
}

func TestEstimateExcludingDropsHeldOutDay(t *testing.T) {
	values := make([]float64, 31)
	for i := range values {
		values[i] = 10
	}
	values[30] = 100
	s := timeseries.Daily("sleep_quality", start, values)
	spikeDay := start.AddDate(0, 0, 30)

	for _, strategy := range []Strategy{StrategyStandard, StrategyRobust, StrategyAdaptive, StrategyEWMA} {
		b, err := EstimateExcluding(s, spikeDay, strategy, DefaultConfig())
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", strategy, err)
		}
		if math.Abs(b.Center-10) > 1e-9 || math.Abs(b.Spread) > 1e-9 || b.Samples != 30 {
			t.Fatalf("%s: expected the quiet days only, got %+v", strategy, b)
		}
	}
}

func TestEstimateExcludingCountsHeldOutDay(t *testing.T) {
	s := timeseries.Daily("hrv", start, []float64{50, 52, 48, 51, 49, 50, 53})
	b, err := EstimateExcluding(s, start, StrategyRobust, DefaultConfig())
	if err != nil {
		t.Fatalf("seven observations meet the floor even with one held out: %v", err)
	}
	if b.Samples != 6 {
		t.Fatalf("expected 6 samples, got %d", b.Samples)
	}

	short := timeseries.Daily("hrv", start, []float64{50, 52, 48, 51, 49, 50})
	if _, err := EstimateExcluding(short, start, StrategyRobust, DefaultConfig()); !errors.Is(err, faults.ErrInsufficientData) {
		t.Fatalf("expected InsufficientData, got %v", err)
	}
}
