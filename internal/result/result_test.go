package result

import (
	"math"
	"testing"
	"time"
)

func TestSeverityThresholds(t *testing.T) {
	cases := []struct {
		score float64
		want  Severity
	}{
		{0, SeverityLow},
		{0.4999, SeverityLow},
		{0.5, SeverityMedium},
		{0.7999, SeverityMedium},
		{0.8, SeverityHigh},
		{1, SeverityHigh},
	}
	for _, tc := range cases {
		if got := SeverityFor(tc.score); got != tc.want {
			t.Fatalf("SeverityFor(%v) = %s, want %s", tc.score, got, tc.want)
		}
	}
}

func TestSeverityMonotonic(t *testing.T) {
	prev := SeverityFor(0).Rank()
	for i := 1; i <= 1000; i++ {
		rank := SeverityFor(float64(i) / 1000).Rank()
		if rank < prev {
			t.Fatalf("severity decreased at score %v", float64(i)/1000)
		}
		prev = rank
	}
}

func TestNewAnomalyDerivesSeverity(t *testing.T) {
	a := NewAnomaly(AnomalyInput{
		OccurredOn:   time.Date(2024, 3, 9, 17, 30, 0, 0, time.UTC),
		MetricName:   "resting_hr",
		DetectorType: DetectorZScore,
		Score:        0.81234,
	})
	if a.Score != 0.812 {
		t.Fatalf("score should be rounded to 3 places, got %v", a.Score)
	}
	if a.Severity != SeverityHigh {
		t.Fatalf("expected high severity, got %s", a.Severity)
	}
	if a.Details == nil || a.Details[KeyDetailsVersion] != DetailsVersion {
		t.Fatalf("details should be initialised with version, got %#v", a.Details)
	}
	if a.OccurredOn.Hour() != 0 {
		t.Fatalf("occurred_on should be a calendar date, got %s", a.OccurredOn)
	}
}

func TestNewAnomalyClampsScore(t *testing.T) {
	if got := NewAnomaly(AnomalyInput{Score: 3}).Score; got != 1 {
		t.Fatalf("expected clamp to 1, got %v", got)
	}
	if got := NewAnomaly(AnomalyInput{Score: math.NaN()}).Score; got != 0 {
		t.Fatalf("expected NaN to map to 0, got %v", got)
	}
}

func TestPValueUnsupported(t *testing.T) {
	p := Unsupported()
	if p.Supported || p.Below(0.05) {
		t.Fatal("unsupported p-value must never be significant")
	}
	if p.String() != "unsupported" {
		t.Fatalf("unexpected string %q", p.String())
	}
	if !P(0.01).Below(0.05) {
		t.Fatal("0.01 should be below 0.05")
	}
}

func TestPairKeyUnordered(t *testing.T) {
	if PairKey("sleep_hours", "hrv") != PairKey("hrv", "sleep_hours") {
		t.Fatal("pair key must be order independent")
	}
}
