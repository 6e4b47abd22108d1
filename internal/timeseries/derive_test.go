package timeseries

import (
	"math"
	"testing"
)

func TestDeriveAddsComputedFeatures(t *testing.T) {
	set := Set{
		"total_protein_g": Daily("total_protein_g", start, []float64{100, 120}),
		"total_calories":  Daily("total_calories", start, []float64{2000, 0}),
		"bp_systolic":     Daily("bp_systolic", start, []float64{120}),
		"bp_diastolic":    Daily("bp_diastolic", start, []float64{80}),
		"weight_kg":       Daily("weight_kg", start, []float64{80, 80, 80, 80, 80, 80, 80, 79}),
	}

	out := Derive(set)

	ratio := out["protein_ratio"]
	if ratio.Len() != 1 || math.Abs(ratio.Points[0].Value-0.2) > 1e-12 {
		t.Fatalf("protein_ratio should skip zero calories, got %#v", ratio.Points)
	}
	if ratio.SourceTable != TableDerived {
		t.Fatalf("derived series should be tagged, got %q", ratio.SourceTable)
	}
	if got := out["bp_mean"].Points[0].Value; math.Abs(got-280.0/3) > 1e-9 {
		t.Fatalf("bp_mean want 93.33, got %v", got)
	}
	wc := out["weight_change_7d"]
	if wc.Len() != 1 || wc.Points[0].Value != -1 {
		t.Fatalf("weight_change_7d want [-1], got %#v", wc.Points)
	}
	if _, ok := set["bp_mean"]; ok {
		t.Fatal("Derive must not mutate its input")
	}
}

func TestDeriveRolling(t *testing.T) {
	set := Set{"sleep_hours": Daily("sleep_hours", start, []float64{6, 8, 7})}
	out := Derive(set)
	avg := out["sleep_hours_7d_avg"]
	if avg.Len() != 3 || avg.Points[1].Value != 7 {
		t.Fatalf("unexpected rolling average %#v", avg.Points)
	}
	dev := out["sleep_hours_deviation"]
	if dev.Points[1].Value != 1 {
		t.Fatalf("deviation want 1, got %v", dev.Points[1].Value)
	}
}

func TestMeaningfulPairs(t *testing.T) {
	set := Set{
		"exercise_minutes": Daily("exercise_minutes", start, []float64{1}),
		"sleep_hours":      Daily("sleep_hours", start, []float64{1}),
		"resting_hr":       Daily("resting_hr", start, []float64{1}),
	}
	pairs := set.MeaningfulPairs()
	want := []Pair{
		{"exercise_minutes", "sleep_hours"},
		{"exercise_minutes", "resting_hr"},
		{"sleep_hours", "resting_hr"},
	}
	if len(pairs) != len(want) {
		t.Fatalf("want %v, got %v", want, pairs)
	}
	for i := range want {
		if pairs[i] != want[i] {
			t.Fatalf("pair %d: want %v, got %v", i, want[i], pairs[i])
		}
	}
}
