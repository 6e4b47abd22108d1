package anomaly

import (
	"context"
	"errors"
	"math"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"healthsignals/internal/faults"
	"healthsignals/internal/result"
	"healthsignals/internal/timeseries"
)

func outlierSeries() timeseries.Series {
	values := make([]float64, 60)
	for i := range values {
		values[i] = 70 + 2*math.Sin(float64(i))
	}
	values[40] = 120
	return timeseries.Daily("hrv", start, values)
}

func TestIsolationForestFlagsOutlier(t *testing.T) {
	got, err := IsolationForest{}.Detect(context.Background(), Input{Series: outlierSeries()}, DefaultConfig())
	require.NoError(t, err)
	require.NotEmpty(t, got)

	found := false
	for _, a := range got {
		assert.Equal(t, result.DetectorIsolationForest, a.DetectorType)
		assert.GreaterOrEqual(t, a.Score, 0.6)
		assert.Contains(t, a.Details, result.KeyMeanPathLength)
		if a.OccurredOn.Equal(start.AddDate(0, 0, 40)) {
			found = true
			assert.Equal(t, 120.0, a.MetricValue)
		}
	}
	assert.True(t, found, "the 120 day should be isolated")
	assert.LessOrEqual(t, len(got), 3, "at most the top 5% of 60 days")
}

func TestIsolationForestDeterministic(t *testing.T) {
	cfg := DefaultConfig()
	first, err := IsolationForest{}.Detect(context.Background(), Input{Series: outlierSeries()}, cfg)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		again, err := IsolationForest{}.Detect(context.Background(), Input{Series: outlierSeries()}, cfg)
		require.NoError(t, err)
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("run %d differs from the first run", i)
		}
	}
}

func TestIsolationForestInsufficientData(t *testing.T) {
	s := timeseries.Daily("hrv", start, []float64{1, 2, 3, 4, 5})
	_, err := IsolationForest{}.Detect(context.Background(), Input{Series: s}, DefaultConfig())
	if !errors.Is(err, faults.ErrInsufficientData) {
		t.Fatalf("expected InsufficientData, got %v", err)
	}
}

func TestAveragePathLength(t *testing.T) {
	assert.Equal(t, 0.0, averagePathLength(1))
	assert.Equal(t, 1.0, averagePathLength(2))
	assert.InDelta(t, 2*(math.Log(255)+eulerGamma)-2*255.0/256, averagePathLength(256), 1e-9)
}

func multivariateSet() timeseries.Set {
	n := 40
	a := make([]float64, n)
	b := make([]float64, n)
	c := make([]float64, n)
	for i := 0; i < n; i++ {
		x := float64(i)
		a[i] = 7 + 0.5*math.Sin(x)
		b[i] = 70 + 3*math.Cos(x)
		c[i] = 2000 + 100*math.Sin(x/2)
	}
	a[25], b[25], c[25] = 3, 95, 3500
	return timeseries.Set{
		"sleep_hours":    timeseries.Daily("sleep_hours", start, a),
		"resting_hr":     timeseries.Daily("resting_hr", start, b),
		"total_calories": timeseries.Daily("total_calories", start, c),
	}
}

func TestMultivariateForest(t *testing.T) {
	cfg := DefaultConfig()
	got, err := MultivariateForest{}.Detect(context.Background(), Input{Set: multivariateSet()}, cfg)
	require.NoError(t, err)
	require.NotEmpty(t, got)

	var hit *result.Anomaly
	for i := range got {
		assert.Equal(t, MultivariateMetric, got[i].MetricName)
		if got[i].OccurredOn.Equal(start.AddDate(0, 0, 25)) {
			hit = &got[i]
		}
	}
	require.NotNil(t, hit, "day 25 should be flagged")
	assert.Contains(t, hit.Details, result.KeyPrimaryMetric)
	contributions, ok := hit.Details[result.KeyContributions].([]Contribution)
	require.True(t, ok)
	assert.Len(t, contributions, 3)
	assert.Equal(t, hit.Details[result.KeyPrimaryMetric], contributions[0].Metric)
}

func TestMultivariateNeedsThreeMetrics(t *testing.T) {
	set := multivariateSet()
	delete(set, "total_calories")
	_, err := MultivariateForest{}.Detect(context.Background(), Input{Set: set}, DefaultConfig())
	if !errors.Is(err, faults.ErrInsufficientData) {
		t.Fatalf("expected InsufficientData, got %v", err)
	}
}

func TestDetectHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := IsolationForest{}.Detect(ctx, Input{Series: outlierSeries()}, DefaultConfig())
	assert.ErrorIs(t, err, context.Canceled)
}
