package correlation

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"healthsignals/internal/result"
	"healthsignals/internal/timeseries"
)

var start = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

// lcg is a reproducible uniform source in [0,1).
type lcg uint64

func (l *lcg) next() float64 {
	*l = *l*6364136223846793005 + 1442695040888963407
	return float64(uint64(*l)>>11) / (1 << 53)
}

func sinePair() (timeseries.Series, timeseries.Series) {
	n := 60
	w := 2 * math.Pi / 12
	a := make([]float64, n)
	b := make([]float64, n)
	for t := 0; t < n; t++ {
		a[t] = math.Sin(w * float64(t))
		b[t] = math.Sin(w * float64(t-3))
	}
	return timeseries.Daily("exercise_minutes", start, a), timeseries.Daily("sleep_quality", start, b)
}

func find(rs []result.Correlation, t result.CorrelationType, metricA string) *result.Correlation {
	for i := range rs {
		if rs[i].Type == t && rs[i].MetricA == metricA {
			return &rs[i]
		}
	}
	return nil
}

func TestCrossCorrelationFindsLag(t *testing.T) {
	a, b := sinePair()
	ctx := context.Background()
	cfg := DefaultConfig()

	cross, err := CrossCorrelation{}.Detect(ctx, a, b, cfg)
	require.NoError(t, err)
	require.Len(t, cross, 1)
	assert.Equal(t, 3, cross[0].LagDays)
	assert.InDelta(t, 1.0, cross[0].Strength, 1e-3)
	assert.False(t, cross[0].PValue.Supported, "uncorrected lag scan must not carry a p-value")
	assert.Equal(t, true, cross[0].Details["lower_trust"])

	linear, err := PearsonSpearman{}.Detect(ctx, a, b, cfg)
	require.NoError(t, err)
	pearson := find(linear, result.CorrelationPearson, a.Metric)
	require.NotNil(t, pearson)
	assert.Less(t, math.Abs(pearson.Strength), 0.1)
	assert.False(t, pearson.Significant)
	assert.True(t, pearson.PValue.Supported)
}

func TestUnitSineLagBeatsSameDayPearson(t *testing.T) {
	n := 60
	a := make([]float64, n)
	b := make([]float64, n)
	for i := 0; i < n; i++ {
		a[i] = math.Sin(float64(i))
		b[i] = math.Sin(float64(i) - 3)
	}
	sa, sb := timeseries.Daily("exercise_minutes", start, a), timeseries.Daily("sleep_quality", start, b)
	ctx := context.Background()
	cfg := DefaultConfig()

	cross, err := CrossCorrelation{}.Detect(ctx, sa, sb, cfg)
	require.NoError(t, err)
	require.Len(t, cross, 1)
	assert.Equal(t, 3, cross[0].LagDays)
	assert.InDelta(t, 1.0, cross[0].Strength, 1e-3)

	linear, err := PearsonSpearman{}.Detect(ctx, sa, sb, cfg)
	require.NoError(t, err)
	pearson := find(linear, result.CorrelationPearson, sa.Metric)
	require.NotNil(t, pearson)
	// sin(t) against sin(t-3) on the same day tracks cos(3), about -0.99.
	assert.Less(t, pearson.Strength, -0.9)
	assert.Less(t, pearson.Strength, cross[0].Strength-1.5)

	all := append(linear, cross...)
	if granger, err := (Granger{}).Detect(ctx, sa, sb, cfg); err == nil {
		all = append(all, granger...)
	}
	merged, ok := Aggregate(all, cfg)
	require.True(t, ok)
	assert.Equal(t, 3, merged.LagDays)
	assert.InDelta(t, 1.0, merged.Strength, 1e-3)
	assert.Equal(t, string(result.CorrelationCross), merged.Details["strength_source"])
}

func TestPearsonSpearmanEmitsBoth(t *testing.T) {
	n := 30
	a := make([]float64, n)
	b := make([]float64, n)
	for i := range a {
		a[i] = float64(i)
		b[i] = math.Exp(float64(i) / 5)
	}
	got, err := PearsonSpearman{}.Detect(context.Background(),
		timeseries.Daily("total_protein_g", start, a), timeseries.Daily("weight_kg", start, b), DefaultConfig())
	require.NoError(t, err)
	require.Len(t, got, 2)

	spearman := find(got, result.CorrelationSpearman, "total_protein_g")
	pearson := find(got, result.CorrelationPearson, "total_protein_g")
	require.NotNil(t, spearman)
	require.NotNil(t, pearson)
	assert.InDelta(t, 1.0, spearman.Strength, 1e-9)
	assert.Less(t, pearson.Strength, spearman.Strength)
	assert.True(t, spearman.Significant)
	assert.Equal(t, result.LabelStrongPositive, spearman.Label)
}

func TestGrangerDirection(t *testing.T) {
	n := 90
	g := lcg(7)
	a := make([]float64, n)
	b := make([]float64, n)
	for i := range a {
		a[i] = g.next() - 0.5
	}
	for i := range b {
		e := g.next() - 0.5
		if i >= 2 {
			b[i] = a[i-2] + 0.3*e
		} else {
			b[i] = e
		}
	}
	sa, sb := timeseries.Daily("total_sugar_g", start, a), timeseries.Daily("blood_glucose_fasting", start, b)

	got, err := Granger{}.Detect(context.Background(), sa, sb, DefaultConfig())
	require.NoError(t, err)
	require.Len(t, got, 2)

	ab := find(got, result.CorrelationGranger, sa.Metric)
	ba := find(got, result.CorrelationGranger, sb.Metric)
	require.NotNil(t, ab)
	require.NotNil(t, ba)

	assert.True(t, ab.Significant)
	assert.Equal(t, result.DirectionACausesB, ab.Direction)
	assert.Less(t, ab.PValue.Value, 0.001)
	assert.GreaterOrEqual(t, ab.LagDays, 2)

	assert.False(t, ba.Significant)
	assert.Equal(t, result.DirectionNone, ba.Direction)
	assert.Greater(t, ba.PValue.Value, 0.05)
}

func TestMutualInformationNonLinear(t *testing.T) {
	n := 60
	x := make([]float64, n)
	y := make([]float64, n)
	for i := range x {
		x[i] = -1 + 2*float64(i)/float64(n-1)
		y[i] = x[i] * x[i]
	}
	a, b := timeseries.Daily("exercise_intensity_avg", start, x), timeseries.Daily("hrv", start, y)
	ctx := context.Background()

	mi, err := MutualInformation{}.Detect(ctx, a, b, DefaultConfig())
	require.NoError(t, err)
	require.Len(t, mi, 1)
	assert.Greater(t, mi[0].Strength, 0.8)
	assert.True(t, mi[0].Significant)
	assert.False(t, mi[0].PValue.Supported, "mutual information has no closed-form test")

	linear, err := PearsonSpearman{}.Detect(ctx, a, b, DefaultConfig())
	require.NoError(t, err)
	pearson := find(linear, result.CorrelationPearson, a.Metric)
	require.NotNil(t, pearson)
	assert.Less(t, math.Abs(pearson.Strength), 0.1)
}

func TestMutualInformationNoise(t *testing.T) {
	n := 60
	g := lcg(11)
	x := make([]float64, n)
	y := make([]float64, n)
	for i := range x {
		x[i] = g.next()
	}
	for i := range y {
		y[i] = g.next()
	}
	got, err := MutualInformation{}.Detect(context.Background(),
		timeseries.Daily("sleep_hours", start, x), timeseries.Daily("hrv", start, y), DefaultConfig())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.False(t, got[0].Significant)
}

func TestMutualInformationHistogram(t *testing.T) {
	n := 60
	x := make([]float64, n)
	y := make([]float64, n)
	for i := range x {
		x[i] = float64(i % 10)
		y[i] = 2 * x[i]
	}
	cfg := DefaultConfig()
	cfg.MIEstimator = EstimatorHistogram
	got, err := MutualInformation{}.Detect(context.Background(),
		timeseries.Daily("sleep_hours", start, x), timeseries.Daily("sleep_quality", start, y), cfg)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, EstimatorHistogram, got[0].Details["estimator"])
	assert.False(t, got[0].PValue.Supported)
	assert.Greater(t, got[0].Strength, 0.0)
	assert.LessOrEqual(t, got[0].Strength, 1.0)
}

func TestDetectorsDeclineBelowFloor(t *testing.T) {
	short := func(metric string) timeseries.Series {
		return timeseries.Daily(metric, start, []float64{1, 3, 2, 5, 4, 6, 8, 7, 9, 10})
	}
	a, b := short("sleep_hours"), short("resting_hr")
	for _, name := range ListDetectors() {
		d, err := GetDetector(name)
		require.NoError(t, err)
		got, err := d.Detect(context.Background(), a, b, DefaultConfig())
		assert.NoError(t, err, name)
		assert.Nil(t, got, name)
	}
}

func TestConstantSeriesDeclines(t *testing.T) {
	values := make([]float64, 30)
	for i := range values {
		values[i] = 8
	}
	a := timeseries.Daily("sleep_hours", start, values)
	b, _ := sinePair()
	for _, name := range ListDetectors() {
		d, _ := GetDetector(name)
		got, err := d.Detect(context.Background(), a, b, DefaultConfig())
		assert.NoError(t, err, name)
		for _, r := range got {
			assert.False(t, math.IsNaN(r.Strength), name)
			assert.False(t, r.Significant, name)
		}
	}
}

func TestRegistry(t *testing.T) {
	assert.Equal(t, []string{"cross_correlation", "granger_causality", "mutual_information", "pearson"}, ListDetectors())
	_, err := GetDetector("kendall")
	assert.Error(t, err)
}
