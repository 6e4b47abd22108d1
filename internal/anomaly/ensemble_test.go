package anomaly

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"healthsignals/internal/result"
)

func mk(day int, metric string, det result.DetectorType, score float64) result.Anomaly {
	return result.NewAnomaly(result.AnomalyInput{
		OccurredOn:   start.AddDate(0, 0, day),
		MetricName:   metric,
		MetricValue:  1,
		DetectorType: det,
		Score:        score,
	})
}

func TestCombineAddsEnsembleOnAgreement(t *testing.T) {
	in := []result.Anomaly{
		mk(3, "resting_hr", result.DetectorZScore, 0.9),
		mk(3, MultivariateMetric, result.DetectorIsolationForest, 0.7),
		mk(5, "hrv", result.DetectorZScore, 0.6),
	}
	got := Combine(in, DefaultEnsembleConfig())
	require.Len(t, got, 3)

	var ens *result.Anomaly
	for i := range got {
		assert.NotEqual(t, MultivariateMetric, got[i].MetricName, "forest finding on an agreement day is replaced")
		if got[i].DetectorType == result.DetectorEnsemble {
			ens = &got[i]
		}
	}
	require.NotNil(t, ens)
	assert.Equal(t, "resting_hr+multivariate", ens.MetricName)
	assert.InDelta(t, 0.78, ens.Score, 1e-9)
	assert.Equal(t, result.SeverityMedium, ens.Severity)

	// high z-score first, then the ensemble, then the weaker day
	assert.Equal(t, result.DetectorZScore, got[0].DetectorType)
	assert.Equal(t, result.DetectorEnsemble, got[1].DetectorType)
	assert.Equal(t, "hrv", got[2].MetricName)
}

func TestCombineDisabledKeepsEverything(t *testing.T) {
	in := []result.Anomaly{
		mk(3, "resting_hr", result.DetectorZScore, 0.9),
		mk(3, "resting_hr", result.DetectorIsolationForest, 0.7),
	}
	cfg := DefaultEnsembleConfig()
	cfg.Enabled = false
	got := Combine(in, cfg)
	require.Len(t, got, 2)
	for _, a := range got {
		assert.NotEqual(t, result.DetectorEnsemble, a.DetectorType)
	}
}

func TestCombineDedupesAndCaps(t *testing.T) {
	in := make([]result.Anomaly, 0)
	for i := 0; i < 60; i++ {
		a := mk(i, "sleep_hours", result.DetectorZScore, 0.5+float64(i)/200)
		in = append(in, a, a)
	}
	got := Combine(in, DefaultEnsembleConfig())
	require.Len(t, got, 50)

	seen := make(map[string]bool)
	for _, a := range got {
		require.False(t, seen[a.Key()], "duplicate %s", a.Key())
		seen[a.Key()] = true
	}
	assert.True(t, got[0].OccurredOn.Equal(start.AddDate(0, 0, 59)), "strongest and latest first")
}

func TestRankTieBreaks(t *testing.T) {
	a := mk(1, "b", result.DetectorZScore, 0.6)
	b := mk(2, "b", result.DetectorZScore, 0.6)
	c := mk(2, "a", result.DetectorZScore, 0.6)
	items := []result.Anomaly{a, b, c}
	Rank(items)
	assert.Equal(t, "a", items[0].MetricName)
	assert.True(t, items[1].OccurredOn.Equal(start.AddDate(0, 0, 2)))
	assert.True(t, items[2].OccurredOn.Equal(start.AddDate(0, 0, 1)))
}
