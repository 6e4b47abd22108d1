package anomaly

import (
	"sort"
	"time"

	"healthsignals/internal/result"
)

// EnsembleConfig weights detector agreement.
type EnsembleConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	ZScoreWeight float64 `mapstructure:"zscore_weight"`
	ForestWeight float64 `mapstructure:"iforest_weight"`
	MaxAnomalies int     `mapstructure:"max_anomalies"`
}

// DefaultEnsembleConfig returns ensemble defaults.
func DefaultEnsembleConfig() EnsembleConfig {
	return EnsembleConfig{Enabled: true, ZScoreWeight: 0.4, ForestWeight: 0.6, MaxAnomalies: 50}
}

// Combine merges finished detector outputs. On days flagged by both the
// z-score and a forest detector it adds an ensemble anomaly and keeps the
// z-score findings in place of the forest ones. The result is deduplicated
// by (date, metric, detector), ranked by severity, score and recency, and
// capped at MaxAnomalies.
func Combine(anomalies []result.Anomaly, cfg EnsembleConfig) []result.Anomaly {
	byDate := make(map[time.Time][]result.Anomaly)
	dates := make([]time.Time, 0)
	for _, a := range anomalies {
		if _, ok := byDate[a.OccurredOn]; !ok {
			dates = append(dates, a.OccurredOn)
		}
		byDate[a.OccurredOn] = append(byDate[a.OccurredOn], a)
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })

	combined := make([]result.Anomaly, 0, len(anomalies))
	for _, date := range dates {
		day := byDate[date]
		var zs, fs []result.Anomaly
		for _, a := range day {
			switch a.DetectorType {
			case result.DetectorZScore:
				zs = append(zs, a)
			case result.DetectorIsolationForest:
				fs = append(fs, a)
			}
		}
		if cfg.Enabled && len(zs) > 0 && len(fs) > 0 {
			combined = append(combined, ensembleAnomaly(zs, fs, cfg))
			combined = append(combined, zs...)
			for _, a := range day {
				if a.DetectorType != result.DetectorZScore && a.DetectorType != result.DetectorIsolationForest {
					combined = append(combined, a)
				}
			}
			continue
		}
		combined = append(combined, day...)
	}

	seen := make(map[string]struct{}, len(combined))
	unique := combined[:0]
	for _, a := range combined {
		if _, dup := seen[a.Key()]; dup {
			continue
		}
		seen[a.Key()] = struct{}{}
		unique = append(unique, a)
	}

	Rank(unique)
	if cfg.MaxAnomalies > 0 && len(unique) > cfg.MaxAnomalies {
		unique = unique[:cfg.MaxAnomalies]
	}
	return unique
}

// Rank sorts by severity, score, date (all descending), then metric name.
func Rank(anomalies []result.Anomaly) {
	sort.SliceStable(anomalies, func(i, j int) bool {
		a, b := anomalies[i], anomalies[j]
		if a.Severity.Rank() != b.Severity.Rank() {
			return a.Severity.Rank() > b.Severity.Rank()
		}
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.OccurredOn.Equal(b.OccurredOn) {
			return a.OccurredOn.After(b.OccurredOn)
		}
		if a.MetricName != b.MetricName {
			return a.MetricName < b.MetricName
		}
		return a.DetectorType < b.DetectorType
	})
}

func ensembleAnomaly(zs, fs []result.Anomaly, cfg EnsembleConfig) result.Anomaly {
	pz, pf := strongest(zs), strongest(fs)
	name := pz.MetricName + "+multivariate"
	for _, f := range fs {
		if f.MetricName == pz.MetricName {
			name = pz.MetricName
			break
		}
	}
	metrics := make([]string, 0, len(zs))
	for _, z := range zs {
		metrics = append(metrics, z.MetricName)
	}
	sort.Strings(metrics)

	return result.NewAnomaly(result.AnomalyInput{
		OccurredOn:    pz.OccurredOn,
		SourceTable:   pz.SourceTable,
		SourceID:      pz.SourceID,
		MetricName:    name,
		MetricValue:   pz.MetricValue,
		BaselineValue: pz.BaselineValue,
		DetectorType:  result.DetectorEnsemble,
		Score:         cfg.ZScoreWeight*pz.Score + cfg.ForestWeight*pf.Score,
		Details: map[string]any{
			"zscore_score":        pz.Score,
			"iforest_score":       pf.Score,
			"zscore_metrics":      metrics,
			"iforest_metric":      pf.MetricName,
			"detection_agreement": true,
		},
	})
}

func strongest(items []result.Anomaly) result.Anomaly {
	best := items[0]
	for _, a := range items[1:] {
		if a.Score > best.Score || (a.Score == best.Score && a.MetricName < best.MetricName) {
			best = a
		}
	}
	return best
}
