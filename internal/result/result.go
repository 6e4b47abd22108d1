package result

import (
	"time"

	"github.com/shopspring/decimal"
)

// DetailsVersion identifies the documented set of details keys below.
const DetailsVersion = 1

// Details keys read by the severity and explanation collaborators.
const (
	KeyDetailsVersion   = "details_version"
	KeyZScore           = "z_score"
	KeyThreshold        = "threshold"
	KeySpread           = "spread"
	KeyBoundsViolation  = "bounds_violation"
	KeyBaselineStrategy = "baseline_strategy"
	KeyMeanPathLength   = "mean_path_length"
	KeyIsolationScore   = "isolation_score"
	KeyFeatures         = "features"
	KeyPrimaryMetric    = "primary_metric"
	KeyContributions    = "contributions"
)

// DetectorType enumerates anomaly detector variants.
type DetectorType string

const (
	DetectorZScore          DetectorType = "zscore"
	DetectorIsolationForest DetectorType = "isolation_forest"
	DetectorEnsemble        DetectorType = "ensemble"
)

// Severity is the discrete anomaly tier.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

const (
	highFloor   = 0.8
	mediumFloor = 0.5
)

// SeverityFor maps a score in [0,1] to its tier. Lower bounds are inclusive.
func SeverityFor(score float64) Severity {
	switch {
	case score >= highFloor:
		return SeverityHigh
	case score >= mediumFloor:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// Rank orders severities for sorting; higher is more severe.
func (s Severity) Rank() int {
	switch s {
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	}
	return 0
}

// Anomaly is a single flagged observation. Build it with NewAnomaly.
type Anomaly struct {
	OccurredOn    time.Time
	SourceTable   string
	SourceID      string
	MetricName    string
	MetricValue   float64
	BaselineValue float64
	DetectorType  DetectorType
	Severity      Severity
	Score         float64
	Details       map[string]any
}

// AnomalyInput holds constructor fields for NewAnomaly.
type AnomalyInput struct {
	OccurredOn    time.Time
	SourceTable   string
	SourceID      string
	MetricName    string
	MetricValue   float64
	BaselineValue float64
	DetectorType  DetectorType
	Score         float64
	Details       map[string]any
}

// NewAnomaly clamps and rounds the score, derives severity from it and
// guarantees a non-nil details map.
func NewAnomaly(in AnomalyInput) Anomaly {
	score := Round(Clamp01(in.Score), 3)
	details := make(map[string]any, len(in.Details)+1)
	for k, v := range in.Details {
		details[k] = v
	}
	details[KeyDetailsVersion] = DetailsVersion
	return Anomaly{
		OccurredOn:    DateOf(in.OccurredOn),
		SourceTable:   in.SourceTable,
		SourceID:      in.SourceID,
		MetricName:    in.MetricName,
		MetricValue:   in.MetricValue,
		BaselineValue: in.BaselineValue,
		DetectorType:  in.DetectorType,
		Severity:      SeverityFor(score),
		Score:         score,
		Details:       details,
	}
}

// Key identifies an anomaly for deduplication.
func (a Anomaly) Key() string {
	return a.OccurredOn.Format(time.DateOnly) + "|" + a.MetricName + "|" + string(a.DetectorType)
}

// Clamp01 bounds v to [0,1]; NaN maps to 0.
func Clamp01(v float64) float64 {
	if v != v || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Round rounds half away from zero to the given number of places.
func Round(v float64, places int32) float64 {
	if v != v {
		return v
	}
	return decimal.NewFromFloat(v).Round(places).InexactFloat64()
}

// DateOf truncates t to its UTC calendar date.
func DateOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
