package result

import (
	"math"
	"strconv"
)

// CorrelationType enumerates correlation detector families.
type CorrelationType string

const (
	CorrelationPearson           CorrelationType = "pearson"
	CorrelationSpearman          CorrelationType = "spearman"
	CorrelationCross             CorrelationType = "cross_correlation"
	CorrelationGranger           CorrelationType = "granger_causality"
	CorrelationMutualInformation CorrelationType = "mutual_information"
)

// Tested reports whether the family carries a closed-form significance test.
func (t CorrelationType) Tested() bool {
	switch t {
	case CorrelationPearson, CorrelationSpearman, CorrelationGranger:
		return true
	}
	return false
}

// Linear reports whether Strength carries a sign.
func (t CorrelationType) Linear() bool {
	switch t {
	case CorrelationPearson, CorrelationSpearman, CorrelationCross:
		return true
	}
	return false
}

// Direction describes granger causal direction.
type Direction string

const (
	DirectionNone          Direction = "none"
	DirectionACausesB      Direction = "a_causes_b"
	DirectionBCausesA      Direction = "b_causes_a"
	DirectionBidirectional Direction = "bidirectional"
)

// PValue is an optional significance level. Methods without a closed-form
// test report Unsupported() rather than a fabricated number.
type PValue struct {
	Value     float64
	Supported bool
}

// P returns a supported p-value.
func P(v float64) PValue { return PValue{Value: v, Supported: true} }

// Unsupported returns the explicit "no test" marker.
func Unsupported() PValue { return PValue{} }

// Below reports whether a supported p-value is under alpha.
func (p PValue) Below(alpha float64) bool {
	return p.Supported && p.Value < alpha
}

func (p PValue) String() string {
	if !p.Supported {
		return "unsupported"
	}
	return formatFloat(p.Value)
}

// Label is a coarse strength bucket.
type Label string

const (
	LabelStrongPositive   Label = "strong_positive"
	LabelModeratePositive Label = "moderate_positive"
	LabelWeakPositive     Label = "weak_positive"
	LabelNegligible       Label = "negligible"
	LabelWeakNegative     Label = "weak_negative"
	LabelModerateNegative Label = "moderate_negative"
	LabelStrongNegative   Label = "strong_negative"
)

// LabelFor buckets a signed strength.
func LabelFor(v float64) Label {
	switch {
	case v >= 0.7:
		return LabelStrongPositive
	case v >= 0.4:
		return LabelModeratePositive
	case v >= 0.2:
		return LabelWeakPositive
	case v >= -0.2:
		return LabelNegligible
	case v >= -0.4:
		return LabelWeakNegative
	case v >= -0.7:
		return LabelModerateNegative
	default:
		return LabelStrongNegative
	}
}

// Correlation is one detector's (or the aggregator's) verdict for a metric pair.
type Correlation struct {
	MetricA     string
	MetricB     string
	Type        CorrelationType
	Strength    float64
	LagDays     int
	PValue      PValue
	SampleSize  int
	Confidence  float64
	Significant bool
	Direction   Direction
	FStat       float64
	Agreement   int
	Actionable  bool
	Label       Label
	Details     map[string]any
}

// PairKey is the unordered key for a metric pair.
func PairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "~" + b
}

// PairKey returns the unordered pair key of c.
func (c Correlation) PairKey() string { return PairKey(c.MetricA, c.MetricB) }

func formatFloat(v float64) string {
	if math.IsNaN(v) {
		return "NaN"
	}
	return strconv.FormatFloat(v, 'g', 4, 64)
}
