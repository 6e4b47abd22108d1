package correlation

import (
	"math"
	"sort"

	"healthsignals/internal/result"
)

// Composite confidence weights. Families with a closed-form test outweigh
// the untested lag scan and mutual information.
const (
	WeightPearson           = 1.0
	WeightSpearman          = 1.0
	WeightGranger           = 1.0
	WeightCrossCorrelation  = 0.5
	WeightMutualInformation = 0.4
)

var weights = map[result.CorrelationType]float64{
	result.CorrelationPearson:           WeightPearson,
	result.CorrelationSpearman:          WeightSpearman,
	result.CorrelationGranger:           WeightGranger,
	result.CorrelationCross:             WeightCrossCorrelation,
	result.CorrelationMutualInformation: WeightMutualInformation,
}

// priority orders families for presentation; directional and lagged findings
// say more about what to change than same-day association.
var priority = map[result.CorrelationType]int{
	result.CorrelationGranger:           4,
	result.CorrelationCross:             3,
	result.CorrelationPearson:           2,
	result.CorrelationSpearman:          2,
	result.CorrelationMutualInformation: 1,
}

// Actionability thresholds.
const (
	actionableStrength   = 0.7
	actionableLagged     = 0.5
	actionableConfidence = 0.6
	actionableModerate   = 0.5
)

// family groups pearson and spearman, which share one input view.
func family(t result.CorrelationType) string {
	if t == result.CorrelationSpearman {
		return string(result.CorrelationPearson)
	}
	return string(t)
}

// Aggregate merges every detector result for one metric pair into a single
// verdict. It reports false when nothing survives the sample floors.
func Aggregate(results []result.Correlation, cfg Config) (result.Correlation, bool) {
	kept := make([]result.Correlation, 0, len(results))
	for _, r := range results {
		if r.SampleSize >= cfg.FloorFor(r.Type) {
			kept = append(kept, r)
		}
	}
	if len(kept) == 0 {
		return result.Correlation{}, false
	}

	metricA, metricB := orientation(kept)
	best := make(map[result.CorrelationType]result.Correlation)
	significant := make(map[string]bool)
	var aToB, bToA bool
	for _, r := range kept {
		if cur, ok := best[r.Type]; !ok || r.Confidence > cur.Confidence {
			best[r.Type] = r
		}
		if r.Significant {
			significant[family(r.Type)] = true
		}
		if r.Type == result.CorrelationGranger {
			if r.Significant && r.MetricA == metricA {
				aToB = true
			}
			if r.Significant && r.MetricA == metricB {
				bToA = true
			}
		}
	}

	var sum, norm float64
	families := make(map[string]float64, len(best))
	for t, r := range best {
		sum += weights[t] * r.Confidence
		norm += weights[t]
		families[string(t)] = r.Strength
	}
	confidence := 0.0
	if norm > 0 {
		confidence = sum / norm
	}

	lead := leadResult(kept)
	primary := lead
	for _, r := range kept {
		if r.Significant && (!primary.Significant || priority[r.Type] > priority[primary.Type]) {
			primary = r
		}
	}

	merged := result.Correlation{
		MetricA:     metricA,
		MetricB:     metricB,
		Type:        primary.Type,
		Strength:    lead.Strength,
		LagDays:     lead.LagDays,
		PValue:      pickPValue(primary, lead, kept),
		SampleSize:  maxSamples(kept),
		Confidence:  result.Round(confidence, 4),
		Significant: len(significant) > 0,
		Direction:   direction(aToB, bToA, primary),
		FStat:       primary.FStat,
		Agreement:   len(significant),
		Label:       result.LabelFor(lead.Strength),
		Details: map[string]any{
			"families":        families,
			"strength_source": string(lead.Type),
			"lower_trust":     len(significant) > 0 && !significant[string(result.CorrelationPearson)] && !significant[string(result.CorrelationGranger)],
		},
	}
	if g, ok := best[result.CorrelationGranger]; ok {
		merged.Details["granger_lag_order"] = g.LagDays
	}
	merged.Actionable = actionable(merged, kept)
	return merged, true
}

// orientation takes the pair order from the first undirected result.
func orientation(rs []result.Correlation) (string, string) {
	for _, r := range rs {
		if r.Type != result.CorrelationGranger {
			return r.MetricA, r.MetricB
		}
	}
	return rs[0].MetricA, rs[0].MetricB
}

// leadResult picks the result whose strength and lag represent the pair.
// Results at the same lag describe the same alignment, so a sign conflict
// between them is settled first: a tested statistic beats an untested one
// and a lower p-value beats a higher one. Across lags the strongest
// association wins, the shorter lag on a tie.
func leadResult(rs []result.Correlation) result.Correlation {
	byLag := make(map[int][]result.Correlation)
	for _, r := range rs {
		if r.Type.Linear() {
			byLag[r.LagDays] = append(byLag[r.LagDays], r)
		}
	}
	if len(byLag) == 0 {
		lead := rs[0]
		for _, r := range rs[1:] {
			if r.Confidence > lead.Confidence {
				lead = r
			}
		}
		return lead
	}

	leads := make([]result.Correlation, 0, len(byLag))
	for _, group := range byLag {
		leads = append(leads, sameLagLead(group))
	}
	sort.Slice(leads, func(i, j int) bool {
		a, b := leads[i], leads[j]
		if math.Abs(a.Strength) != math.Abs(b.Strength) {
			return math.Abs(a.Strength) > math.Abs(b.Strength)
		}
		if absInt(a.LagDays) != absInt(b.LagDays) {
			return absInt(a.LagDays) < absInt(b.LagDays)
		}
		return a.LagDays < b.LagDays
	})
	return leads[0]
}

func sameLagLead(signed []result.Correlation) result.Correlation {
	var pos, neg bool
	for _, r := range signed {
		pos = pos || r.Strength > 0
		neg = neg || r.Strength < 0
	}
	disagree := pos && neg
	sort.SliceStable(signed, func(i, j int) bool {
		a, b := signed[i], signed[j]
		if disagree {
			if a.PValue.Supported != b.PValue.Supported {
				return a.PValue.Supported
			}
			if a.PValue.Supported && a.PValue.Value != b.PValue.Value {
				return a.PValue.Value < b.PValue.Value
			}
		}
		return math.Abs(a.Strength) > math.Abs(b.Strength)
	})
	return signed[0]
}

func absInt(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

func pickPValue(primary, lead result.Correlation, rs []result.Correlation) result.PValue {
	if primary.PValue.Supported {
		return primary.PValue
	}
	if lead.PValue.Supported {
		return lead.PValue
	}
	p := result.Unsupported()
	for _, r := range rs {
		if r.PValue.Supported && (!p.Supported || r.PValue.Value < p.Value) {
			p = r.PValue
		}
	}
	return p
}

func direction(aToB, bToA bool, primary result.Correlation) result.Direction {
	switch {
	case aToB && bToA:
		return result.DirectionBidirectional
	case aToB:
		return result.DirectionACausesB
	case bToA:
		return result.DirectionBCausesA
	}
	// untested fallback: a significant lag says which metric moves first
	if primary.Type == result.CorrelationCross && primary.Significant {
		switch {
		case primary.LagDays > 0:
			return result.DirectionACausesB
		case primary.LagDays < 0:
			return result.DirectionBCausesA
		}
	}
	return result.DirectionNone
}

func actionable(merged result.Correlation, rs []result.Correlation) bool {
	if !merged.Significant {
		return false
	}
	if math.Abs(merged.Strength) >= actionableStrength {
		return true
	}
	for _, r := range rs {
		if r.Type == result.CorrelationGranger && r.Significant && r.Direction != result.DirectionNone {
			return true
		}
		if r.Type == result.CorrelationCross && r.LagDays != 0 && math.Abs(r.Strength) >= actionableLagged {
			return true
		}
	}
	return merged.Confidence >= actionableConfidence && math.Abs(merged.Strength) >= actionableModerate
}

func maxSamples(rs []result.Correlation) int {
	n := 0
	for _, r := range rs {
		n = max(n, r.SampleSize)
	}
	return n
}

// Rank orders merged verdicts: actionable first, then by agreement, family
// priority and confidence.
func Rank(rs []result.Correlation) {
	sort.SliceStable(rs, func(i, j int) bool {
		a, b := rs[i], rs[j]
		if a.Actionable != b.Actionable {
			return a.Actionable
		}
		if a.Agreement != b.Agreement {
			return a.Agreement > b.Agreement
		}
		if priority[a.Type] != priority[b.Type] {
			return priority[a.Type] > priority[b.Type]
		}
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		return a.PairKey() < b.PairKey()
	})
}

// Shortlist drops verdicts below MinConfidence and ranks the rest.
func Shortlist(rs []result.Correlation, cfg Config) []result.Correlation {
	out := make([]result.Correlation, 0, len(rs))
	for _, r := range rs {
		if r.Confidence >= cfg.MinConfidence {
			out = append(out, r)
		}
	}
	Rank(out)
	return out
}
