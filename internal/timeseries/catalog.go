package timeseries

// Source tables of the raw entries a metric is aggregated from.
const (
	TableSleep    = "sleep_entries"
	TableFood     = "food_entries"
	TableExercise = "exercise_entries"
	TableVitals   = "vital_signs"
	TableBody     = "body_metrics"
	TableChronic  = "chronic_metrics"
	TableDerived  = "derived"
	TableUnknown  = "unknown"
)

var metricTables = map[string]string{
	"sleep_hours":             TableSleep,
	"sleep_quality":           TableSleep,
	"awakenings":              TableSleep,
	"total_calories":          TableFood,
	"total_protein_g":         TableFood,
	"total_carbs_g":           TableFood,
	"total_fats_g":            TableFood,
	"total_sugar_g":           TableFood,
	"exercise_minutes":        TableExercise,
	"exercise_calories":       TableExercise,
	"exercise_intensity_avg":  TableExercise,
	"resting_hr":              TableVitals,
	"hrv":                     TableVitals,
	"bp_systolic":             TableVitals,
	"bp_diastolic":            TableVitals,
	"spo2":                    TableVitals,
	"weight_kg":               TableBody,
	"body_fat_pct":            TableBody,
	"blood_glucose_fasting":   TableChronic,
	"blood_glucose_post_meal": TableChronic,
}

// SourceTableFor returns the raw table a metric comes from.
func SourceTableFor(metric string) string {
	if t, ok := metricTables[metric]; ok {
		return t
	}
	return TableUnknown
}

// Influencers are behaviours likely to drive outcomes.
var Influencers = []string{
	"exercise_minutes", "exercise_calories", "exercise_intensity_avg",
	"total_calories", "total_protein_g", "total_carbs_g", "total_sugar_g", "total_fats_g",
	"sleep_hours", "sleep_quality",
}

// Outcomes are physiological responses.
var Outcomes = []string{
	"sleep_hours", "sleep_quality", "awakenings",
	"resting_hr", "hrv", "bp_systolic", "bp_diastolic",
	"blood_glucose_fasting", "blood_glucose_post_meal",
	"weight_kg", "body_fat_pct",
}

// Pair is an ordered (influencer, outcome) metric pair.
type Pair struct {
	A string
	B string
}

// MeaningfulPairs lists influencer→outcome pairs present in the set, in a
// stable order.
func (set Set) MeaningfulPairs() []Pair {
	pairs := make([]Pair, 0)
	for _, a := range Influencers {
		if _, ok := set[a]; !ok {
			continue
		}
		for _, b := range Outcomes {
			if a == b {
				continue
			}
			if _, ok := set[b]; !ok {
				continue
			}
			pairs = append(pairs, Pair{A: a, B: b})
		}
	}
	return pairs
}
