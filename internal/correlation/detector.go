// Package correlation finds statistically supported relationships between
// pairs of daily metric series and merges the per-family verdicts for a pair.
package correlation

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"healthsignals/internal/faults"
	"healthsignals/internal/result"
	"healthsignals/internal/timeseries"
)

// Estimators for mutual information.
const (
	EstimatorKSG       = "ksg"
	EstimatorHistogram = "histogram"
)

// Config carries floors, lag windows and thresholds for one run.
type Config struct {
	Alpha             float64  `mapstructure:"significance_level"`
	MinSamples        int      `mapstructure:"min_samples"`
	GrangerMinSamples int      `mapstructure:"granger_min_samples"`
	MIMinSamples      int      `mapstructure:"mi_min_samples"`
	MaxLag            int      `mapstructure:"max_lag"`
	GrangerMaxLag     int      `mapstructure:"granger_max_lag"`
	DifferenceAbove   float64  `mapstructure:"difference_above"`
	CrossThreshold    float64  `mapstructure:"cross_threshold"`
	MIEstimator       string   `mapstructure:"mi_estimator"`
	MINeighbors       int      `mapstructure:"mi_neighbors"`
	MIBins            int      `mapstructure:"mi_bins"`
	MIThreshold       float64  `mapstructure:"mi_threshold"`
	MinConfidence     float64  `mapstructure:"min_confidence"`
	Families          []string `mapstructure:"families"`
}

// DefaultConfig returns correlation defaults.
func DefaultConfig() Config {
	return Config{
		Alpha:             0.05,
		MinSamples:        14,
		GrangerMinSamples: 20,
		MIMinSamples:      20,
		MaxLag:            14,
		GrangerMaxLag:     3,
		DifferenceAbove:   0.9,
		CrossThreshold:    0.5,
		MIEstimator:       EstimatorKSG,
		MINeighbors:       3,
		MIThreshold:       0.4,
		MinConfidence:     0.3,
		Families: []string{
			string(result.CorrelationPearson),
			string(result.CorrelationCross),
			string(result.CorrelationGranger),
			string(result.CorrelationMutualInformation),
		},
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Alpha <= 0 || c.Alpha >= 1 {
		c.Alpha = d.Alpha
	}
	if c.MinSamples <= 2 {
		c.MinSamples = d.MinSamples
	}
	if c.GrangerMinSamples <= 2 {
		c.GrangerMinSamples = d.GrangerMinSamples
	}
	if c.MIMinSamples <= 2 {
		c.MIMinSamples = d.MIMinSamples
	}
	if c.MaxLag < 0 {
		c.MaxLag = d.MaxLag
	}
	if c.GrangerMaxLag <= 0 {
		c.GrangerMaxLag = d.GrangerMaxLag
	}
	if c.DifferenceAbove <= 0 {
		c.DifferenceAbove = d.DifferenceAbove
	}
	if c.CrossThreshold <= 0 {
		c.CrossThreshold = d.CrossThreshold
	}
	if c.MIEstimator == "" {
		c.MIEstimator = d.MIEstimator
	}
	if c.MINeighbors <= 0 {
		c.MINeighbors = d.MINeighbors
	}
	if c.MIThreshold <= 0 {
		c.MIThreshold = d.MIThreshold
	}
	return c
}

// FloorFor is the minimum sample size a result of type t must carry.
func (c Config) FloorFor(t result.CorrelationType) int {
	c = c.withDefaults()
	switch t {
	case result.CorrelationGranger:
		return c.GrangerMinSamples
	case result.CorrelationMutualInformation:
		return c.MIMinSamples
	}
	return c.MinSamples
}

// Detector is implemented by every correlation family. Detect returns no
// results, and no error, when the pair is below the family's sample floor or
// numerically degenerate.
type Detector interface {
	Name() string
	Detect(ctx context.Context, a, b timeseries.Series, cfg Config) ([]result.Correlation, error)
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Detector)
)

// RegisterDetector adds a detector to the registry.
func RegisterDetector(d Detector) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[d.Name()] = d
}

// GetDetector returns a detector by family name.
func GetDetector(name string) (Detector, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if d, ok := registry[name]; ok {
		return d, nil
	}
	return nil, fmt.Errorf("unknown correlation detector: %s", name)
}

// ListDetectors returns registered names in sorted order.
func ListDetectors() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func init() {
	RegisterDetector(PearsonSpearman{})
	RegisterDetector(CrossCorrelation{})
	RegisterDetector(Granger{})
	RegisterDetector(MutualInformation{})
}

// decline turns "not enough usable data" into an empty result.
func decline(err error) ([]result.Correlation, error) {
	if faults.Declined(err) {
		return nil, nil
	}
	return nil, err
}
