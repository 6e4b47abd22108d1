// Package anomaly flags individual day/metric observations that deviate from
// a user's personal baseline.
package anomaly

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"healthsignals/internal/baseline"
	"healthsignals/internal/result"
	"healthsignals/internal/timeseries"
)

// Scope tells the orchestrator what a detector consumes.
type Scope int

const (
	// ScopeMetric detectors run once per metric series.
	ScopeMetric Scope = iota
	// ScopeUser detectors run once over the whole metric set.
	ScopeUser
)

// Input is the read-only snapshot handed to a detector.
type Input struct {
	// Series is set for ScopeMetric detectors.
	Series timeseries.Series
	// Baseline, when non-nil, is a fixed external reference. Otherwise each
	// day is scored against a baseline estimated without that day.
	Baseline *baseline.Baseline
	// Set is set for ScopeUser detectors.
	Set timeseries.Set
}

// Config carries every tunable a detector call needs. It is passed per call
// so runs with different settings can execute concurrently.
type Config struct {
	Strategy baseline.Strategy `mapstructure:"-"`
	Baseline baseline.Config   `mapstructure:"baseline"`
	ZScore   ZScoreConfig      `mapstructure:"zscore"`
	Forest   ForestConfig      `mapstructure:"iforest"`
	Ensemble EnsembleConfig    `mapstructure:"ensemble"`
}

// DefaultConfig returns detector defaults.
func DefaultConfig() Config {
	return Config{
		Strategy: baseline.StrategyAdaptive,
		Baseline: baseline.DefaultConfig(),
		ZScore:   DefaultZScoreConfig(),
		Forest:   DefaultForestConfig(),
		Ensemble: DefaultEnsembleConfig(),
	}
}

// Detector is the capability every anomaly detector implements.
type Detector interface {
	// Name is the registry key.
	Name() string
	Type() result.DetectorType
	Scope() Scope
	// Detect never fails on a single bad point; it skips it. Declines are
	// reported as faults.ErrInsufficientData.
	Detect(ctx context.Context, in Input, cfg Config) ([]result.Anomaly, error)
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

// GetDetector returns a detector by name.
func GetDetector(name string) (Detector, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if d, ok := registry[name]; ok {
		return d, nil
	}
	return nil, fmt.Errorf("unknown anomaly detector: %s", name)
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
	RegisterDetector(ZScore{})
	RegisterDetector(IsolationForest{})
	RegisterDetector(MultivariateForest{})
}

// sourceRef returns the raw-record reference for a point, or a stable
// name-based placeholder when the source did not supply one.
func sourceRef(s timeseries.Series, p timeseries.Point) (string, string) {
	table := s.SourceTable
	if table == "" {
		table = timeseries.SourceTableFor(s.Metric)
	}
	if p.SourceID != "" {
		return table, p.SourceID
	}
	name := table + "/" + s.Metric + "/" + p.Date.Format("2006-01-02")
	return table, uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String()
}

func baselineFor(in Input, cfg Config) (baseline.Baseline, error) {
	if in.Baseline != nil {
		return *in.Baseline, nil
	}
	return baseline.Estimate(in.Series, cfg.Strategy, cfg.Baseline)
}
