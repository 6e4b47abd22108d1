package storage

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Observation is one persisted daily metric value.
type Observation struct {
	UserID      string
	Day         time.Time
	Metric      string
	Value       float64
	SourceTable string
	SourceID    string
}

// AnomalyRecord is a stored anomaly. Scores are kept at three decimal places.
type AnomalyRecord struct {
	ID            int64
	UserID        string
	Day           time.Time
	Metric        string
	Detector      string
	MetricValue   decimal.Decimal
	BaselineValue decimal.Decimal
	Score         decimal.Decimal
	Severity      string
	SourceTable   string
	SourceID      string
	Details       json.RawMessage
	CreatedAt     time.Time
}

// CorrelationRecord is a stored merged correlation for an analysis period.
type CorrelationRecord struct {
	ID          int64
	UserID      string
	PeriodStart time.Time
	PeriodEnd   time.Time
	MetricA     string
	MetricB     string
	Type        string
	Strength    decimal.Decimal
	LagDays     int
	PValue      *decimal.Decimal
	SampleSize  int
	Confidence  decimal.Decimal
	Direction   string
	Agreement   int
	Actionable  bool
	Label       string
	Details     json.RawMessage
	CreatedAt   time.Time
}
