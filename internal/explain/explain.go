// Package explain hands anomalies and correlations to the downstream
// narrative generator as explanation requests over NATS.
package explain

import (
	"context"
	"time"

	"github.com/google/uuid"

	"healthsignals/internal/result"
)

// Kind names what a request asks to explain.
type Kind string

const (
	KindAnomaly     Kind = "anomaly"
	KindCorrelation Kind = "correlation"
)

// Request is the message body sent to the explanation service.
type Request struct {
	ID          string              `json:"id"`
	UserID      string              `json:"user_id"`
	RunID       string              `json:"run_id"`
	Kind        Kind                `json:"kind"`
	RequestedAt time.Time           `json:"requested_at"`
	Anomaly     *AnomalyPayload     `json:"anomaly,omitempty"`
	Correlation *CorrelationPayload `json:"correlation,omitempty"`
}

type AnomalyPayload struct {
	Date          string         `json:"date"`
	Metric        string         `json:"metric"`
	Value         float64        `json:"value"`
	BaselineValue float64        `json:"baseline_value"`
	Score         float64        `json:"score"`
	Severity      string         `json:"severity"`
	Detector      string         `json:"detector"`
	SourceTable   string         `json:"source_table"`
	SourceID      string         `json:"source_id"`
	Details       map[string]any `json:"details,omitempty"`
}

type CorrelationPayload struct {
	MetricA    string   `json:"metric_a"`
	MetricB    string   `json:"metric_b"`
	Type       string   `json:"type"`
	Strength   float64  `json:"strength"`
	LagDays    int      `json:"lag_days"`
	PValue     *float64 `json:"p_value"`
	Confidence float64  `json:"confidence"`
	Direction  string   `json:"direction"`
	Agreement  int      `json:"agreement"`
	Actionable bool     `json:"actionable"`
	Label      string   `json:"label"`
}

// Publisher delivers explanation requests.
type Publisher interface {
	Publish(ctx context.Context, req Request) error
}

// ForAnomaly builds the request for one anomaly. The id is derived from the
// run and anomaly key so a retried publish carries the same id.
func ForAnomaly(userID, runID string, a result.Anomaly, now time.Time) Request {
	return Request{
		ID:          requestID(runID, "a|"+a.Key()),
		UserID:      userID,
		RunID:       runID,
		Kind:        KindAnomaly,
		RequestedAt: now,
		Anomaly: &AnomalyPayload{
			Date:          a.OccurredOn.Format(time.DateOnly),
			Metric:        a.MetricName,
			Value:         a.MetricValue,
			BaselineValue: a.BaselineValue,
			Score:         a.Score,
			Severity:      string(a.Severity),
			Detector:      string(a.DetectorType),
			SourceTable:   a.SourceTable,
			SourceID:      a.SourceID,
			Details:       a.Details,
		},
	}
}

// ForCorrelation builds the request for one merged correlation.
func ForCorrelation(userID, runID string, c result.Correlation, now time.Time) Request {
	payload := &CorrelationPayload{
		MetricA:    c.MetricA,
		MetricB:    c.MetricB,
		Type:       string(c.Type),
		Strength:   c.Strength,
		LagDays:    c.LagDays,
		Confidence: c.Confidence,
		Direction:  string(c.Direction),
		Agreement:  c.Agreement,
		Actionable: c.Actionable,
		Label:      string(c.Label),
	}
	if c.PValue.Supported {
		p := c.PValue.Value
		payload.PValue = &p
	}
	return Request{
		ID:          requestID(runID, "c|"+c.MetricA+"|"+c.MetricB),
		UserID:      userID,
		RunID:       runID,
		Kind:        KindCorrelation,
		RequestedAt: now,
		Correlation: payload,
	}
}

func requestID(runID, key string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(runID+"|"+key)).String()
}
