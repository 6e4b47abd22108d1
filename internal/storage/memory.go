package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"healthsignals/internal/result"
	"healthsignals/internal/timeseries"
)

// Memory is an in-process ResultStore used when no database is configured.
type Memory struct {
	mu           sync.RWMutex
	now          func() time.Time
	nextID       int64
	anomalies    map[string]AnomalyRecord
	correlations map[string][]CorrelationRecord
}

// NewMemory returns an empty in-memory result store.
func NewMemory() *Memory {
	return &Memory{
		now:          func() time.Time { return time.Now().UTC() },
		anomalies:    make(map[string]AnomalyRecord),
		correlations: make(map[string][]CorrelationRecord),
	}
}

func (m *Memory) SaveAnomalies(_ context.Context, userID string, anomalies []result.Anomaly) (int, error) {
	records := make([]AnomalyRecord, 0, len(anomalies))
	for _, a := range anomalies {
		rec, err := NewAnomalyRecord(userID, a)
		if err != nil {
			return 0, err
		}
		records = append(records, rec)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	inserted := 0
	for _, rec := range records {
		key := userID + "|" + rec.Day.Format(time.DateOnly) + "|" + rec.Metric + "|" + rec.Detector
		if _, ok := m.anomalies[key]; ok {
			continue
		}
		m.nextID++
		rec.ID = m.nextID
		rec.CreatedAt = m.now()
		m.anomalies[key] = rec
		inserted++
	}
	return inserted, nil
}

func (m *Memory) ReplaceCorrelations(_ context.Context, userID string, from, to time.Time, correlations []result.Correlation) error {
	records := make([]CorrelationRecord, 0, len(correlations))
	for _, c := range correlations {
		rec, err := NewCorrelationRecord(userID, from, to, c)
		if err != nil {
			return err
		}
		records = append(records, rec)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range records {
		m.nextID++
		records[i].ID = m.nextID
		records[i].CreatedAt = m.now()
	}
	m.correlations[periodKey(userID, from, to)] = records
	return nil
}

func (m *Memory) ListRecentAnomalies(_ context.Context, userID string, limit int) ([]AnomalyRecord, error) {
	out := m.userAnomalies(userID, func(AnomalyRecord) bool { return true })
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Day.Equal(out[j].Day) {
			return out[i].Day.After(out[j].Day)
		}
		return out[i].Score.GreaterThan(out[j].Score)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ListAnomaliesBetween(_ context.Context, userID string, from, to time.Time) ([]AnomalyRecord, error) {
	from, to = timeseries.Day(from), timeseries.Day(to)
	out := m.userAnomalies(userID, func(r AnomalyRecord) bool {
		return !r.Day.Before(from) && r.Day.Before(to)
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Day.Equal(out[j].Day) {
			return out[i].Day.Before(out[j].Day)
		}
		if out[i].Metric != out[j].Metric {
			return out[i].Metric < out[j].Metric
		}
		return out[i].Detector < out[j].Detector
	})
	return out, nil
}

func (m *Memory) ListCorrelations(_ context.Context, userID string, limit int) ([]CorrelationRecord, error) {
	m.mu.RLock()
	out := make([]CorrelationRecord, 0)
	for _, recs := range m.correlations {
		for _, rec := range recs {
			if rec.UserID == userID {
				out = append(out, rec)
			}
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].PeriodEnd.Equal(out[j].PeriodEnd) {
			return out[i].PeriodEnd.After(out[j].PeriodEnd)
		}
		if out[i].Actionable != out[j].Actionable {
			return out[i].Actionable
		}
		return out[i].Confidence.GreaterThan(out[j].Confidence)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) userAnomalies(userID string, keep func(AnomalyRecord) bool) []AnomalyRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]AnomalyRecord, 0)
	for _, rec := range m.anomalies {
		if rec.UserID == userID && keep(rec) {
			out = append(out, rec)
		}
	}
	return out
}

func periodKey(userID string, from, to time.Time) string {
	return userID + "|" + timeseries.Day(from).Format(time.DateOnly) + "|" + timeseries.Day(to).Format(time.DateOnly)
}

var (
	_ ResultStore  = (*Memory)(nil)
	_ ResultReader = (*Memory)(nil)
	_ ResultStore  = (*Store)(nil)
	_ ResultReader = (*Store)(nil)
)
