package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"healthsignals/internal/result"
	"healthsignals/internal/timeseries"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	listObservationsSQL = `SELECT
        metric,
        day,
        value,
        source_table,
        source_id
    FROM daily_metrics
    WHERE user_id = $1
      AND day >= $2
      AND day < $3
    ORDER BY metric, day;`

	upsertObservationSQL = `INSERT INTO daily_metrics (
        user_id,
        day,
        metric,
        value,
        source_table,
        source_id
    ) VALUES (
        $1,$2,$3,$4,$5,$6
    )
    ON CONFLICT (user_id, day, metric) DO UPDATE
    SET
        value        = EXCLUDED.value,
        source_table = EXCLUDED.source_table,
        source_id    = EXCLUDED.source_id;`

	listUsersSQL = `SELECT DISTINCT user_id
    FROM daily_metrics
    WHERE day >= $1
    ORDER BY user_id;`

	insertAnomalySQL = `INSERT INTO anomalies (
        user_id,
        day,
        metric,
        detector,
        metric_value,
        baseline_value,
        score,
        severity,
        source_table,
        source_id,
        details
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
    )
    ON CONFLICT (user_id, day, metric, detector) DO NOTHING;`

	anomalyColumns = `id,
        user_id,
        day,
        metric,
        detector,
        metric_value,
        baseline_value,
        score,
        severity,
        source_table,
        source_id,
        details,
        created_at`

	listRecentAnomaliesSQL = `SELECT ` + anomalyColumns + `
    FROM anomalies
    WHERE user_id = $1
    ORDER BY day DESC, score DESC
    LIMIT $2;`

	listAnomaliesBetweenSQL = `SELECT ` + anomalyColumns + `
    FROM anomalies
    WHERE user_id = $1
      AND day >= $2
      AND day < $3
    ORDER BY day, metric, detector;`

	deleteCorrelationsSQL = `DELETE FROM correlations
    WHERE user_id = $1
      AND period_start = $2
      AND period_end = $3;`

	insertCorrelationSQL = `INSERT INTO correlations (
        user_id,
        period_start,
        period_end,
        metric_a,
        metric_b,
        type,
        strength,
        lag_days,
        p_value,
        sample_size,
        confidence,
        direction,
        agreement,
        actionable,
        label,
        details
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16
    );`

	listCorrelationsSQL = `SELECT
        id,
        user_id,
        period_start,
        period_end,
        metric_a,
        metric_b,
        type,
        strength,
        lag_days,
        p_value,
        sample_size,
        confidence,
        direction,
        agreement,
        actionable,
        label,
        details,
        created_at
    FROM correlations
    WHERE user_id = $1
    ORDER BY period_end DESC, actionable DESC, confidence DESC
    LIMIT $2;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// ObservationStore defines operations on the daily metric table.
type ObservationStore interface {
	UpsertObservations(ctx context.Context, obs []Observation) (int64, error)
	ListUsers(ctx context.Context, activeSince time.Time) ([]string, error)
}

// ResultStore persists detection output.
type ResultStore interface {
	// SaveAnomalies inserts anomalies not already stored for the same
	// (user, day, metric, detector) and returns how many were new.
	SaveAnomalies(ctx context.Context, userID string, anomalies []result.Anomaly) (int, error)
	// ReplaceCorrelations swaps the stored correlations of one analysis period.
	ReplaceCorrelations(ctx context.Context, userID string, from, to time.Time, correlations []result.Correlation) error
}

// ResultReader lists stored detection output.
type ResultReader interface {
	ListRecentAnomalies(ctx context.Context, userID string, limit int) ([]AnomalyRecord, error)
	ListAnomaliesBetween(ctx context.Context, userID string, from, to time.Time) ([]AnomalyRecord, error)
	ListCorrelations(ctx context.Context, userID string, limit int) ([]CorrelationRecord, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to metrics and detection results.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// best effort; the session lock also ends with the connection
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// FetchSeries loads every metric of a user with from <= day < to.
func (s *Store) FetchSeries(ctx context.Context, userID string, from, to time.Time) (timeseries.Set, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listObservationsSQL, userID, timeseries.Day(from), timeseries.Day(to))
	if queryErr != nil {
		return nil, fmt.Errorf("list observations: %w", queryErr)
	}
	defer rows.Close()

	points := make(map[string][]timeseries.Point)
	tables := make(map[string]string)
	for rows.Next() {
		var (
			metric   string
			day      time.Time
			value    float64
			table    string
			sourceID sql.NullString
		)
		if err := rows.Scan(&metric, &day, &value, &table, &sourceID); err != nil {
			return nil, err
		}
		points[metric] = append(points[metric], timeseries.Point{Date: day, Value: value, SourceID: sourceID.String})
		if _, ok := tables[metric]; !ok {
			tables[metric] = table
		}
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}

	set := make(timeseries.Set, len(points))
	for metric, pts := range points {
		series := timeseries.New(metric, pts)
		series.SourceTable = tables[metric]
		set[metric] = series
	}
	return set, nil
}

// UpsertObservations writes daily values in one batch.
func (s *Store) UpsertObservations(ctx context.Context, obs []Observation) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	if len(obs) == 0 {
		return 0, nil
	}

	var written int64
	txErr := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, o := range obs {
			var sourceID any
			if o.SourceID != "" {
				sourceID = o.SourceID
			}
			table := o.SourceTable
			if table == "" {
				table = timeseries.SourceTableFor(o.Metric)
			}
			batch.Queue(upsertObservationSQL, o.UserID, timeseries.Day(o.Day), o.Metric, o.Value, table, sourceID)
		}
		br := tx.SendBatch(ctx, batch)
		for range obs {
			tag, err := br.Exec()
			if err != nil {
				_ = br.Close()
				return err
			}
			written += tag.RowsAffected()
		}
		return br.Close()
	})
	if txErr != nil {
		return 0, fmt.Errorf("upsert observations: %w", txErr)
	}
	return written, nil
}

// ListUsers returns users with observations on or after activeSince.
func (s *Store) ListUsers(ctx context.Context, activeSince time.Time) ([]string, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listUsersSQL, timeseries.Day(activeSince))
	if queryErr != nil {
		return nil, fmt.Errorf("list users: %w", queryErr)
	}
	defer rows.Close()

	users := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		users = append(users, id)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return users, nil
}

// SaveAnomalies inserts anomalies, skipping ones already stored.
func (s *Store) SaveAnomalies(ctx context.Context, userID string, anomalies []result.Anomaly) (int, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	if len(anomalies) == 0 {
		return 0, nil
	}

	records := make([]AnomalyRecord, 0, len(anomalies))
	for _, a := range anomalies {
		rec, convErr := NewAnomalyRecord(userID, a)
		if convErr != nil {
			return 0, convErr
		}
		records = append(records, rec)
	}

	inserted := 0
	txErr := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, rec := range records {
			batch.Queue(insertAnomalySQL,
				rec.UserID,
				rec.Day,
				rec.Metric,
				rec.Detector,
				rec.MetricValue.String(),
				rec.BaselineValue.String(),
				rec.Score.String(),
				rec.Severity,
				rec.SourceTable,
				rec.SourceID,
				[]byte(rec.Details),
			)
		}
		br := tx.SendBatch(ctx, batch)
		for range records {
			tag, err := br.Exec()
			if err != nil {
				_ = br.Close()
				return err
			}
			inserted += int(tag.RowsAffected())
		}
		return br.Close()
	})
	if txErr != nil {
		return 0, fmt.Errorf("save anomalies: %w", txErr)
	}
	return inserted, nil
}

// ReplaceCorrelations deletes the period's correlations and inserts the new
// set in one transaction.
func (s *Store) ReplaceCorrelations(ctx context.Context, userID string, from, to time.Time, correlations []result.Correlation) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	records := make([]CorrelationRecord, 0, len(correlations))
	for _, c := range correlations {
		rec, convErr := NewCorrelationRecord(userID, from, to, c)
		if convErr != nil {
			return convErr
		}
		records = append(records, rec)
	}

	txErr := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, deleteCorrelationsSQL, userID, timeseries.Day(from), timeseries.Day(to)); err != nil {
			return err
		}
		for _, rec := range records {
			var p any
			if rec.PValue != nil {
				p = rec.PValue.String()
			}
			if _, err := tx.Exec(ctx, insertCorrelationSQL,
				rec.UserID,
				rec.PeriodStart,
				rec.PeriodEnd,
				rec.MetricA,
				rec.MetricB,
				rec.Type,
				rec.Strength.String(),
				rec.LagDays,
				p,
				rec.SampleSize,
				rec.Confidence.String(),
				rec.Direction,
				rec.Agreement,
				rec.Actionable,
				rec.Label,
				[]byte(rec.Details),
			); err != nil {
				return err
			}
		}
		return nil
	})
	if txErr != nil {
		return fmt.Errorf("replace correlations: %w", txErr)
	}
	return nil
}

// ListRecentAnomalies lists the most recent anomalies of a user.
func (s *Store) ListRecentAnomalies(ctx context.Context, userID string, limit int) ([]AnomalyRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentAnomaliesSQL, userID, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent anomalies: %w", queryErr)
	}
	return collectAnomalies(rows)
}

// ListAnomaliesBetween lists anomalies with from <= day < to.
func (s *Store) ListAnomaliesBetween(ctx context.Context, userID string, from, to time.Time) ([]AnomalyRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listAnomaliesBetweenSQL, userID, timeseries.Day(from), timeseries.Day(to))
	if queryErr != nil {
		return nil, fmt.Errorf("list anomalies between: %w", queryErr)
	}
	return collectAnomalies(rows)
}

// ListCorrelations lists stored correlations, latest period first.
func (s *Store) ListCorrelations(ctx context.Context, userID string, limit int) ([]CorrelationRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listCorrelationsSQL, userID, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list correlations: %w", queryErr)
	}
	defer rows.Close()

	out := make([]CorrelationRecord, 0, limit)
	for rows.Next() {
		var (
			rec                        CorrelationRecord
			strengthStr, confidenceStr string
			pStr                       *string
		)
		if err := rows.Scan(
			&rec.ID,
			&rec.UserID,
			&rec.PeriodStart,
			&rec.PeriodEnd,
			&rec.MetricA,
			&rec.MetricB,
			&rec.Type,
			&strengthStr,
			&rec.LagDays,
			&pStr,
			&rec.SampleSize,
			&confidenceStr,
			&rec.Direction,
			&rec.Agreement,
			&rec.Actionable,
			&rec.Label,
			&rec.Details,
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}

		var convErr error
		if rec.Strength, convErr = decimal.NewFromString(strengthStr); convErr != nil {
			return nil, fmt.Errorf("parse strength: %w", convErr)
		}
		if rec.Confidence, convErr = decimal.NewFromString(confidenceStr); convErr != nil {
			return nil, fmt.Errorf("parse confidence: %w", convErr)
		}
		if pStr != nil {
			p, convErr := decimal.NewFromString(*pStr)
			if convErr != nil {
				return nil, fmt.Errorf("parse p value: %w", convErr)
			}
			rec.PValue = &p
		}
		out = append(out, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func collectAnomalies(rows pgx.Rows) ([]AnomalyRecord, error) {
	defer rows.Close()

	out := make([]AnomalyRecord, 0)
	for rows.Next() {
		rec, err := scanAnomaly(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func scanAnomaly(rows pgx.Rows) (AnomalyRecord, error) {
	var (
		rec                             AnomalyRecord
		valueStr, baselineStr, scoreStr string
	)
	if err := rows.Scan(
		&rec.ID,
		&rec.UserID,
		&rec.Day,
		&rec.Metric,
		&rec.Detector,
		&valueStr,
		&baselineStr,
		&scoreStr,
		&rec.Severity,
		&rec.SourceTable,
		&rec.SourceID,
		&rec.Details,
		&rec.CreatedAt,
	); err != nil {
		return AnomalyRecord{}, err
	}

	var err error
	if rec.MetricValue, err = decimal.NewFromString(valueStr); err != nil {
		return AnomalyRecord{}, fmt.Errorf("parse metric value: %w", err)
	}
	if rec.BaselineValue, err = decimal.NewFromString(baselineStr); err != nil {
		return AnomalyRecord{}, fmt.Errorf("parse baseline value: %w", err)
	}
	if rec.Score, err = decimal.NewFromString(scoreStr); err != nil {
		return AnomalyRecord{}, fmt.Errorf("parse score: %w", err)
	}
	return rec, nil
}

// NewAnomalyRecord converts a detector anomaly to its stored form.
func NewAnomalyRecord(userID string, a result.Anomaly) (AnomalyRecord, error) {
	details, err := json.Marshal(a.Details)
	if err != nil {
		return AnomalyRecord{}, fmt.Errorf("encode anomaly details: %w", err)
	}
	return AnomalyRecord{
		UserID:        userID,
		Day:           result.DateOf(a.OccurredOn),
		Metric:        a.MetricName,
		Detector:      string(a.DetectorType),
		MetricValue:   decimal.NewFromFloat(a.MetricValue).Round(4),
		BaselineValue: decimal.NewFromFloat(a.BaselineValue).Round(4),
		Score:         decimal.NewFromFloat(a.Score).Round(3),
		Severity:      string(a.Severity),
		SourceTable:   a.SourceTable,
		SourceID:      a.SourceID,
		Details:       details,
	}, nil
}

// NewCorrelationRecord converts a merged correlation to its stored form. An
// unsupported p-value is stored as NULL.
func NewCorrelationRecord(userID string, from, to time.Time, c result.Correlation) (CorrelationRecord, error) {
	details, err := json.Marshal(c.Details)
	if err != nil {
		return CorrelationRecord{}, fmt.Errorf("encode correlation details: %w", err)
	}
	rec := CorrelationRecord{
		UserID:      userID,
		PeriodStart: timeseries.Day(from),
		PeriodEnd:   timeseries.Day(to),
		MetricA:     c.MetricA,
		MetricB:     c.MetricB,
		Type:        string(c.Type),
		Strength:    decimal.NewFromFloat(c.Strength).Round(4),
		LagDays:     c.LagDays,
		SampleSize:  c.SampleSize,
		Confidence:  decimal.NewFromFloat(c.Confidence).Round(4),
		Direction:   string(c.Direction),
		Agreement:   c.Agreement,
		Actionable:  c.Actionable,
		Label:       string(c.Label),
		Details:     details,
	}
	if rec.Direction == "" {
		rec.Direction = string(result.DirectionNone)
	}
	if c.PValue.Supported {
		p := decimal.NewFromFloat(c.PValue.Value).Round(6)
		rec.PValue = &p
	}
	return rec, nil
}
