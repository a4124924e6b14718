package recorder

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

const defaultMaxConcurrent = 4

// SQLStore reads the recorder schema over database/sql. The schema
// stores timestamps as epoch seconds with fraction; last_changed_ts is
// null when it equals last_updated_ts.
type SQLStore struct {
	db  *sql.DB
	sem chan struct{}
}

// Open connects to the recorder database. maxConcurrent caps in-flight
// queries.
func Open(dsn string, maxConcurrent int) (*SQLStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("recorder: open: %w", err)
	}
	db.SetMaxOpenConns(maxConcurrent + 1)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return NewSQLStore(db, maxConcurrent), nil
}

// NewSQLStore wraps an existing handle; tests inject a mock here.
func NewSQLStore(db *sql.DB, maxConcurrent int) *SQLStore {
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrent
	}
	return &SQLStore{db: db, sem: make(chan struct{}, maxConcurrent)}
}

func (s *SQLStore) DB() *sql.DB { return s.db }

func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) acquire(ctx context.Context) error {
	select {
	case s.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *SQLStore) release() { <-s.sem }

func (s *SQLStore) History(ctx context.Context, q HistoryQuery) ([]StateRow, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()

	var b strings.Builder
	b.WriteString(`
		SELECT s.state, sa.shared_attrs, s.last_updated_ts,
		       COALESCE(s.last_changed_ts, s.last_updated_ts)
		FROM states s
		JOIN states_meta sm ON s.metadata_id = sm.metadata_id
		LEFT JOIN state_attributes sa ON s.attributes_id = sa.attributes_id
		WHERE sm.entity_id = $1
		  AND s.last_updated_ts >= $2
		  AND s.last_updated_ts <= $3`)
	args := []any{q.EntityID, toTS(q.Start), toTS(q.End)}

	if q.SignificantOnly {
		b.WriteString(`
		  AND s.last_changed_ts IS NULL`)
	}
	if q.Cursor != nil {
		b.WriteString(fmt.Sprintf(`
		  AND (s.last_updated_ts < $%d
		       OR (s.last_updated_ts = $%d
		           AND COALESCE(s.last_changed_ts, s.last_updated_ts) < $%d))`,
			len(args)+1, len(args)+1, len(args)+2))
		args = append(args, toTS(q.Cursor.LastUpdated), toTS(q.Cursor.LastChanged))
	}

	b.WriteString(`
		ORDER BY s.last_updated_ts DESC,
		         COALESCE(s.last_changed_ts, s.last_updated_ts) DESC`)
	if q.Limit > 0 {
		b.WriteString(fmt.Sprintf(`
		LIMIT $%d`, len(args)+1))
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("recorder: history query: %w", err)
	}
	defer rows.Close()

	var out []StateRow
	for rows.Next() {
		row, err := scanStateRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *SQLStore) StateAt(ctx context.Context, entityID string, at time.Time) (*StateRow, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()

	const query = `
		SELECT s.state, sa.shared_attrs, s.last_updated_ts,
		       COALESCE(s.last_changed_ts, s.last_updated_ts)
		FROM states s
		JOIN states_meta sm ON s.metadata_id = sm.metadata_id
		LEFT JOIN state_attributes sa ON s.attributes_id = sa.attributes_id
		WHERE sm.entity_id = $1 AND s.last_updated_ts <= $2
		ORDER BY s.last_updated_ts DESC LIMIT 1`

	rows, err := s.db.QueryContext(ctx, query, entityID, toTS(at))
	if err != nil {
		return nil, fmt.Errorf("recorder: anchor query: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	row, err := scanStateRow(rows)
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (s *SQLStore) Statistics(ctx context.Context, entityID, period string, start, end time.Time) ([]StatRow, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()

	switch period {
	case Period5Minute:
		return s.rawStatistics(ctx, "statistics_short_term", entityID, 5*time.Minute, start, end)
	case PeriodHour:
		return s.rawStatistics(ctx, "statistics", entityID, time.Hour, start, end)
	case PeriodDay, PeriodWeek, PeriodMonth:
		return s.bucketStatistics(ctx, entityID, period, start, end)
	default:
		return nil, fmt.Errorf("recorder: unknown period %q", period)
	}
}

func (s *SQLStore) rawStatistics(ctx context.Context, table, entityID string, span time.Duration, start, end time.Time) ([]StatRow, error) {
	query := fmt.Sprintf(`
		SELECT st.start_ts, st.mean, st.min, st.max, st.sum, st.state
		FROM %s st
		JOIN statistics_meta m ON st.metadata_id = m.id
		WHERE m.statistic_id = $1 AND st.start_ts >= $2 AND st.start_ts < $3
		ORDER BY st.start_ts ASC`, table)

	rows, err := s.db.QueryContext(ctx, query, entityID, toTS(start), toTS(end))
	if err != nil {
		return nil, fmt.Errorf("recorder: statistics query: %w", err)
	}
	defer rows.Close()

	var out []StatRow
	for rows.Next() {
		var ts float64
		var row StatRow
		if err := rows.Scan(&ts, &row.Mean, &row.Min, &row.Max, &row.Sum, &row.State); err != nil {
			return nil, fmt.Errorf("recorder: scan statistics: %w", err)
		}
		row.Start = fromTS(ts)
		row.End = row.Start.Add(span)
		out = append(out, row)
	}
	return out, rows.Err()
}

// bucketStatistics rolls hourly rows up into day, week or month buckets
// in the database. Sum columns are cumulative, so the bucket keeps the
// largest value.
func (s *SQLStore) bucketStatistics(ctx context.Context, entityID, period string, start, end time.Time) ([]StatRow, error) {
	const query = `
		SELECT extract(epoch FROM date_trunc($4, to_timestamp(st.start_ts) AT TIME ZONE 'UTC')),
		       avg(st.mean), min(st.min), max(st.max), max(st.sum)
		FROM statistics st
		JOIN statistics_meta m ON st.metadata_id = m.id
		WHERE m.statistic_id = $1 AND st.start_ts >= $2 AND st.start_ts < $3
		GROUP BY 1
		ORDER BY 1 ASC`

	rows, err := s.db.QueryContext(ctx, query, entityID, toTS(start), toTS(end), period)
	if err != nil {
		return nil, fmt.Errorf("recorder: statistics query: %w", err)
	}
	defer rows.Close()

	var out []StatRow
	for rows.Next() {
		var ts float64
		var row StatRow
		if err := rows.Scan(&ts, &row.Mean, &row.Min, &row.Max, &row.Sum); err != nil {
			return nil, fmt.Errorf("recorder: scan statistics: %w", err)
		}
		row.Start = fromTS(ts)
		row.End = bucketEnd(row.Start, period)
		out = append(out, row)
	}
	return out, rows.Err()
}

func bucketEnd(start time.Time, period string) time.Time {
	switch period {
	case PeriodDay:
		return start.AddDate(0, 0, 1)
	case PeriodWeek:
		return start.AddDate(0, 0, 7)
	case PeriodMonth:
		return start.AddDate(0, 1, 0)
	}
	return start
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStateRow(rs rowScanner) (StateRow, error) {
	var (
		row     StateRow
		attrs   sql.NullString
		updated float64
		changed float64
	)
	if err := rs.Scan(&row.State, &attrs, &updated, &changed); err != nil {
		return StateRow{}, fmt.Errorf("recorder: scan state: %w", err)
	}
	row.LastUpdated = fromTS(updated)
	row.LastChanged = fromTS(changed)
	if attrs.Valid && attrs.String != "" {
		if err := json.Unmarshal([]byte(attrs.String), &row.Attributes); err != nil {
			row.Attributes = nil
		}
	}
	return row, nil
}

func toTS(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

func fromTS(ts float64) time.Time {
	sec, frac := math.Modf(ts)
	return time.Unix(int64(sec), int64(frac*float64(time.Second))).UTC()
}
