// Package recorder reads the hub's history database: raw state rows for
// the history endpoints and pre-aggregated statistics. Access is
// read-only and capped by a semaphore so a burst of history queries
// cannot starve the hub's own writer.
package recorder

import (
	"context"
	"time"
)

// StateRow is one recorded state change.
type StateRow struct {
	State       string
	Attributes  map[string]any
	LastUpdated time.Time
	LastChanged time.Time
}

// Key orders rows newest-first; a continuation resumes strictly older
// than its key.
type Key struct {
	LastUpdated time.Time
	LastChanged time.Time
}

// HistoryQuery selects state rows for one entity, newest-first.
type HistoryQuery struct {
	EntityID        string
	Start, End      time.Time
	SignificantOnly bool
	Limit           int  // 0 = unlimited
	Cursor          *Key // resume strictly older than this key
}

// StatRow is one statistics bucket. Pointer fields are absent columns.
type StatRow struct {
	Start time.Time
	End   time.Time
	Mean  *float64
	Min   *float64
	Max   *float64
	Sum   *float64
	State *float64
}

// Statistics periods.
const (
	Period5Minute = "5minute"
	PeriodHour    = "hour"
	PeriodDay     = "day"
	PeriodWeek    = "week"
	PeriodMonth   = "month"
)

// ValidPeriod reports whether p names a supported bucket size.
func ValidPeriod(p string) bool {
	switch p {
	case Period5Minute, PeriodHour, PeriodDay, PeriodWeek, PeriodMonth:
		return true
	}
	return false
}

// Store is the read surface the history handlers use.
type Store interface {
	// History returns rows newest-first per q.
	History(ctx context.Context, q HistoryQuery) ([]StateRow, error)

	// StateAt returns the newest row at or before the instant, for
	// anchoring a time window at its start. Nil when none exists.
	StateAt(ctx context.Context, entityID string, at time.Time) (*StateRow, error)

	// Statistics returns aggregate buckets for one entity, oldest-first.
	Statistics(ctx context.Context, entityID, period string, start, end time.Time) ([]StatRow, error)
}
