// Package history answers the platform's time-range queries from the
// hub's recorder database: raw state runs with cursor pagination, batch
// reads, and pre-aggregated statistics, each decorated with the
// visualization metadata the platform charts from.
package history

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/smartly-home/smartly-bridge/internal/format"
	"github.com/smartly-home/smartly-bridge/internal/hub"
	"github.com/smartly-home/smartly-bridge/internal/metrics"
	"github.com/smartly-home/smartly-bridge/internal/recorder"
)

const (
	// MaxWindow caps end_time - start_time.
	MaxWindow = 30 * 24 * time.Hour

	// DefaultWindow applies when start_time is absent.
	DefaultWindow = 24 * time.Hour

	// shortWindow is the span under which legacy mode returns everything.
	shortWindow = 24 * time.Hour

	DefaultLimit    = 1000
	MaxLimit        = 1000
	DefaultPageSize = 100
	MaxPageSize     = 1000

	// MaxBatchEntities caps batch and statistics requests.
	MaxBatchEntities = 50
)

var (
	// ErrInvalidTimeRange covers inverted and oversized windows.
	ErrInvalidTimeRange = errors.New("history: invalid time range")

	// ErrInvalidCursor means the cursor failed to decode.
	ErrInvalidCursor = errors.New("history: invalid cursor")

	// ErrNoStore means the bridge runs without a recorder database.
	ErrNoStore = errors.New("history: recorder database not configured")
)

// StateProvider is the hub slice used for metadata fallbacks.
type StateProvider interface {
	State(entityID string) (hub.State, bool)
}

// Query is one single-entity history request, already validated for
// shape by the handler.
type Query struct {
	EntityID        string
	Start, End      time.Time
	Limit           int // 0 = caller did not set one
	SignificantOnly bool
	CursorMode      bool   // paginate; set when cursor or page_size was sent
	Cursor          string // continuation cursor; empty on the first page
	PageSize        int
}

// Entry is one history point. Attributes appear on the first entry and
// afterwards only when the state value changed type; consumers treat a
// missing key as unchanged since the last emission that carried it.
type Entry struct {
	State       any            `json:"state"`
	LastChanged string         `json:"last_changed"`
	LastUpdated string         `json:"last_updated"`
	Attributes  map[string]any `json:"attributes,omitempty"`
}

// Result is the answer to one single-entity query.
type Result struct {
	Entries    []Entry
	Count      int
	Start, End time.Time
	Truncated  bool
	Metadata   *Metadata

	// cursor mode only
	CursorMode bool
	PageSize   int
	HasMore    bool
	NextCursor string
}

// Service runs recorder queries and shapes responses.
type Service struct {
	store   recorder.Store
	states  StateProvider
	metrics *metrics.Collector

	now func() time.Time
}

func NewService(store recorder.Store, states StateProvider, m *metrics.Collector) *Service {
	return &Service{store: store, states: states, metrics: m, now: time.Now}
}

// Normalize fills time defaults and checks the window.
func (s *Service) Normalize(q *Query) error {
	now := s.now()
	if q.End.IsZero() {
		q.End = now
	}
	if q.Start.IsZero() {
		q.Start = q.End.Add(-DefaultWindow)
	}
	if !q.End.After(q.Start) {
		return ErrInvalidTimeRange
	}
	if q.End.Sub(q.Start) > MaxWindow {
		return ErrInvalidTimeRange
	}
	if q.PageSize <= 0 {
		q.PageSize = DefaultPageSize
	}
	if q.PageSize > MaxPageSize {
		q.PageSize = MaxPageSize
	}
	return nil
}

// Entity answers one single-entity query. Ordering is newest-first by
// (last_updated, last_changed) in both modes.
func (s *Service) Entity(ctx context.Context, q Query) (*Result, error) {
	if s.store == nil {
		return nil, ErrNoStore
	}
	if err := s.Normalize(&q); err != nil {
		return nil, err
	}
	if q.CursorMode {
		return s.entityPage(ctx, q)
	}
	return s.entityLegacy(ctx, q)
}

func (s *Service) entityLegacy(ctx context.Context, q Query) (*Result, error) {
	limit := 0
	if q.End.Sub(q.Start) > shortWindow {
		limit = DefaultLimit
		if q.Limit > 0 && q.Limit < MaxLimit {
			limit = q.Limit
		}
	}

	started := s.now()
	rows, err := s.store.History(ctx, recorder.HistoryQuery{
		EntityID:        q.EntityID,
		Start:           q.Start,
		End:             q.End,
		SignificantOnly: q.SignificantOnly,
		Limit:           limit,
	})
	if err != nil {
		return nil, fmt.Errorf("history: query %s: %w", q.EntityID, err)
	}
	s.metrics.HistoryQuerySeconds(s.now().Sub(started).Seconds())

	truncated := limit > 0 && len(rows) >= limit

	// Anchor the window start with the state that was current when it
	// opened, unless the range is already full.
	if !truncated {
		anchor, err := s.store.StateAt(ctx, q.EntityID, q.Start)
		if err != nil {
			return nil, fmt.Errorf("history: anchor %s: %w", q.EntityID, err)
		}
		if anchor != nil && (len(rows) == 0 || anchor.LastUpdated.Before(rows[len(rows)-1].LastUpdated)) {
			// rows run newest-first; the range opener goes at the tail
			padded := *anchor
			padded.LastUpdated = q.Start
			padded.LastChanged = q.Start
			rows = append(rows, padded)
		}
	}

	meta := s.buildMetadata(q.EntityID, rows)
	entries := renderEntries(rows, meta)
	return &Result{
		Entries:   entries,
		Count:     len(entries),
		Start:     q.Start,
		End:       q.End,
		Truncated: truncated,
		Metadata:  meta,
	}, nil
}

func (s *Service) entityPage(ctx context.Context, q Query) (*Result, error) {
	var key *recorder.Key
	if q.Cursor != "" {
		var err error
		key, err = DecodeCursor(q.Cursor)
		if err != nil {
			return nil, err
		}
	}

	started := s.now()
	rows, err := s.store.History(ctx, recorder.HistoryQuery{
		EntityID:        q.EntityID,
		Start:           q.Start,
		End:             q.End,
		SignificantOnly: q.SignificantOnly,
		Limit:           q.PageSize + 1,
		Cursor:          key,
	})
	if err != nil {
		return nil, fmt.Errorf("history: query %s: %w", q.EntityID, err)
	}
	s.metrics.HistoryQuerySeconds(s.now().Sub(started).Seconds())

	hasMore := len(rows) > q.PageSize
	if hasMore {
		rows = rows[:q.PageSize]
	}

	meta := s.buildMetadata(q.EntityID, rows)
	entries := renderEntries(rows, meta)
	res := &Result{
		Entries:    entries,
		Count:      len(entries),
		Start:      q.Start,
		End:        q.End,
		Metadata:   meta,
		CursorMode: true,
		PageSize:   q.PageSize,
		HasMore:    hasMore,
	}
	if hasMore && len(rows) > 0 {
		last := rows[len(rows)-1]
		res.NextCursor = EncodeCursor(&recorder.Key{
			LastUpdated: last.LastUpdated,
			LastChanged: last.LastChanged,
		})
	}
	return res, nil
}

// Statistics returns aggregate buckets for one entity.
func (s *Service) Statistics(ctx context.Context, entityID, period string, start, end time.Time) ([]recorder.StatRow, error) {
	if s.store == nil {
		return nil, ErrNoStore
	}
	started := s.now()
	rows, err := s.store.Statistics(ctx, entityID, period, start, end)
	if err != nil {
		return nil, fmt.Errorf("history: statistics %s: %w", entityID, err)
	}
	s.metrics.HistoryQuerySeconds(s.now().Sub(started).Seconds())
	return rows, nil
}

// cursorPayload is the wire form of a continuation key.
type cursorPayload struct {
	TS string `json:"ts"`
	LC string `json:"lc"`
}

// EncodeCursor packs a continuation key as URL-safe base64 JSON.
func EncodeCursor(key *recorder.Key) string {
	payload, _ := json.Marshal(cursorPayload{
		TS: key.LastUpdated.UTC().Format(time.RFC3339Nano),
		LC: key.LastChanged.UTC().Format(time.RFC3339Nano),
	})
	return base64.URLEncoding.EncodeToString(payload)
}

// DecodeCursor unpacks a cursor; any tampering yields ErrInvalidCursor.
func DecodeCursor(raw string) (*recorder.Key, error) {
	data, err := base64.URLEncoding.DecodeString(raw)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	var payload cursorPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, ErrInvalidCursor
	}
	ts, err := time.Parse(time.RFC3339Nano, payload.TS)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	lc, err := time.Parse(time.RFC3339Nano, payload.LC)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	return &recorder.Key{LastUpdated: ts, LastChanged: lc}, nil
}

// renderEntries formats rows for the response, applying the attribute
// economy: the newest entry carries attributes, later ones only when
// the state value changed type from the entry before them.
func renderEntries(rows []recorder.StateRow, meta *Metadata) []Entry {
	entries := make([]Entry, 0, len(rows))
	var prevState any
	for i := range rows {
		row := &rows[i]
		var value any = row.State
		if meta != nil && meta.IsNumeric {
			value = format.StateValue(row.State, meta.DecimalPlaces)
		}
		entry := Entry{
			State:       value,
			LastChanged: row.LastChanged.UTC().Format(time.RFC3339Nano),
			LastUpdated: row.LastUpdated.UTC().Format(time.RFC3339Nano),
		}
		if i == 0 || typeChanged(prevState, value) {
			entry.Attributes = row.Attributes
		}
		prevState = value
		entries = append(entries, entry)
	}
	return entries
}

func typeChanged(prev, cur any) bool {
	return fmt.Sprintf("%T", prev) != fmt.Sprintf("%T", cur)
}
