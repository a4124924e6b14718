package recorder

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mockStore(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewSQLStore(db, 2), mock
}

func stateCols() []string {
	return []string{"state", "shared_attrs", "last_updated_ts", "last_changed_ts"}
}

func TestHistory_SignificantOnlyFilters(t *testing.T) {
	store, mock := mockStore(t)
	end := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`last_changed_ts IS NULL`).
		WithArgs("sensor.temp", toTS(end.Add(-time.Hour)), toTS(end)).
		WillReturnRows(sqlmock.NewRows(stateCols()).
			AddRow("21.5", `{"unit_of_measurement":"°C"}`, toTS(end), toTS(end)).
			AddRow("21.0", nil, toTS(end.Add(-time.Minute)), toTS(end.Add(-time.Minute))))

	rows, err := store.History(context.Background(), HistoryQuery{
		EntityID:        "sensor.temp",
		Start:           end.Add(-time.Hour),
		End:             end,
		SignificantOnly: true,
	})
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, "21.5", rows[0].State)
	assert.Equal(t, "°C", rows[0].Attributes["unit_of_measurement"])
	assert.Nil(t, rows[1].Attributes)
	assert.True(t, rows[0].LastUpdated.Equal(end))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHistory_CursorAndLimitBindArgs(t *testing.T) {
	store, mock := mockStore(t)
	end := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	key := Key{LastUpdated: end.Add(-time.Minute), LastChanged: end.Add(-2 * time.Minute)}

	mock.ExpectQuery(`last_updated_ts < \$4`).
		WithArgs("sensor.temp", toTS(end.Add(-time.Hour)), toTS(end),
			toTS(key.LastUpdated), toTS(key.LastChanged), 10).
		WillReturnRows(sqlmock.NewRows(stateCols()))

	_, err := store.History(context.Background(), HistoryQuery{
		EntityID: "sensor.temp",
		Start:    end.Add(-time.Hour),
		End:      end,
		Limit:    10,
		Cursor:   &key,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStateAt(t *testing.T) {
	store, mock := mockStore(t)
	at := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`ORDER BY s.last_updated_ts DESC LIMIT 1`).
		WithArgs("sensor.temp", toTS(at)).
		WillReturnRows(sqlmock.NewRows(stateCols()).
			AddRow("20.1", nil, toTS(at.Add(-10*time.Minute)), toTS(at.Add(-10*time.Minute))))

	row, err := store.StateAt(context.Background(), "sensor.temp", at)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, "20.1", row.State)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStateAt_NoRows(t *testing.T) {
	store, mock := mockStore(t)
	at := time.Now()

	mock.ExpectQuery(`LIMIT 1`).
		WithArgs("sensor.new", toTS(at)).
		WillReturnRows(sqlmock.NewRows(stateCols()))

	row, err := store.StateAt(context.Background(), "sensor.new", at)
	require.NoError(t, err)
	assert.Nil(t, row)
}

func TestStatistics_HourHitsLongTermTable(t *testing.T) {
	store, mock := mockStore(t)
	start := time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)
	mean := 21.5

	mock.ExpectQuery(`FROM statistics st`).
		WithArgs("sensor.temp", toTS(start), toTS(end)).
		WillReturnRows(sqlmock.NewRows([]string{"start_ts", "mean", "min", "max", "sum", "state"}).
			AddRow(toTS(start), mean, 20.0, 23.0, nil, nil))

	rows, err := store.Statistics(context.Background(), "sensor.temp", PeriodHour, start, end)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.NotNil(t, rows[0].Mean)
	assert.Equal(t, mean, *rows[0].Mean)
	assert.Nil(t, rows[0].Sum)
	assert.True(t, rows[0].End.Equal(start.Add(time.Hour)))
}

func TestStatistics_FiveMinuteHitsShortTermTable(t *testing.T) {
	store, mock := mockStore(t)
	start := time.Now().Add(-time.Hour)
	end := time.Now()

	mock.ExpectQuery(`FROM statistics_short_term st`).
		WithArgs("sensor.temp", toTS(start), toTS(end)).
		WillReturnRows(sqlmock.NewRows([]string{"start_ts", "mean", "min", "max", "sum", "state"}))

	_, err := store.Statistics(context.Background(), "sensor.temp", Period5Minute, start, end)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStatistics_DayBuckets(t *testing.T) {
	store, mock := mockStore(t)
	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 7)

	mock.ExpectQuery(`date_trunc`).
		WithArgs("sensor.energy", toTS(start), toTS(end), PeriodDay).
		WillReturnRows(sqlmock.NewRows([]string{"start", "mean", "min", "max", "sum"}).
			AddRow(toTS(start), 1.5, 1.0, 2.0, 140.0))

	rows, err := store.Statistics(context.Background(), "sensor.energy", PeriodDay, start, end)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].End.Equal(start.AddDate(0, 0, 1)))
	require.NotNil(t, rows[0].Sum)
	assert.Equal(t, 140.0, *rows[0].Sum)
}

func TestStatistics_UnknownPeriod(t *testing.T) {
	store, _ := mockStore(t)
	_, err := store.Statistics(context.Background(), "sensor.temp", "fortnight", time.Now().Add(-time.Hour), time.Now())
	assert.Error(t, err)
}

func TestTimestampRoundTrip(t *testing.T) {
	ts := time.Date(2026, 8, 25, 12, 30, 45, 500000000, time.UTC)
	back := fromTS(toTS(ts))
	assert.WithinDuration(t, ts, back, time.Millisecond)
}
