package analytics

import (
	"context"
	"testing"
	"time"

	"github.com/pgwilde8/ledgrapi/gateway/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/olebedev/emitter"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var day = time.Date(2026, 10, 17, 10, 0, 0, 0, time.UTC)

func newCollector(t *testing.T, driver string) (*Collector, sqlmock.Sqlmock) {
	t.Helper()

	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { raw.Close() })

	c := NewCollector(sqlx.NewDb(raw, driver), &Config{FlushInterval: time.Hour}, zap.NewNop())
	t.Cleanup(c.Stop)
	return c, mock
}

func TestIsError(t *testing.T) {
	assert.False(t, IsError(&models.CallAuditRecord{Outcome: models.OutcomeOK, StatusCode: 404}))
	assert.True(t, IsError(&models.CallAuditRecord{Outcome: models.OutcomeOK, StatusCode: 503}))
	assert.True(t, IsError(&models.CallAuditRecord{Outcome: models.OutcomeTimeout}))
}

func TestFlushUpsertsDailyTotals(t *testing.T) {
	c, mock := newCollector(t, "mysql")

	c.Record(&models.CallAuditRecord{APIID: "a1", Outcome: models.OutcomeOK, StatusCode: 200, LatencyMs: 40, Cost: 2, CreatedAt: day})
	c.Record(&models.CallAuditRecord{APIID: "a1", Outcome: models.OutcomeOK, StatusCode: 502, LatencyMs: 60, Cost: 0, CreatedAt: day})
	c.Record(&models.CallAuditRecord{APIID: "a1", Outcome: models.OutcomeUnavailable, LatencyMs: 5, CreatedAt: day})

	mock.ExpectExec(`INSERT INTO api_stats_daily .* ON DUPLICATE KEY UPDATE requests = requests \+ VALUES\(requests\)`).
		WithArgs("a1", "2026-10-17", int64(3), int64(2), int64(105), int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, c.Flush(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())

	require.NoError(t, c.Flush(context.Background()), "empty buffer is a no-op")
}

func TestFlushPostgresDialect(t *testing.T) {
	c, mock := newCollector(t, "postgres")
	c.Record(&models.CallAuditRecord{APIID: "a1", Outcome: models.OutcomeOK, StatusCode: 200, CreatedAt: day})

	mock.ExpectExec(`ON CONFLICT \(api_id, day\) DO UPDATE SET requests = api_stats_daily.requests \+ EXCLUDED.requests`).
		WithArgs("a1", "2026-10-17", int64(1), int64(0), int64(0), int64(0)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, c.Flush(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFlushReportsErrors(t *testing.T) {
	c, mock := newCollector(t, "mysql")
	c.Record(&models.CallAuditRecord{APIID: "a1", CreatedAt: day})

	mock.ExpectExec(`INSERT INTO api_stats_daily`).WillReturnError(errors.New("db down"))
	assert.Error(t, c.Flush(context.Background()))
}

func TestConsumeFromEmitter(t *testing.T) {
	c, mock := newCollector(t, "mysql")

	em := emitter.New(4)
	events := em.On("api.*")
	c.Consume(events)

	<-em.Emit("api.a1", &models.CallAuditRecord{APIID: "a1", Outcome: models.OutcomeOK, StatusCode: 200, Cost: 5, CreatedAt: day})

	assert.Eventually(t, func() bool {
		c.mu.RLock()
		defer c.mu.RUnlock()
		return len(c.buffer) == 1
	}, time.Second, 5*time.Millisecond)

	mock.ExpectExec(`INSERT INTO api_stats_daily`).
		WithArgs("a1", "2026-10-17", int64(1), int64(0), int64(0), int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, c.Flush(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDailyRange(t *testing.T) {
	c, mock := newCollector(t, "mysql")

	mock.ExpectQuery(`FROM api_stats_daily\s+WHERE api_id = \? AND day BETWEEN \? AND \?`).
		WithArgs("a1", "2026-10-01", "2026-10-31").
		WillReturnRows(sqlmock.NewRows([]string{"api_id", "day", "requests", "errors", "latency_sum_ms", "revenue"}).
			AddRow("a1", "2026-10-16", 4, 1, 200, 8).
			AddRow("a1", "2026-10-17", 0, 0, 0, 0))

	stats, err := c.DailyRange(context.Background(), "a1", "2026-10-01", "2026-10-31")
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, 50.0, stats[0].AvgLatencyMs)
	assert.Equal(t, 0.0, stats[1].AvgLatencyMs)

	_, err = c.DailyRange(context.Background(), "a1", "2026-10-31", "2026-10-01")
	assert.True(t, errors.Is(err, ErrInvalidRange))
	_, err = c.DailyRange(context.Background(), "a1", "yesterday", "2026-10-01")
	assert.True(t, errors.Is(err, ErrInvalidRange))
}
