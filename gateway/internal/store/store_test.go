package store

import (
	"context"
	"testing"

	"github.com/pgwilde8/ledgrapi/gateway/internal/config"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDSN(t *testing.T) {
	cfg := &config.DatabaseConfig{
		Driver: MySQL, Host: "db", Port: 3306, User: "u", Password: "p", Database: "ledgrapi",
	}
	dsn, err := DSN(cfg)
	require.NoError(t, err)
	assert.Equal(t, "u:p@tcp(db:3306)/ledgrapi?parseTime=true&loc=UTC", dsn)

	cfg.Driver = Postgres
	cfg.Port = 5432
	cfg.SSLMode = "disable"
	dsn, err = DSN(cfg)
	require.NoError(t, err)
	assert.Equal(t, "host=db port=5432 dbname=ledgrapi user=u password=p sslmode=disable", dsn)

	cfg.Driver = "sqlite"
	_, err = DSN(cfg)
	assert.True(t, errors.Is(err, ErrUnsupportedDriver))
}

func TestInsertIgnore(t *testing.T) {
	cols := []string{"consumer_id", "api_id"}
	key := []string{"consumer_id", "api_id"}

	assert.Equal(t,
		"INSERT IGNORE INTO usage_counters (consumer_id, api_id) VALUES (?, ?)",
		InsertIgnore(MySQL, "usage_counters", cols, key))
	assert.Equal(t,
		"INSERT INTO usage_counters (consumer_id, api_id) VALUES (?, ?) ON CONFLICT (consumer_id, api_id) DO NOTHING",
		InsertIgnore(Postgres, "usage_counters", cols, key))
}

func TestUpsertAdd(t *testing.T) {
	cols := []string{"api_id", "day", "requests"}
	key := []string{"api_id", "day"}

	assert.Equal(t,
		"INSERT INTO api_stats_daily (api_id, day, requests) VALUES (?, ?, ?) ON DUPLICATE KEY UPDATE requests = requests + VALUES(requests)",
		UpsertAdd(MySQL, "api_stats_daily", cols, key, []string{"requests"}))
	assert.Equal(t,
		"INSERT INTO api_stats_daily (api_id, day, requests) VALUES (?, ?, ?) ON CONFLICT (api_id, day) DO UPDATE SET requests = api_stats_daily.requests + EXCLUDED.requests",
		UpsertAdd(Postgres, "api_stats_daily", cols, key, []string{"requests"}))
}

func TestMigrate(t *testing.T) {
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer raw.Close()

	db := sqlx.NewDb(raw, "postgres")
	assert.Equal(t, Postgres, Dialect(db))

	for i := 0; i < 10; i++ {
		mock.ExpectExec("CREATE").WillReturnResult(sqlmock.NewResult(0, 0))
	}

	require.NoError(t, Migrate(context.Background(), db))
	assert.NoError(t, mock.ExpectationsWereMet())
}
