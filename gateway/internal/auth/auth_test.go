package auth

import (
	"context"
	"testing"
	"time"

	"github.com/pgwilde8/ledgrapi/gateway/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var consumerCols = []string{"id", "name", "email", "tier", "status", "api_key_hash", "created_at"}

func consumerRow(status models.ConsumerStatus) *sqlmock.Rows {
	return sqlmock.NewRows(consumerCols).
		AddRow("c1", "Ada", "ada@example.com", "builder", string(status), HashAPIKey("key-1"), time.Now())
}

func newService(t *testing.T, rdb *redis.Client) (*Service, sqlmock.Sqlmock) {
	t.Helper()

	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { raw.Close() })

	s := NewService(sqlx.NewDb(raw, "mysql"), rdb, &Config{CacheTTL: time.Minute})
	t.Cleanup(s.Close)
	return s, mock
}

func TestHashAPIKey(t *testing.T) {
	h := HashAPIKey("abc")
	assert.Len(t, h, 64)
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", h)
}

func TestAuthenticateMissingKey(t *testing.T) {
	s, _ := newService(t, nil)
	_, err := s.Authenticate(context.Background(), "")
	assert.True(t, errors.Is(err, ErrMissingAPIKey))
}

func TestAuthenticateCachesConsumer(t *testing.T) {
	s, mock := newService(t, nil)

	mock.ExpectQuery(`SELECT .* FROM consumers WHERE api_key_hash = \?`).
		WithArgs(HashAPIKey("key-1")).
		WillReturnRows(consumerRow(models.ConsumerStatusActive))

	ac, err := s.Authenticate(context.Background(), "key-1")
	require.NoError(t, err)
	assert.Equal(t, "c1", ac.ConsumerID)
	assert.Equal(t, "builder", ac.Tier)

	again, err := s.Authenticate(context.Background(), "key-1")
	require.NoError(t, err)
	assert.Equal(t, "c1", again.ConsumerID)
	assert.NoError(t, mock.ExpectationsWereMet(), "second lookup is served from memory")
}

func TestAuthenticateUnknownKey(t *testing.T) {
	s, mock := newService(t, nil)
	mock.ExpectQuery(`FROM consumers`).WillReturnRows(sqlmock.NewRows(consumerCols))

	_, err := s.Authenticate(context.Background(), "nope")
	assert.True(t, errors.Is(err, ErrInvalidAPIKey))
}

func TestAuthenticateSuspended(t *testing.T) {
	s, mock := newService(t, nil)
	mock.ExpectQuery(`FROM consumers`).WillReturnRows(consumerRow(models.ConsumerStatusSuspended))
	mock.ExpectQuery(`FROM consumers`).WillReturnRows(consumerRow(models.ConsumerStatusSuspended))

	_, err := s.Authenticate(context.Background(), "key-1")
	assert.True(t, errors.Is(err, ErrSuspendedConsumer))

	_, err = s.Authenticate(context.Background(), "key-1")
	assert.True(t, errors.Is(err, ErrSuspendedConsumer), "suspended consumers are not cached")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAuthenticateThroughRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	first, mock := newService(t, rdb)
	mock.ExpectQuery(`FROM consumers`).WillReturnRows(consumerRow(models.ConsumerStatusActive))
	_, err := first.Authenticate(context.Background(), "key-1")
	require.NoError(t, err)
	assert.True(t, mr.Exists(redisKeyPrefix+HashAPIKey("key-1")))

	second, mock2 := newService(t, rdb)
	ac, err := second.Authenticate(context.Background(), "key-1")
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", ac.Email)
	assert.NoError(t, mock2.ExpectationsWereMet())

	second.InvalidateCache(context.Background(), "key-1")
	assert.False(t, mr.Exists(redisKeyPrefix+HashAPIKey("key-1")))
}

func TestCleanupCacheDropsExpired(t *testing.T) {
	s, _ := newService(t, nil)
	s.putToCache("old", &models.AuthContext{ConsumerID: "c1", Status: models.ConsumerStatusActive, CachedAt: time.Now().Add(-time.Hour)})
	s.putToCache("new", &models.AuthContext{ConsumerID: "c2", Status: models.ConsumerStatusActive, CachedAt: time.Now()})

	s.cleanupCache()

	assert.Nil(t, s.getFromCache("old"))
	assert.NotNil(t, s.getFromCache("new"))
}
