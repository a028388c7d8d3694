package catalog

import (
	"context"
	"testing"
	"time"

	"github.com/pgwilde8/ledgrapi/gateway/internal/models"
	"github.com/pgwilde8/ledgrapi/gateway/internal/tier"
	"github.com/pgwilde8/ledgrapi/gateway/pkg/types"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var apiCols = []string{
	"id", "owner_id", "name", "description", "base_url", "auth_scheme", "auth_config",
	"pricing_model", "price_per_call", "free_calls_per_month", "is_public", "is_active", "status", "tags",
	"created_at", "updated_at",
}

var created = time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

func apiRow(id, owner string) *sqlmock.Rows {
	return sqlmock.NewRows(apiCols).AddRow(
		id, owner, "Price Oracle", "spot prices", "https://oracle.example.com", "api_key",
		`{"api_key":"secret"}`, "freemium", int64(2), int64(50), true, true, "published", `["defi","prices"]`,
		created, created,
	)
}

func newService(t *testing.T, rdb *redis.Client) (*Service, sqlmock.Sqlmock) {
	t.Helper()

	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { raw.Close() })

	s := NewService(sqlx.NewDb(raw, "mysql"), rdb, &Config{CacheTTL: time.Minute})
	s.now = func() time.Time { return created }
	return s, mock
}

func newRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return rdb, mr
}

func TestFindAPICachesLocally(t *testing.T) {
	s, mock := newService(t, nil)

	mock.ExpectQuery(`SELECT .* FROM apis WHERE id = \?`).WithArgs("a1").WillReturnRows(apiRow("a1", "o1"))

	api, err := s.FindAPI(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, "o1", api.OwnerID)
	assert.Equal(t, "secret", api.AuthConfig["api_key"])
	assert.Equal(t, models.StringList{"defi", "prices"}, api.Tags)
	assert.True(t, api.Callable())

	api.AuthConfig["api_key"] = "mutated"

	again, err := s.FindAPI(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, "secret", again.AuthConfig["api_key"], "callers get copies")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindAPISharedThroughRedis(t *testing.T) {
	rdb, mr := newRedis(t)

	first, mock := newService(t, rdb)
	mock.ExpectQuery(`FROM apis WHERE id`).WillReturnRows(apiRow("a1", "o1"))
	_, err := first.FindAPI(context.Background(), "a1")
	require.NoError(t, err)
	assert.True(t, mr.Exists(redisKeyPrefix+"a1"))

	second, mock2 := newService(t, rdb)
	api, err := second.FindAPI(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, "Price Oracle", api.Name)
	assert.Equal(t, "secret", api.AuthConfig["api_key"])
	assert.NoError(t, mock2.ExpectationsWereMet(), "served without touching the database")
}

func TestFindAPINotFound(t *testing.T) {
	s, mock := newService(t, nil)
	mock.ExpectQuery(`FROM apis WHERE id`).WillReturnRows(sqlmock.NewRows(apiCols))

	_, err := s.FindAPI(context.Background(), "missing")
	assert.True(t, errors.Is(err, ErrAPINotFound))
}

func TestPublish(t *testing.T) {
	s, mock := newService(t, nil)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM apis WHERE owner_id = \? AND is_active = \?`).
		WithArgs("o1", true).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec(`INSERT INTO apis`).WillReturnResult(sqlmock.NewResult(0, 1))

	api, err := s.Publish(context.Background(), "o1", tier.Free, &types.PublishRequest{
		Name:              " Price Oracle ",
		BaseURL:           "https://oracle.example.com",
		AuthScheme:        models.AuthAPIKey,
		AuthConfig:        map[string]string{"api_key": "secret"},
		PricePerCall:      2,
		FreeCallsPerMonth: 50,
		Publish:           true,
		Tags:              []string{"defi"},
	})
	require.NoError(t, err)

	assert.NotEmpty(t, api.ID)
	assert.Equal(t, "Price Oracle", api.Name)
	assert.Equal(t, models.PricingFreemium, api.PricingModel)
	assert.Equal(t, models.APIStatusPublished, api.Status)
	assert.True(t, api.IsPublic)
	assert.True(t, api.Callable())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPublishQuota(t *testing.T) {
	s, mock := newService(t, nil)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM apis`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	_, err := s.Publish(context.Background(), "o1", tier.Free, &types.PublishRequest{
		Name:    "Second",
		BaseURL: "https://second.example.com",
	})
	assert.True(t, errors.Is(err, ErrPublishQuota))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPublishValidation(t *testing.T) {
	s, mock := newService(t, nil)
	private := false

	tests := []types.PublishRequest{
		{Name: "", BaseURL: "https://x.example.com"},
		{Name: "x", BaseURL: "ftp://x.example.com"},
		{Name: "x", BaseURL: "not a url"},
		{Name: "x", BaseURL: "https://x.example.com", PricePerCall: -1},
		{Name: "x", BaseURL: "https://x.example.com", AuthScheme: "kerberos"},
		{Name: "x", BaseURL: "https://x.example.com", PricingModel: "barter", IsPublic: &private},
	}
	for _, req := range tests {
		req := req
		_, err := s.Publish(context.Background(), "o1", tier.Pro, &req)
		assert.True(t, errors.Is(err, ErrInvalidAPI), "request %+v", req)
	}
	assert.NoError(t, mock.ExpectationsWereMet(), "invalid requests never reach the database")
}

func TestSetStatusRequiresOwner(t *testing.T) {
	s, mock := newService(t, nil)
	mock.ExpectQuery(`FROM apis WHERE id`).WillReturnRows(apiRow("a1", "o1"))

	_, err := s.SetStatus(context.Background(), "intruder", "a1", models.APIStatusDeprecated)
	assert.True(t, errors.Is(err, ErrNotOwner))

	_, err = s.SetStatus(context.Background(), "o1", "a1", "archived")
	assert.True(t, errors.Is(err, ErrInvalidAPI))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSetStatusInvalidatesCache(t *testing.T) {
	rdb, mr := newRedis(t)
	s, mock := newService(t, rdb)

	mock.ExpectQuery(`FROM apis WHERE id`).WillReturnRows(apiRow("a1", "o1"))
	_, err := s.FindAPI(context.Background(), "a1")
	require.NoError(t, err)

	mock.ExpectQuery(`FROM apis WHERE id`).WillReturnRows(apiRow("a1", "o1"))
	mock.ExpectExec(`UPDATE apis SET status = \?`).
		WithArgs(models.APIStatusDeprecated, created, "a1", "o1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	api, err := s.SetStatus(context.Background(), "o1", "a1", models.APIStatusDeprecated)
	require.NoError(t, err)
	assert.Equal(t, models.APIStatusDeprecated, api.Status)
	assert.False(t, api.Callable())
	assert.False(t, mr.Exists(redisKeyPrefix+"a1"))

	s.mu.RLock()
	_, cached := s.local["a1"]
	s.mu.RUnlock()
	assert.False(t, cached)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeactivate(t *testing.T) {
	s, mock := newService(t, nil)

	mock.ExpectQuery(`FROM apis WHERE id`).WillReturnRows(apiRow("a1", "o1"))
	mock.ExpectExec(`UPDATE apis SET is_active = \?`).
		WithArgs(false, created, "a1", "o1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.Deactivate(context.Background(), "o1", "a1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListPublishedByTag(t *testing.T) {
	s, mock := newService(t, nil)

	mock.ExpectQuery(`WHERE status = \? AND is_active = \? AND is_public = \? AND tags LIKE \? ORDER BY created_at DESC LIMIT \? OFFSET \?`).
		WithArgs(models.APIStatusPublished, true, true, `%"defi"%`, 20, 0).
		WillReturnRows(apiRow("a1", "o1"))

	apis, err := s.ListPublished(context.Background(), -5, 0, "defi")
	require.NoError(t, err)
	require.Len(t, apis, 1)
	assert.Equal(t, "a1", apis[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCount(t *testing.T) {
	s, mock := newService(t, nil)

	mock.ExpectQuery(`SELECT COUNT\(\*\) AS published`).
		WillReturnRows(sqlmock.NewRows([]string{"published", "public"}).AddRow(7, 5))

	c, err := s.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(7), c.Published)
	assert.Equal(t, int64(5), c.Public)
}
