// Package catalog is the credential store: registered APIs, their upstream
// credentials and their pricing.
package catalog

import (
	"context"
	"database/sql"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pgwilde8/ledgrapi/gateway/internal/models"
	"github.com/pgwilde8/ledgrapi/gateway/internal/tier"
	"github.com/pgwilde8/ledgrapi/gateway/pkg/types"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

const apiColumns = `id, owner_id, name, description, base_url, auth_scheme, auth_config,
	pricing_model, price_per_call, free_calls_per_month, is_public, is_active, status, tags,
	created_at, updated_at`

const redisKeyPrefix = "catalog:api:"

// Service reads and mutates registered APIs. Reads go through a process
// cache and, when configured, a shared Redis cache.
type Service struct {
	db    *sqlx.DB
	redis *redis.Client
	ttl   time.Duration

	mu    sync.RWMutex
	local map[string]*cachedAPI

	now func() time.Time
}

type cachedAPI struct {
	api      *models.RegisteredAPI
	cachedAt time.Time
}

// Config holds catalog settings.
type Config struct {
	CacheTTL time.Duration
}

// NewService creates a catalog service. redisClient may be nil.
func NewService(db *sqlx.DB, redisClient *redis.Client, cfg *Config) *Service {
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Service{
		db:    db,
		redis: redisClient,
		ttl:   ttl,
		local: make(map[string]*cachedAPI),
		now:   time.Now,
	}
}

// FindAPI returns an API by id whatever its status.
func (s *Service) FindAPI(ctx context.Context, id string) (*models.RegisteredAPI, error) {
	if api := s.fromLocal(id); api != nil {
		return api, nil
	}
	if api := s.fromRedis(ctx, id); api != nil {
		s.toLocal(api)
		return clone(api), nil
	}

	api, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	s.toLocal(api)
	s.toRedis(ctx, api)
	return clone(api), nil
}

func (s *Service) load(ctx context.Context, id string) (*models.RegisteredAPI, error) {
	var api models.RegisteredAPI
	q := s.db.Rebind(`SELECT ` + apiColumns + ` FROM apis WHERE id = ?`)
	if err := s.db.GetContext(ctx, &api, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAPINotFound
		}
		return nil, errors.Wrap(err, "failed to get api")
	}
	return &api, nil
}

// Publish registers a new API for owner, enforcing the owner's tier publish quota.
func (s *Service) Publish(ctx context.Context, ownerID, ownerTier string, req *types.PublishRequest) (*models.RegisteredAPI, error) {
	api, err := newAPI(ownerID, req, s.now().UTC())
	if err != nil {
		return nil, err
	}

	owned, err := s.CountOwned(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if !tier.CanPublish(tier.Lookup(ownerTier), int(owned)) {
		return nil, ErrPublishQuota
	}

	q := `INSERT INTO apis (` + apiColumns + `) VALUES (
		:id, :owner_id, :name, :description, :base_url, :auth_scheme, :auth_config,
		:pricing_model, :price_per_call, :free_calls_per_month, :is_public, :is_active, :status, :tags,
		:created_at, :updated_at)`
	if _, err := s.db.NamedExecContext(ctx, q, api); err != nil {
		return nil, errors.Wrap(err, "failed to create api")
	}
	return api, nil
}

func newAPI(ownerID string, req *types.PublishRequest, now time.Time) (*models.RegisteredAPI, error) {
	if strings.TrimSpace(req.Name) == "" {
		return nil, errors.Wrap(ErrInvalidAPI, "name is required")
	}
	u, err := url.Parse(req.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, errors.Wrap(ErrInvalidAPI, "base_url must be an absolute http(s) url")
	}
	if req.PricePerCall < 0 || req.FreeCallsPerMonth < 0 {
		return nil, errors.Wrap(ErrInvalidAPI, "price_per_call and free_calls_per_month must not be negative")
	}

	scheme := req.AuthScheme
	if scheme == "" {
		scheme = models.AuthNone
	}
	if !scheme.Valid() {
		return nil, errors.Wrapf(ErrInvalidAPI, "unknown auth_type %q", scheme)
	}
	pricing := req.PricingModel
	if pricing == "" {
		pricing = models.PricingFreemium
	}
	if !pricing.Valid() {
		return nil, errors.Wrapf(ErrInvalidAPI, "unknown pricing_model %q", pricing)
	}

	public := true
	if req.IsPublic != nil {
		public = *req.IsPublic
	}
	status := models.APIStatusDraft
	if req.Publish {
		status = models.APIStatusPublished
	}

	return &models.RegisteredAPI{
		ID:                uuid.NewString(),
		OwnerID:           ownerID,
		Name:              strings.TrimSpace(req.Name),
		Description:       req.Description,
		BaseURL:           req.BaseURL,
		AuthScheme:        scheme,
		AuthConfig:        models.StringMap(req.AuthConfig),
		PricingModel:      pricing,
		PricePerCall:      req.PricePerCall,
		FreeCallsPerMonth: req.FreeCallsPerMonth,
		IsPublic:          public,
		IsActive:          true,
		Status:            status,
		Tags:              models.StringList(req.Tags),
		CreatedAt:         now,
		UpdatedAt:         now,
	}, nil
}

// CountOwned counts the owner's active APIs.
func (s *Service) CountOwned(ctx context.Context, ownerID string) (int64, error) {
	var n int64
	q := s.db.Rebind(`SELECT COUNT(*) FROM apis WHERE owner_id = ? AND is_active = ?`)
	if err := s.db.GetContext(ctx, &n, q, ownerID, true); err != nil {
		return 0, errors.Wrap(err, "failed to count apis")
	}
	return n, nil
}

// ListPublished lists public, active, published APIs, optionally filtered by tag.
func (s *Service) ListPublished(ctx context.Context, offset, limit int, tag string) ([]*models.RegisteredAPI, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	q := `SELECT ` + apiColumns + ` FROM apis WHERE status = ? AND is_active = ? AND is_public = ?`
	args := []any{models.APIStatusPublished, true, true}
	if tag != "" {
		q += ` AND tags LIKE ?`
		args = append(args, `%"`+tag+`"%`)
	}
	q += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	apis := []*models.RegisteredAPI{}
	if err := s.db.SelectContext(ctx, &apis, s.db.Rebind(q), args...); err != nil {
		return nil, errors.Wrap(err, "failed to list apis")
	}
	return apis, nil
}

// ListByOwner lists every API owned by ownerID, including inactive ones.
func (s *Service) ListByOwner(ctx context.Context, ownerID string) ([]*models.RegisteredAPI, error) {
	apis := []*models.RegisteredAPI{}
	q := s.db.Rebind(`SELECT ` + apiColumns + ` FROM apis WHERE owner_id = ? ORDER BY created_at DESC`)
	if err := s.db.SelectContext(ctx, &apis, q, ownerID); err != nil {
		return nil, errors.Wrap(err, "failed to list owner apis")
	}
	return apis, nil
}

// SetStatus changes the publication status of an owner's API.
func (s *Service) SetStatus(ctx context.Context, ownerID, id string, status models.APIStatus) (*models.RegisteredAPI, error) {
	if !status.Valid() {
		return nil, errors.Wrapf(ErrInvalidAPI, "unknown status %q", status)
	}
	api, err := s.owned(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	q := s.db.Rebind(`UPDATE apis SET status = ?, updated_at = ? WHERE id = ? AND owner_id = ?`)
	if _, err := s.db.ExecContext(ctx, q, status, now, id, ownerID); err != nil {
		return nil, errors.Wrap(err, "failed to update api status")
	}
	s.Invalidate(ctx, id)

	api.Status = status
	api.UpdatedAt = now
	return api, nil
}

// Deactivate soft-deletes an owner's API. APIs are never hard-deleted.
func (s *Service) Deactivate(ctx context.Context, ownerID, id string) error {
	if _, err := s.owned(ctx, ownerID, id); err != nil {
		return err
	}
	q := s.db.Rebind(`UPDATE apis SET is_active = ?, updated_at = ? WHERE id = ? AND owner_id = ?`)
	if _, err := s.db.ExecContext(ctx, q, false, s.now().UTC(), id, ownerID); err != nil {
		return errors.Wrap(err, "failed to deactivate api")
	}
	s.Invalidate(ctx, id)
	return nil
}

func (s *Service) owned(ctx context.Context, ownerID, id string) (*models.RegisteredAPI, error) {
	api, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if api.OwnerID != ownerID {
		return nil, ErrNotOwner
	}
	return api, nil
}

// Counts holds marketplace totals.
type Counts struct {
	Published int64 `db:"published" json:"published_apis"`
	Public    int64 `db:"public" json:"public_apis"`
}

// Count returns how many APIs are callable and how many of those are public.
func (s *Service) Count(ctx context.Context) (*Counts, error) {
	var c Counts
	q := s.db.Rebind(`SELECT COUNT(*) AS published,
		COALESCE(SUM(CASE WHEN is_public THEN 1 ELSE 0 END), 0) AS public
		FROM apis WHERE status = ? AND is_active = ?`)
	if err := s.db.GetContext(ctx, &c, q, models.APIStatusPublished, true); err != nil {
		return nil, errors.Wrap(err, "failed to count apis")
	}
	return &c, nil
}

// Invalidate drops an API from both caches.
func (s *Service) Invalidate(ctx context.Context, id string) {
	s.mu.Lock()
	delete(s.local, id)
	s.mu.Unlock()

	if s.redis != nil {
		_ = s.redis.Del(ctx, redisKeyPrefix+id).Err()
	}
}

func (s *Service) fromLocal(id string) *models.RegisteredAPI {
	s.mu.RLock()
	entry, ok := s.local[id]
	s.mu.RUnlock()

	if !ok || s.now().Sub(entry.cachedAt) > s.ttl {
		return nil
	}
	return clone(entry.api)
}

func (s *Service) toLocal(api *models.RegisteredAPI) {
	s.mu.Lock()
	s.local[api.ID] = &cachedAPI{api: clone(api), cachedAt: s.now()}
	s.mu.Unlock()
}

func (s *Service) fromRedis(ctx context.Context, id string) *models.RegisteredAPI {
	if s.redis == nil {
		return nil
	}
	raw, err := s.redis.Get(ctx, redisKeyPrefix+id).Bytes()
	if err != nil {
		return nil
	}
	var api models.RegisteredAPI
	if err := msgpack.Unmarshal(raw, &api); err != nil {
		return nil
	}
	return &api
}

func (s *Service) toRedis(ctx context.Context, api *models.RegisteredAPI) {
	if s.redis == nil {
		return
	}
	raw, err := msgpack.Marshal(api)
	if err != nil {
		return
	}
	_ = s.redis.Set(ctx, redisKeyPrefix+api.ID, raw, s.ttl).Err()
}

func clone(api *models.RegisteredAPI) *models.RegisteredAPI {
	cp := *api
	if api.AuthConfig != nil {
		cp.AuthConfig = make(models.StringMap, len(api.AuthConfig))
		for k, v := range api.AuthConfig {
			cp.AuthConfig[k] = v
		}
	}
	if api.Tags != nil {
		cp.Tags = append(models.StringList(nil), api.Tags...)
	}
	return &cp
}

// Error definitions
var (
	ErrAPINotFound  = errors.New("api not found")
	ErrNotOwner     = errors.New("api belongs to another owner")
	ErrPublishQuota = errors.New("publish quota reached for tier")
	ErrInvalidAPI   = errors.New("invalid api definition")
)
