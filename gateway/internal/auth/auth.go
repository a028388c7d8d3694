// Package auth resolves gateway API keys to consumers.
package auth

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"sync"
	"time"

	"github.com/pgwilde8/ledgrapi/gateway/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

const redisKeyPrefix = "auth:"

// Service provides authentication.
type Service struct {
	db       *sqlx.DB
	redis    *redis.Client
	cache    map[string]*models.AuthContext
	cacheMu  sync.RWMutex
	cacheTTL time.Duration

	done     chan struct{}
	stopOnce sync.Once
}

// Config holds auth service configuration.
type Config struct {
	CacheTTL        time.Duration
	CleanupInterval time.Duration
}

// NewService creates a new auth service. redisClient may be nil.
func NewService(db *sqlx.DB, redisClient *redis.Client, cfg *Config) *Service {
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = cfg.CacheTTL
	}

	s := &Service{
		db:       db,
		redis:    redisClient,
		cache:    make(map[string]*models.AuthContext),
		cacheTTL: cfg.CacheTTL,
		done:     make(chan struct{}),
	}

	go s.cleanupLoop(cfg.CleanupInterval)

	return s
}

// Close stops the cache cleanup goroutine.
func (s *Service) Close() {
	s.stopOnce.Do(func() { close(s.done) })
}

// Authenticate validates an API key and returns the consumer behind it.
func (s *Service) Authenticate(ctx context.Context, apiKey string) (*models.AuthContext, error) {
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}

	keyHash := HashAPIKey(apiKey)

	if authCtx := s.getFromCache(keyHash); authCtx != nil {
		return authCtx, nil
	}

	if s.redis != nil {
		if authCtx, err := s.getFromRedis(ctx, keyHash); err == nil && authCtx.IsValid() {
			s.putToCache(keyHash, authCtx)
			return authCtx, nil
		}
	}

	authCtx, err := s.queryAuthContext(ctx, keyHash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInvalidAPIKey
		}
		return nil, errors.Wrap(err, "failed to query auth context")
	}

	if !authCtx.IsValid() {
		if authCtx.Status == models.ConsumerStatusSuspended {
			return nil, ErrSuspendedConsumer
		}
		return nil, ErrInvalidAPIKey
	}

	authCtx.CachedAt = time.Now()
	s.putToCache(keyHash, authCtx)
	if s.redis != nil {
		s.putToRedis(ctx, keyHash, authCtx)
	}

	return authCtx, nil
}

// InvalidateCache removes an API key from all caches.
func (s *Service) InvalidateCache(ctx context.Context, apiKey string) {
	keyHash := HashAPIKey(apiKey)
	s.removeFromCache(keyHash)
	if s.redis != nil {
		s.redis.Del(ctx, redisKeyPrefix+keyHash)
	}
}

func (s *Service) queryAuthContext(ctx context.Context, keyHash string) (*models.AuthContext, error) {
	var c models.Consumer
	query := s.db.Rebind(`SELECT id, name, email, tier, status, api_key_hash, created_at
		FROM consumers WHERE api_key_hash = ?`)
	if err := s.db.GetContext(ctx, &c, query, keyHash); err != nil {
		return nil, err
	}

	return &models.AuthContext{
		ConsumerID: c.ID,
		Name:       c.Name,
		Email:      c.Email,
		Tier:       c.Tier,
		Status:     c.Status,
	}, nil
}

// Cache methods
func (s *Service) getFromCache(keyHash string) *models.AuthContext {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()

	authCtx, ok := s.cache[keyHash]
	if !ok {
		return nil
	}
	if time.Since(authCtx.CachedAt) > s.cacheTTL {
		return nil
	}
	cp := *authCtx
	return &cp
}

func (s *Service) putToCache(keyHash string, authCtx *models.AuthContext) {
	cp := *authCtx
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	s.cache[keyHash] = &cp
}

func (s *Service) removeFromCache(keyHash string) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	delete(s.cache, keyHash)
}

func (s *Service) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanupCache()
		case <-s.done:
			return
		}
	}
}

func (s *Service) cleanupCache() {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()

	now := time.Now()
	for key, authCtx := range s.cache {
		if now.Sub(authCtx.CachedAt) > s.cacheTTL {
			delete(s.cache, key)
		}
	}
}

// Redis methods
func (s *Service) getFromRedis(ctx context.Context, keyHash string) (*models.AuthContext, error) {
	raw, err := s.redis.Get(ctx, redisKeyPrefix+keyHash).Bytes()
	if err != nil {
		return nil, err
	}
	var authCtx models.AuthContext
	if err := msgpack.Unmarshal(raw, &authCtx); err != nil {
		return nil, errors.Wrap(err, "decode cached auth context")
	}
	return &authCtx, nil
}

func (s *Service) putToRedis(ctx context.Context, keyHash string, authCtx *models.AuthContext) {
	raw, err := msgpack.Marshal(authCtx)
	if err != nil {
		return
	}
	s.redis.Set(ctx, redisKeyPrefix+keyHash, raw, s.cacheTTL)
}

// HashAPIKey creates a SHA-256 hash of the API key.
func HashAPIKey(apiKey string) string {
	hash := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(hash[:])
}

// Error definitions
var (
	ErrMissingAPIKey     = errors.New("API key is required")
	ErrInvalidAPIKey     = errors.New("invalid API key")
	ErrSuspendedConsumer = errors.New("consumer account is suspended")
)
