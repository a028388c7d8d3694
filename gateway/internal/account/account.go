// Package account provides consumer account lookups.
package account

import (
	"context"
	"database/sql"

	"github.com/pgwilde8/ledgrapi/gateway/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

// Service provides consumer account operations.
type Service struct {
	db *sqlx.DB
}

// NewService creates a new account service.
func NewService(db *sqlx.DB) *Service {
	return &Service{db: db}
}

// GetByID retrieves a consumer by ID.
func (s *Service) GetByID(ctx context.Context, id string) (*models.Consumer, error) {
	query := s.db.Rebind(`SELECT id, name, email, tier, status, api_key_hash, created_at
	          FROM consumers WHERE id = ?`)

	var c models.Consumer
	if err := s.db.GetContext(ctx, &c, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrConsumerNotFound
		}
		return nil, errors.Wrap(err, "failed to get consumer")
	}
	return &c, nil
}

// Stats counts consumers by status.
type Stats struct {
	Total     int64 `db:"total" json:"total_consumers"`
	Active    int64 `db:"active" json:"active_consumers"`
	Suspended int64 `db:"suspended" json:"suspended_consumers"`
}

// GetStats returns consumer statistics. Deleted accounts are not counted.
func (s *Service) GetStats(ctx context.Context) (*Stats, error) {
	query := s.db.Rebind(`SELECT
			COUNT(*) AS total,
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS active,
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS suspended
		FROM consumers WHERE status <> ?`)

	var stats Stats
	err := s.db.GetContext(ctx, &stats, query,
		models.ConsumerStatusActive, models.ConsumerStatusSuspended, models.ConsumerStatusDeleted)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get consumer stats")
	}
	return &stats, nil
}

// Error definitions
var (
	ErrConsumerNotFound = errors.New("consumer not found")
)
