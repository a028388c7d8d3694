package ledger

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/pgwilde8/ledgrapi/gateway/internal/models"
	"github.com/pgwilde8/ledgrapi/gateway/internal/store"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

const counterColumns = `consumer_id, api_id, period, calls_this_month, calls_total,
	cost_this_month, cost_total, calls_in_flight, updated_at`

const auditColumns = `id, correlation_id, consumer_id, api_id, path, method, status_code,
	outcome, latency_ms, response_size, cost, was_free, client_ip, user_agent, referer,
	request_headers, request_body, response_body, error_message, created_at`

const insertAudit = `INSERT INTO call_audit (` + auditColumns + `) VALUES (
	:id, :correlation_id, :consumer_id, :api_id, :path, :method, :status_code,
	:outcome, :latency_ms, :response_size, :cost, :was_free, :client_ip, :user_agent, :referer,
	:request_headers, :request_body, :response_body, :error_message, :created_at)`

// SQLStore is the ledger backed by MySQL or Postgres. Counter updates run in a
// transaction holding the row lock (SELECT ... FOR UPDATE).
type SQLStore struct {
	db      *sqlx.DB
	dialect string
	now     func() time.Time
}

// NewSQLStore creates a ledger on db.
func NewSQLStore(db *sqlx.DB) *SQLStore {
	return &SQLStore{
		db:      db,
		dialect: store.Dialect(db),
		now:     time.Now,
	}
}

// SetClock replaces the time source.
func (s *SQLStore) SetClock(now func() time.Time) {
	s.now = now
}

func (s *SQLStore) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return errors.Wrap(tx.Commit(), "failed to commit transaction")
}

// ensure creates the counter row if it does not exist.
func (s *SQLStore) ensure(ctx context.Context, ex sqlx.ExecerContext, consumerID, apiID string, now time.Time) error {
	q := s.db.Rebind(store.InsertIgnore(s.dialect, "usage_counters",
		[]string{"consumer_id", "api_id", "period", "updated_at"},
		[]string{"consumer_id", "api_id"}))
	if _, err := ex.ExecContext(ctx, q, consumerID, apiID, Period(now), now); err != nil {
		return errors.Wrap(err, "failed to create usage counter")
	}
	return nil
}

func (s *SQLStore) lockRow(ctx context.Context, tx *sqlx.Tx, consumerID, apiID string) (*models.UsageCounter, error) {
	var c models.UsageCounter
	q := tx.Rebind(`SELECT ` + counterColumns + ` FROM usage_counters
		WHERE consumer_id = ? AND api_id = ? FOR UPDATE`)
	if err := tx.GetContext(ctx, &c, q, consumerID, apiID); err != nil {
		return nil, errors.Wrap(err, "failed to lock usage counter")
	}
	return &c, nil
}

func (s *SQLStore) writeRow(ctx context.Context, tx *sqlx.Tx, c *models.UsageCounter) error {
	q := tx.Rebind(`UPDATE usage_counters SET period = ?, calls_this_month = ?, calls_total = ?,
		cost_this_month = ?, cost_total = ?, calls_in_flight = ?, updated_at = ?
		WHERE consumer_id = ? AND api_id = ?`)
	_, err := tx.ExecContext(ctx, q,
		c.Period, c.CallsThisMonth, c.CallsTotal, c.CostThisMonth, c.CostTotal,
		c.CallsInFlight, c.UpdatedAt, c.ConsumerID, c.APIID,
	)
	return errors.Wrap(err, "failed to update usage counter")
}

// locked runs fn on the locked counter and persists the result.
func (s *SQLStore) locked(ctx context.Context, consumerID, apiID string,
	fn func(tx *sqlx.Tx, c *models.UsageCounter, now time.Time) error) (*models.UsageCounter, error) {

	var out *models.UsageCounter
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		now := s.now().UTC()
		if err := s.ensure(ctx, tx, consumerID, apiID, now); err != nil {
			return err
		}
		c, err := s.lockRow(ctx, tx, consumerID, apiID)
		if err != nil {
			return err
		}
		if err := fn(tx, c, now); err != nil {
			return err
		}
		c.UpdatedAt = now
		if err := s.writeRow(ctx, tx, c); err != nil {
			return err
		}
		out = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetOrCreate implements Store.
func (s *SQLStore) GetOrCreate(ctx context.Context, consumerID, apiID string) (*models.UsageCounter, error) {
	if err := s.ensure(ctx, s.db, consumerID, apiID, s.now().UTC()); err != nil {
		return nil, err
	}

	var c models.UsageCounter
	q := s.db.Rebind(`SELECT ` + counterColumns + ` FROM usage_counters WHERE consumer_id = ? AND api_id = ?`)
	if err := s.db.GetContext(ctx, &c, q, consumerID, apiID); err != nil {
		return nil, errors.Wrap(err, "failed to get usage counter")
	}
	// The stored row is reset by the next locked write or the roller.
	rollover(&c, Period(s.now().UTC()))
	return &c, nil
}

// Reserve implements Store.
func (s *SQLStore) Reserve(ctx context.Context, r Reservation) (*models.UsageCounter, error) {
	var denied *models.UsageCounter
	c, err := s.locked(ctx, r.ConsumerID, r.APIID, func(_ *sqlx.Tx, c *models.UsageCounter, now time.Time) error {
		rollover(c, Period(now))
		if err := admit(c, r); err != nil {
			snapshot := *c
			denied = &snapshot
			return err
		}
		c.CallsInFlight++
		return nil
	})
	if errors.Is(err, ErrPaymentRequired) {
		return denied, err
	}
	return c, err
}

// Release implements Store.
func (s *SQLStore) Release(ctx context.Context, consumerID, apiID string) error {
	_, err := s.locked(ctx, consumerID, apiID, func(_ *sqlx.Tx, c *models.UsageCounter, _ time.Time) error {
		release(c)
		return nil
	})
	return err
}

// ApplyCall implements Store.
func (s *SQLStore) ApplyCall(ctx context.Context, st Settlement) (*models.UsageCounter, *models.CallAuditRecord, error) {
	if err := validate(st); err != nil {
		return nil, nil, err
	}

	rec := *st.Record
	st.Record = &rec

	c, err := s.locked(ctx, st.ConsumerID, st.APIID, func(tx *sqlx.Tx, c *models.UsageCounter, now time.Time) error {
		rollover(c, Period(now))
		settle(c, st)
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = now
		}
		if _, err := tx.NamedExecContext(ctx, insertAudit, &rec); err != nil {
			return errors.Wrap(err, "failed to append audit record")
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return c, &rec, nil
}

// ResetMonthly implements Store.
func (s *SQLStore) ResetMonthly(ctx context.Context, consumerID, apiID string) (*models.UsageCounter, error) {
	return s.locked(ctx, consumerID, apiID, func(_ *sqlx.Tx, c *models.UsageCounter, now time.Time) error {
		c.CallsThisMonth = 0
		c.CostThisMonth = 0
		c.Period = Period(now)
		return nil
	})
}

// RollOver implements Store.
func (s *SQLStore) RollOver(ctx context.Context, period string) (int64, error) {
	q := s.db.Rebind(`UPDATE usage_counters SET calls_this_month = 0, cost_this_month = 0,
		period = ?, updated_at = ? WHERE period <> ?`)
	res, err := s.db.ExecContext(ctx, q, period, s.now().UTC(), period)
	if err != nil {
		return 0, errors.Wrap(err, "failed to roll over usage counters")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}
	return n, nil
}

// ListAudit implements Store.
func (s *SQLStore) ListAudit(ctx context.Context, f AuditFilter) ([]*models.CallAuditRecord, error) {
	var (
		where []string
		args  []any
	)
	if f.APIID != "" {
		where = append(where, "api_id = ?")
		args = append(args, f.APIID)
	}
	if f.ConsumerID != "" {
		where = append(where, "consumer_id = ?")
		args = append(args, f.ConsumerID)
	}
	if !f.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, f.Since.UTC())
	}

	q := `SELECT ` + auditColumns + ` FROM call_audit`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	args = append(args, f.limit(), offset)

	records := []*models.CallAuditRecord{}
	if err := s.db.SelectContext(ctx, &records, s.db.Rebind(q), args...); err != nil {
		return nil, errors.Wrap(err, "failed to list audit records")
	}
	return records, nil
}

// Summary implements Store.
func (s *SQLStore) Summary(ctx context.Context, consumerID, period string) (*Summary, error) {
	sum := Summary{ConsumerID: consumerID, Period: period}
	q := s.db.Rebind(`SELECT COALESCE(SUM(calls_this_month), 0) AS calls,
		COALESCE(SUM(cost_this_month), 0) AS cost, COUNT(*) AS apis
		FROM usage_counters WHERE consumer_id = ? AND period = ?`)
	if err := s.db.GetContext(ctx, &sum, q, consumerID, period); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &sum, nil
		}
		return nil, errors.Wrap(err, "failed to summarize usage")
	}
	return &sum, nil
}
