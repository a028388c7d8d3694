// Package ledger records per (consumer, API) usage and the append-only call log.
//
// A call goes through two atomic steps. Reserve locks the usage row, refuses
// the call when the consumer cannot pay for overage and the free quota is
// already spoken for, and otherwise marks one call in flight. ApplyCall locks
// the row again, releases the reservation, decides free or paid against the
// count as it stands under the lock, bumps the counters and appends the audit
// record in the same transaction.
package ledger

import (
	"context"
	"time"

	"github.com/pgwilde8/ledgrapi/gateway/internal/models"

	"github.com/pkg/errors"
)

// Store is the usage ledger.
type Store interface {
	// GetOrCreate returns the counter for the pair, creating a zero row if needed.
	// A counter from a past period is returned with its monthly fields zeroed.
	GetOrCreate(ctx context.Context, consumerID, apiID string) (*models.UsageCounter, error)
	// Reserve admits one call against the counter or fails with ErrPaymentRequired.
	Reserve(ctx context.Context, r Reservation) (*models.UsageCounter, error)
	// Release drops a reservation without recording a call.
	Release(ctx context.Context, consumerID, apiID string) error
	// ApplyCall settles a reserved call and appends its audit record atomically.
	ApplyCall(ctx context.Context, s Settlement) (*models.UsageCounter, *models.CallAuditRecord, error)
	// ResetMonthly zeroes the monthly fields of one counter.
	ResetMonthly(ctx context.Context, consumerID, apiID string) (*models.UsageCounter, error)
	// RollOver resets every counter whose period differs from period.
	RollOver(ctx context.Context, period string) (int64, error)
	// ListAudit returns audit records, newest first.
	ListAudit(ctx context.Context, f AuditFilter) ([]*models.CallAuditRecord, error)
	// Summary totals a consumer's usage for a period across all APIs.
	Summary(ctx context.Context, consumerID, period string) (*Summary, error)
}

// Reservation describes the quota check made before a call is forwarded.
type Reservation struct {
	ConsumerID  string
	APIID       string
	FreeQuota   int64
	PaidOverage bool
}

// Settlement describes a finished call. Record carries everything except
// Cost and WasFree, which the store fills in under the row lock.
type Settlement struct {
	ConsumerID   string
	APIID        string
	FreeQuota    int64
	PricePerCall int64
	Record       *models.CallAuditRecord
}

// AuditFilter selects audit records.
type AuditFilter struct {
	APIID      string
	ConsumerID string
	Since      time.Time
	Limit      int
	Offset     int
}

// Summary is a consumer's month-to-date usage.
type Summary struct {
	ConsumerID string `json:"consumer_id" db:"-"`
	Period     string `json:"period" db:"-"`
	Calls      int64  `json:"calls" db:"calls"`
	Cost       int64  `json:"cost" db:"cost"`
	APIs       int64  `json:"apis" db:"apis"`
}

const (
	defaultAuditLimit = 50
	maxAuditLimit     = 500
)

// Period returns the billing period tag (YYYY-MM, UTC) for t.
func Period(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// NextPeriodStart returns the first instant of the period after the one containing t.
func NextPeriodStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, time.UTC)
}

func (f AuditFilter) limit() int {
	switch {
	case f.Limit <= 0:
		return defaultAuditLimit
	case f.Limit > maxAuditLimit:
		return maxAuditLimit
	default:
		return f.Limit
	}
}

// rollover starts a new period on c if its tag is stale. Totals are untouched.
func rollover(c *models.UsageCounter, period string) bool {
	if c.Period == period {
		return false
	}
	c.Period = period
	c.CallsThisMonth = 0
	c.CostThisMonth = 0
	return true
}

// admit applies the reservation rule to a locked counter.
func admit(c *models.UsageCounter, r Reservation) error {
	if r.PaidOverage {
		return nil
	}
	if c.CallsThisMonth+c.CallsInFlight >= r.FreeQuota {
		return ErrPaymentRequired
	}
	return nil
}

func release(c *models.UsageCounter) {
	if c.CallsInFlight > 0 {
		c.CallsInFlight--
	}
}

// settle applies a finished call to a locked counter and completes its record.
// Only successful calls are counted and charged.
func settle(c *models.UsageCounter, s Settlement) {
	release(c)

	rec := s.Record
	if rec.Outcome != models.OutcomeOK {
		rec.Cost = 0
		rec.WasFree = true
		return
	}

	if c.CallsThisMonth < s.FreeQuota {
		rec.Cost = 0
		rec.WasFree = true
	} else {
		rec.Cost = s.PricePerCall
		rec.WasFree = false
	}

	c.CallsThisMonth++
	c.CallsTotal++
	c.CostThisMonth += rec.Cost
	c.CostTotal += rec.Cost
}

func validate(s Settlement) error {
	if s.Record == nil {
		return errors.Wrap(ErrInvalidSettlement, "missing audit record")
	}
	if s.PricePerCall < 0 || s.FreeQuota < 0 {
		return errors.Wrap(ErrInvalidSettlement, "negative pricing")
	}
	if s.Record.ConsumerID != s.ConsumerID || s.Record.APIID != s.APIID {
		return errors.Wrap(ErrInvalidSettlement, "record does not match counter")
	}
	return nil
}

// Error definitions
var (
	ErrPaymentRequired   = errors.New("free quota exhausted")
	ErrInvalidSettlement = errors.New("invalid settlement")
)
