package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pgwilde8/ledgrapi/gateway/internal/models"
)

// MemoryStore is an in-process ledger for development and tests.
// Each usage row has its own mutex, which plays the role of the row lock.
type MemoryStore struct {
	mu   sync.Mutex
	rows map[rowKey]*memRow

	auditMu sync.RWMutex
	audit   []*models.CallAuditRecord

	now func() time.Time
}

type rowKey struct {
	consumerID string
	apiID      string
}

type memRow struct {
	mu      sync.Mutex
	counter models.UsageCounter
}

// NewMemoryStore creates an empty in-memory ledger.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rows: make(map[rowKey]*memRow),
		now:  time.Now,
	}
}

// SetClock replaces the time source.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.now = now
}

func (m *MemoryStore) row(consumerID, apiID string) *memRow {
	k := rowKey{consumerID, apiID}

	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rows[k]
	if !ok {
		now := m.now().UTC()
		r = &memRow{counter: models.UsageCounter{
			ConsumerID: consumerID,
			APIID:      apiID,
			Period:     Period(now),
			UpdatedAt:  now,
		}}
		m.rows[k] = r
	}
	return r
}

// GetOrCreate implements Store.
func (m *MemoryStore) GetOrCreate(_ context.Context, consumerID, apiID string) (*models.UsageCounter, error) {
	r := m.row(consumerID, apiID)
	r.mu.Lock()
	defer r.mu.Unlock()

	c := r.counter
	rollover(&c, Period(m.now().UTC()))
	return &c, nil
}

// Reserve implements Store.
func (m *MemoryStore) Reserve(_ context.Context, res Reservation) (*models.UsageCounter, error) {
	r := m.row(res.ConsumerID, res.APIID)
	r.mu.Lock()
	defer r.mu.Unlock()

	now := m.now().UTC()
	rollover(&r.counter, Period(now))
	if err := admit(&r.counter, res); err != nil {
		c := r.counter
		return &c, err
	}
	r.counter.CallsInFlight++
	r.counter.UpdatedAt = now

	c := r.counter
	return &c, nil
}

// Release implements Store.
func (m *MemoryStore) Release(_ context.Context, consumerID, apiID string) error {
	r := m.row(consumerID, apiID)
	r.mu.Lock()
	defer r.mu.Unlock()

	release(&r.counter)
	r.counter.UpdatedAt = m.now().UTC()
	return nil
}

// ApplyCall implements Store.
func (m *MemoryStore) ApplyCall(_ context.Context, s Settlement) (*models.UsageCounter, *models.CallAuditRecord, error) {
	if err := validate(s); err != nil {
		return nil, nil, err
	}

	r := m.row(s.ConsumerID, s.APIID)
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := *s.Record
	s.Record = &rec

	now := m.now().UTC()
	rollover(&r.counter, Period(now))
	settle(&r.counter, s)
	r.counter.UpdatedAt = now

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}

	m.auditMu.Lock()
	m.audit = append(m.audit, &rec)
	m.auditMu.Unlock()

	c := r.counter
	out := rec
	return &c, &out, nil
}

// ResetMonthly implements Store.
func (m *MemoryStore) ResetMonthly(_ context.Context, consumerID, apiID string) (*models.UsageCounter, error) {
	r := m.row(consumerID, apiID)
	r.mu.Lock()
	defer r.mu.Unlock()

	now := m.now().UTC()
	r.counter.CallsThisMonth = 0
	r.counter.CostThisMonth = 0
	r.counter.Period = Period(now)
	r.counter.UpdatedAt = now

	c := r.counter
	return &c, nil
}

// RollOver implements Store.
func (m *MemoryStore) RollOver(_ context.Context, period string) (int64, error) {
	m.mu.Lock()
	rows := make([]*memRow, 0, len(m.rows))
	for _, r := range m.rows {
		rows = append(rows, r)
	}
	m.mu.Unlock()

	now := m.now().UTC()
	var n int64
	for _, r := range rows {
		r.mu.Lock()
		if rollover(&r.counter, period) {
			r.counter.UpdatedAt = now
			n++
		}
		r.mu.Unlock()
	}
	return n, nil
}

// ListAudit implements Store.
func (m *MemoryStore) ListAudit(_ context.Context, f AuditFilter) ([]*models.CallAuditRecord, error) {
	m.auditMu.RLock()
	var matched []*models.CallAuditRecord
	for _, rec := range m.audit {
		if f.APIID != "" && rec.APIID != f.APIID {
			continue
		}
		if f.ConsumerID != "" && rec.ConsumerID != f.ConsumerID {
			continue
		}
		if !f.Since.IsZero() && rec.CreatedAt.Before(f.Since) {
			continue
		}
		cp := *rec
		matched = append(matched, &cp)
	}
	m.auditMu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	if f.Offset < 0 {
		f.Offset = 0
	}
	if f.Offset >= len(matched) {
		return []*models.CallAuditRecord{}, nil
	}
	matched = matched[f.Offset:]
	if limit := f.limit(); len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

// Summary implements Store.
func (m *MemoryStore) Summary(_ context.Context, consumerID, period string) (*Summary, error) {
	m.mu.Lock()
	rows := make([]*memRow, 0)
	for k, r := range m.rows {
		if k.consumerID == consumerID {
			rows = append(rows, r)
		}
	}
	m.mu.Unlock()

	sum := &Summary{ConsumerID: consumerID, Period: period}
	for _, r := range rows {
		r.mu.Lock()
		if r.counter.Period == period {
			sum.Calls += r.counter.CallsThisMonth
			sum.Cost += r.counter.CostThisMonth
			sum.APIs++
		}
		r.mu.Unlock()
	}
	return sum, nil
}
