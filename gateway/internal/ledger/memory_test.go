package ledger

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pgwilde8/ledgrapi/gateway/internal/models"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var october = time.Date(2026, time.October, 17, 12, 0, 0, 0, time.UTC)

func newTestStore(at time.Time) *MemoryStore {
	s := NewMemoryStore()
	s.SetClock(func() time.Time { return at })
	return s
}

func okRecord(consumerID, apiID string) *models.CallAuditRecord {
	return &models.CallAuditRecord{
		ID:            "rec",
		CorrelationID: "corr",
		ConsumerID:    consumerID,
		APIID:         apiID,
		Path:          "/v1/price",
		Method:        "GET",
		StatusCode:    200,
		Outcome:       models.OutcomeOK,
	}
}

// call runs one full reserve + settle cycle.
func call(t *testing.T, s Store, free, price int64, overage bool) (*models.CallAuditRecord, error) {
	t.Helper()

	ctx := context.Background()
	if _, err := s.Reserve(ctx, Reservation{ConsumerID: "c1", APIID: "a1", FreeQuota: free, PaidOverage: overage}); err != nil {
		return nil, err
	}
	_, rec, err := s.ApplyCall(ctx, Settlement{
		ConsumerID: "c1", APIID: "a1", FreeQuota: free, PricePerCall: price,
		Record: okRecord("c1", "a1"),
	})
	return rec, err
}

func TestGetOrCreateStartsAtZero(t *testing.T) {
	s := newTestStore(october)

	c, err := s.GetOrCreate(context.Background(), "c1", "a1")
	require.NoError(t, err)
	assert.Equal(t, "2026-10", c.Period)
	assert.Zero(t, c.CallsThisMonth)
	assert.Zero(t, c.CallsTotal)
	assert.Zero(t, c.CostTotal)
}

func TestFreeThenPaidScenario(t *testing.T) {
	s := newTestStore(october)

	for i := 0; i < 50; i++ {
		rec, err := call(t, s, 50, 2, true)
		require.NoError(t, err)
		assert.True(t, rec.WasFree, "call %d", i+1)
		assert.Zero(t, rec.Cost)
	}

	rec, err := call(t, s, 50, 2, true)
	require.NoError(t, err)
	assert.False(t, rec.WasFree)
	assert.Equal(t, int64(2), rec.Cost)

	c, err := s.GetOrCreate(context.Background(), "c1", "a1")
	require.NoError(t, err)
	assert.Equal(t, int64(51), c.CallsThisMonth)
	assert.Equal(t, int64(51), c.CallsTotal)
	assert.Equal(t, int64(2), c.CostThisMonth)
	assert.Equal(t, int64(2), c.CostTotal)
	assert.Zero(t, c.CallsInFlight)
}

func TestTwoFreeCallsThenPaid(t *testing.T) {
	s := newTestStore(october)

	steps := []struct {
		free      bool
		cost      int64
		calls     int64
		costMonth int64
	}{
		{true, 0, 1, 0},
		{true, 0, 2, 0},
		{false, 50, 3, 50},
	}
	for i, step := range steps {
		rec, err := call(t, s, 2, 50, true)
		require.NoError(t, err)
		assert.Equal(t, step.free, rec.WasFree, "call %d", i+1)
		assert.Equal(t, step.cost, rec.Cost, "call %d", i+1)

		c, err := s.GetOrCreate(context.Background(), "c1", "a1")
		require.NoError(t, err)
		assert.Equal(t, step.calls, c.CallsThisMonth, "call %d", i+1)
		assert.Equal(t, step.costMonth, c.CostThisMonth, "call %d", i+1)
	}
}

func TestReserveRefusesWithoutOverage(t *testing.T) {
	s := newTestStore(october)

	for i := 0; i < 3; i++ {
		_, err := call(t, s, 3, 5, false)
		require.NoError(t, err)
	}

	_, err := call(t, s, 3, 5, false)
	assert.True(t, errors.Is(err, ErrPaymentRequired))

	c, err := s.GetOrCreate(context.Background(), "c1", "a1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), c.CallsThisMonth)
	assert.Zero(t, c.CostThisMonth)
	assert.Zero(t, c.CallsInFlight)
}

func TestReserveZeroQuotaWithoutOverage(t *testing.T) {
	s := newTestStore(october)

	_, err := s.Reserve(context.Background(), Reservation{ConsumerID: "c1", APIID: "a1", FreeQuota: 0})
	assert.True(t, errors.Is(err, ErrPaymentRequired))
}

func TestFailedCallIsNotCounted(t *testing.T) {
	s := newTestStore(october)
	ctx := context.Background()

	_, err := s.Reserve(ctx, Reservation{ConsumerID: "c1", APIID: "a1", FreeQuota: 10, PaidOverage: true})
	require.NoError(t, err)

	rec := okRecord("c1", "a1")
	rec.StatusCode = 0
	rec.Outcome = models.OutcomeTimeout
	rec.ErrorMessage = "upstream timed out"

	c, out, err := s.ApplyCall(ctx, Settlement{ConsumerID: "c1", APIID: "a1", FreeQuota: 10, PricePerCall: 3, Record: rec})
	require.NoError(t, err)

	assert.Zero(t, c.CallsThisMonth)
	assert.Zero(t, c.CallsTotal)
	assert.Zero(t, c.CostTotal)
	assert.Zero(t, c.CallsInFlight)
	assert.Equal(t, models.OutcomeTimeout, out.Outcome)
	assert.Zero(t, out.Cost)

	records, err := s.ListAudit(ctx, AuditFilter{APIID: "a1"})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, models.OutcomeTimeout, records[0].Outcome)
}

func TestConcurrentCallsAtQuotaBoundary(t *testing.T) {
	s := newTestStore(october)

	for i := 0; i < 9; i++ {
		_, err := call(t, s, 10, 4, true)
		require.NoError(t, err)
	}

	const k = 25
	var (
		wg    sync.WaitGroup
		free  atomic.Int64
		start = make(chan struct{})
	)
	for i := 0; i < k; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			rec, err := call(t, s, 10, 4, true)
			if err == nil && rec.WasFree {
				free.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int64(1), free.Load())

	c, err := s.GetOrCreate(context.Background(), "c1", "a1")
	require.NoError(t, err)
	assert.Equal(t, int64(9+k), c.CallsThisMonth)
	assert.Equal(t, int64((k-1)*4), c.CostThisMonth)

	records, err := s.ListAudit(context.Background(), AuditFilter{APIID: "a1", Limit: 500})
	require.NoError(t, err)
	assert.Len(t, records, 9+k)
}

func TestConcurrentReservationsWithoutOverage(t *testing.T) {
	s := newTestStore(october)
	ctx := context.Background()

	for i := 0; i < 9; i++ {
		_, err := call(t, s, 10, 4, false)
		require.NoError(t, err)
	}

	const k = 20
	var (
		wg       sync.WaitGroup
		admitted atomic.Int64
		refused  atomic.Int64
	)
	for i := 0; i < k; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Reserve(ctx, Reservation{ConsumerID: "c1", APIID: "a1", FreeQuota: 10})
			switch {
			case err == nil:
				admitted.Add(1)
			case errors.Is(err, ErrPaymentRequired):
				refused.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), admitted.Load())
	assert.Equal(t, int64(k-1), refused.Load())
}

func TestReleaseDropsReservation(t *testing.T) {
	s := newTestStore(october)
	ctx := context.Background()

	_, err := s.Reserve(ctx, Reservation{ConsumerID: "c1", APIID: "a1", FreeQuota: 1})
	require.NoError(t, err)

	_, err = s.Reserve(ctx, Reservation{ConsumerID: "c1", APIID: "a1", FreeQuota: 1})
	assert.True(t, errors.Is(err, ErrPaymentRequired))

	require.NoError(t, s.Release(ctx, "c1", "a1"))

	c, err := s.Reserve(ctx, Reservation{ConsumerID: "c1", APIID: "a1", FreeQuota: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(1), c.CallsInFlight)
}

func TestResetMonthlyKeepsTotals(t *testing.T) {
	s := newTestStore(october)
	for i := 0; i < 4; i++ {
		_, err := call(t, s, 2, 7, true)
		require.NoError(t, err)
	}

	c, err := s.ResetMonthly(context.Background(), "c1", "a1")
	require.NoError(t, err)
	assert.Zero(t, c.CallsThisMonth)
	assert.Zero(t, c.CostThisMonth)
	assert.Equal(t, int64(4), c.CallsTotal)
	assert.Equal(t, int64(14), c.CostTotal)
	assert.GreaterOrEqual(t, c.CallsTotal, c.CallsThisMonth)
}

func TestRollOverAndLazyPeriodChange(t *testing.T) {
	now := october
	s := NewMemoryStore()
	s.SetClock(func() time.Time { return now })

	for i := 0; i < 3; i++ {
		_, err := call(t, s, 2, 1, true)
		require.NoError(t, err)
	}

	now = time.Date(2026, time.November, 1, 0, 5, 0, 0, time.UTC)

	n, err := s.RollOver(context.Background(), Period(now))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = s.RollOver(context.Background(), Period(now))
	require.NoError(t, err)
	assert.Zero(t, n)

	rec, err := call(t, s, 2, 1, true)
	require.NoError(t, err)
	assert.True(t, rec.WasFree)

	c, err := s.GetOrCreate(context.Background(), "c1", "a1")
	require.NoError(t, err)
	assert.Equal(t, "2026-11", c.Period)
	assert.Equal(t, int64(1), c.CallsThisMonth)
	assert.Equal(t, int64(4), c.CallsTotal)
	assert.Equal(t, int64(1), c.CostTotal)
}

func TestGetOrCreateAfterMonthChange(t *testing.T) {
	now := october
	s := NewMemoryStore()
	s.SetClock(func() time.Time { return now })

	for i := 0; i < 3; i++ {
		_, err := call(t, s, 2, 5, true)
		require.NoError(t, err)
	}

	now = time.Date(2026, time.November, 1, 0, 1, 0, 0, time.UTC)

	c, err := s.GetOrCreate(context.Background(), "c1", "a1")
	require.NoError(t, err)
	assert.Equal(t, "2026-11", c.Period)
	assert.Zero(t, c.CallsThisMonth)
	assert.Zero(t, c.CostThisMonth)
	assert.Equal(t, int64(3), c.CallsTotal)
	assert.Equal(t, int64(5), c.CostTotal)
}

func TestApplyCallValidation(t *testing.T) {
	s := newTestStore(october)
	ctx := context.Background()

	_, _, err := s.ApplyCall(ctx, Settlement{ConsumerID: "c1", APIID: "a1"})
	assert.True(t, errors.Is(err, ErrInvalidSettlement))

	_, _, err = s.ApplyCall(ctx, Settlement{ConsumerID: "c1", APIID: "a1", PricePerCall: -1, Record: okRecord("c1", "a1")})
	assert.True(t, errors.Is(err, ErrInvalidSettlement))

	_, _, err = s.ApplyCall(ctx, Settlement{ConsumerID: "c1", APIID: "a1", Record: okRecord("c2", "a1")})
	assert.True(t, errors.Is(err, ErrInvalidSettlement))
}

func TestListAuditAndSummary(t *testing.T) {
	now := october
	s := NewMemoryStore()
	s.SetClock(func() time.Time { return now })
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		now = now.Add(time.Second)
		_, err := call(t, s, 3, 10, true)
		require.NoError(t, err)
	}

	page, err := s.ListAudit(ctx, AuditFilter{APIID: "a1", Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.True(t, page[0].CreatedAt.After(page[1].CreatedAt))

	rest, err := s.ListAudit(ctx, AuditFilter{APIID: "a1", Offset: 4})
	require.NoError(t, err)
	assert.Len(t, rest, 1)

	none, err := s.ListAudit(ctx, AuditFilter{APIID: "other"})
	require.NoError(t, err)
	assert.Empty(t, none)

	sum, err := s.Summary(ctx, "c1", "2026-10")
	require.NoError(t, err)
	assert.Equal(t, int64(5), sum.Calls)
	assert.Equal(t, int64(20), sum.Cost)
	assert.Equal(t, int64(1), sum.APIs)
}

func TestNextPeriodStart(t *testing.T) {
	assert.Equal(t, time.Date(2026, time.November, 1, 0, 0, 0, 0, time.UTC), NextPeriodStart(october))
	assert.Equal(t, time.Date(2027, time.January, 1, 0, 0, 0, 0, time.UTC),
		NextPeriodStart(time.Date(2026, time.December, 31, 23, 0, 0, 0, time.UTC)))
}

func TestRollerRunOnce(t *testing.T) {
	now := october
	s := NewMemoryStore()
	s.SetClock(func() time.Time { return now })
	_, err := call(t, s, 1, 1, true)
	require.NoError(t, err)

	r := NewRoller(s, time.Hour, nil)
	now = now.AddDate(0, 1, 0)
	r.now = func() time.Time { return now }

	n, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
