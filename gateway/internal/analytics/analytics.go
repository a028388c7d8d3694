// Package analytics rolls settled calls up into per API daily statistics.
package analytics

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pgwilde8/ledgrapi/gateway/internal/models"
	"github.com/pgwilde8/ledgrapi/gateway/internal/store"

	"github.com/jmoiron/sqlx"
	"github.com/olebedev/emitter"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const dayLayout = "2006-01-02"

var (
	statsCols    = []string{"api_id", "day", "requests", "errors", "latency_sum_ms", "revenue"}
	statsKey     = []string{"api_id", "day"}
	statsAddCols = []string{"requests", "errors", "latency_sum_ms", "revenue"}
)

// Collector collects and aggregates call statistics.
type Collector struct {
	db            *sqlx.DB
	logger        *zap.Logger
	buffer        map[bufferKey]*DailyBuffer
	mu            sync.RWMutex
	flushInterval time.Duration
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
}

type bufferKey struct {
	apiID string
	day   string
}

// DailyBuffer holds unflushed counts for one API and day.
type DailyBuffer struct {
	APIID      string
	Day        string
	Requests   atomic.Int64
	Errors     atomic.Int64
	LatencySum atomic.Int64
	Revenue    atomic.Int64
}

// Config holds collector configuration.
type Config struct {
	FlushInterval time.Duration
}

// NewCollector creates a new collector and starts its flush loop.
func NewCollector(db *sqlx.DB, cfg *Config, logger *zap.Logger) *Collector {
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	c := &Collector{
		db:            db,
		logger:        logger,
		buffer:        make(map[bufferKey]*DailyBuffer),
		flushInterval: cfg.FlushInterval,
		ctx:           ctx,
		cancel:        cancel,
	}

	c.wg.Add(1)
	go c.flushLoop()

	return c
}

// IsError reports whether a call counts as an upstream error.
func IsError(rec *models.CallAuditRecord) bool {
	return rec.Outcome != models.OutcomeOK || rec.StatusCode >= 500
}

// Record adds one settled call to the buffer.
func (c *Collector) Record(rec *models.CallAuditRecord) {
	at := rec.CreatedAt
	if at.IsZero() {
		at = time.Now()
	}
	buf := c.getOrCreateBuffer(rec.APIID, at.UTC().Format(dayLayout))

	buf.Requests.Add(1)
	if IsError(rec) {
		buf.Errors.Add(1)
	}
	buf.LatencySum.Add(rec.LatencyMs)
	buf.Revenue.Add(rec.Cost)
}

// Consume records every call arriving on events until the channel closes
// or the collector stops. Events come from a hub listener on "api.*".
func (c *Collector) Consume(events <-chan emitter.Event) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-c.ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				for _, arg := range ev.Args {
					if rec, ok := arg.(*models.CallAuditRecord); ok {
						c.Record(rec)
					}
				}
			}
		}
	}()
}

func (c *Collector) getOrCreateBuffer(apiID, day string) *DailyBuffer {
	key := bufferKey{apiID: apiID, day: day}

	c.mu.RLock()
	buf, ok := c.buffer[key]
	c.mu.RUnlock()

	if ok {
		return buf
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Double-check
	if buf, ok = c.buffer[key]; ok {
		return buf
	}

	buf = &DailyBuffer{APIID: apiID, Day: day}
	c.buffer[key] = buf
	return buf
}

func (c *Collector) flushLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			if err := c.Flush(context.Background()); err != nil {
				c.logger.Error("final analytics flush failed", zap.Error(err))
			}
			return
		case <-ticker.C:
			if err := c.Flush(c.ctx); err != nil {
				c.logger.Warn("analytics flush failed", zap.Error(err))
			}
		}
	}
}

// Flush writes buffered counts to the database, adding to stored rows.
func (c *Collector) Flush(ctx context.Context) error {
	c.mu.Lock()
	buffers := c.buffer
	c.buffer = make(map[bufferKey]*DailyBuffer)
	c.mu.Unlock()

	if len(buffers) == 0 {
		return nil
	}

	query := c.db.Rebind(store.UpsertAdd(store.Dialect(c.db), "api_stats_daily", statsCols, statsKey, statsAddCols))

	var firstErr error
	for _, buf := range buffers {
		requests := buf.Requests.Swap(0)
		if requests == 0 {
			continue
		}
		_, err := c.db.ExecContext(ctx, query,
			buf.APIID, buf.Day, requests, buf.Errors.Swap(0), buf.LatencySum.Swap(0), buf.Revenue.Swap(0))
		if err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "upsert stats for api %s on %s", buf.APIID, buf.Day)
		}
	}
	return firstErr
}

// Stop stops the collector after a final flush.
func (c *Collector) Stop() {
	c.cancel()
	c.wg.Wait()
}

// DailyRange returns an API's daily statistics between from and to inclusive (YYYY-MM-DD).
func (c *Collector) DailyRange(ctx context.Context, apiID, from, to string) ([]*models.DailyStats, error) {
	if _, err := time.Parse(dayLayout, from); err != nil {
		return nil, errors.Wrap(ErrInvalidRange, "from must be YYYY-MM-DD")
	}
	if _, err := time.Parse(dayLayout, to); err != nil {
		return nil, errors.Wrap(ErrInvalidRange, "to must be YYYY-MM-DD")
	}
	if from > to {
		return nil, errors.Wrap(ErrInvalidRange, "from is after to")
	}

	query := c.db.Rebind(`SELECT api_id, day, requests, errors, latency_sum_ms, revenue
	          FROM api_stats_daily
	          WHERE api_id = ? AND day BETWEEN ? AND ?
	          ORDER BY day`)

	stats := []*models.DailyStats{}
	if err := c.db.SelectContext(ctx, &stats, query, apiID, from, to); err != nil {
		return nil, errors.Wrap(err, "failed to get daily stats")
	}
	for _, s := range stats {
		if s.Requests > 0 {
			s.AvgLatencyMs = float64(s.LatencySumMs) / float64(s.Requests)
		}
	}
	return stats, nil
}

// Error definitions
var (
	ErrInvalidRange = errors.New("invalid date range")
)
