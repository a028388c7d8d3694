package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/pgwilde8/ledgrapi/gateway/internal/logger"

	"go.uber.org/zap"
)

// Roller periodically starts the new billing period on every stale counter.
type Roller struct {
	store    Store
	interval time.Duration
	log      *zap.Logger
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRoller creates a roller. Start must be called to run it.
func NewRoller(s Store, interval time.Duration, log *zap.Logger) *Roller {
	if interval <= 0 {
		interval = time.Hour
	}
	if log == nil {
		log = logger.Log
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Roller{
		store:    s,
		interval: interval,
		log:      log.Named("rollover"),
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start runs one rollover immediately, then one per interval.
func (r *Roller) Start() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		r.tick()
		for {
			select {
			case <-r.ctx.Done():
				return
			case <-ticker.C:
				r.tick()
			}
		}
	}()
}

func (r *Roller) tick() {
	ctx, cancel := context.WithTimeout(r.ctx, time.Minute)
	defer cancel()

	if _, err := r.RunOnce(ctx); err != nil {
		r.log.Error("Usage rollover failed", zap.Error(err))
	}
}

// RunOnce resets counters left over from a previous period.
func (r *Roller) RunOnce(ctx context.Context) (int64, error) {
	period := Period(r.now())
	n, err := r.store.RollOver(ctx, period)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		r.log.Info("Usage counters rolled over",
			zap.String("period", period),
			zap.Int64("counters", n))
	}
	return n, nil
}

// Stop stops the roller and waits for the loop to exit.
func (r *Roller) Stop() {
	r.cancel()
	r.wg.Wait()
}
