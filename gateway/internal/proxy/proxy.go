// Package proxy runs metered calls: it checks access and quota, forwards the
// call upstream and settles usage and the audit log.
package proxy

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/pgwilde8/ledgrapi/gateway/internal/catalog"
	"github.com/pgwilde8/ledgrapi/gateway/internal/ledger"
	"github.com/pgwilde8/ledgrapi/gateway/internal/logger"
	"github.com/pgwilde8/ledgrapi/gateway/internal/metrics"
	"github.com/pgwilde8/ledgrapi/gateway/internal/models"
	"github.com/pgwilde8/ledgrapi/gateway/internal/tier"
	"github.com/pgwilde8/ledgrapi/gateway/internal/upstream"
	"github.com/pgwilde8/ledgrapi/gateway/pkg/types"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Catalog finds registered APIs.
type Catalog interface {
	FindAPI(ctx context.Context, id string) (*models.RegisteredAPI, error)
}

// Forwarder sends a call upstream.
type Forwarder interface {
	Forward(ctx context.Context, api *models.RegisteredAPI, req *upstream.Request) (*upstream.Response, error)
}

// Publisher receives every settled call, e.g. the feed hub.
type Publisher interface {
	Publish(rec *models.CallAuditRecord)
}

// Recorder keeps recent calls, e.g. the cache layer.
type Recorder interface {
	AddCall(rec *models.CallAuditRecord)
}

// Caller is the authenticated consumer making a call.
type Caller struct {
	ConsumerID string
	Tier       string
	ClientIP   string
	UserAgent  string
	Referer    string
}

// Config holds proxy settings.
type Config struct {
	PoolSize        int
	BodyCaptureSize int
	SettleTimeout   time.Duration
}

// Deps are the collaborators of a Proxy. Feed and Recent are optional.
type Deps struct {
	Catalog   Catalog
	Ledger    ledger.Store
	Forwarder Forwarder
	Feed      Publisher
	Recent    Recorder
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
}

// Proxy executes metered calls.
type Proxy struct {
	catalog       Catalog
	ledger        ledger.Store
	forwarder     Forwarder
	feed          Publisher
	recent        Recorder
	metrics       *metrics.Metrics
	logger        *zap.Logger
	pool          *ants.Pool
	captureSize   int
	settleTimeout time.Duration
	now           func() time.Time
}

// New creates a proxy and its upstream worker pool.
func New(cfg *Config, deps Deps) (*Proxy, error) {
	size := cfg.PoolSize
	if size <= 0 {
		size = 1024
	}
	pool, err := ants.NewPool(size)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create worker pool")
	}

	capture := cfg.BodyCaptureSize
	if capture <= 0 {
		capture = 1000
	}
	settle := cfg.SettleTimeout
	if settle <= 0 {
		settle = 10 * time.Second
	}
	m := deps.Metrics
	if m == nil {
		m = metrics.NewMetrics(prometheus.NewRegistry())
	}
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}

	return &Proxy{
		catalog:       deps.Catalog,
		ledger:        deps.Ledger,
		forwarder:     deps.Forwarder,
		feed:          deps.Feed,
		recent:        deps.Recent,
		metrics:       m,
		logger:        log,
		pool:          pool,
		captureSize:   capture,
		settleTimeout: settle,
		now:           time.Now,
	}, nil
}

// Close releases the worker pool, waiting for running calls to settle.
func (p *Proxy) Close(timeout time.Duration) error {
	return p.pool.ReleaseTimeout(timeout)
}

// Running is the number of calls currently on the pool.
func (p *Proxy) Running() int {
	return p.pool.Running()
}

var allowedMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodPost:    true,
	http.MethodPut:     true,
	http.MethodPatch:   true,
	http.MethodDelete:  true,
	http.MethodHead:    true,
	http.MethodOptions: true,
}

// Invoke runs one metered call.
//
// Failures before the call is forwarded leave the ledger untouched apart from
// lazily creating the usage row. Once forwarded, the call is settled exactly
// once even if ctx is cancelled, and exactly one audit record is written.
func (p *Proxy) Invoke(ctx context.Context, caller *Caller, req *types.InvokeRequest) (*types.CallResult, error) {
	correlationID := uuid.NewString()

	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = http.MethodGet
	}
	if !allowedMethods[method] {
		return nil, newError(KindBadRequest, correlationID, "unsupported method "+req.Method, nil)
	}

	api, err := p.catalog.FindAPI(ctx, req.APIID)
	if err != nil {
		if errors.Is(err, catalog.ErrAPINotFound) {
			return nil, newError(KindNotFound, correlationID, "api not found", nil)
		}
		return nil, newError(KindInternal, correlationID, "failed to load api", err)
	}
	if !api.Callable() {
		return nil, newError(KindNotFound, correlationID, "api not found", nil)
	}
	if !api.IsPublic && api.OwnerID != caller.ConsumerID {
		return nil, newError(KindForbidden, correlationID, "api is private", nil)
	}

	limits := tier.Lookup(caller.Tier)
	_, err = p.ledger.Reserve(ctx, ledger.Reservation{
		ConsumerID:  caller.ConsumerID,
		APIID:       api.ID,
		FreeQuota:   api.FreeCallsPerMonth,
		PaidOverage: limits.PaidOverage,
	})
	if err != nil {
		if errors.Is(err, ledger.ErrPaymentRequired) {
			return nil, newError(KindPaymentRequired, correlationID,
				"free quota exhausted; upgrade to a tier with paid overage", nil)
		}
		p.metrics.RecordLedgerError("reserve")
		return nil, newError(KindInternal, correlationID, "failed to reserve quota", err)
	}

	call := &pendingCall{
		correlationID: correlationID,
		caller:        caller,
		api:           api,
		req: &upstream.Request{
			Method:  method,
			Path:    req.Path,
			Query:   req.Query,
			Headers: req.Headers,
			Body:    req.Body,
		},
		done: make(chan callResult, 1),
	}

	// The job outlives ctx so a departed client still gets billed correctly.
	detached := context.WithoutCancel(ctx)
	if err := p.pool.Submit(func() { call.done <- p.execute(detached, call) }); err != nil {
		p.release(detached, call)
		return nil, newError(KindUpstreamUnavailable, correlationID, "gateway is overloaded", err)
	}
	p.metrics.SetPoolRunning(p.pool.Running())

	select {
	case r := <-call.done:
		return r.result, r.err
	case <-ctx.Done():
		return nil, newError(KindInternal, correlationID, "request cancelled", ctx.Err())
	}
}

type pendingCall struct {
	correlationID string
	caller        *Caller
	api           *models.RegisteredAPI
	req           *upstream.Request
	done          chan callResult
}

type callResult struct {
	result *types.CallResult
	err    error
}

// execute forwards the call and settles it. It runs on the pool.
func (p *Proxy) execute(ctx context.Context, call *pendingCall) callResult {
	started := p.now()
	resp, fwdErr := p.forwarder.Forward(ctx, call.api, call.req)

	rec := p.newRecord(call, started)
	switch {
	case fwdErr == nil:
		rec.Outcome = models.OutcomeOK
		rec.StatusCode = resp.StatusCode
		rec.LatencyMs = resp.Latency.Milliseconds()
		rec.ResponseSize = resp.Size
		rec.ResponseBody = truncate(resp.Body, p.captureSize)
	case errors.Is(fwdErr, upstream.ErrTimeout):
		rec.Outcome = models.OutcomeTimeout
		rec.ErrorMessage = fwdErr.Error()
	default:
		rec.Outcome = models.OutcomeUnavailable
		rec.ErrorMessage = fwdErr.Error()
	}
	if rec.LatencyMs == 0 {
		rec.LatencyMs = p.now().Sub(started).Milliseconds()
	}

	settleCtx, cancel := context.WithTimeout(ctx, p.settleTimeout)
	defer cancel()

	_, settled, err := p.ledger.ApplyCall(settleCtx, ledger.Settlement{
		ConsumerID:   call.caller.ConsumerID,
		APIID:        call.api.ID,
		FreeQuota:    call.api.FreeCallsPerMonth,
		PricePerCall: call.api.PricePerCall,
		Record:       rec,
	})
	if err != nil {
		p.metrics.RecordLedgerError("settle")
		p.logger.Error("failed to settle call",
			logger.CorrelationID(call.correlationID),
			logger.APIID(call.api.ID),
			logger.ConsumerID(call.caller.ConsumerID),
			logger.Outcome(string(rec.Outcome)),
			zap.Error(err),
		)
		p.release(ctx, call)
		return callResult{err: newError(KindInternal, call.correlationID, "failed to record usage", err)}
	}

	p.metrics.RecordCall(string(settled.Outcome), settled.WasFree, settled.Cost,
		float64(settled.LatencyMs)/1000)
	if p.recent != nil {
		p.recent.AddCall(settled)
	}
	if p.feed != nil {
		p.feed.Publish(settled)
	}

	p.logger.Info("call settled",
		logger.CorrelationID(call.correlationID),
		logger.APIID(call.api.ID),
		logger.ConsumerID(call.caller.ConsumerID),
		logger.Outcome(string(settled.Outcome)),
		logger.Cost(settled.Cost),
		zap.Int("status", settled.StatusCode),
		zap.Int64("latency_ms", settled.LatencyMs),
	)

	switch settled.Outcome {
	case models.OutcomeTimeout:
		return callResult{err: newError(KindUpstreamTimeout, call.correlationID, "upstream timed out", fwdErr)}
	case models.OutcomeUnavailable:
		return callResult{err: newError(KindUpstreamUnavailable, call.correlationID, "upstream unavailable", fwdErr)}
	}

	result := &types.CallResult{
		CorrelationID: call.correlationID,
		StatusCode:    settled.StatusCode,
		LatencyMs:     settled.LatencyMs,
		Cost:          settled.Cost,
		WasFree:       settled.WasFree,
		Headers:       resp.Headers,
	}
	if data, ok := resp.JSON(); ok {
		result.Data = data
	}
	return callResult{result: result}
}

func (p *Proxy) release(ctx context.Context, call *pendingCall) {
	if err := p.ledger.Release(ctx, call.caller.ConsumerID, call.api.ID); err != nil {
		p.metrics.RecordLedgerError("release")
		p.logger.Warn("failed to release reservation",
			logger.CorrelationID(call.correlationID),
			logger.APIID(call.api.ID),
			logger.ConsumerID(call.caller.ConsumerID),
			zap.Error(err),
		)
	}
}

func (p *Proxy) newRecord(call *pendingCall, at time.Time) *models.CallAuditRecord {
	return &models.CallAuditRecord{
		ID:            uuid.NewString(),
		CorrelationID: call.correlationID,
		ConsumerID:    call.caller.ConsumerID,
		APIID:         call.api.ID,
		Path:          call.req.Path,
		Method:        call.req.Method,
		ClientIP:      call.caller.ClientIP,
		UserAgent:     truncate([]byte(call.caller.UserAgent), 512),
		Referer:       truncate([]byte(call.caller.Referer), 1024),
		Headers:       auditHeaders(call.req.Headers),
		RequestBody:   truncate(call.req.Body, p.captureSize),
		CreatedAt:     at.UTC(),
	}
}

// Usage returns the consumer's counter for an API.
func (p *Proxy) Usage(ctx context.Context, consumerID, apiID string) (*types.UsageResponse, error) {
	api, err := p.catalog.FindAPI(ctx, apiID)
	if err != nil {
		if errors.Is(err, catalog.ErrAPINotFound) {
			return nil, newError(KindNotFound, "", "api not found", nil)
		}
		return nil, newError(KindInternal, "", "failed to load api", err)
	}
	if !api.IsPublic && api.OwnerID != consumerID {
		return nil, newError(KindForbidden, "", "api is private", nil)
	}

	c, err := p.ledger.GetOrCreate(ctx, consumerID, apiID)
	if err != nil {
		return nil, newError(KindInternal, "", "failed to load usage", err)
	}
	return types.NewUsageResponse(c, api.FreeCallsPerMonth), nil
}

var redactedHeaders = map[string]bool{
	"authorization":       true,
	"proxy-authorization": true,
	"x-api-key":           true,
	"cookie":              true,
}

// auditHeaders copies caller headers for the audit log without credentials.
func auditHeaders(h map[string]string) models.StringMap {
	out := make(models.StringMap, len(h))
	for k, v := range h {
		if redactedHeaders[strings.ToLower(k)] {
			continue
		}
		out[k] = v
	}
	return out
}

// truncate cuts b to at most n bytes without splitting a rune.
func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return strings.ToValidUTF8(string(b[:n]), "")
}
