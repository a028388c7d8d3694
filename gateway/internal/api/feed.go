package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/pgwilde8/ledgrapi/gateway/internal/cache"
	"github.com/pgwilde8/ledgrapi/gateway/internal/catalog"
	"github.com/pgwilde8/ledgrapi/gateway/internal/config"
	"github.com/pgwilde8/ledgrapi/gateway/internal/fanout"
	"github.com/pgwilde8/ledgrapi/gateway/internal/metrics"
	"github.com/pgwilde8/ledgrapi/gateway/pkg/types"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	defaultReplay = 50
	feedWriteWait = 10 * time.Second
)

// FeedServer streams an API's settled calls to its owner over WebSocket.
// It runs on its own net/http listener next to the Fiber app.
type FeedServer struct {
	cfg     *config.ServerConfig
	auth    Authenticator
	catalog Catalog
	cache   *cache.Layer
	hub     *fanout.Hub
	metrics *metrics.Metrics
	logger  *zap.Logger
	srv     *http.Server
	now     func() time.Time
}

// NewFeedServer creates the feed listener.
func NewFeedServer(cfg *config.ServerConfig, deps Deps) *FeedServer {
	f := &FeedServer{
		cfg:     cfg,
		auth:    deps.Auth,
		catalog: deps.Catalog,
		cache:   deps.Cache,
		hub:     deps.Feed,
		metrics: deps.Metrics,
		logger:  deps.Logger,
		now:     time.Now,
	}
	f.srv = &http.Server{
		Addr:              cfg.Host + ":" + strconv.Itoa(cfg.FeedPort),
		Handler:           f.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return f
}

// Handler returns the feed routes.
func (f *FeedServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/apis/{id}/feed", f.handleFeed)
	return mux
}

// Start starts the feed listener.
func (f *FeedServer) Start() error {
	f.logger.Info("Starting feed server", zap.String("addr", f.srv.Addr))
	if err := f.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "feed server failed")
	}
	return nil
}

// Shutdown stops accepting feed connections.
func (f *FeedServer) Shutdown(ctx context.Context) error {
	return f.srv.Shutdown(ctx)
}

func (f *FeedServer) handleFeed(w http.ResponseWriter, r *http.Request) {
	apiKey := r.Header.Get("X-API-Key")
	if apiKey == "" {
		apiKey = r.URL.Query().Get("api_key")
	}

	authCtx, err := f.auth.Authenticate(r.Context(), apiKey)
	if err != nil {
		status, code, reason := authFailure(err)
		f.metrics.RecordAuthFailure(reason)
		writeError(w, status, code, errors.Cause(err).Error())
		return
	}
	f.metrics.RecordAuthSuccess()

	apiID := r.PathValue("id")
	api, err := f.catalog.FindAPI(r.Context(), apiID)
	switch {
	case errors.Is(err, catalog.ErrAPINotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", "api not found")
		return
	case err != nil:
		f.logger.Error("Failed to load api for feed", zap.String("api_id", apiID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
		return
	case api.OwnerID != authCtx.ConsumerID:
		writeError(w, http.StatusForbidden, "FORBIDDEN", "only the owner can watch this feed")
		return
	}

	opts := &websocket.AcceptOptions{}
	if origins := splitOrigins(f.cfg.CORSOrigins); len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		opts.InsecureSkipVerify = true
	} else {
		opts.OriginPatterns = origins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		f.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.CloseNow()

	replay := defaultReplay
	if n, err := strconv.Atoi(r.URL.Query().Get("replay")); err == nil && n >= 0 {
		replay = n
	}

	if err := f.stream(r.Context(), conn, api.ID, authCtx.ConsumerID, replay); err != nil {
		f.logger.Debug("Feed closed", zap.String("api_id", api.ID), zap.Error(err))
	}
}

// stream replays recent calls and then forwards live ones until the client
// leaves or falls too far behind.
func (f *FeedServer) stream(ctx context.Context, conn *websocket.Conn, apiID, consumerID string, replay int) error {
	sub := f.hub.CreateSubscriber(uuid.NewString(), consumerID)

	// Subscribe before the replay so no call falls between the two.
	f.hub.Subscribe(apiID, sub)
	f.metrics.RecordFeedSubscribe()
	defer func() {
		f.hub.Unsubscribe(apiID, sub.ID)
		f.metrics.RecordFeedUnsubscribe()
		f.metrics.RecordFeedDropped(sub.Dropped.Load())
	}()

	ctx = conn.CloseRead(ctx)

	seen := make(map[string]struct{}, replay)
	if replay > 0 {
		for _, rec := range f.cache.RecentCalls(apiID, replay) {
			seen[rec.ID] = struct{}{}
			if err := f.write(ctx, conn, &types.FeedEvent{Type: "replay", Call: rec, SentAt: f.now().UTC()}); err != nil {
				return err
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case rec, ok := <-sub.SendChan:
			if !ok {
				return conn.Close(websocket.StatusPolicyViolation, "slow consumer")
			}
			if _, dup := seen[rec.ID]; dup {
				delete(seen, rec.ID)
				continue
			}
			if err := f.write(ctx, conn, &types.FeedEvent{Type: "call", Call: rec, SentAt: f.now().UTC()}); err != nil {
				return err
			}
		}
	}
}

func (f *FeedServer) write(ctx context.Context, conn *websocket.Conn, ev *types.FeedEvent) error {
	ctx, cancel := context.WithTimeout(ctx, feedWriteWait)
	defer cancel()
	return wsjson.Write(ctx, conn, ev)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: msg, Code: code})
}
