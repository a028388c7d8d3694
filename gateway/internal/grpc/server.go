// Package grpc provides the gRPC API server.
package grpc

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/pgwilde8/ledgrapi/gateway/internal/auth"
	"github.com/pgwilde8/ledgrapi/gateway/internal/cache"
	"github.com/pgwilde8/ledgrapi/gateway/internal/catalog"
	"github.com/pgwilde8/ledgrapi/gateway/internal/fanout"
	"github.com/pgwilde8/ledgrapi/gateway/internal/metrics"
	"github.com/pgwilde8/ledgrapi/gateway/internal/models"
	"github.com/pgwilde8/ledgrapi/gateway/internal/proxy"
	"github.com/pgwilde8/ledgrapi/gateway/internal/ratelimit"
	"github.com/pgwilde8/ledgrapi/gateway/internal/tier"
	"github.com/pgwilde8/ledgrapi/gateway/pkg/types"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// Authenticator resolves an API key to a consumer.
type Authenticator interface {
	Authenticate(ctx context.Context, apiKey string) (*models.AuthContext, error)
}

// Invoker runs metered calls.
type Invoker interface {
	Invoke(ctx context.Context, caller *proxy.Caller, req *types.InvokeRequest) (*types.CallResult, error)
	Usage(ctx context.Context, consumerID, apiID string) (*types.UsageResponse, error)
}

// Finder looks up registered APIs.
type Finder interface {
	FindAPI(ctx context.Context, id string) (*models.RegisteredAPI, error)
}

// Server is the gRPC API server.
type Server struct {
	server  *grpc.Server
	auth    Authenticator
	proxy   Invoker
	catalog Finder
	cache   *cache.Layer
	fanout  *fanout.Hub
	limiter ratelimit.Limiter
	metrics *metrics.Metrics
	logger  *zap.Logger
	addr    string
}

// Config holds gRPC server configuration.
type Config struct {
	Host string
	Port int
}

// Deps are the collaborators of the gRPC server.
type Deps struct {
	Auth    Authenticator
	Proxy   Invoker
	Catalog Finder
	Cache   *cache.Layer
	Feed    *fanout.Hub
	Limiter ratelimit.Limiter
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

// NewServer creates a new gRPC server.
func NewServer(cfg *Config, deps Deps) *Server {
	s := &Server{
		auth:    deps.Auth,
		proxy:   deps.Proxy,
		catalog: deps.Catalog,
		cache:   deps.Cache,
		fanout:  deps.Feed,
		limiter: deps.Limiter,
		metrics: deps.Metrics,
		logger:  deps.Logger,
		addr:    cfg.Host + ":" + strconv.Itoa(cfg.Port),
	}

	// Create gRPC server with interceptors
	s.server = grpc.NewServer(
		grpc.UnaryInterceptor(s.unaryAuthInterceptor),
		grpc.StreamInterceptor(s.streamAuthInterceptor),
	)
	RegisterGatewayServer(s.server, &gatewayService{s: s})

	return s
}

// Start starts the gRPC server.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errors.Wrap(err, "failed to listen")
	}
	return s.Serve(lis)
}

// Serve serves on an existing listener.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("Starting gRPC server", zap.String("addr", lis.Addr().String()))
	return s.server.Serve(lis)
}

// Stop gracefully stops the gRPC server.
func (s *Server) Stop() {
	s.server.GracefulStop()
}

// authenticate checks the x-api-key metadata.
func (s *Server) authenticate(ctx context.Context) (*models.AuthContext, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "missing metadata")
	}

	var apiKey string
	if keys := md.Get("x-api-key"); len(keys) > 0 {
		apiKey = keys[0]
	}

	authCtx, err := s.auth.Authenticate(ctx, apiKey)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrMissingAPIKey):
			s.metrics.RecordAuthFailure("missing_key")
			return nil, status.Error(codes.Unauthenticated, "API key is required")
		case errors.Is(err, auth.ErrInvalidAPIKey):
			s.metrics.RecordAuthFailure("invalid_key")
			return nil, status.Error(codes.Unauthenticated, "invalid API key")
		case errors.Is(err, auth.ErrSuspendedConsumer):
			s.metrics.RecordAuthFailure("suspended")
			return nil, status.Error(codes.PermissionDenied, "consumer account is suspended")
		default:
			s.metrics.RecordAuthFailure("error")
			s.logger.Error("Authentication failed", zap.Error(err))
			return nil, status.Error(codes.Internal, "authentication failed")
		}
	}

	s.metrics.RecordAuthSuccess()
	return authCtx, nil
}

// unaryAuthInterceptor is the unary auth interceptor.
func (s *Server) unaryAuthInterceptor(
	ctx context.Context,
	req interface{},
	info *grpc.UnaryServerInfo,
	handler grpc.UnaryHandler,
) (interface{}, error) {
	authCtx, err := s.authenticate(ctx)
	if err != nil {
		return nil, err
	}

	// Rate limit check
	limits := tier.Lookup(authCtx.Tier)
	res, err := s.limiter.Allow(ctx, authCtx.ConsumerID, limits.RequestsPerMinute)
	if err != nil {
		s.logger.Warn("Rate limiter failed", zap.String("consumer_id", authCtx.ConsumerID), zap.Error(err))
	} else if !res.Allowed {
		s.metrics.RecordRateLimitHit(limits.Name)
		return nil, status.Error(codes.ResourceExhausted, "rate limit exceeded")
	}

	// Add auth context to context
	ctx = context.WithValue(ctx, authContextKey, authCtx)

	return handler(ctx, req)
}

// streamAuthInterceptor is the stream auth interceptor.
func (s *Server) streamAuthInterceptor(
	srv interface{},
	ss grpc.ServerStream,
	info *grpc.StreamServerInfo,
	handler grpc.StreamHandler,
) error {
	authCtx, err := s.authenticate(ss.Context())
	if err != nil {
		return err
	}

	// Wrap the stream with auth context
	wrappedStream := &authServerStream{
		ServerStream: ss,
		ctx:          context.WithValue(ss.Context(), authContextKey, authCtx),
	}

	return handler(srv, wrappedStream)
}

// authServerStream wraps ServerStream with a custom context.
type authServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *authServerStream) Context() context.Context {
	return s.ctx
}

// authContextKey is the context key for auth context.
type authContextKeyType struct{}

var authContextKey = authContextKeyType{}

// AuthFrom retrieves the authenticated consumer from ctx.
func AuthFrom(ctx context.Context) (*models.AuthContext, bool) {
	authCtx, ok := ctx.Value(authContextKey).(*models.AuthContext)
	return authCtx, ok
}

// statusFromError maps a call failure onto a gRPC status.
func statusFromError(err error) error {
	var pe *proxy.Error
	if !errors.As(err, &pe) {
		return status.Error(codes.Internal, "internal error")
	}

	code := codes.Internal
	switch pe.Kind {
	case proxy.KindBadRequest:
		code = codes.InvalidArgument
	case proxy.KindNotFound:
		code = codes.NotFound
	case proxy.KindForbidden:
		code = codes.PermissionDenied
	case proxy.KindPaymentRequired:
		code = codes.FailedPrecondition
	case proxy.KindUpstreamTimeout:
		code = codes.DeadlineExceeded
	case proxy.KindUpstreamUnavailable:
		code = codes.Unavailable
	}

	msg := pe.Message
	if pe.CorrelationID != "" {
		msg = fmt.Sprintf("%s (correlation_id=%s)", msg, pe.CorrelationID)
	}
	return status.Error(code, msg)
}

// gatewayService implements GatewayServer.
type gatewayService struct {
	s *Server
}

// Invoke runs a metered call.
func (g *gatewayService) Invoke(ctx context.Context, req *types.InvokeRequest) (*types.CallResult, error) {
	authCtx, _ := AuthFrom(ctx)

	caller := &proxy.Caller{
		ConsumerID: authCtx.ConsumerID,
		Tier:       authCtx.Tier,
	}
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if ua := md.Get("user-agent"); len(ua) > 0 {
			caller.UserAgent = ua[0]
		}
	}

	res, err := g.s.proxy.Invoke(ctx, caller, req)
	if err != nil {
		if id := proxy.CorrelationIDOf(err); id != "" {
			_ = grpc.SetHeader(ctx, metadata.Pairs("x-correlation-id", id))
		}
		if proxy.KindOf(err) == proxy.KindInternal {
			g.s.logger.Error("Call failed", zap.String("correlation_id", proxy.CorrelationIDOf(err)), zap.Error(err))
		}
		return nil, statusFromError(err)
	}
	_ = grpc.SetHeader(ctx, metadata.Pairs("x-correlation-id", res.CorrelationID))
	return res, nil
}

// Usage returns the caller's usage counter for an API.
func (g *gatewayService) Usage(ctx context.Context, req *UsageRequest) (*types.UsageResponse, error) {
	authCtx, _ := AuthFrom(ctx)
	if req.APIID == "" {
		return nil, status.Error(codes.InvalidArgument, "api_id is required")
	}

	usage, err := g.s.proxy.Usage(ctx, authCtx.ConsumerID, req.APIID)
	if err != nil {
		return nil, statusFromError(err)
	}
	return usage, nil
}

// WatchCalls streams an API's settled calls to its owner.
func (g *gatewayService) WatchCalls(req *WatchRequest, stream grpc.ServerStream) error {
	ctx := stream.Context()
	authCtx, _ := AuthFrom(ctx)

	api, err := g.s.catalog.FindAPI(ctx, req.APIID)
	if err != nil {
		if errors.Is(err, catalog.ErrAPINotFound) {
			return status.Error(codes.NotFound, "api not found")
		}
		return status.Error(codes.Internal, "failed to load api")
	}
	if api.OwnerID != authCtx.ConsumerID {
		return status.Error(codes.PermissionDenied, "only the owner can watch this api")
	}

	g.s.metrics.RecordFeedSubscribe()
	defer g.s.metrics.RecordFeedUnsubscribe()

	// Create subscriber
	sub := g.s.fanout.CreateSubscriber(uuid.NewString(), authCtx.ConsumerID)
	g.s.fanout.Subscribe(api.ID, sub)
	defer g.s.fanout.Unsubscribe(api.ID, sub.ID)

	// Send recent calls first
	seen := make(map[string]struct{})
	for _, rec := range g.s.cache.RecentCalls(api.ID, req.Replay) {
		seen[rec.ID] = struct{}{}
		if err := stream.SendMsg(&types.FeedEvent{Type: "replay", Call: rec}); err != nil {
			return err
		}
	}

	// Stream updates
	for {
		select {
		case <-ctx.Done():
			return nil
		case rec, ok := <-sub.SendChan:
			if !ok {
				g.s.metrics.RecordFeedDropped(sub.Dropped.Load())
				return status.Error(codes.ResourceExhausted, "slow consumer disconnected")
			}
			if _, dup := seen[rec.ID]; dup {
				continue
			}
			if err := stream.SendMsg(&types.FeedEvent{Type: "call", Call: rec}); err != nil {
				return err
			}
		}
	}
}
