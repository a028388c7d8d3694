package grpc

import (
	"context"

	"github.com/pgwilde8/ledgrapi/gateway/pkg/types"

	jsoniter "github.com/json-iterator/go"
	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/metadata"
)

// CodecName is the content subtype clients must request.
const CodecName = "json"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// jsonCodec carries the gateway's JSON wire types over gRPC.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                               { return CodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// UsageRequest selects the API whose counter to return.
type UsageRequest struct {
	APIID string `json:"api_id"`
}

// WatchRequest subscribes to an API's calls.
type WatchRequest struct {
	APIID  string `json:"api_id"`
	Replay int    `json:"replay"`
}

// GatewayServer is the ledgrapi.Gateway service.
type GatewayServer interface {
	Invoke(ctx context.Context, req *types.InvokeRequest) (*types.CallResult, error)
	Usage(ctx context.Context, req *UsageRequest) (*types.UsageResponse, error)
	WatchCalls(req *WatchRequest, stream grpc.ServerStream) error
}

const serviceName = "ledgrapi.Gateway"

// RegisterGatewayServer registers srv on s.
func RegisterGatewayServer(s *grpc.Server, srv GatewayServer) {
	s.RegisterService(&serviceDesc, srv)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*GatewayServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Invoke", Handler: invokeHandler},
		{MethodName: "Usage", Handler: usageHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "WatchCalls", Handler: watchCallsHandler, ServerStreams: true},
	},
	Metadata: "ledgrapi/gateway",
}

func invokeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(types.InvokeRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(GatewayServer).Invoke(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Invoke"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(GatewayServer).Invoke(ctx, req.(*types.InvokeRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func usageHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(UsageRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(GatewayServer).Usage(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Usage"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(GatewayServer).Usage(ctx, req.(*UsageRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func watchCallsHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(WatchRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(GatewayServer).WatchCalls(in, stream)
}

// Client calls a gateway over an existing connection.
type Client struct {
	conn   *grpc.ClientConn
	apiKey string
}

// NewClient returns a client that authenticates with apiKey.
func NewClient(conn *grpc.ClientConn, apiKey string) *Client {
	return &Client{conn: conn, apiKey: apiKey}
}

func (c *Client) outgoing(ctx context.Context) context.Context {
	return metadata.AppendToOutgoingContext(ctx, "x-api-key", c.apiKey)
}

// Invoke runs a metered call.
func (c *Client) Invoke(ctx context.Context, req *types.InvokeRequest, opts ...grpc.CallOption) (*types.CallResult, error) {
	out := new(types.CallResult)
	opts = append(opts, grpc.CallContentSubtype(CodecName))
	if err := c.conn.Invoke(c.outgoing(ctx), "/"+serviceName+"/Invoke", req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// Usage returns the caller's counter for an API.
func (c *Client) Usage(ctx context.Context, apiID string) (*types.UsageResponse, error) {
	out := new(types.UsageResponse)
	err := c.conn.Invoke(c.outgoing(ctx), "/"+serviceName+"/Usage", &UsageRequest{APIID: apiID}, out,
		grpc.CallContentSubtype(CodecName))
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CallStream receives feed events.
type CallStream struct {
	stream grpc.ClientStream
}

// Recv blocks for the next event.
func (s *CallStream) Recv() (*types.FeedEvent, error) {
	ev := new(types.FeedEvent)
	if err := s.stream.RecvMsg(ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// WatchCalls subscribes to an API's settled calls.
func (c *Client) WatchCalls(ctx context.Context, req *WatchRequest) (*CallStream, error) {
	stream, err := c.conn.NewStream(c.outgoing(ctx), &serviceDesc.Streams[0], "/"+serviceName+"/WatchCalls",
		grpc.CallContentSubtype(CodecName))
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &CallStream{stream: stream}, nil
}
