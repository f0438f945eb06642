// Package server exposes the gateway over gRPC and HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/triage-ai/palisade/services/tool_gateway/internal/auth"
	"github.com/triage-ai/palisade/services/tool_gateway/internal/gateway"
)

// ServiceName is the fully qualified gRPC service name. Messages are
// google.protobuf.Struct values carrying the JSON forms of gateway.Request
// and gateway.Response.
const ServiceName = "toolgate.v1.Gateway"

const (
	processRequestMethod = "/" + ServiceName + "/ProcessRequest"
	listToolsMethod      = "/" + ServiceName + "/ListTools"
)

// GatewayServer is the server API of ServiceName.
type GatewayServer interface {
	ProcessRequest(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ListTools(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// ServiceDesc describes ServiceName for grpc.ServiceRegistrar.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*GatewayServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ProcessRequest", Handler: unaryHandler(processRequestMethod, GatewayServer.ProcessRequest)},
		{MethodName: "ListTools", Handler: unaryHandler(listToolsMethod, GatewayServer.ListTools)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "toolgate/v1/gateway.proto",
}

func unaryHandler(
	fullMethod string,
	call func(GatewayServer, context.Context, *structpb.Struct) (*structpb.Struct, error),
) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(GatewayServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(GatewayServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// RegisterGatewayServer registers srv and marks it serving on hs when hs
// is non-nil.
func RegisterGatewayServer(s grpc.ServiceRegistrar, srv GatewayServer, hs *health.Server) {
	s.RegisterService(&ServiceDesc, srv)
	if hs != nil {
		healthpb.RegisterHealthServer(s, hs)
		hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	}
}

// Client calls ServiceName over a connection.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) ProcessRequest(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, processRequestMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ListTools(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, listToolsMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// GRPCServer adapts a Gateway to GatewayServer. Pipeline denials travel
// in-band in the response; only malformed calls become gRPC errors.
type GRPCServer struct {
	gw     *gateway.Gateway
	logger *zap.Logger
}

func NewGRPCServer(gw *gateway.Gateway, logger *zap.Logger) *GRPCServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GRPCServer{gw: gw, logger: logger}
}

func (s *GRPCServer) ProcessRequest(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req gateway.Request
	if err := decodeStruct(in, &req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "malformed request: %v", err)
	}
	if req.ToolName == "" {
		return nil, status.Error(codes.InvalidArgument, "tool_name is required")
	}
	if token, err := auth.ExtractBearerToken(ctx); err == nil {
		req.Credential = token
	}

	resp := s.gw.ProcessRequest(ctx, &req)
	out, err := encodeStruct(resp)
	if err != nil {
		s.logger.Error("response encoding failed",
			zap.String("request_id", resp.Metadata.RequestID),
			zap.Error(err),
		)
		return nil, status.Errorf(codes.Internal, "response encoding failed: %v", err)
	}
	return out, nil
}

func (s *GRPCServer) ListTools(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	out, err := encodeStruct(map[string]any{"tools": s.gw.ListTools()})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "response encoding failed: %v", err)
	}
	return out, nil
}

func decodeStruct(in *structpb.Struct, v any) error {
	b, err := json.Marshal(in.AsMap())
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

func encodeStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	if m == nil {
		return nil, errors.New("response is not an object")
	}
	return structpb.NewStruct(m)
}

// UnaryLoggingInterceptor logs every unary call with its status code.
func UnaryLoggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logger.Info("grpc call",
			zap.String("method", info.FullMethod),
			zap.String("code", status.Code(err).String()),
			zap.Duration("duration", time.Since(start)),
		)
		return resp, err
	}
}
