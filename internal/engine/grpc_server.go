package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/xela07ax/waygate/internal/domain"
)

// Сервис описан вручную поверх google.protobuf.Struct: тот же JSON-протокол команд,
// что у HTTP и stdio, без отдельной кодогенерации.
const (
	GatewayServiceName   = "waygate.v1.Gateway"
	GatewayExecuteMethod = "/" + GatewayServiceName + "/Execute"
	GatewayForwardMethod = "/" + GatewayServiceName + "/Forward"
)

// GatewayServiceServer — серверная сторона waygate.v1.Gateway
type GatewayServiceServer interface {
	Execute(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Forward(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

var GatewayServiceDesc = grpc.ServiceDesc{
	ServiceName: GatewayServiceName,
	HandlerType: (*GatewayServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Execute", Handler: unaryHandler(GatewayExecuteMethod, GatewayServiceServer.Execute)},
		{MethodName: "Forward", Handler: unaryHandler(GatewayForwardMethod, GatewayServiceServer.Forward)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "waygate/v1/gateway.proto",
}

type structMethod func(GatewayServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(fullMethod string, call structMethod) grpc.MethodHandler {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(GatewayServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(GatewayServiceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// GRPCGatewayServer — gRPC-фасад над тем же пайплайном, что и HTTP
type GRPCGatewayServer struct {
	router  *Router
	forward func(ctx context.Context, req domain.EgressRequest) (domain.EgressResponse, error)
}

func NewGRPCGatewayServer(g *Gateway) *GRPCGatewayServer {
	return &GRPCGatewayServer{router: g.Router, forward: g.Egress.Forward}
}

// RegisterGatewayServer регистрирует сервис на grpc.Server
func RegisterGatewayServer(s grpc.ServiceRegistrar, srv GatewayServiceServer) {
	s.RegisterService(&GatewayServiceDesc, srv)
}

func (s *GRPCGatewayServer) Execute(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req domain.CommandRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "bad command: %v", err)
	}
	// Исход команды — в status ответа, как и в HTTP
	return toStruct(s.router.ExecuteRequest(ctx, req))
}

func (s *GRPCGatewayServer) Forward(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req domain.EgressRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "bad egress request: %v", err)
	}
	if req.URL == "" {
		return nil, status.Error(codes.InvalidArgument, "url is required")
	}
	resp, _ := s.forward(ctx, req)
	return toStruct(resp)
}

func fromStruct(in *structpb.Struct, dst any) error {
	data, err := json.Marshal(in.AsMap())
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}

func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

// GatewayClient — клиент waygate.v1.Gateway
type GatewayClient struct {
	cc grpc.ClientConnInterface
}

func NewGatewayClient(cc grpc.ClientConnInterface) *GatewayClient {
	return &GatewayClient{cc: cc}
}

func (c *GatewayClient) Execute(ctx context.Context, req domain.CommandRequest, opts ...grpc.CallOption) (domain.CommandResponse, error) {
	var resp domain.CommandResponse
	err := c.invoke(ctx, GatewayExecuteMethod, req, &resp, opts...)
	return resp, err
}

func (c *GatewayClient) Forward(ctx context.Context, req domain.EgressRequest, opts ...grpc.CallOption) (domain.EgressResponse, error) {
	var resp domain.EgressResponse
	err := c.invoke(ctx, GatewayForwardMethod, req, &resp, opts...)
	return resp, err
}

func (c *GatewayClient) invoke(ctx context.Context, method string, req, resp any, opts ...grpc.CallOption) error {
	in, err := toStruct(req)
	if err != nil {
		return err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, method, in, out, opts...); err != nil {
		return err
	}
	if err := fromStruct(out, resp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
