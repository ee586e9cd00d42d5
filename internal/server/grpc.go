package server

import (
	"context"

	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// AdminServiceName is the fully qualified name of the admin service.
const AdminServiceName = "booger.admin.v1.Admin"

// AdminStatusMethod is the full method name of the admin status RPC.
const AdminStatusMethod = "/" + AdminServiceName + "/Status"

// adminServer is the handler type of the admin service.
type adminServer interface {
	AdminStatus(ctx context.Context, in *emptypb.Empty) (*structpb.Struct, error)
}

var adminServiceDesc = grpc.ServiceDesc{
	ServiceName: AdminServiceName,
	HandlerType: (*adminServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Status", Handler: adminStatusHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "booger/admin/v1/admin.proto",
}

func adminStatusHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(adminServer).AdminStatus(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: AdminStatusMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(adminServer).AdminStatus(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

// NewGRPCServer creates a gRPC server with standard interceptors, registers
// the health and admin services and reflection, and returns the server ready
// to serve.
func (s *Server) NewGRPCServer() *grpc.Server {
	srv := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			RecoveryInterceptor(s.logger),
			LoggingInterceptor(s.logger),
			AuthInterceptor(s.authToken),
		),
		grpc.ChainStreamInterceptor(
			StreamRecoveryInterceptor(s.logger),
			StreamAuthInterceptor(s.authToken),
		),
	)

	s.health.SetServingStatus(AdminServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, s.health)
	srv.RegisterService(&adminServiceDesc, s)
	reflection.Register(srv)

	return srv
}

// AdminStatus implements the admin Status RPC.
func (s *Server) AdminStatus(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	st := s.Status()
	plugs := make(map[string]any, len(st.Plugs))
	for name, actions := range st.Plugs {
		list := make([]any, len(actions))
		for i, a := range actions {
			list[i] = a
		}
		plugs[name] = list
	}
	return structpb.NewStruct(map[string]any{
		"origin":        st.Origin,
		"version":       st.Version,
		"connections":   st.Connections,
		"subscriptions": st.Subscriptions,
		"uptime":        st.Uptime,
		"plugs":         plugs,
	})
}
