// Package transport carries the engine's gRPC surface: the Control service
// used by the CLI and the Transformer service implemented by out-of-process
// transforms. Messages are protobuf well-known types, so no generated code
// is needed.
package transport

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	ControlService     = "rowflow.v1.Control"
	TransformerService = "rowflow.v1.Transformer"
)

// ControlServer answers operator requests against a running engine.
type ControlServer interface {
	Ping(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	// Validate compiles the graph document in the request and returns its
	// remarks.
	Validate(context.Context, *structpb.Struct) (*structpb.Struct, error)
	// Snapshots returns the newest log table records kept by the engine.
	Snapshots(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// TransformerServer turns one input row into zero or more output rows.
type TransformerServer interface {
	Apply(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

func unary[S, Req any](service, method string, call func(S, context.Context, *Req) (any, error)) grpc.MethodDesc {
	full := "/" + service + "/" + method
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, ic grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			h := func(ctx context.Context, req any) (any, error) { return call(srv.(S), ctx, req.(*Req)) }
			if ic == nil {
				return h(ctx, in)
			}
			return ic(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: full}, h)
		},
	}
}

var controlDesc = grpc.ServiceDesc{
	ServiceName: ControlService,
	HandlerType: (*ControlServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(ControlService, "Ping", func(s ControlServer, ctx context.Context, in *emptypb.Empty) (any, error) {
			return s.Ping(ctx, in)
		}),
		unary(ControlService, "Validate", func(s ControlServer, ctx context.Context, in *structpb.Struct) (any, error) {
			return s.Validate(ctx, in)
		}),
		unary(ControlService, "Snapshots", func(s ControlServer, ctx context.Context, in *structpb.Struct) (any, error) {
			return s.Snapshots(ctx, in)
		}),
	},
}

var transformerDesc = grpc.ServiceDesc{
	ServiceName: TransformerService,
	HandlerType: (*TransformerServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(TransformerService, "Apply", func(s TransformerServer, ctx context.Context, in *structpb.Struct) (any, error) {
			return s.Apply(ctx, in)
		}),
	},
}
