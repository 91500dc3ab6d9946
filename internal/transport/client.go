package transport

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// Dial opens a lazy client connection; plaintext unless opts say otherwise.
func Dial(target string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	if len(opts) == 0 {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	return grpc.NewClient(target, opts...)
}

type ControlClient struct {
	cc *grpc.ClientConn
}

func NewControlClient(cc *grpc.ClientConn) *ControlClient { return &ControlClient{cc: cc} }

func DialControl(target string, opts ...grpc.DialOption) (*ControlClient, error) {
	cc, err := Dial(target, opts...)
	if err != nil {
		return nil, err
	}
	return NewControlClient(cc), nil
}

func (c *ControlClient) Ping(ctx context.Context) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ControlService+"/Ping", &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Validate sends a graph document with its variables.
func (c *ControlClient) Validate(ctx context.Context, graph string, vars map[string]string) (*structpb.Struct, error) {
	vs := make(map[string]any, len(vars))
	for k, v := range vars {
		vs[k] = v
	}
	in, err := structpb.NewStruct(map[string]any{"graph": graph, "variables": vs})
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ControlService+"/Validate", in, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Snapshots fetches up to limit records of the log table with code table.
func (c *ControlClient) Snapshots(ctx context.Context, table string, limit int) ([]map[string]any, error) {
	in, err := structpb.NewStruct(map[string]any{"table": table, "limit": limit})
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ControlService+"/Snapshots", in, out); err != nil {
		return nil, err
	}
	var recs []map[string]any
	for _, v := range out.GetFields()["records"].GetListValue().GetValues() {
		recs = append(recs, v.GetStructValue().AsMap())
	}
	return recs, nil
}

func (c *ControlClient) Close() error { return c.cc.Close() }

// TransformerClient calls a remote transform.
type TransformerClient struct {
	cc *grpc.ClientConn
}

func NewTransformerClient(cc *grpc.ClientConn) *TransformerClient { return &TransformerClient{cc: cc} }

func DialTransformer(target string, opts ...grpc.DialOption) (*TransformerClient, error) {
	cc, err := Dial(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	return NewTransformerClient(cc), nil
}

func (c *TransformerClient) Apply(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+TransformerService+"/Apply", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Health reports whether the remote side serves the Transformer service.
func (c *TransformerClient) Health(ctx context.Context) error {
	resp, err := healthpb.NewHealthClient(c.cc).Check(ctx, &healthpb.HealthCheckRequest{Service: TransformerService})
	if err != nil {
		return err
	}
	if s := resp.GetStatus(); s != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("transformer status %s", s)
	}
	return nil
}

func (c *TransformerClient) Close() error { return c.cc.Close() }
