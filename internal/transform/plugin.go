package transform

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"gopkg.in/yaml.v3"

	"rowflow/internal/logctx"
	"rowflow/internal/pipeline"
	"rowflow/internal/row"
	"rowflow/internal/transport"
)

const KindRemote = "remote_transform"

const defaultRemoteTimeout = 5 * time.Second

// Client wraps a transform running over gRPC or in process.
type Client interface {
	Apply(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Close() error
}

// InProcessClient adapts a TransformerServer compiled into the engine.
type InProcessClient struct {
	impl transport.TransformerServer
}

func NewInProcessClient(impl transport.TransformerServer) *InProcessClient {
	return &InProcessClient{impl: impl}
}

func (c *InProcessClient) Apply(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return c.impl.Apply(ctx, req)
}

func (c *InProcessClient) Close() error { return nil }

type RetryPolicy struct {
	Attempts  int `yaml:"attempts"`
	BackoffMS int `yaml:"backoff_ms"`
}

type RemoteConfig struct {
	Target    string      `yaml:"target"`
	TimeoutMS int         `yaml:"timeout_ms"`
	Retry     RetryPolicy `yaml:"retry"`
	// AddFields are appended to the input layout by the remote side.
	AddFields   []GridField `yaml:"add_fields"`
	CheckHealth bool        `yaml:"check_health"`
}

func init() { pipeline.RegisterKind(KindRemote, newRemote) }

func newRemote(cfg *yaml.Node) (pipeline.Step, error) {
	var c RemoteConfig
	if err := pipeline.Decode(cfg, &c); err != nil {
		return nil, err
	}
	return NewRemote(c, nil)
}

// Remote sends every input row to a remote transform and emits the rows it
// returns, which must follow the output layout.
type Remote struct {
	cfg    RemoteConfig
	added  []row.ValueMeta
	client Client
	owned  bool

	name    string
	copyNr  int
	log     *logctx.Context
	in, out *row.Meta
}

// NewRemote builds the step. A nil client is dialled from cfg.Target at
// Init and closed at Dispose.
func NewRemote(cfg RemoteConfig, client Client) (*Remote, error) {
	r := &Remote{cfg: cfg, client: client}
	for _, f := range cfg.AddFields {
		t, err := row.ParseType(f.Type)
		if err != nil {
			return nil, pipeline.Configf("", "added field %q: %v", f.Name, err)
		}
		r.added = append(r.added, row.ValueMeta{Name: f.Name, Type: t, Length: f.Length, Origin: KindRemote})
	}
	return r, nil
}

func (r *Remote) OutputMeta(in *row.Meta) (*row.Meta, error) {
	out := in.Clone()
	for _, v := range r.added {
		if out.IndexOf(v.Name) >= 0 {
			return nil, pipeline.Configf("", "added field %q already exists", v.Name)
		}
		out.Add(v)
	}
	return out, nil
}

func (r *Remote) Check(_ *row.Meta, inputs []string) []pipeline.Remark {
	var rs []pipeline.Remark
	if r.client == nil && r.cfg.Target == "" {
		rs = append(rs, pipeline.Error("", "remote_transform.no-target"))
	}
	if r.cfg.TimeoutMS < 0 || r.cfg.Retry.Attempts < 0 || r.cfg.Retry.BackoffMS < 0 {
		rs = append(rs, pipeline.Error("", "remote_transform.negative-setting"))
	}
	if len(inputs) == 0 {
		rs = append(rs, pipeline.Warning("", "remote_transform.no-input"))
	}
	return rs
}

func (r *Remote) Init(env pipeline.Env) error {
	r.name, r.copyNr, r.log = env.Name, env.Copy, env.Log
	r.in, r.out = env.Input, env.Output
	if r.client != nil {
		return nil
	}
	c, err := transport.DialTransformer(r.cfg.Target)
	if err != nil {
		return err
	}
	if r.cfg.CheckHealth {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout())
		defer cancel()
		if err := c.Health(ctx); err != nil {
			_ = c.Close()
			return fmt.Errorf("transformer %s: %w", r.cfg.Target, err)
		}
	}
	r.client, r.owned = c, true
	return nil
}

func (r *Remote) Dispose() error {
	if !r.owned || r.client == nil {
		return nil
	}
	return r.client.Close()
}

func (r *Remote) timeout() time.Duration {
	if r.cfg.TimeoutMS <= 0 {
		return defaultRemoteTimeout
	}
	return time.Duration(r.cfg.TimeoutMS) * time.Millisecond
}

func (r *Remote) Process(ctx context.Context, in row.Row, emit pipeline.EmitFunc) error {
	req, err := transport.Request(r.in, in)
	if err != nil {
		return &pipeline.ProcessingError{Transform: r.name, Copy: r.copyNr, Err: err}
	}
	resp, err := r.call(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &pipeline.ProcessingError{Transform: r.name, Copy: r.copyNr, Err: err}
	}
	rows, err := transport.ResponseRows(r.out, resp)
	if err != nil {
		return &pipeline.ProcessingError{Transform: r.name, Copy: r.copyNr, Err: err}
	}
	for _, out := range rows {
		if err := emit(out); err != nil {
			return err
		}
	}
	return nil
}

func (r *Remote) call(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	attempts := max(r.cfg.Retry.Attempts, 1)
	backoff := time.Duration(r.cfg.Retry.BackoffMS) * time.Millisecond
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			if r.log != nil {
				r.log.Logf(logctx.LevelDetailed, "Retrying remote call (%d/%d): %v", i+1, attempts, lastErr)
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
		cctx, cancel := context.WithTimeout(ctx, r.timeout())
		resp, err := r.client.Apply(cctx, req)
		cancel()
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !retryable(err) || ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

func retryable(err error) bool {
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
		return true
	}
	return false
}
