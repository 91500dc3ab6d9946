package transport

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"rowflow/internal/config"
	"rowflow/internal/logtable"
	"rowflow/internal/pipeline"
)

// RecordSource keeps the newest log table records in memory.
type RecordSource interface {
	Latest(code string, limit int) []logtable.Record
}

const defaultSnapshotLimit = 20

// Control is the engine's ControlServer.
type Control struct {
	records RecordSource
	opts    []pipeline.Option
	started time.Time
}

// NewControl serves snapshots from records, which may be nil. opts are
// applied to graphs compiled by Validate.
func NewControl(records RecordSource, opts ...pipeline.Option) *Control {
	return &Control{records: records, opts: opts, started: time.Now()}
}

func (c *Control) Ping(context.Context, *emptypb.Empty) (*structpb.Struct, error) {
	kinds := pipeline.Kinds()
	list := make([]any, len(kinds))
	for i, k := range kinds {
		list[i] = k
	}
	return structpb.NewStruct(map[string]any{
		"status":         "ok",
		"uptime_seconds": time.Since(c.started).Seconds(),
		"kinds":          list,
	})
}

func (c *Control) Validate(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	doc := in.GetFields()["graph"].GetStringValue()
	if doc == "" {
		return nil, status.Error(codes.InvalidArgument, "graph document is empty")
	}
	vars := map[string]string{}
	for k, v := range in.GetFields()["variables"].GetStructValue().GetFields() {
		vars[k] = v.GetStringValue()
	}
	f, err := config.ParseGraph([]byte(doc), vars)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	var remarks []any
	valid := true
	g, err := pipeline.Compile(f, c.opts...)
	if err != nil {
		valid = false
		remarks = append(remarks, remark(pipeline.Error("", "graph.compile", err.Error())))
	} else {
		d := g.Validate()
		valid = !d.HasErrors()
		for _, r := range d {
			remarks = append(remarks, remark(r))
		}
	}
	return structpb.NewStruct(map[string]any{"valid": valid, "name": f.Name, "remarks": remarks})
}

func remark(r pipeline.Remark) map[string]any {
	return map[string]any{
		"severity":  r.Severity.String(),
		"code":      r.Code,
		"transform": r.Transform,
		"text":      r.String(),
	}
}

func (c *Control) Snapshots(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if c.records == nil {
		return nil, status.Error(codes.Unavailable, "no log table records are kept")
	}
	code := in.GetFields()["table"].GetStringValue()
	if code == "" {
		code = logtable.CodePipeline
	}
	limit := int(in.GetFields()["limit"].GetNumberValue())
	if limit <= 0 {
		limit = defaultSnapshotLimit
	}
	var recs []any
	for _, rec := range c.records.Latest(code, limit) {
		m := rec.Map()
		for k, v := range m {
			switch x := v.(type) {
			case time.Time:
				m[k] = x.Format(time.RFC3339Nano)
			case int64, float64, string, bool, nil:
			default:
				m[k] = fmt.Sprint(x)
			}
		}
		recs = append(recs, m)
	}
	return structpb.NewStruct(map[string]any{"table": code, "records": recs})
}
