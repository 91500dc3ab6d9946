package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"rowflow/internal/logtable"
	"rowflow/internal/result"
	"rowflow/internal/row"
	"rowflow/internal/spec"
)

var idMeta = row.NewMeta(row.ValueMeta{Name: "id", Type: row.TypeInteger})

type gridSource struct{ n int }

func (s *gridSource) OutputMeta(*row.Meta) (*row.Meta, error) { return idMeta.Clone(), nil }

func (s *gridSource) Run(ctx context.Context, emit EmitFunc) error {
	for i := 0; i < s.n; i++ {
		if err := emit(row.Row{int64(i)}); err != nil {
			return err
		}
	}
	return nil
}

// endless emits until its output closes.
type endless struct{}

func (endless) OutputMeta(*row.Meta) (*row.Meta, error) { return idMeta.Clone(), nil }

func (endless) Run(ctx context.Context, emit EmitFunc) error {
	for i := int64(0); ; i++ {
		if err := emit(row.Row{i}); err != nil {
			return err
		}
	}
}

type passthrough struct{}

func (passthrough) OutputMeta(in *row.Meta) (*row.Meta, error) { return in.Clone(), nil }
func (passthrough) Process(_ context.Context, in row.Row, emit EmitFunc) error {
	return emit(in)
}

type failAt struct {
	at   int64
	seen int64
}

func (f *failAt) OutputMeta(in *row.Meta) (*row.Meta, error) { return in.Clone(), nil }
func (f *failAt) Process(_ context.Context, in row.Row, emit EmitFunc) error {
	f.seen++
	if f.seen == f.at {
		return fmt.Errorf("row %d rejected", f.seen)
	}
	return emit(in)
}

type collector struct {
	mu    sync.Mutex
	rows  []row.Row
	ended bool
}

func (c *collector) OutputMeta(in *row.Meta) (*row.Meta, error) { return in.Clone(), nil }
func (c *collector) Process(_ context.Context, in row.Row, _ EmitFunc) error {
	c.mu.Lock()
	c.rows = append(c.rows, in)
	c.mu.Unlock()
	return nil
}
func (c *collector) Flush(context.Context, EmitFunc) error {
	c.mu.Lock()
	c.ended = true
	c.mu.Unlock()
	return nil
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.rows)
}

type initFails struct{ passthrough }

func (initFails) Init(Env) error { return errors.New("missing field") }

type memWriter struct {
	mu   sync.Mutex
	recs map[string][]logtable.Record
}

func (w *memWriter) Write(_ context.Context, t *logtable.Table, rec logtable.Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.recs == nil {
		w.recs = map[string][]logtable.Record{}
	}
	w.recs[t.TableName] = append(w.recs[t.TableName], rec)
	return nil
}

func runWithin(t *testing.T, d time.Duration, g *Graph) (*result.Result, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	res, err := g.Run(ctx)
	if ctx.Err() != nil {
		t.Fatalf("graph did not stop within %s", d)
	}
	return res, err
}

func TestChannel_FIFOAndEndOfStream(t *testing.T) {
	ch := NewChannel("a->b", idMeta, 4)
	ctx := context.Background()
	for i := int64(0); i < 3; i++ {
		if err := ch.Send(ctx, row.Row{i}); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	ch.Finish()
	for i := int64(0); i < 3; i++ {
		r, ok, err := ch.Receive(ctx)
		if err != nil || !ok || r[0] != i {
			t.Fatalf("Receive #%d = %v %v %v", i, r, ok, err)
		}
	}
	if _, ok, err := ch.Receive(ctx); ok || err != nil {
		t.Fatalf("want end of stream, got ok=%v err=%v", ok, err)
	}
	if err := ch.Send(ctx, row.Row{int64(9)}); !errors.Is(err, ErrChannelClosed) {
		t.Fatalf("Send after Finish: %v", err)
	}
}

func TestChannel_SendBlocksWhileFull(t *testing.T) {
	ch := NewChannel("a->b", idMeta, 1)
	ctx := context.Background()
	if err := ch.Send(ctx, row.Row{int64(1)}); err != nil {
		t.Fatal(err)
	}
	sent := make(chan error, 1)
	go func() { sent <- ch.Send(ctx, row.Row{int64(2)}) }()

	select {
	case err := <-sent:
		t.Fatalf("Send returned on a full channel: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	if _, _, err := ch.Receive(ctx); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-sent:
		if err != nil {
			t.Fatalf("Send: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Send still blocked after Receive")
	}
	if ch.Len() != 1 {
		t.Fatalf("Len = %d", ch.Len())
	}
}

func TestChannel_DetachReleasesSender(t *testing.T) {
	ch := NewChannel("a->b", idMeta, 1)
	ctx := context.Background()
	_ = ch.Send(ctx, row.Row{int64(1)})
	sent := make(chan error, 1)
	go func() { sent <- ch.Send(ctx, row.Row{int64(2)}) }()
	time.Sleep(10 * time.Millisecond)
	ch.Detach(nil)

	select {
	case err := <-sent:
		if !errors.Is(err, ErrChannelClosed) {
			t.Fatalf("want ErrChannelClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Detach did not release the sender")
	}
	if ch.Len() != 0 {
		t.Fatalf("queued rows survived Detach: %d", ch.Len())
	}
}

func TestChannel_ContextExpiry(t *testing.T) {
	ch := NewChannel("a->b", idMeta, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, ok, err := ch.Receive(ctx)
	if ok || !errors.Is(err, ErrChannelClosed) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("want closed error wrapping deadline, got ok=%v err=%v", ok, err)
	}
	if err := ch.Send(context.Background(), row.Row{int64(1)}); !errors.Is(err, ErrChannelClosed) {
		t.Fatalf("channel must stay detached, Send = %v", err)
	}
}

func TestChannel_FailMarker(t *testing.T) {
	ch := NewChannel("a->b", idMeta, 2)
	boom := errors.New("upstream broke")
	ch.Fail(boom)
	_, _, err := ch.Receive(context.Background())
	var ce *ClosedError
	if !errors.As(err, &ce) || !errors.Is(err, boom) {
		t.Fatalf("want ClosedError wrapping cause, got %v", err)
	}
}

func TestChannel_RejectsNonConformingRow(t *testing.T) {
	ch := NewChannel("a->b", idMeta, 2)
	if err := ch.Send(context.Background(), row.Row{"x"}); err == nil {
		t.Fatal("expected conformance error")
	}
	if err := ch.Send(context.Background(), row.Row{int64(1), int64(2)}); err == nil {
		t.Fatal("expected arity error")
	}
}

func codes(d Diagnostics) map[string]bool {
	out := map[string]bool{}
	for _, r := range d {
		out[r.Code] = true
	}
	return out
}

func TestGraph_ValidateStructure(t *testing.T) {
	g := NewGraph("bad")
	g.AddStep("src", &gridSource{n: 1})
	g.AddStep("src", passthrough{})
	g.AddStep("a", passthrough{})
	g.Connect("src", "missing")
	d := g.Validate()
	c := codes(d)
	if !c["graph.duplicate-name"] || !c["graph.unknown-hop-endpoint"] {
		t.Fatalf("unexpected diagnostics: %v", d)
	}

	cyc := NewGraph("cycle")
	cyc.AddStep("a", passthrough{})
	cyc.AddStep("b", passthrough{})
	cyc.Connect("a", "b")
	cyc.Connect("b", "a")
	if d := cyc.Validate(); !codes(d)["graph.cycle"] {
		t.Fatalf("cycle not reported: %v", d)
	}
	if _, err := cyc.Run(context.Background()); err == nil {
		t.Fatal("Run must refuse an invalid graph")
	}
}

func TestGraph_ValidateLayouts(t *testing.T) {
	g := NewGraph("layouts")
	g.AddStep("src", &gridSource{n: 1})
	g.AddStep("other", &gridSource{n: 1})
	g.AddStep("sink", &collector{})
	g.Connect("src", "other")
	g.Connect("src", "sink")
	d := g.Validate()
	if !codes(d)["source.has-inputs"] {
		t.Fatalf("source with inputs not reported: %v", d)
	}
	var ce *ConfigurationError
	if err := d.Err(); !errors.As(err, &ce) {
		t.Fatalf("Err() = %v", err)
	}
}

func TestGraph_RunPassesRows(t *testing.T) {
	sink := &collector{}
	g := NewGraph("copy")
	g.AddStep("src", &gridSource{n: 5})
	g.AddStep("pass", passthrough{})
	g.AddStep("sink", sink)
	g.Connect("src", "pass")
	g.Connect("pass", "sink")

	res, err := runWithin(t, 5*time.Second, g)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status() != result.Finished {
		t.Fatalf("status = %s", res.Status())
	}
	if sink.len() != 5 || !sink.ended {
		t.Fatalf("sink got %d rows, ended=%v", sink.len(), sink.ended)
	}
	for i, r := range sink.rows {
		if r[0] != int64(i) {
			t.Fatalf("row %d out of order: %v", i, r)
		}
	}
	c := res.Counters()
	if c.Input != 5 || c.Read != 10 || c.Written != 10 || c.Errors != 0 {
		t.Fatalf("counters = %+v", c)
	}
}

func TestGraph_CopiesShareRowsRoundRobin(t *testing.T) {
	var mu sync.Mutex
	var sinks []*collector
	g := NewGraph("copies", WithChannelSize(2))
	g.AddStep("src", &gridSource{n: 10})
	g.Add(Def{Name: "sink", Copies: 2, New: func() (Step, error) {
		mu.Lock()
		defer mu.Unlock()
		c := &collector{}
		sinks = append(sinks, c)
		return c, nil
	}})
	g.Connect("src", "sink")

	if _, err := runWithin(t, 5*time.Second, g); err != nil {
		t.Fatalf("Run: %v", err)
	}
	// the step built for validation serves as copy 0
	if len(sinks) != 2 {
		t.Fatalf("built %d sink steps", len(sinks))
	}
	for i, s := range sinks {
		if s.len() != 5 {
			t.Fatalf("copy %d got %d rows", i, s.len())
		}
	}
}

func TestGraph_FanOutAndFanIn(t *testing.T) {
	left, right, both := &collector{}, &collector{}, &collector{}
	g := NewGraph("fan")
	g.AddStep("src", &gridSource{n: 3})
	g.AddStep("src2", &gridSource{n: 4})
	g.AddStep("left", left)
	g.AddStep("right", right)
	g.AddStep("both", both)
	g.Connect("src", "left")
	g.Connect("src", "right")
	g.Connect("src", "both")
	g.Connect("src2", "both")

	if _, err := runWithin(t, 5*time.Second, g); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if left.len() != 3 || right.len() != 3 {
		t.Fatalf("fan-out: left=%d right=%d", left.len(), right.len())
	}
	if both.len() != 7 {
		t.Fatalf("fan-in: got %d rows", both.len())
	}
}

func TestGraph_FailureStopsEveryUnit(t *testing.T) {
	sink := &collector{}
	g := NewGraph("failing", WithChannelSize(4))
	g.AddStep("src", endless{})
	g.AddStep("check", &failAt{at: 3})
	g.AddStep("sink", sink)
	g.Connect("src", "check")
	g.Connect("check", "sink")

	res, err := runWithin(t, 5*time.Second, g)
	var perr *ProcessingError
	if !errors.As(err, &perr) || perr.Transform != "check" {
		t.Fatalf("want ProcessingError from check, got %v", err)
	}
	if res.Status() != result.Failed {
		t.Fatalf("status = %s", res.Status())
	}
	if res.Errors() != 1 {
		t.Fatalf("errors = %d, want 1", res.Errors())
	}
	if sink.len() > 2 {
		t.Fatalf("sink saw rows past the failure: %d", sink.len())
	}
}

func TestGraph_CallerCancelStops(t *testing.T) {
	g := NewGraph("cancel", WithChannelSize(8))
	g.AddStep("src", endless{})
	g.AddStep("sink", &collector{})
	g.Connect("src", "sink")

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)
	done := make(chan struct{})
	var res *result.Result
	var err error
	go func() {
		res, err = g.Run(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("graph ignored cancellation")
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	if res.Status() != result.Stopped || res.Errors() != 0 {
		t.Fatalf("status = %s errors = %d", res.Status(), res.Errors())
	}
}

func TestGraph_InitErrorIsConfiguration(t *testing.T) {
	g := NewGraph("init")
	g.AddStep("src", &gridSource{n: 1})
	g.AddStep("bad", initFails{})
	g.Connect("src", "bad")
	res, err := g.Run(context.Background())
	var ce *ConfigurationError
	if res != nil || !errors.As(err, &ce) || ce.Transform != "bad" {
		t.Fatalf("want ConfigurationError for bad, got %v %v", res, err)
	}
}

func TestGraph_LogTablesRecordEveryCopy(t *testing.T) {
	w := &memWriter{}
	pt, tt := logtable.PipelineTable(), logtable.TransformTable()
	pt.TableName, tt.TableName = "pipeline_log", "transform_log"
	g := NewGraph("logged", WithLogTables(pt, tt, w), WithBatchSequence(&result.BatchSequence{}))
	g.AddStep("src", &gridSource{n: 2})
	g.Add(Def{Name: "sink", Copies: 2, New: func() (Step, error) { return &collector{}, nil }})
	g.Connect("src", "sink")

	if _, err := runWithin(t, 5*time.Second, g); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n := len(w.recs["pipeline_log"]); n != 1 {
		t.Fatalf("pipeline records = %d", n)
	}
	if n := len(w.recs["transform_log"]); n != 3 {
		t.Fatalf("transform records = %d", n)
	}
	rec := w.recs["pipeline_log"][0]
	if v, _ := rec.Get("STATUS"); v != "finished" {
		t.Fatalf("pipeline status = %v", v)
	}
	if v, _ := rec.Get("ID_BATCH"); v != int64(1) {
		t.Fatalf("batch id = %v", v)
	}
}

func TestCompile(t *testing.T) {
	RegisterKind("test_grid", func(cfg *yaml.Node) (Step, error) {
		var c struct {
			Rows int `yaml:"rows"`
		}
		if err := Decode(cfg, &c); err != nil {
			return nil, err
		}
		return &gridSource{n: c.Rows}, nil
	})
	RegisterKind("test_pass", func(*yaml.Node) (Step, error) { return passthrough{}, nil })

	var f spec.Graph
	src := `
name: compiled
channel_size: 3
log:
  level: detailed
  pipeline_table:
    table: runs
transforms:
  - {name: src, kind: test_grid, config: {rows: 4}}
  - {name: a, kind: test_pass, copies: 2}
  - {name: b, kind: test_pass}
hops:
  - {from: src, to: a}
  - {from: a, to: b, disabled: true}
`
	if err := yaml.Unmarshal([]byte(src), &f); err != nil {
		t.Fatal(err)
	}
	g, err := Compile(f)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if len(g.Defs()) != 3 || len(g.Hops()) != 1 || g.opts.channelSize != 3 {
		t.Fatalf("defs=%d hops=%d size=%d", len(g.Defs()), len(g.Hops()), g.opts.channelSize)
	}
	if !g.opts.pipelineTable.Defined() || g.opts.transformTable != nil {
		t.Fatal("only the named table should be configured")
	}
	if d := g.Validate(); d.HasErrors() {
		t.Fatalf("Validate: %v", d)
	}

	f.Transforms = append(f.Transforms, spec.Transform{Name: "x", Kind: "no_such_kind"})
	_, err = Compile(f)
	var ce *ConfigurationError
	if !errors.As(err, &ce) || ce.Code != "kind.unknown" || ce.Transform != "x" {
		t.Fatalf("want unknown kind error, got %v", err)
	}
}
