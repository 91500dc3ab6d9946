package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"rowflow/internal/logctx"
	"rowflow/internal/logtable"
	"rowflow/internal/result"
	"rowflow/internal/row"
	"rowflow/internal/telemetry"
)

// Run executes the graph until every unit stops. Configuration errors are
// returned before any unit starts. The returned result aggregates all
// units; the error joins the processing failures, the caller's context
// error when cancelled, and any lost log table record.
func (g *Graph) Run(ctx context.Context) (*result.Result, error) {
	p, diags := g.analyze()
	if err := diags.Err(); err != nil {
		return nil, err
	}
	r, err := g.newRunner(p)
	if err != nil {
		return nil, err
	}
	return r.execute(ctx), r.err(ctx)
}

type runner struct {
	g     *Graph
	batch int64
	res   *result.Result
	log   *logctx.Context
	snap  *logtable.Snapshotter
	units []*unit
	wg    sync.WaitGroup

	mu       sync.Mutex
	chans    []*Channel
	detached error
	failures []error
	lost     []error
}

func (g *Graph) newRunner(p *plan) (*runner, error) {
	reg := g.opts.registry
	if reg == nil {
		reg = logctx.Default()
	}
	r := &runner{g: g, batch: g.opts.batches.Next(), res: result.New()}
	var logOpts []logctx.ContextOption
	logOpts = append(logOpts, logctx.WithKind(logctx.KindPipeline), logctx.WithOwner(r.res))
	if g.opts.pipelineTable.Defined() && g.opts.pipelineTable.LogFieldUsed() {
		logOpts = append(logOpts, logctx.WithGatheringMetrics(true))
	}
	r.log = reg.NewContext(g.name, g.opts.parentLog, g.opts.level, logOpts...)
	r.snap = logtable.NewSnapshotter(g.opts.pipelineTable, r, g.opts.writer)

	units := make(map[string][]*unit, len(p.order))
	for _, n := range p.order {
		for c := 0; c < n.def.copies(); c++ {
			step := n.step
			if c > 0 {
				s, err := n.def.New()
				if err != nil {
					r.abort()
					return nil, &ConfigurationError{Transform: n.def.Name, Code: "transform.build", Err: err}
				}
				step = s
			}
			u := r.newUnit(reg, n, c, step)
			units[n.def.Name] = append(units[n.def.Name], u)
			r.units = append(r.units, u)
		}
	}

	for _, n := range p.order {
		for _, to := range n.outputs {
			for _, from := range units[n.def.Name] {
				targets := make([]*Channel, 0, len(units[to]))
				for _, down := range units[to] {
					ch := NewChannel(channelName(from.name, from.copyNr, down.name, down.copyNr), n.out, g.opts.channelSize)
					r.chans = append(r.chans, ch)
					targets = append(targets, ch)
					down.inputs = append(down.inputs, ch)
				}
				from.targets = append(from.targets, targets)
				from.next = append(from.next, 0)
			}
		}
	}

	for i, u := range r.units {
		if err := u.init(); err != nil {
			for _, done := range r.units[:i] {
				done.dispose()
			}
			r.abort()
			return nil, &ConfigurationError{Transform: u.name, Code: "transform.init", Err: err}
		}
	}
	return r, nil
}

func (r *runner) abort() {
	for _, u := range r.units {
		u.log.Close()
	}
	r.log.Close()
}

func (r *runner) execute(ctx context.Context) *result.Result {
	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stop := context.AfterFunc(runCtx, func() { r.detachAll(context.Cause(runCtx)) })
	defer stop()

	r.res.Start()
	r.snap.Start(ctx)
	r.log.Basic(fmt.Sprintf("Pipeline started with %d transform copies", len(r.units)))

	for _, u := range r.units {
		r.wg.Add(1)
		go func(u *unit) {
			defer r.wg.Done()
			if err := u.execute(runCtx); err != nil {
				r.fail(err, cancel)
			}
		}(u)
	}
	r.wg.Wait()

	var sum result.Counters
	for _, u := range r.units {
		sum = sum.Add(u.res.Counters())
	}
	r.res.Merge(sum)

	failures := r.failureErr()
	switch {
	case failures != nil:
		r.log.Error(fmt.Sprintf("Pipeline failed: %v", failures))
		r.res.SetLogText(r.log.Buffer())
		r.res.FailMerged(failures)
	case ctx.Err() != nil:
		r.log.Minimal("Pipeline stopped")
		r.res.SetLogText(r.log.Buffer())
		r.res.Stop()
	default:
		c := r.res.Counters()
		r.log.Basic(fmt.Sprintf("Pipeline finished (R=%d, W=%d, I=%d, E=%d)", c.Read, c.Written, c.Input, c.Errors))
		r.res.SetLogText(r.log.Buffer())
		r.res.Finish()
	}
	telemetry.RunsCompleted.WithLabelValues("pipeline", r.res.Status().String()).Inc()

	if err := r.snap.Stop(context.WithoutCancel(ctx)); err != nil {
		r.lose(err)
	}
	r.log.Close()
	return r.res
}

// fail records a unit's processing failure and cancels the other units.
func (r *runner) fail(err error, cancel context.CancelCauseFunc) {
	r.mu.Lock()
	r.failures = append(r.failures, err)
	r.mu.Unlock()
	cancel(err)
}

func (r *runner) failureErr() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return errors.Join(r.failures...)
}

func (r *runner) lose(err error) {
	r.mu.Lock()
	r.lost = append(r.lost, err)
	r.mu.Unlock()
}

func (r *runner) err(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	errs := append([]error(nil), r.failures...)
	if len(errs) == 0 && ctx.Err() != nil {
		errs = append(errs, ctx.Err())
	}
	return errors.Join(append(errs, r.lost...)...)
}

// track registers a channel created while the graph is running.
func (r *runner) track(ch *Channel) {
	r.mu.Lock()
	cause := r.detached
	if cause == nil {
		r.chans = append(r.chans, ch)
	}
	r.mu.Unlock()
	if cause != nil {
		ch.Detach(cause)
	}
}

func (r *runner) detachAll(cause error) {
	r.mu.Lock()
	if r.detached == nil {
		r.detached = cause
	}
	chans := append([]*Channel(nil), r.chans...)
	r.mu.Unlock()
	for _, ch := range chans {
		ch.Detach(cause)
	}
}

func (r *runner) BatchID() int64              { return r.batch }
func (r *runner) ChannelID() string           { return r.log.ID() }
func (r *runner) Name() string                { return r.g.name }
func (r *runner) Result() *result.Result      { return r.res }
func (r *runner) LogText() string             { return r.log.Buffer() }
func (r *runner) Identity() logtable.Identity { return r.g.opts.identity }

// unit is one running copy of a transform.
type unit struct {
	r       *runner
	name    string
	copyNr  int
	step    Step
	in, out *row.Meta
	inputs  []*Channel
	targets [][]*Channel
	next    []int
	ctx     context.Context

	res     *result.Result
	log     *logctx.Context
	snap    *logtable.Snapshotter
	read    prometheus.Counter
	written prometheus.Counter
}

func (r *runner) newUnit(reg *logctx.Registry, n *node, copyNr int, step Step) *unit {
	u := &unit{
		r:       r,
		name:    n.def.Name,
		copyNr:  copyNr,
		step:    step,
		in:      n.in,
		out:     n.out,
		res:     result.New(),
		read:    telemetry.RowsRead.WithLabelValues(r.g.name, n.def.Name),
		written: telemetry.RowsWritten.WithLabelValues(r.g.name, n.def.Name),
	}
	opts := []logctx.ContextOption{logctx.WithKind(logctx.KindTransform), logctx.WithCopy(copyNr), logctx.WithOwner(u.res)}
	if t := r.g.opts.transformTable; t.Defined() && t.LogFieldUsed() {
		opts = append(opts, logctx.WithGatheringMetrics(true))
	}
	u.log = reg.NewContext(n.def.Name, r.log, r.g.opts.level, opts...)
	u.snap = logtable.NewSnapshotter(r.g.opts.transformTable, u, r.g.opts.writer)
	return u
}

func (u *unit) BatchID() int64         { return u.r.batch }
func (u *unit) ChannelID() string      { return u.log.ID() }
func (u *unit) Name() string           { return u.name }
func (u *unit) Result() *result.Result { return u.res }
func (u *unit) LogText() string        { return u.log.Buffer() }

func (u *unit) Identity() logtable.Identity {
	id := u.r.g.opts.identity
	id.Parent = u.r.g.name
	id.Copy = u.copyNr
	return id
}

func (u *unit) init() error {
	i, ok := u.step.(Initializer)
	if !ok {
		return nil
	}
	return i.Init(Env{
		Graph:  u.r.g.name,
		Name:   u.name,
		Copy:   u.copyNr,
		Log:    u.log,
		Result: u.res,
		Input:  u.in,
		Output: u.out,
	})
}

func (u *unit) dispose() {
	d, ok := u.step.(Disposer)
	if !ok {
		return
	}
	if err := d.Dispose(); err != nil {
		u.log.Error(fmt.Sprintf("Dispose failed: %v", err))
	}
}

// execute runs the unit to completion and returns its processing failure,
// if any. Cooperative stops return nil.
func (u *unit) execute(ctx context.Context) error {
	u.ctx = ctx
	u.res.Start()
	u.snap.Start(ctx)
	u.log.Detailed("Starting to run...")

	err := u.loop(ctx)
	var perr error
	switch {
	case err == nil:
		for _, ch := range u.outputs() {
			ch.Finish()
		}
		u.res.Finish()
	case cooperative(err) || (ctx.Err() != nil && errors.Is(err, ctx.Err())):
		for _, ch := range u.outputs() {
			ch.Fail(err)
		}
		u.log.Detailed(fmt.Sprintf("Stopped: %v", err))
		u.res.Stop()
	default:
		if !errors.As(err, new(*ProcessingError)) {
			err = &ProcessingError{Transform: u.name, Copy: u.copyNr, Err: err}
		}
		perr = err
		for _, ch := range u.outputs() {
			ch.Fail(err)
		}
		u.log.Error(fmt.Sprintf("Unexpected error: %v", err))
		telemetry.TransformErrors.WithLabelValues(u.r.g.name, u.name).Inc()
		u.res.Fail(err)
	}
	for _, ch := range u.inputs {
		ch.Detach(nil)
	}

	c := u.res.Counters()
	u.log.Basic(fmt.Sprintf("Finished processing (I=%d, O=%d, R=%d, W=%d, U=%d, E=%d)",
		c.Input, c.Output, c.Read, c.Written, c.Updated, c.Errors))
	u.res.SetLogText(u.log.Buffer())
	u.dispose()
	if err := u.snap.Stop(context.WithoutCancel(ctx)); err != nil {
		u.r.lose(err)
	}
	u.log.Close()
	return perr
}

func (u *unit) outputs() []*Channel {
	var out []*Channel
	for _, t := range u.targets {
		out = append(out, t...)
	}
	return out
}

func (u *unit) loop(ctx context.Context) error {
	switch s := u.step.(type) {
	case Source:
		return s.Run(ctx, func(rw row.Row) error {
			u.res.IncInput(1)
			return u.emit(rw)
		})
	case Processor:
		if in := u.merged(ctx); in != nil {
			for {
				if err := ctx.Err(); err != nil {
					return &ClosedError{Channel: in.Name(), Cause: context.Cause(ctx)}
				}
				rw, ok, err := in.Receive(ctx)
				if err != nil {
					return err
				}
				if !ok {
					break
				}
				u.res.IncRead(1)
				u.read.Inc()
				if err := s.Process(ctx, rw, u.emit); err != nil {
					return err
				}
			}
		}
		if f, ok := u.step.(Finisher); ok {
			return f.Flush(ctx, u.emit)
		}
		return nil
	}
	return fmt.Errorf("step %T neither reads nor produces rows", u.step)
}

// emit copies rw to every target transform, dealing round-robin among the
// copies of each target.
func (u *unit) emit(rw row.Row) error {
	for i, copies := range u.targets {
		ch := copies[u.next[i]%len(copies)]
		u.next[i]++
		out := rw
		if i > 0 {
			out = rw.Clone()
		}
		if err := ch.Send(u.ctx, out); err != nil {
			return err
		}
	}
	u.res.IncWritten(1)
	u.written.Inc()
	return nil
}

// merged returns the unit's single input, or a channel fed by one
// forwarder per input when there are several.
func (u *unit) merged(ctx context.Context) *Channel {
	switch len(u.inputs) {
	case 0:
		return nil
	case 1:
		return u.inputs[0]
	}
	m := NewChannel(u.name+".merge", u.in, u.r.g.opts.channelSize)
	u.r.track(m)
	var fwd sync.WaitGroup
	for _, in := range u.inputs {
		fwd.Add(1)
		go func(in *Channel) {
			defer fwd.Done()
			for {
				rw, ok, err := in.Receive(ctx)
				if err != nil {
					m.Fail(err)
					return
				}
				if !ok {
					return
				}
				if err := m.Send(ctx, rw); err != nil {
					in.Detach(err)
					return
				}
			}
		}(in)
	}
	u.r.wg.Add(1)
	go func() {
		defer u.r.wg.Done()
		fwd.Wait()
		m.Finish()
	}()
	u.inputs = append(u.inputs, m)
	return m
}
