// Package workflow runs workflow files: a sequence of actions sharing
// variables, one logging context and one result.
package workflow

import (
	"context"
	"errors"
	"fmt"

	"rowflow/internal/config"
	"rowflow/internal/logctx"
	"rowflow/internal/logtable"
	"rowflow/internal/pipeline"
	"rowflow/internal/result"
	"rowflow/internal/spec"
	"rowflow/internal/telemetry"
)

type options struct {
	registry *logctx.Registry
	level    logctx.Level
	batches  *result.BatchSequence
	table    *logtable.Table
	writer   logtable.Writer
	identity logtable.Identity
	pipeline []pipeline.Option
}

type Option func(*options)

// WithRegistry sets the logging registry; nil means logctx.Default().
func WithRegistry(r *logctx.Registry) Option { return func(o *options) { o.registry = r } }

func WithLogLevel(l logctx.Level) Option { return func(o *options) { o.level = l } }

func WithBatchSequence(s *result.BatchSequence) Option { return func(o *options) { o.batches = s } }

// WithLogTable persists the workflow record through w.
func WithLogTable(t *logtable.Table, w logtable.Writer) Option {
	return func(o *options) {
		o.table = t
		o.writer = w
	}
}

func WithIdentity(id logtable.Identity) Option { return func(o *options) { o.identity = id } }

// WithPipelineOptions are passed to every graph a pipeline action runs.
func WithPipelineOptions(opts ...pipeline.Option) Option {
	return func(o *options) { o.pipeline = append(o.pipeline, opts...) }
}

type step struct {
	name            string
	typ             string
	continueOnError bool
	action          Action
}

type Workflow struct {
	name      string
	file      string
	vars      map[string]string
	gathering *bool
	separate  bool
	steps     []step
	opts      options
}

var batches result.BatchSequence

// Load reads and builds a workflow file.
func Load(path string, vars map[string]string, opts ...Option) (*Workflow, error) {
	f, err := config.LoadWorkflow(path, vars)
	if err != nil {
		return nil, err
	}
	return Build(f, path, opts...)
}

// Build turns a parsed workflow into a runnable one. file may be empty
// when relative paths need no resolving.
func Build(f spec.Workflow, file string, opts ...Option) (*Workflow, error) {
	w := &Workflow{
		name:      f.Name,
		file:      file,
		vars:      f.Variables,
		gathering: f.Log.GatheringMetrics,
		separate:  f.Log.ForcingSeparateLogging,
		opts:      options{level: logctx.LevelBasic},
	}
	for _, o := range opts {
		o(&w.opts)
	}
	if w.opts.batches == nil {
		w.opts.batches = &batches
	}
	if f.Log.Level != "" {
		lvl, err := logctx.ParseLevel(f.Log.Level)
		if err != nil {
			return nil, fmt.Errorf("workflow %s: %w", f.Name, err)
		}
		w.opts.level = lvl
	}

	switch {
	case w.opts.table != nil:
		w.opts.table = w.opts.table.Clone()
	case f.Log.Table.Table != "":
		w.opts.table = logtable.WorkflowTable()
	}
	if w.opts.table != nil {
		if err := w.opts.table.Apply(f.Log.Table); err != nil {
			return nil, fmt.Errorf("workflow %s: %w", f.Name, err)
		}
	}

	if len(f.Actions) == 0 {
		return nil, fmt.Errorf("workflow %s has no actions", f.Name)
	}
	seen := make(map[string]bool, len(f.Actions))
	for i, a := range f.Actions {
		name := a.Name
		if name == "" {
			name = fmt.Sprintf("%s-%d", a.Type, i+1)
		}
		if seen[name] {
			return nil, fmt.Errorf("workflow %s: duplicate action %q", f.Name, name)
		}
		seen[name] = true
		act, err := newAction(a.Type, &a.Config)
		if err != nil {
			return nil, fmt.Errorf("workflow %s: action %s: %w", f.Name, name, err)
		}
		w.steps = append(w.steps, step{name: name, typ: a.Type, continueOnError: a.ContinueOnError, action: act})
	}
	return w, nil
}

func (w *Workflow) Name() string { return w.name }

// Run executes the actions in order. A failed action stops the workflow
// unless it continues on error. The returned error joins the action
// failures, the caller's context error when cancelled, and a lost log
// table record.
func (w *Workflow) Run(ctx context.Context) (*result.Result, error) {
	reg := w.opts.registry
	if reg == nil {
		reg = logctx.Default()
	}
	r := &run{w: w, batch: w.opts.batches.Next(), res: result.New()}

	gathering := w.opts.table.Defined() && w.opts.table.LogFieldUsed()
	if w.gathering != nil {
		gathering = *w.gathering
	}
	r.log = reg.NewContext(w.name, nil, w.opts.level,
		logctx.WithKind(logctx.KindWorkflow),
		logctx.WithOwner(r.res),
		logctx.WithGatheringMetrics(gathering),
		logctx.WithForcingSeparateLogging(w.separate))
	defer r.log.Close()
	snap := logtable.NewSnapshotter(w.opts.table, r, w.opts.writer)

	r.res.Start()
	snap.Start(ctx)
	r.log.Basic("Workflow started")

	var failed error
	stopped := false
	for _, s := range w.steps {
		if ctx.Err() != nil {
			stopped = true
			break
		}
		err := r.execute(ctx, reg, s)
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			stopped = true
			break
		}
		if !s.continueOnError {
			failed = fmt.Errorf("action %s: %w", s.name, err)
			break
		}
	}

	switch {
	case failed != nil:
		r.log.Error(fmt.Sprintf("Workflow failed: %v", failed))
		r.res.SetLogText(r.log.Buffer())
		r.res.FailMerged(failed)
	case stopped:
		r.log.Minimal("Workflow stopped")
		r.res.SetLogText(r.log.Buffer())
		r.res.Stop()
	default:
		c := r.res.Counters()
		r.log.Basic(fmt.Sprintf("Workflow finished (R=%d, W=%d, E=%d)", c.Read, c.Written, c.Errors))
		r.res.SetLogText(r.log.Buffer())
		r.res.Finish()
	}
	telemetry.RunsCompleted.WithLabelValues("workflow", r.res.Status().String()).Inc()

	var errs []error
	switch {
	case failed != nil:
		errs = append(errs, failed)
	case stopped:
		errs = append(errs, ctx.Err())
	}
	if err := snap.Stop(context.WithoutCancel(ctx)); err != nil {
		errs = append(errs, err)
	}
	return r.res, errors.Join(errs...)
}

// run is one execution of a workflow; it is the subject of the workflow
// log table.
type run struct {
	w     *Workflow
	batch int64
	res   *result.Result
	log   *logctx.Context
}

// execute runs one action below its own logging context. A failure is
// logged and counted once on the workflow result.
func (r *run) execute(ctx context.Context, reg *logctx.Registry, s step) error {
	log := reg.NewContext(s.name, r.log, r.w.opts.level,
		logctx.WithKind(logctx.KindAction), logctx.WithOwner(r.res))
	defer log.Close()

	log.Detailed(fmt.Sprintf("Starting action [%s]", s.typ))
	before := r.res.Errors()
	env := &Env{
		File:     r.w.file,
		Vars:     r.w.vars,
		Log:      log,
		Registry: reg,
		Result:   r.res,
		Pipeline: append(append([]pipeline.Option(nil), r.w.opts.pipeline...),
			pipeline.WithBatchSequence(r.w.opts.batches), pipeline.WithIdentity(r.Identity())),
	}
	err := s.action.Execute(ctx, env)
	if err == nil {
		log.Detailed("Finished action")
		return nil
	}
	if r.res.Errors() == before && ctx.Err() == nil {
		r.res.IncErrors(1)
	}
	if s.continueOnError {
		log.Error(fmt.Sprintf("Action failed, continuing: %v", err))
	} else {
		log.Error(fmt.Sprintf("Action failed: %v", err))
	}
	return err
}

func (r *run) BatchID() int64         { return r.batch }
func (r *run) ChannelID() string      { return r.log.ID() }
func (r *run) Name() string           { return r.w.name }
func (r *run) Result() *result.Result { return r.res }
func (r *run) LogText() string        { return r.log.Buffer() }

func (r *run) Identity() logtable.Identity {
	id := r.w.opts.identity
	if len(r.w.steps) > 0 {
		id.StartAction = r.w.steps[0].name
	}
	return id
}
