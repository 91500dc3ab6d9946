package engine

import (
	"context"
	"fmt"
	"os"

	"rowflow/internal/config"
	"rowflow/internal/logctx"
	"rowflow/internal/logging"
	"rowflow/internal/logtable"
	"rowflow/internal/result"
	"rowflow/internal/telemetry"
	"rowflow/sink"
	"rowflow/sink/memory"
)

// Bootstrap wires logging, log tables and record writers from cfg.
func Bootstrap(ctx context.Context, cfg config.Engine) (*Engine, error) {
	// 1. process and execution logging
	logging.Configure(cfg.Log)
	level, err := logctx.ParseLevel(cfg.ExecutionLevel)
	if err != nil {
		return nil, fmt.Errorf("execution_level: %w", err)
	}
	e := &Engine{cfg: cfg, level: level, batches: &result.BatchSequence{}}

	var lines logctx.Sink = logctx.SlogSink{}
	if cfg.ExecutionLog.Path != "" {
		e.execLog = logctx.NewFileSink(cfg.ExecutionLog)
		lines = logctx.MultiSink{lines, e.execLog}
	}
	regOpts := []logctx.RegistryOption{logctx.WithSink(lines)}
	if cfg.LogBufferLimit > 0 {
		regOpts = append(regOpts, logctx.WithBufferLimit(cfg.LogBufferLimit))
	}
	e.registry = logctx.NewRegistry(regOpts...)
	logctx.SetDefault(e.registry)

	// 2. log tables
	if e.workflowTable, err = table(logtable.WorkflowTable, cfg.LogTables.Workflow); err != nil {
		e.closeLog()
		return nil, err
	}
	if e.pipelineTable, err = table(logtable.PipelineTable, cfg.LogTables.Pipeline); err != nil {
		e.closeLog()
		return nil, err
	}
	if e.transformTable, err = table(logtable.TransformTable, cfg.LogTables.Transform); err != nil {
		e.closeLog()
		return nil, err
	}

	// 3. record writers; the memory store answers snapshot queries
	e.store = memory.New(0)
	if e.router, err = sink.Open(cfg.Connections, e.store); err != nil {
		e.closeLog()
		return nil, fmt.Errorf("sinks: %w", err)
	}

	// 4. continue batch ids from what is stored
	for _, t := range []*logtable.Table{e.workflowTable, e.pipelineTable} {
		if !t.Defined() || !t.BatchIDUsed() {
			continue
		}
		top, err := e.router.MaxKey(ctx, t)
		if err != nil {
			logging.L().Warn("cannot read last batch id", "table", t.QualifiedName(), "err", err)
			continue
		}
		e.batches.Seed(top)
	}

	// 5. identity recorded in log tables
	e.identity = logtable.Identity{Server: cfg.Identity.Server, User: cfg.Identity.User, Client: cfg.Identity.Client}
	if e.identity.Server == "" {
		e.identity.Server, _ = os.Hostname()
	}

	// 6. metrics
	if cfg.MetricsPort > 0 {
		telemetry.Expose(cfg.MetricsPort)
	}
	return e, nil
}

// table returns nil when s names no table.
func table(defaults func() *logtable.Table, s logtable.Settings) (*logtable.Table, error) {
	if s.Table == "" {
		return nil, nil
	}
	t := defaults()
	if err := t.Apply(s); err != nil {
		return nil, err
	}
	return t, nil
}
