// Package engine runs graphs and workflows with the process-wide logging,
// log tables and control service configured from the engine file.
package engine

import (
	"context"
	"errors"

	"google.golang.org/grpc"

	"rowflow/internal/config"
	"rowflow/internal/logctx"
	"rowflow/internal/logging"
	"rowflow/internal/logtable"
	"rowflow/internal/pipeline"
	"rowflow/internal/result"
	"rowflow/internal/transport"
	"rowflow/internal/workflow"
	"rowflow/sink"
	"rowflow/sink/memory"
)

type Engine struct {
	cfg      config.Engine
	level    logctx.Level
	registry *logctx.Registry
	execLog  *logctx.WriterSink // nil without an execution log file
	batches  *result.BatchSequence
	identity logtable.Identity

	workflowTable  *logtable.Table
	pipelineTable  *logtable.Table
	transformTable *logtable.Table

	store  *memory.Store
	router *sink.Router
}

// PipelineOptions are the options every graph of this engine runs with.
func (e *Engine) PipelineOptions() []pipeline.Option {
	return []pipeline.Option{
		pipeline.WithLogging(e.registry, nil),
		pipeline.WithLogLevel(e.level),
		pipeline.WithChannelSize(e.cfg.ChannelSize),
		pipeline.WithBatchSequence(e.batches),
		pipeline.WithLogTables(e.pipelineTable, e.transformTable, e.router),
		pipeline.WithIdentity(e.identity),
	}
}

// Records holds the newest log records of every table.
func (e *Engine) Records() *memory.Store { return e.store }

func (e *Engine) RunGraph(ctx context.Context, path string, vars map[string]string) (*result.Result, error) {
	g, err := pipeline.CompileFile(path, vars, e.PipelineOptions()...)
	if err != nil {
		return nil, err
	}
	return g.Run(ctx)
}

func (e *Engine) RunWorkflow(ctx context.Context, path string, vars map[string]string) (*result.Result, error) {
	w, err := workflow.Load(path, vars,
		workflow.WithRegistry(e.registry),
		workflow.WithLogLevel(e.level),
		workflow.WithBatchSequence(e.batches),
		workflow.WithLogTable(e.workflowTable, e.router),
		workflow.WithIdentity(e.identity),
		workflow.WithPipelineOptions(e.PipelineOptions()...))
	if err != nil {
		return nil, err
	}
	return w.Run(ctx)
}

// ValidateGraph compiles a graph file and checks it without running it.
func (e *Engine) ValidateGraph(path string, vars map[string]string) (pipeline.Diagnostics, error) {
	g, err := pipeline.CompileFile(path, vars, e.PipelineOptions()...)
	if err != nil {
		return nil, err
	}
	return g.Validate(), nil
}

// StartControl listens on the configured control address.
func (e *Engine) StartControl() (*transport.Server, error) {
	return transport.StartServer(e.cfg.ControlAddr, transport.NewControl(e.store, e.PipelineOptions()...))
}

// Serve runs the control service until ctx is done.
func (e *Engine) Serve(ctx context.Context) error {
	srv, err := e.StartControl()
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		srv.Stop()
	}()
	if err := srv.Serve(nil); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

func (e *Engine) Close() error {
	err := e.router.Close()
	e.closeLog()
	return err
}

func (e *Engine) closeLog() {
	if e.execLog == nil {
		return
	}
	if err := e.execLog.Close(); err != nil {
		logging.L().Warn("closing execution log", "err", err)
	}
}
