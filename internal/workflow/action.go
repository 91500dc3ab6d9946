package workflow

import (
	"context"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"

	"rowflow/internal/config"
	"rowflow/internal/logctx"
	"rowflow/internal/pipeline"
	"rowflow/internal/result"
)

// Env is what an action runs with.
type Env struct {
	// File is the workflow file, used to resolve relative paths.
	File     string
	Vars     map[string]string
	Log      *logctx.Context
	Registry *logctx.Registry
	// Result is the workflow's result; actions merge their counters into it.
	Result   *result.Result
	Pipeline []pipeline.Option
}

type Action interface {
	Execute(ctx context.Context, env *Env) error
}

type ActionFactory func(cfg *yaml.Node) (Action, error)

var actions = map[string]ActionFactory{}

func RegisterAction(typ string, f ActionFactory) { actions[typ] = f }

func newAction(typ string, cfg *yaml.Node) (Action, error) {
	f, ok := actions[typ]
	if !ok {
		return nil, fmt.Errorf("unknown action type %q", typ)
	}
	return f(cfg)
}

func ActionTypes() []string {
	out := make([]string, 0, len(actions))
	for k := range actions {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

/*──────── write_to_log ───────*/

const ActionWriteToLog = "write_to_log"

type WriteToLogConfig struct {
	Level   string `yaml:"level"`
	Subject string `yaml:"subject"`
	Message string `yaml:"message"`
}

type writeToLog struct {
	level   logctx.Level
	subject string
	message string
}

func newWriteToLog(cfg *yaml.Node) (Action, error) {
	var c WriteToLogConfig
	if err := pipeline.Decode(cfg, &c); err != nil {
		return nil, err
	}
	w := &writeToLog{level: logctx.LevelBasic, subject: c.Subject, message: c.Message}
	if c.Level != "" {
		lvl, err := logctx.ParseLevel(c.Level)
		if err != nil {
			return nil, err
		}
		w.level = lvl
	}
	return w, nil
}

// Execute writes the message through a writer context below the action.
// Sink failures land on the workflow's error count and do not fail the
// action.
func (w *writeToLog) Execute(_ context.Context, env *Env) error {
	subject := w.subject
	if subject == "" {
		subject = env.Log.Subject()
	}
	writer := env.Registry.NewContext(subject, env.Log, env.Log.Level(),
		logctx.WithKind(logctx.KindWriter), logctx.WithOwner(env.Result))
	defer writer.Close()

	msg := config.Substitute(w.message, env.Vars)
	if msg == "" || !w.level.Visible(writer.Level()) {
		return nil
	}
	writer.Log(w.level, msg)
	return nil
}

/*──────── pipeline ───────*/

const ActionPipeline = "pipeline"

type PipelineConfig struct {
	File string `yaml:"file"`
	// Params override workflow variables for this graph only.
	Params map[string]string `yaml:"params"`
}

type runPipeline struct {
	cfg PipelineConfig
}

func newRunPipeline(cfg *yaml.Node) (Action, error) {
	var c PipelineConfig
	if err := pipeline.Decode(cfg, &c); err != nil {
		return nil, err
	}
	if c.File == "" {
		return nil, fmt.Errorf("pipeline action needs a file")
	}
	return &runPipeline{cfg: c}, nil
}

// Execute runs the graph as a child of the action and merges its counters
// into the workflow result.
func (p *runPipeline) Execute(ctx context.Context, env *Env) error {
	path := config.ResolvePath(env.File, config.Substitute(p.cfg.File, env.Vars))
	vars := config.Merge(env.Vars, p.cfg.Params)
	opts := append(append([]pipeline.Option(nil), env.Pipeline...),
		pipeline.WithLogging(env.Registry, env.Log),
		pipeline.WithLogLevel(env.Log.Level()))

	g, err := pipeline.CompileFile(path, vars, opts...)
	if err != nil {
		return err
	}
	res, err := g.Run(ctx)
	if res != nil {
		env.Result.Merge(res.Counters())
	}
	return err
}

func init() {
	RegisterAction(ActionWriteToLog, newWriteToLog)
	RegisterAction(ActionPipeline, newRunPipeline)
}
