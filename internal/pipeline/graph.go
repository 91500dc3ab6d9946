package pipeline

import (
	"fmt"
	"sort"

	"rowflow/internal/logctx"
	"rowflow/internal/logtable"
	"rowflow/internal/result"
	"rowflow/internal/row"
)

const defaultChannelSize = 1000

// Def declares one transform of a graph. New is called once per copy.
type Def struct {
	Name   string
	Kind   string
	Copies int
	New    func() (Step, error)
}

func (d Def) copies() int {
	if d.Copies <= 0 {
		return 1
	}
	return d.Copies
}

type Hop struct {
	From string
	To   string
}

type options struct {
	channelSize    int
	registry       *logctx.Registry
	parentLog      *logctx.Context
	level          logctx.Level
	batches        *result.BatchSequence
	pipelineTable  *logtable.Table
	transformTable *logtable.Table
	writer         logtable.Writer
	identity       logtable.Identity
}

type Option func(*options)

func WithChannelSize(n int) Option { return func(o *options) { o.channelSize = n } }

// WithLogging attaches the run's logging context under parent. A nil
// registry means logctx.Default().
func WithLogging(reg *logctx.Registry, parent *logctx.Context) Option {
	return func(o *options) {
		o.registry = reg
		o.parentLog = parent
	}
}

func WithLogLevel(l logctx.Level) Option { return func(o *options) { o.level = l } }

func WithBatchSequence(s *result.BatchSequence) Option { return func(o *options) { o.batches = s } }

// WithLogTables persists the pipeline record and one record per transform
// copy through w. Either table may be nil.
func WithLogTables(pipeline, transform *logtable.Table, w logtable.Writer) Option {
	return func(o *options) {
		o.pipelineTable = pipeline
		o.transformTable = transform
		o.writer = w
	}
}

// WithIdentity sets the server, user and client recorded in log tables.
func WithIdentity(id logtable.Identity) Option { return func(o *options) { o.identity = id } }

// Graph is a directed acyclic set of transforms joined by hops. It is a
// definition: each Run builds fresh steps and channels.
type Graph struct {
	name string
	defs []Def
	hops []Hop
	opts options
}

var batches result.BatchSequence

func NewGraph(name string, opts ...Option) *Graph {
	g := &Graph{name: name, opts: options{channelSize: defaultChannelSize, level: logctx.LevelBasic}}
	for _, o := range opts {
		o(&g.opts)
	}
	if g.opts.batches == nil {
		g.opts.batches = &batches
	}
	return g
}

func (g *Graph) Name() string { return g.name }

func (g *Graph) Add(d Def) { g.defs = append(g.defs, d) }

// AddStep adds a single-copy transform backed by s.
func (g *Graph) AddStep(name string, s Step) {
	g.Add(Def{Name: name, New: func() (Step, error) { return s, nil }})
}

func (g *Graph) Connect(from, to string) { g.hops = append(g.hops, Hop{From: from, To: to}) }

func (g *Graph) Defs() []Def { return append([]Def(nil), g.defs...) }
func (g *Graph) Hops() []Hop { return append([]Hop(nil), g.hops...) }

type node struct {
	def     Def
	step    Step
	inputs  []string
	outputs []string
	in, out *row.Meta
	broken  bool
}

type plan struct {
	order  []*node
	byName map[string]*node
}

// Validate checks the graph structure and every step without running it.
func (g *Graph) Validate() Diagnostics {
	_, d := g.analyze()
	return d
}

func (g *Graph) analyze() (*plan, Diagnostics) {
	var diags Diagnostics
	p := &plan{byName: make(map[string]*node, len(g.defs))}
	var nodes []*node
	for _, d := range g.defs {
		if d.Name == "" {
			diags = append(diags, Error("", "graph.unnamed-transform"))
			continue
		}
		if _, dup := p.byName[d.Name]; dup {
			diags = append(diags, Error(d.Name, "graph.duplicate-name"))
			continue
		}
		if d.Copies < 0 {
			diags = append(diags, Error(d.Name, "graph.negative-copies", d.Copies))
		}
		n := &node{def: d}
		p.byName[d.Name] = n
		nodes = append(nodes, n)
	}

	seen := make(map[Hop]bool)
	for _, h := range g.hops {
		from, ok1 := p.byName[h.From]
		to, ok2 := p.byName[h.To]
		if !ok1 || !ok2 {
			diags = append(diags, Error(h.From, "graph.unknown-hop-endpoint", h.From, h.To))
			continue
		}
		if seen[h] {
			continue
		}
		seen[h] = true
		from.outputs = append(from.outputs, h.To)
		to.inputs = append(to.inputs, h.From)
	}
	if diags.HasErrors() {
		return nil, diags
	}

	order, cyclic := topoSort(nodes, p.byName)
	if len(cyclic) > 0 {
		return nil, append(diags, Error("", "graph.cycle", cyclic))
	}
	p.order = order

	for _, n := range p.order {
		diags = append(diags, n.prepare(p)...)
	}
	return p, diags
}

func (n *node) prepare(p *plan) Diagnostics {
	var diags Diagnostics
	name := n.def.Name
	step, err := n.def.New()
	if err != nil {
		n.broken = true
		return append(diags, Error(name, "transform.build", err.Error()))
	}
	n.step = step

	for i, up := range n.inputs {
		u := p.byName[up]
		if u.broken {
			n.broken = true
			return diags
		}
		if i == 0 {
			n.in = u.out
			continue
		}
		if !n.in.Equal(u.out) {
			diags = append(diags, Error(name, "graph.mixed-input-layouts", n.inputs[0], up))
			n.broken = true
			return diags
		}
	}

	switch step.(type) {
	case Source:
		if len(n.inputs) > 0 {
			diags = append(diags, Error(name, "source.has-inputs", n.inputs))
		}
	case Processor:
	default:
		diags = append(diags, Error(name, "transform.no-behaviour"))
	}

	if c, ok := step.(Checker); ok {
		checked := Diagnostics(c.Check(n.in, n.inputs))
		for _, r := range checked {
			if r.Transform == "" {
				r.Transform = name
			}
			diags = append(diags, r)
		}
		// the step already said what is wrong with its settings
		if checked.HasErrors() {
			n.broken = true
			return diags
		}
	}
	n.out, err = step.OutputMeta(n.in)
	if err != nil {
		n.broken = true
		diags = append(diags, Error(name, "transform.output-layout", err.Error()))
	}
	return diags
}

// topoSort orders nodes so every hop points forward. Names left over form
// at least one cycle.
func topoSort(nodes []*node, byName map[string]*node) ([]*node, []string) {
	indeg := make(map[string]int, len(nodes))
	for _, n := range nodes {
		indeg[n.def.Name] = len(n.inputs)
	}
	var queue, order []*node
	for _, n := range nodes {
		if indeg[n.def.Name] == 0 {
			queue = append(queue, n)
		}
	}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		order = append(order, n)
		for _, down := range n.outputs {
			indeg[down]--
			if indeg[down] == 0 {
				queue = append(queue, byName[down])
			}
		}
	}
	if len(order) == len(nodes) {
		return order, nil
	}
	var left []string
	for name, d := range indeg {
		if d > 0 {
			left = append(left, name)
		}
	}
	sort.Strings(left)
	return order, left
}

func channelName(from string, fc int, to string, tc int) string {
	return fmt.Sprintf("%s.%d->%s.%d", from, fc, to, tc)
}
