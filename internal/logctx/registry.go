// Package logctx implements the hierarchy of logging contexts owned by
// workflows, pipelines and transforms.
//
// Parent links live in the Registry's lookup table; a Context never holds
// a pointer to its parent and a parent never tracks its children, so
// closing contexts in any order is safe.
package logctx

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

type Kind string

const (
	KindGeneral   Kind = "general"
	KindWorkflow  Kind = "workflow"
	KindAction    Kind = "action"
	KindPipeline  Kind = "pipeline"
	KindTransform Kind = "transform"
	KindWriter    Kind = "writer"
)

const defaultBufferLimit = 1 << 20

type Registry struct {
	sink        Sink
	bufferLimit int
	now         func() time.Time

	mu      sync.RWMutex
	nodes   map[string]*Context
	parents map[string]string
}

type RegistryOption func(*Registry)

func WithSink(s Sink) RegistryOption { return func(r *Registry) { r.sink = s } }

// WithBufferLimit caps each context's captured output in characters.
func WithBufferLimit(n int) RegistryOption { return func(r *Registry) { r.bufferLimit = n } }

func WithClock(now func() time.Time) RegistryOption { return func(r *Registry) { r.now = now } }

func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		sink:        SlogSink{},
		bufferLimit: defaultBufferLimit,
		now:         time.Now,
		nodes:       make(map[string]*Context),
		parents:     make(map[string]string),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

var def atomic.Pointer[Registry]

func init() { def.Store(NewRegistry()) }

// Default is the process-wide registry.
func Default() *Registry { return def.Load() }

func SetDefault(r *Registry) { def.Store(r) }

// NewContext registers a context for subject below parent (nil for a root).
// The flags start from the parent's current values; level is never
// inherited.
func (r *Registry) NewContext(subject string, parent *Context, level Level, opts ...ContextOption) *Context {
	c := &Context{
		id:      uuid.NewString(),
		subject: subject,
		kind:    KindGeneral,
		level:   level,
		reg:     r,
		buf:     &buffer{max: r.bufferLimit},
	}
	if parent != nil {
		c.parentID = parent.id
		c.gathering.Store(parent.GatheringMetrics())
		c.separate.Store(parent.ForcingSeparateLogging())
	}
	for _, o := range opts {
		o(c)
	}

	r.mu.Lock()
	r.nodes[c.id] = c
	if c.parentID != "" {
		r.parents[c.id] = c.parentID
	}
	r.mu.Unlock()
	return c
}

func (r *Registry) Lookup(id string) (*Context, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.nodes[id]
	return c, ok
}

func (r *Registry) ParentID(id string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.parents[id]
	return p, ok
}

// Lineage lists id followed by its registered ancestors, nearest first.
func (r *Registry) Lineage(id string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := []string{id}
	for {
		p, ok := r.parents[id]
		if !ok {
			return out
		}
		out = append(out, p)
		id = p
	}
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

func (r *Registry) remove(id string) {
	r.mu.Lock()
	delete(r.nodes, id)
	delete(r.parents, id)
	r.mu.Unlock()
}

// aggregators returns the ancestors of id whose buffers receive its lines.
// Propagation stops after a node that forces separate logging.
func (r *Registry) aggregators(id string) []*Context {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Context
	for {
		pid, ok := r.parents[id]
		if !ok {
			return out
		}
		p, ok := r.nodes[pid]
		if !ok {
			return out
		}
		if p.GatheringMetrics() {
			out = append(out, p)
		}
		if p.ForcingSeparateLogging() {
			return out
		}
		id = pid
	}
}
