package taskgraph

import (
	"errors"
	"fmt"
	"maps"
	"runtime"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/gogpu/taskgraph/internal/parallel"
)

// BuilderOption configures a Builder.
type BuilderOption func(*builderOptions)

type builderOptions struct {
	label string
}

// WithLabel names the graph in logs, errors and Describe output.
func WithLabel(label string) BuilderOption {
	return func(o *builderOptions) {
		o.label = label
	}
}

// graphIDs issues CompiledGraph identities for executor caches.
var graphIDs atomic.Uint64

// Builder accumulates resources, tasks and dependencies and compiles them
// into a CompiledGraph.
//
// Every call validates its input immediately; a failed call leaves the
// builder unchanged. Builder is safe for concurrent use, but tasks added
// from several goroutines are ordered by arrival.
type Builder struct {
	mu       sync.Mutex
	reg      *Registry
	families []QueueFamily
	opts     builderOptions
	tasks    []*task
	deps     [][2]TaskID
	built    bool
}

// NewBuilder returns a builder for graphs over reg, scheduled onto the given
// queue families. A nil reg creates a fresh registry.
func NewBuilder(reg *Registry, families []QueueFamily, opts ...BuilderOption) *Builder {
	if reg == nil {
		reg = NewRegistry()
	}
	o := builderOptions{label: "graph"}
	for _, opt := range opts {
		opt(&o)
	}
	return &Builder{
		reg:      reg,
		families: slices.Clone(families),
		opts:     o,
	}
}

// Registry returns the builder's registry.
func (b *Builder) Registry() *Registry { return b.reg }

// AddResource registers a resource in the builder's registry.
func (b *Builder) AddResource(handle any, desc ResourceDesc) (ResourceID, error) {
	id, err := b.reg.Register(handle, desc)
	if err != nil {
		return 0, &GraphError{Op: "add resource", Err: err}
	}
	return id, nil
}

// AddTask validates and appends a task.
func (b *Builder) AddTask(desc TaskDesc) (TaskID, error) {
	fail := func(id ResourceID, err error) (TaskID, error) {
		return -1, &GraphError{Op: "add task", Task: desc.Label, Resource: id, Err: err}
	}
	if desc.Body == nil {
		return fail(0, ErrNilBody)
	}
	if !desc.Queue.valid() {
		return fail(0, fmt.Errorf("%w: queue class %v", ErrUnsupportedQueueAccess, desc.Queue))
	}

	accesses := make([]ResourceAccess, 0, len(desc.Accesses))
	for _, a := range desc.Accesses {
		for _, prev := range accesses {
			if prev.Resource == a.Resource {
				return fail(a.Resource, fmt.Errorf("%w: resource declared twice, use ReadWrite", ErrIncompatibleAccess))
			}
		}
		rd, err := b.reg.Desc(a.Resource)
		if err != nil {
			return fail(a.Resource, err)
		}
		na, err := a.normalize(rd, desc.Queue)
		if err != nil {
			return fail(a.Resource, err)
		}
		accesses = append(accesses, na)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.built {
		return fail(0, ErrBuilderSealed)
	}
	id := TaskID(len(b.tasks))
	b.tasks = append(b.tasks, &task{
		id:       id,
		label:    desc.Label,
		class:    desc.Queue,
		accesses: accesses,
		body:     desc.Body,
		static:   desc.Static,
	})
	return id, nil
}

// AddDependency orders after behind before even when they share no
// resource.
func (b *Builder) AddDependency(before, after TaskID) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.built {
		return &GraphError{Op: "add dependency", Err: ErrBuilderSealed}
	}
	for _, id := range [...]TaskID{before, after} {
		if id < 0 || int(id) >= len(b.tasks) {
			return &GraphError{Op: "add dependency", Err: fmt.Errorf("%w: %d", ErrUnknownTask, id)}
		}
	}
	if before == after {
		return &GraphError{Op: "add dependency", Task: b.tasks[before].label,
			Err: &CompileError{Tasks: []string{b.tasks[before].label}, Err: ErrCyclicDependency}}
	}
	b.deps = append(b.deps, [2]TaskID{before, after})
	return nil
}

// Build compiles the accumulated graph against the registry's current
// state. After a successful Build the builder rejects further additions.
func (b *Builder) Build() (*CompiledGraph, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.built {
		return nil, &GraphError{Op: "build", Err: ErrBuilderSealed}
	}
	g, err := b.compile()
	if err != nil {
		return nil, err
	}
	b.built = true
	return g, nil
}

// Caller must hold b.mu.
func (b *Builder) compile() (*CompiledGraph, error) {
	label := b.opts.label
	descs := make(map[ResourceID]ResourceDesc)
	for _, t := range b.tasks {
		for _, a := range t.accesses {
			if _, ok := descs[a.Resource]; ok {
				continue
			}
			d, err := b.reg.Desc(a.Resource)
			if err != nil {
				return nil, &GraphError{Op: "build", Task: t.label, Resource: a.Resource, Err: err}
			}
			descs[a.Resource] = d
		}
	}
	resources := slices.Sorted(maps.Keys(descs))

	queues, err := resolveQueues(b.families, b.tasks)
	if err != nil {
		return nil, err
	}
	order, err := orderTasks(b.tasks, b.deps, queues, descs)
	if err != nil {
		return nil, err
	}
	entry, err := b.reg.snapshot(resources)
	if err != nil {
		return nil, &GraphError{Op: "build", Err: err}
	}

	g := &CompiledGraph{
		id:        graphIDs.Add(1),
		label:     label,
		reg:       b.reg,
		tasks:     slices.Clone(b.tasks),
		order:     order,
		queues:    queues,
		resources: resources,
		descs:     descs,
	}
	g.plan = derive(g, entry)

	Logger().Debug("taskgraph: compiled graph",
		"graph", label,
		"tasks", len(g.tasks),
		"batches", len(g.plan.batches),
		"prologue", len(g.plan.prologue),
		"semaphores", g.plan.semaphores,
		"barriers", g.BarrierCount())
	return g, nil
}

// BuildAll builds independent builders concurrently. Graphs and errors are
// returned in argument order; the error is the join of every failure.
func BuildAll(builders ...*Builder) ([]*CompiledGraph, error) {
	if len(builders) == 0 {
		return nil, nil
	}
	graphs := make([]*CompiledGraph, len(builders))
	errs := make([]error, len(builders))

	pool := parallel.New(min(len(builders), runtime.GOMAXPROCS(0)))
	defer pool.Close()
	pool.Run(len(builders), func(i int) {
		if builders[i] == nil {
			errs[i] = &GraphError{Op: "build", Err: errors.New("taskgraph: nil builder")}
			return
		}
		graphs[i], errs[i] = builders[i].Build()
	})
	return graphs, errors.Join(errs...)
}
