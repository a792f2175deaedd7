package taskgraph

import (
	"fmt"
	"strings"
	"sync"
)

// BarrierKind classifies a barrier.
type BarrierKind uint8

// Barrier kinds.
const (
	// BarrierMemory orders accesses within one queue.
	BarrierMemory BarrierKind = iota
	// BarrierLayout also transitions an image between layouts.
	BarrierLayout
	// BarrierRelease gives up queue family ownership. It runs on the
	// releasing queue and pairs with a BarrierAcquire.
	BarrierRelease
	// BarrierAcquire takes queue family ownership on the acquiring queue.
	BarrierAcquire
)

// String returns "memory", "layout", "release" or "acquire".
func (k BarrierKind) String() string {
	switch k {
	case BarrierMemory:
		return "memory"
	case BarrierLayout:
		return "layout"
	case BarrierRelease:
		return "release"
	case BarrierAcquire:
		return "acquire"
	default:
		return fmt.Sprintf("BarrierKind(%d)", uint8(k))
	}
}

// Barrier is one pipeline barrier on one resource.
//
// SrcFamily and DstFamily are NoQueueFamily unless the barrier is half of
// an ownership transfer. OldLayout and NewLayout are LayoutUndefined for
// buffers.
type Barrier struct {
	Resource ResourceID
	Kind     BarrierKind
	Image    bool

	SrcStage  Stage
	SrcAccess Access
	DstStage  Stage
	DstAccess Access

	OldLayout Layout
	NewLayout Layout

	SrcFamily int
	DstFamily int

	Range Range

	// Handle is the registered backend object. It is filled in when the
	// barrier is recorded and is nil in a compiled plan.
	Handle any
}

// String returns a single-line form of b.
func (b Barrier) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%v %v src=%v/%v dst=%v/%v", b.Kind, b.Resource,
		b.SrcStage, b.SrcAccess, b.DstStage, b.DstAccess)
	if b.Image {
		fmt.Fprintf(&sb, " layout=%v->%v", b.OldLayout, b.NewLayout)
	}
	if b.SrcFamily != NoQueueFamily || b.DstFamily != NoQueueFamily {
		fmt.Fprintf(&sb, " family=%d->%d", b.SrcFamily, b.DstFamily)
	}
	if b.Range != (Range{}) {
		fmt.Fprintf(&sb, " range=%v", b.Range)
	}
	return sb.String()
}

// SemaphoreID names a semaphore within one schedule. Each execution binds
// the IDs to pooled device semaphores.
type SemaphoreID int

// SemaphoreWait is a semaphore a batch waits on before Stage.
type SemaphoreWait struct {
	Semaphore SemaphoreID
	Stage     Stage
}

// BatchEntry is a task and the barriers recorded before it.
type BatchEntry struct {
	Task     TaskID
	Label    string
	Barriers []Barrier
}

// Batch is one command buffer submitted to one queue.
//
// A prologue batch has no entries. It carries release barriers for
// resources the previous pass left owned by another queue family, and
// signals the semaphores their first users wait on.
type Batch struct {
	Index    int
	Queue    QueueRef
	Prologue bool
	Entries  []BatchEntry
	Release  []Barrier
	Waits    []SemaphoreWait
	Signals  []SemaphoreID
}

// empty reports whether the batch records no commands.
func (b *Batch) empty() bool {
	if len(b.Entries) > 0 || len(b.Release) > 0 {
		return false
	}
	return true
}

// barrierCount returns the number of barriers the batch records.
func (b *Batch) barrierCount() int {
	n := len(b.Release)
	for _, e := range b.Entries {
		n += len(e.Barriers)
	}
	return n
}

// schedule is one synchronization of a graph's batches for one entry state.
type schedule struct {
	serial      uint64
	entry       map[ResourceID]AccessRecord
	fingerprint uint64

	prologue   []Batch
	batches    []Batch
	semaphores int

	// exits[i] holds the records batches[i] leaves behind.
	exits [][]recordUpdate
	final []recordUpdate
}

// all returns prologue batches followed by regular batches, in submission
// order.
func (s *schedule) all() []*Batch {
	out := make([]*Batch, 0, len(s.prologue)+len(s.batches))
	for i := range s.prologue {
		out = append(out, &s.prologue[i])
	}
	for i := range s.batches {
		out = append(out, &s.batches[i])
	}
	return out
}

// CompiledGraph is an immutable, scheduled task graph.
//
// A CompiledGraph may be executed many times. Executions of one graph are
// serialized; different graphs may execute concurrently.
type CompiledGraph struct {
	id        uint64
	label     string
	reg       *Registry
	tasks     []*task
	order     []int
	queues    map[QueueClass]QueueRef
	resources []ResourceID
	descs     map[ResourceID]ResourceDesc

	plan *schedule

	mu    sync.Mutex
	fatal error
}

// Label returns the builder label.
func (g *CompiledGraph) Label() string { return g.label }

// Registry returns the registry the graph was built against.
func (g *CompiledGraph) Registry() *Registry { return g.reg }

// Order returns the tasks in the order they are recorded.
func (g *CompiledGraph) Order() []TaskID {
	out := make([]TaskID, len(g.order))
	for i, idx := range g.order {
		out[i] = g.tasks[idx].id
	}
	return out
}

// Queue returns the queue class c resolved to, if any task uses c.
func (g *CompiledGraph) Queue(c QueueClass) (QueueRef, bool) {
	q, ok := g.queues[c]
	return q, ok
}

// Resources returns the resources the graph touches, in ID order.
func (g *CompiledGraph) Resources() []ResourceID {
	return append([]ResourceID(nil), g.resources...)
}

// Batches returns the batches compiled against the build-time registry
// state. The returned slices must not be modified.
func (g *CompiledGraph) Batches() []Batch {
	return append([]Batch(nil), g.plan.batches...)
}

// Prologue returns the prologue batches of the build-time schedule.
func (g *CompiledGraph) Prologue() []Batch {
	return append([]Batch(nil), g.plan.prologue...)
}

// SemaphoreCount returns the semaphores one execution of the build-time
// schedule signals.
func (g *CompiledGraph) SemaphoreCount() int { return g.plan.semaphores }

// BarrierCount returns the barriers in the build-time schedule.
func (g *CompiledGraph) BarrierCount() int {
	n := 0
	for _, b := range g.plan.all() {
		n += b.barrierCount()
	}
	return n
}

// Err returns the fatal error that stopped the graph, or nil.
func (g *CompiledGraph) Err() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.fatal
}

// Describe returns a text form of the build-time schedule. The output
// depends only on the graph and the registry state it was built against.
func (g *CompiledGraph) Describe() string {
	return g.plan.describe(g.label, len(g.tasks))
}

func (s *schedule) describe(label string, tasks int) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "graph %q tasks=%d batches=%d prologue=%d semaphores=%d\n",
		label, tasks, len(s.batches), len(s.prologue), s.semaphores)
	for _, b := range s.all() {
		describeBatch(&sb, b)
	}
	return sb.String()
}

func describeBatch(sb *strings.Builder, b *Batch) {
	kind := "batch"
	if b.Prologue {
		kind = "prologue"
	}
	fmt.Fprintf(sb, "%s %d %v", kind, b.Index, b.Queue)
	if len(b.Waits) > 0 {
		sb.WriteString(" wait=")
		for i, w := range b.Waits {
			if i > 0 {
				sb.WriteByte(',')
			}
			fmt.Fprintf(sb, "s%d@%v", w.Semaphore, w.Stage)
		}
	}
	if len(b.Signals) > 0 {
		sb.WriteString(" signal=")
		for i, s := range b.Signals {
			if i > 0 {
				sb.WriteByte(',')
			}
			fmt.Fprintf(sb, "s%d", s)
		}
	}
	sb.WriteByte('\n')
	for _, e := range b.Entries {
		fmt.Fprintf(sb, "  task %d %q\n", e.Task, e.Label)
		for _, br := range e.Barriers {
			fmt.Fprintf(sb, "    barrier %v\n", br)
		}
	}
	for _, br := range b.Release {
		fmt.Fprintf(sb, "  barrier %v\n", br)
	}
}
