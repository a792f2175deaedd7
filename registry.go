package taskgraph

import (
	"fmt"
	"sync"

	"github.com/gogpu/taskgraph/internal/arena"
)

// Registry holds the resources graphs are built against and the current
// synchronization state of each.
//
// Graphs compiled against a registry read a snapshot of it; executors
// commit the state each submitted batch leaves behind. Work done outside
// any graph is reported with RecordAccess so the next graph synchronizes
// against it.
//
// Registry is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries arena.Arena[registryEntry]
}

type registryEntry struct {
	handle any
	desc   ResourceDesc
	record AccessRecord
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a resource. handle is the backend object tasks receive from
// RecordContext.Resource; it may be nil for resources only the graph tracks.
func (r *Registry) Register(handle any, desc ResourceDesc) (ResourceID, error) {
	if err := desc.validate(); err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	id := ResourceID(r.entries.Insert(registryEntry{
		handle: handle,
		desc:   desc,
		record: initialRecord(),
	}))
	Logger().Debug("taskgraph: registered resource",
		"id", id, "label", desc.Label, "kind", desc.Kind)
	return id, nil
}

// Unregister removes a resource. Graphs that use it fail with
// ErrResourceUnavailable on their next execution.
func (r *Registry) Unregister(id ResourceID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries.Remove(arena.Handle(id)); !ok {
		return r.unknown(id)
	}
	return nil
}

// Reset forgets the synchronization state of a resource, as if it had just
// been registered. Use it when the contents are discarded, for example
// after recreating a swapchain image.
func (r *Registry) Reset(id ResourceID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries.Get(arena.Handle(id))
	if !ok {
		return r.unknown(id)
	}
	e.record = initialRecord()
	return nil
}

// Contains reports whether id resolves.
func (r *Registry) Contains(id ResourceID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries.Contains(arena.Handle(id))
}

// Len returns the number of registered resources.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries.Len()
}

// Desc returns the description of a resource.
func (r *Registry) Desc(id ResourceID) (ResourceDesc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries.Get(arena.Handle(id))
	if !ok {
		return ResourceDesc{}, r.unknown(id)
	}
	return e.desc, nil
}

// Handle returns the backend object registered for a resource.
func (r *Registry) Handle(id ResourceID) (any, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries.Get(arena.Handle(id))
	if !ok {
		return nil, r.unknown(id)
	}
	return e.handle, nil
}

// Record returns the current synchronization state of a resource.
func (r *Registry) Record(id ResourceID) (AccessRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries.Get(arena.Handle(id))
	if !ok {
		return AccessRecord{}, r.unknown(id)
	}
	return e.record, nil
}

// CurrentLayout returns the layout a resource was left in.
func (r *Registry) CurrentLayout(id ResourceID) (Layout, error) {
	rec, err := r.Record(id)
	return rec.Layout, err
}

// CurrentQueueFamily returns the family that owns a resource, or
// NoQueueFamily.
func (r *Registry) CurrentQueueFamily(id ResourceID) (int, error) {
	rec, err := r.Record(id)
	if err != nil {
		return NoQueueFamily, err
	}
	return rec.QueueFamily, nil
}

// RecordAccess reports an access made outside any graph, on queue 0 of
// family. The access counts as unsynchronized: the next graph that touches
// the resource orders itself after it.
//
// A layout of LayoutUndefined leaves the layout unchanged.
func (r *Registry) RecordAccess(id ResourceID, stage Stage, access Access, layout Layout, family int) error {
	if family < 0 || family >= maxFamilies {
		return fmt.Errorf("%w: queue family %d out of range", ErrIncompatibleAccess, family)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries.Get(arena.Handle(id))
	if !ok {
		return r.unknown(id)
	}
	if e.desc.Kind != KindImage || layout == LayoutUndefined {
		layout = e.record.Layout
	}
	mode := Read
	if access.Writes() {
		mode = Write
		if access.Reads() {
			mode = ReadWrite
		}
	}
	q := QueueRef{Family: family}
	transitioned := layout != e.record.Layout || (e.record.QueueFamily != NoQueueFamily && e.record.QueueFamily != family)
	e.record.observe(q, mode, stageAccess{stage: stage, access: access}, layout, transitioned)
	return nil
}

// snapshot returns the records of ids. It fails with the first ID that does
// not resolve.
func (r *Registry) snapshot(ids []ResourceID) (map[ResourceID]AccessRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[ResourceID]AccessRecord, len(ids))
	for _, id := range ids {
		e, ok := r.entries.Get(arena.Handle(id))
		if !ok {
			return nil, r.unknown(id)
		}
		out[id] = e.record
	}
	return out, nil
}

// handles returns the backend objects of ids, skipping any that no longer
// resolve.
func (r *Registry) handles(ids []ResourceID) map[ResourceID]any {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[ResourceID]any, len(ids))
	for _, id := range ids {
		if e, ok := r.entries.Get(arena.Handle(id)); ok {
			out[id] = e.handle
		}
	}
	return out
}

// commit stores records produced by an execution. Resources unregistered
// since the snapshot are skipped.
func (r *Registry) commit(updates []recordUpdate) {
	if len(updates) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, u := range updates {
		if e, ok := r.entries.Get(arena.Handle(u.id)); ok {
			e.record = u.record
		}
	}
}

type recordUpdate struct {
	id     ResourceID
	record AccessRecord
}

func (r *Registry) unknown(id ResourceID) error {
	return fmt.Errorf("%w: %v", ErrUnknownResource, id)
}
