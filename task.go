package taskgraph

import (
	"context"
	"fmt"
)

// TaskID identifies a task within one Builder.
type TaskID int

// TaskFunc records a task's commands. It runs on the executing goroutine,
// once per execution unless the task is Static and its batch is reused.
type TaskFunc func(rc *RecordContext) error

// ResourceAccess declares how a task touches one resource.
//
// Access and Layout are derived from Mode and Stage when left zero: a
// compute-shader read becomes AccessShaderRead in LayoutShaderReadOnly, a
// transfer write becomes AccessTransferWrite in LayoutTransferDst.
type ResourceAccess struct {
	Resource ResourceID
	Mode     AccessMode
	Stage    Stage
	Access   Access
	Layout   Layout
	Range    Range
}

// ReadAccess declares a read of id at stage.
func ReadAccess(id ResourceID, stage Stage) ResourceAccess {
	return ResourceAccess{Resource: id, Mode: Read, Stage: stage}
}

// WriteAccess declares a write of id at stage.
func WriteAccess(id ResourceID, stage Stage) ResourceAccess {
	return ResourceAccess{Resource: id, Mode: Write, Stage: stage}
}

// ReadWriteAccess declares a read-modify-write of id at stage.
func ReadWriteAccess(id ResourceID, stage Stage) ResourceAccess {
	return ResourceAccess{Resource: id, Mode: ReadWrite, Stage: stage}
}

// WithLayout returns a copy of a that requires layout l.
func (a ResourceAccess) WithLayout(l Layout) ResourceAccess {
	a.Layout = l
	return a
}

// WithAccess returns a copy of a with an explicit access mask.
func (a ResourceAccess) WithAccess(m Access) ResourceAccess {
	a.Access = m
	return a
}

// WithRange returns a copy of a restricted to r.
func (a ResourceAccess) WithRange(r Range) ResourceAccess {
	a.Range = r
	return a
}

func (a ResourceAccess) stageAccess() stageAccess {
	return stageAccess{stage: a.Stage, access: a.Access}
}

// normalize fills derived fields and checks the access against the resource
// description and queue class.
func (a ResourceAccess) normalize(desc ResourceDesc, class QueueClass) (ResourceAccess, error) {
	if !a.Mode.valid() {
		return a, fmt.Errorf("%w: invalid mode %v", ErrIncompatibleAccess, a.Mode)
	}
	if missing := a.Stage.RequiredCaps() &^ class.nominalCaps(); missing != 0 {
		return a, fmt.Errorf("%w: %v on %v queue needs %v", ErrUnsupportedQueueAccess, a.Stage, class, missing)
	}
	if a.Mode.Writes() && desc.ReadOnly {
		return a, ErrReadOnlyResource
	}

	if a.Access == AccessNone {
		a.Access = deriveAccess(a.Mode, a.Stage)
	}
	switch {
	case a.Mode == Read && a.Access.Writes():
		return a, fmt.Errorf("%w: read declares %v", ErrIncompatibleAccess, a.Access.writesOnly())
	case a.Mode == Write && a.Access.Reads():
		return a, fmt.Errorf("%w: write declares %v", ErrIncompatibleAccess, a.Access.readsOnly())
	case a.Mode == ReadWrite && (!a.Access.Reads() || !a.Access.Writes()):
		return a, fmt.Errorf("%w: read-write declares %v", ErrIncompatibleAccess, a.Access)
	}
	if !desc.admits(a.Access) {
		return a, fmt.Errorf("%w: %v not allowed by usage of %q", ErrIncompatibleAccess, a.Access, desc.Label)
	}
	if !a.Range.validFor(desc) {
		return a, fmt.Errorf("%w: range %v outside %q", ErrIncompatibleAccess, a.Range, desc.Label)
	}

	if desc.Kind == KindImage {
		if a.Layout == LayoutUndefined {
			a.Layout = deriveLayout(a.Mode, a.Stage)
		}
	} else if a.Layout != LayoutUndefined {
		return a, fmt.Errorf("%w: layout %v on buffer %q", ErrIncompatibleAccess, a.Layout, desc.Label)
	}
	return a, nil
}

// TaskDesc declares a task.
type TaskDesc struct {
	Label    string
	Queue    QueueClass
	Accesses []ResourceAccess
	Body     TaskFunc

	// Static tasks record the same commands every execution. A batch whose
	// tasks are all static keeps its command buffer and replays it while
	// the schedule does not change.
	Static bool
}

type task struct {
	id       TaskID
	label    string
	class    QueueClass
	accesses []ResourceAccess
	body     TaskFunc
	static   bool
}

// RecordContext is passed to a TaskFunc while its commands are recorded.
type RecordContext struct {
	ctx     context.Context
	task    *task
	queue   QueueRef
	cmd     CommandBuffer
	handles map[ResourceID]any
}

// Context returns the context of the Execute call.
func (rc *RecordContext) Context() context.Context { return rc.ctx }

// Task returns the ID of the task being recorded.
func (rc *RecordContext) Task() TaskID { return rc.task.id }

// Label returns the label of the task being recorded.
func (rc *RecordContext) Label() string { return rc.task.label }

// Queue returns the queue the task was scheduled on.
func (rc *RecordContext) Queue() QueueRef { return rc.queue }

// Commands returns the command buffer being recorded.
func (rc *RecordContext) Commands() CommandBuffer { return rc.cmd }

// Resource returns the backend object registered for id. Only resources
// the task declared are available.
func (rc *RecordContext) Resource(id ResourceID) (any, error) {
	for _, a := range rc.task.accesses {
		if a.Resource == id {
			h, ok := rc.handles[id]
			if !ok {
				return nil, fmt.Errorf("%w: %v", ErrResourceUnavailable, id)
			}
			return h, nil
		}
	}
	return nil, fmt.Errorf("%w: %v not declared by %q", ErrUnknownResource, id, rc.task.label)
}
