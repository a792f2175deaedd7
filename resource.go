package taskgraph

import (
	"fmt"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/taskgraph/internal/arena"
)

// ResourceKind distinguishes buffers from images.
type ResourceKind uint8

// Resource kinds.
const (
	KindBuffer ResourceKind = iota + 1
	KindImage
)

// String returns "buffer" or "image".
func (k ResourceKind) String() string {
	switch k {
	case KindBuffer:
		return "buffer"
	case KindImage:
		return "image"
	default:
		return fmt.Sprintf("ResourceKind(%d)", uint8(k))
	}
}

// ResourceDesc describes a registered resource.
//
// Usage flags bound the accesses tasks may declare: a task that writes a
// buffer from a compute shader needs BufferUsageStorage, a transfer read of
// an image needs TextureUsageCopySrc, and so on. Zero usage flags disable
// the check.
type ResourceDesc struct {
	Label string
	Kind  ResourceKind

	// Size is the byte size of a buffer.
	Size uint64

	// Extent, Format, MipLevels and ArrayLayers describe an image.
	// Zero MipLevels and ArrayLayers mean one.
	Extent      gputypes.Extent3D
	Format      gputypes.TextureFormat
	MipLevels   uint32
	ArrayLayers uint32

	BufferUsage  gputypes.BufferUsage
	TextureUsage gputypes.TextureUsage

	// ReadOnly rejects every write access at AddTask.
	ReadOnly bool

	// Concurrent resources are shared by all queue families. They never need
	// ownership transfers; cross-queue hazards are ordered by semaphores
	// alone.
	Concurrent bool
}

func (d ResourceDesc) validate() error {
	switch d.Kind {
	case KindBuffer:
		if d.Size == 0 {
			return fmt.Errorf("%w: buffer %q has zero size", ErrInvalidResource, d.Label)
		}
	case KindImage:
		if d.Extent.Width == 0 || d.Extent.Height == 0 {
			return fmt.Errorf("%w: image %q has zero extent", ErrInvalidResource, d.Label)
		}
	default:
		return fmt.Errorf("%w: %q has unknown kind %v", ErrInvalidResource, d.Label, d.Kind)
	}
	return nil
}

func (d ResourceDesc) mipLevels() uint32 { return max(d.MipLevels, 1) }

func (d ResourceDesc) arrayLayers() uint32 { return max(d.ArrayLayers, 1) }

// admits reports whether the usage flags allow access a.
func (d ResourceDesc) admits(a Access) bool {
	if d.Kind == KindBuffer {
		return d.BufferUsage == 0 || d.BufferUsage&a.BufferUsage() == a.BufferUsage()
	}
	return d.TextureUsage == 0 || d.TextureUsage&a.TextureUsage() == a.TextureUsage()
}

// BufferUsage returns the buffer usage flags access a needs.
func (a Access) BufferUsage() gputypes.BufferUsage {
	var u gputypes.BufferUsage
	if a.Has(AccessIndirectRead) {
		u |= gputypes.BufferUsageIndirect
	}
	if a.Has(AccessIndexRead) {
		u |= gputypes.BufferUsageIndex
	}
	if a.Has(AccessVertexAttributeRead) {
		u |= gputypes.BufferUsageVertex
	}
	if a.Has(AccessUniformRead) {
		u |= gputypes.BufferUsageUniform
	}
	if a.Has(AccessShaderWrite) {
		u |= gputypes.BufferUsageStorage
	}
	if a.Has(AccessTransferRead) {
		u |= gputypes.BufferUsageCopySrc
	}
	if a.Has(AccessTransferWrite) {
		u |= gputypes.BufferUsageCopyDst
	}
	if a.Has(AccessHostRead) {
		u |= gputypes.BufferUsageMapRead
	}
	if a.Has(AccessHostWrite) {
		u |= gputypes.BufferUsageMapWrite
	}
	return u
}

// TextureUsage returns the texture usage flags access a needs.
func (a Access) TextureUsage() gputypes.TextureUsage {
	var u gputypes.TextureUsage
	if a.Has(AccessShaderRead) {
		u |= gputypes.TextureUsageTextureBinding
	}
	if a.Has(AccessShaderWrite) {
		u |= gputypes.TextureUsageStorageBinding
	}
	if a.Has(AccessColorAttachmentRead) || a.Has(AccessColorAttachmentWrite) ||
		a.Has(AccessDepthStencilRead) || a.Has(AccessDepthStencilWrite) {
		u |= gputypes.TextureUsageRenderAttachment
	}
	if a.Has(AccessTransferRead) {
		u |= gputypes.TextureUsageCopySrc
	}
	if a.Has(AccessTransferWrite) {
		u |= gputypes.TextureUsageCopyDst
	}
	return u
}

// TextureUsage returns the texture usage an image in layout l is in, for
// backends that track usages instead of layouts.
func (l Layout) TextureUsage() gputypes.TextureUsage {
	switch l {
	case LayoutGeneral:
		return gputypes.TextureUsageStorageBinding
	case LayoutColorAttachment, LayoutDepthStencilAttachment, LayoutDepthStencilReadOnly, LayoutPresent:
		return gputypes.TextureUsageRenderAttachment
	case LayoutShaderReadOnly:
		return gputypes.TextureUsageTextureBinding
	case LayoutTransferSrc:
		return gputypes.TextureUsageCopySrc
	case LayoutTransferDst:
		return gputypes.TextureUsageCopyDst
	default:
		return 0
	}
}

// ResourceID identifies a registered resource. IDs are generational: an ID
// taken before Unregister never resolves to a resource registered later in
// the same slot.
type ResourceID arena.Handle

// String returns the ID as "res<index>.<generation>".
func (id ResourceID) String() string { return "res" + arena.Handle(id).String() }

// IsValid reports whether id could have been issued by a Registry.
func (id ResourceID) IsValid() bool { return arena.Handle(id).IsValid() }

// Range selects part of a resource. The zero Range covers everything.
//
// Hazards are tracked per resource, so two tasks touching disjoint ranges
// of one resource are still ordered. The range is carried into barriers.
type Range struct {
	// Offset and Size select bytes of a buffer. Size 0 means to the end.
	Offset uint64
	Size   uint64

	// BaseMip, MipCount, BaseLayer and LayerCount select subresources of an
	// image. A zero count means all remaining.
	BaseMip    uint32
	MipCount   uint32
	BaseLayer  uint32
	LayerCount uint32
}

// String returns a compact form of r, or "all".
func (r Range) String() string {
	if r == (Range{}) {
		return "all"
	}
	if r.BaseMip != 0 || r.MipCount != 0 || r.BaseLayer != 0 || r.LayerCount != 0 {
		return fmt.Sprintf("mip=%d+%d layer=%d+%d", r.BaseMip, r.MipCount, r.BaseLayer, r.LayerCount)
	}
	return fmt.Sprintf("bytes=%d+%d", r.Offset, r.Size)
}

func (r Range) validFor(d ResourceDesc) bool {
	if d.Kind == KindBuffer {
		if r.BaseMip != 0 || r.MipCount != 0 || r.BaseLayer != 0 || r.LayerCount != 0 {
			return false
		}
		return r.Offset <= d.Size && (r.Size == 0 || r.Offset+r.Size <= d.Size)
	}
	if r.Offset != 0 || r.Size != 0 {
		return false
	}
	mips, layers := d.mipLevels(), d.arrayLayers()
	return r.BaseMip < mips && r.BaseMip+r.MipCount <= mips &&
		r.BaseLayer < layers && r.BaseLayer+r.LayerCount <= layers
}

// AccessRecord is the synchronization state of a resource: what touched it
// last, in which layout it is, and which queue family owns it.
//
// Stage and Access describe the most recent access. If reads followed the
// last write or transition they are the union of those reads, otherwise the
// write itself.
// The unexported fields carry the rest of the hazard state and make records
// comparable with ==.
type AccessRecord struct {
	Stage       Stage
	Access      Access
	Layout      Layout
	QueueFamily int

	hasWrite   bool
	write      stageAccess
	writeQueue QueueRef
	reads      stageAccess
	readQueues queueSet
	// queueReads[slot] is the read stages of that queue since the last
	// write or transition.
	queueReads [maxQueueSlots]Stage
	lastQueue  QueueRef
	touched    bool

	// visible[slot] is what the last write or transition is visible to on
	// that queue.
	visible [maxQueueSlots]stageAccess
}

// initialRecord is the state of a resource nothing has touched.
func initialRecord() AccessRecord {
	return AccessRecord{Layout: LayoutUndefined, QueueFamily: NoQueueFamily}
}

// Written reports whether the resource has been written since it was
// registered or reset.
func (r AccessRecord) Written() bool { return r.hasWrite }

// VisibleTo returns the stages and access types on queue q that see the
// last write or layout transition.
func (r AccessRecord) VisibleTo(q QueueRef) (Stage, Access) {
	if q.Family < 0 || q.Family >= maxFamilies || q.Index < 0 || q.Index >= maxQueuesPerFamily {
		return StageNone, AccessNone
	}
	v := r.visible[q.slot()]
	return v.stage, v.access
}

// refresh recomputes the exported summary fields.
func (r *AccessRecord) refresh() {
	if r.readQueues != 0 {
		r.Stage, r.Access = r.reads.stage, r.reads.access
		return
	}
	r.Stage, r.Access = r.write.stage, r.write.access
}

// observe applies an access by queue q to the record. transitioned reports
// that a layout transition or ownership transfer ran before the access.
func (r *AccessRecord) observe(q QueueRef, mode AccessMode, sa stageAccess, layout Layout, transitioned bool) {
	if transitioned || mode.Writes() {
		// Every earlier access is ordered before the transition or write.
		r.reads = stageAccess{}
		r.readQueues = 0
		r.queueReads = [maxQueueSlots]Stage{}
		r.visible = [maxQueueSlots]stageAccess{}
	}
	if transitioned {
		r.visible[q.slot()] = sa
	}
	if mode.Writes() {
		r.hasWrite = true
		r.write = stageAccess{stage: sa.stage, access: sa.access.writesOnly()}
		r.writeQueue = q
		r.visible = [maxQueueSlots]stageAccess{}
	} else {
		r.reads = r.reads.union(sa)
		r.readQueues = r.readQueues.with(q)
		r.queueReads[q.slot()] |= sa.stage
		r.visible[q.slot()] = r.visible[q.slot()].union(sa)
	}
	r.Layout = layout
	r.QueueFamily = q.Family
	r.lastQueue = q
	r.touched = true
	r.refresh()
}
