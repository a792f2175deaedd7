package taskgraph

import (
	"fmt"

	"github.com/gogpu/taskgraph/internal/flags"
)

// Stage is a set of pipeline stages.
type Stage uint32

// Pipeline stages.
const (
	StageNone                  Stage = 0
	StageDrawIndirect          Stage = 1 << 0
	StageVertexInput           Stage = 1 << 1
	StageVertexShader          Stage = 1 << 2
	StageFragmentShader        Stage = 1 << 3
	StageEarlyFragmentTests    Stage = 1 << 4
	StageLateFragmentTests     Stage = 1 << 5
	StageColorAttachmentOutput Stage = 1 << 6
	StageComputeShader         Stage = 1 << 7
	StageTransfer              Stage = 1 << 8
	StageHost                  Stage = 1 << 9

	// StageAllGraphics is every stage of the graphics pipeline.
	StageAllGraphics = StageDrawIndirect | StageVertexInput | StageVertexShader |
		StageFragmentShader | StageEarlyFragmentTests | StageLateFragmentTests |
		StageColorAttachmentOutput

	// StageAllCommands is every stage. Only graphics queues support it.
	StageAllCommands = StageAllGraphics | StageComputeShader | StageTransfer | StageHost
)

var stageNames = []string{
	"draw-indirect", "vertex-input", "vertex-shader", "fragment-shader",
	"early-fragment-tests", "late-fragment-tests", "color-attachment-output",
	"compute-shader", "transfer", "host",
}

// String returns the stage names joined by "|", or "none".
func (s Stage) String() string { return flags.Format(s, stageNames, "none") }

// Has reports whether s contains every stage of mask.
func (s Stage) Has(mask Stage) bool { return flags.Has(s, mask) }

// RequiredCaps returns the queue capabilities needed to run work at s.
// Host stages run on any queue.
func (s Stage) RequiredCaps() QueueCaps {
	var caps QueueCaps
	if flags.Any(s, StageAllGraphics) {
		caps |= CapGraphics
	}
	if flags.Any(s, StageComputeShader) {
		caps |= CapCompute
	}
	if flags.Any(s, StageTransfer) {
		caps |= CapTransfer
	}
	return caps
}

// Access is a set of memory access types.
type Access uint32

// Memory access types.
const (
	AccessNone                 Access = 0
	AccessIndirectRead         Access = 1 << 0
	AccessIndexRead            Access = 1 << 1
	AccessVertexAttributeRead  Access = 1 << 2
	AccessUniformRead          Access = 1 << 3
	AccessShaderRead           Access = 1 << 4
	AccessShaderWrite          Access = 1 << 5
	AccessColorAttachmentRead  Access = 1 << 6
	AccessColorAttachmentWrite Access = 1 << 7
	AccessDepthStencilRead     Access = 1 << 8
	AccessDepthStencilWrite    Access = 1 << 9
	AccessTransferRead         Access = 1 << 10
	AccessTransferWrite        Access = 1 << 11
	AccessHostRead             Access = 1 << 12
	AccessHostWrite            Access = 1 << 13
	AccessMemoryRead           Access = 1 << 14
	AccessMemoryWrite          Access = 1 << 15
)

const accessWriteMask = AccessShaderWrite | AccessColorAttachmentWrite |
	AccessDepthStencilWrite | AccessTransferWrite | AccessHostWrite | AccessMemoryWrite

var accessNames = []string{
	"indirect-read", "index-read", "vertex-attribute-read", "uniform-read",
	"shader-read", "shader-write", "color-attachment-read", "color-attachment-write",
	"depth-stencil-read", "depth-stencil-write", "transfer-read", "transfer-write",
	"host-read", "host-write", "memory-read", "memory-write",
}

// String returns the access names joined by "|", or "none".
func (a Access) String() string { return flags.Format(a, accessNames, "none") }

// Has reports whether a contains every access of mask.
func (a Access) Has(mask Access) bool { return flags.Has(a, mask) }

// Writes reports whether a contains any write access.
func (a Access) Writes() bool { return flags.Any(a, accessWriteMask) }

// Reads reports whether a contains any read access.
func (a Access) Reads() bool { return flags.Any(a, ^accessWriteMask) }

// readsOnly returns the read bits of a.
func (a Access) readsOnly() Access { return flags.Without(a, accessWriteMask) }

// writesOnly returns the write bits of a.
func (a Access) writesOnly() Access { return a & accessWriteMask }

// Layout is the memory arrangement of an image.
// Buffers have no layout and always report LayoutUndefined.
type Layout uint8

// Image layouts.
const (
	LayoutUndefined Layout = iota
	LayoutGeneral
	LayoutColorAttachment
	LayoutDepthStencilAttachment
	LayoutDepthStencilReadOnly
	LayoutShaderReadOnly
	LayoutTransferSrc
	LayoutTransferDst
	LayoutPresent
)

var layoutNames = [...]string{
	LayoutUndefined:              "undefined",
	LayoutGeneral:                "general",
	LayoutColorAttachment:        "color-attachment",
	LayoutDepthStencilAttachment: "depth-stencil-attachment",
	LayoutDepthStencilReadOnly:   "depth-stencil-read-only",
	LayoutShaderReadOnly:         "shader-read-only",
	LayoutTransferSrc:            "transfer-src",
	LayoutTransferDst:            "transfer-dst",
	LayoutPresent:                "present",
}

// String returns the layout name.
func (l Layout) String() string {
	if int(l) < len(layoutNames) {
		return layoutNames[l]
	}
	return fmt.Sprintf("Layout(%d)", uint8(l))
}

// AccessMode says whether a task reads, writes or does both to a resource.
type AccessMode uint8

// Access modes.
const (
	Read AccessMode = iota + 1
	Write
	ReadWrite
)

// String returns "read", "write" or "read-write".
func (m AccessMode) String() string {
	switch m {
	case Read:
		return "read"
	case Write:
		return "write"
	case ReadWrite:
		return "read-write"
	default:
		return fmt.Sprintf("AccessMode(%d)", uint8(m))
	}
}

// Reads reports whether m includes reading.
func (m AccessMode) Reads() bool { return m == Read || m == ReadWrite }

// Writes reports whether m includes writing.
func (m AccessMode) Writes() bool { return m == Write || m == ReadWrite }

func (m AccessMode) valid() bool { return m >= Read && m <= ReadWrite }

// stageAccess pairs the stages and access types of one side of a
// dependency.
type stageAccess struct {
	stage  Stage
	access Access
}

func (sa stageAccess) covers(o stageAccess) bool {
	return sa.stage.Has(o.stage) && sa.access.Has(o.access)
}

func (sa stageAccess) union(o stageAccess) stageAccess {
	return stageAccess{stage: sa.stage | o.stage, access: sa.access | o.access}
}

// deriveAccess returns the access types a task implies when it touches a
// resource in mode m at stages s without naming an access mask.
func deriveAccess(m AccessMode, s Stage) Access {
	var a Access
	read, write := m.Reads(), m.Writes()
	add := func(r, w Access) {
		if read {
			a |= r
		}
		if write {
			a |= w
		}
	}
	if s == StageNone {
		add(AccessMemoryRead, AccessMemoryWrite)
		return a
	}
	flags.Each(s, func(bit Stage) {
		switch bit {
		case StageDrawIndirect:
			add(AccessIndirectRead, AccessMemoryWrite)
		case StageVertexInput:
			// Index buffers declare AccessIndexRead explicitly.
			add(AccessVertexAttributeRead, AccessMemoryWrite)
		case StageVertexShader, StageFragmentShader, StageComputeShader:
			add(AccessShaderRead, AccessShaderWrite)
		case StageEarlyFragmentTests, StageLateFragmentTests:
			add(AccessDepthStencilRead, AccessDepthStencilWrite)
		case StageColorAttachmentOutput:
			add(AccessColorAttachmentRead, AccessColorAttachmentWrite)
		case StageTransfer:
			add(AccessTransferRead, AccessTransferWrite)
		case StageHost:
			add(AccessHostRead, AccessHostWrite)
		}
	})
	return a
}

// deriveLayout returns the image layout a task needs for mode m at stages s.
func deriveLayout(m AccessMode, s Stage) Layout {
	switch {
	case s.Has(StageColorAttachmentOutput) && flags.Count(s) == 1:
		return LayoutColorAttachment
	case flags.Any(s, StageEarlyFragmentTests|StageLateFragmentTests) &&
		!flags.Any(s, flags.Without(StageAllGraphics, StageEarlyFragmentTests|StageLateFragmentTests)|StageComputeShader|StageTransfer):
		if m.Writes() {
			return LayoutDepthStencilAttachment
		}
		return LayoutDepthStencilReadOnly
	case s == StageTransfer:
		switch m {
		case Read:
			return LayoutTransferSrc
		case Write:
			return LayoutTransferDst
		}
		return LayoutGeneral
	case m == Read && flags.Any(s, StageVertexShader|StageFragmentShader|StageComputeShader) &&
		!flags.Any(s, StageColorAttachmentOutput|StageTransfer|StageHost):
		return LayoutShaderReadOnly
	default:
		return LayoutGeneral
	}
}
