package taskgraph

import (
	"errors"
	"reflect"
	"slices"
	"testing"

	"github.com/gogpu/gputypes"
)

// testFamilies models a discrete GPU: universal, async compute and DMA.
func testFamilies() []QueueFamily {
	return []QueueFamily{
		{Index: 0, Caps: CapGraphics | CapCompute | CapTransfer, Count: 1},
		{Index: 1, Caps: CapCompute | CapTransfer, Count: 1},
		{Index: 2, Caps: CapTransfer, Count: 1},
	}
}

func nopBody(*RecordContext) error { return nil }

func bufferDesc(label string) ResourceDesc {
	return ResourceDesc{Label: label, Kind: KindBuffer, Size: 1024}
}

func imageDesc(label string) ResourceDesc {
	return ResourceDesc{
		Label:  label,
		Kind:   KindImage,
		Extent: gputypes.Extent3D{Width: 64, Height: 64, DepthOrArrayLayers: 1},
		Format: gputypes.TextureFormatRGBA8Unorm,
	}
}

func mustResource(t *testing.T, b *Builder, desc ResourceDesc) ResourceID {
	t.Helper()
	id, err := b.AddResource(nil, desc)
	if err != nil {
		t.Fatalf("AddResource(%q) error = %v", desc.Label, err)
	}
	return id
}

func mustTask(t *testing.T, b *Builder, label string, q QueueClass, accesses ...ResourceAccess) TaskID {
	t.Helper()
	id, err := b.AddTask(TaskDesc{Label: label, Queue: q, Accesses: accesses, Body: nopBody})
	if err != nil {
		t.Fatalf("AddTask(%q) error = %v", label, err)
	}
	return id
}

func mustBuild(t *testing.T, b *Builder) *CompiledGraph {
	t.Helper()
	g, err := b.Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	return g
}

func TestCompileIndependentAccessesOneBatchPerClass(t *testing.T) {
	b := NewBuilder(nil, testFamilies())
	vertices := mustResource(t, b, bufferDesc("vertices"))
	shared := bufferDesc("shared")
	shared.Concurrent = true
	params := mustResource(t, b, shared)
	staging := mustResource(t, b, bufferDesc("staging"))

	mustTask(t, b, "draw", QueueGraphics, ReadAccess(vertices, StageVertexShader))
	mustTask(t, b, "simulate", QueueCompute, ReadAccess(params, StageComputeShader))
	mustTask(t, b, "shade", QueueGraphics, ReadAccess(params, StageFragmentShader))
	mustTask(t, b, "upload", QueueTransfer, ReadAccess(staging, StageTransfer))
	g := mustBuild(t, b)

	batches := g.Batches()
	if len(batches) != 3 {
		t.Fatalf("batches = %d, want 3\n%s", len(batches), g.Describe())
	}
	seen := make(map[QueueRef]bool)
	for _, bt := range batches {
		if seen[bt.Queue] {
			t.Errorf("queue %v has more than one batch", bt.Queue)
		}
		seen[bt.Queue] = true
	}
	if n := len(batches[0].Entries); n != 2 {
		t.Errorf("graphics batch has %d tasks, want 2", n)
	}
	if g.BarrierCount() != 0 {
		t.Errorf("BarrierCount() = %d, want 0\n%s", g.BarrierCount(), g.Describe())
	}
	if g.SemaphoreCount() != 0 {
		t.Errorf("SemaphoreCount() = %d, want 0", g.SemaphoreCount())
	}
	if len(g.Prologue()) != 0 {
		t.Errorf("Prologue() = %d batches, want 0", len(g.Prologue()))
	}
}

func TestCompileQueueResolution(t *testing.T) {
	b := NewBuilder(nil, testFamilies())
	r := mustResource(t, b, bufferDesc("r"))
	mustTask(t, b, "g", QueueGraphics, ReadAccess(r, StageVertexShader))
	mustTask(t, b, "c", QueueCompute, ReadAccess(r, StageComputeShader))
	mustTask(t, b, "t", QueueTransfer, ReadAccess(r, StageTransfer))
	g := mustBuild(t, b)

	tests := []struct {
		class QueueClass
		want  QueueRef
	}{
		{QueueGraphics, QueueRef{Family: 0}},
		{QueueCompute, QueueRef{Family: 1}},
		{QueueTransfer, QueueRef{Family: 2}},
	}
	for _, tt := range tests {
		got, ok := g.Queue(tt.class)
		if !ok || got != tt.want {
			t.Errorf("Queue(%v) = %v, %v, want %v", tt.class, got, ok, tt.want)
		}
	}
}

func TestCompileTwoReadsNoBarriers(t *testing.T) {
	b := NewBuilder(nil, testFamilies())
	r := mustResource(t, b, bufferDesc("lut"))
	mustTask(t, b, "a", QueueCompute, ReadAccess(r, StageComputeShader))
	mustTask(t, b, "b", QueueCompute, ReadAccess(r, StageComputeShader))
	g := mustBuild(t, b)

	if n := len(g.Batches()); n != 1 {
		t.Fatalf("batches = %d, want 1", n)
	}
	if g.BarrierCount() != 0 {
		t.Errorf("BarrierCount() = %d, want 0\n%s", g.BarrierCount(), g.Describe())
	}
}

func TestCompileWriteAfterWriteSameQueue(t *testing.T) {
	b := NewBuilder(nil, testFamilies())
	r := mustResource(t, b, bufferDesc("accum"))
	mustTask(t, b, "first", QueueCompute, WriteAccess(r, StageComputeShader))
	mustTask(t, b, "second", QueueCompute, WriteAccess(r, StageComputeShader))
	g := mustBuild(t, b)

	batches := g.Batches()
	if len(batches) != 1 {
		t.Fatalf("batches = %d, want 1", len(batches))
	}
	entries := batches[0].Entries
	if len(entries[0].Barriers) != 0 {
		t.Errorf("first write has barriers %v", entries[0].Barriers)
	}
	if len(entries[1].Barriers) != 1 {
		t.Fatalf("second write has %d barriers, want 1", len(entries[1].Barriers))
	}
	got := entries[1].Barriers[0]
	want := Barrier{
		Resource:  r,
		Kind:      BarrierMemory,
		SrcStage:  StageComputeShader,
		SrcAccess: AccessShaderWrite,
		DstStage:  StageComputeShader,
		DstAccess: AccessShaderWrite,
		SrcFamily: NoQueueFamily,
		DstFamily: NoQueueFamily,
	}
	if got != want {
		t.Errorf("barrier = %v, want %v", got, want)
	}
}

func TestCompileReadAfterWriteSameQueue(t *testing.T) {
	b := NewBuilder(nil, testFamilies())
	r := mustResource(t, b, bufferDesc("grid"))
	mustTask(t, b, "write", QueueCompute, WriteAccess(r, StageComputeShader))
	mustTask(t, b, "read1", QueueCompute, ReadAccess(r, StageComputeShader))
	mustTask(t, b, "read2", QueueCompute, ReadAccess(r, StageComputeShader))
	g := mustBuild(t, b)

	entries := g.Batches()[0].Entries
	if len(entries[1].Barriers) != 1 {
		t.Fatalf("first read has %d barriers, want 1", len(entries[1].Barriers))
	}
	if br := entries[1].Barriers[0]; br.SrcAccess != AccessShaderWrite || br.DstAccess != AccessShaderRead {
		t.Errorf("barrier = %v, want write->read", br)
	}
	if len(entries[2].Barriers) != 0 {
		t.Errorf("second read after a visible write has barriers %v", entries[2].Barriers)
	}
}

func TestCompileWriteAfterWriteCrossQueue(t *testing.T) {
	b := NewBuilder(nil, testFamilies())
	r := mustResource(t, b, bufferDesc("particles"))
	mustTask(t, b, "upload", QueueGraphics, WriteAccess(r, StageTransfer))
	mustTask(t, b, "simulate", QueueCompute, WriteAccess(r, StageComputeShader))
	g := mustBuild(t, b)

	batches := g.Batches()
	if len(batches) != 2 {
		t.Fatalf("batches = %d, want 2\n%s", len(batches), g.Describe())
	}
	src, dst := batches[0], batches[1]
	if len(src.Release) != 1 || src.Release[0].Kind != BarrierRelease {
		t.Fatalf("source batch releases %v, want one release barrier", src.Release)
	}
	if rel := src.Release[0]; rel.SrcStage != StageTransfer || rel.SrcAccess != AccessTransferWrite {
		t.Errorf("release source = %v/%v, want transfer write", rel.SrcStage, rel.SrcAccess)
	}
	acq := dst.Entries[0].Barriers
	if len(acq) != 1 || acq[0].Kind != BarrierAcquire || acq[0].SrcFamily != 0 || acq[0].DstFamily != 1 {
		t.Fatalf("destination barriers = %v, want acquire 0->1", acq)
	}
	if len(src.Signals) != 1 || len(dst.Waits) != 1 || dst.Waits[0].Semaphore != src.Signals[0] {
		t.Errorf("signals %v / waits %v do not link the batches", src.Signals, dst.Waits)
	}
}

func TestCompileQueueTransferScenario(t *testing.T) {
	b := NewBuilder(nil, testFamilies())
	r := mustResource(t, b, imageDesc("atlas"))
	mustTask(t, b, "T1", QueueGraphics, WriteAccess(r, StageTransfer))
	mustTask(t, b, "T2", QueueCompute, ReadAccess(r, StageComputeShader))
	g := mustBuild(t, b)

	batches := g.Batches()
	if len(batches) != 2 {
		t.Fatalf("batches = %d, want 2\n%s", len(batches), g.Describe())
	}
	b1, b2 := batches[0], batches[1]
	if b1.Queue.Family != 0 || b2.Queue.Family != 1 {
		t.Fatalf("queues = %v, %v, want families 0 and 1", b1.Queue, b2.Queue)
	}

	// T1 transitions the image into the transfer layout.
	first := b1.Entries[0].Barriers
	if len(first) != 1 || first[0].Kind != BarrierLayout ||
		first[0].OldLayout != LayoutUndefined || first[0].NewLayout != LayoutTransferDst {
		t.Errorf("T1 barriers = %v, want undefined->transfer-dst", first)
	}

	// T2's batch waits on T1's.
	if len(b2.Waits) != 1 || !slices.Contains(b1.Signals, b2.Waits[0].Semaphore) {
		t.Fatalf("waits %v not signaled by T1's batch %v", b2.Waits, b1.Signals)
	}
	if b2.Waits[0].Stage != StageComputeShader {
		t.Errorf("wait stage = %v, want compute-shader", b2.Waits[0].Stage)
	}

	// Release on the graphics queue, acquire with the layout change before T2.
	if len(b1.Release) != 1 {
		t.Fatalf("T1's batch releases %v, want one barrier", b1.Release)
	}
	rel := b1.Release[0]
	if rel.Kind != BarrierRelease || rel.SrcFamily != 0 || rel.DstFamily != 1 ||
		rel.OldLayout != LayoutTransferDst || rel.NewLayout != LayoutShaderReadOnly {
		t.Errorf("release = %v", rel)
	}
	acq := b2.Entries[0].Barriers
	if len(acq) != 1 {
		t.Fatalf("T2 barriers = %v, want one acquire", acq)
	}
	if a := acq[0]; a.Kind != BarrierAcquire || a.OldLayout != LayoutTransferDst ||
		a.NewLayout != LayoutShaderReadOnly || a.DstStage != StageComputeShader || a.DstAccess != AccessShaderRead {
		t.Errorf("acquire = %v", a)
	}
}

func TestCompileChainedOwnershipTransfers(t *testing.T) {
	b := NewBuilder(nil, testFamilies())
	r := mustResource(t, b, bufferDesc("readback"))
	mustTask(t, b, "produce", QueueGraphics, WriteAccess(r, StageComputeShader))
	mustTask(t, b, "reduce", QueueCompute, ReadAccess(r, StageComputeShader))
	mustTask(t, b, "copy", QueueTransfer, ReadAccess(r, StageTransfer))
	g := mustBuild(t, b)

	batches := g.Batches()
	if len(batches) != 3 {
		t.Fatalf("batches = %d, want 3\n%s", len(batches), g.Describe())
	}
	for i, fam := range []int{0, 1, 2} {
		if batches[i].Queue.Family != fam {
			t.Errorf("batch %d on %v, want family %d", i, batches[i].Queue, fam)
		}
	}
	// Each hop releases from the previous owner.
	for i := 0; i < 2; i++ {
		rel := batches[i].Release
		if len(rel) != 1 || rel[0].SrcFamily != i || rel[0].DstFamily != i+1 {
			t.Errorf("batch %d releases %v, want %d->%d", i, rel, i, i+1)
		}
	}
	// The last hop waits on the batch that released to it.
	var linked bool
	for _, w := range batches[2].Waits {
		if slices.Contains(batches[1].Signals, w.Semaphore) {
			linked = true
		}
	}
	if !linked {
		t.Errorf("copy batch waits %v, none signaled by batch 1 %v", batches[2].Waits, batches[1].Signals)
	}
}

func TestCompileConcurrentResourceSkipsOwnershipTransfer(t *testing.T) {
	b := NewBuilder(nil, testFamilies())
	desc := bufferDesc("shared")
	desc.Concurrent = true
	r := mustResource(t, b, desc)
	mustTask(t, b, "write", QueueGraphics, WriteAccess(r, StageComputeShader))
	mustTask(t, b, "read", QueueCompute, ReadAccess(r, StageComputeShader))
	g := mustBuild(t, b)

	for _, bt := range g.Batches() {
		if len(bt.Release) != 0 {
			t.Errorf("batch %d releases %v on a concurrent resource", bt.Index, bt.Release)
		}
	}
	if g.SemaphoreCount() != 1 {
		t.Errorf("SemaphoreCount() = %d, want 1", g.SemaphoreCount())
	}
}

// checkQueueStages fails if a barrier or wait names a stage its batch's
// queue family cannot run.
func checkQueueStages(t *testing.T, g *CompiledGraph, families []QueueFamily) {
	t.Helper()
	for _, bt := range append(g.Prologue(), g.Batches()...) {
		caps := families[bt.Queue.Family].Caps
		check := func(b Barrier) {
			if stages := b.SrcStage | b.DstStage; !caps.Supports(stages) {
				t.Errorf("batch %d on %v (%v): barrier %v uses %v", bt.Index, bt.Queue, caps, b, stages)
			}
		}
		for _, e := range bt.Entries {
			for _, b := range e.Barriers {
				check(b)
			}
		}
		for _, b := range bt.Release {
			check(b)
		}
		for _, w := range bt.Waits {
			if !caps.Supports(w.Stage) {
				t.Errorf("batch %d on %v (%v): waits at %v", bt.Index, bt.Queue, caps, w.Stage)
			}
		}
	}
}

func TestCompileWriteAfterReadsOnTwoQueues(t *testing.T) {
	b := NewBuilder(nil, testFamilies())
	r := mustResource(t, b, bufferDesc("histogram"))
	mustTask(t, b, "display", QueueGraphics, ReadAccess(r, StageFragmentShader))
	mustTask(t, b, "reduce", QueueCompute, ReadAccess(r, StageComputeShader))
	mustTask(t, b, "clear", QueueCompute, WriteAccess(r, StageComputeShader))
	g := mustBuild(t, b)
	checkQueueStages(t, g, testFamilies())

	// The ownership transfer already orders the graphics read before the
	// compute queue, so the write needs no second semaphore.
	batches := g.Batches()
	if len(batches) != 2 {
		t.Fatalf("batches = %d, want 2\n%s", len(batches), g.Describe())
	}
	if g.SemaphoreCount() != 1 {
		t.Errorf("SemaphoreCount() = %d, want 1\n%s", g.SemaphoreCount(), g.Describe())
	}
	compute := batches[1]
	if compute.Queue.Family != 1 || len(compute.Entries) != 2 {
		t.Fatalf("compute batch = %+v, want reduce and clear on family 1", compute)
	}
	w := compute.Entries[1].Barriers
	if len(w) != 1 || w[0].Kind != BarrierMemory {
		t.Fatalf("clear barriers = %v, want one memory barrier", w)
	}
	if w[0].SrcStage != StageComputeShader || w[0].SrcAccess != AccessNone {
		t.Errorf("clear barrier source = %v/%v, want compute-shader/none", w[0].SrcStage, w[0].SrcAccess)
	}
}

func TestCompileSameQueueBarrierSourceStaysOnQueue(t *testing.T) {
	b := NewBuilder(nil, testFamilies())
	desc := bufferDesc("histogram")
	desc.Concurrent = true
	r := mustResource(t, b, desc)
	mustTask(t, b, "display", QueueGraphics, ReadAccess(r, StageFragmentShader))
	mustTask(t, b, "reduce", QueueCompute, ReadAccess(r, StageComputeShader))
	mustTask(t, b, "clear", QueueCompute, WriteAccess(r, StageComputeShader))
	g := mustBuild(t, b)
	checkQueueStages(t, g, testFamilies())

	// Without a transfer the write waits on the graphics read by semaphore
	// and on the compute read by barrier.
	batches := g.Batches()
	if len(batches) != 3 {
		t.Fatalf("batches = %d, want 3\n%s", len(batches), g.Describe())
	}
	last := batches[2]
	if last.Queue.Family != 1 || len(last.Entries) != 1 || last.Entries[0].Label != "clear" {
		t.Fatalf("last batch = %+v, want clear on family 1", last)
	}
	if len(last.Waits) != 1 || !slices.Contains(batches[0].Signals, last.Waits[0].Semaphore) {
		t.Errorf("clear waits %v, want the graphics batch's signal %v", last.Waits, batches[0].Signals)
	}
	w := last.Entries[0].Barriers
	if len(w) != 1 {
		t.Fatalf("clear barriers = %v, want one", w)
	}
	if w[0].SrcStage&StageAllGraphics != 0 {
		t.Errorf("clear barrier source %v includes graphics stages", w[0].SrcStage)
	}
	if !w[0].SrcStage.Has(StageComputeShader) {
		t.Errorf("clear barrier source %v misses the compute read", w[0].SrcStage)
	}
}

func TestCompileSceneStagesMatchQueues(t *testing.T) {
	checkQueueStages(t, buildScene(t), testFamilies())
}

func buildScene(t *testing.T) *CompiledGraph {
	t.Helper()
	b := NewBuilder(nil, testFamilies(), WithLabel("scene"))
	depth := mustResource(t, b, imageDesc("depth"))
	color := mustResource(t, b, imageDesc("color"))
	lights := mustResource(t, b, bufferDesc("lights"))
	mustTask(t, b, "cull", QueueCompute, WriteAccess(lights, StageComputeShader))
	mustTask(t, b, "prepass", QueueGraphics, WriteAccess(depth, StageLateFragmentTests))
	mustTask(t, b, "shade", QueueGraphics,
		ReadAccess(depth, StageEarlyFragmentTests),
		ReadAccess(lights, StageFragmentShader),
		WriteAccess(color, StageColorAttachmentOutput))
	mustTask(t, b, "post", QueueCompute, ReadWriteAccess(color, StageComputeShader))
	return mustBuild(t, b)
}

func TestCompileDeterministic(t *testing.T) {
	a := buildScene(t)
	b := buildScene(t)

	if a.Describe() != b.Describe() {
		t.Errorf("Describe differs:\n%s\n---\n%s", a.Describe(), b.Describe())
	}
	if !reflect.DeepEqual(a.Batches(), b.Batches()) {
		t.Error("Batches differ between identical builds")
	}
	if !reflect.DeepEqual(a.Prologue(), b.Prologue()) {
		t.Error("Prologue differs between identical builds")
	}
}

func TestCompileInsertionOrderTieBreak(t *testing.T) {
	b := NewBuilder(nil, testFamilies())
	r1 := mustResource(t, b, bufferDesc("r1"))
	r2 := mustResource(t, b, bufferDesc("r2"))
	r3 := mustResource(t, b, bufferDesc("r3"))
	a := mustTask(t, b, "a", QueueCompute, WriteAccess(r1, StageComputeShader))
	mustTask(t, b, "b", QueueCompute, WriteAccess(r2, StageComputeShader))
	c := mustTask(t, b, "c", QueueCompute, WriteAccess(r3, StageComputeShader))
	if err := b.AddDependency(c, a); err != nil {
		t.Fatalf("AddDependency() error = %v", err)
	}
	g := mustBuild(t, b)

	want := []TaskID{1, 2, 0}
	if got := g.Order(); !slices.Equal(got, want) {
		t.Errorf("Order() = %v, want %v", got, want)
	}
}

func TestCompileCycle(t *testing.T) {
	b := NewBuilder(nil, testFamilies())
	r := mustResource(t, b, bufferDesc("r"))
	w := mustTask(t, b, "writer", QueueCompute, WriteAccess(r, StageComputeShader))
	rd := mustTask(t, b, "reader", QueueCompute, ReadAccess(r, StageComputeShader))
	if err := b.AddDependency(rd, w); err != nil {
		t.Fatalf("AddDependency() error = %v", err)
	}

	_, err := b.Build()
	if !errors.Is(err, ErrCyclicDependency) {
		t.Fatalf("Build() error = %v, want ErrCyclicDependency", err)
	}
	var ce *CompileError
	if !errors.As(err, &ce) {
		t.Fatalf("Build() error %T is not a CompileError", err)
	}
	if !slices.Contains(ce.Tasks, "writer") || !slices.Contains(ce.Tasks, "reader") {
		t.Errorf("CompileError.Tasks = %v, want writer and reader", ce.Tasks)
	}
}

func TestCompileSelfDependency(t *testing.T) {
	b := NewBuilder(nil, testFamilies())
	r := mustResource(t, b, bufferDesc("r"))
	id := mustTask(t, b, "loop", QueueCompute, WriteAccess(r, StageComputeShader))
	if err := b.AddDependency(id, id); !errors.Is(err, ErrCyclicDependency) {
		t.Errorf("AddDependency(self) error = %v, want ErrCyclicDependency", err)
	}
}

func TestCompileNoEligibleQueue(t *testing.T) {
	b := NewBuilder(nil, []QueueFamily{{Index: 0, Caps: CapCompute | CapTransfer, Count: 1}})
	r := mustResource(t, b, imageDesc("target"))
	mustTask(t, b, "draw", QueueGraphics, WriteAccess(r, StageColorAttachmentOutput))

	_, err := b.Build()
	if !errors.Is(err, ErrNoEligibleQueue) {
		t.Fatalf("Build() error = %v, want ErrNoEligibleQueue", err)
	}
	var ce *CompileError
	if !errors.As(err, &ce) || ce.Class != QueueGraphics || !slices.Equal(ce.Tasks, []string{"draw"}) {
		t.Errorf("CompileError = %+v", ce)
	}
}

func TestCompilePrologueForForeignOwner(t *testing.T) {
	reg := NewRegistry()
	r, err := reg.Register(nil, imageDesc("history"))
	if err != nil {
		t.Fatal(err)
	}
	// Left readable on the compute family by earlier work.
	if err := reg.RecordAccess(r, StageComputeShader, AccessShaderRead, LayoutShaderReadOnly, 1); err != nil {
		t.Fatalf("RecordAccess() error = %v", err)
	}

	b := NewBuilder(reg, testFamilies())
	mustTask(t, b, "overwrite", QueueGraphics, WriteAccess(r, StageTransfer))
	g := mustBuild(t, b)

	pro := g.Prologue()
	if len(pro) != 1 {
		t.Fatalf("Prologue() = %d batches, want 1\n%s", len(pro), g.Describe())
	}
	if pro[0].Queue.Family != 1 || len(pro[0].Release) != 1 || len(pro[0].Signals) != 1 {
		t.Fatalf("prologue = %+v, want one release on family 1 and one signal", pro[0])
	}
	if rel := pro[0].Release[0]; rel.SrcStage != StageComputeShader || rel.SrcFamily != 1 || rel.DstFamily != 0 {
		t.Errorf("release = %v", rel)
	}

	batches := g.Batches()
	if len(batches) != 1 {
		t.Fatalf("batches = %d, want 1; entry state must not split the pass", len(batches))
	}
	if len(batches[0].Waits) != 1 || batches[0].Waits[0].Semaphore != pro[0].Signals[0] ||
		batches[0].Waits[0].Stage != StageTransfer {
		t.Errorf("waits = %v, want prologue semaphore at transfer", batches[0].Waits)
	}
	acq := batches[0].Entries[0].Barriers
	if len(acq) != 1 || acq[0].Kind != BarrierAcquire || acq[0].NewLayout != LayoutTransferDst {
		t.Errorf("barriers = %v, want acquire into transfer-dst", acq)
	}
}

func TestDeriveIsStableForEntry(t *testing.T) {
	g := buildScene(t)
	again := derive(g, g.plan.entry)
	if !reflect.DeepEqual(again.batches, g.plan.batches) || !reflect.DeepEqual(again.final, g.plan.final) {
		t.Error("re-deriving against the build-time entry state changed the schedule")
	}
	if again.fingerprint != g.plan.fingerprint {
		t.Errorf("fingerprint = %x, want %x", again.fingerprint, g.plan.fingerprint)
	}
}

func TestDeriveAfterPassKeepsBatchPartition(t *testing.T) {
	g := buildScene(t)
	after := make(map[ResourceID]AccessRecord)
	for _, u := range g.plan.final {
		after[u.id] = u.record
	}
	next := derive(g, after)

	if len(next.batches) != len(g.plan.batches) {
		t.Fatalf("batches = %d after a pass, want %d", len(next.batches), len(g.plan.batches))
	}
	for i := range next.batches {
		if next.batches[i].Queue != g.plan.batches[i].Queue {
			t.Errorf("batch %d moved from %v to %v", i, g.plan.batches[i].Queue, next.batches[i].Queue)
		}
	}
	if !reflect.DeepEqual(next.final, g.plan.final) {
		t.Error("final records depend on the entry state")
	}
	if next.fingerprint == g.plan.fingerprint {
		t.Error("different entry states share a fingerprint")
	}
}

func TestSameEntryDefaultsToInitial(t *testing.T) {
	ids := []ResourceID{1, 2}
	empty := map[ResourceID]AccessRecord{}
	explicit := map[ResourceID]AccessRecord{1: initialRecord(), 2: initialRecord()}
	if !sameEntry(ids, empty, explicit) {
		t.Error("missing records should compare as initial")
	}
	touched := map[ResourceID]AccessRecord{1: initialRecord()}
	rec := initialRecord()
	rec.observe(QueueRef{}, Write, stageAccess{stage: StageTransfer, access: AccessTransferWrite}, LayoutUndefined, false)
	touched[2] = rec
	if sameEntry(ids, empty, touched) {
		t.Error("touched record compared equal to initial")
	}
	if fingerprint(ids, empty) != fingerprint(ids, explicit) {
		t.Error("fingerprint differs for equal states")
	}
}
