package trace

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gogpu/taskgraph"
)

var ctx = context.Background()

// recorded returns an executable command buffer for q.
func recorded(t *testing.T, d *Device, q taskgraph.QueueRef) *CommandBuffer {
	t.Helper()
	c, err := d.CreateCommandBuffer(q)
	if err != nil {
		t.Fatal(err)
	}
	cb := c.(*CommandBuffer)
	if err := cb.Begin("test"); err != nil {
		t.Fatal(err)
	}
	if err := cb.Record("dispatch %d", 8); err != nil {
		t.Fatal(err)
	}
	if err := cb.End(); err != nil {
		t.Fatal(err)
	}
	return cb
}

func mustQueue(t *testing.T, d *Device, ref taskgraph.QueueRef) taskgraph.Queue {
	t.Helper()
	q, err := d.Queue(ref)
	if err != nil {
		t.Fatal(err)
	}
	return q
}

func TestQueueLookup(t *testing.T) {
	d := New()
	q1 := mustQueue(t, d, taskgraph.QueueRef{Family: 1})
	if q2 := mustQueue(t, d, taskgraph.QueueRef{Family: 1}); q1 != q2 {
		t.Error("Queue() returned a new queue for the same ref")
	}
	for _, ref := range []taskgraph.QueueRef{{Family: 7}, {Family: 0, Index: 1}, {Family: 0, Index: -1}} {
		if _, err := d.Queue(ref); !errors.Is(err, ErrUnknownQueue) {
			t.Errorf("Queue(%v) error = %v, want ErrUnknownQueue", ref, err)
		}
	}
}

func TestRecordingStates(t *testing.T) {
	d := New()
	c, _ := d.CreateCommandBuffer(taskgraph.QueueRef{})
	cb := c.(*CommandBuffer)

	if err := cb.Record("draw"); !errors.Is(err, ErrNotRecording) {
		t.Errorf("Record() before Begin error = %v", err)
	}
	if err := cb.End(); !errors.Is(err, ErrNotRecording) {
		t.Errorf("End() before Begin error = %v", err)
	}
	_ = cb.Begin("frame")
	b := taskgraph.Barrier{Resource: 1, SrcStage: taskgraph.StageTransfer, DstStage: taskgraph.StageFragmentShader}
	if err := cb.InsertBarriers([]taskgraph.Barrier{b}); err != nil {
		t.Fatal(err)
	}
	_ = cb.Record("draw")
	_ = cb.End()

	if ops := cb.Ops(); len(ops) != 2 || ops[1] != "draw" {
		t.Errorf("Ops() = %q", ops)
	}
	if got := d.Barriers(); len(got) != 1 || got[0] != b {
		t.Errorf("Barriers() = %v", got)
	}
	if err := cb.InsertBarriers(nil); !errors.Is(err, ErrNotRecording) {
		t.Errorf("InsertBarriers() after End error = %v", err)
	}
}

func TestSubmitValidates(t *testing.T) {
	d := New()
	g := mustQueue(t, d, taskgraph.QueueRef{})

	c, _ := d.CreateCommandBuffer(taskgraph.QueueRef{})
	if err := g.Submit(ctx, taskgraph.Submission{CommandBuffers: []taskgraph.CommandBuffer{c}}); !errors.Is(err, ErrNotExecutable) {
		t.Errorf("Submit() of an unrecorded buffer error = %v", err)
	}

	onCompute := recorded(t, d, taskgraph.QueueRef{Family: 1})
	if err := g.Submit(ctx, taskgraph.Submission{CommandBuffers: []taskgraph.CommandBuffer{onCompute}}); !errors.Is(err, ErrUnknownQueue) {
		t.Errorf("Submit() to the wrong family error = %v", err)
	}

	s, _ := d.CreateSemaphore()
	cb := recorded(t, d, taskgraph.QueueRef{})
	wait := taskgraph.Submission{
		CommandBuffers: []taskgraph.CommandBuffer{cb},
		Waits:          []taskgraph.SubmitWait{{Semaphore: s, Stage: taskgraph.StageComputeShader}},
	}
	if err := g.Submit(ctx, wait); !errors.Is(err, ErrUnsignaledWait) {
		t.Errorf("Submit() waiting on an unsignaled semaphore error = %v", err)
	}

	other := New()
	f, _ := other.CreateFence()
	if err := g.Submit(ctx, taskgraph.Submission{Fence: f}); !errors.Is(err, ErrForeignObject) {
		t.Errorf("Submit() with a foreign fence error = %v", err)
	}
	if len(d.Submissions()) != 0 {
		t.Errorf("rejected submissions were recorded: %v", d.Submissions())
	}
}

func TestSemaphoreHandoff(t *testing.T) {
	d := New()
	c := mustQueue(t, d, taskgraph.QueueRef{Family: 1})
	g := mustQueue(t, d, taskgraph.QueueRef{})
	s, _ := d.CreateSemaphore()

	signal := taskgraph.Submission{
		Label:          "simulate",
		CommandBuffers: []taskgraph.CommandBuffer{recorded(t, d, taskgraph.QueueRef{Family: 1})},
		Signals:        []taskgraph.Semaphore{s},
	}
	if err := c.Submit(ctx, signal); err != nil {
		t.Fatal(err)
	}
	cb := recorded(t, d, taskgraph.QueueRef{})
	wait := taskgraph.Submission{
		Label:          "draw",
		CommandBuffers: []taskgraph.CommandBuffer{cb},
		Waits:          []taskgraph.SubmitWait{{Semaphore: s, Stage: taskgraph.StageVertexShader}},
	}
	if err := g.Submit(ctx, wait); err != nil {
		t.Fatal(err)
	}
	// The wait consumed the signal.
	cb2 := recorded(t, d, taskgraph.QueueRef{})
	wait.CommandBuffers = []taskgraph.CommandBuffer{cb2}
	if err := g.Submit(ctx, wait); !errors.Is(err, ErrUnsignaledWait) {
		t.Errorf("second wait error = %v, want ErrUnsignaledWait", err)
	}

	subs := d.Submissions()
	if len(subs) != 2 || subs[0].Signals[0] != subs[1].Waits[0] {
		t.Fatalf("Submissions() = %+v", subs)
	}
	if cb.Submitted() != 1 {
		t.Errorf("Submitted() = %d, want 1", cb.Submitted())
	}
}

func TestAutomaticFences(t *testing.T) {
	d := New()
	g := mustQueue(t, d, taskgraph.QueueRef{})
	f, _ := d.CreateFence()
	cb := recorded(t, d, taskgraph.QueueRef{})

	if err := g.Submit(ctx, taskgraph.Submission{CommandBuffers: []taskgraph.CommandBuffer{cb}, Fence: f}); err != nil {
		t.Fatal(err)
	}
	if st, err := d.FenceStatus(f); err != nil || st != taskgraph.FenceSignaled {
		t.Errorf("FenceStatus() = %v, %v, want signaled", st, err)
	}
	if err := d.WaitFence(ctx, f, time.Second); err != nil {
		t.Errorf("WaitFence() error = %v", err)
	}
	if err := cb.Reset(); err != nil {
		t.Errorf("Reset() after completion error = %v", err)
	}
	if err := d.ResetFence(f); err != nil {
		t.Fatal(err)
	}
	if err := d.WaitFence(ctx, f, time.Millisecond); !errors.Is(err, taskgraph.ErrFenceTimeout) {
		t.Errorf("WaitFence() on a reset fence error = %v, want ErrFenceTimeout", err)
	}
}

func TestManualFences(t *testing.T) {
	d := New(WithManualFences())
	g := mustQueue(t, d, taskgraph.QueueRef{})
	f1, _ := d.CreateFence()
	f2, _ := d.CreateFence()

	unfenced := recorded(t, d, taskgraph.QueueRef{})
	fenced := recorded(t, d, taskgraph.QueueRef{})
	later := recorded(t, d, taskgraph.QueueRef{})
	_ = g.Submit(ctx, taskgraph.Submission{CommandBuffers: []taskgraph.CommandBuffer{unfenced}})
	_ = g.Submit(ctx, taskgraph.Submission{CommandBuffers: []taskgraph.CommandBuffer{fenced}, Fence: f1})
	_ = g.Submit(ctx, taskgraph.Submission{CommandBuffers: []taskgraph.CommandBuffer{later}, Fence: f2})

	if d.Pending() != 2 {
		t.Fatalf("Pending() = %d, want 2", d.Pending())
	}
	if err := unfenced.Begin("again"); !errors.Is(err, ErrCommandBufferInUse) {
		t.Errorf("Begin() on a pending buffer error = %v, want ErrCommandBufferInUse", err)
	}
	if err := d.WaitFence(ctx, f1, time.Second); !errors.Is(err, taskgraph.ErrFenceTimeout) {
		t.Errorf("WaitFence() on a pending fence error = %v", err)
	}

	if !d.Complete() {
		t.Fatal("Complete() = false with pending fences")
	}
	// The first fence also covers the earlier unfenced submission.
	if err := unfenced.Reset(); err != nil {
		t.Errorf("Reset() of a completed unfenced buffer error = %v", err)
	}
	if err := later.Reset(); !errors.Is(err, ErrCommandBufferInUse) {
		t.Errorf("Reset() of a still pending buffer error = %v", err)
	}

	if err := g.WaitIdle(ctx); err != nil {
		t.Fatal(err)
	}
	if d.Pending() != 0 || d.Complete() {
		t.Error("WaitIdle() left fences pending")
	}
	if st, _ := d.FenceStatus(f2); st != taskgraph.FenceSignaled {
		t.Error("WaitIdle() did not signal the last fence")
	}
}

func TestFailNext(t *testing.T) {
	d := New()
	boom := errors.New("boom")
	d.FailNext(OpCreateFence, boom)
	if _, err := d.CreateFence(); !errors.Is(err, boom) {
		t.Errorf("CreateFence() error = %v, want boom", err)
	}
	if _, err := d.CreateFence(); err != nil {
		t.Errorf("failure applied twice: %v", err)
	}

	g := mustQueue(t, d, taskgraph.QueueRef{})
	d.FailNext(OpSubmit, boom)
	cb := recorded(t, d, taskgraph.QueueRef{})
	if err := g.Submit(ctx, taskgraph.Submission{CommandBuffers: []taskgraph.CommandBuffer{cb}}); !errors.Is(err, boom) {
		t.Errorf("Submit() error = %v, want boom", err)
	}
	if cb.Submitted() != 0 {
		t.Error("failed submission counted")
	}
}

func TestFailAfter(t *testing.T) {
	d := New()
	boom := errors.New("boom")
	d.FailAfter(OpCreateSemaphore, 2, boom)
	for i := range 2 {
		if _, err := d.CreateSemaphore(); err != nil {
			t.Fatalf("CreateSemaphore() #%d error = %v", i, err)
		}
	}
	if _, err := d.CreateSemaphore(); !errors.Is(err, boom) {
		t.Errorf("third CreateSemaphore() error = %v, want boom", err)
	}
	if _, err := d.CreateSemaphore(); err != nil {
		t.Errorf("failure applied twice: %v", err)
	}
	if got := d.Created().Semaphores; got != 3 {
		t.Errorf("Created().Semaphores = %d, want 3", got)
	}
}

func TestStageSupport(t *testing.T) {
	d := New()
	c, _ := d.CreateCommandBuffer(taskgraph.QueueRef{Family: 1})
	cb := c.(*CommandBuffer)
	_ = cb.Begin("simulate")

	ok := taskgraph.Barrier{Resource: 1, SrcStage: taskgraph.StageTransfer, DstStage: taskgraph.StageComputeShader}
	if err := cb.InsertBarriers([]taskgraph.Barrier{ok}); err != nil {
		t.Fatalf("compute barrier on compute family: %v", err)
	}
	bad := taskgraph.Barrier{Resource: 1, SrcStage: taskgraph.StageFragmentShader | taskgraph.StageComputeShader, DstStage: taskgraph.StageComputeShader}
	if err := cb.InsertBarriers([]taskgraph.Barrier{ok, bad}); !errors.Is(err, ErrStageNotSupported) {
		t.Errorf("fragment barrier on compute family error = %v, want ErrStageNotSupported", err)
	}
	if got := len(d.Barriers()); got != 1 {
		t.Errorf("rejected batch recorded %d barriers, want 1 total", got)
	}

	// The DMA family runs transfer work only.
	x, _ := d.CreateCommandBuffer(taskgraph.QueueRef{Family: 2})
	xcb := x.(*CommandBuffer)
	_ = xcb.Begin("copy")
	if err := xcb.InsertBarriers([]taskgraph.Barrier{{Resource: 2, SrcStage: taskgraph.StageComputeShader}}); !errors.Is(err, ErrStageNotSupported) {
		t.Errorf("compute barrier on transfer family error = %v, want ErrStageNotSupported", err)
	}
	_ = xcb.End()

	q := mustQueue(t, d, taskgraph.QueueRef{Family: 2})
	s, _ := d.CreateSemaphore()
	g := mustQueue(t, d, taskgraph.QueueRef{})
	if err := g.Submit(ctx, taskgraph.Submission{Signals: []taskgraph.Semaphore{s}}); err != nil {
		t.Fatal(err)
	}
	wait := taskgraph.Submission{
		CommandBuffers: []taskgraph.CommandBuffer{xcb},
		Waits:          []taskgraph.SubmitWait{{Semaphore: s, Stage: taskgraph.StageVertexShader}},
	}
	if err := q.Submit(ctx, wait); !errors.Is(err, ErrStageNotSupported) {
		t.Errorf("vertex wait on transfer family error = %v, want ErrStageNotSupported", err)
	}
	wait.Waits[0].Stage = taskgraph.StageTransfer
	if err := q.Submit(ctx, wait); err != nil {
		t.Errorf("transfer wait on transfer family: %v", err)
	}
}

func TestCanceledContext(t *testing.T) {
	d := New()
	g := mustQueue(t, d, taskgraph.QueueRef{})
	f, _ := d.CreateFence()
	canceled, cancel := context.WithCancel(ctx)
	cancel()

	if err := g.Submit(canceled, taskgraph.Submission{Fence: f}); !errors.Is(err, context.Canceled) {
		t.Errorf("Submit() error = %v, want context.Canceled", err)
	}
	if err := d.WaitFence(canceled, f, time.Second); !errors.Is(err, context.Canceled) {
		t.Errorf("WaitFence() error = %v, want context.Canceled", err)
	}
}

func TestCounts(t *testing.T) {
	d := New()
	c, _ := d.CreateCommandBuffer(taskgraph.QueueRef{})
	s, _ := d.CreateSemaphore()
	f, _ := d.CreateFence()
	if got := d.Live(); got != (Counts{CommandBuffers: 1, Semaphores: 1, Fences: 1}) {
		t.Errorf("Live() = %+v", got)
	}

	d.DestroyCommandBuffer(c)
	d.DestroyCommandBuffer(c)
	d.DestroySemaphore(s)
	d.DestroyFence(f)
	if got := d.Live(); got != (Counts{}) {
		t.Errorf("Live() after destroy = %+v", got)
	}
	if got := d.Created(); got != (Counts{CommandBuffers: 1, Semaphores: 1, Fences: 1}) {
		t.Errorf("Created() = %+v", got)
	}
	if _, err := d.FenceStatus(f); !errors.Is(err, ErrDestroyed) {
		t.Errorf("FenceStatus() on a destroyed fence error = %v", err)
	}
	if err := c.Begin("x"); !errors.Is(err, ErrDestroyed) {
		t.Errorf("Begin() on a destroyed buffer error = %v", err)
	}
	if d.String() == "" {
		t.Error("String() is empty after recorded calls")
	}
}
