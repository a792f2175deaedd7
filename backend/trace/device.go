package trace

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gogpu/taskgraph"
)

// Operations that can be made to fail with FailNext or FailAfter.
const (
	OpCreateCommandBuffer = "create-command-buffer"
	OpCreateSemaphore     = "create-semaphore"
	OpCreateFence         = "create-fence"
	OpResetFence          = "reset-fence"
	OpFenceStatus         = "fence-status"
	OpWaitFence           = "wait-fence"
	OpQueue               = "queue"
	OpBegin               = "begin"
	OpBarriers            = "barriers"
	OpEnd                 = "end"
	OpReset               = "reset"
	OpSubmit              = "submit"
)

// Errors reported by the trace device for invalid use.
var (
	ErrUnknownQueue       = errors.New("trace: unknown queue")
	ErrNotRecording       = errors.New("trace: command buffer not recording")
	ErrNotExecutable      = errors.New("trace: command buffer not executable")
	ErrUnsignaledWait     = errors.New("trace: wait on unsignaled semaphore")
	ErrDestroyed          = errors.New("trace: object destroyed")
	ErrForeignObject      = errors.New("trace: object from another device")
	ErrCommandBufferInUse = errors.New("trace: command buffer pending on the GPU")
	ErrStageNotSupported  = errors.New("trace: stage not supported by queue family")
)

// DefaultFamilies models a discrete GPU: a universal family, an async
// compute family and a DMA family, one queue each.
func DefaultFamilies() []taskgraph.QueueFamily {
	return []taskgraph.QueueFamily{
		{Index: 0, Caps: taskgraph.CapGraphics | taskgraph.CapCompute | taskgraph.CapTransfer, Count: 1},
		{Index: 1, Caps: taskgraph.CapCompute | taskgraph.CapTransfer, Count: 1},
		{Index: 2, Caps: taskgraph.CapTransfer, Count: 1},
	}
}

// Option configures a Device.
type Option func(*Device)

// WithFamilies sets the queue families the device reports.
func WithFamilies(families ...taskgraph.QueueFamily) Option {
	return func(d *Device) {
		d.families = append([]taskgraph.QueueFamily(nil), families...)
	}
}

// WithManualFences leaves fences pending after submission until Complete
// or CompleteAll is called.
func WithManualFences() Option {
	return func(d *Device) {
		d.manual = true
	}
}

// Counts reports live or created device objects.
type Counts struct {
	CommandBuffers int
	Semaphores     int
	Fences         int
}

// SubmitRecord is one recorded queue submission.
type SubmitRecord struct {
	Queue          taskgraph.QueueRef
	Label          string
	CommandBuffers []int
	Waits          []int
	Signals        []int
	Fence          int // 0 when the submission has no fence
}

// Device is an in-memory taskgraph.Device. It executes nothing; it checks
// that objects are used in a valid order and records every call.
//
// Device is safe for concurrent use.
type Device struct {
	mu       sync.Mutex
	families []taskgraph.QueueFamily
	manual   bool

	nextID   int
	log      []string
	submits  []SubmitRecord
	barriers []taskgraph.Barrier
	failures map[string]*failure
	live     Counts
	created  Counts
	pending  []*fence
	queues   map[taskgraph.QueueRef]*queue
}

// New returns a trace device with DefaultFamilies unless WithFamilies is
// given.
func New(opts ...Option) *Device {
	d := &Device{
		families: DefaultFamilies(),
		failures: make(map[string]*failure),
		queues:   make(map[taskgraph.QueueRef]*queue),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

type failure struct {
	skip int
	err  error
}

// FailNext makes the next call of op return err.
func (d *Device) FailNext(op string, err error) { d.FailAfter(op, 0, err) }

// FailAfter lets n calls of op succeed and makes the one after return err.
func (d *Device) FailAfter(op string, n int, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures[op] = &failure{skip: n, err: err}
}

// Caller must hold d.mu.
func (d *Device) failLocked(op string) error {
	f, ok := d.failures[op]
	if !ok {
		return nil
	}
	if f.skip > 0 {
		f.skip--
		return nil
	}
	delete(d.failures, op)
	d.logf("fail %s: %v", op, f.err)
	return f.err
}

// supportsLocked reports whether queue family fam can run work at stages.
// Caller must hold d.mu.
func (d *Device) supportsLocked(fam int, stages taskgraph.Stage) bool {
	for _, f := range d.families {
		if f.Index == fam {
			return f.Caps.Supports(stages)
		}
	}
	return false
}

// Caller must hold d.mu.
func (d *Device) logf(format string, args ...any) {
	d.log = append(d.log, fmt.Sprintf(format, args...))
}

// Log returns every recorded call, one line each.
func (d *Device) Log() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.log...)
}

// Submissions returns every successful submission in order.
func (d *Device) Submissions() []SubmitRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]SubmitRecord(nil), d.submits...)
}

// Barriers returns every barrier recorded into any command buffer.
func (d *Device) Barriers() []taskgraph.Barrier {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]taskgraph.Barrier(nil), d.barriers...)
}

// Live returns the objects created and not yet destroyed.
func (d *Device) Live() Counts {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.live
}

// Created returns the objects created over the device's lifetime.
func (d *Device) Created() Counts {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.created
}

// Pending returns the number of submitted fences not yet signaled.
func (d *Device) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Complete signals the oldest pending fence. It reports false if none is
// pending.
func (d *Device) Complete() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.pending) == 0 {
		return false
	}
	d.signalLocked(d.pending[0])
	return true
}

// CompleteAll signals every pending fence.
func (d *Device) CompleteAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for len(d.pending) > 0 {
		d.signalLocked(d.pending[0])
	}
}

// Caller must hold d.mu.
func (d *Device) signalLocked(f *fence) {
	f.signaled = true
	for _, cb := range f.commands {
		cb.pending--
	}
	f.commands = nil
	for i, p := range d.pending {
		if p == f {
			d.pending = append(d.pending[:i], d.pending[i+1:]...)
			break
		}
	}
	d.logf("signal f%d", f.id)
}

// QueueFamilies implements taskgraph.Device.
func (d *Device) QueueFamilies() []taskgraph.QueueFamily {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]taskgraph.QueueFamily(nil), d.families...)
}

// Queue implements taskgraph.Device.
func (d *Device) Queue(ref taskgraph.QueueRef) (taskgraph.Queue, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.failLocked(OpQueue); err != nil {
		return nil, err
	}
	if q, ok := d.queues[ref]; ok {
		return q, nil
	}
	for _, f := range d.families {
		if f.Index == ref.Family && ref.Index >= 0 && ref.Index < f.Count {
			q := &queue{dev: d, ref: ref}
			d.queues[ref] = q
			return q, nil
		}
	}
	return nil, fmt.Errorf("%w: %v", ErrUnknownQueue, ref)
}

// CreateCommandBuffer implements taskgraph.Device.
func (d *Device) CreateCommandBuffer(q taskgraph.QueueRef) (taskgraph.CommandBuffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.failLocked(OpCreateCommandBuffer); err != nil {
		return nil, err
	}
	d.nextID++
	cb := &CommandBuffer{dev: d, id: d.nextID, queue: q}
	d.live.CommandBuffers++
	d.created.CommandBuffers++
	d.logf("create cb%d %v", cb.id, q)
	return cb, nil
}

// DestroyCommandBuffer implements taskgraph.Device.
func (d *Device) DestroyCommandBuffer(c taskgraph.CommandBuffer) {
	cb, ok := c.(*CommandBuffer)
	if !ok || cb.dev != d {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if cb.destroyed {
		return
	}
	cb.destroyed = true
	d.live.CommandBuffers--
	d.logf("destroy cb%d", cb.id)
}

// CreateSemaphore implements taskgraph.Device.
func (d *Device) CreateSemaphore() (taskgraph.Semaphore, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.failLocked(OpCreateSemaphore); err != nil {
		return nil, err
	}
	d.nextID++
	s := &semaphore{dev: d, id: d.nextID}
	d.live.Semaphores++
	d.created.Semaphores++
	d.logf("create s%d", s.id)
	return s, nil
}

// DestroySemaphore implements taskgraph.Device.
func (d *Device) DestroySemaphore(v taskgraph.Semaphore) {
	s, ok := v.(*semaphore)
	if !ok || s.dev != d {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if s.destroyed {
		return
	}
	s.destroyed = true
	d.live.Semaphores--
	d.logf("destroy s%d", s.id)
}

// CreateFence implements taskgraph.Device.
func (d *Device) CreateFence() (taskgraph.Fence, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.failLocked(OpCreateFence); err != nil {
		return nil, err
	}
	d.nextID++
	f := &fence{dev: d, id: d.nextID}
	d.live.Fences++
	d.created.Fences++
	d.logf("create f%d", f.id)
	return f, nil
}

// DestroyFence implements taskgraph.Device.
func (d *Device) DestroyFence(v taskgraph.Fence) {
	f, ok := v.(*fence)
	if !ok || f.dev != d {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if f.destroyed {
		return
	}
	f.destroyed = true
	d.live.Fences--
	d.logf("destroy f%d", f.id)
}

// ResetFence implements taskgraph.Device.
func (d *Device) ResetFence(v taskgraph.Fence) error {
	f, err := d.fence(v)
	if err != nil {
		return err
	}
	defer d.mu.Unlock()
	if err := d.failLocked(OpResetFence); err != nil {
		return err
	}
	f.signaled = false
	d.logf("reset f%d", f.id)
	return nil
}

// FenceStatus implements taskgraph.Device.
func (d *Device) FenceStatus(v taskgraph.Fence) (taskgraph.FenceStatus, error) {
	f, err := d.fence(v)
	if err != nil {
		return taskgraph.FencePending, err
	}
	defer d.mu.Unlock()
	if err := d.failLocked(OpFenceStatus); err != nil {
		return taskgraph.FencePending, err
	}
	if f.signaled {
		return taskgraph.FenceSignaled, nil
	}
	return taskgraph.FencePending, nil
}

// WaitFence implements taskgraph.Device. With manual fences a pending
// fence never signals on its own, so the wait times out immediately.
func (d *Device) WaitFence(ctx context.Context, v taskgraph.Fence, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f, err := d.fence(v)
	if err != nil {
		return err
	}
	defer d.mu.Unlock()
	if err := d.failLocked(OpWaitFence); err != nil {
		return err
	}
	d.logf("wait f%d", f.id)
	if !f.signaled {
		return fmt.Errorf("f%d after %v: %w", f.id, timeout, taskgraph.ErrFenceTimeout)
	}
	return nil
}

// fence locks d.mu and returns the device's fence behind v. The caller
// unlocks on success.
func (d *Device) fence(v taskgraph.Fence) (*fence, error) {
	f, ok := v.(*fence)
	if !ok || f.dev != d {
		return nil, ErrForeignObject
	}
	d.mu.Lock()
	if f.destroyed {
		d.mu.Unlock()
		return nil, fmt.Errorf("f%d: %w", f.id, ErrDestroyed)
	}
	return f, nil
}

type semaphore struct {
	dev       *Device
	id        int
	signaled  bool
	destroyed bool
}

type fence struct {
	dev       *Device
	id        int
	signaled  bool
	destroyed bool
	commands  []*CommandBuffer
}

type queue struct {
	dev      *Device
	ref      taskgraph.QueueRef
	unfenced []*CommandBuffer
}

// Submit implements taskgraph.Queue. Waits consume their semaphore, so a
// semaphore must be signaled once per wait.
func (q *queue) Submit(ctx context.Context, s taskgraph.Submission) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d := q.dev
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.failLocked(OpSubmit); err != nil {
		return err
	}
	rec := SubmitRecord{Queue: q.ref, Label: s.Label}
	cbs := make([]*CommandBuffer, 0, len(s.CommandBuffers))
	for _, c := range s.CommandBuffers {
		cb, ok := c.(*CommandBuffer)
		if !ok || cb.dev != d {
			return ErrForeignObject
		}
		if cb.destroyed {
			return fmt.Errorf("cb%d: %w", cb.id, ErrDestroyed)
		}
		if cb.state != stateExecutable {
			return fmt.Errorf("cb%d: %w", cb.id, ErrNotExecutable)
		}
		if cb.queue.Family != q.ref.Family {
			return fmt.Errorf("cb%d recorded for %v, submitted to %v: %w", cb.id, cb.queue, q.ref, ErrUnknownQueue)
		}
		cbs = append(cbs, cb)
		rec.CommandBuffers = append(rec.CommandBuffers, cb.id)
	}
	waits := make([]*semaphore, 0, len(s.Waits))
	for _, w := range s.Waits {
		sem, ok := w.Semaphore.(*semaphore)
		if !ok || sem.dev != d {
			return ErrForeignObject
		}
		if !sem.signaled {
			return fmt.Errorf("s%d: %w", sem.id, ErrUnsignaledWait)
		}
		if !d.supportsLocked(q.ref.Family, w.Stage) {
			return fmt.Errorf("wait on s%d at %v on %v: %w", sem.id, w.Stage, q.ref, ErrStageNotSupported)
		}
		waits = append(waits, sem)
		rec.Waits = append(rec.Waits, sem.id)
	}
	signals := make([]*semaphore, 0, len(s.Signals))
	for _, v := range s.Signals {
		sem, ok := v.(*semaphore)
		if !ok || sem.dev != d {
			return ErrForeignObject
		}
		signals = append(signals, sem)
		rec.Signals = append(rec.Signals, sem.id)
	}
	var f *fence
	if s.Fence != nil {
		var ok bool
		f, ok = s.Fence.(*fence)
		if !ok || f.dev != d {
			return ErrForeignObject
		}
		rec.Fence = f.id
	}

	for _, sem := range waits {
		sem.signaled = false
	}
	for _, sem := range signals {
		sem.signaled = true
	}
	for _, cb := range cbs {
		cb.pending++
		cb.submitted++
	}
	d.submits = append(d.submits, rec)
	d.logf("submit %v %q cbs=%v wait=%v signal=%v fence=%d",
		q.ref, s.Label, rec.CommandBuffers, rec.Waits, rec.Signals, rec.Fence)

	switch {
	case !d.manual:
		for _, cb := range cbs {
			cb.pending--
		}
		if f != nil {
			f.signaled = true
		}
	case f == nil:
		// A fence signals after every earlier submission on its queue.
		q.unfenced = append(q.unfenced, cbs...)
	default:
		f.signaled = false
		f.commands = append(append(f.commands, q.unfenced...), cbs...)
		q.unfenced = nil
		d.pending = append(d.pending, f)
	}
	return nil
}

// WaitIdle implements taskgraph.Queue. It signals every pending fence.
func (q *queue) WaitIdle(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d := q.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	for len(d.pending) > 0 {
		d.signalLocked(d.pending[0])
	}
	d.logf("idle %v", q.ref)
	return nil
}

type cbState uint8

const (
	stateInitial cbState = iota
	stateRecording
	stateExecutable
)

// CommandBuffer is a trace command buffer. Task bodies reach it through
// RecordContext.Commands and may log commands with Record.
type CommandBuffer struct {
	dev       *Device
	id        int
	queue     taskgraph.QueueRef
	state     cbState
	label     string
	ops       []string
	pending   int
	submitted int
	destroyed bool
}

// ID returns the command buffer's device-unique number.
func (cb *CommandBuffer) ID() int { return cb.id }

// Queue returns the queue the buffer was created for.
func (cb *CommandBuffer) Queue() taskgraph.QueueRef { return cb.queue }

// Begin implements taskgraph.CommandBuffer.
func (cb *CommandBuffer) Begin(label string) error {
	d := cb.dev
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.failLocked(OpBegin); err != nil {
		return err
	}
	if cb.destroyed {
		return fmt.Errorf("cb%d: %w", cb.id, ErrDestroyed)
	}
	if cb.pending > 0 {
		return fmt.Errorf("cb%d: %w", cb.id, ErrCommandBufferInUse)
	}
	cb.state = stateRecording
	cb.label = label
	cb.ops = cb.ops[:0]
	d.logf("begin cb%d %q", cb.id, label)
	return nil
}

// InsertBarriers implements taskgraph.CommandBuffer.
func (cb *CommandBuffer) InsertBarriers(bs []taskgraph.Barrier) error {
	d := cb.dev
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.failLocked(OpBarriers); err != nil {
		return err
	}
	if cb.state != stateRecording {
		return fmt.Errorf("cb%d: %w", cb.id, ErrNotRecording)
	}
	for _, b := range bs {
		if stages := b.SrcStage | b.DstStage; !d.supportsLocked(cb.queue.Family, stages) {
			return fmt.Errorf("cb%d on %v: barrier %v: %w", cb.id, cb.queue, b, ErrStageNotSupported)
		}
	}
	for _, b := range bs {
		line := "barrier " + b.String()
		cb.ops = append(cb.ops, line)
		d.barriers = append(d.barriers, b)
		d.logf("cb%d %s", cb.id, line)
	}
	return nil
}

// Record logs a command. It fails if the buffer is not recording.
func (cb *CommandBuffer) Record(format string, args ...any) error {
	d := cb.dev
	d.mu.Lock()
	defer d.mu.Unlock()

	if cb.state != stateRecording {
		return fmt.Errorf("cb%d: %w", cb.id, ErrNotRecording)
	}
	op := fmt.Sprintf(format, args...)
	cb.ops = append(cb.ops, op)
	d.logf("cb%d %s", cb.id, op)
	return nil
}

// End implements taskgraph.CommandBuffer.
func (cb *CommandBuffer) End() error {
	d := cb.dev
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.failLocked(OpEnd); err != nil {
		return err
	}
	if cb.state != stateRecording {
		return fmt.Errorf("cb%d: %w", cb.id, ErrNotRecording)
	}
	cb.state = stateExecutable
	d.logf("end cb%d", cb.id)
	return nil
}

// Reset implements taskgraph.CommandBuffer.
func (cb *CommandBuffer) Reset() error {
	d := cb.dev
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.failLocked(OpReset); err != nil {
		return err
	}
	if cb.pending > 0 {
		return fmt.Errorf("cb%d: %w", cb.id, ErrCommandBufferInUse)
	}
	cb.state = stateInitial
	cb.ops = cb.ops[:0]
	d.logf("reset cb%d", cb.id)
	return nil
}

// Native implements taskgraph.CommandBuffer.
func (cb *CommandBuffer) Native() any { return cb }

// Ops returns the commands recorded since the last Begin.
func (cb *CommandBuffer) Ops() []string {
	d := cb.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), cb.ops...)
}

// Submitted returns how many times the buffer was submitted.
func (cb *CommandBuffer) Submitted() int {
	d := cb.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	return cb.submitted
}

// String returns the device log joined by newlines.
func (d *Device) String() string {
	return strings.Join(d.Log(), "\n")
}
