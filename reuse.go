package taskgraph

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gogpu/taskgraph/internal/arena"
)

// pooled is a device object owned by a pool. generation counts how many
// times the object has been handed out, so a lease from an earlier use
// cannot return it twice.
type pooled[T any] struct {
	obj        T
	generation uint32
	leased     bool
}

// lease is a pool entry handed out for one epoch.
type lease struct {
	handle     arena.Handle
	generation uint32
}

// pool recycles device objects of one type. Not thread-safe; the tracker
// serializes access.
type pool[T any] struct {
	entries arena.Arena[pooled[T]]
	free    []arena.Handle
	created int
}

func (p *pool[T]) acquire(create func() (T, error)) (lease, T, error) {
	var zero T
	if n := len(p.free); n > 0 {
		h := p.free[n-1]
		p.free = p.free[:n-1]
		e, _ := p.entries.Get(h)
		e.generation++
		e.leased = true
		return lease{handle: h, generation: e.generation}, e.obj, nil
	}
	obj, err := create()
	if err != nil {
		return lease{}, zero, err
	}
	h := p.entries.Insert(pooled[T]{obj: obj, generation: 1, leased: true})
	p.created++
	return lease{handle: h, generation: 1}, obj, nil
}

// release returns a leased entry to the free list. Stale leases are ignored.
func (p *pool[T]) release(l lease) bool {
	e, ok := p.entries.Get(l.handle)
	if !ok || !e.leased || e.generation != l.generation {
		return false
	}
	e.leased = false
	p.free = append(p.free, l.handle)
	return true
}

// discard removes the entry and destroys its object.
func (p *pool[T]) discard(l lease, destroy func(T)) {
	if e, ok := p.entries.Remove(l.handle); ok {
		destroy(e.obj)
	}
}

func (p *pool[T]) get(l lease) (T, bool) {
	e, ok := p.entries.Get(l.handle)
	if !ok || e.generation != l.generation {
		var zero T
		return zero, false
	}
	return e.obj, true
}

func (p *pool[T]) destroyAll(destroy func(T)) {
	p.entries.Each(func(_ arena.Handle, e *pooled[T]) { destroy(e.obj) })
	p.entries.Clear()
	p.free = p.free[:0]
}

type queueLease struct {
	queue QueueRef
	lease lease
}

// epoch is the set of pool entries one execution uses. They return to the
// free lists once every fence of the epoch is signaled, or are destroyed
// then if the execution failed part way.
type epoch struct {
	id       uint64
	fences   []lease
	commands []queueLease
	sems     []lease
	failed   bool
}

// tracker owns the executor's pools and in-flight epochs.
type tracker struct {
	dev Device

	mu       sync.Mutex
	commands map[QueueRef]*pool[CommandBuffer]
	sems     pool[Semaphore]
	fences   pool[Fence]
	inFlight []*epoch
	next     uint64
	// Every epoch below completedBelow is done.
	completedBelow uint64
	reclaimed      uint64
}

func newTracker(dev Device) *tracker {
	return &tracker{
		dev:            dev,
		commands:       make(map[QueueRef]*pool[CommandBuffer]),
		next:           1,
		completedBelow: 1,
	}
}

func (t *tracker) begin() *epoch {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := &epoch{id: t.next}
	t.next++
	return e
}

func (t *tracker) commandBuffer(e *epoch, q QueueRef) (CommandBuffer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p := t.commands[q]
	if p == nil {
		p = &pool[CommandBuffer]{}
		t.commands[q] = p
	}
	before := p.created
	l, cb, err := p.acquire(func() (CommandBuffer, error) { return t.dev.CreateCommandBuffer(q) })
	if err != nil {
		return nil, err
	}
	if p.created != before {
		Logger().Debug("taskgraph: command buffer pool grew", "queue", q, "size", p.entries.Len())
	}
	e.commands = append(e.commands, queueLease{queue: q, lease: l})
	return cb, nil
}

func (t *tracker) semaphore(e *epoch) (Semaphore, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	l, s, err := t.sems.acquire(t.dev.CreateSemaphore)
	if err != nil {
		return nil, err
	}
	e.sems = append(e.sems, l)
	return s, nil
}

func (t *tracker) fence(e *epoch) (Fence, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	reused := len(t.fences.free) > 0
	l, f, err := t.fences.acquire(t.dev.CreateFence)
	if err != nil {
		return nil, err
	}
	if reused {
		if err := t.dev.ResetFence(f); err != nil {
			t.fences.discard(l, t.dev.DestroyFence)
			return nil, err
		}
	}
	e.fences = append(e.fences, l)
	return f, nil
}

// abandon returns the entries of an epoch that was never submitted.
func (t *tracker) abandon(e *epoch) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.releaseLocked(e)
}

// poison destroys the entries of an epoch whose submission failed part way;
// their state is unknown.
func (t *tracker) poison(e *epoch) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.poisonLocked(e)
}

// Caller must hold t.mu.
func (t *tracker) poisonLocked(e *epoch) {
	for _, l := range e.fences {
		t.fences.discard(l, t.dev.DestroyFence)
	}
	for _, l := range e.sems {
		t.sems.discard(l, t.dev.DestroySemaphore)
	}
	for _, ql := range e.commands {
		if p := t.commands[ql.queue]; p != nil {
			p.discard(ql.lease, t.dev.DestroyCommandBuffer)
		}
	}
}

// commit marks a submitted epoch in flight.
func (t *tracker) commit(e *epoch) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inFlight = append(t.inFlight, e)
}

// commitFailed marks a partly submitted epoch in flight. Its entries are
// destroyed instead of recycled once its fences signal.
func (t *tracker) commitFailed(e *epoch) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e.failed = true
	t.inFlight = append(t.inFlight, e)
}

// leak drops the entries of an epoch that may still be running but can no
// longer be waited on. The objects are not destroyed.
func (t *tracker) leak(e *epoch) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, l := range e.fences {
		t.fences.discard(l, func(Fence) {})
	}
	for _, l := range e.sems {
		t.sems.discard(l, func(Semaphore) {})
	}
	for _, ql := range e.commands {
		if p := t.commands[ql.queue]; p != nil {
			p.discard(ql.lease, func(CommandBuffer) {})
		}
	}
}

// Caller must hold t.mu.
func (t *tracker) releaseLocked(e *epoch) {
	if e.failed {
		t.poisonLocked(e)
		return
	}
	for _, l := range e.fences {
		t.fences.release(l)
	}
	for _, l := range e.sems {
		t.sems.release(l)
	}
	for _, ql := range e.commands {
		if p := t.commands[ql.queue]; p != nil {
			if cb, ok := p.get(ql.lease); ok {
				if err := cb.Reset(); err != nil {
					Logger().Warn("taskgraph: command buffer reset failed", "queue", ql.queue, "err", err)
					p.discard(ql.lease, t.dev.DestroyCommandBuffer)
					continue
				}
			}
			p.release(ql.lease)
		}
	}
}

// reclaim polls the fences of in-flight epochs and recycles every epoch
// that has completed. It never blocks on the GPU.
func (t *tracker) reclaim() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	kept := t.inFlight[:0]
	var lost error
	for _, e := range t.inFlight {
		done := true
		for _, l := range e.fences {
			f, ok := t.fences.get(l)
			if !ok {
				continue
			}
			st, err := t.dev.FenceStatus(f)
			if err != nil {
				lost = err
				done = false
				break
			}
			if st != FenceSignaled {
				done = false
				break
			}
		}
		if done {
			t.releaseLocked(e)
			t.reclaimed++
			continue
		}
		kept = append(kept, e)
	}
	clear(t.inFlight[len(kept):])
	t.inFlight = kept
	t.advanceCompletedLocked()
	if lost != nil {
		return fmt.Errorf("%w: %w", ErrDeviceLost, lost)
	}
	return nil
}

// Caller must hold t.mu.
func (t *tracker) advanceCompletedLocked() {
	low := t.next
	for _, e := range t.inFlight {
		low = min(low, e.id)
	}
	t.completedBelow = low
}

// done reports whether epoch id has completed.
func (t *tracker) done(id uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if id < t.completedBelow {
		return true
	}
	for _, e := range t.inFlight {
		if e.id == id {
			return false
		}
	}
	return id < t.next
}

func (t *tracker) inFlightCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inFlight)
}

// oldest returns the oldest in-flight epoch, or nil.
func (t *tracker) oldest() *epoch {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.inFlight) == 0 {
		return nil
	}
	return t.inFlight[0]
}

// wait blocks until epoch e completes, then reclaims.
func (t *tracker) wait(ctx context.Context, e *epoch, timeout time.Duration) error {
	t.mu.Lock()
	fences := make([]Fence, 0, len(e.fences))
	for _, l := range e.fences {
		if f, ok := t.fences.get(l); ok {
			fences = append(fences, f)
		}
	}
	t.mu.Unlock()

	for _, f := range fences {
		if err := t.dev.WaitFence(ctx, f, timeout); err != nil {
			// Another caller reclaimed the epoch and the fence was reused.
			if t.done(e.id) {
				return nil
			}
			if errors.Is(err, ErrFenceTimeout) || errors.Is(err, ErrDeviceLost) ||
				errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			return fmt.Errorf("%w: %w", ErrDeviceLost, err)
		}
	}
	return t.reclaim()
}

// waitAll waits for every in-flight epoch.
func (t *tracker) waitAll(ctx context.Context, timeout time.Duration) error {
	for {
		e := t.oldest()
		if e == nil {
			return nil
		}
		if err := t.wait(ctx, e, timeout); err != nil {
			return err
		}
		if t.oldest() == e {
			return fmt.Errorf("%w: epoch %d still pending after its fences signaled", ErrDeviceLost, e.id)
		}
	}
}

// destroy releases every pooled object. In-flight epochs must have
// completed.
func (t *tracker) destroy() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, p := range t.commands {
		p.destroyAll(t.dev.DestroyCommandBuffer)
	}
	t.sems.destroyAll(t.dev.DestroySemaphore)
	t.fences.destroyAll(t.dev.DestroyFence)
	t.inFlight = nil
}

type poolStats struct {
	commandBuffers int
	semaphores     int
	fences         int
	reclaimed      uint64
	inFlight       int
}

func (t *tracker) stats() poolStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := poolStats{
		semaphores: t.sems.entries.Len(),
		fences:     t.fences.entries.Len(),
		reclaimed:  t.reclaimed,
		inFlight:   len(t.inFlight),
	}
	for _, p := range t.commands {
		s.commandBuffers += p.entries.Len()
	}
	return s
}
