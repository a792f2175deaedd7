package taskgraph

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/gogpu/taskgraph/internal/cache"
)

// Executor defaults.
const (
	// DefaultMaxInFlight is the number of executions that may be pending on
	// the GPU before Execute waits for the oldest.
	DefaultMaxInFlight = 2

	// DefaultWaitTimeout bounds every fence wait.
	DefaultWaitTimeout = 5 * time.Second

	// DefaultScheduleCacheSize is the number of re-derived schedules kept
	// per executor.
	DefaultScheduleCacheSize = 32
)

// ExecutorOption configures an Executor.
type ExecutorOption func(*executorOptions)

type executorOptions struct {
	maxInFlight   int
	waitTimeout   time.Duration
	overAllocate  bool
	scheduleCache int
}

func defaultExecutorOptions() executorOptions {
	return executorOptions{
		maxInFlight:   DefaultMaxInFlight,
		waitTimeout:   DefaultWaitTimeout,
		scheduleCache: DefaultScheduleCacheSize,
	}
}

// WithMaxInFlight sets how many executions may be pending on the GPU.
// Values below 1 are treated as 1.
func WithMaxInFlight(n int) ExecutorOption {
	return func(o *executorOptions) {
		o.maxInFlight = max(n, 1)
	}
}

// WithWaitTimeout bounds each fence wait. Non-positive values keep the
// default.
func WithWaitTimeout(d time.Duration) ExecutorOption {
	return func(o *executorOptions) {
		if d > 0 {
			o.waitTimeout = d
		}
	}
}

// WithOverAllocate makes Execute allocate fresh pool entries instead of
// waiting when the in-flight bound is reached or a cached command buffer is
// still pending.
func WithOverAllocate(enabled bool) ExecutorOption {
	return func(o *executorOptions) {
		o.overAllocate = enabled
	}
}

// WithScheduleCache sets how many re-derived schedules are kept.
func WithScheduleCache(n int) ExecutorOption {
	return func(o *executorOptions) {
		o.scheduleCache = max(n, 1)
	}
}

// Stats reports executor activity.
type Stats struct {
	Executions      uint64
	Submissions     uint64
	RecordedBatches uint64
	ReusedBatches   uint64
	DerivedPlans    uint64
	OverAllocations uint64
	ReclaimedEpochs uint64

	// Current pool and cache sizes.
	CommandBuffers int
	CachedBuffers  int
	Semaphores     int
	Fences         int
	InFlight       int
}

type scheduleKey struct {
	graph       uint64
	fingerprint uint64
}

type recordKey struct {
	graph    uint64
	schedule uint64
	batch    int
}

// recordedBatch is a command buffer kept for replay.
type recordedBatch struct {
	cmd   CommandBuffer
	queue QueueRef
	epoch uint64
}

type queueSlot struct {
	queue Queue
	guard *semaphore.Weighted
}

// Executor records and submits compiled graphs on a Device.
//
// Executor is safe for concurrent use. Executions of different graphs may
// overlap; submissions to one queue are serialized.
type Executor struct {
	dev     Device
	opts    executorOptions
	tracker *tracker

	schedules *cache.LRU[scheduleKey, *schedule]

	mu       sync.Mutex
	queues   map[QueueRef]*queueSlot
	recorded map[recordKey]*recordedBatch
	retired  []*recordedBatch
	closed   bool

	executions      atomic.Uint64
	submissions     atomic.Uint64
	recordedBatches atomic.Uint64
	reusedBatches   atomic.Uint64
	derivedPlans    atomic.Uint64
	overAllocations atomic.Uint64
}

// scheduleSerials issues identities for schedules so recorded command
// buffers never outlive the schedule they were recorded for.
var scheduleSerials atomic.Uint64

// NewExecutor returns an executor for dev.
func NewExecutor(dev Device, opts ...ExecutorOption) *Executor {
	o := defaultExecutorOptions()
	for _, opt := range opts {
		opt(&o)
	}
	ex := &Executor{
		dev:       dev,
		opts:      o,
		tracker:   newTracker(dev),
		schedules: cache.New[scheduleKey, *schedule](o.scheduleCache),
		queues:    make(map[QueueRef]*queueSlot),
		recorded:  make(map[recordKey]*recordedBatch),
	}
	ex.schedules.OnEvict(func(k scheduleKey, s *schedule) {
		ex.retireSchedule(k.graph, s.serial)
	})
	Logger().Info("taskgraph: executor created",
		"maxInFlight", o.maxInFlight,
		"waitTimeout", o.waitTimeout,
		"overAllocate", o.overAllocate)
	return ex
}

// Device returns the executor's device.
func (ex *Executor) Device() Device { return ex.dev }

// QueueFamilies returns the device queue families, for NewBuilder.
func (ex *Executor) QueueFamilies() []QueueFamily { return ex.dev.QueueFamilies() }

// Execute records and submits one pass of g on ex.
//
// Execute returns once every batch is submitted; it does not wait for the
// GPU. Executions of one graph are serialized. After a fatal
// ExecutionError the graph returns that error from every call.
func (g *CompiledGraph) Execute(ctx context.Context, ex *Executor) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.fatal != nil {
		return g.fatal
	}
	err := ex.execute(ctx, g)
	var ee *ExecutionError
	if errors.As(err, &ee) && ee.Fatal() {
		g.fatal = err
		Logger().Error("taskgraph: graph stopped", "graph", g.label, "err", err)
	}
	return err
}

// bound is a batch prepared for submission.
type bound struct {
	batch  *Batch
	key    recordKey
	cmd    CommandBuffer
	fresh  *recordedBatch // newly recorded for replay
	reused *recordedBatch
	fence  Fence
}

func (ex *Executor) execute(ctx context.Context, g *CompiledGraph) error {
	if ex.isClosed() {
		return execErr(-1, QueueRef{}, ErrExecutorClosed, nil)
	}
	if err := ctx.Err(); err != nil {
		return execErr(-1, QueueRef{}, ErrSubmitFailed, err)
	}

	// 1. Every resource must still be registered.
	entry, err := g.reg.snapshot(g.resources)
	if err != nil {
		return execErr(-1, QueueRef{}, ErrResourceUnavailable, err)
	}

	// 2. Pick the schedule for the live state.
	sched, reusable := ex.scheduleFor(g, entry)
	handles := g.reg.handles(g.resources)
	batches := sched.all()

	slots := make(map[QueueRef]*queueSlot)
	for _, b := range batches {
		if _, ok := slots[b.Queue]; ok {
			continue
		}
		s, err := ex.queue(b.Queue)
		if err != nil {
			return execErr(b.Index, b.Queue, ErrSubmitFailed, err)
		}
		slots[b.Queue] = s
	}

	// 3. Reclaim finished work and respect the in-flight bound.
	ex.sweepRetired()
	if err := ex.tracker.reclaim(); err != nil {
		return fatalErr(-1, QueueRef{}, ErrDeviceLost, err)
	}
	if err := ex.throttle(ctx); err != nil {
		return err
	}

	ep := ex.tracker.begin()
	prepared := make([]*bound, len(batches))
	abort := func() {
		for _, p := range prepared {
			if p != nil && p.fresh != nil {
				ex.dev.DestroyCommandBuffer(p.fresh.cmd)
			}
		}
		ex.tracker.abandon(ep)
	}

	// 4. Record every batch before submitting any.
	for i, b := range batches {
		p, err := ex.prepare(ctx, g, sched, reusable, b, handles, ep)
		if err != nil {
			abort()
			var ee *ExecutionError
			if errors.As(err, &ee) {
				return ee
			}
			return execErr(b.Index, b.Queue, ErrRecordFailed, err)
		}
		prepared[i] = p
	}

	sems := make([]Semaphore, sched.semaphores)
	for i := range sems {
		s, err := ex.tracker.semaphore(ep)
		if err != nil {
			abort()
			return execErr(-1, QueueRef{}, ErrSubmitFailed, fmt.Errorf("create semaphore: %w", err))
		}
		sems[i] = s
	}
	last := make(map[QueueRef]int)
	for i, b := range batches {
		last[b.Queue] = i
	}
	for q, i := range last {
		f, err := ex.tracker.fence(ep)
		if err != nil {
			abort()
			return execErr(batches[i].Index, q, ErrSubmitFailed, fmt.Errorf("create fence: %w", err))
		}
		prepared[i].fence = f
	}

	// 5. Submit in order. Guards are taken up front, in a fixed order, so a
	// pass never stops half submitted waiting for another goroutine.
	refs := make([]QueueRef, 0, len(slots))
	for q := range slots {
		refs = append(refs, q)
	}
	slices.SortFunc(refs, func(a, b QueueRef) int { return a.slot() - b.slot() })
	for i, q := range refs {
		if err := slots[q].guard.Acquire(ctx, 1); err != nil {
			for _, held := range refs[:i] {
				slots[held].guard.Release(1)
			}
			abort()
			return execErr(-1, q, ErrSubmitFailed, err)
		}
	}
	defer func() {
		for _, q := range refs {
			slots[q].guard.Release(1)
		}
	}()
	// Once the first batch is submitted the rest must follow, so ctx is
	// consulted here and not by the submissions.
	if err := ctx.Err(); err != nil {
		abort()
		return execErr(-1, QueueRef{}, ErrSubmitFailed, err)
	}
	submitCtx := context.WithoutCancel(ctx)

	for i, p := range prepared {
		b := p.batch
		sub := Submission{Label: g.label, Fence: p.fence}
		if p.cmd != nil {
			sub.CommandBuffers = []CommandBuffer{p.cmd}
		}
		for _, w := range b.Waits {
			sub.Waits = append(sub.Waits, SubmitWait{Semaphore: sems[w.Semaphore], Stage: w.Stage})
		}
		for _, s := range b.Signals {
			sub.Signals = append(sub.Signals, sems[s])
		}
		if err := slots[b.Queue].queue.Submit(submitCtx, sub); err != nil {
			ex.salvage(g, ep, prepared, slots, i)
			return fatalErr(b.Index, b.Queue, ErrSubmitFailed, err)
		}
		ex.submissions.Add(1)

		// 6. The batch's resource records become the registry state.
		if !b.Prologue {
			g.reg.commit(sched.exits[b.Index])
		}
	}
	g.reg.commit(sched.final)
	ex.tracker.commit(ep)

	ex.mu.Lock()
	for _, p := range prepared {
		switch {
		case p.fresh != nil:
			p.fresh.epoch = ep.id
			if old, ok := ex.recorded[p.key]; ok {
				ex.retired = append(ex.retired, old)
			}
			ex.recorded[p.key] = p.fresh
		case p.reused != nil:
			p.reused.epoch = ep.id
		}
	}
	ex.mu.Unlock()

	ex.executions.Add(1)
	Logger().Debug("taskgraph: executed graph",
		"graph", g.label, "epoch", ep.id, "batches", len(batches), "semaphores", sched.semaphores)
	return nil
}

// salvage cleans up after the submission of prepared[k] failed. With
// nothing submitted every object is destroyed. Otherwise the submitted
// batches may still be running: each queue whose fence was not submitted
// gets a fence-only submission, and the epoch's objects are destroyed once
// its fences signal.
func (ex *Executor) salvage(g *CompiledGraph, ep *epoch, prepared []*bound, slots map[QueueRef]*queueSlot, k int) {
	if k == 0 {
		ex.tracker.poison(ep)
		for _, p := range prepared {
			if p.fresh != nil {
				ex.dev.DestroyCommandBuffer(p.fresh.cmd)
			}
		}
		return
	}

	for _, p := range prepared[k:] {
		if p.fence == nil {
			continue
		}
		sub := Submission{Label: g.label, Fence: p.fence}
		if err := slots[p.batch.Queue].queue.Submit(context.Background(), sub); err != nil {
			ex.tracker.leak(ep)
			ex.mu.Lock()
			for _, q := range prepared[:k] {
				if q.reused != nil {
					delete(ex.recorded, q.key)
				}
			}
			ex.mu.Unlock()
			Logger().Error("taskgraph: cannot fence a partial submission, leaking its objects",
				"graph", g.label, "epoch", ep.id, "queue", p.batch.Queue, "err", err)
			return
		}
	}
	ex.tracker.commitFailed(ep)

	ex.mu.Lock()
	for i, p := range prepared {
		switch {
		case p.fresh != nil:
			p.fresh.epoch = ep.id
			ex.retired = append(ex.retired, p.fresh)
		case p.reused != nil && i < k:
			p.reused.epoch = ep.id
		}
	}
	ex.mu.Unlock()
	Logger().Warn("taskgraph: submission failed part way",
		"graph", g.label, "epoch", ep.id, "submitted", k, "batches", len(prepared))
}

// scheduleFor returns the schedule for entry. reusable is false when the
// schedule is not cached and its command buffers must not be kept.
func (ex *Executor) scheduleFor(g *CompiledGraph, entry map[ResourceID]AccessRecord) (*schedule, bool) {
	if sameEntry(g.resources, g.plan.entry, entry) {
		return g.plan, true
	}
	key := scheduleKey{graph: g.id, fingerprint: fingerprint(g.resources, entry)}
	s, _ := ex.schedules.GetOrCreate(key, func() (*schedule, error) {
		ex.derivedPlans.Add(1)
		s := derive(g, entry)
		Logger().Debug("taskgraph: derived schedule for new entry state",
			"graph", g.label, "prologue", len(s.prologue), "semaphores", s.semaphores)
		return s, nil
	})
	if sameEntry(g.resources, s.entry, entry) {
		return s, true
	}
	ex.derivedPlans.Add(1)
	return derive(g, entry), false
}

// prepare records batch b, or picks up its cached recording.
func (ex *Executor) prepare(ctx context.Context, g *CompiledGraph, sched *schedule, reusable bool,
	b *Batch, handles map[ResourceID]any, ep *epoch) (*bound, error) {
	key := recordKey{graph: g.id, schedule: sched.serial, batch: b.Index}
	if b.Prologue {
		key.batch = -1 - b.Index
	}
	p := &bound{batch: b, key: key}
	if b.empty() {
		return p, nil
	}

	static := reusable
	for _, e := range b.Entries {
		if !g.tasks[e.Task].static {
			static = false
			break
		}
	}

	if static {
		ex.mu.Lock()
		rb, ok := ex.recorded[key]
		ex.mu.Unlock()
		if ok {
			if ex.tracker.done(rb.epoch) {
				ex.reusedBatches.Add(1)
				p.cmd, p.reused = rb.cmd, rb
				return p, nil
			}
			if !ex.opts.overAllocate {
				if err := ex.waitEpoch(ctx, rb.epoch); err != nil {
					return nil, err
				}
				ex.reusedBatches.Add(1)
				p.cmd, p.reused = rb.cmd, rb
				return p, nil
			}
			ex.overAllocations.Add(1)
			Logger().Warn("taskgraph: cached command buffer in flight, recording a copy",
				"graph", g.label, "batch", b.Index)
		}
	}

	var cb CommandBuffer
	var err error
	if static {
		cb, err = ex.dev.CreateCommandBuffer(b.Queue)
		if err == nil {
			p.fresh = &recordedBatch{cmd: cb, queue: b.Queue}
		}
	} else {
		cb, err = ex.tracker.commandBuffer(ep, b.Queue)
	}
	if err != nil {
		return nil, fmt.Errorf("create command buffer: %w", err)
	}
	p.cmd = cb

	if err := ex.record(ctx, g, b, cb, handles); err != nil {
		if p.fresh != nil {
			ex.dev.DestroyCommandBuffer(cb)
		}
		return nil, execErr(b.Index, b.Queue, ErrRecordFailed, err)
	}
	ex.recordedBatches.Add(1)
	return p, nil
}

func (ex *Executor) record(ctx context.Context, g *CompiledGraph, b *Batch, cb CommandBuffer, handles map[ResourceID]any) error {
	label := fmt.Sprintf("%s/batch%d", g.label, b.Index)
	if b.Prologue {
		label = fmt.Sprintf("%s/prologue%d", g.label, b.Index)
	}
	if err := cb.Begin(label); err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	for _, e := range b.Entries {
		if len(e.Barriers) > 0 {
			if err := cb.InsertBarriers(bind(e.Barriers, handles)); err != nil {
				return fmt.Errorf("barriers for %q: %w", e.Label, err)
			}
		}
		t := g.tasks[e.Task]
		rc := &RecordContext{ctx: ctx, task: t, queue: b.Queue, cmd: cb, handles: handles}
		if err := t.body(rc); err != nil {
			return fmt.Errorf("task %q: %w", t.label, err)
		}
	}
	if len(b.Release) > 0 {
		if err := cb.InsertBarriers(bind(b.Release, handles)); err != nil {
			return fmt.Errorf("release barriers: %w", err)
		}
	}
	if err := cb.End(); err != nil {
		return fmt.Errorf("end: %w", err)
	}
	return nil
}

// bind copies bs with their backend handles filled in.
func bind(bs []Barrier, handles map[ResourceID]any) []Barrier {
	out := make([]Barrier, len(bs))
	for i, b := range bs {
		b.Handle = handles[b.Resource]
		out[i] = b
	}
	return out
}

// throttle waits for the oldest epoch while the in-flight bound is reached.
func (ex *Executor) throttle(ctx context.Context) error {
	for ex.tracker.inFlightCount() >= ex.opts.maxInFlight {
		if ex.opts.overAllocate {
			ex.overAllocations.Add(1)
			Logger().Warn("taskgraph: in-flight bound exceeded",
				"inFlight", ex.tracker.inFlightCount(), "max", ex.opts.maxInFlight)
			return nil
		}
		e := ex.tracker.oldest()
		if e == nil {
			return nil
		}
		if err := ex.waitOn(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

// waitEpoch waits for the in-flight epoch id, if it is still in flight.
func (ex *Executor) waitEpoch(ctx context.Context, id uint64) error {
	if ex.tracker.done(id) {
		return nil
	}
	ex.tracker.mu.Lock()
	var target *epoch
	for _, e := range ex.tracker.inFlight {
		if e.id == id {
			target = e
			break
		}
	}
	ex.tracker.mu.Unlock()
	if target == nil {
		return nil
	}
	return ex.waitOn(ctx, target)
}

func (ex *Executor) waitOn(ctx context.Context, e *epoch) error {
	err := ex.tracker.wait(ctx, e, ex.opts.waitTimeout)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrFenceTimeout):
		Logger().Warn("taskgraph: fence wait timed out", "epoch", e.id, "timeout", ex.opts.waitTimeout)
		return execErr(-1, QueueRef{}, ErrFenceTimeout, err)
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return execErr(-1, QueueRef{}, ErrFenceTimeout, err)
	default:
		return fatalErr(-1, QueueRef{}, ErrDeviceLost, err)
	}
}

func (ex *Executor) queue(ref QueueRef) (*queueSlot, error) {
	ex.mu.Lock()
	defer ex.mu.Unlock()

	if s, ok := ex.queues[ref]; ok {
		return s, nil
	}
	q, err := ex.dev.Queue(ref)
	if err != nil {
		return nil, fmt.Errorf("queue %v: %w", ref, err)
	}
	s := &queueSlot{queue: q, guard: semaphore.NewWeighted(1)}
	ex.queues[ref] = s
	return s, nil
}

func (ex *Executor) isClosed() bool {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.closed
}

// retireSchedule moves the recordings of an evicted schedule to the
// retired list. Called with the schedule cache locked.
func (ex *Executor) retireSchedule(graph, serial uint64) {
	ex.mu.Lock()
	defer ex.mu.Unlock()

	for k, rb := range ex.recorded {
		if k.graph == graph && k.schedule == serial {
			ex.retired = append(ex.retired, rb)
			delete(ex.recorded, k)
		}
	}
}

// sweepRetired destroys retired recordings whose last use has completed.
func (ex *Executor) sweepRetired() {
	ex.mu.Lock()
	defer ex.mu.Unlock()

	kept := ex.retired[:0]
	for _, rb := range ex.retired {
		if ex.tracker.done(rb.epoch) {
			ex.dev.DestroyCommandBuffer(rb.cmd)
			continue
		}
		kept = append(kept, rb)
	}
	clear(ex.retired[len(kept):])
	ex.retired = kept
}

// Forget drops the cached schedules and recordings of g. Recordings still
// in flight are destroyed once their work completes.
func (ex *Executor) Forget(g *CompiledGraph) {
	ex.schedules.DeleteFunc(func(k scheduleKey) bool { return k.graph == g.id })
	ex.retireSchedule(g.id, g.plan.serial)
	ex.sweepRetired()
}

// WaitIdle blocks until every submitted execution has completed and
// recycles their pool entries.
func (ex *Executor) WaitIdle(ctx context.Context) error {
	if err := ex.tracker.waitAll(ctx, ex.opts.waitTimeout); err != nil {
		if errors.Is(err, ErrFenceTimeout) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return execErr(-1, QueueRef{}, ErrFenceTimeout, err)
		}
		return fatalErr(-1, QueueRef{}, ErrDeviceLost, err)
	}
	ex.sweepRetired()
	return nil
}

// Close waits for submitted work and destroys every pooled object. The
// executor rejects further executions.
func (ex *Executor) Close() error {
	ex.mu.Lock()
	if ex.closed {
		ex.mu.Unlock()
		return nil
	}
	ex.closed = true
	ex.mu.Unlock()

	err := ex.WaitIdle(context.Background())

	ex.schedules.Clear()
	ex.mu.Lock()
	for k, rb := range ex.recorded {
		ex.retired = append(ex.retired, rb)
		delete(ex.recorded, k)
	}
	for _, rb := range ex.retired {
		ex.dev.DestroyCommandBuffer(rb.cmd)
	}
	ex.retired = nil
	ex.mu.Unlock()
	ex.tracker.destroy()

	Logger().Info("taskgraph: executor closed", "executions", ex.executions.Load())
	return err
}

// Stats returns a snapshot of the executor counters.
func (ex *Executor) Stats() Stats {
	ps := ex.tracker.stats()
	ex.mu.Lock()
	cached := len(ex.recorded) + len(ex.retired)
	ex.mu.Unlock()

	return Stats{
		Executions:      ex.executions.Load(),
		Submissions:     ex.submissions.Load(),
		RecordedBatches: ex.recordedBatches.Load(),
		ReusedBatches:   ex.reusedBatches.Load(),
		DerivedPlans:    ex.derivedPlans.Load(),
		OverAllocations: ex.overAllocations.Load(),
		ReclaimedEpochs: ps.reclaimed,
		CommandBuffers:  ps.commandBuffers,
		CachedBuffers:   cached,
		Semaphores:      ps.semaphores,
		Fences:          ps.fences,
		InFlight:        ps.inFlight,
	}
}
