package taskgraph

import (
	"encoding/binary"
	"hash/fnv"
	"slices"
)

// resolveQueues maps every queue class the tasks use to a device queue.
// Each family must also support every stage its class's tasks use.
func resolveQueues(families []QueueFamily, tasks []*task) (map[QueueClass]QueueRef, error) {
	var need [len(queueClasses)]QueueCaps
	var used [len(queueClasses)]bool
	for _, t := range tasks {
		used[t.class] = true
		for _, a := range t.accesses {
			need[t.class] |= a.Stage.RequiredCaps()
		}
	}

	out := make(map[QueueClass]QueueRef, len(queueClasses))
	for _, c := range queueClasses {
		if !used[c] {
			continue
		}
		ref, err := resolveQueue(families, c, need[c])
		if err != nil {
			var labels []string
			for _, t := range tasks {
				if t.class == c {
					labels = append(labels, t.label)
				}
			}
			return nil, &CompileError{Tasks: labels, Class: c, Err: err}
		}
		out[c] = ref
	}
	return out, nil
}

// orderTasks sorts tasks topologically over the edges their accesses imply
// plus the explicit deps. Ties go to the task added first.
func orderTasks(tasks []*task, deps [][2]TaskID, queues map[QueueClass]QueueRef, descs map[ResourceID]ResourceDesc) ([]int, error) {
	n := len(tasks)
	succ := make([][]int, n)
	indeg := make([]int, n)
	seen := make(map[[2]int]bool)
	edge := func(from, to int) {
		if from == to || seen[[2]int{from, to}] {
			return
		}
		seen[[2]int{from, to}] = true
		succ[from] = append(succ[from], to)
		indeg[to]++
	}

	// Accesses conflict when either writes or when the second needs a
	// layout or owner the first did not leave.
	type history struct {
		writer  int
		readers []int
		layout  Layout
		family  int
	}
	hist := make(map[ResourceID]*history)
	for i, t := range tasks {
		family := queues[t.class].Family
		for _, a := range t.accesses {
			h := hist[a.Resource]
			if h == nil {
				h = &history{writer: -1, layout: a.Layout, family: family}
				hist[a.Resource] = h
			}
			desc := descs[a.Resource]
			exclusive := a.Mode.Writes() ||
				(desc.Kind == KindImage && a.Layout != h.layout) ||
				(!desc.Concurrent && family != h.family)

			if exclusive {
				if len(h.readers) == 0 && h.writer >= 0 {
					edge(h.writer, i)
				}
				for _, r := range h.readers {
					edge(r, i)
				}
				h.writer = i
				h.readers = h.readers[:0]
			} else {
				if h.writer >= 0 {
					edge(h.writer, i)
				}
				h.readers = append(h.readers, i)
			}
			h.layout = a.Layout
			h.family = family
		}
	}
	for _, d := range deps {
		edge(int(d[0]), int(d[1]))
	}

	// Kahn's algorithm; the ready set is kept sorted by insertion index.
	ready := make([]int, 0, n)
	for i := range n {
		if indeg[i] == 0 {
			ready = append(ready, i)
		}
	}
	order := make([]int, 0, n)
	for len(ready) > 0 {
		cur := ready[0]
		ready = ready[1:]
		order = append(order, cur)
		for _, s := range succ[cur] {
			indeg[s]--
			if indeg[s] == 0 {
				pos, _ := slices.BinarySearch(ready, s)
				ready = slices.Insert(ready, pos, s)
			}
		}
	}
	if len(order) < n {
		var labels []string
		for i, t := range tasks {
			if indeg[i] > 0 {
				labels = append(labels, t.label)
			}
		}
		return nil, &CompileError{Tasks: labels, Err: ErrCyclicDependency}
	}
	return order, nil
}

// track is the compile-time timeline of one resource.
type track struct {
	rec        AccessRecord
	writeBatch int
	readBatch  map[QueueRef]int
	lastBatch  int
}

// batchOf returns the batch of the latest read on q since the last write,
// or -1 if that read happened before the pass.
func (t *track) batchOf(q QueueRef) int {
	if b, ok := t.readBatch[q]; ok {
		return b
	}
	return -1
}

// depKey names the source of a semaphore: a regular batch index, or a
// prologue batch encoded as -1-index.
type depKey int

func prologueKey(i int) depKey { return depKey(-1 - i) }

type compiler struct {
	g       *CompiledGraph
	tracks  map[ResourceID]*track
	batches []*Batch
	open    map[QueueRef]int

	prologue   []*Batch
	prologueOf map[QueueRef]int

	// semaphores dedupes waits by (source, destination batch).
	semaphores map[[2]int]SemaphoreID
	nextSem    SemaphoreID

	exits map[int]map[ResourceID]AccessRecord
}

// derive computes the schedule for one entry state. Batch boundaries depend
// only on the graph; the entry state adds barriers and prologue batches.
func derive(g *CompiledGraph, entry map[ResourceID]AccessRecord) *schedule {
	c := &compiler{
		g:          g,
		tracks:     make(map[ResourceID]*track, len(g.resources)),
		open:       make(map[QueueRef]int),
		prologueOf: make(map[QueueRef]int),
		semaphores: make(map[[2]int]SemaphoreID),
		exits:      make(map[int]map[ResourceID]AccessRecord),
	}
	for _, id := range g.resources {
		rec, ok := entry[id]
		if !ok {
			rec = initialRecord()
		}
		c.tracks[id] = &track{rec: rec, writeBatch: -1, lastBatch: -1, readBatch: make(map[QueueRef]int)}
	}

	for _, idx := range g.order {
		c.place(g.tasks[idx])
	}
	return c.finish(entry)
}

// pending is what one access needs before it can run.
type pending struct {
	access       ResourceAccess
	track        *track
	image        bool
	layoutChange bool
	ownerChange  bool

	// src accumulates the same-queue side of the dependency.
	src       stageAccess
	sameQueue bool
	crossDeps []depSource
}

type depSource struct {
	queue QueueRef
	batch int // -1 when the access happened before the pass
}

func (c *compiler) place(t *task) {
	q := c.g.queues[t.class]

	acc := make([]pending, len(t.accesses))
	for i, a := range t.accesses {
		acc[i] = c.analyze(q, a)
	}

	// Cross-queue dependencies inside the pass split batches; dependencies
	// on the previous pass go through prologue batches and never do.
	split := false
	for _, p := range acc {
		for _, d := range p.crossDeps {
			if d.batch >= 0 {
				split = true
				src := c.batches[d.batch]
				if open, ok := c.open[src.Queue]; ok && open == d.batch {
					delete(c.open, src.Queue)
				}
			}
		}
	}
	bi, ok := c.open[q]
	if split || !ok {
		bi = c.newBatch(q)
	}
	b := c.batches[bi]

	entry := BatchEntry{Task: t.id, Label: t.label}
	for _, p := range acc {
		for _, d := range p.crossDeps {
			c.link(d, bi, p.access.Stage)
		}
		entry.Barriers = append(entry.Barriers, c.barriers(q, bi, p)...)
		transitioned := p.layoutChange || p.ownerChange
		p.track.rec.observe(q, p.access.Mode, p.access.stageAccess(), c.layoutFor(p), transitioned)
		c.advance(p, q, bi)
	}
	b.Entries = append(b.Entries, entry)
}

func (c *compiler) layoutFor(p pending) Layout {
	if p.image {
		return p.access.Layout
	}
	return LayoutUndefined
}

// analyze decides, for access a on queue q, which earlier accesses it must
// be ordered after and how.
func (c *compiler) analyze(q QueueRef, a ResourceAccess) pending {
	s := c.tracks[a.Resource]
	desc := c.g.descs[a.Resource]
	rec := s.rec

	p := pending{access: a, track: s, image: desc.Kind == KindImage}
	p.layoutChange = p.image && a.Layout != rec.Layout
	p.ownerChange = !desc.Concurrent && rec.QueueFamily != NoQueueFamily && rec.QueueFamily != q.Family

	sa := a.stageAccess()
	sync := func(src QueueRef, batch int, part stageAccess) {
		if src == q {
			p.sameQueue = true
			p.src = p.src.union(part)
			return
		}
		d := depSource{queue: src, batch: batch}
		if !slices.Contains(p.crossDeps, d) {
			p.crossDeps = append(p.crossDeps, d)
		}
	}

	if a.Mode.Writes() || p.layoutChange || p.ownerChange {
		rec.readQueues.each(func(rq QueueRef) {
			sync(rq, s.batchOf(rq), stageAccess{stage: rec.queueReads[rq.slot()]})
		})
		needWrite := rec.hasWrite && (rec.readQueues == 0 ||
			(a.Mode.Reads() && !rec.visible[q.slot()].covers(stageAccess{stage: sa.stage, access: sa.access.readsOnly()})))
		if needWrite {
			sync(rec.writeQueue, s.writeBatch, rec.write)
		}
		if p.ownerChange {
			sync(rec.lastQueue, s.lastBatch, stageAccess{})
		}
	} else if rec.hasWrite && !rec.visible[q.slot()].covers(sa) {
		sync(rec.writeQueue, s.writeBatch, rec.write)
	}
	return p
}

// barriers returns the barriers recorded before the access and files the
// release half of an ownership transfer with the batch that owns it.
func (c *compiler) barriers(q QueueRef, bi int, p pending) []Barrier {
	a := p.access
	rec := p.track.rec
	base := Barrier{
		Resource:  a.Resource,
		Image:     p.image,
		DstStage:  a.Stage,
		DstAccess: a.Access,
		SrcFamily: NoQueueFamily,
		DstFamily: NoQueueFamily,
		Range:     a.Range,
	}
	if p.image {
		base.OldLayout = rec.Layout
		base.NewLayout = a.Layout
	}

	if p.ownerChange {
		release := base
		release.Kind = BarrierRelease
		release.SrcStage, release.SrcAccess = c.releaseSource(rec)
		release.DstStage, release.DstAccess = StageNone, AccessNone
		release.SrcFamily, release.DstFamily = rec.QueueFamily, q.Family
		c.releaseBatch(p.track, rec.lastQueue).Release = append(c.releaseBatch(p.track, rec.lastQueue).Release, release)

		acquire := base
		acquire.Kind = BarrierAcquire
		acquire.SrcStage, acquire.SrcAccess = a.Stage, AccessNone
		acquire.SrcFamily, acquire.DstFamily = rec.QueueFamily, q.Family
		return []Barrier{acquire}
	}

	if !p.layoutChange && !p.sameQueue {
		return nil
	}
	b := base
	b.Kind = BarrierMemory
	if p.layoutChange {
		b.Kind = BarrierLayout
	}
	b.SrcStage = p.src.stage
	b.SrcAccess = p.src.access.writesOnly()
	if len(p.crossDeps) > 0 {
		// Chain with the semaphore wait at the destination stage.
		b.SrcStage |= a.Stage
	}
	return []Barrier{b}
}

// releaseSource is what the releasing queue must finish before giving up
// ownership.
func (c *compiler) releaseSource(rec AccessRecord) (Stage, Access) {
	var sa stageAccess
	if rec.hasWrite && rec.writeQueue == rec.lastQueue {
		sa = rec.write
	}
	sa.stage |= rec.queueReads[rec.lastQueue.slot()]
	return sa.stage, sa.access
}

// releaseBatch returns the batch the release barrier for t belongs to: the
// batch of its last access, or a prologue batch on the queue that touched
// it in the previous pass.
func (c *compiler) releaseBatch(t *track, q QueueRef) *Batch {
	if t.lastBatch >= 0 {
		return c.batches[t.lastBatch]
	}
	return c.prologue[c.prologueIndex(q)]
}

// link makes batch bi wait for d before stage.
func (c *compiler) link(d depSource, bi int, stage Stage) {
	var src *Batch
	var key depKey
	if d.batch >= 0 {
		src = c.batches[d.batch]
		key = depKey(d.batch)
	} else {
		pi := c.prologueIndex(d.queue)
		src = c.prologue[pi]
		key = prologueKey(pi)
	}
	dst := c.batches[bi]

	pair := [2]int{int(key), bi}
	if sem, ok := c.semaphores[pair]; ok {
		for i := range dst.Waits {
			if dst.Waits[i].Semaphore == sem {
				dst.Waits[i].Stage |= stage
			}
		}
		return
	}
	sem := c.nextSem
	c.nextSem++
	c.semaphores[pair] = sem
	src.Signals = append(src.Signals, sem)
	dst.Waits = append(dst.Waits, SemaphoreWait{Semaphore: sem, Stage: stage})
}

func (c *compiler) prologueIndex(q QueueRef) int {
	if i, ok := c.prologueOf[q]; ok {
		return i
	}
	i := len(c.prologue)
	c.prologue = append(c.prologue, &Batch{Index: i, Queue: q, Prologue: true})
	c.prologueOf[q] = i
	return i
}

func (c *compiler) newBatch(q QueueRef) int {
	i := len(c.batches)
	c.batches = append(c.batches, &Batch{Index: i, Queue: q})
	c.open[q] = i
	return i
}

// advance moves the resource timeline past an access in batch bi.
func (c *compiler) advance(p pending, q QueueRef, bi int) {
	s := p.track
	switch {
	case p.access.Mode.Writes():
		s.writeBatch = bi
		clear(s.readBatch)
	case p.layoutChange || p.ownerChange:
		clear(s.readBatch)
		s.readBatch[q] = bi
	default:
		s.readBatch[q] = bi
	}
	s.lastBatch = bi

	m := c.exits[bi]
	if m == nil {
		m = make(map[ResourceID]AccessRecord)
		c.exits[bi] = m
	}
	m[p.access.Resource] = s.rec
}

func (c *compiler) finish(entry map[ResourceID]AccessRecord) *schedule {
	s := &schedule{
		serial:     scheduleSerials.Add(1),
		entry:      entry,
		semaphores: int(c.nextSem),
		exits:      make([][]recordUpdate, len(c.batches)),
	}
	s.fingerprint = fingerprint(c.g.resources, entry)
	for _, b := range c.prologue {
		s.prologue = append(s.prologue, *b)
	}
	for i, b := range c.batches {
		s.batches = append(s.batches, *b)
		for _, id := range c.g.resources {
			if rec, ok := c.exits[i][id]; ok {
				s.exits[i] = append(s.exits[i], recordUpdate{id: id, record: rec})
			}
		}
	}
	for _, id := range c.g.resources {
		if t := c.tracks[id]; t.lastBatch >= 0 {
			s.final = append(s.final, recordUpdate{id: id, record: t.rec})
		}
	}
	return s
}

// fingerprint hashes the entry records of ids. Equal states hash equal;
// callers compare the states themselves on a hit.
func fingerprint(ids []ResourceID, entry map[ResourceID]AccessRecord) uint64 {
	h := fnv.New64a()
	var buf []byte
	put := func(v uint64) { buf = binary.LittleEndian.AppendUint64(buf, v) }
	putSA := func(sa stageAccess) { put(uint64(sa.stage)<<32 | uint64(sa.access)) }
	for _, id := range ids {
		rec, ok := entry[id]
		if !ok {
			rec = initialRecord()
		}
		buf = buf[:0]
		put(uint64(id))
		put(uint64(rec.Layout)<<32 | uint64(uint32(int32(rec.QueueFamily))))
		putSA(rec.write)
		putSA(rec.reads)
		put(uint64(rec.readQueues))
		put(uint64(rec.writeQueue.slot())<<32 | uint64(rec.lastQueue.slot()))
		flagsWord := uint64(0)
		if rec.hasWrite {
			flagsWord |= 1
		}
		if rec.touched {
			flagsWord |= 2
		}
		put(flagsWord)
		for _, v := range rec.visible {
			putSA(v)
		}
		for _, st := range rec.queueReads {
			put(uint64(st))
		}
		_, _ = h.Write(buf)
	}
	return h.Sum64()
}

// sameEntry reports whether two entry states agree on ids.
func sameEntry(ids []ResourceID, a, b map[ResourceID]AccessRecord) bool {
	for _, id := range ids {
		ra, ok := a[id]
		if !ok {
			ra = initialRecord()
		}
		rb, ok := b[id]
		if !ok {
			rb = initialRecord()
		}
		if ra != rb {
			return false
		}
	}
	return true
}
