package taskgraph

import (
	"fmt"
	"math/bits"

	"github.com/gogpu/taskgraph/internal/flags"
)

// QueueCaps is the set of operations a queue family supports.
type QueueCaps uint8

// Queue capabilities.
const (
	CapGraphics QueueCaps = 1 << iota
	CapCompute
	CapTransfer
)

var capNames = []string{"graphics", "compute", "transfer"}

// String returns the capability names joined by "|", or "none".
func (c QueueCaps) String() string { return flags.Format(c, capNames, "none") }

// Has reports whether c contains every capability of mask.
func (c QueueCaps) Has(mask QueueCaps) bool { return flags.Has(c, mask) }

// effective adds the transfer capability that graphics and compute queues
// always have.
func (c QueueCaps) effective() QueueCaps {
	if flags.Any(c, CapGraphics|CapCompute) {
		c |= CapTransfer
	}
	return c
}

// Supports reports whether a queue with caps c can run work at stages s.
func (c QueueCaps) Supports(s Stage) bool { return c.effective().Has(s.RequiredCaps()) }

// QueueClass is the kind of queue a task asks for.
type QueueClass uint8

// Queue classes.
const (
	QueueGraphics QueueClass = iota
	QueueCompute
	QueueTransfer
)

var queueClasses = [...]QueueClass{QueueGraphics, QueueCompute, QueueTransfer}

// String returns "graphics", "compute" or "transfer".
func (c QueueClass) String() string {
	switch c {
	case QueueGraphics:
		return "graphics"
	case QueueCompute:
		return "compute"
	case QueueTransfer:
		return "transfer"
	default:
		return fmt.Sprintf("QueueClass(%d)", uint8(c))
	}
}

func (c QueueClass) valid() bool { return c <= QueueTransfer }

// caps returns the capability the class itself requires.
func (c QueueClass) caps() QueueCaps {
	switch c {
	case QueueGraphics:
		return CapGraphics
	case QueueCompute:
		return CapCompute
	default:
		return CapTransfer
	}
}

// nominalCaps returns what a task of class c may use. Graphics queues can
// also do compute and transfer work, and compute queues can do transfers.
func (c QueueClass) nominalCaps() QueueCaps {
	switch c {
	case QueueGraphics:
		return CapGraphics | CapCompute | CapTransfer
	case QueueCompute:
		return CapCompute | CapTransfer
	default:
		return CapTransfer
	}
}

// QueueFamily describes a group of device queues with identical
// capabilities.
type QueueFamily struct {
	// Index is the device's family index.
	Index int
	// Caps is what the family's queues support.
	Caps QueueCaps
	// Count is the number of queues in the family.
	Count int
}

// QueueRef names one device queue.
type QueueRef struct {
	Family int
	Index  int
}

// String returns the ref as "q<family>.<index>".
func (r QueueRef) String() string { return fmt.Sprintf("q%d.%d", r.Family, r.Index) }

// NoQueueFamily marks a resource not yet owned by any queue family.
const NoQueueFamily = -1

// Visibility is tracked per queue in a fixed table, which bounds the
// families and queues a graph may resolve to.
const (
	maxFamilies        = 8
	maxQueuesPerFamily = 4
	maxQueueSlots      = maxFamilies * maxQueuesPerFamily
)

func (r QueueRef) slot() int { return r.Family*maxQueuesPerFamily + r.Index }

func refFromSlot(s int) QueueRef {
	return QueueRef{Family: s / maxQueuesPerFamily, Index: s % maxQueuesPerFamily}
}

// queueSet is a set of queues addressed by slot.
type queueSet uint32

func (s queueSet) with(r QueueRef) queueSet { return s | 1<<r.slot() }

func (s queueSet) has(r QueueRef) bool { return s&(1<<r.slot()) != 0 }

func (s queueSet) each(fn func(QueueRef)) {
	for s != 0 {
		i := bits.TrailingZeros32(uint32(s))
		fn(refFromSlot(i))
		s &^= 1 << i
	}
}

// resolveQueue picks the queue for class c among families.
//
// Graphics resolves to the first family with graphics. Compute prefers a
// family with compute and no graphics. Transfer prefers a transfer-only
// family, then one without graphics, then any with transfer. Distinct
// classes that land on the same family use distinct queues of it when the
// family has enough.
func resolveQueue(families []QueueFamily, c QueueClass, need QueueCaps) (QueueRef, error) {
	need |= c.caps()

	eligible := func(f QueueFamily) bool {
		return f.Count > 0 && f.Index >= 0 && f.Index < maxFamilies && f.Caps.effective().Has(need)
	}
	pick := func(pref func(QueueFamily) bool) (QueueFamily, bool) {
		for _, f := range families {
			if eligible(f) && pref(f) {
				return f, true
			}
		}
		return QueueFamily{}, false
	}
	anyFamily := func(QueueFamily) bool { return true }
	noGraphics := func(f QueueFamily) bool { return !f.Caps.Has(CapGraphics) }

	var prefs []func(QueueFamily) bool
	switch c {
	case QueueGraphics:
		prefs = []func(QueueFamily) bool{anyFamily}
	case QueueCompute:
		prefs = []func(QueueFamily) bool{noGraphics, anyFamily}
	case QueueTransfer:
		transferOnly := func(f QueueFamily) bool { return !flags.Any(f.Caps, CapGraphics|CapCompute) }
		prefs = []func(QueueFamily) bool{transferOnly, noGraphics, anyFamily}
	}

	for _, pref := range prefs {
		if f, ok := pick(pref); ok {
			idx := int(c) % min(f.Count, maxQueuesPerFamily)
			return QueueRef{Family: f.Index, Index: idx}, nil
		}
	}
	return QueueRef{}, ErrNoEligibleQueue
}
