// Package arena provides a generational slot arena.
//
// Values live in a dense slice of slots. Removing a value bumps the slot's
// generation, so a Handle taken before the removal no longer resolves even
// after the slot is reused. The registry uses it for resource IDs and the
// executor's reuse tracker uses it for pooled GPU objects.
package arena

import "fmt"

// Handle identifies a value in an Arena.
// The zero Handle is never issued.
type Handle uint64

// Invalid is the zero Handle.
const Invalid Handle = 0

// MakeHandle builds a handle from a slot index and generation.
func MakeHandle(index, generation uint32) Handle {
	return Handle(uint64(generation)<<32 | uint64(index))
}

// Index returns the slot index.
func (h Handle) Index() uint32 { return uint32(h) }

// Generation returns the slot generation the handle was issued for.
func (h Handle) Generation() uint32 { return uint32(h >> 32) }

// IsValid reports whether h could have been issued by an arena.
func (h Handle) IsValid() bool { return h.Generation() != 0 }

// String implements fmt.Stringer.
func (h Handle) String() string {
	return fmt.Sprintf("%d.%d", h.Index(), h.Generation())
}

type slot[T any] struct {
	value      T
	generation uint32
	occupied   bool
}

// Arena stores values addressed by generational handles.
//
// Arena is not safe for concurrent use.
type Arena[T any] struct {
	slots []slot[T]
	free  []uint32
	live  int
}

// Insert stores v and returns its handle. Freed slots are reused in LIFO
// order.
func (a *Arena[T]) Insert(v T) Handle {
	var idx uint32
	if n := len(a.free); n > 0 {
		idx = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		// #nosec G115 -- arena size is bounded by available memory
		idx = uint32(len(a.slots))
		a.slots = append(a.slots, slot[T]{})
	}
	s := &a.slots[idx]
	if s.generation == 0 {
		s.generation = 1
	}
	s.value = v
	s.occupied = true
	a.live++
	return MakeHandle(idx, s.generation)
}

// Get returns a pointer to the value for h, or false if h is stale or was
// never issued. The pointer is valid until the next Insert.
func (a *Arena[T]) Get(h Handle) (*T, bool) {
	idx := h.Index()
	if !h.IsValid() || int(idx) >= len(a.slots) {
		return nil, false
	}
	s := &a.slots[idx]
	if !s.occupied || s.generation != h.Generation() {
		return nil, false
	}
	return &s.value, true
}

// Contains reports whether h resolves to a live value.
func (a *Arena[T]) Contains(h Handle) bool {
	_, ok := a.Get(h)
	return ok
}

// Remove deletes the value for h and returns it.
func (a *Arena[T]) Remove(h Handle) (T, bool) {
	var zero T
	if _, ok := a.Get(h); !ok {
		return zero, false
	}
	idx := h.Index()
	s := &a.slots[idx]
	v := s.value
	s.value = zero
	s.occupied = false
	s.generation++
	if s.generation == 0 {
		// Skip the reserved zero generation on wraparound.
		s.generation = 1
	}
	a.free = append(a.free, idx)
	a.live--
	return v, true
}

// Len returns the number of live values.
func (a *Arena[T]) Len() int { return a.live }

// Each calls fn for every live value in slot order.
func (a *Arena[T]) Each(fn func(Handle, *T)) {
	for i := range a.slots {
		s := &a.slots[i]
		if s.occupied {
			// #nosec G115 -- arena size is bounded by available memory
			fn(MakeHandle(uint32(i), s.generation), &s.value)
		}
	}
}

// Clear removes every value. Outstanding handles become stale.
func (a *Arena[T]) Clear() {
	a.Each(func(h Handle, _ *T) { a.Remove(h) })
}
