// Package arena provides a slot table that hands out stable, generation-tagged
// handles to long-lived elements.
package arena

import "iter"

// Index is a handle into an Arena. The zero Index is never assigned.
//
// A slot freed by Remove may be reused by a later Insert, but the reused slot
// carries a new generation, so handles to the removed element stay invalid.
type Index struct {
	slot uint32
	gen  uint32
}

// IsZero reports whether the handle was never assigned.
func (i Index) IsZero() bool {
	return i.gen == 0
}

// Slot returns the slot number of the handle. It is only meaningful for display.
func (i Index) Slot() uint32 {
	return i.slot
}

// Generation returns the generation of the handle.
func (i Index) Generation() uint32 {
	return i.gen
}

// Managed is implemented by elements that record their own arena handle.
type Managed interface {
	ManagedIndex() Index
	SetManagedIndex(Index)
}

type slot[T Managed] struct {
	gen   uint32
	live  bool
	value T
}

// Arena owns a growable collection of elements addressed by Index.
//
// Arena is not safe for concurrent use; callers guard it with their own lock.
type Arena[T Managed] struct {
	slots []slot[T]
	free  []uint32
	count int
}

// New creates an empty Arena.
func New[T Managed]() *Arena[T] {
	return &Arena[T]{}
}

// Insert stores v, assigns it a handle through SetManagedIndex and returns it.
func (a *Arena[T]) Insert(v T) Index {
	var s uint32
	if n := len(a.free); n > 0 {
		s = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		a.slots = append(a.slots, slot[T]{})
		s = uint32(len(a.slots) - 1)
	}

	sl := &a.slots[s]
	sl.gen++
	if sl.gen == 0 {
		// Never hand out the zero generation after wraparound.
		sl.gen = 1
	}
	sl.live = true
	sl.value = v
	a.count++

	idx := Index{slot: s, gen: sl.gen}
	v.SetManagedIndex(idx)
	return idx
}

// Get returns the element stored under idx.
// ok is false if idx was never assigned or its element was removed.
func (a *Arena[T]) Get(idx Index) (v T, ok bool) {
	if idx.IsZero() || int(idx.slot) >= len(a.slots) {
		return v, false
	}
	sl := &a.slots[idx.slot]
	if !sl.live || sl.gen != idx.gen {
		return v, false
	}
	return sl.value, true
}

// Remove deletes the element stored under idx and returns it.
// The element's managed index is reset to the zero Index.
func (a *Arena[T]) Remove(idx Index) (v T, ok bool) {
	v, ok = a.Get(idx)
	if !ok {
		return v, false
	}
	sl := &a.slots[idx.slot]
	var zero T
	sl.value = zero
	sl.live = false
	a.free = append(a.free, idx.slot)
	a.count--
	v.SetManagedIndex(Index{})
	return v, true
}

// Len returns the number of live elements.
func (a *Arena[T]) Len() int {
	return a.count
}

// All yields every live element with its handle in slot order.
// The order is stable as long as no Insert or Remove happens in between.
func (a *Arena[T]) All() iter.Seq2[Index, T] {
	return func(yield func(Index, T) bool) {
		for s := range a.slots {
			sl := &a.slots[s]
			if !sl.live {
				continue
			}
			if !yield(Index{slot: uint32(s), gen: sl.gen}, sl.value) {
				return
			}
		}
	}
}

// Indices returns the handles of all live elements in iteration order.
func (a *Arena[T]) Indices() []Index {
	out := make([]Index, 0, a.count)
	for idx := range a.All() {
		out = append(out, idx)
	}
	return out
}
