package engine

import "fmt"

// handle addresses an arena slot. Generations start at 1 so the zero handle
// is never valid.
type handle struct {
	index uint32
	gen   uint32
}

func (h handle) valid() bool { return h.gen != 0 }

func (h handle) String() string {
	if !h.valid() {
		return "none"
	}
	return fmt.Sprintf("%d.%d", h.index, h.gen)
}

type slot[T any] struct {
	gen uint32
	val *T
}

// arena stores values behind generation-checked handles. It is not
// synchronized: writers hold the matching guard, the process callback reads
// the slots directly.
type arena[T any] struct {
	slots []slot[T]
	free  []uint32
	count int
}

func (a *arena[T]) insert(v *T) handle {
	a.count++
	if n := len(a.free); n > 0 {
		idx := a.free[n-1]
		a.free = a.free[:n-1]
		a.slots[idx].val = v
		return handle{index: idx, gen: a.slots[idx].gen}
	}
	a.slots = append(a.slots, slot[T]{gen: 1, val: v})
	return handle{index: uint32(len(a.slots) - 1), gen: 1}
}

// get returns nil for stale or zero handles
func (a *arena[T]) get(h handle) *T {
	if !h.valid() || int(h.index) >= len(a.slots) {
		return nil
	}
	s := &a.slots[h.index]
	if s.gen != h.gen {
		return nil
	}
	return s.val
}

func (a *arena[T]) remove(h handle) bool {
	if a.get(h) == nil {
		return false
	}
	s := &a.slots[h.index]
	s.val = nil
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	a.free = append(a.free, h.index)
	a.count--
	return true
}

// handleAt returns the live handle of slot i, or the zero handle
func (a *arena[T]) handleAt(i int) handle {
	if a.slots[i].val == nil {
		return handle{}
	}
	return handle{index: uint32(i), gen: a.slots[i].gen}
}

func (a *arena[T]) len() int { return a.count }
