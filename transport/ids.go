package transport

import "sync/atomic"

// idAllocator hands out strictly increasing identifiers starting at 1. One
// allocator numbers correlation ids, a separate one numbers work request tags.
type idAllocator struct {
	last atomic.Uint64
}

func (a *idAllocator) next() uint64 {
	return a.last.Add(1)
}
