package fabric

import (
	"sync/atomic"
)

// HostRegion is a Region backed by ordinary process memory. Providers that
// emulate registration (loopback, sockets) hand these out; the buffer is
// pinned on platforms that support it.
type HostRegion struct {
	buf     []byte
	key     uint64
	owner   any
	pinned  bool
	closed  atomic.Bool
	onClose func()
}

// NewHostRegion registers buf under key on behalf of owner. onClose, when
// non-nil, runs once after the region has been deregistered.
func NewHostRegion(buf []byte, key uint64, owner any, onClose func()) *HostRegion {
	r := &HostRegion{buf: buf, key: key, owner: owner, onClose: onClose}
	r.pinned = pin(buf) == nil
	return r
}

// Bytes returns the registered buffer.
func (r *HostRegion) Bytes() []byte {
	if r == nil {
		return nil
	}
	return r.buf
}

// Key returns the registration key.
func (r *HostRegion) Key() uint64 {
	if r == nil {
		return 0
	}
	return r.key
}

// Size returns the registered length.
func (r *HostRegion) Size() int {
	if r == nil {
		return 0
	}
	return len(r.buf)
}

// Pinned reports whether the buffer could be locked into physical memory.
func (r *HostRegion) Pinned() bool {
	return r != nil && r.pinned
}

// Owner returns the provider object the region was registered with.
func (r *HostRegion) Owner() any {
	if r == nil {
		return nil
	}
	return r.owner
}

// Closed reports whether the region has been deregistered.
func (r *HostRegion) Closed() bool {
	return r == nil || r.closed.Load()
}

// Close deregisters the region. Subsequent calls are no-ops.
func (r *HostRegion) Close() error {
	if r == nil || !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	var err error
	if r.pinned {
		err = unpin(r.buf)
	}
	if r.onClose != nil {
		r.onClose()
	}
	return err
}
