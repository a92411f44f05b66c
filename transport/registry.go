package transport

import (
	"fmt"

	"github.com/puzpuzpuz/xsync/v3"
)

// registry maps correlation ids to the futures of requests still awaiting a
// response. Each entry is removed exactly once, by whichever of resolve, fail
// or failAll reaches it first.
type registry struct {
	pending *xsync.MapOf[uint64, *Future]
}

func newRegistry() *registry {
	return &registry{pending: xsync.NewMapOf[uint64, *Future]()}
}

// register creates the pending entry for id. Registering an id that is still
// pending means the id allocator is broken, which is not recoverable.
func (r *registry) register(id uint64) *Future {
	f := newFuture(id)
	if _, loaded := r.pending.LoadOrStore(id, f); loaded {
		panic(fmt.Sprintf("fabrpc: correlation id %d registered twice", id))
	}
	return f
}

func (r *registry) resolve(id uint64, msg []byte) bool {
	f, ok := r.pending.LoadAndDelete(id)
	if !ok {
		return false
	}
	return f.complete(msg, nil)
}

func (r *registry) fail(id uint64, err error) bool {
	f, ok := r.pending.LoadAndDelete(id)
	if !ok {
		return false
	}
	return f.complete(nil, err)
}

func (r *registry) failAll(err error) int {
	failed := 0
	r.pending.Range(func(id uint64, _ *Future) bool {
		if r.fail(id, err) {
			failed++
		}
		return true
	})
	return failed
}

func (r *registry) size() int {
	return r.pending.Size()
}
