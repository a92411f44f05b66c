package transport

import (
	"context"
	"errors"
	"sync"
)

// Future tracks the response to a request sent through a Transport. It is
// completed exactly once, either with the response message or with an error.
type Future struct {
	id   uint64
	done chan struct{}

	mu        sync.Mutex
	once      sync.Once
	completed bool
	msg       []byte
	err       error
	callbacks []func([]byte, error)
}

func newFuture(id uint64) *Future {
	return &Future{id: id, done: make(chan struct{})}
}

func failedFuture(id uint64, err error) *Future {
	f := newFuture(id)
	f.complete(nil, err)
	return f
}

// complete resolves the future. It reports whether this call won.
func (f *Future) complete(msg []byte, err error) bool {
	won := false
	f.once.Do(func() {
		won = true
		f.mu.Lock()
		f.msg = msg
		f.err = err
		f.completed = true
		callbacks := f.callbacks
		f.callbacks = nil
		f.mu.Unlock()

		close(f.done)

		for _, cb := range callbacks {
			go cb(msg, err)
		}
	})
	return won
}

// ID returns the correlation id assigned to the request. Requests that failed
// before an id was allocated report zero.
func (f *Future) ID() uint64 {
	if f == nil {
		return 0
	}
	return f.id
}

// Await blocks until the response arrives or ctx is cancelled. Cancelling ctx
// does not withdraw the request.
func (f *Future) Await(ctx context.Context) ([]byte, error) {
	if f == nil {
		return nil, errors.New("fabrpc: nil future")
	}
	ctx = ensureContext(ctx)
	select {
	case <-ctx.Done():
		select {
		case <-f.done:
			return f.result()
		default:
		}
		return nil, ctx.Err()
	case <-f.done:
		return f.result()
	}
}

// Done exposes a channel that closes when the future resolves.
func (f *Future) Done() <-chan struct{} {
	if f == nil {
		return nil
	}
	return f.done
}

// Err returns the failure without blocking. It is nil while the future is
// pending and after a successful response.
func (f *Future) Err() error {
	if f == nil {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// OnComplete registers a callback invoked asynchronously once the future resolves.
func (f *Future) OnComplete(fn func([]byte, error)) {
	if f == nil || fn == nil {
		return
	}
	f.mu.Lock()
	if f.completed {
		msg, err := f.msg, f.err
		f.mu.Unlock()
		go fn(msg, err)
		return
	}
	f.callbacks = append(f.callbacks, fn)
	f.mu.Unlock()
}

func (f *Future) result() ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.msg, f.err
}

func ensureContext(ctx context.Context) context.Context {
	if ctx != nil {
		return ctx
	}
	return context.Background()
}
