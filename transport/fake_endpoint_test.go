package transport

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rocketbitz/fabrpc/fabric"
)

// fakeEndpoint records posted work requests and lets tests fire completions
// by hand, standing in for the fabric's completion callback.
type fakeEndpoint struct {
	mu        sync.Mutex
	handler   fabric.CompletionHandler
	sends     []*fabric.SendDescriptor
	recvs     []*fabric.RecvDescriptor
	closed    bool
	recvPosts int

	failRegister error
	failSend     error
	failRecv     func(post int) error

	live    atomic.Int64
	nextKey atomic.Uint64
	sendCh  chan *fabric.SendDescriptor
}

var _ fabric.Endpoint = (*fakeEndpoint)(nil)

func newFakeEndpoint() *fakeEndpoint {
	return &fakeEndpoint{sendCh: make(chan *fabric.SendDescriptor, 256)}
}

func (f *fakeEndpoint) RegisterMemory(buf []byte) (fabric.Region, error) {
	f.mu.Lock()
	err := f.failRegister
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	f.live.Add(1)
	return fabric.NewHostRegion(buf, f.nextKey.Add(1), f, func() { f.live.Add(-1) }), nil
}

func (f *fakeEndpoint) PostSend(desc *fabric.SendDescriptor) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return fabric.ErrClosed
	}
	if f.failSend != nil {
		err := f.failSend
		f.mu.Unlock()
		return err
	}
	if err := fabric.ValidateSend(desc); err != nil {
		f.mu.Unlock()
		return err
	}
	f.sends = append(f.sends, desc)
	f.mu.Unlock()
	select {
	case f.sendCh <- desc:
	default:
	}
	return nil
}

func (f *fakeEndpoint) PostRecv(desc *fabric.RecvDescriptor) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return fabric.ErrClosed
	}
	f.recvPosts++
	if f.failRecv != nil {
		if err := f.failRecv(f.recvPosts); err != nil {
			return err
		}
	}
	if err := fabric.ValidateRecv(desc); err != nil {
		return err
	}
	f.recvs = append(f.recvs, desc)
	return nil
}

func (f *fakeEndpoint) SetCompletionHandler(handler fabric.CompletionHandler) {
	f.mu.Lock()
	f.handler = handler
	f.mu.Unlock()
}

func (f *fakeEndpoint) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeEndpoint) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeEndpoint) postedReceives() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.recvs)
}

func (f *fakeEndpoint) complete(ev fabric.CompletionEvent) error {
	f.mu.Lock()
	handler := f.handler
	f.mu.Unlock()
	if handler == nil {
		return fabric.ErrClosed
	}
	return handler(ev)
}

func (f *fakeEndpoint) completeSend(t *testing.T, desc *fabric.SendDescriptor, status fabric.Status) {
	t.Helper()
	f.mu.Lock()
	for i, s := range f.sends {
		if s == desc {
			f.sends = append(f.sends[:i], f.sends[i+1:]...)
			break
		}
	}
	f.mu.Unlock()
	if err := f.complete(fabric.CompletionEvent{Kind: fabric.CompletionSend, Tag: desc.Tag, Status: status, Length: desc.Length()}); err != nil {
		t.Fatalf("send completion rejected: %v", err)
	}
}

// nextSend waits for the next posted send.
func (f *fakeEndpoint) nextSend(t *testing.T) *fabric.SendDescriptor {
	t.Helper()
	select {
	case desc := <-f.sendCh:
		return desc
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a posted send")
		return nil
	}
}

// deliver places data in the oldest posted receive and completes it.
func (f *fakeEndpoint) deliver(t *testing.T, data []byte) {
	t.Helper()
	recv := f.takeReceive(t)
	n := fabric.Scatter(recv.SGL, data)
	if err := f.complete(fabric.CompletionEvent{Kind: fabric.CompletionReceive, Tag: recv.Tag, Status: fabric.StatusSuccess, Length: n}); err != nil {
		t.Fatalf("receive completion rejected: %v", err)
	}
}

// deliverLength copies data into the oldest posted receive but reports length
// as the received byte count.
func (f *fakeEndpoint) deliverLength(t *testing.T, data []byte, length int) {
	t.Helper()
	recv := f.takeReceive(t)
	fabric.Scatter(recv.SGL, data)
	if err := f.complete(fabric.CompletionEvent{Kind: fabric.CompletionReceive, Tag: recv.Tag, Status: fabric.StatusSuccess, Length: length}); err != nil {
		t.Fatalf("receive completion rejected: %v", err)
	}
}

// failReceive completes the oldest posted receive with status.
func (f *fakeEndpoint) failReceive(t *testing.T, status fabric.Status) {
	t.Helper()
	recv := f.takeReceive(t)
	if err := f.complete(fabric.CompletionEvent{Kind: fabric.CompletionReceive, Tag: recv.Tag, Status: status}); err != nil {
		t.Fatalf("receive completion rejected: %v", err)
	}
}

func (f *fakeEndpoint) takeReceive(t *testing.T) *fabric.RecvDescriptor {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		f.mu.Lock()
		if len(f.recvs) > 0 {
			recv := f.recvs[0]
			f.recvs = f.recvs[1:]
			f.mu.Unlock()
			return recv
		}
		f.mu.Unlock()
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for a posted receive")
		}
		time.Sleep(time.Millisecond)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}
