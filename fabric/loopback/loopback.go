// Package loopback provides an in-process pair of connected fabric endpoints.
// A send posted on one side is matched against the receives posted on the
// other side in FIFO order; sends that arrive before a receive is available
// wait, as a reliable connection with infinite receiver-not-ready retry would.
package loopback

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rocketbitz/fabrpc/fabric"
	"github.com/rocketbitz/fabrpc/internal/cq"
)

// Option configures a loopback endpoint pair.
type Option func(*options)

type options struct {
	logger *zap.Logger
	limit  int
}

// WithLogger routes provider diagnostics to logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithRegistrationLimit caps the number of live memory registrations per
// endpoint. Zero means unlimited.
func WithRegistrationLimit(limit int) Option {
	return func(o *options) {
		o.limit = limit
	}
}

var _ fabric.Endpoint = (*Endpoint)(nil)

// Endpoint is one side of a loopback connection.
type Endpoint struct {
	name   string
	logger *zap.Logger
	limit  int
	peer   *Endpoint
	cq     *cq.Queue

	mu      sync.Mutex
	closed  bool
	orphan  bool
	recvs   []*fabric.RecvDescriptor
	inbound []*fabric.SendDescriptor

	closing atomic.Bool
	live    atomic.Int64
	nextKey atomic.Uint64
}

// NewPair returns two connected endpoints.
func NewPair(opts ...Option) (*Endpoint, *Endpoint) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	a := newEndpoint(o)
	b := newEndpoint(o)
	a.peer = b
	b.peer = a
	return a, b
}

func newEndpoint(o options) *Endpoint {
	ep := &Endpoint{
		name:  "loopback-" + uuid.NewString()[:8],
		limit: o.limit,
	}
	ep.logger = o.logger.With(zap.String("endpoint", ep.name))
	ep.cq = cq.New(func(ev fabric.CompletionEvent, err error) {
		ep.logger.Debug("completion dropped",
			zap.Stringer("kind", ev.Kind),
			zap.Uint64("tag", ev.Tag),
			zap.Stringer("status", ev.Status),
			zap.Error(err))
	})
	return ep
}

// Name returns a diagnostic name for the endpoint.
func (e *Endpoint) Name() string {
	return e.name
}

// Registered returns the number of live memory registrations.
func (e *Endpoint) Registered() int {
	return int(e.live.Load())
}

// SetCompletionHandler installs the consumer of completion events.
func (e *Endpoint) SetCompletionHandler(handler fabric.CompletionHandler) {
	e.cq.SetHandler(handler)
}

// RegisterMemory registers buf with the endpoint.
func (e *Endpoint) RegisterMemory(buf []byte) (fabric.Region, error) {
	if e.closing.Load() {
		return nil, fabric.ErrClosed
	}
	if len(buf) == 0 {
		return nil, fabric.ErrEmptyRegion
	}
	if e.limit > 0 {
		if n := e.live.Add(1); n > int64(e.limit) {
			e.live.Add(-1)
			return nil, fmt.Errorf("%w: limit %d reached", fabric.ErrRegistrationExhausted, e.limit)
		}
	} else {
		e.live.Add(1)
	}
	key := e.nextKey.Add(1)
	return fabric.NewHostRegion(buf, key, e, func() { e.live.Add(-1) }), nil
}

// PostSend posts a send towards the peer.
func (e *Endpoint) PostSend(desc *fabric.SendDescriptor) error {
	if err := e.checkPost(fabric.ValidateSend(desc), func() []fabric.SGE { return desc.SGL }); err != nil {
		return err
	}
	peer := e.peer
	peer.mu.Lock()
	if peer.closed {
		peer.mu.Unlock()
		e.completeSend(desc, fabric.StatusRemoteOp, 0)
		return nil
	}
	if len(peer.recvs) == 0 {
		peer.inbound = append(peer.inbound, desc)
		peer.mu.Unlock()
		return nil
	}
	recv := peer.recvs[0]
	peer.recvs[0] = nil
	peer.recvs = peer.recvs[1:]
	peer.mu.Unlock()

	transfer(e, desc, peer, recv)
	return nil
}

// PostRecv posts a receive buffer.
func (e *Endpoint) PostRecv(desc *fabric.RecvDescriptor) error {
	if err := e.checkPost(fabric.ValidateRecv(desc), func() []fabric.SGE { return desc.SGL }); err != nil {
		return err
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return fabric.ErrClosed
	}
	if e.orphan {
		e.mu.Unlock()
		e.cq.Push(fabric.CompletionEvent{Kind: fabric.CompletionReceive, Tag: desc.Tag, Status: fabric.StatusFlushed})
		return nil
	}
	if len(e.inbound) == 0 {
		e.recvs = append(e.recvs, desc)
		e.mu.Unlock()
		return nil
	}
	send := e.inbound[0]
	e.inbound[0] = nil
	e.inbound = e.inbound[1:]
	e.mu.Unlock()

	transfer(e.peer, send, e, desc)
	return nil
}

// Close flushes outstanding work requests and stops completion delivery.
func (e *Endpoint) Close() error {
	if !e.closing.CompareAndSwap(false, true) {
		return nil
	}
	e.mu.Lock()
	e.closed = true
	recvs := e.recvs
	inbound := e.inbound
	e.recvs = nil
	e.inbound = nil
	e.mu.Unlock()

	for _, recv := range recvs {
		e.cq.Push(fabric.CompletionEvent{Kind: fabric.CompletionReceive, Tag: recv.Tag, Status: fabric.StatusFlushed})
	}
	for _, send := range inbound {
		e.peer.completeSend(send, fabric.StatusRemoteOp, 0)
	}

	// Sends this side queued at the peer can no longer be delivered, and the
	// peer's receives can never be matched.
	peer := e.peer
	peer.mu.Lock()
	peer.orphan = true
	peerRecvs := peer.recvs
	peer.recvs = nil
	var mine []*fabric.SendDescriptor
	kept := peer.inbound[:0]
	for _, send := range peer.inbound {
		if ownedBy(send.SGL, e) {
			mine = append(mine, send)
			continue
		}
		kept = append(kept, send)
	}
	peer.inbound = kept
	peer.mu.Unlock()
	for _, send := range mine {
		e.completeSend(send, fabric.StatusFlushed, 0)
	}
	for _, recv := range peerRecvs {
		peer.cq.Push(fabric.CompletionEvent{Kind: fabric.CompletionReceive, Tag: recv.Tag, Status: fabric.StatusFlushed})
	}

	e.cq.Close()
	e.logger.Debug("endpoint closed", zap.Int("flushed_receives", len(recvs)), zap.Int("flushed_sends", len(mine)))
	return nil
}

func (e *Endpoint) checkPost(err error, sgl func() []fabric.SGE) error {
	if e.closing.Load() {
		return fabric.ErrClosed
	}
	if err != nil {
		return err
	}
	if !ownedBy(sgl(), e) {
		return fabric.ErrInvalidRegion
	}
	return nil
}

func (e *Endpoint) completeSend(desc *fabric.SendDescriptor, status fabric.Status, length int) {
	if !desc.Signaled() && status.OK() {
		return
	}
	e.cq.Push(fabric.CompletionEvent{Kind: fabric.CompletionSend, Tag: desc.Tag, Status: status, Length: length})
}

func transfer(from *Endpoint, send *fabric.SendDescriptor, to *Endpoint, recv *fabric.RecvDescriptor) {
	data := fabric.Gather(send.SGL)
	if len(data) > recv.Length() {
		to.cq.Push(fabric.CompletionEvent{Kind: fabric.CompletionReceive, Tag: recv.Tag, Status: fabric.StatusLocalLength})
		from.completeSend(send, fabric.StatusRemoteOp, 0)
		return
	}
	n := fabric.Scatter(recv.SGL, data)
	to.cq.Push(fabric.CompletionEvent{Kind: fabric.CompletionReceive, Tag: recv.Tag, Status: fabric.StatusSuccess, Length: n})
	from.completeSend(send, fabric.StatusSuccess, n)
}

func ownedBy(sgl []fabric.SGE, ep *Endpoint) bool {
	for _, sge := range sgl {
		hr, ok := sge.Region.(*fabric.HostRegion)
		if !ok || hr.Owner() != ep {
			return false
		}
	}
	return true
}
