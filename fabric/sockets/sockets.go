// Package sockets emulates a reliable-connected fabric endpoint over TCP.
// Each posted send becomes one frame, each frame is placed into the oldest
// posted receive, and completions are reported asynchronously through the
// endpoint's completion handler.
package sockets

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rocketbitz/fabrpc/fabric"
	"github.com/rocketbitz/fabrpc/internal/cq"
)

const (
	headerSize      = 4
	defaultMaxFrame = 16 << 20
)

// ErrFrameTooLarge indicates a peer announced a frame above the configured limit.
var ErrFrameTooLarge = errors.New("sockets: frame exceeds limit")

// Option configures an endpoint.
type Option func(*options)

type options struct {
	logger   *zap.Logger
	limit    int
	maxFrame int
}

// WithLogger routes provider diagnostics to logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithRegistrationLimit caps the number of live memory registrations.
func WithRegistrationLimit(limit int) Option {
	return func(o *options) {
		o.limit = limit
	}
}

// WithMaxFrame bounds the size of inbound frames.
func WithMaxFrame(size int) Option {
	return func(o *options) {
		o.maxFrame = size
	}
}

func buildOptions(opts []Option) options {
	o := options{maxFrame: defaultMaxFrame}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.maxFrame <= 0 {
		o.maxFrame = defaultMaxFrame
	}
	return o
}

var _ fabric.Endpoint = (*Endpoint)(nil)

// Endpoint is a connected TCP-backed fabric endpoint.
type Endpoint struct {
	name   string
	conn   net.Conn
	logger *zap.Logger
	opts   options
	cq     *cq.Queue

	mu     sync.Mutex
	cond   *sync.Cond
	closed bool
	broken error
	// readDown is set once the inbound stream failed; receives are flushed.
	readDown bool
	recvs  []*fabric.RecvDescriptor
	sends  []*fabric.SendDescriptor

	closing atomic.Bool
	live    atomic.Int64
	nextKey atomic.Uint64
	wg      sync.WaitGroup
}

// Dial connects to a listening endpoint.
func Dial(ctx context.Context, address string, opts ...Option) (*Endpoint, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("sockets dial %s: %w", address, err)
	}
	return newEndpoint(conn, buildOptions(opts)), nil
}

func newEndpoint(conn net.Conn, o options) *Endpoint {
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}
	ep := &Endpoint{
		name: "sockets-" + uuid.NewString()[:8],
		conn: conn,
		opts: o,
	}
	ep.cond = sync.NewCond(&ep.mu)
	ep.logger = o.logger.With(
		zap.String("endpoint", ep.name),
		zap.String("local", conn.LocalAddr().String()),
		zap.String("remote", conn.RemoteAddr().String()),
	)
	ep.cq = cq.New(func(ev fabric.CompletionEvent, err error) {
		ep.logger.Debug("completion dropped",
			zap.Stringer("kind", ev.Kind),
			zap.Uint64("tag", ev.Tag),
			zap.Stringer("status", ev.Status),
			zap.Error(err))
	})
	ep.wg.Add(2)
	go ep.writeLoop()
	go ep.readLoop()
	return ep
}

// Name returns a diagnostic name for the endpoint.
func (e *Endpoint) Name() string {
	return e.name
}

// LocalAddr returns the local network address.
func (e *Endpoint) LocalAddr() net.Addr {
	return e.conn.LocalAddr()
}

// RemoteAddr returns the peer network address.
func (e *Endpoint) RemoteAddr() net.Addr {
	return e.conn.RemoteAddr()
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
	if n := e.live.Add(1); e.opts.limit > 0 && n > int64(e.opts.limit) {
		e.live.Add(-1)
		return nil, fmt.Errorf("%w: limit %d reached", fabric.ErrRegistrationExhausted, e.opts.limit)
	}
	key := e.nextKey.Add(1)
	return fabric.NewHostRegion(buf, key, e, func() { e.live.Add(-1) }), nil
}

// PostSend queues a send. The frame is written asynchronously.
func (e *Endpoint) PostSend(desc *fabric.SendDescriptor) error {
	if err := e.checkPost(fabric.ValidateSend(desc)); err != nil {
		return err
	}
	if !e.owns(desc.SGL) {
		return fabric.ErrInvalidRegion
	}
	if desc.Length() > e.opts.maxFrame {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, desc.Length())
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return fabric.ErrClosed
	}
	e.sends = append(e.sends, desc)
	e.mu.Unlock()
	e.cond.Broadcast()
	return nil
}

// PostRecv posts a receive buffer.
func (e *Endpoint) PostRecv(desc *fabric.RecvDescriptor) error {
	if err := e.checkPost(fabric.ValidateRecv(desc)); err != nil {
		return err
	}
	if !e.owns(desc.SGL) {
		return fabric.ErrInvalidRegion
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return fabric.ErrClosed
	}
	if e.readDown {
		e.mu.Unlock()
		e.cq.Push(fabric.CompletionEvent{Kind: fabric.CompletionReceive, Tag: desc.Tag, Status: fabric.StatusFlushed})
		return nil
	}
	e.recvs = append(e.recvs, desc)
	e.mu.Unlock()
	e.cond.Broadcast()
	return nil
}

// Close tears down the connection, flushes outstanding work requests and
// stops completion delivery.
func (e *Endpoint) Close() error {
	if !e.closing.CompareAndSwap(false, true) {
		return nil
	}
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.cond.Broadcast()

	err := e.conn.Close()
	e.wg.Wait()

	e.mu.Lock()
	recvs := e.recvs
	sends := e.sends
	e.recvs = nil
	e.sends = nil
	e.mu.Unlock()

	for _, send := range sends {
		e.completeSend(send, fabric.StatusFlushed, 0)
	}
	for _, recv := range recvs {
		e.cq.Push(fabric.CompletionEvent{Kind: fabric.CompletionReceive, Tag: recv.Tag, Status: fabric.StatusFlushed})
	}
	e.cq.Close()
	e.logger.Debug("endpoint closed", zap.Int("flushed_receives", len(recvs)), zap.Int("flushed_sends", len(sends)))
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (e *Endpoint) checkPost(err error) error {
	if e.closing.Load() {
		return fabric.ErrClosed
	}
	return err
}

func (e *Endpoint) owns(sgl []fabric.SGE) bool {
	for _, sge := range sgl {
		hr, ok := sge.Region.(*fabric.HostRegion)
		if !ok || hr.Owner() != e {
			return false
		}
	}
	return true
}

func (e *Endpoint) completeSend(desc *fabric.SendDescriptor, status fabric.Status, length int) {
	if !desc.Signaled() && status.OK() {
		return
	}
	e.cq.Push(fabric.CompletionEvent{Kind: fabric.CompletionSend, Tag: desc.Tag, Status: status, Length: length})
}

func (e *Endpoint) markBroken(err error) {
	e.mu.Lock()
	if e.broken == nil {
		e.broken = err
	}
	e.mu.Unlock()
	e.cond.Broadcast()
}

func (e *Endpoint) nextSend() (*fabric.SendDescriptor, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for !e.closed && len(e.sends) == 0 {
		e.cond.Wait()
	}
	if e.closed {
		return nil, fabric.ErrClosed
	}
	send := e.sends[0]
	e.sends[0] = nil
	e.sends = e.sends[1:]
	return send, e.broken
}

func (e *Endpoint) writeLoop() {
	defer e.wg.Done()
	var header [headerSize]byte
	for {
		send, err := e.nextSend()
		if send == nil {
			return
		}
		if err != nil {
			e.completeSend(send, fabric.StatusRemoteOp, 0)
			continue
		}
		data := fabric.Gather(send.SGL)
		binary.BigEndian.PutUint32(header[:], uint32(len(data)))
		bufs := net.Buffers{header[:], data}
		if _, err := bufs.WriteTo(e.conn); err != nil {
			status := fabric.StatusRemoteOp
			if e.closing.Load() {
				status = fabric.StatusFlushed
			} else {
				e.logger.Warn("frame write failed", zap.Error(err))
			}
			e.markBroken(err)
			e.completeSend(send, status, 0)
			continue
		}
		e.completeSend(send, fabric.StatusSuccess, len(data))
	}
}

func (e *Endpoint) nextRecv() *fabric.RecvDescriptor {
	e.mu.Lock()
	defer e.mu.Unlock()
	for !e.closed && len(e.recvs) == 0 {
		e.cond.Wait()
	}
	if e.closed {
		return nil
	}
	recv := e.recvs[0]
	e.recvs[0] = nil
	e.recvs = e.recvs[1:]
	return recv
}

func (e *Endpoint) requeueRecv(recv *fabric.RecvDescriptor) {
	e.mu.Lock()
	e.recvs = append([]*fabric.RecvDescriptor{recv}, e.recvs...)
	e.mu.Unlock()
}

func (e *Endpoint) readLoop() {
	defer e.wg.Done()
	var header [headerSize]byte
	for {
		if _, err := io.ReadFull(e.conn, header[:]); err != nil {
			e.readFailed(err)
			return
		}
		size := int(binary.BigEndian.Uint32(header[:]))
		if size > e.opts.maxFrame {
			e.logger.Warn("inbound frame too large", zap.Int("size", size), zap.Int("limit", e.opts.maxFrame))
			e.readFailed(fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size))
			_ = e.conn.Close()
			return
		}

		// Hold the frame until a receive is posted.
		recv := e.nextRecv()
		if recv == nil {
			return
		}
		if size > recv.Length() {
			if _, err := io.CopyN(io.Discard, e.conn, int64(size)); err != nil {
				e.requeueRecv(recv)
				e.readFailed(err)
				return
			}
			e.cq.Push(fabric.CompletionEvent{Kind: fabric.CompletionReceive, Tag: recv.Tag, Status: fabric.StatusLocalLength})
			continue
		}
		if err := e.readInto(recv, size); err != nil {
			e.requeueRecv(recv)
			e.readFailed(err)
			return
		}
		e.cq.Push(fabric.CompletionEvent{Kind: fabric.CompletionReceive, Tag: recv.Tag, Status: fabric.StatusSuccess, Length: size})
	}
}

func (e *Endpoint) readInto(recv *fabric.RecvDescriptor, size int) error {
	if len(recv.SGL) == 1 {
		_, err := io.ReadFull(e.conn, recv.SGL[0].Bytes()[:size])
		return err
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(e.conn, data); err != nil {
		return err
	}
	fabric.Scatter(recv.SGL, data)
	return nil
}

func (e *Endpoint) readFailed(err error) {
	if e.closing.Load() || errors.Is(err, net.ErrClosed) {
		return
	}
	if errors.Is(err, io.EOF) {
		e.logger.Debug("peer closed connection")
	} else {
		e.logger.Warn("frame read failed", zap.Error(err))
	}
	e.markBroken(err)

	// A broken connection flushes every posted receive.
	e.mu.Lock()
	e.readDown = true
	recvs := e.recvs
	e.recvs = nil
	e.mu.Unlock()
	for _, recv := range recvs {
		e.cq.Push(fabric.CompletionEvent{Kind: fabric.CompletionReceive, Tag: recv.Tag, Status: fabric.StatusFlushed})
	}
}

// Listener accepts inbound sockets endpoints.
type Listener struct {
	ln   net.Listener
	opts []Option
}

// Listen binds address and returns a listener.
func Listen(address string, opts ...Option) (*Listener, error) {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("sockets listen %s: %w", address, err)
	}
	return &Listener{ln: ln, opts: opts}, nil
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Accept waits for the next connection or until ctx is done.
func (l *Listener) Accept(ctx context.Context) (*Endpoint, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	type result struct {
		conn net.Conn
		err  error
	}
	tl, _ := l.ln.(*net.TCPListener)
	if tl != nil {
		defer func() { _ = tl.SetDeadline(time.Time{}) }()
		if deadline, ok := ctx.Deadline(); ok {
			_ = tl.SetDeadline(deadline)
		}
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := l.ln.Accept()
		ch <- result{conn: conn, err: err}
	}()
	select {
	case <-ctx.Done():
		if tl != nil {
			_ = tl.SetDeadline(time.Now())
		}
		res := <-ch
		if res.conn != nil {
			_ = res.conn.Close()
		}
		return nil, ctx.Err()
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("sockets accept: %w", res.err)
		}
		return newEndpoint(res.conn, buildOptions(l.opts)), nil
	}
}

// Close stops accepting connections.
func (l *Listener) Close() error {
	return l.ln.Close()
}
