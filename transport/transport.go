// Package transport implements asynchronous request/response messaging over a
// fabric endpoint. Requests are tagged with a correlation id, posted as
// signaled sends from registered memory, and matched with their responses by a
// single completion dispatcher goroutine per transport.
package transport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rocketbitz/fabrpc/codec"
	"github.com/rocketbitz/fabrpc/fabric"
)

const (
	DefaultMaxMessageSize          = 1000
	DefaultCompletionQueueCapacity = 100
	DefaultReceiveCredits          = 1
	DefaultRegionPoolCapacity      = 32
	DefaultCallTimeout             = 5 * time.Second
)

// Config controls a Transport or Server.
type Config struct {
	// MaxMessageSize bounds an encoded message, id prefix included. Every
	// receive buffer is this large.
	MaxMessageSize int
	// CompletionQueueCapacity bounds each of the send and receive completion
	// queues. A full queue blocks the fabric's completion callback.
	CompletionQueueCapacity int
	// ReceiveCredits is the number of receives kept posted at all times.
	ReceiveCredits int
	// RegionPoolCapacity is the number of idle registered regions retained for
	// reuse. Negative disables pooling of send buffers.
	RegionPoolCapacity int
	// Compression selects payload compression for outgoing messages.
	Compression codec.Compression
	// CompressionMinSize is the smallest payload that is compressed.
	CompressionMinSize int
	// CallTimeout bounds Call when its context carries no deadline.
	CallTimeout time.Duration
	// Name identifies the transport in logs and metrics.
	Name string

	Logger           Logger
	StructuredLogger StructuredLogger
	Tracer           Tracer
	Metrics          MetricHook
}

func (c Config) withDefaults() Config {
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = DefaultMaxMessageSize
	}
	if c.CompletionQueueCapacity <= 0 {
		c.CompletionQueueCapacity = DefaultCompletionQueueCapacity
	}
	if c.ReceiveCredits <= 0 {
		c.ReceiveCredits = DefaultReceiveCredits
	}
	if c.RegionPoolCapacity == 0 {
		c.RegionPoolCapacity = DefaultRegionPoolCapacity
	}
	if c.CompressionMinSize <= 0 {
		c.CompressionMinSize = codec.DefaultMinCompressSize
	}
	if c.CallTimeout == 0 {
		c.CallTimeout = DefaultCallTimeout
	}
	if c.Name == "" {
		c.Name = "fabrpc-" + uuid.NewString()[:8]
	}
	return c
}

// Transport is the requesting side of a connection: it sends messages and
// resolves each one with the response carrying the same correlation id.
type Transport struct {
	*engine
	ids      idAllocator
	registry *registry

	// sendMu orders Send against Close: sends hold it shared while posting.
	sendMu sync.RWMutex
	closed atomic.Bool
}

// New wraps ep. The transport takes ownership of ep and closes it on Close,
// or immediately when construction fails.
func New(ep fabric.Endpoint, cfg Config) (*Transport, error) {
	cfg = cfg.withDefaults()
	e, err := newEngine(ep, cfg, roleClient)
	if err != nil {
		if ep != nil {
			_ = ep.Close()
		}
		return nil, err
	}
	t := &Transport{engine: e, registry: newRegistry()}
	e.onMessage = t.resolve
	e.onSendFailed = func(id uint64, err error) {
		t.registry.fail(id, err)
	}
	e.onFault = func(err error) {
		n := t.registry.failAll(err)
		e.log.warn("pending_failed", logKV("count", n), logKV("error", err))
	}
	if err := e.start(); err != nil {
		_ = e.shutdown()
		return nil, err
	}
	return t, nil
}

// Name returns the configured transport name.
func (t *Transport) Name() string {
	return t.cfg.Name
}

// OnCompletionEvent feeds a completion event to the dispatcher. It is
// installed as the endpoint's completion handler by New and is exported for
// endpoints wired by hand. It blocks while the dispatcher is saturated and
// returns ErrTransportClosed once the transport is closed.
func (t *Transport) OnCompletionEvent(ev fabric.CompletionEvent) error {
	if t.closed.Load() {
		return ErrTransportClosed
	}
	return t.engine.onCompletionEvent(ev)
}

// Send posts msg as a request and returns the future of its response. Failures
// are reported through an already-failed future; a failed send leaves no
// pending entry and no registered memory behind.
func (t *Transport) Send(msg []byte) *Future {
	t.sendMu.RLock()
	defer t.sendMu.RUnlock()

	if t.closed.Load() {
		return t.sendFailed(0, "closed", ErrTransportClosed)
	}
	if err := t.faultErr(); err != nil {
		return t.sendFailed(0, "fault", err)
	}

	id := t.ids.next()
	data, err := t.codec.Encode(msg, id)
	if err != nil {
		return t.sendFailed(id, "encode", err)
	}
	future := t.registry.register(id)
	// A fault recorded after the check above may have missed this entry.
	if err := t.faultErr(); err != nil {
		t.registry.fail(id, err)
		t.noteSendFailure(id, "fault", err)
		return future
	}
	if err := t.post(id, data); err != nil {
		t.registry.fail(id, err)
		t.noteSendFailure(id, "post", err)
		return future
	}
	return future
}

// Call sends msg and waits for the response. When ctx carries no deadline the
// configured CallTimeout applies. Giving up does not withdraw the request.
func (t *Transport) Call(ctx context.Context, msg []byte) ([]byte, error) {
	ctx, cancel := t.operationContext(ctx)
	defer cancel()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return t.Send(msg).Await(ctx)
}

// Close stops accepting sends, fails every pending request with
// ErrTransportClosed, stops the dispatcher, closes the endpoint and releases
// all registered memory.
func (t *Transport) Close() error {
	if t == nil {
		return nil
	}
	t.sendMu.Lock()
	if !t.closed.CompareAndSwap(false, true) {
		t.sendMu.Unlock()
		return nil
	}
	t.sendMu.Unlock()

	if n := t.registry.failAll(ErrTransportClosed); n > 0 {
		t.log.event("pending_failed", logKV("count", n), logKV("error", ErrTransportClosed))
	}
	t.stopDispatcher()
	if err := t.shutdown(); err != nil {
		return fmt.Errorf("close endpoint: %w", err)
	}
	return nil
}

// Pending returns the number of requests awaiting a response.
func (t *Transport) Pending() int {
	return t.registry.size()
}

// Stats returns a snapshot of transport counters.
func (t *Transport) Stats() Stats {
	if t == nil {
		return Stats{}
	}
	s := t.statsSnapshot()
	s.Pending = t.registry.size()
	return s
}

func (t *Transport) resolve(id uint64, msg []byte, span Span) {
	if t.registry.resolve(id, msg) {
		t.stats.resolved.Add(1)
		fields := []logField{logKV("id", id)}
		t.log.event("resolved", fields...)
		spanAddEvent(span, "resolved", fields...)
		t.metrics.requestResolved()
		return
	}
	t.stats.unmatched.Add(1)
	fields := []logField{logKV("id", id), logKV("length", len(msg))}
	t.log.warn("unmatched_response", fields...)
	spanAddEvent(span, "unmatched_response", fields...)
	t.metrics.requestUnmatched()
}

func (t *Transport) sendFailed(id uint64, stage string, err error) *Future {
	t.noteSendFailure(id, stage, err)
	return failedFuture(id, err)
}

func (t *Transport) noteSendFailure(id uint64, stage string, err error) {
	t.stats.sendFailed.Add(1)
	fields := []logField{
		logKV(labelOperation, "send"),
		logKV("stage", stage),
		logKV("id", id),
		logKV("error", err),
	}
	t.log.event("send_failed", fields...)
	t.metrics.sendFailed(err, fields...)
}

func (t *Transport) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx = ensureContext(ctx)
	timeout := t.cfg.CallTimeout
	if _, ok := ctx.Deadline(); ok || timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}
