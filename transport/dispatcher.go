package transport

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/rocketbitz/fabrpc/codec"
	"github.com/rocketbitz/fabrpc/fabric"
)

// inflightSend is the record of a posted send. It owns the send buffer until
// the send's completion is observed.
type inflightSend struct {
	id  uint64
	buf *registeredBuffer
}

// engine is the machinery shared by Transport and Server: message codec,
// region management, receive credits and the single completion dispatcher.
type engine struct {
	cfg     Config
	role    string
	ep      fabric.Endpoint
	codec   *codec.Codec
	regions *regionManager
	tags    idAllocator

	inflight *xsync.MapOf[uint64, *inflightSend]
	// receives is written by the constructor before the dispatcher starts and
	// by the dispatcher afterwards.
	receives map[uint64]*registeredBuffer
	posted   atomic.Int64

	sendQ  chan fabric.CompletionEvent
	recvQ  chan fabric.CompletionEvent
	stopCh chan struct{}
	stop   sync.Once
	wg     sync.WaitGroup
	fault  atomic.Pointer[errorHolder]
	// done closes once the engine stops for good, by fault or by Close.
	done     chan struct{}
	doneOnce sync.Once

	log     logSink
	metrics metricSink
	tracer  Tracer
	stats   engineStats

	// onMessage receives every successfully decoded message.
	onMessage func(id uint64, msg []byte, span Span)
	// onSendFailed is told about sends whose completion reported an error.
	onSendFailed func(id uint64, err error)
	// onFault runs once, when the dispatcher records its first fault.
	onFault func(err error)
}

func newEngine(ep fabric.Endpoint, cfg Config, role string) (*engine, error) {
	if ep == nil {
		return nil, errors.New("fabrpc: nil endpoint")
	}
	c, err := codec.New(codec.Options{
		MaxMessageSize:  cfg.MaxMessageSize,
		Compression:     cfg.Compression,
		MinCompressSize: cfg.CompressionMinSize,
	})
	if err != nil {
		return nil, err
	}
	poolCapacity := cfg.RegionPoolCapacity
	if poolCapacity < 0 {
		poolCapacity = 0
	}
	regions, err := newRegionManager(ep, cfg.MaxMessageSize, poolCapacity)
	if err != nil {
		c.Close()
		return nil, err
	}
	return &engine{
		cfg:      cfg,
		role:     role,
		ep:       ep,
		codec:    c,
		regions:  regions,
		inflight: xsync.NewMapOf[uint64, *inflightSend](),
		receives: make(map[uint64]*registeredBuffer, cfg.ReceiveCredits),
		sendQ:    make(chan fabric.CompletionEvent, cfg.CompletionQueueCapacity),
		recvQ:    make(chan fabric.CompletionEvent, cfg.CompletionQueueCapacity),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
		log:      newLogSink(cfg.Logger, cfg.StructuredLogger),
		metrics:  newMetricSink(cfg.Metrics, cfg.Name, role),
		tracer:   cfg.Tracer,
	}, nil
}

// start posts the initial receive credits, then starts the dispatcher and
// attaches it to the endpoint.
func (e *engine) start() error {
	for i := 0; i < e.cfg.ReceiveCredits; i++ {
		if err := e.postReceive(); err != nil {
			return fmt.Errorf("post initial receive %d/%d: %w", i+1, e.cfg.ReceiveCredits, err)
		}
	}
	e.wg.Add(1)
	go e.dispatch()
	e.ep.SetCompletionHandler(e.onCompletionEvent)
	return nil
}

// onCompletionEvent is the producer side of the completion queues. It blocks
// while the matching queue is full.
func (e *engine) onCompletionEvent(ev fabric.CompletionEvent) error {
	var q chan fabric.CompletionEvent
	switch ev.Kind {
	case fabric.CompletionSend:
		q = e.sendQ
	case fabric.CompletionReceive:
		q = e.recvQ
	default:
		return fmt.Errorf("fabrpc: unknown completion kind %d", int(ev.Kind))
	}
	select {
	case <-e.stopCh:
		return ErrTransportClosed
	default:
	}
	select {
	case q <- ev:
		return nil
	case <-e.stopCh:
		return ErrTransportClosed
	}
}

// post registers data and posts it as a signaled send on behalf of id.
func (e *engine) post(id uint64, data []byte) error {
	buf, err := e.regions.register(data)
	if err != nil {
		return err
	}
	tag := e.tags.next()
	desc, err := buildSend(tag, buf.region, buf.length)
	if err != nil {
		buf.release()
		return fmt.Errorf("%w: %w", ErrPost, err)
	}
	e.inflight.Store(tag, &inflightSend{id: id, buf: buf})
	if err := e.ep.PostSend(desc); err != nil {
		if rec, ok := e.inflight.LoadAndDelete(tag); ok {
			rec.buf.release()
		}
		return fmt.Errorf("%w: send: %w", ErrPost, err)
	}
	e.stats.sendPosted.Add(1)
	e.log.logf("fabrpc: send posted id=%d tag=%d size=%d", id, tag, buf.length)
	return nil
}

// postReceive posts one receive credit. Only the constructor and the
// dispatcher call it.
func (e *engine) postReceive() error {
	buf, err := e.regions.registerReceive()
	if err != nil {
		return err
	}
	tag := e.tags.next()
	desc, err := buildReceive(tag, buf.region, e.cfg.MaxMessageSize)
	if err != nil {
		buf.release()
		return fmt.Errorf("%w: %w", ErrPost, err)
	}
	e.receives[tag] = buf
	if err := e.ep.PostRecv(desc); err != nil {
		delete(e.receives, tag)
		buf.release()
		return fmt.Errorf("%w: receive: %w", ErrPost, err)
	}
	e.posted.Add(1)
	return nil
}

func (e *engine) dispatch() {
	defer e.wg.Done()

	span := e.startDispatcherSpan()
	startFields := []logField{
		logKV(labelTransport, e.cfg.Name),
		logKV(labelRole, e.role),
		logKV("receive_credits", e.cfg.ReceiveCredits),
	}
	e.log.event("start", startFields...)
	spanAddEvent(span, "start", startFields...)
	e.metrics.dispatcherStarted()

	defer func() {
		err := e.faultErr()
		fields := []logField{logKV("status", "ok")}
		if err != nil {
			fields[0] = logKV("status", "error")
			fields = append(fields, logKV("error", err))
		}
		e.log.event("stop", fields...)
		spanAddEvent(span, "stop", fields...)
		e.metrics.dispatcherStopped()
		if span != nil {
			span.End(err)
		}
	}()

	for {
		select {
		case <-e.stopCh:
			return
		case ev := <-e.sendQ:
			e.handleSend(ev, span)
		case ev := <-e.recvQ:
			e.handleReceive(ev, span)
		}
	}
}

func (e *engine) handleSend(ev fabric.CompletionEvent, span Span) {
	rec, ok := e.inflight.LoadAndDelete(ev.Tag)
	if !ok {
		e.logUnknownTag(ev, span)
		return
	}
	rec.buf.release()

	if ev.Status.OK() {
		e.stats.sendCompleted.Add(1)
		fields := []logField{
			logKV(labelOperation, "send"),
			logKV(labelStatus, "ok"),
			logKV("id", rec.id),
			logKV("length", ev.Length),
		}
		e.log.event("send_completion", fields...)
		spanAddEvent(span, "send_completion", fields...)
		e.metrics.sendCompleted(fields...)
		return
	}

	err := newCompletionError(ev)
	e.stats.sendFailed.Add(1)
	fields := []logField{
		logKV(labelOperation, "send"),
		logKV(labelStatus, "error"),
		logKV("id", rec.id),
		logKV("tag", ev.Tag),
		logKV("error", err),
	}
	e.log.warn("completion_error", fields...)
	spanAddEvent(span, "completion_error", fields...)
	spanRecordError(span, err)
	e.metrics.sendFailed(err, fields...)
	if e.onSendFailed != nil {
		e.onSendFailed(rec.id, err)
	}
}

func (e *engine) handleReceive(ev fabric.CompletionEvent, span Span) {
	buf, ok := e.receives[ev.Tag]
	if !ok {
		e.logUnknownTag(ev, span)
		return
	}
	delete(e.receives, ev.Tag)
	e.posted.Add(-1)

	if ev.Status == fabric.StatusFlushed {
		// The endpoint lost its connection; reposting can only fail.
		buf.release()
		err := newCompletionError(ev)
		e.stats.recvFailed.Add(1)
		e.metrics.receiveFailed(err, logKV(labelOperation, "receive"))
		e.recordFault(span, "receive_flushed", err)
		return
	}

	if !ev.Status.OK() {
		err := newCompletionError(ev)
		e.stats.recvFailed.Add(1)
		fields := []logField{
			logKV(labelOperation, "receive"),
			logKV(labelStatus, "error"),
			logKV("tag", ev.Tag),
			logKV("error", err),
		}
		e.log.warn("completion_error", fields...)
		spanAddEvent(span, "completion_error", fields...)
		spanRecordError(span, err)
		e.metrics.receiveFailed(err, fields...)
	} else {
		e.deliver(buf, ev, span)
	}

	buf.release()
	if err := e.postReceive(); err != nil {
		e.recordFault(span, "repost_error", err)
	}
}

// deliver decodes a received message while its buffer is still held.
func (e *engine) deliver(buf *registeredBuffer, ev fabric.CompletionEvent, span Span) {
	length := ev.Length
	var (
		id  uint64
		msg []byte
		err error
	)
	if length < 0 || length > buf.length {
		err = fmt.Errorf("%w: completion reports %d bytes for a %d byte buffer", ErrDecode, length, buf.length)
	} else {
		id, msg, err = e.codec.Decode(buf.bytes()[:length])
	}
	if err != nil {
		e.stats.decodeErrors.Add(1)
		e.stats.recvFailed.Add(1)
		fields := []logField{
			logKV(labelOperation, "receive"),
			logKV(labelStatus, "error"),
			logKV("length", length),
			logKV("error", err),
		}
		e.log.warn("decode_error", fields...)
		spanAddEvent(span, "decode_error", fields...)
		spanRecordError(span, err)
		e.metrics.receiveFailed(err, fields...)
		return
	}
	e.stats.recvCompleted.Add(1)
	fields := []logField{
		logKV(labelOperation, "receive"),
		logKV(labelStatus, "ok"),
		logKV("id", id),
		logKV("length", length),
	}
	e.log.event("receive_completion", fields...)
	spanAddEvent(span, "receive_completion", fields...)
	e.metrics.receiveCompleted(fields...)
	if e.onMessage != nil {
		e.onMessage(id, msg, span)
	}
}

func (e *engine) logUnknownTag(ev fabric.CompletionEvent, span Span) {
	fields := []logField{
		logKV(labelKind, ev.Kind),
		logKV("tag", ev.Tag),
		logKV(labelStatus, ev.Status),
	}
	e.log.warn("unknown_completion", fields...)
	spanAddEvent(span, "unknown_completion", fields...)
}

// recordFault makes err the sticky dispatcher fault. Only the first fault is
// kept and propagated.
func (e *engine) recordFault(span Span, kind string, err error) {
	fault := fmt.Errorf("%w: %w", ErrDispatcherFault, err)
	fields := []logField{logKV(labelKind, kind), logKV("error", err)}
	e.log.warn(kind, fields...)
	spanAddEvent(span, kind, fields...)
	spanRecordError(span, err)
	e.metrics.dispatcherFault(kind, err)
	if !e.fault.CompareAndSwap(nil, &errorHolder{err: fault}) {
		return
	}
	if e.onFault != nil {
		e.onFault(fault)
	}
	e.finish()
}

func (e *engine) finish() {
	e.doneOnce.Do(func() {
		close(e.done)
	})
}

func (e *engine) faultErr() error {
	if holder := e.fault.Load(); holder != nil {
		return holder.err
	}
	return nil
}

func (e *engine) startDispatcherSpan() Span {
	if e.tracer == nil {
		return nil
	}
	return e.tracer.StartSpan("fabrpc-dispatcher",
		TraceAttribute{Key: "component", Value: "fabrpc"},
		TraceAttribute{Key: labelTransport, Value: e.cfg.Name},
		TraceAttribute{Key: labelRole, Value: e.role},
	)
}

// stopDispatcher stops the dispatcher goroutine and waits for it. Queued
// completions are left unprocessed.
func (e *engine) stopDispatcher() {
	e.stop.Do(func() {
		close(e.stopCh)
	})
	e.wg.Wait()
}

// shutdown closes the endpoint and releases every region still owned. The
// dispatcher must already be stopped.
func (e *engine) shutdown() error {
	err := e.ep.Close()
	e.inflight.Range(func(tag uint64, rec *inflightSend) bool {
		if _, ok := e.inflight.LoadAndDelete(tag); ok {
			rec.buf.release()
		}
		return true
	})
	for tag, buf := range e.receives {
		delete(e.receives, tag)
		buf.release()
	}
	e.posted.Store(0)
	e.regions.close()
	e.codec.Close()
	return err
}

func (e *engine) statsSnapshot() Stats {
	return Stats{
		SendPosted:       e.stats.sendPosted.Load(),
		SendCompleted:    e.stats.sendCompleted.Load(),
		SendFailed:       e.stats.sendFailed.Load(),
		ReceiveCompleted: e.stats.recvCompleted.Load(),
		ReceiveFailed:    e.stats.recvFailed.Load(),
		Resolved:         e.stats.resolved.Load(),
		Unmatched:        e.stats.unmatched.Load(),
		DecodeErrors:     e.stats.decodeErrors.Load(),
		PostedReceives:   int(e.posted.Load()),
		HeldRegions:      e.regions.heldCount(),
	}
}
