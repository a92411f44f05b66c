package transport

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newObservedLogger() (*zap.SugaredLogger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)
	return logger.Sugar(), logs
}

func newTestTracerProvider() (*tracesdk.TracerProvider, *tracetest.SpanRecorder) {
	recorder := tracetest.NewSpanRecorder()
	tp := tracesdk.NewTracerProvider(tracesdk.WithSpanProcessor(recorder))
	return tp, recorder
}

func waitForLogEvent(logs *observer.ObservedLogs, event string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		entries := logs.All()
		for _, entry := range entries {
			if evt, ok := entry.ContextMap()["event"].(string); ok && evt == event {
				return true
			}
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func spanHasEvent(recorder *tracetest.SpanRecorder, event string) bool {
	for _, span := range recorder.Ended() {
		if span.Name() != "fabrpc-dispatcher" {
			continue
		}
		for _, evt := range span.Events() {
			if evt.Name == event {
				return true
			}
		}
	}
	return false
}

type printfLogger struct {
	mu      sync.Mutex
	entries []string
}

func (p *printfLogger) Debugf(format string, args ...any) {
	p.mu.Lock()
	p.entries = append(p.entries, fmt.Sprintf(format, args...))
	p.mu.Unlock()
}

func (p *printfLogger) lines() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.entries...)
}

func (p *printfLogger) contains(substr string) bool {
	for _, line := range p.lines() {
		if strings.Contains(line, substr) {
			return true
		}
	}
	return false
}

type metricRecorder struct {
	mu                sync.Mutex
	dispatcherStarted int
	dispatcherStopped int
	faults            []string
	sendCompleted     int
	sendFailed        int
	receiveCompleted  int
	receiveFailed     int
	requestResolved   int
	requestUnmatched  int
	lastAttrs         map[string]string
}

func newMetricRecorder() *metricRecorder {
	return &metricRecorder{}
}

func (m *metricRecorder) record(attrs map[string]string, fn func()) {
	m.mu.Lock()
	fn()
	m.lastAttrs = attrs
	m.mu.Unlock()
}

func (m *metricRecorder) DispatcherStarted(attrs map[string]string) {
	m.record(attrs, func() { m.dispatcherStarted++ })
}

func (m *metricRecorder) DispatcherStopped(attrs map[string]string) {
	m.record(attrs, func() { m.dispatcherStopped++ })
}

func (m *metricRecorder) DispatcherFault(kind string, _ error, attrs map[string]string) {
	m.record(attrs, func() { m.faults = append(m.faults, kind) })
}

func (m *metricRecorder) SendCompleted(attrs map[string]string) {
	m.record(attrs, func() { m.sendCompleted++ })
}

func (m *metricRecorder) SendFailed(_ error, attrs map[string]string) {
	m.record(attrs, func() { m.sendFailed++ })
}

func (m *metricRecorder) ReceiveCompleted(attrs map[string]string) {
	m.record(attrs, func() { m.receiveCompleted++ })
}

func (m *metricRecorder) ReceiveFailed(_ error, attrs map[string]string) {
	m.record(attrs, func() { m.receiveFailed++ })
}

func (m *metricRecorder) RequestResolved(attrs map[string]string) {
	m.record(attrs, func() { m.requestResolved++ })
}

func (m *metricRecorder) RequestUnmatched(attrs map[string]string) {
	m.record(attrs, func() { m.requestUnmatched++ })
}

func (m *metricRecorder) Snapshot() metricSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	attrs := make(map[string]string, len(m.lastAttrs))
	for k, v := range m.lastAttrs {
		attrs[k] = v
	}
	return metricSnapshot{
		DispatcherStarted: m.dispatcherStarted,
		DispatcherStopped: m.dispatcherStopped,
		Faults:            append([]string(nil), m.faults...),
		SendCompleted:     m.sendCompleted,
		SendFailed:        m.sendFailed,
		ReceiveCompleted:  m.receiveCompleted,
		ReceiveFailed:     m.receiveFailed,
		RequestResolved:   m.requestResolved,
		RequestUnmatched:  m.requestUnmatched,
		LastAttrs:         attrs,
	}
}

type metricSnapshot struct {
	DispatcherStarted int
	DispatcherStopped int
	Faults            []string
	SendCompleted     int
	SendFailed        int
	ReceiveCompleted  int
	ReceiveFailed     int
	RequestResolved   int
	RequestUnmatched  int
	LastAttrs         map[string]string
}

// blockingMetrics stalls the dispatcher inside SendCompleted until unblock is
// called.
type blockingMetrics struct {
	*metricRecorder
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newBlockingMetrics() *blockingMetrics {
	return &blockingMetrics{
		metricRecorder: newMetricRecorder(),
		entered:        make(chan struct{}, 1),
		release:        make(chan struct{}),
	}
}

func (b *blockingMetrics) SendCompleted(attrs map[string]string) {
	select {
	case b.entered <- struct{}{}:
	default:
	}
	<-b.release
	b.metricRecorder.SendCompleted(attrs)
}

func (b *blockingMetrics) unblock() {
	b.once.Do(func() { close(b.release) })
}
