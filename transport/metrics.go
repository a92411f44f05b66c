package transport

import (
	"fmt"
	"sync/atomic"
)

// MetricHook captures dispatcher telemetry events.
type MetricHook interface {
	DispatcherStarted(attrs map[string]string)
	DispatcherStopped(attrs map[string]string)
	DispatcherFault(kind string, err error, attrs map[string]string)
	SendCompleted(attrs map[string]string)
	SendFailed(err error, attrs map[string]string)
	ReceiveCompleted(attrs map[string]string)
	ReceiveFailed(err error, attrs map[string]string)
	RequestResolved(attrs map[string]string)
	RequestUnmatched(attrs map[string]string)
}

const (
	labelTransport = "transport"
	labelRole      = "role"
	labelOperation = "operation"
	labelStatus    = "status"
	labelKind      = "kind"
)

const (
	roleClient = "client"
	roleServer = "server"
)

// Stats contains counters for transport operations.
type Stats struct {
	SendPosted       uint64
	SendCompleted    uint64
	SendFailed       uint64
	ReceiveCompleted uint64
	ReceiveFailed    uint64
	Resolved         uint64
	Unmatched        uint64
	DecodeErrors     uint64
	Pending          int
	PostedReceives   int
	HeldRegions      int
}

type engineStats struct {
	sendPosted    atomic.Uint64
	sendCompleted atomic.Uint64
	sendFailed    atomic.Uint64
	recvCompleted atomic.Uint64
	recvFailed    atomic.Uint64
	resolved      atomic.Uint64
	unmatched     atomic.Uint64
	decodeErrors  atomic.Uint64
}

type metricSink struct {
	hook MetricHook
	base map[string]string
}

func newMetricSink(hook MetricHook, name, role string) metricSink {
	return metricSink{
		hook: hook,
		base: map[string]string{labelTransport: name, labelRole: role},
	}
}

func (m metricSink) attrs(fields ...logField) map[string]string {
	attrs := make(map[string]string, len(m.base)+len(fields))
	for k, v := range m.base {
		attrs[k] = v
	}
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		attrs[field.key] = fmt.Sprint(field.value)
	}
	return attrs
}

func (m metricSink) dispatcherStarted(fields ...logField) {
	if m.hook == nil {
		return
	}
	m.hook.DispatcherStarted(m.attrs(fields...))
}

func (m metricSink) dispatcherStopped(fields ...logField) {
	if m.hook == nil {
		return
	}
	m.hook.DispatcherStopped(m.attrs(fields...))
}

func (m metricSink) dispatcherFault(kind string, err error, fields ...logField) {
	if m.hook == nil {
		return
	}
	m.hook.DispatcherFault(kind, err, m.attrs(fields...))
}

func (m metricSink) sendCompleted(fields ...logField) {
	if m.hook == nil {
		return
	}
	m.hook.SendCompleted(m.attrs(fields...))
}

func (m metricSink) sendFailed(err error, fields ...logField) {
	if m.hook == nil {
		return
	}
	m.hook.SendFailed(err, m.attrs(fields...))
}

func (m metricSink) receiveCompleted(fields ...logField) {
	if m.hook == nil {
		return
	}
	m.hook.ReceiveCompleted(m.attrs(fields...))
}

func (m metricSink) receiveFailed(err error, fields ...logField) {
	if m.hook == nil {
		return
	}
	m.hook.ReceiveFailed(err, m.attrs(fields...))
}

func (m metricSink) requestResolved(fields ...logField) {
	if m.hook == nil {
		return
	}
	m.hook.RequestResolved(m.attrs(fields...))
}

func (m metricSink) requestUnmatched(fields ...logField) {
	if m.hook == nil {
		return
	}
	m.hook.RequestUnmatched(m.attrs(fields...))
}
