package transport

import (
	"fmt"
	"strings"
)

// Logger provides printf-style debug logging hooks.
type Logger interface {
	Debugf(format string, args ...any)
}

// StructuredLogger emits key/value pairs for structured logging backends.
// A *zap.SugaredLogger satisfies it.
type StructuredLogger interface {
	Debugw(msg string, keyvals ...any)
}

// warnLogger is implemented by structured loggers that can raise the level of
// anomalies such as unmatched responses.
type warnLogger interface {
	Warnw(msg string, keyvals ...any)
}

const dispatcherLogMessage = "fabrpc dispatcher"

type logField struct {
	key   string
	value any
}

func logKV(key string, value any) logField {
	return logField{key: key, value: value}
}

type logSink struct {
	logger     Logger
	structured StructuredLogger
}

func newLogSink(logger Logger, structured StructuredLogger) logSink {
	if structured == nil {
		if s, ok := logger.(StructuredLogger); ok {
			structured = s
		}
	}
	return logSink{logger: logger, structured: structured}
}

func (l logSink) event(event string, fields ...logField) {
	l.emit(false, event, fields...)
}

func (l logSink) warn(event string, fields ...logField) {
	l.emit(true, event, fields...)
}

func (l logSink) emit(warn bool, event string, fields ...logField) {
	if l.structured != nil {
		kv := make([]any, 0, len(fields)*2+2)
		kv = append(kv, "event", event)
		for _, field := range fields {
			if field.key == "" {
				continue
			}
			kv = append(kv, field.key, field.value)
		}
		if w, ok := l.structured.(warnLogger); ok && warn {
			w.Warnw(dispatcherLogMessage, kv...)
			return
		}
		l.structured.Debugw(dispatcherLogMessage, kv...)
		return
	}
	if l.logger == nil {
		return
	}
	var b strings.Builder
	b.WriteString(event)
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		b.WriteString(" ")
		b.WriteString(field.key)
		b.WriteString("=")
		b.WriteString(fmt.Sprint(field.value))
	}
	l.logger.Debugf("%s %s", dispatcherLogMessage, b.String())
}

func (l logSink) logf(format string, args ...any) {
	if l.logger == nil {
		return
	}
	l.logger.Debugf(format, args...)
}
