package transport

import (
	"errors"
	"fmt"

	"github.com/rocketbitz/fabrpc/codec"
	"github.com/rocketbitz/fabrpc/fabric"
)

var (
	// ErrEncode indicates a message could not be serialized.
	ErrEncode = codec.ErrEncode
	// ErrDecode indicates a received buffer could not be parsed.
	ErrDecode = codec.ErrDecode
	// ErrRegistration indicates memory could not be registered with the fabric.
	ErrRegistration = errors.New("fabrpc: memory registration failed")
	// ErrPost indicates the fabric rejected a work request.
	ErrPost = errors.New("fabrpc: post failed")
	// ErrTransportClosed indicates the transport has been closed.
	ErrTransportClosed = errors.New("fabrpc: transport closed")
	// ErrDispatcherFault indicates the completion dispatcher hit an
	// unrecoverable error. It is sticky: every later send fails with it.
	ErrDispatcherFault = errors.New("fabrpc: dispatcher fault")
)

// CompletionError describes a completion event the fabric reported with a
// non-success status.
type CompletionError struct {
	Kind   fabric.CompletionKind
	Status fabric.Status
	Tag    uint64
	Length int
}

func (e *CompletionError) Error() string {
	return fmt.Sprintf("fabrpc %s completion error: %s (tag=%d len=%d)", e.Kind, e.Status, e.Tag, e.Length)
}

// Unwrap allows errors.Is / errors.As to match against the fabric status.
func (e *CompletionError) Unwrap() error {
	return e.Status
}

func newCompletionError(ev fabric.CompletionEvent) *CompletionError {
	return &CompletionError{Kind: ev.Kind, Status: ev.Status, Tag: ev.Tag, Length: ev.Length}
}

type errorHolder struct {
	err error
}
