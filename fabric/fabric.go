// Package fabric defines the endpoint contract the transport consumes: memory
// registration, posting of send and receive work requests, and asynchronous
// delivery of completion events. Concrete providers live in sub-packages.
package fabric

import "fmt"

// Region is a registered, fabric-addressable view of a buffer.
type Region interface {
	// Bytes returns the registered memory. The slice stays valid until Close.
	Bytes() []byte
	// Key returns the provider registration key (lkey analogue).
	Key() uint64
	// Size returns the registered length in bytes.
	Size() int
	// Close deregisters the region.
	Close() error
}

// CompletionHandler receives completion events from an endpoint. A non-nil
// error tells the provider the consumer is gone.
type CompletionHandler func(CompletionEvent) error

// Endpoint is a connected fabric endpoint.
type Endpoint interface {
	RegisterMemory(buf []byte) (Region, error)
	PostSend(desc *SendDescriptor) error
	PostRecv(desc *RecvDescriptor) error
	SetCompletionHandler(handler CompletionHandler)
	Close() error
}

// CompletionKind identifies which work request produced a completion.
type CompletionKind int

const (
	CompletionSend CompletionKind = iota + 1
	CompletionReceive
)

func (k CompletionKind) String() string {
	switch k {
	case CompletionSend:
		return "send"
	case CompletionReceive:
		return "receive"
	default:
		return "unknown"
	}
}

// Status is the outcome reported for a completed work request.
type Status int

const (
	StatusSuccess Status = iota
	StatusLocalLength
	StatusLocalProtection
	StatusFlushed
	StatusRemoteOp
	StatusGeneral
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusLocalLength:
		return "local length error"
	case StatusLocalProtection:
		return "local protection error"
	case StatusFlushed:
		return "work request flushed"
	case StatusRemoteOp:
		return "remote operation error"
	case StatusGeneral:
		return "general error"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Error lets a Status be used as an error value and matched with errors.Is.
func (s Status) Error() string {
	return "fabric completion: " + s.String()
}

// OK reports whether the status denotes success.
func (s Status) OK() bool {
	return s == StatusSuccess
}

// CompletionEvent reports that a previously posted work request finished.
type CompletionEvent struct {
	Kind   CompletionKind
	Tag    uint64
	Status Status
	// Length is the number of bytes transferred. For receives it is the size
	// of the message placed in the posted buffer.
	Length int
}
