// Package cq implements the completion delivery loop shared by the emulated
// providers. Events are appended under a short lock and handed to the
// consumer from a dedicated goroutine, so provider locks are never held while
// the consumer applies backpressure.
package cq

import (
	"sync"

	"github.com/rocketbitz/fabrpc/fabric"
)

// Queue delivers completion events in push order to a handler.
type Queue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	events  []fabric.CompletionEvent
	handler fabric.CompletionHandler
	closed  bool
	drop    func(fabric.CompletionEvent, error)
	done    chan struct{}
}

// New starts a queue. drop is invoked for events that could not be delivered
// because no handler was installed or the handler rejected them.
func New(drop func(fabric.CompletionEvent, error)) *Queue {
	q := &Queue{drop: drop, done: make(chan struct{})}
	q.cond = sync.NewCond(&q.mu)
	go q.run()
	return q
}

// SetHandler installs the consumer. Events pushed before a handler exists are
// held until one is installed.
func (q *Queue) SetHandler(handler fabric.CompletionHandler) {
	q.mu.Lock()
	q.handler = handler
	q.mu.Unlock()
	q.cond.Broadcast()
}

// Push appends an event. Events pushed after Close are dropped.
func (q *Queue) Push(ev fabric.CompletionEvent) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.dropEvent(ev, fabric.ErrClosed)
		return
	}
	q.events = append(q.events, ev)
	q.mu.Unlock()
	q.cond.Signal()
}

// Close delivers the events already queued, then stops the loop.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.done
		return
	}
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
	<-q.done
}

func (q *Queue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		for !q.closed && (len(q.events) == 0 || q.handler == nil) {
			q.cond.Wait()
		}
		if len(q.events) == 0 {
			q.mu.Unlock()
			return
		}
		ev := q.events[0]
		q.events[0] = fabric.CompletionEvent{}
		q.events = q.events[1:]
		handler := q.handler
		q.mu.Unlock()

		if handler == nil {
			q.dropEvent(ev, fabric.ErrClosed)
			continue
		}
		if err := handler(ev); err != nil {
			q.dropEvent(ev, err)
		}
	}
}

func (q *Queue) dropEvent(ev fabric.CompletionEvent, err error) {
	if q.drop != nil {
		q.drop(ev, err)
	}
}
