package transport

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/rocketbitz/fabrpc/fabric"
)

// DefaultWorkers bounds concurrent handler invocations when ServerConfig
// leaves Workers unset.
const DefaultWorkers = 16

// Handler answers one request. The returned bytes are sent back under the
// request's correlation id.
type Handler func(ctx context.Context, req []byte) ([]byte, error)

// ServerConfig controls a Server.
type ServerConfig struct {
	Config
	// Workers bounds concurrent handler invocations. When all workers are busy
	// the dispatcher waits, which in turn backs up the completion queues.
	Workers int
	// ReplyOnError answers requests whose handler failed with an empty
	// response instead of dropping them.
	ReplyOnError bool
}

// Server is the responding side of a connection. Every decoded request is
// handed to a handler worker and its result is posted back with the same
// correlation id.
type Server struct {
	*engine
	handler      Handler
	replyOnError bool

	ctx    context.Context
	cancel context.CancelFunc
	group  errgroup.Group

	closed atomic.Bool

	answered atomic.Uint64
	failed   atomic.Uint64
}

// NewServer wraps ep and starts serving requests with handler. The server
// takes ownership of ep.
func NewServer(ep fabric.Endpoint, handler Handler, cfg ServerConfig) (*Server, error) {
	if handler == nil {
		if ep != nil {
			_ = ep.Close()
		}
		return nil, errors.New("fabrpc: nil handler")
	}
	base := cfg.Config.withDefaults()
	e, err := newEngine(ep, base, roleServer)
	if err != nil {
		if ep != nil {
			_ = ep.Close()
		}
		return nil, err
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		engine:       e,
		handler:      handler,
		replyOnError: cfg.ReplyOnError,
		ctx:          ctx,
		cancel:       cancel,
	}
	s.group.SetLimit(workers)
	e.onMessage = s.dispatchRequest
	e.onSendFailed = func(id uint64, err error) {
		e.log.event("reply_failed", logKV("id", id), logKV("error", err))
	}
	if err := e.start(); err != nil {
		cancel()
		_ = e.shutdown()
		return nil, err
	}
	return s, nil
}

// Name returns the configured server name.
func (s *Server) Name() string {
	return s.cfg.Name
}

// Handled returns the number of requests answered and the number of handler
// failures.
func (s *Server) Handled() (answered, failed uint64) {
	return s.answered.Load(), s.failed.Load()
}

// Done is closed once the server stops serving, either because Close was
// called or because the dispatcher faulted (for example when the peer went
// away).
func (s *Server) Done() <-chan struct{} {
	return s.done
}

// Err returns the dispatcher fault, if any.
func (s *Server) Err() error {
	return s.faultErr()
}

// Stats returns a snapshot of server counters.
func (s *Server) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return s.statsSnapshot()
}

// Close stops the dispatcher, waits for running handlers, closes the endpoint
// and releases all registered memory.
func (s *Server) Close() error {
	if s == nil {
		return nil
	}
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.cancel()
	s.stopDispatcher()
	_ = s.group.Wait()
	defer s.finish()

	if err := s.shutdown(); err != nil {
		return fmt.Errorf("close endpoint: %w", err)
	}
	return nil
}

// dispatchRequest runs on the dispatcher goroutine and blocks while every
// worker is busy.
func (s *Server) dispatchRequest(id uint64, req []byte, span Span) {
	if s.ctx.Err() != nil {
		return
	}
	spanAddEvent(span, "request", logKV("id", id))
	s.group.Go(func() error {
		s.serve(id, req)
		return nil
	})
}

func (s *Server) serve(id uint64, req []byte) {
	resp, err := s.handler(s.ctx, req)
	if err != nil {
		s.failed.Add(1)
		s.log.warn("handler_error", logKV("id", id), logKV("error", err))
		if !s.replyOnError {
			return
		}
		resp = nil
	}
	if err := s.reply(id, resp); err != nil {
		s.log.warn("reply_failed", logKV("id", id), logKV("error", err))
		s.metrics.sendFailed(err, logKV(labelOperation, "send"))
		return
	}
	s.answered.Add(1)
}

func (s *Server) reply(id uint64, resp []byte) error {
	if s.closed.Load() {
		return ErrTransportClosed
	}
	if err := s.faultErr(); err != nil {
		return err
	}
	data, err := s.codec.Encode(resp, id)
	if err != nil {
		return err
	}
	return s.post(id, data)
}
