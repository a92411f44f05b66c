package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rocketbitz/fabrpc/fabric/sockets"
	"github.com/rocketbitz/fabrpc/transport"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Accept connections and echo every request",
	Long: `Listen on --address and answer every request with its own payload.
Each accepted connection gets its own fabrpc server; connections whose peer
disconnects are closed and reaped.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func echo(_ context.Context, req []byte) ([]byte, error) {
	return req, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hook, metricsHandler, err := newMetrics()
	if err != nil {
		return err
	}

	ln, err := sockets.Listen(cfg.Address, socketOptions()...)
	if err != nil {
		return err
	}
	logger.Info("serving", zap.Stringer("address", ln.Addr()), zap.String("compression", cfg.Compression))

	g, ctx := errgroup.WithContext(ctx)
	if cfg.MetricsAddress != "" {
		g.Go(func() error {
			return serveMetrics(ctx, cfg.MetricsAddress, metricsHandler)
		})
	}
	g.Go(func() error {
		defer ln.Close()
		return acceptLoop(ctx, ln, hook)
	})

	err = g.Wait()
	logger.Info("shutdown complete")
	return err
}

const (
	initialAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay     = time.Second
	acceptMultiplier   = 2
)

// acceptor is the part of *sockets.Listener the accept loop needs.
type acceptor interface {
	Accept(ctx context.Context) (*sockets.Endpoint, error)
}

// acceptLoop serves connections until ctx is done or the listener is closed.
// Other accept failures are logged and retried with a capped exponential delay.
func acceptLoop(ctx context.Context, ln acceptor, hook transport.MetricHook) error {
	var conns errgroup.Group
	defer func() { _ = conns.Wait() }()

	retryDelay := time.Duration(0)
	for {
		ep, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			if retryDelay == 0 {
				retryDelay = initialAcceptDelay
			} else {
				retryDelay = min(retryDelay*acceptMultiplier, maxAcceptDelay)
			}
			logger.Warn("accept failed", zap.Error(err), zap.Duration("retry_in", retryDelay))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(retryDelay):
			}
			continue
		}
		retryDelay = 0

		scfg := cfg.Server()
		instrument(&scfg.Config, hook)
		if scfg.Name == "" {
			scfg.Name = ep.Name()
		}
		remote := ep.RemoteAddr().String()
		srv, err := transport.NewServer(ep, echo, scfg)
		if err != nil {
			logger.Warn("connection rejected", zap.String("remote", remote), zap.Error(err))
			continue
		}
		logger.Info("connection accepted", zap.String("remote", remote), zap.String("name", srv.Name()))

		conns.Go(func() error {
			select {
			case <-srv.Done():
			case <-ctx.Done():
			}
			reason := srv.Err()
			if err := srv.Close(); err != nil {
				logger.Warn("connection close failed", zap.String("remote", remote), zap.Error(err))
			}
			answered, failed := srv.Handled()
			logger.Info("connection closed",
				zap.String("remote", remote),
				zap.Uint64("answered", answered),
				zap.Uint64("failed", failed),
				zap.NamedError("reason", reason),
			)
			return nil
		})
	}
}

func serveMetrics(ctx context.Context, address string, handler http.Handler) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	server := &http.Server{
		Addr:              address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()
	logger.Info("metrics listening", zap.String("address", address), zap.String("backend", cfg.MetricsBackend))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
