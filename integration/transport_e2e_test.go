//go:build integration

package integration

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rocketbitz/fabrpc/codec"
	"github.com/rocketbitz/fabrpc/fabric/sockets"
	"github.com/rocketbitz/fabrpc/transport"
)

// e2eAddress returns the listen address, FABRPC_E2E_ADDRESS or an ephemeral
// loopback port.
func e2eAddress() string {
	if addr := os.Getenv("FABRPC_E2E_ADDRESS"); addr != "" {
		return addr
	}
	return "127.0.0.1:0"
}

func connect(t *testing.T, cfg transport.Config, scfg transport.ServerConfig, handler transport.Handler) (*transport.Transport, *transport.Server) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	opts := []sockets.Option{sockets.WithLogger(logger)}

	ln, err := sockets.Listen(e2eAddress(), opts...)
	require.NoError(t, err, "listen")
	t.Cleanup(func() {
		_ = ln.Close()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	type accepted struct {
		srv *transport.Server
		err error
	}
	serverCh := make(chan accepted, 1)
	go func() {
		ep, err := ln.Accept(ctx)
		if err != nil {
			serverCh <- accepted{err: fmt.Errorf("accept: %w", err)}
			return
		}
		scfg.StructuredLogger = logger.Sugar()
		srv, err := transport.NewServer(ep, handler, scfg)
		serverCh <- accepted{srv: srv, err: err}
	}()

	ep, err := sockets.Dial(ctx, ln.Addr().String(), opts...)
	require.NoError(t, err, "dial")
	cfg.StructuredLogger = logger.Sugar()
	tr, err := transport.New(ep, cfg)
	require.NoError(t, err, "new transport")

	res := <-serverCh
	require.NoError(t, res.err, "new server")
	t.Cleanup(func() {
		_ = tr.Close()
		_ = res.srv.Close()
	})
	return tr, res.srv
}

func TestTransportEndToEnd(t *testing.T) {
	cases := []struct {
		name        string
		compression codec.Compression
	}{
		{name: "plain", compression: codec.CompressionNone},
		{name: "zstd", compression: codec.CompressionZstd},
		{name: "lz4", compression: codec.CompressionLZ4},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			reg := prometheus.NewRegistry()
			hook, err := transport.NewPrometheusMetrics(transport.PrometheusMetricsOptions{Registerer: reg})
			require.NoError(t, err)

			cfg := transport.Config{
				MaxMessageSize:     16 << 10,
				ReceiveCredits:     8,
				Compression:        tc.compression,
				CompressionMinSize: 128,
				Name:               "e2e-client",
				Metrics:            hook,
			}
			scfg := transport.ServerConfig{Config: cfg, Workers: 8}
			scfg.Name = "e2e-server"
			tr, srv := connect(t, cfg, scfg, func(_ context.Context, req []byte) ([]byte, error) {
				return bytes.ToUpper(req), nil
			})

			const calls = 200
			var wg sync.WaitGroup
			errs := make(chan error, calls)
			for i := 0; i < calls; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
					defer cancel()
					req := strings.Repeat(fmt.Sprintf("payload-%03d ", i), 1+i%50)
					resp, err := tr.Call(ctx, []byte(req))
					if err != nil {
						errs <- fmt.Errorf("call %d: %w", i, err)
						return
					}
					if string(resp) != strings.ToUpper(req) {
						errs <- fmt.Errorf("call %d: response mismatch", i)
					}
				}(i)
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				require.NoError(t, err)
			}

			require.Zero(t, tr.Pending())
			require.Eventually(t, func() bool {
				answered, _ := srv.Handled()
				return answered == calls && tr.Stats().Resolved == calls
			}, 5*time.Second, 10*time.Millisecond)

			require.Eventually(t, func() bool {
				return resolvedTotal(t, reg) == calls
			}, 5*time.Second, 10*time.Millisecond)
		})
	}
}

func resolvedTotal(t *testing.T, reg *prometheus.Registry) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	var resolved float64
	for _, mf := range families {
		if mf.GetName() != "fabrpc_request_resolved_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			resolved += m.GetCounter().GetValue()
		}
	}
	return resolved
}

func TestTransportPeerLoss(t *testing.T) {
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	tr, srv := connect(t, transport.Config{}, transport.ServerConfig{}, func(ctx context.Context, _ []byte) ([]byte, error) {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return nil, ctx.Err()
	})

	future := tr.Send([]byte("never answered"))
	require.NoError(t, srv.Close())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := future.Await(ctx)
	require.ErrorIs(t, err, transport.ErrDispatcherFault)

	_, err = tr.Send([]byte("after")).Await(ctx)
	require.ErrorIs(t, err, transport.ErrDispatcherFault)
}
