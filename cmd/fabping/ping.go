package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rocketbitz/fabrpc/fabric/sockets"
	"github.com/rocketbitz/fabrpc/transport"
)

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Measure request/response round trips against a fabping server",
	Args:  cobra.NoArgs,
	RunE:  runPing,
}

func init() {
	pingCmd.Flags().IntP("count", "c", 4, "number of requests to send (0 runs until interrupted)")
	pingCmd.Flags().DurationP("interval", "i", time.Second, "wait between requests")
	pingCmd.Flags().IntP("size", "s", 56, "payload size in bytes")
}

// rttSummary accumulates round trip times.
type rttSummary struct {
	sent, received int
	min, max, sum  time.Duration
}

func (s *rttSummary) add(rtt time.Duration) {
	if s.received == 0 || rtt < s.min {
		s.min = rtt
	}
	if rtt > s.max {
		s.max = rtt
	}
	s.sum += rtt
	s.received++
}

func (s *rttSummary) avg() time.Duration {
	if s.received == 0 {
		return 0
	}
	return s.sum / time.Duration(s.received)
}

func (s *rttSummary) loss() float64 {
	if s.sent == 0 {
		return 0
	}
	return float64(s.sent-s.received) / float64(s.sent) * 100
}

func (s *rttSummary) String() string {
	return fmt.Sprintf("%d requests sent, %d answered, %.1f%% loss\nrtt min/avg/max = %s/%s/%s",
		s.sent, s.received, s.loss(), s.min, s.avg(), s.max)
}

// payload fills size bytes with a repeating pattern stamped with seq.
func payload(seq, size int) []byte {
	buf := make([]byte, size)
	for i := range buf {
		buf[i] = byte('a' + (i+seq)%26)
	}
	return buf
}

func runPing(cmd *cobra.Command, _ []string) error {
	count, _ := cmd.Flags().GetInt("count")
	interval, _ := cmd.Flags().GetDuration("interval")
	size, _ := cmd.Flags().GetInt("size")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hook, _, err := newMetrics()
	if err != nil {
		return err
	}

	dialCtx, cancel := ctx, context.CancelFunc(func() {})
	if cfg.CallTimeout > 0 {
		dialCtx, cancel = context.WithTimeout(ctx, cfg.CallTimeout)
	}
	ep, err := sockets.Dial(dialCtx, cfg.Address, socketOptions()...)
	cancel()
	if err != nil {
		return err
	}
	tc := cfg.Transport()
	instrument(&tc, hook)
	if tc.Name == "" {
		tc.Name = ep.Name()
	}
	tr, err := transport.New(ep, tc)
	if err != nil {
		return err
	}
	defer tr.Close()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "FABPING %s: %d bytes per request\n", cfg.Address, size)

	summary := &rttSummary{}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for seq := 0; count == 0 || seq < count; seq++ {
		if seq > 0 {
			select {
			case <-ctx.Done():
			case <-ticker.C:
			}
		}
		if ctx.Err() != nil {
			break
		}

		req := payload(seq, size)
		summary.sent++
		start := time.Now()
		resp, err := tr.Call(ctx, req)
		rtt := time.Since(start)
		if err != nil {
			logger.Warn("request failed", zap.Int("seq", seq), zap.Error(err))
			if ctx.Err() != nil {
				break
			}
			continue
		}
		if !bytes.Equal(resp, req) {
			logger.Warn("response mismatch", zap.Int("seq", seq), zap.Int("bytes", len(resp)))
			continue
		}
		summary.add(rtt)
		fmt.Fprintf(out, "%d bytes from %s: seq=%d time=%s\n", len(resp), cfg.Address, seq, rtt)
	}

	fmt.Fprintf(out, "\n--- %s fabping statistics ---\n%s\n", cfg.Address, summary)
	if summary.received == 0 && summary.sent > 0 {
		return fmt.Errorf("no responses from %s", cfg.Address)
	}
	return nil
}
