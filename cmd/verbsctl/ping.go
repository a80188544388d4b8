package main

import (
	"bytes"
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func newPingCmd(a *app) *cobra.Command {
	var (
		count    int
		size     int
		interval time.Duration
		timeout  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "ping HOST[:PORT]",
		Short: "Connect to a verbsctl server and measure round trips",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if count <= 0 {
				return fmt.Errorf("--count must be positive, got %d", count)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			dev, err := a.openDevice()
			if err != nil {
				return err
			}
			defer dev.Close()
			m, err := a.newManager(dev)
			if err != nil {
				return err
			}

			dialCtx, cancel := context.WithTimeout(ctx, timeout)
			conn, err := m.Dial(dialCtx, args[0])
			cancel()
			if err != nil {
				return err
			}
			e, err := newEchoConn(dev, conn, size)
			if err != nil {
				_ = conn.Close()
				return err
			}
			defer e.Close()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "PING %s qpn %#x -> %#x, %d bytes\n", args[0], conn.QP.QPN(), conn.Peer.QPN, size)

			var (
				rtts     []time.Duration
				received int
			)
			for seq := 1; seq <= count; seq++ {
				rtt, err := pingOnce(ctx, e, uint64(seq), size, timeout)
				if err != nil {
					return fmt.Errorf("seq %d: %w", seq, err)
				}
				received++
				rtts = append(rtts, rtt)
				fmt.Fprintf(out, "%d bytes from %s: seq=%d time=%s\n", size, args[0], seq, rtt)
				if seq < count && interval > 0 {
					select {
					case <-ctx.Done():
						return ctx.Err()
					case <-time.After(interval):
					}
				}
			}

			minRTT, avgRTT, maxRTT := summarize(rtts)
			fmt.Fprintf(out, "--- %s ping statistics ---\n", args[0])
			fmt.Fprintf(out, "%d sent, %d received, rtt min/avg/max = %s/%s/%s\n", count, received, minRTT, avgRTT, maxRTT)
			return nil
		},
	}

	cmd.Flags().IntVarP(&count, "count", "c", 5, "Number of messages to send")
	cmd.Flags().IntVarP(&size, "size", "s", defaultMessageSize, "Message size in bytes")
	cmd.Flags().DurationVarP(&interval, "interval", "i", time.Second, "Wait between messages")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "Handshake and per-message timeout")
	return cmd
}

func pingOnce(ctx context.Context, e *echoConn, seq uint64, size int, timeout time.Duration) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	payload := e.send.Bytes()[:size]
	for i := range payload {
		payload[i] = byte(seq + uint64(i))
	}
	if err := e.postRecv(seq); err != nil {
		return 0, err
	}
	start := time.Now()
	if err := e.sendBytes(ctx, seq, uint64(size)); err != nil {
		return 0, err
	}
	wc, err := e.await(ctx)
	if err != nil {
		return 0, err
	}
	rtt := time.Since(start)
	if int(wc.ByteLen) != size || !bytes.Equal(e.recv.Bytes()[:size], payload) {
		return 0, fmt.Errorf("echo mismatch: got %d bytes", wc.ByteLen)
	}
	return rtt, nil
}

func summarize(samples []time.Duration) (minD, avgD, maxD time.Duration) {
	if len(samples) == 0 {
		return 0, 0, 0
	}
	minD, maxD = samples[0], samples[0]
	var total time.Duration
	for _, s := range samples {
		total += s
		minD = min(minD, s)
		maxD = max(maxD, s)
	}
	return minD, total / time.Duration(len(samples)), maxD
}
