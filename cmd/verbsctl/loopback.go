package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rocketbitz/verbs-go/cm"
	"github.com/rocketbitz/verbs-go/cm/httprpc"
	"github.com/rocketbitz/verbs-go/verbs"
)

func newLoopbackCmd(a *app) *cobra.Command {
	var (
		iterations int
		size       int
		timeout    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "loopback",
		Short: "Connect two queue pairs on one device and run every operation",
		Long: "Connect two RC queue pairs on the configured device through the HTTP handshake " +
			"on 127.0.0.1, then run send/receive, RDMA write, RDMA read and atomic rounds.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if iterations <= 0 || size <= 0 {
				return fmt.Errorf("--iterations and --size must be positive")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			dev, err := a.openDevice()
			if err != nil {
				return err
			}
			defer dev.Close()

			results, err := runLoopback(ctx, a, dev, iterations, size)
			if err != nil {
				return err
			}
			printResults(cmd.OutOrStdout(), results)
			return nil
		},
	}

	cmd.Flags().IntVarP(&iterations, "iterations", "n", 100, "Operations per round")
	cmd.Flags().IntVarP(&size, "size", "s", 4096, "Payload size in bytes")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Overall deadline")
	return cmd
}

type result struct {
	Op    string
	Count int
	Bytes int
	Total time.Duration
}

// pair is both ends of a loopback connection with their buffers.
type pair struct {
	dev    *verbs.Device
	client cm.Conn
	server cm.Conn
	local  *verbs.MemoryRegion
	remote *verbs.MemoryRegion
}

func (p *pair) Close() error {
	return errors.Join(p.client.Close(), p.server.Close(), p.local.Close(), p.remote.Close())
}

// connectPair runs both sides of the establish handshake over HTTP on one
// device.
func connectPair(ctx context.Context, a *app, dev *verbs.Device) (cm.Conn, cm.Conn, error) {
	m, err := a.newManager(dev)
	if err != nil {
		return cm.Conn{}, cm.Conn{}, err
	}
	srv, err := httprpc.Listen("127.0.0.1:0", httprpc.WithLogger(a.log))
	if err != nil {
		return cm.Conn{}, cm.Conn{}, err
	}

	var client, server cm.Conn
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return m.Serve(gctx, srv, func(c cm.Conn) bool {
			server = c
			return true
		})
	})
	g.Go(func() error {
		var err error
		client, err = m.Dial(gctx, srv.Addr())
		return err
	})
	if err := g.Wait(); err != nil {
		_ = client.Close()
		_ = server.Close()
		return cm.Conn{}, cm.Conn{}, fmt.Errorf("loopback handshake: %w", err)
	}
	return client, server, nil
}

func runLoopback(ctx context.Context, a *app, dev *verbs.Device, iterations, size int) ([]result, error) {
	client, server, err := connectPair(ctx, a, dev)
	if err != nil {
		return nil, err
	}
	p := &pair{dev: dev, client: client, server: server}
	defer p.Close()

	// local: payload | scratch | 8-byte atomic result
	// remote: payload | 8-byte counter
	if p.local, err = dev.RegisterHost(make([]byte, 2*size+8), verbs.AccessFull); err != nil {
		return nil, err
	}
	if p.remote, err = dev.RegisterHost(make([]byte, size+8), verbs.AccessFull); err != nil {
		return nil, err
	}

	rounds := []struct {
		name  string
		bytes int
		run   func(context.Context, *pair, int, int) error
	}{
		{"send/recv", size, sendRecvRound},
		{"rdma write", size, writeRound},
		{"rdma read", size, readRound},
		{"fetch-add", 8, fetchAddRound},
		{"compare-swap", 8, compareSwapRound},
	}
	results := make([]result, 0, len(rounds))
	for _, r := range rounds {
		start := time.Now()
		if err := r.run(ctx, p, iterations, size); err != nil {
			return results, fmt.Errorf("%s: %w", r.name, err)
		}
		results = append(results, result{Op: r.name, Count: iterations, Bytes: r.bytes, Total: time.Since(start)})
	}
	return results, nil
}

func fill(b []byte, seed int) {
	for i := range b {
		b[i] = byte(seed + i)
	}
}

func postAndWait(ctx context.Context, c cm.Conn, req *verbs.SendRequest) error {
	if err := c.QP.Post(req.SetSignaled()); err != nil {
		return err
	}
	_, err := c.SendCQ.PollContext(ctx, 1)
	return err
}

func sendRecvRound(ctx context.Context, p *pair, iterations, size int) error {
	src, err := p.local.Slice(0, uint64(size))
	if err != nil {
		return err
	}
	dst, err := p.remote.Slice(0, uint64(size))
	if err != nil {
		return err
	}
	for i := 0; i < iterations; i++ {
		fill(src.Bytes(), i)
		if err := p.server.QP.PostRecv(p.dev.NewRecvRequest(dst).SetID(uint64(i))); err != nil {
			return err
		}
		if err := postAndWait(ctx, p.client, p.dev.NewSendRequest(src).SetOpcode(verbs.OpSend).SetID(uint64(i))); err != nil {
			return err
		}
		wcs, err := p.server.RecvCQ.PollContext(ctx, 1)
		if err != nil {
			return err
		}
		if int(wcs[0].ByteLen) != size || !bytes.Equal(dst.Bytes(), src.Bytes()) {
			return fmt.Errorf("iteration %d: payload mismatch", i)
		}
	}
	return nil
}

func writeRound(ctx context.Context, p *pair, iterations, size int) error {
	src, err := p.local.Slice(0, uint64(size))
	if err != nil {
		return err
	}
	dst, err := p.remote.Slice(0, uint64(size))
	if err != nil {
		return err
	}
	for i := 0; i < iterations; i++ {
		fill(src.Bytes(), i+1)
		req := p.dev.NewSendRequest(src).SetOpcode(verbs.OpRDMAWrite).SetRemote(dst.Remote()).SetID(uint64(i))
		if err := postAndWait(ctx, p.client, req); err != nil {
			return err
		}
		if !bytes.Equal(dst.Bytes(), src.Bytes()) {
			return fmt.Errorf("iteration %d: remote buffer mismatch", i)
		}
	}
	return nil
}

func readRound(ctx context.Context, p *pair, iterations, size int) error {
	scratch, err := p.local.Slice(uint64(size), uint64(size))
	if err != nil {
		return err
	}
	target, err := p.remote.Slice(0, uint64(size))
	if err != nil {
		return err
	}
	for i := 0; i < iterations; i++ {
		fill(target.Bytes(), i+2)
		req := p.dev.NewSendRequest(scratch).SetOpcode(verbs.OpRDMARead).SetRemote(target.Remote()).SetID(uint64(i))
		if err := postAndWait(ctx, p.client, req); err != nil {
			return err
		}
		if !bytes.Equal(scratch.Bytes(), target.Bytes()) {
			return fmt.Errorf("iteration %d: read mismatch", i)
		}
	}
	return nil
}

func atomicSlices(p *pair, size int) (verbs.MemorySlice, verbs.MemorySlice, error) {
	result, err := p.local.Slice(uint64(2*size), 8)
	if err != nil {
		return verbs.MemorySlice{}, verbs.MemorySlice{}, err
	}
	counter, err := p.remote.Slice(uint64(size), 8)
	if err != nil {
		return verbs.MemorySlice{}, verbs.MemorySlice{}, err
	}
	if !result.IsAligned(8) || !counter.IsAligned(8) {
		return verbs.MemorySlice{}, verbs.MemorySlice{}, fmt.Errorf("size %d leaves atomic words unaligned; use a multiple of 8", size)
	}
	return result, counter, nil
}

func fetchAddRound(ctx context.Context, p *pair, iterations, size int) error {
	result, counter, err := atomicSlices(p, size)
	if err != nil {
		return err
	}
	binary.NativeEndian.PutUint64(counter.Bytes(), 0)
	for i := 0; i < iterations; i++ {
		req := p.dev.NewSendRequest(result).SetFetchAdd(1).SetRemote(counter.Remote()).SetID(uint64(i))
		if err := postAndWait(ctx, p.client, req); err != nil {
			return err
		}
		if got := binary.NativeEndian.Uint64(result.Bytes()); got != uint64(i) {
			return fmt.Errorf("iteration %d: fetched %d", i, got)
		}
	}
	if got := binary.NativeEndian.Uint64(counter.Bytes()); got != uint64(iterations) {
		return fmt.Errorf("counter is %d after %d adds", got, iterations)
	}
	return nil
}

func compareSwapRound(ctx context.Context, p *pair, iterations, size int) error {
	result, counter, err := atomicSlices(p, size)
	if err != nil {
		return err
	}
	binary.NativeEndian.PutUint64(counter.Bytes(), 0)
	for i := 0; i < iterations; i++ {
		req := p.dev.NewSendRequest(result).SetCompareSwap(uint64(i), uint64(i+1)).SetRemote(counter.Remote()).SetID(uint64(i))
		if err := postAndWait(ctx, p.client, req); err != nil {
			return err
		}
		if got := binary.NativeEndian.Uint64(result.Bytes()); got != uint64(i) {
			return fmt.Errorf("iteration %d: compare value was %d", i, got)
		}
	}
	return nil
}

func printResults(w io.Writer, results []result) {
	table := tablewriter.NewTable(w)
	table.Header("OPERATION", "COUNT", "BYTES", "TOTAL", "AVG")
	for _, r := range results {
		avg := time.Duration(0)
		if r.Count > 0 {
			avg = r.Total / time.Duration(r.Count)
		}
		table.Append(r.Op, strconv.Itoa(r.Count), strconv.Itoa(r.Bytes), r.Total.Round(time.Microsecond).String(), avg.String())
	}
	table.Render()
}
