package verbs

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/rocketbitz/verbs-go/internal/provider"
)

// CompletionKind identifies the operation a completion reports.
type CompletionKind = provider.WCOpcode

const (
	CompletionSend              = provider.WCSend
	CompletionRDMAWrite         = provider.WCRDMAWrite
	CompletionRDMARead          = provider.WCRDMARead
	CompletionCompareSwap       = provider.WCCompareSwap
	CompletionFetchAdd          = provider.WCFetchAdd
	CompletionMaskedCompareSwap = provider.WCMaskedCompareSwap
	CompletionMaskedFetchAdd    = provider.WCMaskedFetchAdd
	CompletionRecv              = provider.WCRecv
	CompletionRecvWithImm       = provider.WCRecvRDMAWithImm
)

// CompletionStatus is the hardware status of a completion.
type CompletionStatus = provider.WCStatus

const (
	StatusSuccess      = provider.WCSuccess
	StatusFlushed      = provider.WCWRFlushErr
	StatusLocalLength  = provider.WCLocLenErr
	StatusLocalProt    = provider.WCLocProtErr
	StatusRemoteAccess = provider.WCRemAccessErr
	StatusRemoteInvReq = provider.WCRemInvReqErr
	StatusRetryExc     = provider.WCRetryExcErr
)

// Completion is a decoded completion record.
type Completion struct {
	Kind    CompletionKind
	ID      uint64
	ByteLen uint32
	Imm     uint32
	HasImm  bool
	Status  CompletionStatus
	QPN     uint32
}

// CQOption customises CreateCompletionQueue.
type CQOption func(*cqConfig)

type cqConfig struct {
	depth  int
	opaque any
}

// WithCQDepth sets the number of entries the queue holds.
func WithCQDepth(n int) CQOption {
	return func(c *cqConfig) {
		if n > 0 {
			c.depth = n
		}
	}
}

// WithOpaque attaches an application value retrievable through Opaque.
func WithOpaque(v any) CQOption {
	return func(c *cqConfig) {
		c.opaque = v
	}
}

// CompletionQueue is a polled ring of completion records.
type CompletionQueue struct {
	dev    *Device
	handle Handle
	depth  int
	opaque any
	refs   atomic.Int64
	buf    []provider.WorkCompletion
	log    *zap.Logger
}

// CreateCompletionQueue creates a completion queue bound to the device's
// resource domain when one exists.
func (d *Device) CreateCompletionQueue(opts ...CQOption) (*CompletionQueue, error) {
	if !d.valid() {
		return nil, ErrInvalidHandle{"device"}
	}
	cfg := cqConfig{depth: d.cfg.CQDepth}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	handle, err := d.prov.CreateCQ(d.handle, cfg.depth, d.rd)
	if err != nil {
		d.log.Error("create completion queue failed", zap.Int("depth", cfg.depth), zap.Error(err))
		return nil, &ResourceError{Resource: "completion queue", Err: err}
	}
	d.retain()
	cq := &CompletionQueue{
		dev:    d,
		handle: handle,
		depth:  cfg.depth,
		opaque: cfg.opaque,
		log:    d.log.With(zap.Uint64("cq", uint64(handle))),
	}
	cq.log.Debug("completion queue created", zap.Int("depth", cfg.depth))
	return cq, nil
}

// Close destroys the queue. It fails with ErrBusy while queue pairs reference it.
func (c *CompletionQueue) Close() error {
	if c == nil || c.dev == nil {
		return nil
	}
	if n := c.refs.Load(); n > 0 {
		c.log.Error("completion queue close with bound queue pairs", zap.Int64("queue_pairs", n))
		return fmt.Errorf("close completion queue: %d queue pairs bound: %w", n, ErrBusy)
	}
	if err := c.dev.prov.DestroyCQ(c.handle); err != nil {
		c.log.Error("destroy completion queue failed", zap.Error(err))
		return fmt.Errorf("close completion queue: %w", err)
	}
	c.dev.release()
	c.dev = nil
	c.handle = 0
	c.buf = nil
	return nil
}

// Depth returns the configured number of entries.
func (c *CompletionQueue) Depth() int {
	if c == nil {
		return 0
	}
	return c.depth
}

// Opaque returns the value attached with WithOpaque.
func (c *CompletionQueue) Opaque() any {
	if c == nil {
		return nil
	}
	return c.opaque
}

// Handle exposes the provider handle.
func (c *CompletionQueue) Handle() Handle {
	if c == nil {
		return 0
	}
	return c.handle
}

// poll performs one provider call for at most max entries. Records preceding
// a failed completion are returned alongside the error; records the same call
// drained after it travel in the CompletionError.
func (c *CompletionQueue) poll(max int) ([]Completion, error) {
	if c == nil || c.dev == nil {
		return nil, ErrInvalidHandle{"completion queue"}
	}
	if max <= 0 {
		return nil, nil
	}
	if cap(c.buf) < max {
		c.buf = make([]provider.WorkCompletion, max)
	}
	entries := c.buf[:max]
	n, err := c.dev.prov.PollCQ(c.handle, entries)
	if err != nil {
		c.log.Error("poll completion queue failed", zap.Error(err))
		return nil, fmt.Errorf("poll completion queue: %w", err)
	}
	out := make([]Completion, 0, n)
	for i, wc := range entries[:n] {
		rec := completionOf(wc)
		if wc.Status != provider.WCSuccess {
			trailing := make([]Completion, 0, n-i-1)
			for _, rest := range entries[i+1 : n] {
				trailing = append(trailing, completionOf(rest))
			}
			c.log.Error("work completion failed",
				zap.Uint64("wr_id", wc.ID),
				zap.Uint32("qpn", wc.QPN),
				zap.Stringer("opcode", wc.Opcode),
				zap.Stringer("status", wc.Status),
				zap.Uint32("vendor_err", wc.VendorErr),
				zap.Int("trailing", len(trailing)))
			return out, &CompletionError{Completion: rec, VendorErr: wc.VendorErr, Trailing: trailing}
		}
		out = append(out, rec)
	}
	return out, nil
}

func completionOf(wc provider.WorkCompletion) Completion {
	return Completion{
		Kind:    wc.Opcode,
		ID:      wc.ID,
		ByteLen: wc.ByteLen,
		Imm:     wc.Imm,
		HasImm:  wc.Flags&provider.WCWithImm != 0,
		Status:  wc.Status,
		QPN:     wc.QPN,
	}
}

// TryPollRecords makes a single provider call and returns up to n records.
func (c *CompletionQueue) TryPollRecords(n int) ([]Completion, error) {
	return c.poll(n)
}

// TryPoll makes a single provider call and returns how many completions, up
// to n, were consumed.
func (c *CompletionQueue) TryPoll(n int) (int, error) {
	recs, err := c.poll(n)
	return len(recs), err
}

// PollRecords busy-polls until exactly n completions have been retrieved.
func (c *CompletionQueue) PollRecords(n int) ([]Completion, error) {
	return c.PollContext(context.Background(), n)
}

// Poll busy-polls until exactly n completions have been retrieved, discarding
// their contents.
func (c *CompletionQueue) Poll(n int) error {
	_, err := c.PollContext(context.Background(), n)
	return err
}

// PollContext busy-polls like PollRecords and stops early when ctx is done.
func (c *CompletionQueue) PollContext(ctx context.Context, n int) ([]Completion, error) {
	if c == nil || c.dev == nil {
		return nil, ErrInvalidHandle{"completion queue"}
	}
	if ctx == nil {
		ctx = context.Background()
	}
	out := make([]Completion, 0, n)
	for len(out) < n {
		select {
		case <-ctx.Done():
			return out, ctx.Err()
		default:
		}
		recs, err := c.poll(n - len(out))
		out = append(out, recs...)
		if err != nil {
			return out, err
		}
		if len(recs) == 0 {
			runtime.Gosched()
		}
	}
	return out, nil
}
