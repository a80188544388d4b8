package loopback

import (
	"encoding/binary"

	"github.com/rocketbitz/verbs-go/internal/provider"
)

// inbound is an operation travelling from one RC queue pair to its peer.
type inbound struct {
	from *queuePair
	wr   provider.SendWR
	data []byte
}

func (op inbound) consumesRecv() bool {
	switch op.wr.Opcode {
	case provider.OpSend, provider.OpSendWithImm, provider.OpRDMAWriteWithImm:
		return true
	}
	return false
}

func allowedOpcode(typ provider.QPType, op provider.Opcode) bool {
	switch typ {
	case provider.QPTypeRC:
		return op >= provider.OpSend && op <= provider.OpMaskedAtomicFetchAdd
	case provider.QPTypeUC:
		return op.IsSend() || op == provider.OpRDMAWrite || op == provider.OpRDMAWriteWithImm
	default:
		return op.IsSend()
	}
}

// PostSend implements provider.Provider. The whole chain is validated before
// any descriptor is executed.
func (p *Provider) PostSend(h provider.Handle, wr *provider.SendWR) error {
	if wr == nil {
		return opErr(provider.ErrInvalid, "post_send")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	qp, ok := p.qps[h]
	if !ok {
		return opErr(provider.ErrInvalid, "post_send")
	}
	for w := wr; w != nil; w = w.Next {
		if err := validateSend(qp, w); err != nil {
			return err
		}
	}
	for w := wr; w != nil; w = w.Next {
		p.submit(qp, cloneSend(w))
	}
	return nil
}

func validateSend(qp *queuePair, w *provider.SendWR) error {
	if qp.state != provider.QPStateRTS && qp.state != provider.QPStateErr {
		return opErr(provider.ErrInvalid, "post_send")
	}
	if !allowedOpcode(qp.typ, w.Opcode) {
		return opErr(provider.ErrInvalid, "post_send")
	}
	if uint32(len(w.SGL)) > qp.caps.MaxSendSGE {
		return opErr(provider.ErrInvalid, "post_send")
	}
	if w.Opcode.IsMasked() && qp.caps.MaxAtomicArg == 0 {
		return opErr(provider.ErrOpNotSupp, "post_send")
	}
	if w.Flags&provider.SendInline != 0 {
		total := 0
		for _, sge := range w.SGL {
			total += int(sge.Length)
		}
		if uint32(total) > qp.caps.MaxInlineData {
			return opErr(provider.ErrInvalid, "post_send")
		}
	}
	return nil
}

func cloneSend(w *provider.SendWR) provider.SendWR {
	c := *w
	c.Next = nil
	c.SGL = append([]provider.SGE(nil), w.SGL...)
	return c
}

func (p *Provider) submit(qp *queuePair, wr provider.SendWR) {
	if qp.state == provider.QPStateErr {
		p.complete(qp, &wr, provider.WCWRFlushErr, 0)
		return
	}

	var data []byte
	switch wr.Opcode {
	case provider.OpSend, provider.OpSendWithImm, provider.OpRDMAWrite, provider.OpRDMAWriteWithImm:
		var status provider.WCStatus
		data, status = p.gather(qp.pd, wr.SGL)
		if status != provider.WCSuccess {
			p.fail(qp, &wr, status)
			return
		}
	}

	if qp.typ != provider.QPTypeRC {
		// Only RC traffic is routed between queue pairs. Unreliable
		// transports leave the port and are reported as sent.
		p.complete(qp, &wr, provider.WCSuccess, len(data))
		return
	}

	peer := p.qpns[qp.destQPN]
	if peer == nil || peer.typ != provider.QPTypeRC || peer.destQPN != qp.num ||
		gidFor(peer.pd.dev.index, peer.port) != qp.dgid {
		p.fail(qp, &wr, provider.WCRetryExcErr)
		return
	}
	peer.inbound = append(peer.inbound, inbound{from: qp, wr: wr, data: data})
	p.deliver(peer)
}

// deliver executes queued inbound operations in order, stalling on the first
// one that needs a receive descriptor when none is posted.
func (p *Provider) deliver(dst *queuePair) {
	for len(dst.inbound) > 0 {
		op := dst.inbound[0]
		if op.consumesRecv() && len(dst.recvQ) == 0 && dst.receiving() {
			return
		}
		dst.inbound = dst.inbound[1:]
		p.execute(dst, op)
	}
}

func (p *Provider) execute(dst *queuePair, op inbound) {
	src := op.from
	wr := &op.wr
	if src.state == provider.QPStateErr {
		p.complete(src, wr, provider.WCWRFlushErr, 0)
		return
	}
	if !dst.receiving() {
		p.fail(src, wr, provider.WCRetryExcErr)
		return
	}

	switch wr.Opcode {
	case provider.OpSend, provider.OpSendWithImm:
		recv := dst.popRecv()
		if status := p.scatter(dst.pd, recv.SGL, op.data); status != provider.WCSuccess {
			dst.recvCQ.push(provider.WorkCompletion{ID: recv.ID, Status: status, Opcode: provider.WCRecv, QPN: dst.num})
			p.setErr(dst)
			p.fail(src, wr, provider.WCRemInvReqErr)
			return
		}
		p.receiveCompletion(dst, src, recv.ID, provider.WCRecv, wr, len(op.data))
		p.complete(src, wr, provider.WCSuccess, len(op.data))

	case provider.OpRDMAWrite, provider.OpRDMAWriteWithImm:
		target, ok := p.remoteSpan(dst.pd, wr.RemoteAddr, wr.RKey, uint64(len(op.data)), provider.AccessRemoteWrite)
		if !ok || dst.access&provider.AccessRemoteWrite == 0 {
			p.fail(src, wr, provider.WCRemAccessErr)
			return
		}
		copy(target, op.data)
		if wr.Opcode == provider.OpRDMAWriteWithImm {
			recv := dst.popRecv()
			p.receiveCompletion(dst, src, recv.ID, provider.WCRecvRDMAWithImm, wr, len(op.data))
		}
		p.complete(src, wr, provider.WCSuccess, len(op.data))

	case provider.OpRDMARead:
		length := 0
		for _, sge := range wr.SGL {
			length += int(sge.Length)
		}
		source, ok := p.remoteSpan(dst.pd, wr.RemoteAddr, wr.RKey, uint64(length), provider.AccessRemoteRead)
		if !ok || dst.access&provider.AccessRemoteRead == 0 {
			p.fail(src, wr, provider.WCRemAccessErr)
			return
		}
		if status := p.scatter(src.pd, wr.SGL, source); status != provider.WCSuccess {
			p.fail(src, wr, status)
			return
		}
		p.complete(src, wr, provider.WCSuccess, length)

	default:
		p.atomic(dst, src, wr)
	}
}

func (p *Provider) atomic(dst, src *queuePair, wr *provider.SendWR) {
	if len(wr.SGL) != 1 || wr.SGL[0].Length != 8 {
		p.fail(src, wr, provider.WCLocLenErr)
		return
	}
	result, status := p.localSpan(src.pd, wr.SGL[0], true)
	if status != provider.WCSuccess {
		p.fail(src, wr, status)
		return
	}
	if wr.RemoteAddr%8 != 0 {
		p.fail(src, wr, provider.WCRemInvReqErr)
		return
	}
	target, ok := p.remoteSpan(dst.pd, wr.RemoteAddr, wr.RKey, 8, provider.AccessRemoteAtomic)
	if !ok || dst.access&provider.AccessRemoteAtomic == 0 {
		p.fail(src, wr, provider.WCRemAccessErr)
		return
	}

	old := binary.NativeEndian.Uint64(target)
	next := old
	switch wr.Opcode {
	case provider.OpAtomicCompareSwap:
		if old == wr.CompareAdd {
			next = wr.Swap
		}
	case provider.OpAtomicFetchAdd:
		next = old + wr.CompareAdd
	case provider.OpMaskedAtomicCompareSwap:
		if old&wr.CompareAddMask == wr.CompareAdd&wr.CompareAddMask {
			next = old&^wr.SwapMask | wr.Swap&wr.SwapMask
		}
	case provider.OpMaskedAtomicFetchAdd:
		next = FieldAdd(old, wr.CompareAdd, wr.CompareAddMask)
	}
	binary.NativeEndian.PutUint64(target, next)
	binary.NativeEndian.PutUint64(result, old)
	p.complete(src, wr, provider.WCSuccess, 8)
}

// FieldAdd adds b to a as independent fields. A set bit in boundary marks the
// most significant bit of a field; the carry out of that bit is discarded.
func FieldAdd(a, b, boundary uint64) uint64 {
	var sum, carry uint64
	for i := 0; i < 64; i++ {
		x, y := a>>i&1, b>>i&1
		sum |= (x ^ y ^ carry) << i
		carry = x&y | x&carry | y&carry
		if boundary>>i&1 == 1 {
			carry = 0
		}
	}
	return sum
}

func (q *queuePair) popRecv() provider.RecvWR {
	wr := q.recvQ[0]
	q.recvQ = q.recvQ[1:]
	return wr
}

func (p *Provider) receiveCompletion(dst, src *queuePair, id uint64, op provider.WCOpcode, wr *provider.SendWR, n int) {
	wc := provider.WorkCompletion{
		ID:      id,
		Status:  provider.WCSuccess,
		Opcode:  op,
		ByteLen: uint32(n),
		QPN:     dst.num,
		SrcQP:   src.num,
	}
	if wr.Opcode.CarriesImm() {
		wc.Imm = wr.Imm
		wc.Flags |= provider.WCWithImm
	}
	dst.recvCQ.push(wc)
}

// complete reports a send-queue completion. Successful completions are only
// generated for signaled descriptors.
func (p *Provider) complete(qp *queuePair, wr *provider.SendWR, status provider.WCStatus, n int) {
	if status == provider.WCSuccess && wr.Flags&provider.SendSignaled == 0 {
		return
	}
	qp.sendCQ.push(provider.WorkCompletion{
		ID:      wr.ID,
		Status:  status,
		Opcode:  provider.CompletionOpcode(wr.Opcode),
		ByteLen: uint32(n),
		QPN:     qp.num,
	})
}

// fail reports an error completion and moves the queue pair to the error state.
func (p *Provider) fail(qp *queuePair, wr *provider.SendWR, status provider.WCStatus) {
	p.complete(qp, wr, status, 0)
	p.setErr(qp)
}

// PostRecv implements provider.Provider.
func (p *Provider) PostRecv(h provider.Handle, wr *provider.RecvWR) error {
	if wr == nil {
		return opErr(provider.ErrInvalid, "post_recv")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	qp, ok := p.qps[h]
	if !ok {
		return opErr(provider.ErrInvalid, "post_recv")
	}
	if qp.state == provider.QPStateReset {
		return opErr(provider.ErrInvalid, "post_recv")
	}
	count := 0
	for w := wr; w != nil; w = w.Next {
		if uint32(len(w.SGL)) > qp.caps.MaxRecvSGE {
			return opErr(provider.ErrInvalid, "post_recv")
		}
		count++
	}
	if qp.state != provider.QPStateErr && len(qp.recvQ)+count > int(qp.caps.MaxRecvWR) {
		return opErr(provider.ErrNoMemory, "post_recv")
	}
	for w := wr; w != nil; w = w.Next {
		c := *w
		c.Next = nil
		c.SGL = append([]provider.SGE(nil), w.SGL...)
		if qp.state == provider.QPStateErr {
			qp.recvCQ.push(provider.WorkCompletion{ID: c.ID, Status: provider.WCWRFlushErr, Opcode: provider.WCRecv, QPN: qp.num})
			continue
		}
		qp.recvQ = append(qp.recvQ, c)
	}
	p.deliver(qp)
	return nil
}
