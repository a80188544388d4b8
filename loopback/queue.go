package loopback

import (
	"github.com/rocketbitz/verbs-go/internal/provider"
)

type completionQueue struct {
	handle   provider.Handle
	dev      *device
	rd       *resourceDomain
	depth    int
	entries  []provider.WorkCompletion
	overflow bool
	refs     int
}

func (c *completionQueue) push(wc provider.WorkCompletion) {
	if len(c.entries) >= c.depth {
		c.overflow = true
		return
	}
	c.entries = append(c.entries, wc)
}

type queuePair struct {
	handle provider.Handle
	num    uint32
	typ    provider.QPType
	pd     *protectionDomain
	rd     *resourceDomain
	sendCQ *completionQueue
	recvCQ *completionQueue
	caps   provider.QPInitAttr

	state   provider.QPState
	port    uint8
	qkey    uint32
	access  provider.Access
	destQPN uint32
	dgid    provider.GID

	recvQ   []provider.RecvWR
	inbound []inbound
}

// receiving reports whether the queue pair accepts inbound traffic.
func (q *queuePair) receiving() bool {
	return q.state == provider.QPStateRTR || q.state == provider.QPStateRTS
}

// CreateCQ implements provider.Provider.
func (p *Provider) CreateCQ(devh provider.Handle, depth int, rdh provider.Handle) (provider.Handle, error) {
	if depth <= 0 || depth > maxCQE {
		return 0, opErr(provider.ErrInvalid, "create_cq")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	dev, ok := p.devices[devh]
	if !ok {
		return 0, opErr(provider.ErrInvalid, "create_cq")
	}
	rd, ok := p.lookupRD(dev, rdh)
	if !ok {
		return 0, opErr(provider.ErrInvalid, "create_cq")
	}
	cq := &completionQueue{handle: p.handle(), dev: dev, rd: rd, depth: depth}
	p.cqs[cq.handle] = cq
	dev.refs++
	if rd != nil {
		rd.refs++
	}
	return cq.handle, nil
}

// DestroyCQ implements provider.Provider.
func (p *Provider) DestroyCQ(h provider.Handle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	cq, ok := p.cqs[h]
	if !ok {
		return opErr(provider.ErrInvalid, "destroy_cq")
	}
	if cq.refs > 0 {
		return opErr(provider.ErrBusy, "destroy_cq")
	}
	cq.dev.refs--
	if cq.rd != nil {
		cq.rd.refs--
	}
	delete(p.cqs, h)
	return nil
}

// PollCQ implements provider.Provider.
func (p *Provider) PollCQ(h provider.Handle, out []provider.WorkCompletion) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cq, ok := p.cqs[h]
	if !ok {
		return 0, opErr(provider.ErrInvalid, "poll_cq")
	}
	if cq.overflow {
		return 0, opErr(provider.ErrOverflow, "poll_cq")
	}
	n := copy(out, cq.entries)
	cq.entries = cq.entries[:copy(cq.entries, cq.entries[n:])]
	return n, nil
}

// CreateQP implements provider.Provider.
func (p *Provider) CreateQP(pdh provider.Handle, attr provider.QPInitAttr) (provider.Handle, uint32, error) {
	switch attr.Type {
	case provider.QPTypeRC, provider.QPTypeUC, provider.QPTypeUD, provider.QPTypeRawPacket:
	default:
		return 0, 0, opErr(provider.ErrOpNotSupp, "create_qp")
	}
	if attr.MaxSendWR == 0 || attr.MaxSendWR > maxQPWR || attr.MaxRecvWR == 0 || attr.MaxRecvWR > maxQPWR {
		return 0, 0, opErr(provider.ErrInvalid, "create_qp")
	}
	if attr.MaxSendSGE > maxSGE || attr.MaxRecvSGE > maxSGE || attr.MaxInlineData > maxInline {
		return 0, 0, opErr(provider.ErrInvalid, "create_qp")
	}
	if attr.MaxAtomicArg != 0 && (attr.Type != provider.QPTypeRC || attr.MaxAtomicArg != 8) {
		return 0, 0, opErr(provider.ErrInvalid, "create_qp")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	pd, ok := p.pds[pdh]
	if !ok {
		return 0, 0, opErr(provider.ErrInvalid, "create_qp")
	}
	sendCQ, ok := p.cqs[attr.SendCQ]
	if !ok || sendCQ.dev != pd.dev {
		return 0, 0, opErr(provider.ErrInvalid, "create_qp")
	}
	recvCQ, ok := p.cqs[attr.RecvCQ]
	if !ok || recvCQ.dev != pd.dev {
		return 0, 0, opErr(provider.ErrInvalid, "create_qp")
	}
	rd, ok := p.lookupRD(pd.dev, attr.ResourceDomain)
	if !ok {
		return 0, 0, opErr(provider.ErrInvalid, "create_qp")
	}

	qp := &queuePair{
		handle: p.handle(),
		num:    p.nextQPN,
		typ:    attr.Type,
		pd:     pd,
		rd:     rd,
		sendCQ: sendCQ,
		recvCQ: recvCQ,
		caps:   attr,
		state:  provider.QPStateReset,
	}
	p.nextQPN++
	p.qps[qp.handle] = qp
	p.qpns[qp.num] = qp
	pd.refs++
	sendCQ.refs++
	recvCQ.refs++
	if rd != nil {
		rd.refs++
	}
	return qp.handle, qp.num, nil
}

// DestroyQP implements provider.Provider.
func (p *Provider) DestroyQP(h provider.Handle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	qp, ok := p.qps[h]
	if !ok {
		return opErr(provider.ErrInvalid, "destroy_qp")
	}
	qp.state = provider.QPStateReset
	qp.recvQ = nil
	qp.inbound = nil
	qp.pd.refs--
	qp.sendCQ.refs--
	qp.recvCQ.refs--
	if qp.rd != nil {
		qp.rd.refs--
	}
	delete(p.qps, h)
	delete(p.qpns, qp.num)
	return nil
}

// QueryQPState implements provider.Provider.
func (p *Provider) QueryQPState(h provider.Handle) (provider.QPState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	qp, ok := p.qps[h]
	if !ok {
		return 0, opErr(provider.ErrInvalid, "query_qp")
	}
	return qp.state, nil
}

// transitionMask lists the attributes a transition into state must carry for
// the given transport. Attributes outside the mask are rejected.
func transitionMask(typ provider.QPType, state provider.QPState) provider.QPAttrMask {
	switch state {
	case provider.QPStateInit:
		switch typ {
		case provider.QPTypeRC, provider.QPTypeUC:
			return provider.QPAttrState | provider.QPAttrPKeyIndex | provider.QPAttrPort | provider.QPAttrAccessFlags
		case provider.QPTypeUD:
			return provider.QPAttrState | provider.QPAttrPKeyIndex | provider.QPAttrPort | provider.QPAttrQKey
		default:
			return provider.QPAttrState | provider.QPAttrPort
		}
	case provider.QPStateRTR:
		connected := provider.QPAttrState | provider.QPAttrAV | provider.QPAttrPathMTU | provider.QPAttrDestQPN | provider.QPAttrRQPSN
		switch typ {
		case provider.QPTypeRC:
			return connected | provider.QPAttrMaxDestRdAtomic | provider.QPAttrMinRNRTimer
		case provider.QPTypeUC:
			return connected
		default:
			return provider.QPAttrState
		}
	case provider.QPStateRTS:
		switch typ {
		case provider.QPTypeRC:
			return provider.QPAttrState | provider.QPAttrSQPSN | provider.QPAttrTimeout | provider.QPAttrRetryCnt |
				provider.QPAttrRNRRetry | provider.QPAttrMaxQPRdAtomic
		case provider.QPTypeUD, provider.QPTypeUC:
			return provider.QPAttrState | provider.QPAttrSQPSN
		default:
			return provider.QPAttrState
		}
	}
	return provider.QPAttrState
}

// ModifyQP implements provider.Provider.
func (p *Provider) ModifyQP(h provider.Handle, attr *provider.QPAttr, mask provider.QPAttrMask) error {
	if attr == nil || mask&provider.QPAttrState == 0 {
		return opErr(provider.ErrInvalid, "modify_qp")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	qp, ok := p.qps[h]
	if !ok {
		return opErr(provider.ErrInvalid, "modify_qp")
	}

	switch attr.State {
	case provider.QPStateReset:
		qp.state = provider.QPStateReset
		qp.recvQ = nil
		qp.inbound = nil
		return nil
	case provider.QPStateErr:
		p.setErr(qp)
		return nil
	case provider.QPStateInit, provider.QPStateRTR, provider.QPStateRTS:
	default:
		return opErr(provider.ErrOpNotSupp, "modify_qp")
	}

	if attr.State != qp.state+1 {
		return opErr(provider.ErrInvalid, "modify_qp")
	}
	if mask != transitionMask(qp.typ, attr.State) {
		return opErr(provider.ErrInvalid, "modify_qp")
	}

	switch attr.State {
	case provider.QPStateInit:
		if attr.PortNum == 0 || attr.PortNum > qp.pd.dev.ports {
			return opErr(provider.ErrInvalid, "modify_qp")
		}
		qp.port = attr.PortNum
		qp.qkey = attr.QKey
		qp.access = attr.AccessFlags
	case provider.QPStateRTR:
		if qp.typ == provider.QPTypeRC || qp.typ == provider.QPTypeUC {
			if attr.PathMTU.Bytes() == 0 || !attr.AH.IsGlobal {
				return opErr(provider.ErrInvalid, "modify_qp")
			}
			qp.destQPN = attr.DestQPN
			qp.dgid = attr.AH.DGID
		}
	}
	qp.state = attr.State
	return nil
}

// setErr moves the queue pair to the error state and flushes posted receives.
func (p *Provider) setErr(qp *queuePair) {
	qp.state = provider.QPStateErr
	for _, wr := range qp.recvQ {
		qp.recvCQ.push(provider.WorkCompletion{
			ID:     wr.ID,
			Status: provider.WCWRFlushErr,
			Opcode: provider.WCRecv,
			QPN:    qp.num,
		})
	}
	qp.recvQ = nil
}
