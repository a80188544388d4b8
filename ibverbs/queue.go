//go:build linux && cgo && ibverbs

package ibverbs

/*
#include "shim.h"
*/
import "C"

import (
	"sync"
	"unsafe"

	"github.com/rocketbitz/verbs-go/internal/provider"
)

type completionQueue struct {
	ptr  *C.struct_ibv_cq
	dev  *device
	refs int

	// guards wcs, the scratch array handed to ibv_poll_cq
	mu  sync.Mutex
	wcs []C.struct_ibv_wc
}

type queuePair struct {
	ptr    *C.struct_ibv_qp
	pd     *protectionDomain
	sendCQ *completionQueue
	recvCQ *completionQueue
}

var qpTypes = map[provider.QPType]C.enum_ibv_qp_type{
	provider.QPTypeRC:        C.IBV_QPT_RC,
	provider.QPTypeUC:        C.IBV_QPT_UC,
	provider.QPTypeUD:        C.IBV_QPT_UD,
	provider.QPTypeRawPacket: C.IBV_QPT_RAW_PACKET,
	provider.QPTypeXRCSend:   C.IBV_QPT_XRC_SEND,
	provider.QPTypeXRCRecv:   C.IBV_QPT_XRC_RECV,
}

var attrMasks = []struct {
	mask provider.QPAttrMask
	ibv  C.int
}{
	{provider.QPAttrState, C.IBV_QP_STATE},
	{provider.QPAttrAccessFlags, C.IBV_QP_ACCESS_FLAGS},
	{provider.QPAttrPKeyIndex, C.IBV_QP_PKEY_INDEX},
	{provider.QPAttrPort, C.IBV_QP_PORT},
	{provider.QPAttrQKey, C.IBV_QP_QKEY},
	{provider.QPAttrAV, C.IBV_QP_AV},
	{provider.QPAttrPathMTU, C.IBV_QP_PATH_MTU},
	{provider.QPAttrTimeout, C.IBV_QP_TIMEOUT},
	{provider.QPAttrRetryCnt, C.IBV_QP_RETRY_CNT},
	{provider.QPAttrRNRRetry, C.IBV_QP_RNR_RETRY},
	{provider.QPAttrRQPSN, C.IBV_QP_RQ_PSN},
	{provider.QPAttrMaxQPRdAtomic, C.IBV_QP_MAX_QP_RD_ATOMIC},
	{provider.QPAttrMinRNRTimer, C.IBV_QP_MIN_RNR_TIMER},
	{provider.QPAttrSQPSN, C.IBV_QP_SQ_PSN},
	{provider.QPAttrMaxDestRdAtomic, C.IBV_QP_MAX_DEST_RD_ATOMIC},
	{provider.QPAttrDestQPN, C.IBV_QP_DEST_QPN},
}

var wcOpcodes = map[C.enum_ibv_wc_opcode]provider.WCOpcode{
	C.IBV_WC_SEND:               provider.WCSend,
	C.IBV_WC_RDMA_WRITE:         provider.WCRDMAWrite,
	C.IBV_WC_RDMA_READ:          provider.WCRDMARead,
	C.IBV_WC_COMP_SWAP:          provider.WCCompareSwap,
	C.IBV_WC_FETCH_ADD:          provider.WCFetchAdd,
	C.IBV_WC_RECV:               provider.WCRecv,
	C.IBV_WC_RECV_RDMA_WITH_IMM: provider.WCRecvRDMAWithImm,
}

// CreateCQ implements provider.Provider. Completion queues are not bound to
// the resource domain; only queue pairs use its thread domain.
func (p *Provider) CreateCQ(devh provider.Handle, depth int, rdh provider.Handle) (provider.Handle, error) {
	d, err := lookup[*device](p, devh, "create cq")
	if err != nil {
		return 0, err
	}
	if rdh != 0 {
		if _, err := lookup[*resourceDomain](p, rdh, "create cq"); err != nil {
			return 0, err
		}
	}
	if depth <= 0 {
		return 0, opErr(provider.ErrInvalid, "create cq")
	}
	cq, cerr := C.ibv_create_cq(d.ctx, C.int(depth), nil, nil, 0)
	if cq == nil {
		return 0, errnoErr(cerr, "create cq")
	}
	p.mu.Lock()
	d.refs++
	p.mu.Unlock()
	return p.add(&completionQueue{ptr: cq, dev: d}), nil
}

// DestroyCQ implements provider.Provider.
func (p *Provider) DestroyCQ(h provider.Handle) error {
	cq, err := lookup[*completionQueue](p, h, "destroy cq")
	if err != nil {
		return err
	}
	p.mu.RLock()
	busy := cq.refs > 0
	p.mu.RUnlock()
	if busy {
		return opErr(provider.ErrBusy, "destroy cq")
	}
	if status := C.ibv_destroy_cq(cq.ptr); status != 0 {
		return statusErr(status, "destroy cq")
	}
	p.mu.Lock()
	cq.dev.refs--
	p.mu.Unlock()
	p.remove(h)
	return nil
}

// PollCQ implements provider.Provider.
func (p *Provider) PollCQ(h provider.Handle, out []provider.WorkCompletion) (int, error) {
	cq, err := lookup[*completionQueue](p, h, "poll cq")
	if err != nil {
		return 0, err
	}
	if len(out) == 0 {
		return 0, nil
	}

	cq.mu.Lock()
	defer cq.mu.Unlock()
	if len(cq.wcs) < len(out) {
		cq.wcs = make([]C.struct_ibv_wc, len(out))
	}
	n := C.shim_poll_cq(cq.ptr, C.int(len(out)), &cq.wcs[0])
	if n < 0 {
		return 0, opErr(provider.ErrIO, "poll cq")
	}
	for i := 0; i < int(n); i++ {
		wc := &cq.wcs[i]
		flags := provider.WCFlags(0)
		var imm uint32
		if wc.wc_flags&C.IBV_WC_WITH_IMM != 0 {
			flags |= provider.WCWithImm
			imm = uint32(C.shim_wc_imm(wc))
		}
		if wc.wc_flags&C.IBV_WC_GRH != 0 {
			flags |= provider.WCGRH
		}
		out[i] = provider.WorkCompletion{
			ID:        uint64(wc.wr_id),
			Status:    provider.WCStatus(wc.status),
			Opcode:    wcOpcodes[wc.opcode],
			VendorErr: uint32(wc.vendor_err),
			ByteLen:   uint32(wc.byte_len),
			Imm:       imm,
			Flags:     flags,
			QPN:       uint32(wc.qp_num),
			SrcQP:     uint32(wc.src_qp),
		}
	}
	return int(n), nil
}

// CreateQP implements provider.Provider. Standard 8-byte atomics need no
// creation flag; larger atomic arguments and erasure coding offloads require
// vendor verbs and are rejected.
func (p *Provider) CreateQP(pdh provider.Handle, attr provider.QPInitAttr) (provider.Handle, uint32, error) {
	pd, err := lookup[*protectionDomain](p, pdh, "create qp")
	if err != nil {
		return 0, 0, err
	}
	typ, ok := qpTypes[attr.Type]
	if !ok || attr.MaxAtomicArg > 8 || attr.CreateFlags&provider.QPCreateECParity != 0 {
		return 0, 0, opErr(provider.ErrOpNotSupp, "create qp")
	}
	sendCQ, err := lookup[*completionQueue](p, attr.SendCQ, "create qp")
	if err != nil {
		return 0, 0, err
	}
	recvCQ, err := lookup[*completionQueue](p, attr.RecvCQ, "create qp")
	if err != nil {
		return 0, 0, err
	}
	domain, err := p.domainFor(pd, attr.ResourceDomain)
	if err != nil {
		return 0, 0, err
	}

	var init C.struct_ibv_qp_init_attr
	init.send_cq = sendCQ.ptr
	init.recv_cq = recvCQ.ptr
	init.qp_type = typ
	init.cap.max_send_wr = C.uint32_t(attr.MaxSendWR)
	init.cap.max_recv_wr = C.uint32_t(attr.MaxRecvWR)
	init.cap.max_send_sge = C.uint32_t(attr.MaxSendSGE)
	init.cap.max_recv_sge = C.uint32_t(attr.MaxRecvSGE)
	init.cap.max_inline_data = C.uint32_t(attr.MaxInlineData)

	qp, cerr := C.ibv_create_qp(domain, &init)
	if qp == nil {
		return 0, 0, errnoErr(cerr, "create qp")
	}
	p.mu.Lock()
	pd.refs++
	sendCQ.refs++
	recvCQ.refs++
	p.mu.Unlock()
	h := p.add(&queuePair{ptr: qp, pd: pd, sendCQ: sendCQ, recvCQ: recvCQ})
	return h, uint32(qp.qp_num), nil
}

// ModifyQP implements provider.Provider.
func (p *Provider) ModifyQP(h provider.Handle, attr *provider.QPAttr, mask provider.QPAttrMask) error {
	qp, err := lookup[*queuePair](p, h, "modify qp")
	if err != nil {
		return err
	}
	if attr == nil {
		return opErr(provider.ErrInvalid, "modify qp")
	}

	var a C.struct_ibv_qp_attr
	a.qp_state = C.enum_ibv_qp_state(attr.State)
	a.qp_access_flags = C.uint(attr.AccessFlags)
	a.pkey_index = C.uint16_t(attr.PKeyIndex)
	a.port_num = C.uint8_t(attr.PortNum)
	a.qkey = C.uint32_t(attr.QKey)
	a.path_mtu = C.enum_ibv_mtu(attr.PathMTU)
	a.dest_qp_num = C.uint32_t(attr.DestQPN)
	a.rq_psn = C.uint32_t(attr.RQPSN)
	a.sq_psn = C.uint32_t(attr.SQPSN)
	a.max_dest_rd_atomic = C.uint8_t(attr.MaxDestRdAtomic)
	a.min_rnr_timer = C.uint8_t(attr.MinRNRTimer)
	a.timeout = C.uint8_t(attr.Timeout)
	a.retry_cnt = C.uint8_t(attr.RetryCnt)
	a.rnr_retry = C.uint8_t(attr.RNRRetry)
	a.max_rd_atomic = C.uint8_t(attr.MaxRdAtomic)

	ah := attr.AH
	a.ah_attr.dlid = C.uint16_t(ah.DLID)
	a.ah_attr.sl = C.uint8_t(ah.SL)
	a.ah_attr.src_path_bits = C.uint8_t(ah.SrcPathBits)
	a.ah_attr.port_num = C.uint8_t(ah.PortNum)
	if ah.IsGlobal {
		C.shim_ah_set_grh(&a.ah_attr, (*C.uint8_t)(unsafe.Pointer(&ah.DGID[0])),
			C.uint8_t(ah.HopLimit), C.uint8_t(ah.SGIDIndex), C.uint8_t(ah.TrafficClass))
	}

	var ibvMask C.int
	for _, m := range attrMasks {
		if mask&m.mask != 0 {
			ibvMask |= m.ibv
		}
	}
	status := C.ibv_modify_qp(qp.ptr, &a, ibvMask)
	return statusErr(status, "modify qp")
}

// QueryQPState implements provider.Provider.
func (p *Provider) QueryQPState(h provider.Handle) (provider.QPState, error) {
	qp, err := lookup[*queuePair](p, h, "query qp")
	if err != nil {
		return 0, err
	}
	var (
		a    C.struct_ibv_qp_attr
		init C.struct_ibv_qp_init_attr
	)
	if status := C.ibv_query_qp(qp.ptr, &a, C.IBV_QP_STATE, &init); status != 0 {
		return 0, statusErr(status, "query qp")
	}
	return provider.QPState(a.qp_state), nil
}

// DestroyQP implements provider.Provider.
func (p *Provider) DestroyQP(h provider.Handle) error {
	qp, err := lookup[*queuePair](p, h, "destroy qp")
	if err != nil {
		return err
	}
	if status := C.ibv_destroy_qp(qp.ptr); status != 0 {
		return statusErr(status, "destroy qp")
	}
	p.mu.Lock()
	qp.pd.refs--
	qp.sendCQ.refs--
	qp.recvCQ.refs--
	p.mu.Unlock()
	p.remove(h)
	return nil
}
