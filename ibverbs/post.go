//go:build linux && cgo && ibverbs

package ibverbs

/*
#include "shim.h"
*/
import "C"

import (
	"unsafe"

	"github.com/rocketbitz/verbs-go/internal/provider"
)

var sendOpcodes = map[provider.Opcode]C.enum_ibv_wr_opcode{
	provider.OpSend:              C.IBV_WR_SEND,
	provider.OpSendWithImm:       C.IBV_WR_SEND_WITH_IMM,
	provider.OpRDMAWrite:         C.IBV_WR_RDMA_WRITE,
	provider.OpRDMAWriteWithImm:  C.IBV_WR_RDMA_WRITE_WITH_IMM,
	provider.OpRDMARead:          C.IBV_WR_RDMA_READ,
	provider.OpAtomicCompareSwap: C.IBV_WR_ATOMIC_CMP_AND_SWP,
	provider.OpAtomicFetchAdd:    C.IBV_WR_ATOMIC_FETCH_AND_ADD,
}

var sendFlags = []struct {
	flag provider.SendFlags
	ibv  C.uint
}{
	{provider.SendSignaled, C.IBV_SEND_SIGNALED},
	{provider.SendFence, C.IBV_SEND_FENCE},
	{provider.SendSolicited, C.IBV_SEND_SOLICITED},
	{provider.SendInline, C.IBV_SEND_INLINE},
}

// cArray allocates n zeroed elements of T in C memory. The descriptors hold
// pointers to each other, so they cannot live in Go memory.
func cArray[T any](n int) ([]T, unsafe.Pointer) {
	if n == 0 {
		return nil, nil
	}
	var zero T
	ptr := C.calloc(C.size_t(n), C.size_t(unsafe.Sizeof(zero)))
	return unsafe.Slice((*T)(ptr), n), ptr
}

func fillSGL(dst []C.struct_ibv_sge, src []provider.SGE) {
	for i, s := range src {
		dst[i].addr = C.uint64_t(s.Addr)
		dst[i].length = C.uint32_t(s.Length)
		dst[i].lkey = C.uint32_t(s.LKey)
	}
}

// PostSend implements provider.Provider.
func (p *Provider) PostSend(h provider.Handle, wr *provider.SendWR) error {
	qp, err := lookup[*queuePair](p, h, "post send")
	if err != nil {
		return err
	}
	if wr == nil {
		return opErr(provider.ErrInvalid, "post send")
	}

	var count, sges int
	for w := wr; w != nil; w = w.Next {
		if _, ok := sendOpcodes[w.Opcode]; !ok {
			return opErr(provider.ErrOpNotSupp, "post send "+w.Opcode.String())
		}
		count++
		sges += len(w.SGL)
	}

	wrs, wrBuf := cArray[C.struct_ibv_send_wr](count)
	defer C.free(wrBuf)
	sgl, sgeBuf := cArray[C.struct_ibv_sge](sges)
	if sgeBuf != nil {
		defer C.free(sgeBuf)
	}

	i, next := 0, 0
	for w := wr; w != nil; w, i = w.Next, i+1 {
		c := &wrs[i]
		c.wr_id = C.uint64_t(w.ID)
		c.opcode = sendOpcodes[w.Opcode]
		if n := len(w.SGL); n > 0 {
			fillSGL(sgl[next:next+n], w.SGL)
			c.sg_list = &sgl[next]
			c.num_sge = C.int(n)
			next += n
		}
		for _, f := range sendFlags {
			if w.Flags&f.flag != 0 {
				c.send_flags |= f.ibv
			}
		}
		if w.Opcode.CarriesImm() {
			C.shim_wr_set_imm(c, C.uint32_t(w.Imm))
		}
		switch {
		case w.Opcode.IsAtomic():
			C.shim_wr_set_atomic(c, C.uint64_t(w.RemoteAddr), C.uint32_t(w.RKey),
				C.uint64_t(w.CompareAdd), C.uint64_t(w.Swap))
		case !w.Opcode.IsSend():
			C.shim_wr_set_rdma(c, C.uint64_t(w.RemoteAddr), C.uint32_t(w.RKey))
		}
		if i+1 < count {
			c.next = &wrs[i+1]
		}
	}

	status := C.shim_post_send(qp.ptr, &wrs[0])
	return statusErr(status, "post send")
}

// PostRecv implements provider.Provider.
func (p *Provider) PostRecv(h provider.Handle, wr *provider.RecvWR) error {
	qp, err := lookup[*queuePair](p, h, "post recv")
	if err != nil {
		return err
	}
	if wr == nil {
		return opErr(provider.ErrInvalid, "post recv")
	}

	var count, sges int
	for w := wr; w != nil; w = w.Next {
		count++
		sges += len(w.SGL)
	}
	wrs, wrBuf := cArray[C.struct_ibv_recv_wr](count)
	defer C.free(wrBuf)
	sgl, sgeBuf := cArray[C.struct_ibv_sge](sges)
	if sgeBuf != nil {
		defer C.free(sgeBuf)
	}

	i, next := 0, 0
	for w := wr; w != nil; w, i = w.Next, i+1 {
		c := &wrs[i]
		c.wr_id = C.uint64_t(w.ID)
		if n := len(w.SGL); n > 0 {
			fillSGL(sgl[next:next+n], w.SGL)
			c.sg_list = &sgl[next]
			c.num_sge = C.int(n)
			next += n
		}
		if i+1 < count {
			c.next = &wrs[i+1]
		}
	}

	status := C.shim_post_recv(qp.ptr, &wrs[0])
	return statusErr(status, "post recv")
}
