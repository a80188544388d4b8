package verbs

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"testing"
	"time"
)

func TestTransitionFromWrongState(t *testing.T) {
	dev := openDevice(t)
	for _, transport := range []Transport{TransportRC, TransportUC, TransportUD, TransportRawPacket} {
		t.Run(transport.String(), func(t *testing.T) {
			ep := newEndpoint(t, dev, transport)
			if err := ep.qp.ReadyToReceive(QPInfo{}); !errors.Is(err, ErrStateViolation) {
				t.Fatalf("RTR from Reset: expected ErrStateViolation, got %v", err)
			}
			if err := ep.qp.ReadyToSend(); !errors.Is(err, ErrStateViolation) {
				t.Fatalf("RTS from Reset: expected ErrStateViolation, got %v", err)
			}
			var se *StateError
			err := ep.qp.ReadyToSend()
			if !errors.As(err, &se) || se.Got != StateReset || se.Want[0] != StateRTR {
				t.Fatalf("unexpected state error %#v", err)
			}
			if err := ep.qp.Init(DefaultPort, DefaultQKey); err != nil {
				t.Fatalf("Init failed: %v", err)
			}
			if err := ep.qp.Init(DefaultPort, DefaultQKey); !errors.Is(err, ErrStateViolation) {
				t.Fatalf("second Init: expected ErrStateViolation, got %v", err)
			}
		})
	}
}

func TestInitRejectsUnknownPort(t *testing.T) {
	dev := openDevice(t)
	ep := newEndpoint(t, dev, TransportRC)
	if err := ep.qp.Init(3, 0); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
	if ep.qp.State() != StateReset {
		t.Fatalf("queue pair left Reset after a rejected Init: %s", ep.qp.State())
	}
}

func TestConnectRequiresRC(t *testing.T) {
	dev := openDevice(t)
	ep := newEndpoint(t, dev, TransportUD)
	if err := ep.qp.Connect(QPInfo{}, DefaultPort); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
}

func TestBindPortDatagram(t *testing.T) {
	dev := openDevice(t)
	for _, transport := range []Transport{TransportUD, TransportRawPacket} {
		ep := newEndpoint(t, dev, transport)
		if err := ep.qp.BindPort(DefaultPort); err != nil {
			t.Fatalf("%s: BindPort failed: %v", transport, err)
		}
		state, err := ep.qp.QueryState()
		if err != nil || state != StateRTS {
			t.Fatalf("%s: expected RTS after BindPort, got %s, %v", transport, state, err)
		}
		if ep.qp.Port() != DefaultPort {
			t.Fatalf("%s: port not recorded", transport)
		}
	}

	rc := newEndpoint(t, dev, TransportRC)
	if err := rc.qp.BindPort(DefaultPort); err != nil {
		t.Fatalf("rc BindPort failed: %v", err)
	}
	if rc.qp.State() != StateReset || rc.qp.Port() != DefaultPort {
		t.Fatalf("rc BindPort must only record the port: %s port %d", rc.qp.State(), rc.qp.Port())
	}
}

func TestUnsupportedTransport(t *testing.T) {
	dev := openDevice(t)
	cq, err := dev.CreateCompletionQueue(WithCQDepth(4))
	if err != nil {
		t.Fatalf("CreateCompletionQueue failed: %v", err)
	}
	defer cq.Close()
	if _, err := dev.CreateQueuePair(TransportXRCSend, cq, cq); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
	if _, err := dev.CreateQueuePair(TransportUD, cq, cq, WithFeatures(FeatureExtendedAtomics)); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration for extended atomics on UD, got %v", err)
	}
}

func TestQPInfoEncoding(t *testing.T) {
	dev := openDevice(t)
	ep := newEndpoint(t, dev, TransportRC)
	in := info(t, ep.qp)
	if in.PSN != InitialPSN || in.QPN != ep.qp.QPN() || in.GID.IsZero() {
		t.Fatalf("unexpected info %+v", in)
	}
	data, err := in.MarshalBinary()
	if err != nil || len(data) != QPInfoSize {
		t.Fatalf("MarshalBinary = %d bytes, %v", len(data), err)
	}
	if binary.BigEndian.Uint32(data[20:]) != in.QPN {
		t.Fatalf("qpn not big endian at offset 20: %x", data)
	}
	var out QPInfo
	if err := out.UnmarshalBinary(data); err != nil || out != in {
		t.Fatalf("UnmarshalBinary = %+v, %v", out, err)
	}
}

func TestSendReceive(t *testing.T) {
	dev := openDevice(t)
	a, b := connectedPair(t, dev)
	src := registerHost(t, dev, 1024, AccessFull)
	dst := registerHost(t, dev, 1024, AccessFull)
	for i := range src.Bytes() {
		src.Bytes()[i] = byte(i)
	}

	if err := b.qp.PostRecv(dev.NewRecvRequest(slice(t, dst, 0, 1024)).SetID(11)); err != nil {
		t.Fatalf("PostRecv failed: %v", err)
	}
	send := dev.NewSendRequest(slice(t, src, 0, 1024)).SetOpcode(OpSendWithImm).SetImm(0x1234).SetID(10).SetSignaled()
	if err := a.qp.Post(send); err != nil {
		t.Fatalf("Post failed: %v", err)
	}

	recs, err := b.recvCQ.PollRecords(1)
	if err != nil {
		t.Fatalf("PollRecords failed: %v", err)
	}
	rc := recs[0]
	if rc.Kind != CompletionRecv || rc.ID != 11 || rc.ByteLen != 1024 || !rc.HasImm || rc.Imm != 0x1234 {
		t.Fatalf("unexpected receive completion %+v", rc)
	}
	sc, err := a.sendCQ.PollRecords(1)
	if err != nil {
		t.Fatalf("PollRecords failed: %v", err)
	}
	if sc[0].Kind != CompletionSend || sc[0].ID != 10 || sc[0].ByteLen != 1024 {
		t.Fatalf("unexpected send completion %+v", sc[0])
	}
	if !bytes.Equal(src.Bytes(), dst.Bytes()) {
		t.Fatalf("payload mismatch")
	}
}

func TestUnsignaledSendProducesNoCompletion(t *testing.T) {
	dev := openDevice(t)
	a, b := connectedPair(t, dev)
	mr := registerHost(t, dev, 64, AccessFull)
	if err := b.qp.PostRecv(dev.NewRecvRequest(slice(t, mr, 32, 32))); err != nil {
		t.Fatalf("PostRecv failed: %v", err)
	}
	if err := a.qp.Post(dev.NewSendRequest(slice(t, mr, 0, 32)).SetOpcode(OpSend)); err != nil {
		t.Fatalf("Post failed: %v", err)
	}
	if err := b.recvCQ.Poll(1); err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if n, err := a.sendCQ.TryPoll(4); n != 0 || err != nil {
		t.Fatalf("unsignaled send completed: %d, %v", n, err)
	}
}

func TestRDMAWriteReadAndAtomics(t *testing.T) {
	dev := openDevice(t)
	a, _ := connectedPair(t, dev)
	local := registerHost(t, dev, 64, AccessFull)
	remote := registerHost(t, dev, 64, AccessFull)
	target := remote.Remote()

	copy(local.Bytes(), "rdma-write-payload")
	write := dev.NewSendRequest(slice(t, local, 0, 18)).SetOpcode(OpRDMAWrite).SetRemote(target).SetSignaled()
	if err := a.qp.Post(write); err != nil {
		t.Fatalf("Post write failed: %v", err)
	}
	if _, err := a.sendCQ.PollRecords(1); err != nil {
		t.Fatalf("write completion failed: %v", err)
	}
	if string(remote.Bytes()[:18]) != "rdma-write-payload" {
		t.Fatalf("write did not land: %q", remote.Bytes()[:18])
	}

	read := dev.NewSendRequest(slice(t, local, 32, 10)).SetOpcode(OpRDMARead).SetSignaled()
	sub, err := target.Slice(5, 10)
	if err != nil {
		t.Fatalf("remote Slice failed: %v", err)
	}
	read.SetRemote(sub)
	if err := a.qp.Post(read); err != nil {
		t.Fatalf("Post read failed: %v", err)
	}
	recs, err := a.sendCQ.PollRecords(1)
	if err != nil || recs[0].Kind != CompletionRDMARead {
		t.Fatalf("read completion = %+v, %v", recs, err)
	}
	if string(local.Bytes()[32:42]) != "write-payl" {
		t.Fatalf("read returned %q", local.Bytes()[32:42])
	}

	counter, err := SliceAs[uint64](slice(t, remote, 56, 8))
	if err != nil {
		t.Fatalf("SliceAs failed: %v", err)
	}
	*counter = 40
	result := slice(t, local, 48, 8)
	faa := dev.NewSendRequest(result).SetRemote(mustRemote(t, target, 56, 8)).SetFetchAdd(2).SetSignaled()
	if err := a.qp.Post(faa); err != nil {
		t.Fatalf("Post fetch-add failed: %v", err)
	}
	if _, err := a.sendCQ.PollRecords(1); err != nil {
		t.Fatalf("fetch-add completion failed: %v", err)
	}
	old, _ := SliceAs[uint64](result)
	if *old != 40 || *counter != 42 {
		t.Fatalf("fetch-add: old %d, counter %d", *old, *counter)
	}

	cas := dev.NewSendRequest(result).SetRemote(mustRemote(t, target, 56, 8)).SetCompareSwap(42, 7).SetSignaled()
	if err := a.qp.Post(cas); err != nil {
		t.Fatalf("Post compare-swap failed: %v", err)
	}
	if _, err := a.sendCQ.PollRecords(1); err != nil {
		t.Fatalf("compare-swap completion failed: %v", err)
	}
	if *old != 42 || *counter != 7 {
		t.Fatalf("compare-swap: old %d, counter %d", *old, *counter)
	}

	*counter = 0xffff_ffff
	masked := dev.NewSendRequest(result).SetRemote(mustRemote(t, target, 56, 8)).
		SetMaskedFetchAdd(0x1_0000_0001, 0x8000_0000_8000_0000).SetSignaled()
	if err := a.qp.Post(masked); err != nil {
		t.Fatalf("Post masked fetch-add failed: %v", err)
	}
	if _, err := a.sendCQ.PollRecords(1); err != nil {
		t.Fatalf("masked fetch-add completion failed: %v", err)
	}
	if *counter != 0x1_0000_0000 {
		t.Fatalf("masked fetch-add carried across the field boundary: %#x", *counter)
	}
}

func mustRemote(t *testing.T, r RemoteMemory, offset, length uint64) RemoteMemory {
	t.Helper()
	sub, err := r.Slice(offset, length)
	if err != nil {
		t.Fatalf("remote Slice failed: %v", err)
	}
	return sub
}

func TestPostBatchUnlinks(t *testing.T) {
	dev := openDevice(t)
	a, b := connectedPair(t, dev)
	src := registerHost(t, dev, 256, AccessFull)
	dst := registerHost(t, dev, 256, AccessFull)

	recvs := make([]*RecvRequest, 4)
	sends := make([]*SendRequest, 4)
	for i := range sends {
		off := uint64(i * 64)
		recvs[i] = dev.NewRecvRequest(slice(t, dst, off, 64)).SetID(uint64(100 + i))
		sends[i] = dev.NewSendRequest(slice(t, src, off, 64)).SetOpcode(OpSend).SetID(uint64(i)).SetSignaled()
		copy(src.Bytes()[off:], []byte{byte(i), byte(i), byte(i)})
	}
	if err := b.qp.PostRecvBatch(recvs); err != nil {
		t.Fatalf("PostRecvBatch failed: %v", err)
	}
	if err := a.qp.PostBatch(sends); err != nil {
		t.Fatalf("PostBatch failed: %v", err)
	}
	for i, req := range sends {
		if req.wr.Next != nil {
			t.Fatalf("request %d still linked after submission", i)
		}
	}
	for i, req := range recvs {
		if req.wr.Next != nil {
			t.Fatalf("receive %d still linked after submission", i)
		}
	}

	recs, err := a.sendCQ.PollRecords(4)
	if err != nil {
		t.Fatalf("PollRecords failed: %v", err)
	}
	for i, rec := range recs {
		if rec.ID != uint64(i) {
			t.Fatalf("completion %d has id %d", i, rec.ID)
		}
	}
	if _, err := b.recvCQ.PollRecords(4); err != nil {
		t.Fatalf("PollRecords failed: %v", err)
	}
	if !bytes.Equal(src.Bytes(), dst.Bytes()) {
		t.Fatalf("batched payloads mismatch")
	}

	// A single request from the batch can be posted on its own afterwards.
	if err := b.qp.PostRecv(recvs[0]); err != nil {
		t.Fatalf("PostRecv reuse failed: %v", err)
	}
	if err := a.qp.Post(sends[2]); err != nil {
		t.Fatalf("Post reuse failed: %v", err)
	}
	recs, err = b.recvCQ.PollRecords(1)
	if err != nil || recs[0].ID != 100 || recs[0].ByteLen != 64 {
		t.Fatalf("reused receive = %+v, %v", recs, err)
	}
	if err := a.qp.PostBatch([]*SendRequest{sends[0], sends[0]}); !errors.Is(err, ErrBuilderValidation) {
		t.Fatalf("expected duplicate request to be rejected, got %v", err)
	}
}

func TestPostRejectsReleasedRegion(t *testing.T) {
	dev := openDevice(t)
	a, b := connectedPair(t, dev)
	src := registerHost(t, dev, 64, AccessFull)
	dst := registerHost(t, dev, 64, AccessFull)

	recv := dev.NewRecvRequest(slice(t, dst, 0, 64)).SetID(1)
	send := dev.NewSendRequest(slice(t, src, 0, 64)).SetOpcode(OpSend).SetID(2).SetSignaled()
	if err := b.qp.PostRecv(recv); err != nil {
		t.Fatalf("PostRecv failed: %v", err)
	}
	if err := a.qp.Post(send); err != nil {
		t.Fatalf("Post failed: %v", err)
	}
	if err := a.sendCQ.Poll(1); err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if err := b.recvCQ.Poll(1); err != nil {
		t.Fatalf("Poll failed: %v", err)
	}

	if err := src.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := dst.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := a.qp.Post(send); !errors.Is(err, ErrUseAfterFree) {
		t.Fatalf("expected ErrUseAfterFree reposting over a closed region, got %v", err)
	}
	if err := b.qp.PostRecv(recv); !errors.Is(err, ErrUseAfterFree) {
		t.Fatalf("expected ErrUseAfterFree reposting a receive over a closed region, got %v", err)
	}
	if n, err := a.sendCQ.TryPoll(1); n != 0 || err != nil {
		t.Fatalf("rejected request reached the provider: %d, %v", n, err)
	}
}

func TestPostRequiresRTS(t *testing.T) {
	dev := openDevice(t)
	ep := newEndpoint(t, dev, TransportRC)
	mr := registerHost(t, dev, 16, AccessFull)
	req := dev.NewSendRequest(slice(t, mr, 0, 16)).SetOpcode(OpSend)
	if err := ep.qp.Post(req); !errors.Is(err, ErrStateViolation) {
		t.Fatalf("expected ErrStateViolation, got %v", err)
	}
	if err := ep.qp.PostRecv(dev.NewRecvRequest(slice(t, mr, 0, 16))); !errors.Is(err, ErrStateViolation) {
		t.Fatalf("expected ErrStateViolation for receive in Reset, got %v", err)
	}
	if err := ep.qp.Init(DefaultPort, 0); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if err := ep.qp.PostRecv(dev.NewRecvRequest(slice(t, mr, 0, 16))); err != nil {
		t.Fatalf("PostRecv in Init failed: %v", err)
	}
}

func TestTransportOpcodeCompatibility(t *testing.T) {
	dev := openDevice(t)
	ep := newEndpoint(t, dev, TransportUD)
	if err := ep.qp.BindPort(DefaultPort); err != nil {
		t.Fatalf("BindPort failed: %v", err)
	}
	mr := registerHost(t, dev, 16, AccessFull)
	write := dev.NewSendRequest(slice(t, mr, 0, 16)).SetOpcode(OpRDMAWrite).SetRemote(mr.Remote())
	if err := ep.qp.Post(write); !errors.Is(err, ErrBuilderValidation) {
		t.Fatalf("expected write on UD to be rejected, got %v", err)
	}
	send := dev.NewSendRequest(slice(t, mr, 0, 16)).SetOpcode(OpSend).SetSignaled()
	if err := ep.qp.Post(send); err != nil {
		t.Fatalf("send on UD failed: %v", err)
	}
	if err := ep.sendCQ.Poll(1); err != nil {
		t.Fatalf("Poll failed: %v", err)
	}

	for _, op := range allOpcodes {
		if !TransportRC.Supports(op) {
			t.Fatalf("rc must support %s", op)
		}
	}
	if TransportRawPacket.Supports(OpAtomicFetchAdd) || TransportUC.Supports(OpRDMARead) || TransportXRCSend.Supports(OpSend) {
		t.Fatalf("unexpected opcode support")
	}
}

func TestRemoteAccessFailureIsReported(t *testing.T) {
	dev := openDevice(t)
	a, _ := connectedPair(t, dev)
	local := registerHost(t, dev, 16, AccessFull)
	readOnly := registerHost(t, dev, 16, AccessReadWrite)

	write := dev.NewSendRequest(slice(t, local, 0, 16)).SetOpcode(OpRDMAWrite).SetRemote(readOnly.Remote()).SetID(77)
	if err := a.qp.Post(write); err != nil {
		t.Fatalf("Post failed: %v", err)
	}
	_, err := a.sendCQ.PollRecords(1)
	var ce *CompletionError
	if !errors.As(err, &ce) || !errors.Is(err, ErrCompletion) {
		t.Fatalf("expected CompletionError, got %v", err)
	}
	if ce.Completion.ID != 77 || ce.Completion.Status != StatusRemoteAccess {
		t.Fatalf("unexpected failed completion %+v", ce.Completion)
	}
	state, err := a.qp.QueryState()
	if err != nil || state != StateErr {
		t.Fatalf("expected Err state after failure, got %s, %v", state, err)
	}
}

func TestCompletionErrorKeepsTrailingRecords(t *testing.T) {
	dev := openDevice(t)
	a, _ := connectedPair(t, dev)
	local := registerHost(t, dev, 48, AccessFull)
	readOnly := registerHost(t, dev, 16, AccessReadWrite)

	batch := []*SendRequest{
		dev.NewSendRequest(slice(t, local, 0, 16)).SetOpcode(OpRDMAWrite).SetRemote(readOnly.Remote()).SetID(1).SetSignaled(),
		dev.NewSendRequest(slice(t, local, 16, 16)).SetOpcode(OpRDMAWrite).SetRemote(mustRemote(t, local.Remote(), 32, 16)).SetID(2).SetSignaled(),
		dev.NewSendRequest(slice(t, local, 16, 16)).SetOpcode(OpRDMAWrite).SetRemote(mustRemote(t, local.Remote(), 32, 16)).SetID(3).SetSignaled(),
	}
	if err := a.qp.PostBatch(batch); err != nil {
		t.Fatalf("PostBatch failed: %v", err)
	}

	recs, err := a.sendCQ.TryPollRecords(3)
	var ce *CompletionError
	if !errors.As(err, &ce) {
		t.Fatalf("expected CompletionError, got %v", err)
	}
	if len(recs) != 0 || ce.Completion.ID != 1 || ce.Completion.Status != StatusRemoteAccess {
		t.Fatalf("unexpected failure %+v (records %+v)", ce.Completion, recs)
	}
	if len(ce.Trailing) != 2 || ce.Trailing[0].ID != 2 || ce.Trailing[1].ID != 3 {
		t.Fatalf("unexpected trailing records %+v", ce.Trailing)
	}
	if n, err := a.sendCQ.TryPoll(3); n != 0 || err != nil {
		t.Fatalf("trailing records left on the queue: %d, %v", n, err)
	}
}

func TestPollContextCancel(t *testing.T) {
	dev := openDevice(t)
	cq, err := dev.CreateCompletionQueue(WithCQDepth(4), WithOpaque("ctx"))
	if err != nil {
		t.Fatalf("CreateCompletionQueue failed: %v", err)
	}
	defer cq.Close()
	if cq.Opaque() != "ctx" || cq.Depth() != 4 {
		t.Fatalf("unexpected CQ attributes %v %d", cq.Opaque(), cq.Depth())
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	recs, err := cq.PollContext(ctx, 1)
	if !errors.Is(err, context.DeadlineExceeded) || len(recs) != 0 {
		t.Fatalf("expected deadline exceeded, got %d records, %v", len(recs), err)
	}
	if recs, err := cq.TryPollRecords(8); err != nil || len(recs) != 0 {
		t.Fatalf("TryPollRecords on empty queue = %d, %v", len(recs), err)
	}
}

func TestCompletionQueueBusyWhileBound(t *testing.T) {
	dev := openDevice(t)
	ep := newEndpoint(t, dev, TransportRC)
	if err := ep.sendCQ.Close(); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
}
