package verbs

import (
	"bytes"
	"errors"
	"testing"
)

func TestSliceBounds(t *testing.T) {
	dev := openDevice(t)
	mr := registerHost(t, dev, 64, AccessFull)

	cases := []struct {
		offset, length uint64
		ok             bool
	}{
		{0, 64, true},
		{0, 0, true},
		{64, 0, true},
		{16, 48, true},
		{16, 49, false},
		{65, 0, false},
		{^uint64(0), 2, false},
	}
	for _, tc := range cases {
		s, err := mr.Slice(tc.offset, tc.length)
		if tc.ok {
			if err != nil {
				t.Fatalf("Slice(%d, %d) failed: %v", tc.offset, tc.length, err)
			}
			sge, err := s.Descriptor()
			if err != nil {
				t.Fatalf("Descriptor failed: %v", err)
			}
			if sge.Addr != mr.Addr()+tc.offset || uint64(sge.Length) != tc.length || sge.LKey != mr.LKey() {
				t.Fatalf("unexpected descriptor %+v for [%d, +%d)", sge, tc.offset, tc.length)
			}
			continue
		}
		var be *BoundaryError
		if !errors.As(err, &be) || !errors.Is(err, ErrBoundary) {
			t.Fatalf("Slice(%d, %d): expected BoundaryError, got %v", tc.offset, tc.length, err)
		}
	}
}

func TestResliceIsBoundedByParentSlice(t *testing.T) {
	dev := openDevice(t)
	mr := registerHost(t, dev, 128, AccessFull)
	parent := slice(t, mr, 32, 16)

	child, err := parent.Slice(8, 8)
	if err != nil {
		t.Fatalf("Slice within parent failed: %v", err)
	}
	if child.Offset() != 40 || child.Addr() != mr.Addr()+40 {
		t.Fatalf("child offset %d addr %#x", child.Offset(), child.Addr())
	}
	if _, err := parent.Slice(8, 9); !errors.Is(err, ErrBoundary) {
		t.Fatalf("expected ErrBoundary even though the region is larger, got %v", err)
	}
	rest, err := parent.SliceFrom(4)
	if err != nil || rest.Len() != 12 {
		t.Fatalf("SliceFrom(4) = %d, %v", rest.Len(), err)
	}
	if _, err := parent.SliceFrom(17); !errors.Is(err, ErrBoundary) {
		t.Fatalf("expected ErrBoundary, got %v", err)
	}
}

func TestSliceBytesShareRegion(t *testing.T) {
	dev := openDevice(t)
	buf := make([]byte, 32)
	mr, err := dev.RegisterHost(buf, AccessReadWrite)
	if err != nil {
		t.Fatalf("RegisterHost failed: %v", err)
	}
	defer mr.Close()

	s := slice(t, mr, 4, 4)
	copy(s.Bytes(), "abcd")
	if !bytes.Equal(buf[4:8], []byte("abcd")) {
		t.Fatalf("slice bytes are not a view of the buffer: %q", buf[:8])
	}
	if cap(s.Bytes()) != 4 {
		t.Fatalf("slice bytes may grow past the view: cap %d", cap(s.Bytes()))
	}
}

func TestUseAfterFree(t *testing.T) {
	dev := openDevice(t)
	mr, err := dev.RegisterHost(make([]byte, 16), AccessFull)
	if err != nil {
		t.Fatalf("RegisterHost failed: %v", err)
	}
	s := slice(t, mr, 0, 8)
	req := NewSendRequest(s).SetOpcode(OpSend)
	if _, err := req.Descriptor(); err != nil {
		t.Fatalf("Descriptor failed: %v", err)
	}
	recv := NewRecvRequest(s)
	if _, err := recv.Descriptor(); err != nil {
		t.Fatalf("receive Descriptor failed: %v", err)
	}
	if err := mr.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if !mr.Closed() || s.Valid() {
		t.Fatalf("region still reported as registered")
	}
	if _, err := s.Descriptor(); !errors.Is(err, ErrUseAfterFree) {
		t.Fatalf("expected ErrUseAfterFree, got %v", err)
	}
	// The cached descriptors must not outlive the region either.
	if _, err := req.Descriptor(); !errors.Is(err, ErrUseAfterFree) || !errors.Is(err, ErrBuilderValidation) {
		t.Fatalf("expected cached send descriptor to be rejected, got %v", err)
	}
	if _, err := recv.Descriptor(); !errors.Is(err, ErrUseAfterFree) || !errors.Is(err, ErrBuilderValidation) {
		t.Fatalf("expected cached receive descriptor to be rejected, got %v", err)
	}
	req.SetID(2)
	if _, err := req.Descriptor(); !errors.Is(err, ErrUseAfterFree) || !errors.Is(err, ErrBuilderValidation) {
		t.Fatalf("expected a validation error wrapping ErrUseAfterFree, got %v", err)
	}
	if _, err := mr.Slice(0, 1); !errors.Is(err, ErrUseAfterFree) {
		t.Fatalf("expected ErrUseAfterFree from Slice, got %v", err)
	}
}

func TestRegisterValidation(t *testing.T) {
	dev := openDevice(t)
	if _, err := dev.Register(HostMemory, AccessReadWrite, make([]byte, 8), 16); !errors.Is(err, ErrBoundary) {
		t.Fatalf("expected ErrBoundary for length beyond buffer, got %v", err)
	}
	if _, err := dev.RegisterHost(nil, AccessReadWrite); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration for empty buffer, got %v", err)
	}
	if _, err := dev.RegisterHost(make([]byte, 8), AccessRemoteWrite); !errors.Is(err, ErrResourceCreation) {
		t.Fatalf("expected ErrResourceCreation for remote write without local write, got %v", err)
	}
}

func TestDeviceMemoryRegion(t *testing.T) {
	dev := openDevice(t)
	mr, err := dev.RegisterDevice(32, AccessFull)
	if err != nil {
		t.Fatalf("RegisterDevice failed: %v", err)
	}
	defer mr.Close()

	if mr.Kind() != DeviceMemory || mr.Bytes() != nil {
		t.Fatalf("device memory must not be host addressable")
	}
	got := make([]byte, 32)
	if err := mr.ReadDevice(0, got); err != nil {
		t.Fatalf("ReadDevice failed: %v", err)
	}
	if !bytes.Equal(got, make([]byte, 32)) {
		t.Fatalf("device memory not zero filled: %x", got)
	}
	if err := mr.WriteDevice(8, []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("WriteDevice failed: %v", err)
	}
	part := make([]byte, 6)
	if err := mr.ReadDevice(6, part); err != nil {
		t.Fatalf("ReadDevice failed: %v", err)
	}
	if !bytes.Equal(part, []byte{0, 0, 1, 2, 3, 4}) {
		t.Fatalf("unexpected device contents %x", part)
	}
	if err := mr.WriteDevice(30, []byte{1, 2, 3}); !errors.Is(err, ErrBoundary) {
		t.Fatalf("expected ErrBoundary, got %v", err)
	}
	if _, err := SliceAs[uint64](slice(t, mr, 0, 8)); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration for typed view of device memory, got %v", err)
	}
}

func TestSliceAs(t *testing.T) {
	dev, logs := observedDevice(t)
	mr := registerHost(t, dev, 24, AccessFull)

	v, err := SliceAs[uint64](slice(t, mr, 8, 8))
	if err != nil {
		t.Fatalf("SliceAs failed: %v", err)
	}
	*v = 42
	if got := slice(t, mr, 8, 8).Bytes(); got[0] != 42 && got[7] != 42 {
		t.Fatalf("typed view does not alias the region: %x", got)
	}
	if _, err := SliceAs[uint64](slice(t, mr, 0, 4)); !errors.Is(err, ErrBoundary) {
		t.Fatalf("expected ErrBoundary for short slice, got %v", err)
	}
	if _, err := SliceAs[uint32](slice(t, mr, 0, 16)); err != nil {
		t.Fatalf("oversized slice should be accepted, got %v", err)
	}
	if logs.FilterMessage("slice size differs from target type").Len() != 1 {
		t.Fatalf("expected a size mismatch warning")
	}
	if _, err := SliceAs[uint64](slice(t, mr, 4, 8)); !errors.Is(err, ErrBoundary) {
		t.Fatalf("expected alignment failure, got %v", err)
	}
}

func TestRemoteMemoryEncoding(t *testing.T) {
	in := RemoteMemory{Addr: 0x1122334455667788, Size: 4096, RKey: 0xdeadbeef}
	data, err := in.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary failed: %v", err)
	}
	if len(data) != RemoteMemorySize || data[0] != 0x11 || data[19] != 0xef {
		t.Fatalf("unexpected encoding %x", data)
	}
	var out RemoteMemory
	if err := out.UnmarshalBinary(data); err != nil || out != in {
		t.Fatalf("UnmarshalBinary = %+v, %v", out, err)
	}
	if err := out.UnmarshalBinary(data[:10]); err == nil {
		t.Fatalf("expected error for short payload")
	}
	sub, err := in.Slice(96, 32)
	if err != nil || sub.Addr != in.Addr+96 || sub.Size != 32 || sub.RKey != in.RKey {
		t.Fatalf("Slice = %+v, %v", sub, err)
	}
	if _, err := in.Slice(4090, 7); !errors.Is(err, ErrBoundary) {
		t.Fatalf("expected ErrBoundary, got %v", err)
	}
}

func TestRegionPool(t *testing.T) {
	dev := openDevice(t)
	pool, err := NewRegionPool(dev, 64, AccessReadWrite, 1)
	if err != nil {
		t.Fatalf("NewRegionPool failed: %v", err)
	}
	a, err := pool.Acquire()
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	b, err := pool.Acquire()
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	pool.Release(a)
	pool.Release(b)
	if pool.Idle() != 1 {
		t.Fatalf("expected one idle region, got %d", pool.Idle())
	}
	if !b.Closed() {
		t.Fatalf("overflow region should be closed on release")
	}
	c, err := pool.Acquire()
	if err != nil || c != a {
		t.Fatalf("expected pooled region to be reused, got %p, %v", c, err)
	}
	pool.Release(c)
	pool.Close()
	if !a.Closed() {
		t.Fatalf("pooled region not closed with the pool")
	}
	if _, err := pool.Acquire(); !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("expected ErrPoolClosed, got %v", err)
	}
}
