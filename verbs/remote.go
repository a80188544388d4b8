package verbs

import (
	"encoding/binary"
	"fmt"
)

// RemoteMemorySize is the encoded length of a RemoteMemory.
const RemoteMemorySize = 20

// RemoteMemory describes a peer's registered memory. It carries no validity
// beyond what the peer advertised.
type RemoteMemory struct {
	Addr uint64
	Size uint64
	RKey uint32
}

// Slice narrows the descriptor to length bytes starting at offset.
func (r RemoteMemory) Slice(offset, length uint64) (RemoteMemory, error) {
	if outOfRange(offset, length, r.Size) {
		return RemoteMemory{}, &BoundaryError{Offset: offset, Length: length, Size: r.Size}
	}
	return RemoteMemory{Addr: r.Addr + offset, Size: length, RKey: r.RKey}, nil
}

// MarshalBinary encodes the descriptor as addr, size and rkey in big endian.
func (r RemoteMemory) MarshalBinary() ([]byte, error) {
	buf := make([]byte, RemoteMemorySize)
	binary.BigEndian.PutUint64(buf[0:], r.Addr)
	binary.BigEndian.PutUint64(buf[8:], r.Size)
	binary.BigEndian.PutUint32(buf[16:], r.RKey)
	return buf, nil
}

// UnmarshalBinary decodes a descriptor produced by MarshalBinary.
func (r *RemoteMemory) UnmarshalBinary(data []byte) error {
	if len(data) != RemoteMemorySize {
		return fmt.Errorf("verbs: remote memory payload is %d bytes, want %d", len(data), RemoteMemorySize)
	}
	r.Addr = binary.BigEndian.Uint64(data[0:])
	r.Size = binary.BigEndian.Uint64(data[8:])
	r.RKey = binary.BigEndian.Uint32(data[16:])
	return nil
}
