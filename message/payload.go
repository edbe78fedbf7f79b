package message

import "encoding/binary"

var order = binary.NativeEndian

// Payload is the typed body of a message. The concrete type is fixed by
// the request kind and checked once by Decode.
type Payload interface {
	size() int
	put(b []byte)
}

// Empty is the payload of requests that carry no body.
type Empty struct{}

func (Empty) size() int    { return 0 }
func (Empty) put(_ []byte) {}

// U64 carries a feature mask, a queue count or an acknowledgement.
type U64 uint64

func (U64) size() int { return 8 }

func (u U64) put(b []byte) { order.PutUint64(b, uint64(u)) }

// VringState addresses a queue together with a numeric argument
// (ring size, base index or enable flag).
type VringState struct {
	Index uint32
	Num   uint32
}

func (VringState) size() int { return 8 }

func (s VringState) put(b []byte) {
	order.PutUint32(b[0:], s.Index)
	order.PutUint32(b[4:], s.Num)
}

// VringAddr carries the peer-side addresses of a queue's rings.
type VringAddr struct {
	Index uint32
	Flags uint32
	Desc  uint64
	Used  uint64
	Avail uint64
	Log   uint64
}

func (VringAddr) size() int { return 40 }

func (a VringAddr) put(b []byte) {
	order.PutUint32(b[0:], a.Index)
	order.PutUint32(b[4:], a.Flags)
	order.PutUint64(b[8:], a.Desc)
	order.PutUint64(b[16:], a.Used)
	order.PutUint64(b[24:], a.Avail)
	order.PutUint64(b[32:], a.Log)
}

// VringFile addresses a queue whose kick, call or error descriptor is
// being replaced. NoFD means no descriptor accompanies the message.
type VringFile struct {
	Index uint8
	NoFD  bool
}

func (VringFile) size() int { return 8 }

func (f VringFile) put(b []byte) {
	v := uint64(f.Index)
	if f.NoFD {
		v |= VringNoFDMask
	}

	order.PutUint64(b, v)
}

// MemoryRegion describes one region of the peer's memory.
type MemoryRegion struct {
	GuestPhysAddr uint64
	Size          uint64
	UserAddr      uint64
	MmapOffset    uint64
}

// Memory is the SET_MEM_TABLE payload. Region i is backed by fd i.
type Memory struct {
	Regions []MemoryRegion
}

func (m Memory) size() int { return memoryHeaderSize + regionSize*len(m.Regions) }

func (m Memory) put(b []byte) {
	order.PutUint32(b[0:], uint32(len(m.Regions)))
	order.PutUint32(b[4:], 0)

	for i, r := range m.Regions {
		off := memoryHeaderSize + i*regionSize
		order.PutUint64(b[off:], r.GuestPhysAddr)
		order.PutUint64(b[off+8:], r.Size)
		order.PutUint64(b[off+16:], r.UserAddr)
		order.PutUint64(b[off+24:], r.MmapOffset)
	}
}

// Log is the SET_LOG_BASE payload.
type Log struct {
	MmapSize   uint64
	MmapOffset uint64
}

func (Log) size() int { return 16 }

func (l Log) put(b []byte) {
	order.PutUint64(b[0:], l.MmapSize)
	order.PutUint64(b[8:], l.MmapOffset)
}

// IOTLB is the IOTLB_MSG payload.
type IOTLB struct {
	IOVA  uint64
	Size  uint64
	UAddr uint64
	Perm  uint8
	Type  uint8
}

const iotlbSize = 32

func (IOTLB) size() int { return iotlbSize }

func (m IOTLB) put(b []byte) {
	order.PutUint64(b[0:], m.IOVA)
	order.PutUint64(b[8:], m.Size)
	order.PutUint64(b[16:], m.UAddr)
	b[24] = m.Perm
	b[25] = m.Type
}

// Config carries a window of the device configuration space.
type Config struct {
	Offset uint32
	Size   uint32
	Flags  uint32
	Region []byte
}

func (c Config) size() int { return configHeaderSize + len(c.Region) }

func (c Config) put(b []byte) {
	order.PutUint32(b[0:], c.Offset)
	order.PutUint32(b[4:], uint32(len(c.Region)))
	order.PutUint32(b[8:], c.Flags)
	copy(b[configHeaderSize:], c.Region)
}
