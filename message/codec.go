package message

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Header is the fixed part of every message.
type Header struct {
	Request Request
	Flags   uint32
	Size    uint32
}

// ParseHeader decodes the fixed header from b. The declared payload size
// is bounded by MaxPayloadSize so that a reader never allocates on the
// peer's behalf.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("%d bytes: %w", len(b), ErrShortHeader)
	}

	h := Header{
		Request: Request(order.Uint32(b[0:])),
		Flags:   order.Uint32(b[4:]),
		Size:    order.Uint32(b[8:]),
	}

	if h.Size > MaxPayloadSize {
		return h, fmt.Errorf("%s declares %d bytes: %w", h.Request, h.Size, ErrPayloadTooBig)
	}

	return h, nil
}

// Msg is one decoded message together with the descriptors passed
// alongside it.
type Msg struct {
	Request Request
	Flags   uint32
	Payload Payload
	FDs     []int
}

// NeedsReply reports whether the sender asked for an acknowledgement.
func (m *Msg) NeedsReply() bool {
	return m.Flags&FlagNeedReply != 0
}

// IsReply reports whether the message is a reply.
func (m *Msg) IsReply() bool {
	return m.Flags&FlagReply != 0
}

// QueueIndex returns the queue addressed by a per-queue request.
func (m *Msg) QueueIndex() (uint32, bool) {
	switch p := m.Payload.(type) {
	case VringState:
		return p.Index, true
	case VringAddr:
		return p.Index, true
	case VringFile:
		return uint32(p.Index), true
	}

	return 0, false
}

// TakeFD hands the first attached descriptor over to the caller. The
// message no longer closes it.
func (m *Msg) TakeFD() (int, bool) {
	for i, fd := range m.FDs {
		if fd < 0 {
			continue
		}

		m.FDs[i] = -1

		return fd, true
	}

	return -1, false
}

// CloseFDs closes every descriptor that was not taken.
func (m *Msg) CloseFDs() {
	for i, fd := range m.FDs {
		if fd >= 0 {
			unix.Close(fd)
			m.FDs[i] = -1
		}
	}
}

// Encode returns the wire form of m. The header size is derived from
// the payload.
func (m *Msg) Encode() []byte {
	p := m.Payload
	if p == nil {
		p = Empty{}
	}

	b := make([]byte, HeaderSize+p.size())
	order.PutUint32(b[0:], uint32(m.Request))
	order.PutUint32(b[4:], m.Flags)
	order.PutUint32(b[8:], uint32(p.size()))
	p.put(b[HeaderSize:])

	return b
}

// Decode validates a request received from the master and returns its
// typed form. On error the descriptors are left untouched for the
// caller to close.
func Decode(h Header, body []byte, fds []int) (*Msg, error) {
	if !h.Request.Known() {
		return nil, fmt.Errorf("%s: %w", h.Request, ErrUnknownRequest)
	}

	if uint32(len(body)) != h.Size {
		return nil, fmt.Errorf("%s: header declares %d bytes, have %d: %w",
			h.Request, h.Size, len(body), ErrInvalidSize)
	}

	p, wantFDs, err := decodeRequest(h.Request, body)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", h.Request, err)
	}

	switch {
	case len(fds) < wantFDs:
		return nil, fmt.Errorf("%s: want %d fds, have %d: %w", h.Request, wantFDs, len(fds), ErrMissingFD)
	case len(fds) > wantFDs:
		return nil, fmt.Errorf("%s: want %d fds, have %d: %w", h.Request, wantFDs, len(fds), ErrUnexpectedFD)
	}

	return &Msg{
		Request: h.Request,
		Flags:   h.Flags,
		Payload: p,
		FDs:     fds,
	}, nil
}

func decodeRequest(r Request, b []byte) (Payload, int, error) {
	switch r {
	case ReqGetFeatures, ReqSetOwner, ReqResetOwner, ReqGetProtocolFeatures, ReqGetQueueNum:
		return Empty{}, 0, nil
	case ReqSetLogFD, ReqSetSlaveReqFD:
		return Empty{}, 1, nil
	case ReqSetFeatures, ReqSetProtocolFeatures:
		if len(b) != 8 {
			return nil, 0, ErrInvalidSize
		}

		return U64(order.Uint64(b)), 0, nil
	case ReqSetVringNum, ReqSetVringBase, ReqGetVringBase, ReqSetVringEnable:
		s, err := decodeVringState(b)

		return s, 0, err
	case ReqSetVringAddr:
		a, err := decodeVringAddr(b)

		return a, 0, err
	case ReqSetVringKick, ReqSetVringCall, ReqSetVringErr:
		f, err := decodeVringFile(b)
		if err != nil {
			return nil, 0, err
		}

		if f.NoFD {
			return f, 0, nil
		}

		return f, 1, nil
	case ReqSetMemTable:
		m, err := decodeMemory(b)
		if err != nil {
			return nil, 0, err
		}

		return m, len(m.Regions), nil
	case ReqSetLogBase:
		if len(b) != 16 {
			return nil, 0, ErrInvalidSize
		}

		return Log{MmapSize: order.Uint64(b[0:]), MmapOffset: order.Uint64(b[8:])}, 1, nil
	case ReqIOTLBMsg:
		if len(b) < 26 || len(b) > iotlbSize {
			return nil, 0, ErrInvalidSize
		}

		return IOTLB{
			IOVA:  order.Uint64(b[0:]),
			Size:  order.Uint64(b[8:]),
			UAddr: order.Uint64(b[16:]),
			Perm:  b[24],
			Type:  b[25],
		}, 0, nil
	case ReqGetConfig, ReqSetConfig:
		c, err := decodeConfig(b)

		return c, 0, err
	}

	return nil, 0, ErrUnknownRequest
}

func decodeVringState(b []byte) (VringState, error) {
	if len(b) != 8 {
		return VringState{}, ErrInvalidSize
	}

	s := VringState{Index: order.Uint32(b[0:]), Num: order.Uint32(b[4:])}
	if s.Index >= MaxQueues {
		return VringState{}, fmt.Errorf("index %d: %w", s.Index, ErrInvalidIndex)
	}

	return s, nil
}

func decodeVringAddr(b []byte) (VringAddr, error) {
	if len(b) != 40 {
		return VringAddr{}, ErrInvalidSize
	}

	a := VringAddr{
		Index: order.Uint32(b[0:]),
		Flags: order.Uint32(b[4:]),
		Desc:  order.Uint64(b[8:]),
		Used:  order.Uint64(b[16:]),
		Avail: order.Uint64(b[24:]),
		Log:   order.Uint64(b[32:]),
	}
	if a.Index >= MaxQueues {
		return VringAddr{}, fmt.Errorf("index %d: %w", a.Index, ErrInvalidIndex)
	}

	return a, nil
}

func decodeVringFile(b []byte) (VringFile, error) {
	if len(b) != 8 {
		return VringFile{}, ErrInvalidSize
	}

	v := order.Uint64(b)
	if v&^(VringIdxMask|VringNoFDMask) != 0 {
		return VringFile{}, fmt.Errorf("reserved bits %#x: %w", v, ErrInvalidSize)
	}

	idx := v & VringIdxMask
	if idx >= MaxQueues {
		return VringFile{}, fmt.Errorf("index %d: %w", idx, ErrInvalidIndex)
	}

	return VringFile{Index: uint8(idx), NoFD: v&VringNoFDMask != 0}, nil
}

func decodeMemory(b []byte) (Memory, error) {
	if len(b) < memoryHeaderSize {
		return Memory{}, ErrInvalidSize
	}

	n := order.Uint32(b[0:])
	if n == 0 || n > MaxRegions {
		return Memory{}, fmt.Errorf("%d regions: %w", n, ErrInvalidSize)
	}

	if len(b) != memoryHeaderSize+int(n)*regionSize {
		return Memory{}, ErrInvalidSize
	}

	m := Memory{Regions: make([]MemoryRegion, n)}
	for i := range m.Regions {
		off := memoryHeaderSize + i*regionSize
		m.Regions[i] = MemoryRegion{
			GuestPhysAddr: order.Uint64(b[off:]),
			Size:          order.Uint64(b[off+8:]),
			UserAddr:      order.Uint64(b[off+16:]),
			MmapOffset:    order.Uint64(b[off+24:]),
		}
	}

	return m, nil
}

func decodeConfig(b []byte) (Config, error) {
	if len(b) < configHeaderSize {
		return Config{}, ErrInvalidSize
	}

	c := Config{
		Offset: order.Uint32(b[0:]),
		Size:   order.Uint32(b[4:]),
		Flags:  order.Uint32(b[8:]),
	}

	if c.Size > MaxConfigSize || c.Offset > MaxConfigSize-c.Size {
		return Config{}, fmt.Errorf("window %d+%d: %w", c.Offset, c.Size, ErrInvalidSize)
	}

	if len(b) != configHeaderSize+int(c.Size) {
		return Config{}, ErrInvalidSize
	}

	c.Region = make([]byte, c.Size)
	copy(c.Region, b[configHeaderSize:])

	return c, nil
}

// DecodeReply decodes a reply received by a master.
func DecodeReply(h Header, body []byte) (*Msg, error) {
	if uint32(len(body)) != h.Size {
		return nil, fmt.Errorf("%s reply: %w", h.Request, ErrInvalidSize)
	}

	m := &Msg{Request: h.Request, Flags: h.Flags}

	switch {
	case len(body) == 0:
		m.Payload = Empty{}
	case h.Request == ReqGetVringBase && len(body) == 8:
		m.Payload = VringState{Index: order.Uint32(body[0:]), Num: order.Uint32(body[4:])}
	case h.Request == ReqGetConfig:
		c, err := decodeConfig(body)
		if err != nil {
			return nil, fmt.Errorf("%s reply: %w", h.Request, err)
		}

		m.Payload = c
	case len(body) == 8:
		m.Payload = U64(order.Uint64(body))
	default:
		return nil, fmt.Errorf("%s reply of %d bytes: %w", h.Request, len(body), ErrInvalidSize)
	}

	return m, nil
}
