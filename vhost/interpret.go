package vhost

import (
	"fmt"
	"math"

	"github.com/bobuhiro11/govhost/message"
	"github.com/bobuhiro11/govhost/virtio"
)

// interpret applies the protocol semantics of msg.
func (d *Device) interpret(msg *message.Msg) error {
	switch p := msg.Payload.(type) {
	case message.Empty:
		return d.interpretEmpty(msg)
	case message.U64:
		return d.interpretU64(msg, uint64(p))
	case message.VringState:
		return d.interpretVringState(msg, p)
	case message.VringAddr:
		return d.setVringAddr(p)
	case message.VringFile:
		return d.interpretVringFile(msg, p)
	case message.Memory:
		// The owner maps the regions; see SetMemory.
		return nil
	case message.Config:
		return d.interpretConfig(msg, p)
	case message.Log, message.IOTLB:
		return fmt.Errorf("%s: %w", msg.Request, ErrUnsupported)
	}

	return fmt.Errorf("%s: %w", msg.Request, ErrMalformed)
}

func (d *Device) interpretEmpty(msg *message.Msg) error {
	switch msg.Request {
	case message.ReqGetFeatures:
		return d.reply(msg, message.U64(d.supportedFeatures))
	case message.ReqSetOwner, message.ReqResetOwner:
		return nil
	case message.ReqGetProtocolFeatures:
		if err := d.requireProtocolFeatures(msg.Request); err != nil {
			return err
		}

		return d.reply(msg, message.U64(d.OfferedProtocolFeatures()))
	case message.ReqGetQueueNum:
		return d.reply(msg, message.U64(message.MaxQueues))
	case message.ReqSetSlaveReqFD:
		fd, _ := msg.TakeFD()
		closeFD(d.slaveFD)
		d.slaveFD = fd

		return nil
	case message.ReqSetLogFD:
		return fmt.Errorf("%s: %w", msg.Request, ErrUnsupported)
	}

	return fmt.Errorf("%s: %w", msg.Request, ErrMalformed)
}

func (d *Device) interpretU64(msg *message.Msg, v uint64) error {
	switch msg.Request {
	case message.ReqSetFeatures:
		return d.setFeatures(msg, v)
	case message.ReqSetProtocolFeatures:
		if err := d.requireProtocolFeatures(msg.Request); err != nil {
			return err
		}

		return d.setProtocolFeatures(v)
	}

	return fmt.Errorf("%s: %w", msg.Request, ErrMalformed)
}

func (d *Device) interpretVringState(msg *message.Msg, s message.VringState) error {
	q, err := d.queues.lookup(s.Index)
	if err != nil {
		return err
	}

	switch msg.Request {
	case message.ReqSetVringNum:
		if !virtio.ValidQueueSize(s.Num) {
			return fmt.Errorf("queue %d size %d: %w", s.Index, s.Num, ErrInvalidQueueSize)
		}

		q.Size = uint16(s.Num)

		return nil
	case message.ReqSetVringBase:
		if s.Num > math.MaxUint16 {
			return fmt.Errorf("queue %d base %d: %w", s.Index, s.Num, ErrInvalidBase)
		}

		q.LastAvailIdx = uint16(s.Num)
		q.LastUsedIdx = uint16(s.Num)

		return nil
	case message.ReqGetVringBase:
		base := q.LastAvailIdx
		q.setKick(-1)
		q.kicked = false

		return d.reply(msg, message.VringState{Index: s.Index, Num: uint32(base)})
	case message.ReqSetVringEnable:
		if err := d.requireProtocolFeatures(msg.Request); err != nil {
			return err
		}

		if s.Num&1 != 0 {
			q.State = StateEnabled
		} else {
			q.State = StateDisabled
		}

		return nil
	}

	return fmt.Errorf("%s: %w", msg.Request, ErrMalformed)
}

func (d *Device) setVringAddr(a message.VringAddr) error {
	q, err := d.queues.lookup(a.Index)
	if err != nil {
		return err
	}

	if d.mem == nil {
		return fmt.Errorf("queue %d: %w", a.Index, ErrNoMemoryTable)
	}

	prev := q.addr
	q.addr = &a

	if err := d.translateRings(q); err != nil {
		q.addr = prev

		return fmt.Errorf("queue %d: %w", a.Index, err)
	}

	return nil
}

func (d *Device) interpretVringFile(msg *message.Msg, f message.VringFile) error {
	q, err := d.queues.lookup(uint32(f.Index))
	if err != nil {
		return err
	}

	fd := -1
	if !f.NoFD {
		fd, _ = msg.TakeFD()
	}

	switch msg.Request {
	case message.ReqSetVringKick:
		q.setKick(fd)
		q.kicked = true

		// Without protocol features a queue is enabled as soon as it
		// can be kicked.
		if d.features&virtio.Bit(virtio.FProtocolFeatures) == 0 {
			q.State = StateEnabled
		}

		return nil
	case message.ReqSetVringCall:
		q.setCall(fd)

		return nil
	case message.ReqSetVringErr:
		closeFD(fd)

		return nil
	}

	closeFD(fd)

	return fmt.Errorf("%s: %w", msg.Request, ErrMalformed)
}

func (d *Device) interpretConfig(msg *message.Msg, c message.Config) error {
	if d.protocolFeatures&protocolBit(ProtocolFConfig) == 0 {
		return fmt.Errorf("%s: config access: %w", msg.Request, ErrNotNegotiated)
	}

	ca, ok := d.backend.(ConfigAccessor)
	if !ok {
		return fmt.Errorf("%s: %w", msg.Request, ErrUnsupported)
	}

	switch msg.Request {
	case message.ReqGetConfig:
		buf := make([]byte, c.Size)
		if err := ca.GetConfig(d, buf, c.Offset); err != nil {
			d.log.Warn().Err(err).Uint32("offset", c.Offset).Uint32("size", c.Size).Msg("get config failed")

			// An empty reply tells the master the read failed.
			return d.reply(msg, message.Empty{})
		}

		return d.reply(msg, message.Config{Offset: c.Offset, Size: c.Size, Flags: c.Flags, Region: buf})
	case message.ReqSetConfig:
		if err := ca.SetConfig(d, c.Region, c.Offset, c.Flags); err != nil {
			return fmt.Errorf("%s at %d: %w", msg.Request, c.Offset, err)
		}

		return nil
	}

	return fmt.Errorf("%s: %w", msg.Request, ErrMalformed)
}
