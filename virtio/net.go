package virtio

import (
	"bytes"
	"encoding/binary"
	"net"
)

// Network device feature bits.
const (
	NetFCsum      = 0
	NetFMTU       = 3
	NetFMAC       = 5
	NetFMrgRxbuf  = 15
	NetFStatus    = 16
	NetFCtrlVQ    = 17
	NetFMQ        = 22
	netStatusUp   = 1
	netDefaultMTU = 1500
)

// NetConfig is the virtio-net configuration layout.
type NetConfig struct {
	MAC               [6]byte
	Status            uint16
	MaxVirtqueuePairs uint16
	MTU               uint16
}

// NewNetConfig describes a link-up interface with the given address.
func NewNetConfig(mac net.HardwareAddr, pairs uint16) NetConfig {
	c := NetConfig{
		Status:            netStatusUp,
		MaxVirtqueuePairs: pairs,
		MTU:               netDefaultMTU,
	}
	copy(c.MAC[:], mac)

	return c
}

func (c NetConfig) Bytes() ([]byte, error) {
	buf := new(bytes.Buffer)

	if err := binary.Write(buf, binary.LittleEndian, c); err != nil {
		return []byte{}, err
	}

	return buf.Bytes(), nil
}

// NetFeatures are the device features a network backend offers.
func NetFeatures() uint64 {
	return Bit(NetFMAC) | Bit(NetFStatus) | Bit(NetFMTU) | Bit(NetFMrgRxbuf) | Bit(NetFMQ)
}
