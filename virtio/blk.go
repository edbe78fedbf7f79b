package virtio

import (
	"bytes"
	"encoding/binary"
)

// Block device feature bits.
const (
	BlkFSizeMax  = 1
	BlkFSegMax   = 2
	BlkFBlkSize  = 6
	BlkFFlush    = 9
	BlkFConfigWC = 11
)

const blkSectorSize = 512

// BlkConfig is the leading part of the virtio-blk configuration layout.
type BlkConfig struct {
	Capacity uint64 // in 512-byte sectors
	SizeMax  uint32
	SegMax   uint32
	Geometry struct {
		Cylinders uint16
		Heads     uint8
		Sectors   uint8
	}
	BlkSize uint32
}

// NewBlkConfig describes a disk of size bytes.
func NewBlkConfig(size uint64) BlkConfig {
	c := BlkConfig{
		Capacity: size / blkSectorSize,
		SizeMax:  1 << 20,
		SegMax:   126,
		BlkSize:  blkSectorSize,
	}

	return c
}

func (c BlkConfig) Bytes() ([]byte, error) {
	buf := new(bytes.Buffer)

	if err := binary.Write(buf, binary.LittleEndian, c); err != nil {
		return []byte{}, err
	}

	return buf.Bytes(), nil
}

// BlkFeatures are the device features a block backend offers.
func BlkFeatures() uint64 {
	return Bit(BlkFSizeMax) | Bit(BlkFSegMax) | Bit(BlkFBlkSize) | Bit(BlkFFlush)
}
