// Package virtio holds the split-ring geometry and feature bits shared by
// vhost-user masters and backends.
package virtio

import "encoding/binary"

// Feature bits negotiated through GET_FEATURES/SET_FEATURES.
const (
	FNotifyOnEmpty    = 24
	FAnyLayout        = 27
	FRingIndirectDesc = 28
	FRingEventIdx     = 29
	FProtocolFeatures = 30 // VHOST_USER_F_PROTOCOL_FEATURES
	FVersion1         = 32
	FAccessPlatform   = 33 // VIRTIO_F_IOMMU_PLATFORM
	FRingPacked       = 34
	FInOrder          = 35
	FOrderPlatform    = 36
	FNotificationData = 38
)

// FeatureNames names the device-independent feature bits.
var FeatureNames = map[uint]string{
	FNotifyOnEmpty:    "notify_on_empty",
	FAnyLayout:        "any_layout",
	FRingIndirectDesc: "ring_indirect_desc",
	FRingEventIdx:     "ring_event_idx",
	FProtocolFeatures: "protocol_features",
	FVersion1:         "version_1",
	FAccessPlatform:   "iommu_platform",
	FRingPacked:       "ring_packed",
	FInOrder:          "in_order",
	FOrderPlatform:    "order_platform",
	FNotificationData: "notification_data",
}

// Bit returns the mask of feature bit n.
func Bit(n uint) uint64 { return 1 << n }

const (
	// QueueSizeMax is the largest split ring a queue may use.
	QueueSizeMax = 32768

	descSize        = 16
	availHeaderSize = 4
	availElemSize   = 2
	usedHeaderSize  = 4
	usedElemSize    = 8
)

// ValidQueueSize reports whether n is a usable ring size: a non-zero power
// of two no larger than QueueSizeMax.
func ValidQueueSize(n uint32) bool {
	return n != 0 && n&(n-1) == 0 && n <= QueueSizeMax
}

// DescTableSize is the byte length of a descriptor table of n entries.
func DescTableSize(n uint16) uint64 { return descSize * uint64(n) }

// AvailRingSize is the byte length of an available ring of n entries,
// without the trailing used_event word.
func AvailRingSize(n uint16) uint64 { return availHeaderSize + availElemSize*uint64(n) }

// UsedRingSize is the byte length of a used ring of n entries, without
// the trailing avail_event word.
func UsedRingSize(n uint16) uint64 { return usedHeaderSize + usedElemSize*uint64(n) }

// UsedIdx reads the idx field of a used ring.
func UsedIdx(used []byte) uint16 {
	return binary.LittleEndian.Uint16(used[2:4])
}

// AvailIdx reads the idx field of an available ring.
func AvailIdx(avail []byte) uint16 {
	return binary.LittleEndian.Uint16(avail[2:4])
}
