// Package message implements the vhost-user wire catalog: request kinds,
// typed payloads and the validating codec used at the socket boundary.
package message

import "fmt"

// Request identifies a vhost-user master request.
type Request uint32

const (
	ReqNone                Request = 0
	ReqGetFeatures         Request = 1
	ReqSetFeatures         Request = 2
	ReqSetOwner            Request = 3
	ReqResetOwner          Request = 4
	ReqSetMemTable         Request = 5
	ReqSetLogBase          Request = 6
	ReqSetLogFD            Request = 7
	ReqSetVringNum         Request = 8
	ReqSetVringAddr        Request = 9
	ReqSetVringBase        Request = 10
	ReqGetVringBase        Request = 11
	ReqSetVringKick        Request = 12
	ReqSetVringCall        Request = 13
	ReqSetVringErr         Request = 14
	ReqGetProtocolFeatures Request = 15
	ReqSetProtocolFeatures Request = 16
	ReqGetQueueNum         Request = 17
	ReqSetVringEnable      Request = 18
	ReqSetSlaveReqFD       Request = 21
	ReqIOTLBMsg            Request = 22
	ReqGetConfig           Request = 24
	ReqSetConfig           Request = 25
)

var requestNames = map[Request]string{
	ReqGetFeatures:         "GET_FEATURES",
	ReqSetFeatures:         "SET_FEATURES",
	ReqSetOwner:            "SET_OWNER",
	ReqResetOwner:          "RESET_OWNER",
	ReqSetMemTable:         "SET_MEM_TABLE",
	ReqSetLogBase:          "SET_LOG_BASE",
	ReqSetLogFD:            "SET_LOG_FD",
	ReqSetVringNum:         "SET_VRING_NUM",
	ReqSetVringAddr:        "SET_VRING_ADDR",
	ReqSetVringBase:        "SET_VRING_BASE",
	ReqGetVringBase:        "GET_VRING_BASE",
	ReqSetVringKick:        "SET_VRING_KICK",
	ReqSetVringCall:        "SET_VRING_CALL",
	ReqSetVringErr:         "SET_VRING_ERR",
	ReqGetProtocolFeatures: "GET_PROTOCOL_FEATURES",
	ReqSetProtocolFeatures: "SET_PROTOCOL_FEATURES",
	ReqGetQueueNum:         "GET_QUEUE_NUM",
	ReqSetVringEnable:      "SET_VRING_ENABLE",
	ReqSetSlaveReqFD:       "SET_SLAVE_REQ_FD",
	ReqIOTLBMsg:            "IOTLB_MSG",
	ReqGetConfig:           "GET_CONFIG",
	ReqSetConfig:           "SET_CONFIG",
}

func (r Request) String() string {
	if name, ok := requestNames[r]; ok {
		return name
	}

	return fmt.Sprintf("UNKNOWN(%d)", uint32(r))
}

// Known reports whether r belongs to the request catalog.
func (r Request) Known() bool {
	_, ok := requestNames[r]

	return ok
}

// TargetsQueue reports whether r addresses a single virtqueue.
func (r Request) TargetsQueue() bool {
	switch r {
	case ReqSetVringNum, ReqSetVringAddr, ReqSetVringBase, ReqGetVringBase,
		ReqSetVringKick, ReqSetVringCall, ReqSetVringErr, ReqSetVringEnable:
		return true
	}

	return false
}

// Header flag bits.
const (
	VersionMask   uint32 = 0x3
	FlagReply     uint32 = 1 << 2
	FlagNeedReply uint32 = 1 << 3

	// Version is the only protocol version spoken.
	Version uint32 = 0x1
)

// Protocol limits.
const (
	HeaderSize    = 12
	MaxFDs        = 8
	MaxRegions    = 8
	MaxQueues     = 128
	MaxConfigSize = 256

	regionSize       = 32
	memoryHeaderSize = 8
	configHeaderSize = 12

	// MaxPayloadSize is the largest payload a peer may declare.
	MaxPayloadSize = configHeaderSize + MaxConfigSize

	VringIdxMask  uint64 = 0xff
	VringNoFDMask uint64 = 1 << 8
)

// ReplyFlags returns the header flags for a reply to a request that
// carried flags. Version and need-reply bits from the request are dropped.
func ReplyFlags(flags uint32) uint32 {
	flags &^= VersionMask | FlagNeedReply

	return flags | Version | FlagReply
}
