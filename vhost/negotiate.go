package vhost

import (
	"fmt"

	"github.com/bobuhiro11/govhost/message"
	"github.com/bobuhiro11/govhost/virtio"
)

// Protocol feature bits.
const (
	ProtocolFMQ          = 0
	ProtocolFLogShmFD    = 1
	ProtocolFRARP        = 2
	ProtocolFReplyAck    = 3
	ProtocolFMTU         = 4
	ProtocolFSlaveReq    = 5
	ProtocolFCrossEndian = 6
	ProtocolFConfig      = 9
)

// ProtocolFeatureNames names the protocol feature bits.
var ProtocolFeatureNames = map[uint]string{
	ProtocolFMQ:          "mq",
	ProtocolFLogShmFD:    "log_shmfd",
	ProtocolFRARP:        "rarp",
	ProtocolFReplyAck:    "reply_ack",
	ProtocolFMTU:         "mtu",
	ProtocolFSlaveReq:    "slave_req",
	ProtocolFCrossEndian: "cross_endian",
	ProtocolFConfig:      "config",
}

func protocolBit(n uint) uint64 { return 1 << n }

// SupportedProtocolFeatures is every protocol feature the engine
// implements.
const SupportedProtocolFeatures uint64 = 1<<ProtocolFMQ | 1<<ProtocolFReplyAck | 1<<ProtocolFConfig

// OfferedProtocolFeatures is the protocol feature set answered to
// GET_PROTOCOL_FEATURES: config access needs a ConfigAccessor backend and
// acknowledged replies need IOMMU support.
func (d *Device) OfferedProtocolFeatures() uint64 {
	f := SupportedProtocolFeatures

	if !d.iommuCapable {
		f &^= protocolBit(ProtocolFReplyAck)
	}

	if _, ok := d.backend.(ConfigAccessor); !ok {
		f &^= protocolBit(ProtocolFConfig)
	}

	return f
}

func (d *Device) requireProtocolFeatures(r message.Request) error {
	if d.features&virtio.Bit(virtio.FProtocolFeatures) == 0 {
		return fmt.Errorf("%s: %w", r, ErrNotNegotiated)
	}

	return nil
}

func (d *Device) setFeatures(msg *message.Msg, f uint64) error {
	if unsupported := f &^ d.supportedFeatures; unsupported != 0 {
		return fmt.Errorf("features %#x: %w", unsupported, ErrUnsupportedFeatures)
	}

	prevFeatures, prevIOMMU := d.features, d.iommu

	d.features = f
	d.iommu = d.iommuCapable && f&virtio.Bit(virtio.FAccessPlatform) != 0

	d.log.Info().Uint64("features", f).Bool("iommu", d.iommu).Msg("features negotiated")

	fc, ok := d.backend.(FeaturesChanger)
	if !ok {
		return nil
	}

	d.beginOp(func(err error) {
		if err != nil && !d.removed {
			d.features, d.iommu = prevFeatures, prevIOMMU
			d.fail(msg, fmt.Errorf("backend rejected features %#x: %w", f, err))

			return
		}

		d.resume()
	})
	fc.FeaturesChanged(d, f)

	return nil
}

func (d *Device) setProtocolFeatures(f uint64) error {
	if unsupported := f &^ SupportedProtocolFeatures; unsupported != 0 {
		return fmt.Errorf("protocol features %#x: %w", unsupported, ErrUnsupportedFeatures)
	}

	d.protocolFeatures = f & d.OfferedProtocolFeatures()

	d.log.Info().Uint64("protocol_features", d.protocolFeatures).Msg("protocol features negotiated")

	return nil
}
