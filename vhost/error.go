package vhost

import "errors"

var (
	ErrRemoved             = errors.New("device removed")
	ErrBusy                = errors.New("another message is in flight")
	ErrInvalidQueue        = errors.New("queue index out of range")
	ErrNoQueue             = errors.New("queue not allocated")
	ErrInvalidQueueSize    = errors.New("invalid queue size")
	ErrInvalidBase         = errors.New("vring base out of range")
	ErrUnsupportedFeatures = errors.New("unsupported feature bits")
	ErrNotNegotiated       = errors.New("protocol features not negotiated")
	ErrNoMemoryTable       = errors.New("memory table not set")
	ErrIOMMUUnsupported    = errors.New("IOMMU address translation not supported")
	ErrUnsupported         = errors.New("request not supported")
	ErrMalformed           = errors.New("payload does not match request")
)
