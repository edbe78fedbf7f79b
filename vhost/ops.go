package vhost

import "github.com/bobuhiro11/govhost/message"

// A backend is any value; the capabilities below are discovered with type
// assertions and all of them are optional.
//
// The asynchronous capabilities (QueueStarter, QueueStopper,
// DeviceDestroyer, FeaturesChanger, DeviceCreator, DeviceInitializer)
// must finish every call with exactly one Device.Complete, either before
// returning or later.

type QueueStarter interface {
	QueueStart(d *Device, q *Queue)
}

type QueueStopper interface {
	QueueStop(d *Device, q *Queue)
}

type DeviceDestroyer interface {
	DeviceDestroy(d *Device)
}

type FeaturesChanger interface {
	FeaturesChanged(d *Device, features uint64)
}

// DeviceCreator is called by a transport once a master connects.
type DeviceCreator interface {
	DeviceCreate(d *Device)
}

// DeviceInitializer is called by a transport after the master installs
// a memory table.
type DeviceInitializer interface {
	DeviceInit(d *Device)
}

// ConfigAccessor exposes the device configuration space. Both methods
// are synchronous. Without it the config protocol feature is never
// offered.
type ConfigAccessor interface {
	GetConfig(d *Device, config []byte, offset uint32) error
	SetConfig(d *Device, config []byte, offset, flags uint32) error
}

// Owner is the transport side of a device.
type Owner interface {
	SendReply(d *Device, reply *message.Msg) error
}

// Outcome tells the dispatcher what to do after a MessageHandler ran.
type Outcome int

const (
	// Continue applies the protocol semantics of the message.
	Continue Outcome = iota
	// Handled skips them; the message succeeds.
	Handled
)

// MessageHandler lets the owner intercept a message before the protocol
// semantics are applied. It runs after the queues the message affects
// were stopped.
type MessageHandler interface {
	HandleMessage(d *Device, msg *message.Msg) (Outcome, error)
}

// MessageCompleter is told when a message has been fully processed. err
// is nil on success.
type MessageCompleter interface {
	MessageComplete(d *Device, err error, msg *message.Msg)
}
