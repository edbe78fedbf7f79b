// Package vhost is the vhost-user control-plane engine. A Device receives
// one validated message at a time from its transport, sequences the
// queue start/stop operations of its backend around it and answers the
// master through its Owner.
//
// A Device is not safe for concurrent use. Every method must be called
// from a single goroutine; backends that finish operations elsewhere do
// so through Device.Complete, which hands the completion to the Post
// function of the device's Config.
package vhost

import (
	"github.com/bobuhiro11/govhost/memory"
	"github.com/bobuhiro11/govhost/message"
	"github.com/bobuhiro11/govhost/virtio"
	"github.com/eapache/queue"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config describes a device to create.
type Config struct {
	// Features is the virtio feature set offered to the master. Offering
	// VIRTIO_F_IOMMU_PLATFORM also enables the IOMMU-dependent protocol
	// features.
	Features uint64

	Owner   Owner
	Backend any

	// Logger defaults to the global zerolog logger.
	Logger *zerolog.Logger
	// Post runs fn on the device goroutine. When nil, Complete must be
	// called from the device goroutine.
	Post func(fn func())
}

type phase int

const (
	phaseReceive phase = iota
	phasePrepare
	phaseParse
	phasePostprocess
	phaseComplete
)

type teardown int

const (
	teardownNone teardown = iota
	// removal requested while an operation was pending
	teardownDeferred
	teardownStopping
	teardownDestroying
	teardownDone
)

// Stats counts recoverable conditions.
type Stats struct {
	StopRetries    uint64
	DestroyRetries uint64
	StartFailures  uint64
	RingResyncs    uint64
	Rejected       uint64
}

type Device struct {
	id      uint32
	log     zerolog.Logger
	owner   Owner
	backend any
	post    func(func())

	supportedFeatures uint64
	features          uint64
	protocolFeatures  uint64
	iommuCapable      bool
	iommu             bool

	mem     *memory.Table
	queues  queueTable
	slaveFD int

	msg     *message.Msg
	msgErr  error
	phase   phase
	replied bool

	opPending int
	opCpl     func(error)

	removed   bool
	teardown  teardown
	onRemoved []func()

	work     *queue.Queue
	draining bool

	stats Stats
}

func newDevice(id uint32, c Config) *Device {
	l := log.Logger
	if c.Logger != nil {
		l = *c.Logger
	}

	return &Device{
		id:                id,
		log:               l.With().Uint32("dev", id).Logger(),
		owner:             c.Owner,
		backend:           c.Backend,
		post:              c.Post,
		supportedFeatures: c.Features,
		iommuCapable:      c.Features&virtio.Bit(virtio.FAccessPlatform) != 0,
		slaveFD:           -1,
		work:              queue.New(),
	}
}

func (d *Device) ID() uint32 { return d.id }

func (d *Device) Logger() *zerolog.Logger { return &d.log }

// Features returns the negotiated virtio features.
func (d *Device) Features() uint64 { return d.features }

// SupportedFeatures returns the features offered to the master.
func (d *Device) SupportedFeatures() uint64 { return d.supportedFeatures }

// ProtocolFeatures returns the negotiated protocol features.
func (d *Device) ProtocolFeatures() uint64 { return d.protocolFeatures }

// IOMMU reports whether IOMMU addressing is in effect.
func (d *Device) IOMMU() bool { return d.iommu }

func (d *Device) Removed() bool { return d.removed }

func (d *Device) Stats() Stats { return d.stats }

// Pending returns the number of backend operations not yet completed.
func (d *Device) Pending() int { return d.opPending }

// SlaveFD returns the slave request channel, or -1.
func (d *Device) SlaveFD() int { return d.slaveFD }

func (d *Device) Memory() *memory.Table { return d.mem }

// SetMemory installs the master's memory table and re-translates the
// rings of every queue that has addresses. The previous table is
// returned for the caller to release.
func (d *Device) SetMemory(t *memory.Table) *memory.Table {
	old := d.mem
	d.mem = t

	d.queues.each(func(q *Queue) {
		if q.addr == nil {
			return
		}

		if err := d.translateRings(q); err != nil {
			d.log.Warn().Err(err).Uint16("queue", q.Index).Msg("rings no longer mapped")
			q.unmap()
		}
	})

	return old
}

// Queue returns the queue at idx if it has been allocated.
func (d *Device) Queue(idx uint32) (*Queue, bool) {
	q, err := d.queues.lookup(idx)

	return q, err == nil
}

// Queues calls fn for every allocated queue in index order.
func (d *Device) Queues(fn func(*Queue)) { d.queues.each(fn) }

// schedule queues fn behind the work already accepted and drains the
// queue unless a drain is already running further up the stack. Every
// continuation runs from this loop, so a backend completing inline never
// re-enters the dispatcher.
func (d *Device) schedule(fn func()) {
	d.work.Add(fn)

	if d.draining {
		return
	}

	d.draining = true
	for d.work.Length() > 0 {
		next, _ := d.work.Remove().(func())
		next()
	}
	d.draining = false
}

// beginOp registers the continuation of the backend call about to be
// made. Only one call may be outstanding.
func (d *Device) beginOp(done func(err error)) {
	if d.opCpl != nil {
		panic("vhost: backend operation started while another is outstanding")
	}

	d.opPending++
	d.opCpl = done
}

// Do runs call as a backend operation of d; done receives the result
// passed to Complete.
func (d *Device) Do(call func(), done func(err error)) {
	d.schedule(func() {
		d.beginOp(done)
		call()
	})
}

// Complete finishes the outstanding backend operation.
func (d *Device) Complete(err error) {
	if d.post != nil {
		d.post(func() { d.complete(err) })

		return
	}

	d.complete(err)
}

func (d *Device) complete(err error) {
	done := d.opCpl
	if done == nil {
		d.log.Error().Err(err).Msg("completion without an outstanding operation")

		return
	}

	d.opCpl = nil

	d.schedule(func() {
		d.opPending--
		done(err)

		if d.teardown == teardownDeferred && d.opPending == 0 {
			d.teardown = teardownStopping
			d.stopAllQueues()
		}
	})
}
