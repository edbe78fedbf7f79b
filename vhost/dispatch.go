package vhost

import (
	"fmt"

	"github.com/bobuhiro11/govhost/message"
)

// HandleMessage starts processing msg. The message stays borrowed until
// the owner's MessageCompleter is told it is done; descriptors the device
// keeps are taken out of msg.FDs.
func (d *Device) HandleMessage(msg *message.Msg) error {
	switch {
	case msg == nil || msg.Payload == nil || !msg.Request.Known():
		return fmt.Errorf("handle message: %w", message.ErrUnknownRequest)
	case d.removed:
		return ErrRemoved
	case d.msg != nil:
		return fmt.Errorf("%s while %s in flight: %w", msg.Request, d.msg.Request, ErrBusy)
	}

	d.msg = msg
	d.msgErr = nil
	d.phase = phaseReceive
	d.replied = false

	d.log.Debug().Stringer("request", msg.Request).Uint32("flags", msg.Flags).Msg("message received")

	d.resume()

	return nil
}

// resume advances the in-flight message by one phase.
func (d *Device) resume() { d.schedule(d.step) }

func (d *Device) step() {
	msg := d.msg
	if msg == nil {
		return
	}

	if d.removed {
		d.log.Debug().Stringer("request", msg.Request).Msg("dropping message of removed device")
		d.msg = nil

		return
	}

	if d.phase < phaseComplete {
		d.phase++
	}

	var err error

	switch d.phase {
	case phasePrepare:
		err = d.prepare(msg)
	case phaseParse:
		if err = d.parse(msg); err == nil && d.opPending == 0 {
			d.resume()
		}
	case phasePostprocess:
		err = d.postprocess(msg)
	case phaseComplete:
		d.finish(msg)
	}

	if err != nil {
		d.fail(msg, err)
	}
}

// prepare stops the queues the message is about to change.
func (d *Device) prepare(msg *message.Msg) error {
	switch {
	case msg.Request.TargetsQueue():
		idx, ok := msg.QueueIndex()
		if !ok {
			return fmt.Errorf("%s: %w", msg.Request, ErrMalformed)
		}

		return d.allocStopQueue(idx)
	case msg.Request == message.ReqSetMemTable, msg.Request == message.ReqSetProtocolFeatures:
		d.stopAllQueues()

		return nil
	}

	d.resume()

	return nil
}

func (d *Device) parse(msg *message.Msg) error {
	if h, ok := d.owner.(MessageHandler); ok {
		outcome, err := h.HandleMessage(d, msg)
		if err != nil {
			return fmt.Errorf("%s: %w", msg.Request, err)
		}

		if outcome == Handled {
			return nil
		}
	}

	return d.interpret(msg)
}

func (d *Device) postprocess(msg *message.Msg) error {
	if err := d.ack(msg, nil); err != nil {
		return err
	}

	d.startQueues(0)

	return nil
}

func (d *Device) fail(msg *message.Msg, err error) {
	d.msgErr = err
	d.phase = phaseComplete
	d.stats.Rejected++

	d.log.Error().Err(err).Stringer("request", msg.Request).Msg("message failed")

	d.finish(msg)
}

func (d *Device) finish(msg *message.Msg) {
	if d.msgErr != nil {
		if err := d.ack(msg, d.msgErr); err != nil {
			d.log.Error().Err(err).Stringer("request", msg.Request).Msg("failed to report error")
		}
	}

	if d.opPending > 0 {
		return
	}

	d.msg = nil

	d.log.Debug().Stringer("request", msg.Request).Err(d.msgErr).Msg("message complete")

	if c, ok := d.owner.(MessageCompleter); ok {
		c.MessageComplete(d, d.msgErr, msg)
	}
}

// Reject reports a message that never reached the dispatcher, for
// example because it failed validation.
func (d *Device) Reject(h message.Header, cause error) {
	d.stats.Rejected++

	d.log.Error().Err(cause).Stringer("request", h.Request).Msg("message rejected")

	if d.removed {
		return
	}

	msg := &message.Msg{Request: h.Request, Flags: h.Flags}
	if !msg.NeedsReply() || !d.replyAck() {
		return
	}

	if err := d.sendReply(msg, message.U64(1)); err != nil {
		d.log.Error().Err(err).Stringer("request", h.Request).Msg("failed to report error")
	}
}
