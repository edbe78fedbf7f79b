package vhost

import (
	"fmt"

	"github.com/bobuhiro11/govhost/message"
)

// sendReply answers req through the owner.
func (d *Device) sendReply(req *message.Msg, p message.Payload) error {
	rep := &message.Msg{
		Request: req.Request,
		Flags:   message.ReplyFlags(req.Flags),
		Payload: p,
	}

	if err := d.owner.SendReply(d, rep); err != nil {
		return fmt.Errorf("reply to %s: %w", req.Request, err)
	}

	return nil
}

// reply answers the in-flight message.
func (d *Device) reply(msg *message.Msg, p message.Payload) error {
	d.replied = true

	return d.sendReply(msg, p)
}

func (d *Device) replyAck() bool {
	return d.protocolFeatures&protocolBit(ProtocolFReplyAck) != 0
}

// ack acknowledges the in-flight message when the master asked for it
// and nothing else answered it yet. A non-nil cause is reported as 1.
func (d *Device) ack(msg *message.Msg, cause error) error {
	if d.replied || !msg.NeedsReply() || !d.replyAck() {
		return nil
	}

	var v message.U64
	if cause != nil {
		v = 1
	}

	return d.reply(msg, v)
}
