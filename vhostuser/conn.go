// Package vhostuser carries vhost-user messages over a unix socket and
// runs one vhost.Device per connected master.
package vhostuser

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/bobuhiro11/govhost/message"
	"golang.org/x/sys/unix"
)

var (
	errTruncatedRights = errors.New("ancillary data truncated")
	errShortWrite      = errors.New("short write")
	errBadVersion      = errors.New("unsupported protocol version")
)

// RejectedError reports a message that was read completely but failed
// validation. The stream is still in sync after it.
type RejectedError struct {
	Header message.Header
	Err    error
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("rejected %s: %v", e.Header.Request, e.Err)
}

func (e *RejectedError) Unwrap() error { return e.Err }

// Conn is one end of a vhost-user connection.
type Conn struct {
	c *net.UnixConn

	wmu sync.Mutex
}

func NewConn(c *net.UnixConn) *Conn {
	return &Conn{c: c}
}

func (c *Conn) Close() error {
	return c.c.Close()
}

// ReadMessage reads the next request. Descriptors of a rejected message
// are closed before the *RejectedError is returned; any other error
// leaves the stream unusable.
func (c *Conn) ReadMessage() (*message.Msg, error) {
	h, body, fds, err := c.readFrame()
	if err != nil {
		return nil, err
	}

	if h.Flags&message.VersionMask != message.Version {
		closeFDs(fds)

		return nil, &RejectedError{Header: h, Err: fmt.Errorf("flags %#x: %w", h.Flags, errBadVersion)}
	}

	m, err := message.Decode(h, body, fds)
	if err != nil {
		closeFDs(fds)

		return nil, &RejectedError{Header: h, Err: err}
	}

	return m, nil
}

// ReadReply reads the next reply from the slave side.
func (c *Conn) ReadReply() (*message.Msg, error) {
	h, body, fds, err := c.readFrame()
	if err != nil {
		return nil, err
	}

	closeFDs(fds)

	return message.DecodeReply(h, body)
}

// readFrame reads one header and its payload. Descriptors may arrive
// with any byte of the frame.
func (c *Conn) readFrame() (message.Header, []byte, []int, error) {
	var hdr [message.HeaderSize]byte

	fds, err := c.readFull(hdr[:], nil)
	if err != nil {
		return message.Header{}, nil, nil, err
	}

	h, err := message.ParseHeader(hdr[:])
	if err != nil {
		closeFDs(fds)

		return message.Header{}, nil, nil, err
	}

	body := make([]byte, h.Size)

	fds, err = c.readFull(body, fds)
	if err != nil {
		return message.Header{}, nil, nil, err
	}

	return h, body, fds, nil
}

// readFull fills b, collecting the descriptors passed along. On error
// every descriptor received so far is closed.
func (c *Conn) readFull(b []byte, fds []int) ([]int, error) {
	oob := make([]byte, unix.CmsgSpace(message.MaxFDs*4))

	for off := 0; off < len(b); {
		n, oobn, flags, _, err := c.c.ReadMsgUnix(b[off:], oob)
		if oobn > 0 {
			got, perr := parseRights(oob[:oobn])
			fds = append(fds, got...)

			if perr != nil {
				err = perr
			}
		}

		if err == nil && flags&unix.MSG_CTRUNC != 0 {
			err = errTruncatedRights
		}

		if err == nil && n == 0 {
			err = io.EOF
		}

		if err == nil && len(fds) > message.MaxFDs {
			err = fmt.Errorf("%d descriptors: %w", len(fds), message.ErrUnexpectedFD)
		}

		if err != nil {
			closeFDs(fds)

			if off > 0 && errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}

			return nil, err
		}

		off += n
	}

	return fds, nil
}

func parseRights(oob []byte) ([]int, error) {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, fmt.Errorf("parse control message: %w", err)
	}

	var fds []int

	for i := range msgs {
		got, err := unix.ParseUnixRights(&msgs[i])
		if err != nil {
			return fds, fmt.Errorf("parse rights: %w", err)
		}

		fds = append(fds, got...)
	}

	return fds, nil
}

// WriteMessage sends m together with its descriptors. The descriptors
// stay owned by the caller.
func (c *Conn) WriteMessage(m *message.Msg) error {
	b := m.Encode()

	var oob []byte
	if len(m.FDs) > 0 {
		oob = unix.UnixRights(m.FDs...)
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	n, _, err := c.c.WriteMsgUnix(b, oob, nil)
	if err != nil {
		return fmt.Errorf("write %s: %w", m.Request, err)
	}

	if n != len(b) {
		return fmt.Errorf("write %s: %d of %d bytes: %w", m.Request, n, len(b), errShortWrite)
	}

	return nil
}

func closeFDs(fds []int) {
	for _, fd := range fds {
		if fd >= 0 {
			unix.Close(fd)
		}
	}
}
