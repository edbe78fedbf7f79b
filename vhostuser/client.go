package vhostuser

import (
	"errors"
	"fmt"
	"net"

	"github.com/bobuhiro11/govhost/message"
	"github.com/bobuhiro11/govhost/vhost"
)

var (
	// ErrNack is returned when the slave reports a failed request.
	ErrNack = errors.New("request failed on the slave")

	errUnexpectedReply = errors.New("unexpected reply")
)

// Client is the master side of a connection. It is used by probe and by
// tests.
type Client struct {
	conn *Conn
	ack  bool
}

func Dial(path string) (*Client, error) {
	c, err := net.DialUnix("unix", nil, &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", path, err)
	}

	return &Client{conn: NewConn(c)}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// Send writes m. Once REPLY_ACK is negotiated the acknowledgement is
// requested and checked.
func (c *Client) Send(m *message.Msg) error {
	m.Flags |= message.Version

	if !c.ack {
		return c.conn.WriteMessage(m)
	}

	m.Flags |= message.FlagNeedReply

	rep, err := c.Call(m)
	if err != nil {
		return err
	}

	if v, ok := rep.Payload.(message.U64); !ok || v != 0 {
		return fmt.Errorf("%s: %w", m.Request, ErrNack)
	}

	return nil
}

// Call writes m and reads its reply.
func (c *Client) Call(m *message.Msg) (*message.Msg, error) {
	m.Flags |= message.Version

	if err := c.conn.WriteMessage(m); err != nil {
		return nil, err
	}

	rep, err := c.conn.ReadReply()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", m.Request, err)
	}

	if !rep.IsReply() || rep.Request != m.Request {
		return nil, fmt.Errorf("%s answered by %s: %w", m.Request, rep.Request, errUnexpectedReply)
	}

	return rep, nil
}

func (c *Client) getU64(r message.Request) (uint64, error) {
	rep, err := c.Call(&message.Msg{Request: r, Payload: message.Empty{}})
	if err != nil {
		return 0, err
	}

	v, ok := rep.Payload.(message.U64)
	if !ok {
		return 0, fmt.Errorf("%s: %w", r, errUnexpectedReply)
	}

	return uint64(v), nil
}

func (c *Client) GetFeatures() (uint64, error) {
	return c.getU64(message.ReqGetFeatures)
}

func (c *Client) SetFeatures(f uint64) error {
	return c.Send(&message.Msg{Request: message.ReqSetFeatures, Payload: message.U64(f)})
}

func (c *Client) GetProtocolFeatures() (uint64, error) {
	return c.getU64(message.ReqGetProtocolFeatures)
}

// SetProtocolFeatures negotiates f. Later requests ask for
// acknowledgements when f contains REPLY_ACK.
func (c *Client) SetProtocolFeatures(f uint64) error {
	if err := c.Send(&message.Msg{Request: message.ReqSetProtocolFeatures, Payload: message.U64(f)}); err != nil {
		return err
	}

	c.ack = f&(1<<vhost.ProtocolFReplyAck) != 0

	return nil
}

func (c *Client) GetQueueNum() (uint64, error) {
	return c.getU64(message.ReqGetQueueNum)
}

func (c *Client) SetOwner() error {
	return c.Send(&message.Msg{Request: message.ReqSetOwner, Payload: message.Empty{}})
}

func (c *Client) SetMemTable(regions []message.MemoryRegion, fds []int) error {
	return c.Send(&message.Msg{
		Request: message.ReqSetMemTable,
		Payload: message.Memory{Regions: regions},
		FDs:     fds,
	})
}

func (c *Client) SetVringNum(idx, num uint32) error {
	return c.Send(&message.Msg{Request: message.ReqSetVringNum, Payload: message.VringState{Index: idx, Num: num}})
}

func (c *Client) SetVringBase(idx, base uint32) error {
	return c.Send(&message.Msg{Request: message.ReqSetVringBase, Payload: message.VringState{Index: idx, Num: base}})
}

// GetVringBase stops the queue and returns its last available index.
func (c *Client) GetVringBase(idx uint32) (uint32, error) {
	rep, err := c.Call(&message.Msg{Request: message.ReqGetVringBase, Payload: message.VringState{Index: idx}})
	if err != nil {
		return 0, err
	}

	s, ok := rep.Payload.(message.VringState)
	if !ok {
		return 0, fmt.Errorf("%s: %w", message.ReqGetVringBase, errUnexpectedReply)
	}

	return s.Num, nil
}

func (c *Client) SetVringAddr(a message.VringAddr) error {
	return c.Send(&message.Msg{Request: message.ReqSetVringAddr, Payload: a})
}

// SetVringKick passes fd as the kick eventfd of queue idx; a negative fd
// selects polling.
func (c *Client) SetVringKick(idx uint8, fd int) error {
	return c.sendFile(message.ReqSetVringKick, idx, fd)
}

func (c *Client) SetVringCall(idx uint8, fd int) error {
	return c.sendFile(message.ReqSetVringCall, idx, fd)
}

func (c *Client) sendFile(r message.Request, idx uint8, fd int) error {
	m := &message.Msg{Request: r, Payload: message.VringFile{Index: idx, NoFD: fd < 0}}
	if fd >= 0 {
		m.FDs = []int{fd}
	}

	return c.Send(m)
}

func (c *Client) SetVringEnable(idx uint32, enable bool) error {
	var v uint32
	if enable {
		v = 1
	}

	return c.Send(&message.Msg{Request: message.ReqSetVringEnable, Payload: message.VringState{Index: idx, Num: v}})
}

// GetConfig reads size bytes of the device configuration space at
// offset.
func (c *Client) GetConfig(offset, size uint32) ([]byte, error) {
	rep, err := c.Call(&message.Msg{
		Request: message.ReqGetConfig,
		Payload: message.Config{Offset: offset, Size: size, Region: make([]byte, size)},
	})
	if err != nil {
		return nil, err
	}

	cfg, ok := rep.Payload.(message.Config)
	if !ok {
		return nil, fmt.Errorf("%s: %w", message.ReqGetConfig, ErrNack)
	}

	return cfg.Region, nil
}

func (c *Client) SetConfig(offset uint32, b []byte) error {
	return c.Send(&message.Msg{
		Request: message.ReqSetConfig,
		Payload: message.Config{Offset: offset, Size: uint32(len(b)), Region: b},
	})
}
