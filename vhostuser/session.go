package vhostuser

import (
	"errors"
	"io"
	"net"
	"sync"

	"github.com/bobuhiro11/govhost/memory"
	"github.com/bobuhiro11/govhost/message"
	"github.com/bobuhiro11/govhost/vhost"
	"github.com/eapache/queue"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ErrSessionClosed is returned for requests to a session that ended.
var ErrSessionClosed = errors.New("session closed")

type inbound struct {
	msg *message.Msg
	err error
}

// session serves one master connection. Everything touching the device
// runs on the goroutine of run; other goroutines hand work to it with
// post.
type session struct {
	srv     *Server
	conn    *Conn
	dev     *vhost.Device
	backend any
	log     zerolog.Logger

	mu     sync.Mutex
	posted *queue.Queue
	wake   chan struct{}

	inbound chan inbound
	next    chan struct{}
	quit    chan struct{}
	done    chan struct{}

	quitOnce sync.Once

	cur        *message.Msg
	mem        *memory.Table
	memChanged bool
	removing   bool
	finished   bool
}

func newSession(srv *Server, c *net.UnixConn, backend any) *session {
	return &session{
		srv:     srv,
		conn:    NewConn(c),
		backend: backend,
		posted:  queue.New(),
		wake:    make(chan struct{}, 1),
		inbound: make(chan inbound),
		next:    make(chan struct{}, 1),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// serve runs the session until the device is released.
func (s *session) serve() {
	var g errgroup.Group

	g.Go(s.read)

	s.create()
	s.run()

	close(s.done)
	s.conn.Close()

	_ = g.Wait()

	// a message dropped by the removal never completed
	if s.cur != nil {
		s.cur.CloseFDs()
	}

	if s.mem != nil {
		if err := s.mem.Close(); err != nil {
			s.log.Warn().Err(err).Msg("failed to unmap memory table")
		}
	}

	s.log.Info().Msg("session closed")
}

// read feeds messages to the session, one at a time.
func (s *session) read() error {
	for {
		select {
		case <-s.next:
		case <-s.done:
			return nil
		}

		m, err := s.conn.ReadMessage()

		select {
		case s.inbound <- inbound{msg: m, err: err}:
		case <-s.done:
			if m != nil {
				m.CloseFDs()
			}

			return nil
		}

		var rej *RejectedError
		if err != nil && !errors.As(err, &rej) {
			return nil
		}
	}
}

func (s *session) create() {
	c, ok := s.backend.(vhost.DeviceCreator)
	if !ok {
		s.signalNext()

		return
	}

	s.dev.Do(func() { c.DeviceCreate(s.dev) }, func(err error) {
		if err != nil {
			s.log.Error().Err(err).Msg("device create failed")
			s.teardown()

			return
		}

		s.signalNext()
	})
}

func (s *session) run() {
	for !s.finished {
		select {
		case in := <-s.inbound:
			s.handle(in)
		case <-s.wake:
			s.drain()
		case <-s.quit:
			s.teardown()
		}
	}
}

func (s *session) handle(in inbound) {
	if s.removing {
		if in.msg != nil {
			in.msg.CloseFDs()
		}

		return
	}

	if in.err != nil {
		var rej *RejectedError
		if errors.As(in.err, &rej) {
			s.dev.Reject(rej.Header, rej.Err)
			s.signalNext()

			return
		}

		if errors.Is(in.err, io.EOF) {
			s.log.Info().Msg("master disconnected")
		} else {
			s.log.Error().Err(in.err).Msg("connection failed")
		}

		s.teardown()

		return
	}

	s.cur = in.msg

	if err := s.dev.HandleMessage(in.msg); err != nil {
		s.log.Error().Err(err).Stringer("request", in.msg.Request).Msg("message not accepted")
		s.cur = nil
		in.msg.CloseFDs()
		s.signalNext()
	}
}

func (s *session) signalNext() {
	select {
	case s.next <- struct{}{}:
	default:
	}
}

func (s *session) teardown() {
	if s.removing {
		return
	}

	s.removing = true
	s.srv.registry.Destroy(s.dev, func() { s.finished = true })
}

// post queues fn for the session goroutine. It is the Post of the
// device, so backends may complete from anywhere.
func (s *session) post(fn func()) {
	s.mu.Lock()
	s.posted.Add(fn)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *session) drain() {
	for {
		s.mu.Lock()
		if s.posted.Length() == 0 {
			s.mu.Unlock()

			return
		}

		fn, _ := s.posted.Remove().(func())
		s.mu.Unlock()

		fn()
	}
}

// exec runs fn on the session goroutine and waits for it.
func (s *session) exec(fn func()) error {
	ran := make(chan struct{})

	s.post(func() {
		fn()
		close(ran)
	})

	select {
	case <-ran:
		return nil
	case <-s.done:
		return ErrSessionClosed
	}
}

func (s *session) disconnect() {
	s.quitOnce.Do(func() { close(s.quit) })
}

func (s *session) SendReply(_ *vhost.Device, reply *message.Msg) error {
	return s.conn.WriteMessage(reply)
}

// HandleMessage maps the regions of SET_MEM_TABLE. Everything else goes
// to the device.
func (s *session) HandleMessage(d *vhost.Device, msg *message.Msg) (vhost.Outcome, error) {
	mt, ok := msg.Payload.(message.Memory)
	if !ok {
		return vhost.Continue, nil
	}

	if s.mem != nil && s.mem.Matches(mt.Regions) {
		s.log.Debug().Int("regions", len(mt.Regions)).Msg("memory table unchanged")

		return vhost.Handled, nil
	}

	t, err := memory.Map(mt.Regions, msg.FDs)
	if err != nil {
		return vhost.Handled, err
	}

	d.SetMemory(t)

	if s.mem != nil {
		if err := s.mem.Close(); err != nil {
			s.log.Warn().Err(err).Msg("failed to unmap previous memory table")
		}
	}

	s.mem = t
	s.memChanged = true

	s.log.Info().Int("regions", len(mt.Regions)).Msg("memory table mapped")

	return vhost.Handled, nil
}

// MessageComplete releases msg and lets the reader continue. A new memory
// table is announced to the backend first.
func (s *session) MessageComplete(d *vhost.Device, err error, msg *message.Msg) {
	msg.CloseFDs()
	s.cur = nil

	if err != nil {
		s.log.Debug().Err(err).Stringer("request", msg.Request).Msg("request failed")
	}

	if !s.memChanged {
		s.signalNext()

		return
	}

	s.memChanged = false

	di, ok := s.backend.(vhost.DeviceInitializer)
	if !ok {
		s.signalNext()

		return
	}

	d.Do(func() { di.DeviceInit(d) }, func(err error) {
		if err != nil {
			s.log.Error().Err(err).Msg("device init failed")
		}

		s.signalNext()
	})
}
