package vhostuser

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"slices"
	"sync"

	"github.com/bobuhiro11/govhost/vhost"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var (
	ErrUnknownSession = errors.New("unknown session")

	errNotListening = errors.New("server is not listening")
	errNotSocket    = errors.New("path exists and is not a socket")
)

// Config describes the devices a Server creates.
type Config struct {
	// Features is the virtio feature set every device offers.
	Features uint64
	// NewBackend returns the backend of a new device. When nil, devices
	// have no backend.
	NewBackend func() any
	Logger     *zerolog.Logger
}

// SessionInfo is a snapshot of one connected master.
type SessionInfo struct {
	ID               uint32
	Features         uint64
	ProtocolFeatures uint64
	Queues           int
	Started          int
	Pending          int
	Stats            vhost.Stats
}

// Server accepts vhost-user masters on a unix socket.
type Server struct {
	cfg      Config
	log      zerolog.Logger
	registry *vhost.Registry

	mu       sync.Mutex
	ln       *net.UnixListener
	sessions map[uint32]*session
}

func NewServer(cfg Config) *Server {
	l := log.Logger
	if cfg.Logger != nil {
		l = *cfg.Logger
	}

	return &Server{
		cfg:      cfg,
		log:      l.With().Str("component", "vhostuser").Logger(),
		registry: vhost.NewRegistry(),
		sessions: make(map[uint32]*session),
	}
}

// Listen binds the server to path. A stale socket left at path is
// replaced.
func (s *Server) Listen(path string) error {
	if fi, err := os.Lstat(path); err == nil {
		if fi.Mode()&os.ModeSocket == 0 {
			return fmt.Errorf("%s: %w", path, errNotSocket)
		}

		if err := os.Remove(path); err != nil {
			return fmt.Errorf("remove stale socket: %w", err)
		}
	}

	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return fmt.Errorf("listen %s: %w", path, err)
	}

	ln.SetUnlinkOnClose(true)

	s.mu.Lock()
	s.ln = ln
	s.log = s.log.With().Str("socket", path).Logger()
	s.mu.Unlock()

	s.log.Info().Str("socket", path).Msg("listening")

	return nil
}

// Serve accepts masters until ctx is done or the server is closed, then
// disconnects every session and waits for their devices to be released.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()

	if ln == nil {
		return errNotListening
	}

	var g errgroup.Group

	stop := make(chan struct{})

	g.Go(func() error {
		select {
		case <-ctx.Done():
		case <-stop:
		}

		_ = ln.Close()

		return nil
	})

	err := s.accept(ln, &g)

	close(stop)
	s.disconnectAll()

	if werr := g.Wait(); err == nil {
		err = werr
	}

	return err
}

func (s *Server) accept(ln *net.UnixListener, g *errgroup.Group) error {
	for {
		c, err := ln.AcceptUnix()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}

			return fmt.Errorf("accept: %w", err)
		}

		sess := s.add(c)

		g.Go(func() error {
			sess.serve()
			s.remove(sess)

			return nil
		})
	}
}

func (s *Server) add(c *net.UnixConn) *session {
	var backend any
	if s.cfg.NewBackend != nil {
		backend = s.cfg.NewBackend()
	}

	sess := newSession(s, c, backend)
	sess.dev = s.registry.Create(vhost.Config{
		Features: s.cfg.Features,
		Owner:    sess,
		Backend:  backend,
		Logger:   &s.log,
		Post:     sess.post,
	})
	sess.log = *sess.dev.Logger()

	s.mu.Lock()
	s.sessions[sess.dev.ID()] = sess
	s.mu.Unlock()

	sess.log.Info().Msg("master connected")

	return sess
}

func (s *Server) remove(sess *session) {
	s.mu.Lock()
	delete(s.sessions, sess.dev.ID())
	s.mu.Unlock()
}

func (s *Server) lookup(id uint32) (*session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %d: %w", id, ErrUnknownSession)
	}

	return sess, nil
}

// Sessions returns a snapshot of every connected master, by identifier.
func (s *Server) Sessions() []SessionInfo {
	s.mu.Lock()
	all := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		all = append(all, sess)
	}
	s.mu.Unlock()

	infos := make([]SessionInfo, 0, len(all))

	for _, sess := range all {
		info, err := sess.info()
		if err != nil {
			continue
		}

		infos = append(infos, info)
	}

	slices.SortFunc(infos, func(a, b SessionInfo) int { return cmp.Compare(a.ID, b.ID) })

	return infos
}

// Session returns a snapshot of the session id.
func (s *Server) Session(id uint32) (SessionInfo, error) {
	sess, err := s.lookup(id)
	if err != nil {
		return SessionInfo{}, err
	}

	return sess.info()
}

// Disconnect removes the device of session id and closes its connection.
func (s *Server) Disconnect(id uint32) error {
	sess, err := s.lookup(id)
	if err != nil {
		return err
	}

	sess.disconnect()

	return nil
}

func (s *Server) disconnectAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sess := range s.sessions {
		sess.disconnect()
	}
}

// Close stops accepting masters. Serve returns once the sessions ended.
func (s *Server) Close() error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()

	if ln == nil {
		return errNotListening
	}

	if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("close listener: %w", err)
	}

	return nil
}

func (s *session) info() (SessionInfo, error) {
	var info SessionInfo

	err := s.exec(func() {
		d := s.dev

		info = SessionInfo{
			ID:               d.ID(),
			Features:         d.Features(),
			ProtocolFeatures: d.ProtocolFeatures(),
			Pending:          d.Pending(),
			Stats:            d.Stats(),
		}

		d.Queues(func(q *vhost.Queue) {
			info.Queues++

			if q.Started() {
				info.Started++
			}
		})
	})

	return info, err
}
