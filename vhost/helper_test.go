package vhost_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/bobuhiro11/govhost/message"
	"github.com/bobuhiro11/govhost/vhost"
	"github.com/bobuhiro11/govhost/virtio"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

var (
	errStop    = errors.New("stop failed")
	errStart   = errors.New("start failed")
	errDestroy = errors.New("destroy failed")
)

// ---- owner ----

type completion struct {
	req message.Request
	err error
}

type fakeOwner struct {
	replies   []*message.Msg
	completed []completion
	sendErr   error
}

func (o *fakeOwner) SendReply(_ *vhost.Device, m *message.Msg) error {
	o.replies = append(o.replies, m)

	return o.sendErr
}

func (o *fakeOwner) MessageComplete(_ *vhost.Device, err error, m *message.Msg) {
	o.completed = append(o.completed, completion{req: m.Request, err: err})
}

func (o *fakeOwner) last(t *testing.T) completion {
	t.Helper()

	if len(o.completed) == 0 {
		t.Fatal("no message completed")
	}

	return o.completed[len(o.completed)-1]
}

func (o *fakeOwner) lastReply(t *testing.T) *message.Msg {
	t.Helper()

	if len(o.replies) == 0 {
		t.Fatal("no reply sent")
	}

	return o.replies[len(o.replies)-1]
}

// ---- backend ----

type fakeBackend struct {
	deferred bool
	pending  []func()

	events      []string
	inFlight    int
	maxInFlight int

	startErr        map[uint16]error
	stopFailures    int
	destroyFailures int
	sizeAtStop      uint16
	features        []uint64
	featuresErr     error
}

func newBackend() *fakeBackend {
	return &fakeBackend{startErr: make(map[uint16]error)}
}

func (b *fakeBackend) finish(d *vhost.Device, err error) {
	b.inFlight++
	if b.inFlight > b.maxInFlight {
		b.maxInFlight = b.inFlight
	}

	done := func() {
		b.inFlight--
		d.Complete(err)
	}

	if b.deferred {
		b.pending = append(b.pending, done)

		return
	}

	done()
}

// flush delivers deferred completions, including those of calls issued
// while flushing.
func (b *fakeBackend) flush() {
	for len(b.pending) > 0 {
		done := b.pending[0]
		b.pending = b.pending[1:]
		done()
	}
}

func (b *fakeBackend) QueueStart(d *vhost.Device, q *vhost.Queue) {
	b.events = append(b.events, fmt.Sprintf("start %d", q.Index))
	b.finish(d, b.startErr[q.Index])
}

func (b *fakeBackend) QueueStop(d *vhost.Device, q *vhost.Queue) {
	b.events = append(b.events, fmt.Sprintf("stop %d", q.Index))
	b.sizeAtStop = q.Size

	var err error
	if b.stopFailures > 0 {
		b.stopFailures--
		err = errStop
	}

	b.finish(d, err)
}

func (b *fakeBackend) DeviceDestroy(d *vhost.Device) {
	b.events = append(b.events, "destroy")

	var err error
	if b.destroyFailures > 0 {
		b.destroyFailures--
		err = errDestroy
	}

	b.finish(d, err)
}

func (b *fakeBackend) FeaturesChanged(d *vhost.Device, f uint64) {
	b.features = append(b.features, f)
	b.finish(d, b.featuresErr)
}

type configBackend struct {
	*fakeBackend
	config       []byte
	getConfigErr error
}

func (b *configBackend) GetConfig(_ *vhost.Device, buf []byte, off uint32) error {
	if b.getConfigErr != nil {
		return b.getConfigErr
	}

	copy(buf, b.config[off:])

	return nil
}

func (b *configBackend) SetConfig(_ *vhost.Device, buf []byte, off, _ uint32) error {
	copy(b.config[off:], buf)

	return nil
}

// ---- helpers ----

const protocolFeatures = uint64(1) << virtio.FProtocolFeatures

func newDevice(t *testing.T, features uint64, backend any) (*vhost.Device, *fakeOwner) {
	t.Helper()

	o := &fakeOwner{}
	nop := zerolog.Nop()

	d := vhost.NewRegistry().Create(vhost.Config{
		Features: features,
		Owner:    o,
		Backend:  backend,
		Logger:   &nop,
	})

	return d, o
}

func send(t *testing.T, d *vhost.Device, m *message.Msg) {
	t.Helper()

	if err := d.HandleMessage(m); err != nil {
		t.Fatalf("%s: %v", m.Request, err)
	}
}

// sendOK sends m and requires it to complete successfully.
func sendOK(t *testing.T, d *vhost.Device, o *fakeOwner, m *message.Msg) {
	t.Helper()

	n := len(o.completed)
	send(t, d, m)

	if len(o.completed) != n+1 {
		t.Fatalf("%s did not complete", m.Request)
	}

	if c := o.last(t); c.err != nil {
		t.Fatalf("%s: %v", m.Request, c.err)
	}
}

// sendErr sends m and requires it to complete with target.
func sendErr(t *testing.T, d *vhost.Device, o *fakeOwner, m *message.Msg, target error) {
	t.Helper()

	send(t, d, m)

	if c := o.last(t); !errors.Is(c.err, target) {
		t.Fatalf("%s: expected: %v, actual: %v", m.Request, target, c.err)
	}
}

func vringState(r message.Request, idx, num uint32) *message.Msg {
	return &message.Msg{Request: r, Payload: message.VringState{Index: idx, Num: num}}
}

func eventfd(t *testing.T) int {
	t.Helper()

	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		t.Fatalf("eventfd: %v", err)
	}

	return fd
}

func isOpen(fd int) bool {
	_, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)

	return err == nil
}

func kickMsg(t *testing.T, idx uint8) (*message.Msg, int) {
	t.Helper()

	fd := eventfd(t)

	return &message.Msg{
		Request: message.ReqSetVringKick,
		Payload: message.VringFile{Index: idx},
		FDs:     []int{fd},
	}, fd
}

func kick(t *testing.T, d *vhost.Device, idx uint8) int {
	t.Helper()

	m, fd := kickMsg(t, idx)
	send(t, d, m)

	return fd
}

func queue(t *testing.T, d *vhost.Device, idx uint32) *vhost.Queue {
	t.Helper()

	q, ok := d.Queue(idx)
	if !ok {
		t.Fatalf("queue %d not allocated", idx)
	}

	return q
}

func negotiate(t *testing.T, d *vhost.Device, o *fakeOwner, features, protocol uint64) {
	t.Helper()

	sendOK(t, d, o, &message.Msg{Request: message.ReqSetFeatures, Payload: message.U64(features)})
	sendOK(t, d, o, &message.Msg{Request: message.ReqSetProtocolFeatures, Payload: message.U64(protocol)})
}

func equalEvents(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}

	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}

	return true
}
