package vhost_test

import (
	"errors"
	"testing"

	"github.com/bobuhiro11/govhost/message"
	"github.com/bobuhiro11/govhost/vhost"
)

func TestKickStartsQueue(t *testing.T) {
	t.Parallel()

	b := newBackend()
	d, o := newDevice(t, 0, b)

	sendOK(t, d, o, vringState(message.ReqSetVringNum, 0, 256))
	fd := kick(t, d, 0)

	q := queue(t, d, 0)
	if !q.Started() || !q.Kicked() {
		t.Fatalf("expected: started and kicked queue, actual: started=%v kicked=%v", q.Started(), q.Kicked())
	}

	if q.KickFD() != fd {
		t.Fatalf("expected: %d, actual: %d", fd, q.KickFD())
	}

	if q.State != vhost.StateEnabled {
		t.Fatalf("expected: %v, actual: %v", vhost.StateEnabled, q.State)
	}

	if !equalEvents(b.events, []string{"start 0"}) {
		t.Fatalf("unexpected backend calls %v", b.events)
	}
}

func TestMessageStopsTargetQueue(t *testing.T) {
	t.Parallel()

	b := newBackend()
	d, o := newDevice(t, 0, b)

	sendOK(t, d, o, vringState(message.ReqSetVringNum, 0, 128))
	kick(t, d, 0)
	sendOK(t, d, o, vringState(message.ReqSetVringNum, 0, 256))

	if !equalEvents(b.events, []string{"start 0", "stop 0", "start 0"}) {
		t.Fatalf("unexpected backend calls %v", b.events)
	}

	if b.sizeAtStop != 128 {
		t.Fatalf("queue changed before it was stopped: size %d", b.sizeAtStop)
	}

	if q := queue(t, d, 0); q.Size != 256 {
		t.Fatalf("expected: 256, actual: %d", q.Size)
	}

	if b.maxInFlight != 1 {
		t.Fatalf("expected: 1 backend call in flight, actual: %d", b.maxInFlight)
	}
}

func TestStartAllAscendingOneAtATime(t *testing.T) {
	t.Parallel()

	b := newBackend()
	d, o := newDevice(t, 0, b)

	for _, idx := range []uint16{3, 1, 0} {
		b.startErr[idx] = errStart
	}

	kick(t, d, 3)
	kick(t, d, 1)
	kick(t, d, 0)

	// a queue created but never kicked is never started
	sendOK(t, d, o, vringState(message.ReqSetVringNum, 2, 64))

	if got := d.Stats().StartFailures; got == 0 {
		t.Fatalf("expected start failures, actual: %d", got)
	}

	b.startErr = map[uint16]error{}
	b.events = nil
	b.deferred = true

	send(t, d, &message.Msg{Request: message.ReqSetOwner, Payload: message.Empty{}})
	b.flush()

	if !equalEvents(b.events, []string{"start 0", "start 1", "start 3"}) {
		t.Fatalf("unexpected backend calls %v", b.events)
	}

	if b.maxInFlight != 1 {
		t.Fatalf("expected: 1 backend call in flight, actual: %d", b.maxInFlight)
	}

	if c := o.last(t); c.req != message.ReqSetOwner || c.err != nil {
		t.Fatalf("unexpected completion %+v", c)
	}

	if queue(t, d, 2).Started() {
		t.Fatal("unkicked queue started")
	}
}

func TestMemTableStopsAllQueues(t *testing.T) {
	t.Parallel()

	b := newBackend()
	d, o := newDevice(t, 0, b)

	kick(t, d, 2)
	kick(t, d, 0)
	kick(t, d, 1)

	b.events = nil

	sendOK(t, d, o, &message.Msg{
		Request: message.ReqSetMemTable,
		Payload: message.Memory{Regions: []message.MemoryRegion{{Size: 4096}}},
	})

	want := []string{"stop 0", "stop 1", "stop 2", "start 0", "start 1", "start 2"}
	if !equalEvents(b.events, want) {
		t.Fatalf("expected: %v, actual: %v", want, b.events)
	}
}

func TestStopAllWithoutStartedQueues(t *testing.T) {
	t.Parallel()

	b := newBackend()
	d, o := newDevice(t, 0, b)

	sendOK(t, d, o, vringState(message.ReqSetVringNum, 0, 64))
	b.events = nil

	sendOK(t, d, o, &message.Msg{
		Request: message.ReqSetMemTable,
		Payload: message.Memory{Regions: []message.MemoryRegion{{Size: 4096}}},
	})

	if len(b.events) != 0 {
		t.Fatalf("expected no backend calls, actual: %v", b.events)
	}
}

func TestStopRetriedUntilSuccess(t *testing.T) {
	t.Parallel()

	for _, deferred := range []bool{false, true} {
		b := newBackend()
		d, o := newDevice(t, 0, b)

		kick(t, d, 0)

		b.deferred = deferred
		b.stopFailures = 3
		b.events = nil

		send(t, d, vringState(message.ReqSetVringBase, 0, 9))
		b.flush()

		want := []string{"stop 0", "stop 0", "stop 0", "stop 0", "start 0"}
		if !equalEvents(b.events, want) {
			t.Fatalf("deferred=%v expected: %v, actual: %v", deferred, want, b.events)
		}

		if got := d.Stats().StopRetries; got != 3 {
			t.Fatalf("expected: 3, actual: %d", got)
		}

		if c := o.last(t); c.err != nil {
			t.Fatalf("unexpected error %v", c.err)
		}

		if q := queue(t, d, 0); q.LastAvailIdx != 9 || q.LastUsedIdx != 9 {
			t.Fatalf("expected: 9/9, actual: %d/%d", q.LastAvailIdx, q.LastUsedIdx)
		}
	}
}

func TestDeferredCompletionHoldsMessage(t *testing.T) {
	t.Parallel()

	b := newBackend()
	b.deferred = true
	d, o := newDevice(t, 0, b)

	m, _ := kickMsg(t, 0)
	send(t, d, m)

	if len(o.completed) != 0 {
		t.Fatal("message completed before the backend finished")
	}

	if d.Pending() != 1 {
		t.Fatalf("expected: 1, actual: %d", d.Pending())
	}

	err := d.HandleMessage(&message.Msg{Request: message.ReqGetFeatures, Payload: message.Empty{}})
	if !errors.Is(err, vhost.ErrBusy) {
		t.Fatalf("expected: %v, actual: %v", vhost.ErrBusy, err)
	}

	b.flush()

	if len(o.completed) != 1 || d.Pending() != 0 {
		t.Fatalf("expected 1 completion and nothing pending, actual: %d/%d", len(o.completed), d.Pending())
	}
}

func TestCompleteRunsThroughPost(t *testing.T) {
	t.Parallel()

	var posted []func()

	b := newBackend()
	o := &fakeOwner{}
	d := vhost.NewRegistry().Create(vhost.Config{
		Owner:   o,
		Backend: b,
		Post:    func(fn func()) { posted = append(posted, fn) },
	})

	m, _ := kickMsg(t, 0)
	send(t, d, m)

	if len(posted) != 1 || len(o.completed) != 0 {
		t.Fatalf("expected 1 posted completion, actual: %d", len(posted))
	}

	posted[0]()

	if len(o.completed) != 1 || !queue(t, d, 0).Started() {
		t.Fatal("posted completion did not finish the message")
	}
}

func TestDestroyWaitsForPendingOperation(t *testing.T) {
	t.Parallel()

	b := newBackend()
	b.deferred = true
	d, o := newDevice(t, 0, b)

	m, fd := kickMsg(t, 0)
	send(t, d, m)

	calls := 0
	d.Destroy(func() { calls++ })

	if !d.Removed() || calls != 0 {
		t.Fatalf("expected removal to wait, actual: removed=%v calls=%d", d.Removed(), calls)
	}

	if !equalEvents(b.events, []string{"start 0"}) {
		t.Fatalf("teardown started while an operation was pending: %v", b.events)
	}

	b.flush()

	if !equalEvents(b.events, []string{"start 0", "stop 0", "destroy"}) {
		t.Fatalf("unexpected backend calls %v", b.events)
	}

	if calls != 1 {
		t.Fatalf("expected: 1, actual: %d", calls)
	}

	if len(o.completed) != 0 {
		t.Fatal("message of a removed device completed")
	}

	if isOpen(fd) {
		t.Fatal("kick descriptor still open")
	}

	if err := d.HandleMessage(&message.Msg{Request: message.ReqGetFeatures, Payload: message.Empty{}}); !errors.Is(err, vhost.ErrRemoved) {
		t.Fatalf("expected: %v, actual: %v", vhost.ErrRemoved, err)
	}
}

func TestDestroyRetriedOnce(t *testing.T) {
	t.Parallel()

	b := newBackend()
	d, _ := newDevice(t, 0, b)

	kick(t, d, 0)
	kick(t, d, 1)

	b.destroyFailures = 2
	b.events = nil

	calls := 0
	d.Destroy(func() { calls++ })
	d.Destroy(func() { calls += 10 })

	want := []string{"stop 0", "stop 1", "destroy", "destroy", "destroy"}
	if !equalEvents(b.events, want) {
		t.Fatalf("expected: %v, actual: %v", want, b.events)
	}

	if calls != 11 {
		t.Fatalf("expected: 11, actual: %d", calls)
	}

	d.Destroy(func() { calls += 100 })

	if calls != 111 {
		t.Fatalf("expected: 111, actual: %d", calls)
	}

	if got := d.Stats().DestroyRetries; got != 2 {
		t.Fatalf("expected: 2, actual: %d", got)
	}
}

func TestRemovalCancelsStarts(t *testing.T) {
	t.Parallel()

	b := newBackend()
	d, o := newDevice(t, 0, b)

	for idx := range uint16(3) {
		b.startErr[idx] = errStart
	}

	for idx := range uint8(3) {
		kick(t, d, idx)
	}

	b.startErr = map[uint16]error{}
	b.deferred = true
	b.events = nil

	send(t, d, &message.Msg{Request: message.ReqSetOwner, Payload: message.Empty{}})

	done := false
	d.Destroy(func() { done = true })
	b.flush()

	if !equalEvents(b.events, []string{"start 0", "stop 0", "destroy"}) {
		t.Fatalf("unexpected backend calls %v", b.events)
	}

	if !done || len(o.completed) != 3 {
		t.Fatalf("expected removal to finish, actual: done=%v completed=%d", done, len(o.completed))
	}
}

func TestDestroyWithoutBackend(t *testing.T) {
	t.Parallel()

	d, _ := newDevice(t, 0, nil)
	fd := kick(t, d, 0)

	if !queue(t, d, 0).Started() {
		t.Fatal("queue not started without a starter")
	}

	done := false
	d.Destroy(func() { done = true })

	if !done || isOpen(fd) {
		t.Fatalf("expected released device, actual: done=%v open=%v", done, isOpen(fd))
	}
}

func TestOverlappingOperationPanics(t *testing.T) {
	t.Parallel()

	b := newBackend()
	b.deferred = true
	d, _ := newDevice(t, 0, b)

	m, _ := kickMsg(t, 0)
	send(t, d, m)

	defer func() {
		if recover() == nil {
			t.Fatal("expected a panic")
		}
	}()

	d.Do(func() {}, func(error) {})
}

func TestDo(t *testing.T) {
	t.Parallel()

	d, _ := newDevice(t, 0, nil)

	var got error

	d.Do(func() { d.Complete(errStart) }, func(err error) { got = err })

	if !errors.Is(got, errStart) || d.Pending() != 0 {
		t.Fatalf("expected: %v, actual: %v (pending %d)", errStart, got, d.Pending())
	}
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	r := vhost.NewRegistry()

	var ids []uint32
	for range 3 {
		ids = append(ids, r.Create(vhost.Config{}).ID())
	}

	for i := 1; i < len(ids); i++ {
		if ids[i] <= ids[i-1] {
			t.Fatalf("identifiers not increasing: %v", ids)
		}
	}

	d, ok := r.Lookup(ids[1])
	if !ok {
		t.Fatalf("device %d not found", ids[1])
	}

	done := false
	r.Destroy(d, func() { done = true })

	if !done || r.Len() != 2 {
		t.Fatalf("expected: 2 live devices, actual: %d", r.Len())
	}

	if got := r.IDs(); got[0] != ids[0] || got[1] != ids[2] {
		t.Fatalf("expected: [%d %d], actual: %v", ids[0], ids[2], got)
	}
}
