package vhost

import (
	"encoding/binary"
	"fmt"

	"github.com/bobuhiro11/govhost/message"
	"golang.org/x/sys/unix"
)

// State is the enable state of a queue.
type State int

const (
	StateDefault State = iota
	StateEnabled
	StateDisabled
)

func (s State) String() string {
	switch s {
	case StateEnabled:
		return "enabled"
	case StateDisabled:
		return "disabled"
	}

	return "default"
}

// Queue is one virtqueue of a device. It is owned by its Device and must
// only be touched from the device's goroutine.
type Queue struct {
	Index uint16
	Size  uint16

	// Local views of the rings, valid once the addresses were translated.
	Desc  []byte
	Avail []byte
	Used  []byte

	DescAddr  uint64
	AvailAddr uint64
	UsedAddr  uint64

	LogGuestAddr uint64

	LastAvailIdx uint16
	LastUsedIdx  uint16

	State State

	addr    *message.VringAddr
	kickFD  int
	callFD  int
	kicked  bool
	started bool
}

func newQueue(idx uint16) *Queue {
	return &Queue{
		Index:  idx,
		kickFD: -1,
		callFD: -1,
	}
}

// KickFD returns the eventfd the master signals, or -1.
func (q *Queue) KickFD() int { return q.kickFD }

// CallFD returns the eventfd the backend signals, or -1.
func (q *Queue) CallFD() int { return q.callFD }

// Kicked reports whether a kick descriptor was ever configured.
func (q *Queue) Kicked() bool { return q.kicked }

func (q *Queue) Started() bool { return q.started }

// Mapped reports whether the rings have local views.
func (q *Queue) Mapped() bool { return q.Desc != nil }

// Call signals the master through the call eventfd.
func (q *Queue) Call() error {
	if q.callFD < 0 {
		return nil
	}

	var b [8]byte
	binary.NativeEndian.PutUint64(b[:], 1)

	if _, err := unix.Write(q.callFD, b[:]); err != nil {
		return fmt.Errorf("signal queue %d: %w", q.Index, err)
	}

	return nil
}

func (q *Queue) setKick(fd int) {
	closeFD(q.kickFD)
	q.kickFD = fd
}

func (q *Queue) setCall(fd int) {
	closeFD(q.callFD)
	q.callFD = fd
}

func (q *Queue) unmap() {
	q.Desc, q.Avail, q.Used = nil, nil, nil
	q.DescAddr, q.AvailAddr, q.UsedAddr = 0, 0, 0
}

func (q *Queue) release() {
	q.setKick(-1)
	q.setCall(-1)
	q.unmap()
}

func closeFD(fd int) {
	if fd >= 0 {
		unix.Close(fd)
	}
}

// queueTable holds the queues of a device. Slots are reached only through
// bounds-checked lookups.
type queueTable struct {
	slots [message.MaxQueues]*Queue
}

func (t *queueTable) lookup(idx uint32) (*Queue, error) {
	if idx >= message.MaxQueues {
		return nil, fmt.Errorf("queue %d: %w", idx, ErrInvalidQueue)
	}

	q := t.slots[idx]
	if q == nil {
		return nil, fmt.Errorf("queue %d: %w", idx, ErrNoQueue)
	}

	return q, nil
}

// ensure returns the queue at idx, allocating it with defaults first if
// needed.
func (t *queueTable) ensure(idx uint32) (*Queue, error) {
	if idx >= message.MaxQueues {
		return nil, fmt.Errorf("queue %d: %w", idx, ErrInvalidQueue)
	}

	if t.slots[idx] == nil {
		t.slots[idx] = newQueue(uint16(idx))
	}

	return t.slots[idx], nil
}

// next returns the first allocated queue at or after idx that satisfies
// ok, or nil.
func (t *queueTable) next(idx uint32, ok func(*Queue) bool) *Queue {
	for ; idx < message.MaxQueues; idx++ {
		if q := t.slots[idx]; q != nil && ok(q) {
			return q
		}
	}

	return nil
}

func (t *queueTable) each(fn func(*Queue)) {
	for _, q := range t.slots {
		if q != nil {
			fn(q)
		}
	}
}
