package virtio

import (
	"errors"
	"fmt"
	"sync"
)

var ErrConfigRange = errors.New("access outside device configuration space")

// ConfigSpace is a byte-addressed device configuration space, safe for
// concurrent use.
type ConfigSpace struct {
	mu  sync.Mutex
	buf []byte
}

func NewConfigSpace(b []byte) *ConfigSpace {
	return &ConfigSpace{buf: append([]byte(nil), b...)}
}

func (c *ConfigSpace) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.buf)
}

// ReadAt fills p from offset off. Bytes past the end of the space read as
// zero, as a driver would see for unimplemented fields.
func (c *ConfigSpace) ReadAt(p []byte, off uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	clear(p)

	if int(off) > len(c.buf) {
		return fmt.Errorf("read at %d: %w", off, ErrConfigRange)
	}

	copy(p, c.buf[off:])

	return nil
}

// WriteAt stores p at offset off.
func (c *ConfigSpace) WriteAt(p []byte, off uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if uint64(off)+uint64(len(p)) > uint64(len(c.buf)) {
		return fmt.Errorf("write %d bytes at %d: %w", len(p), off, ErrConfigRange)
	}

	copy(c.buf[off:], p)

	return nil
}
