package virtio_test

import (
	"bytes"
	"errors"
	"net"
	"testing"

	"github.com/bobuhiro11/govhost/virtio"
)

func TestValidQueueSize(t *testing.T) {
	t.Parallel()

	for n := uint32(0); n <= 2*virtio.QueueSizeMax; n++ {
		pow2 := n != 0 && n&(n-1) == 0
		expected := pow2 && n <= virtio.QueueSizeMax

		if actual := virtio.ValidQueueSize(n); actual != expected {
			t.Fatalf("size %d: expected: %v, actual: %v", n, expected, actual)
		}
	}

	if virtio.ValidQueueSize(1 << 31) {
		t.Fatal("size 1<<31 accepted")
	}
}

func TestRingSizes(t *testing.T) {
	t.Parallel()

	const n = 256

	if actual := virtio.DescTableSize(n); actual != 16*n {
		t.Fatalf("expected: %v, actual: %v", 16*n, actual)
	}

	if actual := virtio.AvailRingSize(n); actual != 4+2*n {
		t.Fatalf("expected: %v, actual: %v", 4+2*n, actual)
	}

	if actual := virtio.UsedRingSize(n); actual != 4+8*n {
		t.Fatalf("expected: %v, actual: %v", 4+8*n, actual)
	}
}

func TestUsedIdx(t *testing.T) {
	t.Parallel()

	used := []byte{0x01, 0x00, 0x34, 0x12}

	if actual := virtio.UsedIdx(used); actual != 0x1234 {
		t.Fatalf("expected: %#x, actual: %#x", 0x1234, actual)
	}
}

func TestBlkConfigBytes(t *testing.T) {
	t.Parallel()

	b, err := virtio.NewBlkConfig(1 << 30).Bytes()
	if err != nil {
		t.Fatal(err)
	}

	// capacity in sectors, little endian
	expected := []byte{0x00, 0x00, 0x20, 0x00, 0x00, 0x00, 0x00, 0x00}
	if !bytes.Equal(expected, b[:8]) {
		t.Fatalf("expected: %v, actual: %v", expected, b[:8])
	}

	if len(b) != 24 {
		t.Fatalf("expected: 24, actual: %d", len(b))
	}
}

func TestNetConfigBytes(t *testing.T) {
	t.Parallel()

	mac := net.HardwareAddr{0x52, 0x54, 0x00, 0x12, 0x34, 0x56}

	b, err := virtio.NewNetConfig(mac, 2).Bytes()
	if err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(b[:6], mac) {
		t.Fatalf("expected: %v, actual: %v", mac, b[:6])
	}

	expected := []byte{0x01, 0x00, 0x02, 0x00}
	if !bytes.Equal(expected, b[6:10]) {
		t.Fatalf("expected: %v, actual: %v", expected, b[6:10])
	}
}

func TestConfigSpace(t *testing.T) {
	t.Parallel()

	c := virtio.NewConfigSpace([]byte{1, 2, 3, 4})

	actual := make([]byte, 4)
	if err := c.ReadAt(actual, 2); err != nil {
		t.Fatal(err)
	}

	if expected := []byte{3, 4, 0, 0}; !bytes.Equal(expected, actual) {
		t.Fatalf("expected: %v, actual: %v", expected, actual)
	}

	if err := c.WriteAt([]byte{9}, 3); err != nil {
		t.Fatal(err)
	}

	if err := c.ReadAt(actual[:1], 3); err != nil || actual[0] != 9 {
		t.Fatalf("expected: 9, actual: %d (%v)", actual[0], err)
	}

	if err := c.WriteAt([]byte{1, 2}, 3); !errors.Is(err, virtio.ErrConfigRange) {
		t.Fatalf("expected: %v, actual: %v", virtio.ErrConfigRange, err)
	}

	if err := c.ReadAt(actual, 5); !errors.Is(err, virtio.ErrConfigRange) {
		t.Fatalf("expected: %v, actual: %v", virtio.ErrConfigRange, err)
	}
}
