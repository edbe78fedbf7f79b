// Package memory keeps the table of memory regions shared by a vhost-user
// master and translates the master's addresses into local ones.
package memory

import (
	"errors"
	"fmt"
	"unsafe"
)

var (
	// ErrNoMapping is returned when a range is not fully contained in a
	// single registered region.
	ErrNoMapping = errors.New("address range not mapped")

	errTooManyRegions = errors.New("maximal numbers of regions exhausted")
	errEmptyRegion    = errors.New("region has zero size")
	errNotBacked      = errors.New("region has no local mapping")
)

// MaxRegions bounds the number of regions in a table.
const MaxRegions = 8

type Region struct {
	GuestPhysAddr uint64
	// GuestUserAddr is the master's virtual address of the region; ring
	// addresses are expressed in this space.
	GuestUserAddr uint64
	// HostUserAddr is the local address of the first byte of the region.
	HostUserAddr uint64
	Size         uint64
	// Buf is the local view of the region, len(Buf) == Size when set.
	Buf []byte

	mapping    []byte
	mmapOffset uint64
}

// NewRegion returns a region backed by buf.
func NewRegion(guestPhys, guestUser uint64, buf []byte) *Region {
	r := &Region{
		GuestPhysAddr: guestPhys,
		GuestUserAddr: guestUser,
		Size:          uint64(len(buf)),
		Buf:           buf,
	}

	if len(buf) > 0 {
		r.HostUserAddr = uint64(uintptr(unsafe.Pointer(&buf[0])))
	}

	return r
}

// contains reports whether [addr, addr+length) fits inside r.
func (r *Region) contains(addr, length uint64) bool {
	if addr < r.GuestUserAddr {
		return false
	}

	off := addr - r.GuestUserAddr
	if off >= r.Size {
		return false
	}

	return length <= r.Size-off
}

type Table struct {
	Regions []*Region
	space   *AddressSpace
}

// NewTable builds a table from non-overlapping regions.
func NewTable(regions ...*Region) (*Table, error) {
	t := &Table{space: NewAddressSpace("guest-user", 0, ^uint64(0))}

	for _, r := range regions {
		if err := t.Add(r); err != nil {
			return nil, err
		}
	}

	return t, nil
}

func (t *Table) Add(r *Region) error {
	if len(t.Regions) >= MaxRegions {
		return errTooManyRegions
	}

	if r.Size == 0 {
		return errEmptyRegion
	}

	as := NewAddressSpace(fmt.Sprintf("region-%d", len(t.Regions)), r.GuestUserAddr, r.Size)
	if err := t.space.AddAddress(as); err != nil {
		return fmt.Errorf("region %#x+%#x: %w", r.GuestUserAddr, r.Size, err)
	}

	t.Regions = append(t.Regions, r)

	return nil
}

func (t *Table) find(addr, length uint64) (*Region, error) {
	for _, r := range t.Regions {
		if r.contains(addr, length) {
			return r, nil
		}
	}

	return nil, fmt.Errorf("%#x+%#x: %w", addr, length, ErrNoMapping)
}

// Translate returns the local address of the master address addr. The
// whole range [addr, addr+length) must lie inside one region.
func (t *Table) Translate(addr, length uint64) (uint64, error) {
	r, err := t.find(addr, length)
	if err != nil {
		return 0, err
	}

	return r.HostUserAddr + (addr - r.GuestUserAddr), nil
}

// Slice returns the local bytes of [addr, addr+length).
func (t *Table) Slice(addr, length uint64) ([]byte, error) {
	r, err := t.find(addr, length)
	if err != nil {
		return nil, err
	}

	if r.Buf == nil {
		return nil, fmt.Errorf("%#x: %w", r.GuestUserAddr, errNotBacked)
	}

	off := addr - r.GuestUserAddr

	return r.Buf[off : off+length : off+length], nil
}
