package memory

import (
	"errors"
	"fmt"
	"math"

	"github.com/bobuhiro11/govhost/message"
	"golang.org/x/sys/unix"
)

// ErrShortFile is returned when a region extends past the end of the
// file backing it.
var ErrShortFile = errors.New("region beyond end of file")

var (
	errRegionOverflow = errors.New("mmap offset and size overflow")
	errFDCount        = errors.New("region and descriptor counts differ")
)

// Map maps every region of a SET_MEM_TABLE payload from the descriptor
// at the same position. The descriptors stay open; the mappings outlive
// them.
func Map(regions []message.MemoryRegion, fds []int) (*Table, error) {
	if len(regions) != len(fds) {
		return nil, fmt.Errorf("%d regions, %d fds: %w", len(regions), len(fds), errFDCount)
	}

	t, err := NewTable()
	if err != nil {
		return nil, err
	}

	for i, desc := range regions {
		r, err := mapRegion(desc, fds[i])
		if err != nil {
			t.Close()

			return nil, fmt.Errorf("region %d: %w", i, err)
		}

		if err := t.Add(r); err != nil {
			unix.Munmap(r.mapping)
			t.Close()

			return nil, fmt.Errorf("region %d: %w", i, err)
		}
	}

	return t, nil
}

func mapRegion(desc message.MemoryRegion, fd int) (*Region, error) {
	size := desc.MmapOffset + desc.Size
	if size < desc.Size {
		return nil, errRegionOverflow
	}

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return nil, fmt.Errorf("fstat: %w", err)
	}

	// touching pages past EOF raises SIGBUS
	if st.Size < 0 || uint64(st.Size) < size {
		return nil, fmt.Errorf("%d bytes needed, file has %d: %w", size, st.Size, ErrShortFile)
	}

	// hugetlbfs mappings must be a multiple of the page size, which
	// st_blksize reports.
	if align := uint64(st.Blksize); align > 1 {
		aligned := (size + align - 1) &^ (align - 1)
		if aligned < size {
			return nil, errRegionOverflow
		}

		size = aligned
	}

	if size > math.MaxInt {
		return nil, errRegionOverflow
	}

	buf, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		return nil, fmt.Errorf("mmap %d bytes: %w", size, err)
	}

	r := NewRegion(desc.GuestPhysAddr, desc.UserAddr, buf[desc.MmapOffset:desc.MmapOffset+desc.Size])
	r.mapping = buf
	r.mmapOffset = desc.MmapOffset

	return r, nil
}

// Matches reports whether t was built from exactly the given regions.
func (t *Table) Matches(regions []message.MemoryRegion) bool {
	if len(t.Regions) != len(regions) {
		return false
	}

	for i, r := range t.Regions {
		d := regions[i]
		if r.GuestPhysAddr != d.GuestPhysAddr || r.GuestUserAddr != d.UserAddr ||
			r.Size != d.Size || r.mmapOffset != d.MmapOffset {
			return false
		}
	}

	return true
}

// Close unmaps every region that Map created.
func (t *Table) Close() error {
	var errs []error

	for _, r := range t.Regions {
		if r.mapping == nil {
			continue
		}

		if err := unix.Munmap(r.mapping); err != nil {
			errs = append(errs, err)
		}

		r.mapping = nil
		r.Buf = nil
	}

	return errors.Join(errs...)
}
