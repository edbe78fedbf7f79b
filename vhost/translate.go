package vhost

import (
	"fmt"

	"github.com/bobuhiro11/govhost/virtio"
)

// translateRings resolves the ring addresses of q in the current memory
// table. A last-used index that disagrees with the used ring is
// resynchronised to the ring, as the ring is what the driver sees.
func (d *Device) translateRings(q *Queue) error {
	if d.iommu {
		return ErrIOMMUUnsupported
	}

	if d.mem == nil {
		return ErrNoMemoryTable
	}

	a := q.addr

	desc, descAddr, err := d.mapRing(a.Desc, virtio.DescTableSize(q.Size))
	if err != nil {
		return fmt.Errorf("descriptor table: %w", err)
	}

	avail, availAddr, err := d.mapRing(a.Avail, virtio.AvailRingSize(q.Size))
	if err != nil {
		return fmt.Errorf("available ring: %w", err)
	}

	used, usedAddr, err := d.mapRing(a.Used, virtio.UsedRingSize(q.Size))
	if err != nil {
		return fmt.Errorf("used ring: %w", err)
	}

	q.Desc, q.Avail, q.Used = desc, avail, used
	q.DescAddr, q.AvailAddr, q.UsedAddr = descAddr, availAddr, usedAddr
	q.LogGuestAddr = a.Log

	if live := virtio.UsedIdx(used); q.LastUsedIdx != live {
		d.stats.RingResyncs++
		d.log.Warn().
			Uint16("queue", q.Index).
			Uint16("last_used_idx", q.LastUsedIdx).
			Uint16("used_idx", live).
			Msg("last used index differs from used ring, resyncing")

		q.LastUsedIdx = live
		q.LastAvailIdx = live
	}

	return nil
}

func (d *Device) mapRing(addr, length uint64) ([]byte, uint64, error) {
	host, err := d.mem.Translate(addr, length)
	if err != nil {
		return nil, 0, err
	}

	b, err := d.mem.Slice(addr, length)
	if err != nil {
		return nil, 0, err
	}

	return b, host, nil
}
