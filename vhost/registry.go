package vhost

import (
	"slices"
	"sync"

	"code.hybscloud.com/atomix"
)

// Registry hands out device identifiers and tracks live devices. It is
// safe for concurrent use; the devices themselves are not.
type Registry struct {
	serial atomix.Uint32

	mu      sync.Mutex
	devices map[uint32]*Device
}

func NewRegistry() *Registry {
	return &Registry{devices: make(map[uint32]*Device)}
}

// Create returns a new device with the next identifier.
func (r *Registry) Create(c Config) *Device {
	d := newDevice(r.serial.Add(1), c)

	r.mu.Lock()
	r.devices[d.id] = d
	r.mu.Unlock()

	return d
}

// Destroy removes d and forgets it once the removal finished.
func (r *Registry) Destroy(d *Device, done func()) {
	d.Destroy(func() {
		r.mu.Lock()
		delete(r.devices, d.id)
		r.mu.Unlock()

		if done != nil {
			done()
		}
	})
}

func (r *Registry) Lookup(id uint32) (*Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[id]

	return d, ok
}

// IDs returns the identifiers of the live devices in ascending order.
func (r *Registry) IDs() []uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]uint32, 0, len(r.devices))
	for id := range r.devices {
		ids = append(ids, id)
	}

	slices.Sort(ids)

	return ids
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.devices)
}
