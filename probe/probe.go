// Package probe asks a running vhost-user slave what it offers.
package probe

import (
	"fmt"
	"io"
	"maps"
	"slices"

	"github.com/bobuhiro11/govhost/vhost"
	"github.com/bobuhiro11/govhost/vhostuser"
	"github.com/bobuhiro11/govhost/virtio"
)

// Info is what a slave answered.
type Info struct {
	Features         uint64
	ProtocolFeatures uint64
	// Queues is zero unless the slave offers multiple queues.
	Queues uint64
}

// Slave connects to the slave listening at path, negotiates as little as
// needed to query it, and disconnects.
func Slave(path string) (Info, error) {
	var info Info

	c, err := vhostuser.Dial(path)
	if err != nil {
		return info, err
	}
	defer c.Close()

	if info.Features, err = c.GetFeatures(); err != nil {
		return info, fmt.Errorf("get features: %w", err)
	}

	if info.Features&virtio.Bit(virtio.FProtocolFeatures) == 0 {
		return info, nil
	}

	if err := c.SetFeatures(virtio.Bit(virtio.FProtocolFeatures)); err != nil {
		return info, fmt.Errorf("set features: %w", err)
	}

	if info.ProtocolFeatures, err = c.GetProtocolFeatures(); err != nil {
		return info, fmt.Errorf("get protocol features: %w", err)
	}

	if info.ProtocolFeatures&(1<<vhost.ProtocolFMQ) == 0 {
		return info, nil
	}

	if err := c.SetProtocolFeatures(1 << vhost.ProtocolFMQ); err != nil {
		return info, fmt.Errorf("set protocol features: %w", err)
	}

	if info.Queues, err = c.GetQueueNum(); err != nil {
		return info, fmt.Errorf("get queue num: %w", err)
	}

	return info, nil
}

// Print writes info in a human readable form.
func Print(w io.Writer, info Info) {
	fmt.Fprintf(w, "Features %#x.\n", info.Features)
	printFeatures(w, virtio.FeatureNames, info.Features)

	fmt.Fprintf(w, "Protocol features %#x.\n", info.ProtocolFeatures)
	printFeatures(w, vhost.ProtocolFeatureNames, info.ProtocolFeatures)

	fmt.Fprintf(w, "Queues %d.\n", info.Queues)
}

func printFeatures(w io.Writer, names map[uint]string, mask uint64) {
	enabled := []string{}
	disabled := []string{}

	for _, bit := range slices.Sorted(maps.Keys(names)) {
		if mask&(1<<bit) != 0 {
			enabled = append(enabled, names[bit])
		} else {
			disabled = append(disabled, names[bit])
		}

		mask &^= 1 << bit
	}

	// device-type bits have no name here
	for bit := uint(0); bit < 64; bit++ {
		if mask&(1<<bit) != 0 {
			enabled = append(enabled, fmt.Sprintf("bit%d", bit))
		}
	}

	fmt.Fprintf(w, "* Enabled:")

	for _, n := range enabled {
		fmt.Fprintf(w, " %s", n)
	}

	fmt.Fprintf(w, "\n* Disabled:")

	for _, n := range disabled {
		fmt.Fprintf(w, " %s", n)
	}

	fmt.Fprintf(w, "\n\n")
}
