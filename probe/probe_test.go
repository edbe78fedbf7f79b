package probe_test

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bobuhiro11/govhost/message"
	"github.com/bobuhiro11/govhost/probe"
	"github.com/bobuhiro11/govhost/target"
	"github.com/bobuhiro11/govhost/vhost"
	"github.com/bobuhiro11/govhost/virtio"
)

func TestSlave(t *testing.T) {
	t.Parallel()

	sock := filepath.Join(t.TempDir(), "vhost.sock")

	tg := target.New(target.Config{Socket: sock, Device: target.DeviceBlk, Capacity: 1 << 20})
	if err := tg.Init(); err != nil {
		t.Fatalf("init: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)

	go func() { errc <- tg.Serve(ctx) }()

	defer func() {
		cancel()

		if err := <-errc; err != nil {
			t.Errorf("serve: %v", err)
		}
	}()

	info, err := probe.Slave(sock)
	if err != nil {
		t.Fatalf("probe: %v", err)
	}

	features, _ := tg.Features()
	if info.Features != features {
		t.Fatalf("expected: %#x, actual: %#x", features, info.Features)
	}

	// no IOMMU, so no acknowledged replies
	want := uint64(1<<vhost.ProtocolFMQ | 1<<vhost.ProtocolFConfig)
	if info.ProtocolFeatures != want {
		t.Fatalf("expected: %#x, actual: %#x", want, info.ProtocolFeatures)
	}

	if info.Queues != message.MaxQueues {
		t.Fatalf("expected: %d, actual: %d", message.MaxQueues, info.Queues)
	}
}

func TestPrint(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	probe.Print(&buf, probe.Info{
		Features:         virtio.Bit(virtio.FVersion1) | virtio.Bit(virtio.FProtocolFeatures) | 1<<6,
		ProtocolFeatures: 1 << vhost.ProtocolFConfig,
		Queues:           2,
	})

	lines := strings.Split(buf.String(), "\n")

	if lines[1] != "* Enabled: protocol_features version_1 bit6" {
		t.Fatalf("unexpected line %q", lines[1])
	}

	if !strings.Contains(lines[2], " any_layout") || strings.Contains(lines[2], "version_1") {
		t.Fatalf("unexpected line %q", lines[2])
	}

	if lines[5] != "* Enabled: config" {
		t.Fatalf("unexpected line %q", lines[5])
	}

	if !strings.Contains(buf.String(), "Queues 2.") {
		t.Fatalf("missing queue count in %q", buf.String())
	}
}
