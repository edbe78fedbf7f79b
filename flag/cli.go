package flag

import (
	"fmt"
	"time"
)

type CLI struct {
	Serve ServeCMD `cmd:"" help:"Serve vhost-user devices on a unix socket."`
	Probe ProbeCMD `cmd:"" help:"Ask a vhost-user slave what it offers."`
	Ctl   CtlCMD   `cmd:"" help:"Send a command to the control socket of a running server."`
}

// ServeCMD flags left empty fall back to the config file, then to
// DefaultServeConfig.
type ServeCMD struct {
	File     string        `name:"config" short:"f" type:"existingfile" help:"TOML config file."`
	Socket   string        `short:"s" help:"vhost-user socket path (default /tmp/govhost.sock)."`
	Control  string        `short:"C" help:"control socket path."`
	Features string        `help:"extra virtio features, names or bit numbers, comma separated."`
	IOMMU    bool          `help:"offer VIRTIO_F_IOMMU_PLATFORM."`
	Device   string        `short:"d" help:"device kind: blk, net or none (default blk)."`
	Capacity string        `short:"c" help:"block device capacity as number[gGmMkK] (default 1G)."`
	AsyncOps bool          `help:"complete backend operations from another goroutine."`
	OpDelay  time.Duration `help:"delay of asynchronous completions."`
	LogLevel string        `help:"trace, debug, info, warn or error."`
	LogJSON  bool          `help:"log JSON lines instead of console output."`
}

type ProbeCMD struct {
	Socket string `arg:"" help:"vhost-user socket path."`
}

type CtlCMD struct {
	Control string   `short:"C" required:"" help:"control socket path."`
	Command []string `arg:"" help:"LIST, STATS <id> or DISCONNECT <id>."`
}

// Config merges the defaults, the config file and the flags.
func (s *ServeCMD) Config() (ServeConfig, error) {
	cfg := DefaultServeConfig()

	if s.File != "" {
		if err := LoadServeConfig(s.File, &cfg); err != nil {
			return cfg, err
		}
	}

	if s.Socket != "" {
		cfg.Target.Socket = s.Socket
	}

	if s.Control != "" {
		cfg.Target.ControlSocket = s.Control
	}

	if s.Features != "" {
		f, err := ParseFeatures(s.Features)
		if err != nil {
			return cfg, err
		}

		cfg.Target.Features |= f
	}

	if s.IOMMU {
		cfg.Target.IOMMU = true
	}

	if s.Device != "" {
		cfg.Target.Device = s.Device
	}

	if s.Capacity != "" {
		sz, err := ParseSize(s.Capacity, "")
		if err != nil {
			return cfg, fmt.Errorf("capacity: %w", err)
		}

		cfg.Target.Capacity = uint64(sz)
	}

	if s.AsyncOps {
		cfg.Target.AsyncOps = true
	}

	if s.OpDelay != 0 {
		cfg.Target.OpDelay = s.OpDelay
	}

	if s.LogLevel != "" {
		cfg.Logging.Level = s.LogLevel
	}

	if s.LogJSON {
		cfg.Logging.JSON = true
	}

	return cfg, nil
}
