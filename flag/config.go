package flag

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/bobuhiro11/govhost/logging"
	"github.com/bobuhiro11/govhost/target"
)

const (
	defaultSocket   = "/tmp/govhost.sock"
	defaultDevice   = target.DeviceBlk
	defaultCapacity = 1 << 30
	defaultLogLevel = "info"
)

// ServeConfig is everything the serve command needs.
type ServeConfig struct {
	Target  target.Config
	Logging logging.Config
}

type fileConfig struct {
	Socket        string   `toml:"socket"`
	ControlSocket string   `toml:"control_socket"`
	Features      []string `toml:"features"`
	IOMMU         bool     `toml:"iommu"`
	Device        string   `toml:"device"`
	Capacity      string   `toml:"capacity"`
	AsyncOps      bool     `toml:"async_ops"`
	OpDelay       string   `toml:"op_delay"`
	LogLevel      string   `toml:"log_level"`
	LogJSON       bool     `toml:"log_json"`
	LogNoColor    bool     `toml:"log_nocolor"`
}

func DefaultServeConfig() ServeConfig {
	return ServeConfig{
		Target: target.Config{
			Socket:   defaultSocket,
			Device:   defaultDevice,
			Capacity: defaultCapacity,
		},
		Logging: logging.Config{Level: defaultLogLevel},
	}
}

// LoadServeConfig applies the keys defined in the TOML file at path on
// top of cfg.
func LoadServeConfig(path string, cfg *ServeConfig) error {
	var raw fileConfig

	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if meta.IsDefined("socket") {
		cfg.Target.Socket = strings.TrimSpace(raw.Socket)
	}

	if meta.IsDefined("control_socket") {
		cfg.Target.ControlSocket = strings.TrimSpace(raw.ControlSocket)
	}

	if meta.IsDefined("features") {
		f, err := ParseFeatures(strings.Join(raw.Features, ","))
		if err != nil {
			return fmt.Errorf("parse features: %w", err)
		}

		cfg.Target.Features = f
	}

	if meta.IsDefined("iommu") {
		cfg.Target.IOMMU = raw.IOMMU
	}

	if meta.IsDefined("device") {
		cfg.Target.Device = strings.TrimSpace(raw.Device)
	}

	if meta.IsDefined("capacity") {
		sz, err := ParseSize(strings.TrimSpace(raw.Capacity), "")
		if err != nil {
			return fmt.Errorf("parse capacity: %w", err)
		}

		cfg.Target.Capacity = uint64(sz)
	}

	if meta.IsDefined("async_ops") {
		cfg.Target.AsyncOps = raw.AsyncOps
	}

	if meta.IsDefined("op_delay") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.OpDelay))
		if err != nil {
			return fmt.Errorf("parse op_delay: %w", err)
		}

		cfg.Target.OpDelay = d
	}

	if meta.IsDefined("log_level") {
		cfg.Logging.Level = strings.TrimSpace(raw.LogLevel)
	}

	if meta.IsDefined("log_json") {
		cfg.Logging.JSON = raw.LogJSON
	}

	if meta.IsDefined("log_nocolor") {
		cfg.Logging.NoColor = raw.LogNoColor
	}

	return nil
}
