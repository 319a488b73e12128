// Package config loads and validates the typed configuration snapshot
// shared by the probe and agent drivers: device identity, connection
// endpoint, test parameters and a role flag, from a TOML file overlaid
// with command-line flags.
package config

import (
	"errors"
	"fmt"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

// DeviceConfig identifies the RDMA device the adapter binds to.
type DeviceConfig struct {
	Name   string `koanf:"name"`
	IBPort int    `koanf:"ib_port"`
}

// ConnectionConfig names the out-of-band TCP endpoint used for the RDMA
// handshake and, once established, as the adapter's wire.
type ConnectionConfig struct {
	ServerAddr string `koanf:"server_addr"`
	ServerPort int    `koanf:"server_port"`
}

// TestConfig holds the parameters of a single measurement run.
type TestConfig struct {
	MsgSize    int  `koanf:"msg_size"`
	TxDepth    int  `koanf:"tx_depth"`
	RxDepth    int  `koanf:"rx_depth"`
	Iterations int  `koanf:"iterations"`
	HugePages  bool `koanf:"huge_pages"`
}

// OutputConfig controls where results are written and whether the
// ambient Prometheus exposition server is enabled.
type OutputConfig struct {
	Filename    string `koanf:"filename"`
	ShowResult  bool   `koanf:"show_result"`
	MetricsAddr string `koanf:"metrics_addr"`
}

// Config is the immutable snapshot cloned into the probe/agent drivers and
// the adapters they construct.
type Config struct {
	Device     DeviceConfig     `koanf:"device"`
	Connection ConnectionConfig `koanf:"connection"`
	Test       TestConfig       `koanf:"test"`
	Output     OutputConfig     `koanf:"output"`
	IsAgent    bool             `koanf:"is_agent"`
}

// Default returns a Config populated with the defaults documented in
// spec.md §6.
func Default() Config {
	return Config{
		Device: DeviceConfig{
			Name:   "mlx5_0",
			IBPort: 0,
		},
		Connection: ConnectionConfig{
			ServerAddr: "0.0.0.0",
			ServerPort: 9999,
		},
		Test: TestConfig{
			MsgSize:    64,
			TxDepth:    8000,
			RxDepth:    8000,
			Iterations: 5_000_000,
		},
		Output: OutputConfig{
			Filename:   "histogram",
			ShowResult: true,
		},
		IsAgent: false,
	}
}

// Validation errors (spec.md §3 invariants).
var (
	ErrInvalidMsgSize    = errors.New("config: msg_size must be >= 1")
	ErrInvalidTxDepth    = errors.New("config: tx_depth must be >= 1")
	ErrInvalidRxDepth    = errors.New("config: rx_depth must be >= 1")
	ErrInvalidServerPort = errors.New("config: server_port must be in the unreserved range (1024-65535)")
)

// Validate enforces spec.md §3's configuration invariants.
func Validate(cfg Config) error {
	if cfg.Test.MsgSize < 1 {
		return ErrInvalidMsgSize
	}
	if cfg.Test.TxDepth < 1 {
		return ErrInvalidTxDepth
	}
	if cfg.Test.RxDepth < 1 {
		return ErrInvalidRxDepth
	}
	if cfg.Connection.ServerPort < 1024 || cfg.Connection.ServerPort > 65535 {
		return ErrInvalidServerPort
	}
	return nil
}

// Load reads path as TOML, overlays defaults-then-file-then-flags the way
// dantte-lp-gobfd's internal/config.Load layers its sources (minus the
// environment layer, which spec.md does not call for), and validates the
// result. Missing keys in path keep their Default() values; unknown keys
// are ignored by koanf's Unmarshal.
func Load(path string, fs *pflag.FlagSet) (Config, error) {
	k := koanf.New(".")

	if err := loadDefaults(k, Default()); err != nil {
		return Config{}, fmt.Errorf("load config defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
			return Config{}, fmt.Errorf("load config from %s: %w", path, err)
		}
	}

	if fs != nil {
		if err := k.Load(posflag.Provider(fs, ".", k), nil); err != nil {
			return Config{}, fmt.Errorf("load flag overrides: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return Config{}, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

func loadDefaults(k *koanf.Koanf, d Config) error {
	defaultMap := map[string]any{
		"device.name":            d.Device.Name,
		"device.ib_port":         d.Device.IBPort,
		"connection.server_addr": d.Connection.ServerAddr,
		"connection.server_port": d.Connection.ServerPort,
		"test.msg_size":          d.Test.MsgSize,
		"test.tx_depth":          d.Test.TxDepth,
		"test.rx_depth":          d.Test.RxDepth,
		"test.iterations":        d.Test.Iterations,
		"test.huge_pages":        d.Test.HugePages,
		"output.filename":        d.Output.Filename,
		"output.show_result":     d.Output.ShowResult,
		"output.metrics_addr":    d.Output.MetricsAddr,
		"is_agent":               d.IsAgent,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}
	return nil
}
