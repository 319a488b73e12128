package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
)

func TestLoadDefaultsWithNoPath(t *testing.T) {
	t.Parallel()

	cfg, err := Load("", nil)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	want := Default()
	if cfg != want {
		t.Fatalf("expected default config %+v, got %+v", want, cfg)
	}
}

func TestLoadFromFileOverridesDefaults(t *testing.T) {
	t.Parallel()

	path := writeTOML(t, `
is_agent = true

[device]
name = "mlx5_1"
ib_port = 1

[connection]
server_addr = "10.0.0.1"
server_port = 18515

[test]
msg_size = 128
tx_depth = 16
rx_depth = 16
iterations = 1000
huge_pages = true
`)

	cfg, err := Load(path, nil)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Device.Name != "mlx5_1" {
		t.Errorf("expected device name mlx5_1, got %q", cfg.Device.Name)
	}
	if cfg.Connection.ServerPort != 18515 {
		t.Errorf("expected server port 18515, got %d", cfg.Connection.ServerPort)
	}
	if cfg.Test.MsgSize != 128 {
		t.Errorf("expected msg_size 128, got %d", cfg.Test.MsgSize)
	}
	if !cfg.Test.HugePages {
		t.Errorf("expected huge_pages true")
	}
	if !cfg.IsAgent {
		t.Errorf("expected is_agent true")
	}
}

func TestLoadMissingKeysKeepDefaults(t *testing.T) {
	t.Parallel()

	path := writeTOML(t, `
[connection]
server_port = 7000
`)

	cfg, err := Load(path, nil)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	def := Default()
	if cfg.Connection.ServerPort != 7000 {
		t.Errorf("expected overridden server port 7000, got %d", cfg.Connection.ServerPort)
	}
	if cfg.Device.Name != def.Device.Name {
		t.Errorf("expected default device name %q, got %q", def.Device.Name, cfg.Device.Name)
	}
}

func TestLoadFlagsOverrideFile(t *testing.T) {
	t.Parallel()

	path := writeTOML(t, `
[connection]
server_port = 7000
`)

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.Int("connection.server_port", 0, "")
	if err := fs.Set("connection.server_port", "9100"); err != nil {
		t.Fatalf("set flag: %v", err)
	}

	cfg, err := Load(path, fs)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Connection.ServerPort != 9100 {
		t.Fatalf("expected flag override 9100, got %d", cfg.Connection.ServerPort)
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "does-not-exist.toml"), nil); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestValidateRejectsBadConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{"msg size zero", func(c *Config) { c.Test.MsgSize = 0 }, ErrInvalidMsgSize},
		{"tx depth zero", func(c *Config) { c.Test.TxDepth = 0 }, ErrInvalidTxDepth},
		{"rx depth negative", func(c *Config) { c.Test.RxDepth = -1 }, ErrInvalidRxDepth},
		{"port too large", func(c *Config) { c.Connection.ServerPort = 70000 }, ErrInvalidServerPort},
		{"port zero", func(c *Config) { c.Connection.ServerPort = 0 }, ErrInvalidServerPort},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			if err := Validate(cfg); err != tt.wantErr {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestValidateAcceptsDefaults(t *testing.T) {
	t.Parallel()

	if err := Validate(Default()); err != nil {
		t.Fatalf("expected default config to be valid, got %v", err)
	}
}

func writeTOML(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}
