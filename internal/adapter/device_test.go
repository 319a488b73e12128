package adapter

import (
	"os"
	"path/filepath"
	"testing"
)

func TestProbeDeviceFound(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	portDir := filepath.Join(root, classInfinibandPath, "mlx5_0", portsDirName, "1")
	if err := os.MkdirAll(portDir, 0o755); err != nil {
		t.Fatalf("setup fixture: %v", err)
	}

	if err := probeDevice(root, Device{Name: "mlx5_0", IBPort: 1}); err != nil {
		t.Fatalf("expected device to be found, got %v", err)
	}
}

func TestProbeDeviceMissingDevice(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	if err := probeDevice(root, Device{Name: "mlx5_0", IBPort: 1}); err == nil {
		t.Fatalf("expected error for missing device")
	}
}

func TestProbeDeviceMissingPort(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	deviceDir := filepath.Join(root, classInfinibandPath, "mlx5_0")
	if err := os.MkdirAll(deviceDir, 0o755); err != nil {
		t.Fatalf("setup fixture: %v", err)
	}

	if err := probeDevice(root, Device{Name: "mlx5_0", IBPort: 3}); err == nil {
		t.Fatalf("expected error for missing port")
	}
}
