package adapter

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/Mellanox/rdmamap"
)

// Device identifies the local RDMA device an adapter is asked to bind to.
type Device struct {
	Name   string
	IBPort int
}

const (
	defaultSysfsRoot    = "/sys"
	classInfinibandPath = "class/infiniband"
	portsDirName        = "ports"
)

// probeDevice performs the best-effort existence check spec.md's connect
// and accept paths run before touching the fabric: does this device
// appear in the host's RDMA device list, and does this port exist under
// it in sysfs. Device enumeration reuses rdmamap, the library the
// teacher's own collector.go calls for the same listing; the port check
// stays a sysfs stat since rdmamap's port-level API targets counter
// collection rather than a bare existence probe, and the directory
// layout here is the same one the teacher's internal/rdma.SysfsProvider
// walks for its counter enumeration, narrowed to an existence check
// since no counter data is needed.
//
// Failure to confirm is logged by the caller and is not itself fatal:
// spec.md's fatal conditions are handshake, queue-pair transition and
// registration failures, not an unreadable sysfs tree (e.g. a
// non-Linux dev box running the loopback path only).
func probeDevice(sysfsRoot string, dev Device) error {
	if sysfsRoot == "" || sysfsRoot == defaultSysfsRoot {
		if devices := rdmamap.GetRdmaDeviceList(); len(devices) > 0 {
			found := false
			for _, name := range devices {
				if name == dev.Name {
					found = true
					break
				}
			}
			if !found {
				return fmt.Errorf("adapter: device %q not found in rdma device list %v", dev.Name, devices)
			}
		}
	}

	if sysfsRoot == "" {
		sysfsRoot = defaultSysfsRoot
	}

	deviceDir := filepath.Join(sysfsRoot, classInfinibandPath, dev.Name)
	if _, err := os.Stat(deviceDir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("adapter: device %q not found under %s", dev.Name, sysfsRoot)
		}
		return fmt.Errorf("adapter: stat device %q: %w", dev.Name, err)
	}

	portDir := filepath.Join(deviceDir, portsDirName, fmt.Sprintf("%d", dev.IBPort))
	if _, err := os.Stat(portDir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("adapter: port %d not found on device %q", dev.IBPort, dev.Name)
		}
		return fmt.Errorf("adapter: stat port %d on device %q: %w", dev.IBPort, dev.Name, err)
	}

	return nil
}
