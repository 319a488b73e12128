//go:build linux

package adapter

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// allocateHugePageBuffer maps an anonymous huge-page-backed region,
// grounded in the teacher's build-tag split for platform-specific code
// (internal/netdev/provider_linux.go) and in akramer-vaportrail's direct
// golang.org/x/sys/unix usage elsewhere in the corpus.
func allocateHugePageBuffer(size int) ([]byte, error) {
	buf, err := unix.Mmap(
		-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_HUGETLB,
	)
	if err != nil {
		return nil, fmt.Errorf("mmap huge page region: %w", err)
	}
	return buf, nil
}
