//go:build !linux

package adapter

import "errors"

// allocateHugePageBuffer has no portable non-Linux implementation;
// allocateBuffer falls back to the standard allocator whenever this
// returns an error.
func allocateHugePageBuffer(int) ([]byte, error) {
	return nil, errors.New("huge page allocation is only supported on linux")
}
