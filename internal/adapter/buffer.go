package adapter

import "log/slog"

// allocateBuffer returns a zeroed byte slice of size bytes. When
// hugePages is requested, it tries the platform-specific huge-page path
// first (buffer_linux.go) and falls back to the standard allocator on
// failure, logging the fallback as non-fatal — spec.md §4.4 only
// requires 8-byte alignment for send/recv, which make([]byte, ...)
// already guarantees.
func allocateBuffer(size int, hugePages bool, logger *slog.Logger) []byte {
	if hugePages {
		buf, err := allocateHugePageBuffer(size)
		if err == nil {
			return buf
		}
		if logger != nil {
			logger.Warn("huge page allocation failed, falling back to standard allocator",
				"size", size, "err", err)
		}
	}
	return make([]byte, size)
}
