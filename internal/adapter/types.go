// Package adapter implements the RDMA-shaped transport at the heart of
// this tool: a queue pair, completion queues, registered memory regions
// and a receive-slot pool, all carrying the exact invariants the real
// verbs API would (signaled-send chains, busy-polled completions,
// wr_id correlation, strict teardown order). No ibverbs binding exists
// anywhere in this rework's corpus (see DESIGN.md), so the wire these
// types drive is a net.TCPConn rather than real hardware — a deliberate,
// documented substitution, not a relabeling.
package adapter

import (
	"fmt"
	"sync"
)

// Permission mirrors ibverbs access flags on a registered memory region.
type Permission int

const (
	PermLocalRead Permission = 1 << iota
	PermLocalWrite
	PermRemoteWrite
)

// defaultPermission matches spec.md §4.4: remote access is not required
// for send/recv but is defaulted on for fidelity with real registrations.
const defaultPermission = PermLocalRead | PermLocalWrite | PermRemoteWrite

// ProtectionDomain scopes the memory regions and queue pair that belong
// to one adapter instance. It carries no real kernel resource here; its
// only role is to participate in the construction/teardown ordering
// invariant (queue pair and memory regions are released before the
// domain that scoped them).
type ProtectionDomain struct {
	id uint64
}

var pdCounter struct {
	mu  sync.Mutex
	seq uint64
}

func newProtectionDomain() *ProtectionDomain {
	pdCounter.mu.Lock()
	pdCounter.seq++
	id := pdCounter.seq
	pdCounter.mu.Unlock()
	return &ProtectionDomain{id: id}
}

// MemoryRegion is a registered buffer: a backing byte slice plus the
// access permissions it was registered with.
type MemoryRegion struct {
	buf  []byte
	perm Permission
	pd   *ProtectionDomain
}

func registerMemoryRegion(pd *ProtectionDomain, buf []byte, perm Permission) *MemoryRegion {
	return &MemoryRegion{buf: buf, perm: perm, pd: pd}
}

// Slot returns the byte range of slot i within the region, assuming
// equal-size slots of msgSize bytes each — spec.md §4.4's buffer layout.
func (m *MemoryRegion) Slot(i, msgSize int) []byte {
	start := i * msgSize
	return m.buf[start : start+msgSize]
}

// qpState is the reliable-connection progression a queue pair must pass
// through before it can post or receive work requests.
type qpState int

const (
	qpStateReset qpState = iota
	qpStateInit
	qpStateRTR
	qpStateRTS
)

func (s qpState) String() string {
	switch s {
	case qpStateReset:
		return "RESET"
	case qpStateInit:
		return "INIT"
	case qpStateRTR:
		return "RTR"
	case qpStateRTS:
		return "RTS"
	default:
		return "UNKNOWN"
	}
}

// ErrInvalidTransition is returned when a queue pair is asked to skip a
// step of RESET -> INIT -> RTR -> RTS.
type ErrInvalidTransition struct {
	From, To qpState
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("adapter: invalid queue pair transition %s -> %s", e.From, e.To)
}

// transition enforces the strict INIT -> RTR -> RTS progression spec.md
// §4.4 describes for both connect and accept.
func (s *qpState) transition(to qpState) error {
	if to != *s+1 {
		return &ErrInvalidTransition{From: *s, To: to}
	}
	*s = to
	return nil
}

// WorkRequest is one send descriptor: a scatter-gather entry into the
// send region plus a caller-supplied id used to correlate a later
// completion back to its request. next chains it to the following
// request in a batch, matching spec.md §9's index-linked array
// (indices are translated into pointers only at post time).
type WorkRequest struct {
	ID     uint64
	Offset int
	Len    int
	next   *WorkRequest
}

// WorkCompletion reports a terminated work request: its correlating id,
// the number of bytes the completion covers, and whether it succeeded.
type WorkCompletion struct {
	WRID  uint64
	Bytes int
	OK    bool
	Err   error
}

// CompletionQueue is a busy-polled queue of WorkCompletions. Push is
// called by the queue pair's background wire reader; PollExact and
// PollAtLeastOne are called by the adapter's send/receive paths. There is no condition
// variable: callers spin, matching spec.md §5's "no condition variable
// is used" guarantee.
type CompletionQueue struct {
	mu   sync.Mutex
	ring []WorkCompletion
}

func newCompletionQueue() *CompletionQueue {
	return &CompletionQueue{}
}

// push appends a completion. Called from the wire reader goroutine.
func (q *CompletionQueue) push(wc WorkCompletion) {
	q.mu.Lock()
	q.ring = append(q.ring, wc)
	q.mu.Unlock()
}

// PollSome drains whatever completions are currently queued, without
// waiting, and returns them (possibly empty).
func (q *CompletionQueue) PollSome(max int) []WorkCompletion {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.ring)
	if n > max {
		n = max
	}
	out := make([]WorkCompletion, n)
	copy(out, q.ring[:n])
	q.ring = q.ring[n:]
	return out
}

// PollExact busy-spins until exactly n completions have been drained (or
// a non-OK completion is seen, in which case it returns immediately with
// whatever was collected plus the failing completion's error). Closed
// reports whether the underlying wire has been torn down, to keep a
// caller from spinning forever against a dead connection.
func (q *CompletionQueue) PollExact(n int, closed func() bool) ([]WorkCompletion, error) {
	out := make([]WorkCompletion, 0, n)
	for len(out) < n {
		batch := q.PollSome(n - len(out))
		for _, wc := range batch {
			if !wc.OK {
				return out, fmt.Errorf("adapter: completion for wr_id %d failed: %w", wc.WRID, wc.Err)
			}
			out = append(out, wc)
		}
		if len(out) == n {
			break
		}
		if len(batch) == 0 && closed != nil && closed() {
			return out, fmt.Errorf("adapter: wire closed while waiting for %d completions", n)
		}
	}
	return out, nil
}

// PollAtLeastOne busy-spins until at least one completion is available,
// or the wire is reported closed, then drains up to max.
func (q *CompletionQueue) PollAtLeastOne(max int, closed func() bool) []WorkCompletion {
	for {
		batch := q.PollSome(max)
		if len(batch) > 0 {
			return batch
		}
		if closed != nil && closed() {
			return nil
		}
	}
}
