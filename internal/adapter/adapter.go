package adapter

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/go-rdma/rdmalat/internal/clock"
	"github.com/go-rdma/rdmalat/internal/collector"
	"github.com/go-rdma/rdmalat/internal/config"
	"github.com/go-rdma/rdmalat/internal/message"
)

// Adapter is one side of an RDMA-shaped connection: a queue pair, two
// registered memory regions and the collectors that record this
// adapter's own per-call latency (separate from any collector a probe
// driver keeps for wire-vs-loop comparisons).
type Adapter struct {
	cfg config.Config

	pd     *ProtectionDomain
	qp     *QueuePair
	sendMR *MemoryRegion
	recvMR *MemoryRegion

	logger *slog.Logger

	txCollector *collector.SampleCollector
	rxCollector *collector.SampleCollector

	closed atomic.Bool
}

// GetRTT posts batch as a single chain of signaled sends and busy-polls
// the send completion queue until all of them complete, returning the
// elapsed cycle count. This is spec.md §4.4's send path, steps 1-7.
func (a *Adapter) GetRTT(batch []message.Message) (uint64, error) {
	n := len(batch)
	if n > a.cfg.Test.TxDepth {
		return 0, ErrBatchTooLarge
	}

	offset := 0
	wrs := make([]WorkRequest, n)
	for i, m := range batch {
		copy(a.sendMR.buf[offset:offset+m.Len()], m.Bytes())
		wrs[i] = WorkRequest{ID: m.ID(), Offset: offset, Len: m.Len()}
		offset += m.Len()
	}
	for i := range wrs {
		if i+1 < len(wrs) {
			wrs[i].next = &wrs[i+1]
		}
	}

	var head *WorkRequest
	if n > 0 {
		head = &wrs[0]
	}

	t0 := clock.Now()
	if err := a.qp.PostSend(head, a.sendMR); err != nil {
		return 0, err
	}

	if _, err := a.qp.sendCQ.PollExact(n, a.qp.Closed); err != nil {
		return 0, err
	}
	t1 := clock.Now()

	rtt := t1 - t0
	a.txCollector.Insert(collector.Sample{Wire: t1, Loop: t0})
	return rtt, nil
}

// Read busy-polls the receive completion queue for at least one
// completion, reconstructs a Message per completion, and re-posts each
// consumed recv descriptor before returning. This is spec.md §4.4's
// receive path.
func (a *Adapter) Read() ([]message.Message, error) {
	t0 := clock.Now()
	completions := a.qp.recvCQ.PollAtLeastOne(a.cfg.Test.RxDepth, a.qp.Closed)

	msgs := make([]message.Message, 0, len(completions))
	for _, wc := range completions {
		if !wc.OK {
			return msgs, fmt.Errorf("adapter: receive completion failed: %w", wc.Err)
		}
		if wc.Bytes != a.cfg.Test.MsgSize {
			return msgs, fmt.Errorf("adapter: receive completion for wr_id %d transferred %d bytes, want %d",
				wc.WRID, wc.Bytes, a.cfg.Test.MsgSize)
		}

		slot := a.recvMR.Slot(int(wc.WRID), a.cfg.Test.MsgSize)
		m := message.FromBytes(slot)
		msgs = append(msgs, m)

		a.qp.RepostRecv(wc.WRID)
	}

	if len(completions) > 0 {
		a.rxCollector.Insert(collector.Sample{Wire: clock.Now(), Loop: t0})
	}

	return msgs, nil
}

// Finish reports this adapter's internal send/receive collector means
// without releasing any resource, so a caller can log them before
// deciding when to Close. Splitting reporting from teardown mirrors
// original_source/adaptor.rs's destructor logging while letting callers
// control the exact shutdown sequence (spec.md §9).
func (a *Adapter) Finish() (txMean, rxMean time.Duration) {
	txMean, _ = a.txCollector.MeanLatency()
	rxMean, _ = a.rxCollector.MeanLatency()
	return txMean, rxMean
}

// Close releases, in order, the queue pair, memory regions, backing
// buffers and protection domain — the reverse of construction order per
// spec.md §3. It is idempotent: a second call returns ErrAlreadyClosed.
func (a *Adapter) Close() error {
	if !a.closed.CompareAndSwap(false, true) {
		return ErrAlreadyClosed
	}

	txMean, rxMean := a.Finish()
	a.logger.Info("adapter closing",
		"tx_mean", txMean,
		"rx_mean", rxMean,
		"device", a.cfg.Device.Name)

	if err := a.qp.conn.Close(); err != nil {
		return fmt.Errorf("adapter: close queue pair connection: %w", err)
	}
	a.sendMR.buf = nil
	a.recvMR.buf = nil
	return nil
}
