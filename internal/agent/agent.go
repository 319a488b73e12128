// Package agent implements the passive side of a measurement run: bind
// a listener, accept one adapter per connection, and drain its receive
// queue forever so the peer's sends keep completing.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-rdma/rdmalat/internal/adapter"
	"github.com/go-rdma/rdmalat/internal/clock"
	"github.com/go-rdma/rdmalat/internal/collector"
	"github.com/go-rdma/rdmalat/internal/config"
)

// Run binds cfg.Connection.ServerPort and, until ctx is cancelled,
// accepts connections and spawns one echo worker per adapter. It blocks
// until ctx is done, then waits for in-flight workers to notice the
// cancellation and return.
//
// samples, if non-nil, is inserted into by every echo worker across
// every accepted connection, so a caller that registered it with
// internal/metrics sees this agent's live receive latency. A nil
// samples is replaced with a private collector that is never exposed,
// matching the default used when no metrics server is running.
//
// Grounded on original_source/agent.rs's bind-accept-spawn loop; the
// cooperative ctx.Done() check per Read() replaces the original's
// unconditional infinite loop, per spec.md §5's note that
// "implementations may add a cooperative stop flag".
func Run(ctx context.Context, cfg config.Config, logger *slog.Logger, samples *collector.SampleCollector) error {
	if logger == nil {
		logger = slog.Default()
	}
	if samples == nil {
		samples = collector.New("agent")
	}

	ln, err := adapter.Listen(cfg, logger)
	if err != nil {
		return err
	}
	defer ln.Close()

	logger.Info("agent listening", "addr", ln.Addr())

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		a, err := ln.Accept(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}

			// A handshake or fabric-setup failure is fatal (spec.md §7):
			// no retry, surface it to the caller so the CLI exits
			// non-zero instead of spinning on a peer that can never
			// succeed.
			var fatal *adapter.FatalAcceptError
			if errors.As(err, &fatal) {
				return fmt.Errorf("agent: %w", err)
			}

			logger.Warn("accept failed", "err", err)
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			echo(ctx, a, logger, samples)
		}()
	}
}

// echo loops on adapter.Read() until ctx is cancelled or the adapter's
// wire dies, draining receive completions so the peer's sends keep
// completing. The agent never sends (spec.md §4.5: "its only job is to
// consume receive completions"). Each round that yields at least one
// message is timed and inserted into samples, independent of the
// adapter's own internal rx collector (spec.md §9's cleaner split
// between a driver-owned collector and the adapter's per-call one).
func echo(ctx context.Context, a *adapter.Adapter, logger *slog.Logger, samples *collector.SampleCollector) {
	defer a.Close()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		t0 := clock.Now()
		msgs, err := a.Read()
		if err != nil {
			logger.Warn("agent read failed, closing connection", "err", err)
			return
		}
		if len(msgs) > 0 {
			samples.Insert(collector.Sample{Wire: clock.Now(), Loop: t0})
		}
	}
}
