// Package probe implements the active side of a measurement run: it
// spawns an in-process loopback agent, opens a wire adapter to the real
// system under test and a loopback adapter to the colocated agent, then
// measures round-trip cycle counts against both for comparison.
package probe

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"

	"github.com/go-rdma/rdmalat/internal/adapter"
	"github.com/go-rdma/rdmalat/internal/agent"
	"github.com/go-rdma/rdmalat/internal/collector"
	"github.com/go-rdma/rdmalat/internal/config"
	"github.com/go-rdma/rdmalat/internal/histogram"
	"github.com/go-rdma/rdmalat/internal/message"
)

// Result is what Run reports once a measurement round has completed.
type Result struct {
	Samples  *collector.SampleCollector
	Filename string
}

// Run drives one full measurement round per spec.md §4.5: warmup,
// measure, dump CSV, print a histogram summary. It blocks until
// iterations rounds have completed or ctx is cancelled early. A failed
// CSV dump is logged and returned as the error alongside the Result; the
// summary is still printed and the in-memory samples are kept.
//
// samples, if non-nil, is the collector every measured round is
// inserted into — pass the same instance registered with
// internal/metrics so a running probe's live RTT distribution is
// scrapable. A nil samples is replaced with a private collector, which
// is still returned in Result for callers (e.g. tests) that only care
// about the final reduction.
func Run(ctx context.Context, cfg config.Config, logger *slog.Logger, samples *collector.SampleCollector) (*Result, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if samples == nil {
		samples = collector.New("probe")
	}

	loopbackCfg := cfg
	loopbackCfg.IsAgent = true
	loopbackCfg.Connection.ServerAddr = "0.0.0.0"
	loopbackCfg.Connection.ServerPort = cfg.Connection.ServerPort - 1

	agentCtx, stopAgent := context.WithCancel(ctx)
	defer stopAgent()

	agentErrCh := make(chan error, 1)
	go func() {
		logger.Info("starting probe loopback agent", "port", loopbackCfg.Connection.ServerPort)
		agentErrCh <- agent.Run(agentCtx, loopbackCfg, logger, nil)
	}()

	logger.Info("connecting to wire adapter", "addr", cfg.Connection.ServerAddr, "port", cfg.Connection.ServerPort)
	wireAdapter, err := adapter.Connect(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("probe: connect wire adapter: %w", err)
	}
	defer wireAdapter.Close()

	logger.Info("connecting to loopback adapter")
	loopbackDialCfg := cfg
	loopbackDialCfg.Connection.ServerAddr = "0.0.0.0"
	loopbackDialCfg.Connection.ServerPort = cfg.Connection.ServerPort - 1
	loopbackAdapter, err := adapter.Connect(loopbackDialCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("probe: connect loopback adapter: %w", err)
	}
	defer loopbackAdapter.Close()

	iterations := cfg.Test.Iterations
	msgSize := cfg.Test.MsgSize
	warmupIters := int(math.Ceil(float64(iterations) * 0.1))

	logger.Info("warming up", "rounds", warmupIters)
	for id := 0; id < warmupIters; id++ {
		if _, err := loopbackAdapter.GetRTT([]message.Message{message.New(msgSize, uint64(id))}); err != nil {
			return nil, fmt.Errorf("probe: warmup loopback round %d: %w", id, err)
		}
		if _, err := wireAdapter.GetRTT([]message.Message{message.New(msgSize, uint64(id))}); err != nil {
			return nil, fmt.Errorf("probe: warmup wire round %d: %w", id, err)
		}
	}

	samples.RecordStart()

	logger.Info("measurement started", "iterations", iterations)
measurement:
	for id := 0; id < iterations; id++ {
		select {
		case <-ctx.Done():
			logger.Warn("measurement cancelled early", "completed", id)
			break measurement
		default:
		}

		loopRTT, err := loopbackAdapter.GetRTT([]message.Message{message.New(msgSize, uint64(id))})
		if err != nil {
			return nil, fmt.Errorf("probe: loopback round %d: %w", id, err)
		}
		wireRTT, err := wireAdapter.GetRTT([]message.Message{message.New(msgSize, uint64(id))})
		if err != nil {
			return nil, fmt.Errorf("probe: wire round %d: %w", id, err)
		}

		samples.Insert(collector.Sample{Wire: wireRTT, Loop: loopRTT})
	}
	samples.RecordEnd()
	logger.Info("measurement finished", "iterations", iterations)

	var csvErr error
	if cfg.Output.Filename != "" {
		if err := dumpCSV(samples, cfg.Output.Filename); err != nil {
			logger.Error("csv dump failed", "err", err)
			csvErr = fmt.Errorf("probe: dump csv: %w", err)
		}
	}

	if cfg.Output.ShowResult {
		printSummary(os.Stdout, samples)
	}

	// The loopback agent's echo worker only sees cancellation between
	// reads, and its read returns once the peer disconnects, so the
	// loopback adapter is closed before the agent is stopped and awaited.
	loopbackAdapter.Close()
	stopAgent()
	<-agentErrCh

	return &Result{Samples: samples, Filename: cfg.Output.Filename}, csvErr
}

func dumpCSV(samples *collector.SampleCollector, filename string) error {
	f, err := os.Create(filename + ".csv")
	if err != nil {
		return err
	}
	defer f.Close()
	return samples.DumpCSV(f)
}

func printSummary(w io.Writer, samples *collector.SampleCollector) {
	if median, ok := samples.QuantileLatency(0.5); ok {
		fmt.Fprintf(w, "median (wire - loop): %v\n", median)
	}
	if p99, ok := samples.QuantileLatency(0.99); ok {
		fmt.Fprintf(w, "p99 (wire - loop): %v\n", p99)
	}

	histogram.Print(w, samples.AllLatencies())
}
