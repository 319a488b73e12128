// Package collector accumulates per-request wire/loop cycle-count pairs
// and reduces them into means, quantiles, throughput and a CSV dump. It
// also exposes itself as a prometheus.Collector so a running probe can be
// scraped while a measurement is in flight.
package collector

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/go-rdma/rdmalat/internal/clock"
)

// Sample is one cycle-count pair recorded by a measurement round. A
// probe driver comparing two adapters sets Wire and Loop to the RTTs
// their GetRTT calls returned, so CyclesDiff is the wire-minus-loop
// difference spec.md calls for. The adapter's own
// internal tx/rx collectors (GetRTT, Read, §4.4) have no separate
// loopback leg to subtract against, so they set Loop to the call's
// start timestamp and Wire to its end timestamp instead, making
// CyclesDiff the call's own elapsed time.
type Sample struct {
	Wire uint64
	Loop uint64
}

// CyclesDiff returns Wire - Loop, saturating at zero rather than
// wrapping, since a loop timestamp recorded after its wire counterpart
// (clock jitter, scheduling) must never read back as a huge unsigned
// value.
func (s Sample) CyclesDiff() uint64 {
	if s.Loop > s.Wire {
		return 0
	}
	return s.Wire - s.Loop
}

// SampleCollector is a concurrency-safe sink for Samples, reduced into
// latency and throughput statistics once a measurement round completes.
type SampleCollector struct {
	mu      sync.Mutex
	samples []Sample
	started bool
	start   time.Time
	end     time.Time

	name string // for the prometheus Desc labels; may be empty

	describeOnce sync.Once
	descs        collectorDescs
}

type collectorDescs struct {
	mean  *prometheus.Desc
	p50   *prometheus.Desc
	p99   *prometheus.Desc
	count *prometheus.Desc
}

// New returns an empty SampleCollector. name identifies this collector's
// instance in its exported metric labels (e.g. "wire", "loop-internal");
// pass "" if the metric is never registered.
func New(name string) *SampleCollector {
	return &SampleCollector{name: name}
}

// Insert appends a sample. O(1) amortized.
func (c *SampleCollector) Insert(s Sample) {
	c.mu.Lock()
	c.samples = append(c.samples, s)
	c.mu.Unlock()
}

// RecordStart stamps the measurement round's start time. Idempotent:
// only the first call takes effect, so a probe racing warmup and
// measurement phases cannot push the start time forward.
func (c *SampleCollector) RecordStart() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return
	}
	c.started = true
	c.start = time.Now()
}

// RecordEnd stamps the measurement round's end time. Always overwrites,
// so the latest call wins.
func (c *SampleCollector) RecordEnd() {
	c.mu.Lock()
	c.end = time.Now()
	c.mu.Unlock()
}

// MeanLatency returns the arithmetic mean of Wire-Loop across all
// samples, converted from cycles to a Duration via the package clock's
// frequency. Returns false if no samples have been inserted.
func (c *SampleCollector) MeanLatency() (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.samples) == 0 {
		return 0, false
	}

	var sum uint64
	for _, s := range c.samples {
		sum += s.CyclesDiff()
	}
	meanCycles := sum / uint64(len(c.samples))
	return clock.ToDuration(meanCycles), true
}

// QuantileLatency sorts a copy of the Wire-Loop differences ascending and
// returns the element at index ceil(n*q)-1, clamped into [0, n), as a
// Duration. q must be in (0, 1]. Returns false if no samples have been
// inserted.
func (c *SampleCollector) QuantileLatency(q float64) (time.Duration, bool) {
	c.mu.Lock()
	diffs := make([]uint64, len(c.samples))
	for i, s := range c.samples {
		diffs[i] = s.CyclesDiff()
	}
	c.mu.Unlock()

	if len(diffs) == 0 {
		return 0, false
	}
	if q <= 0 || q > 1 {
		q = 1
	}

	sort.Slice(diffs, func(i, j int) bool { return diffs[i] < diffs[j] })

	n := len(diffs)
	idx := int(math.Ceil(float64(n)*q)) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}

	return clock.ToDuration(diffs[idx]), true
}

// Throughput returns size operations divided by the recorded duration,
// expressed in operations-per-microsecond (size / duration in seconds /
// 1e6). Returns false if RecordStart/RecordEnd were never both called or
// the resulting duration is zero.
func (c *SampleCollector) Throughput(size uint64) (float64, bool) {
	c.mu.Lock()
	start, end := c.start, c.end
	c.mu.Unlock()

	if start.IsZero() || end.IsZero() {
		return 0, false
	}
	dur := end.Sub(start)
	if dur <= 0 {
		return 0, false
	}

	return float64(size) / dur.Seconds() / 1e6, true
}

// DumpCSV writes the header "wire_rtt,loop_rtt,cycles_diff" followed by
// one row per sample, and flushes before returning. Any I/O error from
// the underlying writer is surfaced to the caller; the reducers above
// never fail, but this one does.
func (c *SampleCollector) DumpCSV(w io.Writer) error {
	c.mu.Lock()
	samples := make([]Sample, len(c.samples))
	copy(samples, c.samples)
	c.mu.Unlock()

	bw := bufio.NewWriter(w)
	cw := csv.NewWriter(bw)

	if err := cw.Write([]string{"wire_rtt", "loop_rtt", "cycles_diff"}); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, s := range samples {
		row := []string{
			fmt.Sprintf("%d", s.Wire),
			fmt.Sprintf("%d", s.Loop),
			fmt.Sprintf("%d", s.CyclesDiff()),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("flush csv writer: %w", err)
	}
	return bw.Flush()
}

// Len returns the number of samples inserted so far.
func (c *SampleCollector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.samples)
}

// AllLatencies returns every sample's Wire-Loop difference converted to
// a Duration, in insertion order. Used by callers that render a full
// distribution (e.g. a histogram) rather than a single reduced value.
func (c *SampleCollector) AllLatencies() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]time.Duration, len(c.samples))
	for i, s := range c.samples {
		out[i] = clock.ToDuration(s.CyclesDiff())
	}
	return out
}

func (c *SampleCollector) initDescs() {
	c.describeOnce.Do(func() {
		labels := []string{"collector"}
		c.descs = collectorDescs{
			mean: prometheus.NewDesc(
				"rdmalat_latency_mean_seconds",
				"Mean wire-minus-loop latency observed by this collector.",
				labels, nil,
			),
			p50: prometheus.NewDesc(
				"rdmalat_latency_p50_seconds",
				"Median wire-minus-loop latency observed by this collector.",
				labels, nil,
			),
			p99: prometheus.NewDesc(
				"rdmalat_latency_p99_seconds",
				"99th percentile wire-minus-loop latency observed by this collector.",
				labels, nil,
			),
			count: prometheus.NewDesc(
				"rdmalat_samples_total",
				"Total number of latency samples recorded by this collector.",
				labels, nil,
			),
		}
	})
}

// Describe implements prometheus.Collector.
func (c *SampleCollector) Describe(ch chan<- *prometheus.Desc) {
	c.initDescs()
	ch <- c.descs.mean
	ch <- c.descs.p50
	ch <- c.descs.p99
	ch <- c.descs.count
}

// Collect implements prometheus.Collector. It reduces the current sample
// set under lock and emits gauges; it never errors because the
// reducers it calls never do.
func (c *SampleCollector) Collect(ch chan<- prometheus.Metric) {
	c.initDescs()

	if mean, ok := c.MeanLatency(); ok {
		ch <- prometheus.MustNewConstMetric(c.descs.mean, prometheus.GaugeValue, mean.Seconds(), c.name)
	}
	if p50, ok := c.QuantileLatency(0.5); ok {
		ch <- prometheus.MustNewConstMetric(c.descs.p50, prometheus.GaugeValue, p50.Seconds(), c.name)
	}
	if p99, ok := c.QuantileLatency(0.99); ok {
		ch <- prometheus.MustNewConstMetric(c.descs.p99, prometheus.GaugeValue, p99.Seconds(), c.name)
	}
	ch <- prometheus.MustNewConstMetric(c.descs.count, prometheus.GaugeValue, float64(c.Len()), c.name)
}
