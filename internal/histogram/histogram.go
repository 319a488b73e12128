// Package histogram renders a terminal bar histogram of latency samples,
// grounded in original_source/collector.rs's print_latency_histogram:
// bucket by whole microsecond, print one asterisk per occurrence.
package histogram

import (
	"fmt"
	"io"
	"sort"
	"time"
)

// Print writes a histogram of durations bucketed to the microsecond,
// sorted ascending by bucket, to w.
func Print(w io.Writer, durations []time.Duration) {
	buckets := make(map[int64]int)
	for _, d := range durations {
		us := d.Microseconds()
		buckets[us]++
	}

	keys := make([]int64, 0, len(buckets))
	for k := range buckets {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	fmt.Fprintln(w, "Latency Histogram:")
	for _, k := range keys {
		count := buckets[k]
		fmt.Fprintf(w, "%-10d µs | %s\n", k, bar(count))
	}
}

func bar(count int) string {
	b := make([]byte, count)
	for i := range b {
		b[i] = '*'
	}
	return string(b)
}
