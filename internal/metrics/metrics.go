// Package metrics wires a probe or agent's sample collectors into a
// Prometheus registry, grounded on the teacher's main.go registration
// of ProcessCollector/GoCollector alongside its domain collector.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/go-rdma/rdmalat/internal/collector"
)

// NewRegistry builds a Prometheus registry carrying the process/Go
// runtime collectors plus every SampleCollector passed in, so a running
// probe or agent can expose its live latency distribution alongside
// standard process metrics.
func NewRegistry(samples ...*collector.SampleCollector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
	for _, s := range samples {
		if s != nil {
			reg.MustRegister(s)
		}
	}
	return reg
}
