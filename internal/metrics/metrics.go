// Package metrics holds the prometheus collectors of a ledger instance.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "vitra"

// Buckets for execution latency, in seconds.
var latencyBuckets = []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5}

// Registry is a per-ledger collector registry. Several ledgers can coexist
// in one process since nothing registers globally.
type Registry struct {
	reg *prometheus.Registry
}

// NewRegistry creates an empty registry with Go runtime collectors.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	return &Registry{reg: reg}
}

// Gatherer exposes the registry to HTTP handlers.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// factory returns a promauto factory bound to the registry.
func (r *Registry) factory() promauto.Factory {
	return promauto.With(r.reg)
}

// Executor holds executor metrics.
type Executor struct {
	OpsTotal     *prometheus.CounterVec
	Latency      prometheus.Histogram
	Skipped      prometheus.Counter
	Participants prometheus.Gauge
}

// NewExecutor registers executor metrics.
func (r *Registry) NewExecutor() *Executor {
	f := r.factory()

	return &Executor{
		OpsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "ops_total",
			Help:      "Operations executed, by outcome",
		}, []string{"outcome"}),

		Latency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "op_duration_seconds",
			Help:      "Time to execute and commit one operation",
			Buckets:   latencyBuckets,
		}),

		Skipped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "ops_skipped_total",
			Help:      "Operations skipped as already executed or from inactive logs",
		}),

		Participants: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "participants",
			Help:      "Participant logs being watched",
		}),
	}
}

// RecordOp records one executed operation.
func (m *Executor) RecordOp(success bool, d time.Duration) {
	if m == nil {
		return
	}

	outcome := "success"
	if !success {
		outcome = "failed"
	}

	m.OpsTotal.WithLabelValues(outcome).Inc()
	m.Latency.Observe(d.Seconds())
}

// RecordSkip records a skipped operation.
func (m *Executor) RecordSkip() {
	if m == nil {
		return
	}

	m.Skipped.Inc()
}

// SetParticipants records the number of watched logs.
func (m *Executor) SetParticipants(n int) {
	if m == nil {
		return
	}

	m.Participants.Set(float64(n))
}

// Monitor holds monitor metrics.
type Monitor struct {
	Entries        prometheus.Counter
	Violations     *prometheus.CounterVec
	VerifiedLength prometheus.Gauge
}

// NewMonitor registers monitor metrics.
func (r *Registry) NewMonitor() *Monitor {
	f := r.factory()

	return &Monitor{
		Entries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "entries_validated_total",
			Help:      "Index entries validated by replay",
		}),

		Violations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "violations_total",
			Help:      "Fraud proofs raised, by violation kind",
		}, []string{"kind"}),

		VerifiedLength: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "verified_length",
			Help:      "Index log length verified so far",
		}),
	}
}

// RecordEntry records one validated entry.
func (m *Monitor) RecordEntry(verifiedLength uint64) {
	if m == nil {
		return
	}

	m.Entries.Inc()
	m.VerifiedLength.Set(float64(verifiedLength))
}

// RecordViolation records a raised fraud proof.
func (m *Monitor) RecordViolation(kind string) {
	if m == nil {
		return
	}

	m.Violations.WithLabelValues(kind).Inc()
}

// Replication holds replication metrics.
type Replication struct {
	BlocksPulled *prometheus.CounterVec
	BlocksServed prometheus.Counter
}

// NewReplication registers replication metrics.
func (r *Registry) NewReplication() *Replication {
	f := r.factory()

	return &Replication{
		BlocksPulled: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "replication",
			Name:      "blocks_pulled_total",
			Help:      "Records imported from peers, by log",
		}, []string{"log"}),

		BlocksServed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "replication",
			Name:      "blocks_served_total",
			Help:      "Records sent to peers",
		}),
	}
}

// RecordPulled records imported records.
func (m *Replication) RecordPulled(log string, n int) {
	if m == nil {
		return
	}

	m.BlocksPulled.WithLabelValues(log).Add(float64(n))
}

// RecordServed records sent records.
func (m *Replication) RecordServed(n int) {
	if m == nil {
		return
	}

	m.BlocksServed.Add(float64(n))
}
