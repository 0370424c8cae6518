package concurrency

import "github.com/prometheus/client_golang/prometheus"

// Metrics exposes the concurrency core's contention and lifecycle
// counters as Prometheus collectors, the same concern the teacher's own
// util/metric package (itself a client_golang wrapper) serves for
// LatchMetrics/contention events.
type Metrics struct {
	LockWaits            prometheus.Counter
	LockTimeouts         prometheus.Counter
	LockBusyRejections   prometheus.Counter
	DependencyWaits      prometheus.Counter
	DependencyTimeouts   prometheus.Counter
	ValidationFailures   prometheus.Counter
	Commits              prometheus.Counter
	Rollbacks            prometheus.Counter
	DirtyBufferScans     prometheus.Counter
	LiveTransactionCount prometheus.Gauge
}

// NewMetrics constructs a Metrics set registered under the namespace
// "txnconc".
func NewMetrics() *Metrics {
	const ns = "txnconc"
	newCounter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{Namespace: ns, Name: name, Help: help})
	}
	return &Metrics{
		LockWaits:            newCounter("lock_waits_total", "Number of times a request blocked waiting for a lock."),
		LockTimeouts:         newCounter("lock_timeouts_total", "Number of lock acquisitions that timed out."),
		LockBusyRejections:   newCounter("lock_busy_rejections_total", "Number of fail-fast lock acquisitions rejected as busy."),
		DependencyWaits:      newCounter("dependency_waits_total", "Number of commit-time dependency waits entered."),
		DependencyTimeouts:   newCounter("dependency_timeouts_total", "Number of dependency waits that hit the 15s cap."),
		ValidationFailures:   newCounter("validation_failures_total", "Number of OCC reads that failed commit-time validation."),
		Commits:              newCounter("commits_total", "Number of transactions that committed."),
		Rollbacks:            newCounter("rollbacks_total", "Number of transactions that rolled back."),
		DirtyBufferScans:     newCounter("dirty_buffer_scans_total", "Number of DirtyBuffer.Scan calls."),
		LiveTransactionCount: prometheus.NewGauge(prometheus.GaugeOpts{Namespace: ns, Name: "live_transactions", Help: "Number of transactions currently registered."}),
	}
}

// Collectors returns every metric as a prometheus.Collector, for
// registration with a prometheus.Registerer.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.LockWaits, m.LockTimeouts, m.LockBusyRejections,
		m.DependencyWaits, m.DependencyTimeouts, m.ValidationFailures,
		m.Commits, m.Rollbacks, m.DirtyBufferScans, m.LiveTransactionCount,
	}
}
