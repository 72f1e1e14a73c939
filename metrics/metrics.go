// Package metrics provides lightweight, lock-free request counters using
// atomic operations so they impose minimal overhead on hot paths, mirrored
// into Prometheus collectors for the /metrics endpoint.
package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks aggregate statistics for the orchestrator.
//
// All counters are accessed exclusively through atomic operations, which means:
//   - There is no mutex contention even under heavy concurrent dispatch.
//   - The struct may be embedded or passed as a pointer without additional
//     synchronisation.
//   - Reads and writes are linearisable: a value read after a write always
//     reflects at least that write.
//
// Fields are uint64 and aligned to 64-bit boundaries to satisfy the
// requirements of sync/atomic on 32-bit platforms. The Prometheus
// collectors below are updated alongside the atomic counters so /metrics
// always reflects the same values Snapshot would return.
type Metrics struct {
	// TotalRequests is the number of outbound HTTP requests dispatched
	// since startup.
	TotalRequests uint64

	// Success is the number of requests whose response matched the
	// request's accepted-status set.
	Success uint64

	// Failed is the number of requests that resulted in a transport error
	// or a non-accepted response.
	Failed uint64

	// startTime records when the metrics instance was created so that
	// RequestsPerSecond can compute a meaningful rate.
	startTime time.Time

	requestsTotal  prometheus.Counter
	requestsOK     prometheus.Counter
	requestsFailed prometheus.Counter
	domainBPS      *prometheus.GaugeVec
}

// NewMetrics creates a Metrics instance with the start time set to now and
// registers its Prometheus collectors against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		startTime: time.Now(),
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reqorchestrator_requests_total",
			Help: "Total outbound HTTP requests dispatched.",
		}),
		requestsOK: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reqorchestrator_requests_accepted_total",
			Help: "Requests whose response status was in the accepted set.",
		}),
		requestsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reqorchestrator_requests_failed_total",
			Help: "Requests whose response status was not accepted, or that errored.",
		}),
		domainBPS: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "reqorchestrator_domain_bytes_per_second",
			Help: "Most recently observed bytes-per-second throughput per domain.",
		}, []string{"domain"}),
	}

	if reg != nil {
		reg.MustRegister(m.requestsTotal, m.requestsOK, m.requestsFailed, m.domainBPS)
	}
	return m
}

// IncrementTotal atomically increments the total-requests counter.
func (m *Metrics) IncrementTotal() {
	atomic.AddUint64(&m.TotalRequests, 1)
	m.requestsTotal.Inc()
}

// IncrementSuccess atomically increments the successful-requests counter.
func (m *Metrics) IncrementSuccess() {
	atomic.AddUint64(&m.Success, 1)
	m.requestsOK.Inc()
}

// IncrementFailed atomically increments the failed-requests counter.
func (m *Metrics) IncrementFailed() {
	atomic.AddUint64(&m.Failed, 1)
	m.requestsFailed.Inc()
}

// SetDomainBPS records the latest observed bytes-per-second for a domain,
// labelled by its netloc.
func (m *Metrics) SetDomainBPS(netloc string, bps float64) {
	m.domainBPS.WithLabelValues(netloc).Set(bps)
}

// RequestsPerSecond returns the average request rate since the Metrics
// instance was created.  Returns 0 if no time has elapsed since creation, to
// avoid division by zero.
func (m *Metrics) RequestsPerSecond() float64 {
	elapsed := time.Since(m.startTime).Seconds()
	if elapsed == 0 {
		return 0
	}
	return float64(atomic.LoadUint64(&m.TotalRequests)) / elapsed
}

// Snapshot returns a point-in-time copy of the counters.  Because three
// separate atomic loads are not performed under a single lock, the snapshot
// may be very slightly inconsistent at nanosecond granularity, which is
// acceptable for monitoring purposes.
func (m *Metrics) Snapshot() (total, success, failed uint64) {
	return atomic.LoadUint64(&m.TotalRequests),
		atomic.LoadUint64(&m.Success),
		atomic.LoadUint64(&m.Failed)
}
