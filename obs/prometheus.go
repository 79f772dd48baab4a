// Package obs provides a Prometheus-backed implementation of
// interfaces.Observer, an alternative to the root package's built-in
// atomic Metrics for deployments that already scrape Prometheus.
package obs

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dmremap/go-dmremap/internal/interfaces"
)

var (
	registerOnce sync.Once

	reads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dmremap",
			Name:      "reads_total",
			Help:      "Number of read bios processed, labeled by outcome.",
		},
		[]string{"outcome"},
	)
	writes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dmremap",
			Name:      "writes_total",
			Help:      "Number of write bios processed, labeled by outcome.",
		},
		[]string{"outcome"},
	)
	readLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "dmremap",
			Name:      "read_latency_seconds",
			Help:      "Read bio latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	writeLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "dmremap",
			Name:      "write_latency_seconds",
			Help:      "Write bio latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	remapsInstalled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dmremap",
			Name:      "remaps_installed_total",
			Help:      "Number of bad sectors remapped to spare storage.",
		},
	)
	resizes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dmremap",
			Name:      "index_resizes_total",
			Help:      "Number of times the remap index's bucket array was resized.",
		},
	)
	persistenceFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dmremap",
			Name:      "persistence_failures_total",
			Help:      "Number of times every metadata copy failed to write in one persist attempt.",
		},
	)
	allocExhausted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dmremap",
			Name:      "alloc_exhausted_total",
			Help:      "Number of times a remap installation found the spare pool exhausted.",
		},
	)
	inFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "dmremap",
			Name:      "in_flight_bios",
			Help:      "Number of bios submitted to Map but not yet completed.",
		},
	)
	bucketCount = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "dmremap",
			Name:      "index_buckets",
			Help:      "Current bucket array length of the remap index.",
		},
	)
)

// Observer implements interfaces.Observer by updating package-level
// Prometheus collectors. NewObserver registers them with prometheus's
// default registry exactly once, the same sync.Once-guarded
// MustRegister pattern the retrieval pack's block-device allocator
// uses for its own counters.
type Observer struct{}

// NewObserver returns a Prometheus-backed Observer, registering its
// collectors with prometheus's default registry on first use.
func NewObserver() *Observer {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			reads, writes,
			readLatency, writeLatency,
			remapsInstalled, resizes,
			persistenceFailures, allocExhausted,
			inFlight, bucketCount,
		)
	})
	return &Observer{}
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (o *Observer) ObserveRead(bytes int, latencyNs int64, err error) {
	reads.WithLabelValues(outcome(err)).Inc()
	readLatency.Observe(float64(latencyNs) / 1e9)
}

func (o *Observer) ObserveWrite(bytes int, latencyNs int64, err error) {
	writes.WithLabelValues(outcome(err)).Inc()
	writeLatency.Observe(float64(latencyNs) / 1e9)
}

func (o *Observer) ObserveRemapInstalled() {
	remapsInstalled.Inc()
}

func (o *Observer) ObserveResize(oldBuckets, newBuckets int) {
	resizes.Inc()
	bucketCount.Set(float64(newBuckets))
}

func (o *Observer) ObserveInFlight(count int64) {
	inFlight.Set(float64(count))
}

func (o *Observer) ObservePersistenceFailure() {
	persistenceFailures.Inc()
}

func (o *Observer) ObserveAllocExhausted() {
	allocExhausted.Inc()
}

var _ interfaces.Observer = (*Observer)(nil)
