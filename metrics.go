package dmremap

import (
	"sync/atomic"
	"time"

	"github.com/dmremap/go-dmremap/internal/interfaces"
)

var _ interfaces.Observer = (*MetricsObserver)(nil)

// Metrics holds the lock-free counters spec.md's C9 statistics sink
// requires, adapted from the teacher's atomic-counter Metrics struct:
// every Record* method uses only atomic operations so it never blocks
// the I/O path that calls it.
type Metrics struct {
	totalReads              int64
	totalWrites             int64
	totalRemapsInstalled    int64
	totalIOErrors           int64
	totalPersistenceFailures int64
	totalAllocExhausted     int64
	resizeEvents            int64
	inFlight                int64
	inFlightMax             int64
	startTime               time.Time
}

// NewMetrics returns a zeroed Metrics with its start time set to now.
func NewMetrics() *Metrics {
	return &Metrics{startTime: time.Now()}
}

func (m *Metrics) RecordRead(err error) {
	atomic.AddInt64(&m.totalReads, 1)
	if err != nil {
		atomic.AddInt64(&m.totalIOErrors, 1)
	}
}

func (m *Metrics) RecordWrite(err error) {
	atomic.AddInt64(&m.totalWrites, 1)
	if err != nil {
		atomic.AddInt64(&m.totalIOErrors, 1)
	}
}

func (m *Metrics) RecordRemapInstalled() {
	atomic.AddInt64(&m.totalRemapsInstalled, 1)
}

func (m *Metrics) RecordPersistenceFailure() {
	atomic.AddInt64(&m.totalPersistenceFailures, 1)
}

func (m *Metrics) RecordResize() {
	atomic.AddInt64(&m.resizeEvents, 1)
}

func (m *Metrics) RecordAllocExhausted() {
	atomic.AddInt64(&m.totalAllocExhausted, 1)
}

// RecordInFlightDelta adjusts the in-flight bio counter by delta
// (+1 on dispatch, -1 on completion) and updates the running max.
func (m *Metrics) RecordInFlightDelta(delta int64) {
	cur := atomic.AddInt64(&m.inFlight, delta)
	for {
		max := atomic.LoadInt64(&m.inFlightMax)
		if cur <= max {
			return
		}
		if atomic.CompareAndSwapInt64(&m.inFlightMax, max, cur) {
			return
		}
	}
}

// MetricsSnapshot is a point-in-time, race-free copy of every counter.
type MetricsSnapshot struct {
	TotalReads               int64
	TotalWrites               int64
	TotalRemapsInstalled      int64
	TotalIOErrors             int64
	TotalPersistenceFailures  int64
	TotalAllocExhausted       int64
	ResizeEvents              int64
	InFlight                  int64
	InFlightMax               int64
	UptimeNs                  int64
}

// Snapshot atomically loads every counter into a MetricsSnapshot.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		TotalReads:               atomic.LoadInt64(&m.totalReads),
		TotalWrites:              atomic.LoadInt64(&m.totalWrites),
		TotalRemapsInstalled:     atomic.LoadInt64(&m.totalRemapsInstalled),
		TotalIOErrors:            atomic.LoadInt64(&m.totalIOErrors),
		TotalPersistenceFailures: atomic.LoadInt64(&m.totalPersistenceFailures),
		TotalAllocExhausted:      atomic.LoadInt64(&m.totalAllocExhausted),
		ResizeEvents:             atomic.LoadInt64(&m.resizeEvents),
		InFlight:                 atomic.LoadInt64(&m.inFlight),
		InFlightMax:              atomic.LoadInt64(&m.inFlightMax),
		UptimeNs:                 time.Since(m.startTime).Nanoseconds(),
	}
}

// MetricsObserver adapts Metrics to the interfaces.Observer contract so a
// Device can drive both the built-in snapshot and (optionally) an
// external exporter like obs.PrometheusObserver through the same seam.
type MetricsObserver struct {
	m *Metrics
}

// NewMetricsObserver wraps m as an Observer.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{m: m}
}

func (o *MetricsObserver) ObserveRead(bytes int, latencyNs int64, err error) {
	o.m.RecordRead(err)
}

func (o *MetricsObserver) ObserveWrite(bytes int, latencyNs int64, err error) {
	o.m.RecordWrite(err)
}

func (o *MetricsObserver) ObserveRemapInstalled() {
	o.m.RecordRemapInstalled()
}

func (o *MetricsObserver) ObserveResize(oldBuckets, newBuckets int) {
	o.m.RecordResize()
}

func (o *MetricsObserver) ObservePersistenceFailure() {
	o.m.RecordPersistenceFailure()
}

func (o *MetricsObserver) ObserveAllocExhausted() {
	o.m.RecordAllocExhausted()
}

func (o *MetricsObserver) ObserveInFlight(count int64) {
	atomic.StoreInt64(&o.m.inFlight, count)
	for {
		max := atomic.LoadInt64(&o.m.inFlightMax)
		if count <= max || atomic.CompareAndSwapInt64(&o.m.inFlightMax, max, count) {
			return
		}
	}
}
