package iodriver

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the latency histogram buckets in nanoseconds.
// Buckets cover from 1us to 10s with logarithmic spacing.
var LatencyBuckets = []uint64{
	1_000,          // 1us
	10_000,         // 10us
	100_000,        // 100us
	1_000_000,      // 1ms
	10_000_000,     // 10ms
	100_000_000,    // 100ms
	1_000_000_000,  // 1s
	10_000_000_000, // 10s
}

const numLatencyBuckets = 8

// Metrics tracks driver-internal operational statistics: park behavior,
// completion dispatch, cross-thread wakes, and per-operation-kind counters.
// Unlike a storage backend's metrics, there is no "bytes transferred"
// concept at this layer — the driver doesn't know what an operation's
// buffer means, only that it completed.
type Metrics struct {
	// Per-operation-kind counters, keyed by the kind observed at dispatch.
	ReadOps    atomic.Uint64
	WriteOps   atomic.Uint64
	SendOps    atomic.Uint64
	RecvOps    atomic.Uint64
	AcceptOps  atomic.Uint64
	ConnectOps atomic.Uint64
	CloseOps   atomic.Uint64
	TimeoutOps atomic.Uint64

	OperationErrors atomic.Uint64
	CanceledOps     atomic.Uint64

	// Park/wake bookkeeping.
	ParkCalls         atomic.Uint64 // total park invocations
	ParkWoken         atomic.Uint64 // parks that returned via a real wait (not timeout=0 fast path)
	ForeignWakes      atomic.Uint64 // wakers drained via CrossThreadWake
	SubmissionRetries atomic.Uint64 // submit-full retries after reaping

	// Slab occupancy.
	SlabDepthTotal   atomic.Uint64 // cumulative slab length samples
	SlabDepthCount   atomic.Uint64
	SlabHighWaterMark atomic.Uint32

	// Performance tracking.
	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64
	StopTime  atomic.Int64
}

// NewMetrics creates a new metrics instance.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordCompletion records one dispatched operation completion by kind,
// its latency from submission to observation, and whether it succeeded.
func (m *Metrics) RecordCompletion(kind OpKind, latencyNs uint64, err error) {
	switch kind {
	case OpRead:
		m.ReadOps.Add(1)
	case OpWrite:
		m.WriteOps.Add(1)
	case OpSend:
		m.SendOps.Add(1)
	case OpRecv:
		m.RecvOps.Add(1)
	case OpAccept:
		m.AcceptOps.Add(1)
	case OpConnect:
		m.ConnectOps.Add(1)
	case OpClose:
		m.CloseOps.Add(1)
	case OpTimeout:
		m.TimeoutOps.Add(1)
	}
	if err != nil {
		m.OperationErrors.Add(1)
		if isCanceledErr(err) {
			m.CanceledOps.Add(1)
		}
	}
	m.recordLatency(latencyNs)
}

// RecordPark records one park invocation; woken reports whether the driver
// actually blocked (as opposed to taking the timeout=0 fast path because
// foreign wakers were already pending).
func (m *Metrics) RecordPark(woken bool) {
	m.ParkCalls.Add(1)
	if woken {
		m.ParkWoken.Add(1)
	}
}

// RecordForeignWake records one foreign waker drained from the cross-thread
// queue.
func (m *Metrics) RecordForeignWake() {
	m.ForeignWakes.Add(1)
}

// RecordSubmissionRetry records one submit-full retry-after-reap cycle.
func (m *Metrics) RecordSubmissionRetry() {
	m.SubmissionRetries.Add(1)
}

// RecordSlabDepth records a point-in-time slab occupancy sample.
func (m *Metrics) RecordSlabDepth(depth uint32) {
	m.SlabDepthTotal.Add(uint64(depth))
	m.SlabDepthCount.Add(1)
	for {
		current := m.SlabHighWaterMark.Load()
		if depth <= current {
			break
		}
		if m.SlabHighWaterMark.CompareAndSwap(current, depth) {
			break
		}
	}
}

func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the driver as stopped, fixing the uptime used in snapshots.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time, non-atomic copy of Metrics.
type MetricsSnapshot struct {
	ReadOps, WriteOps, SendOps, RecvOps             uint64
	AcceptOps, ConnectOps, CloseOps, TimeoutOps      uint64
	OperationErrors, CanceledOps                     uint64
	ParkCalls, ParkWoken, ForeignWakes                uint64
	SubmissionRetries                                 uint64
	AvgSlabDepth                                       float64
	SlabHighWaterMark                                 uint32
	AvgLatencyNs, UptimeNs                            uint64
	LatencyP50Ns, LatencyP99Ns, LatencyP999Ns         uint64
	LatencyHistogram                                  [numLatencyBuckets]uint64
	TotalOps                                          uint64
	ErrorRate                                          float64
}

// Snapshot creates a point-in-time snapshot of metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		ReadOps:           m.ReadOps.Load(),
		WriteOps:          m.WriteOps.Load(),
		SendOps:           m.SendOps.Load(),
		RecvOps:           m.RecvOps.Load(),
		AcceptOps:         m.AcceptOps.Load(),
		ConnectOps:        m.ConnectOps.Load(),
		CloseOps:          m.CloseOps.Load(),
		TimeoutOps:        m.TimeoutOps.Load(),
		OperationErrors:   m.OperationErrors.Load(),
		CanceledOps:       m.CanceledOps.Load(),
		ParkCalls:         m.ParkCalls.Load(),
		ParkWoken:         m.ParkWoken.Load(),
		ForeignWakes:      m.ForeignWakes.Load(),
		SubmissionRetries: m.SubmissionRetries.Load(),
		SlabHighWaterMark: m.SlabHighWaterMark.Load(),
	}

	snap.TotalOps = snap.ReadOps + snap.WriteOps + snap.SendOps + snap.RecvOps +
		snap.AcceptOps + snap.ConnectOps + snap.CloseOps + snap.TimeoutOps

	if depthCount := m.SlabDepthCount.Load(); depthCount > 0 {
		snap.AvgSlabDepth = float64(m.SlabDepthTotal.Load()) / float64(depthCount)
	}

	totalLatencyNs := m.TotalLatencyNs.Load()
	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = totalLatencyNs / opCount
	}

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	if snap.TotalOps > 0 {
		snap.ErrorRate = float64(snap.OperationErrors) / float64(snap.TotalOps) * 100.0
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}

	if opCount > 0 {
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
		snap.LatencyP999Ns = m.calculatePercentile(0.999)
	}

	return snap
}

// calculatePercentile estimates the latency at the given percentile (0.0-1.0)
// using linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	totalOps := m.OpCount.Load()
	if totalOps == 0 {
		return 0
	}

	targetCount := uint64(float64(totalOps) * percentile)

	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := m.LatencyBuckets[i].Load()
		if bucketCount >= targetCount {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyBuckets[i-1].Load()
			}
			if bucketCount == prevCount {
				return bucket
			}
			fraction := float64(targetCount-prevCount) / float64(bucketCount-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}

	return LatencyBuckets[numLatencyBuckets-1]
}

// Reset resets all metrics counters (useful for testing).
func (m *Metrics) Reset() {
	m.ReadOps.Store(0)
	m.WriteOps.Store(0)
	m.SendOps.Store(0)
	m.RecvOps.Store(0)
	m.AcceptOps.Store(0)
	m.ConnectOps.Store(0)
	m.CloseOps.Store(0)
	m.TimeoutOps.Store(0)
	m.OperationErrors.Store(0)
	m.CanceledOps.Store(0)
	m.ParkCalls.Store(0)
	m.ParkWoken.Store(0)
	m.ForeignWakes.Store(0)
	m.SubmissionRetries.Store(0)
	m.SlabDepthTotal.Store(0)
	m.SlabDepthCount.Store(0)
	m.SlabHighWaterMark.Store(0)
	m.TotalLatencyNs.Store(0)
	m.OpCount.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyBuckets[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// Observer allows pluggable metrics collection, fed by both backends.
type Observer interface {
	ObserveCompletion(kind OpKind, latencyNs uint64, err error)
	ObservePark(woken bool)
	ObserveForeignWake()
	ObserveSubmissionRetry()
	ObserveSlabDepth(depth uint32)
}

// NoOpObserver is a no-op implementation of Observer.
type NoOpObserver struct{}

func (NoOpObserver) ObserveCompletion(OpKind, uint64, error) {}
func (NoOpObserver) ObservePark(bool)                        {}
func (NoOpObserver) ObserveForeignWake()                     {}
func (NoOpObserver) ObserveSubmissionRetry()                 {}
func (NoOpObserver) ObserveSlabDepth(uint32)                 {}

// MetricsObserver implements Observer using the built-in Metrics.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to the given metrics.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveCompletion(kind OpKind, latencyNs uint64, err error) {
	o.metrics.RecordCompletion(kind, latencyNs, err)
}

func (o *MetricsObserver) ObservePark(woken bool) { o.metrics.RecordPark(woken) }
func (o *MetricsObserver) ObserveForeignWake()     { o.metrics.RecordForeignWake() }
func (o *MetricsObserver) ObserveSubmissionRetry()  { o.metrics.RecordSubmissionRetry() }
func (o *MetricsObserver) ObserveSlabDepth(depth uint32) { o.metrics.RecordSlabDepth(depth) }

var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)
