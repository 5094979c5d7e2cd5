package breeze

import (
	"sync/atomic"
	"time"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems like Prometheus.
//
// Example Prometheus integration:
//
//	type PrometheusCollector struct {
//	    readCounter    prometheus.Counter
//	    readHistogram  prometheus.Histogram
//	}
//
//	func (p *PrometheusCollector) RecordRead(source ReadSource, duration time.Duration, err error) {
//	    p.readCounter.Inc()
//	    // ... record error state, duration, etc.
//	}
type MetricsCollector interface {
	// RecordRead is called after each read operation. source tells whether
	// the result came from cache or from the network, duration is the total
	// time taken, err is nil if successful.
	RecordRead(source ReadSource, duration time.Duration, err error)

	// RecordWrite is called after each write operation. status is the
	// outcome reported to the caller.
	RecordWrite(status WriteStatus, duration time.Duration, err error)

	// RecordReplay is called after each pending write is delivered during
	// background reconciliation. reverted is true when the server rejected
	// the write and its cache effects were rolled back.
	RecordReplay(attempts int, reverted bool, err error)

	// RecordEviction is called after each cache sweep. freed is the number
	// of bytes released.
	RecordEviction(freed int64, duration time.Duration)
}

// ReadSource identifies where a read result was served from.
type ReadSource int

const (
	// ReadSourceCache means the result was served from the local cache.
	ReadSourceCache ReadSource = iota
	// ReadSourceNetwork means the result came from the remote store.
	ReadSourceNetwork
)

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
// Use this when metrics collection is not needed.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordRead(ReadSource, time.Duration, error)   {}
func (NoopMetricsCollector) RecordWrite(WriteStatus, time.Duration, error) {}
func (NoopMetricsCollector) RecordReplay(int, bool, error)                 {}
func (NoopMetricsCollector) RecordEviction(int64, time.Duration)           {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsCollector struct {
	ReadCount       atomic.Int64
	ReadCacheHits   atomic.Int64
	ReadErrors      atomic.Int64
	ReadTotalNanos  atomic.Int64
	WriteCount      atomic.Int64
	WriteQueued     atomic.Int64
	WriteErrors     atomic.Int64
	WriteTotalNanos atomic.Int64
	ReplayCount     atomic.Int64
	ReplayReverts   atomic.Int64
	ReplayErrors    atomic.Int64
	EvictionCount   atomic.Int64
	EvictionFreed   atomic.Int64
}

// RecordRead implements MetricsCollector.
func (b *BasicMetricsCollector) RecordRead(source ReadSource, duration time.Duration, err error) {
	b.ReadCount.Add(1)
	b.ReadTotalNanos.Add(duration.Nanoseconds())
	if source == ReadSourceCache {
		b.ReadCacheHits.Add(1)
	}
	if err != nil {
		b.ReadErrors.Add(1)
	}
}

// RecordWrite implements MetricsCollector.
func (b *BasicMetricsCollector) RecordWrite(status WriteStatus, duration time.Duration, err error) {
	b.WriteCount.Add(1)
	b.WriteTotalNanos.Add(duration.Nanoseconds())
	if status == StatusQueued {
		b.WriteQueued.Add(1)
	}
	if err != nil {
		b.WriteErrors.Add(1)
	}
}

// RecordReplay implements MetricsCollector.
func (b *BasicMetricsCollector) RecordReplay(attempts int, reverted bool, err error) {
	b.ReplayCount.Add(1)
	if reverted {
		b.ReplayReverts.Add(1)
	}
	if err != nil {
		b.ReplayErrors.Add(1)
	}
}

// RecordEviction implements MetricsCollector.
func (b *BasicMetricsCollector) RecordEviction(freed int64, duration time.Duration) {
	b.EvictionCount.Add(1)
	b.EvictionFreed.Add(freed)
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	return BasicMetricsStats{
		ReadCount:     b.ReadCount.Load(),
		ReadCacheHits: b.ReadCacheHits.Load(),
		ReadErrors:    b.ReadErrors.Load(),
		ReadAvgNanos:  avgNanos(b.ReadTotalNanos.Load(), b.ReadCount.Load()),
		WriteCount:    b.WriteCount.Load(),
		WriteQueued:   b.WriteQueued.Load(),
		WriteErrors:   b.WriteErrors.Load(),
		WriteAvgNanos: avgNanos(b.WriteTotalNanos.Load(), b.WriteCount.Load()),
		ReplayCount:   b.ReplayCount.Load(),
		ReplayReverts: b.ReplayReverts.Load(),
		ReplayErrors:  b.ReplayErrors.Load(),
		EvictionCount: b.EvictionCount.Load(),
		EvictionFreed: b.EvictionFreed.Load(),
	}
}

func avgNanos(total, count int64) int64 {
	if count == 0 {
		return 0
	}
	return total / count
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector state.
type BasicMetricsStats struct {
	ReadCount     int64
	ReadCacheHits int64
	ReadErrors    int64
	ReadAvgNanos  int64
	WriteCount    int64
	WriteQueued   int64
	WriteErrors   int64
	WriteAvgNanos int64
	ReplayCount   int64
	ReplayReverts int64
	ReplayErrors  int64
	EvictionCount int64
	EvictionFreed int64
}
