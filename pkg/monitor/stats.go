package monitor

import (
	"sync/atomic"
)

type WorkloadStats struct {
	ReadCount  uint64
	WriteCount uint64
	HitCount   uint64
	RangeCount uint64

	FlushCount     uint64
	CancelledCount uint64

	draining    int64
	maxDraining int64
}

func NewWorkloadStats() *WorkloadStats {
	return &WorkloadStats{}
}

func (ws *WorkloadStats) RecordRead() {
	atomic.AddUint64(&ws.ReadCount, 1)
}

func (ws *WorkloadStats) RecordWrite() {
	atomic.AddUint64(&ws.WriteCount, 1)
}

func (ws *WorkloadStats) RecordHit() {
	atomic.AddUint64(&ws.HitCount, 1)
}

func (ws *WorkloadStats) RecordRange() {
	atomic.AddUint64(&ws.RangeCount, 1)
}

// BeginDrain marks a drain as in progress and tracks the highest number of
// drains ever observed at the same time.
func (ws *WorkloadStats) BeginDrain() {
	n := atomic.AddInt64(&ws.draining, 1)
	for {
		old := atomic.LoadInt64(&ws.maxDraining)
		if n <= old || atomic.CompareAndSwapInt64(&ws.maxDraining, old, n) {
			return
		}
	}
}

func (ws *WorkloadStats) EndDrain(cancelled bool) {
	atomic.AddInt64(&ws.draining, -1)
	if cancelled {
		atomic.AddUint64(&ws.CancelledCount, 1)
		return
	}
	atomic.AddUint64(&ws.FlushCount, 1)
}

func (ws *WorkloadStats) MaxConcurrentDrains() int64 {
	return atomic.LoadInt64(&ws.maxDraining)
}

func (ws *WorkloadStats) Flushes() uint64 {
	return atomic.LoadUint64(&ws.FlushCount)
}

func (ws *WorkloadStats) Cancelled() uint64 {
	return atomic.LoadUint64(&ws.CancelledCount)
}

func (ws *WorkloadStats) GetReadWriteRatio() float64 {
	reads := atomic.LoadUint64(&ws.ReadCount)
	writes := atomic.LoadUint64(&ws.WriteCount)

	if writes == 0 {
		if reads > 0 {
			return 100.0
		}
		return 0.0
	}
	return float64(reads) / float64(writes)
}

func (ws *WorkloadStats) HitRatio() float64 {
	reads := atomic.LoadUint64(&ws.ReadCount)
	if reads == 0 {
		return 0
	}
	return float64(atomic.LoadUint64(&ws.HitCount)) / float64(reads)
}
