package obs

import (
	"sync/atomic"
	"time"

	"lobcore/internal/lob"
	"lobcore/internal/wal"
)

const maxRecordType = int(wal.RecordFillEvent)

// Metrics collects lightweight counters and latency stats.
type Metrics struct {
	appended     [maxRecordType + 1]uint64
	rejects      [lob.NumRejectReasons]uint64
	applied      uint64
	inputErrors  uint64
	halts        uint64
	appendErrors uint64
	snapshots    uint64
	queueDrops   uint64
	publishDrops uint64
	queueClosed  uint64

	appendLatency LatencyStats
	applyLatency  LatencyStats
}

// LatencyStats aggregates duration samples in nanoseconds.
type LatencyStats struct {
	count uint64
	sum   uint64
	min   uint64
	max   uint64
}

// LatencySnapshot is a point-in-time view of latency stats.
type LatencySnapshot struct {
	Count uint64
	Min   time.Duration
	Max   time.Duration
	Avg   time.Duration
	Sum   time.Duration
}

// Snapshot captures the current metrics values.
type Snapshot struct {
	Appended      map[wal.RecordType]uint64
	Rejects       map[lob.RejectReason]uint64
	Applied       uint64
	InputErrors   uint64
	Halts         uint64
	AppendErrors  uint64
	Snapshots     uint64
	QueueDrops    uint64
	PublishDrops  uint64
	QueueClosed   uint64
	AppendLatency LatencySnapshot
	ApplyLatency  LatencySnapshot
}

// NewMetrics allocates a metrics container.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// ObserveAppend counts a durable WAL record and its append latency.
func (m *Metrics) ObserveAppend(t wal.RecordType, d time.Duration) {
	if m == nil {
		return
	}
	idx := int(t)
	if idx >= 0 && idx < len(m.appended) {
		atomic.AddUint64(&m.appended[idx], 1)
	}
	m.appendLatency.Observe(d)
}

// ObserveApply counts an accepted book update and its apply latency.
func (m *Metrics) ObserveApply(d time.Duration) {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.applied, 1)
	m.applyLatency.Observe(d)
}

// IncReject increments the reject counter of a book reason.
func (m *Metrics) IncReject(reason lob.RejectReason) {
	if m == nil {
		return
	}
	idx := int(reason)
	if idx >= 0 && idx < len(m.rejects) {
		atomic.AddUint64(&m.rejects[idx], 1)
	}
}

// IncInputError records an event dropped before it reached the WAL.
func (m *Metrics) IncInputError() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.inputErrors, 1)
}

// IncHalt records a symbol halted by a durability failure.
func (m *Metrics) IncHalt() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.halts, 1)
}

// IncAppendError records a failed WAL append.
func (m *Metrics) IncAppendError() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.appendErrors, 1)
}

// IncSnapshot records a LobSnapshot written by the scheduler.
func (m *Metrics) IncSnapshot() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.snapshots, 1)
}

// IncQueueDrop records an analytics notification dropped on a full queue.
func (m *Metrics) IncQueueDrop() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.queueDrops, 1)
}

// AddPublishDrops records outbound events a slow subscriber did not receive.
func (m *Metrics) AddPublishDrops(n int) {
	if m == nil || n <= 0 {
		return
	}
	atomic.AddUint64(&m.publishDrops, uint64(n))
}

// IncQueueClosed records a closed-queue publish attempt.
func (m *Metrics) IncQueueClosed() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.queueClosed, 1)
}

// Snapshot returns a copy of the current metrics values.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	appended := make(map[wal.RecordType]uint64)
	for i := range m.appended {
		if v := atomic.LoadUint64(&m.appended[i]); v > 0 {
			appended[wal.RecordType(i)] = v
		}
	}
	rejects := make(map[lob.RejectReason]uint64)
	for i := range m.rejects {
		if v := atomic.LoadUint64(&m.rejects[i]); v > 0 {
			rejects[lob.RejectReason(i)] = v
		}
	}
	return Snapshot{
		Appended:      appended,
		Rejects:       rejects,
		Applied:       atomic.LoadUint64(&m.applied),
		InputErrors:   atomic.LoadUint64(&m.inputErrors),
		Halts:         atomic.LoadUint64(&m.halts),
		AppendErrors:  atomic.LoadUint64(&m.appendErrors),
		Snapshots:     atomic.LoadUint64(&m.snapshots),
		QueueDrops:    atomic.LoadUint64(&m.queueDrops),
		PublishDrops:  atomic.LoadUint64(&m.publishDrops),
		QueueClosed:   atomic.LoadUint64(&m.queueClosed),
		AppendLatency: m.appendLatency.Snapshot(),
		ApplyLatency:  m.applyLatency.Snapshot(),
	}
}

// Observe records a duration sample.
func (l *LatencyStats) Observe(d time.Duration) {
	if d < 0 {
		return
	}
	nanos := uint64(d)
	atomic.AddUint64(&l.count, 1)
	atomic.AddUint64(&l.sum, nanos)

	for {
		cur := atomic.LoadUint64(&l.min)
		if cur != 0 && nanos >= cur {
			break
		}
		if atomic.CompareAndSwapUint64(&l.min, cur, nanos) {
			break
		}
	}

	for {
		cur := atomic.LoadUint64(&l.max)
		if nanos <= cur {
			break
		}
		if atomic.CompareAndSwapUint64(&l.max, cur, nanos) {
			break
		}
	}
}

// Snapshot returns the aggregated latency stats.
func (l *LatencyStats) Snapshot() LatencySnapshot {
	count := atomic.LoadUint64(&l.count)
	if count == 0 {
		return LatencySnapshot{}
	}
	sum := atomic.LoadUint64(&l.sum)
	return LatencySnapshot{
		Count: count,
		Min:   time.Duration(atomic.LoadUint64(&l.min)),
		Max:   time.Duration(atomic.LoadUint64(&l.max)),
		Avg:   time.Duration(sum / count),
		Sum:   time.Duration(sum),
	}
}
