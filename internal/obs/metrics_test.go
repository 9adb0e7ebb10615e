package obs

import (
	"sync"
	"testing"
	"time"

	"lobcore/internal/lob"
	"lobcore/internal/wal"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLatencyStats(t *testing.T) {
	var l LatencyStats
	require.Equal(t, LatencySnapshot{}, l.Snapshot())

	l.Observe(3 * time.Millisecond)
	l.Observe(1 * time.Millisecond)
	l.Observe(2 * time.Millisecond)
	l.Observe(-time.Second)

	s := l.Snapshot()
	assert.Equal(t, uint64(3), s.Count)
	assert.Equal(t, time.Millisecond, s.Min)
	assert.Equal(t, 3*time.Millisecond, s.Max)
	assert.Equal(t, 2*time.Millisecond, s.Avg)
	assert.Equal(t, 6*time.Millisecond, s.Sum)
}

func TestMetricsConcurrent(t *testing.T) {
	m := NewMetrics()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				m.ObserveAppend(wal.RecordTick, time.Microsecond)
				m.ObserveApply(time.Microsecond)
				m.IncReject(lob.RejectCrossed)
			}
		}()
	}
	wg.Wait()

	s := m.Snapshot()
	require.Equal(t, uint64(8000), s.Appended[wal.RecordTick])
	require.Equal(t, uint64(8000), s.Applied)
	require.Equal(t, uint64(8000), s.Rejects[lob.RejectCrossed])
	require.Equal(t, uint64(8000), s.AppendLatency.Count)
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.IncHalt()
	m.AddPublishDrops(3)
	m.ObserveAppend(wal.RecordTick, time.Second)
	require.Equal(t, Snapshot{}, m.Snapshot())
}

func TestCollector(t *testing.T) {
	m := NewMetrics()
	m.ObserveAppend(wal.RecordTick, time.Millisecond)
	m.ObserveAppend(wal.RecordLobSnapshot, time.Millisecond)
	m.IncReject(lob.RejectInvalidPrice)
	m.IncQueueDrop()
	m.AddPublishDrops(2)

	c := NewCollector(m)
	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(c))

	// 2 record types, 1 reject reason, 5 scalar counters, 2 drop queues, 2 summaries
	require.Equal(t, 12, testutil.CollectAndCount(c))
	require.Equal(t, 2, testutil.CollectAndCount(c, "lobcore_wal_records_total"))
	require.Equal(t, 2, testutil.CollectAndCount(c, "lobcore_dropped_events_total"))

	families, err := reg.Gather()
	require.NoError(t, err)
	var found bool
	for _, f := range families {
		if f.GetName() != "lobcore_dropped_events_total" {
			continue
		}
		found = true
		for _, metric := range f.GetMetric() {
			switch metric.GetLabel()[0].GetValue() {
			case "analytics":
				assert.Equal(t, 1.0, metric.GetCounter().GetValue())
			case "subscribers":
				assert.Equal(t, 2.0, metric.GetCounter().GetValue())
			}
		}
	}
	require.True(t, found)
}
