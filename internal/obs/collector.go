package obs

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "lobcore"

// Collector exports Metrics to prometheus. Values are read at scrape time.
type Collector struct {
	metrics *Metrics

	appended      *prometheus.Desc
	rejects       *prometheus.Desc
	applied       *prometheus.Desc
	inputErrors   *prometheus.Desc
	halts         *prometheus.Desc
	appendErrors  *prometheus.Desc
	snapshots     *prometheus.Desc
	drops         *prometheus.Desc
	appendLatency *prometheus.Desc
	applyLatency  *prometheus.Desc
}

// NewCollector wraps m for registration with a prometheus registry.
func NewCollector(m *Metrics) *Collector {
	return &Collector{
		metrics:       m,
		appended:      prometheus.NewDesc(namespace+"_wal_records_total", "WAL records appended by type.", []string{"type"}, nil),
		rejects:       prometheus.NewDesc(namespace+"_book_rejects_total", "Book updates rejected by reason.", []string{"reason"}, nil),
		applied:       prometheus.NewDesc(namespace+"_book_updates_total", "Book updates applied.", nil, nil),
		inputErrors:   prometheus.NewDesc(namespace+"_input_errors_total", "Events dropped before the WAL.", nil, nil),
		halts:         prometheus.NewDesc(namespace+"_ingest_halts_total", "Symbols halted by a durability failure.", nil, nil),
		appendErrors:  prometheus.NewDesc(namespace+"_wal_append_errors_total", "Failed WAL appends.", nil, nil),
		snapshots:     prometheus.NewDesc(namespace+"_snapshots_total", "Book snapshots written.", nil, nil),
		drops:         prometheus.NewDesc(namespace+"_dropped_events_total", "Events dropped on full queues.", []string{"queue"}, nil),
		appendLatency: prometheus.NewDesc(namespace+"_wal_append_seconds", "WAL append latency.", nil, nil),
		applyLatency:  prometheus.NewDesc(namespace+"_book_apply_seconds", "Book apply latency.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.appended
	ch <- c.rejects
	ch <- c.applied
	ch <- c.inputErrors
	ch <- c.halts
	ch <- c.appendErrors
	ch <- c.snapshots
	ch <- c.drops
	ch <- c.appendLatency
	ch <- c.applyLatency
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.metrics.Snapshot()
	for t, v := range s.Appended {
		ch <- prometheus.MustNewConstMetric(c.appended, prometheus.CounterValue, float64(v), t.String())
	}
	for r, v := range s.Rejects {
		ch <- prometheus.MustNewConstMetric(c.rejects, prometheus.CounterValue, float64(v), r.String())
	}
	ch <- prometheus.MustNewConstMetric(c.applied, prometheus.CounterValue, float64(s.Applied))
	ch <- prometheus.MustNewConstMetric(c.inputErrors, prometheus.CounterValue, float64(s.InputErrors))
	ch <- prometheus.MustNewConstMetric(c.halts, prometheus.CounterValue, float64(s.Halts))
	ch <- prometheus.MustNewConstMetric(c.appendErrors, prometheus.CounterValue, float64(s.AppendErrors))
	ch <- prometheus.MustNewConstMetric(c.snapshots, prometheus.CounterValue, float64(s.Snapshots))
	ch <- prometheus.MustNewConstMetric(c.drops, prometheus.CounterValue, float64(s.QueueDrops), "analytics")
	ch <- prometheus.MustNewConstMetric(c.drops, prometheus.CounterValue, float64(s.PublishDrops), "subscribers")
	ch <- latencySummary(c.appendLatency, s.AppendLatency)
	ch <- latencySummary(c.applyLatency, s.ApplyLatency)
}

func latencySummary(desc *prometheus.Desc, l LatencySnapshot) prometheus.Metric {
	return prometheus.MustNewConstSummary(desc, l.Count, l.Sum.Seconds(), nil)
}
