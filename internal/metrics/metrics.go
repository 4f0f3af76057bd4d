package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the ledger.  A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	// Tap submissions by outcome: committed, duplicate, rejected, overloaded.
	Taps *prometheus.CounterVec

	// Pipeline stages reached: validated, sequenced, committed.
	Stages *prometheus.CounterVec

	// Time from commit-queue admission to durable write.
	CommitLatency prometheus.Histogram

	HeadSeq    prometheus.Gauge
	QueueDepth prometheus.Gauge

	// Reconciliation batches by result: committed, rejected.
	Batches *prometheus.CounterVec

	// Chain verification runs by result: pass, fail, error.
	Verifications *prometheus.CounterVec

	Devices *prometheus.GaugeVec
	Alerts  *prometheus.CounterVec
}

// New registers every ledger metric with reg.  Passing nil registers with
// the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		Taps: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tapledger_taps_total",
			Help: "Tap submissions by outcome",
		}, []string{"outcome"}),

		Stages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tapledger_ingest_stages_total",
			Help: "Ingestion pipeline stages completed",
		}, []string{"stage"}),

		CommitLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "tapledger_commit_duration_seconds",
			Help:    "Time from commit queue admission to durable ledger write",
			Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1},
		}),

		HeadSeq: f.NewGauge(prometheus.GaugeOpts{
			Name: "tapledger_head_sequence",
			Help: "Highest committed global sequence",
		}),

		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "tapledger_commit_queue_depth",
			Help: "Submissions waiting for the sequencer",
		}),

		Batches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tapledger_reconciliation_batches_total",
			Help: "Offline reconciliation batches by result",
		}, []string{"result"}),

		Verifications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tapledger_chain_verifications_total",
			Help: "Hash chain verification runs by result",
		}, []string{"result"}),

		Devices: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tapledger_devices",
			Help: "Active devices by connectivity state",
		}, []string{"state"}),

		Alerts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tapledger_alerts_total",
			Help: "Health alerts raised by severity",
		}, []string{"severity"}),
	}
}

func (m *Metrics) IncrementTap(outcome string) {
	if m != nil {
		m.Taps.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) IncrementStage(stage string) {
	if m != nil {
		m.Stages.WithLabelValues(stage).Inc()
	}
}

// ObserveCommitLatency records how long a submission waited for and spent
// in the commit loop.
func (m *Metrics) ObserveCommitLatency(d time.Duration) {
	if m != nil {
		m.CommitLatency.Observe(d.Seconds())
	}
}

func (m *Metrics) SetHead(seq uint64) {
	if m != nil {
		m.HeadSeq.Set(float64(seq))
	}
}

func (m *Metrics) SetQueueDepth(n int) {
	if m != nil {
		m.QueueDepth.Set(float64(n))
	}
}

func (m *Metrics) IncrementBatch(result string) {
	if m != nil {
		m.Batches.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) IncrementVerification(result string) {
	if m != nil {
		m.Verifications.WithLabelValues(result).Inc()
	}
}

// SetDevices publishes the registry's per-state counts.
func (m *Metrics) SetDevices(online, offline, maintenance int) {
	if m != nil {
		m.Devices.WithLabelValues("online").Set(float64(online))
		m.Devices.WithLabelValues("offline").Set(float64(offline))
		m.Devices.WithLabelValues("maintenance").Set(float64(maintenance))
	}
}

func (m *Metrics) IncrementAlert(severity string) {
	if m != nil {
		m.Alerts.WithLabelValues(severity).Inc()
	}
}

// RegisterWriterBacklog exposes the database writer's queued and running
// transactions as a gauge read on every scrape.
func RegisterWriterBacklog(reg prometheus.Registerer, pending func() int64) prometheus.GaugeFunc {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
		Name: "tapledger_db_writer_pending",
		Help: "Database transactions queued for or running on the single writer",
	}, func() float64 { return float64(pending()) })
}
