package metrics_test

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/BrandonDHaskell/Tapledger/server/internal/metrics"
)

func TestMetrics_NilSafe(t *testing.T) {
	var m *metrics.Metrics
	assert.NotPanics(t, func() {
		m.IncrementTap("committed")
		m.IncrementStage("validated")
		m.ObserveCommitLatency(time.Millisecond)
		m.SetHead(3)
		m.SetQueueDepth(1)
		m.IncrementBatch("rejected")
		m.IncrementVerification("pass")
		m.SetDevices(1, 2, 3)
		m.IncrementAlert("warning")
	})
}

func TestMetrics_RecordsValues(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())

	m.IncrementTap("committed")
	m.IncrementTap("committed")
	m.IncrementTap("duplicate")
	m.SetHead(42)
	m.SetDevices(2, 1, 0)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Taps.WithLabelValues("committed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Taps.WithLabelValues("duplicate")))
	assert.Equal(t, 42.0, testutil.ToFloat64(m.HeadSeq))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Devices.WithLabelValues("offline")))
}

func TestMetrics_WriterBacklogReadsOnScrape(t *testing.T) {
	reg := prometheus.NewRegistry()
	var pending int64 = 3
	g := metrics.RegisterWriterBacklog(reg, func() int64 { return pending })

	assert.Equal(t, 3.0, testutil.ToFloat64(g))
	pending = 0
	assert.Equal(t, 0.0, testutil.ToFloat64(g))

	n, err := testutil.GatherAndCount(reg, "tapledger_db_writer_pending")
	assert.NoError(t, err)
	assert.Equal(t, 1, n)
}
