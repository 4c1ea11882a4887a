package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devrev/sensorstore/internal/model"
)

func TestNewMetrics_RegistersOnGivenRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "test")
	m.RecordAdd("")

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)

	// A second instance on a fresh registry must not collide.
	assert.NotPanics(t, func() { NewMetrics(prometheus.NewRegistry(), "test") })
}

func TestRecordAdd(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry(), "test")

	m.RecordAdd("")
	m.RecordAdd("")
	m.RecordAdd("NOMEM")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.AddsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AddFailuresTotal.WithLabelValues("NOMEM")))
}

func TestRecordFlush(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry(), "test")

	m.RecordFlush(time.Millisecond, "")
	m.RecordFlush(time.Millisecond, "QUOTA")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.DiskFlushesTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DiskFlushFailuresTotal.WithLabelValues("QUOTA")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.DiskFlushDuration))
}

func TestRecordConsumeAndErase(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry(), "test")

	m.RecordConsume(5)
	m.RecordErase(4)
	m.RecordQuotaDrop(7)

	assert.Equal(t, 5.0, testutil.ToFloat64(m.ConsumedTotal))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.ErasedTotal))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.DiskQuotaDroppedTotal))
}

func TestUpdateFromStats(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry(), "test")

	m.UpdateFromStats(model.SystemStats{
		Sensors:        3,
		UnsentRecords:  10,
		PendingRecords: 4,
		LostRecords:    2,
		ShuttingDown:   true,
		Pool:           model.PoolStats{Total: 8, Free: 6, UsagePct: 25},
		Disk:           model.DiskStats{Bytes: 8192, Sectors: 2},
		AddLatencyP50:  2 * time.Microsecond,
		AddLatencyP99:  time.Millisecond,
	})

	assert.Equal(t, 3.0, testutil.ToFloat64(m.SensorsTotal))
	assert.Equal(t, 10.0, testutil.ToFloat64(m.UnsentRecords))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.PendingRecords))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.LostRecords))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ShuttingDown))
	assert.Equal(t, 25.0, testutil.ToFloat64(m.PoolUsagePercent))
	assert.Equal(t, 8192.0, testutil.ToFloat64(m.DiskBytes))
	assert.InDelta(t, 0.001, testutil.ToFloat64(m.AddLatencySeconds.WithLabelValues("0.99")), 1e-9)
}

func TestRecordTick(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry(), "test")

	m.RecordTick(10*time.Millisecond, 2)
	m.RecordTick(10*time.Millisecond, 0)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.TicksTotal))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ForceSealsTotal))
}
