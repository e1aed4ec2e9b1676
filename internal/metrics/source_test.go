package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordLeadTime_MinMax(t *testing.T) {
	m := New()
	m.RecordLeadTime(-500, true)
	m.RecordLeadTime(300, false)
	m.RecordLeadTime(-1200, true)

	assert.Equal(t, int64(-1200), m.leadTimeMinUs.Load())
	assert.Equal(t, int64(300), m.leadTimeMaxUs.Load())
	assert.Equal(t, uint64(3), m.leadTimeCount.Load())
	assert.Equal(t, uint64(2), m.leadTimeWins.Load())
}

func TestWinRatePct(t *testing.T) {
	m := New()
	_, ok := m.WinRatePct()
	assert.False(t, ok)

	m.RecordLeadTime(-100, true)
	m.RecordLeadTime(100, false)
	m.RecordLeadTime(-100, true)
	m.RecordLeadTime(100, false)

	rate, ok := m.WinRatePct()
	require.True(t, ok)
	assert.InDelta(t, 50.0, rate, 0.001)
}

func TestCoveragePct(t *testing.T) {
	m := New()
	_, ok := m.CoveragePct()
	assert.False(t, ok)

	m.CoverageShredsExpected.Store(200)
	m.CoverageShredsSeen.Store(150)

	pct, ok := m.CoveragePct()
	require.True(t, ok)
	assert.InDelta(t, 75.0, pct, 0.001)
}

func TestSnapshot(t *testing.T) {
	m := New()
	m.ShredsReceived.Store(10)
	m.BytesReceived.Store(1228 * 10)
	m.SlotsComplete.Store(2)
	m.CoverageShredsExpected.Store(10)
	m.CoverageShredsSeen.Store(10)
	m.RecordLeadTime(-250, true)
	m.RecordLeadTime(-150, true)

	snap := m.Snapshot()
	assert.Equal(t, uint64(10), snap.ShredsReceived)
	assert.Equal(t, uint64(2), snap.SlotsComplete)
	require.True(t, snap.HasCoverage)
	assert.InDelta(t, 100.0, snap.CoveragePct, 0.001)
	require.True(t, snap.HasLeadMean)
	assert.InDelta(t, -200.0, snap.LeadTimeMeanUs, 0.001)
	require.True(t, snap.HasWinRate)
	assert.InDelta(t, 100.0, snap.WinRatePct, 0.001)
	require.True(t, snap.HasPercentiles)
}

func TestLeadReservoir_WraparoundDoesNotPanic(t *testing.T) {
	m := New()
	for i := 0; i < reservoirCap+500; i++ {
		m.RecordLeadTime(int64(i), i%2 == 0)
	}
	snap := m.Snapshot()
	assert.True(t, snap.HasPercentiles)
	assert.Equal(t, uint64(reservoirCap+500), snap.LeadTimeCount)
}
