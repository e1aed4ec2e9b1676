// Package metrics holds the per-source counters used to compare shred-tier
// feeds against each other and against the baseline.
package metrics

import "sync/atomic"

// reservoirCap bounds the lead-time sample reservoir used for percentile
// reporting, independent of the running sum/count used for the mean.
const reservoirCap = 4096

// Lead-time samples outside this range are discarded as RPC-retry artifacts
// rather than genuine link-latency measurements.
const (
	leadTimeOutlierMinUs = -500_000
	leadTimeOutlierMaxUs = 2_000_000
)

// SourceMetrics accumulates counters for exactly one source (shred-tier or
// baseline) across its whole run. All fields are safe for concurrent use from the
// source's own goroutines.
type SourceMetrics struct {
	ShredsReceived atomic.Uint64
	BytesReceived  atomic.Uint64
	ShredsDropped  atomic.Uint64

	SlotsAttempted atomic.Uint64
	SlotsComplete  atomic.Uint64
	SlotsPartial   atomic.Uint64
	SlotsDropped   atomic.Uint64

	CoverageShredsSeen     atomic.Uint64
	CoverageShredsExpected atomic.Uint64
	FECRecoveredShreds     atomic.Uint64

	TxsDecoded atomic.Uint64

	Emitted   atomic.Uint64
	First     atomic.Uint64
	Duplicate atomic.Uint64

	leadTimeCount  atomic.Uint64
	leadTimeWins   atomic.Uint64
	leadTimeSumUs  atomic.Int64
	leadTimeMinUs  atomic.Int64
	leadTimeMaxUs  atomic.Int64
	leadTimeMinSet atomic.Bool

	reservoir leadReservoir
}

// New builds an empty SourceMetrics.
func New() *SourceMetrics { return &SourceMetrics{} }

// RecordLeadTime folds one lead-time sample into the running min/max/mean
// and the lead-time reservoir. deltaUs is the lead in microseconds as the
// fan-in computes it (the later arrival's timestamp minus the earlier
// one's, or baseline minus shred-tier): positive means this source arrived
// first. won is counted toward WinRatePct as given. Samples outside
// [leadTimeOutlierMinUs, leadTimeOutlierMaxUs] are discarded.
func (m *SourceMetrics) RecordLeadTime(deltaUs int64, won bool) {
	if deltaUs < leadTimeOutlierMinUs || deltaUs > leadTimeOutlierMaxUs {
		return
	}
	m.leadTimeCount.Add(1)
	m.leadTimeSumUs.Add(deltaUs)
	if won {
		m.leadTimeWins.Add(1)
	}

	for {
		cur := m.leadTimeMinUs.Load()
		if m.leadTimeMinSet.Load() && cur <= deltaUs {
			break
		}
		if m.leadTimeMinUs.CompareAndSwap(cur, deltaUs) {
			m.leadTimeMinSet.Store(true)
			break
		}
	}
	for {
		cur := m.leadTimeMaxUs.Load()
		if cur >= deltaUs {
			break
		}
		if m.leadTimeMaxUs.CompareAndSwap(cur, deltaUs) {
			break
		}
	}

	m.reservoir.push(deltaUs)
}

// CoveragePct reports the fraction of expected shreds actually observed, in
// [0, 100]. Returns (0, false) when no expectation has been recorded yet.
func (m *SourceMetrics) CoveragePct() (float64, bool) {
	expected := m.CoverageShredsExpected.Load()
	if expected == 0 {
		return 0, false
	}
	seen := m.CoverageShredsSeen.Load()
	return float64(seen) / float64(expected) * 100.0, true
}

// WinRatePct reports the fraction of lead-time comparisons this source won.
func (m *SourceMetrics) WinRatePct() (float64, bool) {
	count := m.leadTimeCount.Load()
	if count == 0 {
		return 0, false
	}
	return float64(m.leadTimeWins.Load()) / float64(count) * 100.0, true
}

// Snapshot is a point-in-time copy of a SourceMetrics, safe to serialize or
// export without holding any lock.
type Snapshot struct {
	ShredsReceived uint64
	BytesReceived  uint64
	ShredsDropped  uint64

	SlotsAttempted uint64
	SlotsComplete  uint64
	SlotsPartial   uint64
	SlotsDropped   uint64

	CoveragePct   float64
	HasCoverage   bool
	RecoveredFEC  uint64
	TxsDecoded    uint64
	Emitted       uint64
	First         uint64
	Duplicate     uint64

	LeadTimeCount  uint64
	LeadTimeMeanUs float64
	HasLeadMean    bool
	LeadTimeMinUs  int64
	LeadTimeMaxUs  int64
	WinRatePct     float64
	HasWinRate     bool
	LeadP50Us      int64
	LeadP95Us      int64
	LeadP99Us      int64
	HasPercentiles bool
}

// Snapshot copies out every counter for export or logging.
func (m *SourceMetrics) Snapshot() Snapshot {
	cov, hasCov := m.CoveragePct()
	winRate, hasWin := m.WinRatePct()

	leadCount := m.leadTimeCount.Load()
	snap := Snapshot{
		ShredsReceived: m.ShredsReceived.Load(),
		BytesReceived:  m.BytesReceived.Load(),
		ShredsDropped:  m.ShredsDropped.Load(),
		SlotsAttempted: m.SlotsAttempted.Load(),
		SlotsComplete:  m.SlotsComplete.Load(),
		SlotsPartial:   m.SlotsPartial.Load(),
		SlotsDropped:   m.SlotsDropped.Load(),
		CoveragePct:    cov,
		HasCoverage:    hasCov,
		RecoveredFEC:   m.FECRecoveredShreds.Load(),
		TxsDecoded:     m.TxsDecoded.Load(),
		Emitted:        m.Emitted.Load(),
		First:          m.First.Load(),
		Duplicate:      m.Duplicate.Load(),
		LeadTimeCount:  leadCount,
		LeadTimeMinUs:  m.leadTimeMinUs.Load(),
		LeadTimeMaxUs:  m.leadTimeMaxUs.Load(),
		WinRatePct:     winRate,
		HasWinRate:     hasWin,
	}
	if leadCount > 0 {
		snap.LeadTimeMeanUs = float64(m.leadTimeSumUs.Load()) / float64(leadCount)
		snap.HasLeadMean = true
	}
	if p50, p95, p99, ok := m.reservoir.percentiles(); ok {
		snap.LeadP50Us, snap.LeadP95Us, snap.LeadP99Us = p50, p95, p99
		snap.HasPercentiles = true
	}
	return snap
}
