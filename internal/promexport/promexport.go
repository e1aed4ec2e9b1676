// Package promexport exports SourceMetrics and race PairMetrics snapshots
// as Prometheus gauges. Unlike a package-level promauto setup, this
// package registers against an Exporter-owned *prometheus.Registry rather
// than the global default registry, so a process can run multiple
// independent probes without their metrics colliding.
package promexport

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/malbeclabs/shredrace/internal/metrics"
	"github.com/malbeclabs/shredrace/internal/race"
)

const namespace = "shredrace"

// SourceMetricsProvider supplies a point-in-time view of every registered
// source's metrics, keyed by source name (satisfied by
// *orchestrator.Orchestrator.Metrics).
type SourceMetricsProvider func() map[string]metrics.Snapshot

// RaceMetricsProvider supplies the current race-pair snapshots (satisfied
// by *race.Tracker.Snapshots).
type RaceMetricsProvider func() []race.PairSnapshot

// Exporter periodically copies SourceMetrics/race snapshots into
// Prometheus gauges on its own registry and optionally serves them over
// HTTP.
type Exporter struct {
	registry *prometheus.Registry
	sources  SourceMetricsProvider
	races    RaceMetricsProvider

	shredsReceived  *prometheus.GaugeVec
	bytesReceived   *prometheus.GaugeVec
	shredsDropped   *prometheus.GaugeVec
	slotsComplete   *prometheus.GaugeVec
	slotsPartial    *prometheus.GaugeVec
	slotsDropped    *prometheus.GaugeVec
	coveragePct     *prometheus.GaugeVec
	fecRecovered    *prometheus.GaugeVec
	txsEmitted      *prometheus.GaugeVec
	txsFirst        *prometheus.GaugeVec
	txsDuplicate    *prometheus.GaugeVec
	leadTimeP50Us   *prometheus.GaugeVec
	leadTimeP95Us   *prometheus.GaugeVec
	leadTimeP99Us   *prometheus.GaugeVec
	leadTimeWinPct  *prometheus.GaugeVec
	raceWinPct      *prometheus.GaugeVec
	raceLeadP50Us   *prometheus.GaugeVec
}

// New builds an Exporter on a fresh registry and registers its gauge
// families. sources and races may be called concurrently from the scrape
// handler; both must be safe for concurrent use (SourceMetrics and
// race.Tracker already are).
func New(sources SourceMetricsProvider, races RaceMetricsProvider) *Exporter {
	reg := prometheus.NewRegistry()
	e := &Exporter{
		registry: reg,
		sources:  sources,
		races:    races,

		shredsReceived: gaugeVec(reg, "shreds_received_total", "Shreds received by source.", "source"),
		bytesReceived:  gaugeVec(reg, "bytes_received_total", "Bytes received by source.", "source"),
		shredsDropped:  gaugeVec(reg, "shreds_dropped_total", "Shreds dropped to backpressure by source.", "source"),
		slotsComplete:  gaugeVec(reg, "slots_complete_total", "Slots that reached Complete by source.", "source"),
		slotsPartial:   gaugeVec(reg, "slots_partial_total", "Slots that expired Partial by source.", "source"),
		slotsDropped:   gaugeVec(reg, "slots_dropped_total", "Slots that expired Dropped by source.", "source"),
		coveragePct:    gaugeVec(reg, "coverage_pct", "Data-shred coverage percentage by source.", "source"),
		fecRecovered:   gaugeVec(reg, "fec_recovered_shreds_total", "FEC-recovered data shreds by source.", "source"),
		txsEmitted:     gaugeVec(reg, "txs_emitted_total", "Transactions emitted by source.", "source"),
		txsFirst:       gaugeVec(reg, "txs_first_total", "Dedup races won by source.", "source"),
		txsDuplicate:   gaugeVec(reg, "txs_duplicate_total", "Dedup races lost by source.", "source"),
		leadTimeP50Us:  gaugeVec(reg, "lead_time_p50_us", "Lead-time p50 in microseconds by source.", "source"),
		leadTimeP95Us:  gaugeVec(reg, "lead_time_p95_us", "Lead-time p95 in microseconds by source.", "source"),
		leadTimeP99Us:  gaugeVec(reg, "lead_time_p99_us", "Lead-time p99 in microseconds by source.", "source"),
		leadTimeWinPct: gaugeVec(reg, "lead_time_win_pct", "Percentage of lead-time comparisons won by source.", "source"),
		raceWinPct:     gaugeVec(reg, "race_win_pct", "Shred race win percentage for source A of a pair.", "source_a", "source_b"),
		raceLeadP50Us:  gaugeVec(reg, "race_lead_p50_us", "Shred race winner-lead p50 in microseconds.", "source_a", "source_b"),
	}
	return e
}

func gaugeVec(reg *prometheus.Registry, name, help string, labels ...string) *prometheus.GaugeVec {
	gv := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, labels)
	reg.MustRegister(gv)
	return gv
}

// Refresh copies the current SourceMetrics/race snapshots into the gauge
// vectors. Call it on a timer or just before a scrape.
func (e *Exporter) Refresh() {
	for name, snap := range e.sources() {
		e.shredsReceived.WithLabelValues(name).Set(float64(snap.ShredsReceived))
		e.bytesReceived.WithLabelValues(name).Set(float64(snap.BytesReceived))
		e.shredsDropped.WithLabelValues(name).Set(float64(snap.ShredsDropped))
		e.slotsComplete.WithLabelValues(name).Set(float64(snap.SlotsComplete))
		e.slotsPartial.WithLabelValues(name).Set(float64(snap.SlotsPartial))
		e.slotsDropped.WithLabelValues(name).Set(float64(snap.SlotsDropped))
		if snap.HasCoverage {
			e.coveragePct.WithLabelValues(name).Set(snap.CoveragePct)
		}
		e.fecRecovered.WithLabelValues(name).Set(float64(snap.RecoveredFEC))
		e.txsEmitted.WithLabelValues(name).Set(float64(snap.Emitted))
		e.txsFirst.WithLabelValues(name).Set(float64(snap.First))
		e.txsDuplicate.WithLabelValues(name).Set(float64(snap.Duplicate))
		if snap.HasPercentiles {
			e.leadTimeP50Us.WithLabelValues(name).Set(float64(snap.LeadP50Us))
			e.leadTimeP95Us.WithLabelValues(name).Set(float64(snap.LeadP95Us))
			e.leadTimeP99Us.WithLabelValues(name).Set(float64(snap.LeadP99Us))
		}
		if snap.HasWinRate {
			e.leadTimeWinPct.WithLabelValues(name).Set(snap.WinRatePct)
		}
	}

	if e.races == nil {
		return
	}
	for _, pair := range e.races() {
		e.raceWinPct.WithLabelValues(pair.SourceA, pair.SourceB).Set(pair.AWinPct)
		if pair.HasPercentiles {
			e.raceLeadP50Us.WithLabelValues(pair.SourceA, pair.SourceB).Set(float64(pair.LeadP50Us))
		}
	}
}

// Serve refreshes the gauges on refreshInterval and blocks serving
// /metrics on addr until ctx is cancelled.
func (e *Exporter) Serve(ctx context.Context, addr string, refreshInterval time.Duration) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		case err := <-errCh:
			if err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("promexport http server: %w", err)
			}
			return nil
		case <-ticker.C:
			e.Refresh()
		}
	}
}
