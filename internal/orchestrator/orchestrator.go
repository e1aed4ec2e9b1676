// Package orchestrator spawns per-source pipelines, pins their threads,
// wires the bounded channels, and supplies each source with its metrics
// handle and (for shred-tier sources) the race tracker's sender. A single
// source's thread failure is logged and does not take down the others;
// shutdown is cooperative via ctx cancellation.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gagliardetto/solana-go"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/shredrace/internal/config"
	"github.com/malbeclabs/shredrace/internal/decode"
	"github.com/malbeclabs/shredrace/internal/fanin"
	"github.com/malbeclabs/shredrace/internal/metrics"
	"github.com/malbeclabs/shredrace/internal/orchestrator/affinity"
	"github.com/malbeclabs/shredrace/internal/race"
	"github.com/malbeclabs/shredrace/internal/receiver"
	"github.com/malbeclabs/shredrace/internal/source"
)

// decodeChanBuf is the bound on the receiver-to-decode hop.
const decodeChanBuf = 4096

type shredPipeline struct {
	cfg      config.SourceConfig
	recv     *receiver.Receiver
	dec      *decode.Decoder
	m        *metrics.SourceMetrics
	decodeCh chan decode.RawShred
}

// Orchestrator owns the shared fan-in and race-tracker infrastructure plus
// every registered source's pipeline.
type Orchestrator struct {
	log   *slog.Logger
	clock clockwork.Clock

	fanIn *fanin.FanIn
	race  *race.Tracker

	mu              sync.Mutex
	metrics         map[string]*metrics.SourceMetrics
	shredPipelines  []*shredPipeline
	baselineSources []source.Source
}

// New builds an Orchestrator and starts the shared FanIn/race-tracker
// eviction goroutines, bound to ctx. allowlist is the parsed form of
// config.Config.FilterPrograms — parsing base58-encoded keys is
// left to the caller constructing the Config.
func New(ctx context.Context, log *slog.Logger, clock clockwork.Clock, allowlist []solana.PublicKey) *Orchestrator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	var opts []fanin.Option
	if len(allowlist) > 0 {
		opts = append(opts, fanin.WithAllowlist(allowlist))
	}
	return &Orchestrator{
		log:     log,
		clock:   clock,
		fanIn:   fanin.New(ctx, clock, opts...),
		race:    race.New(ctx, log.With("component", "race"), clock),
		metrics: make(map[string]*metrics.SourceMetrics),
	}
}

// FanIn returns the shared dedup/output relay.
func (o *Orchestrator) FanIn() *fanin.FanIn { return o.fanIn }

// Race returns the shared shred race tracker.
func (o *Orchestrator) Race() *race.Tracker { return o.race }

// Metrics returns a snapshot of every registered source's metrics, keyed
// by source name.
func (o *Orchestrator) Metrics() map[string]metrics.Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]metrics.Snapshot, len(o.metrics))
	for name, m := range o.metrics {
		out[name] = m.Snapshot()
	}
	return out
}

// AddShredSource builds and registers a multicast receiver+decoder pipeline
// for one shred-tier source config. Socket setup errors are fatal to this
// source only — the caller decides whether that should abort the whole
// process. fanout, if non-nil, mirrors every accepted raw datagram to an
// external capture subsystem (e.g. *fanout.Relay) without affecting the
// decode path.
//
// This only handles KindShred, the raw-multicast wire format. KindStreamShred
// is a gRPC subscription with no socket to bind — build it with
// baseline.NewShredStreamSource and register it via AddBaselineSource
// instead.
func (o *Orchestrator) AddShredSource(sc config.SourceConfig, fanout ...receiver.FanoutSink) error {
	if sc.Kind != config.KindShred {
		return fmt.Errorf("source %q: AddShredSource called with kind %q, want %q", sc.Name, sc.Kind, config.KindShred)
	}

	m := metrics.New()
	decodeCh := make(chan decode.RawShred, decodeChanBuf)

	var sink receiver.FanoutSink
	if len(fanout) > 0 {
		sink = fanout[0]
	}

	recv, err := receiver.New(sc.Name, receiver.Config{
		Logger:        o.log,
		MulticastAddr: sc.Multicast,
		Port:          sc.Port,
		InterfaceName: sc.Interface,
		ForkVersion:   sc.ForkVer,
		Fanout:        sink,
	}, decodeCh, o.race, m)
	if err != nil {
		return fmt.Errorf("create receiver for %q: %w", sc.Name, err)
	}

	dec := decode.New(m, o.clock.Now)

	o.mu.Lock()
	defer o.mu.Unlock()
	o.metrics[sc.Name] = m
	o.shredPipelines = append(o.shredPipelines, &shredPipeline{
		cfg: sc, recv: recv, dec: dec, m: m, decodeCh: decodeCh,
	})
	return nil
}

// AddBaselineSource registers an already-constructed source that submits to
// the fan-in itself rather than going through a receiver+decoder pipeline:
// a baseline-tier RPC/stream source, or a stream-shred source
// (baseline.NewShredStreamSource) whose gRPC subscription plays the same
// role a multicast socket plays for AddShredSource. Constructing the
// concrete RPC/stream client is an external collaborator's job — the
// orchestrator only runs it, and name notwithstanding does not require
// src.IsBaseline() to be true.
func (o *Orchestrator) AddBaselineSource(src source.Source, m *metrics.SourceMetrics) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.metrics[src.Name()] = m
	o.baselineSources = append(o.baselineSources, src)
}

// Run spawns every registered source's goroutines — a receive and decode
// goroutine per shred-tier pipeline, one goroutine per baseline source —
// and blocks until ctx is cancelled. A source thread failure is logged and
// does not cancel the others.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.mu.Lock()
	pipelines := append([]*shredPipeline(nil), o.shredPipelines...)
	baselines := append([]source.Source(nil), o.baselineSources...)
	o.mu.Unlock()

	var wg sync.WaitGroup

	for _, p := range pipelines {
		p := p
		wg.Add(2)
		go func() {
			defer wg.Done()
			o.runPinned(p.cfg.PinRecv, func() {
				if err := p.recv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					o.log.Error("receiver stopped", "source", p.cfg.Name, "err", err)
				}
			})
		}()
		go func() {
			defer wg.Done()
			o.runPinned(p.cfg.PinDecode, func() {
				o.runDecode(ctx, p)
			})
		}()
	}

	for _, src := range baselines {
		src := src
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := src.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				o.log.Error("baseline source stopped", "source", src.Name(), "err", err)
			}
		}()
	}

	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

// runPinned optionally pins the calling goroutine's OS thread to cpu
// before running fn. A pin failure is a warning, not fatal — the
// pipeline still runs, just without the latency guarantee CPU isolation
// provides.
func (o *Orchestrator) runPinned(cpu *int, fn func()) {
	if cpu != nil {
		if err := affinity.PinCurrentThread(*cpu); err != nil {
			o.log.Warn("cpu pin failed, continuing unpinned", "cpu", *cpu, "err", err)
		}
	}
	fn()
}

// runDecode is one shred-tier source's decode goroutine: it blocks only on
// the receive-to-decode channel and forwards every emitted transaction to
// the shared fan-in.
func (o *Orchestrator) runDecode(ctx context.Context, p *shredPipeline) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw := <-p.decodeCh:
			for _, out := range p.dec.Process(raw) {
				if len(out.Tx.Signatures) == 0 {
					continue
				}
				p.m.Emitted.Add(1)
				o.fanIn.Submit(fanin.Transaction{
					Tx:         out.Tx,
					Slot:       out.Slot,
					Signature:  out.Tx.Signatures[0],
					RecvAt:     out.ShredRecvAt,
					SourceName: p.cfg.Name,
					Baseline:   false,
					Metrics:    p.m,
				})
			}
		}
	}
}
