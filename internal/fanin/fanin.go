// Package fanin implements the shared multi-source dedup map:
// first-arrival-wins by transaction signature, plus the baseline-vs-shred
// and shred-vs-shred lead-time accounting that feeds SourceMetrics.
package fanin

import (
	"context"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jonboulle/clockwork"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/malbeclabs/shredrace/internal/metrics"
)

const (
	// evictInterval is how often the dedup map's retention sweep runs.
	evictInterval = 60 * time.Second

	// retention is the default max age of a dedup entry.
	retention = 15 * time.Minute

	outputChanBuf = 4096
)

// Transaction is the fan-in's unit of work: a decoded transaction plus the
// provenance/timestamps needed for dedup and lead-time accounting.
type Transaction struct {
	Tx         *solana.Transaction
	Slot       uint64
	Signature  solana.Signature
	RecvAt     time.Time
	SourceName string
	Baseline   bool
	Metrics    *metrics.SourceMetrics
}

type firstArrival struct {
	recvAt     time.Time
	baseline   bool
	metrics    *metrics.SourceMetrics
	insertedAt time.Time
}

// FanIn is the shared dedup map and output relay for one probe run.
type FanIn struct {
	clock  clockwork.Clock
	dedup  *xsync.MapOf[solana.Signature, firstArrival]
	output chan Transaction

	allowlist map[solana.PublicKey]struct{}
}

// Option configures a FanIn at construction time.
type Option func(*FanIn)

// WithAllowlist restricts shred-tier transactions to those whose static
// account keys intersect the given set. Baseline-tier
// transactions always bypass this filter.
func WithAllowlist(keys []solana.PublicKey) Option {
	return func(f *FanIn) {
		if len(keys) == 0 {
			return
		}
		f.allowlist = make(map[solana.PublicKey]struct{}, len(keys))
		for _, k := range keys {
			f.allowlist[k] = struct{}{}
		}
	}
}

// New creates a FanIn and starts its eviction goroutine, bound to ctx.
func New(ctx context.Context, clock clockwork.Clock, opts ...Option) *FanIn {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	f := &FanIn{
		clock:  clock,
		dedup:  xsync.NewMapOf[solana.Signature, firstArrival](),
		output: make(chan Transaction, outputChanBuf),
	}
	for _, opt := range opts {
		opt(f)
	}
	go f.evictLoop(ctx)
	return f
}

// Output is the single channel carrying winning, deduplicated transactions.
func (f *FanIn) Output() <-chan Transaction { return f.output }

// Submit runs one decoded transaction through the filter/key/insert-or-match
// pipeline. It never blocks the caller's relay goroutine.
func (f *FanIn) Submit(t Transaction) {
	if !t.Baseline && f.allowlist != nil && !f.intersectsAllowlist(t.Tx) {
		return
	}
	if t.Signature == (solana.Signature{}) {
		return
	}

	now := f.clock.Now()
	var won bool
	var prior firstArrival

	actual, loaded := f.dedup.LoadOrStore(t.Signature, firstArrival{
		recvAt:     t.RecvAt,
		baseline:   t.Baseline,
		metrics:    t.Metrics,
		insertedAt: now,
	})
	won = !loaded
	prior = actual

	if won {
		if t.Metrics != nil {
			t.Metrics.First.Add(1)
		}
		select {
		case f.output <- t:
		default:
		}
		return
	}

	if t.Metrics != nil {
		t.Metrics.Duplicate.Add(1)
	}
	f.recordLead(prior, t)
}

// recordLead applies the four-case lead-time table: a positive lead means
// the shred-tier feed arrived earlier than the baseline.
func (f *FanIn) recordLead(first firstArrival, second Transaction) {
	switch {
	case !first.baseline && second.Baseline:
		lead := second.RecvAt.Sub(first.recvAt).Microseconds()
		if first.metrics != nil {
			first.metrics.RecordLeadTime(lead, lead > 0)
		}
	case first.baseline && !second.Baseline:
		lead := first.recvAt.Sub(second.RecvAt).Microseconds()
		if second.Metrics != nil {
			second.Metrics.RecordLeadTime(lead, lead > 0)
		}
	case !first.baseline && !second.Baseline:
		lead := second.RecvAt.Sub(first.recvAt).Microseconds()
		if second.Metrics != nil {
			second.Metrics.RecordLeadTime(lead, lead > 0)
		}
	default:
		// baseline vs baseline: no lead-time signal.
	}
}

func (f *FanIn) intersectsAllowlist(tx *solana.Transaction) bool {
	if tx == nil || tx.Message.AccountKeys == nil {
		return false
	}
	for _, k := range tx.Message.AccountKeys {
		if _, ok := f.allowlist[k]; ok {
			return true
		}
	}
	return false
}

func (f *FanIn) evictLoop(ctx context.Context) {
	ticker := f.clock.NewTicker(evictInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			cutoff := f.clock.Now().Add(-retention)
			f.dedup.Range(func(k solana.Signature, v firstArrival) bool {
				if v.insertedAt.Before(cutoff) {
					f.dedup.Delete(k)
				}
				return true
			})
		}
	}
}

// Len reports the current dedup map size, mainly for tests and diagnostics.
func (f *FanIn) Len() int { return f.dedup.Size() }
