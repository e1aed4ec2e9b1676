// Package race implements the shred-level race tracker: which
// shred-tier feed delivers each (slot, shred_index) first, and by how much,
// independent of FEC reassembly.
package race

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/puzpuzpuz/xsync/v3"
)

const (
	// ReservoirCap bounds the winner-lead sample reservoir per pair.
	ReservoirCap = 4096

	// EvictAfter is the max age of an unmatched first-arrival entry before
	// it is considered stale and evicted.
	EvictAfter = 10 * time.Second

	// EvictInterval is how often the eviction sweep runs.
	EvictInterval = 5 * time.Second

	arrivalChanBuf = 4096
)

// Arrival is sent from a shred receiver's hot loop. It
// must not block — the tracker's Send is a non-blocking, drop-on-full
// channel send.
type Arrival struct {
	Source string
	Slot   uint64
	Index  uint32
	RecvAt time.Time
}

type slotIndexKey struct {
	Slot  uint64
	Index uint32
}

type firstArrival struct {
	recvAt     time.Time
	source     string
	insertedAt time.Time
}

type pairKey struct {
	A, B string
}

// reservoir is a bounded circular buffer of signed microsecond samples.
type reservoir struct {
	mu  sync.Mutex
	buf [ReservoirCap]int64
	len int
	pos int
}

func (r *reservoir) push(v int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.pos] = v
	r.pos = (r.pos + 1) % ReservoirCap
	if r.len < ReservoirCap {
		r.len++
	}
}

// percentiles returns (p50, p95, p99) in µs, or ok=false if empty.
func (r *reservoir) percentiles() (p50, p95, p99 int64, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.len == 0 {
		return 0, 0, 0, false
	}
	sorted := make([]int64, r.len)
	copy(sorted, r.buf[:r.len])
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	n := len(sorted)
	idx := func(p int) int64 {
		i := n * p / 100
		if i >= n {
			i = n - 1
		}
		return sorted[i]
	}
	return idx(50), idx(95), idx(99), true
}

// PairMetrics holds per-pair win counts and winner-lead statistics.
type PairMetrics struct {
	sourceA, sourceB string
	aWins, bWins     atomic.Uint64
	leadSumUs        atomic.Int64
	leadCount        atomic.Uint64
	res              reservoir
}

func newPairMetrics(a, b string) *PairMetrics {
	return &PairMetrics{sourceA: a, sourceB: b}
}

func (p *PairMetrics) record(winner string, leadUs int64) {
	if winner == p.sourceA {
		p.aWins.Add(1)
	} else {
		p.bWins.Add(1)
	}
	p.leadSumUs.Add(leadUs)
	p.leadCount.Add(1)
	p.res.push(leadUs)
}

// PairSnapshot is a point-in-time, lock-free-read copy of PairMetrics.
type PairSnapshot struct {
	SourceA, SourceB         string
	AWins, BWins             uint64
	TotalMatched             uint64
	AWinPct                  float64
	LeadMeanUs               float64
	HasLeadMean              bool
	LeadP50Us, LeadP95Us     int64
	LeadP99Us                int64
	HasPercentiles           bool
}

func (p *PairMetrics) snapshot() PairSnapshot {
	aWins := p.aWins.Load()
	bWins := p.bWins.Load()
	total := aWins + bWins
	leadCount := p.leadCount.Load()
	leadSum := p.leadSumUs.Load()

	snap := PairSnapshot{
		SourceA:      p.sourceA,
		SourceB:      p.sourceB,
		AWins:        aWins,
		BWins:        bWins,
		TotalMatched: total,
	}
	if total > 0 {
		snap.AWinPct = float64(aWins) / float64(total) * 100.0
	}
	if leadCount > 0 {
		snap.LeadMeanUs = float64(leadSum) / float64(leadCount)
		snap.HasLeadMean = true
	}
	if p50, p95, p99, ok := p.res.percentiles(); ok {
		snap.LeadP50Us, snap.LeadP95Us, snap.LeadP99Us = p50, p95, p99
		snap.HasPercentiles = true
	}
	return snap
}

// Tracker matches identical (slot, shred_index) observations across
// shred-tier sources and maintains pairwise win/lead statistics.
type Tracker struct {
	log   *slog.Logger
	clock clockwork.Clock

	ch       chan Arrival
	arrivals *xsync.MapOf[slotIndexKey, firstArrival]
	pairs    *xsync.MapOf[pairKey, *PairMetrics]
}

// New creates a Tracker and starts its processing and eviction goroutines,
// bound to ctx. Receiver hot loops feed it through Send.
func New(ctx context.Context, log *slog.Logger, clock clockwork.Clock) *Tracker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	t := &Tracker{
		log:      log,
		clock:    clock,
		ch:       make(chan Arrival, arrivalChanBuf),
		arrivals: xsync.NewMapOf[slotIndexKey, firstArrival](),
		pairs:    xsync.NewMapOf[pairKey, *PairMetrics](),
	}
	go t.run(ctx)
	go t.evictLoop(ctx)
	return t
}

// Send is a non-blocking submission from a receiver hot loop. A full
// channel silently drops the observation.
func (t *Tracker) Send(a Arrival) {
	select {
	case t.ch <- a:
	default:
	}
}

func (t *Tracker) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case a := <-t.ch:
			t.process(a)
		}
	}
}

func (t *Tracker) process(a Arrival) {
	now := t.clock.Now()
	key := slotIndexKey{Slot: a.Slot, Index: a.Index}

	var matched *struct {
		winner  string
		leadUs  int64
		keyA    string
		keyB    string
	}

	t.arrivals.Compute(key, func(old firstArrival, loaded bool) (firstArrival, bool) {
		if !loaded {
			return firstArrival{recvAt: a.RecvAt, source: a.Source, insertedAt: now}, false
		}
		if old.source == a.Source {
			// Duplicate from the same feed — ignore, leave entry as-is.
			return old, false
		}

		deltaUs := old.recvAt.Sub(a.RecvAt).Microseconds()
		if deltaUs < 0 {
			deltaUs = -deltaUs
		}
		if deltaUs >= EvictAfter.Microseconds() {
			// Looks like an eviction artifact; drop without recording.
			return old, true
		}

		winner := old.source
		if a.RecvAt.Before(old.recvAt) {
			winner = a.Source
		}
		keyA, keyB := old.source, a.Source
		if a.Source < old.source {
			keyA, keyB = a.Source, old.source
		}
		matched = &struct {
			winner string
			leadUs int64
			keyA   string
			keyB   string
		}{winner, deltaUs, keyA, keyB}
		return old, true // remove the entry either way
	})

	if matched == nil {
		return
	}

	pm, _ := t.pairs.LoadOrStore(pairKey{A: matched.keyA, B: matched.keyB}, newPairMetrics(matched.keyA, matched.keyB))
	pm.record(matched.winner, matched.leadUs)
}

func (t *Tracker) evictLoop(ctx context.Context) {
	ticker := t.clock.NewTicker(EvictInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			cutoff := t.clock.Now().Add(-EvictAfter)
			t.arrivals.Range(func(k slotIndexKey, v firstArrival) bool {
				if v.insertedAt.Before(cutoff) {
					t.arrivals.Delete(k)
				}
				return true
			})
		}
	}
}

// Snapshots returns all pair metrics sorted by (sourceA, sourceB) for
// stable display.
func (t *Tracker) Snapshots() []PairSnapshot {
	out := make([]PairSnapshot, 0, t.pairs.Size())
	t.pairs.Range(func(_ pairKey, v *PairMetrics) bool {
		out = append(out, v.snapshot())
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].SourceA != out[j].SourceA {
			return out[i].SourceA < out[j].SourceA
		}
		return out[i].SourceB < out[j].SourceB
	})
	return out
}
