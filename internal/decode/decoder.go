// Package decode wires together the shred parser, FEC reconstructor, and
// slot reassembler into one per-source decoding pipeline: raw shred bytes in, decoded transactions out.
package decode

import (
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/malbeclabs/shredrace/internal/fec"
	"github.com/malbeclabs/shredrace/internal/metrics"
	"github.com/malbeclabs/shredrace/internal/reassembler"
	"github.com/malbeclabs/shredrace/internal/shred"
)

// RawShred is one timestamped datagram handed off by a receiver.
type RawShred struct {
	Data   []byte
	RecvAt time.Time
}

// Output is a transaction decoded from a slot's reassembled entry stream,
// tagged with the triggering shred's receive timestamp and the moment
// decode completed.
type Output struct {
	Tx          *solana.Transaction
	Slot        uint64
	ShredRecvAt time.Time
	DecodedAt   time.Time
}

type fecKey struct {
	Slot     uint64
	FECIndex uint32
}

// Decoder owns one source's slot and FEC-set state. It is not safe for
// concurrent use — each source's decode goroutine owns one Decoder
// exclusively.
type Decoder struct {
	slots *reassembler.Manager
	fec   map[fecKey]*fec.Set
	m     *metrics.SourceMetrics
	now   func() time.Time
}

// New builds a Decoder using the default expiration distance and
// active-slot cap. now defaults to time.Now.
func New(m *metrics.SourceMetrics, now func() time.Time) *Decoder {
	if now == nil {
		now = time.Now
	}
	return &Decoder{
		slots: reassembler.NewManager(reassembler.DefaultExpiryDistance, reassembler.DefaultActiveSlotCap),
		fec:   make(map[fecKey]*fec.Set),
		m:     m,
		now:   now,
	}
}

// Process parses one raw datagram and drives it through the FEC and
// reassembly pipeline, returning any transactions it caused to be emitted.
func (d *Decoder) Process(raw RawShred) []Output {
	d.m.ShredsReceived.Add(1)
	d.m.BytesReceived.Add(uint64(len(raw.Data)))

	s, ok := shred.Decode(raw.Data)
	if !ok {
		d.m.ShredsDropped.Add(1)
		return nil
	}

	d.Advance(s.Slot)
	if d.slots.IsExpired(s.Slot) {
		return nil
	}

	switch s.Type {
	case shred.TypeData:
		out := d.handleDataShred(s, raw.RecvAt)
		return append(out, d.storeDataShredInFEC(s, raw.Data, raw.RecvAt)...)
	case shred.TypeCode:
		return d.handleCodeShred(s, raw.Data, raw.RecvAt)
	default:
		return nil
	}
}

// storeDataShredInFEC records an arriving data shred into its FEC set's
// shard map, if that set already exists (a coding shred for the same
// (slot, fec_set_index) arrived first). It never creates FEC-set state —
// only a coding shred's num_data/num_coding declaration does that — so a
// data shred for a FEC set nothing has discovered yet is simply not
// counted as a shard. This is what lets "shards.count >= num_data" be
// satisfied by any mix of data and coding shreds, not coding shreds alone.
func (d *Decoder) storeDataShredInFEC(s *shred.Shred, raw []byte, recvAt time.Time) []Output {
	if s.ShredIndex < s.FECSetIndex {
		return nil
	}
	set, ok := d.fec[fecKey{Slot: s.Slot, FECIndex: s.FECSetIndex}]
	if !ok {
		return nil
	}
	set.StoreShard(int(s.ShredIndex-s.FECSetIndex), raw)
	if !set.ReadyToRecover() {
		return nil
	}
	return d.recoverFEC(set, s.FECSetIndex, recvAt)
}

func (d *Decoder) handleDataShred(s *shred.Shred, recvAt time.Time) []Output {
	state, created := d.slots.GetOrCreate(s.Slot, d.now())
	if created {
		d.m.SlotsAttempted.Add(1)
	}
	state.Anchor(s.ShredIndex)
	state.Insert(s.ShredIndex, s.Payload, s.LastInSlot, recvAt)
	state.FlushContiguous()
	d.m.CoverageShredsSeen.Add(1)

	wasComplete := state.IsComplete()
	if wasComplete && !state.Counted() {
		state.MarkCounted()
		d.m.SlotsComplete.Add(1)
	}

	txs := state.TryDeserialize()
	if len(txs) == 0 {
		return nil
	}
	d.m.TxsDecoded.Add(uint64(len(txs)))

	decodedAt := d.now()
	out := make([]Output, 0, len(txs))
	for _, tx := range txs {
		out = append(out, Output{Tx: tx, Slot: s.Slot, ShredRecvAt: recvAt, DecodedAt: decodedAt})
	}
	return out
}

func (d *Decoder) handleCodeShred(s *shred.Shred, raw []byte, recvAt time.Time) []Output {
	key := fecKey{Slot: s.Slot, FECIndex: s.FECSetIndex}
	set, exists := d.fec[key]
	if !exists {
		set = fec.NewSet(int(s.NumDataShreds), int(s.NumCodingShreds))
		d.fec[key] = set
		d.m.CoverageShredsExpected.Add(uint64(s.NumDataShreds))
	} else if !set.Matches(int(s.NumDataShreds), int(s.NumCodingShreds)) {
		return nil
	}

	set.StoreShard(int(s.NumDataShreds)+int(s.Position), s.Payload)
	if !set.ReadyToRecover() {
		return nil
	}
	return d.recoverFEC(set, s.FECSetIndex, recvAt)
}

// recoverFEC runs Reed-Solomon reconstruction on a FEC set that has just
// become ready, and re-parses every recovered data shard through the
// data-shred path using the set's global index (fec_set_index + position).
func (d *Decoder) recoverFEC(set *fec.Set, fecSetIndex uint32, recvAt time.Time) []Output {
	recovered := set.Reconstruct()
	if len(recovered) == 0 {
		return nil
	}
	d.m.FECRecoveredShreds.Add(uint64(len(recovered)))

	var outs []Output
	for _, rs := range recovered {
		recShred, ok := shred.Decode(rs.Bytes)
		if !ok || recShred.Type != shred.TypeData {
			continue
		}
		globalIdx := fecSetIndex + uint32(rs.Position)
		recShred.ShredIndex = globalIdx
		outs = append(outs, d.handleDataShred(recShred, recvAt)...)
	}
	return outs
}

// Advance records a newly observed high-watermark slot for this source and
// reports the outcomes of any slots it expired, so the caller can bump its
// own metrics and drop associated FEC-set state.
func (d *Decoder) Advance(slot uint64) []reassembler.ExpiredOutcome {
	expired := d.slots.Advance(slot)
	for _, e := range expired {
		switch e.Outcome {
		case reassembler.OutcomePartial:
			d.m.SlotsPartial.Add(1)
		case reassembler.OutcomeDropped:
			d.m.SlotsDropped.Add(1)
		}
		for k := range d.fec {
			if k.Slot == e.Slot {
				delete(d.fec, k)
			}
		}
	}
	return expired
}
