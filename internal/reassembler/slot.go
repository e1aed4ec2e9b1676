// Package reassembler implements the per-slot data-shred reassembly state
// machine and its completion/expiration outcomes.
package reassembler

import (
	"math"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/malbeclabs/shredrace/internal/entrycodec"
)

const (
	// sentinel marks "no shred observed yet" for nextContiguous.
	sentinel = math.MaxUint32

	// boundaryScanHeaderPeek must cover the Entry header (48 bytes).
	boundaryScanHeaderPeek = 48
)

// Outcome is the terminal classification of a slot's lifetime.
type Outcome int

const (
	OutcomeOpen Outcome = iota
	OutcomeComplete
	OutcomePartial
	OutcomeDropped
)

// SlotState accumulates data-shred payloads for one slot and streams
// decoded transactions out of the contiguous prefix as it grows.
type SlotState struct {
	dataPayloads    map[uint32][]byte
	nextContiguous  uint32
	accum           []byte
	consumed        int
	maxIndex        uint32
	lastInSlot      bool
	lastTouch       time.Time
	txsEmitted      uint32
	counted         bool
	boundaryLocated bool
}

// NewSlotState creates state for a slot's first observed shred.
func NewSlotState(now time.Time) *SlotState {
	return &SlotState{
		dataPayloads:   make(map[uint32][]byte, 64),
		nextContiguous: sentinel,
		accum:          make([]byte, 0, 64*1024),
		lastTouch:      now,
	}
}

func (s *SlotState) LastTouch() time.Time { return s.lastTouch }
func (s *SlotState) TxsEmitted() uint32   { return s.txsEmitted }
func (s *SlotState) Counted() bool        { return s.counted }
func (s *SlotState) MarkCounted()         { s.counted = true }

// Anchor establishes next_contiguous on the first shred index observed for
// this slot, so tail-only feeds (relays starting mid-block) make forward
// progress without ever seeing index 0.
func (s *SlotState) Anchor(idx uint32) {
	if s.nextContiguous != sentinel {
		return
	}
	s.nextContiguous = idx
	s.boundaryLocated = idx == 0
}

// Insert stores a data shred's payload keyed by index, dropping duplicates
// silently, and tracks the max index and last-in-slot flag.
func (s *SlotState) Insert(idx uint32, payload []byte, lastInSlot bool, touch time.Time) {
	s.lastTouch = touch
	if _, exists := s.dataPayloads[idx]; exists {
		return
	}
	if idx > s.maxIndex {
		s.maxIndex = idx
	}
	if lastInSlot {
		s.lastInSlot = true
	}
	s.dataPayloads[idx] = payload
}

// FlushContiguous repeatedly consumes the map entry at next_contiguous,
// appending it to the accumulation buffer.
func (s *SlotState) FlushContiguous() {
	for {
		payload, ok := s.dataPayloads[s.nextContiguous]
		if !ok {
			return
		}
		s.accum = append(s.accum, payload...)
		delete(s.dataPayloads, s.nextContiguous)
		s.nextContiguous++
	}
}

// NextContiguous exposes the cursor, mainly for tests and invariant checks.
func (s *SlotState) NextContiguous() uint32 { return s.nextContiguous }

// MaxIndex exposes the highest observed shred index.
func (s *SlotState) MaxIndex() uint32 { return s.maxIndex }

// IsComplete reports the Open -> Complete transition condition:
// last-in-slot latched and the contiguous cursor has passed the max index.
func (s *SlotState) IsComplete() bool {
	return s.lastInSlot && s.nextContiguous != sentinel && s.nextContiguous > s.maxIndex
}

// TryDeserialize attempts the mid-stream boundary scan (once, only when the
// slot anchored at a non-zero index) and then streams as many complete
// entries as the accumulated bytes allow.
func (s *SlotState) TryDeserialize() []*solana.Transaction {
	var txs []*solana.Transaction

	if !s.boundaryLocated {
		buf := s.accum[s.consumed:]
		if len(buf) < boundaryScanHeaderPeek {
			return nil
		}

		found := -1
		for off := 0; off <= len(buf)-boundaryScanHeaderPeek; off++ {
			count, ok := entrycodec.PeekTxCount(buf[off:])
			if !ok || count > entrycodec.MaxSaneTxCount {
				continue
			}
			if _, _, ok := entrycodec.DecodeOne(buf[off:]); ok {
				found = off
				break
			}
		}
		if found < 0 {
			return nil
		}
		s.consumed += found
		s.boundaryLocated = true
	}

	for {
		buf := s.accum[s.consumed:]
		entry, n, ok := entrycodec.DecodeOne(buf)
		if !ok {
			break
		}
		txs = append(txs, entry.Transactions...)
		s.consumed += n
	}

	if len(txs) > 0 {
		s.txsEmitted += uint32(len(txs))
	}
	return txs
}
