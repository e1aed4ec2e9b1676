package reassembler

import "time"

// DefaultExpiryDistance is the slot-age threshold at which an in-flight
// slot is evicted.
const DefaultExpiryDistance = 32

// DefaultActiveSlotCap is the default active-slot cap passed to
// NewManager. The Manager records the cap but does not enforce it:
// GetOrCreate always creates state, and slots leave only through Advance.
const DefaultActiveSlotCap = 64

// Manager owns the full set of in-flight per-slot state for one source's
// decode pipeline and applies the expiration/outcome-classification
// policy. It is not safe for concurrent use — each source's decode
// goroutine owns one Manager exclusively.
type Manager struct {
	slots          map[uint64]*SlotState
	highestSlot    uint64
	expiryDistance uint64
	activeCap      int
}

// NewManager builds a Manager with the given expiration distance and
// active-slot cap (pass DefaultExpiryDistance/DefaultActiveSlotCap for the
// defaults above). activeCap only sizes the initial slot map.
func NewManager(expiryDistance uint64, activeCap int) *Manager {
	return &Manager{
		slots:          make(map[uint64]*SlotState, activeCap),
		expiryDistance: expiryDistance,
		activeCap:      activeCap,
	}
}

// GetOrCreate returns the slot state for slot, creating it (and reporting
// created=true) on first reference.
func (m *Manager) GetOrCreate(slot uint64, now time.Time) (state *SlotState, created bool) {
	if s, ok := m.slots[slot]; ok {
		return s, false
	}
	s := NewSlotState(now)
	m.slots[slot] = s
	return s, true
}

// Get returns the slot state without creating it.
func (m *Manager) Get(slot uint64) (*SlotState, bool) {
	s, ok := m.slots[slot]
	return s, ok
}

// HighestSlot reports the highest slot number seen across any Advance call.
func (m *Manager) HighestSlot() uint64 { return m.highestSlot }

// ExpiredOutcome is reported to the caller for every slot evicted by
// Advance, so the caller can bump its own per-source counters without this
// package depending on the metrics package.
type ExpiredOutcome struct {
	Slot    uint64
	Outcome Outcome
}

// Advance records a newly observed slot number and, if it is a new high
// watermark, evicts every slot older than highest-expiryDistance. Each
// evicted, not-yet-counted slot is classified Partial (it emitted at least
// one transaction) or Dropped (it emitted none), and returned so the
// caller can update metrics and drop associated FEC-set state for the
// same key.
func (m *Manager) Advance(slot uint64) []ExpiredOutcome {
	if slot <= m.highestSlot {
		return nil
	}
	m.highestSlot = slot

	var expired []ExpiredOutcome
	for s, state := range m.slots {
		if s+m.expiryDistance >= m.highestSlot {
			continue
		}
		if !state.Counted() {
			outcome := OutcomeDropped
			if state.TxsEmitted() > 0 {
				outcome = OutcomePartial
			}
			state.MarkCounted()
			expired = append(expired, ExpiredOutcome{Slot: s, Outcome: outcome})
		}
		delete(m.slots, s)
	}
	return expired
}

// IsExpired reports whether a slot is already beyond the expiration
// distance relative to the current high watermark — shreds for such slots
// are dropped silently without creating state.
func (m *Manager) IsExpired(slot uint64) bool {
	if m.highestSlot == 0 {
		return false
	}
	if slot > m.highestSlot {
		return false
	}
	return m.highestSlot-slot > m.expiryDistance
}

// Len reports the number of in-flight slot states.
func (m *Manager) Len() int { return len(m.slots) }
