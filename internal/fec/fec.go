// Package fec implements Reed-Solomon erasure recovery of missing data
// shreds within a single FEC set.
package fec

import (
	"github.com/klauspost/reedsolomon"
)

// ShardSize is the Reed-Solomon symbol width shreds are padded to. It
// matches the nominal maximum shred datagram size.
const ShardSize = 1228

// Set holds the shard buffer for one (slot, fec_set_index) key.
type Set struct {
	numData   int
	numCoding int
	shards    map[int][]byte
	recovered bool
}

// NewSet creates FEC-set state for the given shape.
func NewSet(numData, numCoding int) *Set {
	return &Set{
		numData:   numData,
		numCoding: numCoding,
		shards:    make(map[int][]byte, numData+numCoding),
	}
}

func (s *Set) NumData() int   { return s.numData }
func (s *Set) NumCoding() int { return s.numCoding }

// Matches reports whether this set's declared shape agrees with a newly
// arrived shred claiming the same (slot, fec_set_index) key.
func (s *Set) Matches(numData, numCoding int) bool {
	return s.numData == numData && s.numCoding == numCoding
}

// StoreShard records a shard's bytes at the given shard position: a data
// shred's whole datagram (header and all), or a coding shred's shard bytes
// after its coding header. The bytes are zero-padded or truncated to
// ShardSize. Duplicate
// arrivals at an already-filled position are ignored.
func (s *Set) StoreShard(pos int, raw []byte) {
	if _, ok := s.shards[pos]; ok {
		return
	}
	buf := make([]byte, ShardSize)
	copy(buf, raw)
	s.shards[pos] = buf
}

// ShardCount reports how many shard positions are currently filled.
func (s *Set) ShardCount() int { return len(s.shards) }

// ReadyToRecover reports whether enough shards are present to attempt
// reconstruction, and reconstruction has not already run.
func (s *Set) ReadyToRecover() bool {
	return !s.recovered && len(s.shards) >= s.numData
}

// Recovered reports whether reconstruction has already been attempted for
// this set (one-shot, regardless of outcome).
func (s *Set) Recovered() bool { return s.recovered }

// RecoveredShard pairs a reconstructed data shard with its 0-based position
// among the FEC set's data shreds.
type RecoveredShard struct {
	Position int
	Bytes    []byte
}

// Reconstruct runs Reed-Solomon recovery exactly once. Subsequent calls
// return nil without doing any work. It returns only the recovered data
// shards (never coding shards), each still a full zero-padded shred
// datagram suitable for re-parsing through shred.Decode using the global
// index fec_set_index + Position.
func (s *Set) Reconstruct() []RecoveredShard {
	if s.recovered {
		return nil
	}
	s.recovered = true

	total := s.numData + s.numCoding
	if total == 0 || s.numData == 0 || s.numCoding == 0 {
		return nil
	}

	var missing []int
	for i := 0; i < s.numData; i++ {
		if _, ok := s.shards[i]; !ok {
			missing = append(missing, i)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	enc, err := reedsolomon.New(s.numData, s.numCoding)
	if err != nil {
		return nil
	}

	shards := make([][]byte, total)
	for i := 0; i < total; i++ {
		shards[i] = s.shards[i]
	}

	if err := enc.Reconstruct(shards); err != nil {
		return nil
	}

	out := make([]RecoveredShard, 0, len(missing))
	for _, idx := range missing {
		if shards[idx] != nil {
			out = append(out, RecoveredShard{Position: idx, Bytes: shards[idx]})
		}
	}
	return out
}
