package decode

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/klauspost/reedsolomon"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/shredrace/internal/metrics"
	"github.com/malbeclabs/shredrace/internal/shred"
)

func buildDataShred(slot uint64, idx uint32, fecIdx uint32, lastInSlot bool, payload []byte) []byte {
	size := shred.DataPayloadOffset + len(payload)
	data := make([]byte, size)
	data[shred.VariantOffset] = 0xa5
	binary.LittleEndian.PutUint64(data[shred.SlotOffset:], slot)
	binary.LittleEndian.PutUint32(data[shred.ShredIndexOffset:], idx)
	binary.LittleEndian.PutUint32(data[shred.FECSetIndexOffset:], fecIdx)
	if lastInSlot {
		data[shred.DataFlagsOffset] = shred.LastInSlotFlag
	}
	binary.LittleEndian.PutUint16(data[shred.DataPayloadEndOff:], uint16(size))
	copy(data[shred.DataPayloadOffset:], payload)
	return data
}

func buildCodeShred(slot uint64, idx uint32, fecIdx uint32, numData, numCoding, pos uint16, shard []byte) []byte {
	size := shred.CodeHeaderEnd + len(shard)
	data := make([]byte, size)
	data[shred.VariantOffset] = 0x45 // merkle coding, unchained/unsigned
	binary.LittleEndian.PutUint64(data[shred.SlotOffset:], slot)
	binary.LittleEndian.PutUint32(data[shred.ShredIndexOffset:], idx)
	binary.LittleEndian.PutUint32(data[shred.FECSetIndexOffset:], fecIdx)
	binary.LittleEndian.PutUint16(data[shred.CodeNumDataOffset:], numData)
	binary.LittleEndian.PutUint16(data[shred.CodeNumCodingOffset:], numCoding)
	binary.LittleEndian.PutUint16(data[shred.CodePositionOffset:], pos)
	copy(data[shred.CodeHeaderEnd:], shard)
	return data
}

func buildLegacyTx() []byte {
	var buf []byte
	buf = append(buf, 1)
	buf = append(buf, make([]byte, 64)...)
	buf = append(buf, 1, 0, 1)
	buf = append(buf, 2)
	buf = append(buf, make([]byte, 32)...)
	buf = append(buf, make([]byte, 32)...)
	buf = append(buf, make([]byte, 32)...)
	buf = append(buf, 1, 1, 0)
	data := []byte{9, 9, 9}
	buf = append(buf, byte(len(data)))
	buf = append(buf, data...)
	return buf
}

func buildEntryBytes(txs [][]byte) []byte {
	const headerSize = 48
	const txCountOff = 40
	buf := make([]byte, headerSize)
	binary.LittleEndian.PutUint64(buf[txCountOff:], uint64(len(txs)))
	for _, tx := range txs {
		buf = append(buf, tx...)
	}
	return buf
}

func TestDecoder_SingleDataShredWithEntry(t *testing.T) {
	entry := buildEntryBytes([][]byte{buildLegacyTx()})
	raw := buildDataShred(100, 0, 0, true, entry)

	d := New(metrics.New(), nil)
	outs := d.Process(RawShred{Data: raw, RecvAt: time.Now()})

	require.Len(t, outs, 1)
	assert.Equal(t, uint64(100), outs[0].Slot)
}

func TestDecoder_DropsTooShortShred(t *testing.T) {
	d := New(metrics.New(), nil)
	outs := d.Process(RawShred{Data: []byte{1, 2, 3}, RecvAt: time.Now()})
	assert.Empty(t, outs)
}

func TestDecoder_CodeShredRecoversMissingData(t *testing.T) {
	const n, m, sz = 2, 2, fecShardTestSize

	entry0 := buildEntryBytes([][]byte{buildLegacyTx()})
	entry1 := buildEntryBytes(nil)

	data0 := pad(buildDataShred(200, 0, 0, false, entry0), sz)
	data1 := pad(buildDataShred(200, 1, 0, true, entry1), sz)

	enc, err := reedsolomon.New(n, m)
	require.NoError(t, err)
	shards := [][]byte{data0, data1, make([]byte, sz), make([]byte, sz)}
	require.NoError(t, enc.Encode(shards))

	m1 := metrics.New()
	d := New(m1, nil)

	code0 := buildCodeShred(200, 2, 0, n, m, 0, shards[2])
	code1 := buildCodeShred(200, 3, 0, n, m, 1, shards[3])
	var outs []Output
	outs = append(outs, d.Process(RawShred{Data: code0, RecvAt: time.Now()})...)

	// Only shred 1 (index 1, the lastInSlot one) is missing from the
	// reassembler; shred 0's data came through directly on the wire. With
	// code0 already stored, shred 0 brings the set to num_data=2 shards, so
	// its arrival triggers recovery of shred 1; code1 arrives after that.
	outs = append(outs, d.Process(RawShred{Data: buildDataShred(200, 0, 0, false, entry0), RecvAt: time.Now()})...)
	outs = append(outs, d.Process(RawShred{Data: code1, RecvAt: time.Now()})...)

	require.NotEmpty(t, outs)
	assert.Equal(t, uint64(1), m1.FECRecoveredShreds.Load())
	assert.Equal(t, uint64(1), m1.SlotsComplete.Load(), "the recovered lastInSlot shred completes the slot")
}

func TestDecoder_FECRecoversFromMixedDataAndCodingShards(t *testing.T) {
	const n, m, sz = 3, 1, fecShardTestSize

	entry0 := buildEntryBytes([][]byte{buildLegacyTx()})
	entry1 := buildEntryBytes([][]byte{buildLegacyTx()})
	entry2 := buildEntryBytes([][]byte{buildLegacyTx()})

	data0 := pad(buildDataShred(300, 0, 0, false, entry0), sz)
	data1 := pad(buildDataShred(300, 1, 0, false, entry1), sz)
	data2 := pad(buildDataShred(300, 2, 0, true, entry2), sz)

	enc, err := reedsolomon.New(n, m)
	require.NoError(t, err)
	shards := [][]byte{data0, data1, data2, make([]byte, sz)}
	require.NoError(t, enc.Encode(shards))

	m1 := metrics.New()
	d := New(m1, nil)

	// The coding shred arrives first and creates the FEC-set state, but
	// with num_coding=1 a coding-shred-only count can never reach
	// num_data=3. Reconstruction can only fire once the two
	// directly-received data shreds are also counted as shards alongside
	// it — the third (last-in-slot) data shred never arrives on the wire.
	d.Process(RawShred{Data: buildCodeShred(300, 3, 0, n, m, 0, shards[3]), RecvAt: time.Now()})
	require.Zero(t, m1.FECRecoveredShreds.Load())

	d.Process(RawShred{Data: buildDataShred(300, 0, 0, false, entry0), RecvAt: time.Now()})
	require.Zero(t, m1.FECRecoveredShreds.Load(), "one data shard plus one coding shard is still short of num_data")

	d.Process(RawShred{Data: buildDataShred(300, 1, 0, false, entry1), RecvAt: time.Now()})

	assert.Equal(t, uint64(1), m1.FECRecoveredShreds.Load(),
		"the third data shred should be FEC-recovered once data and coding shards together reach num_data")
}

// fecShardTestSize is larger than the built data shred so the RS shard
// buffer has room to be zero-padded like a real shred datagram.
const fecShardTestSize = 400

func pad(b []byte, size int) []byte {
	out := make([]byte, size)
	copy(out, b)
	return out
}
