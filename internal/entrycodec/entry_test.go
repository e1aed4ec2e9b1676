package entrycodec

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// shortVec encodes a length as Solana's compact-u16 ("shortvec") format.
// Values under 0x80 are covered by the test fixtures, so a single byte
// suffices here.
func shortVec(n int) []byte {
	if n >= 0x80 {
		panic("fixture only supports short-vec lengths < 0x80")
	}
	return []byte{byte(n)}
}

// buildLegacyTx hand-encodes a minimal legacy (non-versioned) Solana
// transaction on the wire: shortvec signature count + signatures, message
// header, shortvec account keys, blockhash, shortvec instructions.
func buildLegacyTx() []byte {
	var buf []byte
	buf = append(buf, shortVec(1)...)
	buf = append(buf, make([]byte, 64)...) // one all-zero signature

	buf = append(buf, 1, 0, 1) // header: 1 required sig, 0 readonly-signed, 1 readonly-unsigned
	buf = append(buf, shortVec(2)...)
	buf = append(buf, make([]byte, 32)...) // fee payer
	buf = append(buf, make([]byte, 32)...) // program id

	buf = append(buf, make([]byte, 32)...) // recent blockhash

	buf = append(buf, shortVec(1)...) // one instruction
	buf = append(buf, 1)              // program id index
	buf = append(buf, shortVec(0)...) // no account indices
	data := []byte{9, 9, 9}
	buf = append(buf, shortVec(len(data))...)
	buf = append(buf, data...)

	return buf
}

func buildEntry(txs [][]byte) []byte {
	buf := make([]byte, headerSize)
	binary.LittleEndian.PutUint64(buf[txCountOff:], uint64(len(txs)))
	for _, tx := range txs {
		buf = append(buf, tx...)
	}
	return buf
}

func TestDecodeOne_SingleTransaction(t *testing.T) {
	tx := buildLegacyTx()
	buf := buildEntry([][]byte{tx})

	entry, n, ok := DecodeOne(buf)
	require.True(t, ok)
	assert.Equal(t, len(buf), n)
	require.Len(t, entry.Transactions, 1)
	assert.Len(t, entry.Transactions[0].Signatures, 1)
	assert.Len(t, entry.Transactions[0].Message.AccountKeys, 2)
}

func TestDecodeOne_MultipleTransactions(t *testing.T) {
	tx := buildLegacyTx()
	buf := buildEntry([][]byte{tx, tx, tx})

	entry, n, ok := DecodeOne(buf)
	require.True(t, ok)
	assert.Equal(t, len(buf), n)
	assert.Len(t, entry.Transactions, 3)
}

func TestDecodeOne_ZeroTransactions(t *testing.T) {
	buf := buildEntry(nil)
	entry, n, ok := DecodeOne(buf)
	require.True(t, ok)
	assert.Equal(t, headerSize, n)
	assert.Empty(t, entry.Transactions)
}

func TestDecodeOne_TruncatedInputDoesNotConsume(t *testing.T) {
	tx := buildLegacyTx()
	full := buildEntry([][]byte{tx})
	truncated := full[:len(full)-10]

	entry, n, ok := DecodeOne(truncated)
	assert.False(t, ok)
	assert.Nil(t, entry)
	assert.Zero(t, n)
}

func TestDecodeOne_RejectsInsaneTxCount(t *testing.T) {
	buf := make([]byte, headerSize)
	binary.LittleEndian.PutUint64(buf[txCountOff:], MaxSaneTxCount+1)

	_, _, ok := DecodeOne(buf)
	assert.False(t, ok)
}

func TestDecodeOne_TooShortForHeader(t *testing.T) {
	_, _, ok := DecodeOne(make([]byte, headerSize-1))
	assert.False(t, ok)
}

func TestPeekTxCount(t *testing.T) {
	buf := buildEntry([][]byte{buildLegacyTx(), buildLegacyTx()})
	n, ok := PeekTxCount(buf)
	require.True(t, ok)
	assert.Equal(t, uint64(2), n)

	_, ok = PeekTxCount(make([]byte, 10))
	assert.False(t, ok)
}
