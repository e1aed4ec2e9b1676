// Package entrycodec stream-decodes Solana's on-wire Entry format: a
// length-implicit record of {num_hashes, hash, transactions} inside a
// reassembled slot byte stream.
package entrycodec

import (
	"encoding/binary"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

const (
	// headerSize is the fixed Entry header: num_hashes (u64 LE) + hash
	// ([32]byte) + tx_count (u64 LE, not a compact-u16 shortvec).
	headerSize = 48
	txCountOff = 40

	// MaxSaneTxCount bounds the boundary-scan and decode loop against
	// corrupted or misaligned offsets.
	MaxSaneTxCount = 512
)

// Entry is a decoded entry; num_hashes and the PoH hash are consumed but
// not surfaced, as the latency pipeline never validates them.
type Entry struct {
	Transactions []*solana.Transaction
}

// DecodeOne attempts to decode exactly one Entry starting at buf[0]. It
// returns the number of bytes consumed and true on success. On any
// failure — including truncated input — it returns (nil, 0, false) and
// performs no partial consumption, so callers can retry unchanged once
// more bytes have arrived (the restartable-stream contract of §4.5).
func DecodeOne(buf []byte) (*Entry, int, bool) {
	if len(buf) < headerSize {
		return nil, 0, false
	}

	txCount := binary.LittleEndian.Uint64(buf[txCountOff : txCountOff+8])
	if txCount > MaxSaneTxCount {
		return nil, 0, false
	}

	pos := headerSize
	txs := make([]*solana.Transaction, 0, txCount)
	for i := uint64(0); i < txCount; i++ {
		if pos >= len(buf) {
			return nil, 0, false
		}
		dec := bin.NewBinDecoder(buf[pos:])
		tx, err := solana.TransactionFromDecoder(dec)
		if err != nil {
			return nil, 0, false
		}
		consumed := dec.Position()
		if consumed <= 0 {
			return nil, 0, false
		}
		pos += consumed
		txs = append(txs, tx)
	}

	return &Entry{Transactions: txs}, pos, true
}

// PeekTxCount reads the would-be transaction-count field at a candidate
// entry start without attempting a full decode — the cheap first filter
// used by the slot reassembler's boundary scan.
func PeekTxCount(buf []byte) (uint64, bool) {
	if len(buf) < headerSize {
		return 0, false
	}
	return binary.LittleEndian.Uint64(buf[txCountOff : txCountOff+8]), true
}
