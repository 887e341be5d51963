// ABOUTME: Translation between staged TxnOperations and their journal entry form
// ABOUTME: Op kind and duplicate positioning travel in the entry's 32-bit flags field

package storage

import "github.com/upscaledb-go/ups/pkg/wal"

// Journal flag bits. The low byte is reserved for leaf-slot flags (the
// record travels raw, so nothing uses it today).
const (
	jflagOverwrite = 1 << 8
	jflagDuplicate = 1 << 9
	jflagEraseDup  = 1 << 10

	jflagDupPosShift = 11 // two bits
	jflagDupIdxShift = 16 // sixteen bits
)

// encodeJournalOp renders one staged operation as a journal entry.
func encodeJournalOp(lsn, txnID uint64, ref txnOpRef) *wal.Entry {
	op := ref.op
	e := &wal.Entry{
		LSN:    lsn,
		TxnID:  txnID,
		DBName: ref.db.name,
		Key:    op.node.key,
	}
	switch op.kind {
	case opErase:
		e.Type = wal.EntryErase
		if op.dupIndex >= 0 {
			e.Flags = jflagEraseDup | uint32(op.dupIndex)<<jflagDupIdxShift
		}
	case opInsertOverwrite:
		e.Type = wal.EntryInsert
		e.Flags = jflagOverwrite
		e.Record = op.record
	case opInsertDuplicate:
		e.Type = wal.EntryInsert
		e.Flags = jflagDuplicate | uint32(op.dupPos)<<jflagDupPosShift
		if op.dupIndex >= 0 {
			e.Flags |= uint32(op.dupIndex) << jflagDupIdxShift
		}
		e.Record = op.record
	default:
		e.Type = wal.EntryInsert
		e.Record = op.record
	}
	return e
}

// decodeJournalOp rebuilds an applyOp-ready operation from a replayed
// entry. Plain inserts come back as overwrites so replaying a
// transaction whose pages already reached the data file is idempotent.
func decodeJournalOp(e *wal.Entry) *TxnOperation {
	op := &TxnOperation{
		record:   e.Record,
		node:     &TxnNode{key: e.Key},
		dupIndex: -1,
		lsn:      e.LSN,
	}
	switch {
	case e.Type == wal.EntryErase:
		op.kind = opErase
		if e.Flags&jflagEraseDup != 0 {
			op.dupIndex = int(e.Flags >> jflagDupIdxShift)
		}
	case e.Flags&jflagDuplicate != 0:
		op.kind = opInsertDuplicate
		op.dupPos = DupPosition(e.Flags >> jflagDupPosShift & 0x3)
		if op.dupPos == DupBefore || op.dupPos == DupAfter {
			op.dupIndex = int(e.Flags >> jflagDupIdxShift)
		}
	default:
		op.kind = opInsertOverwrite
	}
	return op
}
