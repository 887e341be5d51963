// ABOUTME: A single named ordered key-value collection inside an Environment
// ABOUTME: Owns a BtreeIndex, a TxnIndex of pending writes, and routes large records through the BlobManager

package storage

import (
	"sync"

	"github.com/upscaledb-go/ups/pkg/btree"
)

// DuplicateInlineBytes is the largest encoded duplicate list kept in a
// leaf slot; a bigger list spills whole into an out-of-leaf blob table.
const DuplicateInlineBytes = 1024

// Database is one named B+tree inside an Environment, per spec-level
// "named databases inside an environment".
type Database struct {
	env     *Environment
	name    uint16
	keyType KeyType

	index    btree.BTree
	txnIndex *TxnIndex
	txnMu    sync.Mutex

	blobs *BlobManager

	// prevStats remembers the last scraped btree counters so the
	// environment can publish deltas.
	prevStats btree.Statistics
}

// Name returns the database's numeric identifier within its environment.
func (db *Database) Name() uint16 { return db.name }

// Get performs an implicit single-operation read: any explicit
// transaction's own pending writes are invisible here (use FindTxn),
// only committed data is returned. For a duplicate key this returns the
// first duplicate.
func (db *Database) Get(key []byte) (val []byte, err error) {
	defer catchStatus(&err)
	return db.resolveCommitted(key)
}

func (db *Database) resolveCommitted(key []byte) ([]byte, error) {
	slot, flags, ok := db.index.GetFlags(key)
	if !ok {
		return nil, ErrKeyNotFound
	}
	if flags&btree.FlagDuplicate != 0 {
		list := db.readDupList(slot, flags)
		if len(list) == 0 {
			return nil, ErrKeyNotFound
		}
		return db.materializeDup(list[0]), nil
	}
	return db.materialize(slot, flags), nil
}

// materialize resolves a leaf slot to record bytes, following a blob
// reference when the slot holds one.
func (db *Database) materialize(slot []byte, flags byte) []byte {
	if flags&btree.FlagBlob != 0 {
		return db.blobs.Read(DecodeBlobRef(slot))
	}
	return slot
}

func (db *Database) materializeDup(rec btree.DupRecord) []byte {
	if rec.IsRef {
		return db.blobs.Read(DecodeBlobRef(rec.Value))
	}
	return rec.Value
}

// encodeRecord returns the bytes to store in a leaf slot plus the flags
// to tag it with, spilling to the BlobManager when record exceeds
// InlineRecordMax. Called only at apply time so an aborted transaction
// never allocates blob pages.
func (db *Database) encodeRecord(record []byte) ([]byte, byte) {
	if len(record) <= InlineRecordMax {
		return record, btree.FlagNone
	}
	ref := db.blobs.Allocate(record)
	return EncodeBlobRef(ref), btree.FlagBlob
}

func (db *Database) encodeDupRecord(record []byte) btree.DupRecord {
	if len(record) <= InlineRecordMax {
		return btree.DupRecord{Value: record}
	}
	ref := db.blobs.Allocate(record)
	return btree.DupRecord{Value: EncodeBlobRef(ref), IsRef: true}
}

// readDupList decodes a duplicate slot into its record list, reading
// the out-of-leaf table first when the list spilled to a blob. A
// non-duplicate slot decodes as a single-entry list.
func (db *Database) readDupList(slot []byte, flags byte) []btree.DupRecord {
	if flags&btree.FlagDuplicate == 0 {
		return []btree.DupRecord{{Value: slot, IsRef: flags&btree.FlagBlob != 0}}
	}
	if flags&btree.FlagBlob != 0 {
		return btree.DecodeDuplicateList(db.blobs.Read(DecodeBlobRef(slot)))
	}
	return btree.DecodeDuplicateList(slot)
}

// writeDupList encodes a duplicate list into slot form, spilling to a
// blob table when it grows past the inline bounds.
func (db *Database) writeDupList(list []btree.DupRecord) ([]byte, byte) {
	encoded := btree.EncodeDuplicateList(list)
	if len(list) > btree.DuplicateInlineMax || len(encoded) > DuplicateInlineBytes {
		ref := db.blobs.Allocate(encoded)
		return EncodeBlobRef(ref), btree.FlagDuplicate | btree.FlagBlob
	}
	return encoded, btree.FlagDuplicate
}

// freeSlot releases any out-of-leaf storage a slot references: a record
// blob, a duplicate table's member blobs, or the table blob itself.
func (db *Database) freeSlot(slot []byte, flags byte) {
	if flags&btree.FlagDuplicate != 0 {
		list := db.readDupList(slot, flags)
		for _, rec := range list {
			if rec.IsRef {
				db.blobs.Erase(DecodeBlobRef(rec.Value))
			}
		}
		if flags&btree.FlagBlob != 0 {
			db.blobs.Erase(DecodeBlobRef(slot))
		}
		return
	}
	if flags&btree.FlagBlob != 0 {
		db.blobs.Erase(DecodeBlobRef(slot))
	}
}

// Insert stores a new key. An existing key fails with
// StatusDuplicateKey; use Overwrite or InsertDuplicate for the other
// semantics. Auto-commits through a one-operation transaction.
func (db *Database) Insert(key, record []byte) error {
	return db.autoCommit(func(txn *Txn) error {
		return db.InsertTxn(txn, key, record)
	})
}

// Overwrite stores key unconditionally, replacing an existing record
// (and an existing duplicate list) outright.
func (db *Database) Overwrite(key, record []byte) error {
	return db.autoCommit(func(txn *Txn) error {
		return db.OverwriteTxn(txn, key, record)
	})
}

// InsertDuplicate appends one more record under key, creating the
// duplicate list if the key is new.
func (db *Database) InsertDuplicate(key, record []byte) error {
	return db.autoCommit(func(txn *Txn) error {
		return db.InsertDuplicateTxn(txn, key, record)
	})
}

// Erase removes key and all of its duplicates.
func (db *Database) Erase(key []byte) error {
	return db.autoCommit(func(txn *Txn) error {
		return db.EraseTxn(txn, key)
	})
}

// EraseDuplicate removes only the duplicate at index under key; erasing
// the last duplicate removes the key.
func (db *Database) EraseDuplicate(key []byte, index int) error {
	return db.autoCommit(func(txn *Txn) error {
		return db.EraseDuplicateTxn(txn, key, index)
	})
}

func (db *Database) autoCommit(fn func(*Txn) error) error {
	txn := db.env.Begin()
	if err := fn(txn); err != nil {
		txn.Rollback()
		return err
	}
	if err := txn.Commit(); err != nil {
		// A failed apply leaves the txn active with its ops still
		// staged; discard them so the key isn't wedged.
		if txn.state == txnActive {
			txn.Rollback()
		}
		return err
	}
	return nil
}

// InsertTxn stages an insert under txn, deferring application to the
// B+tree until txn.Commit. Fails with StatusDuplicateKey if the key is
// already visible to txn.
func (db *Database) InsertTxn(txn *Txn, key, record []byte) error {
	if err := db.validateKeyRecord(key, record); err != nil {
		return err
	}
	op := &TxnOperation{kind: opInsert, record: record, dupIndex: -1}
	return txn.stage(db, op, key)
}

// OverwriteTxn stages an unconditional insert-or-replace under txn.
func (db *Database) OverwriteTxn(txn *Txn, key, record []byte) error {
	if err := db.validateKeyRecord(key, record); err != nil {
		return err
	}
	op := &TxnOperation{kind: opInsertOverwrite, record: record, dupIndex: -1}
	return txn.stage(db, op, key)
}

// InsertDuplicateTxn stages one more record under key, appended at the
// end of the key's duplicate list.
func (db *Database) InsertDuplicateTxn(txn *Txn, key, record []byte) error {
	return db.InsertDuplicateAtTxn(txn, key, record, DupLast, 0)
}

// InsertDuplicateAtTxn stages a duplicate insert at an explicit
// position (first, last, or before/after the duplicate at index).
func (db *Database) InsertDuplicateAtTxn(txn *Txn, key, record []byte, pos DupPosition, index int) error {
	if err := db.validateKeyRecord(key, record); err != nil {
		return err
	}
	op := &TxnOperation{kind: opInsertDuplicate, record: record, dupPos: pos, dupIndex: index}
	if pos != DupBefore && pos != DupAfter {
		op.dupIndex = -1
	}
	return txn.stage(db, op, key)
}

// EraseTxn stages a delete of key and all its duplicates under txn.
func (db *Database) EraseTxn(txn *Txn, key []byte) error {
	op := &TxnOperation{kind: opErase, dupIndex: -1}
	return txn.stage(db, op, key)
}

// EraseDuplicateTxn stages a delete of the single duplicate at index.
func (db *Database) EraseDuplicateTxn(txn *Txn, key []byte, index int) error {
	if index < 0 {
		return newStatus(StatusInvalidParameter, "negative duplicate index")
	}
	op := &TxnOperation{kind: opErase, dupIndex: index}
	return txn.stage(db, op, key)
}

// FindTxn resolves key with read-your-writes semantics: txn's own
// pending ops on key shadow the committed B+tree. A key the transaction
// itself erased reports StatusKeyErasedInTxn.
func (db *Database) FindTxn(txn *Txn, key []byte) (val []byte, err error) {
	defer catchStatus(&err)
	if op := txn.find(db, key); op != nil {
		list := db.effectiveDuplicates(txn, key)
		if len(list) == 0 {
			return nil, ErrKeyErasedInTxn
		}
		return db.materializeDup(list[0]), nil
	}
	return db.resolveCommitted(key)
}

// GetDuplicateCount returns how many records live under key as seen by
// txn (nil for a committed-only view).
func (db *Database) GetDuplicateCount(txn *Txn, key []byte) (n int, err error) {
	defer catchStatus(&err)
	list := db.effectiveDuplicates(txn, key)
	if len(list) == 0 {
		return 0, ErrKeyNotFound
	}
	return len(list), nil
}

// effectiveDuplicates merges the committed duplicate list for key with
// txn's own pending ops on it, oldest to newest, per the cursor
// consolidation rules. A nil txn sees only the committed list.
func (db *Database) effectiveDuplicates(txn *Txn, key []byte) []btree.DupRecord {
	var list []btree.DupRecord
	if slot, flags, ok := db.index.GetFlags(key); ok {
		list = db.readDupList(slot, flags)
	}
	if txn == nil {
		return list
	}

	db.txnMu.Lock()
	defer db.txnMu.Unlock()

	node := db.txnIndex.Find(key)
	if node == nil {
		return list
	}
	for op := node.oldestOp; op != nil; op = op.nextInNode {
		if op.txn != txn {
			continue
		}
		list = applyOpToDupList(list, op)
	}
	return list
}

// applyOpToDupList applies one pending op to an in-memory duplicate
// list: the merge rules of the spec's duplicate cache.
func applyOpToDupList(list []btree.DupRecord, op *TxnOperation) []btree.DupRecord {
	switch op.kind {
	case opInsert, opInsertOverwrite:
		return []btree.DupRecord{{Value: op.record}}
	case opInsertDuplicate:
		idx := len(list)
		switch op.dupPos {
		case DupFirst:
			idx = 0
		case DupBefore:
			idx = op.dupIndex
		case DupAfter:
			idx = op.dupIndex + 1
		}
		return btree.InsertDuplicate(list, idx, btree.DupRecord{Value: op.record})
	case opErase:
		if op.dupIndex < 0 {
			return nil
		}
		return btree.RemoveDuplicate(list, op.dupIndex)
	}
	return list
}

// applyOp flushes one committed operation into the B+tree. Runs inside
// Environment.commitTxn (and journal replay); failures surface as
// *Status panics caught at the commit boundary.
func (db *Database) applyOp(op *TxnOperation) {
	key := op.node.key
	switch op.kind {
	case opInsert, opInsertOverwrite:
		if old, oldFlags, ok := db.index.GetFlags(key); ok {
			if oldFlags == btree.FlagBlob && len(op.record) > InlineRecordMax {
				if ref := DecodeBlobRef(old); uint64(len(op.record)) == ref.Size {
					// Same-size blob replacement: patch the existing
					// chain in place, slot stays as it is.
					db.blobs.OverwriteRegions(ref, op.record, []Region{{Offset: 0, Size: ref.Size}})
					return
				}
			}
			db.freeSlot(old, oldFlags)
		}
		slot, flags := db.encodeRecord(op.record)
		db.index.InsertFlags(key, slot, flags)

	case opInsertDuplicate:
		var list []btree.DupRecord
		if old, oldFlags, ok := db.index.GetFlags(key); ok {
			list = db.readDupList(old, oldFlags)
			// The member records carry over; only the old list
			// container is replaced.
			if oldFlags&btree.FlagDuplicate != 0 && oldFlags&btree.FlagBlob != 0 {
				db.blobs.Erase(DecodeBlobRef(old))
			}
		}
		idx := len(list)
		switch op.dupPos {
		case DupFirst:
			idx = 0
		case DupBefore:
			idx = op.dupIndex
		case DupAfter:
			idx = op.dupIndex + 1
		}
		list = btree.InsertDuplicate(list, idx, db.encodeDupRecord(op.record))
		slot, flags := db.writeDupList(list)
		db.index.InsertFlags(key, slot, flags)

	case opErase:
		old, oldFlags, ok := db.index.GetFlags(key)
		if !ok {
			return
		}
		if op.dupIndex >= 0 && oldFlags&btree.FlagDuplicate != 0 {
			list := db.readDupList(old, oldFlags)
			if op.dupIndex >= len(list) {
				return
			}
			if rec := list[op.dupIndex]; rec.IsRef {
				db.blobs.Erase(DecodeBlobRef(rec.Value))
			}
			if oldFlags&btree.FlagBlob != 0 {
				db.blobs.Erase(DecodeBlobRef(old))
			}
			list = btree.RemoveDuplicate(list, op.dupIndex)
			if len(list) == 0 {
				db.index.Delete(key)
				return
			}
			slot, flags := db.writeDupList(list)
			db.index.InsertFlags(key, slot, flags)
			return
		}
		db.freeSlot(old, oldFlags)
		db.index.Delete(key)
	}
}

func (db *Database) validateKeyRecord(key, record []byte) error {
	if len(key) == 0 {
		return newStatus(StatusInvalidKeySize, "key must not be empty")
	}
	if len(key) > btree.BTREE_MAX_KEY_SIZE {
		return newStatus(StatusInvalidKeySize, "key exceeds maximum size")
	}
	if w := db.keyType.width(); w > 0 && len(key) != w {
		return newStatus(StatusInvalidKeySize, "key does not match the database's fixed key width")
	}
	if len(record) > 1<<24 {
		return newStatus(StatusInvalidRecordSize, "record exceeds maximum size")
	}
	return nil
}

// Cursor creates a merged btree+txn cursor over this database. A nil
// txn gives a committed-only cursor.
func (db *Database) Cursor(txn *Txn) *Cursor {
	return newCursor(db, txn)
}

// Scan walks committed records from start (inclusive) in key order,
// calling fn for each until it returns false. A nil start scans from
// the first key.
func (db *Database) Scan(start []byte, fn func(key, val []byte) bool) {
	cur := newCursor(db, nil)
	var ok bool
	if len(start) == 0 {
		ok = cur.First()
	} else {
		ok = cur.Find(start, MatchGE)
	}
	for ; ok; ok = cur.NextKey() {
		if !fn(cur.Key(), cur.Value()) {
			return
		}
	}
}

// Count returns the number of keys (distinct) or records (counting each
// duplicate) visible to txn.
func (db *Database) Count(txn *Txn, distinct bool) (n uint64, err error) {
	defer catchStatus(&err)
	cur := db.Cursor(txn)
	for ok := cur.First(); ok; ok = cur.NextKey() {
		if distinct {
			n++
		} else {
			n += uint64(cur.DuplicateCount())
		}
	}
	return n, nil
}

// CheckIntegrity verifies the B+tree's structural invariants and that
// no reachable page sits on the free list.
func (db *Database) CheckIntegrity() (err error) {
	defer catchStatus(&err)
	if err := db.index.CheckIntegrity(); err != nil {
		return wrapStatus(StatusIntegrityViolated, "btree structure", err)
	}
	if db.env != nil {
		violated := false
		db.index.Walk(func(ptr uint64) {
			if db.env.pager.free.Contains(ptr) {
				violated = true
			}
		})
		if violated {
			return newStatus(StatusIntegrityViolated, "reachable page on free list")
		}
	}
	return nil
}

// BulkInsert applies a batch of key/value pairs as one transaction,
// returning one error per input (nil on success).
func (db *Database) BulkInsert(kvs []KV) []error {
	txn := db.env.Begin()
	errs := make([]error, len(kvs))
	staged := 0
	for i, kv := range kvs {
		errs[i] = db.InsertTxn(txn, kv.Key, kv.Value)
		if errs[i] == nil {
			staged++
		}
	}
	if staged == 0 {
		txn.Rollback()
		return errs
	}
	if err := txn.Commit(); err != nil {
		for i := range errs {
			if errs[i] == nil {
				errs[i] = err
			}
		}
	}
	return errs
}

// KV is one key/value pair, used by BulkInsert.
type KV struct {
	Key   []byte
	Value []byte
}
