// ABOUTME: Merged btree+txn cursor: walks the committed B+tree and this transaction's own staged ops as one sorted stream
// ABOUTME: Grounded in upscaledb's Cursor, which merges a TxnCursor and a BtreeCursor the same way (src/4cursor/cursor_local.h)

package storage

import "github.com/upscaledb-go/ups/pkg/btree"

// MatchMode re-exports btree.MatchMode under the engine's own name so
// callers outside pkg/btree don't need to import it directly.
type MatchMode = btree.MatchMode

const (
	MatchExact = btree.MatchExact
	MatchLT    = btree.MatchLT
	MatchLE    = btree.MatchLE
	MatchGT    = btree.MatchGT
	MatchGE    = btree.MatchGE
	MatchNear  = btree.MatchNear
)

// pendingEntry is one key this cursor's transaction has staged ops on;
// the node gives access to the op chain when duplicates are merged.
type pendingEntry struct {
	key  []byte
	node *TxnNode
}

// Cursor walks one Database, optionally scoped to a Txn so the txn's own
// staged inserts/erases are visible (read-your-writes) and merged
// key-order with whatever is already committed to the B+tree. A nil txn
// gives a plain committed-only cursor.
//
// For every key the cursor lands on it consolidates a duplicate cache:
// the committed duplicate list with the transaction's pending ops on
// that key folded in, oldest to newest. Movement is duplicate-aware:
// Next/Prev step through the cache first unless SkipDuplicates is set.
type Cursor struct {
	db  *Database
	txn *Txn

	inner   *btree.Cursor
	innerOK bool

	pending []pendingEntry
	pidx    int

	// onPending/onInner say which side(s) supplied the current key;
	// both are set when the sides tie on the same key.
	onPending bool
	onInner   bool

	curKey []byte

	dups   []btree.DupRecord
	dupIdx int

	// SkipDuplicates makes Next/Prev move by key, ignoring the
	// duplicate cache.
	SkipDuplicates bool
}

func newCursor(db *Database, txn *Txn) *Cursor {
	c := &Cursor{db: db, txn: txn, inner: db.index.NewCursor()}
	if txn != nil {
		c.pending = collectPending(db, txn)
	}
	c.pidx = len(c.pending)
	return c
}

func collectPending(db *Database, txn *Txn) []pendingEntry {
	db.txnMu.Lock()
	defer db.txnMu.Unlock()

	var out []pendingEntry
	for node := db.txnIndex.First(); node != nil; node = db.txnIndex.Successor(node) {
		for op := node.newestOp; op != nil; op = op.prevInNode {
			if op.txn == txn {
				out = append(out, pendingEntry{key: node.key, node: node})
				break
			}
		}
	}
	return out
}

func (c *Cursor) less(a, b []byte) int {
	if c.db.index.Cmp != nil {
		return c.db.index.Cmp(a, b)
	}
	return bytesCompareKeys(a, b)
}

// Find positions the cursor at key according to mode. Ties between a
// committed key and this transaction's own pending op on the same key
// resolve to the merged view, per the read-your-writes requirement.
// Near prefers the left (less-than) neighbour, consistently.
func (c *Cursor) Find(key []byte, mode MatchMode) bool {
	if mode == MatchNear {
		if c.Find(key, MatchLE) {
			return true
		}
		return c.Find(key, MatchGE)
	}

	c.innerOK = c.inner.Find(key, mode)
	c.seekPending(key, mode)

	dir := 1
	if mode == MatchLT || mode == MatchLE {
		dir = -1
	}
	if !c.choose(dir) {
		return false
	}
	if mode == MatchExact && c.less(c.curKey, key) != 0 {
		c.invalidate()
		return false
	}
	return true
}

// seekPending positions pidx at the first pending entry satisfying mode
// relative to key, using a linear scan (pending sets are expected to be
// small: the operations one open transaction has staged).
func (c *Cursor) seekPending(key []byte, mode MatchMode) {
	switch mode {
	case MatchLT:
		for i := len(c.pending) - 1; i >= 0; i-- {
			if c.less(c.pending[i].key, key) < 0 {
				c.pidx = i
				return
			}
		}
		c.pidx = -1
	case MatchLE:
		for i := len(c.pending) - 1; i >= 0; i-- {
			if c.less(c.pending[i].key, key) <= 0 {
				c.pidx = i
				return
			}
		}
		c.pidx = -1
	default: // MatchExact, MatchGE, MatchGT: first entry satisfying
		for i, e := range c.pending {
			cmp := c.less(e.key, key)
			if cmp > 0 || (cmp >= 0 && mode != MatchGT) {
				c.pidx = i
				return
			}
		}
		c.pidx = len(c.pending)
	}
}

// First positions the cursor at the smallest visible key.
func (c *Cursor) First() bool {
	c.innerOK = c.inner.First()
	c.pidx = 0
	return c.choose(1)
}

// Last positions the cursor at the largest visible key.
func (c *Cursor) Last() bool {
	c.innerOK = c.inner.Last()
	c.pidx = len(c.pending) - 1
	return c.choose(-1)
}

// choose resolves the current position from the two sides, skipping
// keys whose effective duplicate list is empty (erased in this txn),
// and loads the duplicate cache for the winner.
func (c *Cursor) choose(dir int) bool {
	for {
		pendingValid := c.pidx >= 0 && c.pidx < len(c.pending)
		innerValid := c.innerOK && c.inner.Valid()

		switch {
		case !pendingValid && !innerValid:
			c.invalidate()
			return false
		case pendingValid && !innerValid:
			c.onPending, c.onInner = true, false
			c.curKey = append(c.curKey[:0], c.pending[c.pidx].key...)
		case !pendingValid && innerValid:
			c.onPending, c.onInner = false, true
			c.curKey = append(c.curKey[:0], c.inner.Key()...)
		default:
			cmp := c.less(c.pending[c.pidx].key, c.inner.Key())
			switch {
			case cmp == 0:
				c.onPending, c.onInner = true, true
				c.curKey = append(c.curKey[:0], c.pending[c.pidx].key...)
			case (dir > 0) == (cmp < 0):
				c.onPending, c.onInner = true, false
				c.curKey = append(c.curKey[:0], c.pending[c.pidx].key...)
			default:
				c.onPending, c.onInner = false, true
				c.curKey = append(c.curKey[:0], c.inner.Key()...)
			}
		}

		c.dups = c.db.effectiveDuplicates(c.txn, c.curKey)
		if len(c.dups) == 0 {
			// Erased by a pending op: step past it in the same
			// direction and retry.
			c.step(dir)
			continue
		}
		if dir > 0 {
			c.dupIdx = 0
		} else {
			c.dupIdx = len(c.dups) - 1
		}
		return true
	}
}

// step consumes the side(s) that produced the current key.
func (c *Cursor) step(dir int) {
	if c.onPending {
		c.pidx += dir
	}
	if c.onInner {
		if dir > 0 {
			c.innerOK = c.inner.Next()
		} else {
			c.innerOK = c.inner.Previous()
		}
	}
}

func (c *Cursor) invalidate() {
	c.onPending = false
	c.onInner = false
	c.curKey = nil
	c.dups = nil
	c.dupIdx = 0
}

// Valid reports whether the cursor is positioned at a visible entry.
func (c *Cursor) Valid() bool { return c.curKey != nil }

// Key returns the current key.
func (c *Cursor) Key() []byte { return c.curKey }

// Value returns the current record, materializing blob references.
func (c *Cursor) Value() []byte {
	if !c.Valid() || c.dupIdx >= len(c.dups) {
		return nil
	}
	return c.db.materializeDup(c.dups[c.dupIdx])
}

// DuplicateCount returns the size of the current key's merged
// duplicate list.
func (c *Cursor) DuplicateCount() int { return len(c.dups) }

// DuplicateIndex returns the position within the duplicate list.
func (c *Cursor) DuplicateIndex() int { return c.dupIdx }

// Next advances to the next duplicate, or past the last duplicate to
// the next key. SkipDuplicates makes it always move by key.
func (c *Cursor) Next() bool {
	if !c.Valid() {
		return false
	}
	if !c.SkipDuplicates && c.dupIdx+1 < len(c.dups) {
		c.dupIdx++
		return true
	}
	return c.NextKey()
}

// Prev steps to the previous duplicate, or before the first duplicate
// to the previous key's last duplicate.
func (c *Cursor) Prev() bool {
	if !c.Valid() {
		return false
	}
	if !c.SkipDuplicates && c.dupIdx > 0 {
		c.dupIdx--
		return true
	}
	return c.PrevKey()
}

// NextKey advances to the next visible key regardless of duplicates.
func (c *Cursor) NextKey() bool {
	if !c.Valid() {
		return false
	}
	c.step(1)
	return c.choose(1)
}

// PrevKey steps back to the previous visible key.
func (c *Cursor) PrevKey() bool {
	if !c.Valid() {
		return false
	}
	c.step(-1)
	return c.choose(-1)
}

// NextDuplicate moves to the next duplicate of the current key only,
// reporting false once the list is exhausted.
func (c *Cursor) NextDuplicate() bool {
	if !c.Valid() || c.dupIdx+1 >= len(c.dups) {
		return false
	}
	c.dupIdx++
	return true
}

// PrevDuplicate moves to the previous duplicate of the current key only.
func (c *Cursor) PrevDuplicate() bool {
	if !c.Valid() || c.dupIdx == 0 {
		return false
	}
	c.dupIdx--
	return true
}

// Reset returns the cursor to its initial, unpositioned state and
// refreshes its view of the transaction's staged operations.
func (c *Cursor) Reset() {
	c.inner.Reset()
	c.innerOK = false
	c.invalidate()
	if c.txn != nil {
		c.pending = collectPending(c.db, c.txn)
	}
	c.pidx = len(c.pending)
}

// Close detaches the cursor. It holds no resources beyond its
// position, so closing is an invalidation.
func (c *Cursor) Close() {
	c.inner.Reset()
	c.innerOK = false
	c.pending = nil
	c.pidx = 0
	c.invalidate()
}

// Clone returns an independent cursor at the same position.
func (c *Cursor) Clone() *Cursor {
	dup := newCursor(c.db, c.txn)
	dup.SkipDuplicates = c.SkipDuplicates
	if c.Valid() {
		if dup.Find(c.curKey, MatchExact) {
			dup.dupIdx = c.dupIdx
			if dup.dupIdx >= len(dup.dups) {
				dup.dupIdx = len(dup.dups) - 1
			}
		}
	}
	return dup
}

// RecordSize returns the byte length of the current record without
// materializing an out-of-leaf blob.
func (c *Cursor) RecordSize() (int, error) {
	if !c.Valid() || c.dupIdx >= len(c.dups) {
		return 0, ErrCursorIsNil
	}
	rec := c.dups[c.dupIdx]
	if rec.IsRef {
		return int(DecodeBlobRef(rec.Value).Size), nil
	}
	return len(rec.Value), nil
}

// withTxn runs fn inside the cursor's transaction, or inside a
// one-shot auto-committed transaction for a committed-only cursor.
func (c *Cursor) withTxn(fn func(*Txn) error) error {
	if c.txn != nil {
		return fn(c.txn)
	}
	return c.db.autoCommit(fn)
}

// refresh re-resolves the cursor at key after a write through it.
func (c *Cursor) refresh(key []byte, dupIdx int) {
	saved := append([]byte(nil), key...)
	c.Reset()
	if c.Find(saved, MatchExact) && dupIdx > 0 {
		if dupIdx >= len(c.dups) {
			dupIdx = len(c.dups) - 1
		}
		c.dupIdx = dupIdx
	}
}

// Insert stores a new key through the cursor and positions it there.
func (c *Cursor) Insert(key, record []byte) error {
	if err := c.withTxn(func(txn *Txn) error {
		return c.db.InsertTxn(txn, key, record)
	}); err != nil {
		return err
	}
	c.refresh(key, 0)
	return nil
}

// InsertDuplicateBefore/InsertDuplicateAfter splice a new duplicate
// relative to the cursor's current position within the key.
func (c *Cursor) InsertDuplicateBefore(record []byte) error {
	return c.insertDuplicateAt(record, DupBefore)
}

func (c *Cursor) InsertDuplicateAfter(record []byte) error {
	return c.insertDuplicateAt(record, DupAfter)
}

func (c *Cursor) insertDuplicateAt(record []byte, pos DupPosition) error {
	if !c.Valid() {
		return ErrCursorIsNil
	}
	key := c.curKey
	idx := c.dupIdx
	if err := c.withTxn(func(txn *Txn) error {
		return c.db.InsertDuplicateAtTxn(txn, key, record, pos, idx)
	}); err != nil {
		return err
	}
	if pos == DupAfter {
		idx++
	}
	c.refresh(key, idx)
	return nil
}

// Overwrite replaces the record the cursor points at: the single
// duplicate at the current index when the key has several, the whole
// record otherwise.
func (c *Cursor) Overwrite(record []byte) error {
	if !c.Valid() {
		return ErrCursorIsNil
	}
	key := c.curKey
	idx := c.dupIdx
	if err := c.withTxn(func(txn *Txn) error {
		if len(c.dups) > 1 {
			// Replace-in-place at idx: remove, then splice before the
			// successor.
			if err := c.db.EraseDuplicateTxn(txn, key, idx); err != nil {
				return err
			}
			if idx >= len(c.dups)-1 {
				return c.db.InsertDuplicateAtTxn(txn, key, record, DupLast, 0)
			}
			return c.db.InsertDuplicateAtTxn(txn, key, record, DupBefore, idx)
		}
		return c.db.OverwriteTxn(txn, key, record)
	}); err != nil {
		return err
	}
	c.refresh(key, idx)
	return nil
}

// Erase removes the current duplicate (or the whole key when it has
// only one record) and steps forward to the next visible entry.
func (c *Cursor) Erase() error {
	if !c.Valid() {
		return ErrCursorIsNil
	}
	key := append([]byte(nil), c.curKey...)
	idx := c.dupIdx
	single := len(c.dups) <= 1
	if err := c.withTxn(func(txn *Txn) error {
		if single {
			return c.db.EraseTxn(txn, key)
		}
		return c.db.EraseDuplicateTxn(txn, key, idx)
	}); err != nil {
		return err
	}
	c.Reset()
	if c.Find(key, MatchGE) && !single {
		if idx < len(c.dups) {
			c.dupIdx = idx
		} else {
			c.dupIdx = len(c.dups) - 1
		}
	}
	return nil
}
