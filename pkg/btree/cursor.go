// ABOUTME: Cursor coupling state on top of BIter
// ABOUTME: Tracks whether a cursor is coupled to a live leaf slot, uncoupled (key-only), or nil

package btree

// CouplingState mirrors the three cursor states from the upscaledb
// cursor design: a cursor is either coupled directly to a leaf page and
// slot index, uncoupled and remembering only the last key it saw (after
// the underlying page was evicted or mutated out from under it), or nil
// (never positioned / explicitly reset).
type CouplingState int

const (
	StateNil CouplingState = iota
	StateCoupled
	StateUncoupled
)

// Cursor wraps a BIter with coupling bookkeeping. The owner calls
// Uncouple explicitly (nothing calls it on page eviction), and the next
// move then re-seeks by key instead of dereferencing a stale page.
type Cursor struct {
	iter  *BIter
	state CouplingState
	key   []byte // remembered key while uncoupled
}

// NewCursor creates a cursor over the tree, initially nil.
func (tree *BTree) NewCursor() *Cursor {
	return &Cursor{iter: tree.NewIterator(), state: StateNil}
}

// Find couples the cursor to the match for key under mode, or leaves it
// nil if nothing satisfies mode.
func (c *Cursor) Find(key []byte, mode MatchMode) bool {
	if !c.iter.SeekMatch(key, mode) {
		c.state = StateNil
		c.key = nil
		return false
	}
	c.state = StateCoupled
	c.key = append(c.key[:0], c.iter.Key()...)
	return true
}

// First couples the cursor to the smallest key in the tree.
func (c *Cursor) First() bool {
	if !c.iter.seekFirst() {
		c.state = StateNil
		c.key = nil
		return false
	}
	c.state = StateCoupled
	c.key = append(c.key[:0], c.iter.Key()...)
	return true
}

// Last couples the cursor to the largest key in the tree.
func (c *Cursor) Last() bool {
	if !c.iter.seekLast() {
		c.state = StateNil
		c.key = nil
		return false
	}
	c.state = StateCoupled
	c.key = append(c.key[:0], c.iter.Key()...)
	return true
}

// Uncouple demotes a coupled cursor to remembering only its current key,
// used when the page it points at is about to be reallocated by a write.
func (c *Cursor) Uncouple() {
	if c.state != StateCoupled {
		return
	}
	c.key = append(c.key[:0], c.iter.Key()...)
	c.state = StateUncoupled
}

// recouple re-seeks an uncoupled cursor onto its remembered key.
func (c *Cursor) recouple() bool {
	if c.state != StateUncoupled {
		return c.state == StateCoupled
	}
	ok := c.iter.SeekMatch(c.key, MatchGE)
	if ok {
		c.state = StateCoupled
	} else {
		c.state = StateNil
	}
	return ok
}

// Valid reports whether the cursor is positioned at a live key.
func (c *Cursor) Valid() bool {
	switch c.state {
	case StateCoupled:
		return c.iter.Valid()
	case StateUncoupled:
		return len(c.key) > 0
	default:
		return false
	}
}

// Key returns the current key; an uncoupled cursor returns its remembered
// key without re-seeking.
func (c *Cursor) Key() []byte {
	if c.state == StateUncoupled {
		return c.key
	}
	if !c.Valid() {
		return nil
	}
	return c.iter.Key()
}

// Value returns the current raw slot value, re-coupling first if necessary.
func (c *Cursor) Value() []byte {
	if c.state == StateUncoupled {
		if !c.recouple() {
			return nil
		}
	}
	if !c.Valid() {
		return nil
	}
	return c.iter.Val()
}

// Flags returns the current slot's flag byte, re-coupling first if necessary.
func (c *Cursor) Flags() byte {
	if c.state == StateUncoupled {
		if !c.recouple() {
			return 0
		}
	}
	if !c.Valid() {
		return 0
	}
	return c.iter.Flags()
}

// Next advances the cursor, re-coupling first if necessary.
func (c *Cursor) Next() bool {
	if c.state == StateUncoupled && !c.recouple() {
		return false
	}
	if c.state != StateCoupled {
		return false
	}
	if !c.iter.Next() {
		c.state = StateNil
		return false
	}
	c.key = append(c.key[:0], c.iter.Key()...)
	return true
}

// Previous steps the cursor backward, re-coupling first if necessary.
func (c *Cursor) Previous() bool {
	if c.state == StateUncoupled && !c.recouple() {
		return false
	}
	if c.state != StateCoupled {
		return false
	}
	if !c.iter.prev() {
		c.state = StateNil
		return false
	}
	c.key = append(c.key[:0], c.iter.Key()...)
	return true
}

// Reset returns the cursor to the nil state.
func (c *Cursor) Reset() {
	c.state = StateNil
	c.key = nil
}
