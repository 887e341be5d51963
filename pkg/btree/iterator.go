// ABOUTME: B+Tree iterator for range scans
// ABOUTME: Implements SeekLE and Next for forward iteration

package btree

// BIter represents an iterator over the B+Tree
type BIter struct {
	tree *BTree
	path []BNode  // Stack of nodes from root to current leaf
	pos  []uint16 // Stack of positions at each level
}

// NewIterator creates a new iterator for the tree
func (tree *BTree) NewIterator() *BIter {
	return &BIter{
		tree: tree,
		path: make([]BNode, 0, 8),   // Pre-allocate for typical tree height
		pos:  make([]uint16, 0, 8),
	}
}

// SeekLE positions the iterator at the first key <= the given key
// Returns false if the tree is empty
func (iter *BIter) SeekLE(key []byte) bool {
	iter.path = iter.path[:0]
	iter.pos = iter.pos[:0]

	if iter.tree.root == 0 {
		return false
	}

	// Navigate from root to leaf
	node := BNode(iter.tree.get(iter.tree.root))
	for {
		iter.path = append(iter.path, node)
		idx := nodeLookupLEWith(iter.tree.Cmp, node, key)
		iter.pos = append(iter.pos, idx)

		if node.btype() == BNODE_LEAF {
			break
		}

		// Internal node - descend to child
		ptr := node.getPtr(idx)
		node = BNode(iter.tree.get(ptr))
	}

	return true
}

// Valid returns true if the iterator is positioned at a valid key
func (iter *BIter) Valid() bool {
	if len(iter.path) == 0 {
		return false
	}

	leaf := iter.path[len(iter.path)-1]
	pos := iter.pos[len(iter.pos)-1]

	// Check if we're past the last key
	return pos < leaf.nkeys()
}

// Key returns the current key
func (iter *BIter) Key() []byte {
	if !iter.Valid() {
		return nil
	}

	leaf := iter.path[len(iter.path)-1]
	pos := iter.pos[len(iter.pos)-1]
	return leaf.getKey(pos)
}

// Val returns the current value
func (iter *BIter) Val() []byte {
	if !iter.Valid() {
		return nil
	}

	leaf := iter.path[len(iter.path)-1]
	pos := iter.pos[len(iter.pos)-1]
	return leaf.getVal(pos)
}

// Flags returns the current slot's flag byte (duplicate/blob markers).
func (iter *BIter) Flags() byte {
	if !iter.Valid() {
		return 0
	}
	leaf := iter.path[len(iter.path)-1]
	pos := iter.pos[len(iter.pos)-1]
	return leaf.getFlags(pos)
}

// Next advances the iterator to the next key
// Returns false if there are no more keys
func (iter *BIter) Next() bool {
	if len(iter.path) == 0 {
		return false
	}

	// Try to advance within current leaf
	leafIdx := len(iter.pos) - 1
	iter.pos[leafIdx]++

	leaf := iter.path[leafIdx]
	if iter.pos[leafIdx] < leaf.nkeys() {
		return true // Still within current leaf
	}

	// Need to move to next leaf - backtrack up the tree
	// Pop the leaf level
	iter.path = iter.path[:leafIdx]
	iter.pos = iter.pos[:leafIdx]

	// Backtrack to find a parent with more children
	for len(iter.pos) > 0 {
		parentIdx := len(iter.pos) - 1
		iter.pos[parentIdx]++

		parent := iter.path[parentIdx]
		if iter.pos[parentIdx] < parent.nkeys() {
			// Found a parent with more children - descend to leftmost leaf
			return iter.descendToLeftmost()
		}

		// This parent is exhausted too, pop it
		iter.path = iter.path[:parentIdx]
		iter.pos = iter.pos[:parentIdx]
	}

	// Reached end of tree
	return false
}

// descendToLeftmost descends from the current position to the leftmost leaf
func (iter *BIter) descendToLeftmost() bool {
	for {
		parentIdx := len(iter.path) - 1
		parent := iter.path[parentIdx]
		pos := iter.pos[parentIdx]

		// Get child pointer
		ptr := parent.getPtr(pos)
		child := BNode(iter.tree.get(ptr))

		// Add child to path
		iter.path = append(iter.path, child)

		if child.btype() == BNODE_LEAF {
			// Reached leaf - start at first key
			iter.pos = append(iter.pos, 0)
			return true
		}

		// Internal node - continue descending
		iter.pos = append(iter.pos, 0)
	}
}

// MatchMode selects how SeekMatch resolves a key that isn't present exactly.
type MatchMode int

const (
	MatchExact MatchMode = iota
	MatchLT
	MatchLE
	MatchGT
	MatchGE
	MatchNear // prefer LE, fall back to GE
)

// onSentinel reports whether the iterator sits on the tree's internal
// empty sentinel key (the first slot ever written, covering the whole
// key space). User keys are never empty, so the sentinel must not leak
// out of approximate-match seeks.
func (iter *BIter) onSentinel() bool {
	return iter.Valid() && len(iter.Key()) == 0
}

// SeekMatch positions the iterator according to mode and reports whether a
// matching key was found. It is the traversal primitive behind spec-level
// approximate-match lookups (ups_db_find/ups_cursor_find with UPS_FIND_*).
func (iter *BIter) SeekMatch(key []byte, mode MatchMode) bool {
	if !iter.SeekLE(key) {
		if mode == MatchGT || mode == MatchGE || mode == MatchNear {
			return iter.seekFirst()
		}
		return false
	}

	exact := iter.Valid() && !iter.onSentinel() && cmp(iter.tree.Cmp, iter.Key(), key) == 0

	switch mode {
	case MatchExact:
		return exact
	case MatchLE:
		return iter.Valid() && !iter.onSentinel()
	case MatchLT:
		if exact {
			if !iter.prev() {
				return false
			}
		}
		return iter.Valid() && !iter.onSentinel()
	case MatchGE:
		if exact {
			return true
		}
		return iter.Next()
	case MatchGT:
		return iter.Next()
	case MatchNear:
		if iter.Valid() && !iter.onSentinel() {
			return true
		}
		return iter.Next()
	default:
		return exact
	}
}

// seekFirst repositions the iterator at the smallest user key in the
// tree, stepping over the sentinel slot.
func (iter *BIter) seekFirst() bool {
	iter.path = iter.path[:0]
	iter.pos = iter.pos[:0]
	if iter.tree.root == 0 {
		return false
	}
	node := BNode(iter.tree.get(iter.tree.root))
	for {
		iter.path = append(iter.path, node)
		iter.pos = append(iter.pos, 0)
		if node.btype() == BNODE_LEAF {
			break
		}
		node = BNode(iter.tree.get(node.getPtr(0)))
	}
	if iter.onSentinel() {
		return iter.Next()
	}
	return iter.Valid()
}

// seekLast repositions the iterator at the largest key in the tree.
func (iter *BIter) seekLast() bool {
	iter.path = iter.path[:0]
	iter.pos = iter.pos[:0]
	if iter.tree.root == 0 {
		return false
	}
	node := BNode(iter.tree.get(iter.tree.root))
	for {
		iter.path = append(iter.path, node)
		iter.pos = append(iter.pos, node.nkeys()-1)
		if node.btype() == BNODE_LEAF {
			break
		}
		node = BNode(iter.tree.get(node.getPtr(node.nkeys() - 1)))
	}
	if iter.onSentinel() {
		// Only the sentinel is left: the tree holds no user keys.
		return false
	}
	return iter.Valid()
}

// prev steps the iterator one position backward, stopping before the
// sentinel slot. Used by MatchLT to back off an exact hit onto its
// predecessor and by reverse cursor movement.
func (iter *BIter) prev() bool {
	for lvl := len(iter.pos) - 1; lvl >= 0; lvl-- {
		if iter.pos[lvl] > 0 {
			iter.pos[lvl]--
			iter.path = iter.path[:lvl+1]
			iter.pos = iter.pos[:lvl+1]
			if !iter.descendToRightmost() {
				return false
			}
			return !iter.onSentinel()
		}
		iter.path = iter.path[:lvl]
		iter.pos = iter.pos[:lvl]
	}
	return false
}

// descendToRightmost descends from the current position to the rightmost leaf.
func (iter *BIter) descendToRightmost() bool {
	for {
		parentIdx := len(iter.path) - 1
		parent := iter.path[parentIdx]
		pos := iter.pos[parentIdx]

		if parent.btype() == BNODE_LEAF {
			return pos < parent.nkeys()
		}

		ptr := parent.getPtr(pos)
		child := BNode(iter.tree.get(ptr))
		iter.path = append(iter.path, child)
		if child.btype() == BNODE_LEAF {
			iter.pos = append(iter.pos, child.nkeys()-1)
			return true
		}
		iter.pos = append(iter.pos, child.nkeys()-1)
	}
}

// Scan executes a range scan from the given start key
// Calls the callback for each key-value pair until callback returns false
func (tree *BTree) Scan(start []byte, callback func(key, val []byte) bool) {
	iter := tree.NewIterator()
	if !iter.SeekLE(start) {
		return
	}

	// If seeked key is less than start, advance to next
	if cmp(tree.Cmp, iter.Key(), start) < 0 {
		if !iter.Next() {
			return
		}
	}

	// Iterate until callback returns false
	for iter.Valid() {
		if !callback(iter.Key(), iter.Val()) {
			return
		}
		if !iter.Next() {
			return
		}
	}
}
