// ABOUTME: Red-black tree index of pending transaction operations, one per Database
// ABOUTME: Grounded in upscaledb's src/4txn/txn_local.h TxnNode/TxnIndex/TxnOperation design

package storage

import "github.com/upscaledb-go/ups/pkg/btree"

type rbColor bool

const (
	red   rbColor = true
	black rbColor = false
)

// opKind mirrors upscaledb's TxnOperation kInsert/kInsertOverwrite/
// kInsertDuplicate/kErase.
type opKind int

const (
	opInsert opKind = iota
	opInsertOverwrite
	opInsertDuplicate
	opErase
)

// DupPosition says where an insert-duplicate op lands in the key's
// existing duplicate list.
type DupPosition int

const (
	DupLast DupPosition = iota
	DupFirst
	DupBefore
	DupAfter
)

// TxnOperation is one pending write by one transaction against one key.
// Chained two ways: oldest/newest per TxnNode (chronological per-key
// history, walked backward for conflict detection) and per-Txn (applied
// in order at commit). The record is the caller's raw bytes; spilling
// to the blob manager happens only when the op is applied at commit.
type TxnOperation struct {
	kind   opKind
	record []byte
	lsn    uint64

	// dupPos/dupIndex position an insert-duplicate op; for erase,
	// dupIndex >= 0 removes only that duplicate (-1 erases the key).
	dupPos   DupPosition
	dupIndex int

	node *TxnNode
	txn  *Txn

	nextInNode, prevInNode *TxnOperation

	flushed bool
}

// TxnNode is one key's worth of pending history inside a database's TxnIndex.
type TxnNode struct {
	key      []byte
	oldestOp *TxnOperation
	newestOp *TxnOperation

	left, right, parent *TxnNode
	color                rbColor
}

func (n *TxnNode) isRed() bool  { return n != nil && n.color == red }
func (n *TxnNode) isBlack() bool { return n == nil || n.color == black }

// TxnIndex is a red-black tree of TxnNodes keyed by the database's
// comparator, exactly mirroring the per-database pending-operation index
// from upscaledb's LocalTxnManager.
type TxnIndex struct {
	root *TxnNode
	cmp  btree.Comparator
}

// NewTxnIndex creates an empty index under the given key comparator.
func NewTxnIndex(cmp btree.Comparator) *TxnIndex {
	return &TxnIndex{cmp: cmp}
}

func (idx *TxnIndex) less(a, b []byte) int {
	if idx.cmp != nil {
		return idx.cmp(a, b)
	}
	return bytesCompareKeys(a, b)
}

func bytesCompareKeys(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

// Find returns the node for key, or nil.
func (idx *TxnIndex) Find(key []byte) *TxnNode {
	n := idx.root
	for n != nil {
		c := idx.less(key, n.key)
		switch {
		case c == 0:
			return n
		case c < 0:
			n = n.left
		default:
			n = n.right
		}
	}
	return nil
}

// GetOrCreate returns the node for key, inserting a new (empty) one if
// none exists yet.
func (idx *TxnIndex) GetOrCreate(key []byte) *TxnNode {
	var parent *TxnNode
	n := idx.root
	dir := -1
	for n != nil {
		c := idx.less(key, n.key)
		if c == 0 {
			return n
		}
		parent = n
		if c < 0 {
			n = n.left
			dir = -1
		} else {
			n = n.right
			dir = 1
		}
	}

	node := &TxnNode{key: append([]byte(nil), key...), color: red, parent: parent}
	if parent == nil {
		idx.root = node
	} else if dir < 0 {
		parent.left = node
	} else {
		parent.right = node
	}
	idx.insertFixup(node)
	return node
}

// First returns the in-order minimum node, or nil if the index is empty.
func (idx *TxnIndex) First() *TxnNode {
	n := idx.root
	if n == nil {
		return nil
	}
	for n.left != nil {
		n = n.left
	}
	return n
}

// Last returns the in-order maximum node, or nil if the index is empty.
func (idx *TxnIndex) Last() *TxnNode {
	n := idx.root
	if n == nil {
		return nil
	}
	for n.right != nil {
		n = n.right
	}
	return n
}

// Successor returns the in-order next node after n.
func (idx *TxnIndex) Successor(n *TxnNode) *TxnNode {
	if n.right != nil {
		m := n.right
		for m.left != nil {
			m = m.left
		}
		return m
	}
	m := n
	p := m.parent
	for p != nil && m == p.right {
		m = p
		p = p.parent
	}
	return p
}

// Predecessor returns the in-order previous node before n.
func (idx *TxnIndex) Predecessor(n *TxnNode) *TxnNode {
	if n.left != nil {
		m := n.left
		for m.right != nil {
			m = m.right
		}
		return m
	}
	m := n
	p := m.parent
	for p != nil && m == p.left {
		m = p
		p = p.parent
	}
	return p
}

// Remove deletes an emptied node (no remaining operations) from the tree.
func (idx *TxnIndex) Remove(z *TxnNode) {
	y := z
	yOriginalColor := y.color
	var x, xParent *TxnNode

	if z.left == nil {
		x = z.right
		xParent = z.parent
		idx.transplant(z, z.right)
	} else if z.right == nil {
		x = z.left
		xParent = z.parent
		idx.transplant(z, z.left)
	} else {
		y = z.right
		for y.left != nil {
			y = y.left
		}
		yOriginalColor = y.color
		x = y.right
		if y.parent == z {
			xParent = y
		} else {
			xParent = y.parent
			idx.transplant(y, y.right)
			y.right = z.right
			y.right.parent = y
		}
		idx.transplant(z, y)
		y.left = z.left
		y.left.parent = y
		y.color = z.color
	}

	if yOriginalColor == black {
		idx.deleteFixup(x, xParent)
	}
}

func (idx *TxnIndex) transplant(u, v *TxnNode) {
	if u.parent == nil {
		idx.root = v
	} else if u == u.parent.left {
		u.parent.left = v
	} else {
		u.parent.right = v
	}
	if v != nil {
		v.parent = u.parent
	}
}

func (idx *TxnIndex) rotateLeft(x *TxnNode) {
	y := x.right
	x.right = y.left
	if y.left != nil {
		y.left.parent = x
	}
	y.parent = x.parent
	if x.parent == nil {
		idx.root = y
	} else if x == x.parent.left {
		x.parent.left = y
	} else {
		x.parent.right = y
	}
	y.left = x
	x.parent = y
}

func (idx *TxnIndex) rotateRight(x *TxnNode) {
	y := x.left
	x.left = y.right
	if y.right != nil {
		y.right.parent = x
	}
	y.parent = x.parent
	if x.parent == nil {
		idx.root = y
	} else if x == x.parent.right {
		x.parent.right = y
	} else {
		x.parent.left = y
	}
	y.right = x
	x.parent = y
}

func (idx *TxnIndex) insertFixup(z *TxnNode) {
	for z.parent.isRed() {
		if z.parent == z.parent.parent.left {
			y := z.parent.parent.right
			if y.isRed() {
				z.parent.color = black
				y.color = black
				z.parent.parent.color = red
				z = z.parent.parent
			} else {
				if z == z.parent.right {
					z = z.parent
					idx.rotateLeft(z)
				}
				z.parent.color = black
				z.parent.parent.color = red
				idx.rotateRight(z.parent.parent)
			}
		} else {
			y := z.parent.parent.left
			if y.isRed() {
				z.parent.color = black
				y.color = black
				z.parent.parent.color = red
				z = z.parent.parent
			} else {
				if z == z.parent.left {
					z = z.parent
					idx.rotateRight(z)
				}
				z.parent.color = black
				z.parent.parent.color = red
				idx.rotateLeft(z.parent.parent)
			}
		}
		if z == idx.root {
			break
		}
	}
	idx.root.color = black
}

func (idx *TxnIndex) deleteFixup(x, parent *TxnNode) {
	for x != idx.root && x.isBlack() {
		if parent == nil {
			break
		}
		if x == parent.left {
			w := parent.right
			if w.isRed() {
				w.color = black
				parent.color = red
				idx.rotateLeft(parent)
				w = parent.right
			}
			if w == nil {
				x = parent
				parent = x.parent
				continue
			}
			if w.left.isBlack() && w.right.isBlack() {
				w.color = red
				x = parent
				parent = x.parent
			} else {
				if w.right.isBlack() {
					if w.left != nil {
						w.left.color = black
					}
					w.color = red
					idx.rotateRight(w)
					w = parent.right
				}
				w.color = parent.color
				parent.color = black
				if w.right != nil {
					w.right.color = black
				}
				idx.rotateLeft(parent)
				x = idx.root
				parent = nil
			}
		} else {
			w := parent.left
			if w.isRed() {
				w.color = black
				parent.color = red
				idx.rotateRight(parent)
				w = parent.left
			}
			if w == nil {
				x = parent
				parent = x.parent
				continue
			}
			if w.right.isBlack() && w.left.isBlack() {
				w.color = red
				x = parent
				parent = x.parent
			} else {
				if w.left.isBlack() {
					if w.right != nil {
						w.right.color = black
					}
					w.color = red
					idx.rotateLeft(w)
					w = parent.left
				}
				w.color = parent.color
				parent.color = black
				if w.left != nil {
					w.left.color = black
				}
				idx.rotateRight(parent)
				x = idx.root
				parent = nil
			}
		}
	}
	if x != nil {
		x.color = black
	}
}
