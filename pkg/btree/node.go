// ABOUTME: B+Tree node structure and manipulation functions
// ABOUTME: Implements copy-on-write node operations for crash safety

package btree

import (
	"encoding/binary"
)

const (
	BNODE_NODE = 1 // internal nodes without values
	BNODE_LEAF = 2 // leaf nodes with values
)

// Per-slot flag bits, stored in a separate byte after the key and value
// length fields.
// A duplicate slot's "value" is either an inline DuplicateList or a
// BlobRef pointing at an out-of-leaf duplicate table.
const (
	slotFlagNone      = 0
	slotFlagDuplicate = 1 << 0
	slotFlagBlob      = 1 << 1
)

// Exported aliases so callers outside the package (Database, Cursor) can
// tag and inspect slots without reaching into package internals.
const (
	FlagNone      = slotFlagNone
	FlagDuplicate = slotFlagDuplicate
	FlagBlob      = slotFlagBlob
)

const (
	HEADER             = 4
	BTREE_PAGE_SIZE    = 4096
	BTREE_MAX_KEY_SIZE = 1000
	BTREE_MAX_VAL_SIZE = 3000
)

// Comparator orders keys the way a Database's KeyType requires. Returns
// <0, 0, >0 the way bytes.Compare does. The zero value (nil field) falls
// back to bytes.Compare in every function below.
type Comparator func(a, b []byte) int

// BNode represents a B+Tree node as a byte slice
type BNode []byte

// btype returns the node type (internal or leaf)
func (node BNode) btype() uint16 {
	return binary.LittleEndian.Uint16(node[0:2])
}

// nkeys returns the number of keys in the node
func (node BNode) nkeys() uint16 {
	return binary.LittleEndian.Uint16(node[2:4])
}

// Btype, Nkeys and GetPtr expose a node's type, key count and child
// pointers to callers outside the package (Environment's reachability
// walk when erasing a database) without handing out mutation access.
func (node BNode) Btype() uint16        { return node.btype() }
func (node BNode) Nkeys() uint16        { return node.nkeys() }
func (node BNode) GetPtr(idx uint16) uint64 { return node.getPtr(idx) }

// setHeader sets the node type and number of keys
func (node BNode) setHeader(btype uint16, nkeys uint16) {
	binary.LittleEndian.PutUint16(node[0:2], btype)
	binary.LittleEndian.PutUint16(node[2:4], nkeys)
}

// getPtr returns the pointer at the given index
func (node BNode) getPtr(idx uint16) uint64 {
	if idx >= node.nkeys() {
		panic("index out of range")
	}
	pos := HEADER + 8*idx
	return binary.LittleEndian.Uint64(node[pos:])
}

// setPtr sets the pointer at the given index
func (node BNode) setPtr(idx uint16, val uint64) {
	if idx >= node.nkeys() {
		panic("index out of range")
	}
	pos := HEADER + 8*idx
	binary.LittleEndian.PutUint64(node[pos:], val)
}

// offsetPos returns the position of the offset for the given index
func offsetPos(node BNode, idx uint16) uint16 {
	if idx < 1 || idx > node.nkeys() {
		panic("index out of range")
	}
	return HEADER + 8*node.nkeys() + 2*(idx-1)
}

// getOffset returns the offset for the given index
func (node BNode) getOffset(idx uint16) uint16 {
	if idx == 0 {
		return 0
	}
	return binary.LittleEndian.Uint16(node[offsetPos(node, idx):])
}

// setOffset sets the offset for the given index
func (node BNode) setOffset(idx uint16, offset uint16) {
	binary.LittleEndian.PutUint16(node[offsetPos(node, idx):], offset)
}

// kvPos returns the position of the nth KV pair
func (node BNode) kvPos(idx uint16) uint16 {
	if idx > node.nkeys() {
		panic("index out of range")
	}
	return HEADER + 8*node.nkeys() + 2*node.nkeys() + node.getOffset(idx)
}

// getKey returns the key at the given index
func (node BNode) getKey(idx uint16) []byte {
	if idx >= node.nkeys() {
		panic("index out of range")
	}
	pos := node.kvPos(idx)
	klen := binary.LittleEndian.Uint16(node[pos:])
	return node[pos+5:][:klen]
}

// getVal returns the raw value slot at the given index. For a duplicate
// slot this is an encoded DuplicateList or BlobRef, not the record bytes.
func (node BNode) getVal(idx uint16) []byte {
	if idx >= node.nkeys() {
		panic("index out of range")
	}
	pos := node.kvPos(idx)
	klen := binary.LittleEndian.Uint16(node[pos+0:])
	vlen := binary.LittleEndian.Uint16(node[pos+2:])
	return node[pos+5+klen:][:vlen]
}

// getFlags returns the per-slot flag byte (slotFlagDuplicate/slotFlagBlob).
func (node BNode) getFlags(idx uint16) byte {
	if idx >= node.nkeys() {
		panic("index out of range")
	}
	pos := node.kvPos(idx)
	return node[pos+4]
}

// isDuplicate reports whether the slot holds a duplicate-key record list.
func (node BNode) isDuplicate(idx uint16) bool {
	return node.getFlags(idx)&slotFlagDuplicate != 0
}

// nbytes returns the node size in bytes
func (node BNode) nbytes() uint16 {
	return node.kvPos(node.nkeys())
}

// cmp applies the comparator, defaulting to a byte-lexicographic order.
// The tree's empty sentinel key orders before every user key without
// reaching the comparator, so typed comparators (fixed-width decodes)
// never see an empty operand.
func cmp(c Comparator, a, b []byte) int {
	if c != nil {
		if len(a) == 0 || len(b) == 0 {
			return len(a) - len(b)
		}
		return c(a, b)
	}
	return bytesCompare(a, b)
}

func bytesCompare(a, b []byte) int {
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

// nodeLookupLE returns the first kid node whose range intersects the key
// Returns the index where key should be inserted or found
func nodeLookupLE(node BNode, key []byte) uint16 {
	return nodeLookupLEWith(nil, node, key)
}

// nodeLookupLEWith is nodeLookupLE with an explicit key comparator.
func nodeLookupLEWith(c Comparator, node BNode, key []byte) uint16 {
	nkeys := node.nkeys()
	found := uint16(0)

	// The first key is a copy from the parent node,
	// thus it's always less than or equal to the key
	for i := uint16(1); i < nkeys; i++ {
		got := cmp(c, node.getKey(i), key)
		if got <= 0 {
			found = i
		}
		if got >= 0 {
			break
		}
	}
	return found
}

// nodeAppendRange copies a range of KVs from old node to new node
func nodeAppendRange(
	new BNode, old BNode,
	dstNew uint16, srcOld uint16, n uint16,
) {
	if srcOld+n > old.nkeys() {
		panic("source range out of bounds")
	}
	if dstNew+n > new.nkeys() {
		panic("destination range out of bounds")
	}

	if n == 0 {
		return
	}

	// Copy pointers for internal nodes
	if old.btype() == BNODE_NODE {
		for i := uint16(0); i < n; i++ {
			new.setPtr(dstNew+i, old.getPtr(srcOld+i))
		}
	}

	// Copy offsets
	dstBegin := new.getOffset(dstNew)
	srcBegin := old.getOffset(srcOld)

	for i := uint16(1); i <= n; i++ {
		offset := dstBegin + old.getOffset(srcOld+i) - srcBegin
		new.setOffset(dstNew+i, offset)
	}

	// Copy actual KV data
	begin := old.kvPos(srcOld)
	end := old.kvPos(srcOld + n)
	copy(new[new.kvPos(dstNew):], old[begin:end])
}

// nodeAppendKV appends a single KV to the node with no slot flags set.
func nodeAppendKV(new BNode, idx uint16, ptr uint64, key []byte, val []byte) {
	nodeAppendKVFlags(new, idx, ptr, key, val, slotFlagNone)
}

// nodeAppendKVFlags appends a single KV to the node, tagging the slot
// with the given flags (duplicate list / blob reference).
func nodeAppendKVFlags(new BNode, idx uint16, ptr uint64, key []byte, val []byte, flags byte) {
	// Set pointer for internal nodes
	new.setPtr(idx, ptr)

	// KV
	pos := new.kvPos(idx)
	binary.LittleEndian.PutUint16(new[pos+0:], uint16(len(key)))
	binary.LittleEndian.PutUint16(new[pos+2:], uint16(len(val)))
	new[pos+4] = flags
	copy(new[pos+5:], key)
	copy(new[pos+5+uint16(len(key)):], val)

	// Offset of the next key
	new.setOffset(idx+1, new.getOffset(idx)+5+uint16(len(key)+len(val)))
}

func init() {
	node1max := HEADER + 8 + 2 + 5 + BTREE_MAX_KEY_SIZE + BTREE_MAX_VAL_SIZE
	if node1max > BTREE_PAGE_SIZE {
		panic("node size exceeds page size")
	}
}
