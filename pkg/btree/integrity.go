// ABOUTME: Structural verification of a B+tree: key order, child separator agreement, uniform depth
// ABOUTME: Returns a plain error; the storage layer wraps it into its INTEGRITY_VIOLATED status

package btree

import "fmt"

// CheckIntegrity walks every node and verifies (a) keys are strictly
// ordered under the tree's comparator, (b) each internal slot's key
// equals the first key of the child it points at, (c) no page address
// appears twice, and (d) all leaves sit at the same depth.
func (tree *BTree) CheckIntegrity() error {
	if tree.root == 0 {
		return nil
	}
	seen := make(map[uint64]bool)
	_, err := tree.checkNode(tree.root, 0, -1, seen)
	return err
}

// checkNode verifies the subtree at ptr and returns its leaf depth.
// leafDepth is -1 until the first leaf fixes it.
func (tree *BTree) checkNode(ptr uint64, depth int, leafDepth int, seen map[uint64]bool) (int, error) {
	if seen[ptr] {
		return 0, fmt.Errorf("page %d reachable twice", ptr)
	}
	seen[ptr] = true

	node := BNode(tree.get(ptr))
	btype := node.btype()
	if btype != BNODE_LEAF && btype != BNODE_NODE {
		return 0, fmt.Errorf("page %d has bad node type %d", ptr, btype)
	}
	nkeys := node.nkeys()
	if nkeys == 0 && ptr != tree.root {
		return 0, fmt.Errorf("page %d is empty but not the root", ptr)
	}

	for i := uint16(1); i < nkeys; i++ {
		if cmp(tree.Cmp, node.getKey(i-1), node.getKey(i)) >= 0 {
			return 0, fmt.Errorf("page %d: keys out of order at slot %d", ptr, i)
		}
	}

	if btype == BNODE_LEAF {
		if leafDepth >= 0 && depth != leafDepth {
			return 0, fmt.Errorf("page %d: leaf at depth %d, expected %d", ptr, depth, leafDepth)
		}
		return depth, nil
	}

	for i := uint16(0); i < nkeys; i++ {
		child := BNode(tree.get(node.getPtr(i)))
		if child.nkeys() == 0 {
			return 0, fmt.Errorf("page %d: child %d is empty", ptr, node.getPtr(i))
		}
		if cmp(tree.Cmp, node.getKey(i), child.getKey(0)) != 0 {
			return 0, fmt.Errorf("page %d: slot %d separator disagrees with child's first key", ptr, i)
		}
		var err error
		leafDepth, err = tree.checkNode(node.getPtr(i), depth+1, leafDepth, seen)
		if err != nil {
			return 0, err
		}
	}
	return leafDepth, nil
}

// Walk invokes fn for every reachable page address. The storage layer
// uses this to cross-check reachability against its free list.
func (tree *BTree) Walk(fn func(ptr uint64)) {
	if tree.root == 0 {
		return
	}
	tree.walkNode(tree.root, fn)
}

func (tree *BTree) walkNode(ptr uint64, fn func(ptr uint64)) {
	fn(ptr)
	node := BNode(tree.get(ptr))
	if node.btype() != BNODE_NODE {
		return
	}
	for i := uint16(0); i < node.nkeys(); i++ {
		tree.walkNode(node.getPtr(i), fn)
	}
}
