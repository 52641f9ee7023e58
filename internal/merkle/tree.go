// Package merkle implements the Poseidon-hashed, sparse, append-only
// Merkle tree backing the identity registry. It holds no database
// reference: callers are responsible for the transactional persistence
// dance described in the identity package, and for only calling
// ApplyUpdates after that transaction has committed.
package merkle

import (
	"errors"
	"fmt"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"

	"github.com/annex-server/annex/internal/zkcrypto"
)

// ErrTreeFull is returned by Insert/PreviewInsert when the tree has no
// remaining leaf slots.
var ErrTreeFull = errors.New("merkle: tree is full")

// ErrInvalidIndex is returned by GetProof for an index that has not yet
// been assigned a leaf.
type ErrInvalidIndex struct{ Index uint64 }

func (e *ErrInvalidIndex) Error() string {
	return fmt.Sprintf("merkle: invalid leaf index %d", e.Index)
}

// nodeKey identifies a node by (level, index); level 0 is the leaves,
// level Depth is the root.
type nodeKey struct {
	level uint
	index uint64
}

// Update is a single (level, index) -> value change produced by
// PreviewInsert and later applied by ApplyUpdates.
type Update struct {
	Level uint
	Index uint64
	Value fr.Element
}

// InsertionPreview is the result of computing an insertion without
// mutating the tree: the assigned leaf index, the resulting root, and the
// list of node updates required to realize it.
type InsertionPreview struct {
	LeafIndex uint64
	NewRoot   fr.Element
	Updates   []Update
}

// Tree is a depth-D binary Merkle tree of BN254 scalar-field elements,
// stored sparsely: only nodes that differ from the precomputed per-level
// zero hash are kept in memory.
type Tree struct {
	depth     uint
	nextIndex uint64
	nodes     map[nodeKey]fr.Element
	zeros     []fr.Element
}

// New builds an empty tree of the given depth (capacity 2^depth leaves),
// precomputing the zero-hash table zeros[0]=0, zeros[i+1]=Poseidon(zeros[i], zeros[i]).
func New(depth uint) (*Tree, error) {
	zeros := make([]fr.Element, depth+1)
	// zeros[0] stays the zero element.
	for i := uint(0); i < depth; i++ {
		h, err := zkcrypto.Hash2(zeros[i], zeros[i])
		if err != nil {
			return nil, fmt.Errorf("merkle: precomputing zero hash at level %d: %w", i, err)
		}
		zeros[i+1] = h
	}
	return &Tree{
		depth: depth,
		nodes: make(map[nodeKey]fr.Element),
		zeros: zeros,
	}, nil
}

// Depth returns the tree's configured depth.
func (t *Tree) Depth() uint { return t.depth }

// NextIndex returns the next leaf index that would be assigned.
func (t *Tree) NextIndex() uint64 { return t.nextIndex }

func (t *Tree) nodeOrZero(level uint, index uint64) fr.Element {
	if v, ok := t.nodes[nodeKey{level, index}]; ok {
		return v
	}
	return t.zeros[level]
}

// Root returns the current root, or the depth-D zero hash for an empty tree.
func (t *Tree) Root() fr.Element {
	return t.nodeOrZero(t.depth, 0)
}

// RootHex returns the current root as 64-char lowercase hex.
func (t *Tree) RootHex() string {
	return zkcrypto.ElementToHex(t.Root())
}

// PreviewInsert computes the updates required to insert leaf at the next
// available index, without mutating the tree. Call ApplyUpdates with the
// result only after the corresponding durable write has committed.
func (t *Tree) PreviewInsert(leaf fr.Element) (*InsertionPreview, error) {
	if t.nextIndex >= uint64(1)<<t.depth {
		return nil, ErrTreeFull
	}

	index := t.nextIndex
	currentIdx := index
	currentVal := leaf

	updates := make([]Update, 0, t.depth+1)
	updates = append(updates, Update{Level: 0, Index: currentIdx, Value: currentVal})

	for level := uint(0); level < t.depth; level++ {
		siblingIdx := currentIdx ^ 1
		siblingVal := t.nodeOrZero(level, siblingIdx)

		var parent fr.Element
		var err error
		if currentIdx%2 == 0 {
			parent, err = zkcrypto.Hash2(currentVal, siblingVal)
		} else {
			parent, err = zkcrypto.Hash2(siblingVal, currentVal)
		}
		if err != nil {
			return nil, fmt.Errorf("merkle: hashing level %d: %w", level, err)
		}

		currentIdx /= 2
		currentVal = parent
		updates = append(updates, Update{Level: level + 1, Index: currentIdx, Value: currentVal})
	}

	return &InsertionPreview{LeafIndex: index, NewRoot: currentVal, Updates: updates}, nil
}

// ApplyUpdates applies a previously-computed preview's updates and
// advances NextIndex. It must only be called after the caller's durable
// write for the same insertion has committed.
func (t *Tree) ApplyUpdates(nextIndex uint64, updates []Update) {
	t.nextIndex = nextIndex
	for _, u := range updates {
		t.nodes[nodeKey{u.Level, u.Index}] = u.Value
	}
}

// Insert is PreviewInsert immediately followed by ApplyUpdates — a
// convenience for callers (tests, fixture loading) that have no
// transactional boundary of their own to interpose.
func (t *Tree) Insert(leaf fr.Element) (uint64, error) {
	preview, err := t.PreviewInsert(leaf)
	if err != nil {
		return 0, err
	}
	t.ApplyUpdates(preview.LeafIndex+1, preview.Updates)
	return preview.LeafIndex, nil
}

// Proof is a Merkle inclusion proof: sibling values and the direction bit
// (0 = current node is the left child, 1 = right child) at each level.
type Proof struct {
	PathElements []fr.Element
	PathIndices  []uint8
}

// GetProof returns the inclusion proof for the leaf at index. Folding the
// leaf value with PathElements according to PathIndices reproduces Root().
func (t *Tree) GetProof(index uint64) (*Proof, error) {
	if index >= t.nextIndex {
		return nil, &ErrInvalidIndex{Index: index}
	}

	elements := make([]fr.Element, 0, t.depth)
	indices := make([]uint8, 0, t.depth)

	currentIdx := index
	for level := uint(0); level < t.depth; level++ {
		siblingIdx := currentIdx ^ 1
		elements = append(elements, t.nodeOrZero(level, siblingIdx))
		indices = append(indices, uint8(currentIdx%2))
		currentIdx /= 2
	}

	return &Proof{PathElements: elements, PathIndices: indices}, nil
}

// LeafRecord is a durable leaf row, ordered by LeafIndex, as read back by
// Restore.
type LeafRecord struct {
	LeafIndex  uint64
	Commitment fr.Element
}

// Restore rebuilds a tree of the given depth by re-inserting leaves in
// leafIndex order. Callers compare the recomputed root against any stored
// active root themselves; per the persistence design, a mismatch is
// logged and the recomputed root is trusted, never the stored one.
func Restore(depth uint, leaves []LeafRecord) (*Tree, error) {
	t, err := New(depth)
	if err != nil {
		return nil, err
	}
	for _, l := range leaves {
		idx, err := t.Insert(l.Commitment)
		if err != nil {
			return nil, fmt.Errorf("merkle: restoring leaf %d: %w", l.LeafIndex, err)
		}
		if idx != l.LeafIndex {
			return nil, fmt.Errorf("merkle: restore order mismatch: expected leaf %d, inserted at %d", l.LeafIndex, idx)
		}
	}
	return t, nil
}
