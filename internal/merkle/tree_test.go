package merkle

import (
	"testing"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/stretchr/testify/require"

	"github.com/annex-server/annex/internal/zkcrypto"
)

func feUint(v uint64) fr.Element {
	var e fr.Element
	e.SetUint64(v)
	return e
}

func TestNewEmptyTreeRootIsZeroHash(t *testing.T) {
	tree, err := New(5)
	require.NoError(t, err)
	require.EqualValues(t, 5, tree.Depth())
	require.EqualValues(t, 0, tree.NextIndex())
	root := tree.Root()
	require.True(t, root.Equal(&tree.zeros[5]))
}

func TestInsertUpdatesRootAndAssignsSequentialIndices(t *testing.T) {
	tree, err := New(3)
	require.NoError(t, err)
	initialRoot := tree.Root()

	idx0, err := tree.Insert(feUint(1))
	require.NoError(t, err)
	require.EqualValues(t, 0, idx0)
	newRoot := tree.Root()
	require.False(t, newRoot.Equal(&initialRoot))

	idx1, err := tree.Insert(feUint(2))
	require.NoError(t, err)
	require.EqualValues(t, 1, idx1)
}

func TestProofFoldsToRoot(t *testing.T) {
	tree, err := New(3)
	require.NoError(t, err)

	leaf := feUint(123)
	idx, err := tree.Insert(leaf)
	require.NoError(t, err)

	proof, err := tree.GetProof(idx)
	require.NoError(t, err)
	require.Len(t, proof.PathElements, 3)

	current := leaf
	for i, sibling := range proof.PathElements {
		var next fr.Element
		var hashErr error
		if proof.PathIndices[i] == 0 {
			next, hashErr = zkcrypto.Hash2(current, sibling)
		} else {
			next, hashErr = zkcrypto.Hash2(sibling, current)
		}
		require.NoError(t, hashErr)
		current = next
	}

	root := tree.Root()
	require.True(t, current.Equal(&root), "folded proof must equal root")
}

func TestTreeFullReturnsErrTreeFull(t *testing.T) {
	tree, err := New(1)
	require.NoError(t, err)
	_, err = tree.Insert(feUint(1))
	require.NoError(t, err)
	_, err = tree.Insert(feUint(2))
	require.NoError(t, err)

	_, err = tree.Insert(feUint(3))
	require.ErrorIs(t, err, ErrTreeFull)
}

func TestGetProofRejectsUnassignedIndex(t *testing.T) {
	tree, err := New(3)
	require.NoError(t, err)
	_, err = tree.Insert(feUint(1))
	require.NoError(t, err)

	_, err = tree.GetProof(0)
	require.NoError(t, err)

	_, err = tree.GetProof(1)
	var invalidIdx *ErrInvalidIndex
	require.ErrorAs(t, err, &invalidIdx)
	require.EqualValues(t, 1, invalidIdx.Index)
}

func TestRestoreReproducesSameRoot(t *testing.T) {
	original, err := New(4)
	require.NoError(t, err)

	var leaves []LeafRecord
	for i := uint64(0); i < 5; i++ {
		leaf := feUint(i + 10)
		idx, err := original.Insert(leaf)
		require.NoError(t, err)
		leaves = append(leaves, LeafRecord{LeafIndex: idx, Commitment: leaf})
	}

	restored, err := Restore(4, leaves)
	require.NoError(t, err)

	wantRoot := original.Root()
	gotRoot := restored.Root()
	require.True(t, wantRoot.Equal(&gotRoot))
}
