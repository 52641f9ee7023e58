package semantic

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockEmbedder maps known strings to pre-defined vectors.
type mockEmbedder struct {
	embeddings map[string][]float64
}

func (m *mockEmbedder) Embed(text string) ([]float64, error) {
	vec, ok := m.embeddings[text]
	if !ok {
		return nil, assert.AnError
	}
	out := make([]float64, len(vec))
	copy(out, vec)
	return out, nil
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, cosineSimilarity([]float64{1, 0}, []float64{1, 0}), 1e-9)
	assert.InDelta(t, 0.0, cosineSimilarity([]float64{1, 0}, []float64{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, cosineSimilarity([]float64{1, 0}, []float64{-1, 0}), 1e-9)

	// Degenerate inputs score zero rather than NaN.
	assert.Equal(t, 0.0, cosineSimilarity([]float64{1, 0}, []float64{1}))
	assert.Equal(t, 0.0, cosineSimilarity(nil, nil))
	assert.Equal(t, 0.0, cosineSimilarity([]float64{0, 0}, []float64{1, 0}))
}

func TestAlignmentScoreIdentical(t *testing.T) {
	emb := &mockEmbedder{embeddings: map[string][]float64{
		"A": {1, 0},
		"B": {0, 1},
	}}
	principles := []string{"A", "B"}

	score, err := AlignmentScore(principles, principles, emb)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, score, 1e-9)
}

func TestAlignmentScoreOrthogonal(t *testing.T) {
	emb := &mockEmbedder{embeddings: map[string][]float64{
		"A": {1, 0},
		"B": {0, 1},
	}}

	score, err := AlignmentScore([]string{"A"}, []string{"B"}, emb)
	require.NoError(t, err)
	assert.InDelta(t, 0.0, score, 1e-9)
}

func TestAlignmentScorePartial(t *testing.T) {
	invSqrt2 := 1 / math.Sqrt2
	emb := &mockEmbedder{embeddings: map[string][]float64{
		"A": {1, 0},
		"C": {invSqrt2, invSqrt2},
	}}

	score, err := AlignmentScore([]string{"A"}, []string{"C"}, emb)
	require.NoError(t, err)
	assert.InDelta(t, invSqrt2, score, 1e-6)
}

func TestAlignmentScoreEmptySets(t *testing.T) {
	emb := &mockEmbedder{}

	score, err := AlignmentScore(nil, nil, emb)
	require.NoError(t, err)
	assert.Equal(t, 1.0, score)

	emb.embeddings = map[string][]float64{"A": {1, 0}}
	score, err = AlignmentScore([]string{"A"}, nil, emb)
	require.NoError(t, err)
	assert.Equal(t, 0.0, score)
}

func TestBagOfWordsEmbedder(t *testing.T) {
	e := NewBagOfWords()

	_, err := e.Embed("anything")
	assert.ErrorIs(t, err, ErrVocabNotBuilt)

	e.BuildVocab([]string{"respect user autonomy", "avoid deception, respect privacy"})

	vec, err := e.Embed("respect autonomy")
	require.NoError(t, err)

	// L2-normalized non-zero vector.
	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	assert.InDelta(t, 1.0, norm, 1e-9)

	// Identical texts embed identically; unrelated text is orthogonal.
	vec2, err := e.Embed("respect autonomy")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, cosineSimilarity(vec, vec2), 1e-9)

	other, err := e.Embed("avoid deception")
	require.NoError(t, err)
	assert.Less(t, cosineSimilarity(vec, other), 1.0)
}

func TestTokenize(t *testing.T) {
	got := tokenize("Respect user-autonomy, ALWAYS!")
	assert.Equal(t, []string{"respect", "user", "autonomy", "always"}, got)

	// Single-character tokens are dropped.
	got = tokenize("a b cd")
	assert.Equal(t, []string{"cd"}, got)
}

func TestBagOfWordsEndToEndAlignment(t *testing.T) {
	local := []string{"respect user autonomy", "be transparent"}
	remote := []string{"respect user autonomy", "be transparent"}

	e := NewBagOfWords()
	e.BuildVocab(append(append([]string{}, local...), remote...))

	score, err := AlignmentScore(local, remote, e)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, score, 1e-9)

	divergent := []string{"maximize engagement at any cost"}
	e2 := NewBagOfWords()
	e2.BuildVocab(append(append([]string{}, local...), divergent...))
	score, err = AlignmentScore(local, divergent, e2)
	require.NoError(t, err)
	assert.Less(t, score, 0.5)
}
