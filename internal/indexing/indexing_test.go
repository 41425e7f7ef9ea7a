package indexing

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBruteForceSearchRanksByCosineSimilarity(t *testing.T) {
	idx := NewBruteForceIndex()
	require.NoError(t, idx.Upsert("a", []float32{1, 0, 0}))
	require.NoError(t, idx.Upsert("b", []float32{0, 1, 0}))
	require.NoError(t, idx.Upsert("c", []float32{0.9, 0.1, 0}))

	results, err := idx.Search([]float32{1, 0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, "a", results[0].ID)
	require.Equal(t, "c", results[1].ID)
}

func TestBruteForceZeroVectorYieldsZeroSimilarity(t *testing.T) {
	idx := NewBruteForceIndex()
	require.NoError(t, idx.Upsert("zero", []float32{0, 0, 0}))
	require.NoError(t, idx.Upsert("nonzero", []float32{1, 2, 3}))

	results, err := idx.Search([]float32{1, 2, 3}, 2)
	require.NoError(t, err)
	require.Len(t, results, 2)

	var zeroScore float64
	for _, r := range results {
		if r.ID == "zero" {
			zeroScore = r.Score
		}
	}
	require.Equal(t, 0.0, zeroScore)
}

func TestBruteForceKGreaterThanSizeReturnsAll(t *testing.T) {
	idx := NewBruteForceIndex()
	require.NoError(t, idx.Upsert("a", []float32{1, 0}))
	require.NoError(t, idx.Upsert("b", []float32{0, 1}))

	results, err := idx.Search([]float32{1, 1}, 10)
	require.NoError(t, err)
	require.Len(t, results, 2)
}

func TestBruteForceDifferentDimensionVectorsCompareOnShorterLength(t *testing.T) {
	idx := NewBruteForceIndex()
	require.NoError(t, idx.Upsert("short", []float32{1, 0}))

	results, err := idx.Search([]float32{1, 0, 0, 0, 0}, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.InDelta(t, 1.0, results[0].Score, 1e-9)
}

func TestBruteForceRemove(t *testing.T) {
	idx := NewBruteForceIndex()
	require.NoError(t, idx.Upsert("a", []float32{1, 0}))
	idx.Remove("a")
	require.Equal(t, 0, idx.Size())
}

func TestHNSWUpsertAndSearch(t *testing.T) {
	idx := NewHNSWIndex(3, 8, 50)
	require.NoError(t, idx.Upsert("a", []float32{1, 0, 0}))
	require.NoError(t, idx.Upsert("b", []float32{0, 1, 0}))
	require.NoError(t, idx.Upsert("c", []float32{0.95, 0.05, 0}))

	results, err := idx.Search([]float32{1, 0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, results, 2)

	found := map[string]bool{}
	for _, r := range results {
		found[r.ID] = true
	}
	require.True(t, found["a"])
}

func TestHNSWDimensionMismatch(t *testing.T) {
	idx := NewHNSWIndex(3, 8, 50)
	err := idx.Upsert("a", []float32{1, 0})
	require.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestHNSWRemove(t *testing.T) {
	idx := NewHNSWIndex(2, 8, 50)
	require.NoError(t, idx.Upsert("a", []float32{1, 0}))
	require.NoError(t, idx.Upsert("b", []float32{0, 1}))
	idx.Remove("a")
	require.Equal(t, 1, idx.Size())

	results, err := idx.Search([]float32{1, 0}, 5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "b", results[0].ID)
}

func TestNewSelectsBackendByKind(t *testing.T) {
	bf := New(KindBruteForce, 4)
	_, ok := bf.(*BruteForceIndex)
	require.True(t, ok)

	h := New(KindHNSW, 4)
	_, ok = h.(*HNSWIndex)
	require.True(t, ok)
}
