package indexing

import "sync"

// BruteForceIndex is the default Index: it keeps every vector in a map
// and scores all of them against the query on each Search. This is O(n)
// per search but exact, and fast enough for the record counts a
// personal, local-first database is expected to hold.
type BruteForceIndex struct {
	mu      sync.RWMutex
	vectors map[string][]float32
}

// NewBruteForceIndex returns an empty BruteForceIndex.
func NewBruteForceIndex() *BruteForceIndex {
	return &BruteForceIndex{vectors: make(map[string][]float32)}
}

func (b *BruteForceIndex) Upsert(id string, vector []float32) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := make([]float32, len(vector))
	copy(cp, vector)
	b.vectors[id] = cp
	return nil
}

func (b *BruteForceIndex) Remove(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.vectors, id)
}

func (b *BruteForceIndex) Search(query []float32, k int) ([]Result, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if k <= 0 || len(b.vectors) == 0 {
		return nil, nil
	}

	results := make([]Result, 0, len(b.vectors))
	for id, vec := range b.vectors {
		results = append(results, Result{ID: id, Score: cosineSimilarity(query, vec)})
	}

	// descending by score; stable-ish insertion sort keeps this readable
	// at the sizes this index is meant for.
	for i := 1; i < len(results); i++ {
		j := i
		for j > 0 && results[j-1].Score < results[j].Score {
			results[j-1], results[j] = results[j], results[j-1]
			j--
		}
	}

	if k > len(results) {
		k = len(results)
	}
	return results[:k], nil
}

func (b *BruteForceIndex) Size() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.vectors)
}
