package embedding

import (
	"context"
	"fmt"
	"sync"
)

// TFIDFEmbedder is an alternate Embedder that learns its vocabulary from the
// corpus it sees, then reduces each TF-IDF vector down to a fixed
// dimension via LSA. Unlike Default, it requires training data before it
// can produce vectors, and its output changes as more documents are fed
// into it via Fit or Observe.
type TFIDFEmbedder struct {
	mu         sync.RWMutex
	dim        int
	vectorizer *TFIDFVectorizer
	reducer    *LSAReducer
	fitted     bool
}

// NewTFIDFEmbedder returns a TF-IDF+LSA embedder that projects onto dim
// latent components.
func NewTFIDFEmbedder(dim int) *TFIDFEmbedder {
	return &TFIDFEmbedder{
		dim:        dim,
		vectorizer: NewTFIDFVectorizer(),
		reducer:    NewLSAReducer(dim),
	}
}

func (e *TFIDFEmbedder) Dimension() int { return e.dim }

// Fit trains the vectorizer and reducer on an initial corpus. It must be
// called at least once before Generate will produce a non-error result.
func (e *TFIDFEmbedder) Fit(documents []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	vectors, err := e.vectorizer.FitTransform(documents)
	if err != nil {
		return fmt.Errorf("tfidf embedder: %w", err)
	}
	if err := e.reducer.Fit(vectors); err != nil {
		return fmt.Errorf("tfidf embedder: %w", err)
	}
	e.fitted = true
	return nil
}

// Observe folds a single document into the vocabulary without refitting
// the LSA projection, so existing vectors retain a stable basis.
func (e *TFIDFEmbedder) Observe(document string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.vectorizer.FitIncremental(document)
}

func (e *TFIDFEmbedder) Generate(_ context.Context, text string) ([]float32, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if !e.fitted {
		return nil, fmt.Errorf("tfidf embedder: not fitted, call Fit first")
	}

	tfidf, err := e.vectorizer.Transform(text)
	if err != nil {
		return nil, fmt.Errorf("tfidf embedder: %w", err)
	}
	// Terms added by Observe after the last Fit lie past the reducer's
	// basis; they are dropped so the LSA projection stays the fitted one.
	if n := e.reducer.sourceDim; len(tfidf) > n {
		tfidf = tfidf[:n]
	}
	reduced, err := e.reducer.Transform(tfidf)
	if err != nil {
		return nil, fmt.Errorf("tfidf embedder: %w", err)
	}

	out := make([]float32, e.dim)
	for i, v := range reduced {
		if i >= e.dim {
			break
		}
		out[i] = float32(v)
	}
	return out, nil
}
