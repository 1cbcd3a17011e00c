package similarity

import (
	"math"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Item is one entry in the vector index.
type Item struct {
	ID     uuid.UUID
	Label  string
	Vector []float32
}

// Hit is a ranked search result. Score is cosine similarity in [-1, 1];
// catalog embeddings are non-negative in practice so callers treat it as [0, 1].
type Hit struct {
	ID    uuid.UUID
	Label string
	Score float64
}

// Index is a brute-force in-memory vector index with cosine similarity.
// Replace swaps the full item set atomically; Search is safe for concurrent use.
type Index struct {
	mu    sync.RWMutex
	items []Item
}

func NewIndex() *Index {
	return &Index{}
}

// Replace swaps the stored items atomically.
func (ix *Index) Replace(items []Item) {
	cloned := make([]Item, len(items))
	for i, it := range items {
		vec := make([]float32, len(it.Vector))
		copy(vec, it.Vector)
		cloned[i] = Item{ID: it.ID, Label: it.Label, Vector: vec}
	}

	ix.mu.Lock()
	ix.items = cloned
	ix.mu.Unlock()
}

// Size returns the current number of vectors stored.
func (ix *Index) Size() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.items)
}

// Search ranks all stored items by cosine similarity against vec and returns
// the top-k hits in descending score order. Returns nil when the index is
// empty or the inputs are degenerate.
func (ix *Index) Search(vec []float32, k int) []Hit {
	ix.mu.RLock()
	items := ix.items
	ix.mu.RUnlock()

	if len(items) == 0 || len(vec) == 0 || k <= 0 {
		return nil
	}

	hits := make([]Hit, 0, len(items))
	for _, it := range items {
		hits = append(hits, Hit{
			ID:    it.ID,
			Label: it.Label,
			Score: cosineSimilarity(vec, it.Vector),
		})
	}
	sort.Slice(hits, func(i, j int) bool {
		return hits[i].Score > hits[j].Score
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		fa := float64(a[i])
		fb := float64(b[i])
		dot += fa * fb
		na += fa * fa
		nb += fb * fb
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
