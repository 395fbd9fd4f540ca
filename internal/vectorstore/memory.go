package vectorstore

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/connexus/finchat/internal/model"
)

// MemoryStore is an in-process Store used by tests and by deployments small
// enough to avoid a separate vector database. The contract (§4.2) is
// explicitly agnostic between an HNSW-indexed SQL table and an in-process
// nearest-neighbor index; this is the latter.
type MemoryStore struct {
	mu   sync.RWMutex
	rows map[string]model.Passage
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]model.Passage)}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) Upsert(_ context.Context, docs []model.Passage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range docs {
		s.rows[d.ID] = d
	}
	return nil
}

func (s *MemoryStore) DeleteAll(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = make(map[string]model.Passage)
	return nil
}

func (s *MemoryStore) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows), nil
}

func (s *MemoryStore) SimilaritySearch(_ context.Context, queryVec []float32, k int, threshold float64) ([]model.ScoredPassage, error) {
	k = ClampK(k)
	threshold = ClampThreshold(threshold)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var scored []model.ScoredPassage
	for _, p := range s.rows {
		sim := cosineSimilarity(queryVec, p.Embedding)
		if threshold == 0 || sim > threshold {
			scored = append(scored, model.ScoredPassage{Passage: p, Similarity: sim})
		}
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Similarity != scored[j].Similarity {
			return scored[i].Similarity > scored[j].Similarity
		}
		return scored[i].Passage.ID < scored[j].Passage.ID
	})

	if len(scored) > k {
		scored = scored[:k]
	}
	return scored, nil
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, magA, magB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}
