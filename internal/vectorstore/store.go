// Package vectorstore implements the Vector Store component (spec §4.2):
// upsert/delete_all/count/similarity_search over passages carrying a
// content string, a free-form metadata map, and a fixed-dimension embedding.
package vectorstore

import (
	"context"
	"fmt"

	"github.com/connexus/finchat/internal/apperr"
	"github.com/connexus/finchat/internal/model"
)

// KMax bounds similarity_search's k parameter (spec §4.2).
const KMax = 50

// Store is the abstract contract consumed by the RAG Retriever.
type Store interface {
	Upsert(ctx context.Context, docs []model.Passage) error
	DeleteAll(ctx context.Context) error
	Count(ctx context.Context) (int, error)
	// SimilaritySearch returns the top-k passages whose cosine similarity to
	// queryVec exceeds threshold, ordered by similarity descending, ties
	// broken by id ascending; a threshold of 0 disables filtering. k and
	// threshold are clamped per spec §4.2 before the call reaches a backing
	// implementation.
	SimilaritySearch(ctx context.Context, queryVec []float32, k int, threshold float64) ([]model.ScoredPassage, error)
}

// ClampK bounds k to [1, KMax].
func ClampK(k int) int {
	if k < 1 {
		return 1
	}
	if k > KMax {
		return KMax
	}
	return k
}

// ClampThreshold bounds threshold to [0.0, 1.0].
func ClampThreshold(threshold float64) float64 {
	if threshold < 0 {
		return 0
	}
	if threshold > 1 {
		return 1
	}
	return threshold
}

// ErrStoreUnavailable-kind and ErrStoreCorrupt-kind helpers, matching spec
// §4.2's failure taxonomy (StoreUnavailable is retriable, StoreCorrupt is
// fatal).
func errStoreUnavailable(op string, err error) error {
	return fmt.Errorf("vectorstore.%s: %w", op, apperr.Wrap(apperr.Transient, err.Error()))
}

func errStoreCorrupt(op string, err error) error {
	return fmt.Errorf("vectorstore.%s: %w", op, apperr.Wrap(apperr.Fatal, err.Error()))
}
