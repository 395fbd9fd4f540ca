// Package retriever implements the RAG Retriever component (spec §4.4):
// turns a query into top-k grounded passages plus source citations.
// Grounded in service.RetrieverService but trimmed to the vector-only
// contract — no BM25/RRF hybrid fusion or re-ranking, which are out of
// scope here.
package retriever

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/connexus/finchat/internal/apperr"
	"github.com/connexus/finchat/internal/cacheclient"
	"github.com/connexus/finchat/internal/model"
	"github.com/connexus/finchat/internal/vectorstore"
)

// DefaultTopK and DefaultThreshold are the package's reference values;
// Retrieve does not substitute them for zero arguments, which reach the
// store as given (see vectorstore.ClampK/ClampThreshold). ContextMaxChars and EmbeddingCacheTTL are the fallbacks New uses
// when the caller passes a non-positive override.
const (
	DefaultTopK       = 5
	DefaultThreshold  = 0.7
	ContextMaxChars   = 2000
	EmbeddingCacheTTL = cacheclient.EmbeddingTTL
)

// Embedder is the subset of embedding.Service the retriever needs.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Retriever resolves a user query into a RetrievalResult.
type Retriever struct {
	embedder     Embedder
	store        vectorstore.Store
	cache        cacheclient.Cache
	maxChars     int
	embeddingTTL time.Duration
}

// New constructs a Retriever. cache may be nil to disable embedding caching.
// maxChars overrides ContextMaxChars and embeddingTTL overrides
// EmbeddingCacheTTL when positive, letting config.Config.RAGMaxCtxChars and
// config.Config.EmbeddingCacheTTL take effect; a non-positive value falls
// back to the package default.
func New(embedder Embedder, store vectorstore.Store, cache cacheclient.Cache, maxChars int, embeddingTTL time.Duration) *Retriever {
	if maxChars <= 0 {
		maxChars = ContextMaxChars
	}
	if embeddingTTL <= 0 {
		embeddingTTL = EmbeddingCacheTTL
	}
	return &Retriever{embedder: embedder, store: store, cache: cache, maxChars: maxChars, embeddingTTL: embeddingTTL}
}

// Retrieve embeds query (via cache-or-embedder), runs similarity_search, and
// assembles a RetrievalResult truncated to maxChars. A StoreUnavailable
// error from the vector store is swallowed into an empty result per §4.4;
// any other error is surfaced.
func (r *Retriever) Retrieve(ctx context.Context, query string, topK int, threshold float64) (model.RetrievalResult, error) {
	if query == "" {
		return model.RetrievalResult{}, apperr.Wrap(apperr.InputError, "retriever.Retrieve: query is empty")
	}

	vec, err := r.embedQuery(ctx, query)
	if err != nil {
		return model.RetrievalResult{}, fmt.Errorf("retriever.Retrieve: %w", err)
	}

	scored, err := r.store.SimilaritySearch(ctx, vec, topK, threshold)
	if err != nil {
		if errors.Is(err, apperr.Transient) {
			slog.Warn("retriever: vector store unavailable, returning empty result", "error", err)
			return model.RetrievalResult{}, nil
		}
		return model.RetrievalResult{}, fmt.Errorf("retriever.Retrieve: %w", err)
	}

	return assemble(scored, r.maxChars), nil
}

// embedQuery checks the emb:{...} cache before falling back to the
// Embedding Service, storing the result with a 24h TTL on miss.
func (r *Retriever) embedQuery(ctx context.Context, query string) ([]float32, error) {
	key := cacheclient.EmbeddingKey(query)

	if r.cache != nil {
		if raw, ok := r.cache.Get(ctx, key); ok {
			if vec, ok := decodeVector(raw); ok {
				return vec, nil
			}
		}
	}

	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	if r.cache != nil {
		r.cache.Set(ctx, key, encodeVector(vec), r.embeddingTTL)
	}
	return vec, nil
}

// assemble turns ranked scored passages into a RetrievalResult, truncating
// at maxChars and deduplicating sources in result order.
func assemble(scored []model.ScoredPassage, maxChars int) model.RetrievalResult {
	if len(scored) == 0 {
		return model.RetrievalResult{}
	}

	var (
		passages []model.ScoredPassage
		sources  []string
		seen     = make(map[string]bool)
		used     int
	)

	for _, sp := range scored {
		n := len(sp.Passage.Content)
		if used > 0 && used+n > maxChars {
			break
		}
		passages = append(passages, sp)
		used += n

		src := sp.Passage.Source()
		if src != "" && !seen[src] {
			seen[src] = true
			sources = append(sources, src)
		}
	}

	return model.RetrievalResult{Passages: passages, Sources: sources}
}

// encodeVector/decodeVector give the embedding cache a stable opaque byte
// encoding, independent of the JSON used elsewhere for vectors.
func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, f := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(buf []byte) ([]float32, bool) {
	if len(buf)%4 != 0 {
		return nil, false
	}
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec, true
}
