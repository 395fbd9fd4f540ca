// Package embedding implements the Embedding Service component (spec §4.1):
// a D-dimensional unit-normalized vector encoder with a lazily-loaded,
// process-global model. The model is loaded on the first call to Embed,
// never during construction; loading is serialized by a sync.Once so at
// most one loader is ever in flight, and every later caller observes the
// same fully-initialized Model.
package embedding

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/connexus/finchat/internal/apperr"
)

// Model is the loaded embedding backend. A Loader produces one on first use.
type Model interface {
	// EmbedBatch returns one vector per input text, in input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Loader constructs a Model. It is called at most once across the lifetime
// of a Service, no matter how many goroutines call Embed concurrently
// before the first load completes.
type Loader func(ctx context.Context) (Model, error)

// Service is the production Embedder: a lazy-loaded Model behind Embed and
// EmbedBatch. After the first successful load, Embed is pure and
// side-effect-free apart from the memory the Model holds.
type Service struct {
	loader Loader

	once    sync.Once
	model   Model
	loadErr error
}

// NewService builds a Service around loader. No loading happens here.
func NewService(loader Loader) *Service {
	return &Service{loader: loader}
}

// ensureLoaded blocks until the model has been loaded exactly once. Every
// caller — the one that triggers the load and every concurrent waiter —
// observes the same result.
func (s *Service) ensureLoaded(ctx context.Context) error {
	s.once.Do(func() {
		model, err := s.loader(ctx)
		if err != nil {
			s.loadErr = apperr.Wrap(apperr.Fatal, fmt.Sprintf("embedding.Service: model load failed: %v", err))
			return
		}
		s.model = model
	})
	return s.loadErr
}

// Embed produces a unit-normalized vector for a single input string.
func (s *Service) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := s.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch produces one unit-normalized vector per input, in input order.
// Fails with an InputError-kind error on empty or nil input, a Fatal-kind
// error when the Loader fails, and the Model's own error, wrapped, when a
// call fails.
func (s *Service) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, apperr.Wrap(apperr.InputError, "embedding.Service.EmbedBatch: texts is empty")
	}
	for _, t := range texts {
		if t == "" {
			return nil, apperr.Wrap(apperr.InputError, "embedding.Service.EmbedBatch: empty text in batch")
		}
	}

	if err := s.ensureLoaded(ctx); err != nil {
		return nil, err
	}

	vecs, err := s.model.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embedding.Service.EmbedBatch: %w", err)
	}
	for i, v := range vecs {
		vecs[i] = l2Normalize(v)
	}
	return vecs, nil
}

// l2Normalize scales v to unit length. A zero vector is returned unchanged
// to avoid a divide-by-zero.
func l2Normalize(v []float32) []float32 {
	var sumSq float64
	for _, x := range v {
		sumSq += float64(x) * float64(x)
	}
	if sumSq == 0 {
		return v
	}
	norm := float32(math.Sqrt(sumSq))
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = x / norm
	}
	return out
}
