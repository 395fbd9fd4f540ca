package vectorstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/connexus/finchat/internal/model"
)

// PostgresStore is the production Store adapter, grounded in
// repository.ChunkRepo's pgx/pgvector query shape but generalized from the
// ingestion-document schema to the spec's flat passage model: a `passages`
// table of (id, content, metadata jsonb, embedding vector(D)).
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wraps an already-constructed pool (see repository.NewPool).
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

var _ Store = (*PostgresStore)(nil)

func (s *PostgresStore) Upsert(ctx context.Context, docs []model.Passage) error {
	if len(docs) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, d := range docs {
		meta, err := json.Marshal(d.Metadata)
		if err != nil {
			return fmt.Errorf("vectorstore.Upsert: marshal metadata for %s: %w", d.ID, err)
		}
		batch.Queue(`
			INSERT INTO passages (id, content, metadata, embedding)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (id) DO UPDATE SET
				content = EXCLUDED.content,
				metadata = EXCLUDED.metadata,
				embedding = EXCLUDED.embedding`,
			d.ID, d.Content, meta, pgvector.NewVector(d.Embedding),
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for i := 0; i < len(docs); i++ {
		if _, err := br.Exec(); err != nil {
			return errStoreUnavailable("Upsert", fmt.Errorf("passage %d: %w", i, err))
		}
	}
	return nil
}

func (s *PostgresStore) DeleteAll(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `TRUNCATE passages`); err != nil {
		return errStoreUnavailable("DeleteAll", err)
	}
	return nil
}

func (s *PostgresStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM passages`).Scan(&n); err != nil {
		return 0, errStoreUnavailable("Count", err)
	}
	return n, nil
}

// SimilaritySearch orders by cosine distance ascending (= similarity
// descending) with a deterministic id-ascending tiebreaker, per spec §4.2.
func (s *PostgresStore) SimilaritySearch(ctx context.Context, queryVec []float32, k int, threshold float64) ([]model.ScoredPassage, error) {
	k = ClampK(k)
	threshold = ClampThreshold(threshold)
	embedding := pgvector.NewVector(queryVec)

	rows, err := s.pool.Query(ctx, `
		SELECT id, content, metadata, 1 - (embedding <=> $1::vector) AS similarity
		FROM passages
		WHERE $2::float8 = 0 OR (1 - (embedding <=> $1::vector)) > $2::float8
		ORDER BY (embedding <=> $1::vector) ASC, id ASC
		LIMIT $3`,
		embedding, threshold, k,
	)
	if err != nil {
		return nil, errStoreUnavailable("SimilaritySearch", err)
	}
	defer rows.Close()

	var out []model.ScoredPassage
	for rows.Next() {
		var (
			p       model.Passage
			metaRaw []byte
			sim     float64
		)
		if err := rows.Scan(&p.ID, &p.Content, &metaRaw, &sim); err != nil {
			return nil, errStoreCorrupt("SimilaritySearch", err)
		}
		if len(metaRaw) > 0 {
			if err := json.Unmarshal(metaRaw, &p.Metadata); err != nil {
				return nil, errStoreCorrupt("SimilaritySearch", fmt.Errorf("metadata for %s: %w", p.ID, err))
			}
		}
		out = append(out, model.ScoredPassage{Passage: p, Similarity: sim})
	}
	if err := rows.Err(); err != nil {
		return nil, errStoreUnavailable("SimilaritySearch", err)
	}
	return out, nil
}
