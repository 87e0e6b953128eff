package cgrag

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/maestro-llm/maestro/pkg/contracts"
	"github.com/maestro-llm/maestro/pkg/models"
)

// PgvectorStore is an alternative index backend on PostgreSQL + pgvector,
// for corpora past what the in-memory flat-file store handles comfortably.
// Selected by MAESTRO_PGVECTOR_URL; the flat-file store stays the default.
type PgvectorStore struct {
	pool *pgxpool.Pool
	dim  int
}

// NewPgvectorStore connects and creates the chunk table if needed.
func NewPgvectorStore(ctx context.Context, connURL string, dim int) (*PgvectorStore, error) {
	pool, err := pgxpool.New(ctx, connURL)
	if err != nil {
		return nil, fmt.Errorf("pgvector connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgvector ping: %w", err)
	}

	s := &PgvectorStore{pool: pool, dim: dim}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgvector migrate: %w", err)
	}
	log.Info().Int("dim", dim).Msg("pgvector index backend initialized")
	return s, nil
}

func (s *PgvectorStore) migrate(ctx context.Context) error {
	ddl := fmt.Sprintf(`
		CREATE EXTENSION IF NOT EXISTS vector;

		CREATE TABLE IF NOT EXISTS cgrag_chunks (
			source_path TEXT NOT NULL,
			chunk_index INT  NOT NULL,
			content     TEXT NOT NULL,
			token_count INT  NOT NULL,
			embedding   vector(%d) NOT NULL,
			PRIMARY KEY (source_path, chunk_index)
		);

		CREATE INDEX IF NOT EXISTS cgrag_chunks_embedding_idx
			ON cgrag_chunks USING ivfflat (embedding vector_ip_ops);
	`, s.dim)
	_, err := s.pool.Exec(ctx, ddl)
	return err
}

func (s *PgvectorStore) Kind() string { return "pgvector" }

// Upsert inserts or replaces one chunk.
func (s *PgvectorStore) Upsert(ctx context.Context, source string, chunk Chunk, vector []float32) error {
	if len(vector) != s.dim {
		return fmt.Errorf("vector dim %d, store dim %d: %w", len(vector), s.dim, models.ErrEmbeddingFailed)
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO cgrag_chunks (source_path, chunk_index, content, token_count, embedding)
		VALUES ($1, $2, $3, $4, $5::vector)
		ON CONFLICT (source_path, chunk_index) DO UPDATE
		SET content = EXCLUDED.content,
		    token_count = EXCLUDED.token_count,
		    embedding = EXCLUDED.embedding`,
		source, chunk.Index, chunk.Text, EstimateTokens(chunk.Text), vectorLiteral(vector))
	return err
}

// Search returns the topK nearest chunks by inner product. pgvector's `<#>`
// is negative inner product, so ordering ascends on it.
func (s *PgvectorStore) Search(ctx context.Context, vector []float32, topK int) ([]contracts.ScoredChunk, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT source_path, chunk_index, content, token_count,
		       -(embedding <#> $1::vector) AS score
		FROM cgrag_chunks
		ORDER BY embedding <#> $1::vector ASC, source_path ASC, chunk_index ASC
		LIMIT $2`,
		vectorLiteral(vector), topK)
	if err != nil {
		return nil, fmt.Errorf("pgvector search: %w", err)
	}
	defer rows.Close()

	var out []contracts.ScoredChunk
	for rows.Next() {
		var c models.ContextChunk
		var score float64
		if err := rows.Scan(&c.SourcePath, &c.ChunkIndex, &c.Text, &c.TokenCount, &score); err != nil {
			return nil, err
		}
		c.Relevance = score
		out = append(out, contracts.ScoredChunk{Chunk: c, Score: score})
	}
	return out, rows.Err()
}

// Count returns the number of stored chunks.
func (s *PgvectorStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM cgrag_chunks`).Scan(&n)
	return n, err
}

// Close releases the connection pool.
func (s *PgvectorStore) Close() { s.pool.Close() }

// vectorLiteral renders a pgvector input literal: "[0.1,0.2,...]".
func vectorLiteral(v []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, x := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%g", x)
	}
	b.WriteByte(']')
	return b.String()
}
