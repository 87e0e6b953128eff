package cgrag

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/maestro-llm/maestro/internal/metrics"
	"github.com/maestro-llm/maestro/pkg/contracts"
	"github.com/maestro-llm/maestro/pkg/models"
)

// minSearchK is the search fan-out floor: even small artifact limits look at
// a reasonable candidate pool before relevance filtering.
const minSearchK = 20

// Retriever answers queries against a vector store. The store pointer is
// swapped atomically on rebuild; retrieval holds it read-only.
type Retriever struct {
	mu       sync.RWMutex
	store    contracts.VectorStore
	embedder contracts.EmbeddingDriver
}

// NewRetriever creates a retriever over a store and an embedder.
// A nil store means no index is loaded yet; retrievals fail with
// models.ErrIndexMissing until SwapStore publishes one.
func NewRetriever(store contracts.VectorStore, embedder contracts.EmbeddingDriver) *Retriever {
	return &Retriever{store: store, embedder: embedder}
}

// SwapStore atomically publishes a rebuilt index.
func (r *Retriever) SwapStore(store contracts.VectorStore) {
	r.mu.Lock()
	r.store = store
	r.mu.Unlock()
	log.Info().Str("kind", store.Kind()).Msg("CGRAG index swapped")
}

// Ready reports whether an index is loaded.
func (r *Retriever) Ready() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.store != nil
}

// Retrieve embeds the query, searches the index, filters by the relevance
// floor, and greedy-packs chunks in descending relevance until the artifact
// limit or token budget is reached. A chunk that would reach or exceed the
// budget is skipped; smaller later chunks may still fit.
func (r *Retriever) Retrieve(ctx context.Context, query string, tokenBudget, maxArtifacts int, minRelevance float64) (*models.RetrievalResult, error) {
	r.mu.RLock()
	store := r.store
	r.mu.RUnlock()
	if store == nil {
		return nil, models.ErrIndexMissing
	}

	vecs, err := r.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("%w: expected one query vector", models.ErrEmbeddingFailed)
	}

	topK := maxArtifacts * 3
	if topK < minSearchK {
		topK = minSearchK
	}
	hits, err := store.Search(ctx, vecs[0], topK)
	if err != nil {
		return nil, fmt.Errorf("index search: %w", err)
	}

	result := &models.RetrievalResult{WithinBudget: true}
	for _, hit := range hits {
		if hit.Score < minRelevance {
			// Hits are relevance-descending; nothing below the floor
			// can follow.
			break
		}
		if len(result.Artifacts) >= maxArtifacts {
			break
		}
		if result.TotalTokens+hit.Chunk.TokenCount >= tokenBudget {
			continue
		}
		result.Artifacts = append(result.Artifacts, hit.Chunk)
		result.TotalTokens += hit.Chunk.TokenCount
	}
	result.WithinBudget = result.TotalTokens <= tokenBudget

	metrics.RetrievalChunks.Observe(float64(len(result.Artifacts)))
	log.Debug().
		Int("artifacts", len(result.Artifacts)).
		Int("tokens", result.TotalTokens).
		Int("budget", tokenBudget).
		Msg("CGRAG retrieval complete")
	return result, nil
}
