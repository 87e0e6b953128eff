// Package contracts defines the service interfaces at Maestro's seams.
//
// The transport layer (internal/api) and the execution engine consume these
// interfaces rather than concrete types, so tests can substitute fakes and
// alternative backends (e.g. the pgvector store) plug in without touching
// the wiring code.
package contracts

import (
	"context"

	"github.com/maestro-llm/maestro/pkg/models"
)

// ── Embedding ───────────────────────────────────────────────

// EmbeddingDriver turns texts into dense vectors. Implementations must
// return unit-normalized vectors so inner product equals cosine similarity.
type EmbeddingDriver interface {
	// Embed generates one vector per input text, in order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the vector dimensionality.
	Dimensions() int

	// Kind returns the driver kind ("ollama", ...).
	Kind() string

	// HealthCheck verifies the embedding endpoint is reachable.
	HealthCheck(ctx context.Context) error
}

// ── Vector store ────────────────────────────────────────────

// ScoredChunk is a search hit with its inner-product similarity.
type ScoredChunk struct {
	Chunk models.ContextChunk
	Score float64
}

// VectorStore is the search side of a CGRAG index.
type VectorStore interface {
	// Search returns the topK nearest chunks to the query vector by inner
	// product, descending.
	Search(ctx context.Context, vector []float32, topK int) ([]ScoredChunk, error)

	// Count returns the number of indexed chunks.
	Count(ctx context.Context) (int, error)

	Kind() string
}

// ── Completion ──────────────────────────────────────────────

// CompletionClient is the typed client for one inference server.
type CompletionClient interface {
	// Complete runs one completion against the server. Only transient
	// failures are retried, within the caller's deadline.
	Complete(ctx context.Context, prompt string, opts models.CompletionOptions) (*models.Completion, error)
}

// ClientFactory builds a completion client for a model's endpoint.
// The engine uses it so tests can point clients at httptest servers.
type ClientFactory func(modelID string, port int, tier models.Tier) CompletionClient

// ── Events ──────────────────────────────────────────────────

// EventSink receives lifecycle events. The bus implements it; components
// that only publish depend on this narrow interface.
type EventSink interface {
	Publish(evt models.Event)
}

// ── Routing ─────────────────────────────────────────────────

// ModelSelector chooses a concrete ready model for a tier.
type ModelSelector interface {
	// Select returns the chosen model, honoring round-robin and tier
	// escalation. Fails with models.ErrNoModelAvailable when nothing is
	// ready in any tier.
	Select(tier models.Tier) (*models.DiscoveredModel, error)

	// Acquire and Release bracket one in-flight request against a model.
	Acquire(modelID string)
	Release(modelID string)
}
