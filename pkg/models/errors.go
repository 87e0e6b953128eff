package models

import "errors"

// Sentinel errors surfaced across API boundaries. The transport layer maps
// these to HTTP status codes; everything unrecognized becomes ErrInternal.
var (
	// ErrNoModelAvailable means no ready model exists in any tier (503).
	ErrNoModelAvailable = errors.New("no model available")

	// ErrDeadline means the caller's outer deadline expired (504).
	ErrDeadline = errors.New("deadline exceeded")

	// ErrInvalidRequest means the request failed validation (400).
	ErrInvalidRequest = errors.New("invalid request")

	// ErrInternal is the catch-all for unclassified failures (500).
	ErrInternal = errors.New("internal error")

	// ErrUnknownModel means the model_id is not in the registry.
	ErrUnknownModel = errors.New("unknown model")

	// ErrPortExhausted means no free port remains in the configured range.
	ErrPortExhausted = errors.New("port range exhausted")

	// ErrPortConflict means the requested port is already used by another
	// enabled model.
	ErrPortConflict = errors.New("port conflict")

	// ErrPortBusy means the model's port is bound by a foreign process.
	// Terminal for the supervisor: no restart until operator intervention.
	ErrPortBusy = errors.New("port busy")

	// ErrIndexMissing means no persisted CGRAG index exists. Callers may
	// retry the query without context.
	ErrIndexMissing = errors.New("cgrag index missing")

	// ErrIndexCorrupt means the vector file and metadata file disagree.
	ErrIndexCorrupt = errors.New("cgrag index corrupt")

	// ErrEmbeddingFailed means the embedding endpoint rejected the input.
	ErrEmbeddingFailed = errors.New("embedding failed")
)
