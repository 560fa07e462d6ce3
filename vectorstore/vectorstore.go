// Package vectorstore defines the vector store abstraction (spec §4.3):
// fixed-dimension float vectors keyed by chunk key with payload metadata,
// and top-k similarity search with optional payload filter.
package vectorstore

import "context"

// SearchResult is one hit from a similarity query.
type SearchResult struct {
	ID      string
	Score   float32
	Payload map[string]any
}

// VectorStore is the driver-agnostic capability the embed and orchestrate
// stages depend on. vectorstore/qdrant is the sole driver the pipeline
// ships (spec §4.3 names no required second family, unlike the bus).
type VectorStore interface {
	// EnsureCollection creates the collection with the given dimension if
	// it doesn't exist. A dimension mismatch against an existing
	// collection is fatal (spec §4.3).
	EnsureCollection(ctx context.Context, dimension int) error

	// Upsert stores vectors for ids with payloads, batching is a driver
	// detail. len(ids) == len(vectors) == len(payloads).
	Upsert(ctx context.Context, ids []string, vectors [][]float32, payloads []map[string]any) error

	// Query returns the topK nearest vectors to vector, optionally
	// filtered by exact-match payload fields.
	Query(ctx context.Context, vector []float32, topK int, filter map[string]string) ([]SearchResult, error)

	// Delete removes the vector for id.
	Delete(ctx context.Context, id string) error

	// Count returns the number of vectors currently stored.
	Count(ctx context.Context) (uint64, error)
}
