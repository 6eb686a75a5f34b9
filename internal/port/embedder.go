package port

import (
	"context"

	"ragpipe/internal/domain"
)

// Embedder generates vector embeddings for text.
type Embedder interface {
	// EmbedOne embeds a single text.
	EmbedOne(ctx context.Context, text string) ([]float32, error)

	// EmbedMany embeds texts, returning one vector per input in input order.
	EmbedMany(ctx context.Context, texts []string) ([][]float32, error)

	// ModelName returns the name of the embedding model.
	ModelName() string
}

// VectorIndex stores index entries and answers top-k similarity queries.
type VectorIndex interface {
	// InsertMany appends entries. Concurrent calls must not drop entries.
	InsertMany(ctx context.Context, entries []domain.IndexEntry) error

	// Search returns up to k entries most similar to vector among those
	// matching filter. A nil filter matches every entry.
	Search(ctx context.Context, vector []float32, k int, filter *domain.Partition) (domain.RetrievalResult, error)

	// RebuildFrom atomically replaces the whole index contents.
	RebuildFrom(ctx context.Context, entries []domain.IndexEntry) error

	// Count returns the number of stored entries.
	Count(ctx context.Context) (int, error)

	Close() error
}
