package port

import (
	"context"

	"docexpert/internal/domain"
)

// VectorIndex is the nearest-neighbor search capability.
type VectorIndex interface {
	// EnsureCollection creates the collection if missing and verifies
	// that an existing one matches spec.
	EnsureCollection(ctx context.Context, spec CollectionSpec) error

	// Insert writes vectors. Items become searchable after Flush.
	Insert(ctx context.Context, collection string, items []VectorItem) error

	// Flush blocks until prior inserts are durable and queryable.
	Flush(ctx context.Context, collection string) error

	// Search returns at most topK hits ordered by descending score.
	Search(ctx context.Context, collection string, vector []float32, topK int, filter domain.Filter) (domain.QueryResult, error)

	Delete(ctx context.Context, collection string, ids []domain.ChunkID) error

	Count(ctx context.Context, collection string) (int64, error)

	DropCollection(ctx context.Context, collection string) error

	ListCollections(ctx context.Context) ([]string, error)

	Close(ctx context.Context) error
}

// Metric is the distance metric a collection is built with.
type Metric string

const (
	MetricL2     Metric = "L2"
	MetricIP     Metric = "IP"
	MetricCosine Metric = "COSINE"
)

type CollectionSpec struct {
	Name        string
	Description string
	Dimension   int
	Metric      Metric
}

// VectorItem is a vector plus the scalar fields used for filtering.
type VectorItem struct {
	ID         domain.ChunkID
	Vector     []float32
	FilePath   string
	FileName   string
	ChunkIndex int
	Category   string
	Text       string
}
