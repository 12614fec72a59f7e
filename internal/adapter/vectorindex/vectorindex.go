// Package vectorindex provides the nearest-neighbor search backends.
package vectorindex

import (
	"context"

	"go.uber.org/zap"

	"docexpert/config"
	"docexpert/internal/domain"
	"docexpert/internal/port"
)

// New opens the backend selected by cfg.VectorIndex.Backend. Local files
// are resolved against the data directory of root.
func New(ctx context.Context, cfg *config.Config, root string, logger *zap.Logger) (port.VectorIndex, error) {
	switch cfg.VectorIndex.Backend {
	case "milvus":
		return NewMilvusIndex(ctx, cfg.Milvus, cfg.VectorIndex, logger)
	case "local":
		if err := config.EnsureDataDir(root); err != nil {
			return nil, err
		}
		return NewBoltIndex(config.DataPath(root, cfg.VectorIndex.Path))
	case "memory":
		return NewMemoryIndex(), nil
	default:
		return nil, domain.InvalidConfig("unsupported vector index backend %q", cfg.VectorIndex.Backend)
	}
}

// SpecFromConfig describes the configured collection.
func SpecFromConfig(cfg *config.Config) port.CollectionSpec {
	return port.CollectionSpec{
		Name:        cfg.Collection,
		Description: "docexpert document chunks",
		Dimension:   cfg.Embedding.Dimension,
		Metric:      port.Metric(cfg.VectorIndex.Metric),
	}
}
