// Package metadata provides the chunk provenance stores.
package metadata

import (
	"context"

	"docexpert/config"
	"docexpert/internal/domain"
	"docexpert/internal/port"
)

// New opens the store selected by cfg.Metadata.Backend. Local files are
// resolved against the data directory of root.
func New(ctx context.Context, cfg *config.Config, root string) (port.MetadataStore, error) {
	switch cfg.Metadata.Backend {
	case "bolt", "sqlite":
		if err := config.EnsureDataDir(root); err != nil {
			return nil, err
		}
		path := config.DataPath(root, cfg.Metadata.Path)
		if cfg.Metadata.Backend == "sqlite" {
			return NewSQLiteStore(path)
		}
		return NewBoltStore(path)
	case "redis":
		return NewRedisStore(ctx, cfg.Metadata.Redis)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, domain.InvalidConfig("unsupported metadata backend %q", cfg.Metadata.Backend)
	}
}
