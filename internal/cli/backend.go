package cli

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"docexpert/config"
	"docexpert/internal/adapter/chunker"
	"docexpert/internal/adapter/embedding"
	"docexpert/internal/adapter/metadata"
	"docexpert/internal/adapter/vectorindex"
	"docexpert/internal/port"
	"docexpert/internal/retry"
	"docexpert/internal/usecase"
)

// Backends holds the stores a command works against.
type Backends struct {
	Index port.VectorIndex
	Meta  port.MetadataStore
}

// OpenBackends connects to the configured vector index and metadata store.
func OpenBackends(ctx context.Context, cfg *config.Config, root string, logger *zap.Logger) (*Backends, error) {
	index, err := vectorindex.New(ctx, cfg, root, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open vector index: %w", err)
	}
	meta, err := metadata.New(ctx, cfg, root)
	if err != nil {
		index.Close(ctx)
		return nil, fmt.Errorf("failed to open metadata store: %w", err)
	}
	return &Backends{Index: index, Meta: meta}, nil
}

func (b *Backends) Close(ctx context.Context) error {
	return errors.Join(b.Index.Close(ctx), b.Meta.Close())
}

// Retrieval builds a retrieve use case over b.
func (b *Backends) Retrieval(cfg *config.Config, logger *zap.Logger) (*usecase.RetrieveUseCase, error) {
	embedder, err := embedding.NewForQueries(cfg.Embedding)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedder: %w", err)
	}
	return usecase.NewRetrieveUseCase(embedder, b.Index, b.Meta, usecase.RetrieveOptions{
		Collection:   cfg.Collection,
		TopK:         cfg.Retrieve.TopK,
		Retry:        RetryPolicy(cfg.Retry, cfg.Retry.QueryCount),
		DedupSources: cfg.Retrieve.DedupSources,
	}, logger), nil
}

// Collections builds a collection use case over b.
func (b *Backends) Collections(cfg *config.Config, logger *zap.Logger) *usecase.CollectionUseCase {
	return usecase.NewCollectionUseCase(b.Index, b.Meta, vectorindex.SpecFromConfig(cfg), logger)
}

// RetryPolicy converts the retry settings. retries overrides the count.
func RetryPolicy(rc config.RetryConfig, retries int) retry.Policy {
	return retry.Policy{
		Retries:     retries,
		Base:        rc.BackoffBase,
		Factor:      2,
		Max:         rc.BackoffMax,
		CallTimeout: rc.CallTimeout,
	}
}

func newChunker(cfg *config.Config) (*chunker.WindowChunker, error) {
	ids := chunker.RandomIDs()
	if cfg.Ingest.DeterministicIDs {
		ids = chunker.DeterministicIDs(cfg.Collection)
	}
	return chunker.NewWindowChunker(cfg.Chunking.ChunkSize, cfg.Chunking.Overlap, ids)
}
