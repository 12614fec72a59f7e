package cli

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docexpert/config"
	"docexpert/internal/domain"
)

func memoryConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Collection = "docs_v1"
	cfg.Embedding.Provider = "mock"
	cfg.Embedding.Dimension = 16
	cfg.VectorIndex.Backend = "memory"
	cfg.Metadata.Backend = "memory"
	return cfg
}

func TestOpenBackendsMemory(t *testing.T) {
	ctx := context.Background()
	cfg := memoryConfig()

	b, err := OpenBackends(ctx, cfg, t.TempDir(), nil)
	require.NoError(t, err)
	defer b.Close(ctx)

	require.NoError(t, b.Collections(cfg, nil).Create(ctx, false))
	names, err := b.Index.ListCollections(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"docs_v1"}, names)

	retrieveUC, err := b.Retrieval(cfg, nil)
	require.NoError(t, err)
	result, err := retrieveUC.Retrieve(ctx, "anything", 3, domain.Filter{})
	require.NoError(t, err)
	assert.Empty(t, result.ContextChunks)
}

func TestOpenBackendsLocalFiles(t *testing.T) {
	ctx := context.Background()
	cfg := memoryConfig()
	cfg.VectorIndex.Backend = "local"
	cfg.Metadata.Backend = "sqlite"
	root := t.TempDir()

	b, err := OpenBackends(ctx, cfg, root, nil)
	require.NoError(t, err)
	require.NoError(t, b.Close(ctx))
	assert.FileExists(t, config.DataPath(root, cfg.VectorIndex.Path))
	assert.FileExists(t, config.DataPath(root, cfg.Metadata.Path))
}

func TestRetryPolicy(t *testing.T) {
	rc := config.DefaultConfig().Retry
	p := RetryPolicy(rc, rc.QueryCount)
	assert.Equal(t, 1, p.Retries)
	assert.Equal(t, 500*time.Millisecond, p.Base)
	assert.Equal(t, rc.BackoffMax, p.Max)
	assert.Equal(t, rc.CallTimeout, p.CallTimeout)
}

func TestNewChunkerIDs(t *testing.T) {
	cfg := memoryConfig()
	cfg.Chunking.ChunkSize = 10
	cfg.Chunking.Overlap = 2

	doc := domain.Document{Path: "/docs/a.md"}
	text := "deterministic ids survive a second run"

	chk, err := newChunker(cfg)
	require.NoError(t, err)
	first, err := chk.Chunk(doc, text)
	require.NoError(t, err)
	second, err := chk.Chunk(doc, text)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	cfg.Ingest.DeterministicIDs = false
	chk, err = newChunker(cfg)
	require.NoError(t, err)
	random, err := chk.Chunk(doc, text)
	require.NoError(t, err)
	assert.NotEqual(t, first[0].ID, random[0].ID)
}
