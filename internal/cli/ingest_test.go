package cli

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docexpert/internal/domain"
)

func TestLoadResume(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.json")
	require.NoError(t, writeReport(path, &domain.IngestReport{
		Collection:       "docs_v1",
		CompletedBatches: []domain.BatchRef{{Seq: 0, ChunkIDs: []domain.ChunkID{"a"}}},
	}))

	cfg := memoryConfig()
	r, err := loadResume(path, cfg)
	require.NoError(t, err)
	assert.Equal(t, []domain.ChunkID{"a"}, r.CompletedChunkIDs())

	cfg.Collection = "docs_v2"
	_, err = loadResume(path, cfg)
	assert.ErrorIs(t, err, domain.ErrInvalidConfiguration)

	cfg = memoryConfig()
	cfg.Ingest.DeterministicIDs = false
	_, err = loadResume(path, cfg)
	assert.ErrorIs(t, err, domain.ErrInvalidConfiguration)
}
