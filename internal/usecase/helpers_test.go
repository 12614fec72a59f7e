package usecase

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"docexpert/internal/adapter/chunker"
	"docexpert/internal/adapter/embedding"
	"docexpert/internal/adapter/metadata"
	"docexpert/internal/adapter/vectorindex"
	"docexpert/internal/domain"
	"docexpert/internal/port"
	"docexpert/internal/retry"
)

const (
	testDim        = 64
	testCollection = "docs_v1"
)

func testSpec() port.CollectionSpec {
	return port.CollectionSpec{Name: testCollection, Dimension: testDim, Metric: port.MetricL2}
}

func fastRetry(n int) retry.Policy {
	return retry.Policy{
		Retries:     n,
		Base:        time.Millisecond,
		Factor:      2,
		Max:         5 * time.Millisecond,
		CallTimeout: 5 * time.Second,
	}
}

// distinctText returns n characters of words that never repeat, so every
// window of it embeds differently.
func distinctText(prefix string, n int) string {
	var b strings.Builder
	for i := 0; b.Len() < n; i++ {
		fmt.Fprintf(&b, "%s%03d ", prefix, i)
	}
	return b.String()[:n]
}

func doc(path, category string) domain.Document {
	return domain.Document{Path: path, Category: category, ModTime: time.Unix(1700000000, 0)}
}

func docsOf(sds ...SourceDocument) func(func(SourceDocument) bool) {
	return slices.Values(sds)
}

type testEnv struct {
	index    *countingIndex
	meta     *flakyStore
	embedder port.Embedder
	chunker  *chunker.WindowChunker
}

func newTestEnv(t *testing.T, size, overlap int) *testEnv {
	t.Helper()
	c, err := chunker.NewWindowChunker(size, overlap, chunker.DeterministicIDs(testCollection))
	require.NoError(t, err)
	return &testEnv{
		index:    &countingIndex{MemoryIndex: vectorindex.NewMemoryIndex()},
		meta:     &flakyStore{MemoryStore: metadata.NewMemoryStore()},
		embedder: embedding.NewMockEmbedder(testDim),
		chunker:  c,
	}
}

func (e *testEnv) ingest(t *testing.T, batchSize, workers int) *IngestUseCase {
	t.Helper()
	uc, err := NewIngestUseCase(nil, nil, e.chunker, e.embedder, e.index, e.meta, IngestOptions{
		Collection:       testSpec(),
		BatchSize:        batchSize,
		Workers:          workers,
		Retry:            fastRetry(2),
		DeterministicIDs: true,
	}, nil)
	require.NoError(t, err)
	return uc
}

func (e *testEnv) retrieve(dedup bool) *RetrieveUseCase {
	return NewRetrieveUseCase(e.embedder, e.index, e.meta, RetrieveOptions{
		Collection:   testCollection,
		TopK:         10,
		Retry:        fastRetry(1),
		DedupSources: dedup,
	}, nil)
}

func (e *testEnv) chunks(t *testing.T, sd SourceDocument) []domain.Chunk {
	t.Helper()
	chunks, err := e.chunker.Chunk(sd.Document, sd.Text)
	require.NoError(t, err)
	return chunks
}

// countingIndex counts flushes and can fail inserts.
type countingIndex struct {
	*vectorindex.MemoryIndex
	flushes    atomic.Int32
	insertErr  error
	insertErrN atomic.Int32 // remaining failing inserts, <0 fails forever
}

func (i *countingIndex) Flush(ctx context.Context, collection string) error {
	i.flushes.Add(1)
	return i.MemoryIndex.Flush(ctx, collection)
}

func (i *countingIndex) Insert(ctx context.Context, collection string, items []port.VectorItem) error {
	if i.insertErr != nil {
		if n := i.insertErrN.Load(); n != 0 {
			i.insertErrN.Add(-1)
			return i.insertErr
		}
	}
	return i.MemoryIndex.Insert(ctx, collection, items)
}

// flakyStore drops writes for chosen ids and can fail lookups.
type flakyStore struct {
	*metadata.MemoryStore
	mu      sync.Mutex
	drop    map[domain.ChunkID]bool
	putErr  error
	lookErr error
}

func (s *flakyStore) dropWrites(ids ...domain.ChunkID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.drop == nil {
		s.drop = make(map[domain.ChunkID]bool)
	}
	for _, id := range ids {
		s.drop[id] = true
	}
}

func (s *flakyStore) PutMany(ctx context.Context, recs []domain.MetadataRecord) error {
	if s.putErr != nil {
		return s.putErr
	}
	s.mu.Lock()
	kept := make([]domain.MetadataRecord, 0, len(recs))
	for _, r := range recs {
		if !s.drop[r.ChunkID] {
			kept = append(kept, r)
		}
	}
	s.mu.Unlock()
	return s.MemoryStore.PutMany(ctx, kept)
}

func (s *flakyStore) GetMany(ctx context.Context, ids []domain.ChunkID) (map[domain.ChunkID]domain.MetadataRecord, error) {
	if s.lookErr != nil {
		return nil, s.lookErr
	}
	return s.MemoryStore.GetMany(ctx, ids)
}

// rejectingEmbedder refuses texts matched by reject. With knowIndex the
// error names the offending input.
type rejectingEmbedder struct {
	*embedding.MockEmbedder
	reject    func(text string) bool
	knowIndex bool
	calls     atomic.Int32
}

func (e *rejectingEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	e.calls.Add(1)
	for i, text := range texts {
		if e.reject(text) {
			idx := -1
			if e.knowIndex {
				idx = i
			}
			return nil, &domain.RejectedError{Index: idx, Reason: "input exceeds model context"}
		}
	}
	return e.MockEmbedder.Embed(ctx, texts)
}

// flakyEmbedder fails the first failures calls with err.
type flakyEmbedder struct {
	*embedding.MockEmbedder
	failures int32
	err      error
	calls    atomic.Int32
}

func (e *flakyEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if n := e.calls.Add(1); e.failures < 0 || n <= e.failures {
		return nil, e.err
	}
	return e.MockEmbedder.Embed(ctx, texts)
}
