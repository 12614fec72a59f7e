package usecase

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docexpert/internal/adapter/embedding"
	"docexpert/internal/adapter/fs"
	"docexpert/internal/domain"
)

func TestIngestThenRetrieveMiddleChunk(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 100, 20)
	sd := SourceDocument{Document: doc("/docs/guide.md", "guides"), Text: distinctText("alpha", 250)}
	chunks := env.chunks(t, sd)
	require.Len(t, chunks, 3)

	report, err := env.ingest(t, 2, 2).IngestDocuments(ctx, docsOf(sd), IngestRequest{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.DocumentsProcessed)
	assert.Equal(t, 3, report.ChunksIngested)
	assert.Empty(t, report.ChunksSkipped)
	assert.True(t, report.Flushed)

	result, err := env.retrieve(true).Retrieve(ctx, chunks[1].Text, 3, domain.Filter{})
	require.NoError(t, err)
	require.NotEmpty(t, result.ContextChunks)

	top := result.ContextChunks[0]
	assert.Equal(t, chunks[1].ID, top.ChunkID)
	assert.Equal(t, "/docs/guide.md", top.FilePath)
	assert.Equal(t, "guide.md", top.FileName)
	assert.Equal(t, 1, top.ChunkIndex)
	assert.Equal(t, "guides", top.Category)
	assert.InDelta(t, 1.0, top.Score, 1e-6)
	assert.False(t, top.SourceUnknown)
}

func TestIngestSkipsRejectedChunk(t *testing.T) {
	for _, knowIndex := range []bool{true, false} {
		name := "batch fallback"
		if knowIndex {
			name = "known index"
		}
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			env := newTestEnv(t, 100, 20)
			sd := SourceDocument{Document: doc("/docs/faq.md", ""), Text: distinctText("beta", 400)}
			chunks := env.chunks(t, sd)
			require.Len(t, chunks, 5)

			env.embedder = &rejectingEmbedder{
				MockEmbedder: embedding.NewMockEmbedder(testDim),
				reject:       func(text string) bool { return text == chunks[1].Text },
				knowIndex:    knowIndex,
			}

			report, err := env.ingest(t, 5, 1).IngestDocuments(ctx, docsOf(sd), IngestRequest{})
			require.NoError(t, err)
			assert.Equal(t, 4, report.ChunksIngested)
			require.Len(t, report.ChunksSkipped, 1)
			assert.Equal(t, chunks[1].ID, report.ChunksSkipped[0].ChunkID)
			assert.Equal(t, 1, report.ChunksSkipped[0].ChunkIndex)
			assert.NotEmpty(t, report.ChunksSkipped[0].Reason)

			count, err := env.index.Count(ctx, testCollection)
			require.NoError(t, err)
			assert.EqualValues(t, 4, count)

			retriever := env.retrieve(false)
			for i, c := range chunks {
				if i == 1 {
					continue
				}
				result, err := retriever.Retrieve(ctx, c.Text, 1, domain.Filter{})
				require.NoError(t, err)
				require.Len(t, result.ContextChunks, 1)
				assert.Equal(t, c.ID, result.ContextChunks[0].ChunkID, "chunk %d should be searchable", i)
			}
		})
	}
}

func TestIngestMissingMetadataIsSourceUnknown(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 100, 20)
	sd := SourceDocument{Document: doc("/docs/setup.md", ""), Text: distinctText("gamma", 250)}
	chunks := env.chunks(t, sd)
	env.meta.dropWrites(chunks[2].ID)

	_, err := env.ingest(t, 10, 1).IngestDocuments(ctx, docsOf(sd), IngestRequest{})
	require.NoError(t, err)

	result, err := env.retrieve(false).Retrieve(ctx, chunks[2].Text, 3, domain.Filter{})
	require.NoError(t, err)
	require.Len(t, result.ContextChunks, 3)

	top := result.ContextChunks[0]
	assert.Equal(t, chunks[2].ID, top.ChunkID)
	assert.True(t, top.SourceUnknown)
	assert.Empty(t, top.FilePath)
	for _, c := range result.ContextChunks[1:] {
		assert.False(t, c.SourceUnknown)
	}
	for _, s := range result.Sources {
		assert.NotEqual(t, chunks[2].ID, s.ChunkID)
	}
}

func TestIngestIsIdempotent(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 100, 20)
	docs := docsOf(
		SourceDocument{Document: doc("/docs/a.md", ""), Text: distinctText("delta", 300)},
		SourceDocument{Document: doc("/docs/b.md", ""), Text: distinctText("omega", 180)},
	)
	uc := env.ingest(t, 3, 2)

	first, err := uc.IngestDocuments(ctx, docs, IngestRequest{})
	require.NoError(t, err)
	vectors, err := env.index.Count(ctx, testCollection)
	require.NoError(t, err)
	records, err := env.meta.Count(ctx, testCollection)
	require.NoError(t, err)

	second, err := uc.IngestDocuments(ctx, docs, IngestRequest{})
	require.NoError(t, err)

	assert.Equal(t, first.ChunksIngested, second.ChunksIngested)
	assert.ElementsMatch(t, first.CompletedChunkIDs(), second.CompletedChunkIDs())

	vectors2, err := env.index.Count(ctx, testCollection)
	require.NoError(t, err)
	records2, err := env.meta.Count(ctx, testCollection)
	require.NoError(t, err)
	assert.Equal(t, vectors, vectors2)
	assert.Equal(t, records, records2)
}

func TestIngestStoresStayInStep(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 50, 10)
	docs := docsOf(
		SourceDocument{Document: doc("/docs/a.md", ""), Text: distinctText("one", 500)},
		SourceDocument{Document: doc("/docs/b.md", ""), Text: distinctText("two", 333)},
		SourceDocument{Document: doc("/docs/c.md", ""), Text: distinctText("six", 41)},
	)

	report, err := env.ingest(t, 4, 3).IngestDocuments(ctx, docs, IngestRequest{})
	require.NoError(t, err)

	vectors, err := env.index.Count(ctx, testCollection)
	require.NoError(t, err)
	records, err := env.meta.Count(ctx, testCollection)
	require.NoError(t, err)
	assert.EqualValues(t, report.ChunksIngested, vectors)
	assert.EqualValues(t, report.ChunksIngested, records)
	assert.Len(t, report.CompletedChunkIDs(), report.ChunksIngested)
	assert.Equal(t, 3, report.DocumentsProcessed)
}

func TestIngestFlushesOnce(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 20, 5)
	sd := SourceDocument{Document: doc("/docs/long.md", ""), Text: distinctText("flush", 600)}

	report, err := env.ingest(t, 2, 4).IngestDocuments(ctx, docsOf(sd), IngestRequest{})
	require.NoError(t, err)
	assert.Greater(t, len(report.CompletedBatches), 1)
	assert.EqualValues(t, 1, env.index.flushes.Load())
}

func TestIngestRetriesTransientEmbeddingFailure(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 100, 20)
	flaky := &flakyEmbedder{
		MockEmbedder: embedding.NewMockEmbedder(testDim),
		failures:     2,
		err:          domain.ErrEmbeddingUnavailable,
	}
	env.embedder = flaky
	sd := SourceDocument{Document: doc("/docs/a.md", ""), Text: distinctText("retry", 250)}

	report, err := env.ingest(t, 10, 1).IngestDocuments(ctx, docsOf(sd), IngestRequest{})
	require.NoError(t, err)
	assert.Equal(t, 3, report.ChunksIngested)
	assert.EqualValues(t, 3, flaky.calls.Load())
}

func TestIngestBatchFailsAfterRetries(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 100, 20)
	flaky := &flakyEmbedder{
		MockEmbedder: embedding.NewMockEmbedder(testDim),
		failures:     -1,
		err:          domain.ErrEmbeddingUnavailable,
	}
	env.embedder = flaky
	sd := SourceDocument{Document: doc("/docs/a.md", ""), Text: distinctText("fail", 250)}

	report, err := env.ingest(t, 10, 1).IngestDocuments(ctx, docsOf(sd), IngestRequest{})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrIngestionBatchFailed)
	assert.ErrorIs(t, err, domain.ErrEmbeddingUnavailable)

	var batchErr *domain.BatchError
	require.True(t, errors.As(err, &batchErr))
	assert.Equal(t, 0, batchErr.Seq)

	// one attempt plus two retries
	assert.EqualValues(t, 3, flaky.calls.Load())
	require.NotNil(t, report)
	assert.Zero(t, report.ChunksIngested)
	assert.True(t, report.Flushed)
}

func TestIngestBatchFailsOnVectorInsert(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 100, 20)
	env.index.insertErr = domain.ErrUnavailable
	env.index.insertErrN.Store(-1)
	sd := SourceDocument{Document: doc("/docs/a.md", ""), Text: distinctText("down", 250)}

	report, err := env.ingest(t, 10, 1).IngestDocuments(ctx, docsOf(sd), IngestRequest{})
	assert.ErrorIs(t, err, domain.ErrIngestionBatchFailed)
	assert.ErrorIs(t, err, domain.ErrUnavailable)
	require.NotNil(t, report)
	assert.Empty(t, report.CompletedBatches)
}

func TestIngestPermanentMetadataFailureIsNotRetried(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, 100, 20)
	env.meta.putErr = errors.New("constraint violated")
	sd := SourceDocument{Document: doc("/docs/a.md", ""), Text: distinctText("meta", 250)}

	report, err := env.ingest(t, 10, 1).IngestDocuments(ctx, docsOf(sd), IngestRequest{})
	assert.ErrorIs(t, err, domain.ErrIngestionBatchFailed)
	assert.Zero(t, report.ChunksIngested)
}

func TestIngestCancelThenResume(t *testing.T) {
	env := newTestEnv(t, 100, 20)
	sd := SourceDocument{Document: doc("/docs/big.md", ""), Text: distinctText("resume", 400)}
	total := len(env.chunks(t, sd))
	require.Equal(t, 5, total)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	uc := env.ingest(t, 1, 1)

	first, err := uc.IngestDocuments(ctx, docsOf(sd), IngestRequest{
		OnChunks: func(int) { cancel() },
	})
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, first)
	assert.True(t, first.Cancelled)
	assert.True(t, first.Flushed)
	assert.Positive(t, first.ChunksIngested)
	assert.Less(t, first.ChunksIngested, total)
	assert.Len(t, first.CompletedChunkIDs(), first.ChunksIngested)

	vectors, err := env.index.Count(context.Background(), testCollection)
	require.NoError(t, err)
	assert.EqualValues(t, first.ChunksIngested, vectors)

	second, err := uc.IngestDocuments(context.Background(), docsOf(sd), IngestRequest{Resume: first})
	require.NoError(t, err)
	assert.Equal(t, first.ChunksIngested, second.ChunksResumed)
	assert.Equal(t, total-first.ChunksIngested, second.ChunksIngested)
	assert.Len(t, second.CompletedChunkIDs(), total)

	vectors, err = env.index.Count(context.Background(), testCollection)
	require.NoError(t, err)
	assert.EqualValues(t, total, vectors)

	seqs := make(map[int]bool)
	for _, b := range second.CompletedBatches {
		assert.False(t, seqs[b.Seq], "batch %d reported twice", b.Seq)
		seqs[b.Seq] = true
	}
}

func TestIngestResumeRequiresDeterministicIDs(t *testing.T) {
	env := newTestEnv(t, 100, 20)
	sd := SourceDocument{Document: doc("/docs/a.md", ""), Text: distinctText("random", 250)}
	first, err := env.ingest(t, 2, 1).IngestDocuments(context.Background(), docsOf(sd), IngestRequest{})
	require.NoError(t, err)

	uc, err := NewIngestUseCase(nil, nil, env.chunker, env.embedder, env.index, env.meta, IngestOptions{
		Collection: testSpec(),
		BatchSize:  2,
		Retry:      fastRetry(2),
	}, nil)
	require.NoError(t, err)

	_, err = uc.IngestDocuments(context.Background(), docsOf(sd), IngestRequest{Resume: first})
	assert.ErrorIs(t, err, domain.ErrInvalidConfiguration)

	vectors, err := env.index.Count(context.Background(), testCollection)
	require.NoError(t, err)
	assert.EqualValues(t, first.ChunksIngested, vectors)
}

func TestIngestRejectsDimensionMismatch(t *testing.T) {
	env := newTestEnv(t, 100, 20)
	spec := testSpec()
	spec.Dimension = testDim * 2

	_, err := NewIngestUseCase(nil, nil, env.chunker, env.embedder, env.index, env.meta, IngestOptions{
		Collection: spec,
		BatchSize:  8,
	}, nil)
	assert.ErrorIs(t, err, domain.ErrDimensionMismatch)
	assert.ErrorIs(t, err, domain.ErrInvalidConfiguration)
}

func TestIngestRejectsBadBatchSize(t *testing.T) {
	env := newTestEnv(t, 100, 20)
	_, err := NewIngestUseCase(nil, nil, env.chunker, env.embedder, env.index, env.meta, IngestOptions{
		Collection: testSpec(),
	}, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidConfiguration)
}

func TestIngestDirectory(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	write := func(rel, content string) {
		path := filepath.Join(root, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	}
	write("guides/install.md", distinctText("install", 220))
	write("faq/billing.md", distinctText("billing", 90))
	write("faq/binary.md", "ok\xff\xfe")
	write("notes/skip.go", "package notes")

	env := newTestEnv(t, 100, 20)
	walker := fs.NewWalker([]string{"**/*.md"}, nil, map[string]string{
		"guides/**": "guide",
		"faq/**":    "faq",
	})
	uc, err := NewIngestUseCase(walker, fs.Reader{}, env.chunker, env.embedder, env.index, env.meta, IngestOptions{
		Collection:   testSpec(),
		BatchSize:    4,
		Workers:      2,
		Retry:        fastRetry(1),
		PreviewChars: 40,
	}, nil)
	require.NoError(t, err)

	var notified atomic.Int64
	report, err := uc.Ingest(ctx, root, IngestRequest{OnChunks: func(n int) { notified.Add(int64(n)) }})
	require.NoError(t, err)
	assert.Equal(t, 2, report.DocumentsProcessed)
	assert.Equal(t, 4, report.ChunksIngested)
	assert.EqualValues(t, report.ChunksIngested, notified.Load())
	require.Len(t, report.DocumentErrors, 1)
	assert.Contains(t, report.DocumentErrors[0], "binary.md")

	ids := report.CompletedChunkIDs()
	records, err := env.meta.GetMany(ctx, ids)
	require.NoError(t, err)
	require.Len(t, records, 4)

	categories := map[string]string{}
	for _, rec := range records {
		categories[rec.FileName] = rec.Category
		assert.Equal(t, testCollection, rec.Collection)
		assert.LessOrEqual(t, len([]rune(rec.Preview)), 40)
		assert.False(t, rec.IngestedAt.IsZero())
	}
	assert.Equal(t, map[string]string{"install.md": "guide", "billing.md": "faq"}, categories)

	result, err := NewRetrieveUseCase(env.embedder, env.index, env.meta, RetrieveOptions{
		Collection: testCollection,
		TopK:       10,
		Retry:      fastRetry(0),
	}, nil).Retrieve(ctx, "billing001 billing002", 10, domain.Filter{Category: "faq"})
	require.NoError(t, err)
	require.NotEmpty(t, result.ContextChunks)
	for _, c := range result.ContextChunks {
		assert.Equal(t, "faq", c.Category)
	}
}

func TestPreviewText(t *testing.T) {
	assert.Equal(t, "héll", previewText("héllo", 4))
	assert.Equal(t, "héllo", previewText("héllo", 10))
	assert.Equal(t, "héllo", previewText("héllo", 0))
}

func TestReportCollectorSnapshotIsCopy(t *testing.T) {
	col := newReportCollector(testCollection)
	col.batchDone(1, []domain.ChunkID{"b"})
	col.batchDone(0, []domain.ChunkID{"a"})

	snap := col.snapshot()
	col.batchDone(2, []domain.ChunkID{"c"})

	require.Len(t, snap.CompletedBatches, 2)
	assert.Equal(t, 2, snap.ChunksIngested)

	ids := snap.CompletedChunkIDs()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	assert.Equal(t, []domain.ChunkID{"a", "b"}, ids)
}
