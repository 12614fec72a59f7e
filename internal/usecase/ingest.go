package usecase

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"path/filepath"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"docexpert/internal/domain"
	"docexpert/internal/port"
	"docexpert/internal/retry"
)

// IngestOptions configures an IngestUseCase.
type IngestOptions struct {
	Collection   port.CollectionSpec
	BatchSize    int
	Workers      int
	Retry        retry.Policy
	PreviewChars int // characters of chunk text kept in metadata
	// DeterministicIDs reports whether the chunker derives ids from chunk
	// position. Resuming requires it.
	DeterministicIDs bool
}

// SourceDocument is a document together with its text.
type SourceDocument struct {
	Document domain.Document
	Text     string
}

// IngestRequest carries per-run inputs.
type IngestRequest struct {
	// Resume is the report of an earlier run. Chunks of its completed
	// batches are not embedded again.
	Resume *domain.IngestReport

	// OnChunks is called with the number of chunks each finished batch
	// wrote. It may be called from several goroutines.
	OnChunks func(n int)
}

// IngestUseCase turns documents into searchable chunks.
type IngestUseCase struct {
	walker   port.FileWalker
	reader   port.FileReader
	chunker  port.Chunker
	embedder port.Embedder
	index    port.VectorIndex
	meta     port.MetadataStore
	opts     IngestOptions
	logger   *zap.Logger
	now      func() time.Time
}

// NewIngestUseCase creates a new ingest use case.
func NewIngestUseCase(
	walker port.FileWalker,
	reader port.FileReader,
	chunker port.Chunker,
	embedder port.Embedder,
	index port.VectorIndex,
	meta port.MetadataStore,
	opts IngestOptions,
	logger *zap.Logger,
) (*IngestUseCase, error) {
	if opts.BatchSize <= 0 {
		return nil, domain.InvalidConfig("embedding batch size must be positive, got %d", opts.BatchSize)
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Collection.Dimension != embedder.Dimension() {
		return nil, fmt.Errorf("%w: %w: collection %s expects %d, embedder %s produces %d",
			domain.ErrInvalidConfiguration, domain.ErrDimensionMismatch,
			opts.Collection.Name, opts.Collection.Dimension, embedder.ModelName(), embedder.Dimension())
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IngestUseCase{
		walker:   walker,
		reader:   reader,
		chunker:  chunker,
		embedder: embedder,
		index:    index,
		meta:     meta,
		opts:     opts,
		logger:   logger.Named("ingest").With(zap.String("collection", opts.Collection.Name)),
		now:      time.Now,
	}, nil
}

// Ingest walks root and ingests every matching file.
func (u *IngestUseCase) Ingest(ctx context.Context, root string, req IngestRequest) (*domain.IngestReport, error) {
	files, err := u.walker.Walk(root)
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}
	u.logger.Info("discovered documents", zap.String("root", root), zap.Int("files", len(files)))

	var readErrs []string
	docs := func(yield func(SourceDocument) bool) {
		for _, file := range files {
			text, err := u.reader.ReadFile(file.Path)
			if err != nil {
				u.logger.Warn("failed to read document", zap.String("path", file.Path), zap.Error(err))
				readErrs = append(readErrs, fmt.Sprintf("%s: %v", file.Path, err))
				continue
			}
			doc := domain.Document{
				Path:     file.Path,
				ModTime:  time.Unix(file.ModTime, 0),
				Category: file.Category,
			}
			if !yield(SourceDocument{Document: doc, Text: text}) {
				return
			}
		}
	}

	report, err := u.IngestDocuments(ctx, docs, req)
	if report != nil {
		report.DocumentErrors = append(readErrs, report.DocumentErrors...)
	}
	return report, err
}

// pendingChunk is a chunk waiting in a batch, with its document.
type pendingChunk struct {
	chunk domain.Chunk
	doc   domain.Document
}

// IngestDocuments chunks, embeds and writes docs. Batches run on a bounded
// worker pool. Cancelling ctx stops dispatching new batches; batches
// already running finish. The index is flushed once at the end, also
// when the run stops early, so the report lists exactly what is
// searchable.
func (u *IngestUseCase) IngestDocuments(ctx context.Context, docs iter.Seq[SourceDocument], req IngestRequest) (*domain.IngestReport, error) {
	start := u.now()
	collection := u.opts.Collection.Name

	if req.Resume != nil && !u.opts.DeterministicIDs {
		return nil, domain.InvalidConfig("collection %s: resuming requires deterministic chunk ids", collection)
	}

	if err := u.index.EnsureCollection(ctx, u.opts.Collection); err != nil {
		return nil, fmt.Errorf("failed to prepare collection %s: %w", collection, err)
	}

	col := newReportCollector(collection)
	skip := make(map[domain.ChunkID]struct{})
	firstSeq := 0
	if req.Resume != nil {
		for _, id := range req.Resume.CompletedChunkIDs() {
			skip[id] = struct{}{}
		}
		for _, b := range req.Resume.CompletedBatches {
			firstSeq = max(firstSeq, b.Seq+1)
		}
		col.report.CompletedBatches = append(col.report.CompletedBatches, req.Resume.CompletedBatches...)
	}

	pool, err := ants.NewPool(u.opts.Workers)
	if err != nil {
		return nil, fmt.Errorf("failed to create worker pool: %w", err)
	}
	defer pool.Release()

	// In-flight batches are not interrupted by cancellation. Each external
	// call still has its own timeout.
	batchCtx := context.WithoutCancel(ctx)

	var (
		wg        sync.WaitGroup
		seq       = firstSeq
		batch     = make([]pendingChunk, 0, u.opts.BatchSize)
		cancelled bool
	)

	dispatch := func() bool {
		if ctx.Err() != nil {
			cancelled = true
			return false
		}
		if col.failed() {
			return false
		}
		items := batch
		batch = make([]pendingChunk, 0, u.opts.BatchSize)
		n := seq
		seq++

		wg.Add(1)
		err := pool.Submit(func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					u.logger.Error("batch worker panicked", zap.Int("batch", n), zap.Any("panic", r))
					col.fail(&domain.BatchError{Seq: n, Err: fmt.Errorf("panic: %v", r)})
				}
			}()
			u.processBatch(batchCtx, n, items, col, req.OnChunks)
		})
		if err != nil {
			wg.Done()
			col.fail(&domain.BatchError{Seq: n, Err: fmt.Errorf("failed to submit batch: %w", err)})
			return false
		}
		return true
	}

	stopped := false
	for sd := range docs {
		chunks, err := u.chunker.Seq(sd.Document, sd.Text)
		if err != nil {
			u.logger.Warn("failed to chunk document", zap.String("path", sd.Document.Path), zap.Error(err))
			col.documentError(fmt.Sprintf("%s: %v", sd.Document.Path, err))
			continue
		}
		for chunk := range chunks {
			if _, done := skip[chunk.ID]; done {
				col.resumed()
				continue
			}
			batch = append(batch, pendingChunk{chunk: chunk, doc: sd.Document})
			if len(batch) == u.opts.BatchSize && !dispatch() {
				stopped = true
				break
			}
		}
		if stopped {
			break
		}
		col.documentProcessed()
	}
	if !stopped && len(batch) > 0 {
		dispatch()
	}
	wg.Wait()

	// Flush even after a failure or cancellation so that every batch in
	// CompletedBatches is searchable when the report is returned.
	flushCtx := context.WithoutCancel(ctx)
	flushErr := retry.Do(flushCtx, u.opts.Retry, func(ctx context.Context) error {
		return u.index.Flush(ctx, collection)
	}, u.notify("flush", -1))

	report := col.snapshot()
	report.Flushed = flushErr == nil
	report.Cancelled = cancelled
	report.Duration = u.now().Sub(start)

	u.logger.Info("ingestion finished",
		zap.Int("documents", report.DocumentsProcessed),
		zap.Int("chunks_ingested", report.ChunksIngested),
		zap.Int("chunks_skipped", len(report.ChunksSkipped)),
		zap.Int("chunks_resumed", report.ChunksResumed),
		zap.Bool("cancelled", cancelled),
		zap.Duration("duration", report.Duration))

	if batchErr := col.failure(); batchErr != nil {
		return report, batchErr
	}
	if flushErr != nil {
		return report, fmt.Errorf("failed to flush collection %s: %w", collection, flushErr)
	}
	if cancelled {
		return report, ctx.Err()
	}
	return report, nil
}

// processBatch embeds and writes one batch. The batch is recorded as
// completed only when both stores acknowledged it.
func (u *IngestUseCase) processBatch(ctx context.Context, seq int, items []pendingChunk, col *reportCollector, onChunks func(int)) {
	log := u.logger.With(zap.Int("batch", seq), zap.Int("size", len(items)))

	kept, vectors, err := u.embedBatch(ctx, seq, items, col)
	if err != nil {
		log.Error("batch failed", zap.Error(err))
		col.fail(&domain.BatchError{Seq: seq, Err: err})
		return
	}
	if len(kept) == 0 {
		col.batchDone(seq, nil)
		return
	}

	ingestedAt := u.now().UTC()
	vitems := make([]port.VectorItem, len(kept))
	recs := make([]domain.MetadataRecord, len(kept))
	ids := make([]domain.ChunkID, len(kept))
	for i, p := range kept {
		fileName := filepath.Base(p.doc.Path)
		preview := previewText(p.chunk.Text, u.opts.PreviewChars)
		ids[i] = p.chunk.ID
		vitems[i] = port.VectorItem{
			ID:         p.chunk.ID,
			Vector:     vectors[i],
			FilePath:   p.doc.Path,
			FileName:   fileName,
			ChunkIndex: p.chunk.Index,
			Category:   p.doc.Category,
			Text:       preview,
		}
		recs[i] = domain.MetadataRecord{
			ChunkID:    p.chunk.ID,
			Collection: u.opts.Collection.Name,
			FilePath:   p.doc.Path,
			FileName:   fileName,
			ChunkIndex: p.chunk.Index,
			ByteStart:  p.chunk.ByteStart,
			ByteEnd:    p.chunk.ByteEnd,
			Category:   p.doc.Category,
			Preview:    preview,
			IngestedAt: ingestedAt,
		}
	}

	// The two stores are independent. A failure of either fails the batch;
	// a write that already landed is overwritten when the batch is retried.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return retry.Do(gctx, u.opts.Retry, func(ctx context.Context) error {
			return u.index.Insert(ctx, u.opts.Collection.Name, vitems)
		}, u.notify("vector insert", seq))
	})
	g.Go(func() error {
		return retry.Do(gctx, u.opts.Retry, func(ctx context.Context) error {
			return u.meta.PutMany(ctx, recs)
		}, u.notify("metadata write", seq))
	})
	if err := g.Wait(); err != nil {
		log.Error("batch write failed", zap.Error(err))
		col.fail(&domain.BatchError{Seq: seq, Err: err})
		return
	}

	col.batchDone(seq, ids)
	log.Debug("batch written", zap.Int("chunks", len(ids)))
	if onChunks != nil {
		onChunks(len(ids))
	}
}

// embedBatch embeds items, dropping rejected ones into the report. It
// returns the surviving items with their vectors in matching order.
func (u *IngestUseCase) embedBatch(ctx context.Context, seq int, items []pendingChunk, col *reportCollector) ([]pendingChunk, [][]float32, error) {
	for len(items) > 0 {
		vectors, err := u.embed(ctx, seq, items)
		if err == nil {
			return items, vectors, nil
		}

		var rejected *domain.RejectedError
		if !errors.As(err, &rejected) {
			return nil, nil, err
		}
		if rejected.Index < 0 || rejected.Index >= len(items) {
			return u.embedOneByOne(ctx, seq, items, col)
		}

		col.skip(items[rejected.Index], rejected.Reason)
		u.logger.Warn("chunk rejected by embedder",
			zap.Int("batch", seq),
			zap.String("chunk_id", string(items[rejected.Index].chunk.ID)),
			zap.String("reason", rejected.Reason))
		items = append(items[:rejected.Index:rejected.Index], items[rejected.Index+1:]...)
	}
	return nil, nil, nil
}

// embedOneByOne isolates rejected inputs when the embedder cannot say
// which input of a batch it rejected.
func (u *IngestUseCase) embedOneByOne(ctx context.Context, seq int, items []pendingChunk, col *reportCollector) ([]pendingChunk, [][]float32, error) {
	var kept []pendingChunk
	var vectors [][]float32
	for _, item := range items {
		vec, err := u.embed(ctx, seq, []pendingChunk{item})
		if err != nil {
			var rejected *domain.RejectedError
			if errors.As(err, &rejected) {
				col.skip(item, rejected.Reason)
				u.logger.Warn("chunk rejected by embedder",
					zap.Int("batch", seq),
					zap.String("chunk_id", string(item.chunk.ID)),
					zap.String("reason", rejected.Reason))
				continue
			}
			return nil, nil, err
		}
		kept = append(kept, item)
		vectors = append(vectors, vec[0])
	}
	return kept, vectors, nil
}

func (u *IngestUseCase) embed(ctx context.Context, seq int, items []pendingChunk) ([][]float32, error) {
	texts := make([]string, len(items))
	for i, p := range items {
		texts[i] = p.chunk.Text
	}

	vectors, err := retry.DoValue(ctx, u.opts.Retry, func(ctx context.Context) ([][]float32, error) {
		return u.embedder.Embed(ctx, texts)
	}, u.notify("embed", seq))
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d inputs", len(vectors), len(texts))
	}
	want := u.opts.Collection.Dimension
	for i, v := range vectors {
		if len(v) != want {
			return nil, fmt.Errorf("%w: %w: chunk %s embedded to %d dimensions, collection expects %d",
				domain.ErrInvalidConfiguration, domain.ErrDimensionMismatch, items[i].chunk.ID, len(v), want)
		}
	}
	return vectors, nil
}

func (u *IngestUseCase) notify(op string, seq int) retry.Notify {
	return func(err error, wait time.Duration) {
		u.logger.Warn("retrying after transient error",
			zap.String("op", op),
			zap.Int("batch", seq),
			zap.Duration("wait", wait),
			zap.Error(err))
	}
}

// previewText keeps the first n characters of text. n <= 0 keeps all.
func previewText(text string, n int) string {
	if n <= 0 || utf8.RuneCountInString(text) <= n {
		return text
	}
	i := 0
	for pos := range text {
		if i == n {
			return text[:pos]
		}
		i++
	}
	return text
}

// reportCollector accumulates the run report from concurrent workers.
type reportCollector struct {
	mu     sync.Mutex
	report domain.IngestReport
	err    *domain.BatchError
}

func newReportCollector(collection string) *reportCollector {
	return &reportCollector{report: domain.IngestReport{Collection: collection}}
}

func (c *reportCollector) skip(p pendingChunk, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.report.ChunksSkipped = append(c.report.ChunksSkipped, domain.SkippedChunk{
		ChunkID:    p.chunk.ID,
		FilePath:   p.chunk.DocPath,
		ChunkIndex: p.chunk.Index,
		Reason:     reason,
	})
}

func (c *reportCollector) batchDone(seq int, ids []domain.ChunkID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.report.ChunksIngested += len(ids)
	c.report.CompletedBatches = append(c.report.CompletedBatches, domain.BatchRef{Seq: seq, ChunkIDs: ids})
}

func (c *reportCollector) documentProcessed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.report.DocumentsProcessed++
}

func (c *reportCollector) documentError(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.report.DocumentErrors = append(c.report.DocumentErrors, msg)
}

func (c *reportCollector) resumed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.report.ChunksResumed++
}

// fail records the first batch failure.
func (c *reportCollector) fail(err *domain.BatchError) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

func (c *reportCollector) failed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err != nil
}

func (c *reportCollector) failure() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		return nil
	}
	return c.err
}

func (c *reportCollector) snapshot() *domain.IngestReport {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.report
	r.ChunksSkipped = append([]domain.SkippedChunk(nil), c.report.ChunksSkipped...)
	r.CompletedBatches = append([]domain.BatchRef(nil), c.report.CompletedBatches...)
	r.DocumentErrors = append([]string(nil), c.report.DocumentErrors...)
	return &r
}
