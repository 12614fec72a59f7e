package usecase

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"docexpert/internal/domain"
	"docexpert/internal/port"
	"docexpert/internal/retry"
)

// RetrieveOptions configures a RetrieveUseCase.
type RetrieveOptions struct {
	Collection   string
	TopK         int
	Retry        retry.Policy // query path, usually a single retry
	DedupSources bool
}

// RetrieveUseCase answers a query with ranked chunks and their provenance.
type RetrieveUseCase struct {
	embedder port.Embedder
	index    port.VectorIndex
	meta     port.MetadataStore
	opts     RetrieveOptions
	logger   *zap.Logger
}

// NewRetrieveUseCase creates a new retrieve use case.
func NewRetrieveUseCase(
	embedder port.Embedder,
	index port.VectorIndex,
	meta port.MetadataStore,
	opts RetrieveOptions,
	logger *zap.Logger,
) *RetrieveUseCase {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RetrieveUseCase{
		embedder: embedder,
		index:    index,
		meta:     meta,
		opts:     opts,
		logger:   logger.Named("retrieve").With(zap.String("collection", opts.Collection)),
	}
}

// Retrieve embeds query, searches the collection and joins every hit with
// its metadata. topK <= 0 uses the configured default. Hits without
// metadata are kept and marked SourceUnknown.
func (u *RetrieveUseCase) Retrieve(ctx context.Context, query string, topK int, filter domain.Filter) (*domain.RetrievalResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("%w: query text is empty", domain.ErrQueryFailed)
	}
	if topK <= 0 {
		topK = u.opts.TopK
	}

	vectors, err := retry.DoValue(ctx, u.opts.Retry, func(ctx context.Context) ([][]float32, error) {
		return u.embedder.Embed(ctx, []string{query})
	}, u.notify("embed query"))
	if err != nil {
		return nil, fmt.Errorf("%w: embed query: %w", domain.ErrQueryFailed, err)
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("%w: embedder returned %d vectors for one query", domain.ErrQueryFailed, len(vectors))
	}

	hits, err := retry.DoValue(ctx, u.opts.Retry, func(ctx context.Context) (domain.QueryResult, error) {
		return u.index.Search(ctx, u.opts.Collection, vectors[0], topK, filter)
	}, u.notify("search"))
	if err != nil {
		return nil, fmt.Errorf("%w: search %s: %w", domain.ErrQueryFailed, u.opts.Collection, err)
	}

	ids := make([]domain.ChunkID, len(hits))
	for i, h := range hits {
		ids[i] = h.ID
	}

	records := map[domain.ChunkID]domain.MetadataRecord{}
	if len(ids) > 0 {
		records, err = retry.DoValue(ctx, u.opts.Retry, func(ctx context.Context) (map[domain.ChunkID]domain.MetadataRecord, error) {
			return u.meta.GetMany(ctx, ids)
		}, u.notify("metadata lookup"))
		if err != nil {
			// Ranked ids are still useful without provenance.
			u.logger.Warn("metadata lookup failed, returning hits without provenance", zap.Int("hits", len(ids)), zap.Error(err))
			records = map[domain.ChunkID]domain.MetadataRecord{}
		}
	}

	result := &domain.RetrievalResult{
		Query:         query,
		Collection:    u.opts.Collection,
		ContextChunks: make([]domain.ContextChunk, 0, len(hits)),
		Sources:       []domain.Source{},
	}

	var unknown int
	for _, h := range hits {
		rec, ok := records[h.ID]
		if !ok {
			unknown++
			result.ContextChunks = append(result.ContextChunks, domain.ContextChunk{
				ChunkID:       h.ID,
				Score:         h.Score,
				SourceUnknown: true,
			})
			continue
		}
		result.ContextChunks = append(result.ContextChunks, domain.ContextChunk{
			ChunkID:    h.ID,
			Score:      h.Score,
			FilePath:   rec.FilePath,
			FileName:   rec.FileName,
			ChunkIndex: rec.ChunkIndex,
			Category:   rec.Category,
			Preview:    rec.Preview,
		})
	}
	if unknown > 0 {
		u.logger.Warn("search returned chunks without metadata", zap.Int("unknown", unknown), zap.Int("hits", len(hits)))
	}

	result.Sources = summarizeSources(result.ContextChunks, u.opts.DedupSources)
	return result, nil
}

// summarizeSources lists the files behind chunks in score order. With
// dedup each file appears once with its best chunk.
func summarizeSources(chunks []domain.ContextChunk, dedup bool) []domain.Source {
	sources := []domain.Source{}
	seen := make(map[string]int)
	for _, c := range chunks {
		if c.SourceUnknown {
			continue
		}
		if dedup {
			if i, ok := seen[c.FilePath]; ok {
				if c.Score > sources[i].Score {
					sources[i] = domain.Source{FilePath: c.FilePath, ChunkID: c.ChunkID, Score: c.Score}
				}
				continue
			}
			seen[c.FilePath] = len(sources)
		}
		sources = append(sources, domain.Source{FilePath: c.FilePath, ChunkID: c.ChunkID, Score: c.Score})
	}
	return sources
}

func (u *RetrieveUseCase) notify(op string) retry.Notify {
	return func(err error, wait time.Duration) {
		u.logger.Warn("retrying after transient error", zap.String("op", op), zap.Duration("wait", wait), zap.Error(err))
	}
}
