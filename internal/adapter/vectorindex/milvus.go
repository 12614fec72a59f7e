package vectorindex

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/milvus-io/milvus/client/v2/column"
	"github.com/milvus-io/milvus/client/v2/entity"
	"github.com/milvus-io/milvus/client/v2/index"
	"github.com/milvus-io/milvus/client/v2/milvusclient"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"docexpert/config"
	"docexpert/internal/domain"
	"docexpert/internal/port"
)

// Field names of a docexpert collection.
const (
	fieldID         = "id"
	fieldEmbedding  = "embedding"
	fieldFilePath   = "file_path"
	fieldFileName   = "file_name"
	fieldChunkIndex = "chunk_index"
	fieldCategory   = "category"
	fieldText       = "text"
)

// VARCHAR limits of the collection schema, in bytes.
const (
	maxIDLen       = 100
	maxFilePathLen = 512
	maxFileNameLen = 255
	maxCategoryLen = 100
	maxTextLen     = 2000
)

// MilvusIndex stores vectors in a Milvus server.
type MilvusIndex struct {
	client *milvusclient.Client
	cfg    config.VectorIndexConfig
	logger *zap.Logger

	mu      sync.RWMutex
	metrics map[string]port.Metric // verified index metric per collection
}

// NewMilvusIndex connects to the server described by mcfg.
func NewMilvusIndex(ctx context.Context, mcfg config.MilvusConfig, icfg config.VectorIndexConfig, logger *zap.Logger) (*MilvusIndex, error) {
	if mcfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, mcfg.Timeout)
		defer cancel()
	}

	c, err := milvusclient.New(ctx, &milvusclient.ClientConfig{
		Address:  mcfg.Address,
		Username: mcfg.Username,
		Password: mcfg.Password,
		DBName:   mcfg.Database,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to milvus at %s: %w", mcfg.Address, classify(err))
	}

	logger.Debug("connected to milvus", zap.String("address", mcfg.Address), zap.String("database", mcfg.Database))
	return &MilvusIndex{client: c, cfg: icfg, logger: logger}, nil
}

// ServerVersion reports the version of the connected server.
func (m *MilvusIndex) ServerVersion(ctx context.Context) (string, error) {
	v, err := m.client.GetServerVersion(ctx, milvusclient.NewGetServerVersionOption())
	if err != nil {
		return "", fmt.Errorf("failed to get server version: %w", classify(err))
	}
	return v, nil
}

func (m *MilvusIndex) EnsureCollection(ctx context.Context, spec port.CollectionSpec) error {
	exists, err := m.client.HasCollection(ctx, milvusclient.NewHasCollectionOption(spec.Name))
	if err != nil {
		return fmt.Errorf("failed to check collection existence: %w", classify(err))
	}
	if exists {
		return m.verifyCollection(ctx, spec)
	}

	schema := entity.NewSchema().
		WithName(spec.Name).
		WithDescription(spec.Description).
		WithAutoID(false).
		WithField(entity.NewField().
			WithName(fieldID).
			WithDataType(entity.FieldTypeVarChar).
			WithMaxLength(maxIDLen).
			WithIsPrimaryKey(true)).
		WithField(entity.NewField().
			WithName(fieldEmbedding).
			WithDataType(entity.FieldTypeFloatVector).
			WithDim(int64(spec.Dimension))).
		WithField(entity.NewField().WithName(fieldFilePath).WithDataType(entity.FieldTypeVarChar).WithMaxLength(maxFilePathLen)).
		WithField(entity.NewField().WithName(fieldFileName).WithDataType(entity.FieldTypeVarChar).WithMaxLength(maxFileNameLen)).
		WithField(entity.NewField().WithName(fieldChunkIndex).WithDataType(entity.FieldTypeInt64)).
		WithField(entity.NewField().WithName(fieldCategory).WithDataType(entity.FieldTypeVarChar).WithMaxLength(maxCategoryLen)).
		WithField(entity.NewField().WithName(fieldText).WithDataType(entity.FieldTypeVarChar).WithMaxLength(maxTextLen))

	if err := m.client.CreateCollection(ctx, milvusclient.NewCreateCollectionOption(spec.Name, schema)); err != nil {
		return fmt.Errorf("failed to create collection: %w", classify(err))
	}

	idx := index.NewHNSWIndex(entity.MetricType(spec.Metric), m.cfg.HNSWM, m.cfg.HNSWEfConstruction)
	createIdxTask, err := m.client.CreateIndex(ctx, milvusclient.NewCreateIndexOption(spec.Name, fieldEmbedding, idx))
	if err != nil {
		return fmt.Errorf("failed to create index: %w", classify(err))
	}
	if err := createIdxTask.Await(ctx); err != nil {
		return fmt.Errorf("failed to wait for index creation: %w", classify(err))
	}

	if err := m.load(ctx, spec.Name); err != nil {
		return err
	}
	m.setMetric(spec.Name, spec.Metric)

	m.logger.Info("created collection",
		zap.String("collection", spec.Name),
		zap.Int("dimension", spec.Dimension),
		zap.String("metric", string(spec.Metric)),
		zap.Int("hnsw_m", m.cfg.HNSWM),
		zap.Int("hnsw_ef_construction", m.cfg.HNSWEfConstruction))
	return nil
}

// verifyCollection fails when an existing collection cannot hold vectors
// of spec.Dimension or its index was built with another metric.
func (m *MilvusIndex) verifyCollection(ctx context.Context, spec port.CollectionSpec) error {
	coll, err := m.client.DescribeCollection(ctx, milvusclient.NewDescribeCollectionOption(spec.Name))
	if err != nil {
		return fmt.Errorf("failed to describe collection: %w", classify(err))
	}
	dim, err := vectorDimension(coll.Schema)
	if err != nil {
		return fmt.Errorf("%w: collection %s: %v", domain.ErrInvalidConfiguration, spec.Name, err)
	}
	if dim != spec.Dimension {
		return fmt.Errorf("%w: %w: collection %s has dimension %d, configured %d",
			domain.ErrInvalidConfiguration, domain.ErrDimensionMismatch, spec.Name, dim, spec.Dimension)
	}
	params, err := m.indexParams(ctx, spec.Name)
	if err != nil {
		return err
	}
	metric, err := checkIndexMetric(spec.Name, params, spec.Metric)
	if err != nil {
		return err
	}
	if err := m.load(ctx, spec.Name); err != nil {
		return err
	}
	m.setMetric(spec.Name, metric)
	return nil
}

// indexParams returns the parameters of the index on the embedding field.
func (m *MilvusIndex) indexParams(ctx context.Context, collection string) (map[string]string, error) {
	names, err := m.client.ListIndexes(ctx, milvusclient.NewListIndexOption(collection).WithFieldName(fieldEmbedding))
	if err != nil {
		return nil, fmt.Errorf("failed to list indexes: %w", classify(err))
	}
	if len(names) == 0 {
		return nil, domain.InvalidConfig("collection %s has no index on %s", collection, fieldEmbedding)
	}
	desc, err := m.client.DescribeIndex(ctx, milvusclient.NewDescribeIndexOption(collection, names[0]))
	if err != nil {
		return nil, fmt.Errorf("failed to describe index: %w", classify(err))
	}
	if desc.Index == nil {
		return nil, domain.InvalidConfig("collection %s: index %s not found", collection, names[0])
	}
	return desc.Params(), nil
}

// checkIndexMetric compares the metric recorded in index params with want.
func checkIndexMetric(collection string, params map[string]string, want port.Metric) (port.Metric, error) {
	raw, ok := params[index.MetricTypeKey]
	if !ok || raw == "" {
		return "", domain.InvalidConfig("collection %s: index has no %s", collection, index.MetricTypeKey)
	}
	have := port.Metric(strings.ToUpper(raw))
	if have != port.Metric(strings.ToUpper(string(want))) {
		return "", domain.InvalidConfig("collection %s uses metric %s, configured %s", collection, have, want)
	}
	return have, nil
}

func (m *MilvusIndex) setMetric(collection string, metric port.Metric) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.metrics == nil {
		m.metrics = make(map[string]port.Metric)
	}
	m.metrics[collection] = metric
}

// searchMetric is the verified metric of collection, or the configured one
// when the collection was not verified by this client.
func (m *MilvusIndex) searchMetric(collection string) port.Metric {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if metric, ok := m.metrics[collection]; ok {
		return metric
	}
	return port.Metric(m.cfg.Metric)
}

// Metric reads the metric of the collection's vector index from the server.
func (m *MilvusIndex) Metric(ctx context.Context, collection string) (port.Metric, error) {
	if err := m.requireCollection(ctx, collection); err != nil {
		return "", err
	}
	params, err := m.indexParams(ctx, collection)
	if err != nil {
		return "", err
	}
	raw := params[index.MetricTypeKey]
	if raw == "" {
		return "", domain.InvalidConfig("collection %s: index has no %s", collection, index.MetricTypeKey)
	}
	metric := port.Metric(strings.ToUpper(raw))
	m.setMetric(collection, metric)
	return metric, nil
}

func vectorDimension(schema *entity.Schema) (int, error) {
	if schema == nil {
		return 0, errors.New("collection has no schema")
	}
	for _, f := range schema.Fields {
		if f.Name != fieldEmbedding {
			continue
		}
		dim, err := strconv.Atoi(f.TypeParams["dim"])
		if err != nil {
			return 0, fmt.Errorf("invalid dim on field %s: %w", f.Name, err)
		}
		return dim, nil
	}
	return 0, fmt.Errorf("collection has no %s field", fieldEmbedding)
}

func (m *MilvusIndex) load(ctx context.Context, collection string) error {
	loadTask, err := m.client.LoadCollection(ctx, milvusclient.NewLoadCollectionOption(collection))
	if err != nil {
		return fmt.Errorf("failed to load collection: %w", classify(err))
	}
	if err := loadTask.Await(ctx); err != nil {
		return fmt.Errorf("failed to wait for collection loading: %w", classify(err))
	}
	return nil
}

// Insert upserts items so that re-ingesting a chunk id replaces it.
func (m *MilvusIndex) Insert(ctx context.Context, collection string, items []port.VectorItem) error {
	if len(items) == 0 {
		return nil
	}

	dim := len(items[0].Vector)
	ids := make([]string, len(items))
	vectors := make([][]float32, len(items))
	paths := make([]string, len(items))
	names := make([]string, len(items))
	indexes := make([]int64, len(items))
	categories := make([]string, len(items))
	texts := make([]string, len(items))
	for i, item := range items {
		if len(item.Vector) != dim {
			return fmt.Errorf("item %s: expected %d, got %d: %w", item.ID, dim, len(item.Vector), domain.ErrDimensionMismatch)
		}
		ids[i] = string(item.ID)
		vectors[i] = item.Vector
		paths[i] = truncateBytes(item.FilePath, maxFilePathLen)
		names[i] = truncateBytes(item.FileName, maxFileNameLen)
		indexes[i] = int64(item.ChunkIndex)
		categories[i] = truncateBytes(item.Category, maxCategoryLen)
		texts[i] = truncateBytes(item.Text, maxTextLen)
	}

	opt := milvusclient.NewColumnBasedInsertOption(collection,
		column.NewColumnVarChar(fieldID, ids),
		column.NewColumnFloatVector(fieldEmbedding, dim, vectors),
		column.NewColumnVarChar(fieldFilePath, paths),
		column.NewColumnVarChar(fieldFileName, names),
		column.NewColumnInt64(fieldChunkIndex, indexes),
		column.NewColumnVarChar(fieldCategory, categories),
		column.NewColumnVarChar(fieldText, texts),
	)
	if _, err := m.client.Upsert(ctx, opt); err != nil {
		return fmt.Errorf("failed to upsert into %s: %w", collection, classify(err))
	}
	return nil
}

func (m *MilvusIndex) Flush(ctx context.Context, collection string) error {
	flushTask, err := m.client.Flush(ctx, milvusclient.NewFlushOption(collection))
	if err != nil {
		return fmt.Errorf("failed to flush collection: %w", classify(err))
	}
	if err := flushTask.Await(ctx); err != nil {
		return fmt.Errorf("failed to wait for flush: %w", classify(err))
	}
	return nil
}

func (m *MilvusIndex) Search(ctx context.Context, collection string, vector []float32, topK int, filter domain.Filter) (domain.QueryResult, error) {
	if topK <= 0 {
		return nil, domain.InvalidConfig("top_k must be positive, got %d", topK)
	}

	opt := milvusclient.NewSearchOption(collection, topK, []entity.Vector{entity.FloatVector(vector)}).
		WithANNSField(fieldEmbedding).
		WithSearchParam("ef", strconv.Itoa(max(m.cfg.SearchEf, topK))).
		WithOutputFields(fieldID)
	if expr := RenderFilter(filter); expr != "" {
		opt = opt.WithFilter(expr)
	}

	results, err := m.client.Search(ctx, opt)
	if err != nil {
		return nil, fmt.Errorf("failed to search %s: %w", collection, classify(err))
	}
	if len(results) == 0 {
		return domain.QueryResult{}, nil
	}

	rs := results[0]
	idCol, ok := rs.IDs.(*column.ColumnVarChar)
	if !ok && rs.ResultCount > 0 {
		return nil, fmt.Errorf("collection %s: unexpected id column type %T", collection, rs.IDs)
	}
	metric := m.searchMetric(collection)
	hits := make(domain.QueryResult, 0, rs.ResultCount)
	for i := 0; i < rs.ResultCount; i++ {
		hits = append(hits, domain.ScoredID{
			ID:    domain.ChunkID(idCol.Data()[i]),
			Score: NormalizeScore(metric, float64(rs.Scores[i])),
		})
	}
	SortResult(hits)
	return hits, nil
}

func (m *MilvusIndex) Delete(ctx context.Context, collection string, ids []domain.ChunkID) error {
	if len(ids) == 0 {
		return nil
	}
	strIDs := make([]string, len(ids))
	for i, id := range ids {
		strIDs[i] = string(id)
	}
	if _, err := m.client.Delete(ctx, milvusclient.NewDeleteOption(collection).WithStringIDs(fieldID, strIDs)); err != nil {
		return fmt.Errorf("failed to delete by ids: %w", classify(err))
	}
	return nil
}

// Count returns the row count reported by collection statistics.
func (m *MilvusIndex) Count(ctx context.Context, collection string) (int64, error) {
	stats, err := m.client.GetCollectionStats(ctx, milvusclient.NewGetCollectionStatsOption(collection))
	if err != nil {
		return 0, fmt.Errorf("failed to get collection stats: %w", classify(err))
	}
	if val, ok := stats["row_count"]; ok {
		return strconv.ParseInt(val, 10, 64)
	}
	return 0, nil
}

func (m *MilvusIndex) DropCollection(ctx context.Context, collection string) error {
	if err := m.requireCollection(ctx, collection); err != nil {
		return err
	}
	if err := m.client.DropCollection(ctx, milvusclient.NewDropCollectionOption(collection)); err != nil {
		return fmt.Errorf("failed to drop collection: %w", classify(err))
	}
	m.mu.Lock()
	delete(m.metrics, collection)
	m.mu.Unlock()
	return nil
}

func (m *MilvusIndex) requireCollection(ctx context.Context, collection string) error {
	exists, err := m.client.HasCollection(ctx, milvusclient.NewHasCollectionOption(collection))
	if err != nil {
		return fmt.Errorf("failed to check collection existence: %w", classify(err))
	}
	if !exists {
		return fmt.Errorf("%s: %w", collection, domain.ErrCollectionNotFound)
	}
	return nil
}

func (m *MilvusIndex) ListCollections(ctx context.Context) ([]string, error) {
	names, err := m.client.ListCollections(ctx, milvusclient.NewListCollectionOption())
	if err != nil {
		return nil, fmt.Errorf("failed to list collections: %w", classify(err))
	}
	sort.Strings(names)
	return names, nil
}

func (m *MilvusIndex) Close(ctx context.Context) error {
	return m.client.Close(ctx)
}

// RenderFilter builds a Milvus boolean expression from f.
func RenderFilter(f domain.Filter) string {
	var clauses []string
	if f.Category != "" {
		clauses = append(clauses, fmt.Sprintf("%s == %s", fieldCategory, quote(f.Category)))
	}
	if f.PathPrefix != "" {
		clauses = append(clauses, fmt.Sprintf("%s like %s", fieldFilePath, quote(escapeLike(f.PathPrefix)+"%")))
	}
	if f.FileName != "" {
		clauses = append(clauses, fmt.Sprintf("%s == %s", fieldFileName, quote(f.FileName)))
	}
	if f.Expr != "" {
		clauses = append(clauses, "("+f.Expr+")")
	}
	return strings.Join(clauses, " && ")
}

func quote(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	return `"` + r.Replace(s) + `"`
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// truncateBytes cuts s to at most n bytes on a rune boundary.
func truncateBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// classify maps client errors onto the index error taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
			return fmt.Errorf("%w: %w", domain.ErrUnavailable, err)
		case codes.NotFound:
			return fmt.Errorf("%w: %w", domain.ErrCollectionNotFound, err)
		}
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "collection not found") || strings.Contains(msg, "can't find collection"):
		return fmt.Errorf("%w: %w", domain.ErrCollectionNotFound, err)
	case strings.Contains(msg, "dimension mismatch") || strings.Contains(msg, "dim mismatch"):
		return fmt.Errorf("%w: %w", domain.ErrDimensionMismatch, err)
	case strings.Contains(msg, "connection refused") || strings.Contains(msg, "service unavailable") ||
		strings.Contains(msg, "rate limit") || strings.Contains(msg, "not ready"):
		return fmt.Errorf("%w: %w", domain.ErrUnavailable, err)
	}
	return err
}

var _ port.VectorIndex = (*MilvusIndex)(nil)
