package usecase

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"docexpert/internal/domain"
	"docexpert/internal/port"
)

// versioned is implemented by vector indexes backed by a server.
type versioned interface {
	ServerVersion(ctx context.Context) (string, error)
}

// metricReporter is implemented by vector indexes that can report the
// metric a collection was built with.
type metricReporter interface {
	Metric(ctx context.Context, collection string) (port.Metric, error)
}

// CollectionUseCase manages collections across the vector index and the
// metadata store.
type CollectionUseCase struct {
	index  port.VectorIndex
	meta   port.MetadataStore
	spec   port.CollectionSpec
	logger *zap.Logger
}

func NewCollectionUseCase(index port.VectorIndex, meta port.MetadataStore, spec port.CollectionSpec, logger *zap.Logger) *CollectionUseCase {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CollectionUseCase{index: index, meta: meta, spec: spec, logger: logger.Named("collection")}
}

// Create creates the configured collection. With dropExisting an existing
// collection and its metadata are removed first.
func (u *CollectionUseCase) Create(ctx context.Context, dropExisting bool) error {
	if dropExisting {
		if err := u.Drop(ctx, u.spec.Name); err != nil && !errors.Is(err, domain.ErrCollectionNotFound) {
			return err
		}
	}
	if err := u.index.EnsureCollection(ctx, u.spec); err != nil {
		return fmt.Errorf("failed to create collection %s: %w", u.spec.Name, err)
	}
	u.logger.Info("collection ready", zap.String("name", u.spec.Name), zap.Int("dimension", u.spec.Dimension))
	return nil
}

// Drop removes a collection and all of its metadata records. Metadata is
// removed even when the index no longer has the collection, and the
// ErrCollectionNotFound is still reported.
func (u *CollectionUseCase) Drop(ctx context.Context, name string) error {
	dropErr := u.index.DropCollection(ctx, name)
	if dropErr != nil && !errors.Is(dropErr, domain.ErrCollectionNotFound) {
		return fmt.Errorf("failed to drop collection %s: %w", name, dropErr)
	}
	if err := u.meta.DeleteCollection(ctx, name); err != nil {
		return fmt.Errorf("dropped vectors of %s but failed to delete metadata: %w", name, err)
	}
	if dropErr != nil {
		u.logger.Warn("collection missing from vector index, metadata removed", zap.String("name", name))
		return fmt.Errorf("failed to drop collection %s: %w", name, dropErr)
	}
	u.logger.Info("collection dropped", zap.String("name", name))
	return nil
}

func (u *CollectionUseCase) List(ctx context.Context) ([]string, error) {
	return u.index.ListCollections(ctx)
}

// CollectionStats compares what the two stores hold for a collection.
type CollectionStats struct {
	Name            string          `json:"name"`
	Metric          port.Metric     `json:"metric,omitempty"`
	Vectors         int64           `json:"vectors"`
	MetadataRecords int64           `json:"metadata_records"`
	Schema          port.SchemaInfo `json:"schema"`
}

// Orphans is the difference between vector and metadata counts. Positive
// values mean vectors without provenance.
func (s *CollectionStats) Orphans() int64 {
	return s.Vectors - s.MetadataRecords
}

func (u *CollectionUseCase) Stats(ctx context.Context, name string) (*CollectionStats, error) {
	vectors, err := u.index.Count(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to count vectors: %w", err)
	}
	records, err := u.meta.Count(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to count metadata records: %w", err)
	}
	schema, err := u.meta.SchemaInfo(ctx, name)
	if err != nil {
		return nil, err
	}
	stats := &CollectionStats{Name: name, Vectors: vectors, MetadataRecords: records, Schema: schema}
	if r, ok := u.index.(metricReporter); ok {
		if stats.Metric, err = r.Metric(ctx, name); err != nil {
			return nil, fmt.Errorf("failed to read index metric: %w", err)
		}
	}
	return stats, nil
}

// Status describes the vector index backend.
type Status struct {
	ServerVersion string   `json:"server_version,omitempty"`
	Collections   []string `json:"collections"`
}

func (u *CollectionUseCase) Status(ctx context.Context) (*Status, error) {
	st := &Status{}
	if v, ok := u.index.(versioned); ok {
		version, err := v.ServerVersion(ctx)
		if err != nil {
			return nil, err
		}
		st.ServerVersion = version
	}
	names, err := u.index.ListCollections(ctx)
	if err != nil {
		return nil, err
	}
	st.Collections = names
	return st, nil
}
