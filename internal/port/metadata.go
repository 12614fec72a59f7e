package port

import (
	"context"

	"docexpert/internal/domain"
)

// MetadataStore maps chunk ids to provenance records.
type MetadataStore interface {
	Put(ctx context.Context, rec domain.MetadataRecord) error

	PutMany(ctx context.Context, recs []domain.MetadataRecord) error

	// GetMany returns the records that exist. Missing ids are absent
	// from the result and are not an error.
	GetMany(ctx context.Context, ids []domain.ChunkID) (map[domain.ChunkID]domain.MetadataRecord, error)

	Delete(ctx context.Context, id domain.ChunkID) error

	// Count returns the number of records that belong to collection.
	Count(ctx context.Context, collection string) (int64, error)

	// DeleteCollection removes every record of collection and its
	// schema info.
	DeleteCollection(ctx context.Context, collection string) error

	SchemaInfo(ctx context.Context, collection string) (SchemaInfo, error)
	SetSchemaInfo(ctx context.Context, collection string, info SchemaInfo) error

	Close() error
}

// SchemaInfo records the storage version and the ingestion settings a
// collection was built with. The zero value means nothing was recorded.
type SchemaInfo struct {
	Version     int    `json:"version"`
	Fingerprint string `json:"fingerprint"`
}
