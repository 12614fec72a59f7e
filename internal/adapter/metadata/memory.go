package metadata

import (
	"context"
	"sync"

	"docexpert/internal/domain"
	"docexpert/internal/port"
)

// MemoryStore keeps records in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[domain.ChunkID]domain.MetadataRecord
	schemas map[string]port.SchemaInfo
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[domain.ChunkID]domain.MetadataRecord),
		schemas: make(map[string]port.SchemaInfo),
	}
}

func (s *MemoryStore) Put(ctx context.Context, rec domain.MetadataRecord) error {
	return s.PutMany(ctx, []domain.MetadataRecord{rec})
}

func (s *MemoryStore) PutMany(ctx context.Context, recs []domain.MetadataRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range recs {
		s.records[rec.ChunkID] = rec
	}
	return nil
}

func (s *MemoryStore) GetMany(ctx context.Context, ids []domain.ChunkID) (map[domain.ChunkID]domain.MetadataRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[domain.ChunkID]domain.MetadataRecord, len(ids))
	for _, id := range ids {
		if rec, ok := s.records[id]; ok {
			out[id] = rec
		}
	}
	return out, nil
}

func (s *MemoryStore) Delete(ctx context.Context, id domain.ChunkID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	return nil
}

func (s *MemoryStore) Count(ctx context.Context, collection string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, rec := range s.records {
		if rec.Collection == collection {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) DeleteCollection(ctx context.Context, collection string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, rec := range s.records {
		if rec.Collection == collection {
			delete(s.records, id)
		}
	}
	delete(s.schemas, collection)
	return nil
}

func (s *MemoryStore) SchemaInfo(ctx context.Context, collection string) (port.SchemaInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.schemas[collection], nil
}

func (s *MemoryStore) SetSchemaInfo(ctx context.Context, collection string, info port.SchemaInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schemas[collection] = info
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

var _ port.MetadataStore = (*MemoryStore)(nil)
