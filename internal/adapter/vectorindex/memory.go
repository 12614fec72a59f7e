package vectorindex

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"docexpert/internal/domain"
	"docexpert/internal/port"
)

// MemoryIndex keeps collections in process memory. Inserted items stay
// pending until Flush, mirroring the visibility rules of a real index.
type MemoryIndex struct {
	mu          sync.RWMutex
	collections map[string]*memCollection
}

type memCollection struct {
	spec    port.CollectionSpec
	pending map[domain.ChunkID]port.VectorItem
	visible map[domain.ChunkID]port.VectorItem
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{collections: make(map[string]*memCollection)}
}

func (m *MemoryIndex) EnsureCollection(ctx context.Context, spec port.CollectionSpec) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.collections[spec.Name]; ok {
		return compareSpec(c.spec, spec)
	}
	m.collections[spec.Name] = &memCollection{
		spec:    spec,
		pending: make(map[domain.ChunkID]port.VectorItem),
		visible: make(map[domain.ChunkID]port.VectorItem),
	}
	return nil
}

func (m *MemoryIndex) collection(name string) (*memCollection, error) {
	c, ok := m.collections[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, domain.ErrCollectionNotFound)
	}
	return c, nil
}

func (m *MemoryIndex) Insert(ctx context.Context, collection string, items []port.VectorItem) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.collection(collection)
	if err != nil {
		return err
	}
	for _, item := range items {
		if err := checkDimension(c.spec.Dimension, item.Vector); err != nil {
			return err
		}
	}
	for _, item := range items {
		c.pending[item.ID] = item
	}
	return nil
}

func (m *MemoryIndex) Flush(ctx context.Context, collection string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.collection(collection)
	if err != nil {
		return err
	}
	for id, item := range c.pending {
		c.visible[id] = item
	}
	clear(c.pending)
	return nil
}

func (m *MemoryIndex) Search(ctx context.Context, collection string, vector []float32, topK int, filter domain.Filter) (domain.QueryResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if topK <= 0 {
		return nil, domain.InvalidConfig("top_k must be positive, got %d", topK)
	}
	if err := checkLocalFilter(filter); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	c, err := m.collection(collection)
	if err != nil {
		return nil, err
	}
	if err := checkDimension(c.spec.Dimension, vector); err != nil {
		return nil, err
	}
	return bruteForce(c.spec.Metric, c.visible, vector, topK, filter), nil
}

func (m *MemoryIndex) Delete(ctx context.Context, collection string, ids []domain.ChunkID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, err := m.collection(collection)
	if err != nil {
		return err
	}
	for _, id := range ids {
		delete(c.pending, id)
		delete(c.visible, id)
	}
	return nil
}

// Count returns the number of distinct items, flushed or not.
func (m *MemoryIndex) Count(ctx context.Context, collection string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, err := m.collection(collection)
	if err != nil {
		return 0, err
	}
	n := len(c.visible)
	for id := range c.pending {
		if _, ok := c.visible[id]; !ok {
			n++
		}
	}
	return int64(n), nil
}

// Metric returns the metric the collection was created with.
func (m *MemoryIndex) Metric(ctx context.Context, collection string) (port.Metric, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, err := m.collection(collection)
	if err != nil {
		return "", err
	}
	return c.spec.Metric, nil
}

func (m *MemoryIndex) DropCollection(ctx context.Context, collection string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.collection(collection); err != nil {
		return err
	}
	delete(m.collections, collection)
	return nil
}

func (m *MemoryIndex) ListCollections(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.collections))
	for name := range m.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m *MemoryIndex) Close(ctx context.Context) error {
	return nil
}

// compareSpec verifies that an existing collection can accept vectors
// described by want.
func compareSpec(have, want port.CollectionSpec) error {
	if have.Dimension != want.Dimension {
		return fmt.Errorf("%w: %w: collection %s has dimension %d, configured %d",
			domain.ErrInvalidConfiguration, domain.ErrDimensionMismatch, have.Name, have.Dimension, want.Dimension)
	}
	if have.Metric != want.Metric {
		return domain.InvalidConfig("collection %s uses metric %s, configured %s", have.Name, have.Metric, want.Metric)
	}
	return nil
}

var _ port.VectorIndex = (*MemoryIndex)(nil)
