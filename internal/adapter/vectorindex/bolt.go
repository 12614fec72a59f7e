package vectorindex

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"docexpert/internal/domain"
	"docexpert/internal/port"
)

var bucketCollections = []byte("collections")

func vectorsBucket(collection string) []byte {
	return []byte("vectors/" + collection)
}

// BoltIndex persists vectors in a BoltDB file and searches a brute-force
// in-memory snapshot. Inserts are durable when Insert returns but only
// become searchable after Flush reloads the snapshot.
type BoltIndex struct {
	db *bbolt.DB
	mu sync.RWMutex
	// snapshot per collection, refreshed on Flush
	collections map[string]*boltCollection
}

type boltCollection struct {
	spec    port.CollectionSpec
	visible map[domain.ChunkID]port.VectorItem
}

type storedSpec struct {
	Dimension   int    `json:"dim"`
	Metric      string `json:"metric"`
	Description string `json:"description,omitempty"`
}

type storedVector struct {
	Vector     []float32 `json:"v"`
	FilePath   string    `json:"p"`
	FileName   string    `json:"n"`
	ChunkIndex int       `json:"i"`
	Category   string    `json:"c,omitempty"`
}

// NewBoltIndex opens or creates the index file at path.
func NewBoltIndex(path string) (*BoltIndex, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketCollections)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create collections bucket: %w", err)
	}

	idx := &BoltIndex{
		db:          db,
		collections: make(map[string]*boltCollection),
	}
	if err := idx.loadAll(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load vectors: %w", err)
	}
	return idx, nil
}

func (s *BoltIndex) loadAll() error {
	var names []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketCollections).ForEach(func(k, v []byte) error {
			var spec storedSpec
			if err := json.Unmarshal(v, &spec); err != nil {
				return fmt.Errorf("collection %s: %w", k, err)
			}
			name := string(k)
			s.collections[name] = &boltCollection{
				spec: port.CollectionSpec{
					Name:        name,
					Description: spec.Description,
					Dimension:   spec.Dimension,
					Metric:      port.Metric(spec.Metric),
				},
			}
			names = append(names, name)
			return nil
		})
	})
	if err != nil {
		return err
	}
	for _, name := range names {
		if err := s.reload(name); err != nil {
			return err
		}
	}
	return nil
}

// reload replaces the snapshot of collection with what is on disk.
// Callers other than loadAll hold s.mu.
func (s *BoltIndex) reload(collection string) error {
	visible := make(map[domain.ChunkID]port.VectorItem)
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(vectorsBucket(collection))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var stored storedVector
			if err := json.Unmarshal(v, &stored); err != nil {
				return nil // Skip corrupted entries
			}
			id := domain.ChunkID(k)
			visible[id] = port.VectorItem{
				ID:         id,
				Vector:     stored.Vector,
				FilePath:   stored.FilePath,
				FileName:   stored.FileName,
				ChunkIndex: stored.ChunkIndex,
				Category:   stored.Category,
			}
			return nil
		})
	})
	if err != nil {
		return err
	}
	s.collections[collection].visible = visible
	return nil
}

func (s *BoltIndex) EnsureCollection(ctx context.Context, spec port.CollectionSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.collections[spec.Name]; ok {
		return compareSpec(c.spec, spec)
	}

	data, err := json.Marshal(storedSpec{Dimension: spec.Dimension, Metric: string(spec.Metric), Description: spec.Description})
	if err != nil {
		return err
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(vectorsBucket(spec.Name)); err != nil {
			return err
		}
		return tx.Bucket(bucketCollections).Put([]byte(spec.Name), data)
	})
	if err != nil {
		return fmt.Errorf("failed to create collection %s: %w", spec.Name, err)
	}

	s.collections[spec.Name] = &boltCollection{spec: spec, visible: make(map[domain.ChunkID]port.VectorItem)}
	return nil
}

func (s *BoltIndex) collection(name string) (*boltCollection, error) {
	c, ok := s.collections[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, domain.ErrCollectionNotFound)
	}
	return c, nil
}

// Insert adds or replaces vectors.
func (s *BoltIndex) Insert(ctx context.Context, collection string, items []port.VectorItem) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	c, err := s.collection(collection)
	s.mu.RUnlock()
	if err != nil {
		return err
	}

	for _, item := range items {
		if err := checkDimension(c.spec.Dimension, item.Vector); err != nil {
			return err
		}
	}

	// bbolt serializes writers, the snapshot is untouched until Flush.
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(vectorsBucket(collection))
		if b == nil {
			return fmt.Errorf("%s: %w", collection, domain.ErrCollectionNotFound)
		}
		for _, item := range items {
			data, err := json.Marshal(storedVector{
				Vector:     item.Vector,
				FilePath:   item.FilePath,
				FileName:   item.FileName,
				ChunkIndex: item.ChunkIndex,
				Category:   item.Category,
			})
			if err != nil {
				return err
			}
			if err := b.Put([]byte(item.ID), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltIndex) Flush(ctx context.Context, collection string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.collection(collection); err != nil {
		return err
	}
	if err := s.db.Sync(); err != nil {
		return fmt.Errorf("failed to sync bolt db: %w", err)
	}
	return s.reload(collection)
}

// Search finds the topK nearest vectors by brute force.
func (s *BoltIndex) Search(ctx context.Context, collection string, vector []float32, topK int, filter domain.Filter) (domain.QueryResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if topK <= 0 {
		return nil, domain.InvalidConfig("top_k must be positive, got %d", topK)
	}
	if err := checkLocalFilter(filter); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	c, err := s.collection(collection)
	if err != nil {
		return nil, err
	}
	if err := checkDimension(c.spec.Dimension, vector); err != nil {
		return nil, err
	}
	return bruteForce(c.spec.Metric, c.visible, vector, topK, filter), nil
}

// Delete removes vectors by their IDs.
func (s *BoltIndex) Delete(ctx context.Context, collection string, ids []domain.ChunkID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.collection(collection)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(vectorsBucket(collection))
		if b == nil {
			return nil
		}

		for _, id := range ids {
			if err := b.Delete([]byte(id)); err != nil {
				return err
			}
			delete(c.visible, id)
		}

		return nil
	})
}

// Count returns the number of stored vectors, flushed or not.
func (s *BoltIndex) Count(ctx context.Context, collection string) (int64, error) {
	s.mu.RLock()
	_, err := s.collection(collection)
	s.mu.RUnlock()
	if err != nil {
		return 0, err
	}

	var n int
	err = s.db.View(func(tx *bbolt.Tx) error {
		if b := tx.Bucket(vectorsBucket(collection)); b != nil {
			n = b.Stats().KeyN
		}
		return nil
	})
	return int64(n), err
}

func (s *BoltIndex) Metric(ctx context.Context, collection string) (port.Metric, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, err := s.collection(collection)
	if err != nil {
		return "", err
	}
	return c.spec.Metric, nil
}

func (s *BoltIndex) DropCollection(ctx context.Context, collection string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.collection(collection); err != nil {
		return err
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(vectorsBucket(collection)); err != nil && err != bbolt.ErrBucketNotFound {
			return err
		}
		return tx.Bucket(bucketCollections).Delete([]byte(collection))
	})
	if err != nil {
		return fmt.Errorf("failed to drop collection %s: %w", collection, err)
	}
	delete(s.collections, collection)
	return nil
}

func (s *BoltIndex) ListCollections(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.collections))
	for name := range s.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *BoltIndex) Close(ctx context.Context) error {
	return s.db.Close()
}

var _ port.VectorIndex = (*BoltIndex)(nil)
