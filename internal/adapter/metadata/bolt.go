package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"docexpert/internal/domain"
	"docexpert/internal/port"
)

var (
	bucketRecords = []byte("records")
	bucketSchemas = []byte("schemas")
)

// collectionBucket indexes the chunk ids of one collection.
func collectionBucket(collection string) []byte {
	return []byte("collection/" + collection)
}

// BoltStore keeps records in a BoltDB file.
type BoltStore struct {
	db *bbolt.DB
}

func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketRecords, bucketSchemas} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Put(ctx context.Context, rec domain.MetadataRecord) error {
	return s.PutMany(ctx, []domain.MetadataRecord{rec})
}

// PutMany writes all records in one transaction.
func (s *BoltStore) PutMany(ctx context.Context, recs []domain.MetadataRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		records := tx.Bucket(bucketRecords)
		for _, rec := range recs {
			data, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			if err := records.Put([]byte(rec.ChunkID), data); err != nil {
				return err
			}
			idx, err := tx.CreateBucketIfNotExists(collectionBucket(rec.Collection))
			if err != nil {
				return err
			}
			if err := idx.Put([]byte(rec.ChunkID), []byte{}); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) GetMany(ctx context.Context, ids []domain.ChunkID) (map[domain.ChunkID]domain.MetadataRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make(map[domain.ChunkID]domain.MetadataRecord, len(ids))
	err := s.db.View(func(tx *bbolt.Tx) error {
		records := tx.Bucket(bucketRecords)
		for _, id := range ids {
			data := records.Get([]byte(id))
			if data == nil {
				continue
			}
			var rec domain.MetadataRecord
			if err := json.Unmarshal(data, &rec); err != nil {
				return fmt.Errorf("record %s: %w", id, err)
			}
			out[id] = rec
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BoltStore) Delete(ctx context.Context, id domain.ChunkID) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		records := tx.Bucket(bucketRecords)
		data := records.Get([]byte(id))
		if data == nil {
			return nil
		}
		var rec domain.MetadataRecord
		if err := json.Unmarshal(data, &rec); err == nil {
			if idx := tx.Bucket(collectionBucket(rec.Collection)); idx != nil {
				if err := idx.Delete([]byte(id)); err != nil {
					return err
				}
			}
		}
		return records.Delete([]byte(id))
	})
}

func (s *BoltStore) Count(ctx context.Context, collection string) (int64, error) {
	var n int
	err := s.db.View(func(tx *bbolt.Tx) error {
		if idx := tx.Bucket(collectionBucket(collection)); idx != nil {
			n = idx.Stats().KeyN
		}
		return nil
	})
	return int64(n), err
}

func (s *BoltStore) DeleteCollection(ctx context.Context, collection string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if idx := tx.Bucket(collectionBucket(collection)); idx != nil {
			records := tx.Bucket(bucketRecords)
			c := idx.Cursor()
			for k, _ := c.First(); k != nil; k, _ = c.Next() {
				if err := records.Delete(k); err != nil {
					return err
				}
			}
			if err := tx.DeleteBucket(collectionBucket(collection)); err != nil {
				return err
			}
		}
		return tx.Bucket(bucketSchemas).Delete([]byte(collection))
	})
}

func (s *BoltStore) SchemaInfo(ctx context.Context, collection string) (port.SchemaInfo, error) {
	var info port.SchemaInfo
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketSchemas).Get([]byte(collection))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &info)
	})
	return info, err
}

func (s *BoltStore) SetSchemaInfo(ctx context.Context, collection string, info port.SchemaInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSchemas).Put([]byte(collection), data)
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

var _ port.MetadataStore = (*BoltStore)(nil)
