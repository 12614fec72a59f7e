package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/redis/go-redis/v9"

	"docexpert/config"
	"docexpert/internal/domain"
	"docexpert/internal/port"
)

// RedisStore keeps each record as a JSON string and indexes the chunk ids
// of a collection in a set.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to cfg.Addr and verifies the connection.
func NewRedisStore(ctx context.Context, cfg config.RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, classifyRedis(err))
	}

	return NewRedisStoreFromClient(client, cfg.KeyPrefix), nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "docexpert"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) recordKey(id domain.ChunkID) string {
	return s.prefix + ":chunk:" + string(id)
}

func (s *RedisStore) collectionKey(collection string) string {
	return s.prefix + ":collection:" + collection
}

func (s *RedisStore) schemaKey(collection string) string {
	return s.prefix + ":schema:" + collection
}

func (s *RedisStore) Put(ctx context.Context, rec domain.MetadataRecord) error {
	return s.PutMany(ctx, []domain.MetadataRecord{rec})
}

// PutMany writes all records in one MULTI/EXEC transaction.
func (s *RedisStore) PutMany(ctx context.Context, recs []domain.MetadataRecord) error {
	if len(recs) == 0 {
		return nil
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, rec := range recs {
			data, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			pipe.Set(ctx, s.recordKey(rec.ChunkID), data, 0)
			pipe.SAdd(ctx, s.collectionKey(rec.Collection), string(rec.ChunkID))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to write records: %w", classifyRedis(err))
	}
	return nil
}

// GetMany fetches all ids with a single MGET.
func (s *RedisStore) GetMany(ctx context.Context, ids []domain.ChunkID) (map[domain.ChunkID]domain.MetadataRecord, error) {
	out := make(map[domain.ChunkID]domain.MetadataRecord, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.recordKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read records: %w", classifyRedis(err))
	}

	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var rec domain.MetadataRecord
		if err := json.Unmarshal([]byte(str), &rec); err != nil {
			return nil, fmt.Errorf("record %s: %w", ids[i], err)
		}
		out[ids[i]] = rec
	}
	return out, nil
}

func (s *RedisStore) Delete(ctx context.Context, id domain.ChunkID) error {
	data, err := s.client.Get(ctx, s.recordKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read record: %w", classifyRedis(err))
	}

	var rec domain.MetadataRecord
	_ = json.Unmarshal(data, &rec)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.recordKey(id))
		if rec.Collection != "" {
			pipe.SRem(ctx, s.collectionKey(rec.Collection), string(id))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete record: %w", classifyRedis(err))
	}
	return nil
}

func (s *RedisStore) Count(ctx context.Context, collection string) (int64, error) {
	n, err := s.client.SCard(ctx, s.collectionKey(collection)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count records: %w", classifyRedis(err))
	}
	return n, nil
}

// DeleteCollection removes records in pages of SSCAN results.
func (s *RedisStore) DeleteCollection(ctx context.Context, collection string) error {
	setKey := s.collectionKey(collection)
	var cursor uint64
	for {
		members, next, err := s.client.SScan(ctx, setKey, cursor, "", 500).Result()
		if err != nil {
			return fmt.Errorf("failed to scan collection: %w", classifyRedis(err))
		}
		if len(members) > 0 {
			keys := make([]string, len(members))
			for i, m := range members {
				keys[i] = s.recordKey(domain.ChunkID(m))
			}
			if err := s.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("failed to delete records: %w", classifyRedis(err))
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	if err := s.client.Del(ctx, setKey, s.schemaKey(collection)).Err(); err != nil {
		return fmt.Errorf("failed to delete collection keys: %w", classifyRedis(err))
	}
	return nil
}

func (s *RedisStore) SchemaInfo(ctx context.Context, collection string) (port.SchemaInfo, error) {
	var info port.SchemaInfo
	data, err := s.client.Get(ctx, s.schemaKey(collection)).Bytes()
	if errors.Is(err, redis.Nil) {
		return info, nil
	}
	if err != nil {
		return info, fmt.Errorf("failed to read schema info: %w", classifyRedis(err))
	}
	if err := json.Unmarshal(data, &info); err != nil {
		return info, fmt.Errorf("failed to decode schema info: %w", err)
	}
	return info, nil
}

func (s *RedisStore) SetSchemaInfo(ctx context.Context, collection string, info port.SchemaInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.schemaKey(collection), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to write schema info: %w", classifyRedis(err))
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// classifyRedis marks network failures as transient.
func classifyRedis(err error) error {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, redis.ErrClosed) {
		return fmt.Errorf("%w: %w", domain.ErrUnavailable, err)
	}
	return err
}

var _ port.MetadataStore = (*RedisStore)(nil)
