package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/filing"
	"github.com/Keyring-Network/keyring-gavryn/filing-analyst/internal/store"
)

const defaultPrefix = "filing-analyst"

type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewFromURL(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return NewFromClient(client, defaultPrefix), nil
}

func NewFromClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) recordKey(fp filing.Fingerprint) string {
	return s.prefix + ":filing:" + fp.Key()
}

func (s *RedisStore) indexKey() string {
	return s.prefix + ":filings"
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return store.Unavailable("ping", s.client.Ping(ctx).Err())
}

func (s *RedisStore) Lookup(ctx context.Context, fp filing.Fingerprint) (filing.CachedFiling, error) {
	payload, err := s.client.Get(ctx, s.recordKey(fp)).Bytes()
	if errors.Is(err, redis.Nil) {
		return filing.CachedFiling{}, store.ErrNotFound
	}
	if err != nil {
		return filing.CachedFiling{}, store.Unavailable("lookup", err)
	}
	record, err := decode(payload)
	if err != nil {
		return filing.CachedFiling{}, store.Unavailable("lookup", err)
	}
	return record, nil
}

// Store applies the SET of the record and its index entry in one MULTI/EXEC
// transaction; readers see the old value or the new one.
func (s *RedisStore) Store(ctx context.Context, record filing.CachedFiling) error {
	payload, err := encode(record)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.recordKey(record.Fingerprint), payload, 0)
		pipe.SAdd(ctx, s.indexKey(), record.Fingerprint.Key())
		return nil
	})
	return store.Unavailable("store", err)
}

func (s *RedisStore) List(ctx context.Context) ([]filing.CachedFiling, error) {
	keys, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, store.Unavailable("list", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}
	recordKeys := make([]string, 0, len(keys))
	for _, key := range keys {
		recordKeys = append(recordKeys, s.prefix+":filing:"+key)
	}
	values, err := s.client.MGet(ctx, recordKeys...).Result()
	if err != nil {
		return nil, store.Unavailable("list", err)
	}
	records := make([]filing.CachedFiling, 0, len(values))
	for _, value := range values {
		raw, ok := value.(string)
		if !ok {
			continue
		}
		record, err := decode([]byte(raw))
		if err != nil {
			return nil, store.Unavailable("list", err)
		}
		records = append(records, record)
	}
	store.SortByRetrieved(records)
	return records, nil
}

func encode(record filing.CachedFiling) ([]byte, error) {
	return msgpack.Marshal(&record)
}

func decode(payload []byte) (filing.CachedFiling, error) {
	var record filing.CachedFiling
	if err := msgpack.Unmarshal(payload, &record); err != nil {
		return filing.CachedFiling{}, fmt.Errorf("decode filing: %w", err)
	}
	return record, nil
}
