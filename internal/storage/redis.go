package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "pixeldispatch:"

// RedisOptions configures NewRedisStore.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// RedisStore keeps records as plain string keys and logs as Redis lists.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects and pings the server before returning.
func NewRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	if opts.Addr == "" {
		return nil, fmt.Errorf("redis addr is empty")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	prefix := opts.Prefix
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}, nil
}

func (s *RedisStore) recordKey(key string) string { return s.prefix + "record:" + key }
func (s *RedisStore) logKey(key string) string    { return s.prefix + "log:" + key }

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	data, err := s.client.Get(ctx, s.recordKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read record %q: %w", key, err)
	}
	return data, nil
}

func (s *RedisStore) Put(ctx context.Context, key string, value []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.recordKey(key), value, 0).Err(); err != nil {
		return fmt.Errorf("write record %q: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Append(ctx context.Context, key string, entry []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if err := s.client.RPush(ctx, s.logKey(key), entry).Err(); err != nil {
		return fmt.Errorf("append log %q: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Entries(ctx context.Context, key string) ([][]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	vals, err := s.client.LRange(ctx, s.logKey(key), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read log %q: %w", key, err)
	}
	out := make([][]byte, 0, len(vals))
	for _, v := range vals {
		out = append(out, []byte(v))
	}
	return out, nil
}

// Drain reads and deletes the list inside one MULTI/EXEC.
func (s *RedisStore) Drain(ctx context.Context, key string) ([][]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	var read *redis.StringSliceCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		read = pipe.LRange(ctx, s.logKey(key), 0, -1)
		pipe.Del(ctx, s.logKey(key))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("drain log %q: %w", key, err)
	}
	vals := read.Val()
	if len(vals) == 0 {
		return nil, nil
	}
	out := make([][]byte, 0, len(vals))
	for _, v := range vals {
		out = append(out, []byte(v))
	}
	return out, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
