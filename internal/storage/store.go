// Package storage provides the flat record store behind queue snapshots, the
// interceptor mode record and the remote execution log.
//
// A Store holds two kinds of data under string keys:
//   - records: a single opaque value replaced atomically by Put
//   - logs: an ordered list of opaque entries grown by Append
//
// Stores are single-writer. Callers serialize writers at the process level
// (see internal/lock); implementations only guarantee that one Put is never
// observed half-written.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mattjoyce/pixeldispatch/internal/config"
)

// ErrNotFound is returned by Get when no record exists for the key.
var ErrNotFound = errors.New("record not found")

// Store is a key/value record store with append-only logs.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Append(ctx context.Context, key string, entry []byte) error
	Entries(ctx context.Context, key string) ([][]byte, error)
	// Drain returns every entry of a log and removes exactly those entries.
	// An Append racing with Drain is either returned or left in the log.
	Drain(ctx context.Context, key string) ([][]byte, error)
	Close() error
}

// Open builds the Store selected by cfg.Backend.
func Open(ctx context.Context, cfg config.StateConfig) (Store, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", config.BackendFile:
		return NewFileStore(cfg.Path)
	case config.BackendSQLite:
		db, err := OpenSQLite(ctx, cfg.Path)
		if err != nil {
			return nil, err
		}
		return NewSQLiteStore(db), nil
	case config.BackendRedis:
		return NewRedisStore(ctx, RedisOptions{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		})
	default:
		return nil, fmt.Errorf("unknown state backend %q", cfg.Backend)
	}
}

func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("record key is empty")
	}
	if strings.ContainsAny(key, `/\`) || key == "." || key == ".." {
		return fmt.Errorf("invalid record key %q", key)
	}
	return nil
}
