// Package redis provides a kv.Store backed by Redis. The command bus uses
// it (through cqrs.KVIdempotencyStore) to share idempotency results across
// processes and restarts.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	goredis "github.com/redis/go-redis/v9"

	"github.com/codewandler/cqrs-go/ports/kv"
)

type Config struct {
	// Addr of the Redis server, e.g. "localhost:6379".
	Addr     string
	Password string
	DB       int
	// Prefix namespaces all keys (default "cqrs:").
	Prefix string
	// Log for diagnostics (optional).
	Log *slog.Logger
}

type Store struct {
	client *goredis.Client
	prefix string
	log    *slog.Logger
}

// record is the stored wire form of a kv.Entry.
type record struct {
	Data []byte         `json:"data"`
	Meta map[string]any `json:"meta,omitempty"`
}

func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis: addr is required")
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "cqrs:"
	}

	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("store", "redis"), slog.String("addr", cfg.Addr))

	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}

	log.Debug("connected")
	return &Store{client: client, prefix: prefix, log: log}, nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) Put(ctx context.Context, key string, entry kv.Entry, opts kv.PutOptions) error {
	data, err := json.Marshal(record{Data: entry.Data, Meta: entry.Meta})
	if err != nil {
		return err
	}
	if opts.IfNotExists {
		if err := s.client.SetNX(ctx, s.prefix+key, data, opts.TTL).Err(); err != nil {
			return fmt.Errorf("redis: setnx %s: %w", key, err)
		}
		return nil
	}
	if err := s.client.Set(ctx, s.prefix+key, data, opts.TTL).Err(); err != nil {
		return fmt.Errorf("redis: set %s: %w", key, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) (kv.Entry, error) {
	data, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return kv.Entry{}, kv.ErrNotFound
		}
		return kv.Entry{}, fmt.Errorf("redis: get %s: %w", key, err)
	}

	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return kv.Entry{}, fmt.Errorf("redis: decode %s: %w", key, err)
	}
	return kv.Entry{Data: rec.Data, Meta: rec.Meta}, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis: del %s: %w", key, err)
	}
	return nil
}

var _ kv.Store = (*Store)(nil)
