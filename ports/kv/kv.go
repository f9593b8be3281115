// Package kv defines a small key-value port used for state that may live
// either in-process or in an external store (e.g. the command bus persists
// idempotency results through it).
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
)

type Entry struct {
	Data []byte
	Meta map[string]any
}

type PutOptions struct {
	TTL time.Duration
	// IfNotExists makes the put conditional: when the key already holds a
	// live entry the store keeps it and returns nil. First write wins.
	IfNotExists bool
}

type Store interface {
	Put(ctx context.Context, key string, entry Entry, opts PutOptions) error
	Get(ctx context.Context, key string) (entry Entry, err error)
	Delete(ctx context.Context, key string) error
}

// Put marshals v to JSON and stores it under key.
func Put[T any](ctx context.Context, store Store, key string, v T, opts PutOptions) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return store.Put(ctx, key, Entry{Data: data}, opts)
}

// Get loads key and unmarshals its JSON payload into T.
func Get[T any](ctx context.Context, store Store, key string) (out T, err error) {
	entry, err := store.Get(ctx, key)
	if err != nil {
		return
	}
	err = json.Unmarshal(entry.Data, &out)
	return
}
