// Package kv defines the key-value contract the graph store persists through,
// and the backends that satisfy it.
package kv

import (
	"context"
	"errors"
	"strings"
)

// ErrNotFound is returned by Get when the key is absent.
var ErrNotFound = errors.New("kv: key not found")

// ErrPartialWrite marks a failed Apply that left some of its writes in place.
var ErrPartialWrite = errors.New("kv: partial write")

// Store is the persistence contract. Keys are UTF-8 strings; Scan visits
// matching keys in ascending order and stops at the first error from fn.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Scan(ctx context.Context, prefix string, fn func(key string, value []byte) error) error
	Close() error
}

// Batcher is implemented by backends that can apply several writes atomically.
// A failed Apply wraps ErrPartialWrite when the backend could only commit
// part of the batch.
type Batcher interface {
	Apply(ctx context.Context, puts map[string][]byte, deletes []string) error
}

// Apply writes puts and deletes through s, atomically when s supports it.
func Apply(ctx context.Context, s Store, puts map[string][]byte, deletes []string) error {
	if b, ok := s.(Batcher); ok {
		return b.Apply(ctx, puts, deletes)
	}
	for k, v := range puts {
		if err := s.Put(ctx, k, v); err != nil {
			return err
		}
	}
	for _, k := range deletes {
		if err := s.Delete(ctx, k); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
	}
	return nil
}

// prefixEnd returns the smallest key greater than every key with the prefix,
// or "" when no such key exists.
func prefixEnd(prefix string) string {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xff {
			b[i]++
			return string(b[:i+1])
		}
	}
	return ""
}

func hasPrefix(key, prefix string) bool { return strings.HasPrefix(key, prefix) }
