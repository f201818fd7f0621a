// Package cache stores derived views. Nothing in a cache is a source of
// truth; every entry can be recomputed from the store.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/civicledger/panelscore/internal/model"
)

// Cache is a byte-oriented key/value cache with per-entry TTL
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
}

// Key builds a namespaced key from its parts
func Key(parts ...string) string {
	hash := sha256.Sum256([]byte(strings.Join(parts, "\x00")))
	return "panelscore:v1:" + hex.EncodeToString(hash[:16])
}

// GetJSON decodes a cached JSON value into v
func GetJSON(ctx context.Context, c Cache, key string, v any) bool {
	data, ok := c.Get(ctx, key)
	if !ok {
		return false
	}
	return json.Unmarshal(data, v) == nil
}

// SetJSON encodes v and stores it
func SetJSON(ctx context.Context, c Cache, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal cache value: %w", err)
	}
	return c.Set(ctx, key, data, ttl)
}

// New builds the backend selected by cfg
func New(ctx context.Context, cfg model.CacheConfig) (Cache, error) {
	switch cfg.Backend {
	case "", "none":
		return Nop{}, nil
	case "memory":
		return NewMemoryCache(cfg.TTL, 10*time.Minute), nil
	case "layered":
		return NewLayeredCache(cfg.TTL, cfg.Dir, cfg.TTL), nil
	case "redis":
		return NewRedisCache(ctx, cfg.RedisAddr, cfg.RedisDB, cfg.TTL)
	default:
		return nil, fmt.Errorf("unknown cache backend %q (supported: none, memory, layered, redis)", cfg.Backend)
	}
}

// Nop caches nothing
type Nop struct{}

func (Nop) Get(context.Context, string) ([]byte, bool)               { return nil, false }
func (Nop) Set(context.Context, string, []byte, time.Duration) error { return nil }
func (Nop) Delete(context.Context, string) error                     { return nil }
func (Nop) Clear(context.Context) error                              { return nil }
