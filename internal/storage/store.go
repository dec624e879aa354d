// Package storage persists opaque JSON blobs per key: the cart, the checkout
// session and the last checkout result.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store loads, saves and clears JSON values. Last write wins; there is no
// versioning.
type Store interface {
	// Load decodes the value under key into dst and reports whether it existed.
	Load(ctx context.Context, key string, dst any) (bool, error)
	Save(ctx context.Context, key string, v any) error
	Clear(ctx context.Context, key string) error
}

var errEmptyKey = errors.New("storage: empty key")

// Redis stores values as JSON strings with a fixed TTL (zero keeps them forever).
type Redis struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

// NewRedis constructs a Redis-backed store. prefix is prepended to every key.
func NewRedis(client redis.Cmdable, prefix string, ttl time.Duration) *Redis {
	return &Redis{client: client, prefix: prefix, ttl: ttl}
}

// WithTTL returns a store sharing the client and prefix with a different TTL.
func (r *Redis) WithTTL(ttl time.Duration) *Redis {
	return &Redis{client: r.client, prefix: r.prefix, ttl: ttl}
}

func (r *Redis) Load(ctx context.Context, key string, dst any) (bool, error) {
	if key == "" {
		return false, errEmptyKey
	}
	data, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return false, err
	}
	return true, nil
}

func (r *Redis) Save(ctx context.Context, key string, v any) error {
	if key == "" {
		return errEmptyKey
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.prefix+key, data, r.ttl).Err()
}

func (r *Redis) Clear(ctx context.Context, key string) error {
	if key == "" {
		return errEmptyKey
	}
	return r.client.Del(ctx, r.prefix+key).Err()
}

// Memory is an in-process Store for tests and single-node development.
type Memory struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

func (m *Memory) Load(_ context.Context, key string, dst any) (bool, error) {
	if key == "" {
		return false, errEmptyKey
	}
	m.mu.RLock()
	data, ok := m.data[key]
	m.mu.RUnlock()
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(data, dst)
}

func (m *Memory) Save(_ context.Context, key string, v any) error {
	if key == "" {
		return errEmptyKey
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.data[key] = data
	m.mu.Unlock()
	return nil
}

func (m *Memory) Clear(_ context.Context, key string) error {
	if key == "" {
		return errEmptyKey
	}
	m.mu.Lock()
	delete(m.data, key)
	m.mu.Unlock()
	return nil
}

// Len reports the number of stored keys.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}
