package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
)

// Cache is a byte-oriented key/value store with expiry. Implementations must
// be safe for concurrent use.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// DeletePrefix removes every key starting with prefix.
	DeletePrefix(ctx context.Context, prefix string) error
	Clear(ctx context.Context) error
	// Incr atomically adds one to the counter at key and returns the new
	// value. Counters live apart from entries: they never expire, are never
	// evicted and survive DeletePrefix and Clear.
	Incr(ctx context.Context, key string) (int64, error)
	// Counter returns the counter at key, zero if it was never incremented.
	Counter(ctx context.Context, key string) (int64, error)
}

var (
	ErrNotFound = fmt.Errorf("cache: key not found")
)

const redisScanCount = 256

type RedisCache struct {
	client    *redis.Client
	namespace string
}

func NewRedisCache(addr string, password string, db int, namespace string) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisCache{client: client, namespace: namespace}, nil
}

func (r *RedisCache) key(k string) string {
	return r.namespace + k
}

// counterKey sits outside the namespace so prefix scans never match it.
func (r *RedisCache) counterKey(k string) string {
	return "counter:" + r.namespace + k
}

func (r *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := r.client.Get(ctx, r.key(key)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return val, nil
}

func (r *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.client.Set(ctx, r.key(key), value, ttl).Err()
}

func (r *RedisCache) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.key(key)).Err()
}

func (r *RedisCache) DeletePrefix(ctx context.Context, prefix string) error {
	iter := r.client.Scan(ctx, 0, r.key(prefix)+"*", redisScanCount).Iterator()
	var batch []string
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == redisScanCount {
			if err := r.client.Del(ctx, batch...).Err(); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(batch) > 0 {
		return r.client.Del(ctx, batch...).Err()
	}
	return nil
}

// Clear removes the namespace's keys only; the Redis DB may be shared.
func (r *RedisCache) Clear(ctx context.Context) error {
	return r.DeletePrefix(ctx, "")
}

func (r *RedisCache) Incr(ctx context.Context, key string) (int64, error) {
	return r.client.Incr(ctx, r.counterKey(key)).Result()
}

func (r *RedisCache) Counter(ctx context.Context, key string) (int64, error) {
	n, err := r.client.Get(ctx, r.counterKey(key)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return n, err
}

func (r *RedisCache) Close() error {
	return r.client.Close()
}

// LRUCache is an in-process cache bounded by entry count.
type LRUCache struct {
	entries *lru.Cache[string, cacheEntry]
	now     func() time.Time

	mu       sync.Mutex
	counters map[string]int64
}

type cacheEntry struct {
	value     []byte
	expiresAt time.Time
}

func NewLRUCache(size int) (*LRUCache, error) {
	entries, err := lru.New[string, cacheEntry](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create lru cache: %w", err)
	}
	return &LRUCache{entries: entries, now: time.Now, counters: make(map[string]int64)}, nil
}

func (m *LRUCache) Get(ctx context.Context, key string) ([]byte, error) {
	entry, ok := m.entries.Get(key)
	if !ok {
		return nil, ErrNotFound
	}

	if !entry.expiresAt.IsZero() && m.now().After(entry.expiresAt) {
		m.entries.Remove(key)
		return nil, ErrNotFound
	}

	return entry.value, nil
}

func (m *LRUCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	entry := cacheEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = m.now().Add(ttl)
	}
	m.entries.Add(key, entry)
	return nil
}

func (m *LRUCache) Delete(ctx context.Context, key string) error {
	m.entries.Remove(key)
	return nil
}

func (m *LRUCache) DeletePrefix(ctx context.Context, prefix string) error {
	for _, key := range m.entries.Keys() {
		if strings.HasPrefix(key, prefix) {
			m.entries.Remove(key)
		}
	}
	return nil
}

func (m *LRUCache) Clear(ctx context.Context) error {
	m.entries.Purge()
	return nil
}

func (m *LRUCache) Incr(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[key]++
	return m.counters[key], nil
}

func (m *LRUCache) Counter(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[key], nil
}

func (m *LRUCache) Len() int {
	return m.entries.Len()
}

func GetJSON(ctx context.Context, cache Cache, key string, dest interface{}) error {
	data, err := cache.Get(ctx, key)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dest)
}

func SetJSON(ctx context.Context, cache Cache, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return cache.Set(ctx, key, data, ttl)
}
