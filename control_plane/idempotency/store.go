// Package idempotency replays the stored response of a request that carries
// an idempotency key already seen for the tenant.
package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultTTL is how long a response is replayed.
const DefaultTTL = time.Hour

type Response struct {
	StatusCode int                 `json:"status_code"`
	Body       []byte              `json:"body"`
	Headers    map[string][]string `json:"headers"`
}

// Store keeps responses by tenant-scoped key.
type Store interface {
	Get(ctx context.Context, key string) (Response, bool)
	Set(ctx context.Context, key string, resp Response)
}

// MemoryStore is a single-replica Store.
type MemoryStore struct {
	cache sync.Map
	ttl   time.Duration
	now   func() time.Time
}

type entry struct {
	resp      Response
	timestamp time.Time
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{ttl: ttl, now: time.Now}
}

func (s *MemoryStore) Get(_ context.Context, key string) (Response, bool) {
	val, ok := s.cache.Load(key)
	if !ok {
		return Response{}, false
	}
	e := val.(entry)
	if s.now().Sub(e.timestamp) > s.ttl {
		s.cache.Delete(key)
		return Response{}, false
	}
	return e.resp, true
}

func (s *MemoryStore) Set(_ context.Context, key string, resp Response) {
	s.cache.Store(key, entry{
		resp:      resp,
		timestamp: s.now(),
	})
}

// RedisStore shares responses across replicas. Redis errors degrade to a
// cache miss.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisStore(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisStore) key(k string) string {
	return fmt.Sprintf("%s:idempotency:%s", s.prefix, k)
}

func (s *RedisStore) Get(ctx context.Context, key string) (Response, bool) {
	data, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err != nil {
		return Response{}, false
	}
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return Response{}, false
	}
	return resp, true
}

func (s *RedisStore) Set(ctx context.Context, key string, resp Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	s.client.Set(ctx, s.key(key), data, s.ttl)
}
