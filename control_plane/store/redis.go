package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/itskum47/fleetgate/control_plane/observability"
)

// NewRedisClient connects to Redis and verifies the connection.
func NewRedisClient(addr string, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return client, nil
}

func observeRedis(start time.Time) {
	observability.RedisLatency.Observe(time.Since(start).Seconds())
}

// RedisReplayGuard remembers signed task nonces across control plane
// replicas. A nonce can be claimed exactly once within its TTL.
type RedisReplayGuard struct {
	client *redis.Client
	tenant string
}

// NewRedisReplayGuard creates a replay guard keyed under the tenant namespace.
func NewRedisReplayGuard(client *redis.Client, tenantID string) *RedisReplayGuard {
	return &RedisReplayGuard{client: client, tenant: tenantID}
}

// Claim records nonce and reports whether it was unseen. It uses
// SET key value NX EX ttl.
func (g *RedisReplayGuard) Claim(ctx context.Context, nonce string, ttl time.Duration) (bool, error) {
	defer observeRedis(time.Now())

	key := TenantKey(g.tenant, ResourceNonce, nonce)
	ok, err := g.client.SetNX(ctx, key, time.Now().Unix(), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim nonce: %w", err)
	}
	return ok, nil
}

// RedisHeartbeatCache serves latest heartbeats from Redis and writes through
// to the durable store. Cache errors never fail a request.
type RedisHeartbeatCache struct {
	HeartbeatStore
	client *redis.Client
	ttl    time.Duration
}

// NewRedisHeartbeatCache wraps inner with a Redis read-through cache.
func NewRedisHeartbeatCache(inner HeartbeatStore, client *redis.Client, ttl time.Duration) *RedisHeartbeatCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisHeartbeatCache{HeartbeatStore: inner, client: client, ttl: ttl}
}

func (c *RedisHeartbeatCache) RecordHeartbeat(ctx context.Context, hb *Heartbeat) error {
	if err := c.HeartbeatStore.RecordHeartbeat(ctx, hb); err != nil {
		return err
	}

	data, err := json.Marshal(hb)
	if err != nil {
		return fmt.Errorf("failed to marshal heartbeat: %w", err)
	}
	start := time.Now()
	key := TenantKey(hb.TenantID, ResourceHeartbeat, hb.AgentID)
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		log.Printf("[STORE] Heartbeat cache write failed for %s: %v", hb.AgentID, err)
	}
	observeRedis(start)
	return nil
}

func (c *RedisHeartbeatCache) LatestHeartbeat(ctx context.Context, tenantID string, agentID string) (*Heartbeat, error) {
	start := time.Now()
	val, err := c.client.Get(ctx, TenantKey(tenantID, ResourceHeartbeat, agentID)).Result()
	observeRedis(start)

	switch {
	case err == nil:
		var hb Heartbeat
		if err := json.Unmarshal([]byte(val), &hb); err == nil {
			return &hb, nil
		}
		log.Printf("[STORE] Corrupt cached heartbeat for %s, falling back to store", agentID)
	case !errors.Is(err, redis.Nil):
		log.Printf("[STORE] Heartbeat cache read failed for %s: %v", agentID, err)
	}
	return c.HeartbeatStore.LatestHeartbeat(ctx, tenantID, agentID)
}
