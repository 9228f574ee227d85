package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/itskum47/fleetgate/control_plane/observability"
)

// RedisBus carries events between control plane replicas over Redis pub/sub.
// Delivery is at-most-once, like the in-memory bus.
type RedisBus struct {
	client *redis.Client
	prefix string
	source string

	mu   sync.Mutex
	subs map[*redisSub]struct{}
}

// NewRedisBus publishes under "<prefix>:<topic>" channels.
func NewRedisBus(client *redis.Client, prefix, source string) *RedisBus {
	if prefix == "" {
		prefix = "fleetgate:events"
	}
	return &RedisBus{client: client, prefix: prefix, source: source, subs: make(map[*redisSub]struct{})}
}

func (b *RedisBus) channel(topic string) string {
	return b.prefix + ":" + topic
}

func (b *RedisBus) Publish(ctx context.Context, topic string, payload interface{}) error {
	event, err := newEvent(topic, b.source, payload)
	if err != nil {
		observability.EventPublishFailures.WithLabelValues(topicKind(topic)).Inc()
		return err
	}
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, b.channel(topic), data).Err(); err != nil {
		observability.EventPublishFailures.WithLabelValues(topicKind(topic)).Inc()
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

func (b *RedisBus) Subscribe(topic string, handler func(event Event)) (Subscription, error) {
	ctx, cancel := context.WithCancel(context.Background())
	ps := b.client.Subscribe(ctx, b.channel(topic))
	// Wait for the subscription to be confirmed so no event published after
	// Subscribe returns is missed.
	if _, err := ps.Receive(ctx); err != nil {
		cancel()
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}

	s := &redisSub{bus: b, ps: ps, cancel: cancel, done: make(chan struct{})}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	go func() {
		defer close(s.done)
		for msg := range ps.Channel() {
			var e Event
			if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
				log.Printf("[STREAMING] Bad event on %s: %v", msg.Channel, err)
				continue
			}
			handler(e)
		}
	}()
	return s, nil
}

func (b *RedisBus) Close() error {
	b.mu.Lock()
	subs := make([]*redisSub, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		_ = s.Unsubscribe()
	}
	log.Println("[STREAMING] Closed RedisBus")
	return nil
}

type redisSub struct {
	bus    *RedisBus
	ps     *redis.PubSub
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (s *redisSub) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
		s.cancel()
		err = s.ps.Close()
	})
	return err
}
