package streaming

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/itskum47/fleetgate/control_plane/observability"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("bus closed")

// subscriberBuffer bounds the events queued for one slow subscriber.
const subscriberBuffer = 256

// MemoryBus is an in-process Bus for a single control plane replica.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[string]map[*memorySub]struct{}
	closed bool
	source string
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		subs:   make(map[string]map[*memorySub]struct{}),
		source: "control-plane",
	}
}

func newEvent(topic, source string, payload interface{}) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{
		ID:        uuid.NewString(),
		Topic:     topic,
		Payload:   data,
		Timestamp: time.Now(),
		Source:    source,
	}, nil
}

func (b *MemoryBus) Publish(ctx context.Context, topic string, payload interface{}) error {
	event, err := newEvent(topic, b.source, payload)
	if err != nil {
		observability.EventPublishFailures.WithLabelValues(topicKind(topic)).Inc()
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	for s := range b.subs[topic] {
		s.deliver(event)
	}
	return nil
}

func (b *MemoryBus) Subscribe(topic string, handler func(event Event)) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	s := &memorySub{
		bus:     b,
		topic:   topic,
		ch:      make(chan Event, subscriberBuffer),
		done:    make(chan struct{}),
		handler: handler,
	}
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[*memorySub]struct{})
	}
	b.subs[topic][s] = struct{}{}
	go s.run()
	return s, nil
}

// Subscribers returns the number of live subscriptions on topic.
func (b *MemoryBus) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var all []*memorySub
	for _, set := range b.subs {
		for s := range set {
			all = append(all, s)
		}
	}
	b.subs = map[string]map[*memorySub]struct{}{}
	b.mu.Unlock()

	for _, s := range all {
		s.stop()
	}
	log.Println("[STREAMING] Closed MemoryBus")
	return nil
}

func (b *MemoryBus) remove(s *memorySub) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if set, ok := b.subs[s.topic]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(b.subs, s.topic)
		}
	}
}

// memorySub runs its handler on its own goroutine so a slow handler cannot
// stall publishers. When its buffer is full the oldest queued event is
// dropped, so the latest event (a run's final one included) always lands.
type memorySub struct {
	bus     *MemoryBus
	topic   string
	ch      chan Event
	done    chan struct{}
	once    sync.Once
	handler func(Event)
}

func (s *memorySub) deliver(e Event) {
	for {
		select {
		case <-s.done:
			return
		case s.ch <- e:
			return
		default:
		}
		select {
		case old := <-s.ch:
			log.Printf("[STREAMING] Dropping event %s on %s: subscriber buffer full", old.ID, old.Topic)
		default:
		}
	}
}

func (s *memorySub) run() {
	for {
		select {
		case <-s.done:
			return
		case e := <-s.ch:
			s.handler(e)
		}
	}
}

func (s *memorySub) stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *memorySub) Unsubscribe() error {
	s.bus.remove(s)
	s.stop()
	return nil
}

// topicKind is the metric label for a topic ("runs", "agents").
func topicKind(topic string) string {
	for i := 0; i < len(topic); i++ {
		if topic[i] == ':' {
			return topic[:i]
		}
	}
	return topic
}
