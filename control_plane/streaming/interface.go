// Package streaming fans run and agent events out to interested listeners.
// Topics are "runs:<run_id>" and "agents:<agent_id>".
package streaming

import (
	"context"
	"encoding/json"
	"time"
)

// Event is one published message.
type Event struct {
	ID        string          `json:"id"`
	Topic     string          `json:"topic"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
	Source    string          `json:"source"`
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Payload, v)
}

type Publisher interface {
	Publish(ctx context.Context, topic string, payload interface{}) error
	Close() error
}

type Subscriber interface {
	// Subscribe delivers events for topic to handler in publish order.
	Subscribe(topic string, handler func(event Event)) (Subscription, error)
}

type Subscription interface {
	Unsubscribe() error
}

// Bus is both ends of the channel.
type Bus interface {
	Publisher
	Subscriber
}

func RunTopic(runID string) string     { return "runs:" + runID }
func AgentTopic(agentID string) string { return "agents:" + agentID }
